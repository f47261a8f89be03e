package cache

import "fmt"

// 键语义：
// - roomKey(filename):  打开该文件的在线成员（ZSet<userId, expireAtUnix>，score=expireAt）
// - namesKey(filename): 文件内 userId→username 映射（Hash）
// 两个键共用 {file:...} hash tag，集群模式下落在同一个 slot，lua 脚本才能同时操作

const (
	keyRoomFmt  = "presence:room:{file:%s}"       // ZSet<userId, expireAtUnix>
	keyNamesFmt = "presence:room:names:{file:%s}" // Hash<userId -> username>
)

func roomKey(filename string) string  { return fmt.Sprintf(keyRoomFmt, filename) }
func namesKey(filename string) string { return fmt.Sprintf(keyNamesFmt, filename) }
