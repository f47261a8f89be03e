package cache

import (
	"context"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
)

func TestRedisPresence_Members(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})
	// 若 Redis 未启动则跳过
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("skip: redis not available: %v", err)
	}
	ctx := context.Background()
	filename := "presence-test-" + time.Now().Format("150405.000000")
	defer rdb.Del(ctx, roomKey(filename), namesKey(filename))

	p := NewRedisPresence(rdb)
	if err := p.AddMember(ctx, filename, "u1", "alice", time.Minute); err != nil {
		t.Fatalf("AddMember error: %v", err)
	}
	if err := p.AddMember(ctx, filename, "u2", "bob", time.Minute); err != nil {
		t.Fatalf("AddMember error: %v", err)
	}
	// 已过期的成员会被清理
	if err := p.AddMember(ctx, filename, "u3", "stale", -time.Minute); err != nil {
		t.Fatalf("AddMember error: %v", err)
	}

	members, err := p.GetAliveMembersWithNames(ctx, filename)
	if err != nil {
		t.Fatalf("GetAliveMembersWithNames error: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 alive members, got %+v", members)
	}
	names := map[string]string{}
	for _, m := range members {
		names[m.UserID] = m.Username
	}
	if names["u1"] != "alice" || names["u2"] != "bob" {
		t.Fatalf("unexpected members %+v", members)
	}
	if exists, _ := rdb.HExists(ctx, namesKey(filename), "u3").Result(); exists {
		t.Fatalf("expired member name not cleaned up")
	}

	if err := p.RemoveMember(ctx, filename, "u1"); err != nil {
		t.Fatalf("RemoveMember error: %v", err)
	}
	members, _ = p.GetAliveMembersWithNames(ctx, filename)
	if len(members) != 1 || members[0].UserID != "u2" {
		t.Fatalf("after remove got %+v", members)
	}
}

func TestKeysShareHashTag(t *testing.T) {
	if got := roomKey("a.txt"); got != "presence:room:{file:a.txt}" {
		t.Fatalf("roomKey = %q", got)
	}
	if got := namesKey("a.txt"); got != "presence:room:names:{file:a.txt}" {
		t.Fatalf("namesKey = %q", got)
	}
}
