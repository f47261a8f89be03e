package ws

import (
	"context"
	"log"
	"sync"
	"time"

	"collabEditor/backend/internal/cache"
)

type Hub struct {
	// 在线状态存储（一般是 Redis），为 nil 时不记录
	presence    cache.PresenceCache
	presenceTTL time.Duration
	// 保护 rooms / conns
	mu sync.RWMutex
	// filename -> set of connections
	// 一个用户可以开多个连接，所以按连接而不是按 userID 记录
	rooms map[string]map[*Conn]struct{}
	conns map[*Conn]struct{}
}

func NewHub(p cache.PresenceCache, presenceTTL time.Duration) *Hub {
	if presenceTTL <= 0 {
		presenceTTL = 600 * time.Second
	}
	return &Hub{
		presence:    p,
		presenceTTL: presenceTTL,
		rooms:       make(map[string]map[*Conn]struct{}),
		conns:       make(map[*Conn]struct{}),
	}
}

func (h *Hub) Register(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c] = struct{}{}
}

// Unregister 连接断开时调用，返回它还在的房间
func (h *Hub) Unregister(c *Conn) []string {
	h.mu.Lock()
	delete(h.conns, c)
	var left []string
	for filename, conns := range h.rooms {
		if _, ok := conns[c]; ok {
			left = append(left, filename)
		}
	}
	h.mu.Unlock()
	for _, filename := range left {
		h.Leave(filename, c)
	}
	return left
}

// Join 将连接加入文件房间，并记录在线状态
func (h *Hub) Join(filename string, c *Conn) {
	h.mu.Lock()
	if h.rooms[filename] == nil {
		h.rooms[filename] = make(map[*Conn]struct{})
	}
	h.rooms[filename][c] = struct{}{}
	h.mu.Unlock()
	h.touch(filename, c)
}

// Leave 同一用户在房间里没有其他连接时才清除在线状态
func (h *Hub) Leave(filename string, c *Conn) {
	h.mu.Lock()
	stillThere := false
	if conns, ok := h.rooms[filename]; ok {
		delete(conns, c)
		for other := range conns {
			if other.userID == c.userID {
				stillThere = true
				break
			}
		}
		if len(conns) == 0 {
			delete(h.rooms, filename)
		}
	}
	h.mu.Unlock()

	if h.presence == nil || stillThere {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.presence.RemoveMember(ctx, filename, c.userID); err != nil {
		log.Printf("remove member error file=%s user=%s err=%v", filename, c.userID, err)
	}
}

// Refresh 心跳时刷新该连接所在房间的在线 TTL
func (h *Hub) Refresh(c *Conn) {
	h.mu.RLock()
	var files []string
	for filename, conns := range h.rooms {
		if _, ok := conns[c]; ok {
			files = append(files, filename)
		}
	}
	h.mu.RUnlock()
	for _, filename := range files {
		h.touch(filename, c)
	}
}

func (h *Hub) touch(filename string, c *Conn) {
	if h.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.presence.AddMember(ctx, filename, c.userID, c.username, h.presenceTTL); err != nil {
		log.Printf("add member error file=%s user=%s err=%v", filename, c.userID, err)
	}
}

// Members 在线成员；没有配置 Redis 时按本进程的连接计算
func (h *Hub) Members(ctx context.Context, filename string) ([]cache.PresenceMember, error) {
	if h.presence != nil {
		return h.presence.GetAliveMembersWithNames(ctx, filename)
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []cache.PresenceMember
	for c := range h.rooms[filename] {
		if _, ok := seen[c.userID]; ok {
			continue
		}
		seen[c.userID] = struct{}{}
		out = append(out, cache.PresenceMember{UserID: c.userID, Username: c.username})
	}
	return out, nil
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// CloseAll 服务退出时断开所有连接
func (h *Hub) CloseAll() {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.shutdown()
	}
}
