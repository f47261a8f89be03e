package ws

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"collabEditor/backend/internal/collab"
)

// 全局的 WebSocket upgrader（允许本地开发环境的来源）
// 终端客户端一般不发 Origin
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" {
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

type Manager struct {
	h      *Hub
	svc    collab.Service
	access collab.AccessChecker
	sem    *collab.SemaphoreControl
	opts   ConnOptions
}

func NewManager(h *Hub, svc collab.Service, access collab.AccessChecker, sem *collab.SemaphoreControl, opts ConnOptions) *Manager {
	return &Manager{h: h, svc: svc, access: access, sem: sem, opts: opts}
}

// WebSocketConnect 用户身份由鉴权中间件写入 gin.Context
func (m *Manager) WebSocketConnect(c *gin.Context) {
	userID := c.GetString("userId")
	username := c.GetString("username")
	if userID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}

	wsConn := NewConn(conn, m.h, userID, username, m.svc, m.access, m.sem, m.opts)
	m.h.Register(wsConn)
	log.Printf("websocket connected user=%s conn=%s", userID, wsConn.id)

	// 先启动写循环，再进入读循环（阻塞至连接关闭）
	go wsConn.writeLoop()
	wsConn.readLoop(c.Request.Context())

	// 连接断开：离开所有文件，最后一个离开的负责落盘
	m.h.Unregister(wsConn)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.svc.CloseAll(ctx, wsConn); err != nil {
		log.Printf("close sessions on disconnect error user=%s conn=%s: %v", userID, wsConn.id, err)
	}
	log.Printf("websocket disconnected user=%s conn=%s", userID, wsConn.id)
}
