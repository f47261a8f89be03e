package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"collabEditor/backend/internal/protocol"
)

var (
	ErrSendQueueFull = errors.New("SEND_QUEUE_FULL")
	ErrDisconnected  = errors.New("DISCONNECTED")
)

type DialOptions struct {
	Token            string
	SendQueue        int
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
}

// Conn 客户端的 websocket 连接
// 写：一个 writer goroutine 消费有界队列；读：Listen 启动的 reader goroutine
type Conn struct {
	ws   *websocket.Conn
	send chan protocol.Envelope
	done chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	err       error

	writeTimeout time.Duration
	writerDone   chan struct{}
}

var _ Transport = (*Conn)(nil)

// Dial 连接协作服务，token 放在 Authorization 头
func Dial(ctx context.Context, url string, opt DialOptions) (*Conn, error) {
	if opt.SendQueue <= 0 {
		opt.SendQueue = 64
	}
	if opt.WriteTimeout <= 0 {
		opt.WriteTimeout = 5 * time.Second
	}
	if opt.HandshakeTimeout <= 0 {
		opt.HandshakeTimeout = 10 * time.Second
	}
	header := http.Header{}
	if opt.Token != "" {
		header.Set("Authorization", "Bearer "+opt.Token)
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opt.HandshakeTimeout,
	}
	ws, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status=%d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c := &Conn{
		ws:           ws,
		send:         make(chan protocol.Envelope, opt.SendQueue),
		done:         make(chan struct{}),
		writeTimeout: opt.WriteTimeout,
		writerDone:   make(chan struct{}),
	}
	go c.writeLoop()
	return c, nil
}

// Send 非阻塞入队
func (c *Conn) Send(env protocol.Envelope) error {
	select {
	case <-c.done:
		return fmt.Errorf("%w: %v", ErrDisconnected, c.Err())
	default:
	}
	select {
	case c.send <- env:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Listen 启动读循环，每条消息交给 handler；连接断开后 Done 关闭
func (c *Conn) Listen(handler func(protocol.Envelope)) {
	go func() {
		defer c.shutdown(nil)
		for {
			_, raw, err := c.ws.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					c.shutdown(err)
				}
				return
			}
			env, err := protocol.Decode(raw)
			if err != nil {
				log.Printf("drop server frame: %v", err)
				continue
			}
			handler(env)
		}
	}()
}

func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close 先把队列里剩下的消息写完再关闭
func (c *Conn) Close() error {
	c.shutdown(nil)
	<-c.writerDone
	return c.Err()
}

func (c *Conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *Conn) write(env protocol.Envelope) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteJSON(env)
}

func (c *Conn) writeLoop() {
	defer func() {
		_ = c.ws.Close()
		close(c.writerDone)
	}()
	for {
		select {
		case env := <-c.send:
			if err := c.write(env); err != nil {
				log.Printf("write error (cmd=%s): %v", env.Command, err)
				c.shutdown(err)
				return
			}
		case <-c.done:
			for {
				select {
				case env := <-c.send:
					if err := c.write(env); err != nil {
						return
					}
				default:
					_ = c.ws.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
						time.Now().Add(c.writeTimeout))
					return
				}
			}
		}
	}
}
