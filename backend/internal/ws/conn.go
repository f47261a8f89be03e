package ws

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"collabEditor/backend/internal/collab"
	"collabEditor/backend/internal/ot/document"
	"collabEditor/backend/internal/protocol"
)

var (
	ErrSlowConsumer = errors.New("SLOW_CONSUMER")
	ErrConnClosed   = errors.New("CONNECTION_CLOSED")
)

type ConnOptions struct {
	SendQueue      int
	WriteTimeout   time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	OpTimeout      time.Duration
	MaxMessageSize int64
}

func (o ConnOptions) withDefaults() ConnOptions {
	if o.SendQueue <= 0 {
		o.SendQueue = 32
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = o.PongWait * 9 / 10
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = 200 * time.Millisecond
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 1 << 20
	}
	return o
}

// Conn 一条 websocket 连接，同时是 collab.Participant
type Conn struct {
	id       string
	ws       *websocket.Conn
	hub      *Hub
	userID   string
	username string
	// 出站队列，只有 writeLoop 消费
	send chan protocol.Envelope
	// 关闭后 writeLoop 退出并关闭底层连接
	done      chan struct{}
	closeOnce sync.Once

	// 协作引擎服务
	svc    collab.Service
	access collab.AccessChecker
	// 信号量控制
	sem  *collab.SemaphoreControl
	opts ConnOptions
}

var _ collab.Participant = (*Conn)(nil)

func NewConn(ws *websocket.Conn, hub *Hub, userID, username string, svc collab.Service, access collab.AccessChecker, sem *collab.SemaphoreControl, opts ConnOptions) *Conn {
	opts = opts.withDefaults()
	if access == nil {
		access = collab.AllowAll{}
	}
	return &Conn{
		id:       uuid.NewString(),
		ws:       ws,
		hub:      hub,
		userID:   userID,
		username: username,
		send:     make(chan protocol.Envelope, opts.SendQueue),
		done:     make(chan struct{}),
		svc:      svc,
		access:   access,
		sem:      sem,
		opts:     opts,
	}
}

func (c *Conn) ID() string     { return c.id }
func (c *Conn) UserID() string { return c.userID }

// Deliver 把其他协作者的操作转发给本连接
// 在 session 锁内被调用，不能阻塞：队列满时断开本连接
func (c *Conn) Deliver(applied collab.AppliedOp) error {
	env, err := protocol.NewEnvelope(protocol.CmdEditFile, protocol.EditFileRequest{
		Filename:  applied.Filename,
		Operation: applied.Operation,
		UserID:    applied.AuthorID,
		Revision:  applied.Revision,
	})
	if err != nil {
		return err
	}
	return c.enqueue(env)
}

func (c *Conn) enqueue(env protocol.Envelope) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- env:
		return nil
	default:
		c.shutdown()
		return fmt.Errorf("%w: conn=%s user=%s", ErrSlowConsumer, c.id, c.userID)
	}
}

func (c *Conn) reply(command string, payload any) {
	env, err := protocol.NewEnvelope(command, payload)
	if err != nil {
		log.Printf("encode reply error (user=%s, cmd=%s): %v", c.userID, command, err)
		return
	}
	if err := c.enqueue(env); err != nil {
		log.Printf("reply dropped (user=%s, cmd=%s): %v", c.userID, command, err)
	}
}

func (c *Conn) replyError(err error) {
	c.reply(protocol.CmdError, protocol.StatusResponse{Status: protocol.StatusError, Error: err.Error()})
}

func (c *Conn) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Conn) readLoop(ctx context.Context) {
	defer c.shutdown()

	c.ws.SetReadLimit(c.opts.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		c.hub.Refresh(c)
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("read error (user=%s, conn=%s): %v", c.userID, c.id, err)
			}
			return
		}
		// 格式错误只回复 ERROR，连接保持
		env, err := protocol.Decode(raw)
		if err != nil {
			c.replyError(err)
			continue
		}
		c.dispatch(ctx, env)
	}
}

func (c *Conn) dispatch(ctx context.Context, env protocol.Envelope) {
	switch env.Command {
	case protocol.CmdOpenFile:
		var req protocol.OpenFileRequest
		if err := env.DecodeData(&req); err != nil {
			c.replyError(err)
			return
		}
		c.handleOpenFile(ctx, req)

	case protocol.CmdCloseFile:
		var req protocol.CloseFileRequest
		if err := env.DecodeData(&req); err != nil {
			c.replyError(err)
			return
		}
		c.handleCloseFile(ctx, req.Filename)

	case protocol.CmdEditFile:
		var req protocol.EditFileRequest
		if err := env.DecodeData(&req); err != nil {
			c.replyError(err)
			return
		}
		c.handleEditFile(ctx, req)

	case protocol.CmdSaveContent:
		var req protocol.SaveContentRequest
		if err := env.DecodeData(&req); err != nil {
			c.replyError(err)
			return
		}
		resp := protocol.StatusResponse{Status: protocol.StatusSuccess, Filename: req.Filename}
		if err := c.svc.SaveContent(ctx, req.Filename, req.Content); err != nil {
			log.Printf("save content error (user=%s, file=%s): %v", c.userID, req.Filename, err)
			resp = protocol.StatusResponse{Status: protocol.StatusError, Filename: req.Filename, Error: err.Error()}
		}
		c.reply(protocol.CmdSaveContent, resp)

	case protocol.CmdGetHistory:
		var req protocol.FileRequest
		if err := env.DecodeData(&req); err != nil {
			c.replyError(err)
			return
		}
		c.handleGetHistory(ctx, req.Filename)

	case protocol.CmdDeleteHistory:
		var req protocol.FileRequest
		if err := env.DecodeData(&req); err != nil {
			c.replyError(err)
			return
		}
		resp := protocol.StatusResponse{Status: protocol.StatusSuccess, Filename: req.Filename}
		if err := c.svc.DeleteHistory(ctx, req.Filename); err != nil {
			log.Printf("delete history error (user=%s, file=%s): %v", c.userID, req.Filename, err)
			resp = protocol.StatusResponse{Status: protocol.StatusError, Filename: req.Filename, Error: err.Error()}
		}
		c.reply(protocol.CmdDeleteHistory, resp)

	default:
		c.replyError(fmt.Errorf("%w: %q", protocol.ErrUnknownCommand, env.Command))
	}
}

func (c *Conn) handleOpenFile(ctx context.Context, req protocol.OpenFileRequest) {
	fail := func(err error) {
		c.reply(protocol.CmdOpenFile, protocol.OpenFileResponse{Status: protocol.StatusError, Filename: req.Filename, Error: err.Error()})
	}
	if req.Filename == "" {
		fail(fmt.Errorf("%w: empty filename", protocol.ErrMalformed))
		return
	}
	if req.UserID != "" && req.UserID != c.userID {
		log.Printf("open file: ignoring claimed user_id=%s, conn user=%s", req.UserID, c.userID)
	}
	if err := c.access.CanOpen(ctx, req.Filename, c.userID, req.HostID); err != nil {
		fail(err)
		return
	}
	snap, err := c.svc.Open(ctx, req.Filename, c)
	if err != nil {
		log.Printf("open file error (user=%s, file=%s): %v", c.userID, req.Filename, err)
		fail(err)
		return
	}
	c.hub.Join(req.Filename, c)
	c.reply(protocol.CmdOpenFile, protocol.OpenFileResponse{
		Status:   protocol.StatusSuccess,
		Filename: req.Filename,
		Content:  snap.Lines,
		Revision: snap.Revision,
	})
}

func (c *Conn) handleCloseFile(ctx context.Context, filename string) {
	resp := protocol.StatusResponse{Status: protocol.StatusSuccess, Filename: filename}
	if err := c.svc.Close(ctx, filename, c); err != nil && !errors.Is(err, collab.ErrNotParticipant) && !errors.Is(err, collab.ErrSessionNotFound) {
		log.Printf("close file error (user=%s, file=%s): %v", c.userID, filename, err)
		resp = protocol.StatusResponse{Status: protocol.StatusError, Filename: filename, Error: err.Error()}
	}
	c.hub.Leave(filename, c)
	c.reply(protocol.CmdCloseFile, resp)
}

// handleEditFile 作者本人只收到确认，不会收到自己的操作
func (c *Conn) handleEditFile(ctx context.Context, req protocol.EditFileRequest) {
	opCtx, cancel := context.WithTimeout(ctx, c.opts.OpTimeout)
	defer cancel()

	if c.sem != nil {
		if err := c.sem.Acquire(opCtx); err != nil {
			c.reply(protocol.CmdEditFile, protocol.EditFileResponse{Status: protocol.StatusError, Filename: req.Filename, Error: err.Error()})
			return
		}
		defer c.sem.Release()
	}

	res, err := c.svc.Apply(opCtx, req.Filename, c, req.Operation)
	if err != nil {
		resp := protocol.EditFileResponse{Status: protocol.StatusError, Filename: req.Filename, Error: err.Error()}
		// 越界说明客户端内容已过期，附上当前内容让它重新同步
		if errors.Is(err, document.ErrOutOfRange) {
			if snap, cerr := c.svc.Content(ctx, req.Filename); cerr == nil {
				resp.Content = snap.Lines
				resp.Revision = snap.Revision
			}
		}
		c.reply(protocol.CmdEditFile, resp)
		return
	}

	resp := protocol.EditFileResponse{Status: protocol.StatusSuccess, Filename: req.Filename, Revision: res.Revision}
	if res.Undo && !res.Noop {
		op := res.Operation.Clone()
		resp.Operation = &op
	}
	c.reply(protocol.CmdEditFile, resp)
}

func (c *Conn) handleGetHistory(ctx context.Context, filename string) {
	entries, err := c.svc.History(ctx, filename)
	if err != nil {
		log.Printf("get history error (user=%s, file=%s): %v", c.userID, filename, err)
		c.reply(protocol.CmdGetHistory, protocol.HistoryResponse{Status: protocol.StatusError, Filename: filename, History: []protocol.HistoryEntry{}, Error: err.Error()})
		return
	}
	out := make([]protocol.HistoryEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, protocol.HistoryEntry{
			UserID:    e.UserID,
			Timestamp: e.Timestamp,
			Revision:  e.Revision,
			Operation: e.Operation,
		})
	}
	c.reply(protocol.CmdGetHistory, protocol.HistoryResponse{Status: protocol.StatusSuccess, Filename: filename, History: out})
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case env := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.ws.WriteJSON(env); err != nil {
				log.Printf("write error (user=%s, conn=%s): %v", c.userID, c.id, err)
				c.shutdown()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.opts.WriteTimeout))
			return
		}
	}
}
