package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"collabEditor/backend/internal/ot/document"
	"collabEditor/backend/internal/ot/operation"
	"collabEditor/backend/internal/protocol"
)

var ErrSessionStopped = errors.New("SESSION_STOPPED")

// Key 与终端无关的本地按键
type Key int

const (
	KeyRune Key = iota
	KeyBackspace
	KeyEnter
	KeyLeft
	KeyRight
	KeyUp
	KeyDown
	KeySelectLeft
	KeySelectRight
	KeySelectUp
	KeySelectDown
	KeyToggleSelect
	KeyCopy
	KeyPaste
	KeyUndo
	KeySave
	KeyHistory
	KeyDeleteHistory
	KeyExit
)

// Event Session 收件箱里的一条事件
type Event interface{ event() }

type KeyEvent struct {
	Key  Key
	Rune rune
}

// RemoteEvent 服务端发来的消息
type RemoteEvent struct {
	Env protocol.Envelope
}

// PasteEvent 终端的整段粘贴，作为一次多行插入发送
type PasteEvent struct {
	Lines []string
}

// DisconnectEvent 连接断开
type DisconnectEvent struct {
	Err error
}

func (KeyEvent) event()        {}
func (RemoteEvent) event()     {}
func (PasteEvent) event()      {}
func (DisconnectEvent) event() {}

// View 给界面渲染用的只读快照
type View struct {
	Filename     string
	Lines        []string
	Cursor       operation.Pos
	Selecting    bool
	HasSelection bool
	SelStart     operation.Pos
	SelEnd       operation.Pos
	Status       string
	History      []protocol.HistoryEntry
	ShowHistory  bool
	Revision     uint64
	Ready        bool
}

type SessionOptions struct {
	Filename  string
	UserID    string
	BatchIdle time.Duration
	TickEvery time.Duration
	QueueSize int
	Drafts    Drafts
	OnChange  func(View)
	Now       func() time.Time
}

// Session 一个打开的文件在客户端的全部状态
// 本地按键和服务端消息都经由 events 串行处理，文档只在 Run 所在的 goroutine 中修改。
type Session struct {
	filename string
	userID   string
	sender   *Sender
	drafts   Drafts
	onChange func(View)
	now      func() time.Time
	tick     time.Duration

	events  chan Event
	stopped chan struct{}

	doc       *document.Document
	cursor    operation.Pos
	sel       Selection
	selecting bool
	batch     *Batcher
	clipboard []string
	history   []protocol.HistoryEntry
	showHist  bool
	status    string
	revision  uint64
	ready     bool
}

func NewSession(sender *Sender, opt SessionOptions) *Session {
	if opt.Now == nil {
		opt.Now = time.Now
	}
	if opt.TickEvery <= 0 {
		opt.TickEvery = 100 * time.Millisecond
	}
	if opt.QueueSize <= 0 {
		opt.QueueSize = 256
	}
	return &Session{
		filename: opt.Filename,
		userID:   opt.UserID,
		sender:   sender,
		drafts:   opt.Drafts,
		onChange: opt.OnChange,
		now:      opt.Now,
		tick:     opt.TickEvery,
		events:   make(chan Event, opt.QueueSize),
		stopped:  make(chan struct{}),
		doc:      document.New(nil),
		batch:    NewBatcher(opt.UserID, opt.BatchIdle, opt.Now),
	}
}

// Submit 把事件放进收件箱，Run 结束后返回 ErrSessionStopped
func (s *Session) Submit(ctx context.Context, ev Event) error {
	select {
	case s.events <- ev:
		return nil
	case <-s.stopped:
		return ErrSessionStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run 打开文件并处理事件，直到退出键或 ctx 结束
// 退出前发送未完成的批次、保存内容并关闭文件。
func (s *Session) Run(ctx context.Context) error {
	defer close(s.stopped)

	if err := s.sender.OpenFile(s.filename); err != nil {
		return fmt.Errorf("open %s: %w", s.filename, err)
	}
	s.status = "opening " + s.filename
	s.publish()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.finish()
			return ctx.Err()
		case now := <-ticker.C:
			if ops := s.batch.Tick(now); len(ops) > 0 {
				s.sendOps(ops)
				s.publish()
			}
		case ev := <-s.events:
			if s.handle(ev) {
				s.finish()
				s.publish()
				return nil
			}
			s.publish()
		}
	}
}

// handle 返回 true 表示退出
func (s *Session) handle(ev Event) bool {
	switch ev := ev.(type) {
	case KeyEvent:
		return s.handleKey(ev)
	case RemoteEvent:
		s.handleRemote(ev.Env)
	case PasteEvent:
		s.showHist = false
		if !s.ready {
			s.status = "waiting for " + s.filename
			return false
		}
		s.insertLines(ev.Lines)
	case DisconnectEvent:
		s.status = fmt.Sprintf("disconnected: %v", ev.Err)
		s.saveDraft()
	}
	return false
}

func (s *Session) handleKey(ev KeyEvent) bool {
	s.showHist = false
	if ev.Key == KeyExit {
		return true
	}
	if !s.ready {
		s.status = "waiting for " + s.filename
		return false
	}
	switch ev.Key {
	case KeyRune:
		s.typeRune(ev.Rune)
	case KeyBackspace:
		s.backspace()
	case KeyEnter:
		s.newLine()
	case KeyLeft:
		s.move(DirLeft)
	case KeyRight:
		s.move(DirRight)
	case KeyUp:
		s.move(DirUp)
	case KeyDown:
		s.move(DirDown)
	case KeySelectLeft:
		s.extend(DirLeft)
	case KeySelectRight:
		s.extend(DirRight)
	case KeySelectUp:
		s.extend(DirUp)
	case KeySelectDown:
		s.extend(DirDown)
	case KeyToggleSelect:
		s.toggleSelect()
	case KeyCopy:
		s.copySelection()
	case KeyPaste:
		s.paste()
	case KeyUndo:
		s.sendOps(s.batch.Flush())
		s.sendOp(operation.NewCancel(s.userID))
		s.status = "undo"
	case KeySave:
		s.save()
	case KeyHistory:
		s.sendOps(s.batch.Flush())
		s.trySend(s.sender.GetHistory(s.filename))
	case KeyDeleteHistory:
		s.trySend(s.sender.DeleteHistory(s.filename))
	}
	return false
}

func (s *Session) typeRune(r rune) {
	s.replaceSelection()
	pos := s.cursor
	if _, err := s.doc.Apply(operation.NewInsert(pos, []string{string(r)}, s.userID)); err != nil {
		s.status = err.Error()
		return
	}
	s.cursor.X++
	s.sendOps(s.batch.Insert(pos, r))
}

func (s *Session) backspace() {
	if !s.sel.Empty() {
		s.replaceSelection()
		return
	}
	s.clearSelection()
	from := s.cursor
	to := MoveLeft(from, s.doc)
	if to == from {
		return
	}
	if _, err := s.doc.Apply(operation.NewDelete(to, from, s.userID)); err != nil {
		s.status = err.Error()
		return
	}
	s.cursor = to
	s.sendOps(s.batch.Backspace(from, to))
}

func (s *Session) newLine() {
	s.replaceSelection()
	pos := s.cursor
	if _, err := s.doc.Apply(operation.NewNewLine(pos, s.userID)); err != nil {
		s.status = err.Error()
		return
	}
	s.cursor = operation.Pos{Y: pos.Y + 1}
	s.sendOps(s.batch.NewLine(pos))
}

func (s *Session) move(dir Direction) {
	if s.selecting {
		s.cursor, _ = s.sel.Extend(dir, s.doc)
	} else {
		s.sel.Clear()
		s.cursor = dir.move(s.cursor, s.doc)
	}
	s.sendOps(s.batch.Moved(s.cursor))
}

// extend Shift+方向键，不需要先进入选择模式
func (s *Session) extend(dir Direction) {
	if !s.sel.Active() {
		s.sel.Start(s.cursor)
	}
	s.cursor, _ = s.sel.Extend(dir, s.doc)
	s.sendOps(s.batch.Moved(s.cursor))
}

func (s *Session) toggleSelect() {
	if s.selecting {
		s.clearSelection()
		s.status = ""
		return
	}
	s.selecting = true
	s.sel.Start(s.cursor)
	s.status = "selecting"
}

func (s *Session) clearSelection() {
	s.selecting = false
	s.sel.Clear()
}

func (s *Session) copySelection() {
	text := s.sel.Extract(s.doc)
	if text == nil {
		s.status = "nothing selected"
		return
	}
	s.clipboard = text
	s.status = fmt.Sprintf("copied %d line(s)", len(text))
}

func (s *Session) paste() {
	if len(s.clipboard) == 0 {
		s.status = "clipboard is empty"
		return
	}
	s.insertLines(s.clipboard)
}

func (s *Session) insertLines(lines []string) {
	if len(lines) == 0 {
		return
	}
	s.replaceSelection()
	pos := s.cursor
	applied, err := s.doc.Apply(operation.NewInsert(pos, lines, s.userID))
	if err != nil {
		s.status = err.Error()
		return
	}
	s.cursor = *applied.EndPos
	s.sendOps(s.batch.Paste(pos, applied.Text))
}

// replaceSelection 有选中文本时先删除并通知服务端，然后退出选择模式
func (s *Session) replaceSelection() {
	if s.sel.Empty() {
		s.clearSelection()
		return
	}
	s.sendOps(s.batch.Flush())
	start, end := s.sel.Bounds()
	if _, err := s.sel.DeleteRange(s.doc, s.userID); err != nil {
		s.status = err.Error()
		s.clearSelection()
		return
	}
	s.clearSelection()
	s.cursor = start
	s.sendOp(operation.NewDelete(start, end, s.userID))
}

func (s *Session) save() {
	s.sendOps(s.batch.Flush())
	s.trySend(s.sender.SaveContent(s.filename, s.doc.String()))
	s.status = "saving"
}

// finish 退出：发送剩余批次、保存、关闭文件
func (s *Session) finish() {
	if !s.ready {
		return
	}
	s.sendOps(s.batch.Flush())
	s.trySend(s.sender.SaveContent(s.filename, s.doc.String()))
	s.trySend(s.sender.CloseFile(s.filename))
	s.ready = false
}

// editMessage 同时覆盖广播（无 status）与给作者的确认
type editMessage struct {
	Status    string               `json:"status"`
	Operation *operation.Operation `json:"operation"`
	UserID    string               `json:"user_id"`
	Revision  uint64               `json:"revision"`
	Content   []string             `json:"content"`
	Error     string               `json:"error"`
}

func (s *Session) handleRemote(env protocol.Envelope) {
	switch env.Command {
	case protocol.CmdOpenFile:
		var resp protocol.OpenFileResponse
		if err := env.DecodeData(&resp); err != nil {
			s.status = err.Error()
			return
		}
		if resp.Status != protocol.StatusSuccess {
			s.status = "open failed: " + resp.Error
			return
		}
		if s.ready {
			s.status = "resynchronized"
		} else {
			s.status = fmt.Sprintf("opened %s", s.filename)
		}
		s.replaceBuffer(resp.Content)
		s.revision = resp.Revision
		s.ready = true

	case protocol.CmdEditFile:
		var msg editMessage
		if err := env.DecodeData(&msg); err != nil {
			s.status = err.Error()
			return
		}
		s.revision = max(s.revision, msg.Revision)
		switch msg.Status {
		case "":
			if msg.Operation != nil {
				s.applyRemote(*msg.Operation)
			}
		case protocol.StatusSuccess:
			// 撤销的结果只在确认里返回给作者
			if msg.Operation != nil {
				s.applyRemote(*msg.Operation)
			}
		default:
			s.status = "edit rejected: " + msg.Error
			if msg.Content != nil {
				s.replaceBuffer(msg.Content)
			}
		}

	case protocol.CmdSaveContent:
		var resp protocol.StatusResponse
		if err := env.DecodeData(&resp); err != nil {
			s.status = err.Error()
			return
		}
		if resp.Status != protocol.StatusSuccess {
			s.status = "save failed: " + resp.Error
			return
		}
		s.status = "saved"
		if s.drafts != nil {
			if err := s.drafts.DeleteDraft(s.filename); err != nil {
				log.Printf("delete draft error (file=%s): %v", s.filename, err)
			}
		}

	case protocol.CmdGetHistory:
		var resp protocol.HistoryResponse
		if err := env.DecodeData(&resp); err != nil {
			s.status = err.Error()
			return
		}
		s.history = resp.History
		s.showHist = true
		s.status = fmt.Sprintf("%d history entries", len(resp.History))

	case protocol.CmdDeleteHistory:
		var resp protocol.StatusResponse
		if err := env.DecodeData(&resp); err != nil || resp.Status != protocol.StatusSuccess {
			s.status = "delete history failed: " + resp.Error
			return
		}
		s.history = nil
		s.status = "history deleted"

	case protocol.CmdCloseFile:

	case protocol.CmdError:
		var resp protocol.StatusResponse
		_ = json.Unmarshal(env.Data, &resp)
		s.status = "server error: " + resp.Error

	default:
		log.Printf("ignore server command %s", env.Command)
	}
}

// applyRemote 先发出本地未完成的批次，再应用远端操作
// 应用失败说明本地副本已经偏离，重新 OPEN_FILE 拉取内容
func (s *Session) applyRemote(op operation.Operation) {
	s.sendOps(s.batch.Flush())
	applied, err := s.doc.Apply(op)
	if err != nil {
		s.status = "out of sync, reloading"
		s.trySend(s.sender.OpenFile(s.filename))
		return
	}
	s.cursor = Clamp(Shift(s.cursor, applied), s.doc)
	if s.sel.Active() {
		s.clearSelection()
	}
}

// replaceBuffer 以服务端内容为准，丢弃还没发出的批次
func (s *Session) replaceBuffer(lines []string) {
	s.batch.Flush()
	s.doc = document.New(lines)
	s.cursor = Clamp(s.cursor, s.doc)
	s.clearSelection()
}

func (s *Session) sendOps(ops []operation.Operation) {
	for _, op := range ops {
		s.sendOp(op)
	}
}

func (s *Session) sendOp(op operation.Operation) {
	s.trySend(s.sender.Send(s.filename, op))
}

// trySend 发送失败不回滚本地内容，只提示并保存草稿
func (s *Session) trySend(err error) {
	if err == nil {
		return
	}
	s.status = "send failed: " + err.Error()
	s.saveDraft()
}

func (s *Session) saveDraft() {
	if s.drafts == nil || !s.ready {
		return
	}
	if err := s.drafts.SaveDraft(s.filename, s.doc.Lines()); err != nil {
		log.Printf("save draft error (file=%s): %v", s.filename, err)
		return
	}
	s.status += " (draft saved)"
}

func (s *Session) view() View {
	v := View{
		Filename:    s.filename,
		Lines:       s.doc.Lines(),
		Cursor:      s.cursor,
		Selecting:   s.selecting,
		Status:      s.status,
		History:     s.history,
		ShowHistory: s.showHist,
		Revision:    s.revision,
		Ready:       s.ready,
	}
	if !s.sel.Empty() {
		v.HasSelection = true
		v.SelStart, v.SelEnd = s.sel.Bounds()
	}
	return v
}

func (s *Session) publish() {
	if s.onChange != nil {
		s.onChange(s.view())
	}
}
