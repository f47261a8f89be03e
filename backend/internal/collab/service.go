package collab

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"collabEditor/backend/internal/ot/document"
	"collabEditor/backend/internal/ot/operation"
)

// 协作引擎接口
type Service interface {
	Open(ctx context.Context, filename string, p Participant) (Snapshot, error)
	Close(ctx context.Context, filename string, p Participant) error
	CloseAll(ctx context.Context, p Participant) error

	Apply(ctx context.Context, filename string, author Participant, op operation.Operation) (AppliedOp, error)

	Content(ctx context.Context, filename string) (Snapshot, error)
	History(ctx context.Context, filename string) ([]HistoryEntry, error)
	SaveContent(ctx context.Context, filename string, content string) error
	DeleteHistory(ctx context.Context, filename string) error
	Participants(ctx context.Context, filename string) ([]string, error)

	Shutdown(ctx context.Context) error
}

// Participant 一个打开了文件的连接
// Deliver 必须是非阻塞的：它在 session 锁内被调用
type Participant interface {
	ID() string
	UserID() string
	Deliver(applied AppliedOp) error
}

// ContentStore 文件内容的持久化，未知文件返回 (nil, nil)
type ContentStore interface {
	LoadContent(ctx context.Context, filename string) ([]string, error)
	SaveContent(ctx context.Context, filename string, lines []string) error
}

// HistoryStore 历史记录的持久化，SaveHistory 为追加语义
type HistoryStore interface {
	SaveHistory(ctx context.Context, filename string, entries []HistoryEntry) error
	LoadHistory(ctx context.Context, filename string) ([]HistoryEntry, error)
	DeleteHistory(ctx context.Context, filename string) error
}

type EventPublisher interface {
	Enqueue(ctx context.Context, evt DocOpEvent) error
}

// AccessChecker 打开文件前的权限检查，授权本身由外部系统维护
type AccessChecker interface {
	CanOpen(ctx context.Context, filename, userID, hostID string) error
}

type AllowAll struct{}

func (AllowAll) CanOpen(context.Context, string, string, string) error { return nil }

type Snapshot struct {
	Filename string
	Lines    []string
	Revision uint64
}

type AppliedOp struct {
	OperationID string // 本次操作的唯一ID（用于追踪）
	Filename    string
	Revision    uint64 // session 内递增
	AuthorID    string
	// 实际应用到文档上的操作；撤销时是被撤销操作的逆操作
	Operation operation.Operation
	Undo      bool
	// 撤销时历史为空，什么都没做
	Noop      bool
	AppliedAt time.Time
}

// 一个打开的文件
type session struct {
	mu           sync.Mutex
	filename     string
	doc          *document.Document
	history      *History
	revision     uint64
	participants map[string]Participant

	// closed 之后不再接受操作，done 在内容交给存储之后关闭
	closed bool
	done   chan struct{}
}

type Options struct {
	HistoryCap     int
	PublishTimeout time.Duration
	// LoadTimeout 加载文件内容的上限，与发起打开的请求是否取消无关
	LoadTimeout time.Duration
}

// 内存实现：持有所有打开文件的状态
type InMemoryService struct {
	mu       sync.RWMutex
	sessions map[string]*session
	loads    singleflight.Group

	// 依赖注入，实现在 store / kafka 中
	content ContentStore
	history HistoryStore
	events  EventPublisher

	opt Options
}

var _ Service = (*InMemoryService)(nil)

// NewInMemoryService events 可以为 nil，此时不投递事件
func NewInMemoryService(content ContentStore, history HistoryStore, events EventPublisher, opt Options) *InMemoryService {
	if opt.PublishTimeout <= 0 {
		opt.PublishTimeout = 200 * time.Millisecond
	}
	if opt.LoadTimeout <= 0 {
		opt.LoadTimeout = 5 * time.Second
	}
	return &InMemoryService{
		sessions: make(map[string]*session),
		content:  content,
		history:  history,
		events:   events,
		opt:      opt,
	}
}

func (s *InMemoryService) lookup(filename string) *session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[filename]
}

// 获取或加载 session；同一文件并发打开时只加载一次
// 加载不跟随任何一个调用方的 ctx，调用方取消只影响它自己的等待
func (s *InMemoryService) getOrLoad(ctx context.Context, filename string) (*session, error) {
	if ss := s.lookup(filename); ss != nil {
		return ss, nil
	}
	ch := s.loads.DoChan(filename, func() (interface{}, error) {
		if ss := s.lookup(filename); ss != nil {
			return ss, nil
		}
		var lines []string
		if s.content != nil {
			lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opt.LoadTimeout)
			defer cancel()
			var err error
			lines, err = s.content.LoadContent(lctx, filename)
			if err != nil {
				return nil, fmt.Errorf("load %s: %w", filename, err)
			}
		}
		ss := &session{
			filename:     filename,
			doc:          document.New(lines),
			history:      NewHistory(s.opt.HistoryCap),
			participants: make(map[string]Participant),
			done:         make(chan struct{}),
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if existing := s.sessions[filename]; existing != nil {
			return existing, nil
		}
		s.sessions[filename] = ss
		return ss, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*session), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Open 把 p 加入文件的协作者集合，返回当前内容
// 同一个 p 重复打开是幂等的；遇到正在关闭的 session 会等它落盘后重新加载
func (s *InMemoryService) Open(ctx context.Context, filename string, p Participant) (Snapshot, error) {
	for {
		ss, err := s.getOrLoad(ctx, filename)
		if err != nil {
			return Snapshot{}, err
		}
		ss.mu.Lock()
		if ss.closed {
			ss.mu.Unlock()
			select {
			case <-ss.done:
				continue
			case <-ctx.Done():
				return Snapshot{}, ctx.Err()
			}
		}
		ss.participants[p.ID()] = p
		snap := Snapshot{Filename: filename, Lines: ss.doc.Lines(), Revision: ss.revision}
		ss.mu.Unlock()
		return snap, nil
	}
}

// Close 最后一个协作者离开时把内容和历史交给存储，然后丢弃 session
func (s *InMemoryService) Close(ctx context.Context, filename string, p Participant) error {
	ss := s.lookup(filename)
	if ss == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, filename)
	}
	ss.mu.Lock()
	if _, ok := ss.participants[p.ID()]; !ok {
		ss.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotParticipant, filename)
	}
	delete(ss.participants, p.ID())
	if len(ss.participants) > 0 || ss.closed {
		ss.mu.Unlock()
		return nil
	}
	ss.closed = true
	lines := ss.doc.Lines()
	entries := ss.history.Entries()
	ss.mu.Unlock()

	err := s.persist(ctx, filename, lines, entries)

	s.mu.Lock()
	if s.sessions[filename] == ss {
		delete(s.sessions, filename)
	}
	s.mu.Unlock()
	close(ss.done)

	if err != nil {
		log.Printf("persist on close failed file=%s err=%v", filename, err)
	}
	return err
}

// CloseAll 连接断开时调用
func (s *InMemoryService) CloseAll(ctx context.Context, p Participant) error {
	s.mu.RLock()
	var joined []string
	for name, ss := range s.sessions {
		ss.mu.Lock()
		if _, ok := ss.participants[p.ID()]; ok {
			joined = append(joined, name)
		}
		ss.mu.Unlock()
	}
	s.mu.RUnlock()

	var errs []error
	for _, name := range joined {
		if err := s.Close(ctx, name, p); err != nil && !errors.Is(err, ErrNotParticipant) && !errors.Is(err, ErrSessionNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *InMemoryService) persist(ctx context.Context, filename string, lines []string, entries []HistoryEntry) error {
	var errs []error
	if s.content != nil {
		if err := s.content.SaveContent(ctx, filename, lines); err != nil {
			errs = append(errs, fmt.Errorf("save content %s: %w", filename, err))
		}
	}
	if s.history != nil && len(entries) > 0 {
		if err := s.history.SaveHistory(ctx, filename, entries); err != nil {
			errs = append(errs, fmt.Errorf("save history %s: %w", filename, err))
		}
	}
	return errors.Join(errs...)
}

// Apply 在文件的 session 上串行地应用一次操作，然后广播给除作者以外的协作者。
// cancel_changes 撤销的是整个文件最近的一次操作（不区分作者），
// 逆操作本身也记入历史；历史为空时返回 Noop。
// 广播在持锁期间完成，所有协作者看到的顺序与应用顺序一致。
func (s *InMemoryService) Apply(ctx context.Context, filename string, author Participant, op operation.Operation) (AppliedOp, error) {
	ss := s.lookup(filename)
	if ss == nil {
		return AppliedOp{}, fmt.Errorf("%w: %s", ErrSessionNotFound, filename)
	}
	if err := op.Validate(); err != nil {
		return AppliedOp{}, err
	}

	ss.mu.Lock()
	if ss.closed {
		ss.mu.Unlock()
		return AppliedOp{}, fmt.Errorf("%w: %s", ErrSessionNotFound, filename)
	}
	if _, ok := ss.participants[author.ID()]; !ok {
		ss.mu.Unlock()
		return AppliedOp{}, fmt.Errorf("%w: %s", ErrNotParticipant, filename)
	}

	userID := author.UserID()
	op = op.Clone()
	op.UserID = userID

	var (
		applied operation.Operation
		err     error
		undo    = op.Kind == operation.KindCancel
	)
	if undo {
		applied, err = ss.undo(userID)
		if errors.Is(err, errEmptyHistory) {
			res := AppliedOp{Filename: filename, Revision: ss.revision, AuthorID: userID, Undo: true, Noop: true, AppliedAt: time.Now()}
			ss.mu.Unlock()
			return res, nil
		}
	} else {
		applied, err = ss.doc.Apply(op)
	}
	if err != nil {
		ss.mu.Unlock()
		return AppliedOp{}, err
	}

	ss.revision++
	res := AppliedOp{
		OperationID: uuid.NewString(),
		Filename:    filename,
		Revision:    ss.revision,
		AuthorID:    userID,
		Operation:   applied,
		Undo:        undo,
		AppliedAt:   time.Now(),
	}
	ss.history.Push(HistoryEntry{
		UserID:    userID,
		Timestamp: res.AppliedAt,
		Revision:  res.Revision,
		Operation: applied.Clone(),
	})
	ss.broadcast(author.ID(), res)
	ss.mu.Unlock()

	s.publish(ctx, res)
	return res, nil
}

var errEmptyHistory = errors.New("empty history")

// 调用方持有 ss.mu；失败时历史保持不变
func (ss *session) undo(userID string) (operation.Operation, error) {
	entry, ok := ss.history.Pop()
	if !ok {
		return operation.Operation{}, errEmptyHistory
	}
	inv, err := entry.Operation.Inverse()
	if err == nil {
		inv.UserID = userID
		var applied operation.Operation
		applied, err = ss.doc.Apply(inv)
		if err == nil {
			return applied, nil
		}
	}
	ss.history.Push(entry)
	return operation.Operation{}, err
}

// 调用方持有 ss.mu
func (ss *session) broadcast(authorConnID string, res AppliedOp) {
	for id, p := range ss.participants {
		if id == authorConnID {
			continue
		}
		if err := p.Deliver(res); err != nil {
			log.Printf("broadcast failed file=%s conn=%s user=%s rev=%d err=%v",
				ss.filename, id, p.UserID(), res.Revision, err)
		}
	}
}

// 异步投递事件，不阻塞调用方太久
func (s *InMemoryService) publish(ctx context.Context, res AppliedOp) {
	if s.events == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opt.PublishTimeout)
	defer cancel()
	if err := s.events.Enqueue(pctx, newDocOpEvent(res)); err != nil {
		log.Printf("enqueue event failed file=%s op=%s err=%v", res.Filename, res.OperationID, err)
	}
}

func (s *InMemoryService) Content(ctx context.Context, filename string) (Snapshot, error) {
	ss := s.lookup(filename)
	if ss == nil {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrSessionNotFound, filename)
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return Snapshot{Filename: filename, Lines: ss.doc.Lines(), Revision: ss.revision}, nil
}

// History 已落盘的历史在前，当前 session 的历史在后
func (s *InMemoryService) History(ctx context.Context, filename string) ([]HistoryEntry, error) {
	var out []HistoryEntry
	if s.history != nil {
		stored, err := s.history.LoadHistory(ctx, filename)
		if err != nil {
			return nil, fmt.Errorf("load history %s: %w", filename, err)
		}
		out = append(out, stored...)
	}
	if ss := s.lookup(filename); ss != nil {
		ss.mu.Lock()
		out = append(out, ss.history.Entries()...)
		ss.mu.Unlock()
	}
	if out == nil {
		out = []HistoryEntry{}
	}
	return out, nil
}

// SaveContent 立即持久化客户端给出的内容，不改动打开中的 session
func (s *InMemoryService) SaveContent(ctx context.Context, filename string, content string) error {
	if s.content == nil {
		return nil
	}
	if err := s.content.SaveContent(ctx, filename, strings.Split(content, "\n")); err != nil {
		return fmt.Errorf("save content %s: %w", filename, err)
	}
	return nil
}

func (s *InMemoryService) DeleteHistory(ctx context.Context, filename string) error {
	if ss := s.lookup(filename); ss != nil {
		ss.mu.Lock()
		ss.history.Reset()
		ss.mu.Unlock()
	}
	if s.history == nil {
		return nil
	}
	if err := s.history.DeleteHistory(ctx, filename); err != nil {
		return fmt.Errorf("delete history %s: %w", filename, err)
	}
	return nil
}

// Participants 返回打开该文件的用户 id（去重、排序）
func (s *InMemoryService) Participants(ctx context.Context, filename string) ([]string, error) {
	ss := s.lookup(filename)
	if ss == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, filename)
	}
	ss.mu.Lock()
	seen := make(map[string]struct{}, len(ss.participants))
	for _, p := range ss.participants {
		seen[p.UserID()] = struct{}{}
	}
	ss.mu.Unlock()
	out := make([]string, 0, len(seen))
	for u := range seen {
		out = append(out, u)
	}
	sort.Strings(out)
	return out, nil
}

// Shutdown 进程退出前并发地把所有打开的文件落盘
func (s *InMemoryService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	open := make([]*session, 0, len(s.sessions))
	for _, ss := range s.sessions {
		open = append(open, ss)
	}
	s.sessions = make(map[string]*session)
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, ss := range open {
		ss := ss
		ss.mu.Lock()
		if ss.closed {
			ss.mu.Unlock()
			continue
		}
		ss.closed = true
		lines := ss.doc.Lines()
		entries := ss.history.Entries()
		ss.mu.Unlock()

		g.Go(func() error {
			defer close(ss.done)
			return s.persist(gctx, ss.filename, lines, entries)
		})
	}
	return g.Wait()
}
