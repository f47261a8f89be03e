package collab

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"collabEditor/backend/internal/ot/document"
	"collabEditor/backend/internal/ot/operation"
)

type fakeParticipant struct {
	id, user string
	fail     bool

	mu  sync.Mutex
	got []AppliedOp
}

func newParticipant(id, user string) *fakeParticipant {
	return &fakeParticipant{id: id, user: user}
}

func (p *fakeParticipant) ID() string     { return p.id }
func (p *fakeParticipant) UserID() string { return p.user }
func (p *fakeParticipant) Deliver(a AppliedOp) error {
	if p.fail {
		return errors.New("connection closed")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, a)
	return nil
}

func (p *fakeParticipant) received() []AppliedOp {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]AppliedOp(nil), p.got...)
}

type fakeStore struct {
	mu      sync.Mutex
	files   map[string][]string
	history map[string][]HistoryEntry
	loads   atomic.Int32
	delay   time.Duration
}

func newFakeStore() *fakeStore {
	return &fakeStore{files: map[string][]string{}, history: map[string][]HistoryEntry{}}
}

func (f *fakeStore) LoadContent(ctx context.Context, filename string) ([]string, error) {
	f.loads.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.files[filename]...), nil
}

func (f *fakeStore) SaveContent(ctx context.Context, filename string, lines []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[filename] = append([]string(nil), lines...)
	return nil
}

func (f *fakeStore) SaveHistory(ctx context.Context, filename string, entries []HistoryEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history[filename] = append(f.history[filename], entries...)
	return nil
}

func (f *fakeStore) LoadHistory(ctx context.Context, filename string) ([]HistoryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]HistoryEntry(nil), f.history[filename]...), nil
}

func (f *fakeStore) DeleteHistory(ctx context.Context, filename string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.history, filename)
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []DocOpEvent
}

func (r *recordingPublisher) Enqueue(ctx context.Context, evt DocOpEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func newTestService(st *fakeStore) *InMemoryService {
	return NewInMemoryService(st, st, nil, Options{})
}

func pos(y, x int) operation.Pos { return operation.Pos{Y: y, X: x} }

func mustOpen(t *testing.T, svc *InMemoryService, filename string, p Participant) Snapshot {
	t.Helper()
	snap, err := svc.Open(context.Background(), filename, p)
	if err != nil {
		t.Fatalf("Open(%s, %s) error = %v", filename, p.ID(), err)
	}
	return snap
}

func lines(t *testing.T, svc *InMemoryService, filename string) []string {
	t.Helper()
	snap, err := svc.Content(context.Background(), filename)
	if err != nil {
		t.Fatalf("Content() error = %v", err)
	}
	return snap.Lines
}

func TestService_OpenNewFileIsEmpty(t *testing.T) {
	svc := newTestService(newFakeStore())
	snap := mustOpen(t, svc, "new.txt", newParticipant("c1", "u1"))
	if !reflect.DeepEqual(snap.Lines, []string{""}) {
		t.Fatalf("Open() lines = %q, want [\"\"]", snap.Lines)
	}
}

func TestService_InsertThenUndoRestoresBuffer(t *testing.T) {
	svc := newTestService(newFakeStore())
	a := newParticipant("c1", "u1")
	mustOpen(t, svc, "doc.txt", a)
	ctx := context.Background()

	if _, err := svc.Apply(ctx, "doc.txt", a, operation.NewInsert(pos(0, 0), []string{"Hello"}, "u1")); err != nil {
		t.Fatalf("Apply(insert) error = %v", err)
	}
	res, err := svc.Apply(ctx, "doc.txt", a, operation.NewCancel("u1"))
	if err != nil {
		t.Fatalf("Apply(cancel) error = %v", err)
	}
	if !res.Undo || res.Noop || res.Operation.Kind != operation.KindDelete {
		t.Fatalf("undo result = %+v, want an applied delete", res)
	}
	if got := lines(t, svc, "doc.txt"); !reflect.DeepEqual(got, []string{""}) {
		t.Fatalf("after undo lines = %q, want [\"\"]", got)
	}
	// 逆操作本身也记入历史
	hist, _ := svc.History(ctx, "doc.txt")
	if len(hist) != 1 || hist[0].Operation.Kind != operation.KindDelete {
		t.Fatalf("history = %+v, want one delete entry", hist)
	}
}

func TestService_UndoEmptyHistoryIsNoop(t *testing.T) {
	svc := newTestService(newFakeStore())
	a := newParticipant("c1", "u1")
	b := newParticipant("c2", "u2")
	mustOpen(t, svc, "doc.txt", a)
	mustOpen(t, svc, "doc.txt", b)

	res, err := svc.Apply(context.Background(), "doc.txt", a, operation.NewCancel("u1"))
	if err != nil {
		t.Fatalf("Apply(cancel) error = %v", err)
	}
	if !res.Noop || res.Revision != 0 {
		t.Fatalf("result = %+v, want noop at revision 0", res)
	}
	if n := len(b.received()); n != 0 {
		t.Fatalf("noop undo broadcast %d times", n)
	}
}

func TestService_BroadcastExcludesAuthor(t *testing.T) {
	svc := newTestService(newFakeStore())
	a := newParticipant("c1", "u1")
	b := newParticipant("c2", "u2")
	mustOpen(t, svc, "doc.txt", a)
	mustOpen(t, svc, "doc.txt", b)

	res, err := svc.Apply(context.Background(), "doc.txt", a, operation.NewInsert(pos(0, 0), []string{"Hi"}, "u1"))
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if got := b.received(); len(got) != 1 || got[0].OperationID != res.OperationID {
		t.Fatalf("B received %+v, want exactly the applied op", got)
	}
	if got := a.received(); len(got) != 0 {
		t.Fatalf("author received its own op: %+v", got)
	}
	if b.received()[0].Operation.EndPos == nil {
		t.Fatalf("broadcast op lacks derived end_pos")
	}
}

// 同一用户的两个连接：另一个连接仍然要收到广播
func TestService_BroadcastReachesAuthorsOtherConnection(t *testing.T) {
	svc := newTestService(newFakeStore())
	a1 := newParticipant("c1", "u1")
	a2 := newParticipant("c2", "u1")
	mustOpen(t, svc, "doc.txt", a1)
	mustOpen(t, svc, "doc.txt", a2)
	if _, err := svc.Apply(context.Background(), "doc.txt", a1, operation.NewNewLine(pos(0, 0), "u1")); err != nil {
		t.Fatal(err)
	}
	if len(a2.received()) != 1 || len(a1.received()) != 0 {
		t.Fatalf("a1=%d a2=%d deliveries, want 0 and 1", len(a1.received()), len(a2.received()))
	}
}

func TestService_DeliveryFailureIsIsolated(t *testing.T) {
	svc := newTestService(newFakeStore())
	a := newParticipant("c1", "u1")
	bad := newParticipant("c2", "u2")
	bad.fail = true
	c := newParticipant("c3", "u3")
	for _, p := range []*fakeParticipant{a, bad, c} {
		mustOpen(t, svc, "doc.txt", p)
	}
	if _, err := svc.Apply(context.Background(), "doc.txt", a, operation.NewInsert(pos(0, 0), []string{"x"}, "u1")); err != nil {
		t.Fatalf("Apply() error = %v despite one failed recipient", err)
	}
	if len(c.received()) != 1 {
		t.Fatalf("healthy participant got %d deliveries, want 1", len(c.received()))
	}
}

func TestService_ApplyUnknownFile(t *testing.T) {
	svc := newTestService(newFakeStore())
	a := newParticipant("c1", "u1")
	_, err := svc.Apply(context.Background(), "missing.txt", a, operation.NewNewLine(pos(0, 0), "u1"))
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Apply() error = %v, want ErrSessionNotFound", err)
	}
}

func TestService_ApplyRequiresParticipant(t *testing.T) {
	svc := newTestService(newFakeStore())
	mustOpen(t, svc, "doc.txt", newParticipant("c1", "u1"))
	_, err := svc.Apply(context.Background(), "doc.txt", newParticipant("c9", "u9"), operation.NewNewLine(pos(0, 0), "u9"))
	if !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("Apply() error = %v, want ErrNotParticipant", err)
	}
}

func TestService_OutOfRangeRejectsOnlyThatOp(t *testing.T) {
	svc := newTestService(newFakeStore())
	a := newParticipant("c1", "u1")
	b := newParticipant("c2", "u2")
	mustOpen(t, svc, "doc.txt", a)
	mustOpen(t, svc, "doc.txt", b)
	ctx := context.Background()

	_, err := svc.Apply(ctx, "doc.txt", a, operation.NewDelete(pos(0, 0), pos(3, 0), "u1"))
	if !errors.Is(err, document.ErrOutOfRange) {
		t.Fatalf("Apply() error = %v, want ErrOutOfRange", err)
	}
	if len(b.received()) != 0 {
		t.Fatalf("rejected op was broadcast")
	}
	if _, err := svc.Apply(ctx, "doc.txt", b, operation.NewInsert(pos(0, 0), []string{"ok"}, "u2")); err != nil {
		t.Fatalf("session unusable after a rejected op: %v", err)
	}
}

// cancel_changes 撤销整个文件最近的一次操作，不区分作者
func TestService_UndoIsFileGlobal(t *testing.T) {
	svc := newTestService(newFakeStore())
	a := newParticipant("c1", "u1")
	b := newParticipant("c2", "u2")
	mustOpen(t, svc, "doc.txt", a)
	mustOpen(t, svc, "doc.txt", b)
	ctx := context.Background()

	if _, err := svc.Apply(ctx, "doc.txt", a, operation.NewInsert(pos(0, 0), []string{"abc"}, "u1")); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Apply(ctx, "doc.txt", b, operation.NewCancel("u2")); err != nil {
		t.Fatal(err)
	}
	if got := lines(t, svc, "doc.txt"); !reflect.DeepEqual(got, []string{""}) {
		t.Fatalf("lines = %q, want A's insert undone", got)
	}
	got := a.received()
	if len(got) != 1 || !got[0].Undo || got[0].AuthorID != "u2" {
		t.Fatalf("A received %+v, want B's undo", got)
	}
}

func TestService_ConcurrentOpenLoadsOnce(t *testing.T) {
	st := newFakeStore()
	st.files["doc.txt"] = []string{"persisted"}
	st.delay = 20 * time.Millisecond
	svc := newTestService(st)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := newParticipant(fmt.Sprintf("c%d", i), fmt.Sprintf("u%d", i))
			snap, err := svc.Open(context.Background(), "doc.txt", p)
			if err != nil {
				t.Errorf("Open() error = %v", err)
				return
			}
			if !reflect.DeepEqual(snap.Lines, []string{"persisted"}) {
				t.Errorf("Open() lines = %q", snap.Lines)
			}
		}(i)
	}
	wg.Wait()
	if n := st.loads.Load(); n != 1 {
		t.Fatalf("LoadContent called %d times, want 1", n)
	}
	users, _ := svc.Participants(context.Background(), "doc.txt")
	if len(users) != 16 {
		t.Fatalf("Participants() = %d users, want 16", len(users))
	}
}

// 第一个打开者取消请求，不影响同时在等待同一次加载的其他打开者
func TestService_OpenerCancelDoesNotFailSharedLoad(t *testing.T) {
	st := newFakeStore()
	st.files["doc.txt"] = []string{"persisted"}
	st.delay = 100 * time.Millisecond
	svc := newTestService(st)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := svc.Open(ctx, "doc.txt", newParticipant("c1", "u1"))
		first <- err
	}()
	deadline := time.Now().Add(time.Second)
	for st.loads.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	type result struct {
		snap Snapshot
		err  error
	}
	second := make(chan result, 1)
	go func() {
		snap, err := svc.Open(context.Background(), "doc.txt", newParticipant("c2", "u2"))
		second <- result{snap, err}
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	if err := <-first; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled Open() error = %v, want context.Canceled", err)
	}
	res := <-second
	if res.err != nil {
		t.Fatalf("second Open() error = %v", res.err)
	}
	if !reflect.DeepEqual(res.snap.Lines, []string{"persisted"}) {
		t.Fatalf("second Open() lines = %q", res.snap.Lines)
	}
	if n := st.loads.Load(); n != 1 {
		t.Fatalf("LoadContent called %d times, want 1", n)
	}
	users, _ := svc.Participants(context.Background(), "doc.txt")
	if len(users) != 1 {
		t.Fatalf("Participants() = %d users, want only the one that stayed", len(users))
	}
}

func TestService_ConcurrentAppliesAreSerialized(t *testing.T) {
	svc := newTestService(newFakeStore())
	a := newParticipant("c1", "u1")
	b := newParticipant("c2", "u2")
	mustOpen(t, svc, "doc.txt", a)
	mustOpen(t, svc, "doc.txt", b)

	const n = 100
	var wg sync.WaitGroup
	for _, p := range []*fakeParticipant{a, b} {
		wg.Add(1)
		go func(p *fakeParticipant) {
			defer wg.Done()
			for i := 0; i < n; i++ {
				if _, err := svc.Apply(context.Background(), "doc.txt", p, operation.NewInsert(pos(0, 0), []string{"x"}, p.user)); err != nil {
					t.Errorf("Apply() error = %v", err)
					return
				}
			}
		}(p)
	}
	wg.Wait()

	if got := lines(t, svc, "doc.txt"); len(got) != 1 || len(got[0]) != 2*n {
		t.Fatalf("lines = %q, want one line of %d runes", got, 2*n)
	}
	for _, p := range []*fakeParticipant{a, b} {
		var last uint64
		for _, r := range p.received() {
			if r.Revision <= last {
				t.Fatalf("%s saw revision %d after %d", p.id, r.Revision, last)
			}
			last = r.Revision
		}
	}
}

func TestService_LastCloseHandsOffToStore(t *testing.T) {
	st := newFakeStore()
	svc := newTestService(st)
	a := newParticipant("c1", "u1")
	b := newParticipant("c2", "u2")
	mustOpen(t, svc, "doc.txt", a)
	mustOpen(t, svc, "doc.txt", b)
	ctx := context.Background()

	if _, err := svc.Apply(ctx, "doc.txt", a, operation.NewInsert(pos(0, 0), []string{"Hi", "there"}, "u1")); err != nil {
		t.Fatal(err)
	}
	if err := svc.Close(ctx, "doc.txt", a); err != nil {
		t.Fatalf("Close(a) error = %v", err)
	}
	if _, ok := st.files["doc.txt"]; ok {
		t.Fatalf("content persisted while a participant remains")
	}
	if err := svc.Close(ctx, "doc.txt", b); err != nil {
		t.Fatalf("Close(b) error = %v", err)
	}
	if !reflect.DeepEqual(st.files["doc.txt"], []string{"Hi", "there"}) {
		t.Fatalf("persisted = %q", st.files["doc.txt"])
	}
	if len(st.history["doc.txt"]) != 1 {
		t.Fatalf("persisted history = %d entries, want 1", len(st.history["doc.txt"]))
	}
	if _, err := svc.Content(ctx, "doc.txt"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Content() after last close error = %v, want ErrSessionNotFound", err)
	}

	// 重新打开从存储加载，历史从存储读取
	snap := mustOpen(t, svc, "doc.txt", a)
	if !reflect.DeepEqual(snap.Lines, []string{"Hi", "there"}) {
		t.Fatalf("reopen lines = %q", snap.Lines)
	}
	hist, err := svc.History(ctx, "doc.txt")
	if err != nil || len(hist) != 1 {
		t.Fatalf("History() = %d entries, err %v", len(hist), err)
	}
}

func TestService_CloseAll(t *testing.T) {
	st := newFakeStore()
	svc := newTestService(st)
	a := newParticipant("c1", "u1")
	mustOpen(t, svc, "one.txt", a)
	mustOpen(t, svc, "two.txt", a)
	if err := svc.CloseAll(context.Background(), a); err != nil {
		t.Fatalf("CloseAll() error = %v", err)
	}
	for _, f := range []string{"one.txt", "two.txt"} {
		if _, err := svc.Participants(context.Background(), f); !errors.Is(err, ErrSessionNotFound) {
			t.Fatalf("%s still open: %v", f, err)
		}
		if _, ok := st.files[f]; !ok {
			t.Fatalf("%s not persisted", f)
		}
	}
}

func TestService_SaveAndDeleteHistory(t *testing.T) {
	st := newFakeStore()
	svc := newTestService(st)
	a := newParticipant("c1", "u1")
	mustOpen(t, svc, "doc.txt", a)
	ctx := context.Background()

	if err := svc.SaveContent(ctx, "doc.txt", "line one\nline two"); err != nil {
		t.Fatalf("SaveContent() error = %v", err)
	}
	if !reflect.DeepEqual(st.files["doc.txt"], []string{"line one", "line two"}) {
		t.Fatalf("saved = %q", st.files["doc.txt"])
	}

	if _, err := svc.Apply(ctx, "doc.txt", a, operation.NewNewLine(pos(0, 0), "u1")); err != nil {
		t.Fatal(err)
	}
	st.history["doc.txt"] = []HistoryEntry{{UserID: "old"}}
	if err := svc.DeleteHistory(ctx, "doc.txt"); err != nil {
		t.Fatalf("DeleteHistory() error = %v", err)
	}
	hist, _ := svc.History(ctx, "doc.txt")
	if len(hist) != 0 {
		t.Fatalf("History() after delete = %+v", hist)
	}
	// 历史清空后撤销是 noop
	res, err := svc.Apply(ctx, "doc.txt", a, operation.NewCancel("u1"))
	if err != nil || !res.Noop {
		t.Fatalf("undo after DeleteHistory = %+v, %v", res, err)
	}
}

func TestService_PublishesAppliedEvents(t *testing.T) {
	pub := &recordingPublisher{}
	svc := NewInMemoryService(nil, nil, pub, Options{})
	a := newParticipant("c1", "u1")
	mustOpen(t, svc, "doc.txt", a)
	res, err := svc.Apply(context.Background(), "doc.txt", a, operation.NewInsert(pos(0, 0), []string{"Hi"}, "u1"))
	if err != nil {
		t.Fatal(err)
	}
	if len(pub.events) != 1 {
		t.Fatalf("published %d events, want 1", len(pub.events))
	}
	evt := pub.events[0]
	if evt.EventType != EventOpApplied || evt.OperationID != res.OperationID || evt.Filename != "doc.txt" {
		t.Fatalf("event = %+v", evt)
	}
}

func TestService_ShutdownPersistsOpenSessions(t *testing.T) {
	st := newFakeStore()
	svc := newTestService(st)
	for i, f := range []string{"a.txt", "b.txt", "c.txt"} {
		p := newParticipant(fmt.Sprintf("c%d", i), "u")
		mustOpen(t, svc, f, p)
		if _, err := svc.Apply(context.Background(), f, p, operation.NewInsert(pos(0, 0), []string{f}, "u")); err != nil {
			t.Fatal(err)
		}
	}
	if err := svc.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	for _, f := range []string{"a.txt", "b.txt", "c.txt"} {
		if !reflect.DeepEqual(st.files[f], []string{f}) {
			t.Fatalf("%s persisted as %q", f, st.files[f])
		}
	}
}
