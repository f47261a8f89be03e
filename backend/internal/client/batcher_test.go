package client

import (
	"reflect"
	"testing"
	"time"

	"collabEditor/backend/internal/ot/operation"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBatcher() (*Batcher, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	return NewBatcher("u1", time.Second, clk.now), clk
}

func TestBatcher_EmptyFlushIsNoop(t *testing.T) {
	b, clk := newTestBatcher()
	if ops := b.Flush(); ops != nil {
		t.Fatalf("Flush() on empty batch = %+v", ops)
	}
	clk.advance(time.Hour)
	if ops := b.Tick(clk.now()); ops != nil {
		t.Fatalf("Tick() on empty batch = %+v", ops)
	}
	if ops := b.Moved(pos(3, 3)); ops != nil {
		t.Fatalf("Moved() on empty batch = %+v", ops)
	}
}

func TestBatcher_CoalescesInserts(t *testing.T) {
	b, _ := newTestBatcher()
	for i, r := range "Hello" {
		if ops := b.Insert(pos(0, 2+i), r); len(ops) != 0 {
			t.Fatalf("Insert(%q) flushed early: %+v", r, ops)
		}
	}
	if ops := b.Moved(pos(0, 7)); ops != nil {
		t.Fatalf("Moved() to the expected column flushed: %+v", ops)
	}
	ops := b.Flush()
	want := []operation.Operation{operation.NewInsert(pos(0, 2), []string{"Hello"}, "u1")}
	if !reflect.DeepEqual(ops, want) {
		t.Fatalf("Flush() = %+v, want %+v", ops, want)
	}
	if b.Pending() {
		t.Fatalf("still pending after flush")
	}
}

func TestBatcher_NonAdjacentInsertFlushes(t *testing.T) {
	b, _ := newTestBatcher()
	b.Insert(pos(0, 0), 'a')
	ops := b.Insert(pos(1, 0), 'b')
	if len(ops) != 1 || ops[0].Text[0] != "a" {
		t.Fatalf("jump flush = %+v", ops)
	}
	if ops := b.Flush(); len(ops) != 1 || ops[0].StartPos != pos(1, 0) || ops[0].Text[0] != "b" {
		t.Fatalf("second batch = %+v", ops)
	}
}

func TestBatcher_BackspaceSpan(t *testing.T) {
	b, _ := newTestBatcher()
	// 光标在 (1,2)，连续三次退格跨过行首
	b.Backspace(pos(1, 2), pos(1, 1))
	b.Backspace(pos(1, 1), pos(1, 0))
	b.Backspace(pos(1, 0), pos(0, 4))
	ops := b.Flush()
	want := []operation.Operation{operation.NewDelete(pos(0, 4), pos(1, 2), "u1")}
	if !reflect.DeepEqual(ops, want) {
		t.Fatalf("Flush() = %+v, want %+v", ops, want)
	}
	if ops := b.Backspace(pos(0, 0), pos(0, 0)); ops != nil || b.Pending() {
		t.Fatalf("backspace at document start should do nothing")
	}
}

func TestBatcher_KindSwitchFlushes(t *testing.T) {
	b, _ := newTestBatcher()
	b.Insert(pos(0, 0), 'x')
	b.Insert(pos(0, 1), 'y')
	ops := b.Backspace(pos(0, 2), pos(0, 1))
	if len(ops) != 1 || ops[0].Kind != operation.KindInsert || ops[0].Text[0] != "xy" {
		t.Fatalf("switch to delete flushed %+v", ops)
	}
	ops = b.Insert(pos(0, 1), 'z')
	if len(ops) != 1 || ops[0].Kind != operation.KindDelete {
		t.Fatalf("switch to insert flushed %+v", ops)
	}
}

func TestBatcher_IdleTimeout(t *testing.T) {
	b, clk := newTestBatcher()
	b.Insert(pos(0, 0), 'a')
	clk.advance(900 * time.Millisecond)
	if ops := b.Tick(clk.now()); ops != nil {
		t.Fatalf("Tick() before timeout = %+v", ops)
	}
	b.Insert(pos(0, 1), 'b')
	clk.advance(999 * time.Millisecond)
	if ops := b.Tick(clk.now()); ops != nil {
		t.Fatalf("timeout should restart on each key")
	}
	clk.advance(time.Millisecond)
	ops := b.Tick(clk.now())
	if len(ops) != 1 || ops[0].Text[0] != "ab" {
		t.Fatalf("Tick() after timeout = %+v", ops)
	}
}

func TestBatcher_NewLineAndPasteAreNotBatched(t *testing.T) {
	b, _ := newTestBatcher()
	b.Insert(pos(0, 0), 'a')
	ops := b.NewLine(pos(0, 1))
	if len(ops) != 2 || ops[0].Kind != operation.KindInsert || ops[1].Kind != operation.KindNewLine {
		t.Fatalf("NewLine() = %+v", ops)
	}
	ops = b.Paste(pos(1, 0), []string{"x", "y"})
	if len(ops) != 1 || !reflect.DeepEqual(ops[0].Text, []string{"x", "y"}) {
		t.Fatalf("Paste() = %+v", ops)
	}
	if b.Pending() {
		t.Fatalf("paste left a pending batch")
	}
}
