package client

import (
	"time"

	"collabEditor/backend/internal/ot/operation"
)

const DefaultBatchIdle = time.Second

type batchKind int

const (
	batchIdle batchKind = iota
	batchInsert
	batchDelete
)

// Batcher 把连续的按键合并成一个操作再发送
//
//	插入：start 是第一个字符的位置，next 是下一个字符应出现的位置
//	删除：start 是第一次退格前的光标，next 是当前（最左）光标，发送区间 [next, start]
//
// 方法返回此刻需要发送的操作（可能为空）。Batcher 不做同步，由 Session 串行调用。
type Batcher struct {
	userID  string
	timeout time.Duration
	now     func() time.Time

	kind  batchKind
	start operation.Pos
	next  operation.Pos
	text  []rune
	last  time.Time
}

func NewBatcher(userID string, timeout time.Duration, now func() time.Time) *Batcher {
	if timeout <= 0 {
		timeout = DefaultBatchIdle
	}
	if now == nil {
		now = time.Now
	}
	return &Batcher{userID: userID, timeout: timeout, now: now}
}

func (b *Batcher) Pending() bool { return b.kind != batchIdle }

// Insert 在 pos 键入了 r
func (b *Batcher) Insert(pos operation.Pos, r rune) []operation.Operation {
	var out []operation.Operation
	if b.kind != batchInsert || pos != b.next {
		out = b.Flush()
		b.kind = batchInsert
		b.start = pos
		b.next = pos
	}
	b.text = append(b.text, r)
	b.next.X++
	b.last = b.now()
	return out
}

// Backspace from 是退格前的光标，to 是退格后的光标
func (b *Batcher) Backspace(from, to operation.Pos) []operation.Operation {
	if from == to {
		return nil
	}
	var out []operation.Operation
	if b.kind != batchDelete || from != b.next {
		out = b.Flush()
		b.kind = batchDelete
		b.start = from
	}
	b.next = to
	b.last = b.now()
	return out
}

// Moved 光标被移动到 pos
func (b *Batcher) Moved(pos operation.Pos) []operation.Operation {
	if b.kind == batchIdle || pos == b.next {
		return nil
	}
	return b.Flush()
}

// NewLine 换行不合并
func (b *Batcher) NewLine(pos operation.Pos) []operation.Operation {
	out := b.Flush()
	return append(out, operation.NewNewLine(pos, b.userID))
}

// Paste 粘贴（可能多行）作为单独的插入发送
func (b *Batcher) Paste(pos operation.Pos, lines []string) []operation.Operation {
	out := b.Flush()
	if len(lines) == 0 {
		return out
	}
	return append(out, operation.NewInsert(pos, lines, b.userID))
}

// Tick 空闲超过 timeout 时发送
func (b *Batcher) Tick(now time.Time) []operation.Operation {
	if b.kind == batchIdle || now.Sub(b.last) < b.timeout {
		return nil
	}
	return b.Flush()
}

// Flush 发送当前批次并回到空闲；没有待发送内容时返回 nil
func (b *Batcher) Flush() []operation.Operation {
	var op operation.Operation
	switch b.kind {
	case batchIdle:
		return nil
	case batchInsert:
		op = operation.NewInsert(b.start, []string{string(b.text)}, b.userID)
	case batchDelete:
		op = operation.NewDelete(b.next, b.start, b.userID)
	}
	b.kind = batchIdle
	b.text = b.text[:0]
	return []operation.Operation{op}
}
