package collab

import (
	"time"

	"collabEditor/backend/internal/ot/operation"
)

// HistoryEntry 一条已应用的操作记录，Operation 带有服务端补全的派生字段
type HistoryEntry struct {
	UserID    string              `json:"user_id"`
	Timestamp time.Time           `json:"timestamp"`
	Revision  uint64              `json:"revision"`
	Operation operation.Operation `json:"operation"`
}

// History 按应用顺序记录操作，撤销时从尾部弹出
// 不加锁，由所属 session 的互斥锁保护
type History struct {
	entries  []HistoryEntry
	capacity int
}

// NewHistory capacity<=0 表示不限长度；满了之后丢弃最老的一条
func NewHistory(capacity int) *History {
	h := &History{capacity: capacity}
	if capacity > 0 {
		h.entries = make([]HistoryEntry, 0, capacity)
	}
	return h
}

func (h *History) Push(e HistoryEntry) {
	if h.capacity > 0 && len(h.entries) == h.capacity {
		copy(h.entries[0:], h.entries[1:])
		h.entries = h.entries[:len(h.entries)-1]
	}
	h.entries = append(h.entries, e)
}

// Pop 取出最近一条，日志为空时返回 false
func (h *History) Pop() (HistoryEntry, bool) {
	if len(h.entries) == 0 {
		return HistoryEntry{}, false
	}
	last := h.entries[len(h.entries)-1]
	h.entries[len(h.entries)-1] = HistoryEntry{}
	h.entries = h.entries[:len(h.entries)-1]
	return last, true
}

func (h *History) Len() int { return len(h.entries) }

// Entries 返回副本，调用方可以在锁外使用
func (h *History) Entries() []HistoryEntry {
	out := make([]HistoryEntry, len(h.entries))
	for i, e := range h.entries {
		e.Operation = e.Operation.Clone()
		out[i] = e
	}
	return out
}

func (h *History) Reset() {
	h.entries = h.entries[:0]
}
