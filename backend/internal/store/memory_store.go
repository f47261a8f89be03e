package store

import (
	"context"
	"sync"

	"collabEditor/backend/internal/collab"
)

// MemoryStore 不配置 MySQL 时使用，进程退出即丢失
type MemoryStore struct {
	mu      sync.RWMutex
	files   map[string][]string
	history map[string][]collab.HistoryEntry
}

var (
	_ collab.ContentStore = (*MemoryStore)(nil)
	_ collab.HistoryStore = (*MemoryStore)(nil)
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		files:   make(map[string][]string),
		history: make(map[string][]collab.HistoryEntry),
	}
}

func (m *MemoryStore) LoadContent(ctx context.Context, filename string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	lines, ok := m.files[filename]
	if !ok {
		return nil, nil
	}
	return append([]string(nil), lines...), nil
}

func (m *MemoryStore) SaveContent(ctx context.Context, filename string, lines []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[filename] = append([]string(nil), lines...)
	return nil
}

func (m *MemoryStore) SaveHistory(ctx context.Context, filename string, entries []collab.HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		e.Operation = e.Operation.Clone()
		m.history[filename] = append(m.history[filename], e)
	}
	return nil
}

func (m *MemoryStore) LoadHistory(ctx context.Context, filename string) ([]collab.HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]collab.HistoryEntry(nil), m.history[filename]...), nil
}

func (m *MemoryStore) DeleteHistory(ctx context.Context, filename string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.history, filename)
	return nil
}
