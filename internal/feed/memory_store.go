package feed

import (
	"context"
	"sync"
)

// maxHistory bounds the in-memory ring of settlements
const maxHistory = 256

// MemoryStore is an in-memory settlement history for demo/development mode.
type MemoryStore struct {
	settlements []*Settlement
	mu          sync.RWMutex
}

// NewMemoryStore creates a new in-memory settlement store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Record(ctx context.Context, s *Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *s
	m.settlements = append(m.settlements, &cp)
	if len(m.settlements) > maxHistory {
		m.settlements = m.settlements[len(m.settlements)-maxHistory:]
	}
	return nil
}

func (m *MemoryStore) Recent(ctx context.Context, limit int) ([]*Settlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := len(m.settlements)
	if limit > n {
		limit = n
	}

	// Newest first
	result := make([]*Settlement, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		cp := *m.settlements[i]
		result = append(result, &cp)
	}
	return result, nil
}
