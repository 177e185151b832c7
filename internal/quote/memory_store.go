package quote

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory quote store for demo/development mode.
// Single instance only; use PostgresStore when running more than one replica.
type MemoryStore struct {
	quotes map[string]*Quote
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory quote store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		quotes: make(map[string]*Quote),
	}
}

func (m *MemoryStore) Put(ctx context.Context, q *Quote) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *q
	m.quotes[q.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Quote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	q, ok := m.quotes[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *q
	return &cp, nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.quotes, id)
	return nil
}

func (m *MemoryStore) DeleteExpired(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, q := range m.quotes {
		if q.IssuedAt.Before(cutoff) {
			delete(m.quotes, id)
			n++
		}
	}
	return n, nil
}
