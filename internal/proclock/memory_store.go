package proclock

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory lease store for demo/development mode.
// Single instance only; use PostgresStore when running more than one replica.
type MemoryStore struct {
	leases map[string]*Lease
	mu     sync.Mutex
	now    func() time.Time
}

// NewMemoryStore creates a new in-memory lease store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		leases: make(map[string]*Lease),
		now:    time.Now,
	}
}

func (m *MemoryStore) TryAcquire(ctx context.Context, id, holder string, expiresAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if lease, ok := m.leases[id]; ok && lease.ExpiresAt.After(m.now()) {
		return false, nil
	}
	m.leases[id] = &Lease{ID: id, Holder: holder, ExpiresAt: expiresAt}
	return true, nil
}

func (m *MemoryStore) Release(ctx context.Context, id, holder string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lease, ok := m.leases[id]
	if !ok || lease.Holder != holder {
		return false, nil
	}
	delete(m.leases, id)
	return true, nil
}

func (m *MemoryStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, lease := range m.leases {
		if !lease.ExpiresAt.After(now) {
			delete(m.leases, id)
			n++
		}
	}
	return n, nil
}
