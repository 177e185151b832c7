// Package proclock provides per-escrow processing leases so only one
// fulfillment attempt runs for a given escrow id at a time.
package proclock

import (
	"context"
	"time"

	"github.com/mbd888/etchpay/internal/idgen"
	"github.com/mbd888/etchpay/internal/logging"
	"github.com/mbd888/etchpay/internal/metrics"
)

// Lease is a time-bounded claim on an escrow id. An expired lease is
// indistinguishable from an absent one.
type Lease struct {
	ID        string
	Holder    string
	ExpiresAt time.Time
}

// Store persists leases
type Store interface {
	// TryAcquire claims id for holder until expiresAt. Returns false when a
	// live lease already exists, whoever holds it.
	TryAcquire(ctx context.Context, id, holder string, expiresAt time.Time) (bool, error)
	// Release drops the lease if holder still owns it and reports whether a
	// lease was actually dropped. Releasing an absent or foreign lease is a
	// no-op.
	Release(ctx context.Context, id, holder string) (bool, error)
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// Locks hands out leases, one token per acquisition
type Locks struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
}

// New creates a lock manager over the given store.
func New(store Store, ttl time.Duration) *Locks {
	return &Locks{
		store: store,
		ttl:   ttl,
		now:   time.Now,
	}
}

// TryAcquire claims the escrow id under a fresh holder token and returns the
// token required to release it. A live lease blocks every other acquisition,
// including later ones from the same process; only expiry frees a lease whose
// token was lost.
func (l *Locks) TryAcquire(ctx context.Context, id string) (string, bool, error) {
	token := "pl_" + idgen.Hex(8)
	ok, err := l.store.TryAcquire(ctx, id, token, l.now().Add(l.ttl))
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	metrics.ActiveLocks.Inc()
	return token, true, nil
}

// Release drops the lease on id if token still owns it. Safe to call more
// than once.
func (l *Locks) Release(ctx context.Context, id, token string) error {
	released, err := l.store.Release(ctx, id, token)
	if err != nil {
		return err
	}
	if released {
		metrics.ActiveLocks.Dec()
	}
	return nil
}

// StartSweeper removes expired leases on a fixed interval until ctx is done.
// Call in a goroutine.
func (l *Locks) StartSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := l.store.DeleteExpired(ctx, l.now())
			if err != nil {
				logging.L(ctx).Warn("lock sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logging.L(ctx).Debug("swept expired locks", "count", n)
			}
		}
	}
}
