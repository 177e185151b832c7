// Package quote issues short-lived price quotes for etch requests.
package quote

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/mbd888/etchpay/internal/idgen"
	"github.com/mbd888/etchpay/internal/logging"
	"github.com/mbd888/etchpay/internal/metrics"
)

var ErrNotFound = errors.New("quote: not found")

// Quote is a priced offer the payer must fund before it expires.
// An expired quote is indistinguishable from one that never existed.
type Quote struct {
	ID       string
	PriceWei *big.Int
	IssuedAt time.Time
}

// Store persists issued quotes
type Store interface {
	Put(ctx context.Context, q *Quote) error
	Get(ctx context.Context, id string) (*Quote, error)
	Delete(ctx context.Context, id string) error
	DeleteExpired(ctx context.Context, cutoff time.Time) (int, error)
}

// Service issues and validates quotes against a fixed base price
type Service struct {
	store Store
	price *big.Int
	ttl   time.Duration
	now   func() time.Time
}

// NewService creates a quote service. price is the base price in wei.
func NewService(store Store, price *big.Int, ttl time.Duration) *Service {
	return &Service{
		store: store,
		price: new(big.Int).Set(price),
		ttl:   ttl,
		now:   time.Now,
	}
}

// Issue creates and persists a fresh quote at the current base price
func (s *Service) Issue(ctx context.Context) (*Quote, error) {
	q := &Quote{
		ID:       idgen.WithPrefix("qt_"),
		PriceWei: new(big.Int).Set(s.price),
		IssuedAt: s.now(),
	}
	if err := s.store.Put(ctx, q); err != nil {
		return nil, err
	}
	metrics.QuotesIssuedTotal.Inc()
	return q, nil
}

// Lookup returns the quote for id if it is still live. Expired quotes are
// deleted on sight and reported as ErrNotFound.
func (s *Service) Lookup(ctx context.Context, id string) (*Quote, error) {
	q, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.now().Sub(q.IssuedAt) > s.ttl {
		_ = s.store.Delete(ctx, id)
		return nil, ErrNotFound
	}
	return q, nil
}

// Redeem consumes the quote after a successful settlement so its id cannot
// anchor a second request
func (s *Service) Redeem(ctx context.Context, id string) error {
	return s.store.Delete(ctx, id)
}

// TTL returns the configured quote lifetime
func (s *Service) TTL() time.Duration {
	return s.ttl
}

// Price returns a copy of the current base price in wei
func (s *Service) Price() *big.Int {
	return new(big.Int).Set(s.price)
}

// StartSweeper deletes expired quotes on a fixed interval until ctx is done.
// Call in a goroutine.
func (s *Service) StartSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := s.now().Add(-s.ttl)
			n, err := s.store.DeleteExpired(ctx, cutoff)
			if err != nil {
				logging.L(ctx).Warn("quote sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logging.L(ctx).Debug("swept expired quotes", "count", n)
			}
		}
	}
}
