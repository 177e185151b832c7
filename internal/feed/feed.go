// Package feed records completed settlements and streams them to API
// consumers, both as a recent-history endpoint and over WebSocket.
package feed

import (
	"context"
	"time"

	"github.com/mbd888/etchpay/internal/logging"
)

// Settlement is one completed fulfillment.
type Settlement struct {
	EscrowID  string    `json:"escrowId"`
	Payer     string    `json:"payer"`
	AmountWei string    `json:"amountWei"`
	TxHash    string    `json:"txHash"`
	DataRef   string    `json:"dataRef"`
	SettledAt time.Time `json:"settledAt"`
}

// Store persists the settlement history
type Store interface {
	Record(ctx context.Context, s *Settlement) error
	Recent(ctx context.Context, limit int) ([]*Settlement, error)
}

// DefaultRecentLimit bounds the history endpoint
const DefaultRecentLimit = 50

// Service records settlements and fans them out to the hub. Recording is
// best-effort: a feed failure never fails the settlement that produced it.
type Service struct {
	store Store
	hub   *Hub
}

// NewService creates a feed service. hub may be nil when streaming is off.
func NewService(store Store, hub *Hub) *Service {
	return &Service{store: store, hub: hub}
}

// Publish records a settlement and broadcasts it to subscribers
func (s *Service) Publish(ctx context.Context, settlement *Settlement) {
	if err := s.store.Record(ctx, settlement); err != nil {
		logging.L(ctx).Warn("failed to record settlement",
			"escrow_id", settlement.EscrowID, "error", err)
	}
	if s.hub != nil {
		s.hub.BroadcastSettlement(settlement)
	}
}

// Recent returns the most recent settlements, newest first
func (s *Service) Recent(ctx context.Context, limit int) ([]*Settlement, error) {
	if limit <= 0 || limit > DefaultRecentLimit {
		limit = DefaultRecentLimit
	}
	return s.store.Recent(ctx, limit)
}
