package feed

import (
	"context"
	"database/sql"
)

// PostgresStore persists settlements in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed settlement store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Record(ctx context.Context, s *Settlement) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO settlements (escrow_id, payer, amount_wei, tx_hash, data_ref, settled_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (escrow_id) DO NOTHING`,
		s.EscrowID, s.Payer, s.AmountWei, s.TxHash, s.DataRef, s.SettledAt,
	)
	return err
}

func (p *PostgresStore) Recent(ctx context.Context, limit int) ([]*Settlement, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT escrow_id, payer, amount_wei, tx_hash, data_ref, settled_at
		FROM settlements
		ORDER BY settled_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Settlement
	for rows.Next() {
		var s Settlement
		if err := rows.Scan(&s.EscrowID, &s.Payer, &s.AmountWei, &s.TxHash, &s.DataRef, &s.SettledAt); err != nil {
			return nil, err
		}
		result = append(result, &s)
	}
	return result, rows.Err()
}
