package quote

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"time"
)

// PostgresStore persists quotes in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed quote store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Put(ctx context.Context, q *Quote) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO quotes (id, price_wei, issued_at)
		VALUES ($1, $2, $3)`,
		q.ID, q.PriceWei.String(), q.IssuedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Quote, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, price_wei, issued_at FROM quotes WHERE id = $1`, id)

	var q Quote
	var priceStr string
	if err := row.Scan(&q.ID, &priceStr, &q.IssuedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}

	price, ok := new(big.Int).SetString(priceStr, 10)
	if !ok {
		return nil, fmt.Errorf("quote: corrupt price_wei for %s: %q", id, priceStr)
	}
	q.PriceWei = price
	return &q, nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM quotes WHERE id = $1`, id)
	return err
}

func (p *PostgresStore) DeleteExpired(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := p.db.ExecContext(ctx, `DELETE FROM quotes WHERE issued_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}
