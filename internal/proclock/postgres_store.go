package proclock

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists leases in PostgreSQL. The acquire upsert is the
// cross-replica mutual exclusion point.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed lease store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) TryAcquire(ctx context.Context, id, holder string, expiresAt time.Time) (bool, error) {
	// The conditional upsert only steals an existing row when its lease has
	// expired. A live lease blocks every other holder.
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO processing_locks (id, holder, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET holder = EXCLUDED.holder, expires_at = EXCLUDED.expires_at
		WHERE processing_locks.expires_at <= NOW()`,
		id, holder, expiresAt,
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *PostgresStore) Release(ctx context.Context, id, holder string) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		DELETE FROM processing_locks WHERE id = $1 AND holder = $2`,
		id, holder,
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *PostgresStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	result, err := p.db.ExecContext(ctx, `
		DELETE FROM processing_locks WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}
