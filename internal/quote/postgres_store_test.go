package quote

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/mbd888/etchpay/internal/testutil"
)

func TestPostgresPutGetDelete(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	q := &Quote{
		ID:       "qt_pg1",
		PriceWei: big.NewInt(2_000_000_000_000_000),
		IssuedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	if err := store.Put(ctx, q); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := store.Get(ctx, "qt_pg1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.PriceWei.Cmp(q.PriceWei) != 0 {
		t.Errorf("Expected price %s, got %s", q.PriceWei, got.PriceWei)
	}

	if err := store.Delete(ctx, "qt_pg1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get(ctx, "qt_pg1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
}

func TestPostgresDeleteExpiredQuotes(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC()

	stale := &Quote{ID: "qt_stale", PriceWei: big.NewInt(1), IssuedAt: now.Add(-time.Hour)}
	fresh := &Quote{ID: "qt_fresh", PriceWei: big.NewInt(1), IssuedAt: now}
	for _, q := range []*Quote{stale, fresh} {
		if err := store.Put(ctx, q); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	n, err := store.DeleteExpired(ctx, now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("DeleteExpired failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 expired quote deleted, got %d", n)
	}
	if _, err := store.Get(ctx, "qt_fresh"); err != nil {
		t.Errorf("Expected fresh quote to survive, got %v", err)
	}
}
