package benchmarks

import (
	"context"
	"database/sql"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/randalmurphal/conduit/pkg/conduit/event"
	"github.com/randalmurphal/conduit/pkg/conduit/outbox"
	"github.com/randalmurphal/conduit/pkg/conduit/sqlitedb"
)

// OrderPayload is a typical small domain event payload.
type OrderPayload struct {
	OrderID string            `json:"order_id"`
	Lines   []string          `json:"lines"`
	Labels  map[string]string `json:"labels"`
}

func orderEvent(i int) event.Event {
	id := "order-" + strconv.Itoa(i)
	return event.MustNew("sales.OrderPlaced", "order", id, OrderPayload{
		OrderID: id,
		Lines:   []string{"sku-1", "sku-2", "sku-3"},
		Labels:  map[string]string{"channel": "web", "region": "eu"},
	})
}

func putOrder(i int) outbox.StateChange {
	return func(ctx context.Context, tx outbox.Tx) error {
		return tx.Put(ctx, "order:"+strconv.Itoa(i), []byte(`{"status":"placed"}`))
	}
}

// BenchmarkMemoryStore_Commit measures an in-memory state change plus event.
func BenchmarkMemoryStore_Commit(b *testing.B) {
	store := outbox.NewMemoryStore()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = store.CommitWithEvent(ctx, putOrder(i), orderEvent(i))
	}
}

// BenchmarkSQLiteStore_Commit measures a durable state change plus event.
func BenchmarkSQLiteStore_Commit(b *testing.B) {
	db := openSQLite(b)
	store := outbox.NewSQLiteStore(db)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = store.CommitWithEvent(ctx, putOrder(i), orderEvent(i))
	}
}

// BenchmarkMemoryStore_Drain measures draining and marking 100 records.
func BenchmarkMemoryStore_Drain(b *testing.B) {
	benchmarkDrain(b, func(b *testing.B) outbox.Store { return outbox.NewMemoryStore() })
}

// BenchmarkSQLiteStore_Drain measures draining and marking 100 durable records.
func BenchmarkSQLiteStore_Drain(b *testing.B) {
	benchmarkDrain(b, func(b *testing.B) outbox.Store { return outbox.NewSQLiteStore(openSQLite(b)) })
}

func benchmarkDrain(b *testing.B, newStore func(*testing.B) outbox.Store) {
	ctx := context.Background()
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		store := newStore(b)
		for j := 0; j < 100; j++ {
			_, _ = store.CommitWithEvent(ctx, nil, orderEvent(j))
		}
		b.StartTimer()

		for rec, err := range store.DrainPending(ctx, 100) {
			if err != nil {
				b.Fatal(err)
			}
			_ = store.MarkPublished(ctx, rec.Event.ID())
		}
	}
}

func openSQLite(b *testing.B) *sql.DB {
	b.Helper()
	db, err := sqlitedb.Open(filepath.Join(b.TempDir(), "bench.db"))
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { db.Close() })
	return db
}
