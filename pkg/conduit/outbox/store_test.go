package outbox_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/randalmurphal/conduit/pkg/conduit/errors"
	"github.com/randalmurphal/conduit/pkg/conduit/event"
	"github.com/randalmurphal/conduit/pkg/conduit/outbox"
	"github.com/randalmurphal/conduit/pkg/conduit/sqlitedb"
)

// testClock is a settable time source.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type storeFactory struct {
	name string
	new  func(t *testing.T, opts ...outbox.Option) outbox.Store
}

func storeFactories() []storeFactory {
	factories := []storeFactory{
		{"memory", func(t *testing.T, opts ...outbox.Option) outbox.Store {
			return outbox.NewMemoryStore(opts...)
		}},
		{"sqlite", func(t *testing.T, opts ...outbox.Option) outbox.Store {
			db, err := sqlitedb.Open(":memory:")
			require.NoError(t, err)
			t.Cleanup(func() { db.Close() })
			return outbox.NewSQLiteStore(db, opts...)
		}},
	}
	if dsn := os.Getenv("CONDUIT_TEST_POSTGRES_DSN"); dsn != "" {
		factories = append(factories, storeFactory{"postgres", func(t *testing.T, opts ...outbox.Option) outbox.Store {
			ctx := context.Background()
			pool, err := pgxpool.New(ctx, dsn)
			require.NoError(t, err)
			t.Cleanup(pool.Close)
			store := outbox.NewPostgresStore(pool, opts...)
			require.NoError(t, store.Migrate(ctx))
			_, err = pool.Exec(ctx, `TRUNCATE outbox, aggregate_state RESTART IDENTITY`)
			require.NoError(t, err)
			return store
		}})
	}
	return factories
}

func forEachStore(t *testing.T, fn func(t *testing.T, f storeFactory)) {
	for _, f := range storeFactories() {
		t.Run(f.name, func(t *testing.T) {
			fn(t, f)
		})
	}
}

func deployed(model string) event.Event {
	return event.MustNew("mlm.ModelDeployed", "model", model, map[string]string{"model_id": model})
}

func readState(t *testing.T, store outbox.Store, key string) ([]byte, bool) {
	t.Helper()
	var (
		value []byte
		ok    bool
	)
	_, err := store.CommitWithEvent(context.Background(), func(ctx context.Context, tx outbox.Tx) error {
		var err error
		value, ok, err = tx.Get(ctx, key)
		return err
	})
	require.NoError(t, err)
	return value, ok
}

func drainAll(t *testing.T, store outbox.Store) []outbox.Record {
	t.Helper()
	var out []outbox.Record
	for rec, err := range store.DrainPending(context.Background(), 10) {
		require.NoError(t, err)
		out = append(out, rec)
	}
	return out
}

func TestCommitWithEventAtomicity(t *testing.T) {
	forEachStore(t, func(t *testing.T, f storeFactory) {
		reg := event.NewSchemaRegistry().MustRegister(event.Schema{
			Type:      "mlm.ModelDeployed",
			Version:   1,
			Validator: event.JSONFieldsValidator("model_id"),
		})
		store := f.new(t, outbox.WithSchemaRegistry(reg))
		ctx := context.Background()

		t.Run("both visible on success", func(t *testing.T) {
			hooked := false
			evt := deployed("m1")
			recs, err := store.CommitWithEvent(ctx, func(ctx context.Context, tx outbox.Tx) error {
				tx.AfterCommit(func() { hooked = true })
				return tx.Put(ctx, "model/m1", []byte(`{"status":"deployed"}`))
			}, evt)
			require.NoError(t, err)
			require.Len(t, recs, 1)
			assert.Equal(t, outbox.StatusPending, recs[0].Status)
			assert.Equal(t, evt.ID(), recs[0].Event.ID())
			assert.Positive(t, recs[0].Seq)
			assert.True(t, hooked)

			value, ok := readState(t, store, "model/m1")
			assert.True(t, ok)
			assert.JSONEq(t, `{"status":"deployed"}`, string(value))

			got, err := store.Get(ctx, evt.ID())
			require.NoError(t, err)
			assert.Equal(t, evt.ID(), got.Event.ID())
			assert.Equal(t, evt.CorrelationID(), got.Event.CorrelationID())
		})

		t.Run("state change failure discards events", func(t *testing.T) {
			hooked := false
			evt := deployed("m2")
			_, err := store.CommitWithEvent(ctx, func(ctx context.Context, tx outbox.Tx) error {
				tx.AfterCommit(func() { hooked = true })
				if err := tx.Put(ctx, "model/m2", []byte(`{}`)); err != nil {
					return err
				}
				return errors.New("quota exceeded")
			}, evt)
			require.Error(t, err)
			assert.Equal(t, cerrors.CategoryCommitFailure, cerrors.Categorize(err))
			assert.False(t, hooked)

			_, ok := readState(t, store, "model/m2")
			assert.False(t, ok)
			_, err = store.Get(ctx, evt.ID())
			assert.ErrorIs(t, err, outbox.ErrNotFound)
		})

		t.Run("event failure discards state", func(t *testing.T) {
			bad := event.MustNew("mlm.ModelDeployed", "model", "m3", map[string]string{"name": "no id"})
			_, err := store.CommitWithEvent(ctx, func(ctx context.Context, tx outbox.Tx) error {
				return tx.Put(ctx, "model/m3", []byte(`{}`))
			}, bad)
			require.Error(t, err)
			assert.Equal(t, cerrors.CategoryCommitFailure, cerrors.Categorize(err))
			var catErr *cerrors.CategorizedError
			require.ErrorAs(t, err, &catErr)
			assert.True(t, cerrors.IsSchemaViolation(catErr.Err))

			_, ok := readState(t, store, "model/m3")
			assert.False(t, ok)
			_, err = store.Get(ctx, bad.ID())
			assert.ErrorIs(t, err, outbox.ErrNotFound)
		})

		t.Run("duplicate event id rejected", func(t *testing.T) {
			evt := deployed("m4")
			_, err := store.CommitWithEvent(ctx, nil, evt)
			require.NoError(t, err)
			_, err = store.CommitWithEvent(ctx, nil, evt)
			require.Error(t, err)
			assert.ErrorIs(t, err, outbox.ErrDuplicateEvent)
		})

		t.Run("events appended inside the state change", func(t *testing.T) {
			inner := deployed("m5")
			outer := deployed("m6")
			recs, err := store.CommitWithEvent(ctx, func(ctx context.Context, tx outbox.Tx) error {
				return tx.Append(ctx, inner)
			}, outer)
			require.NoError(t, err)
			require.Len(t, recs, 2)
			assert.Equal(t, inner.ID(), recs[0].Event.ID())
			assert.Equal(t, outer.ID(), recs[1].Event.ID())
			assert.Less(t, recs[0].Seq, recs[1].Seq)
		})
	})
}

func TestDrainPendingOrder(t *testing.T) {
	forEachStore(t, func(t *testing.T, f storeFactory) {
		store := f.new(t)
		ctx := context.Background()

		var want []string
		for i := 0; i < 25; i++ {
			agg := "a"
			if i%3 == 0 {
				agg = "b"
			}
			evt := event.MustNew("mlm.ModelUpdated", "model", agg, map[string]int{"n": i})
			_, err := store.CommitWithEvent(ctx, nil, evt)
			require.NoError(t, err)
			want = append(want, evt.ID())
		}

		// Publish everything as it is drained, the way the Publisher does.
		var got []string
		for rec, err := range store.DrainPending(ctx, 4) {
			require.NoError(t, err)
			got = append(got, rec.Event.ID())
			require.NoError(t, store.MarkPublished(ctx, rec.Event.ID()))
		}
		assert.ElementsMatch(t, want, got)

		// Within an aggregate the drain order is creation order.
		pos := make(map[string]int, len(got))
		for i, id := range got {
			pos[id] = i
		}
		var lastA, lastB = -1, -1
		for i, id := range want {
			last := &lastA
			if i%3 == 0 {
				last = &lastB
			}
			assert.Greater(t, pos[id], *last)
			*last = pos[id]
		}

		assert.Empty(t, drainAll(t, store))
	})
}

func TestDrainPendingHeadOfLine(t *testing.T) {
	forEachStore(t, func(t *testing.T, f storeFactory) {
		clock := newTestClock()
		store := f.new(t, outbox.WithClock(clock.Now))
		ctx := context.Background()

		a1, a2, b1 := deployed("a"), deployed("a"), deployed("b")
		for _, evt := range []event.Event{a1, a2, b1} {
			_, err := store.CommitWithEvent(ctx, nil, evt)
			require.NoError(t, err)
		}

		policy := cerrors.RetryConfig{MaxAttempts: 5, InitialBackoff: time.Minute, MaxBackoff: time.Hour, BackoffFactor: 2}
		rec, err := store.MarkFailedAttempt(ctx, a1.ID(), errors.New("broker down"), policy)
		require.NoError(t, err)
		assert.Equal(t, 1, rec.Attempts)
		assert.Equal(t, outbox.StatusPending, rec.Status)
		assert.Equal(t, "broker down", rec.LastError)
		assert.True(t, rec.NextRetryAt.Equal(clock.Now().Add(time.Minute)))

		// a1 is backing off, so a2 must wait behind it.
		ids := func(recs []outbox.Record) []string {
			var out []string
			for _, r := range recs {
				out = append(out, r.Event.ID())
			}
			return out
		}
		assert.Equal(t, []string{b1.ID()}, ids(drainAll(t, store)))

		clock.Advance(time.Minute)
		assert.Equal(t, []string{a1.ID(), b1.ID()}, ids(drainAll(t, store)))

		require.NoError(t, store.MarkPublished(ctx, a1.ID()))
		assert.Equal(t, []string{a2.ID(), b1.ID()}, ids(drainAll(t, store)))
	})
}

func TestDrainPendingFailedHoldsAggregate(t *testing.T) {
	forEachStore(t, func(t *testing.T, f storeFactory) {
		clock := newTestClock()
		store := f.new(t, outbox.WithClock(clock.Now))
		ctx := context.Background()

		first, second, other := deployed("m1"), deployed("m1"), deployed("m2")
		for _, evt := range []event.Event{first, second, other} {
			_, err := store.CommitWithEvent(ctx, nil, evt)
			require.NoError(t, err)
		}

		rec, err := store.MarkFailedAttempt(ctx, first.ID(), errors.New("broker down"), cerrors.RetryConfig{MaxAttempts: 1})
		require.NoError(t, err)
		require.Equal(t, outbox.StatusFailed, rec.Status)

		// publish drains once and marks everything it saw, like the publisher.
		var order []string
		publish := func() {
			for _, r := range drainAll(t, store) {
				require.NoError(t, store.MarkPublished(ctx, r.Event.ID()))
				if r.Event.AggregateID() == "m1" {
					order = append(order, r.Event.ID())
				}
			}
		}

		publish()
		assert.Empty(t, order, "a FAILED head holds back the rest of its aggregate")
		got, err := store.Get(ctx, other.ID())
		require.NoError(t, err)
		assert.Equal(t, outbox.StatusPublished, got.Status, "other aggregates are not held")

		require.NoError(t, store.Requeue(ctx, first.ID()))
		publish()
		publish()
		assert.Equal(t, []string{first.ID(), second.ID()}, order)
	})
}

func TestDrainPendingStopsEarly(t *testing.T) {
	forEachStore(t, func(t *testing.T, f storeFactory) {
		store := f.new(t)
		ctx := context.Background()
		for _, m := range []string{"m1", "m2", "m3"} {
			_, err := store.CommitWithEvent(ctx, nil, deployed(m))
			require.NoError(t, err)
		}

		n := 0
		for _, err := range store.DrainPending(ctx, 10) {
			require.NoError(t, err)
			n++
			if n == 2 {
				break
			}
		}
		assert.Equal(t, 2, n)

		// Restartable: a new drain starts from the oldest pending record.
		assert.Len(t, drainAll(t, store), 3)
	})
}

func TestMarkPublishedIdempotent(t *testing.T) {
	forEachStore(t, func(t *testing.T, f storeFactory) {
		clock := newTestClock()
		store := f.new(t, outbox.WithClock(clock.Now))
		ctx := context.Background()

		evt := deployed("m1")
		_, err := store.CommitWithEvent(ctx, nil, evt)
		require.NoError(t, err)

		require.NoError(t, store.MarkPublished(ctx, evt.ID()))
		first, err := store.Get(ctx, evt.ID())
		require.NoError(t, err)

		clock.Advance(time.Hour)
		require.NoError(t, store.MarkPublished(ctx, evt.ID()))
		second, err := store.Get(ctx, evt.ID())
		require.NoError(t, err)

		assert.Equal(t, outbox.StatusPublished, second.Status)
		assert.True(t, first.PublishedAt.Equal(second.PublishedAt), "second mark must be a no-op")

		assert.ErrorIs(t, store.MarkPublished(ctx, "missing"), outbox.ErrNotFound)
	})
}

func TestMarkFailedAttemptMovesToFailed(t *testing.T) {
	forEachStore(t, func(t *testing.T, f storeFactory) {
		store := f.new(t)
		ctx := context.Background()

		evt := deployed("m1")
		_, err := store.CommitWithEvent(ctx, nil, evt)
		require.NoError(t, err)

		policy := cerrors.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffFactor: 1}
		var rec outbox.Record
		for i := 0; i < 3; i++ {
			rec, err = store.MarkFailedAttempt(ctx, evt.ID(), errors.New("broker down"), policy)
			require.NoError(t, err)
		}
		assert.Equal(t, outbox.StatusFailed, rec.Status)
		assert.Equal(t, 3, rec.Attempts)

		// Further attempts do not touch a FAILED record.
		rec, err = store.MarkFailedAttempt(ctx, evt.ID(), errors.New("again"), policy)
		require.NoError(t, err)
		assert.Equal(t, 3, rec.Attempts)

		failed, err := store.ListByStatus(ctx, outbox.StatusFailed, time.Time{}, 0)
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Equal(t, evt.ID(), failed[0].Event.ID())

		counts, err := store.CountByStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, counts[outbox.StatusFailed])
		assert.Equal(t, 0, counts[outbox.StatusPending])

		require.NoError(t, store.Requeue(ctx, evt.ID()))
		rec, err = store.Get(ctx, evt.ID())
		require.NoError(t, err)
		assert.Equal(t, outbox.StatusPending, rec.Status)
		assert.Equal(t, 0, rec.Attempts)
	})
}

func TestListByStatusAndPurge(t *testing.T) {
	forEachStore(t, func(t *testing.T, f storeFactory) {
		clock := newTestClock()
		store := f.new(t, outbox.WithClock(clock.Now))
		ctx := context.Background()

		old := deployed("m1")
		_, err := store.CommitWithEvent(ctx, nil, old)
		require.NoError(t, err)
		clock.Advance(10 * time.Minute)
		fresh := deployed("m2")
		_, err = store.CommitWithEvent(ctx, nil, fresh)
		require.NoError(t, err)

		stuck, err := store.ListByStatus(ctx, outbox.StatusPending, clock.Now().Add(-5*time.Minute), 0)
		require.NoError(t, err)
		require.Len(t, stuck, 1)
		assert.Equal(t, old.ID(), stuck[0].Event.ID())

		limited, err := store.ListByStatus(ctx, outbox.StatusPending, time.Time{}, 1)
		require.NoError(t, err)
		assert.Len(t, limited, 1)

		require.NoError(t, store.MarkPublished(ctx, old.ID()))
		clock.Advance(time.Hour)
		require.NoError(t, store.MarkPublished(ctx, fresh.ID()))

		n, err := store.Purge(ctx, clock.Now().Add(-30*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = store.Get(ctx, old.ID())
		assert.ErrorIs(t, err, outbox.ErrNotFound)
		_, err = store.Get(ctx, fresh.ID())
		assert.NoError(t, err)
	})
}

func TestClosedStore(t *testing.T) {
	forEachStore(t, func(t *testing.T, f storeFactory) {
		store := f.new(t)
		require.NoError(t, store.Close())

		_, err := store.CommitWithEvent(context.Background(), nil, deployed("m1"))
		assert.ErrorIs(t, err, outbox.ErrStoreClosed)
		assert.ErrorIs(t, store.MarkPublished(context.Background(), "x"), outbox.ErrStoreClosed)
	})
}
