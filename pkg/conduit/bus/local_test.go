package bus_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/conduit/pkg/conduit/bus"
	cerrors "github.com/randalmurphal/conduit/pkg/conduit/errors"
	"github.com/randalmurphal/conduit/pkg/conduit/event"
)

func fastRedelivery() bus.RedeliveryConfig {
	return bus.RedeliveryConfig{
		Backoff: cerrors.RetryConfig{InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, BackoffFactor: 2},
	}
}

func newLocalBus(t *testing.T, cfg bus.LocalConfig) *bus.LocalBus {
	t.Helper()
	if cfg.Redelivery.Backoff.InitialBackoff == 0 {
		cfg.Redelivery = fastRedelivery()
	}
	b := bus.NewLocalBus(cfg)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func updated(agg string, n int) event.Event {
	return event.MustNew("mlm.ModelUpdated", "model", agg, map[string]int{"n": n})
}

func TestLocalBusPerAggregateOrdering(t *testing.T) {
	b := newLocalBus(t, bus.LocalConfig{Partitions: 4})

	var (
		mu   sync.Mutex
		seen = map[string][]int{}
		all  []string
		wg   sync.WaitGroup
	)
	const perAggregate = 50
	wg.Add(2 * perAggregate)

	_, err := b.Subscribe("mlm.*", event.HandlerFunc(func(_ context.Context, evt event.Event) error {
		p, err := event.DecodePayload[map[string]int](evt)
		if err != nil {
			return err
		}
		// Random handling delay so lanes interleave.
		time.Sleep(time.Duration(rand.IntN(200)) * time.Microsecond)
		mu.Lock()
		seen[evt.AggregateID()] = append(seen[evt.AggregateID()], p["n"])
		all = append(all, evt.AggregateID())
		mu.Unlock()
		wg.Done()
		return nil
	}))
	require.NoError(t, err)

	ctx := context.Background()
	var pubWG sync.WaitGroup
	for _, agg := range []string{"model-a", "model-b"} {
		pubWG.Add(1)
		go func(agg string) {
			defer pubWG.Done()
			for i := 0; i < perAggregate; i++ {
				time.Sleep(time.Duration(rand.IntN(100)) * time.Microsecond)
				assert.NoError(t, b.Publish(ctx, updated(agg, i), agg))
			}
		}(agg)
	}
	pubWG.Wait()
	waitTimeout(t, &wg, 5*time.Second)

	mu.Lock()
	defer mu.Unlock()
	for _, agg := range []string{"model-a", "model-b"} {
		require.Len(t, seen[agg], perAggregate)
		for i, n := range seen[agg] {
			assert.Equal(t, i, n, "aggregate %s out of order", agg)
		}
	}
	assert.Len(t, all, 2*perAggregate)
}

func TestLocalBusRedeliversUntilSuccess(t *testing.T) {
	b := newLocalBus(t, bus.LocalConfig{})

	var calls atomic.Int32
	done := make(chan struct{})
	_, err := b.Subscribe("mlm.ModelDeployed", event.HandlerFunc(func(context.Context, event.Event) error {
		if calls.Add(1) < 3 {
			return errors.New("endpoint registry unavailable")
		}
		close(done)
		return nil
	}))
	require.NoError(t, err)

	evt := event.MustNew("mlm.ModelDeployed", "model", "m1", nil)
	require.NoError(t, b.Publish(context.Background(), evt, "m1"))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never succeeded")
	}
	assert.Equal(t, int32(3), calls.Load())
}

func TestLocalBusRedeliveryHoldsPartition(t *testing.T) {
	b := newLocalBus(t, bus.LocalConfig{Partitions: 1})

	var (
		mu    sync.Mutex
		order []int
		fails atomic.Int32
	)
	_, err := b.Subscribe("*", event.HandlerFunc(func(_ context.Context, evt event.Event) error {
		p, _ := event.DecodePayload[map[string]int](evt)
		if p["n"] == 0 && fails.Add(1) <= 2 {
			return errors.New("transient")
		}
		mu.Lock()
		order = append(order, p["n"])
		mu.Unlock()
		return nil
	}))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Publish(context.Background(), updated("m1", i), "m1"))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, 2*time.Second, 2*time.Millisecond)
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestLocalBusRejectAndExhaustDrop(t *testing.T) {
	var (
		mu      sync.Mutex
		dropped []string
	)
	cfg := bus.LocalConfig{
		Redelivery: fastRedelivery(),
		OnDrop: func(evt event.Event, _ string, err error) {
			mu.Lock()
			dropped = append(dropped, fmt.Sprintf("%s:%v", evt.AggregateID(), cerrors.Categorize(err)))
			mu.Unlock()
		},
	}
	cfg.Redelivery.MaxRedeliveries = 2
	b := newLocalBus(t, cfg)

	var transientCalls atomic.Int32
	_, err := b.Subscribe("*", event.HandlerFunc(func(_ context.Context, evt event.Event) error {
		if evt.AggregateID() == "terminal" {
			return cerrors.Terminal(errors.New("model unknown"), "")
		}
		transientCalls.Add(1)
		return errors.New("still down")
	}))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, updated("terminal", 0), "terminal"))
	require.NoError(t, b.Publish(ctx, updated("transient", 0), "transient"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(dropped) == 2
	}, 2*time.Second, 2*time.Millisecond)

	assert.ElementsMatch(t, []string{"terminal:terminal", "transient:transient"}, dropped)
	assert.Equal(t, int32(3), transientCalls.Load(), "one delivery plus two redeliveries")
}

func TestLocalBusPatternFiltering(t *testing.T) {
	b := newLocalBus(t, bus.LocalConfig{})

	var billing, all atomic.Int32
	_, err := b.Subscribe("billing.*", event.HandlerFunc(func(context.Context, event.Event) error {
		billing.Add(1)
		return nil
	}))
	require.NoError(t, err)
	_, err = b.Subscribe("*", event.HandlerFunc(func(context.Context, event.Event) error {
		all.Add(1)
		return nil
	}))
	require.NoError(t, err)

	_, err = b.Subscribe("billing*", event.HandlerFunc(func(context.Context, event.Event) error { return nil }))
	require.Error(t, err)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, event.MustNew("billing.UsageRecordOpened", "usage", "u1", nil), "u1"))
	require.NoError(t, b.Publish(ctx, event.MustNew("mlm.ModelDeployed", "model", "m1", nil), "m1"))

	require.Eventually(t, func() bool { return all.Load() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), billing.Load())
}

func TestLocalBusUnsubscribe(t *testing.T) {
	b := newLocalBus(t, bus.LocalConfig{})

	var calls atomic.Int32
	sub, err := b.Subscribe("*", event.HandlerFunc(func(context.Context, event.Event) error {
		calls.Add(1)
		return nil
	}), bus.WithName("audit"))
	require.NoError(t, err)
	assert.Equal(t, "audit", sub.Name())

	sub.Unsubscribe()
	sub.Unsubscribe() // idempotent

	require.NoError(t, b.Publish(context.Background(), updated("m1", 0), "m1"))
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, calls.Load())
}

func TestLocalBusCloseCancelsHandlers(t *testing.T) {
	b := bus.NewLocalBus(bus.LocalConfig{Redelivery: fastRedelivery()})

	started := make(chan struct{})
	var cancelled atomic.Bool
	_, err := b.Subscribe("*", event.HandlerFunc(func(ctx context.Context, _ event.Event) error {
		close(started)
		<-ctx.Done()
		cancelled.Store(true)
		return ctx.Err()
	}))
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), updated("m1", 0), "m1"))
	<-started

	require.NoError(t, b.Close())
	assert.True(t, cancelled.Load())

	assert.ErrorIs(t, b.Publish(context.Background(), updated("m1", 1), "m1"), bus.ErrBusClosed)
	_, err = b.Subscribe("*", event.HandlerFunc(func(context.Context, event.Event) error { return nil }))
	assert.ErrorIs(t, err, bus.ErrBusClosed)
	assert.NoError(t, b.Close())
}

func TestLocalBusHandlerTimeout(t *testing.T) {
	cfg := bus.LocalConfig{Redelivery: fastRedelivery()}
	cfg.Redelivery.HandlerTimeout = 10 * time.Millisecond
	b := newLocalBus(t, cfg)

	var calls atomic.Int32
	done := make(chan struct{})
	_, err := b.Subscribe("*", event.HandlerFunc(func(ctx context.Context, _ event.Event) error {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		close(done)
		return nil
	}))
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), updated("m1", 0), "m1"))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out handler was not redelivered")
	}
	assert.Equal(t, int32(2), calls.Load())
}

func waitTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	ch := make(chan struct{})
	go func() {
		wg.Wait()
		close(ch)
	}()
	select {
	case <-ch:
	case <-time.After(d):
		t.Fatal("timed out waiting for deliveries")
	}
}
