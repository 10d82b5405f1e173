package bus

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/randalmurphal/conduit/pkg/conduit/event"
)

// LocalConfig configures a LocalBus.
type LocalConfig struct {
	// Partitions is the number of ordered lanes per subscription.
	// Default: 8
	Partitions int

	// BufferSize is the queue length of each partition. Publish blocks
	// while the partition is full.
	// Default: 256
	BufferSize int

	// Redelivery controls in-place retries of failed deliveries.
	Redelivery RedeliveryConfig

	// OnDrop is called when a message is given up.
	OnDrop DropFunc

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultLocalConfig provides reasonable defaults.
var DefaultLocalConfig = LocalConfig{
	Partitions: 8,
	BufferSize: 256,
	Redelivery: DefaultRedeliveryConfig,
}

// LocalBus is an in-memory bus. Each subscription hashes the partition key
// onto one of its partitions; a partition is a single goroutine consuming a
// FIFO, so events sharing a key are handled one at a time in publish order.
// A failing message is redelivered before the partition moves on.
type LocalBus struct {
	config LocalConfig

	mu   sync.RWMutex
	subs map[int64]*localSubscription

	nextID atomic.Int64
	closed atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLocalBus creates a new in-memory bus.
func NewLocalBus(config LocalConfig) *LocalBus {
	if config.Partitions <= 0 {
		config.Partitions = DefaultLocalConfig.Partitions
	}
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultLocalConfig.BufferSize
	}
	if config.Redelivery.Backoff.InitialBackoff <= 0 {
		config.Redelivery.Backoff = DefaultRedeliveryConfig.Backoff
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &LocalBus{
		config: config,
		subs:   make(map[int64]*localSubscription),
		ctx:    ctx,
		cancel: cancel,
	}
}

type localSubscription struct {
	id         int64
	name       string
	pattern    event.Pattern
	partitions []chan event.Event
	deliverer  *deliverer
	ctx        context.Context
	cancel     context.CancelFunc
	bus        *LocalBus
	once       sync.Once
}

// Publish implements Bus. It returns once the event is queued on every
// matching subscription.
func (b *LocalBus) Publish(ctx context.Context, evt event.Event, partitionKey string) error {
	if b.closed.Load() {
		return ErrBusClosed
	}

	b.mu.RLock()
	var subs []*localSubscription
	for _, sub := range b.subs {
		if sub.pattern.Matches(evt.Type()) {
			subs = append(subs, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		lane := sub.partitions[partitionFor(partitionKey, len(sub.partitions))]
		select {
		case lane <- evt:
		case <-sub.ctx.Done():
			// Unsubscribed while publishing; nothing to deliver to.
		case <-ctx.Done():
			return ctx.Err()
		case <-b.ctx.Done():
			return ErrBusClosed
		}
	}
	return nil
}

// Subscribe implements Bus.
func (b *LocalBus) Subscribe(pattern string, handler event.Handler, opts ...SubscribeOption) (Subscription, error) {
	if b.closed.Load() {
		return nil, ErrBusClosed
	}
	p, err := event.ParsePattern(pattern)
	if err != nil {
		return nil, err
	}

	var o subscribeOptions
	for _, opt := range opts {
		opt(&o)
	}

	id := b.nextID.Add(1)
	if o.name == "" {
		o.name = fmt.Sprintf("local-%d", id)
	}

	ctx, cancel := context.WithCancel(b.ctx)
	sub := &localSubscription{
		id:         id,
		name:       o.name,
		pattern:    p,
		partitions: make([]chan event.Event, b.config.Partitions),
		deliverer: &deliverer{
			subscription: o.name,
			handler:      handler,
			config:       b.config.Redelivery,
			logger:       b.config.Logger,
			onDrop:       b.config.OnDrop,
		},
		ctx:    ctx,
		cancel: cancel,
		bus:    b,
	}
	for i := range sub.partitions {
		sub.partitions[i] = make(chan event.Event, b.config.BufferSize)
	}

	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()

	for i := range sub.partitions {
		b.wg.Add(1)
		go sub.process(sub.partitions[i])
	}
	return sub, nil
}

// process handles one partition. Messages still queued when the
// subscription stops are dropped with the in-memory bus.
func (s *localSubscription) process(lane chan event.Event) {
	defer s.bus.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case evt := <-lane:
			if err := s.deliverer.deliver(s.ctx, evt); err != nil {
				return
			}
		}
	}
}

// Name implements Subscription.
func (s *localSubscription) Name() string { return s.name }

// Unsubscribe implements Subscription.
func (s *localSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		s.bus.mu.Unlock()
		s.cancel()
	})
}

// Close implements Bus. It cancels in-flight handlers and waits for the
// partition goroutines to exit.
func (b *LocalBus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil // Already closed
	}
	b.cancel()
	b.wg.Wait()
	return nil
}

// partitionFor maps a partition key to a lane with FNV-1a.
func partitionFor(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

// Compile-time interface check
var _ Bus = (*LocalBus)(nil)
