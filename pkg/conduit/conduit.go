package conduit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/conduit/pkg/conduit/bus"
	"github.com/randalmurphal/conduit/pkg/conduit/dispatch"
	"github.com/randalmurphal/conduit/pkg/conduit/event"
	"github.com/randalmurphal/conduit/pkg/conduit/monitor"
	"github.com/randalmurphal/conduit/pkg/conduit/observability"
	"github.com/randalmurphal/conduit/pkg/conduit/outbox"
	"github.com/randalmurphal/conduit/pkg/conduit/saga"
)

// Sentinel errors for the runtime lifecycle.
var (
	// ErrStarted indicates a binding or saga was added after Start.
	ErrStarted = errors.New("runtime already started")

	// ErrNotStarted indicates Close was called before Start.
	ErrNotStarted = errors.New("runtime not started")

	// ErrNoSagaStore indicates sagas were registered without Stores.Sagas.
	ErrNoSagaStore = errors.New("sagas need a saga store")
)

// sagaConsumer is the handler name of the saga coordinator's bindings.
const sagaConsumer = "saga-coordinator"

// Config configures a Runtime. Zero values take the component defaults.
type Config struct {
	Publisher outbox.PublisherConfig
	Dispatch  dispatch.Config
	Monitor   monitor.Config

	// ScanInterval is how often the monitor scans. Zero disables the
	// periodic scan; Monitor().Scan still works.
	ScanInterval time.Duration

	// SagaRetention is how long finished sagas are kept. Zero keeps them.
	SagaRetention time.Duration

	// ArchiveInterval is how often finished sagas are archived (default: 1h).
	ArchiveInterval time.Duration
}

// Runtime runs the event engine for one bounded context: it publishes the
// context's outbox to the bus, dispatches inbound events to its bindings,
// coordinates its sagas and monitors its stores.
type Runtime struct {
	name    string
	id      string
	bus     bus.Bus
	stores  Stores
	config  Config
	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager
	sinks   []monitor.Sink
	mw      []event.MiddlewareFunc

	mu          sync.Mutex
	builder     *dispatch.Builder
	sagaDefs    []*saga.Definition
	started     bool
	closed      bool
	coordinator *saga.Coordinator
	dispatcher  *dispatch.Dispatcher
	publisher   *outbox.Publisher
	monitor     *monitor.Monitor
	sub         bus.Subscription
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runtime) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder used by every component.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(r *Runtime) {
		if m != nil {
			r.metrics = m
		}
	}
}

// WithSpans sets the span manager.
func WithSpans(sm observability.SpanManager) Option {
	return func(r *Runtime) {
		if sm != nil {
			r.spans = sm
		}
	}
}

// WithSchemas validates inbound events against reg. The DeliveryFailed
// schema is added to it.
func WithSchemas(reg *event.SchemaRegistry) Option {
	return func(r *Runtime) {
		r.config.Dispatch.Registry = reg
	}
}

// WithSink adds a monitor sink. Without sinks anomalies are logged and
// counted.
func WithSink(s monitor.Sink) Option {
	return func(r *Runtime) {
		if s != nil {
			r.sinks = append(r.sinks, s)
		}
	}
}

// WithHandlerMiddleware wraps every handler invocation of the runtime's
// dispatcher.
func WithHandlerMiddleware(mw ...event.MiddlewareFunc) Option {
	return func(r *Runtime) {
		r.mw = append(r.mw, mw...)
	}
}

// New creates a runtime for the bounded context name.
func New(name string, b bus.Bus, stores Stores, cfg Config, opts ...Option) (*Runtime, error) {
	if name == "" {
		return nil, errors.New("bounded context name is required")
	}
	if b == nil {
		return nil, errors.New("bus is required")
	}
	if stores.Outbox == nil || stores.Dedup == nil {
		return nil, errors.New("outbox and dedup stores are required")
	}
	if cfg.ArchiveInterval <= 0 {
		cfg.ArchiveInterval = time.Hour
	}

	r := &Runtime{
		name:    name,
		id:      uuid.NewString(),
		bus:     b,
		stores:  stores,
		config:  cfg,
		logger:  slog.Default(),
		metrics: observability.NoopMetrics{},
		spans:   observability.NoopSpanManager{},
		builder: dispatch.NewBuilder(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("context", name)

	if reg := r.config.Dispatch.Registry; reg != nil && !reg.Has(DeliveryFailed) {
		if err := reg.Register(DeliveryFailedSchema); err != nil {
			return nil, fmt.Errorf("register %s schema: %w", DeliveryFailed, err)
		}
	}

	r.publisher = outbox.NewPublisher(stores.Outbox, b, cfg.Publisher,
		outbox.WithPublisherLogger(r.logger),
		outbox.WithPublisherMetrics(r.metrics),
		outbox.WithPublisherSpans(r.spans),
	)

	sinks := r.sinks
	if len(sinks) == 0 {
		sinks = []monitor.Sink{monitor.LogSink{Logger: r.logger}, monitor.MetricsSink{Metrics: r.metrics}}
	}
	monOpts := []monitor.Option{monitor.WithLogger(r.logger)}
	for _, s := range sinks {
		monOpts = append(monOpts, monitor.WithSink(s))
	}
	r.monitor = monitor.New(monitor.Sources{
		Outbox:     stores.Outbox,
		Sagas:      stores.Sagas,
		Deliveries: stores.Dedup,
	}, cfg.Monitor, monOpts...)

	return r, nil
}

// Name returns the bounded context name.
func (r *Runtime) Name() string { return r.name }

// ID returns the unique id of this runtime instance.
func (r *Runtime) ID() string { return r.id }

// Bind routes events matching pattern to handler as the consumer
// "<context>/<name>". It must be called before Start.
func (r *Runtime) Bind(pattern, name string, handler event.Handler, opts ...dispatch.BindingOption) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.closed {
		return ErrStarted
	}
	r.builder.Register(pattern, r.name, name, handler, opts...)
	return nil
}

// BindAll binds every binding of bs that belongs to this context, keeping
// its timeout and retry policy. Bindings of other contexts are skipped, so
// one bindings file can serve every runtime. It returns the number bound
// and must be called before Start.
func (r *Runtime) BindAll(bs *dispatch.Bindings) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.closed {
		return 0, ErrStarted
	}
	if bs == nil {
		return 0, nil
	}
	n := 0
	for _, b := range bs.All() {
		if b.Context != r.name {
			continue
		}
		var opts []dispatch.BindingOption
		if b.Timeout > 0 {
			opts = append(opts, dispatch.WithTimeout(b.Timeout))
		}
		if b.Retry.MaxAttempts > 0 {
			opts = append(opts, dispatch.WithRetry(b.Retry))
		}
		r.builder.Register(b.Pattern.String(), r.name, b.Name, b.Handler, opts...)
		n++
	}
	return n, nil
}

// RegisterSaga makes the runtime coordinate def. It must be called before
// Start.
func (r *Runtime) RegisterSaga(def *saga.Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.closed {
		return ErrStarted
	}
	if r.stores.Sagas == nil {
		return ErrNoSagaStore
	}
	if err := def.Validate(); err != nil {
		return err
	}
	r.sagaDefs = append(r.sagaDefs, def)
	return nil
}

// CommitWithEvent atomically applies change and appends events to the
// context's outbox, then wakes the publisher. A failure is returned as an
// outbox commit failure and nothing is visible.
func (r *Runtime) CommitWithEvent(ctx context.Context, change outbox.StateChange, events ...event.Event) ([]outbox.Record, error) {
	recs, err := r.stores.Outbox.CommitWithEvent(ctx, change, events...)
	if err != nil {
		return nil, err
	}
	if len(recs) > 0 {
		r.publisher.Notify()
	}
	return recs, nil
}

// Start recovers interrupted sagas, subscribes to the bus and starts the
// publisher and the monitor. Background work stops on Close or when ctx is
// cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.closed {
		return ErrStarted
	}

	dispOpts := []dispatch.Option{
		dispatch.WithLogger(r.logger),
		dispatch.WithMetrics(r.metrics),
		dispatch.WithSpans(r.spans),
		dispatch.WithViolationReporter(r.monitor),
		dispatch.WithMiddleware(r.mw...),
	}
	if len(r.sagaDefs) > 0 {
		r.coordinator = saga.NewCoordinator(r.stores.Sagas, notifyingOutbox{Store: r.stores.Outbox, rt: r},
			saga.WithLogger(r.logger), saga.WithMetrics(r.metrics))
		for _, def := range r.sagaDefs {
			if err := r.coordinator.Register(def); err != nil {
				return err
			}
		}
		for _, trigger := range r.coordinator.Triggers() {
			r.builder.Register(trigger, r.name, sagaConsumer, r.coordinator)
		}
		r.builder.Register(DeliveryFailed, r.name, sagaConsumer+"-failures", compensationTrigger(r.coordinator))
		dispOpts = append(dispOpts, dispatch.WithTerminalSink(r.coordinator))
	}
	dispOpts = append(dispOpts, dispatch.WithTerminalSink(failureRelay{rt: r}))

	bindings, err := r.builder.Build()
	if err != nil {
		return fmt.Errorf("bindings: %w", err)
	}
	r.dispatcher = dispatch.New(bindings, r.stores.Dedup, r.config.Dispatch, dispOpts...)

	if r.coordinator != nil {
		n, err := r.coordinator.Recover(ctx)
		if err != nil {
			r.logger.Error("saga recovery incomplete", "recovered", n, "error", err)
		} else if n > 0 {
			r.logger.Info("sagas recovered", "count", n)
		}
	}

	if bindings.Len() > 0 {
		sub, err := r.bus.Subscribe("*", r.dispatcher, bus.WithName(r.name))
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", r.name, err)
		}
		r.sub = sub
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel
	context.AfterFunc(ctx, cancel)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.publisher.Run(runCtx)
	}()
	if r.config.ScanInterval > 0 {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.monitor.Run(runCtx, r.config.ScanInterval)
		}()
	}
	if r.coordinator != nil && r.config.SagaRetention > 0 {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.archiveLoop(runCtx)
		}()
	}

	r.started = true
	r.logger.Info("runtime started", "runtime_id", r.id, "bindings", bindings.Len(), "sagas", len(r.sagaDefs))
	return nil
}

func (r *Runtime) archiveLoop(ctx context.Context) {
	ticker := time.NewTicker(r.config.ArchiveInterval)
	defer ticker.Stop()
	for {
		if n, err := r.coordinator.Archive(ctx, r.config.SagaRetention); err != nil {
			r.logger.Warn("saga archive failed", "error", err)
		} else if n > 0 {
			r.logger.Info("sagas archived", "count", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Close unsubscribes from the bus and stops background work. In-flight
// handlers are cancelled by the bus and their events redelivered later.
// The bus and the stores stay open.
func (r *Runtime) Close() error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return ErrNotStarted
	}
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	sub, cancel := r.sub, r.cancel
	r.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	cancel()
	r.wg.Wait()
	r.logger.Info("runtime stopped", "runtime_id", r.id)
	return nil
}

// PublishPending drains the outbox once. Useful in tests and one-shot
// tools.
func (r *Runtime) PublishPending(ctx context.Context) (int, error) {
	return r.publisher.PublishPending(ctx)
}

// Coordinator returns the saga coordinator, or nil before Start or when no
// saga is registered.
func (r *Runtime) Coordinator() *saga.Coordinator {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.coordinator
}

// Dispatcher returns the dispatcher, or nil before Start.
func (r *Runtime) Dispatcher() *dispatch.Dispatcher {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dispatcher
}

// Monitor returns the consistency monitor.
func (r *Runtime) Monitor() *monitor.Monitor { return r.monitor }

// Stores returns the runtime's stores.
func (r *Runtime) Stores() Stores { return r.stores }

// notifyingOutbox wakes the publisher after saga commits.
type notifyingOutbox struct {
	outbox.Store
	rt *Runtime
}

func (n notifyingOutbox) CommitWithEvent(ctx context.Context, change outbox.StateChange, events ...event.Event) ([]outbox.Record, error) {
	return n.rt.CommitWithEvent(ctx, change, events...)
}

// The dispatcher is subscribed as the bus handler and receives undecodable
// messages from it.
var _ bus.ViolationReporter = (*dispatch.Dispatcher)(nil)
