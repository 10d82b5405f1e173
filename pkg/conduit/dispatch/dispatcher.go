package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/randalmurphal/conduit/pkg/conduit/dedup"
	cerrors "github.com/randalmurphal/conduit/pkg/conduit/errors"
	"github.com/randalmurphal/conduit/pkg/conduit/event"
	"github.com/randalmurphal/conduit/pkg/conduit/observability"
)

// ErrInProgress is returned for a binding whose delivery is leased by
// another worker. The bus redelivers the event later.
var ErrInProgress = errors.New("delivery in progress elsewhere")

// TerminalSink is told about deliveries that ended FAILED_TERMINAL.
// The saga coordinator implements it to start compensation. A sink error
// keeps the delivery open: the claim is released and the failure is
// reported again on redelivery, so sinks must tolerate repeats.
type TerminalSink interface {
	OnTerminalFailure(ctx context.Context, evt event.Event, consumerID string, cause error) error
}

// ViolationReporter receives events rejected by the schema registry.
type ViolationReporter interface {
	ReportSchemaViolation(ctx context.Context, evt event.Event, cause error)
}

// Config configures a Dispatcher.
type Config struct {
	// Timeout bounds one handler invocation unless the binding sets its own.
	// Default: 30s
	Timeout time.Duration

	// Retry is the in-process retry policy for transient handler errors.
	// Default: 3 attempts, 100ms initial backoff.
	Retry cerrors.RetryConfig

	// LeaseTTL is the dedup claim lease. It should exceed the worst case
	// time of all attempts of one binding.
	// Default: 5m
	LeaseTTL time.Duration

	// Registry validates every event before any binding runs. Optional.
	Registry *event.SchemaRegistry
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	Timeout: 30 * time.Second,
	Retry: cerrors.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		BackoffFactor:  2.0,
		Jitter:         0.1,
	},
	LeaseTTL: 5 * time.Minute,
}

// Dispatcher delivers events to bindings.
type Dispatcher struct {
	bindings   *Bindings
	dedup      dedup.Store
	config     Config
	logger     *slog.Logger
	metrics    observability.MetricsRecorder
	spans      observability.SpanManager
	terminal   []TerminalSink
	violations ViolationReporter
	middleware []event.MiddlewareFunc
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(d *Dispatcher) {
		if m != nil {
			d.metrics = m
		}
	}
}

// WithSpans sets the span manager.
func WithSpans(sm observability.SpanManager) Option {
	return func(d *Dispatcher) {
		if sm != nil {
			d.spans = sm
		}
	}
}

// WithTerminalSink adds a sink for terminal delivery failures.
func WithTerminalSink(sink TerminalSink) Option {
	return func(d *Dispatcher) {
		if sink != nil {
			d.terminal = append(d.terminal, sink)
		}
	}
}

// WithViolationReporter sets where schema violations are reported.
func WithViolationReporter(r ViolationReporter) Option {
	return func(d *Dispatcher) {
		d.violations = r
	}
}

// WithMiddleware wraps every handler invocation, first middleware
// outermost. Middleware runs inside the dedup claim and the retry loop, once
// per attempt.
func WithMiddleware(mw ...event.MiddlewareFunc) Option {
	return func(d *Dispatcher) {
		d.middleware = append(d.middleware, mw...)
	}
}

// New creates a dispatcher for bindings guarded by store.
func New(bindings *Bindings, store dedup.Store, cfg Config, opts ...Option) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig.Timeout
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultConfig.Retry
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultConfig.LeaseTTL
	}
	if bindings == nil {
		bindings = &Bindings{}
	}

	d := &Dispatcher{
		bindings: bindings,
		dedup:    store,
		config:   cfg,
		logger:   slog.Default(),
		metrics:  observability.NoopMetrics{},
		spans:    observability.NoopSpanManager{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Bindings returns the dispatcher's binding set.
func (d *Dispatcher) Bindings() *Bindings {
	return d.bindings
}

// Handle implements event.Handler so a dispatcher can be subscribed to a bus.
func (d *Dispatcher) Handle(ctx context.Context, evt event.Event) error {
	return d.Dispatch(ctx, evt)
}

// Dispatch delivers evt to every matching binding.
//
// It returns nil once every binding resolved (succeeded, failed terminally,
// or was already resolved earlier). Schema violations are returned as
// non-retryable errors. Any other failure is returned as a transient error
// so the bus redelivers; resolved bindings are skipped on redelivery.
func (d *Dispatcher) Dispatch(ctx context.Context, evt event.Event) (err error) {
	ctx, span := d.spans.StartDispatchSpan(ctx, evt.ID(), evt.Type())
	defer func() { d.spans.EndSpanWithError(span, err) }()

	matched := d.bindings.Match(evt.Type())
	if len(matched) == 0 {
		d.spans.AddSpanEvent(ctx, "no_bindings")
		return nil
	}

	// Only events this context consumes are held to its registry.
	if d.config.Registry != nil {
		if verr := d.config.Registry.Validate(evt); verr != nil {
			d.ReportSchemaViolation(ctx, evt, verr)
			return verr
		}
	}

	errs := make([]error, len(matched))
	var wg sync.WaitGroup
	for i, b := range matched {
		wg.Add(1)
		go func(i int, b Binding) {
			defer wg.Done()
			errs[i] = d.deliver(ctx, b, evt)
		}(i, b)
	}
	wg.Wait()

	if joined := errors.Join(errs...); joined != nil {
		return cerrors.Transient(joined, "dispatch "+evt.ID())
	}
	return nil
}

// ReportSchemaViolation logs a rejected event and forwards it to the
// violation reporter, or counts it when there is none. The bus uses it for
// messages it cannot decode.
func (d *Dispatcher) ReportSchemaViolation(ctx context.Context, evt event.Event, cause error) {
	observability.LogSchemaViolation(d.logger, evt.ID(), evt.Type(), cause)
	if d.violations != nil {
		d.violations.ReportSchemaViolation(ctx, evt, cause)
		return
	}
	d.metrics.RecordAnomaly(ctx, "schema_violation")
}

// deliver runs one binding under a dedup claim.
func (d *Dispatcher) deliver(ctx context.Context, b Binding, evt event.Event) error {
	consumer := b.ConsumerID()
	start := time.Now()

	claim, ok, err := d.dedup.TryClaim(ctx, consumer, evt.ID(), evt.CorrelationID(), d.config.LeaseTTL)
	if err != nil {
		return fmt.Errorf("%s: claim: %w", consumer, err)
	}
	if !ok {
		return d.unclaimed(ctx, consumer, evt)
	}

	logger := observability.EnrichLogger(d.logger, consumer, evt.ID(), evt.Type(), 0)
	retry := d.config.Retry
	if b.Retry.MaxAttempts > 0 {
		retry = b.Retry
	}
	timeout := d.config.Timeout
	if b.Timeout > 0 {
		timeout = b.Timeout
	}

	result := cerrors.WithRetryContext(ctx, retry, func(ctx context.Context, attempt int) (struct{}, error) {
		herr := d.invoke(ctx, b, evt, attempt, timeout)
		if herr != nil {
			willRetry := attempt < retry.MaxAttempts && cerrors.IsRetryable(herr) && ctx.Err() == nil
			observability.LogDeliveryFailure(logger, consumer, evt.ID(), attempt, herr, willRetry)
			if willRetry {
				d.metrics.RecordDelivery(ctx, consumer, evt.Type(), observability.OutcomeRetry, time.Since(start))
			}
		}
		return struct{}{}, herr
	})

	// Bookkeeping must survive the cancellation of the delivery itself.
	bg := context.WithoutCancel(ctx)

	switch {
	case result.Err == nil:
		if ferr := d.finalize(bg, claim, dedup.OutcomeSuccess, ""); ferr != nil {
			return fmt.Errorf("%s: %w", consumer, ferr)
		}
		d.metrics.RecordDelivery(bg, consumer, evt.Type(), observability.OutcomeSuccess, time.Since(start))
		observability.LogDeliveryComplete(logger, consumer, evt.ID(), observability.OutcomeSuccess, time.Since(start))
		return nil

	case ctx.Err() != nil:
		d.release(bg, logger, claim)
		d.metrics.RecordDelivery(bg, consumer, evt.Type(), observability.OutcomeReleased, time.Since(start))
		observability.LogDeliveryComplete(logger, consumer, evt.ID(), observability.OutcomeReleased, time.Since(start))
		return fmt.Errorf("%s: %w", consumer, ctx.Err())

	default:
		// Terminal, schema violation, or retries exhausted. The sinks run
		// before the outcome is recorded; a delivery is only final once
		// every sink has taken the failure.
		var serrs []error
		for _, sink := range d.terminal {
			if serr := sink.OnTerminalFailure(bg, evt, consumer, result.Err); serr != nil {
				serrs = append(serrs, serr)
			}
		}
		if len(serrs) > 0 {
			serr := errors.Join(serrs...)
			logger.Warn("terminal failure not handled", "error", serr)
			d.release(bg, logger, claim)
			d.metrics.RecordDelivery(bg, consumer, evt.Type(), observability.OutcomeReleased, time.Since(start))
			return fmt.Errorf("%s: %w", consumer, cerrors.Transient(serr, "terminal failure not handled"))
		}
		if ferr := d.finalize(bg, claim, dedup.OutcomeFailedTerminal, result.Err.Error()); ferr != nil {
			return fmt.Errorf("%s: %w", consumer, ferr)
		}
		d.metrics.RecordDelivery(bg, consumer, evt.Type(), observability.OutcomeFailedTerminal, time.Since(start))
		logger.Error("delivery failed terminally", "attempts", result.Attempts, "error", result.Err)
		return nil
	}
}

func (d *Dispatcher) release(ctx context.Context, logger *slog.Logger, claim dedup.Claim) {
	if err := d.dedup.Release(ctx, claim); err != nil && !errors.Is(err, dedup.ErrLeaseLost) {
		logger.Warn("release claim failed", "error", err)
	}
}

// unclaimed decides what a lost claim means: a finalized record is already
// resolved, an active lease belongs to another worker.
func (d *Dispatcher) unclaimed(ctx context.Context, consumer string, evt event.Event) error {
	rec, err := d.dedup.Get(ctx, consumer, evt.ID())
	if err == nil && rec.Outcome.IsFinal() {
		d.metrics.RecordDelivery(ctx, consumer, evt.Type(), observability.OutcomeSkipped, 0)
		d.logger.Debug("delivery already resolved",
			"consumer", consumer, "event_id", evt.ID(), "outcome", string(rec.Outcome))
		return nil
	}
	if err != nil && !errors.Is(err, dedup.ErrNotFound) {
		return fmt.Errorf("%s: lookup: %w", consumer, err)
	}
	return fmt.Errorf("%s: %w", consumer, ErrInProgress)
}

func (d *Dispatcher) finalize(ctx context.Context, claim dedup.Claim, outcome dedup.Outcome, msg string) error {
	err := d.dedup.Finalize(ctx, claim, outcome, msg)
	if errors.Is(err, dedup.ErrLeaseLost) {
		// Another worker took the expired lease over. Nothing is acked here;
		// the redelivery finds that worker's record and settles on it.
		d.logger.Warn("lease lost before finalize",
			"consumer", claim.ConsumerID, "event_id", claim.EventID, "outcome", string(outcome))
		return fmt.Errorf("finalize: %w", cerrors.Transient(err, "lease lost"))
	}
	if err != nil {
		d.logger.Error("finalize delivery failed",
			"consumer", claim.ConsumerID, "event_id", claim.EventID, "outcome", string(outcome), "error", err)
		return fmt.Errorf("finalize: %w", err)
	}
	return nil
}

func (d *Dispatcher) invoke(ctx context.Context, b Binding, evt event.Event, attempt int, timeout time.Duration) (err error) {
	ctx, span := d.spans.StartHandleSpan(ctx, b.ConsumerID(), evt.ID(), attempt)
	defer func() { d.spans.EndSpanWithError(span, err) }()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = cerrors.Transient(fmt.Errorf("handler panicked: %v", r), b.ConsumerID())
			d.spans.AddSpanEvent(ctx, "panic", attribute.String("consumer", b.ConsumerID()))
		}
	}()
	ctx = withConsumer(ctx, b.ConsumerID())
	return event.ChainMiddleware(b.Handler, d.middleware...).Handle(ctx, evt)
}
