package outbox

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	cerrors "github.com/randalmurphal/conduit/pkg/conduit/errors"
	"github.com/randalmurphal/conduit/pkg/conduit/event"
	"github.com/randalmurphal/conduit/pkg/conduit/observability"
)

// EventPublisher is the bus side of the Publisher. Publish returns nil only
// once the bus has acknowledged the event.
type EventPublisher interface {
	Publish(ctx context.Context, evt event.Event, partitionKey string) error
}

// PublisherConfig configures the Publisher.
type PublisherConfig struct {
	// PollInterval is how often the outbox is drained (default: 1s).
	PollInterval time.Duration

	// BatchSize is the number of records fetched per query (default: 100).
	BatchSize int

	// Retry controls backoff and the attempt count before a record is
	// abandoned as FAILED (default: cerrors.DefaultRetry).
	Retry cerrors.RetryConfig

	// Retention is how long PUBLISHED records are kept. Zero disables purging.
	Retention time.Duration

	// PurgeInterval is how often old records are purged (default: 1h).
	PurgeInterval time.Duration
}

// DefaultPublisherConfig returns sensible defaults.
func DefaultPublisherConfig() PublisherConfig {
	return PublisherConfig{
		PollInterval:  time.Second,
		BatchSize:     100,
		Retry:         cerrors.DefaultRetry,
		Retention:     7 * 24 * time.Hour,
		PurgeInterval: time.Hour,
	}
}

// Publisher relays PENDING records to the bus on a dedicated goroutine,
// decoupled from the request path that commits them.
type Publisher struct {
	store   Store
	bus     EventPublisher
	config  PublisherConfig
	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager
	wake    chan struct{}
	now     func() time.Time
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithPublisherLogger sets the logger.
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithPublisherMetrics sets the metrics recorder.
func WithPublisherMetrics(m observability.MetricsRecorder) PublisherOption {
	return func(p *Publisher) {
		if m != nil {
			p.metrics = m
		}
	}
}

// WithPublisherSpans sets the span manager.
func WithPublisherSpans(sm observability.SpanManager) PublisherOption {
	return func(p *Publisher) {
		if sm != nil {
			p.spans = sm
		}
	}
}

// NewPublisher creates a publisher draining store into bus.
func NewPublisher(store Store, bus EventPublisher, cfg PublisherConfig, opts ...PublisherOption) *Publisher {
	def := DefaultPublisherConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Retry.MaxAttempts == 0 && cfg.Retry.InitialBackoff == 0 {
		cfg.Retry = def.Retry
	}
	if cfg.PurgeInterval <= 0 {
		cfg.PurgeInterval = def.PurgeInterval
	}

	p := &Publisher{
		store:   store,
		bus:     bus,
		config:  cfg,
		logger:  slog.Default(),
		metrics: observability.NoopMetrics{},
		spans:   observability.NoopSpanManager{},
		wake:    make(chan struct{}, 1),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Notify asks the publisher to drain now instead of waiting for the next
// tick. It never blocks; register it as an after-commit hook.
func (p *Publisher) Notify() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run drains the outbox until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	var lastPurge time.Time

	for {
		if _, err := p.PublishPending(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error("outbox drain failed", "error", err)
		}
		p.recordBacklog(ctx)

		if p.config.Retention > 0 && p.now().Sub(lastPurge) >= p.config.PurgeInterval {
			lastPurge = p.now()
			if n, err := p.store.Purge(ctx, p.now().Add(-p.config.Retention)); err != nil {
				p.logger.Warn("outbox purge failed", "error", err)
			} else if n > 0 {
				p.logger.Info("outbox purged", "records", n)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.wake:
		}
	}
}

// PublishPending drains due records once and returns how many were published.
func (p *Publisher) PublishPending(ctx context.Context) (int, error) {
	published := 0
	for rec, err := range p.store.DrainPending(ctx, p.config.BatchSize) {
		if err != nil {
			return published, err
		}
		if p.publish(ctx, rec) {
			published++
		}
	}
	return published, nil
}

func (p *Publisher) publish(ctx context.Context, rec Record) bool {
	evt := rec.Event
	ctx, span := p.spans.StartPublishSpan(ctx, evt.ID(), evt.Type())

	err := p.bus.Publish(ctx, evt, evt.AggregateID())
	p.metrics.RecordOutboxAttempt(ctx, evt.Type(), err)
	if err == nil {
		if markErr := p.store.MarkPublished(ctx, evt.ID()); markErr != nil {
			// The bus has the event; the next drain republishes it and
			// consumers dedup.
			p.logger.Error("mark published failed", "event_id", evt.ID(), "error", markErr)
			p.spans.EndSpanWithError(span, markErr)
			return false
		}
		p.metrics.RecordOutboxPublished(ctx, evt.Type())
		p.spans.AddSpanEvent(ctx, "bus.ack", attribute.String("partition_key", evt.AggregateID()))
		observability.LogPublished(p.logger, evt.ID(), evt.Type(), evt.AggregateID())
		p.spans.EndSpanWithError(span, nil)
		return true
	}

	p.spans.EndSpanWithError(span, err)
	if ctx.Err() != nil {
		// Shutdown is not the bus's fault; leave the attempt count alone.
		return false
	}

	updated, markErr := p.store.MarkFailedAttempt(ctx, evt.ID(), err, p.config.Retry)
	if markErr != nil {
		p.logger.Error("mark failed attempt failed", "event_id", evt.ID(), "error", markErr)
		return false
	}
	abandoned := updated.Status == StatusFailed
	observability.LogPublishFailure(p.logger, evt.ID(), evt.Type(), updated.Attempts, err, abandoned)
	if abandoned {
		p.metrics.RecordOutboxFailed(ctx, evt.Type())
	}
	return false
}

func (p *Publisher) recordBacklog(ctx context.Context) {
	counts, err := p.store.CountByStatus(ctx)
	if err != nil {
		return
	}
	for status, n := range counts {
		p.metrics.RecordOutboxBacklog(ctx, string(status), n)
	}
}
