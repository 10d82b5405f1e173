// Package monitor audits the propagation pipeline for entries that stopped
// making progress: outbox records the bus never acknowledged, sagas that
// stalled, and terminal delivery failures nobody compensates.
//
// Scans are read-only. Anomalies are handed to sinks for alerting.
package monitor

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/randalmurphal/conduit/pkg/conduit/dedup"
	"github.com/randalmurphal/conduit/pkg/conduit/event"
	"github.com/randalmurphal/conduit/pkg/conduit/outbox"
	"github.com/randalmurphal/conduit/pkg/conduit/saga"
)

// Config holds the scan thresholds.
type Config struct {
	// OutboxPendingAfter is how long a record may stay PENDING (default: 5m).
	OutboxPendingAfter time.Duration

	// SagaStaleAfter is how long a RUNNING or COMPENSATING saga may go
	// without an update (default: 15m).
	SagaStaleAfter time.Duration

	// DeliveryLookback bounds how far back terminal delivery failures are
	// read (default: 24h).
	DeliveryLookback time.Duration

	// Limit bounds the entities read per source and scan (default: 1000).
	Limit int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		OutboxPendingAfter: 5 * time.Minute,
		SagaStaleAfter:     15 * time.Minute,
		DeliveryLookback:   24 * time.Hour,
		Limit:              1000,
	}
}

// Sources are the stores a Monitor reads. Nil sources are skipped, except
// that without Sagas every terminal delivery failure is orphaned.
type Sources struct {
	Outbox     outbox.Store
	Sagas      saga.Store
	Deliveries dedup.Store
}

// Monitor scans Sources for anomalies.
type Monitor struct {
	src    Sources
	config Config
	logger *slog.Logger
	now    func() time.Time

	mu    sync.RWMutex
	sinks []Sink
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithSink adds a sink. Sinks receive every anomaly found by Run and
// every anomaly passed to Report.
func WithSink(s Sink) Option {
	return func(m *Monitor) {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
}

// WithClock sets the time source (default: time.Now in UTC).
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = func() time.Time { return now().UTC() }
		}
	}
}

// New creates a monitor.
func New(src Sources, cfg Config, opts ...Option) *Monitor {
	def := DefaultConfig()
	if cfg.OutboxPendingAfter <= 0 {
		cfg.OutboxPendingAfter = def.OutboxPendingAfter
	}
	if cfg.SagaStaleAfter <= 0 {
		cfg.SagaStaleAfter = def.SagaStaleAfter
	}
	if cfg.DeliveryLookback <= 0 {
		cfg.DeliveryLookback = def.DeliveryLookback
	}
	if cfg.Limit <= 0 {
		cfg.Limit = def.Limit
	}

	m := &Monitor{
		src:    src,
		config: cfg,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddSink registers a sink after construction.
func (m *Monitor) AddSink(s Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, s)
}

// Scan returns the current anomalies, one per offending entity, ordered by
// kind then by how long they have been stuck. A failing source does not
// hide the anomalies of the others; its error is returned alongside them.
func (m *Monitor) Scan(ctx context.Context) ([]Anomaly, error) {
	now := m.now()
	found := make(map[string]Anomaly)
	add := func(a Anomaly) {
		a.DetectedAt = now
		if _, dup := found[a.key()]; !dup {
			found[a.key()] = a
		}
	}

	var errs []error
	if m.src.Outbox != nil {
		if err := m.scanOutbox(ctx, now, add); err != nil {
			errs = append(errs, err)
		}
	}
	if m.src.Sagas != nil {
		if err := m.scanSagas(ctx, now, add); err != nil {
			errs = append(errs, err)
		}
	}
	if m.src.Deliveries != nil {
		if err := m.scanDeliveries(ctx, now, add); err != nil {
			errs = append(errs, err)
		}
	}

	out := make([]Anomaly, 0, len(found))
	for _, a := range found {
		out = append(out, a)
	}
	slices.SortFunc(out, func(a, b Anomaly) int {
		return cmp.Or(
			cmp.Compare(a.Kind, b.Kind),
			a.Since.Compare(b.Since),
			cmp.Compare(a.ID, b.ID),
		)
	})
	return out, errors.Join(errs...)
}

func (m *Monitor) scanOutbox(ctx context.Context, now time.Time, add func(Anomaly)) error {
	stuck, err := m.src.Outbox.ListByStatus(ctx, outbox.StatusPending, now.Add(-m.config.OutboxPendingAfter), m.config.Limit)
	if err != nil {
		return fmt.Errorf("scan pending outbox: %w", err)
	}
	for _, rec := range stuck {
		detail := fmt.Sprintf("%s pending after %d attempts", rec.Event.Type(), rec.Attempts)
		if rec.LastError != "" {
			detail += ": " + rec.LastError
		}
		add(Anomaly{
			Kind:          KindStuckOutboxEntry,
			ID:            rec.Event.ID(),
			CorrelationID: rec.Event.CorrelationID(),
			Since:         rec.CreatedAt,
			Detail:        detail,
		})
	}

	failed, err := m.src.Outbox.ListByStatus(ctx, outbox.StatusFailed, time.Time{}, m.config.Limit)
	if err != nil {
		return fmt.Errorf("scan failed outbox: %w", err)
	}
	for _, rec := range failed {
		add(Anomaly{
			Kind:          KindFailedOutboxEntry,
			ID:            rec.Event.ID(),
			CorrelationID: rec.Event.CorrelationID(),
			Since:         rec.CreatedAt,
			Detail:        fmt.Sprintf("%s abandoned after %d attempts: %s", rec.Event.Type(), rec.Attempts, rec.LastError),
		})
	}
	return nil
}

func (m *Monitor) scanSagas(ctx context.Context, now time.Time, add func(Anomaly)) error {
	stale, err := m.src.Sagas.List(ctx, saga.Filter{
		States:        []saga.State{saga.StateRunning, saga.StateCompensating},
		UpdatedBefore: now.Add(-m.config.SagaStaleAfter),
		Limit:         m.config.Limit,
	})
	if err != nil {
		return fmt.Errorf("scan sagas: %w", err)
	}
	for _, inst := range stale {
		add(Anomaly{
			Kind:          KindStaleSaga,
			ID:            inst.ID,
			CorrelationID: inst.ID,
			Since:         inst.UpdatedAt,
			Detail:        fmt.Sprintf("%s %s at step %d", inst.Type, inst.State, inst.CurrentStep),
		})
	}
	return nil
}

func (m *Monitor) scanDeliveries(ctx context.Context, now time.Time, add func(Anomaly)) error {
	failures, err := m.src.Deliveries.ListTerminal(ctx, now.Add(-m.config.DeliveryLookback), m.config.Limit)
	if err != nil {
		return fmt.Errorf("scan deliveries: %w", err)
	}
	for _, rec := range failures {
		orphaned, err := m.orphaned(ctx, rec)
		if err != nil {
			return err
		}
		if !orphaned {
			continue
		}
		add(Anomaly{
			Kind:          KindOrphanedDeliveryFailure,
			ID:            rec.ConsumerID + "/" + rec.EventID,
			CorrelationID: rec.CorrelationID,
			Since:         rec.ProcessedAt,
			Detail:        rec.Error,
		})
	}
	return nil
}

// orphaned reports whether no saga exists for the delivery's correlation id.
func (m *Monitor) orphaned(ctx context.Context, rec dedup.Record) (bool, error) {
	if m.src.Sagas == nil || rec.CorrelationID == "" {
		return true, nil
	}
	_, err := m.src.Sagas.Get(ctx, rec.CorrelationID)
	switch {
	case err == nil:
		return false, nil
	case errors.Is(err, saga.ErrNotFound):
		return true, nil
	default:
		return false, fmt.Errorf("look up saga %s: %w", rec.CorrelationID, err)
	}
}

// Run scans every interval until ctx is cancelled and reports each anomaly
// to the sinks. The first scan happens immediately.
func (m *Monitor) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		anomalies, err := m.Scan(ctx)
		if err != nil && ctx.Err() == nil {
			m.logger.Error("consistency scan failed", "error", err)
		}
		for _, a := range anomalies {
			m.Report(ctx, a)
		}
		m.logger.Debug("consistency scan complete", "anomalies", len(anomalies))

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Report forwards an anomaly to every sink.
func (m *Monitor) Report(ctx context.Context, a Anomaly) {
	if a.DetectedAt.IsZero() {
		a.DetectedAt = m.now()
	}
	m.mu.RLock()
	sinks := slices.Clone(m.sinks)
	m.mu.RUnlock()
	for _, s := range sinks {
		s.Report(ctx, a)
	}
}

// ReportSchemaViolation reports an event rejected by the schema registry.
// It lets the Monitor serve as the dispatcher's violation reporter.
func (m *Monitor) ReportSchemaViolation(ctx context.Context, evt event.Event, cause error) {
	detail := evt.Type()
	if cause != nil {
		detail += ": " + cause.Error()
	}
	m.Report(ctx, Anomaly{
		Kind:          KindSchemaViolation,
		ID:            evt.ID(),
		CorrelationID: evt.CorrelationID(),
		Since:         evt.OccurredAt(),
		Detail:        detail,
	})
}
