package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/randalmurphal/conduit/pkg/conduit/observability"
)

// Kind classifies an anomaly.
type Kind string

// Anomaly kinds.
const (
	// KindStuckOutboxEntry is a PENDING outbox record older than the threshold.
	KindStuckOutboxEntry Kind = "stuck_outbox_entry"

	// KindFailedOutboxEntry is an outbox record abandoned after max attempts.
	KindFailedOutboxEntry Kind = "failed_outbox_entry"

	// KindStaleSaga is a RUNNING or COMPENSATING saga not updated within the
	// threshold.
	KindStaleSaga Kind = "stale_saga"

	// KindOrphanedDeliveryFailure is a terminally failed delivery that no
	// saga will compensate.
	KindOrphanedDeliveryFailure Kind = "orphaned_delivery_failure"

	// KindSchemaViolation is an inbound event rejected by the schema registry.
	KindSchemaViolation Kind = "schema_violation"
)

// Anomaly is one inconsistency that needs operational attention.
type Anomaly struct {
	Kind Kind `json:"kind"`

	// ID identifies the offending entity: an event id, a saga id, or
	// consumer/event for a delivery.
	ID string `json:"id"`

	// CorrelationID ties the anomaly to a causal chain, when known.
	CorrelationID string `json:"correlation_id,omitempty"`

	// Since is when the entity last made progress.
	Since time.Time `json:"since"`

	// DetectedAt is when the anomaly was observed.
	DetectedAt time.Time `json:"detected_at"`

	Detail string `json:"detail,omitempty"`
}

// Age is how long the entity has been stuck at detection time.
func (a Anomaly) Age() time.Duration {
	if a.Since.IsZero() {
		return 0
	}
	return a.DetectedAt.Sub(a.Since)
}

func (a Anomaly) String() string {
	return fmt.Sprintf("%s %s (%s)", a.Kind, a.ID, a.Detail)
}

func (a Anomaly) key() string {
	return string(a.Kind) + "|" + a.ID
}

// Sink receives anomalies. Implementations must not block for long.
type Sink interface {
	Report(ctx context.Context, a Anomaly)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, a Anomaly)

// Report implements Sink.
func (f SinkFunc) Report(ctx context.Context, a Anomaly) { f(ctx, a) }

// LogSink writes anomalies to a logger at warn level.
type LogSink struct {
	Logger *slog.Logger
}

// Report implements Sink.
func (s LogSink) Report(ctx context.Context, a Anomaly) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.WarnContext(ctx, "consistency anomaly",
		slog.String("kind", string(a.Kind)),
		slog.String("id", a.ID),
		slog.String("correlation_id", a.CorrelationID),
		slog.Duration("age", a.Age()),
		slog.String("detail", a.Detail),
	)
}

// MetricsSink counts anomalies by kind.
type MetricsSink struct {
	Metrics observability.MetricsRecorder
}

// Report implements Sink.
func (s MetricsSink) Report(ctx context.Context, a Anomaly) {
	if s.Metrics != nil {
		s.Metrics.RecordAnomaly(ctx, string(a.Kind))
	}
}
