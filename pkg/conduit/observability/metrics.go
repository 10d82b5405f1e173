package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Delivery outcomes reported to RecordDelivery.
const (
	OutcomeSuccess        = "success"
	OutcomeFailedTerminal = "failed_terminal"
	OutcomeRetry          = "retry"
	OutcomeSkipped        = "skipped"
	OutcomeReleased       = "released"
)

// MetricsRecorder records conduit metrics.
// Use NewMetricsRecorder() for OTel metrics, NewPrometheusMetrics for a
// Prometheus registry, or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordOutboxAttempt records one publication attempt of an outbox record.
	RecordOutboxAttempt(ctx context.Context, eventType string, err error)

	// RecordOutboxPublished records a confirmed publication.
	RecordOutboxPublished(ctx context.Context, eventType string)

	// RecordOutboxFailed records a record abandoned after max attempts.
	RecordOutboxFailed(ctx context.Context, eventType string)

	// RecordOutboxBacklog records the number of records in a status.
	RecordOutboxBacklog(ctx context.Context, status string, count int)

	// RecordDelivery records the outcome of one delivery to a consumer.
	RecordDelivery(ctx context.Context, consumer, eventType, outcome string, duration time.Duration)

	// RecordSagaTransition records a saga state change.
	RecordSagaTransition(ctx context.Context, sagaType, from, to string)

	// RecordAnomaly records a detected consistency anomaly.
	RecordAnomaly(ctx context.Context, kind string)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	outboxAttempts   metric.Int64Counter
	outboxPublished  metric.Int64Counter
	outboxFailed     metric.Int64Counter
	outboxBacklog    metric.Int64Gauge
	deliveryOutcomes metric.Int64Counter
	deliveryLatency  metric.Float64Histogram
	sagaTransitions  metric.Int64Counter
	anomalies        metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics returns the default OTel metrics instance.
// Lazily initializes the metrics on first call.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics(otel.Meter("conduit"))
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics(meter metric.Meter) (*otelMetrics, error) {
	m := &otelMetrics{}
	var err error

	if m.outboxAttempts, err = meter.Int64Counter("conduit.outbox.attempts",
		metric.WithDescription("Number of outbox publication attempts"),
	); err != nil {
		return nil, err
	}
	if m.outboxPublished, err = meter.Int64Counter("conduit.outbox.published",
		metric.WithDescription("Number of outbox records confirmed by the bus"),
	); err != nil {
		return nil, err
	}
	if m.outboxFailed, err = meter.Int64Counter("conduit.outbox.failed",
		metric.WithDescription("Number of outbox records abandoned after max attempts"),
	); err != nil {
		return nil, err
	}
	if m.outboxBacklog, err = meter.Int64Gauge("conduit.outbox.records",
		metric.WithDescription("Outbox records by status"),
	); err != nil {
		return nil, err
	}
	if m.deliveryOutcomes, err = meter.Int64Counter("conduit.delivery.outcomes",
		metric.WithDescription("Delivery outcomes by consumer"),
	); err != nil {
		return nil, err
	}
	if m.deliveryLatency, err = meter.Float64Histogram("conduit.delivery.latency_ms",
		metric.WithDescription("Delivery latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.sagaTransitions, err = meter.Int64Counter("conduit.saga.transitions",
		metric.WithDescription("Saga state transitions"),
	); err != nil {
		return nil, err
	}
	if m.anomalies, err = meter.Int64Counter("conduit.anomalies",
		metric.WithDescription("Consistency anomalies detected"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// NewMeterMetrics returns a MetricsRecorder on a specific meter.
func NewMeterMetrics(meter metric.Meter) (MetricsRecorder, error) {
	return newOtelMetrics(meter)
}

func (m *otelMetrics) RecordOutboxAttempt(ctx context.Context, eventType string, err error) {
	m.outboxAttempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.Bool("success", err == nil),
	))
}

func (m *otelMetrics) RecordOutboxPublished(ctx context.Context, eventType string) {
	m.outboxPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

func (m *otelMetrics) RecordOutboxFailed(ctx context.Context, eventType string) {
	m.outboxFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

func (m *otelMetrics) RecordOutboxBacklog(ctx context.Context, status string, count int) {
	m.outboxBacklog.Record(ctx, int64(count), metric.WithAttributes(attribute.String("status", status)))
}

func (m *otelMetrics) RecordDelivery(ctx context.Context, consumer, eventType, outcome string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("consumer", consumer),
		attribute.String("event_type", eventType),
		attribute.String("outcome", outcome),
	)
	m.deliveryOutcomes.Add(ctx, 1, attrs)
	m.deliveryLatency.Record(ctx, float64(duration.Microseconds())/1000, attrs)
}

func (m *otelMetrics) RecordSagaTransition(ctx context.Context, sagaType, from, to string) {
	m.sagaTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("saga_type", sagaType),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

func (m *otelMetrics) RecordAnomaly(ctx context.Context, kind string) {
	m.anomalies.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// MultiMetrics fans every recording out to several recorders.
type MultiMetrics []MetricsRecorder

// Compile-time interface check.
var _ MetricsRecorder = MultiMetrics(nil)

func (mm MultiMetrics) RecordOutboxAttempt(ctx context.Context, eventType string, err error) {
	for _, m := range mm {
		m.RecordOutboxAttempt(ctx, eventType, err)
	}
}

func (mm MultiMetrics) RecordOutboxPublished(ctx context.Context, eventType string) {
	for _, m := range mm {
		m.RecordOutboxPublished(ctx, eventType)
	}
}

func (mm MultiMetrics) RecordOutboxFailed(ctx context.Context, eventType string) {
	for _, m := range mm {
		m.RecordOutboxFailed(ctx, eventType)
	}
}

func (mm MultiMetrics) RecordOutboxBacklog(ctx context.Context, status string, count int) {
	for _, m := range mm {
		m.RecordOutboxBacklog(ctx, status, count)
	}
}

func (mm MultiMetrics) RecordDelivery(ctx context.Context, consumer, eventType, outcome string, duration time.Duration) {
	for _, m := range mm {
		m.RecordDelivery(ctx, consumer, eventType, outcome, duration)
	}
}

func (mm MultiMetrics) RecordSagaTransition(ctx context.Context, sagaType, from, to string) {
	for _, m := range mm {
		m.RecordSagaTransition(ctx, sagaType, from, to)
	}
}

func (mm MultiMetrics) RecordAnomaly(ctx context.Context, kind string) {
	for _, m := range mm {
		m.RecordAnomaly(ctx, kind)
	}
}
