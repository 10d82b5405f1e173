package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics implements MetricsRecorder with Prometheus collectors.
type PrometheusMetrics struct {
	outboxAttempts   *prometheus.CounterVec
	outboxPublished  *prometheus.CounterVec
	outboxFailed     *prometheus.CounterVec
	outboxBacklog    *prometheus.GaugeVec
	deliveryOutcomes *prometheus.CounterVec
	deliveryLatency  *prometheus.HistogramVec
	sagaTransitions  *prometheus.CounterVec
	anomalies        *prometheus.CounterVec
}

// Compile-time interface check.
var _ MetricsRecorder = (*PrometheusMetrics)(nil)

// NewPrometheusMetrics creates the collectors and registers them with r.
func NewPrometheusMetrics(r prometheus.Registerer) *PrometheusMetrics {
	m := &PrometheusMetrics{
		outboxAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_outbox_attempts_total",
				Help: "Outbox publication attempts by event type and result.",
			},
			[]string{"event_type", "success"},
		),
		outboxPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_outbox_published_total",
				Help: "Outbox records confirmed by the bus.",
			},
			[]string{"event_type"},
		),
		outboxFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_outbox_failed_total",
				Help: "Outbox records abandoned after max attempts.",
			},
			[]string{"event_type"},
		),
		outboxBacklog: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "conduit_outbox_records",
				Help: "Outbox records by status.",
			},
			[]string{"status"},
		),
		deliveryOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_delivery_outcomes_total",
				Help: "Delivery outcomes by consumer, event type and outcome.",
			},
			[]string{"consumer", "event_type", "outcome"},
		),
		deliveryLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conduit_delivery_duration_seconds",
				Help:    "Delivery latency in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"consumer", "outcome"},
		),
		sagaTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_saga_transitions_total",
				Help: "Saga state transitions.",
			},
			[]string{"saga_type", "from", "to"},
		),
		anomalies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_anomalies_total",
				Help: "Consistency anomalies detected by kind.",
			},
			[]string{"kind"},
		),
	}
	r.MustRegister(
		m.outboxAttempts,
		m.outboxPublished,
		m.outboxFailed,
		m.outboxBacklog,
		m.deliveryOutcomes,
		m.deliveryLatency,
		m.sagaTransitions,
		m.anomalies,
	)
	return m
}

// PrometheusHandler serves the metrics gathered by g.
func PrometheusHandler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *PrometheusMetrics) RecordOutboxAttempt(_ context.Context, eventType string, err error) {
	success := "true"
	if err != nil {
		success = "false"
	}
	m.outboxAttempts.WithLabelValues(eventType, success).Inc()
}

func (m *PrometheusMetrics) RecordOutboxPublished(_ context.Context, eventType string) {
	m.outboxPublished.WithLabelValues(eventType).Inc()
}

func (m *PrometheusMetrics) RecordOutboxFailed(_ context.Context, eventType string) {
	m.outboxFailed.WithLabelValues(eventType).Inc()
}

func (m *PrometheusMetrics) RecordOutboxBacklog(_ context.Context, status string, count int) {
	m.outboxBacklog.WithLabelValues(status).Set(float64(count))
}

func (m *PrometheusMetrics) RecordDelivery(_ context.Context, consumer, eventType, outcome string, duration time.Duration) {
	m.deliveryOutcomes.WithLabelValues(consumer, eventType, outcome).Inc()
	m.deliveryLatency.WithLabelValues(consumer, outcome).Observe(duration.Seconds())
}

func (m *PrometheusMetrics) RecordSagaTransition(_ context.Context, sagaType, from, to string) {
	m.sagaTransitions.WithLabelValues(sagaType, from, to).Inc()
}

func (m *PrometheusMetrics) RecordAnomaly(_ context.Context, kind string) {
	m.anomalies.WithLabelValues(kind).Inc()
}
