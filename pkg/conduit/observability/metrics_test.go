package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupMetricsTest creates a test meter provider and a recorder bound to it.
func setupMetricsTest(t *testing.T) (*sdkmetric.ManualReader, *otelMetrics) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			t.Logf("Error shutting down meter provider: %v", err)
		}
	})

	m, err := newOtelMetrics(provider.Meter("conduit"))
	require.NoError(t, err)
	return reader, m
}

// collectMetrics collects all metrics from the reader.
func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) *metricdata.ResourceMetrics {
	var rm metricdata.ResourceMetrics
	err := reader.Collect(context.Background(), &rm)
	require.NoError(t, err)
	return &rm
}

// findMetric finds a metric by name in the collected data.
func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumFor returns the counter value for the data point carrying attr.
func sumFor(t *testing.T, m *metricdata.Metrics, attr attribute.KeyValue) int64 {
	t.Helper()
	require.NotNil(t, m)
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "expected Sum[int64], got %T", m.Data)
	var total int64
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attr.Key); ok && v == attr.Value {
			total += dp.Value
		}
	}
	return total
}

func TestNewMetricsRecorder(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	original := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	defer func() {
		otel.SetMeterProvider(original)
		_ = provider.Shutdown(context.Background())
	}()

	recorder := NewMetricsRecorder()
	require.NotNil(t, recorder)

	_, isNoop := recorder.(NoopMetrics)
	assert.False(t, isNoop, "Expected real metrics recorder, got noop")
}

func TestRecordOutbox(t *testing.T) {
	reader, m := setupMetricsTest(t)
	ctx := context.Background()

	m.RecordOutboxAttempt(ctx, "mlm.ModelDeployed", nil)
	m.RecordOutboxAttempt(ctx, "mlm.ModelDeployed", errors.New("broker down"))
	m.RecordOutboxPublished(ctx, "mlm.ModelDeployed")
	m.RecordOutboxFailed(ctx, "billing.OpenUsageRecord")
	m.RecordOutboxBacklog(ctx, "PENDING", 7)

	rm := collectMetrics(t, reader)

	attempts := findMetric(rm, "conduit.outbox.attempts")
	assert.Equal(t, int64(1), sumFor(t, attempts, attribute.Bool("success", false)))
	assert.Equal(t, int64(1), sumFor(t, attempts, attribute.Bool("success", true)))

	published := findMetric(rm, "conduit.outbox.published")
	assert.Equal(t, int64(1), sumFor(t, published, attribute.String("event_type", "mlm.ModelDeployed")))

	failed := findMetric(rm, "conduit.outbox.failed")
	assert.Equal(t, int64(1), sumFor(t, failed, attribute.String("event_type", "billing.OpenUsageRecord")))

	backlog := findMetric(rm, "conduit.outbox.records")
	require.NotNil(t, backlog)
	gauge, ok := backlog.Data.(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, gauge.DataPoints, 1)
	assert.Equal(t, int64(7), gauge.DataPoints[0].Value)
}

func TestRecordDelivery(t *testing.T) {
	reader, m := setupMetricsTest(t)
	ctx := context.Background()

	m.RecordDelivery(ctx, "billing/usage", "inference.EndpointProvisioned", OutcomeSuccess, 15*time.Millisecond)
	m.RecordDelivery(ctx, "billing/usage", "inference.EndpointProvisioned", OutcomeRetry, 5*time.Millisecond)
	m.RecordDelivery(ctx, "billing/usage", "inference.EndpointProvisioned", OutcomeSuccess, 10*time.Millisecond)

	rm := collectMetrics(t, reader)

	outcomes := findMetric(rm, "conduit.delivery.outcomes")
	assert.Equal(t, int64(2), sumFor(t, outcomes, attribute.String("outcome", OutcomeSuccess)))
	assert.Equal(t, int64(1), sumFor(t, outcomes, attribute.String("outcome", OutcomeRetry)))

	latency := findMetric(rm, "conduit.delivery.latency_ms")
	require.NotNil(t, latency)
	hist, ok := latency.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	assert.Equal(t, uint64(3), count)
}

func TestRecordSagaAndAnomaly(t *testing.T) {
	reader, m := setupMetricsTest(t)
	ctx := context.Background()

	m.RecordSagaTransition(ctx, "model-deployment", "RUNNING", "COMPENSATING")
	m.RecordSagaTransition(ctx, "model-deployment", "COMPENSATING", "FAILED")
	m.RecordAnomaly(ctx, "StuckOutboxEntry")

	rm := collectMetrics(t, reader)

	transitions := findMetric(rm, "conduit.saga.transitions")
	assert.Equal(t, int64(2), sumFor(t, transitions, attribute.String("saga_type", "model-deployment")))
	assert.Equal(t, int64(1), sumFor(t, transitions, attribute.String("to", "FAILED")))

	anomalies := findMetric(rm, "conduit.anomalies")
	assert.Equal(t, int64(1), sumFor(t, anomalies, attribute.String("kind", "StuckOutboxEntry")))
}

func TestMultiMetrics(t *testing.T) {
	readerA, a := setupMetricsTest(t)
	readerB, b := setupMetricsTest(t)

	mm := MultiMetrics{a, b, NoopMetrics{}}
	mm.RecordAnomaly(context.Background(), "StaleSaga")

	for _, reader := range []*sdkmetric.ManualReader{readerA, readerB} {
		rm := collectMetrics(t, reader)
		assert.Equal(t, int64(1), sumFor(t, findMetric(rm, "conduit.anomalies"), attribute.String("kind", "StaleSaga")))
	}
}
