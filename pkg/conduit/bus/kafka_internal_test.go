package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	cerrors "github.com/randalmurphal/conduit/pkg/conduit/errors"
	"github.com/randalmurphal/conduit/pkg/conduit/event"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

type fakeReader struct {
	in chan kafka.Message

	mu        sync.Mutex
	committed []int64
	closed    bool
}

func newFakeReader() *fakeReader {
	return &fakeReader{in: make(chan kafka.Message, 16)}
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	case msg := <-r.in:
		return msg, nil
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func testKafkaBus(t *testing.T, readers map[string]*fakeReader) (*KafkaBus, *fakeWriter) {
	t.Helper()
	w := &fakeWriter{}
	cfg := KafkaConfig{
		Topic:       "domain-events",
		GroupPrefix: "conduit",
		Redelivery: RedeliveryConfig{
			Backoff: cerrors.RetryConfig{InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffFactor: 1},
		},
	}
	b := newKafkaBus(cfg, w, func(group string) messageReader {
		r, ok := readers[group]
		require.True(t, ok, "unexpected consumer group %s", group)
		return r
	})
	t.Cleanup(func() { _ = b.Close() })
	return b, w
}

func message(t *testing.T, evt event.Event, offset int64) kafka.Message {
	t.Helper()
	msg, err := toMessage(context.Background(), evt, evt.AggregateID())
	require.NoError(t, err)
	msg.Offset = offset
	return msg
}

func TestToMessageHeaders(t *testing.T) {
	evt := event.MustNew("mlm.ModelDeployed", "model", "m1", map[string]string{"version": "3"})

	msg, err := toMessage(context.Background(), evt, "m1")
	require.NoError(t, err)

	assert.Equal(t, []byte("m1"), msg.Key)
	assert.Equal(t, evt.ID(), HeaderValue(msg.Headers, HeaderEventID))
	assert.Equal(t, "mlm.ModelDeployed", HeaderValue(msg.Headers, HeaderEventType))

	_, decoded, err := fromMessage(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, evt.ID(), decoded.ID())
	assert.Equal(t, evt.CorrelationID(), decoded.CorrelationID())
	assert.JSONEq(t, `{"version":"3"}`, string(decoded.Payload()))
}

func TestTraceContextRoundTrip(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(tracetest.NewInMemoryExporter())))
	ctx, span := tp.Tracer("test").Start(context.Background(), "publish")
	defer span.End()

	evt := event.MustNew("mlm.ModelDeployed", "model", "m1", nil)
	msg, err := toMessage(ctx, evt, "m1")
	require.NoError(t, err)
	assert.NotEmpty(t, HeaderValue(msg.Headers, "traceparent"))

	got, _, err := fromMessage(context.Background(), msg)
	require.NoError(t, err)
	remote := trace.SpanContextFromContext(got)
	assert.True(t, remote.IsRemote())
	assert.Equal(t, span.SpanContext().TraceID(), remote.TraceID())
}

func TestKafkaPublish(t *testing.T) {
	b, w := testKafkaBus(t, nil)

	evt := event.MustNew("billing.UsageRecordOpened", "usage", "u1", nil)
	require.NoError(t, b.Publish(context.Background(), evt, "m1"))

	w.mu.Lock()
	require.Len(t, w.msgs, 1)
	assert.Equal(t, []byte("m1"), w.msgs[0].Key)
	w.mu.Unlock()

	w.mu.Lock()
	w.err = errors.New("leader not available")
	w.mu.Unlock()
	assert.Error(t, b.Publish(context.Background(), evt, "m1"))

	require.NoError(t, b.Close())
	assert.True(t, w.closed)
	assert.ErrorIs(t, b.Publish(context.Background(), evt, "m1"), ErrBusClosed)
}

func TestKafkaSubscribeRequiresName(t *testing.T) {
	b, _ := testKafkaBus(t, nil)
	_, err := b.Subscribe("*", event.HandlerFunc(func(context.Context, event.Event) error { return nil }))
	assert.Error(t, err)
}

func TestKafkaCommitsAfterHandlerResolves(t *testing.T) {
	r := newFakeReader()
	b, _ := testKafkaBus(t, map[string]*fakeReader{"conduit.inference": r})

	var calls atomic.Int32
	handled := make(chan string, 4)
	_, err := b.Subscribe("mlm.*", event.HandlerFunc(func(_ context.Context, evt event.Event) error {
		if evt.AggregateID() == "flaky" && calls.Add(1) == 1 {
			return errors.New("transient")
		}
		handled <- evt.AggregateID()
		return nil
	}), WithName("inference"))
	require.NoError(t, err)

	r.in <- message(t, event.MustNew("mlm.ModelDeployed", "model", "flaky", nil), 10)
	r.in <- message(t, event.MustNew("billing.UsageRecordOpened", "usage", "u1", nil), 11)
	r.in <- message(t, event.MustNew("mlm.ModelRetired", "model", "m2", nil), 12)

	assert.Equal(t, "flaky", <-handled)
	assert.Equal(t, "m2", <-handled)

	require.Eventually(t, func() bool { return len(r.commits()) == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, []int64{10, 11, 12}, r.commits(), "filtered messages are committed as skipped")
	assert.Equal(t, int32(2), calls.Load())
}

func TestKafkaUnsubscribeLeavesOffsetUncommitted(t *testing.T) {
	r := newFakeReader()
	b, _ := testKafkaBus(t, map[string]*fakeReader{"conduit.billing": r})

	started := make(chan struct{})
	sub, err := b.Subscribe("*", event.HandlerFunc(func(ctx context.Context, _ event.Event) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}), WithName("billing"))
	require.NoError(t, err)

	r.in <- message(t, event.MustNew("mlm.ModelDeployed", "model", "m1", nil), 7)
	<-started
	sub.Unsubscribe()

	assert.Empty(t, r.commits())
	r.mu.Lock()
	assert.True(t, r.closed)
	r.mu.Unlock()
}

// reportingHandler records schema violations the bus reports to it.
type reportingHandler struct {
	handled    chan struct{}
	mu         sync.Mutex
	violations []event.Event
}

func (h *reportingHandler) Handle(context.Context, event.Event) error {
	h.handled <- struct{}{}
	return nil
}

func (h *reportingHandler) ReportSchemaViolation(_ context.Context, evt event.Event, cause error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cerrors.IsSchemaViolation(cause) {
		h.violations = append(h.violations, evt)
	}
}

func TestKafkaReportsUndecodableMessages(t *testing.T) {
	r := newFakeReader()
	b, _ := testKafkaBus(t, map[string]*fakeReader{"conduit.audit": r})

	type drop struct {
		eventID, eventType, subscription string
		err                              error
	}
	drops := make(chan drop, 1)
	b.config.OnDrop = func(evt event.Event, subscription string, err error) {
		drops <- drop{evt.ID(), evt.Type(), subscription, err}
	}

	h := &reportingHandler{handled: make(chan struct{}, 1)}
	_, err := b.Subscribe("*", h, WithName("audit"))
	require.NoError(t, err)

	r.in <- kafka.Message{
		Offset: 1,
		Key:    []byte("m1"),
		Value:  []byte("not json"),
		Headers: []kafka.Header{
			{Key: HeaderEventID, Value: []byte("evt-garbled")},
			{Key: HeaderEventType, Value: []byte("mlm.ModelDeployed")},
		},
	}
	r.in <- message(t, event.MustNew("mlm.ModelDeployed", "model", "m1", nil), 2)

	<-h.handled
	require.Eventually(t, func() bool { return len(r.commits()) == 2 }, time.Second, time.Millisecond)

	d := <-drops
	assert.Equal(t, "evt-garbled", d.eventID)
	assert.Equal(t, "mlm.ModelDeployed", d.eventType)
	assert.Equal(t, "audit", d.subscription)
	assert.True(t, cerrors.IsSchemaViolation(d.err))

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.violations, 1)
	assert.Equal(t, "evt-garbled", h.violations[0].ID())
	assert.Equal(t, "m1", h.violations[0].AggregateID())
}

func TestUndecodedEventWithoutHeaders(t *testing.T) {
	evt := undecodedEvent(kafka.Message{Partition: 3, Offset: 42, Value: []byte("{")})
	assert.False(t, evt.IsZero())
	assert.Equal(t, "unknown", evt.Type())
	assert.Equal(t, "3/42", evt.AggregateID())
}
