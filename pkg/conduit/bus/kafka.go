package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	cerrors "github.com/randalmurphal/conduit/pkg/conduit/errors"
	"github.com/randalmurphal/conduit/pkg/conduit/event"
)

// Header keys set on every Kafka message.
const (
	HeaderEventID   = "event_id"
	HeaderEventType = "event_type"
)

// KafkaConfig configures a KafkaBus.
type KafkaConfig struct {
	// Brokers lists the bootstrap brokers.
	Brokers []string

	// Topic carries every event type; subscriptions filter on the
	// event_type header.
	Topic string

	// GroupPrefix prefixes the consumer group of each subscription.
	GroupPrefix string

	// ClientID identifies the producer to the brokers.
	ClientID string

	// BatchTimeout bounds how long the writer waits to fill a batch.
	// Default: 10ms
	BatchTimeout time.Duration

	// MinBytes, MaxBytes and MaxWait tune the readers.
	MinBytes int
	MaxBytes int
	MaxWait  time.Duration

	// Redelivery controls in-place retries of failed deliveries.
	Redelivery RedeliveryConfig

	// OnDrop is called when a message is given up.
	OnDrop DropFunc

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// messageWriter is the subset of *kafka.Writer used by KafkaBus.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// messageReader is the subset of *kafka.Reader used by KafkaBus.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaBus publishes to and consumes from a Kafka topic.
//
// The message key is the partition key, and the writer uses the Hash
// balancer, so one aggregate always lands on one Kafka partition and is read
// in order. Each subscription is a consumer group; an offset is committed
// only after the handler resolved the message.
type KafkaBus struct {
	config    KafkaConfig
	writer    messageWriter
	newReader func(group string) messageReader
	tracer    trace.Tracer

	mu     sync.Mutex
	subs   map[*kafkaSubscription]struct{}
	closed atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewKafkaBus creates a bus on the configured brokers.
func NewKafkaBus(config KafkaConfig) (*KafkaBus, error) {
	if len(config.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if config.Topic == "" {
		return nil, errors.New("kafka topic is required")
	}
	if config.BatchTimeout <= 0 {
		config.BatchTimeout = 10 * time.Millisecond
	}
	if config.MinBytes <= 0 {
		config.MinBytes = 1 << 10 // 1KB
	}
	if config.MaxBytes <= 0 {
		config.MaxBytes = 10 << 20 // 10MB
	}
	if config.MaxWait <= 0 {
		config.MaxWait = 250 * time.Millisecond
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchTimeout: config.BatchTimeout,
		Transport: &kafka.Transport{
			ClientID: config.ClientID,
		},
	}
	newReader := func(group string) messageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:  config.Brokers,
			GroupID:  group,
			Topic:    config.Topic,
			MinBytes: config.MinBytes,
			MaxBytes: config.MaxBytes,
			MaxWait:  config.MaxWait,
			// Commit synchronously, only after the handler resolved the message.
			CommitInterval: 0,
		})
	}
	return newKafkaBus(config, writer, newReader), nil
}

func newKafkaBus(config KafkaConfig, writer messageWriter, newReader func(string) messageReader) *KafkaBus {
	if config.Redelivery.Backoff.InitialBackoff <= 0 {
		config.Redelivery.Backoff = DefaultRedeliveryConfig.Backoff
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &KafkaBus{
		config:    config,
		writer:    writer,
		newReader: newReader,
		tracer:    otel.Tracer("conduit/kafka"),
		subs:      make(map[*kafkaSubscription]struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Publish implements Bus. It returns after all in-sync replicas acknowledged.
func (b *KafkaBus) Publish(ctx context.Context, evt event.Event, partitionKey string) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	ctx, span := b.tracer.Start(ctx, "kafka.produce",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", b.config.Topic),
			attribute.String("event.type", evt.Type()),
		),
	)
	defer span.End()

	msg, err := toMessage(ctx, evt, partitionKey)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if err := b.writer.WriteMessages(ctx, msg); err != nil {
		span.RecordError(err)
		return fmt.Errorf("kafka write %s: %w", evt.ID(), err)
	}
	return nil
}

// toMessage encodes an event as a Kafka message.
func toMessage(ctx context.Context, evt event.Event, partitionKey string) (kafka.Message, error) {
	value, err := event.Encode(evt)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(partitionKey),
		Value: value,
		Headers: []kafka.Header{
			{Key: HeaderEventID, Value: []byte(evt.ID())},
			{Key: HeaderEventType, Value: []byte(evt.Type())},
		},
	}
	msg.Headers = InjectTraceHeaders(ctx, msg.Headers)
	return msg, nil
}

type kafkaSubscription struct {
	name      string
	pattern   event.Pattern
	reader    messageReader
	deliverer *deliverer
	logger    *slog.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	bus       *KafkaBus
	once      sync.Once
	done      chan struct{}
}

// Subscribe implements Bus. The subscription name is required; it becomes the
// consumer group (prefixed with GroupPrefix).
func (b *KafkaBus) Subscribe(pattern string, handler event.Handler, opts ...SubscribeOption) (Subscription, error) {
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
	if o.name == "" {
		return nil, errors.New("kafka subscriptions need a name (bus.WithName)")
	}

	group := o.name
	if b.config.GroupPrefix != "" {
		group = b.config.GroupPrefix + "." + o.name
	}

	ctx, cancel := context.WithCancel(b.ctx)
	sub := &kafkaSubscription{
		name:    o.name,
		pattern: p,
		reader:  b.newReader(group),
		deliverer: &deliverer{
			subscription: o.name,
			handler:      handler,
			config:       b.config.Redelivery,
			logger:       b.config.Logger,
			onDrop:       b.config.OnDrop,
		},
		logger: b.config.Logger.With("subscription", o.name, "group", group),
		ctx:    ctx,
		cancel: cancel,
		bus:    b,
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	b.wg.Add(1)
	go sub.consume()
	return sub, nil
}

// consume reads messages until the subscription stops. Messages are handled
// one at a time so that key order within a Kafka partition is kept.
func (s *kafkaSubscription) consume() {
	defer s.bus.wg.Done()
	defer close(s.done)
	defer s.reader.Close()

	for {
		msg, err := s.reader.FetchMessage(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Warn("kafka fetch failed", "error", err)
			if !sleepCtx(s.ctx, time.Second) {
				return
			}
			continue
		}

		if err := s.handle(msg); err != nil {
			// Stopped mid-delivery: leave the offset uncommitted so the
			// group redelivers the message.
			return
		}
		if err := s.reader.CommitMessages(s.ctx, msg); err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Warn("kafka commit failed", "offset", msg.Offset, "partition", msg.Partition, "error", err)
		}
	}
}

func (s *kafkaSubscription) handle(msg kafka.Message) error {
	eventType := HeaderValue(msg.Headers, HeaderEventType)
	if eventType != "" && !s.pattern.Matches(eventType) {
		return nil
	}

	ctx, evt, err := fromMessage(s.ctx, msg)
	if err != nil {
		// Undecodable messages can never succeed; report them and skip past.
		s.undecodable(msg, err)
		return nil
	}
	if !s.pattern.Matches(evt.Type()) {
		return nil
	}
	return s.deliverer.deliver(ctx, evt)
}

// ViolationReporter is told about messages that could not be decoded. A
// subscribed handler implementing it, such as the dispatcher, receives them
// as schema violations.
type ViolationReporter interface {
	ReportSchemaViolation(ctx context.Context, evt event.Event, cause error)
}

func (s *kafkaSubscription) undecodable(msg kafka.Message, err error) {
	verr := cerrors.SchemaViolation(err, "decode kafka message")
	s.logger.Error("kafka message undecodable", "offset", msg.Offset, "partition", msg.Partition, "error", err)
	evt := undecodedEvent(msg)
	if r, ok := s.deliverer.handler.(ViolationReporter); ok {
		r.ReportSchemaViolation(s.ctx, evt, verr)
	}
	s.deliverer.drop(evt, verr)
}

// undecodedEvent stands in for a message whose value could not be decoded.
// It keeps the id and type headers and the message key.
func undecodedEvent(msg kafka.Message) event.Event {
	eventType := HeaderValue(msg.Headers, HeaderEventType)
	if eventType == "" {
		eventType = "unknown"
	}
	key := string(msg.Key)
	if key == "" {
		key = fmt.Sprintf("%d/%d", msg.Partition, msg.Offset)
	}
	var opts []event.Option
	if id := HeaderValue(msg.Headers, HeaderEventID); id != "" {
		opts = append(opts, event.WithEventID(id))
	}
	evt, err := event.New(eventType, "", key, nil, opts...)
	if err != nil {
		return event.Event{}
	}
	return evt
}

// fromMessage decodes a Kafka message and restores its trace context.
func fromMessage(ctx context.Context, msg kafka.Message) (context.Context, event.Event, error) {
	evt, err := event.Decode(msg.Value)
	if err != nil {
		return ctx, event.Event{}, err
	}
	return ExtractTraceContext(ctx, msg), evt, nil
}

// Name implements Subscription.
func (s *kafkaSubscription) Name() string { return s.name }

// Unsubscribe implements Subscription. It waits for the consumer to stop.
func (s *kafkaSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		s.cancel()
		<-s.done
	})
}

// Close implements Bus.
func (b *KafkaBus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil // Already closed
	}
	b.cancel()
	b.wg.Wait()
	return b.writer.Close()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Compile-time interface check
var _ Bus = (*KafkaBus)(nil)
