// Package event defines the DomainEvent envelope shared by every bounded context,
// the schema registry that validates it, and the handler contract consumers implement.
//
// Events are immutable facts. Every accessor returns a copy, and derived events
// are built with NewFromParent so that the correlation chain is preserved:
//
//	deployed := event.MustNew("mlm.ModelDeployed", "model", "m1", ModelDeployed{ModelID: "m1"})
//	// deployed.CorrelationID() == deployed.ID()
//
//	cmd := event.MustNewFromParent(deployed, "inference.ProvisionEndpoint", "endpoint", "m1", payload)
//	// cmd.CorrelationID() == deployed.ID()
//	// cmd.CausationID() == deployed.ID()
package event

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	cerrors "github.com/randalmurphal/conduit/pkg/conduit/errors"
)

// Metadata contains the envelope fields of a DomainEvent.
type Metadata struct {
	EventID       string    `json:"id"`
	EventType     string    `json:"type"`
	AggregateID   string    `json:"aggregate_id"`
	AggregateType string    `json:"aggregate_type"`
	OccurredAt    time.Time `json:"occurred_at"`
	SchemaVersion int       `json:"schema_version"`
	CorrelationID string    `json:"correlation_id"`
	CausationID   string    `json:"causation_id,omitempty"`
}

// Event is an immutable domain event. The zero value is not a valid event;
// use New, NewFromParent or Decode.
type Event struct {
	meta    Metadata
	payload json.RawMessage
}

// ID returns the globally unique event identifier.
func (e Event) ID() string { return e.meta.EventID }

// Type returns the namespaced event type (e.g. "mlm.ModelDeployed").
func (e Event) Type() string { return e.meta.EventType }

// AggregateID returns the id of the aggregate the event is about.
// It is also the partition key on the bus.
func (e Event) AggregateID() string { return e.meta.AggregateID }

// AggregateType returns the kind of aggregate the event is about.
func (e Event) AggregateType() string { return e.meta.AggregateType }

// OccurredAt returns the producer clock time of the event.
func (e Event) OccurredAt() time.Time { return e.meta.OccurredAt }

// SchemaVersion returns the payload schema version.
func (e Event) SchemaVersion() int { return e.meta.SchemaVersion }

// CorrelationID returns the id tying a causal chain together.
func (e Event) CorrelationID() string { return e.meta.CorrelationID }

// CausationID returns the id of the event that directly caused this one.
func (e Event) CausationID() string { return e.meta.CausationID }

// Metadata returns a copy of the envelope fields.
func (e Event) Metadata() Metadata { return e.meta }

// Payload returns a copy of the raw JSON payload.
func (e Event) Payload() json.RawMessage {
	return bytes.Clone(e.payload)
}

// IsZero reports whether e is the zero Event.
func (e Event) IsZero() bool { return e.meta.EventID == "" }

// String returns a short description for logs.
func (e Event) String() string {
	return fmt.Sprintf("%s[%s]", e.meta.EventType, e.meta.EventID)
}

// wireEvent is the JSON envelope.
type wireEvent struct {
	Metadata
	Payload json.RawMessage `json:"payload"`
}

// MarshalJSON implements json.Marshaler.
func (e Event) MarshalJSON() ([]byte, error) {
	payload := e.payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return json.Marshal(wireEvent{Metadata: e.meta, Payload: payload})
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.EventID == "" || w.EventType == "" {
		return fmt.Errorf("event envelope missing id or type")
	}
	e.meta = w.Metadata
	e.payload = bytes.Clone(w.Payload)
	return nil
}

// Encode serializes the event envelope for transport and storage.
func Encode(e Event) ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses an envelope produced by Encode.
func Decode(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	return e, nil
}

// DecodePayload unmarshals the event payload into T.
func DecodePayload[T any](e Event) (T, error) {
	var v T
	if err := json.Unmarshal(e.payload, &v); err != nil {
		return v, fmt.Errorf("decode %s payload: %w", e.meta.EventType, err)
	}
	return v, nil
}

// Option configures event creation.
type Option func(*Metadata)

// WithEventID sets a specific event ID (default: a new ULID).
func WithEventID(id string) Option {
	return func(m *Metadata) {
		m.EventID = id
	}
}

// WithCorrelationID sets the correlation ID.
func WithCorrelationID(id string) Option {
	return func(m *Metadata) {
		m.CorrelationID = id
	}
}

// WithCausationID sets the ID of the causing event.
func WithCausationID(id string) Option {
	return func(m *Metadata) {
		m.CausationID = id
	}
}

// WithOccurredAt sets a specific producer time (default: time.Now()).
func WithOccurredAt(t time.Time) Option {
	return func(m *Metadata) {
		m.OccurredAt = t
	}
}

// WithSchemaVersion sets the schema version (default: 1).
func WithSchemaVersion(v int) Option {
	return func(m *Metadata) {
		m.SchemaVersion = v
	}
}

// New creates a new event. The payload is marshalled to JSON once; a
// json.RawMessage or []byte payload is used as is.
func New(eventType, aggregateType, aggregateID string, payload any, opts ...Option) (Event, error) {
	if eventType == "" {
		return Event{}, fmt.Errorf("event type is required")
	}
	if aggregateID == "" {
		return Event{}, fmt.Errorf("event %s: aggregate id is required", eventType)
	}

	raw, err := marshalPayload(payload)
	if err != nil {
		return Event{}, fmt.Errorf("event %s: marshal payload: %w", eventType, err)
	}

	meta := Metadata{
		EventID:       NewID(),
		EventType:     eventType,
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		OccurredAt:    time.Now().UTC(),
		SchemaVersion: 1,
	}
	for _, opt := range opts {
		opt(&meta)
	}

	// If no correlation ID, use event ID as the root
	if meta.CorrelationID == "" {
		meta.CorrelationID = meta.EventID
	}

	return Event{meta: meta, payload: raw}, nil
}

// MustNew is like New but panics on error.
func MustNew(eventType, aggregateType, aggregateID string, payload any, opts ...Option) Event {
	e, err := New(eventType, aggregateType, aggregateID, payload, opts...)
	if err != nil {
		panic(err)
	}
	return e
}

// NewFromParent creates an event caused by parent. It inherits the parent's
// correlation ID and sets the causation ID to the parent's ID.
func NewFromParent(parent Event, eventType, aggregateType, aggregateID string, payload any, opts ...Option) (Event, error) {
	parentOpts := []Option{
		WithCorrelationID(parent.CorrelationID()),
		WithCausationID(parent.ID()),
	}
	return New(eventType, aggregateType, aggregateID, payload, append(parentOpts, opts...)...)
}

// MustNewFromParent is like NewFromParent but panics on error.
func MustNewFromParent(parent Event, eventType, aggregateType, aggregateID string, payload any, opts ...Option) Event {
	e, err := NewFromParent(parent, eventType, aggregateType, aggregateID, payload, opts...)
	if err != nil {
		panic(err)
	}
	return e
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		return bytes.Clone(p), nil
	case []byte:
		if !json.Valid(p) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		return bytes.Clone(p), nil
	default:
		return json.Marshal(p)
	}
}

// Handler processes delivered events.
//
// Returning nil acknowledges the event. A terminal error (see the errors
// package) tells the engine not to retry; any other error is retried.
type Handler interface {
	Handle(ctx context.Context, evt Event) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, evt Event) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, evt Event) error {
	return f(ctx, evt)
}

// TypedHandler wraps a function handling a specific payload type.
// Payloads that do not decode into T are reported as schema violations.
func TypedHandler[T any](fn func(ctx context.Context, evt Event, payload T) error) Handler {
	return HandlerFunc(func(ctx context.Context, evt Event) error {
		payload, err := DecodePayload[T](evt)
		if err != nil {
			return cerrors.SchemaViolation(err, evt.Type())
		}
		return fn(ctx, evt, payload)
	})
}

// Result is the outcome of one handler invocation.
type Result int

const (
	// Ack means the event was processed and its effects are durable.
	Ack Result = iota
	// Retry means the delivery failed transiently and should be redelivered.
	Retry
	// Reject means the delivery failed for good and must not be retried.
	Reject
)

// String returns the result name.
func (r Result) String() string {
	switch r {
	case Ack:
		return "ack"
	case Retry:
		return "retry"
	case Reject:
		return "reject"
	default:
		return "unknown"
	}
}

// ResultOf classifies a handler error.
func ResultOf(err error) Result {
	switch {
	case err == nil:
		return Ack
	case cerrors.IsTerminal(err), cerrors.IsSchemaViolation(err):
		return Reject
	default:
		return Retry
	}
}

// MiddlewareFunc wraps handlers to add cross-cutting concerns.
type MiddlewareFunc func(next Handler) Handler

// ChainMiddleware applies middleware in order, with first middleware outermost.
func ChainMiddleware(handler Handler, middleware ...MiddlewareFunc) Handler {
	for i := len(middleware) - 1; i >= 0; i-- {
		handler = middleware[i](handler)
	}
	return handler
}
