// Package bus relays domain events between bounded contexts.
//
// Publish takes a partition key (the aggregate id) so that every consumer
// sees the events of one aggregate in the order they were published. Delivery
// is at-least-once: a handler error, timeout or cancellation leads to
// redelivery after backoff, never to silent loss. Two implementations are
// provided: LocalBus for a single process and KafkaBus on segmentio/kafka-go.
package bus

import (
	"context"
	"errors"
	"log/slog"
	"time"

	cerrors "github.com/randalmurphal/conduit/pkg/conduit/errors"
	"github.com/randalmurphal/conduit/pkg/conduit/event"
)

// ErrBusClosed is returned when publishing to or subscribing on a closed bus.
var ErrBusClosed = errors.New("bus closed")

// Bus is the event bus adapter.
type Bus interface {
	// Publish sends evt to every matching subscription. It returns nil once
	// the bus has accepted the event.
	Publish(ctx context.Context, evt event.Event, partitionKey string) error

	// Subscribe delivers every event whose type matches pattern to handler.
	Subscribe(pattern string, handler event.Handler, opts ...SubscribeOption) (Subscription, error)

	// Close stops all subscriptions and cancels in-flight handlers.
	Close() error
}

// Subscription is an active subscription.
type Subscription interface {
	// Name returns the subscription name.
	Name() string

	// Unsubscribe stops delivery to the subscription.
	Unsubscribe()
}

// RedeliveryConfig controls how failed deliveries are retried in place.
type RedeliveryConfig struct {
	// Backoff computes the delay before each redelivery.
	Backoff cerrors.RetryConfig

	// MaxRedeliveries bounds redeliveries of one message. Zero means
	// unbounded: the partition keeps retrying until the handler succeeds,
	// rejects the event, or the bus closes.
	MaxRedeliveries int

	// HandlerTimeout bounds one handler invocation. Zero means no timeout.
	HandlerTimeout time.Duration
}

// DefaultRedeliveryConfig provides reasonable defaults.
var DefaultRedeliveryConfig = RedeliveryConfig{
	Backoff: cerrors.RetryConfig{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		BackoffFactor:  2.0,
		Jitter:         0.1,
	},
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	name string
}

// WithName names the subscription. KafkaBus derives the consumer group from
// the name, so replicas of one consumer must use the same name.
func WithName(name string) SubscribeOption {
	return func(o *subscribeOptions) {
		o.name = name
	}
}

// DropFunc is called when a message is given up: the handler rejected it,
// or it exhausted MaxRedeliveries.
type DropFunc func(evt event.Event, subscription string, err error)

// deliverer runs one handler invocation loop with redelivery.
type deliverer struct {
	subscription string
	handler      event.Handler
	config       RedeliveryConfig
	logger       *slog.Logger
	onDrop       DropFunc
}

// deliver invokes the handler until it acks, rejects, or the redelivery
// budget is spent. It returns ctx.Err() if ctx ends first; the message is
// then still unacknowledged.
func (d *deliverer) deliver(ctx context.Context, evt event.Event) error {
	for attempt := 1; ; attempt++ {
		err := d.invoke(ctx, evt)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		switch event.ResultOf(err) {
		case event.Reject:
			d.logger.Warn("event rejected by handler",
				"subscription", d.subscription, "event_id", evt.ID(), "event_type", evt.Type(), "error", err)
			d.drop(evt, err)
			return nil
		case event.Retry:
			if d.config.MaxRedeliveries > 0 && attempt > d.config.MaxRedeliveries {
				d.logger.Error("redeliveries exhausted",
					"subscription", d.subscription, "event_id", evt.ID(), "attempt", attempt, "error", err)
				d.drop(evt, err)
				return nil
			}
		}

		delay := d.config.Backoff.Backoff(attempt)
		d.logger.Debug("redelivering",
			"subscription", d.subscription, "event_id", evt.ID(), "attempt", attempt, "delay", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (d *deliverer) invoke(ctx context.Context, evt event.Event) (err error) {
	if d.config.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.config.HandlerTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = cerrors.Transient(errors.New("handler panicked"), d.subscription)
			d.logger.Error("handler panicked", "subscription", d.subscription, "event_id", evt.ID(), "panic", r)
		}
	}()
	return d.handler.Handle(ctx, evt)
}

func (d *deliverer) drop(evt event.Event, err error) {
	if d.onDrop != nil {
		d.onDrop(evt, d.subscription, err)
	}
}
