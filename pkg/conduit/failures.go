package conduit

import (
	"context"
	"errors"
	"log/slog"

	cerrors "github.com/randalmurphal/conduit/pkg/conduit/errors"
	"github.com/randalmurphal/conduit/pkg/conduit/event"
	"github.com/randalmurphal/conduit/pkg/conduit/saga"
)

// DeliveryFailed is published when a consumer gives up on an event. It
// carries the failed event's correlation id, so the saga that issued the
// event finds it.
const DeliveryFailed = "conduit.DeliveryFailed"

// DeliveryFailedPayload describes a terminally failed delivery.
type DeliveryFailedPayload struct {
	Context   string `json:"context"`
	Consumer  string `json:"consumer"`
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	Error     string `json:"error"`
}

// DeliveryFailedSchema is the schema of DeliveryFailed events.
var DeliveryFailedSchema = event.Schema{
	Type:        DeliveryFailed,
	Version:     1,
	Description: "A consumer gave up on an event",
	Validator:   event.JSONFieldsValidator("consumer", "event_id", "event_type"),
}

// failureRelay is the dispatcher's terminal sink. It commits a DeliveryFailed
// event to the runtime's outbox.
type failureRelay struct {
	rt *Runtime
}

func (f failureRelay) OnTerminalFailure(ctx context.Context, evt event.Event, consumerID string, cause error) error {
	if evt.Type() == DeliveryFailed {
		// Never report a failure to report a failure.
		return nil
	}
	payload := DeliveryFailedPayload{
		Context:   f.rt.name,
		Consumer:  consumerID,
		EventID:   evt.ID(),
		EventType: evt.Type(),
	}
	if cause != nil {
		payload.Error = cause.Error()
	}
	failed, err := event.NewFromParent(evt, DeliveryFailed, "delivery", consumerID, payload)
	if err != nil {
		f.rt.logger.Error("delivery failure not relayed",
			slog.String("consumer", consumerID),
			slog.String("event_id", evt.ID()),
			slog.String("error", err.Error()))
		return nil
	}
	if _, err := f.rt.CommitWithEvent(ctx, nil, failed); err != nil {
		return cerrors.Transient(err, "relay delivery failure")
	}
	return nil
}

// compensationTrigger feeds relayed delivery failures to a coordinator. A
// compensation that could not be committed is retried through redelivery.
func compensationTrigger(coord *saga.Coordinator) event.Handler {
	return event.TypedHandler(func(ctx context.Context, evt event.Event, p DeliveryFailedPayload) error {
		if p.Consumer == "" {
			return cerrors.Terminal(errors.New("consumer missing"), "delivery failure")
		}
		cause := errors.New(p.EventType + ": " + p.Error)
		if err := coord.OnTerminalFailure(ctx, evt, p.Consumer, cause); err != nil {
			if cerrors.IsRetryable(err) {
				return err
			}
			return cerrors.Transient(err, "compensate saga "+evt.CorrelationID())
		}
		return nil
	})
}
