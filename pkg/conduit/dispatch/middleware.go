package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/randalmurphal/conduit/pkg/conduit/event"
)

type consumerKey struct{}

func withConsumer(ctx context.Context, consumerID string) context.Context {
	return context.WithValue(ctx, consumerKey{}, consumerID)
}

// ConsumerFromContext returns the consumer id of the handler invocation ctx
// belongs to.
func ConsumerFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(consumerKey{}).(string)
	return id, ok
}

// LogHandling is middleware that logs every handler invocation at debug
// level with its outcome and duration.
func LogHandling(logger *slog.Logger) event.MiddlewareFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next event.Handler) event.Handler {
		return event.HandlerFunc(func(ctx context.Context, evt event.Event) error {
			if !logger.Enabled(ctx, slog.LevelDebug) {
				return next.Handle(ctx, evt)
			}
			start := time.Now()
			err := next.Handle(ctx, evt)
			consumer, _ := ConsumerFromContext(ctx)
			attrs := []slog.Attr{
				slog.String("consumer", consumer),
				slog.String("event_id", evt.ID()),
				slog.String("event_type", evt.Type()),
				slog.String("result", event.ResultOf(err).String()),
				slog.Duration("duration", time.Since(start)),
			}
			if err != nil {
				attrs = append(attrs, slog.String("error", err.Error()))
			}
			logger.LogAttrs(ctx, slog.LevelDebug, "handler invoked", attrs...)
			return err
		})
	}
}
