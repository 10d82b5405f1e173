// Package observability provides the structured logging, metrics and tracing
// conduit feeds to the external observability collaborator.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry or Prometheus
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"context"
	"log/slog"
	"time"
)

// EnrichLogger adds delivery context to a logger.
// Returns a new logger with consumer, event_id, event_type and attempt fields.
//
// Example:
//
//	enriched := EnrichLogger(logger, "billing/usage", evt.ID(), evt.Type(), 1)
//	enriched.Info("handling") // includes consumer, event_id, event_type, attempt
func EnrichLogger(logger *slog.Logger, consumer, eventID, eventType string, attempt int) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("consumer", consumer),
		slog.String("event_id", eventID),
		slog.String("event_type", eventType),
		slog.Int("attempt", attempt),
	)
}

// LogPublished logs a confirmed publication of an outbox record.
func LogPublished(logger *slog.Logger, eventID, eventType, aggregateID string) {
	if logger == nil {
		return
	}
	logger.Debug("outbox record published",
		slog.String("event_id", eventID),
		slog.String("event_type", eventType),
		slog.String("aggregate_id", aggregateID),
	)
}

// LogPublishFailure logs a failed publication attempt.
func LogPublishFailure(logger *slog.Logger, eventID, eventType string, attempt int, err error, abandoned bool) {
	if logger == nil {
		return
	}
	level := slog.LevelWarn
	if abandoned {
		level = slog.LevelError
	}
	logger.Log(context.Background(), level, "outbox publish failed",
		slog.String("event_id", eventID),
		slog.String("event_type", eventType),
		slog.Int("attempt", attempt),
		slog.String("error", errString(err)),
		slog.Bool("abandoned", abandoned),
	)
}

// LogDeliveryComplete logs a resolved delivery.
func LogDeliveryComplete(logger *slog.Logger, consumer, eventID, outcome string, duration time.Duration) {
	if logger == nil {
		return
	}
	logger.Debug("delivery resolved",
		slog.String("consumer", consumer),
		slog.String("event_id", eventID),
		slog.String("outcome", outcome),
		slog.Float64("duration_ms", float64(duration.Microseconds())/1000),
	)
}

// LogDeliveryFailure logs a failed handler invocation.
func LogDeliveryFailure(logger *slog.Logger, consumer, eventID string, attempt int, err error, willRetry bool) {
	if logger == nil {
		return
	}
	logger.Warn("handler failed",
		slog.String("consumer", consumer),
		slog.String("event_id", eventID),
		slog.Int("attempt", attempt),
		slog.String("error", errString(err)),
		slog.Bool("will_retry", willRetry),
	)
}

// LogSchemaViolation logs an event rejected by the schema registry.
func LogSchemaViolation(logger *slog.Logger, eventID, eventType string, err error) {
	if logger == nil {
		return
	}
	logger.Error("schema violation",
		slog.String("event_id", eventID),
		slog.String("event_type", eventType),
		slog.String("error", errString(err)),
	)
}

// LogSagaTransition logs a saga state change.
func LogSagaTransition(logger *slog.Logger, sagaID, sagaType, from, to string, step int) {
	if logger == nil {
		return
	}
	logger.Info("saga transition",
		slog.String("saga_id", sagaID),
		slog.String("saga_type", sagaType),
		slog.String("from", from),
		slog.String("to", to),
		slog.Int("step", step),
	)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
