// Package outbox implements the transactional outbox of a bounded context.
//
// An aggregate state change and the events announcing it are committed in one
// atomic unit with CommitWithEvent. A background Publisher drains PENDING
// records in creation order and relays them to the bus; records that cannot
// be published after the configured attempts move to FAILED and stay
// queryable for the consistency monitor.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	cerrors "github.com/randalmurphal/conduit/pkg/conduit/errors"
	"github.com/randalmurphal/conduit/pkg/conduit/event"
)

// Status is the publication state of an outbox record.
type Status string

const (
	// StatusPending means the record awaits a confirmed bus acknowledgment.
	StatusPending Status = "PENDING"
	// StatusPublished means the bus acknowledged the event.
	StatusPublished Status = "PUBLISHED"
	// StatusFailed means publication was abandoned after max attempts.
	StatusFailed Status = "FAILED"
)

// Errors returned by outbox stores.
var (
	// ErrNotFound is returned when no record exists for an event id.
	ErrNotFound = errors.New("outbox record not found")

	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("outbox store closed")

	// ErrDuplicateEvent is returned when an event id is appended twice.
	ErrDuplicateEvent = errors.New("duplicate event id")
)

// Record is one event in the outbox.
type Record struct {
	// Seq is the store-assigned sequence. Drain order is Seq ascending.
	Seq int64

	Event       event.Event
	Status      Status
	Attempts    int
	NextRetryAt time.Time
	LastError   string
	CreatedAt   time.Time
	PublishedAt time.Time
}

// Due reports whether a PENDING record may be published at now.
func (r Record) Due(now time.Time) bool {
	return r.Status == StatusPending && !r.NextRetryAt.After(now)
}

// Tx is the atomic unit a state change runs in.
//
// Get/Put/Delete address the aggregate state owned by the bounded context and
// live in the same storage unit as the outbox, so they commit or roll back
// together with the appended events. SQL backends additionally expose their
// native transaction (see SQLiteStore and PostgresStore).
type Tx interface {
	// Get returns the value for key as seen by this transaction.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Put stores value under key.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes key.
	Delete(ctx context.Context, key string) error

	// Append adds an event to the outbox as part of this transaction.
	Append(ctx context.Context, evt event.Event) error

	// AfterCommit registers fn to run once the transaction has committed.
	// Hooks never run when the transaction rolls back.
	AfterCommit(fn func())
}

// StateChange mutates aggregate state inside a transaction. Returning an error
// rolls back the state change and every event of the commit.
type StateChange func(ctx context.Context, tx Tx) error

// Store is the durable outbox.
type Store interface {
	// CommitWithEvent runs change and appends events in one atomic unit.
	// Any failure rolls everything back and is returned as a commit failure.
	CommitWithEvent(ctx context.Context, change StateChange, events ...event.Event) ([]Record, error)

	// DrainPending lazily yields due PENDING records in Seq order, batchSize
	// at a time. A record is held back while an earlier PENDING or FAILED
	// record of the same aggregate exists, so a FAILED record holds its
	// aggregate until it is requeued. A new call starts again from the oldest
	// record.
	DrainPending(ctx context.Context, batchSize int) iter.Seq2[Record, error]

	// MarkPublished records a confirmed bus acknowledgment. It is idempotent.
	MarkPublished(ctx context.Context, eventID string) error

	// MarkFailedAttempt records a failed publication. The record is retried
	// after policy.Backoff(attempts), or moves to FAILED once attempts reach
	// policy.MaxAttempts (zero means unbounded).
	MarkFailedAttempt(ctx context.Context, eventID string, cause error, policy cerrors.RetryConfig) (Record, error)

	// Requeue moves a FAILED record back to PENDING with its attempts reset.
	Requeue(ctx context.Context, eventID string) error

	// Get returns the record for an event id.
	Get(ctx context.Context, eventID string) (Record, error)

	// ListByStatus returns records with status created before the given time
	// (zero means no bound), oldest first, up to limit (zero means no limit).
	ListByStatus(ctx context.Context, status Status, createdBefore time.Time, limit int) ([]Record, error)

	// CountByStatus returns the number of records per status.
	CountByStatus(ctx context.Context) (map[Status]int, error)

	// Purge deletes PUBLISHED records published before olderThan.
	Purge(ctx context.Context, olderThan time.Time) (int, error)

	// Close releases resources held by the store.
	Close() error
}

// Option configures a store.
type Option func(*options)

type options struct {
	registry *event.SchemaRegistry
	now      func() time.Time
	logger   *slog.Logger
}

func defaultOptions() options {
	return options{
		now:    func() time.Time { return time.Now().UTC() },
		logger: slog.Default(),
	}
}

func applyOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithSchemaRegistry validates every appended event against reg.
func WithSchemaRegistry(reg *event.SchemaRegistry) Option {
	return func(o *options) {
		o.registry = reg
	}
}

// WithClock sets the time source (default: time.Now in UTC).
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = func() time.Time { return now().UTC() }
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func (o options) validate(evt event.Event) error {
	if evt.IsZero() {
		return cerrors.SchemaViolation(errors.New("zero event"), "append")
	}
	if o.registry == nil {
		return nil
	}
	return o.registry.Validate(evt)
}

// commitFailure wraps err so callers see OutboxCommitFailure, keeping schema
// violations recognizable underneath.
func commitFailure(err error) error {
	var catErr *cerrors.CategorizedError
	if errors.As(err, &catErr) && catErr.Category == cerrors.CategoryCommitFailure {
		return err
	}
	return cerrors.CommitFailure(err, "commit with event")
}

// runHooks runs after-commit hooks, isolating panics so one hook cannot
// break the caller after a successful commit.
func runHooks(logger *slog.Logger, hooks []func()) {
	for _, fn := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("after-commit hook panicked", "panic", fmt.Sprint(r))
				}
			}()
			fn()
		}()
	}
}

// nextAttempt computes the state after a failed publication attempt.
func nextAttempt(rec Record, cause error, policy cerrors.RetryConfig, now time.Time) Record {
	rec.Attempts++
	if cause != nil {
		rec.LastError = cause.Error()
	}
	if policy.MaxAttempts > 0 && rec.Attempts >= policy.MaxAttempts {
		rec.Status = StatusFailed
		return rec
	}
	rec.NextRetryAt = now.Add(policy.Backoff(rec.Attempts))
	return rec
}

// drain implements the batching iterator on top of a batch query. fetch must
// return due PENDING records, oldest first, that have no earlier PENDING record
// of the same aggregate. A pass ends when a batch holds nothing that was not
// already yielded by it.
func drain(ctx context.Context, batchSize int, fetch func(ctx context.Context, limit int) ([]Record, error)) iter.Seq2[Record, error] {
	if batchSize <= 0 {
		batchSize = 100
	}
	return func(yield func(Record, error) bool) {
		seen := make(map[int64]struct{})
		for {
			if err := ctx.Err(); err != nil {
				yield(Record{}, err)
				return
			}
			batch, err := fetch(ctx, batchSize)
			if err != nil {
				yield(Record{}, err)
				return
			}
			fresh := 0
			for _, rec := range batch {
				if _, ok := seen[rec.Seq]; ok {
					continue
				}
				seen[rec.Seq] = struct{}{}
				fresh++
				if !yield(rec, nil) {
					return
				}
			}
			if fresh == 0 {
				return
			}
		}
	}
}
