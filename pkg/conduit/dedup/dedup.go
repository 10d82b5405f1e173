// Package dedup records which events each consumer has already resolved.
//
// The bus delivers at least once. Before a handler runs, the dispatcher
// claims the (consumer, event) pair; the claim is a lease with a TTL so that
// a crashed worker does not block redelivery forever. Only after the handler
// returned (and its side effects are committed) is the claim finalized as
// SUCCESS or FAILED_TERMINAL. A finalized pair is never claimed again, which
// turns redeliveries into no-ops.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Outcome is the state of a delivery record.
type Outcome string

const (
	// OutcomeClaimed means a worker holds the lease and has not finalized.
	OutcomeClaimed Outcome = "CLAIMED"
	// OutcomeSuccess means the handler completed.
	OutcomeSuccess Outcome = "SUCCESS"
	// OutcomeFailedTerminal means the handler gave up on the event for good.
	OutcomeFailedTerminal Outcome = "FAILED_TERMINAL"
)

// IsFinal reports whether o resolves the delivery.
func (o Outcome) IsFinal() bool {
	return o == OutcomeSuccess || o == OutcomeFailedTerminal
}

// DefaultLeaseTTL is used when TryClaim is called with a non-positive TTL.
const DefaultLeaseTTL = 30 * time.Second

// Errors returned by dedup stores.
var (
	// ErrLeaseLost is returned when a claim's lease token is no longer
	// current: it expired and another worker took the pair over, or the
	// record was already released.
	ErrLeaseLost = errors.New("dedup lease lost")

	// ErrNotFound is returned by Get when no record exists.
	ErrNotFound = errors.New("delivery record not found")

	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("dedup store closed")

	// ErrInvalidOutcome is returned when finalizing with a non-final outcome.
	ErrInvalidOutcome = errors.New("invalid delivery outcome")
)

// Claim is a held lease on a (consumer, event) pair.
type Claim struct {
	ConsumerID    string
	EventID       string
	CorrelationID string
	Token         string
	LeaseUntil    time.Time
}

// Record is the delivery record of one consumer for one event.
type Record struct {
	ConsumerID    string
	EventID       string
	CorrelationID string
	Outcome       Outcome
	LeaseUntil    time.Time
	ProcessedAt   time.Time
	Error         string
}

// Store is the shared dedup store of a consumer. Every method must be safe
// for concurrent use by multiple replicas.
type Store interface {
	// TryClaim atomically takes the lease on (consumerID, eventID). It
	// returns false when the pair is finalized or an unexpired lease is held
	// by someone else. An expired lease is taken over.
	TryClaim(ctx context.Context, consumerID, eventID, correlationID string, ttl time.Duration) (Claim, bool, error)

	// Finalize records the outcome. It fails with ErrLeaseLost unless claim
	// still holds the current token.
	Finalize(ctx context.Context, claim Claim, outcome Outcome, errMsg string) error

	// Release drops an unfinalized lease so the next redelivery can claim
	// the pair immediately.
	Release(ctx context.Context, claim Claim) error

	// Get returns the record for a pair.
	Get(ctx context.Context, consumerID, eventID string) (Record, error)

	// ListTerminal returns FAILED_TERMINAL records processed at or after
	// since, oldest first, up to limit (zero means no limit).
	ListTerminal(ctx context.Context, since time.Time, limit int) ([]Record, error)

	// Close releases resources held by the store.
	Close() error
}

// Option configures a store.
type Option func(*options)

type options struct {
	now       func() time.Time
	retention time.Duration
	prefix    string
}

func applyOptions(opts []Option) options {
	o := options{
		now:    func() time.Time { return time.Now().UTC() },
		prefix: "conduit:dedup",
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithClock sets the time source (default: time.Now in UTC).
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = func() time.Time { return now().UTC() }
		}
	}
}

// WithRetention expires finalized records after d. Only RedisStore honors
// it; SQL and memory records live until deleted.
func WithRetention(d time.Duration) Option {
	return func(o *options) {
		o.retention = d
	}
}

// WithKeyPrefix sets the Redis key prefix (default "conduit:dedup").
func WithKeyPrefix(prefix string) Option {
	return func(o *options) {
		if prefix != "" {
			o.prefix = prefix
		}
	}
}

func checkFinal(outcome Outcome) error {
	if !outcome.IsFinal() {
		return fmt.Errorf("%w: %q", ErrInvalidOutcome, outcome)
	}
	return nil
}

func leaseTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultLeaseTTL
	}
	return ttl
}
