package outbox

import (
	"bytes"
	"context"
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"

	cerrors "github.com/randalmurphal/conduit/pkg/conduit/errors"
	"github.com/randalmurphal/conduit/pkg/conduit/event"
)

// MemoryStore is an in-process outbox. Commits are serialized; a transaction
// buffers its writes and applies them under the store lock on commit.
// It is suitable for tests and single-process deployments.
type MemoryStore struct {
	opts options

	commitMu sync.Mutex // serializes transactions

	mu      sync.RWMutex
	records []*Record // ordered by Seq
	byID    map[string]*Record
	state   map[string][]byte
	seq     int64
	closed  bool
}

// NewMemoryStore creates an empty in-memory outbox.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		opts:  applyOptions(opts),
		byID:  make(map[string]*Record),
		state: make(map[string][]byte),
	}
}

type memoryTx struct {
	store   *MemoryStore
	puts    map[string][]byte
	deletes map[string]bool
	events  []event.Event
	hooks   []func()
}

func (tx *memoryTx) Get(_ context.Context, key string) ([]byte, bool, error) {
	if tx.deletes[key] {
		return nil, false, nil
	}
	if v, ok := tx.puts[key]; ok {
		return bytes.Clone(v), true, nil
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	v, ok := tx.store.state[key]
	return bytes.Clone(v), ok, nil
}

func (tx *memoryTx) Put(_ context.Context, key string, value []byte) error {
	delete(tx.deletes, key)
	tx.puts[key] = bytes.Clone(value)
	return nil
}

func (tx *memoryTx) Delete(_ context.Context, key string) error {
	delete(tx.puts, key)
	tx.deletes[key] = true
	return nil
}

func (tx *memoryTx) Append(_ context.Context, evt event.Event) error {
	if err := tx.store.opts.validate(evt); err != nil {
		return err
	}
	for _, e := range tx.events {
		if e.ID() == evt.ID() {
			return fmt.Errorf("%w: %s", ErrDuplicateEvent, evt.ID())
		}
	}
	tx.events = append(tx.events, evt)
	return nil
}

func (tx *memoryTx) AfterCommit(fn func()) {
	tx.hooks = append(tx.hooks, fn)
}

// CommitWithEvent implements Store.
func (s *MemoryStore) CommitWithEvent(ctx context.Context, change StateChange, events ...event.Event) ([]Record, error) {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	if s.isClosed() {
		return nil, commitFailure(ErrStoreClosed)
	}

	tx := &memoryTx{
		store:   s,
		puts:    make(map[string][]byte),
		deletes: make(map[string]bool),
	}
	if change != nil {
		if err := change(ctx, tx); err != nil {
			return nil, commitFailure(err)
		}
	}
	for _, evt := range events {
		if err := tx.Append(ctx, evt); err != nil {
			return nil, commitFailure(err)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, commitFailure(err)
	}

	s.mu.Lock()
	for _, evt := range tx.events {
		if _, ok := s.byID[evt.ID()]; ok {
			s.mu.Unlock()
			return nil, commitFailure(fmt.Errorf("%w: %s", ErrDuplicateEvent, evt.ID()))
		}
	}
	now := s.opts.now()
	committed := make([]Record, 0, len(tx.events))
	for _, evt := range tx.events {
		s.seq++
		rec := &Record{
			Seq:         s.seq,
			Event:       evt,
			Status:      StatusPending,
			NextRetryAt: now,
			CreatedAt:   now,
		}
		s.records = append(s.records, rec)
		s.byID[evt.ID()] = rec
		committed = append(committed, *rec)
	}
	for k, v := range tx.puts {
		s.state[k] = v
	}
	for k := range tx.deletes {
		delete(s.state, k)
	}
	s.mu.Unlock()

	runHooks(s.opts.logger, tx.hooks)
	return committed, nil
}

// DrainPending implements Store.
func (s *MemoryStore) DrainPending(ctx context.Context, batchSize int) iter.Seq2[Record, error] {
	return drain(ctx, batchSize, s.fetchDue)
}

func (s *MemoryStore) fetchDue(_ context.Context, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	now := s.opts.now()
	blocked := make(map[string]bool)
	var batch []Record
	for _, rec := range s.records {
		if rec.Status == StatusPublished {
			continue
		}
		agg := rec.Event.AggregateID()
		if blocked[agg] {
			continue
		}
		// Whether due, not yet due or FAILED, this is the head of its aggregate.
		blocked[agg] = true
		if rec.Status == StatusFailed || !rec.Due(now) {
			continue
		}
		batch = append(batch, *rec)
		if len(batch) == limit {
			break
		}
	}
	return batch, nil
}

// MarkPublished implements Store.
func (s *MemoryStore) MarkPublished(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	rec, ok := s.byID[eventID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, eventID)
	}
	if rec.Status == StatusPublished {
		return nil
	}
	rec.Status = StatusPublished
	rec.PublishedAt = s.opts.now()
	return nil
}

// MarkFailedAttempt implements Store.
func (s *MemoryStore) MarkFailedAttempt(_ context.Context, eventID string, cause error, policy cerrors.RetryConfig) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Record{}, ErrStoreClosed
	}
	rec, ok := s.byID[eventID]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, eventID)
	}
	if rec.Status != StatusPending {
		return *rec, nil
	}
	*rec = nextAttempt(*rec, cause, policy, s.opts.now())
	return *rec, nil
}

// Requeue implements Store.
func (s *MemoryStore) Requeue(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	rec, ok := s.byID[eventID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, eventID)
	}
	if rec.Status != StatusFailed {
		return nil
	}
	rec.Status = StatusPending
	rec.Attempts = 0
	rec.NextRetryAt = s.opts.now()
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, eventID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return Record{}, ErrStoreClosed
	}
	rec, ok := s.byID[eventID]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, eventID)
	}
	return *rec, nil
}

// ListByStatus implements Store.
func (s *MemoryStore) ListByStatus(_ context.Context, status Status, createdBefore time.Time, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	var out []Record
	for _, rec := range s.records {
		if rec.Status != status {
			continue
		}
		if !createdBefore.IsZero() && !rec.CreatedAt.Before(createdBefore) {
			continue
		}
		out = append(out, *rec)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// CountByStatus implements Store.
func (s *MemoryStore) CountByStatus(_ context.Context) (map[Status]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	counts := map[Status]int{StatusPending: 0, StatusPublished: 0, StatusFailed: 0}
	for _, rec := range s.records {
		counts[rec.Status]++
	}
	return counts, nil
}

// Purge implements Store.
func (s *MemoryStore) Purge(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}
	before := len(s.records)
	s.records = slices.DeleteFunc(s.records, func(rec *Record) bool {
		if rec.Status == StatusPublished && rec.PublishedAt.Before(olderThan) {
			delete(s.byID, rec.Event.ID())
			return true
		}
		return false
	})
	return before - len(s.records), nil
}

// State returns a committed aggregate state value.
func (s *MemoryStore) State(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.state[key]
	return bytes.Clone(v), ok
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *MemoryStore) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Compile-time interface check
var _ Store = (*MemoryStore)(nil)
