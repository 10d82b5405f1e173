package dedup

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory dedup store for tests and single-process use.
type MemoryStore struct {
	opts options

	mu      sync.Mutex
	records map[memoryKey]*memoryRecord
	closed  bool
}

type memoryKey struct {
	consumer string
	event    string
}

type memoryRecord struct {
	Record
	token string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		opts:    applyOptions(opts),
		records: make(map[memoryKey]*memoryRecord),
	}
}

// TryClaim implements Store.
func (s *MemoryStore) TryClaim(_ context.Context, consumerID, eventID, correlationID string, ttl time.Duration) (Claim, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Claim{}, false, ErrStoreClosed
	}

	now := s.opts.now()
	key := memoryKey{consumerID, eventID}
	if rec, ok := s.records[key]; ok {
		if rec.Outcome.IsFinal() || rec.LeaseUntil.After(now) {
			return Claim{}, false, nil
		}
	}

	claim := Claim{
		ConsumerID:    consumerID,
		EventID:       eventID,
		CorrelationID: correlationID,
		Token:         uuid.NewString(),
		LeaseUntil:    now.Add(leaseTTL(ttl)),
	}
	s.records[key] = &memoryRecord{
		Record: Record{
			ConsumerID:    consumerID,
			EventID:       eventID,
			CorrelationID: correlationID,
			Outcome:       OutcomeClaimed,
			LeaseUntil:    claim.LeaseUntil,
		},
		token: claim.Token,
	}
	return claim, true, nil
}

// Finalize implements Store.
func (s *MemoryStore) Finalize(_ context.Context, claim Claim, outcome Outcome, errMsg string) error {
	if err := checkFinal(outcome); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	rec, ok := s.records[memoryKey{claim.ConsumerID, claim.EventID}]
	if !ok || rec.token != claim.Token {
		return ErrLeaseLost
	}
	rec.Outcome = outcome
	rec.ProcessedAt = s.opts.now()
	rec.LeaseUntil = time.Time{}
	rec.Error = errMsg
	return nil
}

// Release implements Store.
func (s *MemoryStore) Release(_ context.Context, claim Claim) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	key := memoryKey{claim.ConsumerID, claim.EventID}
	rec, ok := s.records[key]
	if !ok || rec.token != claim.Token || rec.Outcome.IsFinal() {
		return ErrLeaseLost
	}
	delete(s.records, key)
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, consumerID, eventID string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Record{}, ErrStoreClosed
	}
	rec, ok := s.records[memoryKey{consumerID, eventID}]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec.Record, nil
}

// ListTerminal implements Store.
func (s *MemoryStore) ListTerminal(_ context.Context, since time.Time, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	var out []Record
	for _, rec := range s.records {
		if rec.Outcome == OutcomeFailedTerminal && !rec.ProcessedAt.Before(since) {
			out = append(out, rec.Record)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ProcessedAt.Equal(out[j].ProcessedAt) {
			return out[i].ProcessedAt.Before(out[j].ProcessedAt)
		}
		if out[i].ConsumerID != out[j].ConsumerID {
			return out[i].ConsumerID < out[j].ConsumerID
		}
		return out[i].EventID < out[j].EventID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Compile-time interface check
var _ Store = (*MemoryStore)(nil)
