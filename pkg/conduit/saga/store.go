package saga

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/randalmurphal/conduit/pkg/conduit/outbox"
)

// Store persists saga instances. Save runs inside an outbox transaction so
// an instance update commits together with the events a step emits.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns a copy of the instance, or ErrNotFound.
	Get(ctx context.Context, sagaID string) (*Instance, error)

	// Save writes inst within tx. It fails with ErrConflict when the stored
	// version differs from inst.Version, and bumps inst.Version on success.
	Save(ctx context.Context, tx outbox.Tx, inst *Instance) error

	// List returns instances matching filter, oldest update first.
	List(ctx context.Context, filter Filter) ([]*Instance, error)

	// Archive deletes COMPLETED and FAILED instances finished before the
	// given time and returns how many were removed.
	Archive(ctx context.Context, finishedBefore time.Time) (int, error)
}

// MemoryStore keeps instances in memory. Saves become visible when the
// enclosing outbox transaction commits.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*Instance
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{instances: make(map[string]*Instance)}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, sagaID string) (*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[sagaID]
	if !ok {
		return nil, ErrNotFound
	}
	return inst.Clone(), nil
}

// Save implements Store. With a nil tx the instance is stored immediately.
func (s *MemoryStore) Save(_ context.Context, tx outbox.Tx, inst *Instance) error {
	if inst.ID == "" {
		return fmt.Errorf("saga id is required")
	}

	s.mu.RLock()
	current, exists := s.instances[inst.ID]
	var version int64
	if exists {
		version = current.Version
	}
	s.mu.RUnlock()
	if version != inst.Version {
		return fmt.Errorf("%w: %s at version %d, have %d", ErrConflict, inst.ID, version, inst.Version)
	}

	inst.Version++
	snapshot := inst.Clone()
	apply := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.instances[snapshot.ID] = snapshot
	}
	if tx == nil {
		apply()
		return nil
	}
	tx.AfterCommit(apply)
	return nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, filter Filter) ([]*Instance, error) {
	s.mu.RLock()
	var out []*Instance
	for _, inst := range s.instances {
		if filter.matches(inst) {
			out = append(out, inst.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Archive implements Store.
func (s *MemoryStore) Archive(_ context.Context, finishedBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, inst := range s.instances {
		if inst.State.IsTerminal() && inst.FinishedAt.Before(finishedBefore) {
			delete(s.instances, id)
			n++
		}
	}
	return n, nil
}

// Compile-time interface check
var _ Store = (*MemoryStore)(nil)
