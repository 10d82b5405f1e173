// Package saga coordinates multi-step workflows that span bounded contexts.
//
// A saga is an explicit state machine persisted as an Instance. Each step is
// triggered by an event type; the instance is found through the event's
// correlation id, which is also the saga id. A step's Action returns the
// events to emit (commands for other contexts); the instance update and
// those events are committed through the outbox in one unit. When a step
// fails terminally, the completed steps are compensated in reverse order and
// the saga ends FAILED.
//
//	RUNNING -> COMPLETED
//	RUNNING -> COMPENSATING -> FAILED
package saga

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/randalmurphal/conduit/pkg/conduit/event"
)

// State is the lifecycle state of a saga instance.
type State string

// Saga states.
const (
	StateRunning      State = "RUNNING"
	StateCompensating State = "COMPENSATING"
	StateCompleted    State = "COMPLETED"
	StateFailed       State = "FAILED"
)

// IsTerminal reports whether s is COMPLETED or FAILED.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// ErrNotFound is returned when no instance exists for a saga id.
var ErrNotFound = errors.New("saga instance not found")

// ErrConflict is returned when an instance was modified concurrently.
var ErrConflict = errors.New("saga instance modified concurrently")

// StepFunc is a step action or compensation. It returns the events to emit.
type StepFunc func(ctx context.Context, sc *StepContext) ([]event.Event, error)

// Step is one step of a saga definition.
type Step struct {
	// Name identifies the step in logs and step records.
	Name string

	// Trigger is the event type that runs the step.
	Trigger string

	// Action performs the step. A terminal error starts compensation; any
	// other error is returned so the delivery is retried.
	Action StepFunc

	// Compensate undoes a completed step. Nil means the step is a fact that
	// cannot be undone and is skipped during compensation.
	Compensate StepFunc
}

// Definition describes a saga type.
type Definition struct {
	// Type names the saga type.
	Type string

	// Steps run in order; step 0's trigger creates the instance.
	Steps []Step

	// OnFailure returns the events emitted once the saga is FAILED.
	OnFailure StepFunc
}

// Validate checks the definition.
func (d *Definition) Validate() error {
	if d.Type == "" {
		return errors.New("saga type is required")
	}
	if len(d.Steps) == 0 {
		return errors.New("saga must have at least one step")
	}
	seen := make(map[string]bool, len(d.Steps))
	for i, step := range d.Steps {
		if step.Name == "" {
			return fmt.Errorf("step %d: name is required", i)
		}
		if step.Trigger == "" {
			return fmt.Errorf("step %d (%s): trigger is required", i, step.Name)
		}
		if seen[step.Trigger] {
			return fmt.Errorf("step %d (%s): trigger %s used twice", i, step.Name, step.Trigger)
		}
		seen[step.Trigger] = true
		if step.Action == nil {
			return fmt.Errorf("step %d (%s): action is required", i, step.Name)
		}
	}
	return nil
}

// StepRecord is the audit entry of a completed step.
type StepRecord struct {
	Index          int       `json:"index"`
	Name           string    `json:"name"`
	TriggerEventID string    `json:"trigger_event_id"`
	Emitted        []string  `json:"emitted,omitempty"`
	CompletedAt    time.Time `json:"completed_at"`
	Compensated    bool      `json:"compensated,omitempty"`
	CompensatedAt  time.Time `json:"compensated_at,omitzero"`
}

// Instance is the persisted state of one saga.
type Instance struct {
	ID                string            `json:"saga_id"`
	Type              string            `json:"saga_type"`
	CurrentStep       int               `json:"current_step"`
	State             State             `json:"state"`
	Steps             []StepRecord      `json:"steps"`
	Data              map[string]string `json:"data,omitempty"`
	Error             string            `json:"error,omitempty"`
	CompensationError string            `json:"compensation_error,omitempty"`
	LastEventID       string            `json:"last_event_id,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
	FinishedAt        time.Time         `json:"finished_at,omitzero"`

	// Version is bumped by every save and guards concurrent updates.
	Version int64 `json:"version"`
}

// Clone returns a deep copy.
func (i *Instance) Clone() *Instance {
	c := *i
	c.Steps = make([]StepRecord, len(i.Steps))
	for k, rec := range i.Steps {
		rec.Emitted = slices.Clone(rec.Emitted)
		c.Steps[k] = rec
	}
	c.Data = maps.Clone(i.Data)
	return &c
}

// StepContext is handed to step actions and compensations.
type StepContext struct {
	// SagaID is the saga's correlation id.
	SagaID string

	// Step is the index of the running step.
	Step int

	// Event is the triggering event. It is zero during compensation and
	// failure handling started without an event, for example by Recover.
	Event event.Event

	// Data is saga-scoped state. Changes are persisted with the step.
	Data map[string]string

	// Reason is the failure that started compensation, if any.
	Reason string

	causationID string
}

// NewEvent builds an event correlated to the saga and caused by the
// context's event (or the saga's last event when there is none).
func (sc *StepContext) NewEvent(eventType, aggregateType, aggregateID string, payload any) (event.Event, error) {
	if !sc.Event.IsZero() {
		return event.NewFromParent(sc.Event, eventType, aggregateType, aggregateID, payload)
	}
	return event.New(eventType, aggregateType, aggregateID, payload,
		event.WithCorrelationID(sc.SagaID), event.WithCausationID(sc.causationID))
}

// Filter selects instances in List.
type Filter struct {
	// Type restricts to one saga type.
	Type string

	// States restricts to the given states.
	States []State

	// UpdatedBefore restricts to instances last updated before the time.
	UpdatedBefore time.Time

	// Limit bounds the number of results. Zero means no limit.
	Limit int
}

func (f Filter) matches(inst *Instance) bool {
	if f.Type != "" && inst.Type != f.Type {
		return false
	}
	if len(f.States) > 0 && !slices.Contains(f.States, inst.State) {
		return false
	}
	if !f.UpdatedBefore.IsZero() && !inst.UpdatedAt.Before(f.UpdatedBefore) {
		return false
	}
	return true
}
