package saga

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"slices"
	"sync"
	"time"

	cerrors "github.com/randalmurphal/conduit/pkg/conduit/errors"
	"github.com/randalmurphal/conduit/pkg/conduit/event"
	"github.com/randalmurphal/conduit/pkg/conduit/observability"
	"github.com/randalmurphal/conduit/pkg/conduit/outbox"
)

const lockStripes = 64

type stepRef struct {
	def   *Definition
	index int
}

// Coordinator drives saga instances. It is an event.Handler for every step
// trigger and a terminal failure sink for the deliveries of emitted
// commands.
type Coordinator struct {
	store   Store
	outbox  outbox.Store
	logger  *slog.Logger
	metrics observability.MetricsRecorder
	now     func() time.Time

	mu        sync.RWMutex
	defs      map[string]*Definition
	byTrigger map[string][]stepRef

	locks [lockStripes]sync.Mutex
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(c *Coordinator) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithClock sets the time source (default: time.Now in UTC).
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = func() time.Time { return now().UTC() }
		}
	}
}

// NewCoordinator creates a coordinator persisting instances in store and
// emitting events through ob.
func NewCoordinator(store Store, ob outbox.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:     store,
		outbox:    ob,
		logger:    slog.Default(),
		metrics:   observability.NoopMetrics{},
		now:       func() time.Time { return time.Now().UTC() },
		defs:      make(map[string]*Definition),
		byTrigger: make(map[string][]stepRef),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register adds a saga definition. Step 0 triggers must be unique across
// definitions because the triggering event's correlation id is the saga id.
func (c *Coordinator) Register(def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.defs[def.Type]; exists {
		return fmt.Errorf("saga %s already registered", def.Type)
	}
	for _, ref := range c.byTrigger[def.Steps[0].Trigger] {
		if ref.index == 0 {
			return fmt.Errorf("saga %s: trigger %s already starts saga %s", def.Type, def.Steps[0].Trigger, ref.def.Type)
		}
	}

	c.defs[def.Type] = def
	for i, step := range def.Steps {
		c.byTrigger[step.Trigger] = append(c.byTrigger[step.Trigger], stepRef{def: def, index: i})
	}
	return nil
}

// MustRegister is Register that panics on error.
func (c *Coordinator) MustRegister(defs ...*Definition) *Coordinator {
	for _, def := range defs {
		if err := c.Register(def); err != nil {
			panic(err)
		}
	}
	return c
}

// Triggers returns the event types the coordinator must receive, sorted.
func (c *Coordinator) Triggers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.byTrigger))
	for t := range c.byTrigger {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// Handle implements event.Handler.
func (c *Coordinator) Handle(ctx context.Context, evt event.Event) error {
	c.mu.RLock()
	refs := c.byTrigger[evt.Type()]
	c.mu.RUnlock()

	var errs []error
	for _, ref := range refs {
		if err := c.advance(ctx, ref, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// advance runs step ref.index for the saga correlated to evt.
func (c *Coordinator) advance(ctx context.Context, ref stepRef, evt event.Event) error {
	sagaID := evt.CorrelationID()
	unlock := c.lock(sagaID)
	defer unlock()

	inst, err := c.store.Get(ctx, sagaID)
	switch {
	case err == nil:
		if inst.Type != ref.def.Type || inst.State != StateRunning || inst.CurrentStep != ref.index {
			c.logger.Debug("saga ignores event",
				"saga_id", sagaID, "saga_type", ref.def.Type, "event_id", evt.ID(), "event_type", evt.Type(),
				"state", string(inst.State), "current_step", inst.CurrentStep)
			return nil
		}
	case errors.Is(err, ErrNotFound):
		if ref.index != 0 {
			c.logger.Debug("no saga for correlated event",
				"saga_id", sagaID, "saga_type", ref.def.Type, "event_id", evt.ID(), "event_type", evt.Type())
			return nil
		}
		now := c.now()
		inst = &Instance{
			ID:        sagaID,
			Type:      ref.def.Type,
			State:     StateRunning,
			Data:      make(map[string]string),
			CreatedAt: now,
			UpdatedAt: now,
		}
	default:
		return fmt.Errorf("load saga %s: %w", sagaID, err)
	}

	step := ref.def.Steps[ref.index]
	sc := &StepContext{SagaID: sagaID, Step: ref.index, Event: evt, Data: cloneData(inst.Data)}
	emitted, aerr := step.Action(ctx, sc)
	if aerr != nil {
		if cerrors.IsTerminal(aerr) || cerrors.IsSchemaViolation(aerr) {
			return c.compensate(ctx, ref.def, inst, evt, fmt.Errorf("step %s: %w", step.Name, aerr))
		}
		return aerr
	}

	created := inst.Version == 0
	from := inst.State
	now := c.now()
	inst.Data = sc.Data
	inst.Steps = append(inst.Steps, StepRecord{
		Index:          ref.index,
		Name:           step.Name,
		TriggerEventID: evt.ID(),
		Emitted:        eventIDs(emitted),
		CompletedAt:    now,
	})
	inst.CurrentStep = ref.index + 1
	inst.LastEventID = evt.ID()
	inst.UpdatedAt = now
	if inst.CurrentStep == len(ref.def.Steps) {
		inst.State = StateCompleted
		inst.FinishedAt = now
	}

	if err := c.commit(ctx, inst, emitted); err != nil {
		return err
	}
	if created {
		c.transition(ctx, inst, "", StateRunning)
	}
	if inst.State != from {
		c.transition(ctx, inst, from, inst.State)
	}
	return nil
}

// OnTerminalFailure compensates the saga correlated to evt. A RUNNING saga
// starts compensating; a COMPENSATING one resumes where it stopped, so a
// redelivered failure finishes an interrupted compensation. Deliveries of
// events that belong to no saga are ignored. A returned error means the
// compensation is not fully committed and the failure must be delivered
// again.
func (c *Coordinator) OnTerminalFailure(ctx context.Context, evt event.Event, consumerID string, cause error) error {
	sagaID := evt.CorrelationID()
	unlock := c.lock(sagaID)
	defer unlock()

	inst, err := c.store.Get(ctx, sagaID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return cerrors.Transient(err, "load saga "+sagaID)
	}
	def, ok := c.definition(inst.Type)
	if !ok {
		c.logger.Error("saga type not registered", "saga_id", sagaID, "saga_type", inst.Type)
		return nil
	}

	switch inst.State {
	case StateRunning:
		cause = fmt.Errorf("%s failed: %w", consumerID, cause)
		if err := c.compensate(ctx, def, inst, evt, cause); err != nil {
			c.logger.Warn("saga compensation interrupted", "saga_id", sagaID, "error", err)
			return err
		}
	case StateCompensating:
		if err := c.unwind(ctx, def, inst, evt); err != nil {
			c.logger.Warn("saga compensation interrupted", "saga_id", sagaID, "error", err)
			return err
		}
	}
	return nil
}

// compensate moves inst to COMPENSATING, undoes its completed steps in
// reverse order and finishes it FAILED. Each compensation commits with the
// events it emits, so Recover resumes after the last committed one.
func (c *Coordinator) compensate(ctx context.Context, def *Definition, inst *Instance, trigger event.Event, cause error) error {
	from := inst.State
	created := inst.Version == 0
	inst.State = StateCompensating
	inst.Error = cause.Error()
	inst.UpdatedAt = c.now()
	if !trigger.IsZero() {
		inst.LastEventID = trigger.ID()
	}
	if err := c.commit(ctx, inst, nil); err != nil {
		return err
	}
	if created {
		c.transition(ctx, inst, "", StateRunning)
	}
	c.transition(ctx, inst, from, StateCompensating)
	return c.unwind(ctx, def, inst, trigger)
}

// unwind runs the outstanding compensations of a COMPENSATING instance.
func (c *Coordinator) unwind(ctx context.Context, def *Definition, inst *Instance, trigger event.Event) error {
	for i := len(inst.Steps) - 1; i >= 0; i-- {
		rec := &inst.Steps[i]
		if rec.Compensated {
			continue
		}
		step := def.Steps[rec.Index]
		if step.Compensate == nil {
			continue
		}

		sc := c.stepContext(inst, rec.Index, trigger)
		emitted, err := step.Compensate(ctx, sc)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Escalate: stop unwinding and finish FAILED with the error kept.
			inst.CompensationError = fmt.Sprintf("compensate %s: %v", step.Name, err)
			c.logger.Error("saga compensation failed",
				"saga_id", inst.ID, "saga_type", inst.Type, "step", step.Name, "error", err)
			c.metrics.RecordAnomaly(ctx, "saga_compensation_failed")
			break
		}

		now := c.now()
		inst.Data = sc.Data
		rec.Compensated = true
		rec.CompensatedAt = now
		inst.UpdatedAt = now
		if err := c.commit(ctx, inst, emitted); err != nil {
			return err
		}
	}
	return c.fail(ctx, def, inst, trigger)
}

func (c *Coordinator) fail(ctx context.Context, def *Definition, inst *Instance, trigger event.Event) error {
	var emitted []event.Event
	if def.OnFailure != nil {
		sc := c.stepContext(inst, inst.CurrentStep, trigger)
		evs, err := def.OnFailure(ctx, sc)
		if err != nil {
			if !cerrors.IsTerminal(err) {
				return err
			}
			c.logger.Error("saga failure events dropped", "saga_id", inst.ID, "error", err)
		}
		emitted = evs
	}

	now := c.now()
	inst.State = StateFailed
	inst.FinishedAt = now
	inst.UpdatedAt = now
	if err := c.commit(ctx, inst, emitted); err != nil {
		return err
	}
	c.transition(ctx, inst, StateCompensating, StateFailed)
	return nil
}

// Recover resumes instances left COMPENSATING by a crash. It returns the
// number of instances finished.
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	pending, err := c.store.List(ctx, Filter{States: []State{StateCompensating}})
	if err != nil {
		return 0, fmt.Errorf("list compensating sagas: %w", err)
	}

	n := 0
	var errs []error
	for _, listed := range pending {
		def, ok := c.definition(listed.Type)
		if !ok {
			errs = append(errs, fmt.Errorf("saga %s: type %s not registered", listed.ID, listed.Type))
			continue
		}
		if err := c.recoverOne(ctx, def, listed.ID); err != nil {
			errs = append(errs, fmt.Errorf("saga %s: %w", listed.ID, err))
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

func (c *Coordinator) recoverOne(ctx context.Context, def *Definition, sagaID string) error {
	unlock := c.lock(sagaID)
	defer unlock()

	inst, err := c.store.Get(ctx, sagaID)
	if err != nil {
		return err
	}
	if inst.State != StateCompensating {
		return nil
	}
	c.logger.Info("resuming saga compensation", "saga_id", sagaID, "saga_type", inst.Type)
	return c.unwind(ctx, def, inst, event.Event{})
}

// Archive removes finished instances older than retention.
func (c *Coordinator) Archive(ctx context.Context, retention time.Duration) (int, error) {
	return c.store.Archive(ctx, c.now().Add(-retention))
}

// Get returns the instance for a saga id.
func (c *Coordinator) Get(ctx context.Context, sagaID string) (*Instance, error) {
	return c.store.Get(ctx, sagaID)
}

func (c *Coordinator) commit(ctx context.Context, inst *Instance, emitted []event.Event) error {
	_, err := c.outbox.CommitWithEvent(ctx, func(ctx context.Context, tx outbox.Tx) error {
		return c.store.Save(ctx, tx, inst)
	}, emitted...)
	if err != nil {
		// The step is redelivered and runs again against the stored state.
		return cerrors.Transient(err, "commit saga "+inst.ID)
	}
	return nil
}

func (c *Coordinator) transition(ctx context.Context, inst *Instance, from, to State) {
	observability.LogSagaTransition(c.logger, inst.ID, inst.Type, string(from), string(to), inst.CurrentStep)
	c.metrics.RecordSagaTransition(ctx, inst.Type, string(from), string(to))
}

func (c *Coordinator) stepContext(inst *Instance, step int, trigger event.Event) *StepContext {
	return &StepContext{
		SagaID:      inst.ID,
		Step:        step,
		Event:       trigger,
		Data:        cloneData(inst.Data),
		Reason:      inst.Error,
		causationID: inst.LastEventID,
	}
}

func (c *Coordinator) definition(sagaType string) (*Definition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.defs[sagaType]
	return def, ok
}

// lock serializes work on one saga within this process.
func (c *Coordinator) lock(sagaID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sagaID))
	m := &c.locks[h.Sum32()%lockStripes]
	m.Lock()
	return m.Unlock
}

func cloneData(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func eventIDs(evts []event.Event) []string {
	if len(evts) == 0 {
		return nil
	}
	out := make([]string, len(evts))
	for i, e := range evts {
		out[i] = e.ID()
	}
	return out
}
