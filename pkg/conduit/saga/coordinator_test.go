package saga_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/randalmurphal/conduit/pkg/conduit/errors"
	"github.com/randalmurphal/conduit/pkg/conduit/event"
	"github.com/randalmurphal/conduit/pkg/conduit/observability"
	"github.com/randalmurphal/conduit/pkg/conduit/outbox"
	"github.com/randalmurphal/conduit/pkg/conduit/saga"
)

type recordingMetrics struct {
	observability.NoopMetrics
	mu          sync.Mutex
	transitions []string
	anomalies   []string
}

func (m *recordingMetrics) RecordSagaTransition(_ context.Context, _, from, to string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions = append(m.transitions, from+">"+to)
}

func (m *recordingMetrics) RecordAnomaly(_ context.Context, kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.anomalies = append(m.anomalies, kind)
}

// threeSteps is a saga whose third step fails terminally.
type threeSteps struct {
	compensated [3]atomic.Int32
	failStep2   error
	failComp1   error
}

func (s *threeSteps) definition() *saga.Definition {
	emit := func(eventType string) saga.StepFunc {
		return func(_ context.Context, sc *saga.StepContext) ([]event.Event, error) {
			evt, err := sc.NewEvent(eventType, "thing", "x", map[string]int{"step": sc.Step})
			if err != nil {
				return nil, err
			}
			return []event.Event{evt}, nil
		}
	}
	return &saga.Definition{
		Type: "three-steps",
		Steps: []saga.Step{
			{Name: "zero", Trigger: "test.Started", Action: emit("test.Cmd0")},
			{
				Name: "one", Trigger: "test.Done0", Action: emit("test.Cmd1"),
				Compensate: func(ctx context.Context, sc *saga.StepContext) ([]event.Event, error) {
					s.compensated[1].Add(1)
					if s.failComp1 != nil {
						return nil, s.failComp1
					}
					return emit("test.Undo1")(ctx, sc)
				},
			},
			{
				Name: "two", Trigger: "test.Done1",
				Action: func(ctx context.Context, sc *saga.StepContext) ([]event.Event, error) {
					if s.failStep2 != nil {
						return nil, s.failStep2
					}
					return emit("test.Cmd2")(ctx, sc)
				},
				Compensate: func(_ context.Context, _ *saga.StepContext) ([]event.Event, error) {
					s.compensated[2].Add(1)
					return nil, nil
				},
			},
		},
		OnFailure: emit("test.Failed"),
	}
}

func pendingTypes(t *testing.T, ob outbox.Store) []string {
	t.Helper()
	recs, err := ob.ListByStatus(context.Background(), outbox.StatusPending, time.Time{}, 0)
	require.NoError(t, err)
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Event.Type()
	}
	return out
}

func pendingOf(t *testing.T, ob outbox.Store, eventType string) []event.Event {
	t.Helper()
	recs, err := ob.ListByStatus(context.Background(), outbox.StatusPending, time.Time{}, 0)
	require.NoError(t, err)
	var out []event.Event
	for _, r := range recs {
		if r.Event.Type() == eventType {
			out = append(out, r.Event)
		}
	}
	return out
}

func TestCoordinator_TerminalStepCompensatesInReverse(t *testing.T) {
	for _, bk := range backends {
		t.Run(bk.name, func(t *testing.T) {
			b := bk.new(t)
			ctx := context.Background()
			metrics := &recordingMetrics{}
			steps := &threeSteps{failStep2: cerrors.Terminal(errors.New("quota exceeded"), "step two")}
			coord := saga.NewCoordinator(b.store, b.outbox, saga.WithMetrics(metrics))
			require.NoError(t, coord.Register(steps.definition()))

			start := event.MustNew("test.Started", "thing", "x", nil)
			done0 := event.MustNewFromParent(start, "test.Done0", "thing", "x", nil)
			done1 := event.MustNewFromParent(done0, "test.Done1", "thing", "x", nil)

			require.NoError(t, coord.Handle(ctx, start))
			require.NoError(t, coord.Handle(ctx, done0))
			require.NoError(t, coord.Handle(ctx, done1))

			inst, err := coord.Get(ctx, start.ID())
			require.NoError(t, err)
			assert.Equal(t, saga.StateFailed, inst.State)
			assert.Contains(t, inst.Error, "quota exceeded")
			assert.Empty(t, inst.CompensationError)
			assert.False(t, inst.FinishedAt.IsZero())
			require.Len(t, inst.Steps, 2)
			assert.False(t, inst.Steps[0].Compensated, "step 0 is a fact")
			assert.True(t, inst.Steps[1].Compensated)

			assert.Equal(t, int32(1), steps.compensated[1].Load())
			assert.Equal(t, int32(0), steps.compensated[2].Load(), "failed step never completed")

			// Redelivery of the failed trigger is ignored.
			require.NoError(t, coord.Handle(ctx, done1))
			assert.Equal(t, int32(1), steps.compensated[1].Load())

			assert.Equal(t, []string{"test.Cmd0", "test.Cmd1", "test.Undo1", "test.Failed"}, pendingTypes(t, b.outbox))
			for _, evt := range pendingOf(t, b.outbox, "test.Failed") {
				assert.Equal(t, start.ID(), evt.CorrelationID())
			}
			assert.Equal(t, []string{">RUNNING", "RUNNING>COMPENSATING", "COMPENSATING>FAILED"}, metrics.transitions)
		})
	}
}

func TestCoordinator_CompletesAllSteps(t *testing.T) {
	for _, bk := range backends {
		t.Run(bk.name, func(t *testing.T) {
			b := bk.new(t)
			ctx := context.Background()
			steps := &threeSteps{}
			coord := saga.NewCoordinator(b.store, b.outbox)
			coord.MustRegister(steps.definition())

			start := event.MustNew("test.Started", "thing", "x", nil)
			done0 := event.MustNewFromParent(start, "test.Done0", "thing", "x", nil)
			done1 := event.MustNewFromParent(done0, "test.Done1", "thing", "x", nil)
			for _, evt := range []event.Event{start, done0, done1} {
				require.NoError(t, coord.Handle(ctx, evt))
			}

			inst, err := coord.Get(ctx, start.ID())
			require.NoError(t, err)
			assert.Equal(t, saga.StateCompleted, inst.State)
			assert.Equal(t, 3, inst.CurrentStep)
			require.Len(t, inst.Steps, 3)
			assert.Equal(t, done1.ID(), inst.Steps[2].TriggerEventID)
			assert.Len(t, inst.Steps[2].Emitted, 1)
			assert.Equal(t, []string{"test.Cmd0", "test.Cmd1", "test.Cmd2"}, pendingTypes(t, b.outbox))

			cmd2 := pendingOf(t, b.outbox, "test.Cmd2")
			require.Len(t, cmd2, 1)
			assert.Equal(t, done1.ID(), cmd2[0].CausationID())
			assert.Equal(t, start.ID(), cmd2[0].CorrelationID())
		})
	}
}

func TestCoordinator_IgnoresUnexpectedEvents(t *testing.T) {
	b := backends[0].new(t)
	ctx := context.Background()
	coord := saga.NewCoordinator(b.store, b.outbox)
	coord.MustRegister((&threeSteps{}).definition())

	// A later step with no saga behind it.
	stray := event.MustNew("test.Done0", "thing", "x", nil)
	require.NoError(t, coord.Handle(ctx, stray))
	_, err := coord.Get(ctx, stray.CorrelationID())
	assert.ErrorIs(t, err, saga.ErrNotFound)

	start := event.MustNew("test.Started", "thing", "x", nil)
	require.NoError(t, coord.Handle(ctx, start))

	// Out of order: step 2's trigger while the saga waits for step 1.
	early := event.MustNewFromParent(start, "test.Done1", "thing", "x", nil)
	require.NoError(t, coord.Handle(ctx, early))

	// Replayed start.
	require.NoError(t, coord.Handle(ctx, start))

	inst, err := coord.Get(ctx, start.ID())
	require.NoError(t, err)
	assert.Equal(t, saga.StateRunning, inst.State)
	assert.Equal(t, 1, inst.CurrentStep)
	assert.Equal(t, []string{"test.Cmd0"}, pendingTypes(t, b.outbox))
}

func TestCoordinator_TransientActionErrorIsReturned(t *testing.T) {
	b := backends[0].new(t)
	ctx := context.Background()
	steps := &threeSteps{failStep2: errors.New("billing unavailable")}
	coord := saga.NewCoordinator(b.store, b.outbox)
	coord.MustRegister(steps.definition())

	start := event.MustNew("test.Started", "thing", "x", nil)
	done0 := event.MustNewFromParent(start, "test.Done0", "thing", "x", nil)
	done1 := event.MustNewFromParent(done0, "test.Done1", "thing", "x", nil)
	require.NoError(t, coord.Handle(ctx, start))
	require.NoError(t, coord.Handle(ctx, done0))

	err := coord.Handle(ctx, done1)
	require.Error(t, err)
	assert.True(t, cerrors.IsRetryable(err))

	inst, err := coord.Get(ctx, start.ID())
	require.NoError(t, err)
	assert.Equal(t, saga.StateRunning, inst.State)
	assert.Equal(t, 2, inst.CurrentStep)

	steps.failStep2 = nil
	require.NoError(t, coord.Handle(ctx, done1))
	inst, err = coord.Get(ctx, start.ID())
	require.NoError(t, err)
	assert.Equal(t, saga.StateCompleted, inst.State)
}

func TestCoordinator_CompensationFailureEscalates(t *testing.T) {
	b := backends[0].new(t)
	ctx := context.Background()
	metrics := &recordingMetrics{}
	steps := &threeSteps{
		failStep2: cerrors.Terminal(errors.New("rejected"), ""),
		failComp1: errors.New("endpoint api down"),
	}
	coord := saga.NewCoordinator(b.store, b.outbox, saga.WithMetrics(metrics))
	coord.MustRegister(steps.definition())

	start := event.MustNew("test.Started", "thing", "x", nil)
	done0 := event.MustNewFromParent(start, "test.Done0", "thing", "x", nil)
	done1 := event.MustNewFromParent(done0, "test.Done1", "thing", "x", nil)
	for _, evt := range []event.Event{start, done0, done1} {
		require.NoError(t, coord.Handle(ctx, evt))
	}

	inst, err := coord.Get(ctx, start.ID())
	require.NoError(t, err)
	assert.Equal(t, saga.StateFailed, inst.State)
	assert.Contains(t, inst.CompensationError, "endpoint api down")
	assert.False(t, inst.Steps[1].Compensated)
	assert.Equal(t, int32(1), steps.compensated[1].Load())
	assert.Equal(t, []string{"saga_compensation_failed"}, metrics.anomalies)
	assert.Equal(t, []string{"test.Cmd0", "test.Cmd1", "test.Failed"}, pendingTypes(t, b.outbox))
}

func TestCoordinator_OnTerminalFailureCompensatesModelDeployment(t *testing.T) {
	for _, bk := range backends {
		t.Run(bk.name, func(t *testing.T) {
			b := bk.new(t)
			ctx := context.Background()
			coord := saga.NewCoordinator(b.store, b.outbox)
			coord.MustRegister(saga.ModelDeployment())

			deployed := event.MustNew(saga.ModelDeployed, "model", "m1", saga.ModelDeployedPayload{ModelID: "m1"})
			require.NoError(t, coord.Handle(ctx, deployed))

			provision := pendingOf(t, b.outbox, saga.ProvisionEndpoint)
			require.Len(t, provision, 1)
			provisioned := event.MustNewFromParent(provision[0], saga.EndpointProvisioned, "endpoint", "ep-m1",
				saga.EndpointPayload{ModelID: "m1", EndpointID: "ep-m1"})
			require.NoError(t, coord.Handle(ctx, provisioned))

			open := pendingOf(t, b.outbox, saga.OpenUsageRecord)
			require.Len(t, open, 1)

			// Billing gives up on the command.
			require.NoError(t, coord.OnTerminalFailure(ctx, open[0], "billing/open-usage-record", errors.New("no billing account")))

			inst, err := coord.Get(ctx, deployed.ID())
			require.NoError(t, err)
			assert.Equal(t, saga.StateFailed, inst.State)
			assert.Contains(t, inst.Error, "billing/open-usage-record")

			deprovision := pendingOf(t, b.outbox, saga.DeprovisionEndpoint)
			require.Len(t, deprovision, 1)
			payload, err := event.DecodePayload[saga.EndpointPayload](deprovision[0])
			require.NoError(t, err)
			assert.Equal(t, saga.EndpointPayload{ModelID: "m1", EndpointID: "ep-m1"}, payload)

			failed := pendingOf(t, b.outbox, saga.ModelDeploymentFailed)
			require.Len(t, failed, 1)
			assert.Equal(t, deployed.ID(), failed[0].CorrelationID())
			reason, err := event.DecodePayload[saga.ModelDeploymentFailedPayload](failed[0])
			require.NoError(t, err)
			assert.Equal(t, "m1", reason.ModelID)
			assert.Contains(t, reason.Reason, "no billing account")

			// A second notification for a finished saga changes nothing.
			require.NoError(t, coord.OnTerminalFailure(ctx, open[0], "billing/open-usage-record", errors.New("again")))
			assert.Len(t, pendingOf(t, b.outbox, saga.DeprovisionEndpoint), 1)

			reg := event.NewSchemaRegistry()
			for _, s := range saga.ModelDeploymentSchemas() {
				require.NoError(t, reg.Register(s))
			}
			for _, evt := range []event.Event{deployed, provisioned, provision[0], open[0], deprovision[0], failed[0]} {
				assert.NoError(t, reg.Validate(evt), evt.Type())
			}
		})
	}
}

func TestCoordinator_OnTerminalFailureWithoutSaga(t *testing.T) {
	b := backends[0].new(t)
	coord := saga.NewCoordinator(b.store, b.outbox)
	coord.MustRegister(saga.ModelDeployment())

	orphan := event.MustNew("audit.Logged", "audit", "a1", nil)
	require.NoError(t, coord.OnTerminalFailure(context.Background(), orphan, "audit/log", errors.New("boom")))
	assert.Empty(t, pendingTypes(t, b.outbox))
}

// flakyOutbox fails the next commit while armed.
type flakyOutbox struct {
	outbox.Store
	armed atomic.Bool
}

func (f *flakyOutbox) CommitWithEvent(ctx context.Context, change outbox.StateChange, events ...event.Event) ([]outbox.Record, error) {
	if f.armed.CompareAndSwap(true, false) {
		return nil, cerrors.CommitFailure(errors.New("database is locked"), "commit")
	}
	return f.Store.CommitWithEvent(ctx, change, events...)
}

func TestCoordinator_OnTerminalFailureReportsUncommittedCompensation(t *testing.T) {
	for _, bk := range backends {
		t.Run(bk.name, func(t *testing.T) {
			b := bk.new(t)
			ob := &flakyOutbox{Store: b.outbox}
			ctx := context.Background()
			coord := saga.NewCoordinator(b.store, ob)
			coord.MustRegister(saga.ModelDeployment())

			deployed := event.MustNew(saga.ModelDeployed, "model", "m1", saga.ModelDeployedPayload{ModelID: "m1"})
			require.NoError(t, coord.Handle(ctx, deployed))
			provision := pendingOf(t, b.outbox, saga.ProvisionEndpoint)
			require.Len(t, provision, 1)
			require.NoError(t, coord.Handle(ctx, event.MustNewFromParent(provision[0], saga.EndpointProvisioned,
				"endpoint", "ep-m1", saga.EndpointPayload{ModelID: "m1", EndpointID: "ep-m1"})))
			open := pendingOf(t, b.outbox, saga.OpenUsageRecord)
			require.Len(t, open, 1)

			ob.armed.Store(true)
			err := coord.OnTerminalFailure(ctx, open[0], "billing/open-usage-record", errors.New("no billing account"))
			require.Error(t, err)
			assert.True(t, cerrors.IsRetryable(err))
			assert.Contains(t, err.Error(), "database is locked")

			inst, err := coord.Get(ctx, deployed.ID())
			require.NoError(t, err)
			assert.Equal(t, saga.StateRunning, inst.State)
			assert.Empty(t, pendingOf(t, b.outbox, saga.DeprovisionEndpoint))

			// The redelivered failure completes the compensation.
			require.NoError(t, coord.OnTerminalFailure(ctx, open[0], "billing/open-usage-record", errors.New("no billing account")))
			inst, err = coord.Get(ctx, deployed.ID())
			require.NoError(t, err)
			assert.Equal(t, saga.StateFailed, inst.State)
			assert.Len(t, pendingOf(t, b.outbox, saga.DeprovisionEndpoint), 1)
			assert.Len(t, pendingOf(t, b.outbox, saga.ModelDeploymentFailed), 1)
		})
	}
}

func TestCoordinator_RecoverResumesCompensation(t *testing.T) {
	b := backends[1].new(t)
	ctx := context.Background()
	steps := &threeSteps{}
	coord := saga.NewCoordinator(b.store, b.outbox)
	coord.MustRegister(steps.definition())

	// Persisted as a crash would leave it: compensating, nothing undone yet.
	inst := newInstance("crashed", saga.StateCompensating, t0)
	inst.Type = "three-steps"
	inst.CurrentStep = 2
	inst.Error = "step two rejected"
	inst.Steps = []saga.StepRecord{
		{Index: 0, Name: "zero", CompletedAt: t0},
		{Index: 1, Name: "one", CompletedAt: t0},
	}
	save(t, b, inst)
	save(t, b, newInstance("done", saga.StateCompleted, t0))

	n, err := coord.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := coord.Get(ctx, "crashed")
	require.NoError(t, err)
	assert.Equal(t, saga.StateFailed, got.State)
	assert.True(t, got.Steps[1].Compensated)
	assert.Equal(t, int32(1), steps.compensated[1].Load())

	undo := pendingOf(t, b.outbox, "test.Undo1")
	require.Len(t, undo, 1)
	assert.Equal(t, "crashed", undo[0].CorrelationID())

	n, err = coord.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, int32(1), steps.compensated[1].Load())
}

func TestCoordinator_Archive(t *testing.T) {
	b := backends[0].new(t)
	ctx := context.Background()
	now := t0.Add(48 * time.Hour)
	coord := saga.NewCoordinator(b.store, b.outbox, saga.WithClock(func() time.Time { return now }))

	save(t, b, newInstance("old", saga.StateCompleted, t0))
	save(t, b, newInstance("recent", saga.StateFailed, now.Add(-time.Hour)))

	n, err := coord.Archive(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = coord.Get(ctx, "old")
	assert.ErrorIs(t, err, saga.ErrNotFound)
	_, err = coord.Get(ctx, "recent")
	assert.NoError(t, err)
}

func TestCoordinator_Register(t *testing.T) {
	b := backends[0].new(t)
	coord := saga.NewCoordinator(b.store, b.outbox)
	require.NoError(t, coord.Register(saga.ModelDeployment()))

	assert.Equal(t, []string{saga.UsageRecordOpened, saga.EndpointProvisioned, saga.ModelDeployed}, coord.Triggers())

	assert.Error(t, coord.Register(saga.ModelDeployment()), "duplicate type")

	clash := &saga.Definition{
		Type:  "other",
		Steps: []saga.Step{{Name: "s", Trigger: saga.ModelDeployed, Action: func(context.Context, *saga.StepContext) ([]event.Event, error) { return nil, nil }}},
	}
	assert.Error(t, coord.Register(clash), "step 0 trigger owned by another saga")

	assert.Error(t, coord.Register(&saga.Definition{Type: "empty"}))
	assert.Error(t, coord.Register(&saga.Definition{Type: "dup", Steps: []saga.Step{
		{Name: "a", Trigger: "x", Action: clash.Steps[0].Action},
		{Name: "b", Trigger: "x", Action: clash.Steps[0].Action},
	}}))
}
