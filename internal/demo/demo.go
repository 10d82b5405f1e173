// Package demo wires the model deployment workflow across three bounded
// contexts: mlm (the model lifecycle, which owns the saga), inference and
// billing. It is shared by the conduit CLI and the example program.
package demo

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/randalmurphal/conduit/pkg/conduit"
	"github.com/randalmurphal/conduit/pkg/conduit/bus"
	"github.com/randalmurphal/conduit/pkg/conduit/dispatch"
	cerrors "github.com/randalmurphal/conduit/pkg/conduit/errors"
	"github.com/randalmurphal/conduit/pkg/conduit/event"
	"github.com/randalmurphal/conduit/pkg/conduit/outbox"
	"github.com/randalmurphal/conduit/pkg/conduit/saga"
)

// Bounded context names.
const (
	ContextMLM       = "mlm"
	ContextInference = "inference"
	ContextBilling   = "billing"
)

// Committer commits aggregate state with events. *conduit.Runtime
// implements it.
type Committer interface {
	CommitWithEvent(ctx context.Context, change outbox.StateChange, events ...event.Event) ([]outbox.Record, error)
}

var errAlreadyApplied = errors.New("already applied")

// commitOnce writes value under key and emits evt, unless key exists. A
// handler that ran before and committed is then a no-op.
func commitOnce(ctx context.Context, c Committer, key string, value any, evt event.Event) error {
	data, err := json.Marshal(value)
	if err != nil {
		return cerrors.Terminal(err, "encode "+key)
	}
	_, err = c.CommitWithEvent(ctx, func(ctx context.Context, tx outbox.Tx) error {
		_, exists, err := tx.Get(ctx, key)
		if err != nil {
			return err
		}
		if exists {
			return errAlreadyApplied
		}
		return tx.Put(ctx, key, data)
	}, evt)
	if errors.Is(err, errAlreadyApplied) {
		return nil
	}
	if err != nil {
		return cerrors.Transient(err, "commit "+key)
	}
	return nil
}

// rejects is a set of model ids a context refuses.
type rejects struct {
	mu  sync.RWMutex
	ids map[string]bool
}

func (r *rejects) Reject(modelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ids == nil {
		r.ids = make(map[string]bool)
	}
	r.ids[modelID] = true
}

func (r *rejects) rejected(modelID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ids[modelID]
}

// Inference provisions endpoints for deployed models.
type Inference struct {
	Outbox Committer
	rejects
}

// Provision handles inference.ProvisionEndpoint.
func (i *Inference) Provision() event.Handler {
	return event.TypedHandler(func(ctx context.Context, evt event.Event, p saga.ProvisionEndpointPayload) error {
		if i.rejected(p.ModelID) {
			return cerrors.Terminal(fmt.Errorf("no capacity for model %s", p.ModelID), "provision endpoint")
		}
		ep := saga.EndpointPayload{ModelID: p.ModelID, EndpointID: "ep-" + p.ModelID}
		provisioned, err := event.NewFromParent(evt, saga.EndpointProvisioned, "endpoint", ep.EndpointID, ep)
		if err != nil {
			return cerrors.Terminal(err, "build event")
		}
		return commitOnce(ctx, i.Outbox, "endpoint:"+ep.EndpointID, ep, provisioned)
	})
}

// Deprovision handles inference.DeprovisionEndpoint.
func (i *Inference) Deprovision() event.Handler {
	return event.TypedHandler(func(ctx context.Context, _ event.Event, p saga.EndpointPayload) error {
		_, err := i.Outbox.CommitWithEvent(ctx, func(ctx context.Context, tx outbox.Tx) error {
			return tx.Delete(ctx, "endpoint:"+p.EndpointID)
		})
		if err != nil {
			return cerrors.Transient(err, "deprovision "+p.EndpointID)
		}
		return nil
	})
}

// Billing opens usage records for provisioned endpoints.
type Billing struct {
	Outbox Committer
	rejects
}

// OpenUsageRecord handles billing.OpenUsageRecord.
func (b *Billing) OpenUsageRecord() event.Handler {
	return event.TypedHandler(func(ctx context.Context, evt event.Event, p saga.OpenUsageRecordPayload) error {
		if b.rejected(p.ModelID) {
			return cerrors.Terminal(fmt.Errorf("no billing account for model %s", p.ModelID), "open usage record")
		}
		rec := saga.UsageRecordOpenedPayload{
			ModelID:       p.ModelID,
			EndpointID:    p.EndpointID,
			UsageRecordID: "ur-" + p.EndpointID,
		}
		opened, err := event.NewFromParent(evt, saga.UsageRecordOpened, "usage_record", rec.UsageRecordID, rec)
		if err != nil {
			return cerrors.Terminal(err, "build event")
		}
		return commitOnce(ctx, b.Outbox, "usage:"+rec.UsageRecordID, rec, opened)
	})
}

// Deploy records a deployed model in the mlm context and emits
// mlm.ModelDeployed, which starts the saga.
func Deploy(ctx context.Context, c Committer, modelID, version string) (event.Event, error) {
	p := saga.ModelDeployedPayload{ModelID: modelID, Version: version}
	evt, err := event.New(saga.ModelDeployed, "model", modelID, p)
	if err != nil {
		return event.Event{}, err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return event.Event{}, err
	}
	_, err = c.CommitWithEvent(ctx, func(ctx context.Context, tx outbox.Tx) error {
		return tx.Put(ctx, "model:"+modelID, data)
	}, evt)
	if err != nil {
		return event.Event{}, err
	}
	return evt, nil
}

// Pipeline is the three runtimes of the workflow on one bus.
type Pipeline struct {
	MLM       *conduit.Runtime
	Inference *conduit.Runtime
	Billing   *conduit.Runtime

	InferenceHandlers *Inference
	BillingHandlers   *Billing
}

//go:embed bindings.yaml
var defaultBindings []byte

// BindingsLoader resolves the workflow's bindings against its handler
// catalog.
type BindingsLoader func(*dispatch.Catalog) (*dispatch.Bindings, error)

// DefaultBindings loads the built-in bindings.
func DefaultBindings(catalog *dispatch.Catalog) (*dispatch.Bindings, error) {
	return dispatch.LoadBindings(defaultBindings, catalog)
}

// BindingsFile loads bindings from a YAML or JSON file.
func BindingsFile(path string) BindingsLoader {
	return func(catalog *dispatch.Catalog) (*dispatch.Bindings, error) {
		return dispatch.LoadBindingsFile(path, catalog)
	}
}

// NewPipeline builds the runtimes with the built-in bindings. stores
// returns the stores of a context.
func NewPipeline(b bus.Bus, stores func(contextName string) (conduit.Stores, error), cfg conduit.Config, opts ...conduit.Option) (*Pipeline, error) {
	return NewPipelineWith(b, stores, cfg, DefaultBindings, opts...)
}

// NewPipelineWith builds the runtimes and binds the handlers load returns.
// Every binding must name one of the workflow's contexts.
func NewPipelineWith(b bus.Bus, stores func(contextName string) (conduit.Stores, error), cfg conduit.Config, load BindingsLoader, opts ...conduit.Option) (*Pipeline, error) {
	build := func(name string) (*conduit.Runtime, error) {
		s, err := stores(name)
		if err != nil {
			return nil, fmt.Errorf("%s stores: %w", name, err)
		}
		reg := event.NewSchemaRegistry().MustRegister(saga.ModelDeploymentSchemas()...)
		return conduit.New(name, b, s, cfg, append([]conduit.Option{conduit.WithSchemas(reg)}, opts...)...)
	}

	p := &Pipeline{}
	var err error
	if p.MLM, err = build(ContextMLM); err != nil {
		return nil, err
	}
	if p.Inference, err = build(ContextInference); err != nil {
		return nil, err
	}
	if p.Billing, err = build(ContextBilling); err != nil {
		return nil, err
	}

	if err := p.MLM.RegisterSaga(saga.ModelDeployment()); err != nil {
		return nil, err
	}

	p.InferenceHandlers = &Inference{Outbox: p.Inference}
	p.BillingHandlers = &Billing{Outbox: p.Billing}
	bindings, err := load(p.Catalog())
	if err != nil {
		return nil, err
	}
	for _, name := range bindings.Contexts() {
		if name != ContextMLM && name != ContextInference && name != ContextBilling {
			return nil, fmt.Errorf("bindings: unknown context %q", name)
		}
	}
	for _, rt := range p.Runtimes() {
		if _, err := rt.BindAll(bindings); err != nil {
			return nil, fmt.Errorf("bind %s: %w", rt.Name(), err)
		}
	}
	return p, nil
}

// Catalog returns the workflow's handlers by the names bindings files use.
func (p *Pipeline) Catalog() *dispatch.Catalog {
	c := dispatch.NewCatalog()
	c.MustRegister("provision-endpoint", p.InferenceHandlers.Provision())
	c.MustRegister("deprovision-endpoint", p.InferenceHandlers.Deprovision())
	c.MustRegister("open-usage-record", p.BillingHandlers.OpenUsageRecord())
	return c
}

// Runtimes returns the runtimes in start order.
func (p *Pipeline) Runtimes() []*conduit.Runtime {
	return []*conduit.Runtime{p.Inference, p.Billing, p.MLM}
}

// Start starts every runtime.
func (p *Pipeline) Start(ctx context.Context) error {
	for _, rt := range p.Runtimes() {
		if err := rt.Start(ctx); err != nil {
			return fmt.Errorf("start %s: %w", rt.Name(), err)
		}
	}
	return nil
}

// Close stops every runtime.
func (p *Pipeline) Close() error {
	var errs []error
	for _, rt := range p.Runtimes() {
		if err := rt.Close(); err != nil && !errors.Is(err, conduit.ErrNotStarted) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Deploy deploys a model through the mlm runtime.
func (p *Pipeline) Deploy(ctx context.Context, modelID, version string) (event.Event, error) {
	return Deploy(ctx, p.MLM, modelID, version)
}
