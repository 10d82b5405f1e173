package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/conduit/internal/demo"
	"github.com/randalmurphal/conduit/pkg/conduit"
	"github.com/randalmurphal/conduit/pkg/conduit/dispatch"
	"github.com/randalmurphal/conduit/pkg/conduit/observability"
	"github.com/randalmurphal/conduit/pkg/conduit/saga"
)

func newRunCmd(c *cli) *cobra.Command {
	var (
		models   []string
		version  string
		bindings string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the mlm, inference and billing contexts and deploy models",
		Long: `Run starts the three bounded contexts of the model deployment workflow on
one bus and deploys each model. It waits until every deployment saga has
finished (or demo.wait elapses) and prints the outcome. With demo.wait set
to 0 it keeps serving until interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(models) == 0 {
				models = c.settings.Demo.Models
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return c.run(ctx, cmd.OutOrStdout(), models, version, bindings)
		},
	}
	cmd.Flags().StringSliceVar(&models, "model", nil, "model id to deploy (repeatable, default demo.models)")
	cmd.Flags().StringVar(&version, "version", "v1", "model version to deploy")
	cmd.Flags().StringVar(&bindings, "bindings", "", "YAML or JSON handler bindings file (default: built-in bindings)")
	return cmd
}

func (c *cli) run(ctx context.Context, out io.Writer, models []string, version, bindingsPath string) (err error) {
	s := c.settings

	b, err := newBus(s, c.logger)
	if err != nil {
		return fmt.Errorf("bus: %w", err)
	}
	defer func() { err = errors.Join(err, b.Close()) }()

	st, err := openStorage(ctx, s)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer func() { err = errors.Join(err, st.Close()) }()

	metrics, srv := newMetrics(s.Metrics.Addr)
	if srv != nil {
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				c.logger.Error("metrics server stopped", "addr", srv.Addr, "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	load := demo.DefaultBindings
	if bindingsPath != "" {
		load = demo.BindingsFile(bindingsPath)
	}
	p, err := demo.NewPipelineWith(b, st.For, runtimeConfig(s), load,
		conduit.WithLogger(c.logger),
		conduit.WithMetrics(observability.MultiMetrics{metrics, observability.NewMetricsRecorder()}),
		conduit.WithSpans(observability.NewSpanManager()),
		conduit.WithHandlerMiddleware(dispatch.LogHandling(c.logger)),
	)
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}
	for _, id := range s.Demo.RejectInference {
		p.InferenceHandlers.Reject(id)
	}
	for _, id := range s.Demo.RejectBilling {
		p.BillingHandlers.Reject(id)
	}

	if err := p.Start(ctx); err != nil {
		_ = p.Close()
		return err
	}
	defer func() { err = errors.Join(err, p.Close()) }()

	sagaIDs := make(map[string]string, len(models))
	for _, model := range models {
		evt, err := p.Deploy(ctx, model, version)
		if err != nil {
			return fmt.Errorf("deploy %s: %w", model, err)
		}
		sagaIDs[model] = evt.CorrelationID()
		c.logger.Info("model deployed", "model_id", model, "saga_id", evt.CorrelationID())
	}

	if s.Demo.Wait == 0 {
		<-ctx.Done()
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.Demo.Wait)
	defer cancel()
	finished := waitForSagas(waitCtx, p.MLM.Coordinator(), sagaIDs)
	printSagas(out, models, sagaIDs, finished)
	if len(finished) < len(models) {
		return fmt.Errorf("%d of %d deployments still running", len(models)-len(finished), len(models))
	}
	return nil
}

// waitForSagas polls until every saga is COMPLETED or FAILED or ctx is done.
// It returns the instances that finished, keyed by saga id.
func waitForSagas(ctx context.Context, coord *saga.Coordinator, sagaIDs map[string]string) map[string]*saga.Instance {
	finished := make(map[string]*saga.Instance, len(sagaIDs))
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		for _, id := range sagaIDs {
			if _, ok := finished[id]; ok {
				continue
			}
			inst, err := coord.Get(ctx, id)
			if err == nil && inst.State.IsTerminal() {
				finished[id] = inst
			}
		}
		if len(finished) == len(sagaIDs) {
			return finished
		}
		select {
		case <-ctx.Done():
			return finished
		case <-ticker.C:
		}
	}
}

func printSagas(out io.Writer, models []string, sagaIDs map[string]string, finished map[string]*saga.Instance) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MODEL\tSAGA\tSTATE\tSTEPS\tERROR")
	for _, model := range models {
		id := sagaIDs[model]
		inst, ok := finished[id]
		if !ok {
			fmt.Fprintf(w, "%s\t%s\t%s\t-\t\n", model, id, saga.StateRunning)
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", model, id, inst.State, len(inst.Steps), inst.Error)
	}
	_ = w.Flush()
}
