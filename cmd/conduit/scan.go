package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/conduit/pkg/conduit/monitor"
)

// errAnomalies makes scan exit non-zero when anything was found.
var errAnomalies = errors.New("anomalies found")

type contextAnomaly struct {
	Context string `json:"context"`
	monitor.Anomaly
}

func newScanCmd(c *cli) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Report consistency anomalies in the contexts' durable stores",
		Long: `Scan reads the outbox, saga and delivery stores of every context once and
prints stuck or failed outbox entries, stale sagas and orphaned delivery
failures. It only reads and requires storage.kind=sqlite.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.scan(cmd.Context(), cmd.OutOrStdout(), asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print anomalies as JSON lines")
	return cmd
}

func (c *cli) scan(ctx context.Context, out io.Writer, asJSON bool) (err error) {
	s := c.settings
	if s.Storage.Kind != "sqlite" {
		return fmt.Errorf("scan requires storage.kind=sqlite, got %q", s.Storage.Kind)
	}

	st, err := openStorage(ctx, s)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer func() { err = errors.Join(err, st.Close()) }()

	var found []contextAnomaly
	for _, name := range contexts {
		stores, err := st.For(name)
		if err != nil {
			return err
		}
		m := monitor.New(monitor.Sources{
			Outbox:     stores.Outbox,
			Sagas:      stores.Sagas,
			Deliveries: stores.Dedup,
		}, monitorConfig(s), monitor.WithLogger(c.logger.With("context", name)))

		anomalies, err := m.Scan(ctx)
		if err != nil {
			return fmt.Errorf("scan %s: %w", name, err)
		}
		for _, a := range anomalies {
			found = append(found, contextAnomaly{Context: name, Anomaly: a})
		}
	}

	if asJSON {
		enc := json.NewEncoder(out)
		for _, a := range found {
			if err := enc.Encode(a); err != nil {
				return err
			}
		}
	} else {
		printAnomalies(out, found)
	}
	if len(found) > 0 {
		return fmt.Errorf("%w: %d", errAnomalies, len(found))
	}
	return nil
}

func printAnomalies(out io.Writer, found []contextAnomaly) {
	if len(found) == 0 {
		fmt.Fprintln(out, "no anomalies")
		return
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CONTEXT\tKIND\tID\tAGE\tDETAIL")
	for _, a := range found {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", a.Context, a.Kind, a.ID, a.Age().Round(time.Second), a.Detail)
	}
	_ = w.Flush()
}
