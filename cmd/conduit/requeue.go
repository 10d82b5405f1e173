package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/conduit/pkg/conduit/outbox"
)

func newRequeueCmd(c *cli) *cobra.Command {
	var (
		contextName string
		allFailed   bool
	)
	cmd := &cobra.Command{
		Use:   "requeue [event-id...]",
		Short: "Move FAILED outbox entries back to PENDING",
		Long: `Requeue resets FAILED outbox entries, as reported by scan, so the next run
publishes them again. A FAILED entry holds back every later entry of its
aggregate until it is requeued. Name the event ids, or pass --all-failed to
requeue every FAILED entry. --context limits the search to one context.
Requires storage.kind=sqlite.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && !allFailed {
				return errors.New("name event ids or pass --all-failed")
			}
			return c.requeue(cmd.Context(), cmd.OutOrStdout(), contextName, args, allFailed)
		},
	}
	cmd.Flags().StringVar(&contextName, "context", "", "only requeue entries of this bounded context")
	cmd.Flags().BoolVar(&allFailed, "all-failed", false, "requeue every FAILED entry")
	return cmd
}

type requeued struct {
	context string
	rec     outbox.Record
}

func (c *cli) requeue(ctx context.Context, out io.Writer, contextName string, eventIDs []string, allFailed bool) (err error) {
	s := c.settings
	if s.Storage.Kind != "sqlite" {
		return fmt.Errorf("requeue requires storage.kind=sqlite, got %q", s.Storage.Kind)
	}
	names := contexts
	if contextName != "" {
		if !slices.Contains(contexts, contextName) {
			return fmt.Errorf("unknown context %q", contextName)
		}
		names = []string{contextName}
	}

	st, err := openStorage(ctx, s)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer func() { err = errors.Join(err, st.Close()) }()

	var (
		done    []requeued
		missing = slices.Clone(eventIDs)
	)
	for _, name := range names {
		stores, err := st.For(name)
		if err != nil {
			return err
		}
		var recs []outbox.Record
		if allFailed {
			recs, err = stores.Outbox.ListByStatus(ctx, outbox.StatusFailed, time.Time{}, 0)
			if err != nil {
				return fmt.Errorf("list %s: %w", name, err)
			}
		}
		for _, id := range eventIDs {
			rec, err := stores.Outbox.Get(ctx, id)
			if errors.Is(err, outbox.ErrNotFound) {
				continue
			}
			if err != nil {
				return fmt.Errorf("get %s/%s: %w", name, id, err)
			}
			missing = slices.DeleteFunc(missing, func(m string) bool { return m == id })
			if rec.Status != outbox.StatusFailed {
				c.logger.Warn("outbox entry not failed", "context", name, "event_id", id, "status", string(rec.Status))
				continue
			}
			if !slices.ContainsFunc(recs, func(r outbox.Record) bool { return r.Event.ID() == id }) {
				recs = append(recs, rec)
			}
		}

		for _, rec := range recs {
			if err := stores.Outbox.Requeue(ctx, rec.Event.ID()); err != nil {
				return fmt.Errorf("requeue %s/%s: %w", name, rec.Event.ID(), err)
			}
			done = append(done, requeued{context: name, rec: rec})
		}
	}

	printRequeued(out, done)
	if len(missing) > 0 {
		return fmt.Errorf("%w: %v", outbox.ErrNotFound, missing)
	}
	return nil
}

func printRequeued(out io.Writer, done []requeued) {
	if len(done) == 0 {
		fmt.Fprintln(out, "nothing to requeue")
		return
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CONTEXT\tEVENT\tTYPE\tAGGREGATE\tATTEMPTS\tLAST ERROR")
	for _, d := range done {
		evt := d.rec.Event
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			d.context, evt.ID(), evt.Type(), evt.AggregateID(), d.rec.Attempts, d.rec.LastError)
	}
	_ = w.Flush()
}
