/*
Package conduit propagates domain events between bounded contexts with
exactly-once effect and per-aggregate order.

# Overview

A bounded context owns its aggregates. It changes them and records the
resulting events in one transaction (the outbox); a background publisher
relays the events to a bus; every other context subscribes to the bus and
dispatches each event to its handler bindings, guarded by a dedup store so
a redelivered event never takes effect twice. Sagas sequence multi-hop
reactions and compensate when a step fails for good, and a consistency
monitor reports what stopped making progress.

	producer ──commit──▶ outbox ──publisher──▶ bus ──▶ dispatcher ──▶ handlers
	                                                        │
	                                               dedup claim/finalize

Runtime wires these pieces for one bounded context:

	rt, err := conduit.New("billing", b, conduit.NewMemoryStores(), conduit.Config{})
	if err != nil {
	    log.Fatal(err)
	}
	rt.Bind("billing.OpenUsageRecord", "open-usage-record", handler)
	if err := rt.Start(ctx); err != nil {
	    log.Fatal(err)
	}
	defer rt.Close()

	_, err = rt.CommitWithEvent(ctx, func(ctx context.Context, tx outbox.Tx) error {
	    return tx.Put(ctx, "account:a1", state)
	}, evt)

# Packages

  - event: the immutable envelope, handlers and the schema registry
  - outbox: transactional outbox stores and the Publisher
  - bus: LocalBus and KafkaBus
  - dispatch: pattern bindings and the Dispatcher
  - dedup: claim leases and delivery records
  - saga: the Coordinator and saga stores
  - monitor: anomaly scans and sinks
  - observability: logging helpers, metrics and tracing

# Failure Handling

Handlers return nil to acknowledge, a transient error to be retried, and
errors.Terminal to give up. A delivery given up for good is published as a
conduit.DeliveryFailed event so the saga that issued the command can
compensate, wherever it runs.
*/
package conduit
