package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/randalmurphal/conduit/internal/demo"
	"github.com/randalmurphal/conduit/pkg/conduit"
	"github.com/randalmurphal/conduit/pkg/conduit/bus"
	"github.com/randalmurphal/conduit/pkg/conduit/dedup"
	"github.com/randalmurphal/conduit/pkg/conduit/dispatch"
	"github.com/randalmurphal/conduit/pkg/conduit/event"
	"github.com/randalmurphal/conduit/pkg/conduit/monitor"
	"github.com/randalmurphal/conduit/pkg/conduit/observability"
	"github.com/randalmurphal/conduit/pkg/conduit/outbox"
	"github.com/randalmurphal/conduit/pkg/conduit/sqlitedb"
)

var contexts = []string{demo.ContextMLM, demo.ContextInference, demo.ContextBilling}

func newBus(s Settings, logger *slog.Logger) (bus.Bus, error) {
	redelivery := bus.DefaultRedeliveryConfig
	redelivery.MaxRedeliveries = s.Bus.MaxRedeliveries
	redelivery.HandlerTimeout = s.Bus.HandlerTimeout
	onDrop := func(evt event.Event, subscription string, err error) {
		logger.Error("event dropped by bus",
			"subscription", subscription, "event_id", evt.ID(), "event_type", evt.Type(), "error", err)
	}

	switch s.Bus.Kind {
	case "", "local":
		return bus.NewLocalBus(bus.LocalConfig{
			Partitions: s.Bus.Partitions,
			BufferSize: s.Bus.BufferSize,
			Redelivery: redelivery,
			OnDrop:     onDrop,
			Logger:     logger,
		}), nil
	case "kafka":
		return bus.NewKafkaBus(bus.KafkaConfig{
			Brokers:     s.Bus.Kafka.Brokers,
			Topic:       s.Bus.Kafka.Topic,
			GroupPrefix: s.Bus.Kafka.GroupPrefix,
			ClientID:    s.Bus.Kafka.ClientID,
			Redelivery:  redelivery,
			OnDrop:      onDrop,
			Logger:      logger,
		})
	default:
		return nil, fmt.Errorf("unknown bus kind %q", s.Bus.Kind)
	}
}

// storage owns the stores of every bounded context.
type storage struct {
	stores map[string]conduit.Stores
	dbs    []*sql.DB
	redis  *redis.Client
}

// openStorage opens the stores of every context. The saga store of the mlm
// context is shared read-only with the others so their monitors can tell
// saga-owned delivery failures from orphans.
func openStorage(ctx context.Context, s Settings) (*storage, error) {
	st := &storage{stores: make(map[string]conduit.Stores, len(contexts))}

	if s.Dedup.RedisAddr != "" {
		st.redis = redis.NewClient(&redis.Options{
			Addr:     s.Dedup.RedisAddr,
			Password: s.Dedup.RedisPassword,
			DB:       s.Dedup.RedisDB,
		})
		if err := st.redis.Ping(ctx).Err(); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
	}

	for _, name := range contexts {
		var stores conduit.Stores
		switch s.Storage.Kind {
		case "", "memory":
			stores = conduit.NewMemoryStores()
		case "sqlite":
			if err := os.MkdirAll(s.Storage.SQLiteDir, 0o755); err != nil {
				_ = st.Close()
				return nil, fmt.Errorf("create %s: %w", s.Storage.SQLiteDir, err)
			}
			db, err := sqlitedb.Open(filepath.Join(s.Storage.SQLiteDir, name+".db"))
			if err != nil {
				_ = st.Close()
				return nil, fmt.Errorf("%s database: %w", name, err)
			}
			st.dbs = append(st.dbs, db)
			stores = conduit.NewSQLiteStores(db)
		default:
			_ = st.Close()
			return nil, fmt.Errorf("unknown storage kind %q", s.Storage.Kind)
		}

		if st.redis != nil {
			stores.Dedup = dedup.NewRedisStore(st.redis,
				dedup.WithKeyPrefix("conduit:"+name+":dedup"),
				dedup.WithRetention(s.Dedup.Retention))
		}
		st.stores[name] = stores
	}

	sagas := st.stores[demo.ContextMLM].Sagas
	for _, name := range contexts {
		stores := st.stores[name]
		stores.Sagas = sagas
		st.stores[name] = stores
	}
	return st, nil
}

func (st *storage) For(name string) (conduit.Stores, error) {
	stores, ok := st.stores[name]
	if !ok {
		return conduit.Stores{}, fmt.Errorf("no stores for context %q", name)
	}
	return stores, nil
}

func (st *storage) Close() error {
	var errs []error
	for _, stores := range st.stores {
		errs = append(errs, stores.Close())
	}
	for _, db := range st.dbs {
		errs = append(errs, db.Close())
	}
	if st.redis != nil {
		errs = append(errs, st.redis.Close())
	}
	return errors.Join(errs...)
}

func runtimeConfig(s Settings) conduit.Config {
	return conduit.Config{
		Publisher: outbox.PublisherConfig{
			PollInterval: s.Publisher.PollInterval,
			BatchSize:    s.Publisher.BatchSize,
			Retry:        s.Publisher.Retry.RetryConfig(),
			Retention:    s.Publisher.Retention,
		},
		Dispatch: dispatch.Config{
			Timeout:  s.Dispatch.Timeout,
			Retry:    s.Dispatch.Retry.RetryConfig(),
			LeaseTTL: s.Dispatch.LeaseTTL,
		},
		Monitor:       monitorConfig(s),
		ScanInterval:  s.Monitor.ScanInterval,
		SagaRetention: s.Sagas.Retention,
	}
}

func monitorConfig(s Settings) monitor.Config {
	return monitor.Config{
		OutboxPendingAfter: s.Monitor.OutboxPendingAfter,
		SagaStaleAfter:     s.Monitor.SagaStaleAfter,
		DeliveryLookback:   s.Monitor.DeliveryLookback,
	}
}

// newMetrics returns a Prometheus recorder and, when addr is set, a server
// exposing it on /metrics.
func newMetrics(addr string) (observability.MetricsRecorder, *http.Server) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := observability.NewPrometheusMetrics(reg)
	if addr == "" {
		return recorder, nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.PrometheusHandler(reg))
	return recorder, &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}

