package bus_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/conduit/pkg/conduit/bus"
	"github.com/randalmurphal/conduit/pkg/conduit/event"
)

// TestKafkaBusIntegration runs against a real broker when
// CONDUIT_TEST_KAFKA_BROKERS is set. The topic must exist or be auto-created.
func TestKafkaBusIntegration(t *testing.T) {
	brokers := os.Getenv("CONDUIT_TEST_KAFKA_BROKERS")
	if brokers == "" {
		t.Skip("CONDUIT_TEST_KAFKA_BROKERS not set")
	}

	b, err := bus.NewKafkaBus(bus.KafkaConfig{
		Brokers:     strings.Split(brokers, ","),
		Topic:       "conduit-test",
		GroupPrefix: fmt.Sprintf("conduit-test-%d", time.Now().UnixNano()),
		Redelivery:  bus.DefaultRedeliveryConfig,
	})
	require.NoError(t, err)
	defer b.Close()

	got := make(chan event.Event, 1)
	_, err = b.Subscribe("mlm.*", event.HandlerFunc(func(_ context.Context, evt event.Event) error {
		got <- evt
		return nil
	}), bus.WithName("integration"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	evt := event.MustNew("mlm.ModelDeployed", "model", "m1", nil)
	require.NoError(t, b.Publish(ctx, evt, evt.AggregateID()))

	// A fresh group starts at the latest offset only after joining, so keep
	// publishing until the first delivery arrives.
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for {
		select {
		case received := <-got:
			require.Equal(t, "mlm.ModelDeployed", received.Type())
			return
		case <-tick.C:
			require.NoError(t, b.Publish(ctx, event.MustNew("mlm.ModelDeployed", "model", "m1", nil), "m1"))
		case <-ctx.Done():
			t.Fatal("no delivery from kafka")
		}
	}
}
