//go:build integration
// +build integration

package kafka

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/google/uuid"
	"github.com/keelmq/keel-go/contracts"
)

// brokerList returns the cluster to test against, skipping when none is
// configured. Run with e.g. KEEL_KAFKA_BROKERS=localhost:9092
func brokerList(t *testing.T) []string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	brokers := os.Getenv("KEEL_KAFKA_BROKERS")
	if brokers == "" {
		t.Skip("KEEL_KAFKA_BROKERS not set")
	}
	return strings.Split(brokers, ",")
}

func TestIntegrationRoundTrip(t *testing.T) {
	brokers := brokerList(t)

	// Unique group and topic keep runs from seeing each other's offsets.
	suffix := uuid.New().String()[:8]
	topic := "keel.test." + suffix
	c := New(brokers, WithGroupID("keel-test-"+suffix))
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect(context.Background())

	healthy, detail, err := c.HealthCheck(context.Background())
	require.NoError(t, err)
	require.True(t, healthy)
	assert.NotZero(t, detail["brokers"])

	received := make(chan *contracts.Message, 1)
	require.NoError(t, c.Subscribe(context.Background(), topic, func(ctx context.Context, msg *contracts.Message) error {
		received <- msg
		return nil
	}))

	// The group member needs its partitions before the publish, or the
	// record lands behind the initial offset.
	time.Sleep(3 * time.Second)

	msg := contracts.NewMessage(topic, []byte(`{"order":1}`),
		contracts.WithCorrelationID("corr-it"),
		contracts.WithHeader("tenant", "acme"),
	)
	require.NoError(t, c.Publish(context.Background(), topic, msg))

	select {
	case got := <-received:
		assert.Equal(t, msg.ID, got.ID)
		assert.Equal(t, topic, got.Topic)
		assert.Equal(t, []byte(`{"order":1}`), got.Payload)
		assert.Equal(t, "corr-it", got.CorrelationID)
		assert.Equal(t, "acme", got.Headers["tenant"])
	case <-time.After(15 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	require.NoError(t, c.Unsubscribe(context.Background(), topic))
}
