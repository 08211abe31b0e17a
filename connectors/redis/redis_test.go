package redis

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alicebob/miniredis/v2"
	keel "github.com/keelmq/keel-go"
	"github.com/keelmq/keel-go/contracts"
)

func connected(t *testing.T, opts ...Option) (*Connector, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	opts = append([]Option{WithRedeliveryDelay(time.Millisecond)}, opts...)
	c := New(mr.Addr(), opts...)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Disconnect(context.Background()) })
	return c, mr
}

func TestConnectorLifecycle(t *testing.T) {
	t.Run("connect and disconnect", func(t *testing.T) {
		mr := miniredis.RunT(t)
		c := New(mr.Addr())
		require.NoError(t, c.Connect(context.Background()))

		healthy, detail, err := c.HealthCheck(context.Background())
		require.NoError(t, err)
		assert.True(t, healthy)
		assert.Equal(t, mr.Addr(), detail["addr"])
		assert.Equal(t, 0, detail["subscriptions"])

		require.NoError(t, c.Disconnect(context.Background()))
		healthy, _, err = c.HealthCheck(context.Background())
		require.NoError(t, err)
		assert.False(t, healthy)
	})

	t.Run("connect failure surfaces a connection error", func(t *testing.T) {
		c := New("127.0.0.1:1") // nothing listens there
		err := c.Connect(context.Background())
		require.Error(t, err)
		assert.True(t, contracts.IsConnectionError(err))
	})

	t.Run("double connect", func(t *testing.T) {
		c, _ := connected(t)
		assert.ErrorIs(t, c.Connect(context.Background()), contracts.ErrAlreadyConnected)
	})

	t.Run("disconnect when not connected", func(t *testing.T) {
		c := New("localhost:6379")
		assert.ErrorIs(t, c.Disconnect(context.Background()), contracts.ErrNotConnected)
	})

	t.Run("health check fails when the server goes away", func(t *testing.T) {
		mr := miniredis.RunT(t)
		c := New(mr.Addr())
		require.NoError(t, c.Connect(context.Background()))
		defer c.Disconnect(context.Background())

		mr.Close()

		healthy, _, err := c.HealthCheck(context.Background())
		assert.False(t, healthy)
		assert.True(t, contracts.IsConnectionError(err))
	})
}

func TestConnectorPubSub(t *testing.T) {
	t.Run("round trips the envelope", func(t *testing.T) {
		c, _ := connected(t)

		received := make(chan *contracts.Message, 1)
		require.NoError(t, c.Subscribe(context.Background(), "orders", func(ctx context.Context, msg *contracts.Message) error {
			received <- msg
			return nil
		}))

		msg := contracts.NewMessage("orders", []byte(`{"id":42}`),
			contracts.WithCorrelationID("corr-1"),
			contracts.WithHeader("tenant", "acme"),
			contracts.WithMaxRetries(5),
		)
		require.NoError(t, c.Publish(context.Background(), "orders", msg))

		select {
		case got := <-received:
			assert.Equal(t, msg.ID, got.ID)
			assert.Equal(t, "orders", got.Topic)
			assert.Equal(t, []byte(`{"id":42}`), got.Payload)
			assert.Equal(t, "corr-1", got.CorrelationID)
			assert.Equal(t, "acme", got.Headers["tenant"])
			assert.Equal(t, 5, got.MaxRetries)
		case <-time.After(2 * time.Second):
			t.Fatal("message was not delivered")
		}
	})

	t.Run("foreign payloads are wrapped as opaque bodies", func(t *testing.T) {
		c, mr := connected(t)

		received := make(chan *contracts.Message, 1)
		require.NoError(t, c.Subscribe(context.Background(), "raw", func(ctx context.Context, msg *contracts.Message) error {
			received <- msg
			return nil
		}))

		mr.Publish("raw", "plain text, not an envelope")

		select {
		case got := <-received:
			assert.NotEmpty(t, got.ID)
			assert.Equal(t, "raw", got.Topic)
			assert.Equal(t, []byte("plain text, not an envelope"), got.Payload)
			assert.Equal(t, contracts.DefaultMaxRetries, got.MaxRetries)
		case <-time.After(2 * time.Second):
			t.Fatal("message was not delivered")
		}
	})

	t.Run("failed deliveries are requeued with the advanced retry count", func(t *testing.T) {
		c, _ := connected(t)

		var mu sync.Mutex
		var counts []int
		require.NoError(t, c.Subscribe(context.Background(), "payments", func(ctx context.Context, msg *contracts.Message) error {
			mu.Lock()
			counts = append(counts, msg.RetryCount)
			n := len(counts)
			mu.Unlock()
			if n == 1 {
				return errors.New("not ready")
			}
			return nil
		}))

		require.NoError(t, c.Publish(context.Background(), "payments", contracts.NewMessage("payments", []byte("x"))))

		assert.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(counts) == 2
		}, 2*time.Second, 10*time.Millisecond)

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []int{0, 1}, counts)
	})

	t.Run("drops deliveries with exhausted retry budget", func(t *testing.T) {
		c, _ := connected(t)

		var mu sync.Mutex
		attempts := 0
		require.NoError(t, c.Subscribe(context.Background(), "payments", func(ctx context.Context, msg *contracts.Message) error {
			mu.Lock()
			attempts++
			mu.Unlock()
			return errors.New("always fails")
		}))

		msg := contracts.NewMessage("payments", nil, contracts.WithMaxRetries(1))
		require.NoError(t, c.Publish(context.Background(), "payments", msg))

		// Initial delivery plus one requeue, then the budget is spent.
		assert.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return attempts == 2
		}, 2*time.Second, 10*time.Millisecond)

		time.Sleep(50 * time.Millisecond)
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, 2, attempts)
	})

	t.Run("unsubscribe stops delivery", func(t *testing.T) {
		c, mr := connected(t)

		received := make(chan *contracts.Message, 1)
		require.NoError(t, c.Subscribe(context.Background(), "orders", func(ctx context.Context, msg *contracts.Message) error {
			received <- msg
			return nil
		}))
		require.NoError(t, c.Unsubscribe(context.Background(), "orders"))

		mr.Publish("orders", "late")

		select {
		case <-received:
			t.Fatal("delivery after unsubscribe")
		case <-time.After(100 * time.Millisecond):
		}
	})

	t.Run("publish validation", func(t *testing.T) {
		c, _ := connected(t)

		assert.ErrorIs(t, c.Publish(context.Background(), "orders", nil), contracts.ErrNilMessage)
		assert.ErrorIs(t, c.Publish(context.Background(), "", contracts.NewMessage("t", nil)), contracts.ErrEmptyTopic)

		disconnected := New("localhost:6379")
		err := disconnected.Publish(context.Background(), "orders", contracts.NewMessage("orders", nil))
		assert.ErrorIs(t, err, contracts.ErrNotConnected)

		var pubErr *contracts.PublishError
		assert.ErrorAs(t, err, &pubErr)
	})

	t.Run("subscribe validation", func(t *testing.T) {
		c, _ := connected(t)
		handler := func(ctx context.Context, msg *contracts.Message) error { return nil }

		assert.ErrorIs(t, c.Subscribe(context.Background(), "", handler), contracts.ErrEmptyTopic)
		assert.ErrorIs(t, c.Subscribe(context.Background(), "orders", nil), keel.ErrNilHandler)

		require.NoError(t, c.Subscribe(context.Background(), "orders", handler))
		assert.ErrorIs(t, c.Subscribe(context.Background(), "orders", handler), contracts.ErrAlreadySubscribed)

		disconnected := New("localhost:6379")
		assert.ErrorIs(t, disconnected.Subscribe(context.Background(), "orders", handler), contracts.ErrNotConnected)
	})

	t.Run("unsubscribe without subscription", func(t *testing.T) {
		c, _ := connected(t)
		assert.ErrorIs(t, c.Unsubscribe(context.Background(), "orders"), contracts.ErrNotSubscribed)
	})

	t.Run("disconnect stops subscriptions", func(t *testing.T) {
		mr := miniredis.RunT(t)
		c := New(mr.Addr())
		require.NoError(t, c.Connect(context.Background()))
		require.NoError(t, c.Subscribe(context.Background(), "orders", func(ctx context.Context, msg *contracts.Message) error {
			return nil
		}))

		require.NoError(t, c.Disconnect(context.Background()))

		require.NoError(t, c.Connect(context.Background()))
		defer c.Disconnect(context.Background())
		assert.ErrorIs(t, c.Unsubscribe(context.Background(), "orders"), contracts.ErrNotSubscribed)
	})
}

func TestDecodeMessage(t *testing.T) {
	t.Run("envelope fields survive as-is", func(t *testing.T) {
		msg := contracts.NewMessage("orders", []byte("x"), contracts.WithMaxRetries(0))
		data, err := json.Marshal(msg)
		require.NoError(t, err)

		got := decodeMessage("orders", data)

		assert.Equal(t, msg.ID, got.ID)
		assert.Equal(t, 0, got.MaxRetries, "explicit zero budget is preserved")
	})

	t.Run("json without an id is not an envelope", func(t *testing.T) {
		got := decodeMessage("orders", []byte(`{"foo": 1}`))

		assert.NotEmpty(t, got.ID)
		assert.Equal(t, []byte(`{"foo": 1}`), got.Payload)
	})

	t.Run("envelope without a topic takes the channel", func(t *testing.T) {
		data, err := json.Marshal(&contracts.Message{ID: "id-1"})
		require.NoError(t, err)

		got := decodeMessage("orders", data)

		assert.Equal(t, "orders", got.Topic)
		assert.False(t, got.CreatedAt.IsZero())
	})
}
