package keel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelmq/keel-go/contracts"
	"github.com/keelmq/keel-go/resilience"
)

// fakeConnector is an in-memory Connector with injectable failures.
type fakeConnector struct {
	mu            sync.Mutex
	connected     bool
	connectErr    error
	disconnectErr error
	publishErr    error
	healthErr     error
	unhealthy     bool

	connects     int
	disconnects  int
	healthChecks int
	published    []string
	handlers     map[string]MessageHandler

	onConnect    func()
	onDisconnect func()
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{handlers: make(map[string]MessageHandler)}
}

func (f *fakeConnector) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.onConnect != nil {
		f.onConnect()
	}
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeConnector) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	if f.onDisconnect != nil {
		f.onDisconnect()
	}
	f.connected = false
	return f.disconnectErr
}

func (f *fakeConnector) Publish(ctx context.Context, topic string, msg *contracts.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, topic)
	return nil
}

func (f *fakeConnector) Subscribe(ctx context.Context, topic string, handler MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = handler
	return nil
}

func (f *fakeConnector) Unsubscribe(ctx context.Context, topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.handlers[topic]; !ok {
		return contracts.ErrNotSubscribed
	}
	delete(f.handlers, topic)
	return nil
}

func (f *fakeConnector) HealthCheck(ctx context.Context) (bool, map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthChecks++
	if f.healthErr != nil {
		return false, nil, f.healthErr
	}
	return !f.unhealthy, map[string]any{"connected": f.connected}, nil
}

// deliver drives the handler registered on topic, as a broker would.
func (f *fakeConnector) deliver(ctx context.Context, topic string, msg *contracts.Message) error {
	f.mu.Lock()
	handler := f.handlers[topic]
	f.mu.Unlock()
	if handler == nil {
		return contracts.ErrNotSubscribed
	}
	return handler(ctx, msg)
}

func (f *fakeConnector) setConnectErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectErr = err
}

func (f *fakeConnector) setUnhealthy(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unhealthy = v
}

func (f *fakeConnector) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeConnector) disconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

func (f *fakeConnector) healthCheckCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthChecks
}

func (f *fakeConnector) publishedTopics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.published...)
}

// fastRetry keeps test probes and publishes quick.
var fastRetry = resilience.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

func TestOrchestratorRegister(t *testing.T) {
	t.Run("registers a component", func(t *testing.T) {
		orch := NewOrchestrator()

		err := orch.Register("broker", KindBroker, newFakeConnector())

		require.NoError(t, err)
		comps := orch.ListComponents()
		require.Len(t, comps, 1)
		assert.Equal(t, "broker", comps[0].Name)
		assert.Equal(t, "broker", comps[0].Kind)
		assert.Equal(t, StatusInitialized, comps[0].Status)
		assert.False(t, comps[0].Connected)
	})

	t.Run("rejects empty name", func(t *testing.T) {
		orch := NewOrchestrator()
		err := orch.Register("", KindBroker, newFakeConnector())
		assert.ErrorIs(t, err, ErrEmptyComponentName)
	})

	t.Run("rejects nil connector", func(t *testing.T) {
		orch := NewOrchestrator()
		err := orch.Register("broker", KindBroker, nil)
		assert.ErrorIs(t, err, ErrNilConnector)
	})

	t.Run("rejects duplicate name", func(t *testing.T) {
		orch := NewOrchestrator()
		require.NoError(t, orch.Register("broker", KindBroker, newFakeConnector()))

		err := orch.Register("broker", KindBroker, newFakeConnector())

		assert.ErrorIs(t, err, ErrComponentExists)
	})
}

func TestOrchestratorInitialize(t *testing.T) {
	t.Run("connects components in kind order", func(t *testing.T) {
		orch := NewOrchestrator(WithHealthInterval(time.Hour))

		var mu sync.Mutex
		var started []string
		track := func(name string) *fakeConnector {
			conn := newFakeConnector()
			conn.onConnect = func() {
				mu.Lock()
				started = append(started, name)
				mu.Unlock()
			}
			return conn
		}

		// Registered out of order on purpose.
		require.NoError(t, orch.Register("dep", KindDependency, track("dep")))
		require.NoError(t, orch.Register("broker", KindBroker, track("broker")))
		require.NoError(t, orch.Register("disco", KindDiscovery, track("disco")))

		require.NoError(t, orch.Initialize(context.Background()))
		defer orch.Shutdown(context.Background())

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []string{"disco", "broker", "dep"}, started)
	})

	t.Run("a connect failure is isolated", func(t *testing.T) {
		orch := NewOrchestrator(WithHealthInterval(time.Hour))
		bad := newFakeConnector()
		bad.connectErr = errors.New("refused")
		good := newFakeConnector()

		require.NoError(t, orch.Register("bad", KindBroker, bad))
		require.NoError(t, orch.Register("good", KindBroker, good))

		require.NoError(t, orch.Initialize(context.Background()))
		defer orch.Shutdown(context.Background())

		snap := orch.Snapshot()
		assert.Equal(t, StatusUnhealthy, snap.Components["bad"].Status)
		assert.Equal(t, 1, snap.Components["bad"].ErrorCount)
		assert.Contains(t, snap.Components["bad"].LastError, "refused")
		assert.Equal(t, StatusHealthy, snap.Components["good"].Status)
		assert.Equal(t, StatusUnhealthy, snap.OverallStatus)
	})

	t.Run("startup callbacks run after all components attempt startup", func(t *testing.T) {
		orch := NewOrchestrator(WithHealthInterval(time.Hour))
		conn := newFakeConnector()
		require.NoError(t, orch.Register("broker", KindBroker, conn))

		called := false
		orch.AddStartupCallback(func(ctx context.Context) error {
			called = true
			assert.Equal(t, 1, conn.connectCount())
			return nil
		})

		require.NoError(t, orch.Initialize(context.Background()))
		defer orch.Shutdown(context.Background())

		assert.True(t, called)
	})

	t.Run("startup callback errors are swallowed", func(t *testing.T) {
		orch := NewOrchestrator(WithHealthInterval(time.Hour))
		orch.AddStartupCallback(func(ctx context.Context) error {
			return errors.New("callback boom")
		})

		assert.NoError(t, orch.Initialize(context.Background()))
		defer orch.Shutdown(context.Background())
	})

	t.Run("second initialize is rejected", func(t *testing.T) {
		orch := NewOrchestrator(WithHealthInterval(time.Hour))
		require.NoError(t, orch.Initialize(context.Background()))
		defer orch.Shutdown(context.Background())

		assert.ErrorIs(t, orch.Initialize(context.Background()), ErrAlreadyRunning)
	})
}

func TestOrchestratorShutdown(t *testing.T) {
	t.Run("disconnects in reverse startup order", func(t *testing.T) {
		orch := NewOrchestrator(WithHealthInterval(time.Hour))

		var mu sync.Mutex
		var stopped []string
		register := func(name string, kind ComponentKind) {
			conn := newFakeConnector()
			conn.onDisconnect = func() {
				mu.Lock()
				stopped = append(stopped, name)
				mu.Unlock()
			}
			require.NoError(t, orch.Register(name, kind, conn))
		}
		register("disco", KindDiscovery)
		register("broker", KindBroker)
		register("dep", KindDependency)

		require.NoError(t, orch.Initialize(context.Background()))

		orch.AddShutdownCallback(func(ctx context.Context) error {
			mu.Lock()
			stopped = append(stopped, "callback")
			mu.Unlock()
			return nil
		})
		require.NoError(t, orch.Shutdown(context.Background()))

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []string{"callback", "dep", "broker", "disco"}, stopped,
			"callback first, then reverse startup order")
	})

	t.Run("shutdown on stopped orchestrator is rejected", func(t *testing.T) {
		orch := NewOrchestrator()
		assert.ErrorIs(t, orch.Shutdown(context.Background()), ErrNotRunning)
	})

	t.Run("disconnect failures are not raised", func(t *testing.T) {
		orch := NewOrchestrator(WithHealthInterval(time.Hour))
		conn := newFakeConnector()
		conn.disconnectErr = errors.New("hang up failed")
		require.NoError(t, orch.Register("broker", KindBroker, conn))
		require.NoError(t, orch.Initialize(context.Background()))

		assert.NoError(t, orch.Shutdown(context.Background()))
	})

	t.Run("unconnected components are not disconnected", func(t *testing.T) {
		orch := NewOrchestrator(WithHealthInterval(time.Hour))
		bad := newFakeConnector()
		bad.connectErr = errors.New("refused")
		require.NoError(t, orch.Register("bad", KindBroker, bad))
		require.NoError(t, orch.Initialize(context.Background()))

		require.NoError(t, orch.Shutdown(context.Background()))

		assert.Equal(t, 0, bad.disconnectCount())
	})

	t.Run("restart after shutdown works", func(t *testing.T) {
		orch := NewOrchestrator(WithHealthInterval(time.Hour))
		conn := newFakeConnector()
		require.NoError(t, orch.Register("broker", KindBroker, conn))

		require.NoError(t, orch.Initialize(context.Background()))
		require.NoError(t, orch.Shutdown(context.Background()))
		require.NoError(t, orch.Initialize(context.Background()))
		defer orch.Shutdown(context.Background())

		assert.Equal(t, 2, conn.connectCount())
	})
}

func TestOrchestratorPublish(t *testing.T) {
	t.Run("publishes through the component executor", func(t *testing.T) {
		orch := NewOrchestrator(WithHealthInterval(time.Hour))
		conn := newFakeConnector()
		require.NoError(t, orch.Register("broker", KindBroker, conn, WithRetryPolicy(fastRetry)))
		require.NoError(t, orch.Initialize(context.Background()))
		defer orch.Shutdown(context.Background())

		msg := contracts.NewMessage("orders.created", []byte(`{"id":1}`))
		outcome, err := orch.Publish(context.Background(), "broker", "orders.created", msg)

		require.NoError(t, err)
		assert.Equal(t, resilience.StatusSucceeded, outcome.Status)
		assert.Equal(t, []string{"orders.created"}, conn.publishedTopics())
	})

	t.Run("unknown component", func(t *testing.T) {
		orch := NewOrchestrator()

		_, err := orch.Publish(context.Background(), "ghost", "t", contracts.NewMessage("t", nil))

		assert.ErrorIs(t, err, ErrComponentNotFound)
	})

	t.Run("publish failures surface as outcomes, not errors", func(t *testing.T) {
		orch := NewOrchestrator(WithHealthInterval(time.Hour))
		conn := newFakeConnector()
		conn.publishErr = contracts.NewPublishError("orders", "", errors.New("no route"))
		require.NoError(t, orch.Register("broker", KindBroker, conn, WithRetryPolicy(fastRetry)))
		require.NoError(t, orch.Initialize(context.Background()))
		defer orch.Shutdown(context.Background())

		msg := contracts.NewMessage("orders", nil, contracts.WithMaxRetries(0))
		outcome, err := orch.Publish(context.Background(), "broker", "orders", msg)

		require.NoError(t, err)
		assert.Equal(t, resilience.StatusDeadLettered, outcome.Status)
		assert.Error(t, outcome.Err)

		// The entry is retrievable through the component executor.
		exec, err := orch.Executor("broker")
		require.NoError(t, err)
		_, ok := exec.DeadLetters().Get(msg.ID)
		assert.True(t, ok)
	})
}

func TestOrchestratorSubscribe(t *testing.T) {
	t.Run("wraps the handler with resilience", func(t *testing.T) {
		orch := NewOrchestrator(WithHealthInterval(time.Hour))
		conn := newFakeConnector()
		require.NoError(t, orch.Register("broker", KindBroker, conn,
			WithRetryPolicy(fastRetry),
			WithDeduplication(resilience.DedupConfig{Window: time.Minute}),
		))
		require.NoError(t, orch.Initialize(context.Background()))
		defer orch.Shutdown(context.Background())

		var handled int
		require.NoError(t, orch.Subscribe(context.Background(), "broker", "orders", func(ctx context.Context, msg *contracts.Message) error {
			handled++
			return nil
		}))

		msg := contracts.NewMessage("orders", []byte("x"))
		require.NoError(t, conn.deliver(context.Background(), "orders", msg))
		require.NoError(t, conn.deliver(context.Background(), "orders", msg), "redelivery is suppressed as duplicate")

		assert.Equal(t, 1, handled)
	})

	t.Run("nil handler is rejected", func(t *testing.T) {
		orch := NewOrchestrator()
		require.NoError(t, orch.Register("broker", KindBroker, newFakeConnector()))

		err := orch.Subscribe(context.Background(), "broker", "orders", nil)

		assert.ErrorIs(t, err, ErrNilHandler)
	})

	t.Run("pending retry is reported to the connector", func(t *testing.T) {
		orch := NewOrchestrator(WithHealthInterval(time.Hour))
		conn := newFakeConnector()
		require.NoError(t, orch.Register("broker", KindBroker, conn, WithRetryPolicy(fastRetry)))
		require.NoError(t, orch.Initialize(context.Background()))
		defer orch.Shutdown(context.Background())

		require.NoError(t, orch.Subscribe(context.Background(), "broker", "orders", func(ctx context.Context, msg *contracts.Message) error {
			return errors.New("handler boom")
		}))

		msg := contracts.NewMessage("orders", nil, contracts.WithMaxRetries(3))
		err := conn.deliver(context.Background(), "orders", msg)

		assert.Error(t, err, "connector should requeue")
		assert.Equal(t, 1, msg.RetryCount)
	})

	t.Run("dead-lettered deliveries are acknowledged", func(t *testing.T) {
		orch := NewOrchestrator(WithHealthInterval(time.Hour))
		conn := newFakeConnector()
		require.NoError(t, orch.Register("broker", KindBroker, conn, WithRetryPolicy(fastRetry)))
		require.NoError(t, orch.Initialize(context.Background()))
		defer orch.Shutdown(context.Background())

		require.NoError(t, orch.Subscribe(context.Background(), "broker", "orders", func(ctx context.Context, msg *contracts.Message) error {
			return errors.New("handler boom")
		}))

		msg := contracts.NewMessage("orders", nil, contracts.WithMaxRetries(0))
		err := conn.deliver(context.Background(), "orders", msg)

		assert.NoError(t, err, "terminally handled, no redelivery")

		exec, lookupErr := orch.Executor("broker")
		require.NoError(t, lookupErr)
		_, ok := exec.DeadLetters().Get(msg.ID)
		assert.True(t, ok)
	})

	t.Run("unsubscribe removes the handler", func(t *testing.T) {
		orch := NewOrchestrator(WithHealthInterval(time.Hour))
		conn := newFakeConnector()
		require.NoError(t, orch.Register("broker", KindBroker, conn, WithRetryPolicy(fastRetry)))
		require.NoError(t, orch.Initialize(context.Background()))
		defer orch.Shutdown(context.Background())

		require.NoError(t, orch.Subscribe(context.Background(), "broker", "orders", func(ctx context.Context, msg *contracts.Message) error {
			return nil
		}))
		require.NoError(t, orch.Unsubscribe(context.Background(), "broker", "orders"))

		err := conn.deliver(context.Background(), "orders", contracts.NewMessage("orders", nil))
		assert.ErrorIs(t, err, contracts.ErrNotSubscribed)
	})
}

func TestOrchestratorReconnect(t *testing.T) {
	t.Run("recovers a failed component", func(t *testing.T) {
		orch := NewOrchestrator(WithHealthInterval(time.Hour))
		conn := newFakeConnector()
		conn.connectErr = errors.New("refused")
		require.NoError(t, orch.Register("broker", KindBroker, conn))
		require.NoError(t, orch.Initialize(context.Background()))
		defer orch.Shutdown(context.Background())

		require.Equal(t, StatusUnhealthy, orch.Snapshot().Components["broker"].Status)

		conn.setConnectErr(nil)
		require.NoError(t, orch.Reconnect(context.Background(), "broker"))

		snap := orch.Snapshot().Components["broker"]
		assert.Equal(t, StatusHealthy, snap.Status)
		assert.Empty(t, snap.LastError)
		assert.Equal(t, 0, conn.disconnectCount(), "was never connected, nothing to disconnect")
	})

	t.Run("disconnects a connected component first", func(t *testing.T) {
		orch := NewOrchestrator(WithHealthInterval(time.Hour))
		conn := newFakeConnector()
		require.NoError(t, orch.Register("broker", KindBroker, conn))
		require.NoError(t, orch.Initialize(context.Background()))
		defer orch.Shutdown(context.Background())

		require.NoError(t, orch.Reconnect(context.Background(), "broker"))

		assert.Equal(t, 1, conn.disconnectCount())
		assert.Equal(t, 2, conn.connectCount())
	})

	t.Run("reconnect failure marks the component unhealthy", func(t *testing.T) {
		orch := NewOrchestrator(WithHealthInterval(time.Hour))
		conn := newFakeConnector()
		require.NoError(t, orch.Register("broker", KindBroker, conn))
		require.NoError(t, orch.Initialize(context.Background()))
		defer orch.Shutdown(context.Background())

		conn.setConnectErr(errors.New("still refused"))
		err := orch.Reconnect(context.Background(), "broker")

		require.Error(t, err)
		assert.True(t, contracts.IsConnectionError(err))
		assert.Equal(t, StatusUnhealthy, orch.Snapshot().Components["broker"].Status)
	})

	t.Run("unknown component", func(t *testing.T) {
		orch := NewOrchestrator()
		err := orch.Reconnect(context.Background(), "ghost")
		assert.ErrorIs(t, err, ErrComponentNotFound)
	})
}

func TestOrchestratorLookups(t *testing.T) {
	t.Run("get component", func(t *testing.T) {
		orch := NewOrchestrator()
		conn := newFakeConnector()
		require.NoError(t, orch.Register("broker", KindBroker, conn))

		got, err := orch.GetComponent("broker")
		require.NoError(t, err)
		assert.Same(t, conn, got)

		_, err = orch.GetComponent("ghost")
		assert.ErrorIs(t, err, ErrComponentNotFound)
	})

	t.Run("executor exposes resilience internals", func(t *testing.T) {
		orch := NewOrchestrator()
		require.NoError(t, orch.Register("broker", KindBroker, newFakeConnector()))

		exec, err := orch.Executor("broker")
		require.NoError(t, err)
		require.NotNil(t, exec)
		assert.Equal(t, "broker", exec.Name())
		assert.NotNil(t, exec.Breaker())
		assert.NotNil(t, exec.Window())
		assert.NotNil(t, exec.DeadLetters())
	})

	t.Run("injected executor is used as-is", func(t *testing.T) {
		custom := resilience.NewExecutor("custom")
		orch := NewOrchestrator()
		require.NoError(t, orch.Register("broker", KindBroker, newFakeConnector(), WithExecutor(custom)))

		exec, err := orch.Executor("broker")
		require.NoError(t, err)
		assert.Same(t, custom, exec)
	})

	t.Run("list components preserves registration order", func(t *testing.T) {
		orch := NewOrchestrator()
		require.NoError(t, orch.Register("dep", KindDependency, newFakeConnector()))
		require.NoError(t, orch.Register("disco", KindDiscovery, newFakeConnector()))

		comps := orch.ListComponents()
		require.Len(t, comps, 2)
		assert.Equal(t, "dep", comps[0].Name)
		assert.Equal(t, "disco", comps[1].Name)
	})
}

func TestComponentKindString(t *testing.T) {
	assert.Equal(t, "discovery", KindDiscovery.String())
	assert.Equal(t, "broker", KindBroker.String())
	assert.Equal(t, "dependency", KindDependency.String())
	assert.Equal(t, "unknown", ComponentKind(9).String())
}
