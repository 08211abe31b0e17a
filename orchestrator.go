package keel

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/keelmq/keel-go/contracts"
	"github.com/keelmq/keel-go/resilience"
)

const (
	defaultHealthInterval = 30 * time.Second
	defaultProbeTimeout   = 10 * time.Second
	defaultMaxProbes      = 4
)

// component is one registry entry. The conn, kind, seq, and executor fields
// are immutable after Register; status fields are guarded by the
// orchestrator mutex because both the health loop and explicit reconnects
// write them.
type component struct {
	name     string
	kind     ComponentKind
	seq      int
	conn     Connector
	executor *resilience.Executor

	status        Status
	connected     bool
	lastCheckedAt time.Time
	errorCount    int
	lastError     string
}

// Orchestrator owns a registry of named connectors and runs every operation
// on them through per-component resilience executors. It brings components
// up in kind order, probes them on a background health loop, and exposes an
// aggregate health snapshot.
//
// An orchestrator is an explicit instance; there is no package-level
// default. Create one, register components, then Initialize.
type Orchestrator struct {
	mu         sync.RWMutex
	components map[string]*component
	order      []string

	logger       *slog.Logger
	interval     time.Duration
	probeTimeout time.Duration
	maxProbes    int64
	observer     Observer

	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	startupCallbacks  []func(context.Context) error
	shutdownCallbacks []func(context.Context) error
	healthCallbacks   []func(name string, status Status)
}

// NewOrchestrator creates a stopped orchestrator with an empty registry.
func NewOrchestrator(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		components:   make(map[string]*component),
		logger:       slog.Default(),
		interval:     defaultHealthInterval,
		probeTimeout: defaultProbeTimeout,
		maxProbes:    defaultMaxProbes,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Register adds a named connector to the registry. Components registered
// after Initialize are not connected automatically; bring them up with
// Reconnect. Duplicate names are rejected.
func (o *Orchestrator) Register(name string, kind ComponentKind, conn Connector, opts ...ComponentOption) error {
	if name == "" {
		return ErrEmptyComponentName
	}
	if conn == nil {
		return ErrNilConnector
	}

	cfg := &componentConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.components[name]; exists {
		return fmt.Errorf("%w: %s", ErrComponentExists, name)
	}

	c := &component{
		name:     name,
		kind:     kind,
		seq:      len(o.order),
		conn:     conn,
		executor: cfg.buildExecutor(name, o.logger),
		status:   StatusInitialized,
	}
	o.components[name] = c
	o.order = append(o.order, name)

	if o.observer != nil {
		obs := o.observer
		componentName := name
		c.executor.Breaker().OnStateChange(func(_ string, from, to resilience.State, _ string) {
			obs.ObserveCircuitTransition(componentName, from, to)
		})
	}

	o.logger.Debug("component registered", "component", name, "kind", kind.String())
	return nil
}

// Initialize connects all registered components in kind order (discovery,
// then brokers, then dependencies; registration order within a kind). A
// component's connect failure is logged and leaves it unhealthy without
// aborting the others. After every component has attempted startup the
// registered startup callbacks run, then the background health loop starts.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return ErrAlreadyRunning
	}
	o.running = true
	loopCtx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	startup := o.startupOrderLocked()
	o.mu.Unlock()

	for _, c := range startup {
		o.connectComponent(ctx, c)
	}

	for _, cb := range o.copyStartupCallbacks() {
		if err := cb(ctx); err != nil {
			o.logger.Error("startup callback failed", "error", err)
		}
	}

	o.wg.Add(1)
	go o.healthLoop(loopCtx)

	o.logger.Info("orchestrator initialized",
		"components", len(startup), "healthInterval", o.interval)
	return nil
}

// Shutdown stops the orchestrator: shutdown callbacks run first, then the
// health loop is cancelled and its in-flight iteration awaited, then
// components disconnect in reverse startup order. Teardown failures are
// logged, never raised.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return ErrNotRunning
	}
	o.running = false
	cancel := o.cancel
	o.cancel = nil
	teardown := o.startupOrderLocked()
	o.mu.Unlock()

	for _, cb := range o.copyShutdownCallbacks() {
		if err := cb(ctx); err != nil {
			o.logger.Error("shutdown callback failed", "error", err)
		}
	}

	cancel()
	o.wg.Wait()

	for i := len(teardown) - 1; i >= 0; i-- {
		o.disconnectComponent(ctx, teardown[i])
	}

	o.logger.Info("orchestrator stopped")
	return nil
}

// Publish sends msg to topic through the named component's executor. The
// returned error covers lookup failures only; the operation's own result,
// including retries, dead-lettering, and circuit rejection, is the Outcome.
func (o *Orchestrator) Publish(ctx context.Context, component, topic string, msg *contracts.Message) (resilience.Outcome, error) {
	c, err := o.lookup(component)
	if err != nil {
		return resilience.Outcome{}, err
	}

	start := time.Now()
	outcome := c.executor.Execute(ctx, "publish", msg, func(ctx context.Context) error {
		return c.conn.Publish(ctx, topic, msg)
	})
	o.observeOperation(component, "publish", outcome, time.Since(start))
	return outcome, nil
}

// Subscribe registers handler on the named component's topic. Every
// delivery runs through the component executor, so duplicates are
// suppressed, failures retried, and exhausted messages dead-lettered. The
// wrapped handler reports success to the connector for terminally handled
// deliveries (succeeded or dead-lettered) and an error for deliveries the
// connector should redeliver (pending retry or circuit rejection).
func (o *Orchestrator) Subscribe(ctx context.Context, component, topic string, handler MessageHandler) error {
	if handler == nil {
		return ErrNilHandler
	}
	c, err := o.lookup(component)
	if err != nil {
		return err
	}

	wrapped := func(ctx context.Context, msg *contracts.Message) error {
		start := time.Now()
		outcome := c.executor.Execute(ctx, "consume", msg, func(ctx context.Context) error {
			return handler(ctx, msg)
		})
		o.observeOperation(component, "consume", outcome, time.Since(start))

		switch outcome.Status {
		case resilience.StatusSucceeded, resilience.StatusDeadLettered:
			return nil
		default:
			return outcome.Err
		}
	}
	return c.conn.Subscribe(ctx, topic, wrapped)
}

// Unsubscribe removes the named component's subscription on topic.
func (o *Orchestrator) Unsubscribe(ctx context.Context, component, topic string) error {
	c, err := o.lookup(component)
	if err != nil {
		return err
	}
	return c.conn.Unsubscribe(ctx, topic)
}

// Reconnect disconnects the named component if connected, reconnects it,
// and updates its status either way.
func (o *Orchestrator) Reconnect(ctx context.Context, name string) error {
	c, err := o.lookup(name)
	if err != nil {
		return err
	}

	o.mu.RLock()
	connected := c.connected
	o.mu.RUnlock()

	if connected {
		if derr := c.conn.Disconnect(ctx); derr != nil {
			o.logger.Warn("disconnect before reconnect failed",
				"component", name, "error", derr)
		}
	}

	connErr := c.conn.Connect(ctx)

	o.mu.Lock()
	if connErr != nil {
		c.status = StatusUnhealthy
		c.connected = false
		c.errorCount++
		c.lastError = connErr.Error()
		o.mu.Unlock()
		o.logger.Error("component reconnect failed", "component", name, "error", connErr)
		return contracts.NewConnectionError(name, "reconnect", connErr)
	}
	c.status = StatusHealthy
	c.connected = true
	c.lastError = ""
	o.mu.Unlock()

	o.logger.Info("component reconnected", "component", name)
	return nil
}

// GetComponent returns the named connector.
func (o *Orchestrator) GetComponent(name string) (Connector, error) {
	c, err := o.lookup(name)
	if err != nil {
		return nil, err
	}
	return c.conn, nil
}

// Executor returns the named component's resilience executor, giving access
// to its circuit breaker, metrics window, and dead letter store.
func (o *Orchestrator) Executor(name string) (*resilience.Executor, error) {
	c, err := o.lookup(name)
	if err != nil {
		return nil, err
	}
	return c.executor, nil
}

// ListComponents summarizes every registered component in registration
// order.
func (o *Orchestrator) ListComponents() []ComponentSummary {
	o.mu.RLock()
	defer o.mu.RUnlock()

	summaries := make([]ComponentSummary, 0, len(o.order))
	for _, name := range o.order {
		c := o.components[name]
		summaries = append(summaries, ComponentSummary{
			Name:      c.name,
			Kind:      c.kind.String(),
			Status:    c.status,
			Connected: c.connected,
		})
	}
	return summaries
}

// AddStartupCallback registers fn to run after Initialize has attempted
// startup of every component. Errors are logged, not raised.
func (o *Orchestrator) AddStartupCallback(fn func(context.Context) error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.startupCallbacks = append(o.startupCallbacks, fn)
}

// AddShutdownCallback registers fn to run at the start of Shutdown, before
// components disconnect. Errors are logged, not raised.
func (o *Orchestrator) AddShutdownCallback(fn func(context.Context) error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.shutdownCallbacks = append(o.shutdownCallbacks, fn)
}

// AddHealthCallback registers fn to be invoked with (name, status) after
// every health probe.
func (o *Orchestrator) AddHealthCallback(fn func(name string, status Status)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.healthCallbacks = append(o.healthCallbacks, fn)
}

func (o *Orchestrator) lookup(name string) (*component, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	c, ok := o.components[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrComponentNotFound, name)
	}
	return c, nil
}

// startupOrderLocked returns components sorted by kind, then registration
// order. Callers must hold o.mu.
func (o *Orchestrator) startupOrderLocked() []*component {
	ordered := make([]*component, 0, len(o.order))
	for _, name := range o.order {
		ordered = append(ordered, o.components[name])
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].kind != ordered[j].kind {
			return ordered[i].kind < ordered[j].kind
		}
		return ordered[i].seq < ordered[j].seq
	})
	return ordered
}

func (o *Orchestrator) connectComponent(ctx context.Context, c *component) {
	err := c.conn.Connect(ctx)
	now := time.Now().UTC()

	o.mu.Lock()
	c.lastCheckedAt = now
	if err != nil {
		c.status = StatusUnhealthy
		c.connected = false
		c.errorCount++
		c.lastError = err.Error()
		o.mu.Unlock()
		o.logger.Error("component failed to start",
			"component", c.name, "kind", c.kind.String(), "error", err)
		return
	}
	c.status = StatusHealthy
	c.connected = true
	c.lastError = ""
	o.mu.Unlock()

	o.logger.Info("component started", "component", c.name, "kind", c.kind.String())
}

func (o *Orchestrator) disconnectComponent(ctx context.Context, c *component) {
	o.mu.RLock()
	connected := c.connected
	o.mu.RUnlock()
	if !connected {
		return
	}

	err := c.conn.Disconnect(ctx)

	o.mu.Lock()
	c.connected = false
	c.status = StatusInitialized
	o.mu.Unlock()

	if err != nil {
		o.logger.Warn("component disconnect failed", "component", c.name, "error", err)
		return
	}
	o.logger.Info("component stopped", "component", c.name)
}

func (o *Orchestrator) copyStartupCallbacks() []func(context.Context) error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]func(context.Context) error(nil), o.startupCallbacks...)
}

func (o *Orchestrator) copyShutdownCallbacks() []func(context.Context) error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]func(context.Context) error(nil), o.shutdownCallbacks...)
}

func (o *Orchestrator) copyHealthCallbacks() []func(name string, status Status) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append(([]func(name string, status Status))(nil), o.healthCallbacks...)
}

func (o *Orchestrator) observeOperation(component, op string, outcome resilience.Outcome, elapsed time.Duration) {
	if o.observer == nil {
		return
	}
	o.observer.ObserveOperation(component, op, outcome, elapsed)
}
