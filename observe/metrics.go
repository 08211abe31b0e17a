// Package observe bridges orchestrator events into OpenTelemetry metrics.
// It implements keel.Observer so the core stays free of any metrics SDK;
// wiring it up is one option on the orchestrator.
package observe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	keel "github.com/keelmq/keel-go"
	"github.com/keelmq/keel-go/resilience"
)

const meterScope = "github.com/keelmq/keel-go/observe"

// Metrics exports orchestrator events as OpenTelemetry instruments:
//
//	keel.operations          counter   component, operation, outcome
//	keel.operation.duration  histogram component, operation (ms)
//	keel.circuit.transitions counter   breaker, from, to
//	keel.health.checks       counter   component, status
//	keel.deadletter.entries  gauge     component (observed on collect)
//	keel.dedup.entries       gauge     component (observed on collect)
//
// The gauges read from executors registered with Track. Safe for concurrent
// use.
type Metrics struct {
	operations  metric.Int64Counter
	duration    metric.Float64Histogram
	transitions metric.Int64Counter
	health      metric.Int64Counter

	deadLetters metric.Int64ObservableGauge
	dedup       metric.Int64ObservableGauge
	reg         metric.Registration

	mu      sync.Mutex
	tracked map[string]*resilience.Executor
}

// New creates the metric bridge on the given provider. A nil provider falls
// back to the global one.
func New(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(meterScope)

	m := &Metrics{tracked: make(map[string]*resilience.Executor)}

	var err error
	m.operations, err = meter.Int64Counter(
		"keel.operations",
		metric.WithDescription("Number of executed publish and consume operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create keel.operations counter: %w", err)
	}

	m.duration, err = meter.Float64Histogram(
		"keel.operation.duration",
		metric.WithDescription("Operation duration including retries"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("create keel.operation.duration histogram: %w", err)
	}

	m.transitions, err = meter.Int64Counter(
		"keel.circuit.transitions",
		metric.WithDescription("Number of circuit breaker state transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create keel.circuit.transitions counter: %w", err)
	}

	m.health, err = meter.Int64Counter(
		"keel.health.checks",
		metric.WithDescription("Number of completed health probes"),
		metric.WithUnit("{check}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create keel.health.checks counter: %w", err)
	}

	m.deadLetters, err = meter.Int64ObservableGauge(
		"keel.deadletter.entries",
		metric.WithDescription("Entries currently held in the dead letter store"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create keel.deadletter.entries gauge: %w", err)
	}

	m.dedup, err = meter.Int64ObservableGauge(
		"keel.dedup.entries",
		metric.WithDescription("Message IDs currently held in the deduplication window"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create keel.dedup.entries gauge: %w", err)
	}

	m.reg, err = meter.RegisterCallback(m.observeStores, m.deadLetters, m.dedup)
	if err != nil {
		return nil, fmt.Errorf("register store gauges: %w", err)
	}

	return m, nil
}

// Track registers a component's executor so the store gauges can read its
// dead letter and deduplication sizes on every collection.
func (m *Metrics) Track(component string, exec *resilience.Executor) {
	if exec == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracked[component] = exec
}

// Untrack removes a component from gauge collection.
func (m *Metrics) Untrack(component string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tracked, component)
}

// Close unregisters the gauge callback.
func (m *Metrics) Close() error {
	return m.reg.Unregister()
}

// ObserveOperation implements keel.Observer.
func (m *Metrics) ObserveOperation(component, operation string, outcome resilience.Outcome, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("component", component),
		attribute.String("operation", operation),
		attribute.String("outcome", outcome.Status.String()),
	)
	ctx := context.Background()
	m.operations.Add(ctx, 1, attrs)
	m.duration.Record(ctx, float64(elapsed)/float64(time.Millisecond), metric.WithAttributes(
		attribute.String("component", component),
		attribute.String("operation", operation),
	))
}

// ObserveHealth implements keel.Observer.
func (m *Metrics) ObserveHealth(component string, status keel.Status) {
	m.health.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("component", component),
		attribute.String("status", string(status)),
	))
}

// ObserveCircuitTransition implements keel.Observer.
func (m *Metrics) ObserveCircuitTransition(component string, from, to resilience.State) {
	m.transitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("breaker", component),
		attribute.String("from", from.String()),
		attribute.String("to", to.String()),
	))
}

// StateChangeListener adapts the bridge for breakers that run outside an
// orchestrator. The reason is not exported; both paths emit the same
// timeseries.
func (m *Metrics) StateChangeListener() resilience.StateChangeListener {
	return func(name string, from, to resilience.State, reason string) {
		m.ObserveCircuitTransition(name, from, to)
	}
}

func (m *Metrics) observeStores(ctx context.Context, observer metric.Observer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for component, exec := range m.tracked {
		attrs := metric.WithAttributes(attribute.String("component", component))
		if store := exec.DeadLetters(); store != nil {
			observer.ObserveInt64(m.deadLetters, int64(store.Len()), attrs)
		}
		if dedup := exec.Deduplicator(); dedup != nil {
			observer.ObserveInt64(m.dedup, int64(dedup.Len()), attrs)
		}
	}
	return nil
}

var _ keel.Observer = (*Metrics)(nil)
