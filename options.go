package keel

import (
	"log/slog"
	"time"

	"github.com/keelmq/keel-go/resilience"
)

// Option configures the orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the structured logger used by the orchestrator and, unless
// a component injects its own executor, by per-component executors.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithHealthInterval sets the background health loop interval.
func WithHealthInterval(interval time.Duration) Option {
	return func(o *Orchestrator) {
		if interval > 0 {
			o.interval = interval
		}
	}
}

// WithProbeTimeout bounds each component's health probe, retries included.
func WithProbeTimeout(timeout time.Duration) Option {
	return func(o *Orchestrator) {
		if timeout > 0 {
			o.probeTimeout = timeout
		}
	}
}

// WithMaxConcurrentProbes bounds health probe fanout within one iteration.
func WithMaxConcurrentProbes(n int64) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxProbes = n
		}
	}
}

// WithObserver attaches an observer that receives operation outcomes,
// health transitions, and circuit state changes.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) {
		o.observer = obs
	}
}

// componentConfig collects per-component registration options.
type componentConfig struct {
	executor *resilience.Executor
	breaker  resilience.CircuitBreakerConfig
	retry    *resilience.RetryPolicy
	dedup    *resilience.DedupConfig
	window   *resilience.WindowConfig
	dlq      *resilience.DeadLetterConfig
}

// ComponentOption configures one component at registration time.
type ComponentOption func(*componentConfig)

// WithExecutor injects a prebuilt executor for the component instead of
// building one from the config options below.
func WithExecutor(e *resilience.Executor) ComponentOption {
	return func(c *componentConfig) {
		c.executor = e
	}
}

// WithBreakerConfig sets the component's circuit breaker thresholds.
func WithBreakerConfig(cfg resilience.CircuitBreakerConfig) ComponentOption {
	return func(c *componentConfig) {
		c.breaker = cfg
	}
}

// WithRetryPolicy sets the component's retry policy.
func WithRetryPolicy(policy resilience.RetryPolicy) ComponentOption {
	return func(c *componentConfig) {
		c.retry = &policy
	}
}

// WithDeduplication enables duplicate suppression for the component.
// Deduplication is off unless requested.
func WithDeduplication(cfg resilience.DedupConfig) ComponentOption {
	return func(c *componentConfig) {
		c.dedup = &cfg
	}
}

// WithMetrics overrides the component's rolling metrics window, which is
// otherwise created with defaults.
func WithMetrics(cfg resilience.WindowConfig) ComponentOption {
	return func(c *componentConfig) {
		c.window = &cfg
	}
}

// WithDeadLetters overrides the component's dead letter store, which is
// otherwise created with defaults.
func WithDeadLetters(cfg resilience.DeadLetterConfig) ComponentOption {
	return func(c *componentConfig) {
		c.dlq = &cfg
	}
}

// buildExecutor assembles the component executor from the collected config.
func (c *componentConfig) buildExecutor(name string, logger *slog.Logger) *resilience.Executor {
	if c.executor != nil {
		return c.executor
	}

	window := resilience.WindowConfig{}
	if c.window != nil {
		window = *c.window
	}
	dlq := resilience.DeadLetterConfig{}
	if c.dlq != nil {
		dlq = *c.dlq
	}

	opts := []resilience.ExecutorOption{
		resilience.WithCircuitBreaker(resilience.NewCircuitBreaker(name, c.breaker)),
		resilience.WithMetricsWindow(resilience.NewMetricsWindow(window)),
		resilience.WithDeadLetterStore(resilience.NewDeadLetterStore(dlq)),
		resilience.WithLogger(logger),
	}
	if c.retry != nil {
		opts = append(opts, resilience.WithRetryPolicy(*c.retry))
	}
	if c.dedup != nil {
		opts = append(opts, resilience.WithDeduplicator(resilience.NewDeduplicator(*c.dedup)))
	}
	return resilience.NewExecutor(name, opts...)
}
