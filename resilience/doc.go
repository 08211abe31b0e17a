// Package resilience implements the reliability engine that protects calls
// to unreliable transports and dependencies.
//
// The package provides five primitives and one composer:
//   - CircuitBreaker: per-resource failure/recovery state machine with an
//     explicit half-open in-flight limit
//   - RetryPolicy / Retry: bounded-attempt exponential backoff with jitter
//   - Deduplicator: sliding-window duplicate detection by message fingerprint
//   - MetricsWindow: rolling throughput, latency, and error aggregation
//   - DeadLetterStore: bounded store of permanently failed messages with
//     reprocessing and age-based sweeping
//   - Executor: composes the primitives around one logical operation and
//     reports a discriminated Outcome
//
// Every primitive guards its state with its own mutex and is safe for
// concurrent use. Each primitive instance is owned by exactly one Executor;
// executors for different components never share state.
//
// Example usage:
//
//	exec := NewExecutor("orders-broker",
//	    WithCircuitBreaker(NewCircuitBreaker("orders-broker", CircuitBreakerConfig{})),
//	    WithRetryPolicy(RetryPolicy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond}),
//	    WithDeadLetterStore(NewDeadLetterStore(DeadLetterConfig{MaxSize: 1000})),
//	)
//
//	outcome := exec.Execute(ctx, "publish", msg, func(ctx context.Context) error {
//	    return broker.Publish(ctx, msg.Topic, msg)
//	})
//	if outcome.Status == StatusDeadLettered {
//	    // message exhausted its retry budget and was stored
//	}
package resilience
