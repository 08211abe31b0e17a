package resilience

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/keelmq/keel-go/contracts"
)

// OutcomeStatus discriminates how an executed operation ended.
type OutcomeStatus int

const (
	// StatusSucceeded: the operation completed, possibly after retries.
	StatusSucceeded OutcomeStatus = iota
	// StatusPendingRetry: every attempt failed but the message still has
	// retry budget; the caller may requeue it externally.
	StatusPendingRetry
	// StatusDeadLettered: the message exhausted its budget and failed
	// terminally; when a store is configured the entry was added to it.
	StatusDeadLettered
	// StatusCircuitRejected: the circuit breaker refused admission; the
	// operation was never attempted.
	StatusCircuitRejected
)

func (s OutcomeStatus) String() string {
	switch s {
	case StatusSucceeded:
		return "succeeded"
	case StatusPendingRetry:
		return "pending-retry"
	case StatusDeadLettered:
		return "dead-lettered"
	case StatusCircuitRejected:
		return "circuit-rejected"
	default:
		return "unknown"
	}
}

// Outcome is the discriminated result of one executed operation.
type Outcome struct {
	Status   OutcomeStatus
	Err      error
	Attempts int
	// Duplicate is set when deduplication short-circuited the operation as
	// already handled; Status is Succeeded in that case.
	Duplicate bool
	// Entry references the dead letter entry created for a DeadLettered
	// outcome, when a store is configured.
	Entry *DeadLetterEntry
}

// Executor composes a circuit breaker, retry policy, deduplicator, metrics
// window, and dead letter store around one logical operation. Per
// invocation: duplicate check, breaker admission, retry loop, metrics
// recording, and terminal-failure escalation to the dead letter store.
//
// The breaker wraps the whole retry loop, so one invocation contributes
// exactly one success or failure to breaker state, and a circuit rejection
// is returned immediately without any attempt.
type Executor struct {
	name    string
	breaker *CircuitBreaker
	retry   RetryPolicy
	dedup   *Deduplicator
	window  *MetricsWindow
	store   *DeadLetterStore
	logger  *slog.Logger
}

// ExecutorOption configures an executor.
type ExecutorOption func(*Executor)

// WithCircuitBreaker replaces the default breaker.
func WithCircuitBreaker(cb *CircuitBreaker) ExecutorOption {
	return func(e *Executor) {
		e.breaker = cb
	}
}

// WithRetryPolicy sets the retry policy.
func WithRetryPolicy(policy RetryPolicy) ExecutorOption {
	return func(e *Executor) {
		e.retry = policy
	}
}

// WithDeduplicator enables duplicate detection.
func WithDeduplicator(d *Deduplicator) ExecutorOption {
	return func(e *Executor) {
		e.dedup = d
	}
}

// WithMetricsWindow enables rolling metrics recording.
func WithMetricsWindow(w *MetricsWindow) ExecutorOption {
	return func(e *Executor) {
		e.window = w
	}
}

// WithDeadLetterStore enables terminal-failure escalation.
func WithDeadLetterStore(s *DeadLetterStore) ExecutorOption {
	return func(e *Executor) {
		e.store = s
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = logger
	}
}

// NewExecutor creates an executor named after the component it protects.
// Without options it carries a default breaker and retry policy, no
// deduplication, no metrics window, and no dead letter store.
func NewExecutor(name string, opts ...ExecutorOption) *Executor {
	e := &Executor{
		name:   name,
		retry:  DefaultRetryPolicy(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.breaker == nil {
		e.breaker = NewCircuitBreaker(name, CircuitBreakerConfig{})
	}
	return e
}

// Name returns the executor name.
func (e *Executor) Name() string {
	return e.name
}

// Breaker returns the executor's circuit breaker.
func (e *Executor) Breaker() *CircuitBreaker {
	return e.breaker
}

// Window returns the metrics window, or nil when not configured.
func (e *Executor) Window() *MetricsWindow {
	return e.window
}

// DeadLetters returns the dead letter store, or nil when not configured.
func (e *Executor) DeadLetters() *DeadLetterStore {
	return e.store
}

// Deduplicator returns the deduplicator, or nil when not configured.
func (e *Executor) Deduplicator() *Deduplicator {
	return e.dedup
}

// Execute runs fn for msg under full protection. op labels the operation
// ("publish", "consume") for metrics and logging. The message must not be
// nil; a nil message is a terminal failure without a dead letter entry.
func (e *Executor) Execute(ctx context.Context, op string, msg *contracts.Message, fn func(context.Context) error) Outcome {
	if msg == nil {
		return Outcome{Status: StatusDeadLettered, Err: contracts.ErrNilMessage}
	}

	if e.dedup != nil && e.dedup.IsDuplicate(msg) {
		e.logger.Debug("duplicate message suppressed",
			"component", e.name, "operation", op, "messageId", msg.ID, "topic", msg.Topic)
		return Outcome{Status: StatusSucceeded, Duplicate: true}
	}

	attempts, err := e.run(ctx, op, msg.Topic, fn)
	if err == nil {
		return Outcome{Status: StatusSucceeded, Attempts: attempts}
	}

	if IsCircuitOpen(err) && attempts == 0 {
		e.logger.Warn("circuit rejected operation",
			"component", e.name, "operation", op, "messageId", msg.ID, "topic", msg.Topic)
		return Outcome{Status: StatusCircuitRejected, Err: err}
	}

	if msg.RetryCount < msg.MaxRetries {
		msg.IncrementRetry()
		e.logger.Warn("operation failed, message pending requeue",
			"component", e.name, "operation", op, "messageId", msg.ID,
			"retryCount", msg.RetryCount, "maxRetries", msg.MaxRetries, "error", err)
		return Outcome{Status: StatusPendingRetry, Err: err, Attempts: attempts}
	}

	outcome := Outcome{Status: StatusDeadLettered, Err: err, Attempts: attempts}
	if e.store != nil {
		outcome.Entry = e.store.Add(msg, err, msg.Topic)
	}
	e.logger.Error("message dead-lettered",
		"component", e.name, "operation", op, "messageId", msg.ID,
		"topic", msg.Topic, "retryCount", msg.RetryCount, "error", err)
	return outcome
}

// Probe runs a unit-less operation (a health check) through the same
// breaker, retry, and metrics machinery. No deduplication, no dead
// lettering.
func (e *Executor) Probe(ctx context.Context, fn func(context.Context) error) error {
	_, err := e.run(ctx, "health", "health", fn)
	return err
}

// run executes fn with breaker admission around the retry loop and records
// per-attempt metrics. It returns the attempts made; zero attempts with a
// non-nil error means the breaker rejected the call.
func (e *Executor) run(ctx context.Context, op, topic string, fn func(context.Context) error) (int, error) {
	attempts := 0
	err := e.breaker.Call(ctx, func() error {
		n, retryErr := RetryWithCount(ctx, e.retry, func() error {
			start := time.Now()
			attemptErr := fn(ctx)
			if attemptErr != nil {
				e.recordError(topic, attemptErr)
				return attemptErr
			}
			e.recordSuccess(op, topic, float64(time.Since(start).Microseconds())/1000.0)
			return nil
		})
		attempts = n
		return retryErr
	})

	if err != nil && IsCircuitOpen(err) && attempts == 0 && e.window != nil {
		e.window.RecordError(topic, "circuit_open")
	}
	return attempts, err
}

func (e *Executor) recordSuccess(op, topic string, latencyMs float64) {
	if e.window == nil {
		return
	}
	switch op {
	case "consume":
		e.window.RecordConsume(topic, latencyMs)
	case "publish":
		e.window.RecordPublish(topic, latencyMs)
	}
}

func (e *Executor) recordError(topic string, err error) {
	if e.window == nil {
		return
	}
	e.window.RecordError(topic, errorKind(err))
}

// errorKind buckets an error for window aggregation.
func errorKind(err error) string {
	var connErr *contracts.ConnectionError
	var pubErr *contracts.PublishError
	var consErr *contracts.ConsumptionError

	switch {
	case IsCircuitOpen(err):
		return "circuit_open"
	case errors.As(err, &connErr):
		return "connection"
	case errors.As(err, &pubErr):
		return "publish"
	case errors.As(err, &consErr):
		return "consume"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "operation"
	}
}
