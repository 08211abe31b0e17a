package resilience

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Circuit breaker errors
	ErrCircuitOpen          = errors.New("resilience: circuit is open")
	ErrCircuitHalfOpenLimit = errors.New("resilience: half-open call limit reached")

	// Retry errors
	ErrRetryExhausted = errors.New("resilience: retry attempts exhausted")

	// Dead letter errors
	ErrEntryNotFound = errors.New("resilience: dead letter entry not found")
)

// CircuitOpenError is returned when a circuit breaker rejects a call without
// executing it, either because the circuit is open or because the half-open
// probe limit is reached. It is never retryable: callers get it back
// immediately and must wait for the breaker to recover.
type CircuitOpenError struct {
	Name             string    // Breaker name
	State            State     // State at rejection time
	Failures         int       // Consecutive failures observed
	FailureThreshold int       // Configured threshold
	RetryAfter       time.Time // Earliest time a call may be admitted again
}

func (e *CircuitOpenError) Error() string {
	switch e.State {
	case StateHalfOpen:
		return fmt.Sprintf("resilience: circuit %q half-open, probe limit reached", e.Name)
	default:
		retryIn := time.Until(e.RetryAfter).Round(time.Millisecond)
		return fmt.Sprintf("resilience: circuit %q open (failures=%d/%d, retry in %v)",
			e.Name, e.Failures, e.FailureThreshold, retryIn)
	}
}

func (e *CircuitOpenError) Unwrap() error {
	if e.State == StateHalfOpen {
		return ErrCircuitHalfOpenLimit
	}
	return ErrCircuitOpen
}

// IsRetryable marks circuit rejections as non-retryable so retry loops hand
// them back instead of hammering an open circuit.
func (e *CircuitOpenError) IsRetryable() bool {
	return false
}

// IsCircuitOpen reports whether err is or wraps a circuit rejection.
func IsCircuitOpen(err error) bool {
	var cbErr *CircuitOpenError
	return errors.As(err, &cbErr)
}

// RetryExhaustedError reports that every attempt of a retried operation
// failed. It wraps the error from the final attempt.
type RetryExhaustedError struct {
	Attempts int   // Attempts actually made
	Err      error // Error from the last attempt
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("resilience: %d attempts exhausted: %v", e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match the ErrRetryExhausted sentinel.
func (e *RetryExhaustedError) Is(target error) bool {
	return target == ErrRetryExhausted
}

// DeadLetterError represents a failure while adding or reprocessing dead
// letter entries. These are always surfaced, never silently dropped.
type DeadLetterError struct {
	Op        string // Operation that failed (add, reprocess)
	MessageID string // Affected message, if known
	Err       error  // Underlying error
}

func (e *DeadLetterError) Error() string {
	if e.MessageID != "" {
		return fmt.Sprintf("resilience: dead letter %s failed for message %s: %v", e.Op, e.MessageID, e.Err)
	}
	return fmt.Sprintf("resilience: dead letter %s failed: %v", e.Op, e.Err)
}

func (e *DeadLetterError) Unwrap() error {
	return e.Err
}

// retryable is implemented by errors that decide their own retry semantics.
type retryable interface {
	IsRetryable() bool
}

// nonRetryableError marks a wrapped error as permanently failed.
type nonRetryableError struct {
	err error
}

func (e *nonRetryableError) Error() string {
	return e.err.Error()
}

func (e *nonRetryableError) Unwrap() error {
	return e.err
}

func (e *nonRetryableError) IsRetryable() bool {
	return false
}

// NonRetryable marks err so retry loops stop immediately, used for
// serialization and validation failures that no amount of retrying fixes.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryableError{err: err}
}

// IsRetryable reports whether err may be retried. Errors that implement
// IsRetryable() anywhere in their chain decide for themselves; everything
// else defaults to retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return true
}
