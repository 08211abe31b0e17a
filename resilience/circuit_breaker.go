package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// StateChangeListener receives breaker transitions. Listeners run in their
// own goroutines and must not call back into the breaker synchronously.
type StateChangeListener func(name string, from, to State, reason string)

// CircuitBreakerConfig holds the breaker thresholds. Zero fields take the
// documented defaults.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens a
	// closed circuit. Default 5.
	FailureThreshold int
	// SuccessThreshold is the number of consecutive half-open successes
	// that close the circuit. Default 3.
	SuccessThreshold int
	// RecoveryTimeout is how long an open circuit waits before admitting
	// half-open probes. Default 30s.
	RecoveryTimeout time.Duration
	// HalfOpenLimit caps concurrent in-flight calls while half-open.
	// Default 3.
	HalfOpenLimit int
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 3
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
	if c.HalfOpenLimit <= 0 {
		c.HalfOpenLimit = 3
	}
	return c
}

// CircuitBreaker is a per-resource failure/recovery state machine. A closed
// circuit passes calls through and opens after FailureThreshold consecutive
// failures. An open circuit rejects calls until RecoveryTimeout has elapsed
// since the transition, then admits up to HalfOpenLimit concurrent probes.
// Any half-open failure reopens the circuit; SuccessThreshold consecutive
// successes close it.
type CircuitBreaker struct {
	mu sync.RWMutex

	name             string
	cfg              CircuitBreakerConfig
	state            State
	failures         int
	successes        int
	halfOpenInFlight int
	lastFailureAt    time.Time
	stateChangedAt   time.Time

	totalCalls      int64
	totalFailures   int64
	totalSuccesses  int64
	totalRejections int64

	listeners []StateChangeListener
}

// NewCircuitBreaker creates a closed breaker with the given thresholds.
func NewCircuitBreaker(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		name:           name,
		cfg:            cfg.withDefaults(),
		state:          StateClosed,
		stateChangedAt: time.Now(),
	}
}

// Call runs fn under breaker protection. When the circuit rejects the call,
// fn is never invoked and a *CircuitOpenError is returned. A context that is
// already cancelled is reported without touching breaker state.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	admittedHalfOpen, err := cb.admit()
	if err != nil {
		return err
	}

	err = fn()
	cb.recordResult(err, admittedHalfOpen)
	return err
}

// Name returns the breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// GetState returns the current state.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// OnStateChange registers a transition listener.
func (cb *CircuitBreaker) OnStateChange(listener StateChangeListener) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.listeners = append(cb.listeners, listener)
}

// Reset forces the breaker back to closed with cleared counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateClosed {
		cb.transition(StateClosed, "manual reset")
	}
	cb.failures = 0
	cb.successes = 0
	cb.halfOpenInFlight = 0
}

// admit decides whether a call may proceed. It reports whether the call was
// admitted under half-open accounting so the completion path can release
// the in-flight slot.
func (cb *CircuitBreaker) admit() (bool, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalCalls++

	switch cb.state {
	case StateClosed:
		return false, nil

	case StateOpen:
		if time.Since(cb.stateChangedAt) >= cb.cfg.RecoveryTimeout {
			cb.transition(StateHalfOpen, "recovery timeout elapsed")
			cb.halfOpenInFlight++
			return true, nil
		}
		cb.totalRejections++
		return false, &CircuitOpenError{
			Name:             cb.name,
			State:            StateOpen,
			Failures:         cb.failures,
			FailureThreshold: cb.cfg.FailureThreshold,
			RetryAfter:       cb.stateChangedAt.Add(cb.cfg.RecoveryTimeout),
		}

	case StateHalfOpen:
		if cb.halfOpenInFlight >= cb.cfg.HalfOpenLimit {
			cb.totalRejections++
			return false, &CircuitOpenError{
				Name:             cb.name,
				State:            StateHalfOpen,
				Failures:         cb.failures,
				FailureThreshold: cb.cfg.FailureThreshold,
				RetryAfter:       time.Now().Add(cb.cfg.RecoveryTimeout),
			}
		}
		cb.halfOpenInFlight++
		return true, nil

	default:
		return false, fmt.Errorf("resilience: circuit %q in unknown state %d", cb.name, cb.state)
	}
}

// recordResult applies the outcome of an admitted call.
func (cb *CircuitBreaker) recordResult(err error, admittedHalfOpen bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	// Release the half-open slot unless a transition already cleared it.
	if admittedHalfOpen && cb.state == StateHalfOpen && cb.halfOpenInFlight > 0 {
		cb.halfOpenInFlight--
	}

	if err != nil {
		cb.failures++
		cb.totalFailures++
		cb.lastFailureAt = time.Now()

		switch cb.state {
		case StateClosed:
			if cb.failures >= cb.cfg.FailureThreshold {
				cb.transition(StateOpen, fmt.Sprintf("failure threshold reached (%d/%d)",
					cb.failures, cb.cfg.FailureThreshold))
			}
		case StateHalfOpen:
			cb.transition(StateOpen, "failure during half-open probe")
		}
		return
	}

	cb.totalSuccesses++
	cb.failures = 0

	if cb.state == StateHalfOpen {
		cb.successes++
		if cb.successes >= cb.cfg.SuccessThreshold {
			cb.transition(StateClosed, fmt.Sprintf("success threshold reached (%d/%d)",
				cb.successes, cb.cfg.SuccessThreshold))
		}
	}
}

// transition moves to a new state and resets the per-state counters.
// Callers must hold cb.mu.
func (cb *CircuitBreaker) transition(to State, reason string) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.stateChangedAt = time.Now()
	cb.successes = 0
	cb.halfOpenInFlight = 0

	// Copy under lock, notify without it.
	listeners := make([]StateChangeListener, len(cb.listeners))
	copy(listeners, cb.listeners)
	for _, listener := range listeners {
		go listener(cb.name, from, to, reason)
	}
}

// GetMetrics returns a point-in-time snapshot of breaker counters.
func (cb *CircuitBreaker) GetMetrics() CircuitBreakerMetrics {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return CircuitBreakerMetrics{
		Name:             cb.name,
		State:            cb.state,
		Failures:         cb.failures,
		Successes:        cb.successes,
		HalfOpenInFlight: cb.halfOpenInFlight,
		TotalCalls:       cb.totalCalls,
		TotalFailures:    cb.totalFailures,
		TotalSuccesses:   cb.totalSuccesses,
		TotalRejections:  cb.totalRejections,
		LastFailureAt:    cb.lastFailureAt,
		StateChangedAt:   cb.stateChangedAt,
		Timestamp:        time.Now(),
	}
}

// CircuitBreakerMetrics is a snapshot of breaker counters.
type CircuitBreakerMetrics struct {
	Name             string
	State            State
	Failures         int
	Successes        int
	HalfOpenInFlight int
	TotalCalls       int64
	TotalFailures    int64
	TotalSuccesses   int64
	TotalRejections  int64
	LastFailureAt    time.Time
	StateChangedAt   time.Time
	Timestamp        time.Time
}
