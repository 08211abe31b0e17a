package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy is an immutable description of a bounded-attempt exponential
// backoff. Zero fields take the documented defaults.
type RetryPolicy struct {
	// MaxAttempts is the total attempt budget including the first call.
	// Values below 1 are treated as 1. Default 3.
	MaxAttempts int
	// BaseDelay is the delay before the first retry. Default 100ms.
	BaseDelay time.Duration
	// MaxDelay caps every computed delay, jitter included. Default 10s,
	// floored at BaseDelay.
	MaxDelay time.Duration
	// ExponentialBase is the backoff multiplier. Values at or below 1 are
	// replaced by the default 2.0.
	ExponentialBase float64
	// Jitter adds uniform(0.1, 0.3) of the computed delay when enabled.
	Jitter bool
}

// DefaultRetryPolicy returns the policy used when a component does not
// configure its own: 3 attempts, 100ms base, 10s cap, factor 2, jitter on.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		BaseDelay:       100 * time.Millisecond,
		MaxDelay:        10 * time.Second,
		ExponentialBase: 2.0,
		Jitter:          true,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts < 1 {
		if p.MaxAttempts == 0 {
			p.MaxAttempts = def.MaxAttempts
		} else {
			p.MaxAttempts = 1
		}
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.ExponentialBase <= 1 {
		p.ExponentialBase = def.ExponentialBase
	}
	return p
}

// Delay returns the backoff before the given 1-based retry:
// min(BaseDelay * ExponentialBase^(retry-1), MaxDelay), plus jitter when
// enabled. The result never exceeds MaxDelay.
func (p RetryPolicy) Delay(retry int) time.Duration {
	p = p.normalized()
	if retry < 1 {
		retry = 1
	}

	delay := float64(p.BaseDelay) * math.Pow(p.ExponentialBase, float64(retry-1))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.Jitter {
		delay += (0.1 + rand.Float64()*0.2) * delay
		if delay > float64(p.MaxDelay) {
			delay = float64(p.MaxDelay)
		}
	}

	return time.Duration(delay)
}

// Retry runs fn up to policy.MaxAttempts times, sleeping the policy delay
// between attempts. It stops early on success, on a non-retryable error, or
// on context cancellation during a delay; an attempt already in progress is
// never interrupted. When every attempt fails the last error is returned
// wrapped in a *RetryExhaustedError.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	_, err := RetryWithCount(ctx, policy, fn)
	return err
}

// RetryWithCount is Retry with the number of attempts actually made.
func RetryWithCount(ctx context.Context, policy RetryPolicy, fn func() error) (int, error) {
	policy = policy.normalized()

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return attempt - 1, ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return attempt, nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return attempt, err
		}
		if attempt == policy.MaxAttempts {
			break
		}

		select {
		case <-time.After(policy.Delay(attempt)):
		case <-ctx.Done():
			return attempt, ctx.Err()
		}
	}

	return policy.MaxAttempts, &RetryExhaustedError{
		Attempts: policy.MaxAttempts,
		Err:      lastErr,
	}
}
