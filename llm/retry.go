// ABOUTME: Retry wrapper for LLM API calls: exponential backoff, full jitter, RetryAfter hints.
// ABOUTME: Only errors that declare themselves retryable (IsRetryable) are retried.

package llm

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy configures LLM call retries.
type RetryPolicy struct {
	// MaxRetries counts retries only, not the initial call.
	MaxRetries int

	// BaseDelay seeds the backoff curve.
	BaseDelay time.Duration

	// MaxDelay caps the delay between attempts.
	MaxDelay time.Duration

	// BackoffMultiplier grows the delay each attempt.
	BackoffMultiplier float64

	// Jitter randomizes delays so synchronized clients don't stampede.
	Jitter bool

	// OnRetry, when set, observes each retry: the error, the 0-indexed
	// attempt, and the delay about to be slept.
	OnRetry func(err error, attempt int, delay time.Duration)
}

// DefaultRetryPolicy: 2 retries, 1s base, 60s cap, 2x growth, jitter on.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        2,
		BaseDelay:         time.Second,
		MaxDelay:          60 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// CalculateDelay computes attempt's backoff, capped at MaxDelay. With Jitter
// the result is uniform in [0, backoff] (full jitter).
func (p RetryPolicy) CalculateDelay(attempt int) time.Duration {
	delayFloat := float64(p.BaseDelay) * math.Pow(p.BackoffMultiplier, float64(attempt))
	if delayFloat > float64(p.MaxDelay) {
		delayFloat = float64(p.MaxDelay)
	}

	delay := time.Duration(delayFloat)
	if p.Jitter {
		delay = time.Duration(rand.Int64N(int64(delay) + 1))
	}
	return delay
}

// ShouldRetry: nil errors and exhausted budgets end the loop; otherwise the
// error itself decides via IsRetryable. Errors from outside this SDK are
// never retried.
func (p RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.MaxRetries {
		return false
	}

	type retryable interface {
		IsRetryable() bool
	}
	if r, ok := err.(retryable); ok {
		return r.IsRetryable()
	}
	return false
}

// Retry runs fn under policy. A RetryAfter hint on the error (rate limits)
// raises the delay floor; ctx cancels between attempts.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	var lastErr error

	for attempt := 0; ; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if !policy.ShouldRetry(lastErr, attempt) {
			return lastErr
		}

		delay := applyRetryAfter(lastErr, policy.CalculateDelay(attempt))

		if policy.OnRetry != nil {
			policy.OnRetry(lastErr, attempt, delay)
		}

		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(delay):
		}
	}
}

// applyRetryAfter returns the larger of the computed delay and the server's
// RetryAfter hint, when the error carries one.
func applyRetryAfter(err error, calculatedDelay time.Duration) time.Duration {
	if pe, ok := extractProviderError(err); ok && pe.RetryAfter != nil {
		retryAfterDuration := time.Duration(*pe.RetryAfter * float64(time.Second))
		if retryAfterDuration > calculatedDelay {
			return retryAfterDuration
		}
	}
	return calculatedDelay
}

// extractProviderError reaches the ProviderError behind any taxonomy error;
// the subtypes all unwrap to theirs.
func extractProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
