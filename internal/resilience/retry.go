// Package resilience provides the retry, circuit-breaker, and failover
// primitives used around LLM and embeddings calls.
//
// [Retry] runs an operation with exponential backoff, consulting an error
// classifier so permanent failures (schema violations, auth errors) fail fast
// while transient ones (rate limits, timeouts, 5xx) are retried.
// [CircuitBreaker] protects callers from a persistently failing backend.
// [FallbackGroup] composes multiple instances of a provider type with
// per-entry breakers so a failing primary is bypassed for healthy fallbacks.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Transient marks an error as retryable. Errors returned by providers wrap
// one of these when the failure is expected to clear on its own.
type Transient interface {
	error
	Transient() bool
}

// transientError is the plain implementation returned by [MarkTransient].
type transientError struct {
	err error
}

func (e *transientError) Error() string   { return e.err.Error() }
func (e *transientError) Unwrap() error   { return e.err }
func (e *transientError) Transient() bool { return true }

// MarkTransient wraps err so [IsTransient] reports true for it.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err (or any error it wraps) is marked
// transient. Context cancellation and deadline expiry are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var t Transient
	return errors.As(err, &t) && t.Transient()
}

// RetryPolicy configures [Retry]. The zero value is not usable; start from
// [DefaultRetryPolicy].
type RetryPolicy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int

	// InitialDelay is the wait before the second attempt.
	InitialDelay time.Duration

	// Multiplier scales the delay after each failed attempt.
	Multiplier float64

	// MaxDelay caps the per-attempt delay.
	MaxDelay time.Duration
}

// DefaultRetryPolicy waits 5s, 10s, 20s, ... doubling up to a 60s ceiling.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  4,
		InitialDelay: 5 * time.Second,
		Multiplier:   2,
		MaxDelay:     60 * time.Second,
	}
}

// Retry runs fn up to p.MaxAttempts times with exponential backoff. It stops
// early when fn succeeds, when the error is not transient per [IsTransient],
// or when ctx is done. The last error is returned unmodified so callers can
// still unwrap it.
func Retry(ctx context.Context, p RetryPolicy, op string, fn func(ctx context.Context) error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}

	delay := p.InitialDelay
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) {
			return lastErr
		}
		if attempt == p.MaxAttempts {
			break
		}

		slog.Warn("transient failure, backing off",
			"op", op,
			"attempt", attempt,
			"delay", delay,
			"error", lastErr)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("resilience: %s: %w", op, ctx.Err())
		case <-timer.C:
		}

		delay = time.Duration(float64(delay) * p.Multiplier)
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return lastErr
}
