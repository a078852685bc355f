package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry in a [FallbackGroup] fails or has
// an open circuit breaker.
var ErrAllFailed = errors.New("all providers failed")

// fallbackEntry pairs a provider value with its dedicated circuit breaker.
type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup wraps a primary and zero or more fallback instances of the
// same provider type (an LLM backend, an embeddings backend). When the
// primary fails or its breaker is open, the next healthy fallback is tried in
// registration order.
//
// Construction is not synchronized: register all fallbacks before sharing the
// group across goroutines. Execution is safe for concurrent use.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cbCfg   BreakerConfig
}

// NewFallbackGroup creates a group with primary as the first entry. cbCfg
// seeds the per-entry circuit breakers (Name is overridden per entry).
func NewFallbackGroup[T any](primary T, primaryName string, cbCfg BreakerConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cbCfg: cbCfg}
	fg.add(primaryName, primary)
	return fg
}

// AddFallback appends a fallback provider, tried after all earlier entries.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	fg.add(name, fallback)
}

func (fg *FallbackGroup[T]) add(name string, value T) {
	cfg := fg.cbCfg
	cfg.Name = name
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   value,
		breaker: NewCircuitBreaker(cfg),
	})
}

// Execute tries fn against each entry in order until one succeeds. Entries
// with open breakers are skipped. Returns [ErrAllFailed] wrapping the last
// error when every entry fails.
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult tries fn against each entry until one succeeds, returning
// the result. A package-level function because Go does not support
// method-level type parameters.
func ExecuteWithResult[T any, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		lastErr error
		zero    R
	)
	for i := range fg.entries {
		entry := &fg.entries[i]
		var result R
		err := entry.breaker.Execute(func() error {
			var innerErr error
			result, innerErr = fn(entry.value)
			return innerErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping provider (circuit open)", "provider", entry.name)
		} else {
			slog.Warn("provider failed, trying next",
				"provider", entry.name, "error", err)
		}
	}
	return zero, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}
