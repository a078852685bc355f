package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetry_StopsOnPermanentError(t *testing.T) {
	t.Parallel()

	permanent := errors.New("bad schema")
	calls := 0
	err := Retry(context.Background(), RetryPolicy{MaxAttempts: 5, InitialDelay: time.Millisecond}, "test",
		func(ctx context.Context) error {
			calls++
			return permanent
		})
	if !errors.Is(err, permanent) {
		t.Fatalf("err = %v, want %v", err, permanent)
	}
	if calls != 1 {
		t.Errorf("fn called %d times, want 1", calls)
	}
}

func TestRetry_RetriesTransientUntilSuccess(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Retry(context.Background(),
		RetryPolicy{MaxAttempts: 5, InitialDelay: time.Millisecond, Multiplier: 2},
		"test",
		func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return MarkTransient(errors.New("rate limited"))
			}
			return nil
		})
	if err != nil {
		t.Fatalf("Retry returned error: %v", err)
	}
	if calls != 3 {
		t.Errorf("fn called %d times, want 3", calls)
	}
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	t.Parallel()

	transient := MarkTransient(errors.New("still down"))
	calls := 0
	err := Retry(context.Background(),
		RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 2},
		"test",
		func(ctx context.Context) error {
			calls++
			return transient
		})
	if !errors.Is(err, transient) {
		t.Fatalf("err = %v, want wrapped transient", err)
	}
	if calls != 3 {
		t.Errorf("fn called %d times, want 3", calls)
	}
}

func TestRetry_ContextCancelDuringBackoff(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := Retry(ctx, RetryPolicy{MaxAttempts: 3, InitialDelay: time.Minute}, "test",
		func(ctx context.Context) error {
			return MarkTransient(errors.New("boom"))
		})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	if IsTransient(nil) {
		t.Error("nil should not be transient")
	}
	if IsTransient(errors.New("plain")) {
		t.Error("plain error should not be transient")
	}
	if !IsTransient(MarkTransient(errors.New("x"))) {
		t.Error("marked error should be transient")
	}

	// Wrapping preserves the marker.
	wrapped := errors.Join(errors.New("outer"), MarkTransient(errors.New("inner")))
	if !IsTransient(wrapped) {
		t.Error("joined transient should still be transient")
	}

	// Cancellation is never retryable, even if marked.
	if IsTransient(MarkTransient(context.Canceled)) {
		t.Error("cancellation must not be transient")
	}
}

func TestCircuitBreaker_OpensOnTransientFailures(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(BreakerConfig{Name: "t", MaxFailures: 2, ResetTimeout: time.Hour})
	fail := func() error { return MarkTransient(errors.New("down")) }

	_ = cb.Execute(fail)
	_ = cb.Execute(fail)
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}
	if err := cb.Execute(fail); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
}

func TestCircuitBreaker_IgnoresPermanentFailures(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(BreakerConfig{Name: "t", MaxFailures: 2, ResetTimeout: time.Hour})
	fail := func() error { return errors.New("malformed response") }

	for i := 0; i < 10; i++ {
		_ = cb.Execute(fail)
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed (permanent errors must not trip)", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(BreakerConfig{
		Name:         "t",
		MaxFailures:  1,
		ResetTimeout: time.Millisecond,
		HalfOpenMax:  1,
	})
	_ = cb.Execute(func() error { return MarkTransient(errors.New("down")) })
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}

	time.Sleep(5 * time.Millisecond)
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed after successful probe", cb.State())
	}
}

func TestFallbackGroup_UsesFallbackWhenPrimaryFails(t *testing.T) {
	t.Parallel()

	fg := NewFallbackGroup("primary", "primary", BreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour})
	fg.AddFallback("secondary", "secondary")

	got, err := ExecuteWithResult(fg, func(name string) (string, error) {
		if name == "primary" {
			return "", MarkTransient(errors.New("primary down"))
		}
		return name, nil
	})
	if err != nil {
		t.Fatalf("ExecuteWithResult: %v", err)
	}
	if got != "secondary" {
		t.Errorf("got %q, want secondary", got)
	}
}

func TestFallbackGroup_AllFailed(t *testing.T) {
	t.Parallel()

	fg := NewFallbackGroup("a", "a", BreakerConfig{})
	fg.AddFallback("b", "b")

	err := fg.Execute(func(string) error { return errors.New("nope") })
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}
