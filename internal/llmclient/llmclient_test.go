package llmclient

import (
	"context"
	"errors"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/sblumenf/podcastknowledge-sub012/internal/keyring"
	"github.com/sblumenf/podcastknowledge-sub012/internal/observe"
	"github.com/sblumenf/podcastknowledge-sub012/internal/resilience"
	"github.com/sblumenf/podcastknowledge-sub012/pkg/provider/llm"
	llmmock "github.com/sblumenf/podcastknowledge-sub012/pkg/provider/llm/mock"
)

// fastPolicy keeps test retries in the millisecond range.
var fastPolicy = resilience.RetryPolicy{
	MaxAttempts:  3,
	InitialDelay: time.Millisecond,
	Multiplier:   2,
	MaxDelay:     10 * time.Millisecond,
}

func newRing(t *testing.T, keys ...string) *keyring.Ring {
	t.Helper()
	r, err := keyring.New(keys, keyring.Limits{}, "")
	if err != nil {
		t.Fatalf("keyring.New: %v", err)
	}
	return r
}

func req(content string) llm.CompletionRequest {
	return llm.CompletionRequest{
		Messages: []llm.Message{{Role: "user", Content: content}},
	}
}

func TestComplete_Success(t *testing.T) {
	t.Parallel()

	mock := llmmock.New(`{"ok":true}`)
	c, err := New(newRing(t, "k1"), func(string) (llm.Provider, error) { return mock, nil },
		WithRetryPolicy(fastPolicy))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	resp, err := c.Complete(context.Background(), req("hello"))
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != `{"ok":true}` {
		t.Errorf("content = %q", resp.Content)
	}
	if mock.Calls() != 1 {
		t.Errorf("provider called %d times, want 1", mock.Calls())
	}
}

func TestComplete_RetriesTransient(t *testing.T) {
	t.Parallel()

	mock := llmmock.New("done")
	mock.Errs = []error{errors.New("503 service unavailable"), nil}

	c, err := New(newRing(t, "k1"), func(string) (llm.Provider, error) { return mock, nil },
		WithRetryPolicy(fastPolicy))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	resp, err := c.Complete(context.Background(), req("hello"))
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "done" {
		t.Errorf("content = %q, want done", resp.Content)
	}
	if mock.Calls() != 2 {
		t.Errorf("provider called %d times, want 2", mock.Calls())
	}
}

func TestComplete_PermanentErrorNoRetry(t *testing.T) {
	t.Parallel()

	permanent := errors.New("invalid api request: model not found")
	mock := &llmmock.Provider{Errs: []error{permanent}}

	c, err := New(newRing(t, "k1"), func(string) (llm.Provider, error) { return mock, nil },
		WithRetryPolicy(fastPolicy))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = c.Complete(context.Background(), req("hello"))
	if !errors.Is(err, permanent) {
		t.Fatalf("err = %v, want %v", err, permanent)
	}
	if mock.Calls() != 1 {
		t.Errorf("provider called %d times, want 1 (no retry)", mock.Calls())
	}
}

func TestComplete_QuotaErrorRotatesKey(t *testing.T) {
	t.Parallel()

	// Key k1's provider always throws quota errors; k2's succeeds.
	throttled := &llmmock.Provider{Errs: []error{errors.New("429 too many requests")}}
	healthy := llmmock.New("fine")

	c, err := New(newRing(t, "k1", "k2"), func(key string) (llm.Provider, error) {
		if key == "k1" {
			return throttled, nil
		}
		return healthy, nil
	}, WithRetryPolicy(fastPolicy))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	resp, err := c.Complete(context.Background(), req("hello"))
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "fine" {
		t.Errorf("content = %q, want fine", resp.Content)
	}
	if throttled.Calls() != 1 {
		t.Errorf("throttled provider called %d times, want 1 (cooldown should skip it)", throttled.Calls())
	}
}

func TestComplete_FactoryCachesPerKey(t *testing.T) {
	t.Parallel()

	built := 0
	mock := llmmock.New("x")
	c, err := New(newRing(t, "k1"), func(string) (llm.Provider, error) {
		built++
		return mock, nil
	}, WithRetryPolicy(fastPolicy))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := c.Complete(context.Background(), req("hi")); err != nil {
			t.Fatalf("Complete %d: %v", i, err)
		}
	}
	if built != 1 {
		t.Errorf("factory invoked %d times, want 1", built)
	}
}

// newTestMetrics builds an isolated Metrics instance backed by a manual
// reader so tests can inspect recorded values.
func newTestMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// counterTotal sums all data points of the named Int64 counter.
func counterTotal(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %s is %T, want Sum[int64]", name, m.Data)
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestComplete_RecordsRequestMetrics(t *testing.T) {
	t.Parallel()

	metrics, reader := newTestMetrics(t)
	mock := llmmock.New("ok")
	c, err := New(newRing(t, "k1"), func(string) (llm.Provider, error) { return mock, nil },
		WithRetryPolicy(fastPolicy), WithMetrics(metrics), WithBackendName("gemini"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := c.Complete(context.Background(), req("hello")); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got := counterTotal(t, reader, "podcastknowledge.llm.requests"); got != 1 {
		t.Errorf("llm.requests = %d, want 1", got)
	}
}

func TestComplete_QuotaRecordsErrorAndRotation(t *testing.T) {
	t.Parallel()

	metrics, reader := newTestMetrics(t)
	throttled := &llmmock.Provider{Errs: []error{errors.New("429 too many requests")}}
	healthy := llmmock.New("fine")

	c, err := New(newRing(t, "k1", "k2"), func(key string) (llm.Provider, error) {
		if key == "k1" {
			return throttled, nil
		}
		return healthy, nil
	}, WithRetryPolicy(fastPolicy), WithMetrics(metrics))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := c.Complete(context.Background(), req("hello")); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got := counterTotal(t, reader, "podcastknowledge.llm.errors"); got != 1 {
		t.Errorf("llm.errors = %d, want 1", got)
	}
	if got := counterTotal(t, reader, "podcastknowledge.key.rotations"); got != 1 {
		t.Errorf("key.rotations = %d, want 1", got)
	}
}

func TestComplete_BreakerOpensAfterRepeatedTransientFailures(t *testing.T) {
	t.Parallel()

	metrics, _ := newTestMetrics(t)
	mock := &llmmock.Provider{Errs: []error{errors.New("503 service unavailable")}}
	c, err := New(newRing(t, "k1"), func(string) (llm.Provider, error) { return mock, nil },
		WithRetryPolicy(resilience.RetryPolicy{MaxAttempts: 1}),
		WithMetrics(metrics),
		WithBreakerConfig(resilience.BreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := c.Complete(context.Background(), req("hi")); err == nil {
			t.Fatalf("Complete %d succeeded, want transient failure", i)
		}
	}

	_, err = c.Complete(context.Background(), req("hi"))
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if mock.Calls() != 2 {
		t.Errorf("provider called %d times, want 2 (open breaker must shed the third call)", mock.Calls())
	}
}

func TestEstimateTokens(t *testing.T) {
	t.Parallel()

	if got := EstimateTokens(""); got != 0 {
		t.Errorf("empty = %d, want 0", got)
	}
	// 10 words × 1.3 = 13, +1 = 14.
	got := EstimateTokens("one two three four five six seven eight nine ten")
	if got != 14 {
		t.Errorf("10 words = %d, want 14", got)
	}
}
