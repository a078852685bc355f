// Package llmclient wraps an LLM provider with API-key rotation, quota
// accounting, and transient-failure retries.
//
// Providers are constructed per API key through a factory, so the client can
// rotate a pool of keys across a single logical backend. Each completion:
//
//  1. estimates the token cost of the request,
//  2. leases a key with headroom from the ring,
//  3. issues exactly one provider call with that key's provider,
//  4. classifies any failure: quota errors cool the key down and rotate,
//     transient errors back off and retry, permanent errors return at once.
//
// The package is the single place where provider SDK errors are mapped onto
// the pipeline's retryable/permanent taxonomy.
package llmclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sblumenf/podcastknowledge-sub012/internal/keyring"
	"github.com/sblumenf/podcastknowledge-sub012/internal/observe"
	"github.com/sblumenf/podcastknowledge-sub012/internal/resilience"
	"github.com/sblumenf/podcastknowledge-sub012/pkg/provider/llm"
)

// tokensPerWord is the estimation factor applied when predicting request
// cost before a key is leased.
const tokensPerWord = 1.3

// defaultQuotaCooldown is how long a key rests after a provider-side quota
// rejection that carries no Retry-After hint.
const defaultQuotaCooldown = 60 * time.Second

// ProviderFactory builds an [llm.Provider] bound to a specific API key.
type ProviderFactory func(apiKey string) (llm.Provider, error)

// QuotaError indicates the provider rejected a request for rate or quota
// reasons. It is transient: the key cools down and another key (or a later
// retry) can serve the request.
type QuotaError struct {
	// KeyFingerprint identifies the throttled key in logs.
	KeyFingerprint string

	// RetryAfter is the provider's hint, or defaultQuotaCooldown.
	RetryAfter time.Duration

	// Err is the underlying provider error.
	Err error
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("llm quota exceeded (key %s, retry after %s): %v",
		e.KeyFingerprint, e.RetryAfter, e.Err)
}

func (e *QuotaError) Unwrap() error   { return e.Err }
func (e *QuotaError) Transient() bool { return true }

// Client is a rate-limited, key-rotating LLM client. Safe for concurrent use.
type Client struct {
	ring    *keyring.Ring
	factory ProviderFactory
	policy  resilience.RetryPolicy
	backend string
	metrics *observe.Metrics

	// breaker guards the backend as a whole: repeated transient failures
	// open it and shed calls until the backend recovers.
	breaker    *resilience.CircuitBreaker
	breakerCfg resilience.BreakerConfig

	mu        sync.Mutex
	providers map[string]llm.Provider
}

// Option is a functional option for [New].
type Option func(*Client)

// WithRetryPolicy overrides the backoff policy (default: 5s doubling to 60s,
// 4 attempts).
func WithRetryPolicy(p resilience.RetryPolicy) Option {
	return func(c *Client) { c.policy = p }
}

// WithBackendName labels metrics and the circuit breaker with the provider
// name (e.g. "gemini").
func WithBackendName(name string) Option {
	return func(c *Client) { c.backend = name }
}

// WithMetrics overrides the metrics instance (default: observe.DefaultMetrics).
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithBreakerConfig overrides the backend circuit breaker tuning.
func WithBreakerConfig(cfg resilience.BreakerConfig) Option {
	return func(c *Client) { c.breakerCfg = cfg }
}

// New creates a Client that leases keys from ring and builds one provider per
// key via factory, lazily and cached.
func New(ring *keyring.Ring, factory ProviderFactory, opts ...Option) (*Client, error) {
	if ring == nil {
		return nil, fmt.Errorf("llmclient: ring must not be nil")
	}
	if factory == nil {
		return nil, fmt.Errorf("llmclient: factory must not be nil")
	}
	c := &Client{
		ring:      ring,
		factory:   factory,
		policy:    resilience.DefaultRetryPolicy(),
		backend:   "unknown",
		providers: make(map[string]llm.Provider),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.breakerCfg.Name == "" {
		c.breakerCfg.Name = c.backend
	}
	c.breaker = resilience.NewCircuitBreaker(c.breakerCfg)
	return c, nil
}

// EstimateTokens predicts the token cost of a text using a words-based
// heuristic. Intentionally generous so quota prediction errs on the side of
// rotating early.
func EstimateTokens(text string) int {
	words := len(strings.Fields(text))
	if words == 0 {
		return 0
	}
	return int(float64(words)*tokensPerWord) + 1
}

// estimateRequest sums the token estimate across all request content plus a
// completion reserve.
func estimateRequest(req llm.CompletionRequest) int {
	total := EstimateTokens(req.SystemPrompt)
	for _, m := range req.Messages {
		total += EstimateTokens(m.Content)
	}
	if req.MaxTokens > 0 {
		total += req.MaxTokens
	}
	return total
}

// Complete performs one completion with key rotation and retries. The
// returned error is permanent from the caller's point of view: retryable
// conditions have already been retried per the client's policy.
func (c *Client) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	est := estimateRequest(req)

	var resp *llm.CompletionResponse
	err := resilience.Retry(ctx, c.policy, "llm.complete", func(ctx context.Context) error {
		var attemptErr error
		resp, attemptErr = c.completeOnce(ctx, req, est)
		return attemptErr
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// completeOnce leases a key, issues one provider call through the breaker,
// and settles accounting.
func (c *Client) completeOnce(ctx context.Context, req llm.CompletionRequest, est int) (*llm.CompletionResponse, error) {
	key, err := c.ring.Acquire(est)
	if err != nil {
		var ex *keyring.ExhaustedError
		if errors.As(err, &ex) {
			// Exhaustion clears when a window slides; retryable.
			c.metrics.RecordKeyRotation(ctx, "exhausted")
			return nil, resilience.MarkTransient(err)
		}
		return nil, fmt.Errorf("llmclient: acquire key: %w", err)
	}

	provider, err := c.providerFor(key)
	if err != nil {
		return nil, fmt.Errorf("llmclient: build provider: %w", err)
	}

	var resp *llm.CompletionResponse
	err = c.breaker.Execute(func() error {
		r, callErr := provider.Complete(ctx, req)
		if callErr != nil {
			return c.classify(ctx, key, callErr)
		}
		resp = r
		return nil
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			// The breaker half-opens after its reset timeout; retryable.
			return nil, resilience.MarkTransient(err)
		}
		c.metrics.RecordLLMRequest(ctx, c.backend, "error")
		return nil, err
	}
	c.metrics.RecordLLMRequest(ctx, c.backend, "ok")

	if resp.Usage.TotalTokens > 0 {
		c.ring.RecordUsage(key, est, resp.Usage.TotalTokens)
	}
	return resp, nil
}

// providerFor returns the cached provider for key, constructing it on first use.
func (c *Client) providerFor(key string) (llm.Provider, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.providers[key]; ok {
		return p, nil
	}
	p, err := c.factory(key)
	if err != nil {
		return nil, err
	}
	c.providers[key] = p
	return p, nil
}

// classify maps a provider error onto the retry taxonomy, applying key
// cooldowns for quota rejections and recording error metrics.
func (c *Client) classify(ctx context.Context, key string, err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err

	case isQuotaError(err):
		fp := keyring.Fingerprint(key)
		c.ring.Cooldown(key, defaultQuotaCooldown)
		c.metrics.RecordLLMError(ctx, c.backend, "quota")
		c.metrics.RecordKeyRotation(ctx, "cooldown")
		slog.Warn("llm quota error, rotating key", "key", fp[:8], "error", err)
		return &QuotaError{
			KeyFingerprint: fp[:8],
			RetryAfter:     defaultQuotaCooldown,
			Err:            err,
		}

	case isTransientError(err):
		c.metrics.RecordLLMError(ctx, c.backend, "transient")
		return resilience.MarkTransient(err)

	default:
		c.metrics.RecordLLMError(ctx, c.backend, "permanent")
		return err
	}
}

// isQuotaError matches rate-limit and quota rejections across provider SDKs,
// which do not share a structured error type.
func isQuotaError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"429",
		"rate limit",
		"rate_limit",
		"too many requests",
		"quota",
		"resource_exhausted",
		"resource has been exhausted",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// isTransientError matches server-side and network failures expected to clear
// on their own.
func isTransientError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"500", "502", "503", "504",
		"internal server error",
		"bad gateway",
		"service unavailable",
		"gateway timeout",
		"overloaded",
		"connection reset",
		"connection refused",
		"broken pipe",
		"eof",
		"timeout",
		"temporarily",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
