// Package mock provides a mock LLM provider for testing.
package mock

import (
	"context"
	"sync"

	"github.com/sblumenf/podcastknowledge-sub012/pkg/provider/llm"
)

// Provider is a mock implementation of llm.Provider. It records every call
// and returns canned responses, making it suitable for unit tests that need
// deterministic LLM behavior without network access.
//
// Responses are consumed in order: the first Complete call returns
// Responses[0], the second Responses[1], and so on. When the queue is
// exhausted the last response repeats. Errs works the same way; a nil entry
// means success for that call.
type Provider struct {
	mu sync.Mutex

	// Responses is the queue of completion contents to return, in order.
	Responses []string

	// Errs is the queue of errors to return, consumed in lockstep with
	// Responses. A nil entry means no error for that call.
	Errs []error

	// Caps is returned by Capabilities. Zero value gets sensible defaults.
	Caps llm.ModelCapabilities

	// CompleteCalls records every request passed to Complete.
	CompleteCalls []llm.CompletionRequest

	// CountTokensCalls records every message slice passed to CountTokens.
	CountTokensCalls [][]llm.Message

	calls int
}

var _ llm.Provider = (*Provider)(nil)

// New creates a mock Provider that returns the given responses in order.
func New(responses ...string) *Provider {
	return &Provider{Responses: responses}
}

// Complete implements llm.Provider. It records the request and returns the
// next queued response or error.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.CompleteCalls = append(p.CompleteCalls, req)
	i := p.calls
	p.calls++

	if len(p.Errs) > 0 {
		ei := i
		if ei >= len(p.Errs) {
			ei = len(p.Errs) - 1
		}
		if err := p.Errs[ei]; err != nil {
			return nil, err
		}
	}

	content := ""
	if len(p.Responses) > 0 {
		ri := i
		if ri >= len(p.Responses) {
			ri = len(p.Responses) - 1
		}
		content = p.Responses[ri]
	}

	prompt := 0
	for _, m := range req.Messages {
		prompt += (len(m.Content) + 3) / 4
	}
	completion := (len(content) + 3) / 4
	return &llm.CompletionResponse{
		Content: content,
		Usage: llm.Usage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
		},
	}, nil
}

// CountTokens implements llm.Provider using a ~4 chars/token approximation.
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	p.mu.Lock()
	p.CountTokensCalls = append(p.CountTokensCalls, messages)
	p.mu.Unlock()

	total := 0
	for _, m := range messages {
		total += (len(m.Content) + 3) / 4
	}
	return total, nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() llm.ModelCapabilities {
	if p.Caps == (llm.ModelCapabilities{}) {
		return llm.ModelCapabilities{
			ContextWindow:    128_000,
			MaxOutputTokens:  8_192,
			SupportsJSONMode: true,
		}
	}
	return p.Caps
}

// Calls returns how many times Complete has been invoked.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// Reset clears all recorded calls and rewinds the response queue.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = nil
	p.CountTokensCalls = nil
	p.calls = 0
}
