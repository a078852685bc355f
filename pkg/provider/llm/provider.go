// Package llm defines the Provider interface for Large Language Model backends.
//
// An LLM provider wraps a remote or local model API (e.g., OpenAI GPT-4,
// Anthropic Claude, or a local Ollama instance) and exposes a uniform
// interface for the extraction pipeline to perform structured completions and
// estimate token usage without coupling to any specific SDK.
//
// Rate limiting, API-key rotation, and retries live one layer up (the
// rate-limited client); providers perform exactly one request per call.
//
// Implementations must be safe for concurrent use.
package llm

import "context"

// Usage holds token accounting information returned by the LLM backend.
// All counts are in the model's native token unit and may differ between
// providers for the same textual content.
type Usage struct {
	// PromptTokens is the number of tokens consumed by the input messages and
	// system prompt. Feeds the per-key TPM quota accounting.
	PromptTokens int

	// CompletionTokens is the number of tokens generated in the response.
	CompletionTokens int

	// TotalTokens is PromptTokens + CompletionTokens.
	TotalTokens int
}

// CompletionRequest carries everything the LLM needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation. For extraction calls this is
	// typically a single "user" message carrying the full prompt.
	Messages []Message

	// Temperature controls output randomness in [0.0, 2.0]. Extraction calls
	// use low values for determinism.
	Temperature float64

	// MaxTokens caps the completion length. Zero means provider default.
	MaxTokens int

	// SystemPrompt is an optional high-priority instruction injected before
	// the conversation.
	SystemPrompt string

	// JSONMode requests a syntactically valid JSON response. Providers
	// without native JSON-mode support enforce it via the system prompt.
	JSONMode bool
}

// CompletionResponse is returned by Complete.
type CompletionResponse struct {
	// Content is the full text of the model's reply.
	Content string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one
	// completion.
	MaxOutputTokens int

	// SupportsJSONMode indicates native structured-output support.
	SupportsJSONMode bool
}

// Provider is the abstraction over any LLM backend.
//
// Implementations must be safe for concurrent use from multiple goroutines
// and must propagate context cancellation promptly.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	// Returns an error if the request fails or ctx is cancelled first.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates how many tokens the given messages would consume
	// in the model's context window. The result need not be exact but should
	// not undercount; it feeds quota prediction before a request is sent.
	CountTokens(messages []Message) (int, error)

	// Capabilities returns static metadata about the underlying model,
	// constant for the lifetime of the Provider instance.
	Capabilities() ModelCapabilities
}
