package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sblumenf/podcastknowledge-sub012/pkg/provider/embeddings"
	"github.com/sblumenf/podcastknowledge-sub012/pkg/provider/llm"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested backend name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps backend names to their constructor functions. It is safe for
// concurrent use. Registration happens at startup (in the CLI wiring), so the
// config package stays free of provider SDK imports.
type Registry struct {
	mu         sync.RWMutex
	llm        map[string]func(cfg LLMConfig, apiKey string) (llm.Provider, error)
	embeddings map[string]func(cfg EmbeddingsConfig) (embeddings.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm:        make(map[string]func(cfg LLMConfig, apiKey string) (llm.Provider, error)),
		embeddings: make(map[string]func(cfg EmbeddingsConfig) (embeddings.Provider, error)),
	}
}

// RegisterLLM registers an LLM backend factory under name. The factory is
// invoked once per API key, so the key rotation ring can hold one provider
// instance per key. Subsequent calls with the same name overwrite the
// previous registration.
func (r *Registry) RegisterLLM(name string, factory func(cfg LLMConfig, apiKey string) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// RegisterEmbeddings registers an embeddings backend factory under name.
func (r *Registry) RegisterEmbeddings(name string, factory func(cfg EmbeddingsConfig) (embeddings.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embeddings[name] = factory
}

// CreateLLM instantiates an LLM provider bound to apiKey using the factory
// registered under cfg.Name. Returns [ErrProviderNotRegistered] if no factory
// has been registered for that name.
func (r *Registry) CreateLLM(cfg LLMConfig, apiKey string) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, cfg.Name)
	}
	return factory(cfg, apiKey)
}

// CreateEmbeddings instantiates an embeddings provider using the factory
// registered under cfg.Name.
func (r *Registry) CreateEmbeddings(cfg EmbeddingsConfig) (embeddings.Provider, error) {
	r.mu.RLock()
	factory, ok := r.embeddings[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: embeddings/%q", ErrProviderNotRegistered, cfg.Name)
	}
	return factory(cfg)
}
