package config

import (
	"errors"
	"testing"

	"github.com/sblumenf/podcastknowledge-sub012/pkg/provider/embeddings"
	embeddingsmock "github.com/sblumenf/podcastknowledge-sub012/pkg/provider/embeddings/mock"
	"github.com/sblumenf/podcastknowledge-sub012/pkg/provider/llm"
	llmmock "github.com/sblumenf/podcastknowledge-sub012/pkg/provider/llm/mock"
)

func TestRegistry_CreateLLM(t *testing.T) {
	t.Parallel()

	r := NewRegistry()

	var gotKey string
	r.RegisterLLM("mock", func(cfg LLMConfig, apiKey string) (llm.Provider, error) {
		gotKey = apiKey
		return llmmock.New("ok"), nil
	})

	p, err := r.CreateLLM(LLMConfig{Name: "mock"}, "k1")
	if err != nil {
		t.Fatalf("CreateLLM: %v", err)
	}
	if p == nil {
		t.Fatal("nil provider")
	}
	if gotKey != "k1" {
		t.Errorf("factory key = %q, want k1", gotKey)
	}
}

func TestRegistry_CreateEmbeddings(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.RegisterEmbeddings("mock", func(cfg EmbeddingsConfig) (embeddings.Provider, error) {
		return &embeddingsmock.Provider{Dims: cfg.Dimensions}, nil
	})

	p, err := r.CreateEmbeddings(EmbeddingsConfig{Name: "mock", Dimensions: 16})
	if err != nil {
		t.Fatalf("CreateEmbeddings: %v", err)
	}
	if p.Dimensions() != 16 {
		t.Errorf("dimensions = %d, want 16", p.Dimensions())
	}
}

func TestRegistry_NotRegistered(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	_, err := r.CreateLLM(LLMConfig{Name: "nope"}, "k")
	if !errors.Is(err, ErrProviderNotRegistered) {
		t.Errorf("err = %v, want ErrProviderNotRegistered", err)
	}
	_, err = r.CreateEmbeddings(EmbeddingsConfig{Name: "nope"})
	if !errors.Is(err, ErrProviderNotRegistered) {
		t.Errorf("err = %v, want ErrProviderNotRegistered", err)
	}
}
