package main

import (
	"context"
	"fmt"
	"slices"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/sblumenf/podcastknowledge-sub012/internal/checkpoint"
	"github.com/sblumenf/podcastknowledge-sub012/internal/config"
	"github.com/sblumenf/podcastknowledge-sub012/internal/extract"
	"github.com/sblumenf/podcastknowledge-sub012/internal/keyring"
	"github.com/sblumenf/podcastknowledge-sub012/internal/llmclient"
	"github.com/sblumenf/podcastknowledge-sub012/internal/pipeline"
	"github.com/sblumenf/podcastknowledge-sub012/internal/segment"
	"github.com/sblumenf/podcastknowledge-sub012/internal/speaker"
	"github.com/sblumenf/podcastknowledge-sub012/internal/vtt"
	neo4jstore "github.com/sblumenf/podcastknowledge-sub012/pkg/graph/neo4j"
	"github.com/sblumenf/podcastknowledge-sub012/pkg/provider/embeddings"
	"github.com/sblumenf/podcastknowledge-sub012/pkg/provider/embeddings/offline"
	oaembed "github.com/sblumenf/podcastknowledge-sub012/pkg/provider/embeddings/openai"
	"github.com/sblumenf/podcastknowledge-sub012/pkg/provider/llm"
	"github.com/sblumenf/podcastknowledge-sub012/pkg/provider/llm/anyllm"
)

// anyllmProviders are the completion backends reachable through any-llm-go.
var anyllmProviders = []string{"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq"}

// keylessProviders run locally and take no API key.
var keylessProviders = []string{"ollama"}

// registerBuiltinProviders fills the registry with every supported backend.
func registerBuiltinProviders(reg *config.Registry) {
	for _, name := range anyllmProviders {
		reg.RegisterLLM(name, func(cfg config.LLMConfig, apiKey string) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if apiKey != "" && !slices.Contains(keylessProviders, cfg.Name) {
				opts = append(opts, anyllmlib.WithAPIKey(apiKey))
			}
			return anyllm.New(cfg.Name, cfg.Model, opts...)
		})
	}

	reg.RegisterEmbeddings("openai", func(cfg config.EmbeddingsConfig) (embeddings.Provider, error) {
		return oaembed.New(cfg.APIKey, cfg.Model, oaembed.WithDimensions(cfg.Dimensions))
	})
	reg.RegisterEmbeddings("offline", func(cfg config.EmbeddingsConfig) (embeddings.Provider, error) {
		return offline.New(offline.WithDimensions(cfg.Dimensions))
	})
}

// buildPipeline wires all collaborators from the resolved configuration.
// The returned cleanup closes the graph connection.
func buildPipeline(ctx context.Context, cfg *config.Config) (*pipeline.Pipeline, func(context.Context), error) {
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	keys := cfg.LLM.APIKeys
	if len(keys) == 0 {
		// Keyless local backends still go through the ring so accounting
		// and backoff work uniformly.
		keys = []string{"local"}
	}
	ring, err := keyring.New(keys, cfg.LLM.Limits, cfg.StateDir)
	if err != nil {
		return nil, nil, fmt.Errorf("build key ring: %w", err)
	}

	client, err := llmclient.New(ring, func(apiKey string) (llm.Provider, error) {
		return reg.CreateLLM(cfg.LLM, apiKey)
	}, llmclient.WithBackendName(cfg.LLM.Name))
	if err != nil {
		return nil, nil, fmt.Errorf("build llm client: %w", err)
	}

	embCfg := cfg.Embeddings
	if embCfg.APIKey == "" && len(cfg.LLM.APIKeys) > 0 {
		embCfg.APIKey = cfg.LLM.APIKeys[0]
	}
	embedder, err := reg.CreateEmbeddings(embCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("build embedder: %w", err)
	}

	var offlineEmbedder embeddings.Provider
	if embCfg.OfflineMode && embCfg.Name != "offline" {
		offlineEmbedder, err = offline.New(offline.WithDimensions(embCfg.Dimensions))
		if err != nil {
			return nil, nil, fmt.Errorf("build offline embedder: %w", err)
		}
	}

	store, err := neo4jstore.New(ctx, neo4jstore.Config{
		URI:      cfg.Neo4j.URI,
		User:     cfg.Neo4j.User,
		Password: cfg.Neo4j.Password,
		Database: cfg.Neo4j.Database,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connect to neo4j: %w", err)
	}
	cleanup := func(ctx context.Context) { _ = store.Close(ctx) }

	cps, err := checkpoint.NewManager(cfg.CheckpointDir)
	if err != nil {
		cleanup(ctx)
		return nil, nil, fmt.Errorf("build checkpoint manager: %w", err)
	}

	p, err := pipeline.New(pipeline.Deps{
		Parser:      vtt.NewParser(),
		Speakers:    speaker.New(client, speaker.WithConfidenceThreshold(cfg.Speaker.ConfidenceThreshold)),
		Segmenter:   segment.New(client),
		Extractor:   extract.New(client, extract.WithMaxRetries(cfg.LLM.MaxRetries)),
		Embedder:    embedder,
		Offline:     offlineEmbedder,
		Store:       store,
		Checkpoints: cps,
		Config:      cfg.Pipeline,
	})
	if err != nil {
		cleanup(ctx)
		return nil, nil, err
	}
	return p, cleanup, nil
}
