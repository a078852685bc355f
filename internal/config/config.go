// Package config provides the configuration schema, loader, and provider
// registry for the podcast knowledge pipeline.
//
// Configuration is resolved in three steps: [Default] supplies the baseline,
// a YAML file loaded with [Load] overrides it, and [ApplyEnv] applies the
// environment variables last. Call [Validate] after all three.
package config

import (
	"time"

	"github.com/sblumenf/podcastknowledge-sub012/internal/keyring"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure.
type Config struct {
	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	Neo4j      Neo4jConfig      `yaml:"neo4j"`
	LLM        LLMConfig        `yaml:"llm"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Speaker    SpeakerConfig    `yaml:"speaker"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`

	// StateDir holds cross-run state such as the key rotation ledger.
	StateDir string `yaml:"state_dir"`

	// CheckpointDir holds per-episode resume checkpoints.
	CheckpointDir string `yaml:"checkpoint_dir"`
}

// Neo4jConfig holds graph database connection settings.
type Neo4jConfig struct {
	// URI is the bolt/neo4j connection URI (e.g. "neo4j://localhost:7687").
	URI string `yaml:"uri"`

	// User and Password authenticate the connection.
	User     string `yaml:"user"`
	Password string `yaml:"password"`

	// Database is the target database name. Empty selects the server default.
	Database string `yaml:"database"`
}

// LLMConfig selects the completion provider and its key pool.
type LLMConfig struct {
	// Provider selects the registered LLM backend
	// (e.g. "gemini", "openai", "anthropic").
	Name string `yaml:"name"`

	// Model is the provider-specific model identifier.
	Model string `yaml:"model"`

	// APIKeys is the rotation pool. At least one key is required unless
	// the provider runs locally (e.g. "ollama").
	APIKeys []string `yaml:"api_keys"`

	// Limits are the per-key rate limits enforced by the rotation ring.
	// Zero fields mean unlimited.
	Limits keyring.Limits `yaml:"limits"`

	// MaxRetries bounds retry attempts per request. Default 3.
	MaxRetries int `yaml:"max_retries"`
}

// EmbeddingsConfig selects the embedding backend.
type EmbeddingsConfig struct {
	// Name selects the registered embeddings backend ("openai" or "offline").
	Name string `yaml:"name"`

	// Model is the embedding model identifier (e.g. "text-embedding-3-small").
	Model string `yaml:"model"`

	// APIKey authenticates the embeddings API. Falls back to the first LLM
	// key when empty and the backends share a vendor.
	APIKey string `yaml:"api_key"`

	// Dimensions is the vector dimension stored graph-wide. Must match the
	// vector index. Default 768.
	Dimensions int `yaml:"dimensions"`

	// OfflineMode substitutes deterministic hashed pseudo-embeddings when
	// the remote provider fails, instead of storing null embeddings.
	OfflineMode bool `yaml:"offline_mode"`
}

// SpeakerConfig tunes speaker identification.
type SpeakerConfig struct {
	// ConfidenceThreshold is the minimum LLM confidence for accepting a
	// speaker assignment; below it the deterministic fallback applies.
	// Range [0, 1], default 0.5.
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
}

// PipelineConfig bounds pipeline execution. All timeouts are in seconds.
type PipelineConfig struct {
	// EpisodeTimeoutSec caps one episode end to end. Default 7200.
	EpisodeTimeoutSec int `yaml:"episode_timeout_sec"`

	// SpeakerTimeoutSec caps the speaker identification stage. Default 120.
	SpeakerTimeoutSec int `yaml:"speaker_timeout_sec"`

	// SegmentTimeoutSec caps the segmentation stage. Default 300.
	SegmentTimeoutSec int `yaml:"segment_timeout_sec"`

	// ExtractTimeoutSec caps one unit's extraction. Default 600.
	ExtractTimeoutSec int `yaml:"extract_timeout_sec"`

	// WriteTimeoutSec caps one unit's graph transaction. Default 300.
	WriteTimeoutSec int `yaml:"write_timeout_sec"`

	// MaxConcurrentUnits bounds extraction fan-out. Default 5.
	MaxConcurrentUnits int `yaml:"max_concurrent_units"`
}

// EpisodeTimeout returns the episode timeout as a duration.
func (p PipelineConfig) EpisodeTimeout() time.Duration {
	return time.Duration(p.EpisodeTimeoutSec) * time.Second
}

// SpeakerTimeout returns the speaker stage timeout as a duration.
func (p PipelineConfig) SpeakerTimeout() time.Duration {
	return time.Duration(p.SpeakerTimeoutSec) * time.Second
}

// SegmentTimeout returns the segmentation stage timeout as a duration.
func (p PipelineConfig) SegmentTimeout() time.Duration {
	return time.Duration(p.SegmentTimeoutSec) * time.Second
}

// ExtractTimeout returns the per-unit extraction timeout as a duration.
func (p PipelineConfig) ExtractTimeout() time.Duration {
	return time.Duration(p.ExtractTimeoutSec) * time.Second
}

// WriteTimeout returns the per-unit write timeout as a duration.
func (p PipelineConfig) WriteTimeout() time.Duration {
	return time.Duration(p.WriteTimeoutSec) * time.Second
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		LogLevel: LogInfo,
		LLM: LLMConfig{
			Name:       "gemini",
			Model:      "gemini-2.0-flash",
			MaxRetries: 3,
		},
		Embeddings: EmbeddingsConfig{
			Name:       "openai",
			Model:      "text-embedding-3-small",
			Dimensions: 768,
		},
		Speaker: SpeakerConfig{
			ConfidenceThreshold: 0.5,
		},
		Pipeline: PipelineConfig{
			EpisodeTimeoutSec:  7200,
			SpeakerTimeoutSec:  120,
			SegmentTimeoutSec:  300,
			ExtractTimeoutSec:  600,
			WriteTimeoutSec:    300,
			MaxConcurrentUnits: 5,
		},
		StateDir:      "state",
		CheckpointDir: "checkpoints",
	}
}
