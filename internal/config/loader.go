package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known backend names per provider kind.
// Used by [Validate] to warn about unrecognised names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq"},
	"embeddings": {"openai", "offline"},
}

// localLLMProviders lists backends that need no API key.
var localLLMProviders = []string{"ollama"}

// Load reads the YAML configuration file at path into cfg, overriding any
// values already present. Unknown fields are rejected.
func Load(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	if err := LoadFromReader(f, cfg); err != nil {
		return fmt.Errorf("config: parse %q: %w", path, err)
	}
	return nil
}

// LoadFromReader decodes a YAML config from r into cfg. Useful in tests
// where configs are constructed from string literals.
func LoadFromReader(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("config: decode yaml: %w", err)
	}
	return nil
}

// ApplyEnv overrides cfg with the environment variables. Env wins over the
// file so deployments can keep secrets out of config files entirely.
func ApplyEnv(cfg *Config) error {
	var errs []error

	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	setString("NEO4J_URI", &cfg.Neo4j.URI)
	setString("NEO4J_USER", &cfg.Neo4j.User)
	setString("NEO4J_PASSWORD", &cfg.Neo4j.Password)
	setString("NEO4J_DATABASE", &cfg.Neo4j.Database)
	setString("EMBEDDING_MODEL", &cfg.Embeddings.Model)
	setString("STATE_DIR", &cfg.StateDir)
	setString("CHECKPOINT_DIR", &cfg.CheckpointDir)

	if v, ok := os.LookupEnv("LLM_API_KEYS"); ok {
		var keys []string
		for _, k := range strings.Split(v, ",") {
			if k = strings.TrimSpace(k); k != "" {
				keys = append(keys, k)
			}
		}
		cfg.LLM.APIKeys = keys
	}

	if v, ok := os.LookupEnv("SPEAKER_CONFIDENCE_THRESHOLD"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: SPEAKER_CONFIDENCE_THRESHOLD %q: %w", v, err))
		} else {
			cfg.Speaker.ConfidenceThreshold = f
		}
	}

	if v, ok := os.LookupEnv("PIPELINE_TIMEOUT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: PIPELINE_TIMEOUT %q: %w", v, err))
		} else {
			cfg.Pipeline.EpisodeTimeoutSec = n
		}
	}

	if v, ok := os.LookupEnv("MAX_CONCURRENT_UNITS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: MAX_CONCURRENT_UNITS %q: %w", v, err))
		} else {
			cfg.Pipeline.MaxConcurrentUnits = n
		}
	}

	return errors.Join(errs...)
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	// Neo4j
	if cfg.Neo4j.URI == "" {
		errs = append(errs, fmt.Errorf("neo4j.uri is required (or set NEO4J_URI)"))
	}

	// LLM
	validateProviderName("llm", cfg.LLM.Name)
	if cfg.LLM.Model == "" {
		errs = append(errs, fmt.Errorf("llm.model is required"))
	}
	if len(cfg.LLM.APIKeys) == 0 && !slices.Contains(localLLMProviders, cfg.LLM.Name) {
		errs = append(errs, fmt.Errorf("llm.api_keys is empty (or set LLM_API_KEYS)"))
	}
	if cfg.LLM.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("llm.max_retries %d must be at least 1", cfg.LLM.MaxRetries))
	}
	if cfg.LLM.Limits.RPM < 0 || cfg.LLM.Limits.TPM < 0 || cfg.LLM.Limits.RPD < 0 {
		errs = append(errs, fmt.Errorf("llm.limits must not be negative"))
	}

	// Embeddings
	validateProviderName("embeddings", cfg.Embeddings.Name)
	if cfg.Embeddings.Dimensions <= 0 {
		errs = append(errs, fmt.Errorf("embeddings.dimensions %d must be positive", cfg.Embeddings.Dimensions))
	}
	if cfg.Embeddings.Name == "openai" && cfg.Embeddings.APIKey == "" && len(cfg.LLM.APIKeys) == 0 {
		slog.Warn("embeddings.api_key is empty and no LLM keys to fall back on; embedding will fail unless offline_mode is set")
	}

	// Speaker
	if cfg.Speaker.ConfidenceThreshold < 0 || cfg.Speaker.ConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("speaker.confidence_threshold %.2f is out of range [0, 1]", cfg.Speaker.ConfidenceThreshold))
	}

	// Pipeline
	p := cfg.Pipeline
	for _, tc := range []struct {
		name string
		val  int
	}{
		{"pipeline.episode_timeout_sec", p.EpisodeTimeoutSec},
		{"pipeline.speaker_timeout_sec", p.SpeakerTimeoutSec},
		{"pipeline.segment_timeout_sec", p.SegmentTimeoutSec},
		{"pipeline.extract_timeout_sec", p.ExtractTimeoutSec},
		{"pipeline.write_timeout_sec", p.WriteTimeoutSec},
	} {
		if tc.val <= 0 {
			errs = append(errs, fmt.Errorf("%s %d must be positive", tc.name, tc.val))
		}
	}
	if p.MaxConcurrentUnits < 1 {
		errs = append(errs, fmt.Errorf("pipeline.max_concurrent_units %d must be at least 1", p.MaxConcurrentUnits))
	}

	// Paths
	if cfg.StateDir == "" {
		errs = append(errs, fmt.Errorf("state_dir is required (or set STATE_DIR)"))
	}
	if cfg.CheckpointDir == "" {
		errs = append(errs, fmt.Errorf("checkpoint_dir is required (or set CHECKPOINT_DIR)"))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
