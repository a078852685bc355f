package config

import (
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
log_level: debug
neo4j:
  uri: neo4j://localhost:7687
  user: neo4j
  password: secret
llm:
  name: gemini
  model: gemini-2.0-flash
  api_keys: [k1, k2]
  limits:
    rpm: 10
    tpm: 250000
    rpd: 1000
embeddings:
  name: openai
  model: text-embedding-3-small
  api_key: ek1
pipeline:
  max_concurrent_units: 3
`

func TestLoadFromReader(t *testing.T) {
	t.Parallel()

	cfg := Default()
	if err := LoadFromReader(strings.NewReader(sampleYAML), cfg); err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Neo4j.URI != "neo4j://localhost:7687" {
		t.Errorf("neo4j.uri = %q", cfg.Neo4j.URI)
	}
	if len(cfg.LLM.APIKeys) != 2 || cfg.LLM.APIKeys[1] != "k2" {
		t.Errorf("api_keys = %v", cfg.LLM.APIKeys)
	}
	if cfg.LLM.Limits.RPM != 10 || cfg.LLM.Limits.RPD != 1000 {
		t.Errorf("limits = %+v", cfg.LLM.Limits)
	}
	if cfg.Pipeline.MaxConcurrentUnits != 3 {
		t.Errorf("max_concurrent_units = %d", cfg.Pipeline.MaxConcurrentUnits)
	}

	// Fields absent from the file keep their defaults.
	if cfg.Pipeline.EpisodeTimeoutSec != 7200 {
		t.Errorf("episode_timeout_sec = %d, want default 7200", cfg.Pipeline.EpisodeTimeoutSec)
	}
	if cfg.Embeddings.Dimensions != 768 {
		t.Errorf("dimensions = %d, want default 768", cfg.Embeddings.Dimensions)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()

	cfg := Default()
	err := LoadFromReader(strings.NewReader("neo4j:\n  hostname: nope\n"), cfg)
	if err == nil {
		t.Fatal("unknown field accepted")
	}
}

func TestApplyEnv_Overrides(t *testing.T) {
	t.Setenv("NEO4J_URI", "neo4j://db:7687")
	t.Setenv("NEO4J_PASSWORD", "env-secret")
	t.Setenv("LLM_API_KEYS", "ka, kb ,kc")
	t.Setenv("SPEAKER_CONFIDENCE_THRESHOLD", "0.7")
	t.Setenv("PIPELINE_TIMEOUT", "600")
	t.Setenv("MAX_CONCURRENT_UNITS", "2")

	cfg := Default()
	cfg.Neo4j.URI = "neo4j://file:7687"
	cfg.LLM.APIKeys = []string{"file-key"}

	if err := ApplyEnv(cfg); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}

	if cfg.Neo4j.URI != "neo4j://db:7687" {
		t.Errorf("env did not win: uri = %q", cfg.Neo4j.URI)
	}
	if cfg.Neo4j.Password != "env-secret" {
		t.Errorf("password = %q", cfg.Neo4j.Password)
	}
	want := []string{"ka", "kb", "kc"}
	if len(cfg.LLM.APIKeys) != 3 {
		t.Fatalf("api_keys = %v, want %v", cfg.LLM.APIKeys, want)
	}
	for i, k := range want {
		if cfg.LLM.APIKeys[i] != k {
			t.Errorf("api_keys[%d] = %q, want %q", i, cfg.LLM.APIKeys[i], k)
		}
	}
	if cfg.Speaker.ConfidenceThreshold != 0.7 {
		t.Errorf("threshold = %v", cfg.Speaker.ConfidenceThreshold)
	}
	if cfg.Pipeline.EpisodeTimeoutSec != 600 {
		t.Errorf("episode timeout = %d", cfg.Pipeline.EpisodeTimeoutSec)
	}
	if cfg.Pipeline.MaxConcurrentUnits != 2 {
		t.Errorf("max_concurrent_units = %d", cfg.Pipeline.MaxConcurrentUnits)
	}
}

func TestApplyEnv_BadNumbers(t *testing.T) {
	t.Setenv("PIPELINE_TIMEOUT", "soon")
	t.Setenv("MAX_CONCURRENT_UNITS", "many")

	err := ApplyEnv(Default())
	if err == nil {
		t.Fatal("bad numeric env values accepted")
	}
	if !strings.Contains(err.Error(), "PIPELINE_TIMEOUT") || !strings.Contains(err.Error(), "MAX_CONCURRENT_UNITS") {
		t.Errorf("joined error missing a failure: %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Neo4j.URI = "neo4j://localhost:7687"
		cfg.LLM.APIKeys = []string{"k1"}
		return cfg
	}

	if err := Validate(valid()); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing uri", func(c *Config) { c.Neo4j.URI = "" }, "neo4j.uri"},
		{"no keys", func(c *Config) { c.LLM.APIKeys = nil }, "llm.api_keys"},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }, "log_level"},
		{"threshold out of range", func(c *Config) { c.Speaker.ConfidenceThreshold = 1.5 }, "confidence_threshold"},
		{"zero timeout", func(c *Config) { c.Pipeline.ExtractTimeoutSec = 0 }, "extract_timeout_sec"},
		{"zero concurrency", func(c *Config) { c.Pipeline.MaxConcurrentUnits = 0 }, "max_concurrent_units"},
		{"bad dimensions", func(c *Config) { c.Embeddings.Dimensions = 0 }, "dimensions"},
		{"negative limits", func(c *Config) { c.LLM.Limits.RPM = -1 }, "limits"},
		{"no state dir", func(c *Config) { c.StateDir = "" }, "state_dir"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("invalid config accepted")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestValidate_LocalProviderNeedsNoKeys(t *testing.T) {
	cfg := Default()
	cfg.Neo4j.URI = "neo4j://localhost:7687"
	cfg.LLM.Name = "ollama"
	cfg.LLM.Model = "llama3.3"
	cfg.LLM.APIKeys = nil

	if err := Validate(cfg); err != nil {
		t.Errorf("ollama without keys rejected: %v", err)
	}
}

func TestPipelineTimeoutHelpers(t *testing.T) {
	t.Parallel()

	p := PipelineConfig{ExtractTimeoutSec: 600}
	if p.ExtractTimeout() != 10*time.Minute {
		t.Errorf("ExtractTimeout = %v", p.ExtractTimeout())
	}
}
