package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestDefaultWeightsFavorExplicit(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Retrieval.ExplicitWeight < cfg.Retrieval.VectorWeight {
		t.Errorf("explicit weight %.2f below vector weight %.2f",
			cfg.Retrieval.ExplicitWeight, cfg.Retrieval.VectorWeight)
	}
	sum := cfg.Retrieval.ExplicitWeight + cfg.Retrieval.VectorWeight
	if sum < 0.999 || sum > 1.001 {
		t.Errorf("weights sum to %.3f, want 1", sum)
	}
}

func TestLoadMissingFileKeepsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if cfg.Retrieval.MaxHops != DefaultConfig().Retrieval.MaxHops {
		t.Error("defaults not preserved for missing file")
	}
}

func TestLoadOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pce.yaml")
	body := `
retrieval:
  max_hops: 1
  edge_floor: 0.5
session:
  window_turns: 4
  summarize_every: 8
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Retrieval.MaxHops != 1 {
		t.Errorf("max_hops = %d, want 1", cfg.Retrieval.MaxHops)
	}
	if cfg.Retrieval.EdgeFloor != 0.5 {
		t.Errorf("edge_floor = %v, want 0.5", cfg.Retrieval.EdgeFloor)
	}
	if cfg.Session.WindowTurns != 4 {
		t.Errorf("window_turns = %d, want 4", cfg.Session.WindowTurns)
	}
	// Untouched sections keep defaults.
	if cfg.Evaluation.MaxAttempts != 3 {
		t.Errorf("max_attempts = %d, want default 3", cfg.Evaluation.MaxAttempts)
	}
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	body := `
retrieval:
  explicit_weight: 0.2
  vector_weight: 0.8
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("vector-heavy weighting should be rejected")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("PCE_ADDR", ":9999")
	t.Setenv("PCE_LLM_PROVIDER", "openai")
	t.Setenv("PCE_MAX_ATTEMPTS", "2")
	t.Setenv("REDIS_URL", "redis-host:6380")

	cfg := DefaultConfig()
	cfg.ApplyEnv()

	if cfg.Server.Addr != ":9999" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.LLM.Provider != "openai" {
		t.Errorf("provider = %q", cfg.LLM.Provider)
	}
	if cfg.Evaluation.MaxAttempts != 2 {
		t.Errorf("max_attempts = %d", cfg.Evaluation.MaxAttempts)
	}
	if cfg.Session.RedisAddr != "redis-host:6380" || cfg.Cache.RedisAddr != "redis-host:6380" {
		t.Error("REDIS_URL should cover both session store and cache L2")
	}
}

func TestEdgeWeightFallsBack(t *testing.T) {
	k := DefaultConfig().Knowledge
	if w := k.EdgeWeight("technical_skill"); w != 0.95 {
		t.Errorf("technical_skill weight = %v, want 0.95", w)
	}
	if w := k.EdgeWeight("made_up_type"); w != k.DefaultEdgeWeight {
		t.Errorf("unknown type weight = %v, want default %v", w, k.DefaultEdgeWeight)
	}
}

func TestValidateRejectsNarrowSummarizeGap(t *testing.T) {
	cfg := DefaultConfig()

	cfg.Session.SummarizeEvery = cfg.Session.WindowTurns + 1
	if err := cfg.Validate(); err == nil {
		t.Error("summarize_every of window_turns+1 accepted")
	}

	cfg.Session.SummarizeEvery = cfg.Session.WindowTurns + 2
	if err := cfg.Validate(); err != nil {
		t.Errorf("summarize_every of window_turns+2 rejected: %v", err)
	}
}
