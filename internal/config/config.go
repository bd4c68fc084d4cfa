// Package config holds the engine configuration: defaults, optional YAML
// file, and environment overrides applied in that order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full engine configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	LLM       LLMConfig       `yaml:"llm"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Knowledge KnowledgeConfig `yaml:"knowledge"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Synthesis SynthesisConfig `yaml:"synthesis"`
	Evaluation EvaluationConfig `yaml:"evaluation"`
	Session   SessionConfig   `yaml:"session"`
	Cache     CacheConfig     `yaml:"cache"`
	Events    EventsConfig    `yaml:"events"`
	Workflow  WorkflowConfig  `yaml:"workflow"`
}

// ServerConfig configures the HTTP gateway.
type ServerConfig struct {
	Addr            string   `yaml:"addr"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
	TokenSecret     string   `yaml:"token_secret"`
	TokenTTL        time.Duration `yaml:"token_ttl"`
	RateLimitPerSec float64  `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int      `yaml:"rate_limit_burst"`
}

// LLMConfig configures the generation backend router.
type LLMConfig struct {
	Provider        string        `yaml:"provider"` // openai | anthropic | ollama
	Model           string        `yaml:"model"`
	APIKey          string        `yaml:"api_key"`
	BaseURL         string        `yaml:"base_url"`
	ParseTimeout    time.Duration `yaml:"parse_timeout"`
	GenerateTimeout time.Duration `yaml:"generate_timeout"`
	EvaluateTimeout time.Duration `yaml:"evaluate_timeout"`
	SummarizeTimeout time.Duration `yaml:"summarize_timeout"`
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

// EmbeddingConfig configures the embedding backend.
type EmbeddingConfig struct {
	BaseURL   string        `yaml:"base_url"`
	Model     string        `yaml:"model"`
	Dimension int           `yaml:"dimension"`
	Timeout   time.Duration `yaml:"timeout"`
}

// KnowledgeConfig configures the knowledge store build.
type KnowledgeConfig struct {
	RecordsDir     string             `yaml:"records_dir"`
	ChunkMinWords  int                `yaml:"chunk_min_words"`
	ChunkMaxWords  int                `yaml:"chunk_max_words"`
	FuzzyThreshold float64            `yaml:"fuzzy_threshold"`
	// ConnectionWeights supplies a relevance score per connection type for
	// records that omit an explicit one. Policy, not invariant.
	ConnectionWeights map[string]float64 `yaml:"connection_weights"`
	DefaultEdgeWeight float64            `yaml:"default_edge_weight"`
}

// RetrievalConfig configures the hybrid retriever.
type RetrievalConfig struct {
	VectorBackend   string  `yaml:"vector_backend"` // memory | qdrant
	QdrantURL       string  `yaml:"qdrant_url"`
	QdrantCollection string `yaml:"qdrant_collection"`
	MaxHops         int     `yaml:"max_hops"`
	EdgeFloor       float64 `yaml:"edge_floor"`
	HopDecay        float64 `yaml:"hop_decay"`
	ExplicitWeight  float64 `yaml:"explicit_weight"`
	VectorWeight    float64 `yaml:"vector_weight"`
	VectorTopN      int     `yaml:"vector_top_n"`
	SimilarityFloor float64 `yaml:"similarity_floor"`
	MaxTopK         int     `yaml:"max_top_k"`
	DefaultTopK     int     `yaml:"default_top_k"`
}

// SynthesisConfig configures candidate generation.
type SynthesisConfig struct {
	BriefWords    int `yaml:"brief_words"`
	StandardWords int `yaml:"standard_words"`
	DetailedWords int `yaml:"detailed_words"`
}

// EvaluationConfig configures the evaluator and retry loop.
type EvaluationConfig struct {
	Threshold   float64 `yaml:"threshold"`
	MaxAttempts int     `yaml:"max_attempts"`
	LengthSlack float64 `yaml:"length_slack"`
}

// SessionConfig configures the context manager.
type SessionConfig struct {
	Store             string        `yaml:"store"` // memory | redis
	RedisAddr         string        `yaml:"redis_addr"`
	RedisPassword     string        `yaml:"redis_password"`
	RedisDB           int           `yaml:"redis_db"`
	WindowTurns       int           `yaml:"window_turns"`
	SummarizeEvery    int           `yaml:"summarize_every"`
	InsightSimilarity float64       `yaml:"insight_similarity"`
	MaxActiveSessions int           `yaml:"max_active_sessions"`
	InsightFlushSize  int           `yaml:"insight_flush_size"`
	InsightFlushEvery time.Duration `yaml:"insight_flush_every"`
}

// CacheConfig configures the two-tier cache.
type CacheConfig struct {
	MaxEntries int           `yaml:"max_entries"`
	TTL        time.Duration `yaml:"ttl"`
	RedisAddr  string        `yaml:"redis_addr"` // optional L2
}

// EventsConfig configures turn-event publication.
type EventsConfig struct {
	NATSAddress string `yaml:"nats_address"` // empty disables publication
	Stream      string `yaml:"stream"`
	Subject     string `yaml:"subject"`
}

// WorkflowConfig configures the durable reindex workflow worker.
type WorkflowConfig struct {
	AppID string `yaml:"app_id"`
	Addr  string `yaml:"addr"`
}

// DefaultConfig returns sensible defaults for a local single-node setup.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			AllowedOrigins:  []string{"http://localhost:3000"},
			TokenSecret:     "",
			TokenTTL:        12 * time.Hour,
			RateLimitPerSec: 10,
			RateLimitBurst:  20,
		},
		LLM: LLMConfig{
			Provider:         "ollama",
			Model:            "llama3.2",
			BaseURL:          "http://localhost:11434",
			ParseTimeout:     10 * time.Second,
			GenerateTimeout:  30 * time.Second,
			EvaluateTimeout:  10 * time.Second,
			SummarizeTimeout: 20 * time.Second,
			BreakerFailures:  3,
			BreakerCooldown:  30 * time.Second,
		},
		Embedding: EmbeddingConfig{
			BaseURL:   "http://localhost:11434",
			Model:     "nomic-embed-text",
			Dimension: 768,
			Timeout:   5 * time.Second,
		},
		Knowledge: KnowledgeConfig{
			RecordsDir:     "./data/knowledge",
			ChunkMinWords:  50,
			ChunkMaxWords:  200,
			FuzzyThreshold: 0.7,
			ConnectionWeights: map[string]float64{
				"technical_skill":       0.95,
				"freedom_autonomy":      0.90,
				"project_reference":     0.90,
				"innovation_creativity": 0.85,
				"core_value":            0.85,
				"personality_trait":     0.80,
			},
			DefaultEdgeWeight: 0.75,
		},
		Retrieval: RetrievalConfig{
			VectorBackend:    "memory",
			QdrantURL:        "http://localhost:6333",
			QdrantCollection: "pce_chunks",
			MaxHops:          2,
			EdgeFloor:        0.3,
			HopDecay:         0.85,
			ExplicitWeight:   0.6,
			VectorWeight:     0.4,
			VectorTopN:       12,
			SimilarityFloor:  0.25,
			MaxTopK:          20,
			DefaultTopK:      6,
		},
		Synthesis: SynthesisConfig{
			BriefWords:    60,
			StandardWords: 160,
			DetailedWords: 320,
		},
		Evaluation: EvaluationConfig{
			Threshold:   0.6,
			MaxAttempts: 3,
			LengthSlack: 0.10,
		},
		Session: SessionConfig{
			Store:             "memory",
			RedisAddr:         "localhost:6379",
			WindowTurns:       6,
			SummarizeEvery:    10,
			InsightSimilarity: 0.92,
			MaxActiveSessions: 512,
			InsightFlushSize:  8,
			InsightFlushEvery: 5 * time.Second,
		},
		Cache: CacheConfig{
			MaxEntries: 10000,
			TTL:        5 * time.Minute,
		},
		Events: EventsConfig{
			NATSAddress: "",
			Stream:      "PCE_TURNS",
			Subject:     "pce.turn.completed",
		},
		Workflow: WorkflowConfig{
			AppID: "pce-reindex",
			Addr:  ":8288",
		},
	}
}

// Load reads a YAML config file over the defaults. A missing path is not an
// error; the defaults stand.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// ApplyEnv overlays environment variables on cfg. Only operational knobs
// get env coverage; tuning parameters stay in the file.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("PCE_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("PCE_TOKEN_SECRET"); v != "" {
		c.Server.TokenSecret = v
	}
	if v := os.Getenv("PCE_LLM_PROVIDER"); v != "" {
		c.LLM.Provider = v
	}
	if v := os.Getenv("PCE_LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("PCE_LLM_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("PCE_LLM_URL"); v != "" {
		c.LLM.BaseURL = v
	}
	if v := os.Getenv("OLLAMA_URL"); v != "" {
		if c.LLM.Provider == "ollama" && os.Getenv("PCE_LLM_URL") == "" {
			c.LLM.BaseURL = v
		}
		c.Embedding.BaseURL = v
	}
	if v := os.Getenv("PCE_KNOWLEDGE_DIR"); v != "" {
		c.Knowledge.RecordsDir = v
	}
	if v := os.Getenv("PCE_VECTOR_BACKEND"); v != "" {
		c.Retrieval.VectorBackend = v
	}
	if v := os.Getenv("QDRANT_URL"); v != "" {
		c.Retrieval.QdrantURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Session.RedisAddr = v
		c.Cache.RedisAddr = v
	}
	if v := os.Getenv("PCE_SESSION_STORE"); v != "" {
		c.Session.Store = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.Events.NATSAddress = v
	}
	if v := os.Getenv("PCE_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Evaluation.MaxAttempts = n
		}
	}
}

// Validate rejects configurations the pipeline cannot honor.
func (c *Config) Validate() error {
	if c.Retrieval.ExplicitWeight+c.Retrieval.VectorWeight != 0 {
		sum := c.Retrieval.ExplicitWeight + c.Retrieval.VectorWeight
		if sum < 0.999 || sum > 1.001 {
			return fmt.Errorf("retrieval weights must sum to 1, got %.3f", sum)
		}
		if c.Retrieval.ExplicitWeight < c.Retrieval.VectorWeight {
			return fmt.Errorf("explicit_weight must be >= vector_weight (%.2f < %.2f)",
				c.Retrieval.ExplicitWeight, c.Retrieval.VectorWeight)
		}
	}
	if c.Retrieval.MaxHops < 1 || c.Retrieval.MaxHops > 4 {
		return fmt.Errorf("max_hops out of range: %d", c.Retrieval.MaxHops)
	}
	if c.Retrieval.MaxTopK < 1 || c.Retrieval.MaxTopK > 20 {
		return fmt.Errorf("max_top_k out of range: %d", c.Retrieval.MaxTopK)
	}
	if c.Evaluation.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be positive, got %d", c.Evaluation.MaxAttempts)
	}
	if c.Evaluation.Threshold < 0 || c.Evaluation.Threshold > 1 {
		return fmt.Errorf("evaluation threshold out of range: %.2f", c.Evaluation.Threshold)
	}
	if c.Session.WindowTurns < 1 {
		return fmt.Errorf("window_turns must be positive, got %d", c.Session.WindowTurns)
	}
	if c.Session.SummarizeEvery < c.Session.WindowTurns+2 {
		return fmt.Errorf("summarize_every (%d) must exceed window_turns (%d) by at least 2",
			c.Session.SummarizeEvery, c.Session.WindowTurns)
	}
	if c.Knowledge.ChunkMinWords >= c.Knowledge.ChunkMaxWords {
		return fmt.Errorf("chunk word bounds inverted: %d >= %d",
			c.Knowledge.ChunkMinWords, c.Knowledge.ChunkMaxWords)
	}
	switch c.Retrieval.VectorBackend {
	case "memory", "qdrant":
	default:
		return fmt.Errorf("unknown vector backend %q", c.Retrieval.VectorBackend)
	}
	switch c.Session.Store {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown session store %q", c.Session.Store)
	}
	return nil
}

// EdgeWeight resolves the relevance score for a connection type when the
// source record does not carry an explicit one.
func (k *KnowledgeConfig) EdgeWeight(connectionType string) float64 {
	if w, ok := k.ConnectionWeights[connectionType]; ok {
		return w
	}
	return k.DefaultEdgeWeight
}
