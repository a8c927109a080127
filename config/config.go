// Package config loads engine configuration with layered precedence:
// defaults, then an optional YAML file, then EVIDENCEFLOW_* environment
// overrides.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("evidenceflow.yaml").
//	    Load()
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/evidenceflow/evidenceflow/internal/telemetry"
)

// Config is the complete engine configuration.
type Config struct {
	Log       LogConfig        `yaml:"log" env:"LOG"`
	Providers ProvidersConfig  `yaml:"providers" env:"PROVIDERS"`
	Qdrant    QdrantConfig     `yaml:"qdrant" env:"QDRANT"`
	Redis     RedisConfig      `yaml:"redis" env:"REDIS"`
	Registry  RegistryConfig   `yaml:"registry" env:"REGISTRY"`
	Chunking  ChunkingConfig   `yaml:"chunking" env:"CHUNKING"`
	Retrieval RetrievalConfig  `yaml:"retrieval" env:"RETRIEVAL"`
	Search    SearchConfig     `yaml:"search" env:"SEARCH"`
	Evaluator EvaluatorConfig  `yaml:"evaluator" env:"EVALUATOR"`
	Context   ContextConfig    `yaml:"context" env:"CONTEXT"`
	Engine    EngineConfig     `yaml:"engine" env:"ENGINE"`
	Telemetry telemetry.Config `yaml:"telemetry" env:"TELEMETRY"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level            string `yaml:"level" env:"LEVEL"`   // debug, info, warn, error
	Format           string `yaml:"format" env:"FORMAT"` // json, console
	EnableCaller     bool   `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool   `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// ProviderConfig is one OpenAI-compatible endpoint.
type ProviderConfig struct {
	BaseURL string        `yaml:"base_url" env:"BASE_URL"`
	APIKey  string        `yaml:"api_key" env:"API_KEY"`
	Model   string        `yaml:"model" env:"MODEL"`
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// ProvidersConfig names the three model capabilities the engine consumes:
// a fast variant for classification/decomposition, a capable variant for
// final generation, and an embedding model.
type ProvidersConfig struct {
	Fast      ProviderConfig `yaml:"fast" env:"FAST"`
	Capable   ProviderConfig `yaml:"capable" env:"CAPABLE"`
	Embedding ProviderConfig `yaml:"embedding" env:"EMBEDDING"`
	// EmbeddingDimensions must match the embedding model's output size.
	EmbeddingDimensions int `yaml:"embedding_dimensions" env:"EMBEDDING_DIMENSIONS"`
}

// QdrantConfig configures the vector store backend.
type QdrantConfig struct {
	Host                 string `yaml:"host" env:"HOST"`
	Port                 int    `yaml:"port" env:"PORT"`
	APIKey               string `yaml:"api_key" env:"API_KEY"`
	Collection           string `yaml:"collection" env:"COLLECTION"`
	AutoCreateCollection bool   `yaml:"auto_create_collection" env:"AUTO_CREATE_COLLECTION"`
}

// RedisConfig configures the embedding cache and checkpoint backends.
type RedisConfig struct {
	Addr     string        `yaml:"addr" env:"ADDR"`
	Password string        `yaml:"password" env:"PASSWORD"`
	DB       int           `yaml:"db" env:"DB"`
	PoolSize int           `yaml:"pool_size" env:"POOL_SIZE"`
	CacheTTL time.Duration `yaml:"cache_ttl" env:"CACHE_TTL"`
}

// RegistryConfig configures the document registry database.
type RegistryConfig struct {
	// Path is the SQLite file path; ":memory:" for ephemeral registries.
	Path string `yaml:"path" env:"PATH"`
}

// ChunkingConfig configures document splitting. Sizes are in tokens.
type ChunkingConfig struct {
	Strategy     string `yaml:"strategy" env:"STRATEGY"` // flat, hierarchical
	ChunkSize    int    `yaml:"chunk_size" env:"CHUNK_SIZE"`
	ChunkOverlap int    `yaml:"chunk_overlap" env:"CHUNK_OVERLAP"`
	ChildSize    int    `yaml:"child_size" env:"CHILD_SIZE"`
	ChildOverlap int    `yaml:"child_overlap" env:"CHILD_OVERLAP"`
	Encoding     string `yaml:"encoding" env:"ENCODING"` // tiktoken encoding name
}

// RetrievalConfig configures query-side behavior.
type RetrievalConfig struct {
	TopK          int  `yaml:"top_k" env:"TOP_K"`
	ExpandParents bool `yaml:"expand_parents" env:"EXPAND_PARENTS"`
}

// SearchConfig configures the web search client.
type SearchConfig struct {
	APIKey            string        `yaml:"api_key" env:"API_KEY"`
	MaxResults        int           `yaml:"max_results" env:"MAX_RESULTS"`
	Timeout           time.Duration `yaml:"timeout" env:"TIMEOUT"`
	RequestsPerSecond float64       `yaml:"requests_per_second" env:"REQUESTS_PER_SECOND"`
	CacheTTL          time.Duration `yaml:"cache_ttl" env:"CACHE_TTL"`
}

// EvaluatorConfig configures relevance evaluation.
type EvaluatorConfig struct {
	RelevanceThreshold float64 `yaml:"relevance_threshold" env:"RELEVANCE_THRESHOLD"`
	MaxEvidence        int     `yaml:"max_evidence" env:"MAX_EVIDENCE"`
	DedupSimilarity    float64 `yaml:"dedup_similarity" env:"DEDUP_SIMILARITY"`
}

// ContextConfig configures context aggregation.
type ContextConfig struct {
	MaxContextTokens  int `yaml:"max_context_tokens" env:"MAX_CONTEXT_TOKENS"`
	MaxRecentMessages int `yaml:"max_recent_messages" env:"MAX_RECENT_MESSAGES"`
}

// EngineConfig configures the orchestration graph.
type EngineConfig struct {
	TaskConcurrency  int           `yaml:"task_concurrency" env:"TASK_CONCURRENCY"`
	MaxTasks         int           `yaml:"max_tasks" env:"MAX_TASKS"`
	SearchTimeout    time.Duration `yaml:"search_timeout" env:"SEARCH_TIMEOUT"`
	HistoryLimit     int           `yaml:"history_limit" env:"HISTORY_LIMIT"`
	GenTemperature   float64       `yaml:"gen_temperature" env:"GEN_TEMPERATURE"`
	GenMaxTokens     int           `yaml:"gen_max_tokens" env:"GEN_MAX_TOKENS"`
	SearchMaxResults int           `yaml:"search_max_results" env:"SEARCH_MAX_RESULTS"`
}

// DefaultConfig returns the full default configuration.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:        "info",
			Format:       "json",
			EnableCaller: true,
		},
		Providers: ProvidersConfig{
			Fast:                ProviderConfig{Timeout: 30 * time.Second},
			Capable:             ProviderConfig{Timeout: 120 * time.Second},
			Embedding:           ProviderConfig{Timeout: 30 * time.Second},
			EmbeddingDimensions: 1536,
		},
		Qdrant: QdrantConfig{
			Host:                 "localhost",
			Port:                 6333,
			Collection:           "evidenceflow",
			AutoCreateCollection: true,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
			CacheTTL: 7 * 24 * time.Hour,
		},
		Registry: RegistryConfig{
			Path: "evidenceflow.db",
		},
		Chunking: ChunkingConfig{
			Strategy:     "flat",
			ChunkSize:    800,
			ChunkOverlap: 100,
			ChildSize:    400,
			ChildOverlap: 50,
			Encoding:     "cl100k_base",
		},
		Retrieval: RetrievalConfig{
			TopK:          5,
			ExpandParents: true,
		},
		Search: SearchConfig{
			MaxResults:        5,
			Timeout:           15 * time.Second,
			RequestsPerSecond: 2,
			CacheTTL:          30 * time.Minute,
		},
		Evaluator: EvaluatorConfig{
			RelevanceThreshold: 0.1,
			MaxEvidence:        15,
			DedupSimilarity:    0.9,
		},
		Context: ContextConfig{
			MaxContextTokens:  4000,
			MaxRecentMessages: 10,
		},
		Engine: EngineConfig{
			TaskConcurrency:  4,
			MaxTasks:         5,
			SearchTimeout:    15 * time.Second,
			HistoryLimit:     10,
			GenTemperature:   0.7,
			GenMaxTokens:     2048,
			SearchMaxResults: 5,
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Validate reports configuration errors a loaded config would hit at
// construction time.
func (c *Config) Validate() error {
	var errs []string

	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("unknown log level %q", c.Log.Level))
	}

	switch c.Chunking.Strategy {
	case "flat", "hierarchical":
	default:
		errs = append(errs, fmt.Sprintf("unknown chunking strategy %q", c.Chunking.Strategy))
	}
	if c.Chunking.ChunkSize <= 0 {
		errs = append(errs, "chunking.chunk_size must be positive")
	}
	if c.Chunking.ChunkOverlap < 0 || c.Chunking.ChunkOverlap >= c.Chunking.ChunkSize {
		errs = append(errs, "chunking.chunk_overlap must be in [0, chunk_size)")
	}

	if c.Providers.EmbeddingDimensions <= 0 {
		errs = append(errs, "providers.embedding_dimensions must be positive")
	}
	if c.Engine.TaskConcurrency <= 0 {
		errs = append(errs, "engine.task_concurrency must be positive")
	}
	if c.Evaluator.RelevanceThreshold < 0 || c.Evaluator.RelevanceThreshold > 1 {
		errs = append(errs, "evaluator.relevance_threshold must be in [0, 1]")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
