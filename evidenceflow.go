// Package evidenceflow provides a top-level entry point that assembles the
// evidence orchestration engine from configuration with minimal boilerplate.
//
// Usage:
//
//	import "github.com/evidenceflow/evidenceflow"
//
//	cfg := config.MustLoad("evidenceflow.yaml")
//	engine, err := evidenceflow.New(cfg)
//	result, err := engine.RunTurn(ctx, userID, threadID, query, nil)
//
// Hosts that need non-default backends (an in-memory vector store, a custom
// searcher) construct the graph.Engine directly instead.
package evidenceflow

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/evidenceflow/evidenceflow/config"
	"github.com/evidenceflow/evidenceflow/graph"
	"github.com/evidenceflow/evidenceflow/internal/metrics"
	"github.com/evidenceflow/evidenceflow/providers"
	"github.com/evidenceflow/evidenceflow/retrieval"
	"github.com/evidenceflow/evidenceflow/websearch"
)

// New builds a fully wired engine from the configuration: OpenAI-compatible
// providers, Qdrant vector store, Redis embedding cache and checkpoints, the
// SQLite document registry, and the Tavily search client (when an API key is
// configured).
func New(cfg *config.Config, opts ...Option) (*graph.Engine, error) {
	settings := applyOptions(opts)

	logger := settings.logger
	if logger == nil {
		var err error
		logger, err = cfg.Log.BuildLogger()
		if err != nil {
			return nil, err
		}
	}

	m := settings.metrics
	if m == nil {
		m = metrics.New()
	}

	embedder := providers.NewOpenAIEmbedder(providers.OpenAIConfig{
		BaseURL:    cfg.Providers.Embedding.BaseURL,
		APIKey:     cfg.Providers.Embedding.APIKey,
		Model:      cfg.Providers.Embedding.Model,
		Dimensions: cfg.Providers.EmbeddingDimensions,
		Timeout:    cfg.Providers.Embedding.Timeout,
	}, logger)

	fast := providers.NewOpenAIGenerator(providers.OpenAIConfig{
		BaseURL: cfg.Providers.Fast.BaseURL,
		APIKey:  cfg.Providers.Fast.APIKey,
		Model:   cfg.Providers.Fast.Model,
		Timeout: cfg.Providers.Fast.Timeout,
	}, logger)

	capable := providers.NewOpenAIGenerator(providers.OpenAIConfig{
		BaseURL: cfg.Providers.Capable.BaseURL,
		APIKey:  cfg.Providers.Capable.APIKey,
		Model:   cfg.Providers.Capable.Model,
		Timeout: cfg.Providers.Capable.Timeout,
	}, logger)

	tokenizer, err := retrieval.NewTiktokenTokenizer(cfg.Chunking.Encoding, logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", graph.ErrConfiguration, err)
	}

	chunker := retrieval.NewChunker(retrieval.ChunkingConfig{
		Strategy:     retrieval.ChunkingStrategy(cfg.Chunking.Strategy),
		ChunkSize:    cfg.Chunking.ChunkSize,
		ChunkOverlap: cfg.Chunking.ChunkOverlap,
		ChildSize:    cfg.Chunking.ChildSize,
		ChildOverlap: cfg.Chunking.ChildOverlap,
	}, tokenizer, logger)

	cache, err := retrieval.NewRedisEmbeddingCache(retrieval.RedisEmbeddingCacheConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		TTL:      cfg.Redis.CacheTTL,
		PoolSize: cfg.Redis.PoolSize,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("%w: embedding cache: %v", graph.ErrConfiguration, err)
	}

	store := retrieval.NewQdrantStore(retrieval.QdrantConfig{
		Host:                 cfg.Qdrant.Host,
		Port:                 cfg.Qdrant.Port,
		APIKey:               cfg.Qdrant.APIKey,
		Collection:           cfg.Qdrant.Collection,
		AutoCreateCollection: cfg.Qdrant.AutoCreateCollection,
		VectorSize:           cfg.Providers.EmbeddingDimensions,
	}, logger)

	registry, err := retrieval.NewSQLiteRegistry(cfg.Registry.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("%w: document registry: %v", graph.ErrConfiguration, err)
	}

	indexer := retrieval.NewIndexer(chunker, embedder, cache, store, registry, logger,
		retrieval.WithIndexerMetrics(m))

	retriever := retrieval.NewRetriever(retrieval.RetrieverConfig{
		TopK:          cfg.Retrieval.TopK,
		ExpandParents: cfg.Retrieval.ExpandParents,
	}, embedder, cache, store, logger, retrieval.WithRetrieverMetrics(m))

	var searcher websearch.Searcher
	if cfg.Search.APIKey != "" {
		searcher, err = websearch.NewTavilyClient(websearch.TavilyConfig{
			APIKey:            cfg.Search.APIKey,
			MaxResults:        cfg.Search.MaxResults,
			Timeout:           cfg.Search.Timeout,
			RequestsPerSecond: cfg.Search.RequestsPerSecond,
			CacheTTL:          cfg.Search.CacheTTL,
		}, logger, websearch.WithSearchMetrics(m))
		if err != nil {
			return nil, fmt.Errorf("%w: search client: %v", graph.ErrConfiguration, err)
		}
	}

	checkpoints, err := graph.NewRedisCheckpointStore(graph.RedisCheckpointConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("%w: checkpoint store: %v", graph.ErrConfiguration, err)
	}

	scorer := providers.NewEmbeddingScorer(embedder, logger)

	return graph.NewEngine(graph.EngineConfig{
		TaskConcurrency:  cfg.Engine.TaskConcurrency,
		RetrieveTopK:     cfg.Retrieval.TopK,
		SearchMaxResults: cfg.Engine.SearchMaxResults,
		SearchTimeout:    cfg.Engine.SearchTimeout,
		HistoryLimit:     cfg.Engine.HistoryLimit,
	}, graph.Dependencies{
		Intent:     graph.NewKeywordIntent(logger),
		Decomposer: graph.NewDecomposer(fast, cfg.Engine.MaxTasks, logger),
		Retriever:  retriever,
		Indexer:    indexer,
		Searcher:   searcher,
		Evaluator: graph.NewEvaluator(graph.EvaluatorConfig{
			RelevanceThreshold: cfg.Evaluator.RelevanceThreshold,
			MaxEvidence:        cfg.Evaluator.MaxEvidence,
			DedupSimilarity:    cfg.Evaluator.DedupSimilarity,
		}, scorer, logger),
		Aggregator: graph.NewAggregator(graph.AggregatorConfig{
			MaxContextTokens:  cfg.Context.MaxContextTokens,
			MaxRecentMessages: cfg.Context.MaxRecentMessages,
		}, tokenizer, logger),
		Generator: graph.NewGenerator(graph.GeneratorConfig{
			Temperature: cfg.Engine.GenTemperature,
			MaxTokens:   cfg.Engine.GenMaxTokens,
		}, capable, logger),
		Checkpoints: checkpoints,
		Metrics:     m,
		Logger:      logger,
	})
}

type settings struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// Option customizes New.
type Option func(*settings)

// WithLogger supplies a pre-built logger instead of building one from the
// log config section.
func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// WithMetrics supplies a shared metrics bundle.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *settings) { s.metrics = m }
}

func applyOptions(opts []Option) settings {
	var s settings
	for _, opt := range opts {
		opt(&s)
	}
	return s
}
