package retrieval

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/evidenceflow/evidenceflow/internal/metrics"
	"github.com/evidenceflow/evidenceflow/internal/retry"
	"github.com/evidenceflow/evidenceflow/providers"
)

// RetrieverConfig tunes query behavior.
type RetrieverConfig struct {
	// TopK is the default result count when the caller passes 0.
	TopK int `json:"top_k" yaml:"top_k"`
	// ExpandParents replaces child chunks with their hierarchical parent
	// text when set. Ignored for flat collections (no chunk has a parent).
	ExpandParents bool `json:"expand_parents" yaml:"expand_parents"`
}

// DefaultRetrieverConfig returns production defaults.
func DefaultRetrieverConfig() RetrieverConfig {
	return RetrieverConfig{TopK: 5, ExpandParents: true}
}

// Retriever answers scoped similarity queries. The query embedding goes
// through the cache under its own namespace so repeated questions skip the
// provider round trip.
type Retriever struct {
	config   RetrieverConfig
	embedder providers.Embedder
	cache    EmbeddingCache
	store    VectorStore
	retryer  retry.Retryer
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// RetrieverOption customizes a Retriever.
type RetrieverOption func(*Retriever)

// WithRetrieverMetrics attaches Prometheus instruments.
func WithRetrieverMetrics(m *metrics.Metrics) RetrieverOption {
	return func(r *Retriever) { r.metrics = m }
}

// NewRetriever creates a retriever. Cache may be nil.
func NewRetriever(config RetrieverConfig, embedder providers.Embedder, cache EmbeddingCache, store VectorStore, logger *zap.Logger, opts ...RetrieverOption) *Retriever {
	if config.TopK <= 0 {
		config.TopK = DefaultRetrieverConfig().TopK
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Retriever{
		config:   config,
		embedder: embedder,
		cache:    cache,
		store:    store,
		retryer:  retry.NewBackoffRetryer(retry.SingleRetryPolicy(), logger),
		logger:   logger.With(zap.String("component", "retriever")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Retrieve returns the topK most relevant chunks for the query within the
// scope. An empty index yields an empty slice, not an error. topK of 0 uses
// the configured default.
func (r *Retriever) Retrieve(ctx context.Context, scope Scope, query string, topK int) ([]ScoredChunk, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = r.config.TopK
	}

	vector, err := r.embedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	results, err := r.store.Query(ctx, scope, vector, topK, QueryFilter{})
	if err != nil {
		return nil, fmt.Errorf("vector query: %w", err)
	}

	if r.config.ExpandParents {
		results = r.expandParents(ctx, scope, results)
	}

	r.logger.Debug("retrieval completed",
		zap.String("scope", scope.Key()),
		zap.Int("top_k", topK),
		zap.Int("results", len(results)))
	return results, nil
}

// embedQuery computes the query vector, consulting the query-namespace cache
// first. Provider failures get one bounded retry.
func (r *Retriever) embedQuery(ctx context.Context, query string) ([]float64, error) {
	hash := HashText(query)
	if r.cache != nil {
		if vec, ok := r.cache.Get(ctx, NamespaceQuery, hash); ok {
			r.countCache("hit")
			return vec, nil
		}
		r.countCache("miss")
	}

	var vector []float64
	err := r.retryer.Do(ctx, func() error {
		var eerr error
		vector, eerr = r.embedder.EmbedText(ctx, query)
		return eerr
	})
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		r.cache.Put(ctx, NamespaceQuery, hash, vector)
	}
	return vector, nil
}

// expandParents swaps matched children for their parent chunks, keeping the
// child's score. When several children share a parent, only the best-scored
// survivor remains; result order stays score-descending.
func (r *Retriever) expandParents(ctx context.Context, scope Scope, results []ScoredChunk) []ScoredChunk {
	seen := make(map[string]bool, len(results))
	expanded := make([]ScoredChunk, 0, len(results))

	for _, sc := range results {
		if sc.Chunk.ParentID == "" {
			if !seen[sc.Chunk.ID] {
				seen[sc.Chunk.ID] = true
				expanded = append(expanded, sc)
			}
			continue
		}

		parent, ok, err := r.store.GetChunk(ctx, scope, sc.Chunk.ParentID)
		if err != nil || !ok {
			// The child's own text is still valid evidence.
			if err != nil {
				r.logger.Warn("parent expansion failed, keeping child",
					zap.String("chunk_id", sc.Chunk.ID),
					zap.Error(err))
			}
			if !seen[sc.Chunk.ID] {
				seen[sc.Chunk.ID] = true
				expanded = append(expanded, sc)
			}
			continue
		}

		if seen[parent.ID] {
			continue
		}
		seen[parent.ID] = true
		expanded = append(expanded, ScoredChunk{Chunk: parent, Score: sc.Score})
	}
	return expanded
}

func (r *Retriever) countCache(result string) {
	if r.metrics != nil {
		r.metrics.CacheOps.WithLabelValues(string(NamespaceQuery), result).Inc()
	}
}
