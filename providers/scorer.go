package providers

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"
)

// EmbeddingScorer implements RelevanceScorer with a bi-encoder approximation:
// it embeds the query and each document and scores by cosine similarity,
// rescaled from [-1,1] to [0,1]. Cheaper than a hosted cross-encoder and good
// enough as a default; swap in a real reranker behind the same interface
// when quality matters more than latency.
type EmbeddingScorer struct {
	embedder Embedder
	logger   *zap.Logger
}

// NewEmbeddingScorer creates a scorer backed by the given embedder.
func NewEmbeddingScorer(embedder Embedder, logger *zap.Logger) *EmbeddingScorer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EmbeddingScorer{
		embedder: embedder,
		logger:   logger.With(zap.String("component", "embedding_scorer")),
	}
}

func (s *EmbeddingScorer) Name() string { return "embedding-cosine" }

// Score returns one [0,1] relevance score per document, in input order.
func (s *EmbeddingScorer) Score(ctx context.Context, query string, documents []string) ([]float64, error) {
	if len(documents) == 0 {
		return []float64{}, nil
	}

	queryVec, err := s.embedder.EmbedText(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	docVecs, err := s.embedder.EmbedBatch(ctx, documents)
	if err != nil {
		return nil, fmt.Errorf("embed documents: %w", err)
	}

	scores := make([]float64, len(documents))
	for i, vec := range docVecs {
		scores[i] = (Cosine(queryVec, vec) + 1) / 2
	}
	return scores, nil
}

// Cosine returns the cosine similarity of two vectors, 0 when either is
// zero-length or the dimensions differ.
func Cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
