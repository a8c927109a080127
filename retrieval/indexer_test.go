package retrieval

import (
	"context"
	"crypto/sha256"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEmbedder produces a deterministic vector from the text bytes, so
// identical texts always embed identically without a provider.
type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
	fail  bool
}

func (f *fakeEmbedder) EmbedText(_ context.Context, text string) ([]float64, error) {
	vecs, err := f.EmbedBatch(context.Background(), []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail {
		return nil, errors.New("embedding provider down")
	}
	out := make([][]float64, len(texts))
	for i, t := range texts {
		sum := sha256.Sum256([]byte(t))
		vec := make([]float64, 8)
		for j := range vec {
			vec[j] = float64(sum[j])/255.0 - 0.5
		}
		out[i] = vec
	}
	return out, nil
}

func (f *fakeEmbedder) Name() string    { return "fake" }
func (f *fakeEmbedder) Dimensions() int { return 8 }

func newTestIndexer(t *testing.T) (*Indexer, *MemoryVectorStore, *SQLRegistry) {
	t.Helper()
	store := NewMemoryVectorStore(nil)
	registry, err := NewSQLiteRegistry(":memory:", nil)
	require.NoError(t, err)
	chunker := NewChunker(ChunkingConfig{Strategy: StrategyFlat, ChunkSize: 20, ChunkOverlap: 0}, EstimateTokenizer{}, nil)
	ix := NewIndexer(chunker, &fakeEmbedder{}, NewMemoryEmbeddingCache(0), store, registry, nil)
	return ix, store, registry
}

const indexerTestContent = `Machine learning is a field of study. It gives computers the ability to learn.

Neural networks are a class of models. They are inspired by biological neurons.

Gradient descent is an optimization algorithm. It minimizes a loss function step by step.`

func TestIndexDocumentStoresChunks(t *testing.T) {
	ctx := context.Background()
	ix, store, registry := newTestIndexer(t)
	scope := Scope{UserID: "u1", ThreadID: "t1"}

	res, err := ix.IndexDocument(ctx, scope, "ml.pdf", indexerTestContent, nil)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Greater(t, res.ChunkCount, 1)

	count, err := store.Count(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, res.ChunkCount, count)

	rec, err := registry.Lookup(ctx, scope, HashText(indexerTestContent))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, res.ChunkCount, rec.ChunkCount)
}

func TestIndexDocumentIdempotentOnContentHash(t *testing.T) {
	ctx := context.Background()
	ix, store, _ := newTestIndexer(t)
	scope := Scope{UserID: "u1"}

	first, err := ix.IndexDocument(ctx, scope, "ml.pdf", indexerTestContent, nil)
	require.NoError(t, err)

	second, err := ix.IndexDocument(ctx, scope, "ml.pdf", indexerTestContent, nil)
	require.NoError(t, err)
	assert.True(t, second.Skipped)
	assert.Equal(t, first.ChunkCount, second.ChunkCount)

	// Stored chunk total equals the first call's count, not double.
	count, err := store.Count(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, first.ChunkCount, count)
}

func TestIndexDocumentReplacesChangedContent(t *testing.T) {
	ctx := context.Background()
	ix, store, _ := newTestIndexer(t)
	scope := Scope{UserID: "u1"}

	first, err := ix.IndexDocument(ctx, scope, "notes.txt", indexerTestContent, nil)
	require.NoError(t, err)

	second, err := ix.IndexDocument(ctx, scope, "notes.txt", "Entirely new content.", nil)
	require.NoError(t, err)
	assert.True(t, second.Replaced)
	assert.Equal(t, first.DocumentID, second.DocumentID)

	// Old chunks are gone; only the new content's chunks remain.
	count, err := store.Count(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, second.ChunkCount, count)
}

func TestIndexDocumentUsesEmbeddingCache(t *testing.T) {
	ctx := context.Background()
	emb := &fakeEmbedder{}
	store := NewMemoryVectorStore(nil)
	chunker := NewChunker(ChunkingConfig{Strategy: StrategyFlat, ChunkSize: 20, ChunkOverlap: 0}, EstimateTokenizer{}, nil)
	cache := NewMemoryEmbeddingCache(0)
	ix := NewIndexer(chunker, emb, cache, store, nil, nil)

	scopeA := Scope{UserID: "a"}
	scopeB := Scope{UserID: "b"}

	_, err := ix.IndexDocument(ctx, scopeA, "doc.txt", indexerTestContent, nil)
	require.NoError(t, err)
	callsAfterFirst := emb.calls

	// Same content under a different scope: every chunk text hits the cache.
	_, err = ix.IndexDocument(ctx, scopeB, "doc.txt", indexerTestContent, nil)
	require.NoError(t, err)
	assert.Equal(t, callsAfterFirst, emb.calls)
}

func TestIndexDocumentEmbedderFailureSurfaced(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryVectorStore(nil)
	chunker := NewChunker(ChunkingConfig{Strategy: StrategyFlat, ChunkSize: 20, ChunkOverlap: 0}, EstimateTokenizer{}, nil)
	ix := NewIndexer(chunker, &fakeEmbedder{fail: true}, nil, store, nil, nil)

	scope := Scope{UserID: "u"}
	_, err := ix.IndexDocument(ctx, scope, "doc.txt", indexerTestContent, nil)
	require.Error(t, err)

	count, err := store.Count(ctx, scope)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestDeleteScopeRemovesEverything(t *testing.T) {
	ctx := context.Background()
	ix, store, registry := newTestIndexer(t)
	scope := Scope{UserID: "u1", ThreadID: "t1"}

	_, err := ix.IndexDocument(ctx, scope, "a.txt", indexerTestContent, nil)
	require.NoError(t, err)
	_, err = ix.IndexDocument(ctx, scope, "b.txt", "Different content for the second file.", nil)
	require.NoError(t, err)

	require.NoError(t, ix.DeleteScope(ctx, scope))

	count, err := store.Count(ctx, scope)
	require.NoError(t, err)
	assert.Zero(t, count)

	recs, err := registry.List(ctx, scope)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestHierarchicalIndexingSkipsParentEmbeddings(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryVectorStore(nil)
	chunker := NewChunker(ChunkingConfig{
		Strategy:     StrategyHierarchical,
		ChunkSize:    40,
		ChunkOverlap: 0,
		ChildSize:    10,
		ChildOverlap: 0,
	}, EstimateTokenizer{}, nil)
	ix := NewIndexer(chunker, &fakeEmbedder{}, nil, store, nil, nil)

	scope := Scope{UserID: "u"}
	res, err := ix.IndexDocument(ctx, scope, "big.txt", indexerTestContent, nil)
	require.NoError(t, err)
	require.Greater(t, res.ChunkCount, 1)

	// Query only ever matches embedded children.
	vec, _ := (&fakeEmbedder{}).EmbedText(ctx, "neural networks")
	results, err := store.Query(ctx, scope, vec, 50, QueryFilter{})
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEmpty(t, r.Chunk.ParentID, "matched chunk %s should be a child", r.Chunk.ID)
	}
}
