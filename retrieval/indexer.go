package retrieval

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/evidenceflow/evidenceflow/internal/metrics"
	"github.com/evidenceflow/evidenceflow/internal/retry"
	"github.com/evidenceflow/evidenceflow/providers"
)

// IndexResult reports what indexing a document did.
type IndexResult struct {
	DocumentID string `json:"document_id"`
	ChunkCount int    `json:"chunk_count"`
	// Skipped is true when the content hash was already indexed in the
	// scope and nothing was recomputed.
	Skipped bool `json:"skipped"`
	// Replaced is true when an older version of the same file was removed
	// before indexing the new content.
	Replaced bool `json:"replaced"`
}

// Indexer ingests documents: chunk, embed through the cache, upsert into the
// vector store, and record in the registry. Indexing is idempotent on
// (scope, content hash); unchanged content is a no-op.
type Indexer struct {
	chunker  *Chunker
	embedder providers.Embedder
	cache    EmbeddingCache
	store    VectorStore
	registry DocumentRegistry
	retryer  retry.Retryer
	metrics  *metrics.Metrics
	logger   *zap.Logger

	batchSize int
}

// IndexerOption customizes an Indexer.
type IndexerOption func(*Indexer)

// WithEmbedBatchSize sets how many chunk texts go into one embedding request.
func WithEmbedBatchSize(n int) IndexerOption {
	return func(ix *Indexer) {
		if n > 0 {
			ix.batchSize = n
		}
	}
}

// WithIndexerMetrics attaches Prometheus instruments.
func WithIndexerMetrics(m *metrics.Metrics) IndexerOption {
	return func(ix *Indexer) { ix.metrics = m }
}

// NewIndexer creates an indexer. Cache may be nil (every embedding is
// computed live); registry may be nil (idempotency checks are skipped).
func NewIndexer(chunker *Chunker, embedder providers.Embedder, cache EmbeddingCache, store VectorStore, registry DocumentRegistry, logger *zap.Logger, opts ...IndexerOption) *Indexer {
	if logger == nil {
		logger = zap.NewNop()
	}
	ix := &Indexer{
		chunker:   chunker,
		embedder:  embedder,
		cache:     cache,
		store:     store,
		registry:  registry,
		retryer:   retry.NewBackoffRetryer(retry.SingleRetryPolicy(), logger),
		logger:    logger.With(zap.String("component", "indexer")),
		batchSize: 32,
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

var documentNamespace = uuid.MustParse("a4b8e6d2-91c3-4f07-8e5a-6d1f2b9c0e47")

// DocumentID derives a stable document ID from the scope and filename, so
// re-uploading the same file replaces rather than duplicates it.
func DocumentID(scope Scope, filename string) string {
	return uuid.NewSHA1(documentNamespace, []byte(scope.Key()+"|"+filename)).String()
}

// IndexDocument ingests one document into the scope.
//
// Behavior:
//   - Same content hash already recorded in the scope: no-op, the recorded
//     chunk count is returned with Skipped set.
//   - Same filename with different content: the old chunks are deleted, then
//     the new content is indexed (Replaced is set).
//   - New document: chunked, embedded, upserted, recorded.
func (ix *Indexer) IndexDocument(ctx context.Context, scope Scope, filename, content string, md map[string]string) (IndexResult, error) {
	if err := scope.Validate(); err != nil {
		return IndexResult{}, err
	}
	if filename == "" {
		return IndexResult{}, fmt.Errorf("filename is required")
	}

	docID := DocumentID(scope, filename)
	hash := HashText(content)

	if ix.registry != nil {
		rec, err := ix.registry.Lookup(ctx, scope, hash)
		if err != nil {
			return IndexResult{}, fmt.Errorf("registry lookup: %w", err)
		}
		if rec != nil && rec.ID == docID {
			ix.logger.Debug("document unchanged, skipping",
				zap.String("document_id", docID),
				zap.String("scope", scope.Key()))
			ix.countDocument("skipped")
			return IndexResult{DocumentID: docID, ChunkCount: rec.ChunkCount, Skipped: true}, nil
		}
	}

	doc := Document{
		ID:          docID,
		Scope:       scope,
		Filename:    filename,
		Content:     content,
		ContentHash: hash,
		Metadata:    md,
	}

	// An existing record with this ID but a different hash means the file
	// changed: its stale chunks are deleted before the new ones go in.
	replaced := false
	if ix.registry != nil {
		recs, err := ix.registry.List(ctx, scope)
		if err != nil {
			return IndexResult{}, fmt.Errorf("registry list: %w", err)
		}
		for _, r := range recs {
			if r.ID == docID {
				replaced = true
				break
			}
		}
	}

	chunks := ix.chunker.ChunkDocument(doc)
	if len(chunks) == 0 {
		ix.countDocument("empty")
		return IndexResult{DocumentID: docID}, nil
	}

	if err := ix.embedChunks(ctx, chunks); err != nil {
		ix.countDocument("failed")
		return IndexResult{}, fmt.Errorf("embed chunks: %w", err)
	}

	// Deleting before upsert keeps a shrunk document from leaving orphans.
	if err := ix.store.DeleteDocument(ctx, scope, docID); err != nil {
		ix.countDocument("failed")
		return IndexResult{}, fmt.Errorf("delete stale chunks: %w", err)
	}

	if err := ix.store.Upsert(ctx, scope, chunks); err != nil {
		ix.countDocument("failed")
		return IndexResult{}, fmt.Errorf("upsert chunks: %w", err)
	}

	if ix.registry != nil {
		rec := &DocumentRecord{
			ID:          docID,
			UserID:      scope.UserID,
			ThreadID:    scope.ThreadID,
			Filename:    filename,
			ContentHash: hash,
			ChunkCount:  len(chunks),
			Strategy:    string(ix.chunker.config.Strategy),
		}
		if err := ix.registry.Save(ctx, rec); err != nil {
			return IndexResult{}, fmt.Errorf("record document: %w", err)
		}
	}

	ix.logger.Info("document indexed",
		zap.String("document_id", docID),
		zap.String("scope", scope.Key()),
		zap.String("filename", filename),
		zap.Int("chunks", len(chunks)),
		zap.Bool("replaced", replaced))
	ix.countDocument("indexed")
	if ix.metrics != nil {
		ix.metrics.ChunksIndexed.Add(float64(len(chunks)))
	}
	return IndexResult{DocumentID: docID, ChunkCount: len(chunks), Replaced: replaced}, nil
}

// embedChunks fills Embedding on every leaf chunk, consulting the cache
// first and batching the misses. Hierarchical parents stay unembedded.
func (ix *Indexer) embedChunks(ctx context.Context, chunks []Chunk) error {
	type pending struct {
		idx  int
		hash string
	}

	var misses []pending
	var texts []string

	for i := range chunks {
		if isParent(chunks, i) {
			continue
		}
		hash := HashText(chunks[i].Text)
		if ix.cache != nil {
			if vec, ok := ix.cache.Get(ctx, NamespaceChunk, hash); ok {
				chunks[i].Embedding = vec
				ix.countCache(NamespaceChunk, "hit")
				continue
			}
			ix.countCache(NamespaceChunk, "miss")
		}
		misses = append(misses, pending{idx: i, hash: hash})
		texts = append(texts, chunks[i].Text)
	}

	for start := 0; start < len(texts); start += ix.batchSize {
		end := start + ix.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[start:end]

		var vectors [][]float64
		err := ix.retryer.Do(ctx, func() error {
			var eerr error
			vectors, eerr = ix.embedder.EmbedBatch(ctx, batch)
			return eerr
		})
		if err != nil {
			return err
		}
		if len(vectors) != len(batch) {
			return fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(batch))
		}

		for j, vec := range vectors {
			p := misses[start+j]
			chunks[p.idx].Embedding = vec
			if ix.cache != nil {
				ix.cache.Put(ctx, NamespaceChunk, p.hash, vec)
			}
		}
	}
	return nil
}

// isParent reports whether chunk i is a hierarchical parent, i.e. some other
// chunk names it as ParentID.
func isParent(chunks []Chunk, i int) bool {
	id := chunks[i].ID
	for j := range chunks {
		if chunks[j].ParentID == id {
			return true
		}
	}
	return false
}

// DeleteDocument removes one document's chunks and registry record.
func (ix *Indexer) DeleteDocument(ctx context.Context, scope Scope, documentID string) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	if err := ix.store.DeleteDocument(ctx, scope, documentID); err != nil {
		return fmt.Errorf("delete document chunks: %w", err)
	}
	if ix.registry != nil {
		if err := ix.registry.DeleteDocument(ctx, scope, documentID); err != nil {
			return fmt.Errorf("delete document record: %w", err)
		}
	}
	return nil
}

// DeleteScope removes everything indexed under the scope, synchronously.
// When it returns, no chunk of the scope is queryable.
func (ix *Indexer) DeleteScope(ctx context.Context, scope Scope) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	if err := ix.store.DeleteScope(ctx, scope); err != nil {
		return fmt.Errorf("delete scope chunks: %w", err)
	}
	if ix.registry != nil {
		if _, err := ix.registry.DeleteScope(ctx, scope); err != nil {
			return fmt.Errorf("delete scope records: %w", err)
		}
	}
	return nil
}

func (ix *Indexer) countDocument(outcome string) {
	if ix.metrics != nil {
		ix.metrics.DocumentsIndexed.WithLabelValues(outcome).Inc()
	}
}

func (ix *Indexer) countCache(ns CacheNamespace, result string) {
	if ix.metrics != nil {
		ix.metrics.CacheOps.WithLabelValues(string(ns), result).Inc()
	}
}
