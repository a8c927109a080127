package retrieval

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/evidenceflow/evidenceflow/providers"
)

// QueryFilter narrows a vector query beyond the scope boundary.
type QueryFilter struct {
	// DocumentIDs restricts results to the given documents when non-empty.
	DocumentIDs []string
}

// VectorStore stores chunk vectors and answers scoped similarity queries.
// Every operation is bounded by a scope; implementations must never return
// a chunk from another scope. Upsert and Delete are atomic per document.
type VectorStore interface {
	// Upsert inserts or replaces chunks. All chunks must belong to scope.
	Upsert(ctx context.Context, scope Scope, chunks []Chunk) error

	// Query returns up to topK chunks ordered by descending similarity.
	// Ties break by chunk ordinal ascending. Chunks without embeddings
	// (hierarchical parents) are never matched directly.
	Query(ctx context.Context, scope Scope, vector []float64, topK int, filter QueryFilter) ([]ScoredChunk, error)

	// GetChunk fetches one chunk by ID within the scope. Used for parent
	// expansion.
	GetChunk(ctx context.Context, scope Scope, chunkID string) (Chunk, bool, error)

	// DeleteDocument removes all chunks of one document in the scope.
	DeleteDocument(ctx context.Context, scope Scope, documentID string) error

	// DeleteScope removes every chunk in the scope. Synchronous: no chunk of
	// the scope is visible after it returns.
	DeleteScope(ctx context.Context, scope Scope) error

	// Count returns the number of stored chunks in the scope.
	Count(ctx context.Context, scope Scope) (int, error)
}

// MemoryVectorStore is an in-process VectorStore for tests and small
// deployments. Cosine similarity, exact scan.
type MemoryVectorStore struct {
	mu     sync.RWMutex
	scopes map[string]map[string]Chunk // scope key -> chunk ID -> chunk
	logger *zap.Logger
}

// NewMemoryVectorStore creates an empty in-memory store.
func NewMemoryVectorStore(logger *zap.Logger) *MemoryVectorStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryVectorStore{
		scopes: make(map[string]map[string]Chunk),
		logger: logger.With(zap.String("component", "memory_vector_store")),
	}
}

// Upsert inserts or replaces chunks under the scope.
func (s *MemoryVectorStore) Upsert(ctx context.Context, scope Scope, chunks []Chunk) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	for _, c := range chunks {
		if c.Scope.Key() != scope.Key() {
			return fmt.Errorf("%w: chunk %s belongs to scope %q, not %q", ErrScopeViolation, c.ID, c.Scope.Key(), scope.Key())
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.scopes[scope.Key()]
	if !ok {
		bucket = make(map[string]Chunk)
		s.scopes[scope.Key()] = bucket
	}
	for _, c := range chunks {
		bucket[c.ID] = c
	}

	s.logger.Debug("chunks upserted",
		zap.String("scope", scope.Key()),
		zap.Int("count", len(chunks)),
		zap.Int("total", len(bucket)))
	return nil
}

// Query scans the scope and returns the topK most similar embedded chunks.
func (s *MemoryVectorStore) Query(ctx context.Context, scope Scope, vector []float64, topK int, filter QueryFilter) ([]ScoredChunk, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return []ScoredChunk{}, nil
	}

	var docFilter map[string]bool
	if len(filter.DocumentIDs) > 0 {
		docFilter = make(map[string]bool, len(filter.DocumentIDs))
		for _, id := range filter.DocumentIDs {
			docFilter[id] = true
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	bucket := s.scopes[scope.Key()]
	results := make([]ScoredChunk, 0, len(bucket))
	for _, c := range bucket {
		if len(c.Embedding) == 0 {
			continue
		}
		if docFilter != nil && !docFilter[c.DocumentID] {
			continue
		}
		results = append(results, ScoredChunk{
			Chunk: c,
			Score: providers.Cosine(vector, c.Embedding),
		})
	}

	sortScoredChunks(results)
	if topK < len(results) {
		results = results[:topK]
	}
	return results, nil
}

// GetChunk fetches one chunk by ID.
func (s *MemoryVectorStore) GetChunk(ctx context.Context, scope Scope, chunkID string) (Chunk, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.scopes[scope.Key()][chunkID]
	return c, ok, nil
}

// DeleteDocument removes all chunks of the document.
func (s *MemoryVectorStore) DeleteDocument(ctx context.Context, scope Scope, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := s.scopes[scope.Key()]
	for id, c := range bucket {
		if c.DocumentID == documentID {
			delete(bucket, id)
		}
	}
	return nil
}

// DeleteScope removes the entire scope.
func (s *MemoryVectorStore) DeleteScope(ctx context.Context, scope Scope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.scopes, scope.Key())
	s.logger.Debug("scope deleted", zap.String("scope", scope.Key()))
	return nil
}

// Count returns the number of chunks in the scope.
func (s *MemoryVectorStore) Count(ctx context.Context, scope Scope) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.scopes[scope.Key()]), nil
}

// sortScoredChunks orders by descending score with deterministic ties:
// ordinal ascending, then document ID.
func sortScoredChunks(results []ScoredChunk) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].Chunk.Ordinal != results[j].Chunk.Ordinal {
			return results[i].Chunk.Ordinal < results[j].Chunk.Ordinal
		}
		return results[i].Chunk.DocumentID < results[j].Chunk.DocumentID
	})
}
