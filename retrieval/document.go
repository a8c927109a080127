package retrieval

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Scope is the isolation boundary for indexed content. ThreadID may be empty
// for user-wide collections; UserID is always required.
type Scope struct {
	UserID   string `json:"user_id"`
	ThreadID string `json:"thread_id,omitempty"`
}

// Validate reports whether the scope is usable for indexing or querying.
func (s Scope) Validate() error {
	if strings.TrimSpace(s.UserID) == "" {
		return fmt.Errorf("%w: user_id is required", ErrScopeViolation)
	}
	return nil
}

// Key returns a stable string form used for cache keys and store filters.
func (s Scope) Key() string {
	if s.ThreadID == "" {
		return s.UserID
	}
	return s.UserID + "/" + s.ThreadID
}

// Document is a source file's extracted identity. Content is the full
// extracted text; ContentHash makes re-indexing idempotent.
type Document struct {
	ID          string            `json:"id"`
	Scope       Scope             `json:"scope"`
	Filename    string            `json:"filename"`
	Content     string            `json:"content"`
	ContentHash string            `json:"content_hash"`
	ChunkCount  int               `json:"chunk_count"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Chunk is a retrievable unit of document text with its embedding.
// ParentID is set only for child chunks produced by hierarchical chunking,
// and always refers to a chunk of the same document.
type Chunk struct {
	ID         string            `json:"id"`
	DocumentID string            `json:"document_id"`
	Scope      Scope             `json:"scope"`
	Text       string            `json:"text"`
	Ordinal    int               `json:"ordinal"` // position within the document, tie-break key
	ParentID   string            `json:"parent_id,omitempty"`
	Embedding  []float64         `json:"embedding,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// ScoredChunk pairs a chunk with its retrieval similarity score.
type ScoredChunk struct {
	Chunk Chunk   `json:"chunk"`
	Score float64 `json:"score"`
}

// HashText returns the hex SHA-256 of the text. Used for document identity
// and as the embedding cache key.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
