package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// QdrantConfig configures the Qdrant-backed VectorStore.
//
// Notes:
//   - Qdrant point IDs are UUIDs; a stable UUID is derived from the chunk ID.
//   - Chunk text and metadata live in the point payload; scope, document and
//     ordering fields are indexed for filtering.
type QdrantConfig struct {
	Host       string        `json:"host" yaml:"host"`
	Port       int           `json:"port" yaml:"port"`
	BaseURL    string        `json:"base_url,omitempty" yaml:"base_url"`
	APIKey     string        `json:"api_key,omitempty" yaml:"api_key"`
	Collection string        `json:"collection" yaml:"collection"`
	Timeout    time.Duration `json:"timeout,omitempty" yaml:"timeout"`

	AutoCreateCollection bool   `json:"auto_create_collection,omitempty" yaml:"auto_create_collection"`
	Distance             string `json:"distance,omitempty" yaml:"distance"` // Cosine (default), Dot, Euclid
	VectorSize           int    `json:"vector_size,omitempty" yaml:"vector_size"`
}

// QdrantStore implements VectorStore over Qdrant's REST API.
type QdrantStore struct {
	cfg QdrantConfig

	baseURL string
	client  *http.Client
	logger  *zap.Logger

	ensureOnce sync.Once
	ensureErr  error
}

// NewQdrantStore creates a Qdrant-backed VectorStore.
func NewQdrantStore(cfg QdrantConfig, logger *zap.Logger) *QdrantStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6333
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Distance == "" {
		cfg.Distance = "Cosine"
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port)
	}

	return &QdrantStore{
		cfg:     cfg,
		baseURL: baseURL,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger.With(zap.String("component", "qdrant_store")),
	}
}

var qdrantNamespace = uuid.MustParse("7c2f1b9e-3a54-4d28-9b6f-2e8a41c0d5f3")

func qdrantPointID(chunkID string) string {
	return uuid.NewSHA1(qdrantNamespace, []byte(chunkID)).String()
}

func (s *QdrantStore) ensureCollection(ctx context.Context, vectorSize int) error {
	if !s.cfg.AutoCreateCollection {
		return nil
	}
	if strings.TrimSpace(s.cfg.Collection) == "" {
		return fmt.Errorf("qdrant collection is required")
	}
	if vectorSize <= 0 {
		return fmt.Errorf("qdrant vector size must be > 0")
	}

	s.ensureOnce.Do(func() {
		body := map[string]any{
			"vectors": map[string]any{
				"size":     vectorSize,
				"distance": s.cfg.Distance,
			},
		}
		err := s.doJSON(ctx, http.MethodPut, "/collections/"+url(s.cfg.Collection), body, nil)
		if err != nil && strings.Contains(err.Error(), "already exists") {
			err = nil
		}
		if err == nil {
			// Keyword indexes keep scope/document filters fast.
			for _, field := range []string{"scope", "document_id", "parent_id"} {
				idx := map[string]any{"field_name": field, "field_schema": "keyword"}
				if ierr := s.doJSON(ctx, http.MethodPut, "/collections/"+url(s.cfg.Collection)+"/index", idx, nil); ierr != nil && !strings.Contains(ierr.Error(), "already exists") {
					s.logger.Warn("payload index creation failed", zap.String("field", field), zap.Error(ierr))
				}
			}
		}
		s.ensureErr = err
	})
	return s.ensureErr
}

func url(segment string) string {
	return strings.ReplaceAll(segment, "/", "%2F")
}

func (s *QdrantStore) doJSON(ctx context.Context, method, path string, in any, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("api-key", s.cfg.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("qdrant %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func scopeFilter(scope Scope, extra ...map[string]any) map[string]any {
	must := []map[string]any{
		{"key": "scope", "match": map[string]any{"value": scope.Key()}},
	}
	must = append(must, extra...)
	return map[string]any{"must": must}
}

func chunkPayload(c Chunk) map[string]any {
	payload := map[string]any{
		"scope":       c.Scope.Key(),
		"user_id":     c.Scope.UserID,
		"thread_id":   c.Scope.ThreadID,
		"document_id": c.DocumentID,
		"chunk_id":    c.ID,
		"ordinal":     c.Ordinal,
		"text":        c.Text,
		"searchable":  len(c.Embedding) > 0,
	}
	if c.ParentID != "" {
		payload["parent_id"] = c.ParentID
	}
	if len(c.Metadata) > 0 {
		payload["metadata"] = c.Metadata
	}
	return payload
}

func chunkFromPayload(payload map[string]any) Chunk {
	str := func(key string) string {
		v, _ := payload[key].(string)
		return v
	}
	c := Chunk{
		ID:         str("chunk_id"),
		DocumentID: str("document_id"),
		Scope:      Scope{UserID: str("user_id"), ThreadID: str("thread_id")},
		Text:       str("text"),
		ParentID:   str("parent_id"),
	}
	if ord, ok := payload["ordinal"].(float64); ok {
		c.Ordinal = int(ord)
	}
	if md, ok := payload["metadata"].(map[string]any); ok {
		c.Metadata = make(map[string]string, len(md))
		for k, v := range md {
			if sv, ok := v.(string); ok {
				c.Metadata[k] = sv
			}
		}
	}
	return c
}

// Upsert writes chunks as Qdrant points. Hierarchical parents carry no
// embedding; they get a zero vector and are excluded from search by the
// searchable payload flag.
func (s *QdrantStore) Upsert(ctx context.Context, scope Scope, chunks []Chunk) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	if len(chunks) == 0 {
		return nil
	}

	vectorSize := s.cfg.VectorSize
	for _, c := range chunks {
		if len(c.Embedding) > 0 {
			vectorSize = len(c.Embedding)
			break
		}
	}
	if err := s.ensureCollection(ctx, vectorSize); err != nil {
		return fmt.Errorf("ensure collection: %w", err)
	}

	points := make([]map[string]any, 0, len(chunks))
	for _, c := range chunks {
		if c.Scope.Key() != scope.Key() {
			return fmt.Errorf("%w: chunk %s belongs to scope %q, not %q", ErrScopeViolation, c.ID, c.Scope.Key(), scope.Key())
		}
		vector := c.Embedding
		if len(vector) == 0 {
			vector = make([]float64, vectorSize)
		}
		points = append(points, map[string]any{
			"id":      qdrantPointID(c.ID),
			"vector":  vector,
			"payload": chunkPayload(c),
		})
	}

	body := map[string]any{"points": points}
	path := "/collections/" + url(s.cfg.Collection) + "/points?wait=true"
	if err := s.doJSON(ctx, http.MethodPut, path, body, nil); err != nil {
		return fmt.Errorf("upsert points: %w", err)
	}

	s.logger.Debug("chunks upserted",
		zap.String("scope", scope.Key()),
		zap.Int("count", len(points)))
	return nil
}

// Query searches the scope, excluding non-searchable parent points, and
// re-sorts client-side so tie-breaking matches the store contract exactly.
func (s *QdrantStore) Query(ctx context.Context, scope Scope, vector []float64, topK int, filter QueryFilter) ([]ScoredChunk, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return []ScoredChunk{}, nil
	}

	extra := []map[string]any{
		{"key": "searchable", "match": map[string]any{"value": true}},
	}
	if len(filter.DocumentIDs) > 0 {
		extra = append(extra, map[string]any{
			"key": "document_id", "match": map[string]any{"any": filter.DocumentIDs},
		})
	}

	body := map[string]any{
		"vector":       vector,
		"limit":        topK,
		"filter":       scopeFilter(scope, extra...),
		"with_payload": true,
	}

	var out struct {
		Result []struct {
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	path := "/collections/" + url(s.cfg.Collection) + "/points/search"
	if err := s.doJSON(ctx, http.MethodPost, path, body, &out); err != nil {
		return nil, fmt.Errorf("search points: %w", err)
	}

	results := make([]ScoredChunk, 0, len(out.Result))
	for _, r := range out.Result {
		c := chunkFromPayload(r.Payload)
		// Belt and braces: drop anything the filter should have excluded.
		if c.Scope.Key() != scope.Key() {
			s.logger.Error("qdrant returned out-of-scope point, dropping",
				zap.String("want", scope.Key()),
				zap.String("got", c.Scope.Key()))
			continue
		}
		results = append(results, ScoredChunk{Chunk: c, Score: r.Score})
	}
	sortScoredChunks(results)
	return results, nil
}

// GetChunk fetches one chunk by ID within the scope.
func (s *QdrantStore) GetChunk(ctx context.Context, scope Scope, chunkID string) (Chunk, bool, error) {
	body := map[string]any{
		"ids":          []string{qdrantPointID(chunkID)},
		"with_payload": true,
	}
	var out struct {
		Result []struct {
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	path := "/collections/" + url(s.cfg.Collection) + "/points"
	if err := s.doJSON(ctx, http.MethodPost, path, body, &out); err != nil {
		return Chunk{}, false, fmt.Errorf("get point: %w", err)
	}
	if len(out.Result) == 0 {
		return Chunk{}, false, nil
	}
	c := chunkFromPayload(out.Result[0].Payload)
	if c.Scope.Key() != scope.Key() {
		return Chunk{}, false, nil
	}
	return c, true, nil
}

func (s *QdrantStore) deleteByFilter(ctx context.Context, filter map[string]any) error {
	body := map[string]any{"filter": filter}
	path := "/collections/" + url(s.cfg.Collection) + "/points/delete?wait=true"
	return s.doJSON(ctx, http.MethodPost, path, body, nil)
}

// DeleteDocument removes all points of one document in the scope.
func (s *QdrantStore) DeleteDocument(ctx context.Context, scope Scope, documentID string) error {
	filter := scopeFilter(scope, map[string]any{
		"key": "document_id", "match": map[string]any{"value": documentID},
	})
	if err := s.deleteByFilter(ctx, filter); err != nil {
		return fmt.Errorf("delete document points: %w", err)
	}
	return nil
}

// DeleteScope removes every point in the scope. The wait=true flag makes the
// deletion synchronous: no dangling vectors after return.
func (s *QdrantStore) DeleteScope(ctx context.Context, scope Scope) error {
	if err := s.deleteByFilter(ctx, scopeFilter(scope)); err != nil {
		return fmt.Errorf("delete scope points: %w", err)
	}
	s.logger.Info("scope deleted", zap.String("scope", scope.Key()))
	return nil
}

// Count returns the number of points in the scope.
func (s *QdrantStore) Count(ctx context.Context, scope Scope) (int, error) {
	body := map[string]any{
		"filter": scopeFilter(scope),
		"exact":  true,
	}
	var out struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	path := "/collections/" + url(s.cfg.Collection) + "/points/count"
	if err := s.doJSON(ctx, http.MethodPost, path, body, &out); err != nil {
		return 0, fmt.Errorf("count points: %w", err)
	}
	return out.Result.Count, nil
}
