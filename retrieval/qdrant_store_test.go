package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type qdrantCapture struct {
	method string
	path   string
	body   map[string]any
}

func newCaptureServer(t *testing.T, captured *[]qdrantCapture, respond func(path string) string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if r.Body != nil {
			json.NewDecoder(r.Body).Decode(&body)
		}
		*captured = append(*captured, qdrantCapture{method: r.Method, path: r.URL.Path, body: body})

		resp := `{"result":{},"status":"ok"}`
		if respond != nil {
			if custom := respond(r.URL.Path); custom != "" {
				resp = custom
			}
		}
		fmt.Fprint(w, resp)
	}))
}

func newQdrantUnderTest(baseURL string) *QdrantStore {
	return NewQdrantStore(QdrantConfig{
		BaseURL:    baseURL,
		Collection: "chunks",
	}, nil)
}

func TestQdrantUpsertSendsPointsWithPayload(t *testing.T) {
	var captured []qdrantCapture
	srv := newCaptureServer(t, &captured, nil)
	defer srv.Close()

	store := newQdrantUnderTest(srv.URL)
	scope := Scope{UserID: "u1", ThreadID: "t1"}

	chunks := []Chunk{
		{ID: "c1", DocumentID: "d1", Scope: scope, Text: "child text", Ordinal: 0, ParentID: "p1", Embedding: []float64{0.1, 0.2}},
		{ID: "p1", DocumentID: "d1", Scope: scope, Text: "parent text", Ordinal: 1},
	}
	require.NoError(t, store.Upsert(context.Background(), scope, chunks))

	require.Len(t, captured, 1)
	req := captured[0]
	assert.Equal(t, http.MethodPut, req.method)
	assert.Equal(t, "/collections/chunks/points", req.path)

	points := req.body["points"].([]any)
	require.Len(t, points, 2)

	child := points[0].(map[string]any)
	childPayload := child["payload"].(map[string]any)
	assert.Equal(t, "u1/t1", childPayload["scope"])
	assert.Equal(t, "d1", childPayload["document_id"])
	assert.Equal(t, "c1", childPayload["chunk_id"])
	assert.Equal(t, "p1", childPayload["parent_id"])
	assert.Equal(t, true, childPayload["searchable"])
	assert.Len(t, child["vector"].([]any), 2)

	// Parents carry no embedding: zero vector, excluded from search.
	parent := points[1].(map[string]any)
	parentPayload := parent["payload"].(map[string]any)
	assert.Equal(t, false, parentPayload["searchable"])
	parentVec := parent["vector"].([]any)
	require.Len(t, parentVec, 2)
	assert.Zero(t, parentVec[0].(float64))
}

func TestQdrantUpsertRejectsCrossScopeChunk(t *testing.T) {
	var captured []qdrantCapture
	srv := newCaptureServer(t, &captured, nil)
	defer srv.Close()

	store := newQdrantUnderTest(srv.URL)
	scope := Scope{UserID: "u1", ThreadID: "t1"}

	err := store.Upsert(context.Background(), scope, []Chunk{
		{ID: "c1", DocumentID: "d1", Scope: Scope{UserID: "other"}, Embedding: []float64{0.1}},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrScopeViolation))
	assert.Empty(t, captured, "nothing written when a chunk is out of scope")
}

func TestQdrantQueryFiltersScopeAndSearchable(t *testing.T) {
	var captured []qdrantCapture
	srv := newCaptureServer(t, &captured, func(path string) string {
		if path == "/collections/chunks/points/search" {
			return `{"result":[
				{"score":0.9,"payload":{"chunk_id":"c1","document_id":"d1","user_id":"u1","thread_id":"t1","ordinal":0,"text":"hit"}},
				{"score":0.8,"payload":{"chunk_id":"x1","document_id":"d9","user_id":"intruder","thread_id":"","ordinal":0,"text":"leak"}}
			]}`
		}
		return ""
	})
	defer srv.Close()

	store := newQdrantUnderTest(srv.URL)
	scope := Scope{UserID: "u1", ThreadID: "t1"}

	results, err := store.Query(context.Background(), scope, []float64{0.1, 0.2}, 5, QueryFilter{DocumentIDs: []string{"d1"}})
	require.NoError(t, err)

	// The out-of-scope point is dropped client-side.
	require.Len(t, results, 1)
	assert.Equal(t, "c1", results[0].Chunk.ID)
	assert.InDelta(t, 0.9, results[0].Score, 1e-9)

	require.Len(t, captured, 1)
	filter := captured[0].body["filter"].(map[string]any)
	must := filter["must"].([]any)
	require.Len(t, must, 3)

	keys := make([]string, 0, len(must))
	for _, m := range must {
		keys = append(keys, m.(map[string]any)["key"].(string))
	}
	assert.ElementsMatch(t, []string{"scope", "searchable", "document_id"}, keys)
}

func TestQdrantQueryZeroTopK(t *testing.T) {
	store := newQdrantUnderTest("http://unused")
	results, err := store.Query(context.Background(), Scope{UserID: "u1"}, []float64{0.1}, 0, QueryFilter{})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestQdrantGetChunkScopeMismatchIsMiss(t *testing.T) {
	var captured []qdrantCapture
	srv := newCaptureServer(t, &captured, func(path string) string {
		if path == "/collections/chunks/points" {
			return `{"result":[{"payload":{"chunk_id":"c1","user_id":"other","thread_id":"","text":"hidden"}}]}`
		}
		return ""
	})
	defer srv.Close()

	store := newQdrantUnderTest(srv.URL)

	_, found, err := store.GetChunk(context.Background(), Scope{UserID: "u1"}, "c1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestQdrantDeleteScopeUsesFilter(t *testing.T) {
	var captured []qdrantCapture
	srv := newCaptureServer(t, &captured, nil)
	defer srv.Close()

	store := newQdrantUnderTest(srv.URL)
	require.NoError(t, store.DeleteScope(context.Background(), Scope{UserID: "u1", ThreadID: "t1"}))

	require.Len(t, captured, 1)
	assert.Equal(t, "/collections/chunks/points/delete", captured[0].path)

	filter := captured[0].body["filter"].(map[string]any)
	must := filter["must"].([]any)
	require.Len(t, must, 1)
	match := must[0].(map[string]any)["match"].(map[string]any)
	assert.Equal(t, "u1/t1", match["value"])
}

func TestQdrantCount(t *testing.T) {
	var captured []qdrantCapture
	srv := newCaptureServer(t, &captured, func(path string) string {
		if path == "/collections/chunks/points/count" {
			return `{"result":{"count":42}}`
		}
		return ""
	})
	defer srv.Close()

	store := newQdrantUnderTest(srv.URL)
	count, err := store.Count(context.Background(), Scope{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, 42, count)
}

func TestQdrantErrorStatusSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"status":{"error":"not found"}}`, http.StatusNotFound)
	}))
	defer srv.Close()

	store := newQdrantUnderTest(srv.URL)
	_, err := store.Count(context.Background(), Scope{UserID: "u1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestQdrantPointIDIsStable(t *testing.T) {
	assert.Equal(t, qdrantPointID("chunk-1"), qdrantPointID("chunk-1"))
	assert.NotEqual(t, qdrantPointID("chunk-1"), qdrantPointID("chunk-2"))
}
