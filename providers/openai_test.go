package providers

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

func TestEmbedBatchRestoresInputOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))

		var req struct {
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Input, 3)

		// Reply out of order; the client must reorder by index.
		fmt.Fprint(w, `{"data":[
			{"index":2,"embedding":[0.3]},
			{"index":0,"embedding":[0.1]},
			{"index":1,"embedding":[0.2]}
		]}`)
	}))
	defer srv.Close()

	e := NewOpenAIEmbedder(OpenAIConfig{BaseURL: srv.URL, APIKey: "key", Model: "emb"}, nil)

	vecs, err := e.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Equal(t, []float64{0.1}, vecs[0])
	assert.Equal(t, []float64{0.2}, vecs[1])
	assert.Equal(t, []float64{0.3}, vecs[2])
}

func TestEmbedBatchSizeMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[{"index":0,"embedding":[0.1]}]}`)
	}))
	defer srv.Close()

	e := NewOpenAIEmbedder(OpenAIConfig{BaseURL: srv.URL}, nil)

	_, err := e.EmbedBatch(context.Background(), []string{"a", "b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "size mismatch")
}

func TestEmbedBatchEmptyInput(t *testing.T) {
	e := NewOpenAIEmbedder(OpenAIConfig{BaseURL: "http://unused"}, nil)
	vecs, err := e.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vecs)
}

func TestEmbedBatchErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	e := NewOpenAIEmbedder(OpenAIConfig{BaseURL: srv.URL}, nil)

	_, err := e.EmbedText(context.Background(), "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.True(t, errors.Is(err, ErrProviderUnavailable))
}

func TestGenerateSendsSystemAndUserMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)

		var req struct {
			Model       string              `json:"model"`
			Messages    []map[string]string `json:"messages"`
			Temperature float64             `json:"temperature"`
			MaxTokens   int                 `json:"max_tokens"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-test", req.Model)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0]["role"])
		assert.Equal(t, "be brief", req.Messages[0]["content"])
		assert.Equal(t, "user", req.Messages[1]["role"])
		assert.InDelta(t, 0.7, req.Temperature, 1e-9)
		assert.Equal(t, 128, req.MaxTokens)

		fmt.Fprint(w, `{"choices":[{"message":{"content":"hello"}}]}`)
	}))
	defer srv.Close()

	g := NewOpenAIGenerator(OpenAIConfig{BaseURL: srv.URL, Model: "gpt-test"}, nil)

	out, err := g.Generate(context.Background(), GenerateRequest{
		System:      "be brief",
		Prompt:      "hi",
		Temperature: 0.7,
		MaxTokens:   128,
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
}

func TestGenerateNoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[]}`)
	}))
	defer srv.Close()

	g := NewOpenAIGenerator(OpenAIConfig{BaseURL: srv.URL}, nil)

	_, err := g.Generate(context.Background(), GenerateRequest{Prompt: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no choices")
}

func TestGenerateStreamParsesSSE(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Stream bool `json:"stream"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		fmt.Fprint(w, ": keepalive comment\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	g := NewOpenAIGenerator(OpenAIConfig{BaseURL: srv.URL, Model: "gpt-test"}, nil)

	chunks, errs := g.GenerateStream(context.Background(), GenerateRequest{Prompt: "hi"})
	var full string
	for c := range chunks {
		full += c
	}
	require.NoError(t, <-errs)
	assert.Equal(t, "Hello", full)
}

func TestGenerateStreamErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	g := NewOpenAIGenerator(OpenAIConfig{BaseURL: srv.URL}, nil)

	chunks, errs := g.GenerateStream(context.Background(), GenerateRequest{Prompt: "hi"})
	for range chunks {
	}
	err := <-errs
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.True(t, errors.Is(err, ErrProviderUnavailable))
}

func TestConfigDefaults(t *testing.T) {
	cfg := OpenAIConfig{BaseURL: "http://example.com/v1/"}
	cfg.applyDefaults()
	assert.Equal(t, "http://example.com/v1", cfg.BaseURL)
	assert.NotZero(t, cfg.Timeout)

	var empty OpenAIConfig
	empty.applyDefaults()
	assert.Equal(t, "https://api.openai.com/v1", empty.BaseURL)
}
