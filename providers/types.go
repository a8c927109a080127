package providers

import (
	"context"
	"time"
)

// Embedder produces vector representations of text.
type Embedder interface {
	// EmbedText embeds a single text.
	EmbedText(ctx context.Context, text string) ([]float64, error)

	// EmbedBatch embeds multiple texts in one call, preserving input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float64, error)

	// Name returns the provider name.
	Name() string

	// Dimensions returns the embedding dimensionality.
	Dimensions() int
}

// GenerateRequest describes a text generation call.
type GenerateRequest struct {
	// System is the system prompt.
	System string
	// Prompt is the user-facing prompt, including any gathered context.
	Prompt string
	// Temperature controls sampling randomness.
	Temperature float64
	// MaxTokens bounds the response length (0 = provider default).
	MaxTokens int
}

// TextGenerator produces text completions.
type TextGenerator interface {
	// Generate returns a complete response for the request.
	Generate(ctx context.Context, req GenerateRequest) (string, error)

	// GenerateStream returns incremental response fragments. The channel is
	// closed when generation finishes; a trailing error, if any, is delivered
	// on the error channel.
	GenerateStream(ctx context.Context, req GenerateRequest) (<-chan string, <-chan error)

	// Name returns the provider name.
	Name() string
}

// GeneratorPair bundles the two generation variants the engine needs:
// a fast, cheap model for classification and decomposition and a capable
// model for final answer synthesis.
type GeneratorPair struct {
	Fast    TextGenerator
	Capable TextGenerator
}

// RelevanceScorer scores candidate texts against a query, cross-encoder
// style. Scores are normalized to [0,1].
type RelevanceScorer interface {
	// Score returns one relevance score per document, in input order.
	Score(ctx context.Context, query string, documents []string) ([]float64, error)

	// Name returns the scorer name.
	Name() string
}

// HealthStatus reports the outcome of a provider health probe.
type HealthStatus struct {
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
	Message string        `json:"message,omitempty"`
}
