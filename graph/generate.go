package graph

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/evidenceflow/evidenceflow/providers"
)

// Prompt templates, selected on (has summary, has evidence context). The
// wording shifts so the model neither invents evidence it was not given nor
// ignores evidence it was.
const (
	promptBare = `You are a helpful assistant. Answer the user's question directly from your own knowledge.`

	promptSummaryOnly = `You are a helpful assistant. A summary of the earlier conversation is provided.
Use it to stay consistent with what was already discussed, and answer from your own knowledge.`

	promptContextOnly = `You are a helpful assistant. Evidence gathered for this question is provided.
Ground your answer in the evidence. When the evidence does not cover part of the question, say so rather than guessing.`

	promptSummaryAndContext = `You are a helpful assistant. A summary of the earlier conversation and evidence gathered for this question are provided.
Stay consistent with the conversation and ground your answer in the evidence. When the evidence does not cover part of the question, say so rather than guessing.`
)

// GeneratorConfig tunes response generation.
type GeneratorConfig struct {
	Temperature float64 `json:"temperature" yaml:"temperature"`
	MaxTokens   int     `json:"max_tokens" yaml:"max_tokens"`
}

// DefaultGeneratorConfig returns production defaults.
func DefaultGeneratorConfig() GeneratorConfig {
	return GeneratorConfig{Temperature: 0.7, MaxTokens: 2048}
}

// Generator produces the final response with the capable model variant.
// Exactly one generation happens per turn; a failure here is fatal for the
// turn.
type Generator struct {
	config  GeneratorConfig
	capable providers.TextGenerator
	logger  *zap.Logger
}

// NewGenerator creates a generator.
func NewGenerator(config GeneratorConfig, capable providers.TextGenerator, logger *zap.Logger) *Generator {
	if config.MaxTokens <= 0 {
		config.MaxTokens = DefaultGeneratorConfig().MaxTokens
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{
		config:  config,
		capable: capable,
		logger:  logger.With(zap.String("component", "generator")),
	}
}

// selectSystemPrompt picks the template for the turn's available context.
func selectSystemPrompt(hasSummary, hasContext bool) string {
	switch {
	case hasSummary && hasContext:
		return promptSummaryAndContext
	case hasContext:
		return promptContextOnly
	case hasSummary:
		return promptSummaryOnly
	default:
		return promptBare
	}
}

func buildUserPrompt(state TurnState) string {
	var sb strings.Builder
	if state.FinalContext != "" {
		sb.WriteString(state.FinalContext)
		sb.WriteString("\n\n")
	}
	fmt.Fprintf(&sb, "Question: %s", state.UserQuery)
	return sb.String()
}

// Generate produces the whole response. Errors wrap ErrGenerationFailure.
func (g *Generator) Generate(ctx context.Context, state TurnState) (string, error) {
	system := selectSystemPrompt(state.ConversationSummary != "", state.HasEvidence)

	response, err := g.capable.Generate(ctx, providers.GenerateRequest{
		System:      system,
		Prompt:      buildUserPrompt(state),
		Temperature: g.config.Temperature,
		MaxTokens:   g.config.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGenerationFailure, err)
	}
	return response, nil
}

// GenerateStream produces the response as incremental fragments. The
// returned error channel reports at most one error; it wraps
// ErrGenerationFailure.
func (g *Generator) GenerateStream(ctx context.Context, state TurnState) (<-chan string, <-chan error) {
	system := selectSystemPrompt(state.ConversationSummary != "", state.HasEvidence)

	fragments, rawErrs := g.capable.GenerateStream(ctx, providers.GenerateRequest{
		System:      system,
		Prompt:      buildUserPrompt(state),
		Temperature: g.config.Temperature,
		MaxTokens:   g.config.MaxTokens,
	})

	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		if err, ok := <-rawErrs; ok && err != nil {
			errs <- fmt.Errorf("%w: %v", ErrGenerationFailure, err)
		}
	}()
	return fragments, errs
}
