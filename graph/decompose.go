package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/evidenceflow/evidenceflow/providers"
)

const decomposeSystemPrompt = `You split a user question into independent sub-questions for evidence lookup.
Resolve pronouns and references using the conversation history.
Return ONLY a JSON array of strings. One entry per sub-question.
If the question is already atomic, return a single-element array with the question itself.`

const planSystemPrompt = `You assign a retrieval strategy to each sub-question.
Valid strategies: "vector" (semantic similarity), "keyword" (exact terms, names, codes), "hybrid" (both).
Return ONLY a JSON array of strategies, one per sub-question, in order.`

// Decomposer splits a user query into sub-query tasks with the fast model
// variant and plans a retrieval strategy per task. Both steps degrade
// gracefully: decomposition falls back to the original query as the single
// task, planning falls back to vector search.
type Decomposer struct {
	fast     providers.TextGenerator
	maxTasks int
	logger   *zap.Logger
}

// NewDecomposer creates a decomposer bounded at maxTasks sub-queries
// (0 means 5).
func NewDecomposer(fast providers.TextGenerator, maxTasks int, logger *zap.Logger) *Decomposer {
	if maxTasks <= 0 {
		maxTasks = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Decomposer{
		fast:     fast,
		maxTasks: maxTasks,
		logger:   logger.With(zap.String("component", "decompose")),
	}
}

// Decompose produces the turn's tasks. Never returns an empty slice: any
// provider failure yields the original query as the lone task.
func (d *Decomposer) Decompose(ctx context.Context, state TurnState) []Task {
	queries := d.splitQuery(ctx, state)
	strategies := d.planStrategies(ctx, queries)

	tasks := make([]Task, len(queries))
	for i, q := range queries {
		tasks[i] = Task{Query: q, Strategy: strategies[i]}
	}

	d.logger.Debug("query decomposed",
		zap.Int("tasks", len(tasks)))
	return tasks
}

func (d *Decomposer) splitQuery(ctx context.Context, state TurnState) []string {
	prompt := buildDecomposePrompt(state)

	raw, err := d.fast.Generate(ctx, providers.GenerateRequest{
		System:      decomposeSystemPrompt,
		Prompt:      prompt,
		Temperature: 0,
		MaxTokens:   512,
	})
	if err != nil {
		d.logger.Warn("decomposition failed, using original query", zap.Error(err))
		return []string{state.UserQuery}
	}

	queries, err := parseStringArray(raw)
	if err != nil || len(queries) == 0 {
		d.logger.Warn("decomposition output unparseable, using original query",
			zap.Error(err))
		return []string{state.UserQuery}
	}

	if len(queries) > d.maxTasks {
		queries = queries[:d.maxTasks]
	}
	return queries
}

func (d *Decomposer) planStrategies(ctx context.Context, queries []string) []RetrievalStrategy {
	strategies := make([]RetrievalStrategy, len(queries))
	for i := range strategies {
		strategies[i] = StrategyVector
	}
	if len(queries) == 0 {
		return strategies
	}

	var sb strings.Builder
	for i, q := range queries {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, q)
	}

	raw, err := d.fast.Generate(ctx, providers.GenerateRequest{
		System:      planSystemPrompt,
		Prompt:      sb.String(),
		Temperature: 0,
		MaxTokens:   128,
	})
	if err != nil {
		d.logger.Warn("strategy planning failed, defaulting to vector", zap.Error(err))
		return strategies
	}

	planned, err := parseStringArray(raw)
	if err != nil {
		return strategies
	}
	for i := 0; i < len(strategies) && i < len(planned); i++ {
		switch RetrievalStrategy(strings.ToLower(strings.TrimSpace(planned[i]))) {
		case StrategyKeyword:
			strategies[i] = StrategyKeyword
		case StrategyHybrid:
			strategies[i] = StrategyHybrid
		}
	}
	return strategies
}

func buildDecomposePrompt(state TurnState) string {
	var sb strings.Builder
	if len(state.RecentMessages) > 0 {
		sb.WriteString("Conversation history:\n")
		for _, m := range state.RecentMessages {
			fmt.Fprintf(&sb, "%s: %s\n", m.Role, m.Text)
		}
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "Question: %s", state.UserQuery)
	return sb.String()
}

// parseStringArray extracts a JSON string array from model output that may
// be wrapped in code fences or prose.
func parseStringArray(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)

	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON array in output")
	}

	var out []string
	if err := json.Unmarshal([]byte(raw[start:end+1]), &out); err != nil {
		return nil, fmt.Errorf("parse JSON array: %w", err)
	}

	cleaned := out[:0]
	for _, s := range out {
		if s = strings.TrimSpace(s); s != "" {
			cleaned = append(cleaned, s)
		}
	}
	return cleaned, nil
}
