package graph

import (
	"context"
	"math"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/evidenceflow/evidenceflow/providers"
)

// EvaluatorConfig tunes relevance evaluation.
type EvaluatorConfig struct {
	// RelevanceThreshold drops candidates scoring below it.
	RelevanceThreshold float64 `json:"relevance_threshold" yaml:"relevance_threshold"`
	// MaxEvidence caps the dynamic top-K budget.
	MaxEvidence int `json:"max_evidence" yaml:"max_evidence"`
	// DedupSimilarity is the word-overlap ratio above which two candidates
	// count as near-duplicates.
	DedupSimilarity float64 `json:"dedup_similarity" yaml:"dedup_similarity"`
}

// DefaultEvaluatorConfig returns production defaults.
func DefaultEvaluatorConfig() EvaluatorConfig {
	return EvaluatorConfig{
		RelevanceThreshold: 0.1,
		MaxEvidence:        15,
		DedupSimilarity:    0.9,
	}
}

// Evaluator scores candidate evidence against each task, filters by
// threshold, deduplicates near-identical text across sources, and trims to a
// dynamic per-turn budget. Tasks are evaluated independently; scores are
// never compared across tasks.
type Evaluator struct {
	config EvaluatorConfig
	scorer providers.RelevanceScorer
	logger *zap.Logger
}

// NewEvaluator creates an evaluator.
func NewEvaluator(config EvaluatorConfig, scorer providers.RelevanceScorer, logger *zap.Logger) *Evaluator {
	if config.RelevanceThreshold <= 0 {
		config.RelevanceThreshold = DefaultEvaluatorConfig().RelevanceThreshold
	}
	if config.MaxEvidence <= 0 {
		config.MaxEvidence = DefaultEvaluatorConfig().MaxEvidence
	}
	if config.DedupSimilarity <= 0 {
		config.DedupSimilarity = DefaultEvaluatorConfig().DedupSimilarity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{
		config: config,
		scorer: scorer,
		logger: logger.With(zap.String("component", "evaluator")),
	}
}

// EvaluateTask scores the candidates for one task and returns the survivors
// sorted by descending score with stable ties (original candidate order).
// A scorer failure keeps the candidates' incoming scores rather than
// dropping the task's evidence.
func (e *Evaluator) EvaluateTask(ctx context.Context, task string, candidates []ScoredEvidence) []ScoredEvidence {
	if len(candidates) == 0 {
		return nil
	}

	texts := make([]string, len(candidates))
	for i, c := range candidates {
		texts[i] = c.Text
	}

	scored := append([]ScoredEvidence(nil), candidates...)
	scores, err := e.scorer.Score(ctx, task, texts)
	if err != nil || len(scores) != len(candidates) {
		e.logger.Warn("relevance scoring failed, keeping retrieval scores",
			zap.String("task", truncate(task, 60)),
			zap.Error(err))
	} else {
		for i := range scored {
			scored[i].Score = scores[i]
			scored[i].Task = task
		}
	}

	kept := scored[:0]
	for _, c := range scored {
		if c.Score >= e.config.RelevanceThreshold {
			kept = append(kept, c)
		}
	}

	kept = e.dedupe(kept)

	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].Score > kept[j].Score
	})
	return kept
}

// EvaluateAll evaluates every task's candidates and trims the result to the
// turn's dynamic evidence budget, spread evenly across tasks.
func (e *Evaluator) EvaluateAll(ctx context.Context, tasks []string, candidatesByTask map[string][]ScoredEvidence) map[string][]ScoredEvidence {
	evidence := make(map[string][]ScoredEvidence, len(tasks))
	total := 0
	for _, task := range tasks {
		kept := e.EvaluateTask(ctx, task, candidatesByTask[task])
		evidence[task] = kept
		total += len(kept)
	}

	budget := DynamicTopK(len(tasks), total, e.config.MaxEvidence)
	if total > budget && len(tasks) > 0 {
		perTask := budget / len(tasks)
		if perTask < 1 {
			perTask = 1
		}
		for task, kept := range evidence {
			if len(kept) > perTask {
				evidence[task] = kept[:perTask]
			}
		}
	}

	e.logger.Debug("evaluation completed",
		zap.Int("tasks", len(tasks)),
		zap.Int("candidates", total),
		zap.Int("budget", budget))
	return evidence
}

// DynamicTopK sizes the evidence budget from the task and candidate counts:
// round(tasks^1.25 + candidates^0.35), clamped to [tasks, min(candidates, max)].
func DynamicTopK(tasks, candidates, max int) int {
	if candidates <= 0 {
		return 0
	}
	k := int(math.Round(math.Pow(float64(tasks), 1.25) + math.Pow(float64(candidates), 0.35)))

	ceiling := candidates
	if max > 0 && max < ceiling {
		ceiling = max
	}
	if k > ceiling {
		k = ceiling
	}
	if k < tasks {
		k = tasks
	}
	if k > candidates {
		k = candidates
	}
	return k
}

// dedupe removes near-identical text across sources, keeping the
// higher-scored instance. Input order is preserved for survivors.
func (e *Evaluator) dedupe(items []ScoredEvidence) []ScoredEvidence {
	if len(items) < 2 {
		return items
	}

	drop := make([]bool, len(items))
	for i := 0; i < len(items); i++ {
		if drop[i] {
			continue
		}
		for j := i + 1; j < len(items); j++ {
			if drop[j] {
				continue
			}
			if wordOverlap(items[i].Text, items[j].Text) >= e.config.DedupSimilarity {
				if items[j].Score > items[i].Score {
					drop[i] = true
					break
				}
				drop[j] = true
			}
		}
	}

	out := items[:0]
	for i, it := range items {
		if !drop[i] {
			out = append(out, it)
		}
	}
	return out
}

// wordOverlap returns the Jaccard similarity of the two texts' word sets.
func wordOverlap(a, b string) float64 {
	setA := wordSet(a)
	setB := wordSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}

	inter := 0
	for w := range setA {
		if setB[w] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float64(inter) / float64(union)
}

func wordSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		set[w] = true
	}
	return set
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
