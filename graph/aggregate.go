package graph

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/evidenceflow/evidenceflow/retrieval"
)

// AggregatorConfig tunes context assembly.
type AggregatorConfig struct {
	// MaxContextTokens bounds the final context size. Evidence that would
	// push past it is dropped lowest-scored-first, whole entries only.
	MaxContextTokens int `json:"max_context_tokens" yaml:"max_context_tokens"`
	// MaxRecentMessages bounds how many recent turns are included verbatim.
	MaxRecentMessages int `json:"max_recent_messages" yaml:"max_recent_messages"`
}

// DefaultAggregatorConfig returns production defaults.
func DefaultAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{
		MaxContextTokens:  4000,
		MaxRecentMessages: 10,
	}
}

// Aggregator merges evaluated evidence, the conversation summary, and recent
// turns into one bounded context block for generation.
type Aggregator struct {
	config    AggregatorConfig
	tokenizer retrieval.Tokenizer
	logger    *zap.Logger
}

// NewAggregator creates an aggregator. A nil tokenizer falls back to
// character estimation.
func NewAggregator(config AggregatorConfig, tokenizer retrieval.Tokenizer, logger *zap.Logger) *Aggregator {
	if config.MaxContextTokens <= 0 {
		config.MaxContextTokens = DefaultAggregatorConfig().MaxContextTokens
	}
	if config.MaxRecentMessages <= 0 {
		config.MaxRecentMessages = DefaultAggregatorConfig().MaxRecentMessages
	}
	if tokenizer == nil {
		tokenizer = retrieval.EstimateTokenizer{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		config:    config,
		tokenizer: tokenizer,
		logger:    logger.With(zap.String("component", "aggregator")),
	}
}

// Aggregate builds the final context. Evidence is grouped by task in task
// order; document and web evidence render in separate sections. The summary
// and recent messages are always included; only evidence is subject to the
// token ceiling.
func (a *Aggregator) Aggregate(state TurnState) string {
	var sb strings.Builder

	a.writeConversation(&sb, state)

	evidence := a.fitEvidence(state)

	docByTask, webByTask := splitBySources(evidence)
	tasks := state.TaskQueries()

	if hasAny(docByTask) {
		sb.WriteString("EVIDENCE FROM DOCUMENTS:\n")
		for _, task := range tasks {
			items := docByTask[task]
			if len(items) == 0 {
				continue
			}
			fmt.Fprintf(&sb, "\nSub-question: %s\n", task)
			for _, ev := range items {
				if src := ev.Metadata["source_file"]; src != "" {
					fmt.Fprintf(&sb, "[%s]\n", src)
				}
				sb.WriteString(ev.Text)
				sb.WriteString("\n")
			}
		}
		sb.WriteString("\n")
	}

	if hasAny(webByTask) {
		sb.WriteString("EVIDENCE FROM WEB SEARCH:\n")
		for _, task := range tasks {
			items := webByTask[task]
			if len(items) == 0 {
				continue
			}
			fmt.Fprintf(&sb, "\nSub-question: %s\n", task)
			for _, ev := range items {
				if url := ev.Metadata["url"]; url != "" {
					fmt.Fprintf(&sb, "URL: %s\n", url)
				}
				fmt.Fprintf(&sb, "Content: %s\n", ev.Text)
			}
		}
	}

	context := strings.TrimSpace(sb.String())
	a.logger.Debug("context aggregated",
		zap.Int("tokens", a.tokenizer.CountTokens(context)))
	return context
}

// ConversationContext renders only the summary and recent messages, used on
// the direct path where no evidence was gathered.
func (a *Aggregator) ConversationContext(state TurnState) string {
	var sb strings.Builder
	a.writeConversation(&sb, state)
	return strings.TrimSpace(sb.String())
}

func (a *Aggregator) writeConversation(sb *strings.Builder, state TurnState) {
	if state.ConversationSummary != "" {
		sb.WriteString("CONVERSATION SUMMARY:\n")
		sb.WriteString(state.ConversationSummary)
		sb.WriteString("\n\n")
	}

	recent := state.RecentMessages
	if len(recent) > a.config.MaxRecentMessages {
		recent = recent[len(recent)-a.config.MaxRecentMessages:]
	}
	if len(recent) > 0 {
		sb.WriteString("RECENT CONVERSATION:\n")
		for _, m := range recent {
			fmt.Fprintf(sb, "%s: %s\n", m.Role, m.Text)
		}
		sb.WriteString("\n")
	}
}

// fitEvidence drops the lowest-scored evidence entries, whole entries only,
// until the estimated evidence token total fits under the ceiling after
// accounting for the conversation block.
func (a *Aggregator) fitEvidence(state TurnState) map[string][]ScoredEvidence {
	var conv strings.Builder
	a.writeConversation(&conv, state)
	budget := a.config.MaxContextTokens - a.tokenizer.CountTokens(conv.String())
	if budget < 0 {
		budget = 0
	}

	type ref struct {
		task string
		idx  int
	}

	var refs []ref
	total := 0
	for task, items := range state.Evidence {
		for i, ev := range items {
			refs = append(refs, ref{task: task, idx: i})
			total += a.tokenizer.CountTokens(ev.Text)
		}
	}
	if total <= budget {
		return state.Evidence
	}

	// Lowest score first so the weakest evidence goes first.
	sort.SliceStable(refs, func(i, j int) bool {
		return state.Evidence[refs[i].task][refs[i].idx].Score <
			state.Evidence[refs[j].task][refs[j].idx].Score
	})

	dropped := make(map[string]map[int]bool)
	for _, r := range refs {
		if total <= budget {
			break
		}
		if dropped[r.task] == nil {
			dropped[r.task] = make(map[int]bool)
		}
		dropped[r.task][r.idx] = true
		total -= a.tokenizer.CountTokens(state.Evidence[r.task][r.idx].Text)
	}

	fitted := make(map[string][]ScoredEvidence, len(state.Evidence))
	droppedCount := 0
	for task, items := range state.Evidence {
		kept := make([]ScoredEvidence, 0, len(items))
		for i, ev := range items {
			if dropped[task][i] {
				droppedCount++
				continue
			}
			kept = append(kept, ev)
		}
		fitted[task] = kept
	}

	if droppedCount > 0 {
		a.logger.Debug("evidence trimmed to context ceiling",
			zap.Int("dropped", droppedCount))
	}
	return fitted
}

func splitBySources(evidence map[string][]ScoredEvidence) (docs, web map[string][]ScoredEvidence) {
	docs = make(map[string][]ScoredEvidence)
	web = make(map[string][]ScoredEvidence)
	for task, items := range evidence {
		for _, ev := range items {
			if ev.Source == SourceWeb {
				web[task] = append(web[task], ev)
			} else {
				docs[task] = append(docs[task], ev)
			}
		}
	}
	return docs, web
}

func hasAny(m map[string][]ScoredEvidence) bool {
	for _, items := range m {
		if len(items) > 0 {
			return true
		}
	}
	return false
}
