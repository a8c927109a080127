package graph

import (
	"time"
)

// Message is one conversation turn entry.
type Message struct {
	Role string `json:"role"` // "user" or "assistant"
	Text string `json:"text"`
}

// RetrievalStrategy hints how a task's evidence should be gathered.
type RetrievalStrategy string

const (
	StrategyVector  RetrievalStrategy = "vector"
	StrategyKeyword RetrievalStrategy = "keyword"
	StrategyHybrid  RetrievalStrategy = "hybrid"
)

// Task is one decomposed sub-query with its planned retrieval strategy.
type Task struct {
	Query    string            `json:"query"`
	Strategy RetrievalStrategy `json:"strategy"`
}

// EvidenceSource tells where a piece of evidence came from.
type EvidenceSource string

const (
	SourceDocument EvidenceSource = "document"
	SourceWeb      EvidenceSource = "web"
)

// ScoredEvidence is one candidate fact that survived evaluation. Produced by
// the evaluator, consumed only by the aggregator.
type ScoredEvidence struct {
	Text     string            `json:"text"`
	Source   EvidenceSource    `json:"source"`
	Score    float64           `json:"score"` // relevance in [0,1]
	Task     string            `json:"task"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// TurnState is the record threaded through one graph execution. Nodes treat
// it as immutable: each node receives the prior state and returns a delta,
// and the engine merges deltas, which makes the retrieve/search join safe
// without locking.
type TurnState struct {
	UserID   string `json:"user_id"`
	ThreadID string `json:"thread_id"`

	UserQuery           string    `json:"user_query"`
	RecentMessages      []Message `json:"recent_messages"`
	ConversationSummary string    `json:"conversation_summary,omitempty"`

	DoRetrieval bool `json:"do_retrieval"`
	DoSearch    bool `json:"do_search"`

	Tasks []Task `json:"tasks,omitempty"`

	// Evidence keyed by task query. RetrievedDocs and WebResults are
	// populated only by their owning node; absence of a key means the node
	// never ran for that task, an empty slice means it ran and found
	// nothing.
	RetrievedDocs map[string][]ScoredEvidence `json:"retrieved_docs,omitempty"`
	WebResults    map[string][]ScoredEvidence `json:"web_results,omitempty"`

	// Evidence is the evaluator's per-task output.
	Evidence map[string][]ScoredEvidence `json:"evidence,omitempty"`

	// HasEvidence is set by the aggregate node when any evaluated evidence
	// survived. Prompt selection keys on it, not on the rendered context
	// text, so conversation text echoing a section header cannot misfire.
	HasEvidence bool `json:"has_evidence,omitempty"`

	// FinalContext is built exactly once by the aggregator (or set to the
	// bare conversation context on the direct path) and read only by
	// generate.
	FinalContext string `json:"final_context,omitempty"`

	Response  string    `json:"response,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy so checkpoint snapshots and node inputs never
// alias each other.
func (s TurnState) Clone() TurnState {
	out := s
	out.RecentMessages = append([]Message(nil), s.RecentMessages...)
	out.Tasks = append([]Task(nil), s.Tasks...)
	out.RetrievedDocs = cloneEvidenceMap(s.RetrievedDocs)
	out.WebResults = cloneEvidenceMap(s.WebResults)
	out.Evidence = cloneEvidenceMap(s.Evidence)
	return out
}

func cloneEvidenceMap(m map[string][]ScoredEvidence) map[string][]ScoredEvidence {
	if m == nil {
		return nil
	}
	out := make(map[string][]ScoredEvidence, len(m))
	for k, v := range m {
		out[k] = append([]ScoredEvidence(nil), v...)
	}
	return out
}

// TaskQueries returns the task query strings in order.
func (s TurnState) TaskQueries() []string {
	out := make([]string, len(s.Tasks))
	for i, t := range s.Tasks {
		out[i] = t.Query
	}
	return out
}
