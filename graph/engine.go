package graph

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/evidenceflow/evidenceflow/internal/metrics"
	"github.com/evidenceflow/evidenceflow/retrieval"
	"github.com/evidenceflow/evidenceflow/websearch"
)

// Node identifies one state of the orchestration graph. The node set and its
// transitions are fixed; there is no runtime-programmable topology.
type Node string

const (
	NodeIntent    Node = "intent"
	NodeDecompose Node = "decompose"
	NodeGather    Node = "gather" // retrieve/search fan-out and fan-in
	NodeEvaluate  Node = "evaluate"
	NodeAggregate Node = "aggregate"
	NodeGenerate  Node = "generate"
	NodeDone      Node = "done"
)

// nextNode is the transition table: state × condition → next state.
// Generate is terminal and reached exactly once on every path.
func nextNode(current Node, state TurnState) Node {
	switch current {
	case NodeIntent:
		if !state.DoRetrieval && !state.DoSearch {
			return NodeGenerate
		}
		return NodeDecompose
	case NodeDecompose:
		return NodeGather
	case NodeGather:
		return NodeEvaluate
	case NodeEvaluate:
		return NodeAggregate
	case NodeAggregate:
		return NodeGenerate
	case NodeGenerate:
		return NodeDone
	default:
		return NodeDone
	}
}

// Phase labels status events emitted while a turn runs.
type Phase string

const (
	PhaseIntent     Phase = "intent"
	PhaseRetrieval  Phase = "retrieval"
	PhaseSearch     Phase = "search"
	PhaseGeneration Phase = "generation"
)

// TurnEvent is one element of a streamed turn: status updates, response
// fragments, and a final completion marker (Done with the full state).
type TurnEvent struct {
	Phase    Phase      `json:"phase,omitempty"`
	Detail   string     `json:"detail,omitempty"`
	Fragment string     `json:"fragment,omitempty"`
	Done     bool       `json:"done,omitempty"`
	State    *TurnState `json:"state,omitempty"`
	Err      error      `json:"-"`
}

// TurnResult is the outcome of one completed turn.
type TurnResult struct {
	Response string    `json:"response"`
	State    TurnState `json:"state"`
}

// DocumentInput is one document handed to IndexDocuments.
type DocumentInput struct {
	Filename string            `json:"filename"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// EngineConfig tunes the engine.
type EngineConfig struct {
	// TaskConcurrency bounds parallel per-task retrieval/search calls.
	TaskConcurrency int `json:"task_concurrency" yaml:"task_concurrency"`
	// RetrieveTopK chunks per task.
	RetrieveTopK int `json:"retrieve_top_k" yaml:"retrieve_top_k"`
	// SearchMaxResults snippets per task.
	SearchMaxResults int `json:"search_max_results" yaml:"search_max_results"`
	// SearchTimeout bounds each task's web search call.
	SearchTimeout time.Duration `json:"search_timeout" yaml:"search_timeout"`
	// HistoryLimit bounds RecentMessages kept in the checkpoint.
	HistoryLimit int `json:"history_limit" yaml:"history_limit"`
}

// DefaultEngineConfig returns production defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		TaskConcurrency:  4,
		RetrieveTopK:     5,
		SearchMaxResults: 5,
		SearchTimeout:    15 * time.Second,
		HistoryLimit:     10,
	}
}

// Dependencies carries the engine's collaborators. Intent, Decomposer,
// Evaluator, Aggregator, and Generator are required; Retriever and Searcher
// may be nil, in which case the corresponding routing flag is forced off.
type Dependencies struct {
	Intent      Intent
	Decomposer  *Decomposer
	Retriever   *retrieval.Retriever
	Indexer     *retrieval.Indexer
	Searcher    websearch.Searcher
	Evaluator   *Evaluator
	Aggregator  *Aggregator
	Generator   *Generator
	Checkpoints CheckpointStore
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
}

// Engine runs conversational turns through the orchestration graph and
// exposes the retrieval subsystem's indexing operations. Turns for the same
// thread are serialized; turns for different threads run concurrently.
type Engine struct {
	config EngineConfig
	deps   Dependencies
	logger *zap.Logger
	tracer oteltrace.Tracer

	// threadLocks holds one mutex per thread ID for the process lifetime;
	// entries are never evicted.
	threadLocks sync.Map // threadID -> *sync.Mutex
}

// NewEngine validates the dependency set and creates an engine. Missing
// required capabilities fail here, not per-turn.
func NewEngine(config EngineConfig, deps Dependencies) (*Engine, error) {
	if deps.Intent == nil {
		return nil, fmt.Errorf("%w: intent classifier is required", ErrConfiguration)
	}
	if deps.Decomposer == nil {
		return nil, fmt.Errorf("%w: decomposer is required", ErrConfiguration)
	}
	if deps.Evaluator == nil {
		return nil, fmt.Errorf("%w: evaluator is required", ErrConfiguration)
	}
	if deps.Aggregator == nil {
		return nil, fmt.Errorf("%w: aggregator is required", ErrConfiguration)
	}
	if deps.Generator == nil {
		return nil, fmt.Errorf("%w: generator is required", ErrConfiguration)
	}
	if deps.Checkpoints == nil {
		return nil, fmt.Errorf("%w: checkpoint store is required", ErrConfiguration)
	}

	def := DefaultEngineConfig()
	if config.TaskConcurrency <= 0 {
		config.TaskConcurrency = def.TaskConcurrency
	}
	if config.RetrieveTopK <= 0 {
		config.RetrieveTopK = def.RetrieveTopK
	}
	if config.SearchMaxResults <= 0 {
		config.SearchMaxResults = def.SearchMaxResults
	}
	if config.SearchTimeout <= 0 {
		config.SearchTimeout = def.SearchTimeout
	}
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = def.HistoryLimit
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Engine{
		config: config,
		deps:   deps,
		logger: logger.With(zap.String("component", "engine")),
		tracer: otel.Tracer("evidenceflow/graph"),
	}, nil
}

func (e *Engine) threadLock(threadID string) *sync.Mutex {
	mu, _ := e.threadLocks.LoadOrStore(threadID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// RunTurn executes one conversational turn. The checkpoint is read at entry
// and written at exit; a generation failure surfaces to the caller and
// leaves the checkpoint untouched.
func (e *Engine) RunTurn(ctx context.Context, userID, threadID, userQuery string, flags *ExplicitFlags) (TurnResult, error) {
	return e.runTurn(ctx, userID, threadID, userQuery, flags, nil)
}

// RunTurnStream executes one turn, emitting ordered status events followed
// by response fragments and a completion marker. The channel closes when the
// turn finishes; a failed turn's last event carries Err.
func (e *Engine) RunTurnStream(ctx context.Context, userID, threadID, userQuery string, flags *ExplicitFlags) <-chan TurnEvent {
	events := make(chan TurnEvent, 16)
	go func() {
		defer close(events)
		emit := func(ev TurnEvent) {
			select {
			case events <- ev:
			case <-ctx.Done():
			}
		}
		result, err := e.runTurn(ctx, userID, threadID, userQuery, flags, emit)
		if err != nil {
			emit(TurnEvent{Done: true, Err: err})
			return
		}
		emit(TurnEvent{Done: true, State: &result.State})
	}()
	return events
}

func (e *Engine) runTurn(ctx context.Context, userID, threadID, userQuery string, flags *ExplicitFlags, emit func(TurnEvent)) (TurnResult, error) {
	if emit == nil {
		emit = func(TurnEvent) {}
	}
	start := time.Now()

	// Checkpoint read-then-write requires one writer per thread.
	lock := e.threadLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	ctx, span := e.tracer.Start(ctx, "engine.run_turn",
		oteltrace.WithAttributes(attribute.String("thread_id", threadID)))
	defer span.End()

	prior, _, err := e.deps.Checkpoints.Load(ctx, threadID)
	if err != nil {
		e.countTurn("checkpoint_load_failed")
		return TurnResult{}, fmt.Errorf("load checkpoint: %w", err)
	}

	state := TurnState{
		UserID:              userID,
		ThreadID:            threadID,
		UserQuery:           userQuery,
		RecentMessages:      prior.RecentMessages,
		ConversationSummary: prior.ConversationSummary,
	}

	node := NodeIntent
	for node != NodeDone {
		nodeStart := time.Now()
		var nerr error
		switch node {
		case NodeIntent:
			state, nerr = e.runIntent(ctx, state, flags, emit)
		case NodeDecompose:
			state = e.runDecompose(ctx, state)
		case NodeGather:
			state, nerr = e.runGather(ctx, state, emit)
		case NodeEvaluate:
			state = e.runEvaluate(ctx, state)
		case NodeAggregate:
			state = e.runAggregate(ctx, state)
		case NodeGenerate:
			state, nerr = e.runGenerate(ctx, state, emit)
		}
		e.observeNode(node, time.Since(nodeStart))
		if nerr != nil {
			e.countTurn("failed")
			return TurnResult{}, nerr
		}
		node = nextNode(node, state)
	}

	state = e.appendExchange(state)
	state.UpdatedAt = time.Now()

	if err := e.deps.Checkpoints.Save(ctx, threadID, state); err != nil {
		e.countTurn("checkpoint_save_failed")
		return TurnResult{}, fmt.Errorf("save checkpoint: %w", err)
	}

	e.countTurn("ok")
	if e.deps.Metrics != nil {
		intent := "direct"
		if state.DoRetrieval || state.DoSearch {
			intent = "evidence"
		}
		e.deps.Metrics.TurnDuration.WithLabelValues(intent).Observe(time.Since(start).Seconds())
	}

	e.logger.Info("turn completed",
		zap.String("thread_id", threadID),
		zap.Bool("do_retrieval", state.DoRetrieval),
		zap.Bool("do_search", state.DoSearch),
		zap.Int("tasks", len(state.Tasks)),
		zap.Duration("duration", time.Since(start)))

	return TurnResult{Response: state.Response, State: state}, nil
}

func (e *Engine) runIntent(ctx context.Context, state TurnState, flags *ExplicitFlags, emit func(TurnEvent)) (TurnState, error) {
	ctx, span := e.tracer.Start(ctx, "node.intent")
	defer span.End()

	doRetrieval, doSearch, err := e.deps.Intent.Classify(ctx, state.UserQuery, flags)
	if err != nil {
		// Routing failure is recoverable: fall back to the direct path.
		e.logger.Warn("intent classification failed, using direct path", zap.Error(err))
		doRetrieval, doSearch = false, false
	}

	// A capability that was never wired cannot be routed to.
	if e.deps.Retriever == nil {
		doRetrieval = false
	}
	if e.deps.Searcher == nil {
		doSearch = false
	}

	state.DoRetrieval = doRetrieval
	state.DoSearch = doSearch

	emit(TurnEvent{Phase: PhaseIntent, Detail: fmt.Sprintf("retrieval=%t search=%t", doRetrieval, doSearch)})

	if !doRetrieval && !doSearch {
		// Direct path: bare conversation context, no evidence nodes.
		state.FinalContext = e.deps.Aggregator.ConversationContext(state)
	}
	return state, nil
}

func (e *Engine) runDecompose(ctx context.Context, state TurnState) TurnState {
	ctx, span := e.tracer.Start(ctx, "node.decompose")
	defer span.End()

	state.Tasks = e.deps.Decomposer.Decompose(ctx, state)
	return state
}

// runGather is the fan-out/fan-in point: retrieve and search run
// concurrently when both are needed, each fanning out per task under the
// concurrency bound. A skipped capability leaves its map nil; a task whose
// call failed gets an empty slice.
func (e *Engine) runGather(ctx context.Context, state TurnState, emit func(TurnEvent)) (TurnState, error) {
	ctx, span := e.tracer.Start(ctx, "node.gather")
	defer span.End()

	var (
		docs map[string][]ScoredEvidence
		web  map[string][]ScoredEvidence
	)

	g, gctx := errgroup.WithContext(ctx)

	if state.DoRetrieval {
		emit(TurnEvent{Phase: PhaseRetrieval, Detail: fmt.Sprintf("%d tasks", len(state.Tasks))})
		g.Go(func() error {
			docs = e.retrieveAll(gctx, state)
			return nil
		})
	}
	if state.DoSearch {
		emit(TurnEvent{Phase: PhaseSearch, Detail: fmt.Sprintf("%d tasks", len(state.Tasks))})
		g.Go(func() error {
			web = e.searchAll(gctx, state)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return state, err
	}

	state.RetrievedDocs = docs
	state.WebResults = web
	return state, nil
}

// retrieveAll fans out one retrieval per task. A failed task degrades to an
// empty result; siblings are unaffected.
func (e *Engine) retrieveAll(ctx context.Context, state TurnState) map[string][]ScoredEvidence {
	scope := retrieval.Scope{UserID: state.UserID, ThreadID: state.ThreadID}
	results := make([]([]ScoredEvidence), len(state.Tasks))

	sem := semaphore.NewWeighted(int64(e.config.TaskConcurrency))
	var wg sync.WaitGroup

	for i, task := range state.Tasks {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(i int, task Task) {
			defer wg.Done()
			defer sem.Release(1)
			if e.deps.Metrics != nil {
				e.deps.Metrics.RetrievalTasks.Inc()
			}

			chunks, err := e.deps.Retriever.Retrieve(ctx, scope, task.Query, e.config.RetrieveTopK)
			if err != nil {
				e.logger.Warn("task retrieval failed, degrading to empty",
					zap.String("task", truncate(task.Query, 60)),
					zap.Error(err))
				e.countFailure("retrieval")
				results[i] = []ScoredEvidence{}
				return
			}
			results[i] = chunksToEvidence(task.Query, chunks)
		}(i, task)
	}
	wg.Wait()

	out := make(map[string][]ScoredEvidence, len(state.Tasks))
	for i, task := range state.Tasks {
		if results[i] == nil {
			results[i] = []ScoredEvidence{}
		}
		out[task.Query] = results[i]
	}
	return out
}

// searchAll fans out one web search per task, each with its own timeout so a
// hung search cannot stall the join. Failures and timeouts degrade to empty.
func (e *Engine) searchAll(ctx context.Context, state TurnState) map[string][]ScoredEvidence {
	results := make([]([]ScoredEvidence), len(state.Tasks))

	sem := semaphore.NewWeighted(int64(e.config.TaskConcurrency))
	var wg sync.WaitGroup

	for i, task := range state.Tasks {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(i int, task Task) {
			defer wg.Done()
			defer sem.Release(1)

			taskCtx, cancel := context.WithTimeout(ctx, e.config.SearchTimeout)
			defer cancel()

			hits, err := e.deps.Searcher.Search(taskCtx, task.Query, e.config.SearchMaxResults)
			if err != nil {
				e.logger.Warn("task web search failed, degrading to empty",
					zap.String("task", truncate(task.Query, 60)),
					zap.Error(err))
				e.countFailure("search")
				results[i] = []ScoredEvidence{}
				return
			}
			results[i] = searchToEvidence(task.Query, hits)
		}(i, task)
	}
	wg.Wait()

	out := make(map[string][]ScoredEvidence, len(state.Tasks))
	for i, task := range state.Tasks {
		if results[i] == nil {
			results[i] = []ScoredEvidence{}
		}
		out[task.Query] = results[i]
	}
	return out
}

func (e *Engine) runEvaluate(ctx context.Context, state TurnState) TurnState {
	ctx, span := e.tracer.Start(ctx, "node.evaluate")
	defer span.End()

	tasks := state.TaskQueries()
	candidates := make(map[string][]ScoredEvidence, len(tasks))
	for _, task := range tasks {
		merged := append([]ScoredEvidence(nil), state.RetrievedDocs[task]...)
		merged = append(merged, state.WebResults[task]...)
		candidates[task] = merged
	}

	state.Evidence = e.deps.Evaluator.EvaluateAll(ctx, tasks, candidates)

	if e.deps.Metrics != nil {
		kept := 0
		for _, items := range state.Evidence {
			kept += len(items)
		}
		e.deps.Metrics.EvidenceKept.Observe(float64(kept))
	}
	return state
}

func (e *Engine) runAggregate(ctx context.Context, state TurnState) TurnState {
	_, span := e.tracer.Start(ctx, "node.aggregate")
	defer span.End()

	state.HasEvidence = hasAny(state.Evidence)
	state.FinalContext = e.deps.Aggregator.Aggregate(state)
	return state
}

func (e *Engine) runGenerate(ctx context.Context, state TurnState, emit func(TurnEvent)) (TurnState, error) {
	ctx, span := e.tracer.Start(ctx, "node.generate")
	defer span.End()

	emit(TurnEvent{Phase: PhaseGeneration})

	fragments, errs := e.deps.Generator.GenerateStream(ctx, state)

	var response []byte
	for fragment := range fragments {
		response = append(response, fragment...)
		emit(TurnEvent{Phase: PhaseGeneration, Fragment: fragment})
	}
	if err := <-errs; err != nil {
		return state, err
	}

	state.Response = string(response)
	return state, nil
}

// appendExchange records the turn's question and answer in the history,
// trimming to the retention bound.
func (e *Engine) appendExchange(state TurnState) TurnState {
	state.RecentMessages = append(state.RecentMessages,
		Message{Role: "user", Text: state.UserQuery},
		Message{Role: "assistant", Text: state.Response},
	)
	if limit := e.config.HistoryLimit; len(state.RecentMessages) > limit {
		state.RecentMessages = state.RecentMessages[len(state.RecentMessages)-limit:]
	}
	return state
}

func chunksToEvidence(task string, chunks []retrieval.ScoredChunk) []ScoredEvidence {
	out := make([]ScoredEvidence, 0, len(chunks))
	for _, sc := range chunks {
		md := map[string]string{"document_id": sc.Chunk.DocumentID}
		for k, v := range sc.Chunk.Metadata {
			md[k] = v
		}
		out = append(out, ScoredEvidence{
			Text:     sc.Chunk.Text,
			Source:   SourceDocument,
			Score:    sc.Score,
			Task:     task,
			Metadata: md,
		})
	}
	return out
}

func searchToEvidence(task string, hits []websearch.Result) []ScoredEvidence {
	out := make([]ScoredEvidence, 0, len(hits))
	for _, h := range hits {
		out = append(out, ScoredEvidence{
			Text:   h.Content,
			Source: SourceWeb,
			Score:  h.Score,
			Task:   task,
			Metadata: map[string]string{
				"url":   h.URL,
				"title": h.Title,
			},
		})
	}
	return out
}

// IndexDocuments ingests documents into the scope and returns the total
// chunk count across them. Requires the indexer capability.
func (e *Engine) IndexDocuments(ctx context.Context, scope retrieval.Scope, docs []DocumentInput) (int, error) {
	if e.deps.Indexer == nil {
		return 0, fmt.Errorf("%w: indexer is not configured", ErrConfiguration)
	}

	total := 0
	for _, d := range docs {
		res, err := e.deps.Indexer.IndexDocument(ctx, scope, d.Filename, d.Content, d.Metadata)
		if err != nil {
			return total, fmt.Errorf("index %q: %w", d.Filename, err)
		}
		total += res.ChunkCount
	}
	return total, nil
}

// DeleteScope removes everything indexed under the scope.
func (e *Engine) DeleteScope(ctx context.Context, scope retrieval.Scope) error {
	if e.deps.Indexer == nil {
		return fmt.Errorf("%w: indexer is not configured", ErrConfiguration)
	}
	return e.deps.Indexer.DeleteScope(ctx, scope)
}

func (e *Engine) countTurn(status string) {
	if e.deps.Metrics != nil {
		e.deps.Metrics.TurnsTotal.WithLabelValues(status).Inc()
	}
}

func (e *Engine) countFailure(kind string) {
	if e.deps.Metrics != nil {
		e.deps.Metrics.RetrievalFailures.WithLabelValues(kind).Inc()
	}
}

func (e *Engine) observeNode(node Node, d time.Duration) {
	if e.deps.Metrics != nil {
		e.deps.Metrics.NodeDuration.WithLabelValues(string(node)).Observe(d.Seconds())
	}
}
