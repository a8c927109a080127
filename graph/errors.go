package graph

import (
	"errors"

	"github.com/evidenceflow/evidenceflow/providers"
	"github.com/evidenceflow/evidenceflow/retrieval"
)

// Sentinel errors for the engine's failure taxonomy. Non-terminal node
// failures degrade to empty evidence and are logged; only these surface to
// callers. The provider and scope sentinels are raised by the packages that
// own those failures and re-exported here so graph callers classify every
// error with one set of errors.Is checks.
var (
	// ErrProviderUnavailable marks a failed or timed-out external call
	// (embedding, LLM, search, vector store). Recovered locally where
	// possible.
	ErrProviderUnavailable = providers.ErrProviderUnavailable

	// ErrConfiguration marks a missing required capability. Fatal at
	// construction, never per-turn.
	ErrConfiguration = errors.New("configuration error")

	// ErrScopeViolation marks a query that would cross scope boundaries.
	// Fatal for that call, never silently widened.
	ErrScopeViolation = retrieval.ErrScopeViolation

	// ErrGenerationFailure marks a failed terminal generation step. Fatal
	// for the turn; no checkpoint is written.
	ErrGenerationFailure = errors.New("generation failure")
)
