package providers

import "errors"

// ErrProviderUnavailable marks a failed or timed-out call to an external
// provider (embeddings, chat completions, web search). Callers classify it
// with errors.Is; transport and non-2xx failures both wrap it.
var ErrProviderUnavailable = errors.New("provider unavailable")
