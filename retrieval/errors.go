package retrieval

import "errors"

// ErrScopeViolation marks an operation that would cross a scope boundary,
// such as upserting a chunk under a different scope or querying with an
// invalid scope. Fatal for that call; never silently widened.
var ErrScopeViolation = errors.New("scope violation")
