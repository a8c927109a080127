// Package websearch provides live web search for turns whose question needs
// fresh information. Search is best-effort: a failed or timed-out search
// degrades to zero results rather than failing the turn.
package websearch

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Result is one web search hit.
type Result struct {
	URL     string  `json:"url"`
	Title   string  `json:"title"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// Searcher runs a web search. Implementations must honor ctx cancellation.
type Searcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]Result, error)
	Name() string
}

// resultCache memoizes recent queries so repeated questions within the TTL
// skip the network.
type resultCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	ttl     time.Duration
}

type cacheEntry struct {
	results   []Result
	expiresAt time.Time
}

func newResultCache(ttl time.Duration) *resultCache {
	return &resultCache{
		entries: make(map[string]*cacheEntry),
		ttl:     ttl,
	}
}

func cacheKeyFor(query string) string {
	return strings.ToLower(strings.TrimSpace(query))
}

func (c *resultCache) get(query string) ([]Result, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[cacheKeyFor(query)]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.results, true
}

func (c *resultCache) set(query string, results []Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKeyFor(query)] = &cacheEntry{
		results:   results,
		expiresAt: time.Now().Add(c.ttl),
	}
}
