package websearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/evidenceflow/evidenceflow/internal/metrics"
	"github.com/evidenceflow/evidenceflow/internal/retry"
	"github.com/evidenceflow/evidenceflow/providers"
)

// TavilyConfig configures the Tavily search client.
type TavilyConfig struct {
	BaseURL     string        `json:"base_url" yaml:"base_url"`
	APIKey      string        `json:"api_key" yaml:"api_key"`
	Timeout     time.Duration `json:"timeout" yaml:"timeout"`
	MaxResults  int           `json:"max_results" yaml:"max_results"`
	SearchDepth string        `json:"search_depth" yaml:"search_depth"` // basic or advanced

	// RequestsPerSecond bounds outbound request rate (0 disables limiting).
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`

	CacheTTL time.Duration `json:"cache_ttl" yaml:"cache_ttl"` // 0 disables caching
}

// DefaultTavilyConfig returns production defaults.
func DefaultTavilyConfig() TavilyConfig {
	return TavilyConfig{
		BaseURL:           "https://api.tavily.com",
		Timeout:           15 * time.Second,
		MaxResults:        5,
		SearchDepth:       "basic",
		RequestsPerSecond: 2,
		CacheTTL:          30 * time.Minute,
	}
}

// TavilyClient is a Searcher backed by the Tavily search API.
type TavilyClient struct {
	cfg     TavilyConfig
	client  *http.Client
	limiter *rate.Limiter
	cache   *resultCache
	retryer retry.Retryer
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// TavilyOption customizes the client.
type TavilyOption func(*TavilyClient)

// WithSearchMetrics attaches Prometheus instruments.
func WithSearchMetrics(m *metrics.Metrics) TavilyOption {
	return func(c *TavilyClient) { c.metrics = m }
}

// NewTavilyClient creates a Tavily-backed searcher.
func NewTavilyClient(cfg TavilyConfig, logger *zap.Logger, opts ...TavilyOption) (*TavilyClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("tavily api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultTavilyConfig().BaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTavilyConfig().Timeout
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = DefaultTavilyConfig().MaxResults
	}
	if cfg.SearchDepth == "" {
		cfg.SearchDepth = "basic"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &TavilyClient{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		retryer: retry.NewBackoffRetryer(retry.SingleRetryPolicy(), logger),
		logger:  logger.With(zap.String("component", "tavily")),
	}
	if cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	if cfg.CacheTTL > 0 {
		c.cache = newResultCache(cfg.CacheTTL)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Name identifies the provider.
func (c *TavilyClient) Name() string { return "tavily" }

type tavilyRequest struct {
	APIKey      string `json:"api_key"`
	Query       string `json:"query"`
	SearchDepth string `json:"search_depth"`
	MaxResults  int    `json:"max_results"`
}

type tavilyResponse struct {
	Results []struct {
		URL     string  `json:"url"`
		Title   string  `json:"title"`
		Content string  `json:"content"`
		Score   float64 `json:"score"`
	} `json:"results"`
}

// Search runs one query. Transient failures get one bounded retry; the
// caller's ctx deadline bounds the whole call including the retry.
func (c *TavilyClient) Search(ctx context.Context, query string, maxResults int) ([]Result, error) {
	if maxResults <= 0 {
		maxResults = c.cfg.MaxResults
	}

	if c.cache != nil {
		if cached, ok := c.cache.get(query); ok {
			c.count("cache_hit")
			return cached, nil
		}
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	var results []Result
	err := c.retryer.Do(ctx, func() error {
		var serr error
		results, serr = c.doSearch(ctx, query, maxResults)
		return serr
	})
	if err != nil {
		c.count("error")
		return nil, err
	}

	if c.cache != nil && len(results) > 0 {
		c.cache.set(query, results)
	}
	c.count("ok")

	c.logger.Debug("web search completed",
		zap.String("query", truncate(query, 80)),
		zap.Int("results", len(results)))
	return results, nil
}

func (c *TavilyClient) doSearch(ctx context.Context, query string, maxResults int) ([]Result, error) {
	body, err := json.Marshal(tavilyRequest{
		APIKey:      c.cfg.APIKey,
		Query:       query,
		SearchDepth: c.cfg.SearchDepth,
		MaxResults:  maxResults,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", providers.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read search response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: tavily search status %d: %s", providers.ErrProviderUnavailable, resp.StatusCode, truncate(string(data), 200))
	}

	var parsed tavilyResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	results := make([]Result, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		results = append(results, Result{
			URL:     r.URL,
			Title:   r.Title,
			Content: r.Content,
			Score:   r.Score,
		})
	}
	return results, nil
}

func (c *TavilyClient) count(outcome string) {
	if c.metrics != nil {
		c.metrics.SearchRequests.WithLabelValues(outcome).Inc()
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
