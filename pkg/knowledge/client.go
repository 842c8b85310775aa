// Package knowledge queries the per-organization knowledge search service.
package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/harunnryd/callbridge/pkg/cache"
	"github.com/harunnryd/callbridge/pkg/logging"
	"github.com/harunnryd/callbridge/pkg/resilience"
)

type Result struct {
	Content  string         `json:"content"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type Config struct {
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	CacheSize int
	CacheTTL  time.Duration
	// DefaultLimit applies when a search asks for no limit; default 5.
	DefaultLimit int
}

// Client searches knowledge and caches results per (organization, query, limit).
type Client struct {
	cfg    Config
	http   *http.Client
	cache  *cache.Cache[string, []Result]
	retry  resilience.RetryPolicy
	logger *slog.Logger
}

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1000
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 5
	}
	retry := resilience.NewRetryPolicy(2, 100*time.Millisecond)
	retry.Retryable = retryable
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		cache:  cache.New[string, []Result](cfg.CacheSize, cfg.CacheTTL),
		retry:  retry,
		logger: logging.NewComponentLogger(nil, "knowledge"),
	}
}

// Search returns the best matches for query. An empty organization or query
// yields no results without a request.
func (c *Client) Search(ctx context.Context, orgID, query string, limit int) ([]Result, error) {
	query = strings.TrimSpace(query)
	if orgID == "" || query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = c.cfg.DefaultLimit
	}
	key := fmt.Sprintf("%s\x00%s\x00%d", orgID, strings.ToLower(query), limit)
	if hit, ok := c.cache.Get(key); ok {
		return hit, nil
	}

	start := time.Now()
	var results []Result
	err := c.retry.DoContext(ctx, func(ctx context.Context) error {
		var err error
		results, err = c.search(ctx, orgID, query, limit)
		return err
	})
	if err != nil {
		c.logger.Warn("knowledge_search_failed",
			slog.String("org_id", orgID),
			slog.String("error", err.Error()))
		return nil, err
	}
	c.cache.Set(key, results)
	c.logger.Debug("knowledge_search",
		slog.String("org_id", orgID),
		slog.Int("results", len(results)),
		slog.Duration("elapsed", time.Since(start)))
	return results, nil
}

// Stats exposes cache bookkeeping.
func (c *Client) Stats() cache.Stats { return c.cache.Stats() }

type statusError struct {
	code int
	body string
}

func (e statusError) Error() string {
	return fmt.Sprintf("knowledge search status %d: %s", e.code, e.body)
}

func retryable(err error) bool {
	if se, ok := err.(statusError); ok {
		return se.code >= http.StatusInternalServerError
	}
	return true
}

func (c *Client) search(ctx context.Context, orgID, query string, limit int) ([]Result, error) {
	body, err := json.Marshal(map[string]any{"query": query, "limit": limit})
	if err != nil {
		return nil, err
	}
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/api/v1/knowledge/" + url.PathEscape(orgID) + "/search"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", c.cfg.APIKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, statusError{code: resp.StatusCode, body: strings.TrimSpace(string(msg))}
	}
	var out struct {
		Results []Result `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode knowledge results: %w", err)
	}
	return out.Results, nil
}
