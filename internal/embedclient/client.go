// Package embedclient calls the embedding service (Ollama-compatible
// "/api/embeddings") to turn text into vectors, with retry, an LRU+TTL
// cache for repeated queries, and deduplication of concurrent cache misses.
package embedclient

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// DefaultCacheSize bounds the embedding cache at roughly 3MB for 768-dim
// float32 vectors, matching the pack's convention for this cache.
const DefaultCacheSize = 1000

// DefaultCacheTTL is how long a cached embedding is trusted before a
// re-fetch is forced on the next lookup.
const DefaultCacheTTL = 15 * time.Minute

// retryDelays is the backoff schedule for transient upstream failures
// (connection errors and 5xx/429 responses): 5 attempts total.
var retryDelays = []time.Duration{200 * time.Millisecond, 500 * time.Millisecond, 1 * time.Second, 2 * time.Second}

// Client embeds text via an Ollama-compatible HTTP endpoint.
type Client struct {
	url   string
	model string
	http  *http.Client
	cache *lru.Cache[string, cacheEntry]
	ttl   time.Duration
	group singleflight.Group
	dim   int
}

type cacheEntry struct {
	vec       []float32
	expiresAt time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithCacheSize overrides DefaultCacheSize.
func WithCacheSize(size int) Option {
	return func(c *Client) {
		if size > 0 {
			cache, _ := lru.New[string, cacheEntry](size)
			c.cache = cache
		}
	}
}

// WithCacheTTL overrides DefaultCacheTTL.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Client) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithHTTPClient overrides the default http.Client, useful in tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithExpectedDimension rejects any response whose embedding length does
// not match dim, failing with *DimensionError instead of silently handing
// a malformed vector downstream to the index.
func WithExpectedDimension(dim int) Option {
	return func(c *Client) {
		c.dim = dim
	}
}

// New creates a Client targeting url with the given model name.
func New(url, model string, opts ...Option) *Client {
	cache, _ := lru.New[string, cacheEntry](DefaultCacheSize)
	c := &Client{
		url:   strings.TrimRight(url, "/"),
		model: model,
		http:  &http.Client{Timeout: 30 * time.Second},
		cache: cache,
		ttl:   DefaultCacheTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Embed returns the embedding vector for text, serving from cache when
// possible. Concurrent calls for the same text share a single upstream
// request.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	key := cacheKey(c.model, text)

	if entry, ok := c.cache.Get(key); ok && time.Now().Before(entry.expiresAt) {
		return entry.vec, nil
	}

	result, err, _ := c.group.Do(key, func() (any, error) {
		if entry, ok := c.cache.Get(key); ok && time.Now().Before(entry.expiresAt) {
			return entry.vec, nil
		}

		vec, err := c.embedWithRetry(ctx, text)
		if err != nil {
			return nil, err
		}

		c.cache.Add(key, cacheEntry{vec: vec, expiresAt: time.Now().Add(c.ttl)})
		return vec, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]float32), nil
}

func cacheKey(model, text string) string {
	h := sha256.Sum256([]byte(model + "\x00" + text))
	return hex.EncodeToString(h[:])
}

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (c *Client) embedWithRetry(ctx context.Context, text string) ([]float32, error) {
	vec, err := c.doEmbed(ctx, text)
	if err == nil {
		return vec, nil
	}
	if !isRetryable(err) {
		return nil, err
	}

	for i, delay := range retryDelays {
		slog.Warn("embedclient: retrying embed call", "attempt", i+2, "delay_ms", delay.Milliseconds(), "error", err.Error())

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("embedclient: context cancelled during retry: %w", ctx.Err())
		case <-time.After(delay):
		}

		vec, err = c.doEmbed(ctx, text)
		if err == nil {
			return vec, nil
		}
		if !isRetryable(err) {
			return nil, err
		}
	}

	slog.Error("embedclient: retries exhausted", "attempts", len(retryDelays)+1)
	return nil, &UpstreamError{Reason: fmt.Sprintf("exhausted %d retries: %v", len(retryDelays), err)}
}

func (c *Client) doEmbed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Model: c.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("embedclient: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embedclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedclient: call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, &httpStatusError{code: resp.StatusCode, body: string(respBody)}
	}

	var decoded embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("embedclient: decode response: %w", err)
	}
	if len(decoded.Embedding) == 0 {
		return nil, &RequestError{Reason: "response contained an empty embedding"}
	}
	if c.dim > 0 && len(decoded.Embedding) != c.dim {
		return nil, &DimensionError{Expected: c.dim, Got: len(decoded.Embedding)}
	}
	return decoded.Embedding, nil
}

// httpStatusError carries the upstream status code so isRetryable can
// distinguish transient failures from permanent ones.
type httpStatusError struct {
	code int
	body string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("embedclient: status %d: %s", e.code, e.body)
}

func isRetryable(err error) bool {
	if statusErr, ok := err.(*httpStatusError); ok {
		return statusErr.code == http.StatusTooManyRequests || statusErr.code >= http.StatusInternalServerError
	}
	if _, ok := err.(*RequestError); ok {
		return false
	}
	if _, ok := err.(*DimensionError); ok {
		return false
	}
	// Network-level errors (timeouts, connection refused) are transient.
	return true
}

// Stats reports the embedding cache's current occupancy.
type Stats struct {
	CacheLen int
	CacheCap int
}

// CacheStats returns a snapshot of cache size.
func (c *Client) CacheStats() Stats {
	return Stats{CacheLen: c.cache.Len(), CacheCap: DefaultCacheSize}
}
