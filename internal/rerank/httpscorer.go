package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// httpScorerTimeout bounds a single rerank HTTP call, matching the spec's
// 2-second budget before the retrieve path falls back to the pre-rerank
// list.
const httpScorerTimeout = 2 * time.Second

// HTTPScorerConfig configures a ScoreFunc backed by an HTTP cross-encoder
// sidecar (a HuggingFace TEI-style "/rerank" endpoint serving
// RERANKER_MODEL on RERANKER_DEVICE).
type HTTPScorerConfig struct {
	URL    string
	Model  string
	Device string
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResponse struct {
	Scores []float64 `json:"scores"`
}

// NewHTTPScorer builds a ScoreFunc that calls an HTTP cross-encoder
// service. It performs one synchronous readiness probe so a misconfigured
// or unreachable sidecar is caught at startup, where the caller can fall
// back to pass-through mode instead of failing every retrieve.
func NewHTTPScorer(cfg HTTPScorerConfig) (ScoreFunc, error) {
	client := &http.Client{Timeout: httpScorerTimeout}

	if _, err := probe(client, cfg.URL); err != nil {
		return nil, fmt.Errorf("rerank: sidecar unreachable at %s: %w", cfg.URL, err)
	}

	return func(ctx context.Context, query string, texts []string) ([]float64, error) {
		return callRerankAPI(ctx, client, cfg, query, texts)
	}, nil
}

// probe confirms the sidecar is reachable before the scorer is wired into
// the live Reranker. Any HTTP response counts as reachable, even a 4xx/5xx
// from an endpoint that doesn't like a bare GET; only a transport-level
// failure (connection refused, DNS failure, timeout) fails the probe.
func probe(client *http.Client, url string) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), httpScorerTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func callRerankAPI(ctx context.Context, client *http.Client, cfg HTTPScorerConfig, query string, texts []string) ([]float64, error) {
	body, err := json.Marshal(rerankRequest{Model: cfg.Model, Query: query, Documents: texts})
	if err != nil {
		return nil, fmt.Errorf("rerank: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("rerank: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank: call sidecar: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("rerank: sidecar status %d: %s", resp.StatusCode, respBody)
	}

	var decoded rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("rerank: decode response: %w", err)
	}
	if len(decoded.Scores) != len(texts) {
		return nil, fmt.Errorf("rerank: expected %d scores, got %d", len(texts), len(decoded.Scores))
	}
	return decoded.Scores, nil
}
