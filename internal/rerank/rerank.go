// Package rerank reorders retrieval candidates by a cross-encoder-style
// relevance score. When no scorer is configured, or the scorer fails to
// initialize, reranking falls back to the identity function: candidates
// sorted by their existing score and truncated.
package rerank

import (
	"context"
	"log/slog"
	"sort"
	"time"
)

// batchSize mirrors the reference reranker's cross-encoder batch size: a
// tradeoff between per-call overhead and memory.
const batchSize = 8

// Candidate is one retrieval result eligible for reranking.
type Candidate struct {
	PageID string
	Quote  string
	Score  float64
}

// ScoreFunc scores a batch of (query, candidate text) pairs, returning one
// score per pair in the same order. Implementations may call out to a
// cross-encoder model; batches are capped at batchSize pairs.
type ScoreFunc func(ctx context.Context, query string, texts []string) ([]float64, error)

// Reranker reorders candidates by a ScoreFunc, with metrics and pass-through
// fallback on failure.
type Reranker struct {
	score   ScoreFunc
	metrics MetricsRecorder
}

// MetricsRecorder is the subset of the service's metrics surface the
// reranker reports to. A nil recorder disables metrics.
type MetricsRecorder interface {
	ObserveRerankLatencySeconds(seconds float64)
	IncRerankCalls()
}

// New creates a Reranker. A nil scoreFn makes every call a pass-through.
func New(scoreFn ScoreFunc, metrics MetricsRecorder) *Reranker {
	return &Reranker{score: scoreFn, metrics: metrics}
}

// Rerank reorders candidates by relevance to query, returning the top k.
// An empty candidate list returns empty. On scorer failure, or when no
// scorer is configured, it falls back to sorting by the candidates'
// existing score.
func (r *Reranker) Rerank(ctx context.Context, query string, candidates []Candidate, k int) []Candidate {
	if len(candidates) == 0 {
		return []Candidate{}
	}

	if r.score == nil {
		return passThrough(candidates, k)
	}

	start := time.Now()
	reranked, err := r.rerankWithScorer(ctx, query, candidates)
	if r.metrics != nil {
		r.metrics.ObserveRerankLatencySeconds(time.Since(start).Seconds())
		r.metrics.IncRerankCalls()
	}
	if err != nil {
		slog.Warn("rerank: scorer failed, falling back to pass-through", "error", err.Error())
		return passThrough(candidates, k)
	}
	return truncate(reranked, k)
}

func (r *Reranker) rerankWithScorer(ctx context.Context, query string, candidates []Candidate) ([]Candidate, error) {
	out := make([]Candidate, len(candidates))
	copy(out, candidates)

	for start := 0; start < len(out); start += batchSize {
		end := min(start+batchSize, len(out))
		texts := make([]string, end-start)
		for i := start; i < end; i++ {
			texts[i-start] = out[i].Quote
		}

		scores, err := r.score(ctx, query, texts)
		if err != nil {
			return nil, err
		}
		for i := start; i < end; i++ {
			out[i].Score = scores[i-start]
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

func passThrough(candidates []Candidate, k int) []Candidate {
	out := make([]Candidate, len(candidates))
	copy(out, candidates)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return truncate(out, k)
}

func truncate(candidates []Candidate, k int) []Candidate {
	if k <= 0 || k > len(candidates) {
		return candidates
	}
	return candidates[:k]
}
