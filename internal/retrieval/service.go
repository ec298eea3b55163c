// Package retrieval composes the vector index, embedding client, upstream
// store, passage extractor, and reranker into the service's query and
// write paths: retrieve, refresh, bulk-refresh, and bootstrap.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gibsey/memory-rag/internal/index"
	"github.com/gibsey/memory-rag/internal/passage"
	"github.com/gibsey/memory-rag/internal/rerank"
	"github.com/gibsey/memory-rag/internal/upstream"
)

// minQueryLen rejects queries shorter than this many runes.
const minQueryLen = 2

// defaultK / minK / maxK bound the requested result count.
const (
	defaultK = 4
	minK     = 1
	maxK     = 10
)

// Embedder turns text into a vector. Satisfied by *embedclient.Client.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// BodyFetcher reads a page's body. Satisfied by *upstream.Client or
// *upstream.PageStore.
type BodyFetcher interface {
	GetPageBody(ctx context.Context, pageID string) (string, error)
}

// Bootstrapper paged-scans the upstream vector table. Satisfied by
// *upstream.PageStore directly, or by an adapter over *upstream.Client's
// PagedScan.
type Bootstrapper interface {
	LoadAll(ctx context.Context) (map[string][]float32, error)
}

// Result is one retrieved candidate returned to callers of Retrieve.
type Result struct {
	PageID    string  `json:"page_id"`
	Quote     string  `json:"quote"`
	Score     float64 `json:"score"`
	WordCount int     `json:"word_count"`
}

// Service is the retrieval subsystem's composition root: C1 (index) + C2
// (passage) + C3 (embed) + C4 (upstream) + C5 (rerank).
type Service struct {
	Index    *index.Index
	Embedder Embedder
	Bodies   BodyFetcher
	Loader   Bootstrapper
	Reranker *rerank.Reranker

	startTime time.Time

	mu            sync.RWMutex
	lastUpdatedAt time.Time

	bootstrapping atomic.Bool
}

// New creates a Service. reranker may be nil; a nil reranker means the
// retrieve path skips reranking entirely instead of pass-through sorting.
func New(idx *index.Index, embedder Embedder, bodies BodyFetcher, loader Bootstrapper, reranker *rerank.Reranker) *Service {
	return &Service{
		Index:     idx,
		Embedder:  embedder,
		Bodies:    bodies,
		Loader:    loader,
		Reranker:  reranker,
		startTime: time.Now(),
	}
}

// InvalidQueryError reports a query that fails validation before any
// downstream call is made.
type InvalidQueryError struct {
	Reason string
}

func (e *InvalidQueryError) Error() string {
	return fmt.Sprintf("retrieval: invalid query: %s", e.Reason)
}

// Retrieve runs the full query pipeline: embed, search, fetch bodies,
// extract passages, optionally rerank.
func (s *Service) Retrieve(ctx context.Context, query string, k int) ([]Result, error) {
	if len([]rune(query)) < minQueryLen {
		return nil, &InvalidQueryError{Reason: fmt.Sprintf("query must be at least %d characters", minQueryLen)}
	}
	k = clampK(k)

	qv, err := s.Embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("retrieval.Retrieve: embed: %w", err)
	}

	hits, err := s.Index.Search(qv, k)
	if err != nil {
		return nil, fmt.Errorf("retrieval.Retrieve: search: %w", err)
	}
	if len(hits) == 0 {
		return []Result{}, nil
	}

	slots, err := s.fetchAndSlice(ctx, query, hits)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(hits))
	for _, r := range slots {
		if r != nil {
			results = append(results, *r)
		}
	}

	if s.Reranker != nil && len(results) > 0 {
		candidates := make([]rerank.Candidate, len(results))
		for i, r := range results {
			candidates[i] = rerank.Candidate{PageID: r.PageID, Quote: r.Quote, Score: r.Score}
		}
		reranked := s.Reranker.Rerank(ctx, query, candidates, k)
		results = make([]Result, len(reranked))
		for i, c := range reranked {
			results[i] = Result{PageID: c.PageID, Quote: c.Quote, Score: c.Score}
		}
		for i := range results {
			results[i].WordCount = wordsIn(results[i].Quote)
		}
	}

	return results, nil
}

// fetchAndSlice fans out GetPageBody + passage.Extract across hits
// concurrently (each candidate's fetch is independent network I/O), then
// returns one slot per hit in the original, score-ordered position: nil
// for a hit whose body was not found. A non-NotFound fetch error cancels
// the group and aborts the whole query, matching the sequential contract.
func (s *Service) fetchAndSlice(ctx context.Context, query string, hits []index.Hit) ([]*Result, error) {
	slots := make([]*Result, len(hits))

	g, gctx := errgroup.WithContext(ctx)
	for i, hit := range hits {
		i, hit := i, hit
		g.Go(func() error {
			body, err := s.Bodies.GetPageBody(gctx, hit.PageID)
			if err != nil {
				var notFound *upstream.NotFoundError
				if errors.As(err, &notFound) {
					slog.Debug("retrieval: skipping candidate with missing body", "page_id", hit.PageID, "error", err.Error())
					return nil
				}
				return fmt.Errorf("retrieval.Retrieve: fetch body for %s: %w", hit.PageID, err)
			}

			quote := passage.Extract(body, query, passage.DefaultMaxWords)
			slots[i] = &Result{
				PageID:    hit.PageID,
				Quote:     quote.Text,
				Score:     float64(hit.Score),
				WordCount: quote.WordCount,
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return slots, nil
}

func wordsIn(s string) int {
	count := 0
	inWord := false
	for _, r := range s {
		if r == ' ' || r == '\n' || r == '\t' {
			inWord = false
			continue
		}
		if !inWord {
			count++
			inWord = true
		}
	}
	return count
}

func clampK(k int) int {
	if k <= 0 {
		return defaultK
	}
	if k < minK {
		return minK
	}
	if k > maxK {
		return maxK
	}
	return k
}

// Refresh applies a single vector update to the index.
func (s *Service) Refresh(pageID string, vec []float32) error {
	if err := s.Index.Add(pageID, vec); err != nil {
		return err
	}
	s.touch()
	return nil
}

// BulkRefreshItem is one entry of a /bulk-refresh request.
type BulkRefreshItem struct {
	PageID string
	Vector []float32
}

// BulkRefreshResult reports per-item outcomes; the operation is not
// transactional, so partial application is expected.
type BulkRefreshResult struct {
	Applied int
	Failed  []string
}

// BulkRefresh applies each item independently, continuing past failures.
func (s *Service) BulkRefresh(items []BulkRefreshItem) BulkRefreshResult {
	result := BulkRefreshResult{}
	for _, item := range items {
		if err := s.Index.Add(item.PageID, item.Vector); err != nil {
			slog.Warn("retrieval: bulk-refresh item failed", "page_id", item.PageID, "error", err.Error())
			result.Failed = append(result.Failed, item.PageID)
			continue
		}
		result.Applied++
	}
	if result.Applied > 0 {
		s.touch()
	}
	return result
}

// Remove evicts a page's vector from the live index immediately. Used by
// the CDC ingest worker when running with CDC_DELETE_MODE=remove; under
// the default "dangling" mode this is never called and a deleted page's
// stale entry simply 404s on its next body fetch.
func (s *Service) Remove(pageID string) bool {
	removed := s.Index.Remove(pageID)
	if removed {
		s.touch()
	}
	return removed
}

// Bootstrap runs the paged loader and bulk-loads the result into the
// index. Safe to call concurrently; a bootstrap already in flight is
// skipped rather than queued. On failure the index is left as it was.
func (s *Service) Bootstrap(ctx context.Context) {
	if !s.bootstrapping.CompareAndSwap(false, true) {
		slog.Info("retrieval: bootstrap already in progress, skipping")
		return
	}
	defer s.bootstrapping.Store(false)

	slog.Info("retrieval: bootstrap starting")
	entries, err := s.Loader.LoadAll(ctx)
	if err != nil {
		slog.Error("retrieval: bootstrap failed, index left unchanged", "error", err.Error())
		return
	}

	if err := s.Index.BulkLoad(entries); err != nil {
		slog.Error("retrieval: bootstrap bulk-load failed", "error", err.Error())
		return
	}

	s.touch()
	slog.Info("retrieval: bootstrap complete", "count", len(entries))
}

func (s *Service) touch() {
	s.mu.Lock()
	s.lastUpdatedAt = time.Now()
	s.mu.Unlock()
}

// State is the observational snapshot returned by /stats and /health.
type State struct {
	StartTime     time.Time
	LastUpdatedAt time.Time
	IndexSize     int
	Dimension     int
	ApproxBytes   int64
	UniqueIDs     int
	UptimeSeconds float64
}

// Stats returns a point-in-time snapshot of service and index state.
func (s *Service) Stats() State {
	s.mu.RLock()
	lastUpdated := s.lastUpdatedAt
	s.mu.RUnlock()

	idxStats := s.Index.Stats()
	return State{
		StartTime:     s.startTime,
		LastUpdatedAt: lastUpdated,
		IndexSize:     idxStats.Count,
		Dimension:     idxStats.Dimension,
		ApproxBytes:   idxStats.ApproxBytes,
		UniqueIDs:     idxStats.UniqueIDs,
		UptimeSeconds: time.Since(s.startTime).Seconds(),
	}
}

// Healthy reports whether the index currently holds any vectors. An empty
// index is "degraded" rather than unhealthy: the service can still serve
// requests, just with no results.
func (s *Service) Healthy() bool {
	return s.Index.Stats().Count > 0
}
