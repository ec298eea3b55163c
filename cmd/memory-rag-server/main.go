// Command memory-rag-server runs the retrieval HTTP service: it serves
// /retrieve, /refresh, /bulk-refresh, /bootstrap, /stats, /health,
// /version, and /metrics over the in-memory vector index, scheduling a
// background bootstrap from the upstream store on startup.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gibsey/memory-rag/internal/config"
	"github.com/gibsey/memory-rag/internal/embedclient"
	"github.com/gibsey/memory-rag/internal/httpapi"
	"github.com/gibsey/memory-rag/internal/index"
	"github.com/gibsey/memory-rag/internal/middleware"
	"github.com/gibsey/memory-rag/internal/rerank"
	"github.com/gibsey/memory-rag/internal/retrieval"
	"github.com/gibsey/memory-rag/internal/upstream"
)

const serviceName = "memory-rag"

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	idx := index.New(cfg.VectorDim)
	embedder := embedclient.New(cfg.EmbedURL, cfg.EmbedModel, embedclient.WithExpectedDimension(cfg.VectorDim))
	upstreamClient := upstream.New(cfg.UpstreamURL, cfg.UpstreamKeyspace, cfg.UpstreamAuthToken)

	bodies := retrieval.BodyFetcher(upstreamClient)
	loader := retrieval.Bootstrapper(upstreamLoader{client: upstreamClient})
	if cfg.DatabaseURL != "" {
		poolCtx, cancelPool := context.WithTimeout(context.Background(), 30*time.Second)
		pool, err := upstream.NewPool(poolCtx, cfg.DatabaseURL, cfg.DBMaxConns)
		cancelPool()
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
		defer pool.Close()

		store := upstream.NewPageStore(pool)
		bodies = store
		loader = store
		slog.Info("using direct database page store", "max_conns", cfg.DBMaxConns)
	}

	reg := prometheus.NewRegistry()
	metrics := middleware.NewMetrics(reg)

	reranker := buildReranker(cfg, metrics)

	svc := retrieval.New(idx, embedder, bodies, loader, reranker)

	limiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		MaxRequests:     60,
		Window:          time.Minute,
		CleanupInterval: 5 * time.Minute,
	})
	defer limiter.Stop()

	router := httpapi.New(&httpapi.Dependencies{
		Service:             svc,
		Metrics:             metrics,
		MetricsReg:          reg,
		Version:             cfg.Version,
		ServiceName:         serviceName,
		FrontendURL:         cfg.FrontendURL,
		RetrieveRateLimiter: limiter,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	bootstrapCtx, cancelBootstrap := context.WithCancel(context.Background())
	defer cancelBootstrap()
	go svc.Bootstrap(bootstrapCtx)

	go reportIndexSize(bootstrapCtx, svc, metrics)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("memory-rag-server starting", "port", cfg.Port, "version", cfg.Version)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received signal, shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	slog.Info("memory-rag-server stopped")
	return nil
}

// buildReranker wires an HTTP cross-encoder scorer when RERANKER=on. A
// sidecar that fails its startup probe never brings the service down: the
// reranker is still constructed, just in pass-through mode.
func buildReranker(cfg *config.Config, metrics *middleware.Metrics) *rerank.Reranker {
	if !cfg.RerankerEnabled {
		return rerank.New(nil, metrics)
	}

	scorer, err := rerank.NewHTTPScorer(rerank.HTTPScorerConfig{
		URL:    cfg.RerankerURL(),
		Model:  cfg.RerankerModel,
		Device: cfg.RerankerDevice,
	})
	if err != nil {
		slog.Warn("reranker sidecar unavailable at startup, falling back to pass-through", "error", err.Error())
		return rerank.New(nil, metrics)
	}
	return rerank.New(scorer, metrics)
}

// reportIndexSize periodically publishes the index's live vector count to
// the Prometheus gauge; Stats() is already lock-cheap, so a short poll
// interval is fine.
func reportIndexSize(ctx context.Context, svc *retrieval.Service, metrics *middleware.Metrics) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetIndexSize(svc.Stats().IndexSize)
		}
	}
}

// upstreamLoader adapts *upstream.Client's paged scan into the
// retrieval.Bootstrapper interface.
type upstreamLoader struct {
	client *upstream.Client
}

const bootstrapPageSize = 500

func (l upstreamLoader) LoadAll(ctx context.Context) (map[string][]float32, error) {
	entries := make(map[string][]float32)
	err := l.client.PagedScan(ctx, "page_vectors", bootstrapPageSize, func(rows []upstream.Row) error {
		for _, row := range rows {
			pageID, vec, err := decodeVectorRow(row)
			if err != nil {
				slog.Warn("bootstrap: skipping malformed row", "error", err.Error())
				continue
			}
			entries[pageID] = vec
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func decodeVectorRow(row upstream.Row) (string, []float32, error) {
	var pageID string
	if err := json.Unmarshal(row["page_id"], &pageID); err != nil {
		return "", nil, fmt.Errorf("decode page_id column: %w", err)
	}
	var vec []float32
	if err := json.Unmarshal(row["vector"], &vec); err != nil {
		return "", nil, fmt.Errorf("decode vector column for %s: %w", pageID, err)
	}
	return pageID, vec, nil
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
