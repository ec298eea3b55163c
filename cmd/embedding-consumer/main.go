// Command embedding-consumer runs the CDC ingest worker: it consumes page
// change events from Kafka, embeds new or changed bodies, persists the
// resulting vector upstream, and notifies the retrieval service so the
// change is searchable without waiting on the next bootstrap.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/gibsey/memory-rag/internal/config"
	"github.com/gibsey/memory-rag/internal/embedclient"
	"github.com/gibsey/memory-rag/internal/ingest"
	"github.com/gibsey/memory-rag/internal/middleware"
	"github.com/gibsey/memory-rag/internal/upstream"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "embedding-consumer",
		Short: "Consume page change events, embed bodies, and refresh the retrieval index",
		Long: `embedding-consumer tails a Debezium-style change-data-capture topic for
page body inserts/updates/deletes, embeds new or changed bodies through the
configured embedding service, persists the resulting vector upstream, and
fire-and-forgets a refresh notification to the retrieval service.`,
		RunE: runConsumer,
	}

	cmd.Flags().Bool("dry-run", false, "skip upstream store and refresh-notify steps, used for load tests")
	cmd.Flags().Int("metrics-port", 9001, "port to serve /metrics on")
	cmd.Flags().String("topic", "", "CDC topic to consume, overrides TOPIC env var")
	cmd.Flags().Duration("stats-interval", time.Minute, "how often to log a processing stats snapshot, 0 disables")

	return cmd
}

func runConsumer(cmd *cobra.Command, args []string) error {
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	metricsPort, _ := cmd.Flags().GetInt("metrics-port")
	topicFlag, _ := cmd.Flags().GetString("topic")
	statsInterval, _ := cmd.Flags().GetDuration("stats-interval")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if topicFlag != "" {
		cfg.Topic = topicFlag
	}

	reg := prometheus.NewRegistry()
	metrics := middleware.NewMetrics(reg)

	embedder := embedclient.New(cfg.EmbedURL, cfg.EmbedModel, embedclient.WithExpectedDimension(cfg.VectorDim))
	upstreamClient := upstream.New(cfg.UpstreamURL, cfg.UpstreamKeyspace, cfg.UpstreamAuthToken)

	var deleter ingest.VectorDeleter
	var remover ingest.RemoveNotifier
	deleteMode := ingest.DeleteModeDangling
	if cfg.CDCDeleteMode == "remove" {
		deleteMode = ingest.DeleteModeRemove
		deleter = upstreamClient
		remover = upstreamClient
	}

	processor := ingest.NewProcessor(
		embedder,
		upstreamClient,
		deleter,
		upstreamClient,
		remover,
		metrics,
		ingest.Config{
			DryRun:     dryRun,
			DeleteMode: deleteMode,
			RefreshURL: strings.TrimRight(cfg.MemoryRAGURL, "/") + "/refresh",
		},
	)

	brokers := strings.Split(cfg.Broker, ",")
	worker := ingest.NewWorker(func() ingest.Source {
		return ingest.NewSource(ingest.ReaderConfig{
			Brokers:       brokers,
			Topic:         cfg.Topic,
			ConsumerGroup: cfg.ConsumerGroup,
		})
	}, processor)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", metricsPort),
		Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}
	go func() {
		slog.Info("embedding-consumer metrics server starting", "port", metricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server failed", "error", err.Error())
		}
	}()

	if statsInterval > 0 {
		go logStatsPeriodically(ctx, processor, statsInterval)
	}

	workerErr := make(chan error, 1)
	go func() {
		slog.Info("embedding-consumer starting",
			"broker", cfg.Broker, "topic", cfg.Topic, "group", cfg.ConsumerGroup,
			"dry_run", dryRun, "delete_mode", deleteMode)
		workerErr <- worker.Run(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received signal, shutting down", "signal", sig.String())
		cancel()
		<-workerErr
	case err := <-workerErr:
		if err != nil && err != context.Canceled {
			return fmt.Errorf("worker error: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = metricsSrv.Shutdown(shutdownCtx)

	snapshot := processor.StatsSnapshot()
	slog.Info("embedding-consumer stopped", "processed", snapshot.ProcessedCount, "avg_embedding_latency_ms", snapshot.AverageLatencyMillis)
	return nil
}

// logStatsPeriodically logs a processing stats snapshot on a fixed interval
// until ctx is canceled, mirroring the original consumer's periodic
// stats.log_interval_s reporting.
func logStatsPeriodically(ctx context.Context, processor *ingest.Processor, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snapshot := processor.StatsSnapshot()
			slog.Info("embedding-consumer stats", "processed", snapshot.ProcessedCount, "avg_embedding_latency_ms", snapshot.AverageLatencyMillis)
		}
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}
