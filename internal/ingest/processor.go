// Package ingest implements the CDC ingest worker: it decodes Debezium
// change events off the page-body topic, embeds new or changed bodies,
// persists the resulting vector upstream, and fire-and-forgets a refresh
// notification to the retrieval service so the change is searchable
// without waiting on the next bootstrap.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Embedder turns page text into a vector. Satisfied by *embedclient.Client.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorStore persists a page's vector upstream. Satisfied by
// *upstream.Client.
type VectorStore interface {
	Put(ctx context.Context, table, key string, row any) error
}

// VectorDeleter removes a page's vector upstream, used only in "remove"
// delete mode.
type VectorDeleter interface {
	Delete(ctx context.Context, table, key string) error
}

// RefreshNotifier fire-and-forgets a refresh to the retrieval service.
// Satisfied by *upstream.Client.
type RefreshNotifier interface {
	NotifyRefresh(ctx context.Context, refreshURL, pageID string, vec []float32) error
}

// RemoveNotifier fire-and-forgets an eviction to the retrieval service.
// Satisfied by *upstream.Client.
type RemoveNotifier interface {
	NotifyRemove(ctx context.Context, refreshURL, pageID string) error
}

// MetricsRecorder is the subset of the service's Prometheus metrics the
// worker reports to. A nil recorder disables metrics.
type MetricsRecorder interface {
	IncIngestProcessed()
	IncIngestErrors()
	ObserveEmbeddingLatency(outcome string, seconds float64)
}

// DeleteMode controls how a CDC delete event is handled.
type DeleteMode string

const (
	// DeleteModeDangling leaves the existing vector in place; the next
	// body-fetch against the deleted page will 404 and the candidate is
	// dropped from results, but the index entry is not actively evicted.
	DeleteModeDangling DeleteMode = "dangling"
	// DeleteModeRemove evicts the vector upstream and notifies the
	// retrieval service to drop it from the live index immediately.
	DeleteModeRemove DeleteMode = "remove"
)

// VectorTable is the upstream table name vectors are stored under.
const VectorTable = "page_vectors"

// Config configures a Processor.
type Config struct {
	DryRun     bool
	DeleteMode DeleteMode
	RefreshURL string
}

// Processor applies one decoded ChangeEvent at a time: embed, store,
// notify. It holds no Kafka-specific state, so it is testable independent
// of any broker connection.
type Processor struct {
	Embed  Embedder
	Store  VectorStore
	Delete VectorDeleter
	Notify RefreshNotifier
	Remove RemoveNotifier

	Metrics MetricsRecorder
	cfg     Config

	mu             sync.Mutex
	processedCount int64
	totalLatency   time.Duration
}

// NewProcessor creates a Processor. Delete and Remove may be nil if cfg's
// DeleteMode is DeleteModeDangling.
func NewProcessor(embed Embedder, store VectorStore, del VectorDeleter, notify RefreshNotifier, remove RemoveNotifier, metrics MetricsRecorder, cfg Config) *Processor {
	return &Processor{
		Embed:   embed,
		Store:   store,
		Delete:  del,
		Notify:  notify,
		Remove:  remove,
		Metrics: metrics,
		cfg:     cfg,
	}
}

// ProcessMessage decodes and applies one raw CDC message. It returns a
// *DataError for malformed/unusable events (the caller should log, count,
// and commit the offset), nil for events successfully applied or
// deliberately ignored, and any other error for transient failures the
// caller should leave uncommitted and retry.
func (p *Processor) ProcessMessage(ctx context.Context, raw []byte) error {
	evt, err := DecodeChangeEvent(raw)
	if err != nil {
		if IsIgnoredOp(err) {
			return nil
		}
		return err
	}

	traceID := uuid.New().String()
	if evt.Op == OpDelete {
		return p.processDelete(ctx, evt, traceID)
	}
	return p.processUpsert(ctx, evt, traceID)
}

func (p *Processor) processUpsert(ctx context.Context, evt *ChangeEvent, traceID string) error {
	if evt.PageID == "" || evt.Body == "" {
		return &DataError{Reason: fmt.Sprintf("missing page_id or body for op %q", evt.Op)}
	}

	start := time.Now()
	vec, err := p.Embed.Embed(ctx, evt.Body)
	elapsed := time.Since(start)

	if err != nil {
		p.recordLatency("error", elapsed)
		p.incErrors()
		return fmt.Errorf("ingest: embed page %s (trace %s): %w", evt.PageID, traceID, err)
	}
	p.recordLatency("ok", elapsed)
	p.recordAverage(elapsed)

	if p.cfg.DryRun {
		slog.Info("ingest: dry run, skipping store and notify", "page_id", evt.PageID, "op", evt.Op, "trace_id", traceID)
		p.incProcessed()
		return nil
	}

	if err := p.Store.Put(ctx, VectorTable, evt.PageID, map[string]any{"vector": vec}); err != nil {
		p.incErrors()
		return fmt.Errorf("ingest: store page %s (trace %s): %w", evt.PageID, traceID, err)
	}

	if p.Notify != nil {
		if err := p.Notify.NotifyRefresh(ctx, p.cfg.RefreshURL, evt.PageID, vec); err != nil {
			slog.Warn("ingest: refresh notification failed, next bootstrap will pick it up", "page_id", evt.PageID, "trace_id", traceID, "error", err.Error())
		}
	}

	p.incProcessed()
	return nil
}

func (p *Processor) processDelete(ctx context.Context, evt *ChangeEvent, traceID string) error {
	if evt.PageID == "" {
		return &DataError{Reason: "delete event missing page_id"}
	}

	if p.cfg.DeleteMode != DeleteModeRemove {
		slog.Debug("ingest: leaving dangling entry for deleted page", "page_id", evt.PageID, "trace_id", traceID)
		p.incProcessed()
		return nil
	}

	if p.cfg.DryRun {
		slog.Info("ingest: dry run, skipping delete", "page_id", evt.PageID, "trace_id", traceID)
		p.incProcessed()
		return nil
	}

	if p.Delete != nil {
		if err := p.Delete.Delete(ctx, VectorTable, evt.PageID); err != nil {
			p.incErrors()
			return fmt.Errorf("ingest: delete page %s (trace %s): %w", evt.PageID, traceID, err)
		}
	}

	if p.Remove != nil {
		if err := p.Remove.NotifyRemove(ctx, p.cfg.RefreshURL, evt.PageID); err != nil {
			slog.Warn("ingest: remove notification failed, stale entry will 404 on body fetch until next bootstrap", "page_id", evt.PageID, "trace_id", traceID, "error", err.Error())
		}
	}

	p.incProcessed()
	return nil
}

func (p *Processor) incProcessed() {
	if p.Metrics != nil {
		p.Metrics.IncIngestProcessed()
	}
}

func (p *Processor) incErrors() {
	if p.Metrics != nil {
		p.Metrics.IncIngestErrors()
	}
}

func (p *Processor) recordLatency(outcome string, d time.Duration) {
	if p.Metrics != nil {
		p.Metrics.ObserveEmbeddingLatency(outcome, d.Seconds())
	}
}

// recordAverage maintains a simple running mean embedding latency, mirrored
// from the original consumer's rolling stats.embedding_time_ms_avg and
// exposed via Stats.
func (p *Processor) recordAverage(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.processedCount++
	p.totalLatency += d
}

// Stats is a point-in-time snapshot of processing counters.
type Stats struct {
	ProcessedCount       int64
	AverageLatencyMillis float64
}

// StatsSnapshot returns the current processing counters.
func (p *Processor) StatsSnapshot() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	avg := 0.0
	if p.processedCount > 0 {
		avg = float64(p.totalLatency.Milliseconds()) / float64(p.processedCount)
	}
	return Stats{ProcessedCount: p.processedCount, AverageLatencyMillis: avg}
}
