package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics collectors for the retrieval service
// and the CDC ingest worker.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ErrorsTotal     *prometheus.CounterVec
	ActiveRequests  prometheus.Gauge

	IndexSize        prometheus.Gauge
	EmbeddingLatency *prometheus.HistogramVec
	RerankLatency    prometheus.Histogram
	RerankCalls      prometheus.Counter

	IngestProcessedTotal prometheus.Counter
	IngestErrorsTotal    prometheus.Counter
}

// NewMetrics creates and registers Prometheus metrics against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method and path.",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "path"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_errors_total",
				Help: "Total number of HTTP error responses (4xx/5xx).",
			},
			[]string{"method", "path", "status"},
		),
		ActiveRequests: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_active_requests",
				Help: "Number of currently active HTTP requests.",
			},
		),
		IndexSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_rag_index_vectors",
				Help: "Number of live vectors currently held in the in-memory index.",
			},
		),
		EmbeddingLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "memory_rag_embedding_latency_seconds",
				Help:    "Latency of embedding HTTP calls in seconds.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"outcome"},
		),
		RerankLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "memory_rag_rerank_latency_seconds",
				Help:    "Latency of reranker scoring calls in seconds.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
			},
		),
		RerankCalls: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "memory_rag_rerank_calls_total",
				Help: "Total number of reranker invocations.",
			},
		),
		IngestProcessedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "memory_rag_ingest_processed_total",
				Help: "Total number of CDC events successfully embedded and stored.",
			},
		),
		IngestErrorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "memory_rag_ingest_errors_total",
				Help: "Total number of CDC events that failed processing.",
			},
		),
	}

	reg.MustRegister(
		m.RequestsTotal, m.RequestDuration, m.ErrorsTotal, m.ActiveRequests,
		m.IndexSize, m.EmbeddingLatency, m.RerankLatency, m.RerankCalls,
		m.IngestProcessedTotal, m.IngestErrorsTotal,
	)
	return m
}

// ObserveRerankLatencySeconds records one reranker call's wall time.
// Implements rerank.MetricsRecorder.
func (m *Metrics) ObserveRerankLatencySeconds(seconds float64) {
	m.RerankLatency.Observe(seconds)
}

// IncRerankCalls counts one reranker invocation. Implements
// rerank.MetricsRecorder.
func (m *Metrics) IncRerankCalls() {
	m.RerankCalls.Inc()
}

// ObserveEmbeddingLatency records one embedding call's wall time, labeled by
// outcome ("ok", "error").
func (m *Metrics) ObserveEmbeddingLatency(outcome string, seconds float64) {
	m.EmbeddingLatency.WithLabelValues(outcome).Observe(seconds)
}

// SetIndexSize updates the live-vector gauge to reflect the index's
// current size.
func (m *Metrics) SetIndexSize(count int) {
	m.IndexSize.Set(float64(count))
}

// IncIngestProcessed counts one successfully applied CDC event. Implements
// ingest.MetricsRecorder.
func (m *Metrics) IncIngestProcessed() {
	m.IngestProcessedTotal.Inc()
}

// IncIngestErrors counts one CDC event that failed processing. Implements
// ingest.MetricsRecorder.
func (m *Metrics) IncIngestErrors() {
	m.IngestErrorsTotal.Inc()
}

// Monitoring returns middleware that records request metrics.
func Monitoring(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			m.ActiveRequests.Inc()

			sw := &metricsWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(sw.status)
			path := sanitizePath(r.URL.Path)

			m.RequestsTotal.WithLabelValues(r.Method, path, status).Inc()
			m.RequestDuration.WithLabelValues(r.Method, path).Observe(duration)
			m.ActiveRequests.Dec()

			if sw.status >= 400 {
				m.ErrorsTotal.WithLabelValues(r.Method, path, status).Inc()
			}
		})
	}
}

// MetricsHandler returns the Prometheus metrics endpoint handler.
func MetricsHandler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

type metricsWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (mw *metricsWriter) WriteHeader(code int) {
	if !mw.wroteHeader {
		mw.status = code
		mw.wroteHeader = true
	}
	mw.ResponseWriter.WriteHeader(code)
}

func (mw *metricsWriter) Write(b []byte) (int, error) {
	if !mw.wroteHeader {
		mw.wroteHeader = true
	}
	return mw.ResponseWriter.Write(b)
}

// sanitizePath normalizes URL paths to prevent high-cardinality label values.
// Path segments that look like page IDs are replaced with ":id".
func sanitizePath(path string) string {
	if len(path) == 0 {
		return "/"
	}

	var result []byte
	start := 0
	segIdx := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '/' {
			seg := path[start:i]
			if segIdx > 0 && looksLikeID(seg) {
				result = append(result, ":id"...)
			} else {
				result = append(result, seg...)
			}
			if i < len(path) {
				result = append(result, '/')
			}
			start = i + 1
			segIdx++
		}
	}
	return string(result)
}

// looksLikeID returns true if the segment looks like a UUID or a numeric/opaque page ID.
func looksLikeID(seg string) bool {
	if len(seg) == 0 {
		return false
	}
	if len(seg) == 36 {
		dashes := 0
		for _, c := range seg {
			if c == '-' {
				dashes++
			}
		}
		if dashes == 4 {
			return true
		}
	}
	for _, c := range seg {
		if c < '0' || c > '9' {
			return false
		}
	}
	return len(seg) > 0
}
