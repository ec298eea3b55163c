// Package httpapi implements the retrieval service's HTTP surface:
// /retrieve, /refresh, /bulk-refresh, /bootstrap, /stats, /health,
// /version, and /metrics, composed over internal/retrieval.Service.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gibsey/memory-rag/internal/embedclient"
	"github.com/gibsey/memory-rag/internal/index"
	"github.com/gibsey/memory-rag/internal/retrieval"
	"github.com/gibsey/memory-rag/internal/upstream"
)

// apiVersion is the stable API version string returned by /version.
const apiVersion = "v1"

// indexType is the reported index implementation name. Kept as the literal
// value the upstream FAISS-based service reported, since other callers of
// /stats and /version already key off this string.
const indexType = "IndexFlatIP"

type envelope struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, envelope{Error: msg})
}

// Health returns the GET /health handler. Status is "healthy" with HTTP 200
// if the index holds any vectors, "degraded" with HTTP 207 if it is empty.
func Health(svc *retrieval.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state := svc.Stats()

		status := "degraded"
		httpStatus := http.StatusMultiStatus
		if svc.Healthy() {
			status = "healthy"
			httpStatus = http.StatusOK
		}

		respondJSON(w, httpStatus, map[string]any{
			"status":       status,
			"index_size":   state.IndexSize,
			"uptime":       state.UptimeSeconds,
			"last_updated": formatTime(state.LastUpdatedAt),
		})
	}
}

// Version returns the GET /version handler.
func Version(svc *retrieval.Service, serviceName, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state := svc.Stats()
		respondJSON(w, http.StatusOK, map[string]any{
			"service":       serviceName,
			"version":       version,
			"api_version":   apiVersion,
			"index_vectors": state.IndexSize,
		})
	}
}

// Stats returns the GET /stats handler.
func Stats(svc *retrieval.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state := svc.Stats()
		respondJSON(w, http.StatusOK, map[string]any{
			"total_vectors":      state.IndexSize,
			"dimension":          state.Dimension,
			"index_type":         indexType,
			"memory_usage_bytes": state.ApproxBytes,
			"unique_page_ids":    state.UniqueIDs,
			"last_updated":       formatTime(state.LastUpdatedAt),
			"uptime_seconds":     state.UptimeSeconds,
		})
	}
}

// Retrieve returns the GET /retrieve handler: embeds the query, searches the
// index, fetches page bodies, extracts passages, and optionally reranks.
func Retrieve(svc *retrieval.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		k := parseK(r.URL.Query().Get("k"))

		results, err := svc.Retrieve(r.Context(), q, k)
		if err != nil {
			writeRetrieveError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, results)
	}
}

func parseK(raw string) int {
	if raw == "" {
		return 0
	}
	k, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return k
}

func writeRetrieveError(w http.ResponseWriter, err error) {
	var invalidQuery *retrieval.InvalidQueryError
	if errors.As(err, &invalidQuery) {
		respondError(w, http.StatusBadRequest, invalidQuery.Error())
		return
	}

	var embedErr *embedclient.UpstreamError
	var embedReqErr *embedclient.RequestError
	var embedDimErr *embedclient.DimensionError
	if errors.As(err, &embedErr) || errors.As(err, &embedReqErr) || errors.As(err, &embedDimErr) {
		respondError(w, http.StatusServiceUnavailable, "embedding service unavailable")
		return
	}

	var clientErr *upstream.ClientError
	if errors.As(err, &clientErr) {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	var upstreamErr *upstream.UpstreamError
	if errors.As(err, &upstreamErr) {
		respondError(w, http.StatusBadGateway, "upstream store unavailable")
		return
	}

	respondError(w, http.StatusInternalServerError, "internal error")
}

// refreshRequest is the wire shape for POST /refresh and each item of
// POST /bulk-refresh.
type refreshRequest struct {
	PageID string    `json:"page_id"`
	Vector []float32 `json:"vector"`
}

// Refresh returns the POST /refresh handler.
func Refresh(svc *retrieval.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req refreshRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "malformed request body")
			return
		}
		if req.PageID == "" {
			respondError(w, http.StatusBadRequest, "page_id is required")
			return
		}

		if err := svc.Refresh(req.PageID, req.Vector); err != nil {
			writeShapeError(w, err)
			return
		}

		respondJSON(w, http.StatusAccepted, map[string]any{"status": "ok", "page_id": req.PageID})
	}
}

// RemoveRefresh returns the DELETE /refresh handler: evicts a page's
// vector from the live index immediately. This is the ingest worker's
// CDC_DELETE_MODE=remove counterpart to POST /refresh; it is not part of
// the documented external query/write surface and exists purely for
// worker-to-service coordination.
func RemoveRefresh(svc *retrieval.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pageID := r.URL.Query().Get("page_id")
		if pageID == "" {
			respondError(w, http.StatusBadRequest, "page_id is required")
			return
		}
		svc.Remove(pageID)
		respondJSON(w, http.StatusAccepted, map[string]any{"status": "ok", "page_id": pageID})
	}
}

func writeShapeError(w http.ResponseWriter, err error) {
	var shapeErr *index.ShapeError
	if errors.As(err, &shapeErr) {
		if shapeErr.NonFinite {
			respondError(w, http.StatusUnprocessableEntity, shapeErr.Error())
			return
		}
		respondError(w, http.StatusBadRequest, shapeErr.Error())
		return
	}
	respondError(w, http.StatusInternalServerError, "internal error")
}

// BulkRefresh returns the POST /bulk-refresh handler. The operation is not
// transactional: items that fail shape validation are logged and skipped,
// the rest are applied.
func BulkRefresh(svc *retrieval.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var items []refreshRequest
		if err := json.NewDecoder(r.Body).Decode(&items); err != nil {
			respondError(w, http.StatusBadRequest, "malformed request body")
			return
		}

		batch := make([]retrieval.BulkRefreshItem, len(items))
		for i, item := range items {
			batch[i] = retrieval.BulkRefreshItem{PageID: item.PageID, Vector: item.Vector}
		}

		result := svc.BulkRefresh(batch)
		respondJSON(w, http.StatusAccepted, map[string]any{
			"status":  "ok",
			"applied": result.Applied,
			"failed":  result.Failed,
		})
	}
}

// bootstrapTimeout bounds the background loader so a stuck upstream scan
// cannot leak a goroutine forever.
const bootstrapTimeout = 5 * time.Minute

// Bootstrap returns the POST /bootstrap handler. It starts the loader in
// the background (detached from the request's own context, which ends the
// moment this handler returns) and acknowledges immediately with 202.
func Bootstrap(svc *retrieval.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), bootstrapTimeout)
			defer cancel()
			svc.Bootstrap(ctx)
		}()
		respondJSON(w, http.StatusAccepted, map[string]any{"status": "bootstrap started"})
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}
