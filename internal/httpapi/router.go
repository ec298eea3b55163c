package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gibsey/memory-rag/internal/middleware"
	"github.com/gibsey/memory-rag/internal/retrieval"
)

// Dependencies holds everything the router needs to wire up handlers and
// ambient middleware.
type Dependencies struct {
	Service     *retrieval.Service
	Metrics     *middleware.Metrics
	MetricsReg  *prometheus.Registry
	Version     string
	ServiceName string
	FrontendURL string

	// RetrieveRateLimiter guards /retrieve; nil disables rate limiting.
	RetrieveRateLimiter *middleware.RateLimiter
}

// retrieveTimeout matches the spec's end-to-end deadline for /retrieve.
const retrieveTimeout = 10 * time.Second

// New builds the chi router exposing the retrieval service's HTTP surface.
func New(deps *Dependencies) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.Logging)
	r.Use(middleware.CORS(deps.FrontendURL))
	if deps.Metrics != nil {
		r.Use(middleware.Monitoring(deps.Metrics))
	}

	r.Get("/health", Health(deps.Service))
	r.Get("/version", Version(deps.Service, deps.ServiceName, deps.Version))
	r.Get("/stats", Stats(deps.Service))

	if deps.MetricsReg != nil {
		r.Handle("/metrics", middleware.MetricsHandler(deps.MetricsReg))
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(retrieveTimeout))
		if deps.RetrieveRateLimiter != nil {
			r.Use(middleware.RateLimit(deps.RetrieveRateLimiter))
		}
		r.Get("/retrieve", Retrieve(deps.Service))
	})

	r.Post("/refresh", Refresh(deps.Service))
	r.Delete("/refresh", RemoveRefresh(deps.Service))
	r.Post("/bulk-refresh", BulkRefresh(deps.Service))
	r.Post("/bootstrap", Bootstrap(deps.Service))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusNotFound, "route not found")
	})

	return r
}
