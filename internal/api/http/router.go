package http

import (
	"net/http"
	"time"
)

// RouterConfig configures the API routes.
type RouterConfig struct {
	// MaxBodyBytes caps request bodies on API routes.
	MaxBodyBytes int64

	// RatePeriod is the token refill interval per client.
	RatePeriod time.Duration

	// RateBurst is the number of requests a client may make at once.
	RateBurst int
}

// Handlers are the endpoints the router mounts.
type Handlers struct {
	Ingest   http.Handler
	Insights http.Handler
	Trigger  http.Handler
	Status   http.Handler
}

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// HealthHandler answers liveness checks.
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Service: "alembic"})
}

// NewRouter mounts the API. Every route gets the default middleware; API
// routes are also rate limited per client and body-capped, /health is not.
func NewRouter(cfg RouterConfig, h Handlers) http.Handler {
	limiter := NewRateLimiter(cfg.RatePeriod, cfg.RateBurst)
	api := ChainMiddleware(
		limiter.Middleware,
		BodyLimitMiddleware(cfg.MaxBodyBytes),
	)

	mux := http.NewServeMux()
	mux.Handle("/v1/event", api(h.Ingest))
	mux.Handle("/api/v1/stats/insights", api(h.Insights))
	mux.Handle("/v1/aggregation/trigger", api(h.Trigger))
	mux.Handle("/v1/aggregation/status", api(h.Status))
	mux.HandleFunc("/health", HealthHandler)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found", "", GetRequestID(r.Context()))
	})

	return DefaultMiddleware()(mux)
}
