package api

import (
	"net/http"

	"github.com/rs/cors"

	"github.com/Adithya-Monish-Kumar-K/govscout/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/govscout/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/govscout/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/govscout/pkg/middleware"
)

// NewRouter builds the full HTTP handler.
//
// Route table:
//
//	GET /api/opportunities       search
//	GET /api/opportunities/{id}  detail with contacts
//	GET /api/stats               facet counts and total
//	GET /api/calls               recent harvest call log
//	GET /api/types               reference codes
//	GET /health/live             liveness
//	GET /health/ready            readiness
//	GET /metrics                 Prometheus scrape
//
// Middleware chain (outermost first):
//
//	RequestID → Logging → Metrics → CORS → RateLimit → Timeout → mux
func NewRouter(h *Handler, checker *health.Checker, m *metrics.Metrics, limiter *middleware.Limiter, cfg config.ServerConfig) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/opportunities", h.SearchOpportunities)
	mux.HandleFunc("GET /api/opportunities/{id}", h.GetOpportunity)
	mux.HandleFunc("GET /api/stats", h.Stats)
	mux.HandleFunc("GET /api/calls", h.Calls)
	mux.HandleFunc("GET /api/types", h.Types)

	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())
	mux.Handle("GET /metrics", m.Handler())

	c := cors.New(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{middleware.RequestIDHeader},
		MaxAge:         86400,
	})

	var chain http.Handler = mux
	chain = middleware.Timeout(cfg.RequestTimeout)(chain)
	chain = middleware.RateLimit(limiter)(chain)
	chain = c.Handler(chain)
	chain = middleware.Metrics(m)(chain)
	chain = middleware.Logging(chain)
	chain = middleware.RequestID(chain)
	return chain
}
