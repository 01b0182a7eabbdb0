package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"fleet-monitor/analytics/internal/metrics"
)

// NewRouter mounts the trigger API. /health and /metrics are public; the
// rest requires an X-API-Key.
func NewRouter(h *Handler, auth *AuthMiddleware, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: allowedOrigins,
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "X-API-Key"},
		}))
	}

	r.Get("/health", h.Health)
	r.Get("/metrics", metrics.HandleMetrics)

	r.Group(func(r chi.Router) {
		r.Use(auth.Wrap)

		r.Post("/runs", h.StartRun)
		r.Get("/runs", h.ListRuns)
		r.Get("/runs/{id}", h.GetRun)
		r.Delete("/runs/{id}", h.CancelRun)

		r.Post("/tasks/{id}/recompute", h.RecomputeTask)
		r.Get("/vehicles/{id}/metrics", h.VehicleMetrics)
		r.Get("/vehicles/{id}/zone", h.VehicleZone)
	})

	return r
}
