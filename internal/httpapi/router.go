package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/riverstack/useraggd/internal/eventagg"
)

// NewRouter builds the full HTTP observability surface for service: health
// probes, Prometheus metrics, and the read-only counter lookups.
func NewRouter(service *eventagg.Service) http.Handler {
	h := NewHandler(service)

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(30 * time.Second)) // matches ServerConfig.Timeout's default

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", h.Live)
		r.Get("/ready", h.Ready)
		r.Get("/", h.Health)
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1/users/{userID}", func(r chi.Router) {
		r.Get("/stats", h.UserStats)
		r.Get("/events/{eventType}", h.EventStat)
	})

	return r
}
