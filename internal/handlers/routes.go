package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter wires the worker's HTTP surface
func NewRouter(uploads *UploadHandler, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)

	r.Get("/health", HealthCheck)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.With(chiMiddleware.Timeout(30*time.Second)).Post("/uploads", uploads.Enqueue)
		r.With(chiMiddleware.Timeout(30*time.Second)).Post("/batches", uploads.SubmitBatch)

		// Long-lived SSE; no timeout
		r.Get("/clients/{clientID}/events", uploads.Events)
	})

	return r
}
