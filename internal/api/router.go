package api

import (
	"net/http"

	"github.com/agentoven/brigade/internal/api/handlers"
	"github.com/agentoven/brigade/internal/api/middleware"
	"github.com/agentoven/brigade/internal/config"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates the HTTP router for the http transport.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))
	r.Use(middleware.NewAPIKeyAuth(cfg.APIKeys).Middleware)

	// Health & info
	r.Get("/health", h.Health)
	r.Get("/version", h.VersionInfo)
	r.Handle("/metrics", promhttp.Handler())

	// JSON-RPC
	r.Post("/rpc", h.RPC)

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/engine", h.EngineStats)
		r.Route("/domains", func(r chi.Router) {
			r.Get("/", h.ListDomains)
			r.Get("/{domain}/{kind}", h.QueryDomain)
		})
	})

	return r
}
