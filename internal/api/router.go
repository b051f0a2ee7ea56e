package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultMetricsPath = "/metrics"
	defaultWSPath      = "/api/v1/ws"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	if s.metrics.Enabled && s.gatherer != nil {
		path := s.metrics.Path
		if path == "" {
			path = defaultMetricsPath
		}
		r.Handle(path, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	// The WebSocket authenticates with a query token.
	wsPath := s.wsCfg.Path
	if wsPath == "" {
		wsPath = defaultWSPath
	}
	r.Get(wsPath, s.handleWebSocket)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Post("/auth/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Get("/system", s.handleSystem)
			r.Get("/audit", s.handleListAudit)

			r.Route("/devices", func(r chi.Router) {
				r.Get("/", s.handleListDevices)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetDevice)
					r.Delete("/", s.handleDeleteDevice)
					r.Get("/readings", s.handleGetReadings)
					r.Get("/commands", s.handleListCommands)
					r.Post("/commands/{name}", s.handleExecuteCommand)
					r.Put("/slots/{slot}", s.handleResolveSlot)
					r.Post("/refetch", s.handleRefetch)
				})
			})

			r.Route("/setup", func(r chi.Router) {
				r.Post("/scan", s.handleScan)
				r.Post("/devices", s.handleCreateDevice)
			})
		})
	})

	return r
}

// handleHealth reports liveness and the bridge's device counts.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	managed, connected := s.bridge.DeviceCounts()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"version":           s.version,
		"devices_managed":   managed,
		"devices_connected": connected,
	})
}
