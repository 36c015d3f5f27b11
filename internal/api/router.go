package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		// Channel status and commands
		r.Get("/status", s.handleStatuses)
		r.Get("/readings", s.handleLatestReadings)
		r.Get("/readings/{channel}", s.handleLatestReading)
		r.Route("/channels/{channel}", func(r chi.Router) {
			r.Get("/", s.handleChannelStatus)
			r.Post("/flow", s.handleSetFlow)
			r.Get("/readings", s.handleReadings)
		})

		// Emergency stop: zero every channel
		r.Post("/flows/stop", s.handleStopAllFlows)

		// Command audit trail
		r.Get("/audit", s.handleAuditTrail)

		// Recipe execution
		r.Route("/recipes", func(r chi.Router) {
			r.Post("/execute", s.handleExecuteRecipe)
			r.Post("/cancel", s.handleCancelRecipe)
			r.Get("/status", s.handleRecipeStatus)
			r.Get("/executions", s.handleExecutions)
		})
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}
