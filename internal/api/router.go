package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// healthCheckTimeout bounds each component probe on /health.
const healthCheckTimeout = 2 * time.Second

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/system", s.handleSystem)
		r.Post("/auth/login", s.handleLogin)

		r.Route("/daemon", func(r chi.Router) {
			r.Get("/status", s.handleStatus)
			r.Get("/pids", s.handlePIDs)

			r.Group(func(r chi.Router) {
				r.Use(s.authMiddleware)
				r.Post("/run", s.handleRunDaemon)
				r.Post("/start", s.handleStart)
				r.Post("/stop", s.handleStop)
				r.Post("/kill", s.handleKill)
			})
		})

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.handleListRuns)
			r.Get("/{id}", s.handleGetRun)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Post("/shell", s.handleShell)
			r.Post("/auth/ws-ticket", s.handleWSTicket)
			r.Get("/audit", s.handleListAudit)
		})

		// Ticket checked in the handler when auth is enabled.
		r.Get("/ws", s.handleWebSocket)
	})

	return r
}

// handleHealth probes every registered component. Any failure reports
// 503 with status "degraded".
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	components := make(map[string]string, len(s.checks))
	healthy := true
	for name, c := range s.checks {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := c.HealthCheck(ctx)
		cancel()
		if err != nil {
			healthy = false
			components[name] = err.Error()
			continue
		}
		components[name] = "ok"
	}

	status, code := "ok", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":     status,
		"version":    s.version,
		"components": components,
	})
}
