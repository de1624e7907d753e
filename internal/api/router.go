package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/knxlink/internal/connection"
)

// healthCheckTimeout bounds each dependency check of /health.
const healthCheckTimeout = 2 * time.Second

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		// Health and metrics (no auth required)
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Route("/connection", func(r chi.Router) {
				r.Get("/", s.handleGetConnection)
				r.Post("/", s.handleConnect)
				r.Delete("/", s.handleDisconnect)
			})

			r.Route("/groups", func(r chi.Router) {
				r.Get("/", s.handleListGroups)
				r.Post("/read", s.handleReadMany)
				r.Post("/write", s.handleWriteMany)

				r.Get("/{ga}", s.handleReadGroup)
				r.Put("/{ga}", s.handleWriteGroup)
				r.Get("/{main}/{middle}/{sub}", s.handleReadGroup)
				r.Put("/{main}/{middle}/{sub}", s.handleWriteGroup)
			})

			r.Route("/datapoints", func(r chi.Router) {
				r.Get("/", s.handleListDatapoints)
				r.Get("/{id}", s.handleGetDatapoint)
			})

			r.Get("/events", s.handleListEvents)
			r.Get("/audit", s.handleListAudit)

			r.Get("/ws", s.handleWebSocket)
		})
	})

	return r
}

// handleHealth reports the bus state and the optional dependencies.
// The status is "ok" only when the bus is connected and every configured
// dependency answers.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.conn.Status()
	checks := map[string]string{"bus": st.State.String()}
	healthy := st.State == connection.StateConnected

	for name, c := range map[string]HealthChecker{"database": s.db, "mqtt": s.mqtt, "knxd": s.daemon} {
		if c == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := c.HealthCheck(ctx)
		cancel()
		if err != nil {
			checks[name] = err.Error()
			healthy = false
			continue
		}
		checks[name] = "ok"
	}

	status := "ok"
	if !healthy {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": s.version,
		"checks":  checks,
	})
}
