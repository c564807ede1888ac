package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/venus-bridge/internal/auth"
	"github.com/nerrad567/venus-bridge/internal/bridges/venus"
)

const defaultWSPath = "/ws"

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
		// Public
		r.Get("/health", s.handleHealth)

		// Protected: any valid token may read and refresh.
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Get("/metrics", s.handleMetrics)

			r.Route("/devices", func(r chi.Router) {
				r.Get("/", s.handleListDevices)
				r.Post("/refresh", s.handleRefreshAll)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetDevice)
					r.Get("/snapshot", s.handleGetSnapshot)
					r.Get("/history", s.handleGetHistory)
					r.Post("/refresh", s.handleRefresh)

					// Device writes need the operate permission.
					r.Group(func(r chi.Router) {
						r.Use(s.requirePermission(auth.PermDeviceOperate))
						r.Post("/call", s.handleCall)
						r.Post("/mode", s.handleCommand(venus.CommandSetMode))
						r.Post("/passive", s.handleCommand(venus.CommandSetPassive))
						r.Post("/schedule", s.handleCommand(venus.CommandSetSchedule))
						r.Post("/schedules/apply", s.handleCommand(venus.CommandApplySchedules))
						r.Post("/schedules/clear", s.handleCommand(venus.CommandClearSchedules))
						r.Post("/schedules/clear-wholesale", s.handleCommand(venus.CommandClearWholesale))
					})
				})
			})

			r.Get("/discovery", s.handleLastDiscovery)
			r.With(s.requirePermission(auth.PermDeviceOperate)).Post("/discovery", s.handleDiscover)

			r.Get("/audit", s.handleListAuditLogs)
		})
	})

	r.With(s.authMiddleware).Handle("/metrics", s.prometheusHandler())

	wsPath := s.wsCfg.Path
	if wsPath == "" {
		wsPath = defaultWSPath
	}
	r.With(s.wsAuthMiddleware).Get(wsPath, s.handleWebSocket)

	return r
}

// handleHealth returns the server health status. The status is "degraded"
// while any device snapshot is stale.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	coords := s.manager.Coordinators()
	stale := 0
	for _, c := range coords {
		if c.Snapshot().Stale() {
			stale++
		}
	}

	status := "ok"
	if stale > 0 {
		status = "degraded"
	}

	body := map[string]any{
		"status":        status,
		"version":       s.version,
		"devices":       len(coords),
		"stale_devices": stale,
	}
	if s.mqtt != nil {
		body["mqtt_connected"] = s.mqtt.IsConnected()
	}
	writeJSON(w, http.StatusOK, body)
}
