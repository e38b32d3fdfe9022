// Package httptransport assembles the service's HTTP surface.
package httptransport

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	eventhandler "github.com/adamj-ops/lending-os-sub002/internal/events/handler"
	"github.com/adamj-ops/lending-os-sub002/internal/platform/middleware"
	"github.com/adamj-ops/lending-os-sub002/internal/webhook"
	"github.com/adamj-ops/lending-os-sub002/pkg/platform/httputil"
)

// Health reports readiness of a backing dependency.
type Health func(r *http.Request) error

// NewRouter mounts the pipeline, webhook, and operational endpoints.
func NewRouter(events *eventhandler.Handler, webhooks *webhook.Handler, logger *slog.Logger, healthChecks map[string]Health) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestContext)
	r.Use(middleware.RequestLogger(logger))
	r.Use(chimiddleware.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		events.Routes(r)
		r.Post("/webhooks/{provider}", webhooks.Receive)
	})

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		status := http.StatusOK
		checks := make(map[string]string, len(healthChecks))
		for name, check := range healthChecks {
			if err := check(req); err != nil {
				status = http.StatusServiceUnavailable
				checks[name] = err.Error()
				continue
			}
			checks[name] = "ok"
		}
		httputil.WriteJSON(w, status, map[string]any{"status": http.StatusText(status), "checks": checks})
	})

	return r
}
