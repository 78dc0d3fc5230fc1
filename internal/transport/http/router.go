// Package httptransport assembles the public HTTP surface: the domain route
// groups plus health and metrics endpoints.
package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bankfisc/pkg/platform/httputil"
)

const healthCheckTimeout = 2 * time.Second

// RouteRegistrar mounts one group of routes.
type RouteRegistrar interface {
	Register(r chi.Router)
}

// HealthCheck reports the state of one dependency. A nil error is healthy.
type HealthCheck func(ctx context.Context) error

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// NewRouter mounts every registrar and adds /health and /metrics.
func NewRouter(logger *slog.Logger, checks map[string]HealthCheck, registrars ...RouteRegistrar) http.Handler {
	r := chi.NewRouter()
	for _, reg := range registrars {
		reg.Register(r)
	}
	r.Get("/health", healthHandler(logger, checks))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

func healthHandler(logger *slog.Logger, checks map[string]HealthCheck) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()

		resp := healthResponse{Status: "ok"}
		if len(names) > 0 {
			resp.Checks = make(map[string]string, len(names))
		}
		for _, name := range names {
			if err := checks[name](ctx); err != nil {
				logger.WarnContext(ctx, "health check failed", "check", name, "error", err)
				resp.Status = "degraded"
				resp.Checks[name] = err.Error()
				continue
			}
			resp.Checks[name] = "ok"
		}

		status := http.StatusOK
		if resp.Status != "ok" {
			status = http.StatusServiceUnavailable
		}
		httputil.WriteJSON(w, status, resp)
	}
}
