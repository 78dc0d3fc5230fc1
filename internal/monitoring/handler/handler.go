package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"bankfisc/internal/monitoring/models"
	"bankfisc/internal/platform/metrics"
	"bankfisc/internal/platform/middleware"
	dErrors "bankfisc/pkg/domain-errors"
	"bankfisc/pkg/platform/httputil"
)

// Monitor toggles monitoring for a client. The ledger owns the monitored flag
// and keeps the registry in step with it.
type Monitor interface {
	StartMonitoring(ctx context.Context, clientID string) error
	StopMonitoring(ctx context.Context, clientID string) error
}

// Registry exposes the monitored-client projection.
type Registry interface {
	Get(ctx context.Context, clientID string) (*models.Snapshot, error)
	List(ctx context.Context) ([]models.Snapshot, error)
}

// Handler handles the FISC monitoring endpoints.
type Handler struct {
	logger         *slog.Logger
	monitor        Monitor
	registry       Registry
	metrics        *metrics.Metrics
	requestTimeout time.Duration
}

// New creates a new monitoring Handler.
func New(monitor Monitor, registry Registry, logger *slog.Logger, metrics *metrics.Metrics) *Handler {
	return &Handler{
		logger:         logger,
		monitor:        monitor,
		registry:       registry,
		metrics:        metrics,
		requestTimeout: 30 * time.Second,
	}
}

// WithRequestTimeout overrides the per-request deadline. Non-positive values are ignored.
func (h *Handler) WithRequestTimeout(d time.Duration) *Handler {
	if d > 0 {
		h.requestTimeout = d
	}
	return h
}

// Register registers the monitoring routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	fiscRouter := chi.NewRouter()
	fiscRouter.Use(middleware.Recovery(h.logger))
	fiscRouter.Use(middleware.RequestID)
	fiscRouter.Use(middleware.Logger(h.logger))
	fiscRouter.Use(middleware.Timeout(h.requestTimeout))
	fiscRouter.Use(middleware.ContentTypeJSON)
	fiscRouter.Use(middleware.LatencyMiddleware(h.metrics))

	fiscRouter.Get("/", h.handleList)
	fiscRouter.Post("/{cnp}", h.handleStart)
	fiscRouter.Delete("/{cnp}", h.handleStop)
	fiscRouter.Get("/{cnp}", h.handleGet)

	r.Mount("/api/fisc/monitor", fiscRouter)
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	cnp := strings.TrimSpace(chi.URLParam(r, "cnp"))
	if err := h.monitor.StartMonitoring(r.Context(), cnp); err != nil {
		h.writeError(w, r, "failed to start monitoring", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, monitorResponse{ClientID: cnp, Monitored: true})
}

func (h *Handler) handleStop(w http.ResponseWriter, r *http.Request) {
	cnp := strings.TrimSpace(chi.URLParam(r, "cnp"))
	if err := h.monitor.StopMonitoring(r.Context(), cnp); err != nil {
		h.writeError(w, r, "failed to stop monitoring", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, monitorResponse{ClientID: cnp, Monitored: false})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	snap, err := h.registry.Get(r.Context(), strings.TrimSpace(chi.URLParam(r, "cnp")))
	if err != nil {
		h.writeError(w, r, "failed to read monitoring entry", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toSnapshotResponse(*snap))
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	snaps, err := h.registry.List(r.Context())
	if err != nil {
		h.writeError(w, r, "failed to list monitoring entries", err)
		return
	}
	resp := listResponse{Clients: make([]snapshotResponse, 0, len(snaps))}
	for _, snap := range snaps {
		resp.Clients = append(resp.Clients, toSnapshotResponse(snap))
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	ctx := r.Context()
	if !dErrors.IsClientError(dErrors.CodeOf(err)) {
		h.logger.ErrorContext(ctx, msg,
			"request_id", middleware.GetRequestID(ctx),
			"error", err,
		)
	}
	httputil.WriteError(w, err)
}
