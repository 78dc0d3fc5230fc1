package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"bankfisc/internal/ledger/models"
	"bankfisc/internal/platform/metrics"
	"bankfisc/internal/platform/middleware"
	dErrors "bankfisc/pkg/domain-errors"
	"bankfisc/pkg/platform/httputil"
)

// Service defines the ledger operations exposed over HTTP.
type Service interface {
	OpenAccounts(ctx context.Context, clientID string) (*models.Client, error)
	CloseAccounts(ctx context.Context, clientID string) error
	Deposit(ctx context.Context, clientID string, currency models.Currency, amount decimal.Decimal) (*models.Client, error)
	Withdraw(ctx context.Context, clientID string, currency models.Currency, amount decimal.Decimal) (*models.Client, error)
	PrepareForClosure(ctx context.Context, clientID string) (*models.Client, error)
	GetInfo(ctx context.Context, clientID string) (*models.Client, error)
}

// Handler handles the client account endpoints.
type Handler struct {
	logger         *slog.Logger
	ledger         Service
	metrics        *metrics.Metrics
	requestTimeout time.Duration
}

// New creates a new ledger Handler.
func New(ledger Service, logger *slog.Logger, metrics *metrics.Metrics) *Handler {
	return &Handler{
		logger:         logger,
		ledger:         ledger,
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

// Register registers the client account routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	clientRouter := chi.NewRouter()
	clientRouter.Use(middleware.Recovery(h.logger))
	clientRouter.Use(middleware.RequestID)
	clientRouter.Use(middleware.Logger(h.logger))
	clientRouter.Use(middleware.Timeout(h.requestTimeout))
	clientRouter.Use(middleware.ContentTypeJSON)
	clientRouter.Use(middleware.LatencyMiddleware(h.metrics))

	clientRouter.Route("/{cnp}", func(r chi.Router) {
		r.Post("/", h.handleOpen)
		r.Delete("/", h.handleClose)
		r.Get("/", h.handleGetInfo)
		r.Post("/deposit", h.handleDeposit)
		r.Post("/withdraw", h.handleWithdraw)
		r.Post("/prepare-closure", h.handlePrepareForClosure)
	})

	r.Mount("/api/clients", clientRouter)
}

func (h *Handler) handleOpen(w http.ResponseWriter, r *http.Request) {
	client, err := h.ledger.OpenAccounts(r.Context(), chi.URLParam(r, "cnp"))
	if err != nil {
		h.writeError(w, r, "failed to open accounts", err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, toClientResponse(client))
}

func (h *Handler) handleClose(w http.ResponseWriter, r *http.Request) {
	cnp := chi.URLParam(r, "cnp")
	if err := h.ledger.CloseAccounts(r.Context(), cnp); err != nil {
		h.writeError(w, r, "failed to close accounts", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, closeResponse{ClientID: strings.TrimSpace(cnp), Closed: true})
}

func (h *Handler) handleGetInfo(w http.ResponseWriter, r *http.Request) {
	client, err := h.ledger.GetInfo(r.Context(), chi.URLParam(r, "cnp"))
	if err != nil {
		h.writeError(w, r, "failed to get client info", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toClientResponse(client))
}

func (h *Handler) handleDeposit(w http.ResponseWriter, r *http.Request) {
	currency, amount, err := parseMovement(r)
	if err != nil {
		h.writeError(w, r, "invalid deposit request", err)
		return
	}
	client, err := h.ledger.Deposit(r.Context(), chi.URLParam(r, "cnp"), currency, amount)
	if err != nil {
		h.writeError(w, r, "failed to deposit", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toClientResponse(client))
}

func (h *Handler) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	currency, amount, err := parseMovement(r)
	if err != nil {
		h.writeError(w, r, "invalid withdraw request", err)
		return
	}
	client, err := h.ledger.Withdraw(r.Context(), chi.URLParam(r, "cnp"), currency, amount)
	if err != nil {
		h.writeError(w, r, "failed to withdraw", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toClientResponse(client))
}

func (h *Handler) handlePrepareForClosure(w http.ResponseWriter, r *http.Request) {
	client, err := h.ledger.PrepareForClosure(r.Context(), chi.URLParam(r, "cnp"))
	if err != nil {
		h.writeError(w, r, "failed to prepare for closure", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toClientResponse(client))
}

// parseMovement reads ?currency=&amount= from the query string.
func parseMovement(r *http.Request) (models.Currency, decimal.Decimal, error) {
	q := r.URL.Query()
	currency, err := models.ParseCurrency(q.Get("currency"))
	if err != nil {
		return "", decimal.Zero, err
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(q.Get("amount")))
	if err != nil {
		return "", decimal.Zero, dErrors.New(dErrors.CodeInvalidAmount, "amount must be a decimal number")
	}
	return currency, amount, nil
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
