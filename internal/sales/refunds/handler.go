package refunds

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/clinova-health/clinova/internal/platform/httpx"
	"github.com/clinova-health/clinova/internal/sales"
	"github.com/clinova-health/clinova/internal/stock"
)

// Handler wires HTTP endpoints for the refund engine.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs refunds handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{
		logger:   logger,
		service:  service,
		validate: validator.New(),
	}
}

// MountRoutes registers refund routes under the sales prefix.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/{id}/refunds/full", h.createFull)
	r.Post("/{id}/refunds", h.createPartial)
	r.Get("/{id}/refunds", h.listRefunds)
}

func (h *Handler) createFull(w http.ResponseWriter, r *http.Request) {
	saleID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid sale id")
		return
	}
	var req fullRefundRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	refund, err := h.service.CreateFull(r.Context(), saleID, req.Reason)
	if err != nil {
		h.logger.Warn("full refund", slog.Int64("sale_id", saleID), slog.Any("error", err))
		httpx.RespondError(w, mapError(err))
		return
	}
	httpx.JSON(w, http.StatusCreated, refund)
}

func (h *Handler) createPartial(w http.ResponseWriter, r *http.Request) {
	saleID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid sale id")
		return
	}
	var req partialRefundRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	in := PartialInput{SaleID: saleID, Reason: req.Reason, IdempotencyKey: req.IdempotencyKey}
	for _, l := range req.Lines {
		in.Lines = append(in.Lines, PartialLine{
			SaleLineID:     l.SaleLineID,
			QtyRefunded:    l.QtyRefunded,
			AmountRefunded: l.AmountRefunded,
		})
	}
	refund, replayed, err := h.service.CreatePartial(r.Context(), in)
	if err != nil {
		h.logger.Warn("partial refund", slog.Int64("sale_id", saleID), slog.Any("error", err))
		httpx.RespondError(w, mapError(err))
		return
	}
	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
	}
	httpx.JSON(w, status, refund)
}

func (h *Handler) listRefunds(w http.ResponseWriter, r *http.Request) {
	saleID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid sale id")
		return
	}
	refunds, err := h.service.List(r.Context(), saleID)
	if err != nil {
		h.logger.Error("list refunds", slog.Int64("sale_id", saleID), slog.Any("error", err))
		httpx.RespondError(w, mapError(err))
		return
	}
	httpx.JSON(w, http.StatusOK, refunds)
}

func mapError(err error) error {
	var ore *OverRefundError
	switch {
	case errors.Is(err, ErrRefundNotFound):
		return fmt.Errorf("%w: %s", httpx.ErrNotFound, err)
	case errors.Is(err, ErrIdempotencyConflict):
		return fmt.Errorf("%w: %s", httpx.ErrConflict, err)
	case errors.As(err, &ore),
		errors.Is(err, ErrSaleNotRefundable),
		errors.Is(err, ErrPartiallyRefunded):
		return fmt.Errorf("%w: %s", httpx.ErrUnprocessable, err)
	case errors.Is(err, ErrNoLines), errors.Is(err, stock.ErrInvalidQuantity):
		return fmt.Errorf("%w: %s", httpx.ErrValidation, err)
	default:
		return sales.MapError(err)
	}
}
