package stock

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/clinova-health/clinova/internal/platform/db"
	"github.com/clinova-health/clinova/internal/platform/httpx"
)

// Handler wires HTTP endpoints for the stock module.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs stock handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{
		logger:   logger,
		service:  service,
		validate: validator.New(),
	}
}

// MountRoutes registers stock routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/receipts", h.createReceipt)
	r.Post("/adjustments", h.createAdjustment)
	r.Get("/on-hand", h.listOnHand)
	r.Get("/ledger", h.listLedger)
}

type receiptRequest struct {
	ProductID  int64   `json:"product_id" validate:"required,gt=0"`
	LocationID int64   `json:"location_id" validate:"required,gt=0"`
	BatchID    *int64  `json:"batch_id"`
	Quantity   float64 `json:"quantity" validate:"required,gt=0"`
	RefID      int64   `json:"ref_id"`
	Note       string  `json:"note" validate:"max=255"`
}

type adjustmentRequest struct {
	ProductID  int64   `json:"product_id" validate:"required,gt=0"`
	LocationID int64   `json:"location_id" validate:"required,gt=0"`
	BatchID    *int64  `json:"batch_id"`
	Quantity   float64 `json:"quantity" validate:"required"`
	Note       string  `json:"note" validate:"required,max=255"`
}

func (h *Handler) createReceipt(w http.ResponseWriter, r *http.Request) {
	var req receiptRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	m, err := h.service.Receive(r.Context(), ReceiveInput{
		ProductID:  req.ProductID,
		LocationID: req.LocationID,
		BatchID:    req.BatchID,
		Quantity:   req.Quantity,
		RefID:      req.RefID,
		Note:       req.Note,
	})
	if err != nil {
		h.logger.Error("stock receipt", slog.Int64("product_id", req.ProductID), slog.Any("error", err))
		httpx.RespondError(w, MapError(err))
		return
	}
	httpx.JSON(w, http.StatusCreated, m)
}

func (h *Handler) createAdjustment(w http.ResponseWriter, r *http.Request) {
	var req adjustmentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	m, err := h.service.Adjust(r.Context(), AdjustInput{
		ProductID:  req.ProductID,
		LocationID: req.LocationID,
		BatchID:    req.BatchID,
		Quantity:   req.Quantity,
		Note:       req.Note,
	})
	if err != nil {
		h.logger.Error("stock adjustment", slog.Int64("product_id", req.ProductID), slog.Any("error", err))
		httpx.RespondError(w, MapError(err))
		return
	}
	httpx.JSON(w, http.StatusCreated, m)
}

func (h *Handler) listOnHand(w http.ResponseWriter, r *http.Request) {
	f := OnHandFilter{
		ProductID:  queryInt64(r, "product_id"),
		LocationID: queryInt64(r, "location_id"),
	}
	rows, err := h.service.OnHand(r.Context(), f)
	if err != nil {
		h.logger.Error("list on-hand", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, rows)
}

func (h *Handler) listLedger(w http.ResponseWriter, r *http.Request) {
	f := LedgerFilter{
		ProductID:  queryInt64(r, "product_id"),
		LocationID: queryInt64(r, "location_id"),
		Limit:      int(queryInt64(r, "limit")),
	}
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid from date")
			return
		}
		f.From = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid to date")
			return
		}
		f.To = t.Add(24*time.Hour - time.Nanosecond)
	}
	rows, err := h.service.Ledger(r.Context(), f)
	if err != nil {
		h.logger.Error("list ledger", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, rows)
}

func queryInt64(r *http.Request, name string) int64 {
	v, _ := strconv.ParseInt(r.URL.Query().Get(name), 10, 64)
	return v
}

// MapError classifies stock errors for the HTTP layer. The refund and sales
// handlers reuse it for ledger failures surfacing through their paths.
func MapError(err error) error {
	var ise *InsufficientStockError
	var ebe *ExpiredBatchError
	switch {
	case errors.As(err, &ise), errors.As(err, &ebe):
		return fmt.Errorf("%w: %s", httpx.ErrUnprocessable, err)
	case errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrBatchRequired):
		return fmt.Errorf("%w: %s", httpx.ErrValidation, err)
	case errors.Is(err, ErrDuplicateReversal), errors.Is(err, db.ErrTxConflict):
		return fmt.Errorf("%w: %s", httpx.ErrConflict, err)
	default:
		return err
	}
}
