package catalog

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/clinova-health/clinova/internal/platform/httpx"
)

// Handler wires HTTP endpoints for the catalog module.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs catalog handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{
		logger:   logger,
		service:  service,
		validate: validator.New(),
	}
}

// MountRoutes registers catalog routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/products", h.createProduct)
	r.Get("/products/{id}", h.getProduct)
	r.Post("/products/{id}/batches", h.createBatch)
	r.Get("/products/{id}/batches", h.listBatches)
}

type createProductRequest struct {
	SKU        string `json:"sku" validate:"required,max=64"`
	Name       string `json:"name" validate:"required,max=255"`
	TracksLots bool   `json:"tracks_lots"`
	IsService  bool   `json:"is_service"`
}

type createBatchRequest struct {
	LotCode    string     `json:"lot_code" validate:"required,max=64"`
	ExpiryDate *time.Time `json:"expiry_date"`
	ReceivedAt *time.Time `json:"received_at"`
}

func (h *Handler) createProduct(w http.ResponseWriter, r *http.Request) {
	var req createProductRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	p, err := h.service.CreateProduct(r.Context(), Product{
		SKU:        req.SKU,
		Name:       req.Name,
		TracksLots: req.TracksLots,
		IsService:  req.IsService,
	})
	if err != nil {
		h.logger.Error("create product", slog.Any("error", err))
		httpx.RespondError(w, h.mapError(err))
		return
	}
	httpx.JSON(w, http.StatusCreated, p)
}

func (h *Handler) getProduct(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid product id")
		return
	}
	p, err := h.service.Product(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, h.mapError(err))
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

func (h *Handler) createBatch(w http.ResponseWriter, r *http.Request) {
	productID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid product id")
		return
	}
	var req createBatchRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	b := Batch{ProductID: productID, LotCode: req.LotCode, ExpiryDate: req.ExpiryDate}
	if req.ReceivedAt != nil {
		b.ReceivedAt = *req.ReceivedAt
	}
	created, err := h.service.CreateBatch(r.Context(), b)
	if err != nil {
		h.logger.Error("create batch", slog.Int64("product_id", productID), slog.Any("error", err))
		httpx.RespondError(w, h.mapError(err))
		return
	}
	httpx.JSON(w, http.StatusCreated, created)
}

func (h *Handler) listBatches(w http.ResponseWriter, r *http.Request) {
	productID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid product id")
		return
	}
	batches, err := h.service.Batches(r.Context(), productID)
	if err != nil {
		httpx.RespondError(w, h.mapError(err))
		return
	}
	httpx.JSON(w, http.StatusOK, batches)
}

func (h *Handler) mapError(err error) error {
	switch {
	case errors.Is(err, ErrProductNotFound), errors.Is(err, ErrBatchNotFound):
		return fmt.Errorf("%w: %s", httpx.ErrNotFound, err)
	case errors.Is(err, ErrDuplicateLot):
		return fmt.Errorf("%w: %s", httpx.ErrConflict, err)
	default:
		return err
	}
}
