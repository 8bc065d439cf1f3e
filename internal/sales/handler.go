package sales

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/clinova-health/clinova/internal/platform/httpx"
	"github.com/clinova-health/clinova/internal/stock"
)

// Handler wires HTTP endpoints for the sales module.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs sales handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{
		logger:   logger,
		service:  service,
		validate: validator.New(),
	}
}

// MountRoutes registers sales routes. Refund routes mount separately under
// the same prefix.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.createSale)
	r.Get("/", h.listSales)
	r.Get("/{id}", h.getSale)
	r.Post("/{id}/transition", h.transitionSale)
}

func (h *Handler) createSale(w http.ResponseWriter, r *http.Request) {
	var req createSaleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	in := CreateSaleInput{LocationID: req.LocationID, PatientRef: req.PatientRef}
	for _, l := range req.Lines {
		in.Lines = append(in.Lines, CreateSaleLine{
			ProductID:   l.ProductID,
			Description: l.Description,
			Quantity:    l.Quantity,
			UnitPrice:   l.UnitPrice,
		})
	}
	sale, err := h.service.Create(r.Context(), in)
	if err != nil {
		h.logger.Error("create sale", slog.Any("error", err))
		httpx.RespondError(w, MapError(err))
		return
	}
	httpx.JSON(w, http.StatusCreated, sale)
}

func (h *Handler) getSale(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid sale id")
		return
	}
	sale, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, MapError(err))
		return
	}
	httpx.JSON(w, http.StatusOK, sale)
}

func (h *Handler) listSales(w http.ResponseWriter, r *http.Request) {
	f := ListFilter{Status: Status(r.URL.Query().Get("status"))}
	if f.Status != "" && !ValidStatus(f.Status) {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "unknown status filter")
		return
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		f.Limit, _ = strconv.Atoi(v)
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		f.Offset, _ = strconv.Atoi(v)
	}
	sales, err := h.service.List(r.Context(), f)
	if err != nil {
		h.logger.Error("list sales", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, sales)
}

func (h *Handler) transitionSale(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid sale id")
		return
	}
	var req transitionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	sale, err := h.service.Transition(r.Context(), id, Status(req.TargetStatus))
	if err != nil {
		h.logger.Warn("transition sale",
			slog.Int64("sale_id", id),
			slog.String("target", req.TargetStatus),
			slog.Any("error", err))
		httpx.RespondError(w, MapError(err))
		return
	}
	httpx.JSON(w, http.StatusOK, sale)
}

// MapError classifies sales errors for the HTTP layer.
func MapError(err error) error {
	var ite *InvalidTransitionError
	switch {
	case errors.Is(err, ErrSaleNotFound):
		return fmt.Errorf("%w: %s", httpx.ErrNotFound, err)
	case errors.As(err, &ite):
		return fmt.Errorf("%w: %s", httpx.ErrUnprocessable, err)
	case errors.Is(err, ErrNoLines), errors.Is(err, stock.ErrInvalidQuantity):
		return fmt.Errorf("%w: %s", httpx.ErrValidation, err)
	default:
		return stock.MapError(err)
	}
}
