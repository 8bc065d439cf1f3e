package app

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinova-health/clinova/internal/catalog"
	"github.com/clinova-health/clinova/internal/observability"
	"github.com/clinova-health/clinova/internal/sales"
	"github.com/clinova-health/clinova/internal/sales/refunds"
	"github.com/clinova-health/clinova/internal/stock"
	"github.com/clinova-health/clinova/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger         *slog.Logger
	Config         *Config
	CatalogHandler *catalog.Handler
	StockHandler   *stock.Handler
	SalesHandler   *sales.Handler
	RefundsHandler *refunds.Handler
	JobsHandler    *jobs.Handler
	Pool           *pgxpool.Pool
	Metrics        *observability.Metrics
}

// NewRouter constructs the chi.Router with Clinova defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if params.Pool != nil {
			ctx, cancel := context.WithTimeout(req.Context(), params.Config.AppRequestTimeout)
			defer cancel()
			if err := params.Pool.Ping(ctx); err != nil {
				params.Logger.Error("healthz db ping", slog.Any("error", err))
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"status":"degraded"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.Route("/catalog", func(r chi.Router) {
		params.CatalogHandler.MountRoutes(r)
	})
	r.Route("/stock", func(r chi.Router) {
		params.StockHandler.MountRoutes(r)
	})
	r.Route("/sales", func(r chi.Router) {
		params.SalesHandler.MountRoutes(r)
		params.RefundsHandler.MountRoutes(r)
	})
	if params.JobsHandler != nil {
		r.Route("/jobs", func(r chi.Router) {
			params.JobsHandler.MountRoutes(r)
		})
	}

	return r
}
