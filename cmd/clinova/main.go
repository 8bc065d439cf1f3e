package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/clinova-health/clinova/internal/app"
	"github.com/clinova-health/clinova/internal/catalog"
	"github.com/clinova-health/clinova/internal/observability"
	"github.com/clinova-health/clinova/internal/platform/cache"
	"github.com/clinova-health/clinova/internal/platform/db"
	"github.com/clinova-health/clinova/internal/sales"
	"github.com/clinova-health/clinova/internal/sales/refunds"
	"github.com/clinova-health/clinova/internal/stock"
	"github.com/clinova-health/clinova/jobs"
	"github.com/clinova-health/clinova/migrations"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping server startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool, migrations.FS, logger); err != nil {
		logger.Error("run migrations", slog.Any("error", err))
		os.Exit(1)
	}

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, product cache disabled", slog.Any("error", err))
		redisClient = nil
	}
	if redisClient != nil {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	metrics := observability.NewMetrics()

	catalogRepo := catalog.NewRepository(pool)
	productCache := catalog.NewProductCache(redisClient, cfg.CatalogCacheTTL)
	catalogService := catalog.NewService(catalogRepo, productCache, logger)
	catalogHandler := catalog.NewHandler(logger, catalogService)

	stockRepo := stock.NewRepository(pool)
	stockService := stock.NewService(stockRepo, catalogService, logger)
	stockHandler := stock.NewHandler(logger, stockService)

	salesRepo := sales.NewRepository(pool)
	salesService := sales.NewService(salesRepo, stockService, metrics, logger)
	salesHandler := sales.NewHandler(logger, salesService)

	refundsRepo := refunds.NewRepository(pool)
	refundsService := refunds.NewService(refundsRepo, stockService, metrics, logger)
	refundsHandler := refunds.NewHandler(logger, refundsService)

	var jobsHandler *jobs.Handler
	if redisClient != nil {
		inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
		defer func() {
			if err := inspector.Close(); err != nil {
				logger.Warn("inspector close", slog.Any("error", err))
			}
		}()
		jobsHandler = jobs.NewHandler(inspector, logger)
	}

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		CatalogHandler: catalogHandler,
		StockHandler:   stockHandler,
		SalesHandler:   salesHandler,
		RefundsHandler: refundsHandler,
		JobsHandler:    jobsHandler,
		Pool:           pool,
		Metrics:        metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("http server listening", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", slog.Any("error", err))
	}
	logger.Info("shutdown complete")
}
