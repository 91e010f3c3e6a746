package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/parkwind/parkwind/internal/app"
	"github.com/parkwind/parkwind/internal/auth"
	"github.com/parkwind/parkwind/internal/billing"
	"github.com/parkwind/parkwind/internal/invoicing"
	"github.com/parkwind/parkwind/internal/observability"
	"github.com/parkwind/parkwind/internal/parks"
	"github.com/parkwind/parkwind/internal/platform/cache"
	"github.com/parkwind/parkwind/internal/platform/db"
	"github.com/parkwind/parkwind/internal/rbac"
	"github.com/parkwind/parkwind/internal/settlement"
	"github.com/parkwind/parkwind/internal/shared"
	"github.com/parkwind/parkwind/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	tokenStore := auth.NewTokenStore(pool)
	authMiddleware := auth.Middleware{Resolver: tokenStore, Logger: logger}

	rbacService := rbac.NewService(pool)
	rbacMiddleware := rbac.Middleware{Service: rbacService, Logger: logger}

	approvalRecorder := shared.NewApprovalRecorder(pool, logger)
	idempotencyStore := shared.NewIdempotencyStore(pool)
	summaryCache := cache.NewVersioned(redisClient, "parkwind", cfg.CacheTTL)

	jobClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	parksRepo := parks.NewRepository(pool)
	parksService := parks.NewService(parksRepo)
	parksHandler := parks.NewHandler(logger, parksService, rbacMiddleware)

	settlementRepo := settlement.NewRepository(pool)
	settlementService := settlement.NewService(settlementRepo, parksRepo, approvalRecorder, jobClient, summaryCache, logger)
	settlementHandler := settlement.NewHandler(logger, settlementService, rbacMiddleware)

	invoicingRepo := invoicing.NewRepository(pool)
	invoicingService := invoicing.NewService(invoicingRepo, idempotencyStore, cfg.DefaultTaxRate, logger)
	invoicingHandler := invoicing.NewHandler(logger, invoicingService, rbacMiddleware)

	billingRepo := billing.NewRepository(pool)
	billingService := billing.NewService(billingRepo, parksRepo, cfg.DefaultTaxRate, logger)
	billingService.WithAudit(shared.NewAuditLogger(pool))
	billingHandler := billing.NewHandler(logger, billingService, rbacMiddleware)

	metrics := observability.NewMetrics()

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:            logger,
		Config:            cfg,
		AuthMiddleware:    authMiddleware,
		SettlementHandler: settlementHandler,
		InvoicingHandler:  invoicingHandler,
		BillingHandler:    billingHandler,
		ParksHandler:      parksHandler,
		JobHandler:        jobHandler,
		Metrics:           metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
