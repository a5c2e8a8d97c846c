package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/adboard/ledger/internal/app"
	"github.com/adboard/ledger/internal/billing"
	jobmetrics "github.com/adboard/ledger/internal/jobs"
	"github.com/adboard/ledger/internal/observability"
	"github.com/adboard/ledger/internal/platform/cache"
	"github.com/adboard/ledger/internal/platform/db"
	"github.com/adboard/ledger/internal/shared"
	"github.com/adboard/ledger/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
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

	// Refresh jobs only make sense with a cache to write into.
	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	billingService := billing.NewService(
		billing.NewRepository(pool),
		billing.NewCache(redisClient, cfg.BalanceCacheTTL),
		billing.ServiceConfig{
			Policy:  cfg.PricingPolicy(),
			Metrics: observability.NewMetrics(),
			Logger:  logger,
			LockTTL: cfg.BillingLockTTL,
		},
	)

	metrics := jobmetrics.NewMetrics(nil)
	refreshJob := jobs.NewBalanceRefreshJob(billingService, logger, metrics)
	cleanupJob := jobs.NewIdempotencyCleanupJob(shared.NewIdempotencyStore(pool), logger, metrics)

	cleanupTask, err := jobs.NewIdempotencyCleanupTask(cfg.IdempotencyRetentionHours)
	if err != nil {
		logger.Error("build cleanup task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskBalanceRefresh, Handler: refreshJob.HandleOne},
			{Type: jobs.TaskBalanceRefreshAll, Handler: refreshJob.HandleAll},
			{Type: jobs.TaskIdempotencyCleanup, Handler: cleanupJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.BalanceRefreshCron, Task: jobs.NewBalanceRefreshAllTask(), Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: cfg.IdempotencyCleanupCron, Task: cleanupTask, Options: []asynq.Option{asynq.MaxRetry(1)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
