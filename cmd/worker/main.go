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

	"github.com/odyssey-erp/stockledger/internal/alerts"
	"github.com/odyssey-erp/stockledger/internal/app"
	"github.com/odyssey-erp/stockledger/internal/inventory"
	jobmetrics "github.com/odyssey-erp/stockledger/internal/jobs"
	"github.com/odyssey-erp/stockledger/internal/observability"
	"github.com/odyssey-erp/stockledger/internal/platform/cache"
	"github.com/odyssey-erp/stockledger/internal/platform/db"
	"github.com/odyssey-erp/stockledger/internal/shared"
	"github.com/odyssey-erp/stockledger/jobs"
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

	pool, err := db.New(ctx, cfg.PGDSN, "stockledger-worker")
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr, "stockledger-worker")
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	jobMetrics := jobmetrics.NewMetrics(metrics.Registerer())
	metricsServer := &http.Server{Addr: cfg.WorkerMetricsAddr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("starting worker metrics server", slog.String("addr", cfg.WorkerMetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("worker metrics server", slog.Any("error", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	jobClient, err := jobs.NewClient(redisOpts, cfg.MovementMaxRetry)
	if err != nil {
		logger.Error("init jobs client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()
	publisher := jobs.NewTaskPublisher(jobClient)

	inventoryRepo := inventory.NewRepository(pool, cfg.LockTimeout)
	locker := shared.NewRedisLocker(redisClient, cfg.LockTTL, cfg.LockTimeout)
	ledger := inventory.NewLedger(inventoryRepo, inventory.LedgerConfig{
		Locker:    locker,
		Publisher: publisher,
		Logger:    logger,
		Metrics:   jobMetrics,
	})
	alertService := alerts.NewService(alerts.NewRepository(pool), inventoryRepo, ledger, alerts.Config{
		ExpiryWindowDays:     cfg.AlertExpiryWindowDays,
		ReorderPointFallback: cfg.AlertReorderPointFallback,
		Parallelism:          cfg.SweepParallelism,
		Publisher:            publisher,
		Locker:               locker,
		Logger:               logger,
		Metrics:              jobMetrics,
	})
	ledger.SetStockWatcher(alertService)

	movementJob := jobs.NewMovementJob(ledger, logger, jobMetrics)
	sweepJob := jobs.NewAlertSweepJob(alertService, logger, jobMetrics)
	notificationJob := jobs.NewNotificationJob(shared.NewAuditLogger(pool), jobClient, cfg.AlertEmailTo, logger, jobMetrics)

	sweepTask, err := jobs.NewAlertSweepTask(0)
	if err != nil {
		logger.Error("build alert sweep task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   redisOpts,
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskInventoryMovement, Handler: movementJob.Handle},
			{Type: jobs.TaskInventoryAlertSweep, Handler: sweepJob.Handle},
			{Type: jobs.TaskNotifyMovementCompleted, Handler: notificationJob.Handle},
			{Type: jobs.TaskNotifyAlertRaised, Handler: notificationJob.Handle},
			{Type: jobs.TaskNotifyAlertResolved, Handler: notificationJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.AlertSweepCron, Task: sweepTask, Options: []asynq.Option{asynq.Queue(jobs.QueueInventory), asynq.MaxRetry(2)}},
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
