package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/atlas-ams/atlas-ams/internal/app"
	"github.com/atlas-ams/atlas-ams/internal/audit"
	"github.com/atlas-ams/atlas-ams/internal/authz"
	"github.com/atlas-ams/atlas-ams/internal/observability"
	"github.com/atlas-ams/atlas-ams/internal/platform/cache"
	"github.com/atlas-ams/atlas-ams/internal/platform/db"
	"github.com/atlas-ams/atlas-ams/jobs"
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

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, caching disabled", slog.Any("error", err))
		redisClient = nil
	}
	defer func() {
		if redisClient == nil {
			return
		}
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	recorder := audit.NewRecorder(pool, logger)

	catalogRepo := authz.NewCatalogRepo(pool)
	catalog := authz.NewCatalog(catalogRepo, logger)
	assignmentRepo := authz.NewAssignmentRepo(pool)
	store := authz.NewStore(assignmentRepo, catalog, recorder, nil, metrics, logger)
	assignmentCache := authz.NewAssignmentCache(redisClient, store, cfg.AssignmentCacheTTL, logger)
	store.SetInvalidator(assignmentCache)

	auditRepo := audit.NewRepo(pool)

	sweepTask, err := jobs.NewSweepTask(jobs.SweepPayload{RequestedAt: time.Now().UTC()})
	if err != nil {
		logger.Error("build sweep task", slog.Any("error", err))
		os.Exit(1)
	}
	retentionTask, err := jobs.NewRetentionTask(jobs.RetentionPayload{KeepFor: cfg.AuditRetention})
	if err != nil {
		logger.Error("build retention task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskSweepExpired, Handler: jobs.NewSweepHandler(store, logger)},
			{Type: jobs.TaskAuditRetention, Handler: jobs.NewRetentionHandler(auditRepo, logger)},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.SweepCron, Task: sweepTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: cfg.AuditRetentionCron, Task: retentionTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("starting worker", slog.String("sweep_cron", cfg.SweepCron))
	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker stopped", slog.Any("error", err))
		os.Exit(1)
	}
}
