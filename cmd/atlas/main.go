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

	"github.com/atlas-ams/atlas-ams/internal/app"
	"github.com/atlas-ams/atlas-ams/internal/audit"
	audithttp "github.com/atlas-ams/atlas-ams/internal/audit/http"
	"github.com/atlas-ams/atlas-ams/internal/auth"
	"github.com/atlas-ams/atlas-ams/internal/authz"
	authzhttp "github.com/atlas-ams/atlas-ams/internal/authz/http"
	"github.com/atlas-ams/atlas-ams/internal/directory"
	directoryhttp "github.com/atlas-ams/atlas-ams/internal/directory/http"
	"github.com/atlas-ams/atlas-ams/internal/observability"
	"github.com/atlas-ams/atlas-ams/internal/platform/cache"
	"github.com/atlas-ams/atlas-ams/internal/platform/db"
	"github.com/atlas-ams/atlas-ams/jobs"
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
	if err := authz.Seed(ctx, catalogRepo, logger); err != nil {
		logger.Error("seed authorization catalog", slog.Any("error", err))
		os.Exit(1)
	}
	catalog := authz.NewCatalog(catalogRepo, logger)

	directoryRepo := directory.NewRepository(pool)
	directoryService := directory.NewService(directoryRepo, redisClient, cfg.ChapterCacheTTL, logger)

	assignmentRepo := authz.NewAssignmentRepo(pool)
	store := authz.NewStore(assignmentRepo, catalog, recorder, nil, metrics, logger)
	assignmentCache := authz.NewAssignmentCache(redisClient, store, cfg.AssignmentCacheTTL, logger)
	store.SetInvalidator(assignmentCache)

	evaluator := authz.NewEvaluator(assignmentCache, catalog, directoryService, recorder, metrics, logger)
	authzService := authz.NewService(catalog, store, evaluator, recorder)

	auditRepo := audit.NewRepo(pool)
	auditService := audit.NewService(auditRepo)

	tokenRepo := auth.NewRepository(pool)
	tokenService := auth.NewService(tokenRepo, redisClient, cfg.TokenCacheTTL, logger)

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobsClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("init jobs client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobsClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		Verifier:         tokenService,
		AuthzHandler:     authzhttp.NewHandler(logger, authzService),
		AuditHandler:     audithttp.NewHandler(logger, auditService, evaluator),
		DirectoryHandler: directoryhttp.NewHandler(logger, directoryService, evaluator),
		JobsHandler:      jobs.NewHandler(inspector, jobsClient, evaluator, logger),
		Metrics:          metrics,
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
