package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/meridian-hr/meridian/internal/app"
	"github.com/meridian-hr/meridian/internal/authz"
	jobmetrics "github.com/meridian-hr/meridian/internal/jobs"
	"github.com/meridian-hr/meridian/internal/platform/db"
	"github.com/meridian-hr/meridian/jobs"
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
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	store := authz.NewStore(pool)
	compiler := authz.NewCompiler(store, logger)
	metrics := jobmetrics.NewMetrics(nil)

	rebuildTask, err := jobs.NewMatrixRebuildTask(authz.RebuildTarget)
	if err != nil {
		logger.Error("build rebuild task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskMatrixRebuild, Handler: jobs.HandleMatrixRebuild(compiler, logger, metrics)},
		},
		Cron: []jobs.CronRegistration{
			// Nightly full rebuild catches any drift between the rule
			// tables and the compiled matrix.
			{Spec: "45 2 * * *", Task: rebuildTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
