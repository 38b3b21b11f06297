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

	"github.com/meridian-hr/meridian/internal/app"
	"github.com/meridian-hr/meridian/internal/authz"
	"github.com/meridian-hr/meridian/internal/observability"
	"github.com/meridian-hr/meridian/internal/platform/cache"
	"github.com/meridian-hr/meridian/internal/platform/db"
	"github.com/meridian-hr/meridian/jobs"
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
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	authzMetrics := authz.NewMetrics(metrics.Registerer())

	store := authz.NewStore(pool)
	compiler := authz.NewCompiler(store, logger)
	evaluator := authz.NewEvaluator(store, logger).
		WithTimeout(cfg.EvaluateTimeout).
		WithMetrics(authzMetrics)

	feed := authz.NewRedisFeed(redisClient, logger)

	decisionCache, err := authz.NewDecisionCache(evaluator, authz.CacheConfig{
		TTL:                  cfg.DecisionCacheTTL,
		MaxEntries:           cfg.DecisionCacheEntries,
		CoalesceWindow:       cfg.CoalesceWindow,
		VersionCheckInterval: cfg.VersionCheckInterval,
	}, logger)
	if err != nil {
		logger.Error("init decision cache", slog.Any("error", err))
		os.Exit(1)
	}
	decisionCache.WithMetrics(authzMetrics).WithVersionSource(feed.SharedVersion)
	if err := decisionCache.Start(ctx, feed); err != nil {
		logger.Error("subscribe change feed", slog.Any("error", err))
		os.Exit(1)
	}
	defer decisionCache.Close()

	jobClient := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	service := authz.NewService(store, compiler, feed, logger).
		WithEnqueuer(jobClient).
		WithMetrics(authzMetrics)
	authzHandler := authz.NewHandler(logger, decisionCache, service)
	authzMiddleware := authz.Middleware{Cache: decisionCache, Logger: logger}

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		Pool:            pool,
		AuthzHandler:    authzHandler,
		AuthzMiddleware: authzMiddleware,
		JobHandler:      jobHandler,
		Metrics:         metrics,
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
