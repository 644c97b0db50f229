package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	httptransport "github.com/spec-kit/site-telemetry/internal/api/http"
	"github.com/spec-kit/site-telemetry/internal/api/http/handlers"
	"github.com/spec-kit/site-telemetry/internal/config"
	"github.com/spec-kit/site-telemetry/internal/observability"
	"github.com/spec-kit/site-telemetry/internal/persistence"
	"github.com/spec-kit/site-telemetry/internal/repository"
	"github.com/spec-kit/site-telemetry/internal/sink"
	"github.com/spec-kit/site-telemetry/internal/telemetry"
	"github.com/spec-kit/site-telemetry/internal/worker"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := observability.NewRegistry()
	deps := map[string]handlers.Dependency{}

	var (
		requestSink sink.Sink = sink.Discard{}
		batch       *sink.BatchSink
	)

	switch cfg.Telemetry.Sink {
	case config.SinkPostgres:
		pg, err := persistence.NewPostgres(ctx, cfg.Postgres, logger)
		if err != nil {
			logger.Fatal("failed to connect postgres", zap.Error(err))
		}
		defer pg.Close()
		deps["postgres"] = pg

		if !pg.Enabled() {
			logger.Warn("request log disabled, POSTGRES_DSN is empty")
			break
		}
		if cfg.Postgres.RunMigrations {
			if err := persistence.RunMigrations(ctx, pg.PoolHandle(), os.DirFS(cfg.Postgres.MigrationsDir), logger); err != nil {
				logger.Fatal("failed to run migrations", zap.Error(err))
			}
		}
		requestSink = sink.NewRowSink(repository.NewRequestRepository(pg.PoolHandle()))

	case config.SinkRedis:
		redis := persistence.NewRedis(ctx, cfg.Redis, logger)
		defer redis.Close()
		deps["redis"] = redis

		batch, err = sink.NewBatchSink(redis.Client, sink.BatchConfig{
			KeyPrefix:     cfg.Telemetry.KeyPrefix,
			BatchSize:     cfg.Telemetry.BatchSize,
			FlushInterval: cfg.Telemetry.FlushInterval,
			RetryAttempts: cfg.Telemetry.RetryAttempts,
			TTL:           cfg.Telemetry.RecordTTL,
		}, registry, logger)
		if err != nil {
			logger.Fatal("failed to start batch sink", zap.Error(err))
		}
		requestSink = batch
	}

	pool, err := worker.NewPool(worker.Config{
		Shards:      cfg.Telemetry.Workers,
		QueueSize:   cfg.Telemetry.QueueSize,
		TaskTimeout: cfg.Telemetry.TaskTimeout,
	}, registry, logger)
	if err != nil {
		logger.Fatal("failed to start worker pool", zap.Error(err))
	}

	tracker, err := telemetry.NewTracker(registry, pool, requestSink, logger, telemetry.Options{
		Policy:        telemetry.PolicyFromConfig(cfg.Telemetry),
		StreamTimeout: cfg.Telemetry.StreamTimeout,
	})
	if err != nil {
		logger.Fatal("failed to register request metrics", zap.Error(err))
	}

	app := fiber.New(fiber.Config{AppName: cfg.App.Name})
	httptransport.RegisterMiddlewares(app, logger, tracker, cfg.App.RequestTimeout())
	httptransport.RegisterRoutes(app, httptransport.RouteConfig{
		MetricsPath: cfg.Telemetry.MetricsPath,
		Health:      handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, deps),
		Metrics:     handlers.NewMetricsHandler(registry),
		Privacy:     handlers.NewPrivacyHandler(cfg.Telemetry.OptOutCookie),
	})

	go func() {
		if err := app.Listen(cfg.App.Addr()); err != nil {
			logger.Fatal("fiber listen", zap.Error(err))
		}
	}()

	waitForShutdown(logger)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := pool.Close(shutdownCtx); err != nil {
		logger.Warn("telemetry queue not drained", zap.Error(err))
	}
	if batch != nil {
		if err := batch.Close(shutdownCtx); err != nil {
			logger.Warn("request log tail not flushed", zap.Error(err))
		}
	}
}

func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))
}
