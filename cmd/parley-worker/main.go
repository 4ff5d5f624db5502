// Package main is the Parley worker. It claims generation jobs from the
// shared database queue and runs them; several workers can point at the
// same database, with the generation lease keeping runs single-owner.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/common/config"
	"github.com/parleyhq/parley/internal/common/logger"
	"github.com/parleyhq/parley/internal/common/telemetry"
	"github.com/parleyhq/parley/internal/events"
	"github.com/parleyhq/parley/internal/generation"
	"github.com/parleyhq/parley/internal/generation/jobs"
	"github.com/parleyhq/parley/internal/generation/lease"
	"github.com/parleyhq/parley/internal/generation/opencodeprovider"
	"github.com/parleyhq/parley/internal/generation/repository"
	"github.com/parleyhq/parley/internal/objectstore"
	"github.com/parleyhq/parley/internal/sandbox"
	"github.com/parleyhq/parley/internal/skills"
	"github.com/parleyhq/parley/internal/titler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Parley worker...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	providedBus, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer closeBus()

	pool, err := openDatabase(cfg.Database)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err), zap.String("driver", cfg.Database.Driver))
	}
	defer pool.Close()

	store, closeStore, err := repository.Provide(pool, cfg.Database.Driver)
	if err != nil {
		log.Fatal("Failed to initialize generation store", zap.Error(err))
	}
	defer closeStore()

	leaseSvc, err := lease.Provide(pool, cfg.Database.Driver)
	if err != nil {
		log.Fatal("Failed to initialize lease service", zap.Error(err))
	}

	queue, err := jobs.Provide(pool, cfg.Database.Driver, log, cfg.Queue)
	if err != nil {
		log.Fatal("Failed to initialize job queue", zap.Error(err))
	}

	sandboxes, err := sandbox.NewManager(cfg.Sandbox, log)
	if err != nil {
		log.Fatal("Failed to initialize sandbox manager", zap.Error(err))
	}
	defer sandboxes.Close()
	if err := sandboxes.Ping(ctx); err != nil {
		log.Fatal("Docker daemon not reachable", zap.Error(err))
	}

	objects, err := objectstore.Provide(ctx, cfg.ObjectStore)
	if err != nil {
		log.Fatal("Failed to initialize object store", zap.Error(err))
	}
	defer objects.Close()

	skillStore, err := skills.NewSQLStore(pool.Writer(), cfg.Database.Driver)
	if err != nil {
		log.Fatal("Failed to initialize skill store", zap.Error(err))
	}

	svc := generation.NewService(generation.Deps{
		Store:    store,
		Lease:    leaseSvc,
		Queue:    queue,
		Bus:      providedBus.Bus,
		Sessions: opencodeprovider.New(sandboxes, cfg.Sandbox, log),
		Objects:  objects,
		Skills:   skillStore,
		Titler:   titler.Provide(cfg.Anthropic, log),
		Config:   cfg,
		Logger:   log,
	})

	worker := jobs.NewWorker(queue, log, jobs.WorkerConfig{
		PollInterval: cfg.Queue.PollIntervalDuration(),
		Concurrency:  cfg.Queue.Concurrency,
	})
	svc.RegisterHandlers(worker)
	worker.Start(ctx)
	log.Info("Worker running", zap.Int("concurrency", cfg.Queue.Concurrency))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Parley worker...")
	cancel()
	worker.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		log.Error("Telemetry shutdown error", zap.Error(err))
	}

	log.Info("Parley worker stopped")
}
