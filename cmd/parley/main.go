// Package main is the Parley server. The single binary runs the HTTP
// API, the job worker, and the stale-generation reaper on one shared
// database; set PARLEY_DEFER_TO_WORKER to push generation runs onto
// dedicated parley-worker processes instead.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/api"
	"github.com/parleyhq/parley/internal/common/config"
	"github.com/parleyhq/parley/internal/common/httpmw"
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

	log.Info("Starting Parley server...")

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
	log.Info("Database initialized", zap.String("driver", cfg.Database.Driver))

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
		log.Warn("Docker daemon not reachable, generations will fail until it is", zap.Error(err))
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
	if err := seedSkills(ctx, skillStore, cfg.Skills.ManifestPath); err != nil {
		log.Warn("Failed to seed built-in skills", zap.Error(err))
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

	svc.StartReaper(ctx)
	log.Info("Generation orchestrator initialized",
		zap.Bool("defer_to_worker", cfg.Generation.DeferToWorker))

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "parley"))
	router.Use(httpmw.OtelTracing("parley"))
	api.RegisterRoutes(router, svc, log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Parley...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	worker.Stop()
	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		log.Error("Telemetry shutdown error", zap.Error(err))
	}

	log.Info("Parley stopped")
}

// seedSkills upserts the manifest skills so a fresh database has the
// platform set available on first start. No manifest, no seeding.
func seedSkills(ctx context.Context, store skills.Store, manifestPath string) error {
	builtins, err := skills.LoadManifest(manifestPath)
	if err != nil {
		return err
	}
	for i := range builtins {
		if err := store.UpsertSkill(ctx, &builtins[i]); err != nil {
			return err
		}
	}
	return nil
}
