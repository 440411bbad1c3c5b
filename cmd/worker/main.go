package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/memeline/memeline-backend/internal/artifacts"
	"github.com/memeline/memeline-backend/internal/artifacts/consumer"
	"github.com/memeline/memeline-backend/internal/notifications"
	"github.com/memeline/memeline-backend/internal/social"
	"github.com/memeline/memeline-backend/internal/users"
	"github.com/memeline/memeline-backend/internal/worker"
	"github.com/memeline/memeline-backend/pkg/broker"
	"github.com/memeline/memeline-backend/pkg/config"
	"github.com/memeline/memeline-backend/pkg/db"
	"github.com/memeline/memeline-backend/pkg/logger"
	"github.com/memeline/memeline-backend/pkg/metrics"
	"github.com/memeline/memeline-backend/pkg/migrate"
	"github.com/memeline/memeline-backend/pkg/pubsub"
	"github.com/memeline/memeline-backend/pkg/redis"
	"github.com/memeline/memeline-backend/pkg/taskqueue"
	"github.com/memeline/memeline-backend/pkg/transform"
)

// The worker binary runs both halves of the pipeline: the Pub/Sub consumer
// that turns GCS finalize events into queued tasks, and the poll loops that
// drain the task queue.
func main() {
	logg := logger.New(logger.Options{ServiceName: "worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	pubsubClient, err := pubsub.NewClient(context.Background(), cfg.GCP, cfg.PubSub, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap pubsub", err)
		os.Exit(1)
	}
	defer func() {
		if err := pubsubClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing pubsub", err)
		}
	}()

	liveBroker, err := broker.New(redisClient)
	if err != nil {
		logg.Error(context.Background(), "failed to create notification broker", err)
		os.Exit(1)
	}

	transformClient, err := transform.NewClient(cfg.Transform)
	if err != nil {
		logg.Error(context.Background(), "failed to create transform client", err)
		os.Exit(1)
	}

	queue, err := taskqueue.NewQueue(dbClient, cfg.Queue, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create task queue", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	pipelineMetrics := metrics.NewPipelineMetrics(registry)

	artifactRepo := artifacts.NewRepository(dbClient.DB())
	userRepo := users.NewRepository(dbClient.DB())
	notificationRepo := notifications.NewRepository(dbClient.DB())
	socialRepo := social.NewRepository(dbClient.DB())

	notificationService, err := notifications.NewService(
		notificationRepo, userRepo, artifactRepo, redisClient, liveBroker,
		pipelineMetrics, cfg.Notify, logg,
	)
	if err != nil {
		logg.Error(context.Background(), "failed to create notification service", err)
		os.Exit(1)
	}

	uploadConsumer, err := consumer.NewConsumer(artifactRepo, queue, dbClient, pubsubClient.UploadSubscription(), logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create upload consumer", err)
		os.Exit(1)
	}

	pipelineWorker, err := worker.New(
		queue, artifactRepo, transformClient, socialRepo, notificationService,
		pipelineMetrics, cfg.Worker, logg,
	)
	if err != nil {
		logg.Error(context.Background(), "failed to create pipeline worker", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runCtx := logg.WithField(ctx, "env", cfg.App.Env)
	logg.Info(runCtx, "starting worker")

	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		if err := uploadConsumer.Run(ctx); err != nil && ctx.Err() == nil {
			logg.Error(runCtx, "upload consumer stopped unexpectedly", err)
			stop()
		}
	}()

	// Queue-depth gauge. Sampling keeps the hot paths free of extra counts.
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			depth, err := queue.Depth(ctx)
			if err != nil {
				logg.Warn(runCtx, "sampling queue depth failed")
				continue
			}
			pipelineMetrics.SetQueueDepth(depth)
		}
	}()

	go func() {
		defer wg.Done()
		if err := pipelineWorker.Run(ctx); err != nil && ctx.Err() == nil {
			logg.Error(runCtx, "pipeline worker stopped unexpectedly", err)
			stop()
		}
	}()

	wg.Wait()
	logg.Info(runCtx, "worker shut down gracefully")
}
