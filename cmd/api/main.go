package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/memeline/memeline-backend/api/routes"
	"github.com/memeline/memeline-backend/internal/artifacts"
	"github.com/memeline/memeline-backend/internal/notifications"
	"github.com/memeline/memeline-backend/internal/realtime"
	"github.com/memeline/memeline-backend/internal/social"
	"github.com/memeline/memeline-backend/internal/users"
	"github.com/memeline/memeline-backend/pkg/broker"
	"github.com/memeline/memeline-backend/pkg/config"
	"github.com/memeline/memeline-backend/pkg/db"
	"github.com/memeline/memeline-backend/pkg/logger"
	"github.com/memeline/memeline-backend/pkg/metrics"
	"github.com/memeline/memeline-backend/pkg/migrate"
	"github.com/memeline/memeline-backend/pkg/pubsub"
	"github.com/memeline/memeline-backend/pkg/redis"
	"github.com/memeline/memeline-backend/pkg/storage/gcs"
	"github.com/memeline/memeline-backend/pkg/taskqueue"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
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

	gcsClient, err := gcs.NewClient(context.Background(), cfg.GCS, cfg.GCP, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap gcs", err)
		os.Exit(1)
	}

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

	registry := prometheus.NewRegistry()
	pipelineMetrics := metrics.NewPipelineMetrics(registry)

	artifactRepo := artifacts.NewRepository(dbClient.DB())
	userRepo := users.NewRepository(dbClient.DB())
	notificationRepo := notifications.NewRepository(dbClient.DB())
	socialRepo := social.NewRepository(dbClient.DB())

	queue, err := taskqueue.NewQueue(dbClient, cfg.Queue, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create task queue", err)
		os.Exit(1)
	}

	artifactService, err := artifacts.NewService(artifactRepo, gcsClient, queue, dbClient, cfg.GCS, cfg.Upload, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create artifact service", err)
		os.Exit(1)
	}

	notificationService, err := notifications.NewService(
		notificationRepo, userRepo, artifactRepo, redisClient, liveBroker,
		pipelineMetrics, cfg.Notify, logg,
	)
	if err != nil {
		logg.Error(context.Background(), "failed to create notification service", err)
		os.Exit(1)
	}

	socialService, err := social.NewService(socialRepo, artifactRepo, userRepo, notificationService, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create social service", err)
		os.Exit(1)
	}

	gateway, err := realtime.NewGateway(cfg.JWT, liveBroker, cfg.Realtime, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create realtime gateway", err)
		os.Exit(1)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env":  cfg.App.Env,
		"addr": addr,
	})
	logg.Info(ctx, "starting api server")

	server := &http.Server{
		Addr: addr,
		Handler: routes.NewRouter(
			cfg, logg, dbClient, redisClient, gcsClient, pubsubClient,
			registry, artifactService, notificationService, socialService, gateway,
		),
	}

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logg.Error(ctx, "api server stopped unexpectedly", err)
			os.Exit(1)
		}
	case <-runCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logg.Error(ctx, "api server shutdown failed", err)
			os.Exit(1)
		}
		logg.Info(ctx, "api server shut down gracefully")
	}
}
