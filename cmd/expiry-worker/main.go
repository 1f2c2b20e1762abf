package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/bookings-backend/internal/bookings"
	products "github.com/angelmondragon/bookings-backend/internal/products"
	"github.com/angelmondragon/bookings-backend/internal/scheduler"
	"github.com/angelmondragon/bookings-backend/pkg/config"
	"github.com/angelmondragon/bookings-backend/pkg/db"
	"github.com/angelmondragon/bookings-backend/pkg/instance"
	"github.com/angelmondragon/bookings-backend/pkg/logger"
	"github.com/angelmondragon/bookings-backend/pkg/metrics"
	"github.com/angelmondragon/bookings-backend/pkg/migrate"
	"github.com/angelmondragon/bookings-backend/pkg/outbox"
	"github.com/angelmondragon/bookings-backend/pkg/redis"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "expiry-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "expiry-worker"

	logg = logger.New(logger.Options{
		ServiceName: "expiry-worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Instance:    instance.GetID(),
	})

	if cfg.Scheduler.IsMemory() {
		logg.Error(context.Background(), "expiry worker needs a shared queue", errors.New("scheduler backend is memory; the api dispatches in-process"))
		os.Exit(1)
	}

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

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	schedulerMetrics := metrics.NewSchedulerMetrics(reg)

	queue, err := scheduler.NewQueue(cfg.Scheduler, redisClient, schedulerMetrics)
	if err != nil {
		logg.Error(context.Background(), "failed to build scheduler queue", err)
		os.Exit(1)
	}

	bookingService, err := bookings.NewService(bookings.ServiceParams{
		Logger:       logg,
		DB:           dbClient,
		Repo:         bookings.NewRepository(dbClient.DB()),
		Inventory:    products.NewInventoryStore(dbClient.DB()),
		Scheduler:    queue,
		Outbox:       outbox.NewService(outbox.NewRepository(dbClient.DB()), logg),
		Metrics:      metrics.NewBookingMetrics(reg),
		ExpiryWindow: cfg.Booking.ExpiryWindow,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create booking service", err)
		os.Exit(1)
	}

	dispatcher, err := scheduler.NewDispatcher(scheduler.DispatcherParams{
		Logger:       logg,
		Queue:        queue,
		Handler:      bookings.ExpiryHandler(bookingService),
		Metrics:      schedulerMetrics,
		PollInterval: cfg.Scheduler.PollInterval,
		BatchSize:    cfg.Scheduler.BatchSize,
		MaxAttempts:  cfg.Scheduler.MaxAttempts,
		RetryBackoff: cfg.Scheduler.RetryBackoff,
		Concurrency:  cfg.Scheduler.Concurrency,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create expiry dispatcher", err)
		os.Exit(1)
	}

	var metricsServer *http.Server
	if cfg.FeatureFlags.Metrics {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{
			Addr:              ":" + cfg.App.Port,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	service, err := NewService(ServiceParams{
		Logger:        logg,
		DB:            dbClient,
		Redis:         redisClient,
		Dispatcher:    dispatcher,
		MetricsServer: metricsServer,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create expiry worker", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
		"queue":       cfg.Scheduler.Queue,
	})
	logg.Info(ctx, "starting expiry worker")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "expiry worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "expiry worker shutting down gracefully")
}
