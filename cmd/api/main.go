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
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/bookings-backend/api/routes"
	"github.com/angelmondragon/bookings-backend/internal/bookings"
	products "github.com/angelmondragon/bookings-backend/internal/products"
	"github.com/angelmondragon/bookings-backend/internal/scheduler"
	"github.com/angelmondragon/bookings-backend/pkg/config"
	"github.com/angelmondragon/bookings-backend/pkg/db"
	"github.com/angelmondragon/bookings-backend/pkg/env"
	"github.com/angelmondragon/bookings-backend/pkg/instance"
	"github.com/angelmondragon/bookings-backend/pkg/logger"
	"github.com/angelmondragon/bookings-backend/pkg/metrics"
	"github.com/angelmondragon/bookings-backend/pkg/migrate"
	"github.com/angelmondragon/bookings-backend/pkg/outbox"
	"github.com/angelmondragon/bookings-backend/pkg/redis"
)

const shutdownTimeout = 15 * time.Second

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
		Instance:    instance.GetID(),
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

	// Redis is optional with the memory scheduler; idempotency is then disabled.
	var redisClient *redis.Client
	if cfg.Redis.Configured() {
		redisClient, err = redis.New(context.Background(), cfg.Redis, logg)
		if err != nil {
			logg.Error(context.Background(), "failed to bootstrap redis", err)
			os.Exit(1)
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				logg.Error(context.Background(), "error closing redis", err)
			}
		}()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	schedulerMetrics := metrics.NewSchedulerMetrics(reg)

	queue, err := scheduler.NewQueue(cfg.Scheduler, redisClient, schedulerMetrics)
	if err != nil {
		logg.Error(context.Background(), "failed to build scheduler queue", err)
		os.Exit(1)
	}

	productService, err := products.NewService(products.NewRepository(dbClient.DB()), logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create product service", err)
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

	addr := ":" + env.Get("PORT", cfg.App.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":               cfg.App.Env,
		"addr":              addr,
		"scheduler_backend": cfg.Scheduler.Backend,
	})

	server := &http.Server{
		Addr: addr,
		Handler: routes.NewRouter(routes.Deps{
			Config:   cfg,
			Logger:   logg,
			DB:       dbClient,
			Redis:    redisClient,
			Products: productService,
			Bookings: bookingService,
			Gatherer: reg,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logg.Info(gctx, "starting api server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	// The memory queue only lives in this process, so its dispatcher does too.
	if cfg.Scheduler.IsMemory() {
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
			logg.Error(ctx, "failed to create expiry dispatcher", err)
			os.Exit(1)
		}
		g.Go(func() error {
			logg.Warn(gctx, "running in-process expiry dispatcher; pending timers are lost on restart")
			if err := dispatcher.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		logg.Error(ctx, "api server stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(ctx, "api server shut down gracefully")
}
