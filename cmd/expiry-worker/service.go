package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/bookings-backend/pkg/logger"
)

const (
	heartbeatInterval = 30 * time.Second
	shutdownTimeout   = 10 * time.Second
)

type pinger interface {
	Ping(context.Context) error
}

type dispatcher interface {
	Run(ctx context.Context) error
}

type ServiceParams struct {
	Logger     *logger.Logger
	DB         pinger
	Redis      pinger
	Dispatcher dispatcher
	// MetricsServer is optional; nil disables the /metrics listener.
	MetricsServer *http.Server
}

// Service fires booking expiry timers from the shared Redis queue. Any
// number of replicas may run; the queue hands each task to one claimer.
type Service struct {
	logg          *logger.Logger
	db            pinger
	redis         pinger
	dispatcher    dispatcher
	metricsServer *http.Server
	heartbeat     time.Duration
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.DB == nil {
		return nil, errors.New("database client is required")
	}
	if params.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	if params.Dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	return &Service{
		logg:          params.Logger,
		db:            params.DB,
		redis:         params.Redis,
		dispatcher:    params.Dispatcher,
		metricsServer: params.MetricsServer,
		heartbeat:     heartbeatInterval,
	}, nil
}

func (s *Service) ensureReadiness(ctx context.Context) error {
	if err := pingDependency(ctx, s.logg, "database", s.db.Ping); err != nil {
		return err
	}
	if err := pingDependency(ctx, s.logg, "redis", s.redis.Ping); err != nil {
		return err
	}
	s.logg.Info(ctx, "all worker dependencies are ready")
	return nil
}

func pingDependency(ctx context.Context, logg *logger.Logger, name string, fn func(context.Context) error) error {
	if err := fn(ctx); err != nil {
		logg.Error(ctx, fmt.Sprintf("%s ping failed", name), err)
		return fmt.Errorf("%s ping failed: %w", name, err)
	}
	return nil
}

// Run blocks until ctx is canceled or the dispatcher fails.
func (s *Service) Run(ctx context.Context) error {
	if err := s.ensureReadiness(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.dispatcher.Run(gctx)
	})
	g.Go(func() error {
		s.heartbeatLoop(gctx)
		return nil
	})
	if s.metricsServer != nil {
		g.Go(func() error {
			if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return s.metricsServer.Shutdown(shutdownCtx)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		s.logg.Info(ctx, "worker context canceled")
	}
	return err
}

func (s *Service) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.redis.Ping(ctx); err != nil {
				s.logg.Warn(s.logg.WithError(ctx, err), "redis heartbeat failed")
				continue
			}
			s.logg.Debug(ctx, "expiry worker heartbeat")
		}
	}
}
