package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/bookings-backend/pkg/config"
	"github.com/angelmondragon/bookings-backend/pkg/metrics"
	pkgredis "github.com/angelmondragon/bookings-backend/pkg/redis"
)

// NewQueue builds the queue selected by cfg.Backend and wraps it with metrics.
// redisClient may be nil for the memory backend.
func NewQueue(cfg config.SchedulerConfig, redisClient *pkgredis.Client, m *metrics.SchedulerMetrics) (Queue, error) {
	if cfg.IsMemory() {
		return Instrument(NewMemoryQueue(cfg.Queue, cfg.Lease), m), nil
	}
	if redisClient == nil {
		return nil, errors.New("redis client required for the redis scheduler backend")
	}
	queue, err := NewRedisQueue(RedisQueueParams{
		Client: redisClient.Raw(),
		Keys:   redisClient,
		Name:   cfg.Queue,
		Lease:  cfg.Lease,
		OnRequeue: func(n int) {
			m.AddRequeued(cfg.Queue, n)
		},
	})
	if err != nil {
		return nil, err
	}
	return Instrument(queue, m), nil
}

// Instrument counts schedule and cancel calls on q.
func Instrument(q Queue, m *metrics.SchedulerMetrics) Queue {
	if m == nil {
		return q
	}
	return &instrumentedQueue{Queue: q, metrics: m}
}

type instrumentedQueue struct {
	Queue
	metrics *metrics.SchedulerMetrics
}

func (q *instrumentedQueue) Schedule(ctx context.Context, runAt time.Time, payload uuid.UUID) (Handle, error) {
	handle, err := q.Queue.Schedule(ctx, runAt, payload)
	if err == nil {
		q.metrics.IncScheduled(q.Name())
	}
	return handle, err
}

func (q *instrumentedQueue) Cancel(ctx context.Context, handle Handle) (bool, error) {
	removed, err := q.Queue.Cancel(ctx, handle)
	if err == nil {
		q.metrics.IncCanceled(q.Name(), removed)
	}
	return removed, err
}
