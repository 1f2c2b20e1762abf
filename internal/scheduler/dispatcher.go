package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/bookings-backend/pkg/logger"
	"github.com/angelmondragon/bookings-backend/pkg/metrics"
)

const (
	defaultPollInterval   = 500 * time.Millisecond
	defaultBatchSize      = 50
	defaultMaxAttempts    = 8
	defaultRetryBackoff   = 2 * time.Second
	defaultConcurrency    = 8
	defaultHandlerTimeout = 15 * time.Second
	maxPollBackoff        = 10 * time.Second
	maxRetryBackoff       = 5 * time.Minute
	jitterWindow          = 250 * time.Millisecond
)

// DispatcherParams configure a Dispatcher.
type DispatcherParams struct {
	Logger       *logger.Logger
	Queue        Queue
	Handler      Handler
	Metrics      *metrics.SchedulerMetrics
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	RetryBackoff time.Duration
	Concurrency  int
}

// Dispatcher claims due tasks from a Queue and runs the handler for each,
// retrying failures with exponential backoff until MaxAttempts is reached.
type Dispatcher struct {
	logg         *logger.Logger
	queue        Queue
	handler      Handler
	metrics      *metrics.SchedulerMetrics
	pollInterval time.Duration
	batchSize    int
	maxAttempts  int
	retryBackoff time.Duration
	concurrency  int
	now          func() time.Time
}

// NewDispatcher validates params and applies defaults.
func NewDispatcher(params DispatcherParams) (*Dispatcher, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Queue == nil {
		return nil, fmt.Errorf("queue required")
	}
	if params.Handler == nil {
		return nil, fmt.Errorf("handler required")
	}
	d := &Dispatcher{
		logg:         params.Logger,
		queue:        params.Queue,
		handler:      params.Handler,
		metrics:      params.Metrics,
		pollInterval: params.PollInterval,
		batchSize:    params.BatchSize,
		maxAttempts:  params.MaxAttempts,
		retryBackoff: params.RetryBackoff,
		concurrency:  params.Concurrency,
		now:          time.Now,
	}
	if d.pollInterval <= 0 {
		d.pollInterval = defaultPollInterval
	}
	if d.batchSize <= 0 {
		d.batchSize = defaultBatchSize
	}
	if d.maxAttempts <= 0 {
		d.maxAttempts = defaultMaxAttempts
	}
	if d.retryBackoff <= 0 {
		d.retryBackoff = defaultRetryBackoff
	}
	if d.concurrency <= 0 {
		d.concurrency = defaultConcurrency
	}
	return d, nil
}

// Run polls the queue until ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ctx = d.logg.WithField(ctx, "queue", d.queue.Name())
	d.logg.Info(ctx, "dispatcher started")

	backoff := d.pollInterval
	for {
		select {
		case <-ctx.Done():
			d.logg.Info(ctx, "dispatcher context canceled")
			return ctx.Err()
		default:
		}

		claimed, err := d.RunOnce(ctx)
		if err != nil {
			d.logg.Error(ctx, "dispatcher poll failed", err)
			backoff = nextBackoff(backoff, d.pollInterval, maxPollBackoff)
			if err := sleep(ctx, withJitter(backoff)); err != nil {
				return err
			}
			continue
		}
		backoff = d.pollInterval

		if claimed >= d.batchSize {
			continue
		}
		if err := sleep(ctx, withJitter(d.pollInterval)); err != nil {
			return err
		}
	}
}

// RunOnce claims one batch and processes it. It returns how many tasks were
// claimed.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	now := d.now()
	tasks, err := d.queue.Claim(ctx, now, d.batchSize)
	if err != nil {
		return 0, err
	}
	if len(tasks) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for _, task := range tasks {
		task := task
		g.Go(func() error {
			return d.process(gctx, task)
		})
	}
	return len(tasks), g.Wait()
}

// process runs one task. Handler failures are recorded on the queue and
// never returned; only queue bookkeeping errors are.
func (d *Dispatcher) process(ctx context.Context, task Task) error {
	queue := d.queue.Name()
	taskCtx := d.logg.WithFields(ctx, map[string]any{
		"task_handle": task.Handle.String(),
		"payload":     task.Payload.String(),
		"attempt":     task.Attempts + 1,
	})
	if d.metrics != nil {
		d.metrics.ObserveFireLag(queue, d.now().Sub(task.RunAt))
	}

	handlerCtx, cancel := context.WithTimeout(taskCtx, defaultHandlerTimeout)
	err := d.handler(handlerCtx, task.Payload)
	cancel()

	if err == nil {
		if ackErr := d.queue.Ack(ctx, task); ackErr != nil {
			return fmt.Errorf("ack %s: %w", task.Handle, ackErr)
		}
		d.observe(queue, metrics.DeliveryAcked)
		return nil
	}

	if task.Attempts+1 >= d.maxAttempts {
		d.logg.Error(d.logg.WithField(taskCtx, "terminal_reason", "max_attempts"), "task moved to dead set", err)
		if deadErr := d.queue.Dead(ctx, task, err); deadErr != nil {
			return fmt.Errorf("dead-letter %s: %w", task.Handle, deadErr)
		}
		d.observe(queue, metrics.DeliveryDead)
		return nil
	}

	delay := retryDelay(d.retryBackoff, task.Attempts)
	retryCtx := d.logg.WithFields(taskCtx, map[string]any{
		"error":    err.Error(),
		"retry_in": delay.String(),
	})
	d.logg.Warn(retryCtx, "task failed; scheduling retry")
	if retryErr := d.queue.Retry(ctx, task, d.now().Add(delay)); retryErr != nil {
		return fmt.Errorf("retry %s: %w", task.Handle, retryErr)
	}
	d.observe(queue, metrics.DeliveryRetried)
	return nil
}

func (d *Dispatcher) observe(queue, outcome string) {
	if d.metrics == nil {
		return
	}
	d.metrics.IncDelivery(queue, outcome)
}

func retryDelay(base time.Duration, attempts int) time.Duration {
	delay := base
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= maxRetryBackoff {
			return maxRetryBackoff
		}
	}
	return delay
}

func nextBackoff(current, base, max time.Duration) time.Duration {
	if current <= 0 {
		current = base
	}
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d + time.Duration(rand.Int63n(int64(jitterWindow)))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
