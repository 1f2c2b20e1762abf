package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Handle identifies a scheduled task. It is opaque to callers and only
// meaningful to the queue that issued it.
type Handle string

// String implements fmt.Stringer.
func (h Handle) String() string { return string(h) }

// NewHandle returns a fresh random handle.
func NewHandle() Handle {
	return Handle(uuid.NewString())
}

// Task is one delayed callback tracked by a Queue.
type Task struct {
	Handle   Handle    `json:"handle"`
	Payload  uuid.UUID `json:"payload"`
	RunAt    time.Time `json:"run_at"`
	Attempts int       `json:"attempts"`
}

// Handler runs a task payload once it is due. Returning an error asks the
// dispatcher to retry the task later.
type Handler func(ctx context.Context, payload uuid.UUID) error

// Scheduler registers delayed callbacks and attempts to cancel them.
type Scheduler interface {
	// Schedule registers payload to fire at or after runAt.
	Schedule(ctx context.Context, runAt time.Time, payload uuid.UUID) (Handle, error)
	// Cancel removes the task if it has not been claimed yet. A false result
	// means the task already fired, is firing, or never existed.
	Cancel(ctx context.Context, handle Handle) (bool, error)
}

// Queue is the durable side of a Scheduler that a Dispatcher drains.
// Claimed tasks are leased; a lease that lapses without Ack, Retry or Dead
// makes the task due again, so delivery is at-least-once.
type Queue interface {
	Scheduler
	Name() string
	Claim(ctx context.Context, now time.Time, limit int) ([]Task, error)
	Ack(ctx context.Context, task Task) error
	Retry(ctx context.Context, task Task, runAt time.Time) error
	Dead(ctx context.Context, task Task, cause error) error
}

var (
	ErrEmptyPayload = errors.New("scheduler: payload required")
	ErrEmptyHandle  = errors.New("scheduler: handle required")
)
