package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue keeps tasks in process, ordered by run time. It follows the
// same lease rules as RedisQueue and is meant for single-process
// deployments and tests.
type MemoryQueue struct {
	name  string
	lease time.Duration

	mu       sync.Mutex
	due      []Task
	inflight map[Handle]memoryLease
	dead     map[Handle]error
}

type memoryLease struct {
	task     Task
	deadline time.Time
}

// NewMemoryQueue builds an empty in-process queue.
func NewMemoryQueue(name string, lease time.Duration) *MemoryQueue {
	if lease <= 0 {
		lease = defaultLease
	}
	return &MemoryQueue{
		name:     name,
		lease:    lease,
		inflight: map[Handle]memoryLease{},
		dead:     map[Handle]error{},
	}
}

func (q *MemoryQueue) Name() string { return q.name }

func (q *MemoryQueue) Schedule(_ context.Context, runAt time.Time, payload uuid.UUID) (Handle, error) {
	if payload == uuid.Nil {
		return "", ErrEmptyPayload
	}
	task := Task{Handle: NewHandle(), Payload: payload, RunAt: runAt.UTC()}
	q.mu.Lock()
	q.push(task)
	q.mu.Unlock()
	return task.Handle, nil
}

// push inserts task keeping due sorted by RunAt. Callers hold mu.
func (q *MemoryQueue) push(task Task) {
	q.due = append(q.due, task)
	for i := len(q.due) - 1; i > 0; i-- {
		if !q.due[i].RunAt.Before(q.due[i-1].RunAt) {
			break
		}
		q.due[i], q.due[i-1] = q.due[i-1], q.due[i]
	}
}

func (q *MemoryQueue) Cancel(_ context.Context, handle Handle) (bool, error) {
	if handle == "" {
		return false, ErrEmptyHandle
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, task := range q.due {
		if task.Handle == handle {
			q.due = append(q.due[:i], q.due[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (q *MemoryQueue) Claim(_ context.Context, now time.Time, limit int) ([]Task, error) {
	if limit <= 0 {
		return nil, nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	for handle, lease := range q.inflight {
		if !lease.deadline.After(now) {
			delete(q.inflight, handle)
			lease.task.RunAt = now
			q.push(lease.task)
		}
	}

	var claimed []Task
	for len(q.due) > 0 && len(claimed) < limit && !q.due[0].RunAt.After(now) {
		task := q.due[0]
		q.due = q.due[1:]
		q.inflight[task.Handle] = memoryLease{task: task, deadline: now.Add(q.lease)}
		claimed = append(claimed, task)
	}
	return claimed, nil
}

func (q *MemoryQueue) Ack(_ context.Context, task Task) error {
	q.mu.Lock()
	delete(q.inflight, task.Handle)
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) Retry(_ context.Context, task Task, runAt time.Time) error {
	task.Attempts++
	task.RunAt = runAt.UTC()
	q.mu.Lock()
	delete(q.inflight, task.Handle)
	q.push(task)
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) Dead(_ context.Context, task Task, cause error) error {
	q.mu.Lock()
	delete(q.inflight, task.Handle)
	q.dead[task.Handle] = cause
	q.mu.Unlock()
	return nil
}

// Pending reports how many tasks wait to be claimed.
func (q *MemoryQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.due)
}

// DeadCount reports how many tasks exhausted their attempts.
func (q *MemoryQueue) DeadCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.dead)
}
