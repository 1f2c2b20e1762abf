package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultLease = 30 * time.Second

// Key parts under the queue namespace.
const (
	keyDue      = "due"
	keyTasks    = "tasks"
	keyInflight = "inflight"
	keyDead     = "dead"
)

// cancelScript removes a task only while it is still waiting. Claimed tasks
// are left alone so a cancel never races a running handler into a lost ack.
var cancelScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 1 then
	redis.call('HDEL', KEYS[2], ARGV[1])
	return 1
end
return 0
`)

// claimScript first returns lapsed leases to the due set, then moves up to
// ARGV[2] due handles into the inflight set with a lease deadline of ARGV[3].
var claimScript = redis.NewScript(`
local lapsed = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, handle in ipairs(lapsed) do
	redis.call('ZREM', KEYS[2], handle)
	redis.call('ZADD', KEYS[1], ARGV[1], handle)
end

local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, handle in ipairs(due) do
	redis.call('ZREM', KEYS[1], handle)
	redis.call('ZADD', KEYS[2], ARGV[3], handle)
end

return {#lapsed, due}
`)

type keyBuilder interface {
	SchedulerKey(queue, part string) string
}

// RedisQueueParams configure a RedisQueue.
type RedisQueueParams struct {
	Client redis.Cmdable
	Keys   keyBuilder
	Name   string
	Lease  time.Duration
	// OnRequeue observes how many lapsed leases a claim returned to the due set.
	OnRequeue func(n int)
}

// RedisQueue stores tasks in Redis: a sorted set of due handles scored by
// run time, a hash of task bodies, a sorted set of leased handles scored by
// lease deadline, and a hash of dead tasks.
type RedisQueue struct {
	client    redis.Cmdable
	name      string
	lease     time.Duration
	onRequeue func(int)

	dueKey      string
	tasksKey    string
	inflightKey string
	deadKey     string
}

// NewRedisQueue builds a Redis-backed queue.
func NewRedisQueue(params RedisQueueParams) (*RedisQueue, error) {
	if params.Client == nil {
		return nil, errors.New("redis client required")
	}
	if params.Keys == nil {
		return nil, errors.New("key builder required")
	}
	if params.Name == "" {
		return nil, errors.New("queue name required")
	}
	lease := params.Lease
	if lease <= 0 {
		lease = defaultLease
	}
	return &RedisQueue{
		client:      params.Client,
		name:        params.Name,
		lease:       lease,
		onRequeue:   params.OnRequeue,
		dueKey:      params.Keys.SchedulerKey(params.Name, keyDue),
		tasksKey:    params.Keys.SchedulerKey(params.Name, keyTasks),
		inflightKey: params.Keys.SchedulerKey(params.Name, keyInflight),
		deadKey:     params.Keys.SchedulerKey(params.Name, keyDead),
	}, nil
}

func (q *RedisQueue) Name() string { return q.name }

func (q *RedisQueue) Schedule(ctx context.Context, runAt time.Time, payload uuid.UUID) (Handle, error) {
	return q.schedule(ctx, Task{Handle: NewHandle(), Payload: payload, RunAt: runAt.UTC()})
}

func (q *RedisQueue) schedule(ctx context.Context, task Task) (Handle, error) {
	if task.Payload == uuid.Nil {
		return "", ErrEmptyPayload
	}
	body, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("encode task: %w", err)
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.tasksKey, string(task.Handle), body)
		pipe.ZAdd(ctx, q.dueKey, redis.Z{Score: score(task.RunAt), Member: string(task.Handle)})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("schedule task: %w", err)
	}
	return task.Handle, nil
}

func (q *RedisQueue) Cancel(ctx context.Context, handle Handle) (bool, error) {
	if handle == "" {
		return false, ErrEmptyHandle
	}
	removed, err := cancelScript.Run(ctx, q.client, []string{q.dueKey, q.tasksKey}, string(handle)).Int()
	if err != nil {
		return false, fmt.Errorf("cancel task: %w", err)
	}
	return removed == 1, nil
}

func (q *RedisQueue) Claim(ctx context.Context, now time.Time, limit int) ([]Task, error) {
	if limit <= 0 {
		return nil, nil
	}
	deadline := now.Add(q.lease)
	raw, err := claimScript.Run(ctx, q.client,
		[]string{q.dueKey, q.inflightKey},
		scoreArg(now), limit, scoreArg(deadline),
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("claim tasks: %w", err)
	}
	if len(raw) != 2 {
		return nil, fmt.Errorf("claim tasks: unexpected reply of length %d", len(raw))
	}

	if lapsed, ok := raw[0].(int64); ok && lapsed > 0 && q.onRequeue != nil {
		q.onRequeue(int(lapsed))
	}

	members, _ := raw[1].([]interface{})
	if len(members) == 0 {
		return nil, nil
	}
	handles := make([]string, 0, len(members))
	for _, member := range members {
		if handle, ok := member.(string); ok {
			handles = append(handles, handle)
		}
	}

	bodies, err := q.client.HMGet(ctx, q.tasksKey, handles...).Result()
	if err != nil {
		return nil, fmt.Errorf("load claimed tasks: %w", err)
	}

	tasks := make([]Task, 0, len(handles))
	var orphans []interface{}
	for i, body := range bodies {
		text, ok := body.(string)
		if !ok {
			orphans = append(orphans, handles[i])
			continue
		}
		var task Task
		if err := json.Unmarshal([]byte(text), &task); err != nil {
			orphans = append(orphans, handles[i])
			continue
		}
		tasks = append(tasks, task)
	}
	if len(orphans) > 0 {
		if err := q.client.ZRem(ctx, q.inflightKey, orphans...).Err(); err != nil {
			return tasks, fmt.Errorf("drop orphaned tasks: %w", err)
		}
	}
	return tasks, nil
}

func (q *RedisQueue) Ack(ctx context.Context, task Task) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.inflightKey, string(task.Handle))
		pipe.HDel(ctx, q.tasksKey, string(task.Handle))
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack task: %w", err)
	}
	return nil
}

func (q *RedisQueue) Retry(ctx context.Context, task Task, runAt time.Time) error {
	task.Attempts++
	task.RunAt = runAt.UTC()
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.inflightKey, string(task.Handle))
		pipe.HSet(ctx, q.tasksKey, string(task.Handle), body)
		pipe.ZAdd(ctx, q.dueKey, redis.Z{Score: score(task.RunAt), Member: string(task.Handle)})
		return nil
	})
	if err != nil {
		return fmt.Errorf("retry task: %w", err)
	}
	return nil
}

type deadTask struct {
	Task
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

func (q *RedisQueue) Dead(ctx context.Context, task Task, cause error) error {
	entry := deadTask{Task: task, FailedAt: time.Now().UTC()}
	if cause != nil {
		entry.Error = cause.Error()
	}
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode dead task: %w", err)
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.inflightKey, string(task.Handle))
		pipe.HDel(ctx, q.tasksKey, string(task.Handle))
		pipe.HSet(ctx, q.deadKey, string(task.Handle), body)
		return nil
	})
	if err != nil {
		return fmt.Errorf("dead-letter task: %w", err)
	}
	return nil
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func scoreArg(t time.Time) int64 {
	return t.UnixMilli()
}
