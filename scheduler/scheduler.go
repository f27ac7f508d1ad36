// Package scheduler stores transfer schedules in Redis and feeds a task
// queue consumed by workers. Each transfer has one schedule entry with a
// cron expression and frozen task arguments; the beat loop enqueues tasks
// when their cron fires, and expedited runs enqueue immediately.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// Task names understood by workers.
const (
	TaskTransfer      = "transfer"
	TaskSourceCheck   = "source-check"
	TaskSourceInspect = "source-inspect"
)

// Execution statuses written by workers.
const (
	ExecutionPending = "PENDING"
	ExecutionRunning = "RUNNING"
	ExecutionSuccess = "SUCCESS"
	ExecutionFailure = "FAILURE"
)

// Entry is one transfer's schedule record.
type Entry struct {
	Cron    string         `json:"cron"`
	Task    string         `json:"task"`
	Args    map[string]any `json:"args"`
	Enabled bool           `json:"enabled"`
}

// Task is one queued unit of work, consumed by a worker.
type Task struct {
	ExecutionID string         `json:"execution_id"`
	Name        string         `json:"task"`
	Args        map[string]any `json:"args"`
	RetryCount  int            `json:"retry_count"`
	RetryLimit  int            `json:"retry_limit"`
}

// Execution is the worker-maintained state of one task run.
type Execution struct {
	ID         string         `json:"id"`
	Status     string         `json:"status"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	RetryCount int            `json:"retry_count"`
}

// ErrNotScheduled is returned when a transfer has no schedule entry.
var ErrNotScheduled = errors.New("transfer is not scheduled")

const (
	defaultPrefix     = "ferry:"
	scheduleKeyPart   = "schedule:"
	executionKeyPart  = "executions:"
	defaultQueue      = "ferry:tasks"
	defaultDelayQueue = "ferry:tasks:delayed"

	waitPoll    = 3 * time.Second
	waitTimeout = 300 * time.Second
)

// Scheduler reads and writes schedule entries and enqueues tasks.
type Scheduler struct {
	rdb    *redis.Client
	prefix string
	queue  string
	delay  string
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithPrefix(p string) Option { return func(s *Scheduler) { s.prefix = p } }
func WithQueue(q string) Option  { return func(s *Scheduler) { s.queue = q } }

func New(rdb *redis.Client, opts ...Option) *Scheduler {
	var s = &Scheduler{
		rdb:    rdb,
		prefix: defaultPrefix,
		queue:  defaultQueue,
		delay:  defaultDelayQueue,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.delay = s.queue + ":delayed"
	return s
}

func (s *Scheduler) Queue() string      { return s.queue }
func (s *Scheduler) DelayQueue() string { return s.delay }

func (s *Scheduler) scheduleKey(transferID string) string {
	return s.prefix + scheduleKeyPart + transferID
}

func (s *Scheduler) executionKey(executionID string) string {
	return s.prefix + executionKeyPart + executionID
}

// Schedule stores (or replaces) the entry for a transfer.
func (s *Scheduler) Schedule(ctx context.Context, transferID string, e Entry) error {
	var raw, err = json.Marshal(e)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.scheduleKey(transferID), raw, 0).Err()
}

// Get reads a transfer's schedule entry.
func (s *Scheduler) Get(ctx context.Context, transferID string) (*Entry, error) {
	var raw, err = s.rdb.Get(ctx, s.scheduleKey(transferID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotScheduled
	}
	if err != nil {
		return nil, err
	}
	var e Entry
	if err = json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, fmt.Errorf("decoding schedule entry: %w", err)
	}
	return &e, nil
}

func (s *Scheduler) Exists(ctx context.Context, transferID string) (bool, error) {
	var n, err = s.rdb.Exists(ctx, s.scheduleKey(transferID)).Result()
	return n > 0, err
}

func (s *Scheduler) IsEnabled(ctx context.Context, transferID string) (bool, error) {
	var e, err = s.Get(ctx, transferID)
	if err != nil {
		return false, err
	}
	return e.Enabled, nil
}

func (s *Scheduler) setEnabled(ctx context.Context, transferID string, enabled bool) error {
	var e, err = s.Get(ctx, transferID)
	if err != nil {
		return err
	}
	e.Enabled = enabled
	return s.Schedule(ctx, transferID, *e)
}

func (s *Scheduler) Enable(ctx context.Context, transferID string) error {
	return s.setEnabled(ctx, transferID, true)
}

func (s *Scheduler) Disable(ctx context.Context, transferID string) error {
	return s.setEnabled(ctx, transferID, false)
}

// Apply creates the entry when absent and updates it otherwise. On update
// the stored args are merged underneath the new ones so a partial apply
// never erases arguments set earlier, and the entry comes back enabled.
func (s *Scheduler) Apply(ctx context.Context, transferID string, e Entry) error {
	var existing, err = s.Get(ctx, transferID)
	if errors.Is(err, ErrNotScheduled) {
		e.Enabled = true
		return s.Schedule(ctx, transferID, e)
	}
	if err != nil {
		return err
	}

	if e.Cron == "" {
		e.Cron = existing.Cron
	}
	if e.Task == "" {
		e.Task = existing.Task
	}
	if e.Args == nil {
		e.Args = make(map[string]any, len(existing.Args))
	}
	for k, v := range existing.Args {
		if _, ok := e.Args[k]; !ok {
			e.Args[k] = v
		}
	}
	e.Enabled = true
	return s.Schedule(ctx, transferID, e)
}

func (s *Scheduler) Delete(ctx context.Context, transferID string) error {
	return s.rdb.Del(ctx, s.scheduleKey(transferID)).Err()
}

// Clone copies one transfer's schedule entry under a new transfer id, with
// the transfer_id argument rewritten.
func (s *Scheduler) Clone(ctx context.Context, transferID, newTransferID string) error {
	var e, err = s.Get(ctx, transferID)
	if err != nil {
		return err
	}
	var clone = *e
	clone.Args = make(map[string]any, len(e.Args))
	for k, v := range e.Args {
		clone.Args[k] = v
	}
	clone.Args["transfer_id"] = newTransferID
	return s.Schedule(ctx, newTransferID, clone)
}

// enqueue pushes a task and seeds its execution record as PENDING.
func (s *Scheduler) enqueue(ctx context.Context, task Task) (*Handle, error) {
	if task.ExecutionID == "" {
		task.ExecutionID = uuid.NewString()
	}
	var exec = Execution{ID: task.ExecutionID, Status: ExecutionPending, RetryCount: task.RetryCount}
	var raw, err = json.Marshal(exec)
	if err != nil {
		return nil, err
	}
	if err = s.rdb.Set(ctx, s.executionKey(task.ExecutionID), raw, 24*time.Hour).Err(); err != nil {
		return nil, err
	}
	if raw, err = json.Marshal(task); err != nil {
		return nil, err
	}
	if err = s.rdb.RPush(ctx, s.queue, raw).Err(); err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"task":         task.Name,
		"execution_id": task.ExecutionID,
	}).Info("enqueued task")
	return &Handle{rdb: s.rdb, key: s.executionKey(task.ExecutionID), ExecutionID: task.ExecutionID}, nil
}

// EnqueueDelayed schedules a task to become runnable at readyAt. Workers
// promote due tasks onto the main queue.
func (s *Scheduler) EnqueueDelayed(ctx context.Context, task Task, readyAt time.Time) error {
	var raw, err = json.Marshal(task)
	if err != nil {
		return err
	}
	return s.rdb.ZAdd(ctx, s.delay, redis.Z{
		Score:  float64(readyAt.Unix()),
		Member: string(raw),
	}).Err()
}

// PromoteDue moves tasks whose delay has elapsed onto the main queue.
func (s *Scheduler) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	var members, err = s.rdb.ZRangeByScore(ctx, s.delay, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.Unix()),
	}).Result()
	if err != nil {
		return 0, err
	}
	for _, m := range members {
		if err = s.rdb.ZRem(ctx, s.delay, m).Err(); err != nil {
			return 0, err
		}
		if err = s.rdb.RPush(ctx, s.queue, m).Err(); err != nil {
			return 0, err
		}
	}
	return len(members), nil
}

// Run expedites a scheduled transfer: the stored entry's arguments are
// merged with overrides and the task is queued immediately.
func (s *Scheduler) Run(ctx context.Context, transferID string, overrides map[string]any) (*Handle, error) {
	var e, err = s.Get(ctx, transferID)
	if err != nil {
		return nil, err
	}
	var args = make(map[string]any, len(e.Args)+len(overrides))
	for k, v := range e.Args {
		args[k] = v
	}
	for k, v := range overrides {
		args[k] = v
	}
	return s.enqueue(ctx, Task{Name: e.Task, Args: args})
}

// TestSource queues a connectivity check against a configured source.
func (s *Scheduler) TestSource(ctx context.Context, sourceID string) (*Handle, error) {
	return s.enqueue(ctx, Task{Name: TaskSourceCheck, Args: map[string]any{"source_id": sourceID}})
}

// InspectSource queues a stream listing against a configured source.
func (s *Scheduler) InspectSource(ctx context.Context, sourceID string) (*Handle, error) {
	return s.enqueue(ctx, Task{Name: TaskSourceInspect, Args: map[string]any{"source_id": sourceID}})
}

// TestDestination queues a throwaway transfer against a destination: a
// synthetic one-day incremental window, with the delivered tables dropped
// after the run so nothing persists.
func (s *Scheduler) TestDestination(ctx context.Context, transferID string) (*Handle, error) {
	return s.enqueue(ctx, Task{Name: TaskTransfer, Args: map[string]any{
		"transfer_id": transferID,
		"replication_mode": map[string]any{
			"type":   "INCREMENTAL",
			"period": "DAILY",
			"start":  "2025-01-01T00:00:00Z",
			"end":    "2025-01-02T00:00:00Z",
		},
		"drop_after_complete": true,
	}})
}

// SetExecution writes a task's execution state; called by workers as the
// task moves through its lifecycle.
func (s *Scheduler) SetExecution(ctx context.Context, e Execution) error {
	var raw, err = json.Marshal(e)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.executionKey(e.ID), raw, 24*time.Hour).Err()
}

// Dequeue blocks up to timeout for the next runnable task. A nil task with
// nil error means the timeout elapsed with nothing queued.
func (s *Scheduler) Dequeue(ctx context.Context, timeout time.Duration) (*Task, error) {
	var res, err = s.rdb.BLPop(ctx, timeout, s.queue).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// BLPop returns [key, value].
	var task Task
	if err = json.Unmarshal([]byte(res[1]), &task); err != nil {
		return nil, fmt.Errorf("decoding task: %w", err)
	}
	return &task, nil
}

// Handle tracks one queued execution.
type Handle struct {
	rdb         *redis.Client
	key         string
	ExecutionID string
}

// NewHandle reattaches to an existing execution.
func (s *Scheduler) NewHandle(executionID string) *Handle {
	return &Handle{rdb: s.rdb, key: s.executionKey(executionID), ExecutionID: executionID}
}

func (h *Handle) get(ctx context.Context) (*Execution, error) {
	var raw, err = h.rdb.Get(ctx, h.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("execution %s not found", h.ExecutionID)
	}
	if err != nil {
		return nil, err
	}
	var e Execution
	if err = json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (h *Handle) Status(ctx context.Context) (string, error) {
	var e, err = h.get(ctx)
	if err != nil {
		return "", err
	}
	return e.Status, nil
}

func (h *Handle) Output(ctx context.Context) (map[string]any, error) {
	var e, err = h.get(ctx)
	if err != nil {
		return nil, err
	}
	return e.Output, nil
}

func (h *Handle) Err(ctx context.Context) (string, error) {
	var e, err = h.get(ctx)
	if err != nil {
		return "", err
	}
	return e.Error, nil
}

// Wait polls until the execution reaches a terminal status or the timeout
// elapses; zero means the 300s default. On timeout the caller decides
// whether to keep polling or abandon the run.
func (h *Handle) Wait(ctx context.Context, timeout time.Duration) (*Execution, error) {
	if timeout <= 0 {
		timeout = waitTimeout
	}
	var deadline = time.Now().Add(timeout)
	for {
		var e, err = h.get(ctx)
		if err != nil {
			return nil, err
		}
		if e.Status == ExecutionSuccess || e.Status == ExecutionFailure {
			return e, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("execution %s did not finish within %s", h.ExecutionID, timeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(waitPoll):
		}
	}
}
