// Package worker consumes the task queue: it pops tasks, runs the matching
// command against the control plane, records execution state in Redis, and
// requeues transient failures with a delay.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/ferryhq/ferry/controlplane"
	"github.com/ferryhq/ferry/replication"
	"github.com/ferryhq/ferry/scheduler"
	"github.com/ferryhq/ferry/transfer"
)

var (
	tasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ferry_worker_tasks_total",
		Help: "Tasks processed, by task name and terminal status.",
	}, []string{"task", "status"})

	taskDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ferry_worker_task_duration_seconds",
		Help:    "Wall time per task execution.",
		Buckets: prometheus.ExponentialBuckets(0.1, 4, 10),
	})

	taskRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ferry_worker_task_retries_total",
		Help: "Tasks requeued after a retriable failure.",
	})
)

// Config drives a worker.
type Config struct {
	CacheDir   string
	RetryLimit int
	RetryDelay time.Duration
	// PollTimeout bounds each blocking pop so shutdown stays responsive.
	PollTimeout time.Duration
}

const (
	defaultRetryLimit  = 3
	defaultRetryDelay  = 300 * time.Second
	defaultPollTimeout = time.Second
)

func (c Config) retryLimit() int {
	if c.RetryLimit > 0 {
		return c.RetryLimit
	}
	return defaultRetryLimit
}

func (c Config) retryDelay() time.Duration {
	if c.RetryDelay > 0 {
		return c.RetryDelay
	}
	return defaultRetryDelay
}

func (c Config) pollTimeout() time.Duration {
	if c.PollTimeout > 0 {
		return c.PollTimeout
	}
	return defaultPollTimeout
}

// Worker runs tasks from one queue.
type Worker struct {
	sched *scheduler.Scheduler
	api   *controlplane.Client
	cfg   Config

	now func() time.Time // test hook
}

func New(sched *scheduler.Scheduler, api *controlplane.Client, cfg Config) *Worker {
	return &Worker{sched: sched, api: api, cfg: cfg, now: time.Now}
}

// Run consumes tasks until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	log.Info("worker started")
	for {
		select {
		case <-ctx.Done():
			log.Info("worker stopping")
			return ctx.Err()
		default:
		}

		if _, err := w.sched.PromoteDue(ctx, w.now()); err != nil {
			log.WithError(err).Warn("failed to promote delayed tasks")
		}

		var task, err = w.sched.Dequeue(ctx, w.cfg.pollTimeout())
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.WithError(err).Warn("failed to pop task")
			continue
		}
		if task == nil {
			continue
		}
		w.Handle(ctx, task)
	}
}

// Handle executes one task through its lifecycle.
func (w *Worker) Handle(ctx context.Context, task *scheduler.Task) {
	var started = w.now()
	var logger = log.WithFields(log.Fields{
		"task":         task.Name,
		"execution_id": task.ExecutionID,
		"retry_count":  task.RetryCount,
	})
	logger.Info("task started")

	w.setState(ctx, task, scheduler.ExecutionRunning, nil, "")

	var result, err = w.execute(ctx, task)
	taskDuration.Observe(w.now().Sub(started).Seconds())

	if err == nil {
		var output map[string]any
		if result != nil {
			output = result.Output
		}
		w.setState(ctx, task, scheduler.ExecutionSuccess, output, "")
		tasksTotal.WithLabelValues(task.Name, scheduler.ExecutionSuccess).Inc()
		logger.Info("task succeeded")
		return
	}

	var cause = transfer.Cause(err)
	var limit = task.RetryLimit
	if limit <= 0 {
		limit = w.cfg.retryLimit()
	}
	if transfer.Retriable(cause) && task.RetryCount < limit {
		var retry = *task
		retry.RetryCount++
		retry.RetryLimit = limit
		if qerr := w.sched.EnqueueDelayed(ctx, retry, w.now().Add(w.cfg.retryDelay())); qerr != nil {
			logger.WithError(qerr).Error("failed to requeue task")
		} else {
			taskRetries.Inc()
			w.setState(ctx, &retry, scheduler.ExecutionPending, nil, err.Error())
			logger.WithError(err).WithField("cause", cause).Warn("task failed, requeued")
			return
		}
	}

	var output map[string]any
	if result != nil {
		output = result.Output
	}
	w.setState(ctx, task, scheduler.ExecutionFailure, output, err.Error())
	tasksTotal.WithLabelValues(task.Name, scheduler.ExecutionFailure).Inc()
	logger.WithError(err).WithField("cause", cause).Error("task failed")
}

func (w *Worker) setState(ctx context.Context, task *scheduler.Task, status string, output map[string]any, errMsg string) {
	var err = w.sched.SetExecution(ctx, scheduler.Execution{
		ID:         task.ExecutionID,
		Status:     status,
		Output:     output,
		Error:      errMsg,
		RetryCount: task.RetryCount,
	})
	if err != nil {
		log.WithError(err).WithField("execution_id", task.ExecutionID).
			Warn("failed to record execution state")
	}
}

func (w *Worker) execute(ctx context.Context, task *scheduler.Task) (*transfer.Result, error) {
	var cmd, err = w.command(task)
	if err != nil {
		return nil, err
	}
	return cmd.Execute(ctx)
}

// command maps a queued task onto its transfer command.
func (w *Worker) command(task *scheduler.Task) (transfer.Command, error) {
	switch task.Name {
	case scheduler.TaskTransfer:
		var cfg, err = transferConfig(task.Args)
		if err != nil {
			return nil, err
		}
		cfg.CacheDir = w.cfg.CacheDir
		cfg.ExecutionID = task.ExecutionID
		cfg.RetryCount = task.RetryCount
		cfg.RetryLimit = task.RetryLimit
		if cfg.RetryLimit <= 0 {
			cfg.RetryLimit = w.cfg.retryLimit()
		}
		return transfer.NewTransferCommand(w.api, *cfg), nil
	case scheduler.TaskSourceCheck:
		var id, err = stringArg(task.Args, "source_id")
		if err != nil {
			return nil, err
		}
		return &transfer.SourceCheckCommand{API: w.api, SourceID: id}, nil
	case scheduler.TaskSourceInspect:
		var id, err = stringArg(task.Args, "source_id")
		if err != nil {
			return nil, err
		}
		return &transfer.SourceInspectCommand{API: w.api, SourceID: id}, nil
	default:
		return nil, fmt.Errorf("unknown task %q", task.Name)
	}
}

func stringArg(args map[string]any, key string) (string, error) {
	var v, ok = args[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("task argument %q is missing", key)
	}
	return v, nil
}

// transferConfig decodes frozen task arguments into a transfer config.
func transferConfig(args map[string]any) (*transfer.Config, error) {
	var transferID, err = stringArg(args, "transfer_id")
	if err != nil {
		return nil, err
	}
	var cfg = transfer.Config{TransferID: transferID}
	if org, ok := args["organization_id"].(string); ok {
		cfg.OrganizationID = org
	}
	if drop, ok := args["drop_after_complete"].(bool); ok {
		cfg.DropAfterComplete = drop
	}
	if ids, ok := args["model_ids"].([]any); ok {
		for _, id := range ids {
			if s, ok := id.(string); ok {
				cfg.ModelIDs = append(cfg.ModelIDs, s)
			}
		}
	}
	if rawMode, ok := args["replication_mode"]; ok && rawMode != nil {
		var raw []byte
		if raw, err = json.Marshal(rawMode); err != nil {
			return nil, err
		}
		var mode *replication.Mode
		if mode, err = replication.ParseMode(raw); err != nil {
			return nil, err
		}
		cfg.ModeOverride = mode
	}
	return &cfg, nil
}
