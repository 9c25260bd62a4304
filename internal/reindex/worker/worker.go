// Package worker implements ReindexWorker: a long-running per-process loop
// that leases jobs from the JobStore and drives each one with a
// task.Task, shaped directly on the reconcile-once-then-ticker loop the
// teacher's pod controller runs.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/beads-health/resourcestore/internal/reindex/task"
	"github.com/beads-health/resourcestore/internal/rerrors"
	"github.com/beads-health/resourcestore/internal/store"
)

const (
	DefaultMaxConcurrent       = 1
	DefaultHeartbeatThreshold  = 60 * time.Second
	DefaultPollInterval        = 5 * time.Second
)

// Config holds worker tuning, mirroring the "configuration options"
// table: max concurrent leases, heartbeat expiry, and poll cadence.
type Config struct {
	MaxConcurrent      int
	HeartbeatThreshold time.Duration
	PollInterval       time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.HeartbeatThreshold == 0 {
		c.HeartbeatThreshold = DefaultHeartbeatThreshold
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
}

// TaskFactory builds the task.Task that will drive a newly-leased job.
type TaskFactory func(job *store.ReindexJob) *task.Task

type leasedTask struct {
	cancel chan struct{}
	done   chan struct{}
}

// Worker is a single reconciliation loop over one JobStore. The job map
// is mutated by the loop goroutine and read by CancelReindex, which an
// external caller may invoke concurrently; jobsMu guards only that map.
type Worker struct {
	backend store.JobStore
	newTask TaskFactory
	config  Config
	log     *slog.Logger

	jobsMu sync.Mutex
	jobs   map[string]*leasedTask

	wg sync.WaitGroup
}

// New constructs a Worker.
func New(backend store.JobStore, newTask TaskFactory, config Config, log *slog.Logger) *Worker {
	config.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		backend: backend,
		newTask: newTask,
		config:  config,
		log:     log,
		jobs:    make(map[string]*leasedTask),
	}
}

// Start runs the reconciliation loop until ctx is canceled, then drains:
// stops accepting new leases, signals every in-flight task's cancel
// handle, and waits for all of them to yield before returning.
func (w *Worker) Start(ctx context.Context) error {
	w.log.Info("reindex worker starting", "max_concurrent", w.config.MaxConcurrent, "poll_interval", w.config.PollInterval)

	w.reconcileOnce(ctx)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("reindex worker shutting down, draining in-flight tasks")
			w.drain()
			return ctx.Err()
		case <-ticker.C:
			w.reconcileOnce(ctx)
		}
	}
}

func (w *Worker) reconcileOnce(ctx context.Context) {
	w.reap()

	w.jobsMu.Lock()
	slots := w.config.MaxConcurrent - len(w.jobs)
	w.jobsMu.Unlock()
	if slots <= 0 {
		return
	}

	jobs, err := w.backend.AcquireJobs(ctx, slots, w.config.HeartbeatThreshold)
	if err != nil {
		w.log.Warn("acquire_jobs failed", "error", err)
		return
	}

	for _, job := range jobs {
		w.spawn(ctx, job)
	}
}

func (w *Worker) reap() {
	w.jobsMu.Lock()
	defer w.jobsMu.Unlock()

	for id, lt := range w.jobs {
		select {
		case <-lt.done:
			delete(w.jobs, id)
		default:
		}
	}
}

func (w *Worker) spawn(ctx context.Context, job *store.ReindexJob) {
	lt := &leasedTask{cancel: make(chan struct{}), done: make(chan struct{})}
	w.jobsMu.Lock()
	w.jobs[job.ID] = lt
	w.jobsMu.Unlock()

	tk := w.newTask(job)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer close(lt.done)

		if err := tk.Run(ctx, lt.cancel); err != nil {
			w.log.Warn("reindex task exited with error", "job_id", job.ID, "error", err)
		}
	}()
}

func (w *Worker) drain() {
	w.jobsMu.Lock()
	for _, lt := range w.jobs {
		closeOnce(lt.cancel)
	}
	w.jobsMu.Unlock()
	w.wg.Wait()
}

func closeOnce(ch chan struct{}) {
	select {
	case <-ch:
	default:
		close(ch)
	}
}

// CancelReindex implements the CancelReindex command: reject a terminal
// job with RequestNotValid, otherwise persist Canceled with bounded
// exponential retry on Conflict, and signal the local cancel handle if
// the job happens to be running in this process.
func (w *Worker) CancelReindex(ctx context.Context, id string) error {
	job, err := w.backend.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return rerrors.Wrap("worker.CancelReindex", rerrors.ErrRequestNotValid)
	}

	now := time.Now().UTC()
	job.Status = store.JobCanceled
	job.CanceledAt = &now

	delay := 50 * time.Millisecond
	const maxAttempts = 5
	for attempt := 0; ; attempt++ {
		_, err := w.backend.UpdateJob(ctx, job, job.ETag)
		if err == nil {
			break
		}
		if !rerrors.IsConflict(err) || attempt == maxAttempts-1 {
			return err
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
		fresh, getErr := w.backend.GetJob(ctx, id)
		if getErr != nil {
			return getErr
		}
		job.ETag = fresh.ETag
	}

	w.jobsMu.Lock()
	lt, ok := w.jobs[id]
	w.jobsMu.Unlock()
	if ok {
		closeOnce(lt.cancel)
	}

	return nil
}
