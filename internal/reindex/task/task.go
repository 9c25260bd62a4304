// Package task implements ReindexTask: the per-job state machine that
// discovers target extraction rules, pages through resources of each
// target type, re-extracts their index rows, and checkpoints progress.
package task

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/beads-health/resourcestore/internal/record"
	"github.com/beads-health/resourcestore/internal/reindex/support"
	"github.com/beads-health/resourcestore/internal/rerrors"
	"github.com/beads-health/resourcestore/internal/store"
)

// Extractor re-derives index rows for one record, given the set of
// extraction rules currently targeted by the job. It is the caller's
// clinical-model-aware plug point; this package has no opinion on
// payload parsing.
type Extractor func(rec *record.Record, targets []support.ParamInfo) []record.IndexRow

// Task drives one job from Queued/Running through to a terminal status.
type Task struct {
	JobID string

	Store     store.Backend
	Resolver  support.Resolver
	Throttle  Throttle
	Extract   Extractor
	Types     []string
	Log       *slog.Logger

	jobUpdateRetryMax int
}

// Option configures optional Task behavior.
type Option func(*Task)

// WithJobUpdateRetryMax bounds retries on Conflict during job checkpoint
// updates before the task gives up and transitions to Failed.
func WithJobUpdateRetryMax(n int) Option {
	return func(t *Task) { t.jobUpdateRetryMax = n }
}

// New constructs a Task with sane defaults.
func New(jobID string, backend store.Backend, resolver support.Resolver, throttle Throttle, extract Extractor, types []string, log *slog.Logger, opts ...Option) *Task {
	if log == nil {
		log = slog.Default()
	}
	t := &Task{
		JobID: jobID, Store: backend, Resolver: resolver, Throttle: throttle,
		Extract: extract, Types: types, Log: log, jobUpdateRetryMax: 5,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Run drives the job to completion, cancellation, or failure. cancel
// fires when the owning worker wants this task to abandon its current
// batch and persist Canceled.
func (t *Task) Run(ctx context.Context, cancel <-chan struct{}) error {
	job, err := t.Store.GetJob(ctx, t.JobID)
	if err != nil {
		return fmt.Errorf("task: load job: %w", err)
	}

	// Gate on Params being uncomputed rather than Status == Queued:
	// AcquireJobs already flips Queued -> Running (and stamps a fresh
	// heartbeat) before a task is ever spawned, so by the time Run sees
	// the job its status is already Running. Params is nil until start
	// has discovered the job's target scopes, which is the condition
	// that actually needs to fire exactly once per job.
	if job.Params == nil {
		job, err = t.start(ctx, job)
		if err != nil {
			return t.fail(ctx, job, err)
		}
	}

	for _, scope := range job.Params {
		select {
		case <-cancel:
			return t.cancelJob(ctx, job)
		case <-ctx.Done():
			return t.cancelJob(ctx, job)
		default:
		}

		counts := job.Counts[scope.ResourceType]
		continuation := job.Continuation

		for {
			select {
			case <-cancel:
				return t.cancelJob(ctx, job)
			case <-ctx.Done():
				return t.cancelJob(ctx, job)
			default:
			}

			batchSize, delay := t.Throttle.Throttle(ctx)
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return t.cancelJob(ctx, job)
				}
			}

			page, next, done, err := t.Store.ListCurrent(ctx, scope.ResourceType, continuation, batchSize)
			if err != nil {
				return t.fail(ctx, job, fmt.Errorf("task: list %s: %w", scope.ResourceType, err))
			}

			targets, err := t.Resolver.SupportedButNotSearchable(ctx, scope.ResourceType)
			if err != nil {
				return t.fail(ctx, job, fmt.Errorf("task: resolve targets: %w", err))
			}

			var batch []store.IndexBatchEntry
			for _, rec := range page {
				rows := t.Extract(rec, targets)
				batch = append(batch, store.IndexBatchEntry{
					Key:             record.Key{Type: rec.Type, LogicalID: rec.LogicalID},
					Rows:            rows,
					SearchParamHash: scope.ExpectedHash,
					IfMatch:         rec.Version,
				})
			}

			if len(batch) > 0 {
				err := t.Store.UpdateIndicesBatch(ctx, batch)
				t.Throttle.Observe(rerrors.IsRateLimited(err))
				switch {
				case err == nil:
					counts.Processed += int64(len(batch))
				case rerrors.IsPreconditionFailed(err):
					// One entry's if_match lost a race with a concurrent
					// write; the batch rejected all of it atomically. Retry
					// each entry on its own so the rest of the page, which
					// didn't race anything, still gets reindexed.
					processed, failed := t.applyIndividually(ctx, batch)
					counts.Processed += processed
					counts.Failed += failed
				default:
					counts.Failed += int64(len(batch))
				}
			}

			continuation = next
			job.Continuation = continuation
			job.Counts[scope.ResourceType] = counts

			job, err = t.checkpoint(ctx, job)
			if err != nil {
				return t.fail(ctx, job, err)
			}

			if done {
				break
			}
		}

		job.Continuation = ""
	}

	return t.complete(ctx, job)
}

func (t *Task) start(ctx context.Context, job *store.ReindexJob) (*store.ReindexJob, error) {
	job.Counts = make(map[string]store.TypeCounts, len(t.Types))
	job.Params = nil

	for _, typ := range t.Types {
		targets, err := t.Resolver.SupportedButNotSearchable(ctx, typ)
		if err != nil {
			return job, err
		}
		if len(targets) == 0 {
			continue
		}
		hash, err := t.Resolver.Hash(ctx, typ)
		if err != nil {
			return job, err
		}
		urls := make([]string, len(targets))
		for i, p := range targets {
			urls[i] = p.URL
		}

		job.Params = append(job.Params, store.ParamScope{ResourceType: typ, ParamURLs: urls, ExpectedHash: hash})
		job.Counts[typ] = store.TypeCounts{Total: t.countResources(ctx, typ)}
	}

	job.Status = store.JobRunning
	return t.update(ctx, job)
}

// countResources performs a full scan to fix Total at job-start, since
// spec behavior pins total once computed and never retroactively grows it.
func (t *Task) countResources(ctx context.Context, typ string) int64 {
	var total int64
	continuation := ""
	for {
		page, next, done, err := t.Store.ListCurrent(ctx, typ, continuation, 500)
		if err != nil {
			return total
		}
		total += int64(len(page))
		if done {
			return total
		}
		continuation = next
	}
}

// applyIndividually falls back to per-record UpdateIndex after a batch's
// atomic precondition check fails, so a single record racing a concurrent
// write doesn't take the rest of its page down with it.
func (t *Task) applyIndividually(ctx context.Context, batch []store.IndexBatchEntry) (processed, failed int64) {
	for _, entry := range batch {
		if _, err := t.Store.UpdateIndex(ctx, entry.Key, entry.Rows, entry.SearchParamHash, entry.IfMatch); err != nil {
			failed++
			continue
		}
		processed++
	}
	return processed, failed
}

func (t *Task) checkpoint(ctx context.Context, job *store.ReindexJob) (*store.ReindexJob, error) {
	return t.update(ctx, job)
}

// update persists job with a bounded, exponentially-backed-off retry on
// Conflict (stale etag from the worker's own heartbeat races with
// another acquire), never retrying any other error kind. It also renews
// the job's lease: HeartbeatAt is stamped here rather than through any
// separate heartbeat path, so every checkpoint write doubles as proof of
// liveness to other workers' AcquireJobs.
func (t *Task) update(ctx context.Context, job *store.ReindexJob) (*store.ReindexJob, error) {
	job.HeartbeatAt = time.Now().UTC()

	backoffDelay := 50 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt <= t.jobUpdateRetryMax; attempt++ {
		updated, err := t.Store.UpdateJob(ctx, job, job.ETag)
		if err == nil {
			return updated, nil
		}
		if !rerrors.IsConflict(err) {
			return job, err
		}
		lastErr = err
		select {
		case <-time.After(backoffDelay):
		case <-ctx.Done():
			return job, ctx.Err()
		}
		backoffDelay *= 2

		fresh, getErr := t.Store.GetJob(ctx, job.ID)
		if getErr != nil {
			return job, getErr
		}
		job.ETag = fresh.ETag
	}
	return job, fmt.Errorf("task: job update retries exhausted: %w", lastErr)
}

func (t *Task) complete(ctx context.Context, job *store.ReindexJob) error {
	var urls []string
	for _, scope := range job.Params {
		urls = append(urls, scope.ParamURLs...)
	}
	if len(urls) > 0 {
		if err := t.Resolver.Promote(ctx, urls); err != nil {
			return t.fail(ctx, job, fmt.Errorf("task: promote: %w", err))
		}
	}

	job.Status = store.JobCompleted
	_, err := t.update(ctx, job)
	return err
}

func (t *Task) cancelJob(ctx context.Context, job *store.ReindexJob) error {
	job.Status = store.JobCanceled
	now := time.Now().UTC()
	job.CanceledAt = &now
	_, err := t.update(ctx, job)
	return err
}

func (t *Task) fail(ctx context.Context, job *store.ReindexJob, cause error) error {
	t.Log.Warn("reindex task failed", "job_id", t.JobID, "error", cause)
	if job != nil {
		job.Status = store.JobFailed
		job.FailureNote = cause.Error()
		_, _ = t.update(ctx, job)
	}
	return cause
}
