package memstore

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/beads-health/resourcestore/internal/rerrors"
	"github.com/beads-health/resourcestore/internal/store"
)

func cloneJob(j *store.ReindexJob) *store.ReindexJob {
	if j == nil {
		return nil
	}
	out := *j
	out.Params = append([]store.ParamScope(nil), j.Params...)
	out.Counts = make(map[string]store.TypeCounts, len(j.Counts))
	for k, v := range j.Counts {
		out.Counts[k] = v
	}
	if j.CanceledAt != nil {
		t := *j.CanceledAt
		out.CanceledAt = &t
	}
	return &out
}

func (s *Store) CreateJob(ctx context.Context, job *store.ReindexJob) (*store.ReindexJob, error) {
	const op = "memstore.CreateJob"

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, j := range s.jobs {
		if !j.Status.Terminal() {
			return nil, rerrors.Wrap(op, rerrors.ErrConflict)
		}
	}

	id := job.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	stored := cloneJob(job)
	stored.ID = id
	stored.ETag = uuid.New().String()
	stored.CreatedAt = now
	stored.LastModified = now
	if stored.Status == "" {
		stored.Status = store.JobQueued
	}
	s.jobs[id] = stored

	return cloneJob(stored), nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*store.ReindexJob, error) {
	const op = "memstore.GetJob"

	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, rerrors.Wrap(op, rerrors.ErrNotFound)
	}
	return cloneJob(j), nil
}

func (s *Store) UpdateJob(ctx context.Context, job *store.ReindexJob, etag string) (*store.ReindexJob, error) {
	const op = "memstore.UpdateJob"

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.jobs[job.ID]
	if !ok {
		return nil, rerrors.Wrap(op, rerrors.ErrNotFound)
	}
	if existing.Status.Terminal() {
		return nil, rerrors.Wrap(op, rerrors.ErrConflict)
	}
	if existing.ETag != etag {
		return nil, rerrors.Wrap(op, rerrors.ErrConflict)
	}

	stored := cloneJob(job)
	stored.ETag = uuid.New().String()
	stored.LastModified = time.Now().UTC()
	s.jobs[job.ID] = stored

	return cloneJob(stored), nil
}

// AcquireJobs claims eligible jobs one at a time under the store's single
// mutex, the same atomicity guarantee the SQL backends get from a
// conditional UPDATE — no caller can observe a job between its eligibility
// check and its claim.
func (s *Store) AcquireJobs(ctx context.Context, maxConcurrent int, heartbeatThreshold time.Duration) ([]*store.ReindexJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if maxConcurrent <= 0 {
		return nil, nil
	}

	cutoff := time.Now().UTC().Add(-heartbeatThreshold)
	var claimed []*store.ReindexJob
	for _, j := range s.jobs {
		if len(claimed) >= maxConcurrent {
			break
		}
		eligible := j.Status == store.JobQueued ||
			(j.Status == store.JobRunning && (j.HeartbeatAt.IsZero() || j.HeartbeatAt.Before(cutoff)))
		if !eligible {
			continue
		}
		j.Status = store.JobRunning
		j.HeartbeatAt = time.Now().UTC()
		j.ETag = uuid.New().String()
		j.LastModified = j.HeartbeatAt
		claimed = append(claimed, cloneJob(j))
	}
	return claimed, nil
}

func (s *Store) CheckActive(ctx context.Context) (bool, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for id, j := range s.jobs {
		if !j.Status.Terminal() {
			return true, id, nil
		}
	}
	return false, "", nil
}
