package rdbms

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/beads-health/resourcestore/internal/rerrors"
	"github.com/beads-health/resourcestore/internal/store"
)

// CreateJob implements store.JobStore.CreateJob. Fails Conflict if any
// non-terminal job already exists (J3).
func (s *Store) CreateJob(ctx context.Context, job *store.ReindexJob) (*store.ReindexJob, error) {
	const op = "rdbms.CreateJob"

	found, _, err := s.CheckActive(ctx)
	if err != nil {
		return nil, rerrors.Wrap(op, err)
	}
	if found {
		return nil, rerrors.Wrap(op, rerrors.ErrConflict)
	}

	id := job.ID
	if id == "" {
		id = uuid.New().String()
	}
	etag := uuid.New().String()
	now := time.Now().UTC()

	paramsJSON, err := json.Marshal(job.Params)
	if err != nil {
		return nil, rerrors.Wrap(op, err)
	}
	countsJSON, err := json.Marshal(job.Counts)
	if err != nil {
		return nil, rerrors.Wrap(op, err)
	}

	status := job.Status
	if status == "" {
		status = store.JobQueued
	}

	_, err = s.exec(ctx, "create_job", `
		INSERT INTO reindex_jobs
			(id, status, etag, heartbeat_at, params_json, counts_json,
			 continuation, created_at, last_modified, canceled_at, failure_note)
		VALUES (?, ?, ?, NULL, ?, ?, '', ?, ?, NULL, '')`,
		id, status, etag, paramsJSON, countsJSON, now, now,
	)
	if err != nil {
		return nil, rerrors.Wrap(op, err)
	}

	return s.GetJob(ctx, id)
}

// GetJob implements store.JobStore.GetJob.
func (s *Store) GetJob(ctx context.Context, id string) (*store.ReindexJob, error) {
	const op = "rdbms.GetJob"

	var job store.ReindexJob
	var paramsJSON, countsJSON []byte
	var heartbeatAt, canceledAt sql.NullTime

	err := s.queryRow(ctx, "get_job", func(row *sql.Row) error {
		return row.Scan(&job.ID, &job.Status, &job.ETag, &heartbeatAt, &paramsJSON, &countsJSON,
			&job.Continuation, &job.CreatedAt, &job.LastModified, &canceledAt, &job.FailureNote)
	}, `SELECT id, status, etag, heartbeat_at, params_json, counts_json,
		continuation, created_at, last_modified, canceled_at, failure_note
		FROM reindex_jobs WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, rerrors.Wrap(op, rerrors.ErrNotFound)
		}
		return nil, rerrors.Wrap(op, err)
	}

	if heartbeatAt.Valid {
		job.HeartbeatAt = heartbeatAt.Time
	}
	if canceledAt.Valid {
		t := canceledAt.Time
		job.CanceledAt = &t
	}
	if err := json.Unmarshal(paramsJSON, &job.Params); err != nil {
		return nil, rerrors.Wrap(op, err)
	}
	if err := json.Unmarshal(countsJSON, &job.Counts); err != nil {
		return nil, rerrors.Wrap(op, err)
	}

	return &job, nil
}

// UpdateJob implements store.JobStore.UpdateJob: a conditional replace
// keyed on etag.
func (s *Store) UpdateJob(ctx context.Context, job *store.ReindexJob, etag string) (*store.ReindexJob, error) {
	const op = "rdbms.UpdateJob"

	existing, err := s.GetJob(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	if existing.Status.Terminal() {
		return nil, rerrors.Wrap(op, rerrors.ErrConflict)
	}
	if existing.ETag != etag {
		return nil, rerrors.Wrap(op, rerrors.ErrConflict)
	}

	newEtag := uuid.New().String()
	now := time.Now().UTC()

	paramsJSON, err := json.Marshal(job.Params)
	if err != nil {
		return nil, rerrors.Wrap(op, err)
	}
	countsJSON, err := json.Marshal(job.Counts)
	if err != nil {
		return nil, rerrors.Wrap(op, err)
	}

	res, err := s.exec(ctx, "update_job", `
		UPDATE reindex_jobs SET
			status = ?, etag = ?, heartbeat_at = ?, params_json = ?, counts_json = ?,
			continuation = ?, last_modified = ?, canceled_at = ?, failure_note = ?
		WHERE id = ? AND etag = ?`,
		job.Status, newEtag, nullTimePtr(job.HeartbeatAt), paramsJSON, countsJSON,
		job.Continuation, now, nullTimePtrPtr(job.CanceledAt), job.FailureNote,
		job.ID, etag,
	)
	if err != nil {
		return nil, rerrors.Wrap(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, rerrors.Wrap(op, rerrors.ErrConflict)
	}

	return s.GetJob(ctx, job.ID)
}

// AcquireJobs implements store.JobStore.AcquireJobs as a per-job
// compare-and-set loop: each candidate is claimed with a single
// UPDATE ... WHERE id = ? AND etag = ?, so two concurrent callers racing
// on the same job can never both see RowsAffected() == 1 (J1's trust
// anchor). Never reads a job, decides, and writes it back as two
// separate round trips without the etag guard.
func (s *Store) AcquireJobs(ctx context.Context, maxConcurrent int, heartbeatThreshold time.Duration) ([]*store.ReindexJob, error) {
	const op = "rdbms.AcquireJobs"

	if maxConcurrent <= 0 {
		return nil, nil
	}

	cutoff := time.Now().UTC().Add(-heartbeatThreshold)
	rows, err := s.query(ctx, "list_claimable_jobs", `
		SELECT id, etag FROM reindex_jobs
		WHERE status = ? OR (status = ? AND (heartbeat_at IS NULL OR heartbeat_at < ?))
		ORDER BY created_at`, store.JobQueued, store.JobRunning, cutoff)
	if err != nil {
		return nil, rerrors.Wrap(op, err)
	}
	type candidate struct {
		id, etag string
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.etag); err != nil {
			rows.Close()
			return nil, rerrors.Wrap(op, err)
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, rerrors.Wrap(op, err)
	}

	var claimed []*store.ReindexJob
	now := time.Now().UTC()
	for _, c := range candidates {
		if len(claimed) >= maxConcurrent {
			break
		}
		newEtag := uuid.New().String()
		res, err := s.exec(ctx, "claim_job", `
			UPDATE reindex_jobs SET status = ?, heartbeat_at = ?, etag = ?, last_modified = ?
			WHERE id = ? AND etag = ?`,
			store.JobRunning, now, newEtag, now, c.id, c.etag,
		)
		if err != nil {
			return nil, rerrors.Wrap(op, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			continue
		}
		job, err := s.GetJob(ctx, c.id)
		if err != nil {
			return nil, rerrors.Wrap(op, err)
		}
		claimed = append(claimed, job)
	}

	return claimed, nil
}

// CheckActive implements store.JobStore.CheckActive.
func (s *Store) CheckActive(ctx context.Context) (bool, string, error) {
	const op = "rdbms.CheckActive"

	var id string
	err := s.queryRow(ctx, "check_active", func(row *sql.Row) error {
		return row.Scan(&id)
	}, `SELECT id FROM reindex_jobs
		WHERE status NOT IN (?, ?, ?) LIMIT 1`,
		store.JobCompleted, store.JobCanceled, store.JobFailed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, "", nil
		}
		return false, "", rerrors.Wrap(op, err)
	}
	return true, id, nil
}

func nullTimePtr(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullTimePtrPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
