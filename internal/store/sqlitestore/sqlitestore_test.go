package sqlitestore

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beads-health/resourcestore/internal/record"
	"github.com/beads-health/resourcestore/internal/store"
)

func newTestBackend(t *testing.T) store.Backend {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "resourcestore.db")
	dsn := fmt.Sprintf("file:%s?_journal=WAL&_busy_timeout=5000&_foreign_keys=1", dbPath)
	be, err := open(context.Background(), store.Options{DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(func() { _ = be.Close() })
	return be
}

func TestSQLiteUpsertAndGet(t *testing.T) {
	ctx := context.Background()
	be := newTestBackend(t)

	res, err := be.Upsert(ctx, &record.Record{
		Type: "Observation", LogicalID: "obs-1", RequestMethod: "PUT", RawBytes: []byte(`{"status":"final"}`),
	}, nil, true, true)
	require.NoError(t, err)
	assert.Equal(t, store.OutcomeCreated, res.Outcome)
	assert.Equal(t, int64(1), res.Version)

	got, err := be.Get(ctx, record.Key{Type: "Observation", LogicalID: "obs-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	assert.False(t, got.IsDeleted)
}

func TestSQLiteIfMatchConflict(t *testing.T) {
	ctx := context.Background()
	be := newTestBackend(t)

	_, err := be.Upsert(ctx, &record.Record{
		Type: "Observation", LogicalID: "obs-2", RequestMethod: "PUT", RawBytes: []byte(`{}`),
	}, nil, true, true)
	require.NoError(t, err)

	stale := int64(9)
	_, err = be.Upsert(ctx, &record.Record{
		Type: "Observation", LogicalID: "obs-2", RequestMethod: "PUT", RawBytes: []byte(`{}`),
	}, &stale, true, true)
	assert.Error(t, err)
}

func TestSQLiteSoftDeleteThenRevive(t *testing.T) {
	ctx := context.Background()
	be := newTestBackend(t)

	_, err := be.Upsert(ctx, &record.Record{
		Type: "Patient", LogicalID: "p1", RequestMethod: "PUT", RawBytes: []byte(`{}`),
	}, nil, true, true)
	require.NoError(t, err)

	_, err = be.Delete(ctx, "Patient", "p1", false)
	require.NoError(t, err)

	_, err = be.Get(ctx, record.Key{Type: "Patient", LogicalID: "p1"})
	assert.Error(t, err)

	_, err = be.Upsert(ctx, &record.Record{
		Type: "Patient", LogicalID: "p1", RequestMethod: "PUT", RawBytes: []byte(`{}`),
	}, nil, true, true)
	require.NoError(t, err)

	got, err := be.Get(ctx, record.Key{Type: "Patient", LogicalID: "p1"})
	require.NoError(t, err)
	assert.False(t, got.IsDeleted)
	assert.Equal(t, int64(3), got.Version)
}

func TestSQLiteUpdateIndicesBatchAtomicPrecondition(t *testing.T) {
	ctx := context.Background()
	be := newTestBackend(t)

	_, err := be.Upsert(ctx, &record.Record{
		Type: "Observation", LogicalID: "a", RequestMethod: "PUT", RawBytes: []byte(`{}`),
	}, nil, true, true)
	require.NoError(t, err)
	_, err = be.Upsert(ctx, &record.Record{
		Type: "Observation", LogicalID: "b", RequestMethod: "PUT", RawBytes: []byte(`{}`),
	}, nil, true, true)
	require.NoError(t, err)

	err = be.UpdateIndicesBatch(ctx, []store.IndexBatchEntry{
		{Key: record.Key{Type: "Observation", LogicalID: "a"}, Rows: []record.IndexRow{{ParamName: "status", Family: record.FamilyToken, TokenCode: "final"}}, IfMatch: 1},
		{Key: record.Key{Type: "Observation", LogicalID: "b"}, Rows: []record.IndexRow{{ParamName: "status", Family: record.FamilyToken, TokenCode: "final"}}, IfMatch: 99},
	})
	assert.Error(t, err)

	a, err := be.Get(ctx, record.Key{Type: "Observation", LogicalID: "a"})
	require.NoError(t, err)
	assert.Empty(t, a.IndexRows)
}

func TestSQLiteJobAcquireAndComplete(t *testing.T) {
	ctx := context.Background()
	be := newTestBackend(t)

	job, err := be.CreateJob(ctx, &store.ReindexJob{})
	require.NoError(t, err)
	assert.Equal(t, store.JobQueued, job.Status)

	acquired, err := be.AcquireJobs(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, acquired, 1)
	assert.Equal(t, store.JobRunning, acquired[0].Status)

	acquired[0].Status = store.JobCompleted
	_, err = be.UpdateJob(ctx, acquired[0], acquired[0].ETag)
	require.NoError(t, err)

	_, err = be.CreateJob(ctx, &store.ReindexJob{})
	require.NoError(t, err)
}

func TestSQLiteUpdateJobRejectsTerminalJob(t *testing.T) {
	ctx := context.Background()
	be := newTestBackend(t)

	job, err := be.CreateJob(ctx, &store.ReindexJob{})
	require.NoError(t, err)

	job.Status = store.JobCanceled
	job, err = be.UpdateJob(ctx, job, job.ETag)
	require.NoError(t, err)

	job.Status = store.JobCompleted
	_, err = be.UpdateJob(ctx, job, job.ETag)
	assert.Error(t, err)
}
