package task

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beads-health/resourcestore/internal/record"
	"github.com/beads-health/resourcestore/internal/reindex/support"
	"github.com/beads-health/resourcestore/internal/store"
	"github.com/beads-health/resourcestore/internal/store/memstore"
)

const testManifest = `
rules:
  - url: "Observation.status"
    name: status
    resourceType: Observation
    state: Supported
`

func staticExtractor(rec *record.Record, targets []support.ParamInfo) []record.IndexRow {
	var rows []record.IndexRow
	for _, p := range targets {
		rows = append(rows, record.IndexRow{ParamName: p.Name, Family: record.FamilyToken, TokenCode: "final"})
	}
	return rows
}

func TestTaskCompletesAndPromotes(t *testing.T) {
	ctx := context.Background()
	backend := memstore.New()

	for _, id := range []string{"a", "b", "c"} {
		_, err := backend.Upsert(ctx, &record.Record{Type: "Observation", LogicalID: id, RequestMethod: "PUT", RawBytes: []byte(`{}`)}, nil, true, true)
		require.NoError(t, err)
	}

	resolver, err := support.Load([]byte(testManifest))
	require.NoError(t, err)

	job, err := backend.CreateJob(ctx, &store.ReindexJob{})
	require.NoError(t, err)

	tk := New(job.ID, backend, resolver, StaticThrottle{BatchSize: 2}, staticExtractor, []string{"Observation"}, nil)

	err = tk.Run(ctx, nil)
	require.NoError(t, err)

	final, err := backend.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobCompleted, final.Status)
	assert.Equal(t, int64(3), final.Counts["Observation"].Total)
	assert.Equal(t, int64(3), final.Counts["Observation"].Processed)

	searchable, err := resolver.SearchableParameters(ctx, "Observation")
	require.NoError(t, err)
	require.Len(t, searchable, 1)
	assert.Equal(t, "Observation.status", searchable[0].URL)

	rec, err := backend.Get(ctx, record.Key{Type: "Observation", LogicalID: "a"})
	require.NoError(t, err)
	require.Len(t, rec.IndexRows, 1)
	assert.Equal(t, "final", rec.IndexRows[0].TokenCode)
}

// TestTaskRunsAfterAcquireJobs exercises the path a real worker takes:
// AcquireJobs flips the job to Running and stamps a heartbeat before the
// task ever sees it, so Run must still discover targets and reindex.
func TestTaskRunsAfterAcquireJobs(t *testing.T) {
	ctx := context.Background()
	backend := memstore.New()

	for _, id := range []string{"a", "b"} {
		_, err := backend.Upsert(ctx, &record.Record{Type: "Observation", LogicalID: id, RequestMethod: "PUT", RawBytes: []byte(`{}`)}, nil, true, true)
		require.NoError(t, err)
	}

	resolver, err := support.Load([]byte(testManifest))
	require.NoError(t, err)

	created, err := backend.CreateJob(ctx, &store.ReindexJob{})
	require.NoError(t, err)

	acquired, err := backend.AcquireJobs(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, acquired, 1)
	require.Equal(t, store.JobRunning, acquired[0].Status)

	tk := New(created.ID, backend, resolver, StaticThrottle{BatchSize: 2}, staticExtractor, []string{"Observation"}, nil)

	err = tk.Run(ctx, nil)
	require.NoError(t, err)

	final, err := backend.GetJob(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobCompleted, final.Status)
	assert.Equal(t, int64(2), final.Counts["Observation"].Processed)

	rec, err := backend.Get(ctx, record.Key{Type: "Observation", LogicalID: "a"})
	require.NoError(t, err)
	require.Len(t, rec.IndexRows, 1, "start() must have run even though AcquireJobs already flipped status to Running")

	searchable, err := resolver.SearchableParameters(ctx, "Observation")
	require.NoError(t, err)
	require.Len(t, searchable, 1, "Promote must have run during complete()")
}

// TestTaskCheckpointRenewsHeartbeat guards against a lease looking stale
// to a second worker's AcquireJobs while this task is still making
// progress: each checkpoint write must advance HeartbeatAt.
func TestTaskCheckpointRenewsHeartbeat(t *testing.T) {
	ctx := context.Background()
	backend := memstore.New()

	for _, id := range []string{"a", "b", "c", "d"} {
		_, err := backend.Upsert(ctx, &record.Record{Type: "Observation", LogicalID: id, RequestMethod: "PUT", RawBytes: []byte(`{}`)}, nil, true, true)
		require.NoError(t, err)
	}

	resolver, err := support.Load([]byte(testManifest))
	require.NoError(t, err)

	job, err := backend.CreateJob(ctx, &store.ReindexJob{})
	require.NoError(t, err)

	acquired, err := backend.AcquireJobs(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, acquired, 1)
	firstHeartbeat := acquired[0].HeartbeatAt

	// Page one record at a time so checkpoint runs several times.
	tk := New(job.ID, backend, resolver, StaticThrottle{BatchSize: 1}, staticExtractor, []string{"Observation"}, nil)
	err = tk.Run(ctx, nil)
	require.NoError(t, err)

	final, err := backend.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobCompleted, final.Status)
	assert.True(t, final.HeartbeatAt.After(firstHeartbeat), "checkpointing must advance the lease's heartbeat")
}

func TestTaskCancelMidRun(t *testing.T) {
	ctx := context.Background()
	backend := memstore.New()
	for _, id := range []string{"a", "b"} {
		_, err := backend.Upsert(ctx, &record.Record{Type: "Observation", LogicalID: id, RequestMethod: "PUT", RawBytes: []byte(`{}`)}, nil, true, true)
		require.NoError(t, err)
	}

	resolver, err := support.Load([]byte(testManifest))
	require.NoError(t, err)

	job, err := backend.CreateJob(ctx, &store.ReindexJob{})
	require.NoError(t, err)

	tk := New(job.ID, backend, resolver, StaticThrottle{BatchSize: 1}, staticExtractor, []string{"Observation"}, nil)

	cancel := make(chan struct{})
	close(cancel)

	err = tk.Run(ctx, cancel)
	require.NoError(t, err)

	final, err := backend.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobCanceled, final.Status)
}
