package memstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beads-health/resourcestore/internal/record"
	"github.com/beads-health/resourcestore/internal/rerrors"
	"github.com/beads-health/resourcestore/internal/store"
)

func rec(typ, id string) *record.Record {
	return &record.Record{Type: typ, LogicalID: id, RequestMethod: "PUT", RawBytes: []byte(`{"id":"` + id + `"}`)}
}

func TestUpsertCreateThenUpdate(t *testing.T) {
	ctx := context.Background()
	s := New()

	res, err := s.Upsert(ctx, rec("Observation", "x1"), nil, true, true)
	require.NoError(t, err)
	assert.Equal(t, store.OutcomeCreated, res.Outcome)
	assert.Equal(t, int64(1), res.Version)

	res, err = s.Upsert(ctx, rec("Observation", "x1"), nil, true, true)
	require.NoError(t, err)
	assert.Equal(t, store.OutcomeUpdated, res.Outcome)
	assert.Equal(t, int64(2), res.Version)
}

func TestUpsertIfMatchConflict(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.Upsert(ctx, rec("Observation", "x1"), nil, true, true)
	require.NoError(t, err)

	one := int64(1)
	res, err := s.Upsert(ctx, rec("Observation", "x1"), &one, true, true)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Version)

	_, err = s.Upsert(ctx, rec("Observation", "x1"), &one, true, true)
	assert.True(t, rerrors.IsPreconditionFailed(err))
}

func TestTypeIsolation(t *testing.T) {
	ctx := context.Background()
	s := New()

	obsBytes := []byte(`{"resourceType":"Observation","id":"X"}`)
	patBytes := []byte(`{"resourceType":"Patient","id":"X"}`)
	_, err := s.Upsert(ctx, &record.Record{Type: "Observation", LogicalID: "X", RequestMethod: "PUT", RawBytes: obsBytes}, nil, true, true)
	require.NoError(t, err)
	_, err = s.Upsert(ctx, &record.Record{Type: "Patient", LogicalID: "X", RequestMethod: "PUT", RawBytes: patBytes}, nil, true, true)
	require.NoError(t, err)

	obs, err := s.Get(ctx, record.Key{Type: "Observation", LogicalID: "X"})
	require.NoError(t, err)
	pat, err := s.Get(ctx, record.Key{Type: "Patient", LogicalID: "X"})
	require.NoError(t, err)
	assert.NotEqual(t, obs.RawBytes, pat.RawBytes, "each type keeps its own payload under the shared id")
	assert.Equal(t, obsBytes, obs.RawBytes)
	assert.Equal(t, patBytes, pat.RawBytes)
	assert.Equal(t, "Observation", obs.Type)
	assert.Equal(t, "Patient", pat.Type)
}

func TestSoftDeleteThenRevive(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.Upsert(ctx, rec("Observation", "x1"), nil, true, true)
	require.NoError(t, err)

	del, err := s.Delete(ctx, "Observation", "x1", false)
	require.NoError(t, err)
	require.NotNil(t, del.Version)
	assert.Equal(t, int64(2), *del.Version)

	_, err = s.Get(ctx, record.Key{Type: "Observation", LogicalID: "x1"})
	assert.True(t, rerrors.IsGone(err))

	revived := del.Version
	res, err := s.Upsert(ctx, rec("Observation", "x1"), revived, true, true)
	require.NoError(t, err)
	assert.Equal(t, store.OutcomeUpdated, res.Outcome)
	assert.Equal(t, int64(3), res.Version)
}

func TestHardDeleteRemovesAllVersions(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.Upsert(ctx, rec("Observation", "x1"), nil, true, true)
	require.NoError(t, err)
	_, err = s.Delete(ctx, "Observation", "x1", false)
	require.NoError(t, err)

	_, err = s.Delete(ctx, "Observation", "x1", true)
	require.NoError(t, err)

	for _, v := range []int64{0, 1, 2} {
		_, err := s.Get(ctx, record.Key{Type: "Observation", LogicalID: "x1", Version: v})
		assert.True(t, rerrors.IsNotFound(err))
	}
}

func TestConcurrentUnconditionalUpserts(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.Upsert(ctx, rec("Observation", "x1"), nil, true, true)
	require.NoError(t, err)

	const n = 10
	var wg sync.WaitGroup
	results := make(chan store.UpsertResult, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.Upsert(ctx, rec("Observation", "x1"), nil, true, true)
			require.NoError(t, err)
			results <- res
		}()
	}
	wg.Wait()
	close(results)

	for res := range results {
		assert.Equal(t, store.OutcomeUpdated, res.Outcome)
	}

	final, err := s.Get(ctx, record.Key{Type: "Observation", LogicalID: "x1"})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, final.Version, int64(10))
}

func TestDeleteNeverExistedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := New()

	res, err := s.Delete(ctx, "Observation", "missing", false)
	require.NoError(t, err)
	assert.Nil(t, res.Version)

	res, err = s.Delete(ctx, "Observation", "missing", true)
	require.NoError(t, err)
	assert.Nil(t, res.Version)
}

func TestUpdateIndexPreservesVersionAndBytes(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.Upsert(ctx, rec("Observation", "x1"), nil, true, true)
	require.NoError(t, err)
	before, err := s.Get(ctx, record.Key{Type: "Observation", LogicalID: "x1"})
	require.NoError(t, err)

	rows := []record.IndexRow{{ParamName: "status", Family: record.FamilyToken, TokenCode: "final"}}
	updated, err := s.UpdateIndex(ctx, record.Key{Type: "Observation", LogicalID: "x1"}, rows, "hash-b", 1)
	require.NoError(t, err)

	assert.Equal(t, before.Version, updated.Version)
	assert.Equal(t, before.RawBytes, updated.RawBytes)
	assert.Equal(t, before.LastModified, updated.LastModified)
	assert.Equal(t, "hash-b", updated.SearchParamHash)
}

func TestUpdateIndicesBatchAtomicPrecondition(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.Upsert(ctx, rec("Observation", "a"), nil, true, true)
	require.NoError(t, err)
	_, err = s.Upsert(ctx, rec("Observation", "b"), nil, true, true)
	require.NoError(t, err)

	err = s.UpdateIndicesBatch(ctx, []store.IndexBatchEntry{
		{Key: record.Key{Type: "Observation", LogicalID: "a"}, SearchParamHash: "h", IfMatch: 1},
		{Key: record.Key{Type: "Observation", LogicalID: "b"}, SearchParamHash: "h", IfMatch: 99},
	})
	assert.True(t, rerrors.IsPreconditionFailed(err))

	a, err := s.Get(ctx, record.Key{Type: "Observation", LogicalID: "a"})
	require.NoError(t, err)
	assert.Empty(t, a.SearchParamHash, "batch must not apply partial updates")
}

func TestAcquireJobsClaimsExactlyOnce(t *testing.T) {
	ctx := context.Background()
	s := New()

	job, err := s.CreateJob(ctx, &store.ReindexJob{})
	require.NoError(t, err)
	require.Equal(t, store.JobQueued, job.Status)

	var wg sync.WaitGroup
	claims := make(chan []*store.ReindexJob, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// A non-zero threshold keeps the first claim's fresh heartbeat
			// unexpired for the second caller.
			got, err := s.AcquireJobs(ctx, 1, time.Minute)
			require.NoError(t, err)
			claims <- got
		}()
	}
	wg.Wait()
	close(claims)

	total := 0
	for c := range claims {
		total += len(c)
	}
	assert.Equal(t, 1, total)
}

func TestUpdateJobRejectsTerminalJob(t *testing.T) {
	ctx := context.Background()
	s := New()

	job, err := s.CreateJob(ctx, &store.ReindexJob{})
	require.NoError(t, err)

	job.Status = store.JobCanceled
	job, err = s.UpdateJob(ctx, job, job.ETag)
	require.NoError(t, err)
	require.Equal(t, store.JobCanceled, job.Status)

	job.Status = store.JobCompleted
	_, err = s.UpdateJob(ctx, job, job.ETag)
	assert.True(t, rerrors.IsConflict(err), "a terminal job must reject further updates, even with a current etag")
}

func TestCreateJobConflictsWithActiveJob(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.CreateJob(ctx, &store.ReindexJob{})
	require.NoError(t, err)

	_, err = s.CreateJob(ctx, &store.ReindexJob{})
	assert.True(t, rerrors.IsConflict(err))
}
