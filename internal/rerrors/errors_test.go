package rerrors

import (
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapConvertsNoRows(t *testing.T) {
	err := Wrap("store.get", sql.ErrNoRows)
	assert.True(t, IsNotFound(err))
	assert.Contains(t, err.Error(), "store.get")
}

func TestWrapPassesThroughSentinel(t *testing.T) {
	err := Wrap("store.upsert", ErrConflict)
	assert.True(t, IsConflict(err))
	assert.False(t, IsNotFound(err))
}

func TestWrapNilIsNil(t *testing.T) {
	assert.NoError(t, Wrap("op", nil))
}

func TestWrapfFormatsOp(t *testing.T) {
	err := Wrapf(ErrRateLimited, "job.acquire(%s)", "worker-1")
	assert.True(t, IsRateLimited(err))
	assert.Contains(t, err.Error(), "job.acquire(worker-1)")
}

func TestSentinelsAreDistinct(t *testing.T) {
	assert.False(t, errors.Is(ErrNotFound, ErrConflict))
}
