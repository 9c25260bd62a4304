package support

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const manifestYAML = `
rules:
  - url: "Observation.status"
    name: status
    resourceType: Observation
    state: Searchable
  - url: "Observation.code"
    name: code
    resourceType: Observation
    state: Supported
  - url: "Patient.name"
    name: name
    resourceType: Patient
    state: Searchable
`

func TestSearchableAndSupported(t *testing.T) {
	ctx := context.Background()
	r, err := Load([]byte(manifestYAML))
	require.NoError(t, err)

	searchable, err := r.SearchableParameters(ctx, "Observation")
	require.NoError(t, err)
	require.Len(t, searchable, 1)
	assert.Equal(t, "Observation.status", searchable[0].URL)

	pending, err := r.SupportedButNotSearchable(ctx, "Observation")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "Observation.code", pending[0].URL)
}

func TestHashUnchangedAfterPromote(t *testing.T) {
	ctx := context.Background()
	r, err := Load([]byte(manifestYAML))
	require.NoError(t, err)

	before, err := r.Hash(ctx, "Observation")
	require.NoError(t, err)

	require.NoError(t, r.Promote(ctx, []string{"Observation.code"}))

	after, err := r.Hash(ctx, "Observation")
	require.NoError(t, err)

	assert.Equal(t, before, after, "hash covers Supported+Searchable regardless of which state a rule is in")

	searchable, err := r.SearchableParameters(ctx, "Observation")
	require.NoError(t, err)
	assert.Len(t, searchable, 2)
}

func TestHashDiffersAcrossTypes(t *testing.T) {
	ctx := context.Background()
	r, err := Load([]byte(manifestYAML))
	require.NoError(t, err)

	obsHash, err := r.Hash(ctx, "Observation")
	require.NoError(t, err)
	patHash, err := r.Hash(ctx, "Patient")
	require.NoError(t, err)

	assert.NotEqual(t, obsHash, patHash)
}
