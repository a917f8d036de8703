package store

import (
	"testing"

	"github.com/cuemby/nodeagent/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoltExecutionsStore_EmptyOnFirstStartup(t *testing.T) {
	s, err := NewBoltExecutionsStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	m, err := s.Get()
	require.NoError(t, err)
	assert.Empty(t, m)
	assert.NotNil(t, m)
}

func TestBoltExecutionsStore_SetThenGetRoundTrips(t *testing.T) {
	dir := t.TempDir()
	s, err := NewBoltExecutionsStore(dir)
	require.NoError(t, err)

	jobID := types.NewJobID("web", "v1", "image:tag")
	want := types.ExecutionsMap{
		jobID: {
			Job:   types.Job{ID: jobID, Image: "nginx:latest"},
			Goal:  types.GoalStart,
			Ports: map[string]int{"http": 30001},
		},
	}

	require.NoError(t, s.Set(want))

	got, err := s.Get()
	require.NoError(t, err)
	assert.Equal(t, want, got)
	require.NoError(t, s.Close())
}

func TestBoltExecutionsStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	jobID := types.NewJobID("api", "v2", "image:tag")
	want := types.ExecutionsMap{
		jobID: {
			Job:   types.Job{ID: jobID, Image: "api:latest"},
			Goal:  types.GoalStop,
			Ports: map[string]int{},
		},
	}

	s1, err := NewBoltExecutionsStore(dir)
	require.NoError(t, err)
	require.NoError(t, s1.Set(want))
	require.NoError(t, s1.Close())

	s2, err := NewBoltExecutionsStore(dir)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.Get()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestMemoryStore_SetThenGetRoundTrips(t *testing.T) {
	s := NewMemoryStore()

	m, err := s.Get()
	require.NoError(t, err)
	assert.Empty(t, m)

	jobID := types.NewJobID("worker", "v1", "x")
	want := types.ExecutionsMap{
		jobID: {Job: types.Job{ID: jobID}, Goal: types.GoalStart, Ports: map[string]int{}},
	}
	require.NoError(t, s.Set(want))

	got, err := s.Get()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
