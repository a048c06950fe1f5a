//go:build cgo

package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New("", 4)
	require.NoError(t, err, "creating store")
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewRejectsBadDimension(t *testing.T) {
	_, err := New("", 0)
	assert.Error(t, err)
}

func TestMigrationsApplied(t *testing.T) {
	s := newTestStore(t)
	v, err := s.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, migrations[len(migrations)-1].version, v)

	// Re-running is a no-op.
	require.NoError(t, s.Migrate(context.Background()))
}

func TestFileBackedStoreReopens(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "graph.db")

	s, err := New(path, 4)
	require.NoError(t, err)
	_, err = s.UpsertEntity(ctx, Entity{Name: "Paris", EntityType: "location"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = New(path, 4)
	require.NoError(t, err)
	defer s.Close()
	ents, err := s.AllEntities(ctx)
	require.NoError(t, err)
	require.Len(t, ents, 1)
	assert.Equal(t, "Paris", ents[0].Name)
}

func TestUpsertEntity(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id1, err := s.UpsertEntity(ctx, Entity{Name: "Paris", EntityType: "location", Aliases: []string{"paris"}})
	require.NoError(t, err)

	id2, err := s.UpsertEntity(ctx, Entity{Name: "Paris", Aliases: []string{"PARIS"}})
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	ents, err := s.GetEntitiesByNames(ctx, []string{"Paris", "Nowhere"})
	require.NoError(t, err)
	require.Len(t, ents, 1)
	assert.Equal(t, "location", ents[0].EntityType, "empty type must not clobber")
	assert.Equal(t, []string{"PARIS"}, ents[0].Aliases)
}

func TestInsertTripleCreatesEndpoints(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	parisID, err := s.UpsertEntity(ctx, Entity{Name: "Paris", EntityType: "location"})
	require.NoError(t, err)

	id, err := s.InsertTriple(ctx, "Eiffel Tower", "located in", "Paris")
	require.NoError(t, err)
	assert.NotZero(t, id)

	dup, err := s.InsertTriple(ctx, "Eiffel Tower", "located in", "Paris")
	require.NoError(t, err)
	assert.Zero(t, dup, "duplicate triple is ignored")

	ents, err := s.AllEntities(ctx)
	require.NoError(t, err)
	require.Len(t, ents, 2)
	assert.Equal(t, "Eiffel Tower", ents[1].Name)
	assert.Equal(t, "", ents[1].EntityType)

	triples, err := s.TriplesAmong(ctx, nil)
	require.NoError(t, err)
	require.Len(t, triples, 1)
	assert.Equal(t, "Eiffel Tower", triples[0].Source)
	assert.Equal(t, "Paris", triples[0].Target)
	assert.Equal(t, parisID, triples[0].TargetEntityID)
	assert.Equal(t, "located in", triples[0].Predicate)
}

func TestTriplesAmong(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.InsertTriple(ctx, "A", "knows", "B")
	require.NoError(t, err)
	_, err = s.InsertTriple(ctx, "B", "knows", "C")
	require.NoError(t, err)

	ents, err := s.GetEntitiesByNames(ctx, []string{"A", "B"})
	require.NoError(t, err)
	ids := []int64{ents[0].ID, ents[1].ID}

	triples, err := s.TriplesAmong(ctx, ids)
	require.NoError(t, err)
	require.Len(t, triples, 1)
	assert.Equal(t, "A", triples[0].Source)

	none, err := s.TriplesAmong(ctx, []int64{})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestEntityEmbeddingSearch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	vectors := map[string][]float32{
		"Paris":  {1, 0, 0, 0},
		"France": {0, 1, 0, 0},
		"Lyon":   {0.9, 0.1, 0, 0},
	}
	for _, name := range []string{"Paris", "France", "Lyon"} {
		id, err := s.UpsertEntity(ctx, Entity{Name: name})
		require.NoError(t, err)
		require.NoError(t, s.InsertEntityEmbedding(ctx, id, vectors[name]))
	}
	// Replacing an embedding must not fail on the vec0 primary key.
	ents, err := s.GetEntitiesByNames(ctx, []string{"Paris"})
	require.NoError(t, err)
	require.NoError(t, s.InsertEntityEmbedding(ctx, ents[0].ID, vectors["Paris"]))

	matches, err := s.SearchEntities(ctx, []float32{1, 0, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "Paris", matches[0].Name)
	assert.InDelta(t, 1.0, matches[0].Score, 1e-5)
	assert.Equal(t, "Lyon", matches[1].Name)

	err = s.InsertEntityEmbedding(ctx, ents[0].ID, []float32{1, 0})
	assert.True(t, errors.Is(err, ErrDimension))
	_, err = s.SearchEntities(ctx, []float32{1}, 1)
	assert.True(t, errors.Is(err, ErrDimension))
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.InsertTriple(ctx, "A", "knows", "B")
	require.NoError(t, err)
	id, err := s.EnsureEntity(ctx, "A")
	require.NoError(t, err)
	require.NoError(t, s.InsertEntityEmbedding(ctx, id, []float32{1, 0, 0, 0}))
	require.NoError(t, s.LogJob(ctx, JobLog{ID: "j1", Status: "completed", StartedAt: time.Now()}))

	require.NoError(t, s.Reset(ctx))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, &DBStats{Jobs: 1}, stats)
}

func TestJobLog(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	start := time.Now().Add(-time.Minute)
	require.NoError(t, s.LogJob(ctx, JobLog{ID: "old", Status: "completed", StartedAt: start}))
	require.NoError(t, s.LogJob(ctx, JobLog{ID: "new", Status: "running", StartedAt: time.Now()}))

	done := time.Now()
	require.NoError(t, s.LogJob(ctx, JobLog{ID: "new", Status: "failed", Error: "boom", Chunks: 3, StartedAt: time.Now(), FinishedAt: &done}))

	jobs, err := s.ListJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "new", jobs[0].ID)
	assert.Equal(t, "failed", jobs[0].Status)
	assert.Equal(t, "boom", jobs[0].Error)
	assert.Equal(t, 3, jobs[0].Chunks)
	require.NotNil(t, jobs[0].FinishedAt)
	assert.Nil(t, jobs[1].FinishedAt)
}
