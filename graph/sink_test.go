//go:build cgo

package graph

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brunobiangulo/kgraph/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New("", 2)
	require.NoError(t, err, "creating store")
	t.Cleanup(func() { s.Close() })
	return s
}

type fixedEmbedder struct {
	calls int
	err   error
}

func (f *fixedEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, float32(i)}
	}
	return out, nil
}

func TestStoreSinkRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	emb := &fixedEmbedder{}
	sink := NewStoreSink(s, emb, nil)

	var progress []float64
	require.NoError(t, sink.AddEntities(ctx, []Entity{
		{Name: "Paris", Type: "location", Aliases: []string{"paris"}},
		{Name: "France", Type: "country"},
	}, func(p float64) { progress = append(progress, p) }))
	assert.Equal(t, []float64{50, 100}, progress)
	assert.Equal(t, 1, emb.calls)

	require.NoError(t, sink.AddRelations(ctx, []Relation{
		{Subject: "Paris", Predicate: "capital of", Object: "France"},
		{Subject: "Eiffel Tower", Predicate: "located in", Object: "Paris"},
	}, nil))

	snap, err := sink.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Node{
		{ID: "Paris", Type: "location", Aliases: []string{"paris"}},
		{ID: "France", Type: "country"},
		{ID: "Eiffel Tower"},
	}, snap.Nodes)
	assert.Equal(t, []Link{
		{Source: "Paris", Target: "France", Relation: "capital of"},
		{Source: "Eiffel Tower", Target: "Paris", Relation: "located in"},
	}, snap.Links)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Embeddings)

	raw, err := json.Marshal(snap)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"directed":true`)
	assert.Contains(t, string(raw), `{"source":"Paris","target":"France","relation":"capital of"}`)
}

func TestStoreSinkEmbeddingFailureDoesNotFailWrite(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	sink := NewStoreSink(s, &fixedEmbedder{err: errors.New("down")}, nil)

	require.NoError(t, sink.AddEntities(ctx, []Entity{{Name: "A"}}, nil))
	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Entities)
	assert.Zero(t, stats.Embeddings)
}

func TestStoreSinkCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := newTestStore(t)
	sink := NewStoreSink(s, nil, nil)

	var seen int
	err := sink.AddRelations(ctx, []Relation{
		{Subject: "a", Predicate: "r", Object: "b"},
		{Subject: "b", Predicate: "r", Object: "c"},
	}, func(float64) {
		seen++
		cancel()
	})
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, seen)
}

func TestStoreSinkReset(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	sink := NewStoreSink(s, nil, nil)

	require.NoError(t, sink.AddEntities(ctx, []Entity{{Name: "A"}}, nil))
	require.NoError(t, sink.Reset(ctx))
	snap, err := sink.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.Nodes)
	assert.Empty(t, snap.Links)
}

func TestTeeFansOut(t *testing.T) {
	ctx := context.Background()
	primary := NewStoreSink(newTestStore(t), nil, nil)
	run := &recordingRunner{}
	tee := NewTee(primary, &Neo4jSink{run: run})

	var progress []float64
	require.NoError(t, tee.AddEntities(ctx, []Entity{{Name: "A"}, {Name: "B"}},
		func(p float64) { progress = append(progress, p) }))
	assert.Equal(t, []float64{25, 50, 75, 100}, progress)
	assert.Len(t, run.writes, 2)

	snap, err := tee.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Nodes, 2)
}
