//go:build cgo

package kgraph

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brunobiangulo/kgraph/graph"
	"github.com/brunobiangulo/kgraph/llm"
	"github.com/brunobiangulo/kgraph/store"
)

const testDim = 16

// scriptedLLM answers the entity and relation prompts with canned JSON and
// embeds texts as one-hot vectors, so distinct texts never merge.
type scriptedLLM struct {
	entities  string
	relations string
	block     bool
	// hold delays every chat reply until closed, ignoring cancellation.
	hold    chan struct{}
	started chan struct{}

	mu      sync.Mutex
	chats   int
	slots   map[string]int
	aliases map[string]string
}

func newScriptedLLM() *scriptedLLM {
	return &scriptedLLM{
		entities:  `[{"entity": "Paris", "type": "location"}, {"entity": "France", "type": "country"}, {"entity": "Eiffel Tower", "type": "landmark"}]`,
		relations: `[["Paris", "capital of", "France"], ["Eiffel Tower", "located in", "Paris"]]`,
		slots:     make(map[string]int),
		aliases:   map[string]string{"tell me about Paris": "Paris"},
	}
}

func (s *scriptedLLM) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	s.mu.Lock()
	s.chats++
	first := s.chats == 1
	s.mu.Unlock()
	if s.hold != nil {
		if first && s.started != nil {
			close(s.started)
		}
		<-s.hold
	}
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	prompt := req.Messages[0].Content
	if strings.HasPrefix(prompt, "Extract the named entities") {
		return &llm.ChatResponse{Content: s.entities}, nil
	}
	return &llm.ChatResponse{Content: s.relations}, nil
}

func (s *scriptedLLM) chatCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chats
}

func (s *scriptedLLM) Embed(_ context.Context, texts []string) ([][]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if a, ok := s.aliases[t]; ok {
			t = a
		}
		slot, ok := s.slots[t]
		if !ok {
			slot = len(s.slots) % testDim
			s.slots[t] = slot
		}
		v := make([]float32, testDim)
		v[slot] = 1
		out[i] = v
	}
	return out, nil
}

func newTestEngine(t *testing.T, fake *scriptedLLM) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.EmbeddingDim = testDim
	e, err := New(cfg, WithProviders(fake, fake))
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func waitJob(t *testing.T, j *Job) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := j.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "job did not finish")
	return err
}

func TestAnalyzeBuildsGraph(t *testing.T) {
	e := newTestEngine(t, newScriptedLLM())
	ctx := context.Background()

	job, err := e.Analyze(ctx, "Paris is the capital of France. The Eiffel Tower is in Paris.")
	require.NoError(t, err)
	require.NoError(t, waitJob(t, job))

	assert.Equal(t, StatusCompleted, job.Status())
	assert.False(t, job.Running())
	assert.Equal(t, 100.0, job.Progress())

	info := job.Info()
	assert.Equal(t, 1, info.Chunks)
	assert.Equal(t, 3, info.Entities)
	assert.Equal(t, 2, info.Relations)
	assert.NotNil(t, info.FinishedAt)

	snap, err := e.Graph(ctx)
	require.NoError(t, err)
	assert.True(t, snap.Directed)
	assert.Len(t, snap.Nodes, 3)
	assert.Len(t, snap.Links, 2)

	got, err := e.Job(job.ID)
	require.NoError(t, err)
	assert.Same(t, job, got)
	assert.Len(t, e.Jobs(), 1)

	history, err := e.History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "completed", history[0].Status)
	assert.Equal(t, 3, history[0].Entities)

	ans, err := e.Query(ctx, "tell me about Paris", 1)
	require.NoError(t, err)
	require.Len(t, ans.Matches, 1)
	assert.Equal(t, "Paris", ans.Matches[0].Entity)
	assert.Len(t, ans.Relations, 2)
}

func TestAnalyzeResetsGraphPerJob(t *testing.T) {
	fake := newScriptedLLM()
	e := newTestEngine(t, fake)
	ctx := context.Background()

	job, err := e.Analyze(ctx, "first")
	require.NoError(t, err)
	require.NoError(t, waitJob(t, job))

	fake.entities = `[{"entity": "Berlin", "type": "location"}]`
	fake.relations = `[]`
	job, err = e.Analyze(ctx, "second")
	require.NoError(t, err)
	require.NoError(t, waitJob(t, job))

	snap, err := e.Graph(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Nodes, 1)
	assert.Equal(t, "Berlin", snap.Nodes[0].ID)
	assert.Empty(t, snap.Links)
}

func TestAnalyzeBusyThenStop(t *testing.T) {
	fake := newScriptedLLM()
	fake.block = true
	e := newTestEngine(t, fake)
	ctx := context.Background()

	job, err := e.Analyze(ctx, "Paris is the capital of France.")
	require.NoError(t, err)
	assert.True(t, job.Running())
	assert.Same(t, job, e.Active())

	_, err = e.Analyze(ctx, "another text")
	assert.ErrorIs(t, err, ErrBusy)

	job.Stop()
	err = waitJob(t, job)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, StatusCancelled, job.Status())
	assert.Zero(t, job.Progress())
	assert.Empty(t, job.Info().Error, "cancellation is not reported as an error")
	assert.Nil(t, e.Active())

	snap, err := e.Graph(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.Nodes)
	assert.Empty(t, snap.Links)

	job.Stop() // no-op once finished

	fake.block = false
	next, err := e.Analyze(ctx, "Paris is the capital of France.")
	require.NoError(t, err)
	require.NoError(t, waitJob(t, next))
}

func TestAnalyzeFailure(t *testing.T) {
	fake := newScriptedLLM()
	fake.entities = "Sure! Here are the entities: Paris, France."
	e := newTestEngine(t, fake)

	job, err := e.Analyze(context.Background(), "Paris is the capital of France.")
	require.NoError(t, err)
	err = waitJob(t, job)
	assert.ErrorIs(t, err, ErrParse)
	assert.Equal(t, StatusFailed, job.Status())
	assert.Zero(t, job.Progress())
	assert.NotEmpty(t, job.Info().Error)
}

func TestAnalyzeRejectsEmptyInput(t *testing.T) {
	e := newTestEngine(t, newScriptedLLM())
	_, err := e.Analyze(context.Background(), "  \n\t ")
	assert.ErrorIs(t, err, ErrNoInput)
	assert.Empty(t, e.Jobs())
}

func TestJobNotFound(t *testing.T) {
	e := newTestEngine(t, newScriptedLLM())
	_, err := e.Job("missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestAnalyzeFile(t *testing.T) {
	e := newTestEngine(t, newScriptedLLM())
	dir := t.TempDir()
	ctx := context.Background()

	_, err := e.AnalyzeFile(ctx, filepath.Join(dir, "slides.pptx"))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = e.AnalyzeFile(ctx, filepath.Join(dir, "missing.txt"))
	assert.ErrorIs(t, err, ErrParsingFailed)

	path := filepath.Join(dir, "input.txt")
	require.NoError(t, os.WriteFile(path, []byte("Paris is the capital of France."), 0o644))
	job, err := e.AnalyzeFile(ctx, path)
	require.NoError(t, err)
	require.NoError(t, waitJob(t, job))
}

func TestCloseStopsActiveJob(t *testing.T) {
	fake := newScriptedLLM()
	fake.block = true
	cfg := DefaultConfig()
	cfg.EmbeddingDim = testDim
	e, err := New(cfg, WithProviders(fake, fake))
	require.NoError(t, err)

	job, err := e.Analyze(context.Background(), "text")
	require.NoError(t, err)
	require.NoError(t, e.Close())
	assert.True(t, errors.Is(job.Err(), ErrCancelled))
}

// gatedSink blocks Reset until released and counts writes.
type gatedSink struct {
	graph.Sink
	entered chan struct{}
	release chan struct{}

	mu     sync.Mutex
	writes int
}

func (g *gatedSink) Reset(ctx context.Context) error {
	close(g.entered)
	<-g.release
	return g.Sink.Reset(ctx)
}

func (g *gatedSink) AddEntities(ctx context.Context, ents []graph.Entity, p graph.ProgressFunc) error {
	g.mu.Lock()
	g.writes++
	g.mu.Unlock()
	return g.Sink.AddEntities(ctx, ents, p)
}

func (g *gatedSink) AddRelations(ctx context.Context, rels []graph.Relation, p graph.ProgressFunc) error {
	g.mu.Lock()
	g.writes++
	g.mu.Unlock()
	return g.Sink.AddRelations(ctx, rels, p)
}

func TestStopBeforeFirstChunk(t *testing.T) {
	fake := newScriptedLLM()
	cfg := DefaultConfig()
	cfg.EmbeddingDim = testDim

	st, err := store.New("", testDim)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	sink := &gatedSink{Sink: graph.NewStoreSink(st, fake, nil), entered: make(chan struct{}), release: make(chan struct{})}
	e, err := New(cfg, WithProviders(fake, fake), WithSink(sink))
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })

	job, err := e.Analyze(context.Background(), "Paris is the capital of France.")
	require.NoError(t, err)
	<-sink.entered
	job.Stop()
	close(sink.release)

	assert.ErrorIs(t, waitJob(t, job), ErrCancelled)
	assert.False(t, job.Running())
	assert.Zero(t, job.Progress())
	assert.Zero(t, fake.chatCalls(), "no chunk reached the model")
	assert.Zero(t, sink.writes, "nothing reached the graph sink")

	snap, err := e.Graph(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Nodes)
	assert.Empty(t, snap.Links)
}

func TestStopHonouredBetweenSubSteps(t *testing.T) {
	fake := newScriptedLLM()
	fake.hold = make(chan struct{})
	fake.started = make(chan struct{})
	e := newTestEngine(t, fake)

	job, err := e.Analyze(context.Background(), "Paris is the capital of France.")
	require.NoError(t, err)
	<-fake.started
	job.Stop()
	// The entity reply arrives after the stop, as a model that ignores
	// cancellation would deliver it.
	close(fake.hold)

	assert.ErrorIs(t, waitJob(t, job), ErrCancelled)
	assert.Equal(t, 1, fake.chatCalls(), "relation extraction must not start after a stop")
	assert.False(t, e.coord.Running())

	snap, err := e.Graph(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Nodes)
	assert.Empty(t, snap.Links)
}
