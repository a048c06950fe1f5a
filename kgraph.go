// Package kgraph builds knowledge graphs from free text. Text is split into
// chunks, an LLM extracts entities and relations from every chunk,
// near-duplicates are merged by embedding similarity and the result is
// written to a graph sink that can be exported or queried.
package kgraph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/brunobiangulo/kgraph/chunker"
	"github.com/brunobiangulo/kgraph/extract"
	"github.com/brunobiangulo/kgraph/graph"
	"github.com/brunobiangulo/kgraph/llm"
	"github.com/brunobiangulo/kgraph/merge"
	"github.com/brunobiangulo/kgraph/metrics"
	"github.com/brunobiangulo/kgraph/parser"
	"github.com/brunobiangulo/kgraph/pipeline"
	"github.com/brunobiangulo/kgraph/query"
	"github.com/brunobiangulo/kgraph/store"
)

// Re-exported result types.
type (
	Entity   = graph.Entity
	Relation = graph.Relation
	Snapshot = graph.Snapshot
	Answer   = query.Answer
)

// Engine owns the pipeline, the graph sink and the job registry. At most
// one analysis job runs at a time.
type Engine struct {
	cfg     Config
	store   *store.Store
	chatLLM llm.Provider
	embed   llm.Provider
	parsers *parser.Registry
	coord   *pipeline.Coordinator
	sink    graph.Sink
	neo4j   *graph.Neo4jSink
	query   *query.Processor
	metrics *metrics.Metrics

	mu     sync.Mutex
	active *Job
	jobs   map[string]*Job
}

// Option customises an Engine built by New.
type Option func(*engineOptions)

type engineOptions struct {
	chat, embed llm.Provider
	sink        graph.Sink
	metrics     *metrics.Metrics
}

// WithProviders replaces the chat and embedding providers built from
// Config. Either may be nil to keep the configured one.
func WithProviders(chat, embed llm.Provider) Option {
	return func(o *engineOptions) {
		o.chat = chat
		o.embed = embed
	}
}

// WithSink replaces the configured graph sink.
func WithSink(s graph.Sink) Option {
	return func(o *engineOptions) { o.sink = s }
}

// WithMetrics shares a metrics registry with the caller.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *engineOptions) { o.metrics = m }
}

// New creates an Engine from cfg.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o engineOptions
	for _, opt := range opts {
		opt(&o)
	}
	m := o.metrics
	if m == nil {
		m = metrics.New(cfg.MetricsNamespace)
	}

	if cfg.DBPath != "" {
		if err := ensureDir(filepath.Dir(cfg.DBPath)); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	s, err := store.New(cfg.DBPath, cfg.EmbeddingDim)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	chatLLM := o.chat
	if chatLLM == nil {
		if chatLLM, err = llm.NewProvider(cfg.Chat.provider(), llm.WithMetrics(m)); err != nil {
			s.Close()
			return nil, fmt.Errorf("creating chat provider: %w", err)
		}
	}
	embedLLM := o.embed
	if embedLLM == nil {
		if embedLLM, err = llm.NewProvider(cfg.Embedding.provider(), llm.WithMetrics(m)); err != nil {
			s.Close()
			return nil, fmt.Errorf("creating embedding provider: %w", err)
		}
	}

	e := &Engine{
		cfg:     cfg,
		store:   s,
		chatLLM: chatLLM,
		embed:   embedLLM,
		parsers: parser.NewRegistry(),
		metrics: m,
		jobs:    make(map[string]*Job),
	}

	merger := merge.New(embedLLM, merge.Config{
		EntityThreshold:   cfg.Merge.EntityThreshold,
		RelationThreshold: cfg.Merge.RelationThreshold,
		BatchSize:         cfg.Merge.BatchSize,
	}, m)
	e.coord = pipeline.New(
		chunker.New(chunker.Config{MaxSize: cfg.ChunkSize}),
		extract.New(chatLLM, cfg.Chat.Model),
		merger,
		pipeline.WithMetrics(m),
		pipeline.WithTracer(otel.Tracer("github.com/brunobiangulo/kgraph/pipeline")),
	)

	// The SQLite sink always receives the graph: it backs entity search
	// for queries even when Neo4j serves the snapshot.
	storeSink := graph.NewStoreSink(s, embedLLM, m)
	switch {
	case o.sink != nil:
		e.sink = o.sink
	case cfg.Sink.Backend == BackendNeo4j:
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		neo, err := graph.NewNeo4jSink(ctx, cfg.Sink.Neo4j, m)
		cancel()
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("connecting to neo4j: %w", err)
		}
		e.neo4j = neo
		e.sink = graph.NewTee(neo, storeSink)
	default:
		e.sink = storeSink
	}

	e.query = query.New(s, embedLLM, cfg.Query.Depth)

	slog.Info("kgraph: engine ready",
		"chat", cfg.Chat.Provider+"/"+cfg.Chat.Model,
		"embedding", cfg.Embedding.Provider+"/"+cfg.Embedding.Model,
		"sink", cfg.Sink.Backend, "db", dbLabel(cfg.DBPath))
	return e, nil
}

func dbLabel(path string) string {
	if path == "" {
		return ":memory:"
	}
	return path
}

// Metrics returns the engine's Prometheus instruments.
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// Config returns the configuration the engine was built with.
func (e *Engine) Config() Config { return e.cfg }

// Analyze starts a background analysis of text and returns its handle.
// The graph is reset when the job starts. The job outlives ctx; use
// Job.Stop to end it early.
func (e *Engine) Analyze(ctx context.Context, text string) (*Job, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrNoInput
	}

	e.mu.Lock()
	if e.active != nil && e.active.Running() {
		e.mu.Unlock()
		return nil, ErrBusy
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	job := &Job{
		ID:        uuid.NewString(),
		StartedAt: time.Now().UTC(),
		status:    StatusRunning,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	job.halt = func() { e.haltPipeline(job) }
	e.active = job
	e.jobs[job.ID] = job
	e.mu.Unlock()

	e.logJob(job)
	slog.Info("kgraph: job started", "job", job.ID, "bytes", len(text))
	go e.run(runCtx, job, text)
	return job, nil
}

// AnalyzeFile reads a txt, docx, xlsx or pdf file and analyzes its text.
func (e *Engine) AnalyzeFile(ctx context.Context, path string) (*Job, error) {
	text, err := e.ReadFile(ctx, path)
	if err != nil {
		return nil, err
	}
	return e.Analyze(ctx, text)
}

// ReadFile extracts the text of a supported document.
func (e *Engine) ReadFile(ctx context.Context, path string) (string, error) {
	text, err := e.parsers.ReadText(ctx, path)
	switch {
	case errors.Is(err, parser.ErrUnsupportedFormat):
		return "", err
	case err != nil:
		return "", fmt.Errorf("%w: %s: %v", ErrParsingFailed, filepath.Base(path), err)
	}
	return text, nil
}

func (e *Engine) run(ctx context.Context, job *Job, text string) {
	defer close(job.done)
	defer job.cancel()

	err := e.sink.Reset(ctx)
	if err != nil {
		err = fmt.Errorf("resetting graph: %w", err)
	}

	var res *pipeline.Result
	if err == nil {
		res, err = e.coord.Run(ctx, text, func(p float64) { job.setProgress(p / 2) })
	}
	if err == nil {
		job.setResult(res)
		err = e.sink.AddEntities(ctx, res.Entities, func(p float64) { job.setProgress(50 + p/4) })
		if err == nil {
			err = e.sink.AddRelations(ctx, res.Relations, func(p float64) { job.setProgress(75 + p/4) })
		}
		if err != nil {
			err = fmt.Errorf("writing graph: %w", err)
		}
	}
	if err != nil && ctx.Err() != nil {
		err = ErrCancelled
	}

	job.finish(err)
	e.logJob(job)

	info := job.Info()
	switch {
	case err == nil:
		slog.Info("kgraph: job completed", "job", job.ID,
			"chunks", info.Chunks, "entities", info.Entities, "relations", info.Relations)
	case errors.Is(err, ErrCancelled):
		slog.Info("kgraph: job cancelled", "job", job.ID)
	default:
		slog.Error("kgraph: job failed", "job", job.ID, "error", err)
	}
}

// haltPipeline sets the coordinator's stop flag on behalf of job. Holding
// e.mu keeps a newer job from starting, so the flag cannot reach its run.
func (e *Engine) haltPipeline(job *Job) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == job && job.Running() {
		e.coord.Stop()
	}
}

func (e *Engine) logJob(job *Job) {
	info := job.Info()
	entry := store.JobLog{
		ID:            info.ID,
		Status:        string(info.Status),
		Chunks:        info.Chunks,
		Entities:      info.Entities,
		Relationships: info.Relations,
		Error:         info.Error,
		StartedAt:     info.StartedAt,
		FinishedAt:    info.FinishedAt,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.store.LogJob(ctx, entry); err != nil {
		slog.Warn("kgraph: recording job", "job", job.ID, "error", err)
	}
}

// Job returns a job started by this engine.
func (e *Engine) Job(id string) (*Job, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	j, ok := e.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return j, nil
}

// Active returns the running job, or nil.
func (e *Engine) Active() *Job {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active != nil && e.active.Running() {
		return e.active
	}
	return nil
}

// Jobs lists jobs of this engine, newest first.
func (e *Engine) Jobs() []JobInfo {
	e.mu.Lock()
	out := make([]JobInfo, 0, len(e.jobs))
	for _, j := range e.jobs {
		out = append(out, j.Info())
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, k int) bool { return out[i].StartedAt.After(out[k].StartedAt) })
	return out
}

// History returns recorded jobs from the database, including those of
// earlier processes when the database is on disk.
func (e *Engine) History(ctx context.Context, limit int) ([]store.JobLog, error) {
	return e.store.ListJobs(ctx, limit)
}

// Graph returns the current graph in node-link form.
func (e *Engine) Graph(ctx context.Context) (*Snapshot, error) {
	return e.sink.Snapshot(ctx)
}

// Query finds the entities closest to question and the relations around
// them. topK <= 0 uses the configured default.
func (e *Engine) Query(ctx context.Context, question string, topK int) (*Answer, error) {
	if topK <= 0 {
		topK = e.cfg.Query.TopK
	}
	return e.query.Process(ctx, question, topK)
}

// Stats returns row counts of the graph database.
func (e *Engine) Stats(ctx context.Context) (*store.DBStats, error) {
	return e.store.Stats(ctx)
}

// Close stops the running job, waits for it and releases resources.
func (e *Engine) Close() error {
	if j := e.Active(); j != nil {
		j.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		_ = j.Wait(ctx)
		cancel()
	}
	var errs []error
	if e.neo4j != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		errs = append(errs, e.neo4j.Close(ctx))
		cancel()
	}
	errs = append(errs, e.store.Close())
	return errors.Join(errs...)
}
