// Package pipeline drives one extraction run: chunk, extract and merge per
// chunk, then merge globally, reporting progress and honouring stop
// requests between steps.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/brunobiangulo/kgraph/graph"
	"github.com/brunobiangulo/kgraph/metrics"
)

var (
	// ErrBusy is returned when a run is requested while another is active.
	ErrBusy = errors.New("pipeline: a run is already in progress")

	// ErrCancelled reports a run stopped on request. It is an outcome,
	// not a failure.
	ErrCancelled = errors.New("pipeline: run cancelled")
)

// totalSteps is the denominator of the progress formula.
const totalSteps = 4

type Chunker interface {
	Split(text string) []string
}

type Extractor interface {
	Entities(ctx context.Context, chunk string) ([]graph.Entity, error)
	Relations(ctx context.Context, chunk string, entities []graph.Entity) ([]graph.Relation, error)
}

type Merger interface {
	Entities(ctx context.Context, entities []graph.Entity) ([]graph.Entity, error)
	Relations(ctx context.Context, relations []graph.Relation) ([]graph.Relation, error)
}

// ProgressFunc receives run progress in percent. It is called without
// any coordinator lock held, so it may call back into the Coordinator.
type ProgressFunc func(percent float64)

// Result is the merged output of a completed run.
type Result struct {
	Entities  []graph.Entity   `json:"entities"`
	Relations []graph.Relation `json:"relations"`
	Chunks    int              `json:"chunks"`
}

// Coordinator runs at most one pipeline at a time.
type Coordinator struct {
	chunker   Chunker
	extractor Extractor
	merger    Merger
	tracer    trace.Tracer
	metrics   *metrics.Metrics

	mu            sync.Mutex
	running       bool
	stopRequested bool
	progress      float64
	cancel        context.CancelFunc
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTracer wraps runs and phases in spans.
func WithTracer(t trace.Tracer) Option {
	return func(c *Coordinator) { c.tracer = t }
}

// WithMetrics records phase timings, progress and outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// New returns an idle Coordinator.
func New(ch Chunker, x Extractor, m Merger, opts ...Option) *Coordinator {
	c := &Coordinator{
		chunker:   ch,
		extractor: x,
		merger:    m,
		tracer:    noop.NewTracerProvider().Tracer("kgraph/pipeline"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Progress returns the current run's progress, 0 when idle or after a
// failed or cancelled run.
func (c *Coordinator) Progress() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.progress
}

// Running reports whether a run is active.
func (c *Coordinator) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Stop asks the active run to finish early and aborts its in-flight
// network call. It never blocks and is a no-op when idle.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.stopRequested = true
	if c.cancel != nil {
		c.cancel()
	}
}

// Run executes the pipeline over text and blocks until it completes,
// fails or is stopped. Stop requests are honoured at these points:
//
//  1. before chunking
//  2. after chunking
//  3. after each of the four sub-steps of every chunk
//     (entities, entity merge, relations, relation merge)
//  4. before the global entity merge
//  5. after the global entity merge
//  6. after the global relation merge
//
// Progress goes 0, 25, then (2 + i/n) / 4 * 100 after each sub-step of
// chunk i (all four sub-steps of a chunk report the same value), 75 after
// the global entity merge and 100 at the end. A cancelled run returns
// ErrCancelled and no result.
func (c *Coordinator) Run(ctx context.Context, text string, onProgress ProgressFunc) (*Result, error) {
	runCtx, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}

	ctx, span := c.tracer.Start(runCtx, "pipeline.run", trace.WithAttributes(attribute.Int("text.bytes", len(text))))
	start := time.Now()
	res, err := c.run(ctx, text, onProgress)
	c.end(err)

	outcome := "completed"
	switch {
	case errors.Is(err, ErrCancelled):
		outcome = "cancelled"
		span.SetStatus(codes.Unset, "cancelled")
	case err != nil:
		outcome = "failed"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	c.metrics.RunFinished(outcome)
	slog.Info("pipeline: run finished", "outcome", outcome, "duration", time.Since(start))
	return res, err
}

func (c *Coordinator) begin(ctx context.Context) (context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil, ErrBusy
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.running = true
	c.stopRequested = false
	c.progress = 0
	c.cancel = cancel
	return runCtx, nil
}

func (c *Coordinator) end(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.running = false
	if err != nil {
		c.progress = 0
		c.metrics.SetProgress(0)
	}
}

// stopping reports whether the run should exit: a Stop call or a
// cancelled parent context.
func (c *Coordinator) stopping(ctx context.Context) bool {
	c.mu.Lock()
	stop := c.stopRequested
	c.mu.Unlock()
	return stop || ctx.Err() != nil
}

func (c *Coordinator) report(pct float64, onProgress ProgressFunc) {
	c.mu.Lock()
	c.progress = pct
	c.mu.Unlock()
	c.metrics.SetProgress(pct)
	if onProgress != nil {
		onProgress(pct)
	}
}

// settle turns a sub-step outcome into the run's next move: an error
// caused by stopping becomes ErrCancelled, other errors pass through,
// and success reports pct before checking for a stop request.
func (c *Coordinator) settle(ctx context.Context, err error, pct float64, onProgress ProgressFunc) error {
	if err != nil {
		if c.stopping(ctx) {
			return ErrCancelled
		}
		return err
	}
	c.report(pct, onProgress)
	if c.stopping(ctx) {
		return ErrCancelled
	}
	return nil
}

func (c *Coordinator) run(ctx context.Context, text string, onProgress ProgressFunc) (*Result, error) {
	c.report(0, onProgress)
	if c.stopping(ctx) {
		return nil, ErrCancelled
	}

	phase := time.Now()
	chunks := c.chunker.Split(text)
	c.metrics.ObservePhase("chunk", time.Since(phase))
	slog.Info("pipeline: text chunked", "chunks", len(chunks))
	if err := c.settle(ctx, nil, 100.0/totalSteps, onProgress); err != nil {
		return nil, err
	}

	phase = time.Now()
	var entities []graph.Entity
	var relations []graph.Relation
	n := len(chunks)
	for i, chunk := range chunks {
		pct := (2 + float64(i)/float64(n)) / totalSteps * 100
		ents, rels, err := c.processChunk(ctx, i, chunk, pct, onProgress)
		if err != nil {
			return nil, err
		}
		entities = append(entities, ents...)
		relations = append(relations, rels...)
		slog.Debug("pipeline: chunk processed", "chunk", i+1, "of", n,
			"entities", len(ents), "relations", len(rels))
	}
	c.metrics.ObservePhase("extract", time.Since(phase))

	if c.stopping(ctx) {
		return nil, ErrCancelled
	}

	phase = time.Now()
	mctx, span := c.tracer.Start(ctx, "pipeline.merge")
	entities, err := c.merger.Entities(mctx, entities)
	if err = c.settle(ctx, wrap("merge entities", err), 75, onProgress); err != nil {
		span.End()
		return nil, err
	}
	relations, err = c.merger.Relations(mctx, relations)
	span.End()
	if err = c.settle(ctx, wrap("merge relations", err), 100, onProgress); err != nil {
		return nil, err
	}
	c.metrics.ObservePhase("merge", time.Since(phase))

	slog.Info("pipeline: extraction complete", "entities", len(entities), "relations", len(relations))
	return &Result{Entities: entities, Relations: relations, Chunks: n}, nil
}

// processChunk runs the four sub-steps of one chunk.
func (c *Coordinator) processChunk(ctx context.Context, idx int, chunk string, pct float64, onProgress ProgressFunc) ([]graph.Entity, []graph.Relation, error) {
	ctx, span := c.tracer.Start(ctx, "pipeline.chunk", trace.WithAttributes(
		attribute.Int("chunk.index", idx),
		attribute.Int("chunk.bytes", len(chunk)),
	))
	defer span.End()

	ents, err := c.extractor.Entities(ctx, chunk)
	if err = c.settle(ctx, wrap("extract entities", err), pct, onProgress); err != nil {
		return nil, nil, err
	}
	// Relations are extracted against the merged entities so the prompt
	// lists each entity once, with its aliases.
	ents, err = c.merger.Entities(ctx, ents)
	if err = c.settle(ctx, wrap("merge chunk entities", err), pct, onProgress); err != nil {
		return nil, nil, err
	}
	rels, err := c.extractor.Relations(ctx, chunk, ents)
	if err = c.settle(ctx, wrap("extract relations", err), pct, onProgress); err != nil {
		return nil, nil, err
	}
	rels, err = c.merger.Relations(ctx, rels)
	if err = c.settle(ctx, wrap("merge chunk relations", err), pct, onProgress); err != nil {
		return nil, nil, err
	}
	return ents, rels, nil
}

func wrap(step string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("pipeline: %s: %w", step, err)
}
