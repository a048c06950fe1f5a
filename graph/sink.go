// Package graph holds the knowledge graph model and the sinks that
// persist merged extraction output.
package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/brunobiangulo/kgraph/metrics"
	"github.com/brunobiangulo/kgraph/store"
)

// ProgressFunc receives sink progress in percent for the current call.
type ProgressFunc func(percent float64)

// Sink receives the merged output of a run. AddEntities creates one node
// per entity; AddRelations creates one subject -> object edge per
// relation, creating missing endpoint nodes. Both report per-item
// progress and return ctx.Err() when cancelled part way.
type Sink interface {
	Reset(ctx context.Context) error
	AddEntities(ctx context.Context, entities []Entity, progress ProgressFunc) error
	AddRelations(ctx context.Context, relations []Relation, progress ProgressFunc) error
	Snapshot(ctx context.Context) (*Snapshot, error)
}

// Snapshot is the graph in node-link form.
type Snapshot struct {
	Directed   bool   `json:"directed"`
	Multigraph bool   `json:"multigraph"`
	Nodes      []Node `json:"nodes"`
	Links      []Link `json:"links"`
}

type Node struct {
	ID      string   `json:"id"`
	Type    string   `json:"type,omitempty"`
	Aliases []string `json:"aliases,omitempty"`
}

type Link struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	Relation string `json:"relation"`
}

// Embedder produces one vector per input text, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// indexBatchSize bounds one embedding request made while indexing.
const indexBatchSize = 32

// StoreSink writes the graph to a SQLite store. With an embedder it also
// indexes entity names for vector search; indexing failures are logged
// and do not fail the write.
type StoreSink struct {
	store   *store.Store
	embed   Embedder
	metrics *metrics.Metrics
}

// NewStoreSink returns a sink over s. embed and m may be nil.
func NewStoreSink(s *store.Store, embed Embedder, m *metrics.Metrics) *StoreSink {
	return &StoreSink{store: s, embed: embed, metrics: m}
}

func (k *StoreSink) Reset(ctx context.Context) error {
	return k.store.Reset(ctx)
}

func (k *StoreSink) AddEntities(ctx context.Context, entities []Entity, progress ProgressFunc) error {
	total := len(entities)
	done := 0
	for start := 0; start < total; start += indexBatchSize {
		batch := entities[start:min(start+indexBatchSize, total)]
		vecs := k.embedBatch(ctx, batch)

		for i, e := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}
			id, err := k.store.UpsertEntity(ctx, store.Entity{Name: e.Name, EntityType: e.Type, Aliases: e.Aliases})
			if err != nil {
				return fmt.Errorf("graph: adding entity: %w", err)
			}
			if vecs != nil {
				if err := k.store.InsertEntityEmbedding(ctx, id, vecs[i]); err != nil {
					if errors.Is(err, store.ErrDimension) {
						slog.Warn("graph: skipping entity embedding", "entity", e.Name, "error", err)
					} else {
						return fmt.Errorf("graph: indexing entity: %w", err)
					}
				}
			}
			done++
			k.metrics.AddSinkItems("entity", 1)
			report(progress, done, total)
		}
	}
	return nil
}

// embedBatch returns vectors aligned with batch, or nil when indexing is
// disabled or the embedding call failed.
func (k *StoreSink) embedBatch(ctx context.Context, batch []Entity) [][]float32 {
	if k.embed == nil || len(batch) == 0 {
		return nil
	}
	names := make([]string, len(batch))
	for i, e := range batch {
		names[i] = e.Name
	}
	vecs, err := k.embed.Embed(ctx, names)
	if err != nil || len(vecs) != len(batch) {
		if ctx.Err() == nil {
			slog.Warn("graph: entity embedding failed, query index incomplete", "entities", len(batch), "error", err)
		}
		return nil
	}
	return vecs
}

func (k *StoreSink) AddRelations(ctx context.Context, relations []Relation, progress ProgressFunc) error {
	total := len(relations)
	for i, r := range relations {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := k.store.InsertTriple(ctx, r.Subject, r.Predicate, r.Object); err != nil {
			return fmt.Errorf("graph: adding relation %s: %w", r, err)
		}
		k.metrics.AddSinkItems("relation", 1)
		report(progress, i+1, total)
	}
	return nil
}

func (k *StoreSink) Snapshot(ctx context.Context) (*Snapshot, error) {
	ents, err := k.store.AllEntities(ctx)
	if err != nil {
		return nil, fmt.Errorf("graph: loading entities: %w", err)
	}
	triples, err := k.store.TriplesAmong(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("graph: loading relationships: %w", err)
	}

	snap := &Snapshot{Directed: true, Nodes: make([]Node, 0, len(ents)), Links: make([]Link, 0, len(triples))}
	for _, e := range ents {
		snap.Nodes = append(snap.Nodes, Node{ID: e.Name, Type: e.EntityType, Aliases: e.Aliases})
	}
	for _, t := range triples {
		snap.Links = append(snap.Links, Link{Source: t.Source, Target: t.Target, Relation: t.Predicate})
	}
	return snap, nil
}

// Tee writes to a primary sink and then to each mirror. Snapshots come
// from the primary.
type Tee struct {
	primary Sink
	mirrors []Sink
}

func NewTee(primary Sink, mirrors ...Sink) *Tee {
	return &Tee{primary: primary, mirrors: mirrors}
}

func (t *Tee) all() []Sink {
	return append([]Sink{t.primary}, t.mirrors...)
}

func (t *Tee) Reset(ctx context.Context) error {
	for _, s := range t.all() {
		if err := s.Reset(ctx); err != nil {
			return err
		}
	}
	return nil
}

// AddEntities splits the progress range evenly across sinks.
func (t *Tee) AddEntities(ctx context.Context, entities []Entity, progress ProgressFunc) error {
	sinks := t.all()
	for i, s := range sinks {
		if err := s.AddEntities(ctx, entities, scaled(progress, i, len(sinks))); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tee) AddRelations(ctx context.Context, relations []Relation, progress ProgressFunc) error {
	sinks := t.all()
	for i, s := range sinks {
		if err := s.AddRelations(ctx, relations, scaled(progress, i, len(sinks))); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tee) Snapshot(ctx context.Context) (*Snapshot, error) {
	return t.primary.Snapshot(ctx)
}

func scaled(progress ProgressFunc, part, parts int) ProgressFunc {
	if progress == nil {
		return nil
	}
	return func(pct float64) {
		progress((float64(part) + pct/100) / float64(parts) * 100)
	}
}

func report(progress ProgressFunc, done, total int) {
	if progress != nil && total > 0 {
		progress(float64(done) / float64(total) * 100)
	}
}
