// Package merge collapses near-duplicate entities and relations by the
// cosine similarity of their embeddings.
package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/brunobiangulo/kgraph/graph"
	"github.com/brunobiangulo/kgraph/metrics"
)

// ErrEmbedding is returned when the embedding service answers with a
// missing, empty or inconsistently sized vector.
var ErrEmbedding = errors.New("merge: unusable embedding")

const (
	DefaultEntityThreshold   = 0.9
	DefaultRelationThreshold = 0.8
	DefaultBatchSize         = 32
)

// Embedder produces one vector per input text, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Config holds the merge thresholds. Similarity must be strictly greater
// than a threshold to merge, so a threshold above 1 disables merging and
// one below -1 merges everything.
type Config struct {
	EntityThreshold   float64
	RelationThreshold float64
	BatchSize         int // texts per embedding request; 0 means DefaultBatchSize
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		EntityThreshold:   DefaultEntityThreshold,
		RelationThreshold: DefaultRelationThreshold,
		BatchSize:         DefaultBatchSize,
	}
}

// Merger clusters items greedily in input order: the first unprocessed
// item becomes a representative and absorbs every later unprocessed item
// whose key embedding is similar enough. Output order follows the
// representatives' first appearance.
type Merger struct {
	embed   Embedder
	cfg     Config
	metrics *metrics.Metrics
}

// New returns a Merger. m may be nil.
func New(embed Embedder, cfg Config, m *metrics.Metrics) *Merger {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	return &Merger{embed: embed, cfg: cfg, metrics: m}
}

// Entities merges entities whose names are similar. The representative
// keeps its name and type; names and aliases of absorbed entities become
// its aliases, deduplicated, in discovery order, never repeating its own
// name. Aliases already present on inputs are carried forward so a
// second pass over merged output loses nothing.
func (m *Merger) Entities(ctx context.Context, entities []graph.Entity) ([]graph.Entity, error) {
	if len(entities) == 0 {
		return []graph.Entity{}, nil
	}

	keys := make([]string, len(entities))
	for i, e := range entities {
		keys[i] = e.Name
	}
	clusters, err := m.cluster(ctx, keys, m.cfg.EntityThreshold)
	if err != nil {
		return nil, err
	}

	out := make([]graph.Entity, 0, len(clusters))
	for _, c := range clusters {
		rep := entities[c.items[0]]
		merged := graph.Entity{Name: rep.Name, Type: rep.Type}

		seen := map[string]bool{rep.Name: true}
		add := func(alias string) {
			if alias == "" || seen[alias] {
				return
			}
			seen[alias] = true
			merged.Aliases = append(merged.Aliases, alias)
		}
		for _, idx := range c.items {
			e := entities[idx]
			add(e.Name)
			for _, a := range e.Aliases {
				add(a)
			}
		}
		out = append(out, merged)
	}

	m.metrics.ObserveMerge("entity", len(entities), len(out))
	slog.Debug("merge: entities merged", "in", len(entities), "out", len(out))
	return out, nil
}

// Relations merges relations whose "subject predicate object" strings are
// similar, keeping the first member of each cluster unchanged.
func (m *Merger) Relations(ctx context.Context, relations []graph.Relation) ([]graph.Relation, error) {
	if len(relations) == 0 {
		return []graph.Relation{}, nil
	}

	keys := make([]string, len(relations))
	for i, r := range relations {
		keys[i] = r.Key()
	}
	clusters, err := m.cluster(ctx, keys, m.cfg.RelationThreshold)
	if err != nil {
		return nil, err
	}

	out := make([]graph.Relation, 0, len(clusters))
	for _, c := range clusters {
		out = append(out, relations[c.items[0]])
	}

	m.metrics.ObserveMerge("relation", len(relations), len(out))
	slog.Debug("merge: relations merged", "in", len(relations), "out", len(out))
	return out, nil
}

// cluster lists the item indices of one merged group; items[0] is the
// representative.
type cluster struct {
	items []int
}

// cluster groups items by key. Items sharing an identical key always land
// in the same cluster, so each distinct key is embedded and compared
// once. Distinct keys merge into the earliest unprocessed representative
// whose similarity strictly exceeds threshold.
func (m *Merger) cluster(ctx context.Context, keys []string, threshold float64) ([]cluster, error) {
	var distinct []string
	members := make(map[string][]int, len(keys))
	for i, k := range keys {
		if _, ok := members[k]; !ok {
			distinct = append(distinct, k)
		}
		members[k] = append(members[k], i)
	}

	vecs, err := m.embedAll(ctx, distinct)
	if err != nil {
		return nil, err
	}

	processed := make([]bool, len(distinct))
	var out []cluster
	for i := range distinct {
		if processed[i] {
			continue
		}
		processed[i] = true
		c := cluster{items: append([]int(nil), members[distinct[i]]...)}
		for j := i + 1; j < len(distinct); j++ {
			if processed[j] {
				continue
			}
			if Cosine(vecs[i], vecs[j]) > threshold {
				processed[j] = true
				c.items = append(c.items, members[distinct[j]]...)
			}
		}
		out = append(out, c)
	}
	return out, nil
}

// embedAll embeds texts in batches and checks the result: one non-empty
// vector per text, all of the same dimension.
func (m *Merger) embedAll(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += m.cfg.BatchSize {
		end := min(start+m.cfg.BatchSize, len(texts))
		batch := texts[start:end]

		vecs, err := m.embed.Embed(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("merge: embedding %d texts: %w", len(batch), err)
		}
		if len(vecs) != len(batch) {
			return nil, fmt.Errorf("%w: got %d vectors for %d texts", ErrEmbedding, len(vecs), len(batch))
		}
		out = append(out, vecs...)
	}

	dim := 0
	for i, v := range out {
		if len(v) == 0 {
			return nil, fmt.Errorf("%w: empty vector for %q", ErrEmbedding, texts[i])
		}
		if dim == 0 {
			dim = len(v)
		} else if len(v) != dim {
			return nil, fmt.Errorf("%w: dimension %d for %q, want %d", ErrEmbedding, len(v), texts[i], dim)
		}
	}
	return out, nil
}

// Cosine returns the cosine similarity of a and b, accumulated in
// float64. A zero vector has similarity 0 with everything. a and b must
// have the same length.
func Cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
