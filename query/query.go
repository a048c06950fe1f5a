// Package query answers free-text questions against the stored graph:
// the question is embedded, the closest entities are found by vector
// search, and their neighbourhood is collected by graph traversal.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/brunobiangulo/kgraph/graph"
	"github.com/brunobiangulo/kgraph/store"
)

// ErrEmptyQuery is returned for a blank question.
var ErrEmptyQuery = errors.New("query: empty question")

const (
	DefaultTopK  = 5
	DefaultDepth = 1
)

// Index is the read side of the graph store.
type Index interface {
	SearchEntities(ctx context.Context, queryEmbedding []float32, k int) ([]store.EntityMatch, error)
	AllRelationships(ctx context.Context) ([]store.Relationship, error)
	TriplesAmong(ctx context.Context, entityIDs []int64) ([]store.Triple, error)
}

type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Match is an entity close to the question.
type Match struct {
	Entity  string   `json:"entity"`
	Type    string   `json:"type,omitempty"`
	Aliases []string `json:"aliases,omitempty"`
	Score   float64  `json:"score"`
}

// Answer holds the matched entities and the relations among the matches
// and their neighbours.
type Answer struct {
	Query     string           `json:"query"`
	Matches   []Match          `json:"matches"`
	Relations []graph.Relation `json:"relations"`
}

// Processor runs queries.
type Processor struct {
	index Index
	embed Embedder
	depth int
}

// New returns a Processor. depth is the number of hops to expand from the
// matched entities; 0 means DefaultDepth, negative means no expansion.
func New(index Index, embed Embedder, depth int) *Processor {
	if depth == 0 {
		depth = DefaultDepth
	}
	if depth < 0 {
		depth = 0
	}
	return &Processor{index: index, embed: embed, depth: depth}
}

// Process answers question with up to topK matched entities.
func (p *Processor) Process(ctx context.Context, question string, topK int) (*Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, ErrEmptyQuery
	}
	if topK <= 0 {
		topK = DefaultTopK
	}

	vecs, err := p.embed.Embed(ctx, []string{question})
	if err != nil {
		return nil, fmt.Errorf("query: embedding question: %w", err)
	}
	if len(vecs) != 1 || len(vecs[0]) == 0 {
		return nil, fmt.Errorf("query: embedding service returned no vector")
	}

	hits, err := p.index.SearchEntities(ctx, vecs[0], topK)
	if err != nil {
		return nil, fmt.Errorf("query: searching entities: %w", err)
	}

	ans := &Answer{Query: question, Matches: make([]Match, 0, len(hits)), Relations: []graph.Relation{}}
	seeds := make([]int64, 0, len(hits))
	for _, h := range hits {
		ans.Matches = append(ans.Matches, Match{Entity: h.Name, Type: h.EntityType, Aliases: h.Aliases, Score: h.Score})
		seeds = append(seeds, h.ID)
	}
	if len(seeds) == 0 {
		return ans, nil
	}

	ids, err := Traverse(ctx, p.index, seeds, p.depth)
	if err != nil {
		return nil, err
	}
	triples, err := p.index.TriplesAmong(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("query: loading relations: %w", err)
	}
	for _, t := range triples {
		ans.Relations = append(ans.Relations, graph.Relation{Subject: t.Source, Predicate: t.Predicate, Object: t.Target})
	}

	slog.Debug("query: processed", "matches", len(ans.Matches), "entities", len(ids), "relations", len(ans.Relations))
	return ans, nil
}

// Traverse walks relationships in both directions from seeds up to
// maxDepth hops and returns every visited entity ID in ascending order,
// seeds included.
func Traverse(ctx context.Context, index Index, seeds []int64, maxDepth int) ([]int64, error) {
	visited := make(map[int64]bool, len(seeds))
	queue := make([]int64, 0, len(seeds))
	for _, id := range seeds {
		if !visited[id] {
			visited[id] = true
			queue = append(queue, id)
		}
	}

	if maxDepth > 0 && len(queue) > 0 {
		rels, err := index.AllRelationships(ctx)
		if err != nil {
			return nil, fmt.Errorf("query: loading relationships: %w", err)
		}

		neighbours := make(map[int64][]int64)
		for _, r := range rels {
			neighbours[r.SourceEntityID] = append(neighbours[r.SourceEntityID], r.TargetEntityID)
			neighbours[r.TargetEntityID] = append(neighbours[r.TargetEntityID], r.SourceEntityID)
		}

		for depth := 0; depth < maxDepth && len(queue) > 0; depth++ {
			var next []int64
			for _, eid := range queue {
				for _, nid := range neighbours[eid] {
					if !visited[nid] {
						visited[nid] = true
						next = append(next, nid)
					}
				}
			}
			queue = next
		}
	}

	ids := make([]int64, 0, len(visited))
	for id := range visited {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
