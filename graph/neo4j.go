package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/brunobiangulo/kgraph/metrics"
)

// Neo4jConfig locates a Neo4j database.
type Neo4jConfig struct {
	URI      string `json:"uri" mapstructure:"uri"`
	Username string `json:"username" mapstructure:"username"`
	Password string `json:"password" mapstructure:"password"`
	Database string `json:"database" mapstructure:"database"`
}

// cypherRunner executes single statements. It abstracts the driver so the
// sink can be tested without a server.
type cypherRunner interface {
	write(ctx context.Context, cypher string, params map[string]any) error
	read(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error)
	close(ctx context.Context) error
}

type driverRunner struct {
	driver   neo4j.DriverWithContext
	database string
}

func (d *driverRunner) write(ctx context.Context, cypher string, params map[string]any) error {
	_, err := neo4j.ExecuteQuery(ctx, d.driver, cypher, params, neo4j.EagerResultTransformer,
		neo4j.ExecuteQueryWithDatabase(d.database), neo4j.ExecuteQueryWithWritersRouting())
	return err
}

func (d *driverRunner) read(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error) {
	res, err := neo4j.ExecuteQuery(ctx, d.driver, cypher, params, neo4j.EagerResultTransformer,
		neo4j.ExecuteQueryWithDatabase(d.database), neo4j.ExecuteQueryWithReadersRouting())
	if err != nil {
		return nil, err
	}
	rows := make([]map[string]any, 0, len(res.Records))
	for _, rec := range res.Records {
		rows = append(rows, rec.AsMap())
	}
	return rows, nil
}

func (d *driverRunner) close(ctx context.Context) error {
	return d.driver.Close(ctx)
}

// Neo4jSink writes entities as (:Entity) nodes and relations as
// [:RELATES {relation}] edges.
type Neo4jSink struct {
	run     cypherRunner
	metrics *metrics.Metrics
}

// NewNeo4jSink connects to Neo4j and verifies connectivity.
func NewNeo4jSink(ctx context.Context, cfg Neo4jConfig, m *metrics.Metrics) (*Neo4jSink, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""),
		func(c *neo4j.Config) {
			c.MaxConnectionPoolSize = 10
			c.ConnectionAcquisitionTimeout = 30 * time.Second
		})
	if err != nil {
		return nil, fmt.Errorf("graph: creating neo4j driver: %w", err)
	}

	vctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := driver.VerifyConnectivity(vctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("graph: connecting to neo4j at %s: %w", cfg.URI, err)
	}

	db := cfg.Database
	if db == "" {
		db = "neo4j"
	}
	return &Neo4jSink{run: &driverRunner{driver: driver, database: db}, metrics: m}, nil
}

const (
	cypherReset       = `MATCH (n:Entity) DETACH DELETE n`
	cypherMergeEntity = `MERGE (e:Entity {name: $name}) SET e.type = $type, e.aliases = $aliases`
	cypherMergeEdge   = `MERGE (s:Entity {name: $subject})
MERGE (o:Entity {name: $object})
MERGE (s)-[:RELATES {relation: $relation}]->(o)`
	cypherNodes = `MATCH (e:Entity) RETURN e.name AS name, coalesce(e.type, '') AS type, coalesce(e.aliases, []) AS aliases ORDER BY name`
	cypherEdges = `MATCH (s:Entity)-[r:RELATES]->(o:Entity) RETURN s.name AS source, o.name AS target, r.relation AS relation ORDER BY source, target, relation`
)

func (n *Neo4jSink) Reset(ctx context.Context) error {
	if err := n.run.write(ctx, cypherReset, nil); err != nil {
		return fmt.Errorf("graph: resetting neo4j: %w", err)
	}
	return nil
}

func (n *Neo4jSink) AddEntities(ctx context.Context, entities []Entity, progress ProgressFunc) error {
	for i, e := range entities {
		if err := ctx.Err(); err != nil {
			return err
		}
		aliases := e.Aliases
		if aliases == nil {
			aliases = []string{}
		}
		err := n.run.write(ctx, cypherMergeEntity, map[string]any{
			"name":    e.Name,
			"type":    e.Type,
			"aliases": aliases,
		})
		if err != nil {
			return fmt.Errorf("graph: writing entity %q: %w", e.Name, err)
		}
		n.metrics.AddSinkItems("entity", 1)
		report(progress, i+1, len(entities))
	}
	return nil
}

func (n *Neo4jSink) AddRelations(ctx context.Context, relations []Relation, progress ProgressFunc) error {
	for i, r := range relations {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := n.run.write(ctx, cypherMergeEdge, map[string]any{
			"subject":  r.Subject,
			"relation": r.Predicate,
			"object":   r.Object,
		})
		if err != nil {
			return fmt.Errorf("graph: writing relation %s: %w", r, err)
		}
		n.metrics.AddSinkItems("relation", 1)
		report(progress, i+1, len(relations))
	}
	return nil
}

func (n *Neo4jSink) Snapshot(ctx context.Context) (*Snapshot, error) {
	nodes, err := n.run.read(ctx, cypherNodes, nil)
	if err != nil {
		return nil, fmt.Errorf("graph: reading neo4j nodes: %w", err)
	}
	edges, err := n.run.read(ctx, cypherEdges, nil)
	if err != nil {
		return nil, fmt.Errorf("graph: reading neo4j edges: %w", err)
	}

	snap := &Snapshot{Directed: true, Nodes: make([]Node, 0, len(nodes)), Links: make([]Link, 0, len(edges))}
	for _, row := range nodes {
		snap.Nodes = append(snap.Nodes, Node{
			ID:      str(row["name"]),
			Type:    str(row["type"]),
			Aliases: strs(row["aliases"]),
		})
	}
	for _, row := range edges {
		snap.Links = append(snap.Links, Link{
			Source:   str(row["source"]),
			Target:   str(row["target"]),
			Relation: str(row["relation"]),
		})
	}
	return snap, nil
}

// Close releases the driver.
func (n *Neo4jSink) Close(ctx context.Context) error {
	return n.run.close(ctx)
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func strs(v any) []string {
	list, ok := v.([]any)
	if !ok || len(list) == 0 {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
