package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

// ErrDimension is returned when a vector does not match the configured
// embedding dimension.
var ErrDimension = errors.New("store: embedding dimension mismatch")

// Entity represents a row in the entities table.
type Entity struct {
	ID         int64    `json:"id"`
	Name       string   `json:"name"`
	EntityType string   `json:"entity_type"`
	Aliases    []string `json:"aliases,omitempty"`
}

// Relationship represents a row in the relationships table.
type Relationship struct {
	ID             int64  `json:"id"`
	SourceEntityID int64  `json:"source_entity_id"`
	TargetEntityID int64  `json:"target_entity_id"`
	Predicate      string `json:"predicate"`
}

// Triple is a relationship with its endpoint names resolved.
type Triple struct {
	Relationship
	Source string `json:"source"`
	Target string `json:"target"`
}

// EntityMatch is an entity found by vector search.
type EntityMatch struct {
	Entity
	Score float64 `json:"score"` // cosine similarity, 1 is identical
}

// JobLog represents a row in the job_log table.
type JobLog struct {
	ID            string     `json:"id"`
	Status        string     `json:"status"`
	Chunks        int        `json:"chunks"`
	Entities      int        `json:"entities"`
	Relationships int        `json:"relationships"`
	Error         string     `json:"error,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// Store wraps the SQLite database holding the knowledge graph.
type Store struct {
	db           *sql.DB
	embeddingDim int
}

// New opens (or creates) a SQLite database at the given path and
// initialises the schema including the sqlite-vec virtual table. An
// empty path or ":memory:" keeps everything in memory for the life of
// the Store.
func New(dbPath string, embeddingDim int) (*Store, error) {
	if embeddingDim <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive, got %d", embeddingDim)
	}

	memory := dbPath == "" || dbPath == ":memory:"
	var dsn string
	if memory {
		dsn = "file::memory:?_foreign_keys=on"
	} else {
		dir := filepath.Dir(dbPath)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("creating db directory: %w", err)
			}
		}
		dsn = dbPath + "?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// An in-memory database lives and dies with its connection, so pin
	// exactly one and never recycle it.
	if memory {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	} else {
		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := db.Exec(schemaSQL(embeddingDim)); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	s := &Store{db: db, embeddingDim: embeddingDim}

	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// EmbeddingDim returns the configured embedding dimension.
func (s *Store) EmbeddingDim() int {
	return s.embeddingDim
}

// Reset removes every entity, relationship and embedding. Job history is
// kept.
func (s *Store) Reset(ctx context.Context) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, q := range []string{
			"DELETE FROM relationships",
			"DELETE FROM vec_entities",
			"DELETE FROM entities",
		} {
			if _, err := tx.ExecContext(ctx, q); err != nil {
				return fmt.Errorf("%s: %w", q, err)
			}
		}
		return nil
	})
}

// --- Entity operations ---

// UpsertEntity inserts an entity or, when the name exists, replaces its
// aliases and fills in its type. Returns the entity ID.
func (s *Store) UpsertEntity(ctx context.Context, e Entity) (int64, error) {
	aliases, err := encodeAliases(e.Aliases)
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO entities (name, entity_type, aliases)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			entity_type = CASE WHEN excluded.entity_type != '' THEN excluded.entity_type ELSE entities.entity_type END,
			aliases = excluded.aliases
		RETURNING id
	`, e.Name, e.EntityType, aliases).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upserting entity %q: %w", e.Name, err)
	}
	return id, nil
}

// EnsureEntity returns the ID of the named entity, creating an untyped
// one when absent. Existing rows are left untouched.
func (s *Store) EnsureEntity(ctx context.Context, name string) (int64, error) {
	var id int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = ensureEntity(ctx, tx, name)
		return err
	})
	return id, err
}

func ensureEntity(ctx context.Context, tx *sql.Tx, name string) (int64, error) {
	if _, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO entities (name) VALUES (?)", name); err != nil {
		return 0, fmt.Errorf("ensuring entity %q: %w", name, err)
	}
	var id int64
	if err := tx.QueryRowContext(ctx,
		"SELECT id FROM entities WHERE name = ?", name).Scan(&id); err != nil {
		return 0, fmt.Errorf("resolving entity %q: %w", name, err)
	}
	return id, nil
}

// InsertTriple records subject -predicate-> object, creating missing
// endpoint entities. Duplicate triples are ignored. Returns the
// relationship ID, or 0 when it already existed.
func (s *Store) InsertTriple(ctx context.Context, subject, predicate, object string) (int64, error) {
	var id int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		src, err := ensureEntity(ctx, tx, subject)
		if err != nil {
			return err
		}
		dst, err := ensureEntity(ctx, tx, object)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO relationships (source_entity_id, target_entity_id, predicate)
			VALUES (?, ?, ?)
		`, src, dst, predicate)
		if err != nil {
			return fmt.Errorf("inserting relationship: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			id, err = res.LastInsertId()
		}
		return err
	})
	return id, err
}

// GetEntitiesByNames returns entities matching any of the given names.
func (s *Store) GetEntitiesByNames(ctx context.Context, names []string) ([]Entity, error) {
	if len(names) == 0 {
		return nil, nil
	}

	query := "SELECT id, name, entity_type, aliases FROM entities WHERE name IN (?" +
		repeatPlaceholders(len(names)-1) + ") ORDER BY id"

	args := make([]any, len(names))
	for i, n := range names {
		args[i] = n
	}
	return s.queryEntities(ctx, query, args...)
}

// AllEntities returns every entity in insertion order.
func (s *Store) AllEntities(ctx context.Context) ([]Entity, error) {
	return s.queryEntities(ctx, "SELECT id, name, entity_type, aliases FROM entities ORDER BY id")
}

func (s *Store) queryEntities(ctx context.Context, query string, args ...any) ([]Entity, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entities []Entity
	for rows.Next() {
		var e Entity
		var aliases string
		if err := rows.Scan(&e.ID, &e.Name, &e.EntityType, &aliases); err != nil {
			return nil, err
		}
		if e.Aliases, err = decodeAliases(aliases); err != nil {
			return nil, fmt.Errorf("entity %q: %w", e.Name, err)
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

// AllRelationships returns every relationship in insertion order.
func (s *Store) AllRelationships(ctx context.Context) ([]Relationship, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_entity_id, target_entity_id, predicate
		FROM relationships
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rels []Relationship
	for rows.Next() {
		var r Relationship
		if err := rows.Scan(&r.ID, &r.SourceEntityID, &r.TargetEntityID, &r.Predicate); err != nil {
			return nil, err
		}
		rels = append(rels, r)
	}
	return rels, rows.Err()
}

// TriplesAmong returns relationships whose endpoints are both in
// entityIDs, with names resolved. A nil slice means every relationship.
func (s *Store) TriplesAmong(ctx context.Context, entityIDs []int64) ([]Triple, error) {
	query := `
		SELECT r.id, r.source_entity_id, r.target_entity_id, r.predicate, s.name, t.name
		FROM relationships r
		JOIN entities s ON s.id = r.source_entity_id
		JOIN entities t ON t.id = r.target_entity_id`
	var args []any
	if entityIDs != nil {
		if len(entityIDs) == 0 {
			return nil, nil
		}
		ph := "?" + repeatPlaceholders(len(entityIDs)-1)
		query += " WHERE r.source_entity_id IN (" + ph + ") AND r.target_entity_id IN (" + ph + ")"
		args = make([]any, 0, 2*len(entityIDs))
		for range 2 {
			for _, id := range entityIDs {
				args = append(args, id)
			}
		}
	}
	query += " ORDER BY r.id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Triple
	for rows.Next() {
		var t Triple
		if err := rows.Scan(&t.ID, &t.SourceEntityID, &t.TargetEntityID, &t.Predicate, &t.Source, &t.Target); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- Embedding operations ---

// InsertEntityEmbedding stores or replaces the vector for an entity.
func (s *Store) InsertEntityEmbedding(ctx context.Context, entityID int64, embedding []float32) error {
	if len(embedding) != s.embeddingDim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimension, len(embedding), s.embeddingDim)
	}
	// vec0 has no upsert; delete first so re-indexing an entity works.
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM vec_entities WHERE entity_id = ?", entityID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			"INSERT INTO vec_entities (entity_id, embedding) VALUES (?, ?)",
			entityID, serializeFloat32(embedding))
		return err
	})
}

// SearchEntities performs a KNN search returning the k entities whose
// embeddings are closest to queryEmbedding.
func (s *Store) SearchEntities(ctx context.Context, queryEmbedding []float32, k int) ([]EntityMatch, error) {
	if len(queryEmbedding) != s.embeddingDim {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimension, len(queryEmbedding), s.embeddingDim)
	}
	if k <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT v.entity_id, v.distance, e.name, e.entity_type, e.aliases
		FROM vec_entities v
		JOIN entities e ON e.id = v.entity_id
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance
	`, serializeFloat32(queryEmbedding), k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []EntityMatch
	for rows.Next() {
		var m EntityMatch
		var distance float64
		var aliases string
		if err := rows.Scan(&m.ID, &distance, &m.Name, &m.EntityType, &aliases); err != nil {
			return nil, err
		}
		if m.Aliases, err = decodeAliases(aliases); err != nil {
			return nil, err
		}
		m.Score = 1 - distance
		results = append(results, m)
	}
	return results, rows.Err()
}

// --- Job history ---

// LogJob records or updates the outcome of an analysis job.
func (s *Store) LogJob(ctx context.Context, j JobLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_log (id, status, chunks, entities, relationships, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			chunks = excluded.chunks,
			entities = excluded.entities,
			relationships = excluded.relationships,
			error = excluded.error,
			finished_at = excluded.finished_at
	`, j.ID, j.Status, j.Chunks, j.Entities, j.Relationships, nullString(j.Error), j.StartedAt.UTC(), j.FinishedAt)
	return err
}

// ListJobs returns the most recent jobs first.
func (s *Store) ListJobs(ctx context.Context, limit int) ([]JobLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, chunks, entities, relationships, error, started_at, finished_at
		FROM job_log
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []JobLog
	for rows.Next() {
		var j JobLog
		var errText sql.NullString
		var finished sql.NullTime
		if err := rows.Scan(&j.ID, &j.Status, &j.Chunks, &j.Entities, &j.Relationships,
			&errText, &j.StartedAt, &finished); err != nil {
			return nil, err
		}
		j.Error = errText.String
		if finished.Valid {
			t := finished.Time
			j.FinishedAt = &t
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// DBStats holds counts of key database objects.
type DBStats struct {
	Entities      int `json:"entities"`
	Relationships int `json:"relationships"`
	Embeddings    int `json:"embeddings"`
	Jobs          int `json:"jobs"`
}

// Stats returns row counts for the graph tables.
func (s *Store) Stats(ctx context.Context) (*DBStats, error) {
	stats := &DBStats{}
	queries := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM entities", &stats.Entities},
		{"SELECT COUNT(*) FROM relationships", &stats.Relationships},
		{"SELECT COUNT(*) FROM vec_entities", &stats.Embeddings},
		{"SELECT COUNT(*) FROM job_log", &stats.Jobs},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("counting %s: %w", q.query, err)
		}
	}
	return stats, nil
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func repeatPlaceholders(n int) string {
	return strings.Repeat(", ?", n)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func encodeAliases(aliases []string) (string, error) {
	if len(aliases) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(aliases)
	if err != nil {
		return "", fmt.Errorf("encoding aliases: %w", err)
	}
	return string(b), nil
}

func decodeAliases(raw string) ([]string, error) {
	if raw == "" || raw == "[]" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decoding aliases: %w", err)
	}
	return out, nil
}

// serializeFloat32 converts a float32 slice to little-endian bytes for sqlite-vec.
func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}
