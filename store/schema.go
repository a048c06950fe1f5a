package store

import "fmt"

// schemaSQL returns the DDL for all tables. embeddingDim controls the
// vec0 virtual table dimension.
func schemaSQL(embeddingDim int) string {
	return fmt.Sprintf(`
-- Knowledge graph: merged entities, one row per distinct name
CREATE TABLE IF NOT EXISTS entities (
    id INTEGER PRIMARY KEY,
    name TEXT NOT NULL UNIQUE,
    entity_type TEXT NOT NULL DEFAULT '',
    aliases JSON NOT NULL DEFAULT '[]',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Knowledge graph: directed subject -> object edges labelled by predicate
CREATE TABLE IF NOT EXISTS relationships (
    id INTEGER PRIMARY KEY,
    source_entity_id INTEGER NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
    target_entity_id INTEGER NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
    predicate TEXT NOT NULL,
    UNIQUE(source_entity_id, target_entity_id, predicate)
);

CREATE INDEX IF NOT EXISTS idx_relationships_source ON relationships(source_entity_id);
CREATE INDEX IF NOT EXISTS idx_relationships_target ON relationships(target_entity_id);

-- Entity name embeddings via sqlite-vec
CREATE VIRTUAL TABLE IF NOT EXISTS vec_entities USING vec0(
    entity_id INTEGER PRIMARY KEY,
    embedding float[%d] distance_metric=cosine
);

-- Analysis job history
CREATE TABLE IF NOT EXISTS job_log (
    id TEXT PRIMARY KEY,
    status TEXT NOT NULL,
    chunks INTEGER DEFAULT 0,
    entities INTEGER DEFAULT 0,
    relationships INTEGER DEFAULT 0,
    error TEXT,
    started_at DATETIME NOT NULL,
    finished_at DATETIME
);
`, embeddingDim)
}
