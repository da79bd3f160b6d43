// Package sqlite is the durable storage backend for the cascade delete
// engine: entities and operations persisted as JSON-document columns in
// SQLite tables, partitioned by a world_id index, behind the same
// models.EntityRepository and models.OperationLog contracts the in-memory
// backend satisfies for tests.
package sqlite

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS entities (
	world_id    TEXT NOT NULL,
	id          TEXT NOT NULL,
	is_deleted  INTEGER NOT NULL DEFAULT 0,
	parent_id   TEXT,
	depth       INTEGER NOT NULL DEFAULT 0,
	etag        TEXT NOT NULL,
	doc         TEXT NOT NULL,
	PRIMARY KEY (world_id, id)
);
CREATE INDEX IF NOT EXISTS idx_entities_parent ON entities (world_id, parent_id, is_deleted);

CREATE TABLE IF NOT EXISTS operations (
	world_id       TEXT NOT NULL,
	id             TEXT NOT NULL,
	status         TEXT NOT NULL,
	created_by     TEXT NOT NULL,
	created_at     INTEGER NOT NULL,
	last_heartbeat INTEGER NOT NULL,
	completed_at   INTEGER,
	ttl_seconds    INTEGER NOT NULL,
	doc            TEXT NOT NULL,
	PRIMARY KEY (world_id, id)
);
CREATE INDEX IF NOT EXISTS idx_operations_status ON operations (status);
CREATE INDEX IF NOT EXISTS idx_operations_principal ON operations (world_id, created_by, status);
CREATE INDEX IF NOT EXISTS idx_operations_completed ON operations (status, completed_at);
`

// Open opens (creating if necessary) the SQLite database at path and
// ensures the entities/operations schema exists.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping %s: %w", path, err)
	}
	// The cascade-delete workload is single-writer-per-operation but many
	// readers/writers across the worker pool; SQLite serializes writers
	// itself, so one pooled connection per process is sufficient and
	// avoids "database is locked" errors under WAL.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return db, nil
}
