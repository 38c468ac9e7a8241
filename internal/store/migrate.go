package store

import (
	"database/sql"
	"fmt"
	"time"
)

// migration is one schema step. Versions are applied in order exactly once
// and recorded in schema_migrations.
type migration struct {
	version     int
	description string
	statements  []string
}

var migrations = []migration{
	{
		version:     1,
		description: "offline queue",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS offline_queue (
				seq INTEGER PRIMARY KEY AUTOINCREMENT,
				id TEXT NOT NULL UNIQUE,
				entity_id TEXT NOT NULL,
				method TEXT NOT NULL CHECK(method IN ('create','update','delete')),
				resource_path TEXT NOT NULL,
				payload BLOB,
				enqueued_at INTEGER NOT NULL,
				attempt_count INTEGER NOT NULL DEFAULT 0,
				failed_at INTEGER NOT NULL DEFAULT 0,
				fail_reason TEXT NOT NULL DEFAULT '',
				fail_permanent INTEGER NOT NULL DEFAULT 0
			);`,
			`CREATE INDEX IF NOT EXISTS idx_offline_queue_entity ON offline_queue(entity_id);`,
		},
	},
	{
		version:     2,
		description: "response cache",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS response_cache (
				resource_key TEXT PRIMARY KEY,
				payload BLOB NOT NULL,
				fetched_at INTEGER NOT NULL
			);`,
		},
	},
	{
		version:     3,
		description: "tile index",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS tile_index (
				file_name TEXT PRIMARY KEY,
				source_url TEXT NOT NULL,
				size_bytes INTEGER NOT NULL DEFAULT 0,
				created_at INTEGER NOT NULL,
				last_access_at INTEGER NOT NULL
			);`,
			`CREATE INDEX IF NOT EXISTS idx_tile_index_access ON tile_index(last_access_at);`,
		},
	},
	{
		version:     4,
		description: "local provisional entities",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS local_entities (
				temp_id TEXT PRIMARY KEY,
				kind TEXT NOT NULL CHECK(kind IN ('project','tree','history')),
				parent_id TEXT NOT NULL DEFAULT '',
				payload BLOB NOT NULL,
				created_at INTEGER NOT NULL
			);`,
			`CREATE INDEX IF NOT EXISTS idx_local_entities_parent ON local_entities(kind, parent_id);`,
		},
	},
	{
		version:     5,
		description: "sync metadata",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS sync_meta (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL
			);`,
		},
	},
}

// migrate applies all pending schema migrations.
func migrate(db *sql.DB) error {
	if _, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL CHECK(applied_at > 0),
		description TEXT NOT NULL CHECK(length(description) > 0)
	);`); err != nil {
		return fmt.Errorf("failed to initialize schema_migrations: %w", err)
	}

	var current int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", m.version, err)
		}

		for _, stmt := range m.statements {
			if _, err := tx.Exec(stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.description, err)
			}
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			m.version, time.Now().Unix(), m.description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.version, err)
		}
	}

	return nil
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}
