// Package store is the embedded relational store (component J): entities,
// runs, sampled results and metric snapshots behind a single SQLite file,
// generalizing tombee-conductor's sqlite backend (pragma configuration,
// single-writer connection pool, migration list, null-helpers,
// JSON-in-TEXT-column entities) from a workflow-run store to a load-test
// engine's store.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the single SQLite connection backing the engine's persisted
// state. SQLite serializes writes, so the pool is capped at one connection
// regardless of reader/writer mix — matching the spec's "one writer at a
// time" contract without a separate application-level lock.
type DB struct {
	db *sql.DB
}

// Config configures Open.
type Config struct {
	// Path is the database file path. ":memory:" is accepted for tests.
	Path string

	// WAL enables write-ahead-log journaling for concurrent reads while a
	// write is in flight.
	WAL bool
}

// Open opens (creating if absent) the database at cfg.Path, configures its
// pragmas, and runs migrations.
func Open(cfg Config) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("store: ping database: %w", err)
	}

	d := &DB{db: sqlDB}
	if err := d.configurePragmas(ctx, cfg.WAL); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("store: configure pragmas: %w", err)
	}
	if err := d.migrate(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return d, nil
}

func (d *DB) configurePragmas(ctx context.Context, wal bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if wal {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, p := range pragmas {
		if _, err := d.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("exec %s: %w", p, err)
		}
	}
	return nil
}

func (d *DB) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS collections (
			id TEXT PRIMARY KEY,
			parent_id TEXT,
			name TEXT NOT NULL,
			sort_order INTEGER NOT NULL DEFAULT 0,
			variables TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_collections_parent ON collections(parent_id)`,
		`CREATE TABLE IF NOT EXISTS requests (
			id TEXT PRIMARY KEY,
			collection_id TEXT NOT NULL,
			name TEXT NOT NULL,
			method TEXT NOT NULL,
			url TEXT NOT NULL,
			headers TEXT NOT NULL DEFAULT '{}',
			params TEXT NOT NULL DEFAULT '{}',
			body TEXT NOT NULL DEFAULT '{}',
			auth TEXT,
			pre_script TEXT,
			post_script TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			FOREIGN KEY (collection_id) REFERENCES collections(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_collection ON requests(collection_id)`,
		`CREATE TABLE IF NOT EXISTS environments (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			variables TEXT NOT NULL DEFAULT '{}',
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS globals (
			id TEXT PRIMARY KEY,
			variables TEXT NOT NULL DEFAULT '{}',
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS config_entries (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			type TEXT NOT NULL,
			label TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL DEFAULT '',
			default_value TEXT NOT NULL DEFAULT '',
			min REAL,
			max REAL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			request_id TEXT,
			environment_id TEXT,
			config_snapshot TEXT NOT NULL DEFAULT '',
			start_time INTEGER NOT NULL,
			end_time INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE TABLE IF NOT EXISTS results (
			run_id TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			status_code INTEGER NOT NULL,
			latency_ms REAL NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			trace_data TEXT NOT NULL DEFAULT '',
			FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_results_run_timestamp ON results(run_id, timestamp)`,
		`CREATE TABLE IF NOT EXISTS metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			name TEXT NOT NULL,
			value REAL NOT NULL,
			labels TEXT NOT NULL DEFAULT '',
			FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_run_id ON metrics(run_id, id)`,
		`CREATE TABLE IF NOT EXISTS kv_store (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
	}
	for _, m := range migrations {
		if _, err := d.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// nullString returns nil if s is empty, else s — mirroring the teacher's
// helper for optional TEXT columns.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
