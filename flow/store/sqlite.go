package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite-backed flow.Store.
//
// Designed for development and single-process deployments:
//   - Single file database (e.g. "./data/taskflow.db") or ":memory:"
//   - Auto-migration on open
//   - WAL mode for concurrent reads
//
// SQLite supports one writer at a time, so the connection pool is capped at
// a single connection and writes go through the shared write lock.
type SQLiteStore struct {
	sqlStore
	path string
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS workflow_templates (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		version TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		graph_json TEXT NOT NULL,
		contracts_json TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		task TEXT NOT NULL,
		template_id TEXT,
		status TEXT NOT NULL,
		constraints_json TEXT NOT NULL,
		dag_json TEXT,
		diagnostics_json TEXT NOT NULL,
		created_at TEXT NOT NULL,
		started_at TEXT,
		ended_at TEXT,
		total_prompt_tokens INTEGER NOT NULL DEFAULT 0,
		total_completion_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		total_usd REAL NOT NULL DEFAULT 0,
		cancel_requested INTEGER NOT NULL DEFAULT 0,
		metadata_json TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS steps (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		node_id TEXT NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 0,
		started_at TEXT,
		ended_at TEXT,
		input_json TEXT NOT NULL,
		output_json TEXT,
		error_json TEXT,
		cost_json TEXT,
		logs_json TEXT NOT NULL,
		UNIQUE(run_id, node_id)
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		step_id TEXT,
		event_type TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS cost_ledger (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		step_id TEXT,
		app TEXT NOT NULL,
		provider TEXT NOT NULL,
		model TEXT NOT NULL,
		prompt_tokens INTEGER NOT NULL,
		completion_tokens INTEGER NOT NULL,
		total_tokens INTEGER NOT NULL,
		usd REAL NOT NULL,
		metadata_json TEXT,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_steps_run_id ON steps(run_id)`,
	`CREATE INDEX IF NOT EXISTS idx_events_run_created ON events(run_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_cost_run_created ON cost_ledger(run_id, created_at)`,
}

var sqliteDialect = dialect{
	name:   "sqlite",
	schema: sqliteSchema,
	upsertTemplate: `INSERT INTO workflow_templates
		(id, name, version, description, graph_json, contracts_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name,
			version=excluded.version,
			description=excluded.description,
			graph_json=excluded.graph_json,
			contracts_json=excluded.contracts_json,
			updated_at=excluded.updated_at`,
	upsertStep: `INSERT INTO steps
		(id, run_id, node_id, status, attempts, max_retries, started_at, ended_at,
		 input_json, output_json, error_json, cost_json, logs_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, node_id) DO UPDATE SET
			id=excluded.id,
			status=excluded.status,
			attempts=excluded.attempts,
			max_retries=excluded.max_retries,
			started_at=excluded.started_at,
			ended_at=excluded.ended_at,
			input_json=excluded.input_json,
			output_json=excluded.output_json,
			error_json=excluded.error_json,
			cost_json=excluded.cost_json,
			logs_json=excluded.logs_json`,
}

// NewSQLiteStore opens (and migrates) a SQLite database at the given path.
// Use ":memory:" for an in-memory database in tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{
		sqlStore: sqlStore{db: db, d: sqliteDialect},
		path:     path,
	}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}
