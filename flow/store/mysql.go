package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL-backed flow.Store for multi-process deployments.
//
// DSN format follows the go-sql-driver convention:
//
//	user:password@tcp(host:3306)/taskflow?parseTime=true
type MySQLStore struct {
	sqlStore
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS workflow_templates (
		id VARCHAR(64) PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		version VARCHAR(32) NOT NULL,
		description TEXT,
		graph_json LONGTEXT NOT NULL,
		contracts_json LONGTEXT NOT NULL,
		created_at VARCHAR(32) NOT NULL,
		updated_at VARCHAR(32) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS runs (
		id VARCHAR(36) PRIMARY KEY,
		task TEXT NOT NULL,
		template_id VARCHAR(64),
		status VARCHAR(16) NOT NULL,
		constraints_json LONGTEXT NOT NULL,
		dag_json LONGTEXT,
		diagnostics_json LONGTEXT NOT NULL,
		created_at VARCHAR(32) NOT NULL,
		started_at VARCHAR(32),
		ended_at VARCHAR(32),
		total_prompt_tokens INT NOT NULL DEFAULT 0,
		total_completion_tokens INT NOT NULL DEFAULT 0,
		total_tokens INT NOT NULL DEFAULT 0,
		total_usd DOUBLE NOT NULL DEFAULT 0,
		cancel_requested TINYINT(1) NOT NULL DEFAULT 0,
		metadata_json LONGTEXT,
		INDEX idx_runs_created_at (created_at DESC)
	)`,
	`CREATE TABLE IF NOT EXISTS steps (
		id VARCHAR(36) PRIMARY KEY,
		run_id VARCHAR(36) NOT NULL,
		node_id VARCHAR(128) NOT NULL,
		status VARCHAR(16) NOT NULL,
		attempts INT NOT NULL DEFAULT 0,
		max_retries INT NOT NULL DEFAULT 0,
		started_at VARCHAR(32),
		ended_at VARCHAR(32),
		input_json LONGTEXT NOT NULL,
		output_json LONGTEXT,
		error_json LONGTEXT,
		cost_json LONGTEXT,
		logs_json LONGTEXT NOT NULL,
		UNIQUE KEY uq_steps_run_node (run_id, node_id),
		INDEX idx_steps_run_id (run_id)
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		id VARCHAR(36) PRIMARY KEY,
		run_id VARCHAR(36) NOT NULL,
		step_id VARCHAR(36),
		event_type VARCHAR(64) NOT NULL,
		payload_json LONGTEXT NOT NULL,
		created_at VARCHAR(32) NOT NULL,
		INDEX idx_events_run_created (run_id, created_at)
	)`,
	`CREATE TABLE IF NOT EXISTS cost_ledger (
		id VARCHAR(36) PRIMARY KEY,
		run_id VARCHAR(36) NOT NULL,
		step_id VARCHAR(36),
		app VARCHAR(64) NOT NULL,
		provider VARCHAR(64) NOT NULL,
		model VARCHAR(128) NOT NULL,
		prompt_tokens INT NOT NULL,
		completion_tokens INT NOT NULL,
		total_tokens INT NOT NULL,
		usd DOUBLE NOT NULL,
		metadata_json LONGTEXT,
		created_at VARCHAR(32) NOT NULL,
		INDEX idx_cost_run_created (run_id, created_at)
	)`,
}

var mysqlDialect = dialect{
	name:   "mysql",
	schema: mysqlSchema,
	upsertTemplate: `INSERT INTO workflow_templates
		(id, name, version, description, graph_json, contracts_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			name=VALUES(name),
			version=VALUES(version),
			description=VALUES(description),
			graph_json=VALUES(graph_json),
			contracts_json=VALUES(contracts_json),
			updated_at=VALUES(updated_at)`,
	upsertStep: `INSERT INTO steps
		(id, run_id, node_id, status, attempts, max_retries, started_at, ended_at,
		 input_json, output_json, error_json, cost_json, logs_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			id=VALUES(id),
			status=VALUES(status),
			attempts=VALUES(attempts),
			max_retries=VALUES(max_retries),
			started_at=VALUES(started_at),
			ended_at=VALUES(ended_at),
			input_json=VALUES(input_json),
			output_json=VALUES(output_json),
			error_json=VALUES(error_json),
			cost_json=VALUES(cost_json),
			logs_json=VALUES(logs_json)`,
}

// NewMySQLStore opens (and migrates) a MySQL database.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	s := &MySQLStore{sqlStore: sqlStore{db: db, d: mysqlDialect}}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}
