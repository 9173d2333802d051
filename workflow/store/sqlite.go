package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/hansjm10/alphred-sub002/workflow"
)

// sqliteDialect supplies the handful of SQLite-specific DDL and statements;
// every other Store method is shared sqlStore code.
type sqliteDialect struct{}

func (sqliteDialect) name() string { return "sqlite" }

func (sqliteDialect) createTableStatements() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS workflow_trees (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tree_key TEXT NOT NULL,
			version INTEGER NOT NULL,
			status TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			draft_revision INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE(tree_key, version)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_trees_key_status ON workflow_trees(tree_key, status)`,

		`CREATE TABLE IF NOT EXISTS tree_nodes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tree_id INTEGER NOT NULL REFERENCES workflow_trees(id),
			node_key TEXT NOT NULL,
			node_type TEXT NOT NULL,
			node_role TEXT NOT NULL,
			provider TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			execution_permissions TEXT,
			prompt_template_id INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 0,
			sequence_index INTEGER NOT NULL DEFAULT 0,
			position_x REAL NOT NULL DEFAULT 0,
			position_y REAL NOT NULL DEFAULT 0,
			UNIQUE(tree_id, node_key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tree_nodes_tree_id ON tree_nodes(tree_id)`,

		`CREATE TABLE IF NOT EXISTS tree_edges (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tree_id INTEGER NOT NULL REFERENCES workflow_trees(id),
			source_node_id INTEGER NOT NULL REFERENCES tree_nodes(id),
			target_node_id INTEGER NOT NULL REFERENCES tree_nodes(id),
			priority INTEGER NOT NULL,
			auto INTEGER NOT NULL DEFAULT 0,
			guard_definition_id INTEGER,
			route_on TEXT NOT NULL,
			UNIQUE(source_node_id, route_on, priority)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tree_edges_tree_id ON tree_edges(tree_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tree_edges_source ON tree_edges(source_node_id)`,

		`CREATE TABLE IF NOT EXISTS guard_definitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			expression_json TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS workflow_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tree_id INTEGER NOT NULL REFERENCES workflow_trees(id),
			status TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_runs_status ON workflow_runs(status)`,

		`CREATE TABLE IF NOT EXISTS run_nodes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id INTEGER NOT NULL REFERENCES workflow_runs(id),
			tree_node_id INTEGER NOT NULL REFERENCES tree_nodes(id),
			node_key TEXT NOT NULL,
			status TEXT NOT NULL,
			attempt INTEGER NOT NULL DEFAULT 1,
			sequence_index INTEGER NOT NULL DEFAULT 0,
			started_at TEXT,
			completed_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_nodes_run_id ON run_nodes(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_run_nodes_run_status ON run_nodes(run_id, status)`,

		`CREATE TABLE IF NOT EXISTS phase_artifacts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id INTEGER NOT NULL REFERENCES workflow_runs(id),
			run_node_id INTEGER NOT NULL REFERENCES run_nodes(id),
			artifact_type TEXT NOT NULL,
			content_type TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_phase_artifacts_run_node ON phase_artifacts(run_node_id)`,
		`CREATE INDEX IF NOT EXISTS idx_phase_artifacts_run ON phase_artifacts(run_id)`,

		`CREATE TABLE IF NOT EXISTS routing_decisions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id INTEGER NOT NULL REFERENCES workflow_runs(id),
			run_node_id INTEGER NOT NULL REFERENCES run_nodes(id),
			decision TEXT NOT NULL,
			rationale TEXT NOT NULL DEFAULT '',
			attempt INTEGER,
			raw_output TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_routing_decisions_run_node ON routing_decisions(run_node_id)`,

		`CREATE TABLE IF NOT EXISTS run_node_diagnostics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id INTEGER NOT NULL REFERENCES workflow_runs(id),
			run_node_id INTEGER NOT NULL REFERENCES run_nodes(id),
			attempt INTEGER NOT NULL,
			outcome TEXT NOT NULL,
			counts TEXT,
			redacted INTEGER NOT NULL DEFAULT 0,
			truncated INTEGER NOT NULL DEFAULT 0,
			payload_chars INTEGER NOT NULL DEFAULT 0,
			diagnostics TEXT,
			created_at TEXT NOT NULL,
			UNIQUE(run_node_id, attempt)
		)`,

		`CREATE TABLE IF NOT EXISTS run_node_stream_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id INTEGER NOT NULL REFERENCES workflow_runs(id),
			run_node_id INTEGER NOT NULL REFERENCES run_nodes(id),
			attempt INTEGER NOT NULL,
			sequence INTEGER NOT NULL,
			type TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			content_chars INTEGER NOT NULL DEFAULT 0,
			content_preview TEXT NOT NULL DEFAULT '',
			metadata TEXT,
			usage_delta_tokens INTEGER NOT NULL DEFAULT 0,
			usage_cumulative_tokens INTEGER NOT NULL DEFAULT 0,
			UNIQUE(run_node_id, attempt, sequence)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_stream_events_run_node_attempt ON run_node_stream_events(run_node_id, attempt)`,

		`CREATE TABLE IF NOT EXISTS run_worktrees (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id INTEGER NOT NULL REFERENCES workflow_runs(id),
			repository_id INTEGER NOT NULL DEFAULT 0,
			path TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_worktrees_run_status ON run_worktrees(run_id, status)`,
	}
}

func (sqliteDialect) insertDiagnosticsIfAbsentSQL() string {
	return `
		INSERT INTO run_node_diagnostics
			(run_id, run_node_id, attempt, outcome, counts, redacted, truncated, payload_chars, diagnostics, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_node_id, attempt) DO NOTHING`
}

// SQLiteStore is the SQLite-backed workflow.Store implementation. It stores
// every tree, every run, and all run state in one file database,
// grounded on graph/store/sqlite.go's single-file, WAL-mode idiom.
type SQLiteStore struct {
	*sqlStore
	db *sql.DB
}

// NewSQLiteStore opens (creating if absent) a SQLite database at path and
// ensures its schema exists. path may be ":memory:" for a throwaway store.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

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

	dialect := sqliteDialect{}
	for _, stmt := range dialect.createTableStatements() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}

	return &SQLiteStore{
		sqlStore: &sqlStore{conn: db, db: db, dialect: dialect},
		db:       db,
	}, nil
}

// Close releases the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ workflow.Store = (*SQLiteStore)(nil)
