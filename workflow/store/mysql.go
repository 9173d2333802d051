package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/hansjm10/alphred-sub002/workflow"
)

// mysqlDialect supplies MySQL-specific DDL and the one conflict-handling
// statement that differs from SQLite's.
type mysqlDialect struct{}

func (mysqlDialect) name() string { return "mysql" }

func (mysqlDialect) createTableStatements() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS workflow_trees (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			tree_key VARCHAR(255) NOT NULL,
			version INT NOT NULL,
			status VARCHAR(32) NOT NULL,
			name VARCHAR(255) NOT NULL DEFAULT '',
			draft_revision INT NOT NULL DEFAULT 0,
			created_at VARCHAR(32) NOT NULL,
			updated_at VARCHAR(32) NOT NULL,
			UNIQUE KEY uq_tree_key_version (tree_key, version),
			KEY idx_workflow_trees_key_status (tree_key, status)
		) ENGINE=InnoDB`,

		`CREATE TABLE IF NOT EXISTS tree_nodes (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			tree_id BIGINT NOT NULL,
			node_key VARCHAR(255) NOT NULL,
			node_type VARCHAR(32) NOT NULL,
			node_role VARCHAR(32) NOT NULL,
			provider VARCHAR(255) NOT NULL DEFAULT '',
			model VARCHAR(255) NOT NULL DEFAULT '',
			execution_permissions TEXT,
			prompt_template_id BIGINT NOT NULL DEFAULT 0,
			max_retries INT NOT NULL DEFAULT 0,
			sequence_index INT NOT NULL DEFAULT 0,
			position_x DOUBLE NOT NULL DEFAULT 0,
			position_y DOUBLE NOT NULL DEFAULT 0,
			UNIQUE KEY uq_tree_node_key (tree_id, node_key),
			KEY idx_tree_nodes_tree_id (tree_id)
		) ENGINE=InnoDB`,

		`CREATE TABLE IF NOT EXISTS tree_edges (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			tree_id BIGINT NOT NULL,
			source_node_id BIGINT NOT NULL,
			target_node_id BIGINT NOT NULL,
			priority INT NOT NULL,
			auto TINYINT NOT NULL DEFAULT 0,
			guard_definition_id BIGINT NULL,
			route_on VARCHAR(16) NOT NULL,
			UNIQUE KEY uq_tree_edge_priority (source_node_id, route_on, priority),
			KEY idx_tree_edges_tree_id (tree_id),
			KEY idx_tree_edges_source (source_node_id)
		) ENGINE=InnoDB`,

		`CREATE TABLE IF NOT EXISTS guard_definitions (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			expression_json TEXT NOT NULL
		) ENGINE=InnoDB`,

		`CREATE TABLE IF NOT EXISTS workflow_runs (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			tree_id BIGINT NOT NULL,
			status VARCHAR(32) NOT NULL,
			started_at VARCHAR(32),
			completed_at VARCHAR(32),
			created_at VARCHAR(32) NOT NULL,
			updated_at VARCHAR(32) NOT NULL,
			KEY idx_workflow_runs_status (status)
		) ENGINE=InnoDB`,

		`CREATE TABLE IF NOT EXISTS run_nodes (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			run_id BIGINT NOT NULL,
			tree_node_id BIGINT NOT NULL,
			node_key VARCHAR(255) NOT NULL,
			status VARCHAR(32) NOT NULL,
			attempt INT NOT NULL DEFAULT 1,
			sequence_index INT NOT NULL DEFAULT 0,
			started_at VARCHAR(32),
			completed_at VARCHAR(32),
			created_at VARCHAR(32) NOT NULL,
			updated_at VARCHAR(32) NOT NULL,
			KEY idx_run_nodes_run_id (run_id),
			KEY idx_run_nodes_run_status (run_id, status)
		) ENGINE=InnoDB`,

		`CREATE TABLE IF NOT EXISTS phase_artifacts (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			run_id BIGINT NOT NULL,
			run_node_id BIGINT NOT NULL,
			artifact_type VARCHAR(32) NOT NULL,
			content_type VARCHAR(32) NOT NULL,
			content LONGTEXT NOT NULL,
			metadata LONGTEXT,
			created_at VARCHAR(32) NOT NULL,
			KEY idx_phase_artifacts_run_node (run_node_id),
			KEY idx_phase_artifacts_run (run_id)
		) ENGINE=InnoDB`,

		`CREATE TABLE IF NOT EXISTS routing_decisions (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			run_id BIGINT NOT NULL,
			run_node_id BIGINT NOT NULL,
			decision VARCHAR(32) NOT NULL,
			rationale TEXT NOT NULL,
			attempt INT NULL,
			raw_output LONGTEXT,
			created_at VARCHAR(32) NOT NULL,
			KEY idx_routing_decisions_run_node (run_node_id)
		) ENGINE=InnoDB`,

		`CREATE TABLE IF NOT EXISTS run_node_diagnostics (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			run_id BIGINT NOT NULL,
			run_node_id BIGINT NOT NULL,
			attempt INT NOT NULL,
			outcome VARCHAR(32) NOT NULL,
			counts LONGTEXT,
			redacted TINYINT NOT NULL DEFAULT 0,
			truncated TINYINT NOT NULL DEFAULT 0,
			payload_chars INT NOT NULL DEFAULT 0,
			diagnostics LONGTEXT,
			created_at VARCHAR(32) NOT NULL,
			UNIQUE KEY uq_diagnostics_attempt (run_node_id, attempt)
		) ENGINE=InnoDB`,

		`CREATE TABLE IF NOT EXISTS run_node_stream_events (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			run_id BIGINT NOT NULL,
			run_node_id BIGINT NOT NULL,
			attempt INT NOT NULL,
			sequence INT NOT NULL,
			type VARCHAR(64) NOT NULL,
			timestamp VARCHAR(32) NOT NULL,
			content_chars INT NOT NULL DEFAULT 0,
			content_preview TEXT NOT NULL,
			metadata LONGTEXT,
			usage_delta_tokens INT NOT NULL DEFAULT 0,
			usage_cumulative_tokens INT NOT NULL DEFAULT 0,
			UNIQUE KEY uq_stream_event_seq (run_node_id, attempt, sequence),
			KEY idx_stream_events_run_node_attempt (run_node_id, attempt)
		) ENGINE=InnoDB`,

		`CREATE TABLE IF NOT EXISTS run_worktrees (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			run_id BIGINT NOT NULL,
			repository_id BIGINT NOT NULL DEFAULT 0,
			path VARCHAR(1024) NOT NULL,
			status VARCHAR(32) NOT NULL,
			created_at VARCHAR(32) NOT NULL,
			KEY idx_run_worktrees_run_status (run_id, status)
		) ENGINE=InnoDB`,
	}
}

func (mysqlDialect) insertDiagnosticsIfAbsentSQL() string {
	return `
		INSERT IGNORE INTO run_node_diagnostics
			(run_id, run_node_id, attempt, outcome, counts, redacted, truncated, payload_chars, diagnostics, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
}

// MySQLStore is the MySQL-backed workflow.Store implementation, for
// multi-process deployments sharing one Alphred core database.
type MySQLStore struct {
	*sqlStore
	db *sql.DB
}

// NewMySQLStore opens a connection pool against dsn and ensures the schema
// exists. dsn follows go-sql-driver/mysql's DSN format
// ("user:pass@tcp(host:3306)/dbname?parseTime=false").
func NewMySQLStore(ctx context.Context, dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	dialect := mysqlDialect{}
	for _, stmt := range dialect.createTableStatements() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}

	return &MySQLStore{
		sqlStore: &sqlStore{conn: db, db: db, dialect: dialect},
		db:       db,
	}, nil
}

// Close releases the underlying connection pool.
func (s *MySQLStore) Close() error {
	return s.db.Close()
}

var _ workflow.Store = (*MySQLStore)(nil)
