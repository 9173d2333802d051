// Package store provides SQL-backed and in-memory implementations of
// workflow.Store, using a single-file-database, WAL-mode, guarded-update
// idiom.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hansjm10/alphred-sub002/workflow"
)

const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(timestampLayout, s)
}

func parseNullableTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// dbtx is satisfied by both *sql.DB and *sql.Tx, letting every query method
// below run unmodified whether or not it is inside WithTx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// sqlStore is the shared implementation of workflow.Store against any
// database/sql driver that accepts "?" placeholders (both modernc.org/sqlite
// and go-sql-driver/mysql do). sqlite.go and mysql.go supply the
// dialect-specific schema and the one conflict-handling query that differs.
type sqlStore struct {
	conn    dbtx
	db      *sql.DB // non-nil only on the top-level (non-tx) store
	dialect dialect
}

// dialect isolates the handful of statements that differ between SQLite and
// MySQL; everything else is shared.
type dialect interface {
	name() string
	createTableStatements() []string
	insertDiagnosticsIfAbsentSQL() string
}

func (s *sqlStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx workflow.Store) error) error {
	if s.db == nil {
		// Already inside a transaction: nested WithTx collapses onto it.
		return fn(ctx, s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	txStore := &sqlStore{conn: tx, dialect: s.dialect}
	if err := fn(ctx, txStore); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func rowsAffectedOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return workflow.ErrPreconditionFailed
	}
	return nil
}

// --- RunNode / WorkflowRun transitions ---

func (s *sqlStore) TransitionRunNode(ctx context.Context, runNodeID int64, fromStatus workflow.RunNodeStatus, fromAttempt int, toStatus workflow.RunNodeStatus, toAttempt int) error {
	now := formatTime(time.Now())
	setStarted := toStatus == workflow.RunNodeStatusRunning
	setCompleted := toStatus == workflow.RunNodeStatusCompleted || toStatus == workflow.RunNodeStatusFailed || toStatus == workflow.RunNodeStatusCancelled
	clearTimestamps := workflow.RunNodeTransitionResetsTimestamps(fromStatus, toStatus) && !setStarted && !setCompleted

	query := "UPDATE run_nodes SET status=?, attempt=?, updated_at=?"
	args := []any{string(toStatus), toAttempt, now}
	switch {
	case setStarted:
		query += ", started_at=?"
		args = append(args, now)
	case clearTimestamps:
		query += ", started_at=NULL"
	}
	switch {
	case setCompleted:
		query += ", completed_at=?"
		args = append(args, now)
	case clearTimestamps, setStarted:
		query += ", completed_at=NULL"
	}
	query += " WHERE id=? AND status=? AND attempt=?"
	args = append(args, runNodeID, string(fromStatus), fromAttempt)

	res, err := s.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("transition run node %d: %w", runNodeID, err)
	}
	return rowsAffectedOne(res)
}

func (s *sqlStore) TransitionRun(ctx context.Context, runID int64, fromStatus workflow.RunStatus, toStatus workflow.RunStatus) error {
	now := formatTime(time.Now())
	query := "UPDATE workflow_runs SET status=?, updated_at=?"
	args := []any{string(toStatus), now}
	if toStatus == workflow.RunStatusRunning {
		query += ", started_at = COALESCE(started_at, ?)"
		args = append(args, now)
	}
	if toStatus.IsTerminal() {
		query += ", completed_at=?"
		args = append(args, now)
	}
	query += " WHERE id=? AND status=?"
	args = append(args, runID, string(fromStatus))

	res, err := s.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("transition run %d: %w", runID, err)
	}
	return rowsAffectedOne(res)
}

func (s *sqlStore) ReadRunStatus(ctx context.Context, runID int64) (workflow.RunStatus, error) {
	var status string
	err := s.conn.QueryRowContext(ctx, "SELECT status FROM workflow_runs WHERE id=?", runID).Scan(&status)
	if err == sql.ErrNoRows {
		return "", workflow.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return workflow.RunStatus(status), nil
}

// --- Trees ---

func (s *sqlStore) GetPublishedTree(ctx context.Context, treeKey string) (workflow.WorkflowTree, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, tree_key, version, status, name, draft_revision, created_at, updated_at
		FROM workflow_trees
		WHERE tree_key=? AND status='published'
		ORDER BY version DESC
		LIMIT 1`, treeKey)

	var t workflow.WorkflowTree
	var status, createdAt, updatedAt string
	if err := row.Scan(&t.ID, &t.TreeKey, &t.Version, &status, &t.Name, &t.DraftRevision, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return workflow.WorkflowTree{}, workflow.ErrWorkflowTreeNotFound
		}
		return workflow.WorkflowTree{}, err
	}
	t.Status = workflow.TreeStatus(status)
	t.CreatedAt, _ = parseTime(createdAt)
	t.UpdatedAt, _ = parseTime(updatedAt)
	return t, nil
}

func (s *sqlStore) ListTreeNodes(ctx context.Context, treeID int64) ([]workflow.TreeNode, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, tree_id, node_key, node_type, node_role, provider, model,
		       execution_permissions, prompt_template_id, max_retries,
		       sequence_index, position_x, position_y
		FROM tree_nodes WHERE tree_id=? ORDER BY sequence_index, id`, treeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []workflow.TreeNode
	for rows.Next() {
		var n workflow.TreeNode
		var nodeType, nodeRole string
		var permsJSON sql.NullString
		if err := rows.Scan(&n.ID, &n.TreeID, &n.NodeKey, &nodeType, &nodeRole, &n.Provider, &n.Model,
			&permsJSON, &n.PromptTemplateID, &n.MaxRetries, &n.SequenceIndex, &n.PositionX, &n.PositionY); err != nil {
			return nil, err
		}
		n.NodeType = workflow.NodeType(nodeType)
		n.NodeRole = workflow.NodeRole(nodeRole)
		if permsJSON.Valid && permsJSON.String != "" {
			var perms workflow.ExecutionPermissions
			if err := json.Unmarshal([]byte(permsJSON.String), &perms); err == nil {
				n.ExecutionPermissions = &perms
			}
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *sqlStore) ListTreeEdges(ctx context.Context, treeID int64) ([]workflow.TreeEdge, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, tree_id, source_node_id, target_node_id, priority, auto, guard_definition_id, route_on
		FROM tree_edges WHERE tree_id=? ORDER BY priority, id`, treeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []workflow.TreeEdge
	for rows.Next() {
		var e workflow.TreeEdge
		var routeOn string
		var guardID sql.NullInt64
		if err := rows.Scan(&e.ID, &e.TreeID, &e.SourceNodeID, &e.TargetNodeID, &e.Priority, &e.Auto, &guardID, &routeOn); err != nil {
			return nil, err
		}
		e.RouteOn = workflow.RouteOn(routeOn)
		e.GuardDefinitionID = guardID.Int64
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqlStore) GetGuardDefinition(ctx context.Context, id int64) (workflow.GuardDefinition, error) {
	var exprJSON string
	err := s.conn.QueryRowContext(ctx, "SELECT expression_json FROM guard_definitions WHERE id=?", id).Scan(&exprJSON)
	if err == sql.ErrNoRows {
		return workflow.GuardDefinition{}, workflow.ErrNotFound
	}
	if err != nil {
		return workflow.GuardDefinition{}, err
	}
	var expr workflow.GuardExpr
	if err := json.Unmarshal([]byte(exprJSON), &expr); err != nil {
		return workflow.GuardDefinition{}, fmt.Errorf("unmarshal guard %d: %w", id, err)
	}
	return workflow.GuardDefinition{ID: id, Expression: expr}, nil
}

// --- Runs / run nodes ---

func (s *sqlStore) MaterializeRun(ctx context.Context, treeID int64, nodes []workflow.TreeNode) (workflow.WorkflowRun, []workflow.RunNode, error) {
	var run workflow.WorkflowRun
	var createdNodes []workflow.RunNode

	err := s.WithTx(ctx, func(ctx context.Context, txStore workflow.Store) error {
		tx := txStore.(*sqlStore)
		now := formatTime(time.Now())
		res, err := tx.conn.ExecContext(ctx, `
			INSERT INTO workflow_runs (tree_id, status, created_at, updated_at)
			VALUES (?, ?, ?, ?)`, treeID, string(workflow.RunStatusPending), now, now)
		if err != nil {
			return fmt.Errorf("insert workflow_run: %w", err)
		}
		runID, err := res.LastInsertId()
		if err != nil {
			return err
		}
		run = workflow.WorkflowRun{ID: runID, TreeID: treeID, Status: workflow.RunStatusPending}
		run.CreatedAt, _ = parseTime(now)
		run.UpdatedAt, _ = parseTime(now)

		for _, n := range nodes {
			res, err := tx.conn.ExecContext(ctx, `
				INSERT INTO run_nodes (run_id, tree_node_id, node_key, status, attempt, sequence_index, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				runID, n.ID, n.NodeKey, string(workflow.RunNodeStatusPending), 1, n.SequenceIndex, now, now)
			if err != nil {
				return fmt.Errorf("insert run_node %s: %w", n.NodeKey, err)
			}
			nodeID, err := res.LastInsertId()
			if err != nil {
				return err
			}
			rn := workflow.RunNode{
				ID: nodeID, RunID: runID, TreeNodeID: n.ID, NodeKey: n.NodeKey,
				Status: workflow.RunNodeStatusPending, Attempt: 1, SequenceIndex: n.SequenceIndex,
			}
			rn.CreatedAt, _ = parseTime(now)
			rn.UpdatedAt, _ = parseTime(now)
			createdNodes = append(createdNodes, rn)
		}
		return nil
	})
	if err != nil {
		return workflow.WorkflowRun{}, nil, err
	}
	return run, createdNodes, nil
}

func (s *sqlStore) GetRun(ctx context.Context, runID int64) (workflow.WorkflowRun, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, tree_id, status, started_at, completed_at, created_at, updated_at
		FROM workflow_runs WHERE id=?`, runID)

	var run workflow.WorkflowRun
	var status, createdAt, updatedAt string
	var startedAt, completedAt sql.NullString
	if err := row.Scan(&run.ID, &run.TreeID, &status, &startedAt, &completedAt, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return workflow.WorkflowRun{}, workflow.ErrNotFound
		}
		return workflow.WorkflowRun{}, err
	}
	run.Status = workflow.RunStatus(status)
	run.StartedAt, _ = parseNullableTime(startedAt)
	run.CompletedAt, _ = parseNullableTime(completedAt)
	run.CreatedAt, _ = parseTime(createdAt)
	run.UpdatedAt, _ = parseTime(updatedAt)
	return run, nil
}

func (s *sqlStore) ListRunNodes(ctx context.Context, runID int64) ([]workflow.RunNode, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, run_id, tree_node_id, node_key, status, attempt, sequence_index,
		       started_at, completed_at, created_at, updated_at
		FROM run_nodes WHERE run_id=? ORDER BY sequence_index, id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []workflow.RunNode
	for rows.Next() {
		var n workflow.RunNode
		var status, createdAt, updatedAt string
		var startedAt, completedAt sql.NullString
		if err := rows.Scan(&n.ID, &n.RunID, &n.TreeNodeID, &n.NodeKey, &status, &n.Attempt, &n.SequenceIndex,
			&startedAt, &completedAt, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		n.Status = workflow.RunNodeStatus(status)
		n.StartedAt, _ = parseNullableTime(startedAt)
		n.CompletedAt, _ = parseNullableTime(completedAt)
		n.CreatedAt, _ = parseTime(createdAt)
		n.UpdatedAt, _ = parseTime(updatedAt)
		out = append(out, n)
	}
	return out, rows.Err()
}

// --- Artifacts ---

func (s *sqlStore) InsertArtifact(ctx context.Context, a workflow.PhaseArtifact) (int64, error) {
	metaJSON, err := json.Marshal(a.Metadata)
	if err != nil {
		return 0, err
	}
	now := formatTime(a.CreatedAt)
	res, err := s.conn.ExecContext(ctx, `
		INSERT INTO phase_artifacts (run_id, run_node_id, artifact_type, content_type, content, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.RunID, a.RunNodeID, string(a.ArtifactType), string(a.ContentType), a.Content, string(metaJSON), now)
	if err != nil {
		return 0, fmt.Errorf("insert phase_artifact: %w", err)
	}
	return res.LastInsertId()
}

func (s *sqlStore) ListArtifactsByRun(ctx context.Context, runID int64) ([]workflow.PhaseArtifact, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, run_id, run_node_id, artifact_type, content_type, content, metadata, created_at
		FROM phase_artifacts WHERE run_id=? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []workflow.PhaseArtifact
	for rows.Next() {
		var a workflow.PhaseArtifact
		var artifactType, contentType, createdAt string
		var metaJSON sql.NullString
		if err := rows.Scan(&a.ID, &a.RunID, &a.RunNodeID, &artifactType, &contentType, &a.Content, &metaJSON, &createdAt); err != nil {
			return nil, err
		}
		a.ArtifactType = workflow.ArtifactType(artifactType)
		a.ContentType = workflow.ContentType(contentType)
		a.CreatedAt, _ = parseTime(createdAt)
		if metaJSON.Valid && metaJSON.String != "" {
			_ = json.Unmarshal([]byte(metaJSON.String), &a.Metadata)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- Routing decisions ---

func (s *sqlStore) InsertRoutingDecision(ctx context.Context, d workflow.RoutingDecision) (int64, error) {
	rawJSON, err := json.Marshal(d.RawOutput)
	if err != nil {
		return 0, err
	}
	now := formatTime(d.CreatedAt)
	var attempt sql.NullInt64
	if d.Attempt != nil {
		attempt = sql.NullInt64{Int64: int64(*d.Attempt), Valid: true}
	}
	res, err := s.conn.ExecContext(ctx, `
		INSERT INTO routing_decisions (run_id, run_node_id, decision, rationale, attempt, raw_output, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.RunID, d.RunNodeID, string(d.Decision), d.Rationale, attempt, string(rawJSON), now)
	if err != nil {
		return 0, fmt.Errorf("insert routing_decision: %w", err)
	}
	return res.LastInsertId()
}

func (s *sqlStore) ListRoutingDecisionsByRun(ctx context.Context, runID int64) ([]workflow.RoutingDecision, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, run_id, run_node_id, decision, rationale, attempt, raw_output, created_at
		FROM routing_decisions WHERE run_id=? ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []workflow.RoutingDecision
	for rows.Next() {
		var d workflow.RoutingDecision
		var decision, createdAt string
		var attempt sql.NullInt64
		var rawJSON sql.NullString
		if err := rows.Scan(&d.ID, &d.RunID, &d.RunNodeID, &decision, &d.Rationale, &attempt, &rawJSON, &createdAt); err != nil {
			return nil, err
		}
		d.Decision = workflow.DecisionType(decision)
		d.CreatedAt, _ = parseTime(createdAt)
		if attempt.Valid {
			v := int(attempt.Int64)
			d.Attempt = &v
		}
		if rawJSON.Valid && rawJSON.String != "" {
			_ = json.Unmarshal([]byte(rawJSON.String), &d.RawOutput)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// --- Diagnostics ---

func (s *sqlStore) InsertDiagnosticsIfAbsent(ctx context.Context, d workflow.RunNodeDiagnostics) error {
	countsJSON, err := json.Marshal(d.Counts)
	if err != nil {
		return err
	}
	diagJSON, err := json.Marshal(d.Diagnostics)
	if err != nil {
		return err
	}
	now := formatTime(d.CreatedAt)
	_, err = s.conn.ExecContext(ctx, s.dialect.insertDiagnosticsIfAbsentSQL(),
		d.RunID, d.RunNodeID, d.Attempt, d.Outcome, string(countsJSON), d.Redacted, d.Truncated, d.PayloadChars, string(diagJSON), now)
	if err != nil {
		return fmt.Errorf("insert run_node_diagnostics: %w", err)
	}
	return nil
}

// --- Stream events ---

func (s *sqlStore) NextStreamEventSequence(ctx context.Context, runNodeID int64, attempt int) (int, error) {
	var maxSeq int
	err := s.conn.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence), 0) FROM run_node_stream_events
		WHERE run_node_id=? AND attempt=?`, runNodeID, attempt).Scan(&maxSeq)
	if err != nil {
		return 0, err
	}
	return maxSeq, nil
}

func (s *sqlStore) InsertStreamEvents(ctx context.Context, events []workflow.RunNodeStreamEvent) error {
	for _, e := range events {
		metaJSON, err := json.Marshal(e.Metadata)
		if err != nil {
			return err
		}
		_, err = s.conn.ExecContext(ctx, `
			INSERT INTO run_node_stream_events
				(run_id, run_node_id, attempt, sequence, type, timestamp, content_chars, content_preview, metadata, usage_delta_tokens, usage_cumulative_tokens)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.RunID, e.RunNodeID, e.Attempt, e.Sequence, e.Type, formatTime(e.Timestamp),
			e.ContentChars, e.ContentPreview, string(metaJSON), e.UsageDeltaTokens, e.UsageCumulativeTokens)
		if err != nil {
			return fmt.Errorf("insert run_node_stream_event seq %d: %w", e.Sequence, err)
		}
	}
	return nil
}

// --- Worktrees ---

func (s *sqlStore) LatestActiveWorktree(ctx context.Context, runID int64) (workflow.RunWorktree, bool, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, run_id, repository_id, path, status, created_at
		FROM run_worktrees WHERE run_id=? AND status='active'
		ORDER BY created_at DESC, id DESC LIMIT 1`, runID)

	var w workflow.RunWorktree
	var createdAt string
	err := row.Scan(&w.ID, &w.RunID, &w.RepositoryID, &w.Path, &w.Status, &createdAt)
	if err == sql.ErrNoRows {
		return workflow.RunWorktree{}, false, nil
	}
	if err != nil {
		return workflow.RunWorktree{}, false, err
	}
	w.CreatedAt, _ = parseTime(createdAt)
	return w, true, nil
}
