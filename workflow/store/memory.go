package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hansjm10/alphred-sub002/workflow"
)

// MemoryStore is an in-process workflow.Store used by tests, grounded on the
// teacher's in-memory double pattern (one mutex guarding an in-memory slice
// or map per table, IDs assigned by a single incrementing counter).
type MemoryStore struct {
	mu sync.Mutex

	trees       []workflow.WorkflowTree
	nodes       []workflow.TreeNode
	edges       []workflow.TreeEdge
	guards      map[int64]workflow.GuardDefinition
	runs        map[int64]workflow.WorkflowRun
	runNodes    map[int64]workflow.RunNode
	artifacts   []workflow.PhaseArtifact
	decisions   []workflow.RoutingDecision
	diagnostics map[string]workflow.RunNodeDiagnostics
	streamEvents []workflow.RunNodeStreamEvent
	worktrees   []workflow.RunWorktree

	nextID int64
}

// NewMemoryStore returns an empty MemoryStore. Use the AddTree/AddNode/
// AddEdge/AddGuard/AddWorktree helpers to populate fixtures before
// exercising the planner/executor.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		guards:      make(map[int64]workflow.GuardDefinition),
		runs:        make(map[int64]workflow.WorkflowRun),
		runNodes:    make(map[int64]workflow.RunNode),
		diagnostics: make(map[string]workflow.RunNodeDiagnostics),
	}
}

func (m *MemoryStore) allocID() int64 {
	m.nextID++
	return m.nextID
}

// AddTree inserts a WorkflowTree fixture and returns it with an assigned ID.
func (m *MemoryStore) AddTree(t workflow.WorkflowTree) workflow.WorkflowTree {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.ID = m.allocID()
	m.trees = append(m.trees, t)
	return t
}

// AddNode inserts a TreeNode fixture and returns it with an assigned ID.
func (m *MemoryStore) AddNode(n workflow.TreeNode) workflow.TreeNode {
	m.mu.Lock()
	defer m.mu.Unlock()
	n.ID = m.allocID()
	m.nodes = append(m.nodes, n)
	return n
}

// AddEdge inserts a TreeEdge fixture and returns it with an assigned ID.
func (m *MemoryStore) AddEdge(e workflow.TreeEdge) workflow.TreeEdge {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = m.allocID()
	m.edges = append(m.edges, e)
	return e
}

// AddGuard inserts a GuardDefinition fixture and returns it with an assigned ID.
func (m *MemoryStore) AddGuard(g workflow.GuardDefinition) workflow.GuardDefinition {
	m.mu.Lock()
	defer m.mu.Unlock()
	g.ID = m.allocID()
	m.guards[g.ID] = g
	return g
}

// AddWorktree inserts a RunWorktree fixture and returns it with an assigned ID.
func (m *MemoryStore) AddWorktree(w workflow.RunWorktree) workflow.RunWorktree {
	m.mu.Lock()
	defer m.mu.Unlock()
	w.ID = m.allocID()
	m.worktrees = append(m.worktrees, w)
	return w
}

func rowsAffectedOneMemory(ok bool) error {
	if !ok {
		return workflow.ErrPreconditionFailed
	}
	return nil
}

func (m *MemoryStore) TransitionRunNode(ctx context.Context, runNodeID int64, fromStatus workflow.RunNodeStatus, fromAttempt int, toStatus workflow.RunNodeStatus, toAttempt int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.runNodes[runNodeID]
	if !ok || n.Status != fromStatus || n.Attempt != fromAttempt {
		return rowsAffectedOneMemory(false)
	}
	now := time.Now()
	n.Status = toStatus
	n.Attempt = toAttempt
	n.UpdatedAt = now

	switch {
	case toStatus == workflow.RunNodeStatusRunning:
		n.StartedAt = &now
		n.CompletedAt = nil
	case workflow.RunNodeTransitionResetsTimestamps(fromStatus, toStatus):
		n.StartedAt = nil
		n.CompletedAt = nil
	}
	if toStatus == workflow.RunNodeStatusCompleted || toStatus == workflow.RunNodeStatusFailed || toStatus == workflow.RunNodeStatusCancelled {
		n.CompletedAt = &now
	}
	m.runNodes[runNodeID] = n
	return nil
}

func (m *MemoryStore) TransitionRun(ctx context.Context, runID int64, fromStatus workflow.RunStatus, toStatus workflow.RunStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[runID]
	if !ok || r.Status != fromStatus {
		return rowsAffectedOneMemory(false)
	}
	now := time.Now()
	r.Status = toStatus
	r.UpdatedAt = now
	if toStatus == workflow.RunStatusRunning && r.StartedAt == nil {
		r.StartedAt = &now
	}
	if toStatus.IsTerminal() {
		r.CompletedAt = &now
	}
	m.runs[runID] = r
	return nil
}

func (m *MemoryStore) ReadRunStatus(ctx context.Context, runID int64) (workflow.RunStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return "", workflow.ErrNotFound
	}
	return r.Status, nil
}

func (m *MemoryStore) GetPublishedTree(ctx context.Context, treeKey string) (workflow.WorkflowTree, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *workflow.WorkflowTree
	for i := range m.trees {
		t := m.trees[i]
		if t.TreeKey != treeKey || t.Status != workflow.TreeStatusPublished {
			continue
		}
		if best == nil || t.Version > best.Version {
			tc := t
			best = &tc
		}
	}
	if best == nil {
		return workflow.WorkflowTree{}, workflow.ErrWorkflowTreeNotFound
	}
	return *best, nil
}

func (m *MemoryStore) ListTreeNodes(ctx context.Context, treeID int64) ([]workflow.TreeNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []workflow.TreeNode
	for _, n := range m.nodes {
		if n.TreeID == treeID {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceIndex < out[j].SequenceIndex })
	return out, nil
}

func (m *MemoryStore) ListTreeEdges(ctx context.Context, treeID int64) ([]workflow.TreeEdge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []workflow.TreeEdge
	for _, e := range m.edges {
		if e.TreeID == treeID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out, nil
}

func (m *MemoryStore) GetGuardDefinition(ctx context.Context, id int64) (workflow.GuardDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.guards[id]
	if !ok {
		return workflow.GuardDefinition{}, workflow.ErrNotFound
	}
	return g, nil
}

func (m *MemoryStore) MaterializeRun(ctx context.Context, treeID int64, nodes []workflow.TreeNode) (workflow.WorkflowRun, []workflow.RunNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	run := workflow.WorkflowRun{ID: m.allocID(), TreeID: treeID, Status: workflow.RunStatusPending, CreatedAt: now, UpdatedAt: now}
	m.runs[run.ID] = run

	var created []workflow.RunNode
	for _, n := range nodes {
		rn := workflow.RunNode{
			ID: m.allocID(), RunID: run.ID, TreeNodeID: n.ID, NodeKey: n.NodeKey,
			Status: workflow.RunNodeStatusPending, Attempt: 1, SequenceIndex: n.SequenceIndex,
			CreatedAt: now, UpdatedAt: now,
		}
		m.runNodes[rn.ID] = rn
		created = append(created, rn)
	}
	return run, created, nil
}

func (m *MemoryStore) GetRun(ctx context.Context, runID int64) (workflow.WorkflowRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return workflow.WorkflowRun{}, workflow.ErrNotFound
	}
	return r, nil
}

func (m *MemoryStore) ListRunNodes(ctx context.Context, runID int64) ([]workflow.RunNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []workflow.RunNode
	for _, n := range m.runNodes {
		if n.RunID == runID {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SequenceIndex != out[j].SequenceIndex {
			return out[i].SequenceIndex < out[j].SequenceIndex
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) InsertArtifact(ctx context.Context, a workflow.PhaseArtifact) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.ID = m.allocID()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	m.artifacts = append(m.artifacts, a)
	return a.ID, nil
}

func (m *MemoryStore) ListArtifactsByRun(ctx context.Context, runID int64) ([]workflow.PhaseArtifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []workflow.PhaseArtifact
	for _, a := range m.artifacts {
		if a.RunID == runID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DiagnosticsCount returns the number of distinct (attempt) diagnostics rows
// recorded for runNodeID, for test assertions.
func (m *MemoryStore) DiagnosticsCount(runNodeID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, d := range m.diagnostics {
		if d.RunNodeID == runNodeID {
			n++
		}
	}
	return n
}

func (m *MemoryStore) InsertRoutingDecision(ctx context.Context, d workflow.RoutingDecision) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d.ID = m.allocID()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	m.decisions = append(m.decisions, d)
	return d.ID, nil
}

func (m *MemoryStore) ListRoutingDecisionsByRun(ctx context.Context, runID int64) ([]workflow.RoutingDecision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []workflow.RoutingDecision
	for _, d := range m.decisions {
		if d.RunID == runID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func diagKey(runNodeID int64, attempt int) string {
	return fmt.Sprintf("%d:%d", runNodeID, attempt)
}

func (m *MemoryStore) InsertDiagnosticsIfAbsent(ctx context.Context, d workflow.RunNodeDiagnostics) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := diagKey(d.RunNodeID, d.Attempt)
	if _, exists := m.diagnostics[key]; exists {
		return nil
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	d.ID = m.allocID()
	m.diagnostics[key] = d
	return nil
}

func (m *MemoryStore) NextStreamEventSequence(ctx context.Context, runNodeID int64, attempt int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	max := 0
	for _, e := range m.streamEvents {
		if e.RunNodeID == runNodeID && e.Attempt == attempt && e.Sequence > max {
			max = e.Sequence
		}
	}
	return max, nil
}

func (m *MemoryStore) InsertStreamEvents(ctx context.Context, events []workflow.RunNodeStreamEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range events {
		e.ID = m.allocID()
		m.streamEvents = append(m.streamEvents, e)
	}
	return nil
}

func (m *MemoryStore) LatestActiveWorktree(ctx context.Context, runID int64) (workflow.RunWorktree, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *workflow.RunWorktree
	for i := range m.worktrees {
		w := m.worktrees[i]
		if w.RunID != runID || w.Status != "active" {
			continue
		}
		if best == nil || w.CreatedAt.After(best.CreatedAt) {
			wc := w
			best = &wc
		}
	}
	if best == nil {
		return workflow.RunWorktree{}, false, nil
	}
	return *best, true, nil
}

// WithTx runs fn directly against the same MemoryStore. Each individual call
// is atomic under the store's mutex, but the sequence of calls fn makes is
// not isolated from other callers, and writes fn made before returning an
// error are kept: nothing is rolled back.
func (m *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx workflow.Store) error) error {
	return fn(ctx, m)
}

var _ workflow.Store = (*MemoryStore)(nil)
