package workflow

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Store lookups for a missing row, following
// graph/store.ErrNotFound's idiom of a single shared sentinel rather than
// one per entity.
var ErrNotFound = errors.New("not found")

// Store is the full persistence surface the planner, executor, and control
// operations are built against. workflow/store provides SQLite and MySQL
// implementations; tests use an in-memory double. The workflow package never
// imports either — callers wire a concrete Store in.
//
// Every status/attempt-changing method must be a single guarded UPDATE
// (`WHERE id=? AND status=? AND attempt=?`) returning ErrPreconditionFailed
// on a zero row-count match.
type Store interface {
	RunNodeTransitioner
	RunTransitioner

	// GetPublishedTree returns the latest published version of the tree
	// identified by treeKey, or ErrWorkflowTreeNotFound.
	GetPublishedTree(ctx context.Context, treeKey string) (WorkflowTree, error)
	ListTreeNodes(ctx context.Context, treeID int64) ([]TreeNode, error)
	ListTreeEdges(ctx context.Context, treeID int64) ([]TreeEdge, error)
	GetGuardDefinition(ctx context.Context, id int64) (GuardDefinition, error)

	// MaterializeRun inserts a pending WorkflowRun and one pending RunNode
	// per TreeNode, atomically.
	MaterializeRun(ctx context.Context, treeID int64, nodes []TreeNode) (WorkflowRun, []RunNode, error)

	GetRun(ctx context.Context, runID int64) (WorkflowRun, error)
	ListRunNodes(ctx context.Context, runID int64) ([]RunNode, error)

	// InsertArtifact persists a new PhaseArtifact and returns its ID.
	InsertArtifact(ctx context.Context, a PhaseArtifact) (int64, error)
	ListArtifactsByRun(ctx context.Context, runID int64) ([]PhaseArtifact, error)

	// InsertRoutingDecision persists a new RoutingDecision and returns its ID.
	InsertRoutingDecision(ctx context.Context, d RoutingDecision) (int64, error)
	ListRoutingDecisionsByRun(ctx context.Context, runID int64) ([]RoutingDecision, error)

	// InsertDiagnosticsIfAbsent writes diagnostics for (runID, runNodeID,
	// attempt) unless a row already exists for that key
	// (`insert ... on conflict do nothing`).
	InsertDiagnosticsIfAbsent(ctx context.Context, d RunNodeDiagnostics) error

	// NextStreamEventSequence returns maxExistingSequence for (runNodeID,
	// attempt), so callers allocate sequence = that + 1 + i per event.
	NextStreamEventSequence(ctx context.Context, runNodeID int64, attempt int) (int, error)
	InsertStreamEvents(ctx context.Context, events []RunNodeStreamEvent) error

	// LatestActiveWorktree returns the most recent active RunWorktree row
	// for runID, if any.
	LatestActiveWorktree(ctx context.Context, runID int64) (RunWorktree, bool, error)

	// WithTx runs fn against a Store bound to a single transaction,
	// committing on a nil return and rolling back otherwise. Used for
	// multi-row invariants: the planner's run+run-nodes insert and
	// retry control's requeue-then-transition.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
}

// Clock abstracts time.Now so executor/control code is deterministic under
// test rather than calling time.Now directly.
type Clock func() time.Time
