// Package workflow implements the durable, SQL-backed execution core for
// Alphred agent workflows: the planner that materializes a run from a
// published tree, the single-step executor that advances one run-node at a
// time, and the state machines and supporting projections (routing, context
// handoff, diagnostics) that the executor depends on.
package workflow

import "time"

// TreeStatus is the lifecycle status of a WorkflowTree.
type TreeStatus string

const (
	TreeStatusDraft     TreeStatus = "draft"
	TreeStatusPublished TreeStatus = "published"
)

// WorkflowTree is an immutable-once-published workflow definition.
type WorkflowTree struct {
	ID             int64
	TreeKey        string
	Version        int
	Status         TreeStatus
	Name           string
	DraftRevision  int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NodeType distinguishes the kind of executor a TreeNode requires.
type NodeType string

const (
	NodeTypeAgent NodeType = "agent"
	NodeTypeHuman NodeType = "human"
	NodeTypeTool  NodeType = "tool"
)

// NodeRole distinguishes structural roles a node can play in the graph.
type NodeRole string

const (
	NodeRoleStandard NodeRole = "standard"
	NodeRoleSpawner  NodeRole = "spawner"
	NodeRoleJoin     NodeRole = "join"
)

// ExecutionPermissions controls what an agent attempt is allowed to do.
// It is merged run-level-base-overridden-by-node-level.
type ExecutionPermissions struct {
	ApprovalPolicy        string   `json:"approvalPolicy,omitempty"`
	SandboxMode           string   `json:"sandboxMode,omitempty"`
	NetworkAccessEnabled  *bool    `json:"networkAccessEnabled,omitempty"`
	AdditionalDirectories []string `json:"additionalDirectories,omitempty"`
	WebSearchMode         string   `json:"webSearchMode,omitempty"`
}

// Merge overlays non-zero fields of override on top of the receiver (the
// run-level base) and returns the result. Nil-safe on both sides.
func (p ExecutionPermissions) Merge(override *ExecutionPermissions) ExecutionPermissions {
	if override == nil {
		return p
	}
	out := p
	if override.ApprovalPolicy != "" {
		out.ApprovalPolicy = override.ApprovalPolicy
	}
	if override.SandboxMode != "" {
		out.SandboxMode = override.SandboxMode
	}
	if override.NetworkAccessEnabled != nil {
		out.NetworkAccessEnabled = override.NetworkAccessEnabled
	}
	if override.AdditionalDirectories != nil {
		out.AdditionalDirectories = override.AdditionalDirectories
	}
	if override.WebSearchMode != "" {
		out.WebSearchMode = override.WebSearchMode
	}
	return out
}

// TreeNode is one node definition within a WorkflowTree.
type TreeNode struct {
	ID                    int64
	TreeID                int64
	NodeKey               string
	NodeType              NodeType
	NodeRole              NodeRole
	Provider              string
	Model                 string
	ExecutionPermissions  *ExecutionPermissions
	PromptTemplateID      int64
	MaxRetries            int
	SequenceIndex         int
	PositionX             float64
	PositionY             float64
}

// RouteOn selects whether a TreeEdge is considered on node success or failure.
type RouteOn string

const (
	RouteOnSuccess RouteOn = "success"
	RouteOnFailure RouteOn = "failure"
)

// TreeEdge connects two TreeNodes. Per (source, routeOn) the Priority is
// unique; auto edges match unconditionally, guarded edges require a fresh
// matching RoutingDecision (see routing.go).
type TreeEdge struct {
	ID               int64
	TreeID           int64
	SourceNodeID     int64
	TargetNodeID     int64
	Priority         int
	Auto             bool
	GuardDefinitionID int64 // 0 means no guard
	RouteOn          RouteOn
}

// GuardDefinition stores the recursive guard expression tree as JSON text;
// Expression is the parsed, evaluable form (see guard.go).
type GuardDefinition struct {
	ID         int64
	Expression GuardExpr
}

// RunStatus is the WorkflowRun lifecycle status.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether status is a sink state.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// WorkflowRun is one execution instance of a published WorkflowTree.
type WorkflowRun struct {
	ID          int64
	TreeID      int64
	Status      RunStatus
	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// RunNodeStatus is the RunNode lifecycle status.
type RunNodeStatus string

const (
	RunNodeStatusPending   RunNodeStatus = "pending"
	RunNodeStatusRunning   RunNodeStatus = "running"
	RunNodeStatusCompleted RunNodeStatus = "completed"
	RunNodeStatusFailed    RunNodeStatus = "failed"
	RunNodeStatusSkipped   RunNodeStatus = "skipped"
	RunNodeStatusCancelled RunNodeStatus = "cancelled"
)

// RunNode is one runtime instance of a TreeNode within a WorkflowRun. Rows
// are updated in place across retries/revisits; Attempt increments.
type RunNode struct {
	ID            int64
	RunID         int64
	TreeNodeID    int64
	NodeKey       string
	Status        RunNodeStatus
	Attempt       int
	SequenceIndex int
	StartedAt     *time.Time
	CompletedAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ArtifactType classifies a PhaseArtifact's origin.
type ArtifactType string

const (
	ArtifactTypeReport ArtifactType = "report"
	ArtifactTypeLog    ArtifactType = "log"
)

// ContentType is the rendering hint for an artifact's Content.
type ContentType string

const (
	ContentTypeText     ContentType = "text"
	ContentTypeMarkdown ContentType = "markdown"
	ContentTypeJSON     ContentType = "json"
	ContentTypeDiff     ContentType = "diff"
)

// PhaseArtifact is a piece of output produced by a run-node attempt.
type PhaseArtifact struct {
	ID          int64
	RunID       int64
	RunNodeID   int64
	ArtifactType ArtifactType
	ContentType ContentType
	Content     string
	Metadata    map[string]any
	CreatedAt   time.Time
}

// DecisionType is the routing signal a completed node attempt produced.
type DecisionType string

const (
	DecisionApproved         DecisionType = "approved"
	DecisionChangesRequested DecisionType = "changes_requested"
	DecisionBlocked          DecisionType = "blocked"
	DecisionRetry            DecisionType = "retry"
	DecisionNoRoute          DecisionType = "no_route"
)

// RoutingDecision is a persisted routing signal for one run-node attempt.
// It "applies" to the current attempt only per the staleness rule in
// routing.go's Applies.
type RoutingDecision struct {
	ID         int64
	RunID      int64
	RunNodeID  int64
	Decision   DecisionType
	Rationale  string
	Attempt    *int // nullable: historical rows may omit attempt
	RawOutput  map[string]any
	CreatedAt  time.Time
}

// RunNodeDiagnostics is the redacted, size-capped diagnostics payload
// recorded once per (RunID, RunNodeID, Attempt).
type RunNodeDiagnostics struct {
	ID           int64
	RunID        int64
	RunNodeID    int64
	Attempt      int
	Outcome      string
	Counts       map[string]int
	Redacted     bool
	Truncated    bool
	PayloadChars int
	Diagnostics  map[string]any
	CreatedAt    time.Time
}

// RunNodeStreamEvent is one persisted provider event, sequenced per
// (RunNodeID, Attempt).
type RunNodeStreamEvent struct {
	ID                    int64
	RunID                 int64
	RunNodeID             int64
	Attempt               int
	Sequence              int
	Type                  string
	Timestamp             time.Time
	ContentChars          int
	ContentPreview        string
	Metadata              map[string]any
	UsageDeltaTokens      int
	UsageCumulativeTokens int
}

// RunWorktree is an external (non-core-owned-logic) record describing a
// working directory checked out for a run; only the "latest active row is
// primary" projection is consumed by the core.
type RunWorktree struct {
	ID            int64
	RunID         int64
	RepositoryID  int64
	Path          string
	Status        string // e.g. "active", "cleaned_up"
	CreatedAt     time.Time
}
