package workflow

import (
	"context"
	"fmt"
)

// RunNodeTransitioner applies one guarded RunNode status update: the update
// must only take effect if the row is still in fromStatus/fromAttempt when
// the write lands. Implementations (workflow/store) compose this from a
// `WHERE id=? AND status=? AND attempt=?` UPDATE and return
// ErrPreconditionFailed on a zero row-count match.
type RunNodeTransitioner interface {
	TransitionRunNode(ctx context.Context, runNodeID int64, fromStatus RunNodeStatus, fromAttempt int, toStatus RunNodeStatus, toAttempt int) error
}

// RunTransitioner applies one guarded WorkflowRun status update under the
// same optimistic-concurrency discipline.
type RunTransitioner interface {
	TransitionRun(ctx context.Context, runID int64, fromStatus RunStatus, toStatus RunStatus) error
	ReadRunStatus(ctx context.Context, runID int64) (RunStatus, error)
}

// runNodeTransitions enumerates every allowed (from, to) pair for RunNode.
var runNodeTransitions = map[RunNodeStatus]map[RunNodeStatus]bool{
	RunNodeStatusPending:   {RunNodeStatusRunning: true, RunNodeStatusSkipped: true},
	RunNodeStatusRunning:   {RunNodeStatusCompleted: true, RunNodeStatusFailed: true},
	RunNodeStatusCompleted: {RunNodeStatusPending: true},
	RunNodeStatusFailed:    {RunNodeStatusRunning: true, RunNodeStatusPending: true},
	RunNodeStatusSkipped:   {RunNodeStatusPending: true},
}

// ValidRunNodeTransition reports whether from->to is one of the allowed
// RunNode transitions.
func ValidRunNodeTransition(from, to RunNodeStatus) bool {
	return runNodeTransitions[from][to]
}

// RunNodeTransitionIncrementsAttempt reports whether a transition atomically
// increments Attempt in the same guarded update: "completed -> pending" and
// "failed -> running" both increment attempt; "failed -> pending" also
// increments attempt since it restarts the same node fresh.
func RunNodeTransitionIncrementsAttempt(from, to RunNodeStatus) bool {
	switch {
	case from == RunNodeStatusCompleted && to == RunNodeStatusPending:
		return true
	case from == RunNodeStatusFailed && to == RunNodeStatusRunning:
		return true
	case from == RunNodeStatusFailed && to == RunNodeStatusPending:
		return true
	default:
		return false
	}
}

// RunNodeTransitionResetsTimestamps reports whether a transition should
// clear StartedAt/CompletedAt: every attempt-incrementing transition is a
// fresh start, and reactivating a skipped node has no prior timestamps to
// preserve either (revisits must clear startedAt and completedAt).
func RunNodeTransitionResetsTimestamps(from, to RunNodeStatus) bool {
	if RunNodeTransitionIncrementsAttempt(from, to) {
		return true
	}
	return from == RunNodeStatusSkipped && to == RunNodeStatusPending
}

// ApplyRunNodeTransition validates from->to, computes the resulting attempt,
// and issues the guarded update through t. It returns ErrInvalidGuardExpression-
// style validation via a DomainError rather than calling the store with a
// transition the state machine itself rejects.
func ApplyRunNodeTransition(ctx context.Context, t RunNodeTransitioner, node RunNode, to RunNodeStatus) error {
	if !ValidRunNodeTransition(node.Status, to) {
		return WrapInvalidRequest(fmt.Sprintf("run node %d: invalid transition %s -> %s", node.ID, node.Status, to), nil)
	}
	toAttempt := node.Attempt
	if RunNodeTransitionIncrementsAttempt(node.Status, to) {
		toAttempt++
	}
	return t.TransitionRunNode(ctx, node.ID, node.Status, node.Attempt, to, toAttempt)
}

// runTransitions enumerates every allowed (from, to) pair for WorkflowRun.
// Terminal statuses have no outbound entries: they are sinks.
var runTransitions = map[RunStatus]map[RunStatus]bool{
	RunStatusPending: {RunStatusRunning: true, RunStatusCancelled: true},
	RunStatusRunning: {RunStatusPaused: true, RunStatusCompleted: true, RunStatusFailed: true, RunStatusCancelled: true},
	RunStatusPaused:  {RunStatusRunning: true, RunStatusCancelled: true},
}

// ValidRunTransition reports whether from->to is one of the allowed
// WorkflowRun transitions.
func ValidRunTransition(from, to RunStatus) bool {
	return runTransitions[from][to]
}

// transitionRunTo composes pending/paused -> running -> to when to is
// terminal, so a terminal transition never jumps directly from pending or
// paused: it always passes through running first. It issues at most two
// guarded updates and re-reads status between them in case a concurrent
// actor moved the run first.
func transitionRunTo(ctx context.Context, t RunTransitioner, runID int64, from, to RunStatus) error {
	if from == to {
		return nil
	}
	if ValidRunTransition(from, to) {
		return t.TransitionRun(ctx, runID, from, to)
	}
	if !to.IsTerminal() {
		return WrapInvalidRequest(fmt.Sprintf("run %d: invalid transition %s -> %s", runID, from, to), nil)
	}
	if from != RunStatusPending && from != RunStatusPaused {
		return WrapInvalidRequest(fmt.Sprintf("run %d: cannot reach terminal %s from %s", runID, to, from), nil)
	}
	if err := t.TransitionRun(ctx, runID, from, RunStatusRunning); err != nil {
		return err
	}
	return t.TransitionRun(ctx, runID, RunStatusRunning, to)
}

// TransitionRunToCurrent re-reads the run's current status and drives it
// toward desired, short-circuiting if the run is already terminal and
// treating paused -> running as a no-op so an externally requested pause
// survives mid-execution.
func TransitionRunToCurrent(ctx context.Context, t RunTransitioner, runID int64, desired RunStatus) error {
	current, err := t.ReadRunStatus(ctx, runID)
	if err != nil {
		return err
	}
	if current.IsTerminal() {
		return nil
	}
	if current == RunStatusPaused && desired == RunStatusRunning {
		return nil
	}
	return transitionRunTo(ctx, t, runID, current, desired)
}
