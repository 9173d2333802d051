package workflow

import (
	"context"
	"errors"
	"fmt"
)

// MaxControlPreconditionRetries bounds the retry loop every control
// operation wraps itself in before surfacing a concurrent_conflict error.
const MaxControlPreconditionRetries = 5

// ControlAction names a run-control operation.
type ControlAction string

const (
	ControlActionCancel ControlAction = "cancel"
	ControlActionPause  ControlAction = "pause"
	ControlActionResume ControlAction = "resume"
	ControlActionRetry  ControlAction = "retry"
)

// ControlOutcome classifies whether a control call changed anything.
type ControlOutcome string

const (
	ControlOutcomeApplied ControlOutcome = "applied"
	ControlOutcomeNoop    ControlOutcome = "noop"
)

// ControlResult is the run-control result shape returned by every control operation.
type ControlResult struct {
	Action            ControlAction
	Outcome           ControlOutcome
	WorkflowRunID     int64
	PreviousRunStatus RunStatus
	RunStatus         RunStatus
	RetriedRunNodeIDs []int64
}

// CancelRun moves a pending/running/paused run directly to cancelled. metrics
// may be nil.
func CancelRun(ctx context.Context, store Store, runID int64, metrics *Metrics) (ControlResult, error) {
	return simpleControl(ctx, store, runID, ControlActionCancel, func(s RunStatus) (allowed, noop bool) {
		if s == RunStatusCancelled {
			return false, true
		}
		return s == RunStatusPending || s == RunStatusRunning || s == RunStatusPaused, false
	}, RunStatusCancelled, metrics)
}

// PauseRun moves a running run to paused. metrics may be nil.
func PauseRun(ctx context.Context, store Store, runID int64, metrics *Metrics) (ControlResult, error) {
	return simpleControl(ctx, store, runID, ControlActionPause, func(s RunStatus) (allowed, noop bool) {
		if s == RunStatusPaused {
			return false, true
		}
		return s == RunStatusRunning, false
	}, RunStatusPaused, metrics)
}

// ResumeRun moves a paused run to running. metrics may be nil.
func ResumeRun(ctx context.Context, store Store, runID int64, metrics *Metrics) (ControlResult, error) {
	return simpleControl(ctx, store, runID, ControlActionResume, func(s RunStatus) (allowed, noop bool) {
		if s == RunStatusRunning {
			return false, true
		}
		return s == RunStatusPaused, false
	}, RunStatusRunning, metrics)
}

// simpleControl implements the single-row-transition control operations
// (cancel/pause/resume), each wrapped in a bounded precondition-retry loop.
func simpleControl(ctx context.Context, store Store, runID int64, action ControlAction, classify func(RunStatus) (allowed, noop bool), target RunStatus, metrics *Metrics) (ControlResult, error) {
	var lastErr error
	for attempt := 0; attempt < MaxControlPreconditionRetries; attempt++ {
		run, err := store.GetRun(ctx, runID)
		if err != nil {
			return ControlResult{}, err
		}
		allowed, noop := classify(run.Status)
		if noop {
			return ControlResult{Action: action, Outcome: ControlOutcomeNoop, WorkflowRunID: runID, PreviousRunStatus: run.Status, RunStatus: run.Status}, nil
		}
		if !allowed {
			return ControlResult{}, WrapControlInvalidTransition(fmt.Sprintf("%s: invalid transition from %s", action, run.Status))
		}

		err = store.TransitionRun(ctx, runID, run.Status, target)
		if err == nil {
			return ControlResult{Action: action, Outcome: ControlOutcomeApplied, WorkflowRunID: runID, PreviousRunStatus: run.Status, RunStatus: target}, nil
		}
		if !errors.Is(err, ErrPreconditionFailed) {
			return ControlResult{}, err
		}
		metrics.IncrementPreconditionFailure("workflow_run")
		lastErr = err
	}
	return ControlResult{}, WrapConflict(fmt.Sprintf("%s: concurrent_conflict after %d retries", action, MaxControlPreconditionRetries), lastErr)
}

// RetryRun requeues every latest-attempt failed node (failed -> pending,
// attempt+1, timestamps reset) and transitions the run failed -> running,
// inside one transaction, retrying the whole operation up to
// MaxControlPreconditionRetries times on a precondition conflict.
func RetryRun(ctx context.Context, store Store, runID int64, metrics *Metrics) (ControlResult, error) {
	var lastErr error
	for attempt := 0; attempt < MaxControlPreconditionRetries; attempt++ {
		run, err := store.GetRun(ctx, runID)
		if err != nil {
			return ControlResult{}, err
		}
		if run.Status == RunStatusRunning {
			return ControlResult{Action: ControlActionRetry, Outcome: ControlOutcomeNoop, WorkflowRunID: runID, PreviousRunStatus: run.Status, RunStatus: run.Status}, nil
		}
		if run.Status != RunStatusFailed {
			return ControlResult{}, WrapControlInvalidTransition(fmt.Sprintf("retry: invalid transition from %s", run.Status))
		}

		runNodes, err := store.ListRunNodes(ctx, runID)
		if err != nil {
			return ControlResult{}, err
		}
		latest := GetLatestRunNodeAttempts(runNodes)
		var failedNodes []RunNode
		for _, n := range latest {
			if n.Status == RunNodeStatusFailed {
				failedNodes = append(failedNodes, n)
			}
		}
		if len(failedNodes) == 0 {
			return ControlResult{}, WrapControlRetryTargetsNotFound("retry: no failed latest-attempt run nodes")
		}

		var retriedIDs []int64
		txErr := store.WithTx(ctx, func(ctx context.Context, tx Store) error {
			retriedIDs = nil
			for _, n := range failedNodes {
				if err := ApplyRunNodeTransition(ctx, tx, n, RunNodeStatusPending); err != nil {
					return err
				}
				retriedIDs = append(retriedIDs, n.ID)
			}
			return tx.TransitionRun(ctx, runID, RunStatusFailed, RunStatusRunning)
		})
		if txErr == nil {
			return ControlResult{
				Action:            ControlActionRetry,
				Outcome:           ControlOutcomeApplied,
				WorkflowRunID:     runID,
				PreviousRunStatus: RunStatusFailed,
				RunStatus:         RunStatusRunning,
				RetriedRunNodeIDs: retriedIDs,
			}, nil
		}
		if !errors.Is(txErr, ErrPreconditionFailed) {
			return ControlResult{}, txErr
		}
		metrics.IncrementPreconditionFailure("workflow_run")
		lastErr = txErr
	}
	return ControlResult{}, WrapConflict(fmt.Sprintf("retry: concurrent_conflict after %d retries", MaxControlPreconditionRetries), lastErr)
}
