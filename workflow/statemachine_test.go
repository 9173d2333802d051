package workflow_test

import (
	"context"
	"errors"
	"testing"

	"github.com/hansjm10/alphred-sub002/workflow"
)

type fakeTransitioner struct {
	calls      []string
	toAttempts []int
	err        error
}

func (f *fakeTransitioner) TransitionRunNode(ctx context.Context, runNodeID int64, fromStatus workflow.RunNodeStatus, fromAttempt int, toStatus workflow.RunNodeStatus, toAttempt int) error {
	f.calls = append(f.calls, string(fromStatus)+"->"+string(toStatus))
	f.toAttempts = append(f.toAttempts, toAttempt)
	return f.err
}

func TestValidRunNodeTransition(t *testing.T) {
	cases := []struct {
		from, to workflow.RunNodeStatus
		want     bool
	}{
		{workflow.RunNodeStatusPending, workflow.RunNodeStatusRunning, true},
		{workflow.RunNodeStatusPending, workflow.RunNodeStatusSkipped, true},
		{workflow.RunNodeStatusRunning, workflow.RunNodeStatusCompleted, true},
		{workflow.RunNodeStatusRunning, workflow.RunNodeStatusFailed, true},
		{workflow.RunNodeStatusCompleted, workflow.RunNodeStatusPending, true},
		{workflow.RunNodeStatusFailed, workflow.RunNodeStatusRunning, true},
		{workflow.RunNodeStatusFailed, workflow.RunNodeStatusPending, true},
		{workflow.RunNodeStatusSkipped, workflow.RunNodeStatusPending, true},
		{workflow.RunNodeStatusPending, workflow.RunNodeStatusCompleted, false},
		{workflow.RunNodeStatusCompleted, workflow.RunNodeStatusFailed, false},
		{workflow.RunNodeStatusCancelled, workflow.RunNodeStatusRunning, false},
	}
	for _, c := range cases {
		if got := workflow.ValidRunNodeTransition(c.from, c.to); got != c.want {
			t.Errorf("ValidRunNodeTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestRunNodeTransitionIncrementsAttempt(t *testing.T) {
	cases := []struct {
		from, to workflow.RunNodeStatus
		want     bool
	}{
		{workflow.RunNodeStatusCompleted, workflow.RunNodeStatusPending, true},
		{workflow.RunNodeStatusFailed, workflow.RunNodeStatusRunning, true},
		{workflow.RunNodeStatusFailed, workflow.RunNodeStatusPending, true},
		{workflow.RunNodeStatusPending, workflow.RunNodeStatusRunning, false},
		{workflow.RunNodeStatusSkipped, workflow.RunNodeStatusPending, false},
	}
	for _, c := range cases {
		if got := workflow.RunNodeTransitionIncrementsAttempt(c.from, c.to); got != c.want {
			t.Errorf("RunNodeTransitionIncrementsAttempt(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestRunNodeTransitionResetsTimestamps(t *testing.T) {
	cases := []struct {
		from, to workflow.RunNodeStatus
		want     bool
	}{
		{workflow.RunNodeStatusCompleted, workflow.RunNodeStatusPending, true},
		{workflow.RunNodeStatusFailed, workflow.RunNodeStatusRunning, true},
		{workflow.RunNodeStatusFailed, workflow.RunNodeStatusPending, true},
		{workflow.RunNodeStatusSkipped, workflow.RunNodeStatusPending, true},
		{workflow.RunNodeStatusPending, workflow.RunNodeStatusRunning, false},
	}
	for _, c := range cases {
		if got := workflow.RunNodeTransitionResetsTimestamps(c.from, c.to); got != c.want {
			t.Errorf("RunNodeTransitionResetsTimestamps(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestApplyRunNodeTransitionRejectsInvalid(t *testing.T) {
	f := &fakeTransitioner{}
	node := workflow.RunNode{ID: 1, Status: workflow.RunNodeStatusCompleted, Attempt: 1}
	err := workflow.ApplyRunNodeTransition(context.Background(), f, node, workflow.RunNodeStatusFailed)
	var de *workflow.DomainError
	if !errors.As(err, &de) || de.Kind != workflow.KindInvalidRequest {
		t.Fatalf("expected invalid_request DomainError, got %v", err)
	}
	if len(f.calls) != 0 {
		t.Fatalf("expected no underlying transition call, got %v", f.calls)
	}
}

func TestApplyRunNodeTransitionIncrementsAttemptOnRevisit(t *testing.T) {
	f := &fakeTransitioner{}
	node := workflow.RunNode{ID: 1, Status: workflow.RunNodeStatusFailed, Attempt: 2}
	if err := workflow.ApplyRunNodeTransition(context.Background(), f, node, workflow.RunNodeStatusRunning); err != nil {
		t.Fatalf("ApplyRunNodeTransition: %v", err)
	}
	if len(f.calls) != 1 || f.calls[0] != "failed->running" {
		t.Fatalf("unexpected calls: %v", f.calls)
	}
	if f.toAttempts[0] != 3 {
		t.Fatalf("toAttempt = %d, want 3 (attempt 2 incremented)", f.toAttempts[0])
	}
}

type fakeRunTransitioner struct {
	status workflow.RunStatus
	calls  []string
}

func (f *fakeRunTransitioner) TransitionRun(ctx context.Context, runID int64, fromStatus, toStatus workflow.RunStatus) error {
	if f.status != fromStatus {
		return workflow.ErrPreconditionFailed
	}
	f.calls = append(f.calls, string(fromStatus)+"->"+string(toStatus))
	f.status = toStatus
	return nil
}

func (f *fakeRunTransitioner) ReadRunStatus(ctx context.Context, runID int64) (workflow.RunStatus, error) {
	return f.status, nil
}

func TestTransitionRunToCurrentNoopOnTerminal(t *testing.T) {
	f := &fakeRunTransitioner{status: workflow.RunStatusCompleted}
	if err := workflow.TransitionRunToCurrent(context.Background(), f, 1, workflow.RunStatusFailed); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.calls) != 0 {
		t.Fatalf("expected no transition on terminal run, got %v", f.calls)
	}
}

func TestTransitionRunToCurrentPausedToRunningIsNoop(t *testing.T) {
	f := &fakeRunTransitioner{status: workflow.RunStatusPaused}
	if err := workflow.TransitionRunToCurrent(context.Background(), f, 1, workflow.RunStatusRunning); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.calls) != 0 {
		t.Fatalf("expected paused run left alone when desired is running, got %v", f.calls)
	}
}

func TestTransitionRunToCurrentForcesThroughRunningForTerminalTarget(t *testing.T) {
	f := &fakeRunTransitioner{status: workflow.RunStatusPaused}
	if err := workflow.TransitionRunToCurrent(context.Background(), f, 1, workflow.RunStatusCancelled); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"paused->running", "running->cancelled"}
	if len(f.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", f.calls, want)
	}
	for i := range want {
		if f.calls[i] != want[i] {
			t.Fatalf("calls = %v, want %v", f.calls, want)
		}
	}
}
