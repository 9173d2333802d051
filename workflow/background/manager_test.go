package background_test

import (
	"context"
	"testing"

	"github.com/hansjm10/alphred-sub002/workflow"
	"github.com/hansjm10/alphred-sub002/workflow/background"
	"github.com/hansjm10/alphred-sub002/workflow/store"
)

type blockingProvider struct {
	started chan struct{}
	release chan struct{}
	report  string
}

func (p *blockingProvider) RunPhase(ctx context.Context, nodeKey string, opts workflow.PhaseOptions, onEvent workflow.OnProviderEvent) workflow.PhaseResult {
	close(p.started)
	<-p.release
	return workflow.PhaseResult{Report: p.report, ReportContentType: workflow.ContentTypeMarkdown}
}

type immediateProvider struct{ report string }

func (p immediateProvider) RunPhase(ctx context.Context, nodeKey string, opts workflow.PhaseOptions, onEvent workflow.OnProviderEvent) workflow.PhaseResult {
	return workflow.PhaseResult{Report: p.report, ReportContentType: workflow.ContentTypeMarkdown}
}

func seedSingleNodeRun(t *testing.T, mem *store.MemoryStore) workflow.WorkflowRun {
	t.Helper()
	tree := mem.AddTree(workflow.WorkflowTree{TreeKey: "solo", Version: 1, Status: workflow.TreeStatusPublished, Name: "Solo"})
	mem.AddNode(workflow.TreeNode{TreeID: tree.ID, NodeKey: "only", NodeType: workflow.NodeTypeAgent, NodeRole: workflow.NodeRoleStandard, Provider: "stub", SequenceIndex: 0})
	run, _, err := workflow.MaterializeRun(context.Background(), mem, "solo")
	if err != nil {
		t.Fatalf("MaterializeRun: %v", err)
	}
	return run
}

func newTestSessionFactory(mem *store.MemoryStore) background.SessionFactory {
	return func() (workflow.Store, func() error, error) {
		return mem, func() error { return nil }, nil
	}
}

func TestEnqueueAndWaitRunsToCompletionSynchronously(t *testing.T) {
	mem := store.NewMemoryStore()
	run := seedSingleNodeRun(t, mem)

	resolver := func(name string) (workflow.Provider, error) { return immediateProvider{report: "done"}, nil }
	opts := workflow.ExecutorOptions{Resolver: resolver}
	mgr := background.NewManager(newTestSessionFactory(mem), opts, 10)

	if ok := mgr.EnqueueAndWait(run.ID); !ok {
		t.Fatal("expected EnqueueAndWait to accept an idle run")
	}

	got, err := mem.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != workflow.RunStatusCompleted {
		t.Fatalf("run status = %s, want completed", got.Status)
	}
	if mgr.BackgroundExecutionCount() != 0 {
		t.Fatalf("BackgroundExecutionCount = %d, want 0 after settling", mgr.BackgroundExecutionCount())
	}
}

func TestEnqueueRejectsASecondCallWhileBusy(t *testing.T) {
	mem := store.NewMemoryStore()
	run := seedSingleNodeRun(t, mem)

	bp := &blockingProvider{started: make(chan struct{}), release: make(chan struct{}), report: "done"}
	resolver := func(name string) (workflow.Provider, error) { return bp, nil }
	terminal := make(chan workflow.RunStatus, 1)
	opts := workflow.ExecutorOptions{
		Resolver:      resolver,
		OnRunTerminal: func(runID int64, status workflow.RunStatus) { terminal <- status },
	}
	mgr := background.NewManager(newTestSessionFactory(mem), opts, 10)

	if ok := mgr.Enqueue(run.ID); !ok {
		t.Fatal("expected first Enqueue to be accepted")
	}
	<-bp.started

	if !mgr.HasBackgroundExecution(run.ID) {
		t.Fatal("expected HasBackgroundExecution true while the provider is blocked")
	}
	if ok := mgr.Enqueue(run.ID); ok {
		t.Fatal("expected a second Enqueue to be rejected while the first is in flight")
	}
	if ok := mgr.EnqueueAndWait(run.ID); ok {
		t.Fatal("expected EnqueueAndWait to be rejected while a task is in flight")
	}

	close(bp.release)
	status := <-terminal
	if status != workflow.RunStatusCompleted {
		t.Fatalf("terminal status = %s, want completed", status)
	}
}

func TestMarkRunTerminalAfterBackgroundFailureOnSessionOpenError(t *testing.T) {
	mem := store.NewMemoryStore()
	run := seedSingleNodeRun(t, mem)
	if err := mem.TransitionRun(context.Background(), run.ID, workflow.RunStatusPending, workflow.RunStatusRunning); err != nil {
		t.Fatalf("seed running: %v", err)
	}

	calls := 0
	newSession := func() (workflow.Store, func() error, error) {
		calls++
		if calls == 1 {
			return nil, nil, context.DeadlineExceeded
		}
		return mem, func() error { return nil }, nil
	}

	mgr := background.NewManager(newSession, workflow.ExecutorOptions{}, 10)
	if ok := mgr.EnqueueAndWait(run.ID); !ok {
		t.Fatal("expected EnqueueAndWait to accept the run even though the session will fail to open")
	}

	got, err := mem.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != workflow.RunStatusFailed {
		t.Fatalf("run status = %s, want failed after a background session-open failure", got.Status)
	}
}
