package workflow_test

import (
	"testing"

	"github.com/hansjm10/alphred-sub002/workflow"
)

func TestGetLatestRunNodeAttemptsKeepsHighestAttemptPerTreeNode(t *testing.T) {
	rows := []workflow.RunNode{
		{ID: 1, TreeNodeID: 10, SequenceIndex: 0, NodeKey: "plan", Attempt: 1},
		{ID: 2, TreeNodeID: 10, SequenceIndex: 0, NodeKey: "plan", Attempt: 2},
		{ID: 3, TreeNodeID: 20, SequenceIndex: 1, NodeKey: "build", Attempt: 1},
	}
	latest := workflow.GetLatestRunNodeAttempts(rows)
	if len(latest) != 2 {
		t.Fatalf("expected 2 latest rows, got %d", len(latest))
	}
	if latest[0].TreeNodeID != 10 || latest[0].Attempt != 2 {
		t.Fatalf("expected plan's latest attempt (2) first, got %+v", latest[0])
	}
	if latest[1].TreeNodeID != 20 {
		t.Fatalf("expected build second (by sequence index), got %+v", latest[1])
	}
}

func TestGetLatestRunNodeAttemptsOrdersBySequenceThenKeyThenID(t *testing.T) {
	rows := []workflow.RunNode{
		{ID: 2, TreeNodeID: 20, SequenceIndex: 0, NodeKey: "b", Attempt: 1},
		{ID: 1, TreeNodeID: 10, SequenceIndex: 0, NodeKey: "a", Attempt: 1},
	}
	latest := workflow.GetLatestRunNodeAttempts(rows)
	if latest[0].NodeKey != "a" || latest[1].NodeKey != "b" {
		t.Fatalf("expected a before b at equal sequence index, got %+v", latest)
	}
}

func TestLoadLatestArtifactsByRunNodeIDPicksHighestID(t *testing.T) {
	artifacts := []workflow.PhaseArtifact{
		{ID: 1, RunNodeID: 100},
		{ID: 5, RunNodeID: 100},
		{ID: 2, RunNodeID: 200},
	}
	latest := workflow.LoadLatestArtifactsByRunNodeID(artifacts)
	if latest[100] != 5 {
		t.Fatalf("latest[100] = %d, want 5", latest[100])
	}
	if latest[200] != 2 {
		t.Fatalf("latest[200] = %d, want 2", latest[200])
	}
}

func TestLatestReportArtifactIgnoresNonReportTypes(t *testing.T) {
	artifacts := []workflow.PhaseArtifact{
		{ID: 1, RunNodeID: 1, ArtifactType: workflow.ArtifactTypeLog},
		{ID: 2, RunNodeID: 1, ArtifactType: workflow.ArtifactTypeReport, Content: "first report"},
		{ID: 3, RunNodeID: 1, ArtifactType: workflow.ArtifactTypeReport, Content: "second report"},
	}
	a, ok := workflow.LatestReportArtifact(artifacts, 1)
	if !ok {
		t.Fatal("expected a report artifact to be found")
	}
	if a.Content != "second report" {
		t.Fatalf("Content = %q, want the higher-ID report", a.Content)
	}

	_, ok = workflow.LatestReportArtifact(artifacts, 2)
	if ok {
		t.Fatal("expected no report artifact for an unrelated run node")
	}
}

func TestEdgesFromOrdersByPriorityThenTarget(t *testing.T) {
	edges := []workflow.TreeEdge{
		{ID: 1, SourceNodeID: 10, TargetNodeID: 30, Priority: 2, RouteOn: workflow.RouteOnSuccess},
		{ID: 2, SourceNodeID: 10, TargetNodeID: 20, Priority: 1, RouteOn: workflow.RouteOnSuccess},
		{ID: 3, SourceNodeID: 10, TargetNodeID: 25, Priority: 1, RouteOn: workflow.RouteOnSuccess},
		{ID: 4, SourceNodeID: 99, TargetNodeID: 20, Priority: 0, RouteOn: workflow.RouteOnSuccess},
	}
	out := workflow.EdgesFrom(edges, 10, workflow.RouteOnSuccess)
	if len(out) != 3 {
		t.Fatalf("expected 3 edges from node 10, got %d", len(out))
	}
	if out[0].TargetNodeID != 20 || out[1].TargetNodeID != 25 || out[2].TargetNodeID != 30 {
		t.Fatalf("unexpected order: %+v", out)
	}
}

func TestIncomingEdgesOrdersByPriorityThenSource(t *testing.T) {
	edges := []workflow.TreeEdge{
		{ID: 1, SourceNodeID: 30, TargetNodeID: 99, Priority: 2},
		{ID: 2, SourceNodeID: 10, TargetNodeID: 99, Priority: 1},
		{ID: 3, SourceNodeID: 20, TargetNodeID: 1, Priority: 0},
	}
	out := workflow.IncomingEdges(edges, 99)
	if len(out) != 2 {
		t.Fatalf("expected 2 edges targeting 99, got %d", len(out))
	}
	if out[0].SourceNodeID != 10 || out[1].SourceNodeID != 30 {
		t.Fatalf("unexpected order: %+v", out)
	}
}
