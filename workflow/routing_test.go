package workflow_test

import (
	"testing"
	"time"

	"github.com/hansjm10/alphred-sub002/workflow"
)

func noGuards(id int64) (workflow.GuardExpr, bool) { return workflow.GuardExpr{}, false }

func TestComputeRoutingAutoEdgeSelectsUnconditionally(t *testing.T) {
	nodes := []workflow.RunNode{
		{ID: 1, TreeNodeID: 10, Status: workflow.RunNodeStatusCompleted, Attempt: 1},
	}
	edges := []workflow.TreeEdge{
		{ID: 100, SourceNodeID: 10, TargetNodeID: 20, Priority: 1, Auto: true, RouteOn: workflow.RouteOnSuccess},
	}

	proj := workflow.ComputeRouting(nodes, edges, nil, nil, noGuards)
	if got, ok := proj.SelectedEdgeBySource[10]; !ok || got != 100 {
		t.Fatalf("SelectedEdgeBySource[10] = %v, %v, want 100, true", got, ok)
	}
}

func TestComputeRoutingGuardedEdgeRequiresFreshDecision(t *testing.T) {
	now := time.Now()
	nodes := []workflow.RunNode{
		{ID: 1, TreeNodeID: 10, Status: workflow.RunNodeStatusCompleted, Attempt: 2},
	}
	edges := []workflow.TreeEdge{
		{ID: 100, SourceNodeID: 10, TargetNodeID: 20, Priority: 1, GuardDefinitionID: 5, RouteOn: workflow.RouteOnSuccess},
	}
	guards := func(id int64) (workflow.GuardExpr, bool) {
		if id == 5 {
			return workflow.GuardExpr{Field: "decision", Operator: "==", Value: "approved"}, true
		}
		return workflow.GuardExpr{}, false
	}

	t.Run("stale decision from a prior attempt yields unresolved", func(t *testing.T) {
		attempt := 1
		decisions := []workflow.RoutingDecision{
			{ID: 1, RunNodeID: 1, Decision: workflow.DecisionApproved, Attempt: &attempt, CreatedAt: now},
		}
		proj := workflow.ComputeRouting(nodes, edges, decisions, nil, guards)
		if !proj.UnresolvedSources[10] {
			t.Fatalf("expected source 10 unresolved, got %+v", proj)
		}
	})

	t.Run("fresh matching decision selects the edge", func(t *testing.T) {
		attempt := 2
		decisions := []workflow.RoutingDecision{
			{ID: 2, RunNodeID: 1, Decision: workflow.DecisionApproved, Attempt: &attempt, CreatedAt: now},
		}
		proj := workflow.ComputeRouting(nodes, edges, decisions, nil, guards)
		if got := proj.SelectedEdgeBySource[10]; got != 100 {
			t.Fatalf("SelectedEdgeBySource[10] = %v, want 100", got)
		}
	})

	t.Run("fresh non-matching decision yields no_route", func(t *testing.T) {
		attempt := 2
		decisions := []workflow.RoutingDecision{
			{ID: 3, RunNodeID: 1, Decision: workflow.DecisionBlocked, Attempt: &attempt, CreatedAt: now},
		}
		proj := workflow.ComputeRouting(nodes, edges, decisions, nil, guards)
		if !proj.NoRouteSources[10] {
			t.Fatalf("expected source 10 no_route, got %+v", proj)
		}
		if !proj.HasNoRouteDecision {
			t.Fatalf("expected HasNoRouteDecision true")
		}
	})
}

func TestComputeRoutingNoOutgoingEdgesIsIgnored(t *testing.T) {
	nodes := []workflow.RunNode{
		{ID: 1, TreeNodeID: 10, Status: workflow.RunNodeStatusCompleted, Attempt: 1},
	}
	proj := workflow.ComputeRouting(nodes, nil, nil, nil, noGuards)
	if len(proj.SelectedEdgeBySource) != 0 || len(proj.UnresolvedSources) != 0 || len(proj.NoRouteSources) != 0 {
		t.Fatalf("expected empty projection for a node with no outgoing edges, got %+v", proj)
	}
}

func TestRoutingDecisionApplies(t *testing.T) {
	now := time.Now()
	node := workflow.RunNode{Attempt: 3}

	t.Run("nil attempt is always stale", func(t *testing.T) {
		d := workflow.RoutingDecision{Attempt: nil, CreatedAt: now}
		if d.Applies(node, time.Time{}) {
			t.Fatal("expected nil-attempt decision to never apply")
		}
	})

	t.Run("mismatched attempt is stale", func(t *testing.T) {
		attempt := 2
		d := workflow.RoutingDecision{Attempt: &attempt, CreatedAt: now}
		if d.Applies(node, time.Time{}) {
			t.Fatal("expected mismatched-attempt decision to not apply")
		}
	})

	t.Run("decision older than latest artifact is stale", func(t *testing.T) {
		attempt := 3
		d := workflow.RoutingDecision{Attempt: &attempt, CreatedAt: now}
		if d.Applies(node, now.Add(time.Second)) {
			t.Fatal("expected decision older than latest artifact to not apply")
		}
	})

	t.Run("matching attempt and fresh timestamp applies", func(t *testing.T) {
		attempt := 3
		d := workflow.RoutingDecision{Attempt: &attempt, CreatedAt: now}
		if !d.Applies(node, now.Add(-time.Second)) {
			t.Fatal("expected decision to apply")
		}
	})
}
