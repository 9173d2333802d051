package workflow

import "time"

// Applies reports whether a RoutingDecision is still current for the given
// run-node attempt: the decision's recorded Attempt must equal the
// run-node's current Attempt, and its CreatedAt must be >= the latest
// artifact's CreatedAt for that run-node. A nil Attempt (historical rows
// written before the column existed) is always treated as stale.
func (d RoutingDecision) Applies(node RunNode, latestArtifactCreatedAt time.Time) bool {
	if d.Attempt == nil {
		return false
	}
	if *d.Attempt != node.Attempt {
		return false
	}
	return !d.CreatedAt.Before(latestArtifactCreatedAt)
}

// RoutingOutcome classifies how routing resolved for one source run-node.
type RoutingOutcome string

const (
	RoutingSelected   RoutingOutcome = "selected"
	RoutingNoRoute    RoutingOutcome = "no_route"
	RoutingUnresolved RoutingOutcome = "unresolved"
)

// RoutingProjection aggregates the routing-selection results across all
// latest-attempt run-nodes of a run.
type RoutingProjection struct {
	// IncomingEdgesByTarget maps a TreeNode ID to its incoming edges,
	// ordered deterministically.
	IncomingEdgesByTarget map[int64][]TreeEdge

	// SelectedEdgeBySource maps a source TreeNode ID to the ID of the
	// outgoing edge that was selected for it, if any.
	SelectedEdgeBySource map[int64]int64

	// UnresolvedSources is the set of source TreeNode IDs whose node
	// completed but has no applicable routing decision yet.
	UnresolvedSources map[int64]bool

	// NoRouteSources is the set of source TreeNode IDs for which a
	// decision exists but no outgoing edge matched.
	NoRouteSources map[int64]bool

	// HasNoRouteDecision is true iff NoRouteSources is non-empty.
	HasNoRouteDecision bool
}

// guardLookup resolves a GuardDefinitionID to its expression.
type guardLookup func(id int64) (GuardExpr, bool)

// ComputeRouting scans, for each completed (or failed) source node, its
// outgoing edges in priority order; auto edges match unconditionally,
// guarded edges require a fresh routing decision whose guard evaluates true
// against {decision: <signal>}.
//
// latestArtifactCreatedAtByRunNode supplies, per RunNode.ID, the CreatedAt
// of that run-node's most recent artifact (zero value if it has none yet,
// which makes any decision satisfy the staleness check).
func ComputeRouting(
	latestNodes []RunNode,
	edges []TreeEdge,
	decisions []RoutingDecision,
	latestArtifactCreatedAtByRunNode map[int64]time.Time,
	guards guardLookup,
) RoutingProjection {
	proj := RoutingProjection{
		IncomingEdgesByTarget: make(map[int64][]TreeEdge),
		SelectedEdgeBySource:  make(map[int64]int64),
		UnresolvedSources:     make(map[int64]bool),
		NoRouteSources:        make(map[int64]bool),
	}

	seenTargets := make(map[int64]bool)
	for _, e := range edges {
		if seenTargets[e.TargetNodeID] {
			continue
		}
		seenTargets[e.TargetNodeID] = true
		proj.IncomingEdgesByTarget[e.TargetNodeID] = IncomingEdges(edges, e.TargetNodeID)
	}

	decisionByNode := latestDecisionByRunNode(decisions)

	for _, node := range latestNodes {
		var routeOn RouteOn
		switch node.Status {
		case RunNodeStatusCompleted:
			routeOn = RouteOnSuccess
		case RunNodeStatusFailed:
			routeOn = RouteOnFailure
		default:
			continue
		}

		outgoing := EdgesFrom(edges, node.TreeNodeID, routeOn)
		if len(outgoing) == 0 {
			continue
		}

		decision, hasDecision := decisionByNode[node.ID]
		decisionApplies := hasDecision && decision.Applies(node, latestArtifactCreatedAtByRunNode[node.ID])

		var selected *TreeEdge
		for i := range outgoing {
			edge := outgoing[i]
			if edge.Auto {
				selected = &outgoing[i]
				break
			}
			if !decisionApplies || edge.GuardDefinitionID == 0 {
				continue
			}
			expr, ok := guards(edge.GuardDefinitionID)
			if !ok {
				continue
			}
			matched, err := EvalGuard(expr, map[string]any{"decision": string(decision.Decision)})
			if err != nil || !matched {
				continue
			}
			selected = &outgoing[i]
			break
		}

		switch {
		case selected != nil:
			proj.SelectedEdgeBySource[node.TreeNodeID] = selected.ID
		case decisionApplies:
			proj.NoRouteSources[node.TreeNodeID] = true
		default:
			proj.UnresolvedSources[node.TreeNodeID] = true
		}
	}

	proj.HasNoRouteDecision = len(proj.NoRouteSources) > 0
	return proj
}
