package workflow

import "sort"

// sortKey returns the deterministic ordering tuple used throughout the core:
// sequenceIndex asc, then nodeKey by code-unit comparison, then id. Go
// string comparison is already a code-unit (byte) comparison for ASCII node
// keys, giving a total, deterministic order independent of wall-clock or
// goroutine completion order.
func sortKey(sequenceIndex int, nodeKey string, id int64) (int, string, int64) {
	return sequenceIndex, nodeKey, id
}

func lessRunNode(a, b RunNode) bool {
	as, ak, aid := sortKey(a.SequenceIndex, a.NodeKey, a.ID)
	bs, bk, bid := sortKey(b.SequenceIndex, b.NodeKey, b.ID)
	if as != bs {
		return as < bs
	}
	if ak != bk {
		return ak < bk
	}
	return aid < bid
}

// GetLatestRunNodeAttempts collapses a (possibly multi-attempt) slice of
// RunNode rows to one row per TreeNodeID, keeping the row with the highest
// (Attempt, ID), then orders the result by (SequenceIndex, NodeKey,
// RunNodeID).
func GetLatestRunNodeAttempts(rows []RunNode) []RunNode {
	latest := make(map[int64]RunNode, len(rows))
	for _, row := range rows {
		cur, ok := latest[row.TreeNodeID]
		if !ok || row.Attempt > cur.Attempt || (row.Attempt == cur.Attempt && row.ID > cur.ID) {
			latest[row.TreeNodeID] = row
		}
	}
	out := make([]RunNode, 0, len(latest))
	for _, row := range latest {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return lessRunNode(out[i], out[j]) })
	return out
}

// LoadLatestArtifactsByRunNodeID returns, for each RunNodeID, the ID of the
// most-recently-inserted artifact belonging to it (insertion-ordered: ties
// broken by the higher artifact ID, since IDs are assigned in insertion
// order by the store). Used by routing-decision staleness checks and by
// revisit detection.
func LoadLatestArtifactsByRunNodeID(artifacts []PhaseArtifact) map[int64]int64 {
	latest := make(map[int64]int64, len(artifacts))
	for _, a := range artifacts {
		if cur, ok := latest[a.RunNodeID]; !ok || a.ID > cur {
			latest[a.RunNodeID] = a.ID
		}
	}
	return latest
}

// LatestReportArtifact returns the latest "report"-type artifact for a
// run-node, or false if none exists. Used by context handoff, which only
// ever hands a predecessor's latest report artifact downstream.
func LatestReportArtifact(artifacts []PhaseArtifact, runNodeID int64) (PhaseArtifact, bool) {
	var best PhaseArtifact
	found := false
	for _, a := range artifacts {
		if a.RunNodeID != runNodeID || a.ArtifactType != ArtifactTypeReport {
			continue
		}
		if !found || a.ID > best.ID {
			best = a
			found = true
		}
	}
	return best, found
}

// EdgesFrom returns the outgoing edges of sourceNodeID with the given
// RouteOn, ordered by (Priority asc, TargetNodeID asc, ID asc).
func EdgesFrom(edges []TreeEdge, sourceNodeID int64, routeOn RouteOn) []TreeEdge {
	var out []TreeEdge
	for _, e := range edges {
		if e.SourceNodeID == sourceNodeID && e.RouteOn == routeOn {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		if out[i].TargetNodeID != out[j].TargetNodeID {
			return out[i].TargetNodeID < out[j].TargetNodeID
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// IncomingEdges returns the edges targeting targetNodeID, in the same
// deterministic order as EdgesFrom.
func IncomingEdges(edges []TreeEdge, targetNodeID int64) []TreeEdge {
	var out []TreeEdge
	for _, e := range edges {
		if e.TargetNodeID == targetNodeID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		if out[i].SourceNodeID != out[j].SourceNodeID {
			return out[i].SourceNodeID < out[j].SourceNodeID
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// latestDecisionByRunNode returns, per RunNodeID, the RoutingDecision with
// the highest (CreatedAt, ID) pair: "the latest decision".
func latestDecisionByRunNode(decisions []RoutingDecision) map[int64]RoutingDecision {
	latest := make(map[int64]RoutingDecision, len(decisions))
	for _, d := range decisions {
		cur, ok := latest[d.RunNodeID]
		if !ok || d.CreatedAt.After(cur.CreatedAt) || (d.CreatedAt.Equal(cur.CreatedAt) && d.ID > cur.ID) {
			latest[d.RunNodeID] = d
		}
	}
	return latest
}

// nodeByTreeNodeID indexes the latest-attempt run-nodes by their TreeNodeID.
func nodeByTreeNodeID(nodes []RunNode) map[int64]RunNode {
	out := make(map[int64]RunNode, len(nodes))
	for _, n := range nodes {
		out[n.TreeNodeID] = n
	}
	return out
}

// nodeByID indexes run-nodes by RunNode.ID.
func nodeByID(nodes []RunNode) map[int64]RunNode {
	out := make(map[int64]RunNode, len(nodes))
	for _, n := range nodes {
		out[n.ID] = n
	}
	return out
}
