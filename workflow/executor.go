package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// maxPruneIterations bounds the unreachable-pending pruning fixed-point loop
// so a malformed tree cannot spin forever; a real tree converges in at most
// its node count.
const maxPruneIterations = 64

// StepOutcome classifies the result of one executeNextRunnableNode call.
type StepOutcome string

const (
	OutcomeExecuted    StepOutcome = "executed"
	OutcomeRunTerminal StepOutcome = "run_terminal"
	OutcomeBlocked     StepOutcome = "blocked"
	OutcomeNoRunnable  StepOutcome = "no_runnable"
)

// StepResult is what executeNextRunnableNode and executeRun return.
type StepResult struct {
	Outcome   StepOutcome
	RunStatus RunStatus
	RunNodeID int64 // 0 unless Outcome == OutcomeExecuted
}

// TerminalHook is invoked exactly once per terminal transition a single
// executor call site observes driving.
type TerminalHook func(runID int64, status RunStatus)

// ExecutorOptions configures one executeNextRunnableNode / executeRun call.
type ExecutorOptions struct {
	Resolver Resolver
	Now      Clock

	// BaseExecutionPermissions is the run-level permission baseline a
	// node's own ExecutionPermissions overrides. The tree model has no
	// run-level permissions column, so the caller (the background manager
	// or an interactive run request) supplies it.
	BaseExecutionPermissions ExecutionPermissions

	OnRunTerminal TerminalHook

	// Metrics receives per-attempt, per-retry, per-routing-outcome, and
	// precondition-failure observations. A nil Metrics is a no-op.
	Metrics *Metrics

	// Tracer opens one span per claimed-node attempt when set. A nil
	// Tracer skips span creation entirely.
	Tracer trace.Tracer
}

func (o ExecutorOptions) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now().UTC()
}

func (o ExecutorOptions) fireTerminal(runID int64, status RunStatus) {
	if o.OnRunTerminal != nil && status.IsTerminal() {
		o.OnRunTerminal(runID, status)
	}
}

// ExecuteNextRunnableNode advances one run by exactly one claimed-node
// attempt, or reports why it could not.
func ExecuteNextRunnableNode(ctx context.Context, store Store, runID int64, opts ExecutorOptions) (StepResult, error) {
	run, err := store.GetRun(ctx, runID)
	if err != nil {
		return StepResult{}, err
	}
	if run.Status.IsTerminal() {
		return StepResult{Outcome: OutcomeRunTerminal, RunStatus: run.Status}, nil
	}

	snap, err := loadRunSnapshot(ctx, store, run)
	if err != nil {
		return StepResult{}, err
	}
	next, isRevisit, found := computeNextRunnable(snap)

	run, err = store.GetRun(ctx, runID)
	if err != nil {
		return StepResult{}, err
	}
	if run.Status.IsTerminal() {
		return StepResult{Outcome: OutcomeRunTerminal, RunStatus: run.Status}, nil
	}
	if run.Status == RunStatusPaused && found {
		return StepResult{Outcome: OutcomeBlocked, RunStatus: run.Status}, nil
	}

	if !found {
		return resolveNoRunnable(ctx, store, run, snap, opts)
	}

	if err := TransitionRunToCurrent(ctx, store, run.ID, RunStatusRunning); err != nil {
		if errors.Is(err, ErrPreconditionFailed) {
			opts.Metrics.IncrementPreconditionFailure("workflow_run")
			run, rerr := store.GetRun(ctx, runID)
			if rerr != nil {
				return StepResult{}, rerr
			}
			return StepResult{Outcome: OutcomeBlocked, RunStatus: run.Status}, nil
		}
		return StepResult{}, err
	}
	run.Status = RunStatusRunning

	claimed, claimErr := claimRunNode(ctx, store, next, isRevisit)
	if claimErr != nil {
		if errors.Is(claimErr, ErrPreconditionFailed) {
			opts.Metrics.IncrementPreconditionFailure("run_node")
			run, rerr := store.GetRun(ctx, runID)
			if rerr != nil {
				return StepResult{}, rerr
			}
			return StepResult{Outcome: OutcomeBlocked, RunStatus: run.Status}, nil
		}
		return StepResult{}, claimErr
	}

	treeNode, ok := snap.treeNodeByID[claimed.TreeNodeID]
	if !ok {
		return StepResult{}, WrapInternal(fmt.Sprintf("run node %d: tree node %d missing from tree", claimed.ID, claimed.TreeNodeID), nil)
	}

	return executeClaimedNode(ctx, store, run, snap, treeNode, claimed, opts)
}

// claimRunNode performs the guarded claim: pending -> running directly, or
// completed -> pending (attempt+1) -> running for a revisit.
func claimRunNode(ctx context.Context, store Store, node RunNode, isRevisit bool) (RunNode, error) {
	if isRevisit {
		if err := ApplyRunNodeTransition(ctx, store, node, RunNodeStatusPending); err != nil {
			return RunNode{}, err
		}
		node.Status = RunNodeStatusPending
		node.Attempt++
		node.StartedAt = nil
		node.CompletedAt = nil
	}
	if err := ApplyRunNodeTransition(ctx, store, node, RunNodeStatusRunning); err != nil {
		return RunNode{}, err
	}
	node.Status = RunNodeStatusRunning
	return node, nil
}

// runSnapshot is everything computeNextRunnable / routing / pruning need,
// loaded once per executor step.
type runSnapshot struct {
	treeID               int64
	latestNodes          []RunNode
	treeNodeByID         map[int64]TreeNode
	edges                []TreeEdge
	decisions            []RoutingDecision
	artifacts            []PhaseArtifact
	latestArtifactID     map[int64]int64
	latestArtifactAt     map[int64]time.Time
	guards               guardLookup
	routing              RoutingProjection
}

func loadRunSnapshot(ctx context.Context, store Store, run WorkflowRun) (runSnapshot, error) {
	runNodes, err := store.ListRunNodes(ctx, run.ID)
	if err != nil {
		return runSnapshot{}, err
	}
	treeNodes, err := store.ListTreeNodes(ctx, run.TreeID)
	if err != nil {
		return runSnapshot{}, err
	}
	edges, err := store.ListTreeEdges(ctx, run.TreeID)
	if err != nil {
		return runSnapshot{}, err
	}
	decisions, err := store.ListRoutingDecisionsByRun(ctx, run.ID)
	if err != nil {
		return runSnapshot{}, err
	}
	artifacts, err := store.ListArtifactsByRun(ctx, run.ID)
	if err != nil {
		return runSnapshot{}, err
	}
	guards, err := buildGuardLookup(ctx, store, edges)
	if err != nil {
		return runSnapshot{}, err
	}

	latest := GetLatestRunNodeAttempts(runNodes)
	latestArtifactID := LoadLatestArtifactsByRunNodeID(artifacts)
	latestArtifactAt := latestArtifactCreatedAt(artifacts, latestArtifactID)

	treeNodeByID := make(map[int64]TreeNode, len(treeNodes))
	for _, tn := range treeNodes {
		treeNodeByID[tn.ID] = tn
	}

	proj := ComputeRouting(latest, edges, decisions, latestArtifactAt, guards)

	return runSnapshot{
		treeID:           run.TreeID,
		latestNodes:      latest,
		treeNodeByID:     treeNodeByID,
		edges:            edges,
		decisions:        decisions,
		artifacts:        artifacts,
		latestArtifactID: latestArtifactID,
		latestArtifactAt: latestArtifactAt,
		guards:           guards,
		routing:          proj,
	}, nil
}

func buildGuardLookup(ctx context.Context, store Store, edges []TreeEdge) (guardLookup, error) {
	cache := make(map[int64]GuardExpr)
	for _, e := range edges {
		if e.GuardDefinitionID == 0 {
			continue
		}
		if _, ok := cache[e.GuardDefinitionID]; ok {
			continue
		}
		gd, err := store.GetGuardDefinition(ctx, e.GuardDefinitionID)
		if err != nil {
			return nil, err
		}
		cache[e.GuardDefinitionID] = gd.Expression
	}
	return func(id int64) (GuardExpr, bool) {
		expr, ok := cache[id]
		return expr, ok
	}, nil
}

func latestArtifactCreatedAt(artifacts []PhaseArtifact, latestID map[int64]int64) map[int64]time.Time {
	byID := make(map[int64]PhaseArtifact, len(artifacts))
	for _, a := range artifacts {
		byID[a.ID] = a
	}
	out := make(map[int64]time.Time, len(latestID))
	for nodeID, artID := range latestID {
		if a, ok := byID[artID]; ok {
			out[nodeID] = a.CreatedAt
		}
	}
	return out
}

// computeNextRunnable finds the next node to execute, in deterministic
// order.
func computeNextRunnable(snap runSnapshot) (RunNode, bool, bool) {
	byTree := nodeByTreeNodeID(snap.latestNodes)
	for _, n := range snap.latestNodes {
		switch n.Status {
		case RunNodeStatusPending:
			incoming := snap.routing.IncomingEdgesByTarget[n.TreeNodeID]
			if len(incoming) == 0 {
				return n, false, true
			}
			if hasSelectedCompletedPredecessor(snap.routing, byTree, incoming) {
				return n, false, true
			}
		case RunNodeStatusCompleted:
			incoming := snap.routing.IncomingEdgesByTarget[n.TreeNodeID]
			if len(incoming) == 0 {
				continue
			}
			if isLoopReentry(snap, byTree, n, incoming) {
				return n, true, true
			}
		}
	}
	return RunNode{}, false, false
}

func hasSelectedCompletedPredecessor(proj RoutingProjection, byTree map[int64]RunNode, incoming []TreeEdge) bool {
	for _, e := range incoming {
		sel, ok := proj.SelectedEdgeBySource[e.SourceNodeID]
		if !ok || sel != e.ID {
			continue
		}
		src, ok := byTree[e.SourceNodeID]
		if ok && src.Status == RunNodeStatusCompleted {
			return true
		}
	}
	return false
}

func isLoopReentry(snap runSnapshot, byTree map[int64]RunNode, target RunNode, incoming []TreeEdge) bool {
	targetLatest := snap.latestArtifactID[target.ID]
	for _, e := range incoming {
		sel, ok := snap.routing.SelectedEdgeBySource[e.SourceNodeID]
		if !ok || sel != e.ID {
			continue
		}
		src, ok := byTree[e.SourceNodeID]
		if !ok || src.Status != RunNodeStatusCompleted {
			continue
		}
		if snap.latestArtifactID[src.ID] > targetLatest {
			return true
		}
	}
	return false
}

// resolveNoRunnable handles the case where no node is currently runnable.
func resolveNoRunnable(ctx context.Context, store Store, run WorkflowRun, snap runSnapshot, opts ExecutorOptions) (StepResult, error) {
	if len(snap.routing.NoRouteSources) > 0 || len(snap.routing.UnresolvedSources) > 0 {
		if err := transitionRunTo(ctx, store, run.ID, run.Status, RunStatusFailed); err != nil && !errors.Is(err, ErrPreconditionFailed) {
			return StepResult{}, err
		}
		opts.fireTerminal(run.ID, RunStatusFailed)
		return StepResult{Outcome: OutcomeBlocked, RunStatus: RunStatusFailed}, nil
	}

	hasActive, hasFailed := false, false
	for _, n := range snap.latestNodes {
		switch n.Status {
		case RunNodeStatusPending, RunNodeStatusRunning:
			hasActive = true
		case RunNodeStatusFailed:
			hasFailed = true
		}
	}

	if !hasActive {
		target := RunStatusCompleted
		if hasFailed {
			target = RunStatusFailed
		}
		if err := transitionRunTo(ctx, store, run.ID, run.Status, target); err != nil && !errors.Is(err, ErrPreconditionFailed) {
			return StepResult{}, err
		}
		opts.fireTerminal(run.ID, target)
		return StepResult{Outcome: OutcomeNoRunnable, RunStatus: target}, nil
	}

	if err := TransitionRunToCurrent(ctx, store, run.ID, RunStatusRunning); err != nil && !errors.Is(err, ErrPreconditionFailed) {
		return StepResult{}, err
	}
	return StepResult{Outcome: OutcomeBlocked, RunStatus: RunStatusRunning}, nil
}

// executeClaimedNode runs the provider for a freshly claimed node and
// routes its outcome.
func executeClaimedNode(ctx context.Context, store Store, run WorkflowRun, snap runSnapshot, treeNode TreeNode, claimed RunNode, opts ExecutorOptions) (StepResult, error) {
	now := opts.now()

	predecessors, err := buildPredecessorInputs(snap, claimed)
	if err != nil {
		return StepResult{}, err
	}
	envelopes, manifest := AssembleContext(run.ID, claimed.NodeKey, predecessors, now)

	permissions := opts.BaseExecutionPermissions.Merge(treeNode.ExecutionPermissions)

	var events []ProviderEvent
	seq, err := store.NextStreamEventSequence(ctx, claimed.ID, claimed.Attempt)
	if err != nil {
		return StepResult{}, err
	}
	cumulativeTokens := 0
	onEvent := func(ev ProviderEvent) {
		events = append(events, ev)
		seq++
		sanitizedMeta, _ := SanitizeMetadataJSON(ev.Metadata)
		content, _ := redactString(ev.Content)

		delta := 0
		switch {
		case ev.IncrementalTokens != nil:
			delta = *ev.IncrementalTokens
			cumulativeTokens += delta
		case ev.CumulativeTokens != nil:
			delta = *ev.CumulativeTokens - cumulativeTokens
			if delta < 0 {
				delta = 0
			}
			cumulativeTokens = *ev.CumulativeTokens
		}

		if err := store.InsertStreamEvents(ctx, []RunNodeStreamEvent{{
			RunID:                 run.ID,
			RunNodeID:             claimed.ID,
			Attempt:               claimed.Attempt,
			Sequence:              seq,
			Type:                  ev.Type,
			Timestamp:             ev.Timestamp,
			ContentChars:          len([]rune(content)),
			ContentPreview:        headTailTruncate([]rune(content), eventContentPreviewCap),
			Metadata:              rawJSONToMap(sanitizedMeta),
			UsageDeltaTokens:      delta,
			UsageCumulativeTokens: cumulativeTokens,
		}}); err != nil {
			slog.Error("persist stream event failed", "run_id", run.ID, "run_node_id", claimed.ID, "attempt", claimed.Attempt, "error", err)
		}
	}

	spanCtx, endSpan := startAttemptSpanIfTraced(ctx, opts.Tracer, run.ID, claimed.ID, claimed.Attempt, claimed.NodeKey)

	var result PhaseResult
	provider, perr := opts.Resolver(treeNode.Provider)
	if perr != nil {
		result = PhaseResult{Err: perr}
	} else {
		result = provider.RunPhase(spanCtx, claimed.NodeKey, PhaseOptions{
			Context:              envelopes,
			ExecutionPermissions: permissions,
			Model:                treeNode.Model,
		}, onEvent)
	}
	endSpan(result.Err)

	outcome := "completed"
	if result.Err != nil {
		outcome = "failed"
	}
	opts.Metrics.ObserveAttempt(claimed.NodeKey, outcome, opts.now().Sub(now))

	if result.Err == nil {
		return finishSuccessfulAttempt(ctx, store, run, snap, claimed, treeNode, result, manifest, events, opts)
	}
	return finishFailedAttempt(ctx, store, run, snap, claimed, treeNode, result, manifest, events, opts)
}

func buildPredecessorInputs(snap runSnapshot, target RunNode) ([]PredecessorInput, error) {
	var out []PredecessorInput
	byTree := nodeByTreeNodeID(snap.latestNodes)
	incoming := snap.routing.IncomingEdgesByTarget[target.TreeNodeID]
	for _, e := range incoming {
		sel, ok := snap.routing.SelectedEdgeBySource[e.SourceNodeID]
		if !ok || sel != e.ID {
			continue
		}
		src, ok := byTree[e.SourceNodeID]
		if !ok || src.Status != RunNodeStatusCompleted {
			continue
		}
		artifact, hasArtifact := LatestReportArtifact(snap.artifacts, src.ID)
		out = append(out, PredecessorInput{
			SourceNodeKey:     src.NodeKey,
			SourceRunNodeID:   src.ID,
			SourceAttempt:     src.Attempt,
			HasReportArtifact: hasArtifact,
			Artifact:          artifact,
		})
	}
	return out, nil
}

func finishSuccessfulAttempt(ctx context.Context, store Store, run WorkflowRun, snap runSnapshot, claimed RunNode, treeNode TreeNode, result PhaseResult, manifest ContextManifest, events []ProviderEvent, opts ExecutorOptions) (StepResult, error) {
	now := opts.now()
	contentType := result.ReportContentType
	if contentType == "" {
		contentType = ContentTypeMarkdown
	}

	_, err := store.InsertArtifact(ctx, PhaseArtifact{
		RunID:        run.ID,
		RunNodeID:    claimed.ID,
		ArtifactType: ArtifactTypeReport,
		ContentType:  contentType,
		Content:      result.Report,
		Metadata: map[string]any{
			"tokensUsed":     result.TokensUsed,
			"eventCount":     len(events),
			"contextManifest": manifest,
		},
		CreatedAt: now,
	})
	if err != nil {
		return StepResult{}, err
	}

	if err := routeAfterSuccess(ctx, store, run, snap, claimed, result, now); err != nil {
		return StepResult{}, err
	}

	if err := ApplyRunNodeTransition(ctx, store, claimed, RunNodeStatusCompleted); err != nil {
		return StepResult{}, err
	}

	// The node is now durably completed. Any failure in the bookkeeping below
	// (diagnostics, pruning, run recompute) is a post_completion_failure: it
	// is recorded but never retried, since the node's own attempt already
	// succeeded.
	finalStatus, houseErr := recordCompletedNodeAndAdvanceRun(ctx, store, run, snap, claimed, events, now, opts)
	if houseErr != nil {
		recordPostCompletionFailure(ctx, store, run, claimed, events, houseErr, now)
		status, err := store.ReadRunStatus(ctx, run.ID)
		if err != nil {
			return StepResult{}, err
		}
		return StepResult{Outcome: OutcomeExecuted, RunStatus: status, RunNodeID: claimed.ID}, nil
	}

	opts.fireTerminal(run.ID, finalStatus)
	return StepResult{Outcome: OutcomeExecuted, RunStatus: finalStatus, RunNodeID: claimed.ID}, nil
}

// recordCompletedNodeAndAdvanceRun persists the "completed" diagnostics for
// claimed's attempt, prunes any pendings the completion just made
// unreachable, and recomputes the run's own status.
func recordCompletedNodeAndAdvanceRun(ctx context.Context, store Store, run WorkflowRun, snap runSnapshot, claimed RunNode, events []ProviderEvent, now time.Time, opts ExecutorOptions) (RunStatus, error) {
	diag, payloadChars := BuildAttemptDiagnostics(events, "completed", "", "")
	if err := store.InsertDiagnosticsIfAbsent(ctx, RunNodeDiagnostics{
		RunID:        run.ID,
		RunNodeID:    claimed.ID,
		Attempt:      claimed.Attempt,
		Outcome:      "completed",
		Counts:       diag.EventTypeCounts,
		Redacted:     diag.Redacted,
		Truncated:    diag.EventsTruncated,
		PayloadChars: payloadChars,
		Diagnostics:  diagnosticsToMap(diag),
		CreatedAt:    now,
	}); err != nil {
		return "", err
	}

	if err := pruneUnreachablePendings(ctx, store, run.ID, snap.treeID); err != nil {
		return "", err
	}

	return recomputeAndTransitionRun(ctx, store, run, opts, claimed.TreeNodeID)
}

// recordPostCompletionFailure persists a post_completion_failure diagnostics
// row for an attempt whose node transitioned to completed but whose
// post-success housekeeping then errored. It never retries the node and
// never fails the run on houseErr's account; any error persisting the
// diagnostics row itself is logged, not propagated, matching how background
// cleanup already handles its own failures.
func recordPostCompletionFailure(ctx context.Context, store Store, run WorkflowRun, claimed RunNode, events []ProviderEvent, houseErr error, now time.Time) {
	diag, payloadChars := BuildAttemptDiagnostics(events, "post_completion_failure", houseErr.Error(), "")
	if err := store.InsertDiagnosticsIfAbsent(ctx, RunNodeDiagnostics{
		RunID:        run.ID,
		RunNodeID:    claimed.ID,
		Attempt:      claimed.Attempt,
		Outcome:      "post_completion_failure",
		Counts:       diag.EventTypeCounts,
		Redacted:     diag.Redacted,
		Truncated:    diag.EventsTruncated,
		PayloadChars: payloadChars,
		Diagnostics:  diagnosticsToMap(diag),
		CreatedAt:    now,
	}); err != nil {
		slog.Error("post_completion_failure diagnostics insert failed", "run_id", run.ID, "run_node_id", claimed.ID, "error", err)
	}
	slog.Error("post-completion housekeeping failed; node stays completed without retry", "run_id", run.ID, "run_node_id", claimed.ID, "attempt", claimed.Attempt, "error", houseErr)
}

// routeAfterSuccess persists the routing decision (if any) and reactivates
// the selected edge's target.
func routeAfterSuccess(ctx context.Context, store Store, run WorkflowRun, snap runSnapshot, claimed RunNode, result PhaseResult, now time.Time) error {
	outgoing := EdgesFrom(snap.edges, claimed.TreeNodeID, RouteOnSuccess)
	var selected *TreeEdge
	for i := range outgoing {
		e := outgoing[i]
		if e.Auto {
			selected = &outgoing[i]
			break
		}
		if result.RoutingDecision == "" || e.GuardDefinitionID == 0 {
			continue
		}
		expr, ok := snap.guards(e.GuardDefinitionID)
		if !ok {
			continue
		}
		matched, err := EvalGuard(expr, map[string]any{"decision": string(result.RoutingDecision)})
		if err != nil || !matched {
			continue
		}
		selected = &outgoing[i]
		break
	}

	if result.RoutingDecision != "" {
		attempt := claimed.Attempt
		decision := result.RoutingDecision
		if selected == nil {
			decision = DecisionNoRoute
		}
		if _, err := store.InsertRoutingDecision(ctx, RoutingDecision{
			RunID:     run.ID,
			RunNodeID: claimed.ID,
			Decision:  decision,
			Rationale: result.RoutingRationale,
			Attempt:   &attempt,
			CreatedAt: now,
		}); err != nil {
			return err
		}
	}

	if selected == nil {
		return nil
	}

	byTree := nodeByTreeNodeID(snap.latestNodes)
	target, ok := byTree[selected.TargetNodeID]
	if !ok {
		return nil
	}
	switch target.Status {
	case RunNodeStatusSkipped, RunNodeStatusCompleted:
		return ApplyRunNodeTransition(ctx, store, target, RunNodeStatusPending)
	default:
		return nil
	}
}

func finishFailedAttempt(ctx context.Context, store Store, run WorkflowRun, snap runSnapshot, claimed RunNode, treeNode TreeNode, result PhaseResult, manifest ContextManifest, events []ProviderEvent, opts ExecutorOptions) (StepResult, error) {
	now := opts.now()
	errName, errMessage := classifyError(result.Err)

	retriesRemaining := treeNode.MaxRetries - claimed.Attempt
	_, err := store.InsertArtifact(ctx, PhaseArtifact{
		RunID:        run.ID,
		RunNodeID:    claimed.ID,
		ArtifactType: ArtifactTypeLog,
		ContentType:  ContentTypeText,
		Content:      errMessage,
		Metadata: map[string]any{
			"attempt":             claimed.Attempt,
			"maxRetries":          treeNode.MaxRetries,
			"retriesRemaining":    retriesRemaining,
			"errorName":           errName,
			"failureReason":       errMessage,
			"nodeStatusAtFailure": string(claimed.Status),
			"contextManifest":     manifest,
		},
		CreatedAt: now,
	})
	if err != nil {
		return StepResult{}, err
	}

	if err := ApplyRunNodeTransition(ctx, store, claimed, RunNodeStatusFailed); err != nil {
		return StepResult{}, err
	}
	claimed.Status = RunNodeStatusFailed

	eligible := claimed.Attempt <= treeNode.MaxRetries
	switch {
	case eligible && run.Status == RunStatusRunning:
		if err := ApplyRunNodeTransition(ctx, store, claimed, RunNodeStatusRunning); err != nil {
			return StepResult{}, err
		}
		opts.Metrics.IncrementRetry(claimed.NodeKey, "immediate")
		// The retry runs within this step, reassembling context for the new attempt.
		claimed.Status = RunNodeStatusRunning
		claimed.Attempt++
		return executeClaimedNode(ctx, store, run, snap, treeNode, claimed, opts)

	case eligible && run.Status == RunStatusPaused:
		if err := ApplyRunNodeTransition(ctx, store, claimed, RunNodeStatusPending); err != nil {
			return StepResult{}, err
		}
		opts.Metrics.IncrementRetry(claimed.NodeKey, "deferred")
		return StepResult{Outcome: OutcomeExecuted, RunStatus: run.Status, RunNodeID: claimed.ID}, nil

	default:
		diag, payloadChars := BuildAttemptDiagnostics(events, "failed", errMessage, result.ErrorStack)
		if err := store.InsertDiagnosticsIfAbsent(ctx, RunNodeDiagnostics{
			RunID:        run.ID,
			RunNodeID:    claimed.ID,
			Attempt:      claimed.Attempt,
			Outcome:      "failed",
			Counts:       diag.EventTypeCounts,
			Redacted:     diag.Redacted,
			Truncated:    diag.EventsTruncated,
			PayloadChars: payloadChars,
			Diagnostics:  diagnosticsToMap(diag),
			CreatedAt:    now,
		}); err != nil {
			return StepResult{}, err
		}
		if err := transitionRunTo(ctx, store, run.ID, run.Status, RunStatusFailed); err != nil && !errors.Is(err, ErrPreconditionFailed) {
			return StepResult{}, err
		}
		opts.fireTerminal(run.ID, RunStatusFailed)
		return StepResult{Outcome: OutcomeExecuted, RunStatus: RunStatusFailed, RunNodeID: claimed.ID}, nil
	}
}

func classifyError(err error) (name, message string) {
	if err == nil {
		return "", ""
	}
	var de *DomainError
	if errors.As(err, &de) {
		return string(de.Kind), de.Error()
	}
	return fmt.Sprintf("%T", err), err.Error()
}

// pruneUnreachablePendings repeatedly marks any pending node whose every
// incoming edge comes from a settled, non-selecting source as skipped,
// until a fixed point.
func pruneUnreachablePendings(ctx context.Context, store Store, runID, treeID int64) error {
	for iter := 0; iter < maxPruneIterations; iter++ {
		runNodes, err := store.ListRunNodes(ctx, runID)
		if err != nil {
			return err
		}
		edges, err := store.ListTreeEdges(ctx, treeID)
		if err != nil {
			return err
		}
		decisions, err := store.ListRoutingDecisionsByRun(ctx, runID)
		if err != nil {
			return err
		}
		artifacts, err := store.ListArtifactsByRun(ctx, runID)
		if err != nil {
			return err
		}
		guards, err := buildGuardLookup(ctx, store, edges)
		if err != nil {
			return err
		}

		latest := GetLatestRunNodeAttempts(runNodes)
		latestID := LoadLatestArtifactsByRunNodeID(artifacts)
		latestAt := latestArtifactCreatedAt(artifacts, latestID)
		proj := ComputeRouting(latest, edges, decisions, latestAt, guards)
		byTree := nodeByTreeNodeID(latest)

		changed := false
		for _, n := range latest {
			if n.Status != RunNodeStatusPending {
				continue
			}
			incoming := proj.IncomingEdgesByTarget[n.TreeNodeID]
			if len(incoming) == 0 {
				continue
			}
			if !allSourcesSettledAway(proj, byTree, incoming) {
				continue
			}
			if err := ApplyRunNodeTransition(ctx, store, n, RunNodeStatusSkipped); err != nil && !errors.Is(err, ErrPreconditionFailed) {
				return err
			}
			changed = true
		}
		if !changed {
			return nil
		}
	}
	return nil
}

func allSourcesSettledAway(proj RoutingProjection, byTree map[int64]RunNode, incoming []TreeEdge) bool {
	for _, e := range incoming {
		src, ok := byTree[e.SourceNodeID]
		if !ok {
			return false
		}
		switch src.Status {
		case RunNodeStatusSkipped, RunNodeStatusCancelled:
			continue
		case RunNodeStatusCompleted, RunNodeStatusFailed:
			if proj.UnresolvedSources[e.SourceNodeID] {
				return false
			}
			if sel, ok := proj.SelectedEdgeBySource[e.SourceNodeID]; ok && sel == e.ID {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func recomputeAndTransitionRun(ctx context.Context, store Store, run WorkflowRun, opts ExecutorOptions, justRoutedTreeNodeID int64) (RunStatus, error) {
	snap, err := loadRunSnapshot(ctx, store, run)
	if err != nil {
		return "", err
	}

	_, wasSelected := snap.routing.SelectedEdgeBySource[justRoutedTreeNodeID]
	switch {
	case snap.routing.NoRouteSources[justRoutedTreeNodeID]:
		opts.Metrics.ObserveRoutingOutcome(RoutingNoRoute)
	case snap.routing.UnresolvedSources[justRoutedTreeNodeID]:
		opts.Metrics.ObserveRoutingOutcome(RoutingUnresolved)
	case wasSelected:
		opts.Metrics.ObserveRoutingOutcome(RoutingSelected)
	}

	anyFailed, anyActive := false, false
	for _, n := range snap.latestNodes {
		switch n.Status {
		case RunNodeStatusFailed:
			anyFailed = true
		case RunNodeStatusPending, RunNodeStatusRunning:
			anyActive = true
		}
	}

	// A no_route (or still-unresolved) routing decision fails the run
	// outright, even if every node's own status reads completed: a
	// selected-nothing decision on the last completed node means the run
	// can never produce the rest of the tree.
	hasRoutingFailure := len(snap.routing.NoRouteSources) > 0 || len(snap.routing.UnresolvedSources) > 0

	target := RunStatusCompleted
	switch {
	case hasRoutingFailure, anyFailed:
		target = RunStatusFailed
	case anyActive:
		target = RunStatusRunning
	}

	current, err := store.ReadRunStatus(ctx, run.ID)
	if err != nil {
		return "", err
	}
	if current.IsTerminal() {
		return current, nil
	}
	if err := transitionRunTo(ctx, store, run.ID, current, target); err != nil {
		if errors.Is(err, ErrPreconditionFailed) {
			opts.Metrics.IncrementPreconditionFailure("workflow_run")
			return store.ReadRunStatus(ctx, run.ID)
		}
		return "", err
	}
	return target, nil
}

// ExecuteRun drives a run to completion one step at a time, stopping as
// soon as a non-executed outcome occurs or the run goes terminal.
func ExecuteRun(ctx context.Context, store Store, runID int64, opts ExecutorOptions, maxSteps int) (StepResult, error) {
	if maxSteps <= 0 {
		maxSteps = 1000
	}
	var last StepResult
	for i := 0; i < maxSteps; i++ {
		result, err := ExecuteNextRunnableNode(ctx, store, runID, opts)
		if err != nil {
			return StepResult{}, err
		}
		last = result
		if result.Outcome != OutcomeExecuted || result.RunStatus.IsTerminal() {
			return result, nil
		}
	}
	return failRunOnIterationLimit(ctx, store, runID, last, opts)
}

// failRunOnIterationLimit fails the run as a bailout when ExecuteRun hits
// maxSteps without the run settling.
func failRunOnIterationLimit(ctx context.Context, store Store, runID int64, last StepResult, opts ExecutorOptions) (StepResult, error) {
	now := opts.now()
	run, err := store.GetRun(ctx, runID)
	if err != nil {
		return StepResult{}, err
	}
	if run.Status.IsTerminal() {
		return StepResult{Outcome: OutcomeRunTerminal, RunStatus: run.Status}, nil
	}

	runNodes, err := store.ListRunNodes(ctx, runID)
	if err != nil {
		return StepResult{}, err
	}
	latest := GetLatestRunNodeAttempts(runNodes)

	var target *RunNode
	for i := range latest {
		if latest[i].ID == last.RunNodeID {
			target = &latest[i]
			break
		}
	}
	if target == nil {
		for i := range latest {
			if latest[i].Status == RunNodeStatusRunning {
				target = &latest[i]
				break
			}
		}
	}
	if target == nil && len(latest) > 0 {
		target = &latest[len(latest)-1]
	}

	if target != nil {
		_, err := store.InsertArtifact(ctx, PhaseArtifact{
			RunID:        runID,
			RunNodeID:    target.ID,
			ArtifactType: ArtifactTypeLog,
			ContentType:  ContentTypeText,
			Content:      "execution stopped: iteration limit exceeded",
			Metadata:     map[string]any{"errorName": "iteration_limit_exceeded"},
			CreatedAt:    now,
		})
		if err != nil {
			return StepResult{}, err
		}
		if target.Status == RunNodeStatusRunning {
			if err := ApplyRunNodeTransition(ctx, store, *target, RunNodeStatusFailed); err != nil && !errors.Is(err, ErrPreconditionFailed) {
				return StepResult{}, err
			}
		}
		diag, payloadChars := BuildAttemptDiagnostics(nil, "failed", "iteration limit exceeded", "")
		if err := store.InsertDiagnosticsIfAbsent(ctx, RunNodeDiagnostics{
			RunID:        runID,
			RunNodeID:    target.ID,
			Attempt:      target.Attempt,
			Outcome:      "failed",
			Counts:       diag.EventTypeCounts,
			Redacted:     diag.Redacted,
			Truncated:    diag.EventsTruncated,
			PayloadChars: payloadChars,
			Diagnostics:  diagnosticsToMap(diag),
			CreatedAt:    now,
		}); err != nil {
			return StepResult{}, err
		}
	}

	if err := transitionRunTo(ctx, store, runID, run.Status, RunStatusFailed); err != nil && !errors.Is(err, ErrPreconditionFailed) {
		return StepResult{}, err
	}
	opts.fireTerminal(runID, RunStatusFailed)
	return StepResult{Outcome: OutcomeRunTerminal, RunStatus: RunStatusFailed}, nil
}

// diagnosticsToMap round-trips AttemptDiagnostics through JSON into a
// map[string]any for Store.InsertDiagnosticsIfAbsent, which persists
// diagnostics as opaque JSON.
func diagnosticsToMap(diag AttemptDiagnostics) map[string]any {
	b, err := json.Marshal(diag)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return out
}

// rawJSONToMap decodes sanitized metadata JSON into a map for
// RunNodeStreamEvent.Metadata; invalid or empty input yields nil.
func rawJSONToMap(raw []byte) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
