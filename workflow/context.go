package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ContextPolicyVersion is the fixed format version stamped on every envelope
// and manifest.
const ContextPolicyVersion = 1

const (
	perArtifactCharCap  = 12000
	globalCharCap       = 32000
	minRemainingForPartial = 1000
	maxIncludedArtifacts   = 4
)

// PredecessorInput is one direct predecessor of the node about to execute,
// as resolved by the caller from SelectedEdgeBySource. If the predecessor
// produced no "report" artifact, Artifact is the zero value and
// HasReportArtifact is false.
type PredecessorInput struct {
	SourceNodeKey     string
	SourceRunNodeID   int64
	SourceAttempt     int
	HasReportArtifact bool
	Artifact          PhaseArtifact
}

// ContextManifest is the per-attempt structured record of what was included
// in context.
type ContextManifest struct {
	ContextPolicyVersion       int       `json:"context_policy_version"`
	IncludedArtifactIDs        []int64   `json:"included_artifact_ids"`
	IncludedSourceNodeKeys     []string  `json:"included_source_node_keys"`
	IncludedSourceRunNodeIDs   []int64   `json:"included_source_run_node_ids"`
	IncludedCount              int       `json:"included_count"`
	IncludedCharsTotal         int       `json:"included_chars_total"`
	TruncatedArtifactIDs       []int64   `json:"truncated_artifact_ids"`
	MissingUpstreamArtifacts   bool      `json:"missing_upstream_artifacts"`
	AssemblyTimestamp          time.Time `json:"assembly_timestamp"`
	NoEligibleArtifactTypes    bool      `json:"no_eligible_artifact_types"`
	BudgetOverflow             bool      `json:"budget_overflow"`
	DroppedArtifactIDs         []int64   `json:"dropped_artifact_ids"`
}

// AssembleContext builds the fixed-format artifact envelopes and
// accompanying manifest for one attempt. Predecessors are processed in the
// order given (source order); callers should pass them in the order
// IncomingEdgesByTarget/SelectedEdgeBySource yields.
func AssembleContext(workflowRunID int64, targetNodeKey string, predecessors []PredecessorInput, now time.Time) ([]string, ContextManifest) {
	manifest := ContextManifest{
		ContextPolicyVersion: ContextPolicyVersion,
		AssemblyTimestamp:    now,
	}

	var candidates []PredecessorInput
	anyNonReport := false
	for _, p := range predecessors {
		if p.HasReportArtifact {
			candidates = append(candidates, p)
		} else {
			anyNonReport = true
		}
	}
	manifest.NoEligibleArtifactTypes = anyNonReport && len(candidates) == 0

	envelopes := make([]string, 0, len(candidates))
	remaining := globalCharCap

	for _, c := range candidates {
		if manifest.IncludedCount >= maxIncludedArtifacts {
			manifest.BudgetOverflow = true
			manifest.DroppedArtifactIDs = append(manifest.DroppedArtifactIDs, c.Artifact.ID)
			continue
		}
		if remaining < minRemainingForPartial {
			manifest.BudgetOverflow = true
			manifest.DroppedArtifactIDs = append(manifest.DroppedArtifactIDs, c.Artifact.ID)
			continue
		}

		cap := perArtifactCharCap
		if remaining < cap {
			cap = remaining
		}

		content := c.Artifact.Content
		original := []rune(content)
		var body string
		var truncated bool
		var includedChars, droppedChars int
		if len(original) <= cap {
			body = content
			includedChars = len(original)
		} else {
			body = headTailTruncate(original, cap)
			includedChars = cap
			droppedChars = len(original) - cap
			truncated = true
			manifest.TruncatedArtifactIDs = append(manifest.TruncatedArtifactIDs, c.Artifact.ID)
		}

		sum := sha256.Sum256([]byte(content))
		env := buildEnvelope(envelopeParams{
			WorkflowRunID:   workflowRunID,
			TargetNodeKey:   targetNodeKey,
			SourceNodeKey:   c.SourceNodeKey,
			SourceRunNodeID: c.SourceRunNodeID,
			SourceAttempt:   c.SourceAttempt,
			ArtifactID:      c.Artifact.ID,
			ContentType:     c.Artifact.ContentType,
			CreatedAt:       c.Artifact.CreatedAt,
			SHA256Hex:       hex.EncodeToString(sum[:]),
			Body:            body,
			Truncated:       truncated,
			OriginalChars:   len(original),
			IncludedChars:   includedChars,
			DroppedChars:    droppedChars,
		})
		envelopes = append(envelopes, env)

		manifest.IncludedArtifactIDs = append(manifest.IncludedArtifactIDs, c.Artifact.ID)
		manifest.IncludedSourceNodeKeys = append(manifest.IncludedSourceNodeKeys, c.SourceNodeKey)
		manifest.IncludedSourceRunNodeIDs = append(manifest.IncludedSourceRunNodeIDs, c.SourceRunNodeID)
		manifest.IncludedCount++
		manifest.IncludedCharsTotal += includedChars
		remaining -= includedChars
	}

	manifest.MissingUpstreamArtifacts = manifest.IncludedCount == 0
	return envelopes, manifest
}

// headTailTruncate keeps floor(limit/2) runes from the start and the
// remaining limit-headChars runes from the end.
func headTailTruncate(content []rune, limit int) string {
	if limit <= 0 {
		return ""
	}
	if len(content) <= limit {
		return string(content)
	}
	headChars := limit / 2
	tailChars := limit - headChars
	head := content[:headChars]
	tail := content[len(content)-tailChars:]
	return string(head) + string(tail)
}

type envelopeParams struct {
	WorkflowRunID   int64
	TargetNodeKey   string
	SourceNodeKey   string
	SourceRunNodeID int64
	SourceAttempt   int
	ArtifactID      int64
	ContentType     ContentType
	CreatedAt       time.Time
	SHA256Hex       string
	Body            string
	Truncated       bool
	OriginalChars   int
	IncludedChars   int
	DroppedChars    int
}

// buildEnvelope renders the fixed-format ALPHRED_UPSTREAM_ARTIFACT envelope.
// Field order is fixed for readability; parsing must not depend on it.
func buildEnvelope(p envelopeParams) string {
	method := "none"
	if p.Truncated {
		method = "head_tail"
	}

	var b strings.Builder
	b.WriteString("ALPHRED_UPSTREAM_ARTIFACT v1\n")
	b.WriteString("policy_version: " + strconv.Itoa(ContextPolicyVersion) + "\n")
	b.WriteString("untrusted_data: true\n")
	b.WriteString("workflow_run_id: " + strconv.FormatInt(p.WorkflowRunID, 10) + "\n")
	b.WriteString("target_node_key: " + p.TargetNodeKey + "\n")
	b.WriteString("source_node_key: " + p.SourceNodeKey + "\n")
	b.WriteString("source_run_node_id: " + strconv.FormatInt(p.SourceRunNodeID, 10) + "\n")
	b.WriteString("source_attempt: " + strconv.Itoa(p.SourceAttempt) + "\n")
	b.WriteString("artifact_id: " + strconv.FormatInt(p.ArtifactID, 10) + "\n")
	b.WriteString("artifact_type: report\n")
	b.WriteString("content_type: " + string(p.ContentType) + "\n")
	b.WriteString("created_at: " + p.CreatedAt.UTC().Format(time.RFC3339) + "\n")
	b.WriteString("sha256: " + p.SHA256Hex + "\n")
	b.WriteString("truncation:\n")
	b.WriteString(fmt.Sprintf("  applied: %t\n", p.Truncated))
	b.WriteString("  method: " + method + "\n")
	b.WriteString(fmt.Sprintf("  original_chars: %d\n", p.OriginalChars))
	b.WriteString(fmt.Sprintf("  included_chars: %d\n", p.IncludedChars))
	b.WriteString(fmt.Sprintf("  dropped_chars: %d\n", p.DroppedChars))
	b.WriteString("content:\n")
	b.WriteString("<<<BEGIN>>>\n")
	b.WriteString(p.Body)
	b.WriteString("\n<<<END>>>")
	return b.String()
}
