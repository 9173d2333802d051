package workflow_test

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/hansjm10/alphred-sub002/workflow"
)

func TestAssembleContextSingleSmallArtifact(t *testing.T) {
	now := time.Now()
	pred := workflow.PredecessorInput{
		SourceNodeKey:     "plan",
		SourceRunNodeID:   1,
		SourceAttempt:     1,
		HasReportArtifact: true,
		Artifact:          workflow.PhaseArtifact{ID: 7, Content: "hello world", ContentType: workflow.ContentTypeMarkdown, CreatedAt: now},
	}

	envelopes, manifest := workflow.AssembleContext(42, "build", []workflow.PredecessorInput{pred}, now)

	if len(envelopes) != 1 {
		t.Fatalf("expected 1 envelope, got %d", len(envelopes))
	}
	if !strings.HasPrefix(envelopes[0], "ALPHRED_UPSTREAM_ARTIFACT v1\n") {
		t.Fatalf("envelope missing fixed header: %q", envelopes[0])
	}
	if !strings.Contains(envelopes[0], "hello world") {
		t.Fatalf("envelope missing body content: %q", envelopes[0])
	}
	if manifest.IncludedCount != 1 || manifest.IncludedCharsTotal != len("hello world") {
		t.Fatalf("unexpected manifest: %+v", manifest)
	}
	if manifest.MissingUpstreamArtifacts {
		t.Fatal("expected MissingUpstreamArtifacts false when an artifact was included")
	}
}

func TestAssembleContextNoReportArtifacts(t *testing.T) {
	now := time.Now()
	pred := workflow.PredecessorInput{SourceNodeKey: "plan", HasReportArtifact: false}

	envelopes, manifest := workflow.AssembleContext(1, "build", []workflow.PredecessorInput{pred}, now)
	if len(envelopes) != 0 {
		t.Fatalf("expected no envelopes, got %d", len(envelopes))
	}
	if !manifest.NoEligibleArtifactTypes {
		t.Fatal("expected NoEligibleArtifactTypes true")
	}
	if !manifest.MissingUpstreamArtifacts {
		t.Fatal("expected MissingUpstreamArtifacts true")
	}
}

func TestAssembleContextCapsAtFourArtifacts(t *testing.T) {
	now := time.Now()
	var preds []workflow.PredecessorInput
	for i := int64(1); i <= 6; i++ {
		preds = append(preds, workflow.PredecessorInput{
			SourceNodeKey:     "n",
			HasReportArtifact: true,
			Artifact:          workflow.PhaseArtifact{ID: i, Content: "x", ContentType: workflow.ContentTypeText, CreatedAt: now},
		})
	}

	envelopes, manifest := workflow.AssembleContext(1, "build", preds, now)
	if len(envelopes) != 4 {
		t.Fatalf("expected 4 envelopes (cap), got %d", len(envelopes))
	}
	if manifest.IncludedCount != 4 {
		t.Fatalf("IncludedCount = %d, want 4", manifest.IncludedCount)
	}
	if !manifest.BudgetOverflow {
		t.Fatal("expected BudgetOverflow true once the 4-artifact cap is exceeded")
	}
	if len(manifest.DroppedArtifactIDs) != 2 {
		t.Fatalf("expected 2 dropped artifact ids, got %v", manifest.DroppedArtifactIDs)
	}
}

func TestAssembleContextTruncatesOversizedArtifact(t *testing.T) {
	now := time.Now()
	big := strings.Repeat("a", 13000)
	pred := workflow.PredecessorInput{
		SourceNodeKey:     "plan",
		HasReportArtifact: true,
		Artifact:          workflow.PhaseArtifact{ID: 1, Content: big, ContentType: workflow.ContentTypeText, CreatedAt: now},
	}

	envelopes, manifest := workflow.AssembleContext(1, "build", []workflow.PredecessorInput{pred}, now)
	if len(manifest.TruncatedArtifactIDs) != 1 {
		t.Fatalf("expected artifact 1 marked truncated, got %+v", manifest)
	}
	if !strings.Contains(envelopes[0], "applied: true") {
		t.Fatalf("expected truncation.applied true in envelope: %q", envelopes[0])
	}
	if manifest.IncludedCharsTotal != 12000 {
		t.Fatalf("IncludedCharsTotal = %d, want 12000", manifest.IncludedCharsTotal)
	}
}

// S6: a 20,000-char predecessor artifact is truncated head/tail down to the
// 12,000-char per-artifact cap, and the envelope's sha256 still covers the
// full original content rather than the truncated body.
func TestAssembleContextTruncationEnvelopeMatchesOriginalHash(t *testing.T) {
	now := time.Now()
	original := strings.Repeat("a", 20000)
	sum := sha256.Sum256([]byte(original))
	wantHash := hex.EncodeToString(sum[:])

	pred := workflow.PredecessorInput{
		SourceNodeKey:     "plan",
		HasReportArtifact: true,
		Artifact:          workflow.PhaseArtifact{ID: 9, Content: original, ContentType: workflow.ContentTypeText, CreatedAt: now},
	}

	envelopes, manifest := workflow.AssembleContext(1, "build", []workflow.PredecessorInput{pred}, now)
	if len(envelopes) != 1 {
		t.Fatalf("expected 1 envelope, got %d", len(envelopes))
	}
	envelope := envelopes[0]

	if !strings.Contains(envelope, "applied: true") {
		t.Fatalf("expected truncation.applied true in envelope: %q", envelope)
	}
	if !strings.Contains(envelope, "method: head_tail") {
		t.Fatalf("expected truncation.method head_tail in envelope: %q", envelope)
	}
	if !strings.Contains(envelope, "original_chars: 20000") {
		t.Fatalf("expected original_chars 20000 in envelope: %q", envelope)
	}
	if !strings.Contains(envelope, "included_chars: 12000") {
		t.Fatalf("expected included_chars 12000 in envelope: %q", envelope)
	}
	if !strings.Contains(envelope, "dropped_chars: 8000") {
		t.Fatalf("expected dropped_chars 8000 in envelope: %q", envelope)
	}
	if !strings.Contains(envelope, wantHash) {
		t.Fatalf("envelope sha256 does not match the original content's hash: %q", envelope)
	}

	if manifest.IncludedCharsTotal != 12000 {
		t.Fatalf("IncludedCharsTotal = %d, want 12000", manifest.IncludedCharsTotal)
	}
	found := false
	for _, id := range manifest.TruncatedArtifactIDs {
		if id == 9 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected artifact id 9 in TruncatedArtifactIDs, got %v", manifest.TruncatedArtifactIDs)
	}
}
