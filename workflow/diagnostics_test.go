package workflow_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/hansjm10/alphred-sub002/workflow"
)

func TestBuildAttemptDiagnosticsCountsEventTypes(t *testing.T) {
	events := []workflow.ProviderEvent{
		{Type: "message", Timestamp: time.Now(), Content: "hi"},
		{Type: "message", Timestamp: time.Now(), Content: "there"},
		{Type: "tool_use", Timestamp: time.Now(), ToolName: "grep", ToolSummary: "search repo"},
	}
	diag, _ := workflow.BuildAttemptDiagnostics(events, "completed", "", "")

	if diag.EventTypeCounts["message"] != 2 {
		t.Fatalf("message count = %d, want 2", diag.EventTypeCounts["message"])
	}
	if diag.EventTypeCounts["tool_use"] != 1 {
		t.Fatalf("tool_use count = %d, want 1", diag.EventTypeCounts["tool_use"])
	}
	if len(diag.Events) != 3 {
		t.Fatalf("retained events = %d, want 3", len(diag.Events))
	}
	if diag.SchemaVersion != workflow.DiagnosticsSchemaVersion {
		t.Fatalf("SchemaVersion = %d, want %d", diag.SchemaVersion, workflow.DiagnosticsSchemaVersion)
	}
}

func TestBuildAttemptDiagnosticsAggregatesToolEventsByName(t *testing.T) {
	events := []workflow.ProviderEvent{
		{Type: "tool_use", ToolName: "grep", ToolSummary: "first"},
		{Type: "tool_result", ToolName: "grep", ToolSummary: "second"},
		{Type: "tool_use", ToolName: "edit", ToolSummary: "third"},
	}
	diag, _ := workflow.BuildAttemptDiagnostics(events, "completed", "", "")

	if len(diag.ToolEvents) != 2 {
		t.Fatalf("tool events = %d, want 2 distinct names", len(diag.ToolEvents))
	}
	byName := map[string]workflow.ToolEventSummary{}
	for _, te := range diag.ToolEvents {
		byName[te.Name] = te
	}
	if byName["grep"].Count != 2 {
		t.Fatalf("grep count = %d, want 2", byName["grep"].Count)
	}
	if byName["edit"].Count != 1 {
		t.Fatalf("edit count = %d, want 1", byName["edit"].Count)
	}
}

func TestBuildAttemptDiagnosticsRedactsSecretShapedContent(t *testing.T) {
	events := []workflow.ProviderEvent{
		{Type: "message", Content: "here is sk-ant-" + strings.Repeat("a", 24) + " for you"},
	}
	diag, _ := workflow.BuildAttemptDiagnostics(events, "completed", "", "")
	if !diag.Redacted {
		t.Fatal("expected Redacted true when event content contains a secret-shaped string")
	}
	if strings.Contains(diag.Events[0].ContentPreview, "sk-ant-") {
		t.Fatalf("expected preview to not contain the raw secret: %q", diag.Events[0].ContentPreview)
	}
}

func TestBuildAttemptDiagnosticsRedactsFinalErrorMessage(t *testing.T) {
	diag, _ := workflow.BuildAttemptDiagnostics(nil, "failed", "token sk-proj-aaaaaaaaaaaaaaaaaaaaaaa leaked", "")
	if !diag.Redacted {
		t.Fatal("expected Redacted true for a secret-shaped final error message")
	}
	if diag.ErrorMessage != "[REDACTED]" {
		t.Fatalf("ErrorMessage = %q, want [REDACTED]", diag.ErrorMessage)
	}
}

func TestBuildAttemptDiagnosticsCapsRetainedEventsAt120(t *testing.T) {
	events := make([]workflow.ProviderEvent, 200)
	for i := range events {
		events[i] = workflow.ProviderEvent{Type: "message", Content: "x"}
	}
	diag, _ := workflow.BuildAttemptDiagnostics(events, "completed", "", "")
	if len(diag.Events) != 120 {
		t.Fatalf("retained events = %d, want 120", len(diag.Events))
	}
	if diag.EventTypeCounts["message"] != 200 {
		t.Fatalf("EventTypeCounts should still count all 200 events, got %d", diag.EventTypeCounts["message"])
	}
	if diag.Events[119].EventIndex != 119 {
		t.Fatalf("last retained event index = %d, want 119 (pre-truncation position)", diag.Events[119].EventIndex)
	}
}

func TestShrinkToFitDropsTailEventsThenErrorStack(t *testing.T) {
	events := make([]workflow.ProviderEvent, 120)
	for i := range events {
		events[i] = workflow.ProviderEvent{Type: "message", Content: strings.Repeat("x", 600)}
	}
	diag, payloadChars := workflow.BuildAttemptDiagnostics(events, "failed", "boom", strings.Repeat("trace line\n", 400))

	if payloadChars > 48000 {
		t.Fatalf("payloadChars = %d, want <= 48000", payloadChars)
	}
	if !diag.EventsTruncated {
		t.Fatal("expected EventsTruncated true once the payload needed shrinking")
	}
	if len(diag.Events) >= 120 {
		t.Fatalf("expected some tail events dropped, got %d remaining", len(diag.Events))
	}

	b, err := json.Marshal(diag)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if len([]rune(string(b))) != payloadChars {
		t.Fatalf("reported payloadChars does not match actual serialized size")
	}
}
