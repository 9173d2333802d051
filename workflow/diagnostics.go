package workflow

import (
	"encoding/json"
	"fmt"
	"time"
)

// DiagnosticsSchemaVersion is the fixed schema version for the attempt
// diagnostics payload.
const DiagnosticsSchemaVersion = 1

const (
	maxRetainedEvents       = 120
	maxDiagnosticsJSONChars = 48000
	eventContentPreviewCap  = 600
	metadataJSONPreviewCap  = 2000
	stackPreviewCap         = 1600
)

// ProviderEvent is the shape of one streamed event from resolveProvider's
// runPhase callback. The core only consumes this shape; it never
// constructs a concrete provider client.
type ProviderEvent struct {
	Type      string
	Timestamp time.Time
	Content   string
	Metadata  json.RawMessage

	// IncrementalTokens, when non-nil, is an additive token delta to apply
	// to the running cumulative total.
	IncrementalTokens *int

	// CumulativeTokens, when non-nil, overwrites the running cumulative
	// total; DeltaTokens is then max(new-prev, 0).
	CumulativeTokens *int

	// ToolName/ToolSummary are populated for tool_use/tool_result events.
	ToolName    string
	ToolSummary string

	// ErrorMessage/ErrorStack are populated for error-type events.
	ErrorMessage string
	ErrorStack   string
}

// DiagnosticEvent is one retained, sanitized event in the diagnostics
// payload. EventIndex is the position of the source event in the full,
// pre-truncation stream and survives later tail-dropping for size.
type DiagnosticEvent struct {
	EventIndex       int             `json:"eventIndex"`
	Type             string          `json:"type"`
	Timestamp        time.Time       `json:"timestamp"`
	ContentPreview   string          `json:"contentPreview,omitempty"`
	ContentChars     int             `json:"contentChars"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
	DeltaTokens      int             `json:"deltaTokens,omitempty"`
	CumulativeTokens int             `json:"cumulativeTokens,omitempty"`
}

// ToolEventSummary aggregates tool_use/tool_result events by tool name.
type ToolEventSummary struct {
	Name    string `json:"name"`
	Summary string `json:"summary,omitempty"`
	Count   int    `json:"count"`
}

// AttemptDiagnostics is the diagnostics payload persisted once per attempt
// (schema version 1).
type AttemptDiagnostics struct {
	SchemaVersion     int                `json:"schemaVersion"`
	Outcome           string             `json:"outcome"`
	EventTypeCounts   map[string]int     `json:"eventTypeCounts"`
	Events            []DiagnosticEvent  `json:"events"`
	ToolEvents        []ToolEventSummary `json:"toolEvents,omitempty"`
	ErrorMessage      string             `json:"errorMessage,omitempty"`
	ErrorStackPreview string             `json:"errorStackPreview,omitempty"`
	Redacted          bool               `json:"redacted"`
	EventsTruncated   bool               `json:"eventsTruncated"`
}

// BuildAttemptDiagnostics assembles the diagnostics payload for one attempt
// from its full provider event stream. It returns the payload (its Redacted
// and EventsTruncated fields record whether anything was redacted and
// whether events were dropped to fit the 48,000-char cap) and the final
// serialized size in chars.
func BuildAttemptDiagnostics(events []ProviderEvent, outcome string, finalErrorMessage, finalErrorStack string) (AttemptDiagnostics, int) {
	diag := AttemptDiagnostics{
		SchemaVersion:   DiagnosticsSchemaVersion,
		Outcome:         outcome,
		EventTypeCounts: make(map[string]int),
	}

	toolCounts := make(map[string]*ToolEventSummary)
	var toolOrder []string

	cumulativeTokens := 0
	for i, ev := range events {
		diag.EventTypeCounts[ev.Type]++

		sanitizedMeta, redactedMeta := SanitizeMetadataJSON(ev.Metadata)
		if redactedMeta {
			diag.Redacted = true
		}
		sanitizedMeta = capMetadataPreview(sanitizedMeta)

		content, redactedContent := redactString(ev.Content)
		if redactedContent {
			diag.Redacted = true
		}
		preview := headTailTruncate([]rune(content), eventContentPreviewCap)

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

		if len(diag.Events) < maxRetainedEvents {
			diag.Events = append(diag.Events, DiagnosticEvent{
				EventIndex:       i,
				Type:             ev.Type,
				Timestamp:        ev.Timestamp,
				ContentPreview:   preview,
				ContentChars:     len([]rune(content)),
				Metadata:         sanitizedMeta,
				DeltaTokens:      delta,
				CumulativeTokens: cumulativeTokens,
			})
		}

		if ev.Type == "tool_use" || ev.Type == "tool_result" {
			name := ev.ToolName
			if name == "" {
				name = "unknown"
			}
			summary, redactedSummary := redactString(ev.ToolSummary)
			if redactedSummary {
				diag.Redacted = true
			}
			entry, ok := toolCounts[name]
			if !ok {
				entry = &ToolEventSummary{Name: name, Summary: summary}
				toolCounts[name] = entry
				toolOrder = append(toolOrder, name)
			}
			entry.Count++
		}
	}

	for _, name := range toolOrder {
		diag.ToolEvents = append(diag.ToolEvents, *toolCounts[name])
	}

	if finalErrorMessage != "" {
		msg, redactedMsg := redactString(finalErrorMessage)
		diag.ErrorMessage = msg
		if redactedMsg {
			diag.Redacted = true
		}
	}
	if finalErrorStack != "" {
		stack, redactedStack := redactString(finalErrorStack)
		if redactedStack {
			diag.Redacted = true
		}
		diag.ErrorStackPreview = headTailTruncate([]rune(stack), stackPreviewCap)
	}

	payloadChars := shrinkToFit(&diag)
	return diag, payloadChars
}

// shrinkToFit drops tail events one at a time (marking EventsTruncated),
// then drops the error stack preview, until the serialized payload fits
// maxDiagnosticsJSONChars. Returns the final serialized size in chars.
func shrinkToFit(diag *AttemptDiagnostics) int {
	size := serializedChars(diag)
	for size > maxDiagnosticsJSONChars && len(diag.Events) > 0 {
		diag.Events = diag.Events[:len(diag.Events)-1]
		diag.EventsTruncated = true
		size = serializedChars(diag)
	}
	if size > maxDiagnosticsJSONChars && diag.ErrorStackPreview != "" {
		diag.ErrorStackPreview = ""
		size = serializedChars(diag)
	}
	return size
}

func serializedChars(diag *AttemptDiagnostics) int {
	b, err := json.Marshal(diag)
	if err != nil {
		return 0
	}
	return len([]rune(string(b)))
}

// capMetadataPreview caps serialized metadata at metadataJSONPreviewCap
// chars, replacing overflow with a small descriptor object.
func capMetadataPreview(meta json.RawMessage) json.RawMessage {
	if len(meta) == 0 {
		return meta
	}
	runes := []rune(string(meta))
	if len(runes) <= metadataJSONPreviewCap {
		return meta
	}
	preview := string(runes[:metadataJSONPreviewCap])
	replacement := fmt.Sprintf(`{"truncated":true,"originalChars":%d,"preview":%q}`, len(runes), preview)
	return json.RawMessage(replacement)
}
