package workflow

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// redactKeyPattern matches metadata/event keys whose values must be
// replaced outright.
var redactKeyPattern = regexp.MustCompile(`(?i)token|secret|password|authorization|auth|api[_-]?key|session|cookie|credential`)

// secretShapePatterns matches whole-string values that look like a bearer
// token or provider API key even under an innocuous key name: strings
// matching a known secret shape are replaced wholesale.
var secretShapePatterns = []*regexp.Regexp{
	regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{36,}`),            // GitHub PAT / OAuth / user-to-server tokens
	regexp.MustCompile(`github_pat_[A-Za-z0-9_]{22,}`),          // GitHub fine-grained PAT
	regexp.MustCompile(`sk-ant-[A-Za-z0-9\-_]{20,}`),            // Anthropic API key
	regexp.MustCompile(`sk-(proj-)?[A-Za-z0-9]{20,}`),           // OpenAI API key
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-_.]{10,}`),     // Authorization: Bearer <token>
}

const (
	maxMetadataDepth        = 6
	maxMetadataArrayEntries = 24
)

// redactString returns "[REDACTED]" and true if s matches one of the known
// secret shapes; otherwise it returns s unchanged and false.
func redactString(s string) (string, bool) {
	for _, p := range secretShapePatterns {
		if p.MatchString(s) {
			return "[REDACTED]", true
		}
	}
	return s, false
}

// SanitizeMetadataJSON walks raw JSON metadata, replacing values under
// sensitive keys and values matching known secret shapes with
// "[REDACTED]", capping recursion depth at maxMetadataDepth and array
// length at maxMetadataArrayEntries. It returns the
// sanitized JSON and whether any redaction fired. Uses gjson for
// defensive, panic-free parsing of attacker/provider-controlled JSON and
// sjson to rewrite values in place without re-marshaling the whole tree by
// hand (see DESIGN.md for why these were promoted to direct dependencies).
func SanitizeMetadataJSON(raw []byte) ([]byte, bool) {
	if len(raw) == 0 || !gjson.ValidBytes(raw) {
		return raw, false
	}
	root := gjson.ParseBytes(raw)
	out := append([]byte(nil), raw...)
	redacted := false
	walkSanitize(root, "", 0, &out, &redacted)
	return out, redacted
}

func walkSanitize(value gjson.Result, path string, depth int, out *[]byte, redacted *bool) {
	if depth > maxMetadataDepth {
		if path != "" {
			if updated, err := sjson.SetBytes(*out, path, "[DEPTH_LIMIT_EXCEEDED]"); err == nil {
				*out = updated
			}
		}
		return
	}

	switch {
	case value.IsObject():
		value.ForEach(func(key, v gjson.Result) bool {
			k := key.String()
			childPath := joinPath(path, k)
			if redactKeyPattern.MatchString(k) {
				if updated, err := sjson.SetBytes(*out, childPath, "[REDACTED]"); err == nil {
					*out = updated
				}
				*redacted = true
				return true
			}
			walkSanitize(v, childPath, depth+1, out, redacted)
			return true
		})

	case value.IsArray():
		items := value.Array()
		n := len(items)
		if n > maxMetadataArrayEntries {
			var rawItems []string
			for _, it := range items[:maxMetadataArrayEntries] {
				rawItems = append(rawItems, it.Raw)
			}
			newArr := "[" + strings.Join(rawItems, ",") + "]"
			if updated, err := sjson.SetRawBytes(*out, path, []byte(newArr)); err == nil {
				*out = updated
			}
			items = items[:maxMetadataArrayEntries]
		}
		for i, item := range items {
			childPath := fmt.Sprintf("%d", i)
			if path != "" {
				childPath = path + "." + childPath
			}
			walkSanitize(item, childPath, depth+1, out, redacted)
		}

	case value.Type == gjson.String:
		if _, isSecret := redactString(value.String()); isSecret {
			if updated, err := sjson.SetBytes(*out, path, "[REDACTED]"); err == nil {
				*out = updated
			}
			*redacted = true
		}
	}
}

func joinPath(path, key string) string {
	key = strings.ReplaceAll(key, ".", "\\.")
	if path == "" {
		return key
	}
	return path + "." + key
}
