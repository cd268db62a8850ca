package transcript

import (
	"encoding/json"
	"strings"

	"github.com/MikeSquared-Agency/chorus/internal/event"
)

// strategy pulls display text out of one known record shape. It returns ""
// when the shape does not match; it never panics on unexpected types.
type strategy struct {
	name string
	fn   func(rec map[string]any) string
}

// strategies is the extraction chain, tried in order. The first non-blank
// result wins.
var strategies = []strategy{
	{"content_array", contentArray},
	{"content_string", contentString},
	{"text", textField},
	{"output", outputField},
	{"input_text", inputText},
	{"arguments", argumentsField},
	{"response", responseField},
	{"items", itemsField},
}

// textualTypes are the content-entry discriminants that carry display text.
var textualTypes = map[string]bool{
	"text":        true,
	"input_text":  true,
	"output_text": true,
}

// Extract returns the normalized display text of a record of unknown shape,
// or "" when no strategy matches.
func Extract(rec map[string]any) string {
	return Normalize(extractRaw(rec))
}

// ExtractEvent applies the extraction chain to the event's wire record, then
// to its payload.
func ExtractEvent(e event.Event) string {
	if s := Extract(e.Raw); s != "" {
		return s
	}
	return Extract(e.Data)
}

// extractRaw is Extract without normalization, for token fragments whose
// leading and trailing spaces are significant.
func extractRaw(rec map[string]any) string {
	if rec == nil {
		return ""
	}
	for _, s := range strategies {
		if out := s.fn(rec); strings.TrimSpace(out) != "" {
			return out
		}
	}
	return ""
}

func contentArray(rec map[string]any) string {
	entries, ok := rec["content"].([]any)
	if !ok {
		return ""
	}
	return joinTextual(entries)
}

func contentString(rec map[string]any) string {
	s, _ := rec["content"].(string)
	return s
}

func textField(rec map[string]any) string {
	s, _ := rec["text"].(string)
	return s
}

func outputField(rec map[string]any) string {
	if s, ok := rec["output"].(string); ok && s != "" {
		return s
	}
	return joinStrings(rec["output_text"])
}

func inputText(rec map[string]any) string {
	return joinStrings(rec["input_text"])
}

func argumentsField(rec map[string]any) string {
	switch v := rec["arguments"].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

func responseField(rec map[string]any) string {
	resp, ok := rec["response"].(map[string]any)
	if !ok {
		return ""
	}
	if s := joinStrings(resp["output_text"]); s != "" {
		return s
	}
	s, _ := resp["text"].(string)
	return s
}

func itemsField(rec map[string]any) string {
	items, ok := rec["items"].([]any)
	if !ok {
		return ""
	}
	return joinTextual(items)
}

// joinTextual concatenates the text of textual content entries with "\n".
func joinTextual(entries []any) string {
	var parts []string
	for _, raw := range entries {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		typ, _ := entry["type"].(string)
		if !textualTypes[typ] {
			continue
		}
		if text, ok := entry["text"].(string); ok && text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n")
}

// joinStrings accepts a string or an array of strings / {text} objects.
func joinStrings(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []any:
		var parts []string
		for _, raw := range val {
			switch item := raw.(type) {
			case string:
				if item != "" {
					parts = append(parts, item)
				}
			case map[string]any:
				if text, ok := item["text"].(string); ok && text != "" {
					parts = append(parts, text)
				}
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

// Normalize unifies line endings, collapses whitespace runs within each line,
// collapses consecutive blank lines to a single blank line and trims the
// result.
func Normalize(s string) string {
	if s == "" {
		return ""
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")

	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if blank {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
