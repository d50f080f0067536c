package executor

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/calliope-ai/conduit/internal/protocol"
)

// numberWords map spelled-out small numbers, the common case in
// natural-language tasks ("do three retries").
var numberWords = map[string]float64{
	"zero": 0, "one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
	"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
}

var truthyWords = map[string]bool{
	"true": true, "yes": true, "on": true, "enable": true, "enabled": true,
	"start": true, "activate": true, "activated": true, "allow": true,
}

var falsyWords = map[string]bool{
	"false": true, "no": true, "off": true, "disable": true, "disabled": true,
	"stop": true, "deactivate": true, "deactivated": true, "deny": true,
}

// coerce converts an extracted string value to the schema's declared
// type. Unparseable values fall back to the type's zero value rather
// than failing: the server's own validation is the authority.
func coerce(raw string, prop *protocol.Schema) any {
	if prop == nil {
		return raw
	}
	switch prop.Type {
	case "integer":
		if n, ok := parseNumber(raw); ok {
			return int(n)
		}
		return 0
	case "number":
		if n, ok := parseNumber(raw); ok {
			return n
		}
		return 0.0
	case "boolean":
		if b, ok := parseBool(raw); ok {
			return b
		}
		return false
	case "array":
		return splitList(raw)
	case "object":
		var obj map[string]any
		if err := json.Unmarshal([]byte(raw), &obj); err == nil {
			return obj
		}
		// Not JSON; wrap the single value.
		return map[string]any{"value": raw}
	default:
		return raw
	}
}

// parseNumber parses a numeric literal or a spelled-out number word.
func parseNumber(raw string) (float64, bool) {
	trimmed := strings.TrimSpace(strings.Trim(raw, ".,;:!?"))
	if n, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return n, true
	}
	if n, ok := numberWords[strings.ToLower(trimmed)]; ok {
		return n, true
	}
	return 0, false
}

// parseBool matches truthy and falsy words.
func parseBool(raw string) (bool, bool) {
	w := strings.ToLower(strings.TrimSpace(strings.Trim(raw, ".,;:!?")))
	if truthyWords[w] {
		return true, true
	}
	if falsyWords[w] {
		return false, true
	}
	return false, false
}

// extractNumber finds the first numeric value in free text.
func extractNumber(text string) (float64, bool) {
	for _, w := range strings.Fields(text) {
		if n, ok := parseNumber(w); ok {
			return n, true
		}
	}
	return 0, false
}

// extractBool finds the first truthy or falsy word in free text.
func extractBool(text string) (bool, bool) {
	for _, w := range tokenize(text) {
		if b, ok := parseBool(w); ok {
			return b, true
		}
	}
	return false, false
}

// extractList pulls a bracketed or comma-separated list out of free
// text: "[a, b, c]" or "a, b, and c".
func extractList(text string) ([]any, bool) {
	if open := strings.IndexByte(text, '['); open >= 0 {
		if end := strings.IndexByte(text[open:], ']'); end > 0 {
			return splitList(text[open+1 : open+end]), true
		}
	}
	if strings.Contains(text, ",") {
		return splitList(text), true
	}
	return nil, false
}

// splitList splits a comma-separated value into trimmed items.
func splitList(raw string) []any {
	raw = strings.Trim(strings.TrimSpace(raw), "[]")
	if raw == "" {
		return []any{}
	}
	var items []any
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		part = strings.TrimPrefix(part, "and ")
		part = strings.Trim(part, `"'`)
		if part != "" {
			items = append(items, part)
		}
	}
	return items
}
