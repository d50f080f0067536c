package executor

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/calliope-ai/conduit/internal/protocol"
)

// freeFormFields name parameters that represent unstructured
// natural-language input; they always receive the entire task text.
var freeFormFields = map[string]bool{
	"thought": true, "query": true, "text": true, "input": true,
	"message": true, "content": true, "prompt": true,
}

var (
	quotedRe = regexp.MustCompile(`"([^"]+)"|'([^']+)'`)
	urlRe    = regexp.MustCompile(`https?://\S+`)
	pathRe   = regexp.MustCompile(`(?:^|\s)((?:/|\./|~/)?[\w.-]+(?:/[\w.-]+)+|/[\w.-]+|[\w-]+\.\w{1,5})`)
)

// InferArgs builds an argument bag for a tool call from the task text
// alone. For each declared field it tries, in order: an explicit
// "field: value" mention, the free-form field names, a quoted span,
// type-driven extraction from the task, then a description-driven
// guess. Required fields that remain unset get a type-appropriate
// default.
func InferArgs(tool protocol.Tool, task string) map[string]any {
	args := make(map[string]any)
	schema := tool.InputSchema
	if schema == nil || len(schema.Properties) == 0 {
		return args
	}

	for _, name := range schema.PropertyNames() {
		prop := schema.Properties[name]
		if v, ok := inferField(name, prop, task); ok {
			args[name] = v
			continue
		}
		if schema.IsRequired(name) {
			args[name] = typeDefault(prop)
		}
	}
	return args
}

func inferField(name string, prop *protocol.Schema, task string) (any, bool) {
	if raw, ok := explicitValue(name, task); ok {
		return coerce(raw, prop), true
	}

	propType := ""
	if prop != nil {
		propType = prop.Type
	}

	if freeFormFields[strings.ToLower(name)] && (propType == "" || propType == "string") {
		return task, true
	}

	if propType == "" || propType == "string" {
		if m := quotedRe.FindStringSubmatch(task); m != nil {
			if m[1] != "" {
				return m[1], true
			}
			return m[2], true
		}
	}

	switch propType {
	case "integer":
		if n, ok := extractNumber(task); ok {
			return int(n), true
		}
	case "number":
		if n, ok := extractNumber(task); ok {
			return n, true
		}
	case "boolean":
		if b, ok := extractBool(task); ok {
			return b, true
		}
	case "array":
		if items, ok := extractList(task); ok {
			return items, true
		}
	}

	if v, ok := descriptionGuess(prop, task); ok {
		return coerce(v, prop), true
	}
	return nil, false
}

// explicitValue matches an explicit "field: value" or "field=value"
// mention in the task text. A quoted value captures the whole span;
// a bare value runs to the next whitespace.
func explicitValue(name, task string) (string, bool) {
	re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(name) + `\s*[:=]\s*(?:"([^"]*)"|'([^']*)'|(\S+))`)
	if err != nil {
		return "", false
	}
	m := re.FindStringSubmatch(task)
	if m == nil {
		return "", false
	}
	for _, g := range m[1:] {
		if g != "" {
			return g, true
		}
	}
	return "", false
}

// descriptionGuess mines the field's schema description for hints
// about what shape of token to pull from the task.
func descriptionGuess(prop *protocol.Schema, task string) (string, bool) {
	if prop == nil || prop.Description == "" {
		return "", false
	}
	desc := strings.ToLower(prop.Description)
	switch {
	case strings.Contains(desc, "url") || strings.Contains(desc, "link"):
		if m := urlRe.FindString(task); m != "" {
			return strings.TrimRight(m, ".,;"), true
		}
	case strings.Contains(desc, "path") || strings.Contains(desc, "file") ||
		strings.Contains(desc, "directory"):
		if m := pathRe.FindStringSubmatch(task); m != nil {
			return m[1], true
		}
	}
	return "", false
}

// typeDefault returns the zero value for a schema type, used to fill
// required fields that inference could not resolve.
func typeDefault(prop *protocol.Schema) any {
	if prop == nil {
		return ""
	}
	switch prop.Type {
	case "boolean":
		return false
	case "integer":
		return 0
	case "number":
		return 0.0
	case "array":
		return []any{}
	case "object":
		return map[string]any{}
	default:
		return ""
	}
}

// describeArgs renders an argument bag for step descriptions and logs.
func describeArgs(args map[string]any) string {
	if len(args) == 0 {
		return "no arguments"
	}
	parts := make([]string, 0, len(args))
	for _, k := range sortedKeys(args) {
		parts = append(parts, fmt.Sprintf("%s=%v", k, args[k]))
	}
	return strings.Join(parts, ", ")
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
