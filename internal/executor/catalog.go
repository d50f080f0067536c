// Package executor plans and runs multi-step tool invocations against
// the provider registry to satisfy a natural-language task.
package executor

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/yuin/goldmark"

	"github.com/calliope-ai/conduit/internal/protocol"
	"github.com/calliope-ai/conduit/internal/registry"
)

// Category is a coarse intent grouping used as a scoring hint, never
// as a hard filter.
type Category string

const (
	CategoryRetrieval    Category = "retrieval"
	CategoryCreation     Category = "creation"
	CategoryModification Category = "modification"
	CategoryDeletion     Category = "deletion"
	CategoryMonitoring   Category = "monitoring"
	CategoryGeneral      Category = "general"
)

// categoryKeywords drive both tool categorization and task intent
// detection. First match wins, in the order below.
var categoryOrder = []Category{
	CategoryDeletion,
	CategoryCreation,
	CategoryModification,
	CategoryMonitoring,
	CategoryRetrieval,
}

var categoryKeywords = map[Category][]string{
	CategoryRetrieval:    {"get", "read", "fetch", "list", "search", "find", "query", "retrieve", "show", "lookup"},
	CategoryCreation:     {"create", "add", "new", "write", "make", "generate", "insert", "compose", "post"},
	CategoryModification: {"update", "edit", "modify", "change", "set", "rename", "move", "patch", "toggle", "enable", "disable"},
	CategoryDeletion:     {"delete", "remove", "clear", "drop", "purge", "uninstall"},
	CategoryMonitoring:   {"watch", "monitor", "status", "check", "ping", "health", "observe", "track"},
}

// CatalogEntry is one tool in the merged capability catalogue.
type CatalogEntry struct {
	Provider string
	Tool     protocol.Tool
	Category Category
}

// BuildCatalog merges per-provider tool listings into one catalogue,
// tagging each tool with an inferred category.
func BuildCatalog(listed []registry.ProviderTools) []CatalogEntry {
	var out []CatalogEntry
	for _, pt := range listed {
		for _, tool := range pt.Tools {
			out = append(out, CatalogEntry{
				Provider: pt.Provider,
				Tool:     tool,
				Category: categorize(tool.Name, tool.Description),
			})
		}
	}
	return out
}

// categorize infers a category from a tool's name and description.
func categorize(name, description string) Category {
	haystack := strings.ToLower(name + " " + description)
	words := tokenize(haystack)
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	for _, cat := range categoryOrder {
		for _, kw := range categoryKeywords[cat] {
			if set[kw] {
				return cat
			}
		}
	}
	return CategoryGeneral
}

// inferIntent detects the task's category from the same keyword sets.
func inferIntent(task string) Category {
	return categorize(task, "")
}

// RenderMenu renders the catalogue as a human-readable markdown menu,
// grouped by provider.
func RenderMenu(entries []CatalogEntry) string {
	if len(entries) == 0 {
		return "No tools are available. Configure a provider to get started.\n"
	}

	byProvider := make(map[string][]CatalogEntry)
	var providers []string
	for _, e := range entries {
		if _, ok := byProvider[e.Provider]; !ok {
			providers = append(providers, e.Provider)
		}
		byProvider[e.Provider] = append(byProvider[e.Provider], e)
	}
	sort.Strings(providers)

	var b strings.Builder
	b.WriteString("## Available capabilities\n\n")
	for _, p := range providers {
		fmt.Fprintf(&b, "### %s\n\n", p)
		for _, e := range byProvider[p] {
			desc := e.Tool.Description
			if desc == "" {
				desc = "(no description)"
			}
			fmt.Fprintf(&b, "- **%s** — %s", e.Tool.Name, desc)
			if e.Tool.InputSchema != nil {
				if summary := e.Tool.InputSchema.Summary(); summary != "" {
					fmt.Fprintf(&b, " _(args: %s)_", summary)
				}
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	return b.String()
}

// RenderMenuHTML renders the capability menu as HTML for web callers.
func RenderMenuHTML(entries []CatalogEntry) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(RenderMenu(entries)), &buf); err != nil {
		return "", fmt.Errorf("render menu: %w", err)
	}
	return buf.String(), nil
}
