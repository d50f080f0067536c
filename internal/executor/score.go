package executor

import (
	"sort"
	"strings"
)

// Scoring weights. Name overlap dominates: a task that mentions a tool
// by name almost certainly wants that tool.
const (
	nameWeight     = 0.5
	descWeight     = 0.3
	categoryWeight = 0.2
)

// stopwords are task words too common to signal relevance.
var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "of": true, "to": true, "in": true,
	"on": true, "for": true, "and": true, "or": true, "with": true, "my": true,
	"me": true, "it": true, "is": true, "do": true, "please": true, "can": true,
	"you": true, "all": true, "some": true, "this": true, "that": true,
}

// tokenize lowercases and splits text into words, stripping
// punctuation at word boundaries.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	return fields
}

// taskWords returns the significant words of a task as a set.
func taskWords(task string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range tokenize(task) {
		if !stopwords[w] {
			set[w] = true
		}
	}
	return set
}

// scoreTool rates how well one catalogued tool matches the task:
// fraction of the tool's name parts found in the task, fraction of
// task words found in the tool's description, plus a bonus when the
// task's inferred intent matches the tool's category. Heuristic and
// approximate on purpose.
func scoreTool(words map[string]bool, intent Category, e CatalogEntry) float64 {
	var score float64

	nameParts := tokenize(e.Tool.Name)
	if len(nameParts) > 0 {
		matched := 0
		for _, part := range nameParts {
			if words[part] {
				matched++
			}
		}
		score += nameWeight * float64(matched) / float64(len(nameParts))
	}

	if len(words) > 0 {
		descSet := make(map[string]bool)
		for _, w := range tokenize(e.Tool.Description) {
			descSet[w] = true
		}
		matched := 0
		for w := range words {
			if descSet[w] {
				matched++
			}
		}
		score += descWeight * float64(matched) / float64(len(words))
	}

	if intent != CategoryGeneral && e.Category == intent {
		score += categoryWeight
	}

	return score
}

// scored pairs a catalogue entry with its relevance score.
type scored struct {
	entry CatalogEntry
	score float64
}

// rankTools scores the whole catalogue against the task and returns
// entries above the threshold, best first, capped at max.
func rankTools(catalog []CatalogEntry, task string, threshold float64, max int) []scored {
	words := taskWords(task)
	intent := inferIntent(task)

	var kept []scored
	for _, e := range catalog {
		if s := scoreTool(words, intent, e); s >= threshold {
			kept = append(kept, scored{entry: e, score: s})
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].score > kept[j].score })
	if max > 0 && len(kept) > max {
		kept = kept[:max]
	}
	return kept
}
