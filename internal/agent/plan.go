package agent

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"
)

// ParsePlan turns a generated plan into per-condition items. It accepts a JSON
// list of {"condition", "details"} objects or markdown where each condition is
// a **bold** heading followed by "*" bullet points.
func ParsePlan(text string) []PlanItem {
	text = strings.TrimSpace(text)
	if text == "" || strings.Contains(text, "No plan was generated") || strings.Contains(text, "Failed to generate") {
		return nil
	}

	var items []PlanItem
	if strings.HasPrefix(text, "[") && json.Unmarshal([]byte(text), &items) == nil {
		return cleanPlan(items)
	}

	parts := strings.Split(text, "**")
	for i := 1; i < len(parts)-1; i += 2 {
		title := strings.TrimSpace(strings.ReplaceAll(parts[i], ":", ""))
		if title == "" || strings.Contains(title, "Preliminary Treatment Plan") {
			continue
		}
		var details []string
		for _, d := range strings.Split(strings.TrimSpace(parts[i+1]), "*") {
			if d = strings.TrimSpace(d); d != "" {
				details = append(details, d)
			}
		}
		if len(details) > 0 {
			items = append(items, PlanItem{Condition: title, Details: details})
		}
	}
	return items
}

func cleanPlan(items []PlanItem) []PlanItem {
	out := items[:0]
	for _, it := range items {
		it.Condition = strings.TrimSpace(it.Condition)
		details := it.Details[:0]
		for _, d := range it.Details {
			if d = strings.TrimSpace(d); d != "" {
				details = append(details, d)
			}
		}
		it.Details = details
		if it.Condition != "" && len(it.Details) > 0 {
			out = append(out, it)
		}
	}
	return out
}

var (
	nonLetters = regexp.MustCompile(`[^a-zA-Z\s]`)
	spaces     = regexp.MustCompile(`\s+`)
)

// NoConditions is the keyword prompt for a patient without listed disorders.
const NoConditions = "No conditions listed"

// KeywordPrompt builds a keyword-only query from a patient's conditions:
// unique, sorted, stripped to letters and single spaces.
func KeywordPrompt(conditions []string) string {
	set := make(map[string]struct{}, len(conditions))
	for _, c := range conditions {
		if c = strings.TrimSpace(c); c != "" {
			set[c] = struct{}{}
		}
	}
	unique := make([]string, 0, len(set))
	for c := range set {
		unique = append(unique, c)
	}
	sort.Strings(unique)

	var words []string
	for _, c := range unique {
		c = strings.TrimSpace(spaces.ReplaceAllString(nonLetters.ReplaceAllString(c, ""), " "))
		if c != "" {
			words = append(words, c)
		}
	}
	if len(words) == 0 {
		return NoConditions
	}
	return strings.Join(words, " ")
}
