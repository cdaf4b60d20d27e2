package llm

import (
	"encoding/json"
	"strings"
)

// ContextInfo is the enrichment handed to the rewrite prompt. Every merge
// builds a new value.
type ContextInfo struct {
	AccessibilityText string   `json:"accessibility_text,omitempty"`
	WindowText        string   `json:"window_text,omitempty"`
	VisionSummary     string   `json:"vision_summary,omitempty"`
	VisionTerms       []string `json:"vision_terms,omitempty"`
}

// IsEmpty reports whether c carries nothing usable. A nil c is empty.
func (c *ContextInfo) IsEmpty() bool {
	if c == nil {
		return true
	}
	return strings.TrimSpace(c.AccessibilityText) == "" &&
		strings.TrimSpace(c.WindowText) == "" &&
		strings.TrimSpace(c.VisionSummary) == "" &&
		len(c.VisionTerms) == 0
}

// Clone returns a deep copy.
func (c *ContextInfo) Clone() *ContextInfo {
	if c == nil {
		return nil
	}
	out := *c
	out.VisionTerms = append([]string(nil), c.VisionTerms...)
	return &out
}

const (
	maxSummaryRunes = 120
	maxTerms        = 10
)

type contextJSON struct {
	Summary string   `json:"summary"`
	Terms   []string `json:"terms"`
}

// ParseContextJSON extracts {"summary": ..., "terms": [...]} from model
// output that may carry code fences or surrounding prose. It returns nil
// when nothing usable is found.
func ParseContextJSON(text string) *ContextInfo {
	candidate := strings.TrimSpace(text)
	candidate = strings.TrimPrefix(candidate, "```json")
	candidate = strings.TrimPrefix(candidate, "```")
	candidate = strings.TrimSuffix(candidate, "```")
	candidate = strings.TrimSpace(candidate)

	if !strings.HasPrefix(candidate, "{") || !strings.HasSuffix(candidate, "}") {
		start := strings.Index(candidate, "{")
		end := strings.LastIndex(candidate, "}")
		if start < 0 || end < start {
			return nil
		}
		candidate = candidate[start : end+1]
	}

	var parsed contextJSON
	if err := json.Unmarshal([]byte(candidate), &parsed); err != nil {
		return nil
	}

	summary := strings.TrimSpace(parsed.Summary)
	if r := []rune(summary); len(r) > maxSummaryRunes {
		summary = string(r[:maxSummaryRunes])
	}
	var terms []string
	for _, term := range parsed.Terms {
		if term = strings.TrimSpace(term); term != "" {
			terms = append(terms, term)
		}
		if len(terms) == maxTerms {
			break
		}
	}
	if summary == "" && len(terms) == 0 {
		return nil
	}
	return &ContextInfo{VisionSummary: summary, VisionTerms: terms}
}
