package enrich

import (
	"strings"

	"github.com/lukasbauer/dictate/internal/llm"
)

// ContextInfo is the rewrite context shared with the llm package.
type ContextInfo = llm.ContextInfo

const summarySourceRunes = 1000

// SummarySource returns the text the summary job is started from: the last
// 1000 runes of the trimmed window text.
func SummarySource(windowText string) string {
	text := strings.TrimSpace(windowText)
	r := []rune(text)
	if len(r) > summarySourceRunes {
		return string(r[len(r)-summarySourceRunes:])
	}
	return text
}

// NormalizeSource collapses whitespace runs and trims. An empty result
// means the source is absent.
func NormalizeSource(source string) string {
	return strings.Join(strings.Fields(source), " ")
}

// SummaryApplies reports whether a summary started from startSource still
// describes the window seen at stop.
func SummaryApplies(startSource, stopSource string) bool {
	start, stop := NormalizeSource(startSource), NormalizeSource(stopSource)
	return start != "" && start == stop
}

// Compose merges the accessibility capture with the vision result. Vision
// owns the summary and terms.
func Compose(accessibility, vision *ContextInfo) *ContextInfo {
	if accessibility == nil && vision == nil {
		return nil
	}
	var a, v ContextInfo
	if accessibility != nil {
		a = *accessibility
	}
	if vision != nil {
		v = *vision
	}
	return &ContextInfo{
		AccessibilityText: mergeText(a.AccessibilityText, v.AccessibilityText),
		WindowText:        mergeText(a.WindowText, v.WindowText),
		VisionSummary:     v.VisionSummary,
		VisionTerms:       append([]string(nil), v.VisionTerms...),
	}
}

func mergeText(left, right string) string {
	left, right = strings.TrimSpace(left), strings.TrimSpace(right)
	switch {
	case left != "" && right != "" && left != right:
		return left + "\n" + right
	case left != "":
		return left
	default:
		return right
	}
}

// ApplySummary folds a summary result into base. Summaries merge as
// "base / addition" and terms are appended without duplicates.
func ApplySummary(base, summary *ContextInfo) *ContextInfo {
	if summary == nil {
		return base.Clone()
	}
	text := strings.TrimSpace(summary.VisionSummary)

	if base == nil {
		if text == "" && len(summary.VisionTerms) == 0 {
			return nil
		}
		return &ContextInfo{VisionSummary: text, VisionTerms: append([]string(nil), summary.VisionTerms...)}
	}

	merged := base.Clone()
	if text != "" {
		merged.VisionSummary = mergeSummary(strings.TrimSpace(merged.VisionSummary), text)
	}
	merged.VisionTerms = mergeTerms(merged.VisionTerms, summary.VisionTerms)
	return merged
}

func mergeSummary(base, addition string) string {
	if base == "" || base == addition {
		return addition
	}
	return base + " / " + addition
}

func mergeTerms(base, addition []string) []string {
	seen := make(map[string]struct{}, len(base)+len(addition))
	out := append([]string(nil), base...)
	for _, t := range base {
		seen[t] = struct{}{}
	}
	for _, t := range addition {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
