package enrich

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSummarySource(t *testing.T) {
	assert.Equal(t, "", SummarySource("   "))
	assert.Equal(t, "abc", SummarySource("  abc \n"))

	long := strings.Repeat("x", 10) + strings.Repeat("ß", 1000)
	got := SummarySource(long)
	assert.Len(t, []rune(got), 1000)
	assert.Equal(t, strings.Repeat("ß", 1000), got)
}

func TestSummaryApplies(t *testing.T) {
	tests := []struct {
		name        string
		start, stop string
		want        bool
	}{
		{"identical", "hello world", "hello world", true},
		{"whitespace differs", "hello   world\n", " hello world", true},
		{"text differs", "hello world", "hello there", false},
		{"both empty", "", "  ", false},
		{"start empty", "", "hello", false},
		{"stop empty", "hello", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SummaryApplies(tt.start, tt.stop))
		})
	}
}

func TestCompose(t *testing.T) {
	assert.Nil(t, Compose(nil, nil))

	acc := &ContextInfo{AccessibilityText: "selected", WindowText: "window"}
	vis := &ContextInfo{WindowText: "ocr window", VisionSummary: "editor", VisionTerms: []string{"Go"}}

	got := Compose(acc, vis)
	assert.Equal(t, &ContextInfo{
		AccessibilityText: "selected",
		WindowText:        "window\nocr window",
		VisionSummary:     "editor",
		VisionTerms:       []string{"Go"},
	}, got)

	same := Compose(&ContextInfo{WindowText: " w "}, &ContextInfo{WindowText: "w"})
	assert.Equal(t, "w", same.WindowText)

	onlyAcc := Compose(&ContextInfo{AccessibilityText: "a", VisionSummary: "ignored"}, nil)
	assert.Equal(t, "a", onlyAcc.AccessibilityText)
	assert.Empty(t, onlyAcc.VisionSummary)
}

func TestApplySummary(t *testing.T) {
	summary := &ContextInfo{VisionSummary: " writing docs ", VisionTerms: []string{"viper", "pgx"}}

	t.Run("nil summary keeps base", func(t *testing.T) {
		base := &ContextInfo{AccessibilityText: "a"}
		got := ApplySummary(base, nil)
		assert.Equal(t, base, got)
		assert.NotSame(t, base, got)
	})

	t.Run("nil base", func(t *testing.T) {
		got := ApplySummary(nil, summary)
		assert.Equal(t, &ContextInfo{VisionSummary: "writing docs", VisionTerms: []string{"viper", "pgx"}}, got)
		assert.Nil(t, ApplySummary(nil, &ContextInfo{VisionSummary: " "}))
	})

	t.Run("merge", func(t *testing.T) {
		base := &ContextInfo{VisionSummary: "terminal", VisionTerms: []string{"pgx", "go"}}
		got := ApplySummary(base, summary)
		assert.Equal(t, "terminal / writing docs", got.VisionSummary)
		assert.Equal(t, []string{"pgx", "go", "viper"}, got.VisionTerms)
		assert.Equal(t, "terminal", base.VisionSummary)
		assert.Equal(t, []string{"pgx", "go"}, base.VisionTerms)
	})

	t.Run("equal summary not repeated", func(t *testing.T) {
		got := ApplySummary(&ContextInfo{VisionSummary: "writing docs"}, summary)
		assert.Equal(t, "writing docs", got.VisionSummary)
	})
}
