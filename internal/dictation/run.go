package dictation

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lukasbauer/dictate/internal/enrich"
	"github.com/lukasbauer/dictate/internal/llm"
	"github.com/lukasbauer/dictate/internal/settings"
)

// RunContext is fixed when a run starts and is not modified afterwards.
type RunContext struct {
	ID        string
	StartedAt time.Time
	Settings  settings.Settings
	Model     llm.ModelInfo

	AppName string
	AppPID  int

	Streaming      bool
	VisionEnabled  bool
	DirectAudio    bool
	SummaryStarted bool
	// SummarySource is the normalized text the summary was started from.
	SummarySource string

	sttKey string
	llmKey string
}

func newRunID() string {
	return uuid.NewString()[:8]
}

func (r *RunContext) enrichRun() enrich.Run {
	return enrich.Run{
		ID:            r.ID,
		Model:         r.Model,
		APIKey:        r.llmKey,
		VisionEnabled: r.VisionEnabled,
		VisionMode:    r.Settings.Context.VisionMode,
	}
}

// languageParam maps the input language setting to a provider hint. Auto
// detection sends no hint.
func languageParam(setting string) string {
	switch s := strings.ToLower(strings.TrimSpace(setting)); s {
	case "", "auto":
		return ""
	default:
		return s
	}
}

func epochMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
