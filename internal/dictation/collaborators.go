package dictation

import (
	"context"
	"strings"
	"time"

	"github.com/lukasbauer/dictate/internal/enrich"
	"github.com/lukasbauer/dictate/internal/llm"
	"github.com/lukasbauer/dictate/internal/settings"
	"github.com/lukasbauer/dictate/internal/stt"
)

// Recording is the PCM captured between Start and Stop: 16-bit
// little-endian mono at SampleRate.
type Recording struct {
	SampleRate int
	PCM        []byte
}

// CaptureHandle identifies an in-progress audio capture.
type CaptureHandle string

// AudioCapture records the microphone. onChunk receives audio as it
// arrives and must not block.
type AudioCapture interface {
	Start(ctx context.Context, onChunk func([]byte)) (CaptureHandle, error)
	Stop(handle CaptureHandle) (Recording, error)
}

// ConfigStore loads the current settings.
type ConfigStore interface {
	Load() (settings.Settings, error)
}

// CredentialResolver looks up the API key for a provider.
type CredentialResolver interface {
	APIKey(provider string) (string, error)
}

// TextInjector delivers text to the focused application. It reports
// whether delivery succeeded.
type TextInjector interface {
	Send(ctx context.Context, text string) bool
}

// TelemetrySink receives one record per run event.
type TelemetrySink interface {
	Record(event, runID string, fields map[string]string)
}

// TelemetryFanout sends every record to each sink in order.
type TelemetryFanout []TelemetrySink

func (f TelemetryFanout) Record(event, runID string, fields map[string]string) {
	for _, s := range f {
		s.Record(event, runID, fields)
	}
}

// ArtifactStore keeps recordings and their structured run logs.
type ArtifactStore interface {
	PersistRecording(ctx context.Context, runID string, rec Recording, snap Snapshot) (captureID string, err error)
	AppendLog(ctx context.Context, captureID string, entry LogEntry) error
}

// ForegroundInspector reads the focused application and its text.
type ForegroundInspector interface {
	Snapshot() Snapshot
}

// ScreenCapturer grabs the screen for vision analysis.
type ScreenCapturer = enrich.ScreenCapturer

// CuePlayer plays audible feedback.
type CuePlayer interface {
	PlayStart()
	PlayCompletion()
}

// Generator is the generative side of a run. *llm.Service satisfies it.
type Generator interface {
	enrich.Analyzer
	Rewrite(ctx context.Context, model llm.ModelInfo, apiKey string, in llm.PromptInput) (llm.Result, error)
	TranscribeAudio(ctx context.Context, model llm.ModelInfo, apiKey string, wav []byte, info *llm.ContextInfo) (llm.Result, error)
}

// Stream is a live transcription session. *stt.Session satisfies it.
type Stream interface {
	Enqueue(chunk []byte)
	Finish(ctx context.Context) (string, *stt.Usage, error)
	Cancel()
}

// Snapshot is what the foreground inspector saw at one moment.
type Snapshot struct {
	AppName      string    `json:"app_name,omitempty"`
	AppPID       int       `json:"app_pid,omitempty"`
	WindowText   string    `json:"window_text,omitempty"`
	SelectedText string    `json:"selected_text,omitempty"`
	CapturedAt   time.Time `json:"captured_at"`
}

// Context converts the snapshot into rewrite context, or nil when it
// carries no text.
func (s Snapshot) Context() *llm.ContextInfo {
	info := &llm.ContextInfo{
		AccessibilityText: strings.TrimSpace(s.SelectedText),
		WindowText:        strings.TrimSpace(s.WindowText),
	}
	if info.IsEmpty() {
		return nil
	}
	return info
}

// LogEntry is one structured stage log persisted next to a recording.
type LogEntry struct {
	RunID        string            `json:"run_id"`
	CaptureID    string            `json:"capture_id"`
	Type         string            `json:"log_type"`
	Status       string            `json:"status"`
	StartedAtMs  int64             `json:"event_start_ms"`
	EndedAtMs    int64             `json:"event_end_ms"`
	RecordedAtMs int64             `json:"recorded_at_ms"`
	Fields       map[string]string `json:"fields,omitempty"`
}

type nopTelemetry struct{}

func (nopTelemetry) Record(string, string, map[string]string) {}

type nopArtifacts struct{}

func (nopArtifacts) PersistRecording(context.Context, string, Recording, Snapshot) (string, error) {
	return "", nil
}

func (nopArtifacts) AppendLog(context.Context, string, LogEntry) error { return nil }

type nopCues struct{}

func (nopCues) PlayStart()      {}
func (nopCues) PlayCompletion() {}

type nopForeground struct{}

func (nopForeground) Snapshot() Snapshot { return Snapshot{CapturedAt: time.Now()} }
