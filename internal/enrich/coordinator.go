// Package enrich runs the speculative context jobs of a dictation run: a
// summary of the foreground window text and a screenshot analysis. Both
// are best effort; a job that is late, cancelled or failed is logged with
// a reason and never fails the run.
package enrich

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lukasbauer/dictate/internal/llm"
)

// Reason explains why an enrichment job was dropped.
type Reason string

const (
	ReasonSourceChanged      Reason = "source_changed"
	ReasonEmptyAudio         Reason = "cancelled_empty_audio"
	ReasonEmptySTT           Reason = "cancelled_empty_stt"
	ReasonAudioLLMStart      Reason = "cancelled_audio_llm_start"
	ReasonSTTDone            Reason = "cancelled_stt_done"
	ReasonSummaryUnavailable Reason = "summary_unavailable"
	ReasonVisionDisabled     Reason = "vision_disabled"
	ReasonPipelineError      Reason = "cancelled_pipeline_error"
)

// Vision modes. Only VisionModeLLM is implemented here.
const (
	VisionModeLLM = "llm"
	VisionModeOCR = "ocr"
)

// Analyzer produces context from text or an image. *llm.Service satisfies it.
type Analyzer interface {
	SummarizeContext(ctx context.Context, model llm.ModelInfo, apiKey, appName, text string) (*llm.ContextInfo, *llm.Usage, error)
	AnalyzeScreen(ctx context.Context, model llm.ModelInfo, apiKey string, image []byte, mimeType string) (*llm.ContextInfo, *llm.Usage, error)
}

// Image is an encoded screenshot.
type Image struct {
	Data     []byte
	MIMEType string
	Width    int
	Height   int
}

// ScreenCapturer grabs the current screen.
type ScreenCapturer interface {
	Capture(ctx context.Context) (Image, error)
}

// Run carries the per-run settings the jobs need.
type Run struct {
	ID            string
	Model         llm.ModelInfo
	APIKey        string
	VisionEnabled bool
	VisionMode    string
}

// SummaryResult is the outcome of a summary job. Context is nil when the
// model returned nothing usable.
type SummaryResult struct {
	Context *ContextInfo
	Usage   *llm.Usage
}

// VisionResult is the outcome of a vision job. Failures are reported in
// Error rather than as a Go error.
type VisionResult struct {
	Context   *ContextInfo
	Usage     *llm.Usage
	Image     Image
	Mode      string
	CaptureMs int64
	AnalyzeMs int64
	TotalMs   int64
	Error     string
}

// Coordinator starts enrichment jobs.
type Coordinator struct {
	analyzer Analyzer
	screens  ScreenCapturer
	logger   *logrus.Entry
}

// NewCoordinator creates a Coordinator. screens may be nil, in which case
// every vision job reports capture_failed.
func NewCoordinator(analyzer Analyzer, screens ScreenCapturer, logger *logrus.Entry) *Coordinator {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Coordinator{analyzer: analyzer, screens: screens, logger: logger.WithField("component", "enrich")}
}

// StartSummary summarizes source in the background. It returns nil when
// source is blank or no credential is available.
func (c *Coordinator) StartSummary(ctx context.Context, run Run, source, appName string) *Task[SummaryResult] {
	if NormalizeSource(source) == "" {
		return nil
	}
	if run.APIKey == "" {
		c.logger.WithFields(logrus.Fields{
			"run_id": run.ID,
			"reason": ReasonSummaryUnavailable,
		}).Info("enrich: summary skipped, missing credential")
		return nil
	}

	return startTask(ctx, "summary", run.ID, source, c.logger, func(ctx context.Context) (SummaryResult, error) {
		info, usage, err := c.analyzer.SummarizeContext(ctx, run.Model, run.APIKey, appName, source)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				c.logger.WithError(err).WithFields(logrus.Fields{
					"run_id": run.ID,
					"reason": ReasonSummaryUnavailable,
				}).Warn("enrich: summary failed")
			}
			return SummaryResult{}, err
		}
		return SummaryResult{Context: info, Usage: usage}, nil
	})
}

// StartVision captures and analyzes the screen in the background. It
// returns nil when vision is off or the llm mode has no credential.
func (c *Coordinator) StartVision(ctx context.Context, run Run) *Task[VisionResult] {
	mode := run.VisionMode
	if mode == "" {
		mode = VisionModeLLM
	}
	if !run.VisionEnabled {
		c.logger.WithFields(logrus.Fields{"run_id": run.ID, "reason": ReasonVisionDisabled}).Info("enrich: vision disabled")
		return nil
	}
	if mode == VisionModeLLM && run.APIKey == "" {
		c.logger.WithFields(logrus.Fields{"run_id": run.ID, "reason": ReasonVisionDisabled}).Info("enrich: vision skipped, missing credential")
		return nil
	}

	return startTask(ctx, "vision", run.ID, "", c.logger, func(ctx context.Context) (VisionResult, error) {
		return c.collect(ctx, run, mode), nil
	})
}

func (c *Coordinator) collect(ctx context.Context, run Run, mode string) VisionResult {
	started := time.Now()
	res := VisionResult{Mode: mode}

	var (
		img Image
		err error
	)
	if c.screens != nil {
		img, err = c.screens.Capture(ctx)
	}
	res.CaptureMs = time.Since(started).Milliseconds()
	if c.screens == nil || err != nil || len(img.Data) == 0 {
		if err != nil {
			c.logger.WithError(err).WithField("run_id", run.ID).Warn("enrich: screen capture failed")
		}
		res.Error = "capture_failed"
		res.TotalMs = time.Since(started).Milliseconds()
		return res
	}
	res.Image = img

	if mode != VisionModeLLM {
		res.Error = "unsupported_mode:" + mode
		res.TotalMs = time.Since(started).Milliseconds()
		return res
	}

	analyzeStarted := time.Now()
	info, usage, err := c.analyzer.AnalyzeScreen(ctx, run.Model, run.APIKey, img.Data, img.MIMEType)
	res.AnalyzeMs = time.Since(analyzeStarted).Milliseconds()
	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.WithError(err).WithFields(logrus.Fields{"run_id": run.ID, "mode": mode}).Warn("enrich: vision analysis failed")
	}
	res.Context, res.Usage = info, usage
	if info == nil {
		res.Error = "context_unavailable"
	}
	res.TotalMs = time.Since(started).Milliseconds()
	return res
}

// ResolveIfReady returns the task's value if it completes within grace.
// Otherwise the task is cancelled with onMiss and ready is false. A nil
// task is never ready.
func ResolveIfReady[T any](ctx context.Context, t *Task[T], grace time.Duration, onMiss Reason) (value T, ready bool) {
	value, ready = PeekIfReady(ctx, t, grace)
	if !ready && t != nil {
		Cancel(t, onMiss)
	}
	return value, ready
}

// PeekIfReady is ResolveIfReady without the cancellation: a task that misses
// the grace period keeps running so its result can be handled by Detach.
func PeekIfReady[T any](ctx context.Context, t *Task[T], grace time.Duration) (value T, ready bool) {
	if t == nil {
		return value, false
	}
	select {
	case <-t.done:
		return t.outcome()
	default:
	}
	if grace <= 0 {
		return value, false
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-t.done:
		return t.outcome()
	case <-timer.C:
	case <-ctx.Done():
	}
	t.logger.WithField("grace_ms", grace.Milliseconds()).Debug("enrich: task not ready")
	return value, false
}

func (t *Task[T]) outcome() (T, bool) {
	v, err := t.Result()
	if err != nil {
		var zero T
		return zero, false
	}
	return v, true
}

// Cancel stops t without waiting for it. Any late result is discarded.
// Safe on a nil or already finished task.
func Cancel[T any](t *Task[T], reason Reason) {
	if t == nil {
		return
	}
	if t.cancelWith(reason) {
		t.logger.WithField("reason", reason).Info("enrich: task cancelled")
	}
}

// Detach calls fn with the task's eventual result on its own goroutine.
func Detach[T any](t *Task[T], fn func(T, error)) {
	if t == nil {
		return
	}
	go func() {
		<-t.done
		fn(t.Result())
	}()
}
