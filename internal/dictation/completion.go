package dictation

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"

	"github.com/lukasbauer/dictate/internal/audio"
	"github.com/lukasbauer/dictate/internal/costs"
	"github.com/lukasbauer/dictate/internal/enrich"
	"github.com/lukasbauer/dictate/internal/llm"
	"github.com/lukasbauer/dictate/internal/pipeline"
	"github.com/lukasbauer/dictate/internal/stt"
)

// Final statuses recorded on the pipeline event.
const (
	StatusCompleted                = "completed"
	StatusCompletedWithOutputError = "completed_with_output_error"
	StatusSkippedEmptyAudio        = "skipped_empty_audio"
	StatusSkippedEmptySTT          = "skipped_empty_stt"
	StatusSkippedEmptyOutput       = "skipped_empty_output"
	StatusFailed                   = "failed"
	// StatusCancelled marks a pipeline superseded by a newer run or
	// aborted by Close.
	StatusCancelled = "cancelled"
)

// Stage names used for telemetry events and run logs.
const (
	stageContextSummary  = "context_summary"
	stageSTT             = "stt"
	stageVision          = "vision"
	stagePostprocess     = "postprocess"
	stageAudioTranscribe = "audio_transcribe"
	stageDirectInput     = "direct_input"
	stagePipeline        = "pipeline"
)

// completion is everything Stop hands to the background pipeline.
type completion struct {
	run        *RunContext
	rec        Recording
	stream     Stream
	summary    *enrich.Task[enrich.SummaryResult]
	stopSnap   Snapshot
	stopSource string
	captureID  string
	stoppedAt  time.Time
	owner      uint64
}

// runState is the pipeline's working state. It is confined to the
// pipeline goroutine.
type runState struct {
	c       *Coordinator
	job     *completion
	ctx     context.Context
	logger  *logrus.Entry
	started time.Time
	stage   string

	summary *enrich.Task[enrich.SummaryResult]
	vision  *enrich.Task[enrich.VisionResult]

	sttText  string
	output   string
	sttUsage *stt.Usage
	llmUsage []*llm.Usage
	stageMs  map[string]int64
}

func (c *Coordinator) complete(ctx context.Context, job *completion) {
	p := &runState{
		c:       c,
		job:     job,
		ctx:     ctx,
		logger:  c.logger.WithFields(logrus.Fields{"run_id": job.run.ID, "capture_id": job.captureID}),
		started: time.Now(),
		summary: job.summary,
		stageMs: make(map[string]int64),
	}
	defer p.closeStream()

	status, err := p.execute()
	p.finish(status, err)
}

func (p *runState) execute() (string, error) {
	run, job := p.job.run, p.job

	if len(job.rec.PCM) == 0 {
		p.cancelSummary(enrich.ReasonEmptyAudio)
		p.closeStream()
		return StatusSkippedEmptyAudio, nil
	}
	if p.summary != nil && !enrich.SummaryApplies(run.SummarySource, job.stopSource) {
		p.cancelSummary(enrich.ReasonSourceChanged)
	}

	base := job.stopSnap.Context()
	if run.DirectAudio {
		return p.directAudio(base)
	}
	return p.textRewrite(base)
}

func (p *runState) directAudio(base *llm.ContextInfo) (string, error) {
	run, rec := p.job.run, p.job.rec
	p.closeStream()
	p.fire(pipeline.EventStartPostProcessing)

	info := enrich.ApplySummary(base, p.resolveSummary(enrich.ReasonAudioLLMStart))
	p.checkRequireContext(info)

	p.stage = stageAudioTranscribe
	wav := audio.BuildWAV(rec.PCM, rec.SampleRate)
	start := time.Now()
	res, err := p.c.deps.Generator.TranscribeAudio(p.ctx, run.Model, run.llmKey, wav, info)
	end := time.Now()
	if err != nil {
		p.record(stageAudioTranscribe, start, end, "error", map[string]string{
			"model": run.Model.ID,
			"error": err.Error(),
		})
		return "", fmt.Errorf("audio transcription: %w", err)
	}

	p.addUsage(res.Usage)
	p.sttText, p.output = res.Text, res.Text
	p.record(stageAudioTranscribe, start, end, "ok", p.llmFields(info, res, 0))
	return p.deliver()
}

func (p *runState) textRewrite(base *llm.ContextInfo) (string, error) {
	run, job, c := p.job.run, p.job, p.c

	visionStart := time.Now()
	p.vision = c.enricher.StartVision(c.baseCtx, run.enrichRun())
	if p.vision == nil {
		p.record(stageVision, visionStart, time.Now(), "cancelled", map[string]string{
			"mode":  run.Settings.Context.VisionMode,
			"error": string(enrich.ReasonVisionDisabled),
		})
	}

	p.stage = stageSTT
	var stream stt.Finisher
	if job.stream != nil {
		stream = job.stream
	}
	transcriber := stt.NewTranscriber(c.deps.NewBatch(run.sttKey), p.logger)
	tr, err := transcriber.Transcribe(p.ctx, stream, job.rec.PCM, job.rec.SampleRate, languageParam(run.Settings.InputLanguage))
	p.recordSTT(tr, err)
	if err != nil {
		return "", err
	}
	p.sttText, p.sttUsage = tr.Text, tr.Usage

	summaryInfo := p.resolveSummary(enrich.ReasonSTTDone)

	if strings.TrimSpace(tr.Text) == "" {
		p.cancelVision(enrich.ReasonEmptySTT)
		return StatusSkippedEmptySTT, nil
	}

	p.fire(pipeline.EventStartPostProcessing)
	info := enrich.ApplySummary(enrich.Compose(base, p.resolveVision()), summaryInfo)
	p.checkRequireContext(info)

	p.stage = stagePostprocess
	start := time.Now()
	res, err := c.deps.Generator.Rewrite(p.ctx, run.Model, run.llmKey, llm.PromptInput{
		Transcript:       tr.Text,
		Language:         languageParam(run.Settings.InputLanguage),
		AppName:          run.AppName,
		Rules:            run.Settings.AppPromptRules,
		Context:          info,
		TemplateOverride: run.Settings.Generation.PromptTemplate,
	})
	end := time.Now()
	if err != nil {
		p.record(stagePostprocess, start, end, "error", map[string]string{
			"model": run.Model.ID,
			"error": err.Error(),
		})
		return "", fmt.Errorf("rewrite: %w", err)
	}

	p.addUsage(res.Usage)
	p.output = res.Text
	p.record(stagePostprocess, start, end, "ok", p.llmFields(info, res, len([]rune(tr.Text))))
	return p.deliver()
}

func (p *runState) deliver() (string, error) {
	if strings.TrimSpace(p.output) == "" {
		return StatusSkippedEmptyOutput, nil
	}

	p.fire(pipeline.EventStartTextInjection)
	p.stage = stageDirectInput
	start := time.Now()
	ok := p.c.deps.Injector.Send(p.ctx, p.output)
	status := "ok"
	if !ok {
		status = "error"
	}
	p.record(stageDirectInput, start, time.Now(), status, map[string]string{
		"success":      strconv.FormatBool(ok),
		"output_chars": strconv.Itoa(len([]rune(p.output))),
	})

	result := StatusCompleted
	if !ok {
		result = StatusCompletedWithOutputError
		p.c.emitError("Text could not be delivered to the focused application. Check accessibility permissions.")
	}

	p.c.deps.Cues.PlayCompletion()
	p.fire(pipeline.EventFinish)
	select {
	case <-time.After(p.c.opts.ResetDelay):
	case <-p.ctx.Done():
	}
	p.fire(pipeline.EventReset)
	return result, nil
}

func (p *runState) finish(status string, err error) {
	run, c := p.job.run, p.c
	ended := time.Now()

	fields := map[string]string{}
	switch {
	case err != nil && p.ctx.Err() != nil:
		status = StatusCancelled
		p.cancelSummary(enrich.ReasonPipelineError)
		p.cancelVision(enrich.ReasonPipelineError)
		p.logger.WithError(err).Info("dictation: pipeline cancelled")

	case err != nil:
		status = StatusFailed
		fields["error"] = err.Error()
		fields["stage"] = p.stage
		p.cancelSummary(enrich.ReasonPipelineError)
		p.cancelVision(enrich.ReasonPipelineError)
		p.logger.WithError(err).WithField("stage", p.stage).Error("dictation: pipeline failed")
		c.captureError(err, run, p.stage)
		p.fire(pipeline.EventFail)
		c.emitError("Dictation failed: " + err.Error())
		p.fire(pipeline.EventReset)

	case strings.HasPrefix(status, "skipped_"):
		p.logger.WithField("status", status).Info("dictation: pipeline skipped")
		p.fire(pipeline.EventReset)

	default:
		p.logger.WithFields(logrus.Fields{
			"stt_chars":    len([]rune(p.sttText)),
			"output_chars": len([]rune(p.output)),
		}).Info("dictation: pipeline done")
	}

	var sttSeconds float64
	if p.sttUsage != nil {
		sttSeconds = p.sttUsage.DurationSeconds
	}
	cost := costs.CalculateRunCosts(costs.RunMetrics{STTDurationSeconds: sttSeconds, LLM: p.llmUsage})

	fields["run_status"] = status
	fields["stt_chars"] = strconv.Itoa(len([]rune(p.sttText)))
	fields["output_chars"] = strconv.Itoa(len([]rune(p.output)))
	fields["total_ms"] = strconv.FormatInt(ended.Sub(p.started).Milliseconds(), 10)
	fields["total_after_stop_ms"] = strconv.FormatInt(ended.Sub(p.job.stoppedAt).Milliseconds(), 10)
	fields["stt_cost_micros"] = strconv.Itoa(cost.STTMicros)
	fields["llm_cost_micros"] = strconv.Itoa(cost.LLMMicros)
	fields["total_cost_micros"] = strconv.Itoa(cost.TotalMicros)
	p.runtimeStats(fields)

	logStatus := "ok"
	switch {
	case status == StatusFailed, status == StatusCompletedWithOutputError:
		logStatus = "error"
	case status != StatusCompleted:
		logStatus = "cancelled"
	}
	p.record(stagePipeline, p.started, ended, logStatus, fields)
}

// runtimeStats adds per-stage durations. The summary, when it ran, stands
// in for vision.
func (p *runState) runtimeStats(fields map[string]string) {
	put := func(key string, stages ...string) {
		for _, s := range stages {
			if ms, ok := p.stageMs[s]; ok {
				fields[key] = strconv.FormatInt(ms, 10)
				return
			}
		}
	}
	put("stt_ms", stageSTT)
	put("post_ms", stagePostprocess, stageAudioTranscribe)
	put("vision_ms", stageContextSummary, stageVision)
	put("direct_input_ms", stageDirectInput)
}

// fire is a no-op once the pipeline is cancelled or a newer run has taken
// the machine.
func (p *runState) fire(e pipeline.Event) {
	if p.ctx.Err() != nil {
		return
	}
	c := p.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.owner != p.job.owner {
		return
	}
	c.machine.Fire(e)
}

func (p *runState) closeStream() {
	if p.job.stream != nil {
		p.job.stream.Cancel()
	}
}

func (p *runState) addUsage(u *llm.Usage) {
	if u != nil {
		p.llmUsage = append(p.llmUsage, u)
	}
}

func (p *runState) checkRequireContext(info *llm.ContextInfo) {
	if !p.job.run.Settings.Generation.RequireContext || !info.IsEmpty() {
		return
	}
	p.c.emitError("require_context is enabled but no context was captured; continuing without it.")
	p.c.deps.Telemetry.Record("generation_require_context_missing", p.job.run.ID, map[string]string{
		"capture_id": p.job.captureID,
	})
}

func (p *runState) cancelSummary(reason enrich.Reason) {
	if p.summary == nil {
		return
	}
	enrich.Cancel(p.summary, reason)
	p.recordSummaryFor(p.summary, "cancelled", string(reason), nil, time.Now())
	p.summary = nil
}

// resolveSummary waits briefly for the summary. A summary that is not
// ready is cancelled with missReason.
func (p *runState) resolveSummary(missReason enrich.Reason) *llm.ContextInfo {
	t := p.summary
	if t == nil {
		return nil
	}
	p.summary = nil

	select {
	case <-t.Done():
		if _, err := t.Result(); err != nil {
			p.recordSummaryFor(t, "error", string(enrich.ReasonSummaryUnavailable), nil, t.EndedAt())
			return nil
		}
	default:
	}

	res, ready := enrich.ResolveIfReady(p.ctx, t, p.c.opts.EnrichmentGrace, missReason)
	if !ready {
		p.recordSummaryFor(t, "cancelled", string(missReason), nil, time.Now())
		return nil
	}
	p.addUsage(res.Usage)
	if res.Context == nil {
		p.recordSummaryFor(t, "error", string(enrich.ReasonSummaryUnavailable), nil, t.EndedAt())
		return nil
	}
	p.recordSummaryFor(t, "ok", "", res.Context, t.EndedAt())
	return res.Context
}

func (p *runState) recordSummaryFor(t *enrich.Task[enrich.SummaryResult], status, reason string, info *llm.ContextInfo, ended time.Time) {
	if t == nil {
		return
	}
	fields := map[string]string{
		"source":       "accessibility",
		"app_name":     p.job.run.AppName,
		"source_chars": strconv.Itoa(len([]rune(t.Source))),
	}
	if reason != "" {
		fields["reason"] = reason
	}
	if info != nil {
		fields["summary_chars"] = strconv.Itoa(len([]rune(info.VisionSummary)))
		fields["terms_count"] = strconv.Itoa(len(info.VisionTerms))
	}
	p.record(stageContextSummary, t.StartedAt, ended, status, fields)
}

// resolveVision takes the vision result if it is already done. A late
// result is persisted by a detached continuation and not used for this
// run.
func (p *runState) resolveVision() *llm.ContextInfo {
	t := p.vision
	if t == nil {
		return nil
	}
	res, ready := enrich.PeekIfReady(p.ctx, t, p.c.opts.EnrichmentGrace)
	if !ready {
		p.c.deps.Telemetry.Record("vision_skipped_not_ready", p.job.run.ID, map[string]string{
			"capture_id": p.job.captureID,
			"wait_ms":    strconv.FormatInt(p.c.opts.EnrichmentGrace.Milliseconds(), 10),
		})
		p.deferVision(t)
		return nil
	}
	p.vision = nil
	p.addUsage(res.Usage)
	p.recordVision(t, res)
	return res.Context
}

func (p *runState) deferVision(t *enrich.Task[enrich.VisionResult]) {
	c, run, captureID := p.c, p.job.run, p.job.captureID
	enrich.Detach(t, func(res enrich.VisionResult, err error) {
		if err != nil {
			return
		}
		fields := visionFields(res)
		fields["deferred"] = "true"
		if captureID != "" {
			entry := newLogEntry(run.ID, captureID, stageVision, visionStatus(res), t.StartedAt, t.EndedAt(), fields)
			if err := c.deps.Artifacts.AppendLog(context.Background(), captureID, entry); err != nil {
				c.logger.WithError(err).WithField("capture_id", captureID).Warn("dictation: failed to persist deferred vision log")
				return
			}
		}
		c.deps.Telemetry.Record("vision_artifacts_saved_deferred", run.ID, map[string]string{
			"capture_id":      captureID,
			"context_present": strconv.FormatBool(res.Context != nil),
			"mode":            res.Mode,
			"error":           orNone(res.Error),
		})
	})
}

func (p *runState) cancelVision(reason enrich.Reason) {
	t := p.vision
	if t == nil {
		return
	}
	p.vision = nil
	enrich.Cancel(t, reason)
	p.record(stageVision, t.StartedAt, time.Now(), "cancelled", map[string]string{
		"mode":  p.job.run.Settings.Context.VisionMode,
		"error": string(reason),
	})
}

func (p *runState) recordVision(t *enrich.Task[enrich.VisionResult], res enrich.VisionResult) {
	p.record(stageVision, t.StartedAt, t.EndedAt(), visionStatus(res), visionFields(res))
}

func visionStatus(res enrich.VisionResult) string {
	if res.Error != "" {
		return "error"
	}
	return "ok"
}

func visionFields(res enrich.VisionResult) map[string]string {
	return map[string]string{
		"mode":            res.Mode,
		"context_present": strconv.FormatBool(res.Context != nil),
		"capture_ms":      strconv.FormatInt(res.CaptureMs, 10),
		"analyze_ms":      strconv.FormatInt(res.AnalyzeMs, 10),
		"image_bytes":     strconv.Itoa(len(res.Image.Data)),
		"image_wh":        fmt.Sprintf("%dx%d", res.Image.Width, res.Image.Height),
		"error":           orNone(res.Error),
	}
}

func (p *runState) recordSTT(tr stt.Transcription, err error) {
	status := "ok"
	fields := map[string]string{
		"provider":    p.job.run.Settings.STTProvider,
		"route":       tr.Route,
		"chars":       strconv.Itoa(len([]rune(tr.Text))),
		"sample_rate": strconv.Itoa(p.job.rec.SampleRate),
		"audio_bytes": strconv.Itoa(len(p.job.rec.PCM)),
	}
	if err != nil {
		status = "error"
		fields["error"] = err.Error()
	}
	if attempts, mErr := json.Marshal(tr.Attempts); mErr == nil {
		fields["attempts"] = string(attempts)
	}
	if tr.Usage != nil {
		fields["duration_seconds"] = strconv.FormatFloat(tr.Usage.DurationSeconds, 'f', 3, 64)
		fields["duration_source"] = tr.Usage.Source
	}

	start, end := p.job.stoppedAt, time.Now()
	if n := len(tr.Attempts); n > 0 {
		start = time.UnixMilli(tr.Attempts[0].StartedAtMs)
		end = time.UnixMilli(tr.Attempts[n-1].EndedAtMs)
	}
	p.record(stageSTT, start, end, status, fields)
}

func (p *runState) llmFields(info *llm.ContextInfo, res llm.Result, sttChars int) map[string]string {
	fields := map[string]string{
		"model":           p.job.run.Model.ID,
		"context_present": strconv.FormatBool(info != nil),
		"stt_chars":       strconv.Itoa(sttChars),
		"output_chars":    strconv.Itoa(len([]rune(res.Text))),
	}
	if res.Usage != nil {
		fields["prompt_tokens"] = strconv.Itoa(res.Usage.PromptTokens)
		fields["completion_tokens"] = strconv.Itoa(res.Usage.CompletionTokens)
	}
	return fields
}

// record emits a telemetry event for a stage and appends it to the run log.
func (p *runState) record(stage string, start, end time.Time, status string, fields map[string]string) {
	run, captureID := p.job.run, p.job.captureID
	if fields == nil {
		fields = map[string]string{}
	}
	fields["status"] = status
	fields["started_at_ms"] = strconv.FormatInt(epochMs(start), 10)
	fields["ended_at_ms"] = strconv.FormatInt(epochMs(end), 10)
	if captureID != "" {
		fields["capture_id"] = captureID
	}

	if ms := end.Sub(start).Milliseconds(); ms >= 0 {
		p.stageMs[stage] = ms
	}
	p.c.deps.Telemetry.Record(stage, run.ID, fields)

	if captureID == "" {
		return
	}
	entry := newLogEntry(run.ID, captureID, stage, status, start, end, fields)
	if err := p.c.deps.Artifacts.AppendLog(context.WithoutCancel(p.ctx), captureID, entry); err != nil {
		p.logger.WithError(err).WithField("stage", stage).Warn("dictation: failed to append run log")
	}
}

func newLogEntry(runID, captureID, stage, status string, start, end time.Time, fields map[string]string) LogEntry {
	return LogEntry{
		RunID:        runID,
		CaptureID:    captureID,
		Type:         stage,
		Status:       status,
		StartedAtMs:  epochMs(start),
		EndedAtMs:    epochMs(end),
		RecordedAtMs: epochMs(time.Now()),
		Fields:       fields,
	}
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

func (c *Coordinator) captureError(err error, run *RunContext, stage string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("run_id", run.ID)
		scope.SetTag("model", run.Model.ID)
		scope.SetTag("stage", stage)
		sentry.CaptureException(err)
	})
}
