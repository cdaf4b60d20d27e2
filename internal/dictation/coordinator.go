// Package dictation drives a dictation run from activation to delivery of
// the rewritten text: capture, streaming transcription, speculative context
// enrichment, rewriting and injection, sequenced under the pipeline state
// machine.
package dictation

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lukasbauer/dictate/internal/audio"
	"github.com/lukasbauer/dictate/internal/enrich"
	"github.com/lukasbauer/dictate/internal/pipeline"
	"github.com/lukasbauer/dictate/internal/settings"
	"github.com/lukasbauer/dictate/internal/stt"
)

// Deps are the collaborators a Coordinator drives. Audio, Config,
// Credentials, Injector and Generator are required; the rest default to
// no-ops.
type Deps struct {
	Audio       AudioCapture
	Config      ConfigStore
	Credentials CredentialResolver
	Injector    TextInjector
	Generator   Generator
	Telemetry   TelemetrySink
	Artifacts   ArtifactStore
	Foreground  ForegroundInspector
	Screens     ScreenCapturer
	Cues        CuePlayer

	// OpenStream starts a streaming transcription session. Defaults to
	// stt.Open.
	OpenStream func(cfg stt.SessionConfig) (Stream, error)
	// NewBatch builds the REST transcriber for a run. Defaults to a
	// Deepgram stt.BatchClient.
	NewBatch func(apiKey string) stt.Batcher
}

// Options tune a Coordinator.
type Options struct {
	// EnrichmentGrace bounds how long a finished stage waits for an
	// enrichment job that is not done yet.
	EnrichmentGrace time.Duration
	// ResetDelay is how long Done is shown before returning to Idle.
	ResetDelay time.Duration
	// SampleRate is the capture rate announced to the streaming session.
	SampleRate int
	StreamURL  string
	BatchURL   string
	Drain      stt.DrainConfig
	Logger     *logrus.Entry
}

func (o Options) withDefaults() Options {
	if o.EnrichmentGrace <= 0 {
		o.EnrichmentGrace = 25 * time.Millisecond
	}
	if o.ResetDelay <= 0 {
		o.ResetDelay = 100 * time.Millisecond
	}
	if o.SampleRate <= 0 {
		o.SampleRate = 16000
	}
	if o.Logger == nil {
		o.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return o
}

// Coordinator owns at most one active run.
type Coordinator struct {
	deps     Deps
	opts     Options
	logger   *logrus.Entry
	machine  *pipeline.Machine
	enricher *enrich.Coordinator
	registry *RunRegistry

	states      <-chan pipeline.Change
	unsubscribe func()
	errs        chan string

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu             sync.Mutex
	// owner is the generation of the run allowed to fire machine events.
	// Start bumps it, so a pipeline still finishing an older run goes quiet.
	owner          uint64
	run            *RunContext
	capture        CaptureHandle
	stream         Stream
	summary        *enrich.Task[enrich.SummaryResult]
	pipelineCancel context.CancelFunc
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(deps Deps, opts Options) *Coordinator {
	opts = opts.withDefaults()
	if deps.Telemetry == nil {
		deps.Telemetry = nopTelemetry{}
	}
	if deps.Artifacts == nil {
		deps.Artifacts = nopArtifacts{}
	}
	if deps.Cues == nil {
		deps.Cues = nopCues{}
	}
	if deps.Foreground == nil {
		deps.Foreground = nopForeground{}
	}
	if deps.OpenStream == nil {
		deps.OpenStream = func(cfg stt.SessionConfig) (Stream, error) { return stt.Open(cfg), nil }
	}
	if deps.NewBatch == nil {
		batchURL := opts.BatchURL
		deps.NewBatch = func(apiKey string) stt.Batcher {
			return stt.NewBatchClient(stt.BatchConfig{APIKey: apiKey, URL: batchURL})
		}
	}

	logger := opts.Logger.WithField("component", "dictation")
	machine := pipeline.NewMachine()
	machine.OnUnexpected = func(s pipeline.State, e pipeline.Event) {
		logger.WithFields(logrus.Fields{"state": s, "event": e}).Debug("dictation: unexpected transition ignored")
	}
	states, unsubscribe := machine.Subscribe(64)
	ctx, cancel := context.WithCancel(context.Background())

	return &Coordinator{
		deps:        deps,
		opts:        opts,
		logger:      logger,
		machine:     machine,
		enricher:    enrich.NewCoordinator(deps.Generator, deps.Screens, opts.Logger),
		registry:    NewRunRegistry(),
		states:      states,
		unsubscribe: unsubscribe,
		errs:        make(chan string, 16),
		baseCtx:     ctx,
		baseCancel:  cancel,
	}
}

// States delivers every pipeline state change.
func (c *Coordinator) States() <-chan pipeline.Change { return c.states }

// Errors delivers user-facing error and warning messages.
func (c *Coordinator) Errors() <-chan string { return c.errs }

// State returns the current pipeline state.
func (c *Coordinator) State() pipeline.State { return c.machine.State() }

// Active reports whether a capture is in progress.
func (c *Coordinator) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.run != nil
}

// InFlight returns the number of completion pipelines still running.
func (c *Coordinator) InFlight() int64 { return c.registry.ActiveCount() }

func (c *Coordinator) emitError(msg string) {
	select {
	case c.errs <- msg:
	default:
		c.logger.WithField("message", msg).Warn("dictation: error channel full, message dropped")
	}
}

// Start begins a run. It is a no-op while a capture is active. A missing
// credential is reported as a *ConfigurationError before anything changes.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run != nil {
		return nil
	}

	cfg, err := c.deps.Config.Load()
	if err != nil {
		return &ConfigurationError{Field: "settings", Err: err}
	}
	run, err := c.preflight(cfg)
	if err != nil {
		return err
	}

	var stream Stream
	if cfg.STTStreaming && !run.DirectAudio && cfg.STTProvider == settings.ProviderDeepgram {
		stream, err = c.deps.OpenStream(stt.SessionConfig{
			APIKey:     run.sttKey,
			Language:   languageParam(cfg.InputLanguage),
			SampleRate: c.opts.SampleRate,
			URL:        c.opts.StreamURL,
			Drain:      c.opts.Drain,
			Logger:     c.logger.WithField("run_id", run.ID),
		})
		if err != nil {
			c.logger.WithError(err).WithField("run_id", run.ID).Warn("dictation: streaming unavailable, using batch transcription")
			stream = nil
		}
	}
	run.Streaming = stream != nil

	snap := c.deps.Foreground.Snapshot()
	run.AppName, run.AppPID = snap.AppName, snap.AppPID
	source := enrich.SummarySource(snap.WindowText)
	summary := c.enricher.StartSummary(c.baseCtx, run.enrichRun(), source, snap.AppName)
	run.SummaryStarted = summary != nil
	run.SummarySource = enrich.NormalizeSource(source)

	c.owner++
	handle, err := c.deps.Audio.Start(ctx, func(chunk []byte) {
		if stream != nil {
			stream.Enqueue(chunk)
		}
	})
	if err != nil {
		enrich.Cancel(summary, enrich.ReasonPipelineError)
		if stream != nil {
			stream.Cancel()
		}
		c.machine.Fire(pipeline.EventFail)
		c.emitError("Failed to start recording: " + err.Error())
		c.machine.Fire(pipeline.EventReset)
		c.logger.WithError(err).WithField("run_id", run.ID).Error("dictation: audio capture failed to start")
		return fmt.Errorf("start capture: %w", err)
	}

	c.run, c.capture, c.stream, c.summary = run, handle, stream, summary
	if c.machine.State() != pipeline.StateIdle {
		c.machine.Fire(pipeline.EventReset)
	}
	c.machine.Fire(pipeline.EventStartRecording)

	c.deps.Telemetry.Record("recording_start", run.ID, map[string]string{
		"mode":                          cfg.RecordingMode,
		"model":                         run.Model.ID,
		"stt_provider":                  cfg.STTProvider,
		"stt_streaming":                 strconv.FormatBool(run.Streaming),
		"vision_enabled":                strconv.FormatBool(run.VisionEnabled),
		"accessibility_summary_started": strconv.FormatBool(run.SummaryStarted),
		"recording_started_at_ms":       strconv.FormatInt(epochMs(run.StartedAt), 10),
	})
	c.deps.Cues.PlayStart()
	return nil
}

func (c *Coordinator) preflight(cfg settings.Settings) (*RunContext, error) {
	model := cfg.Model()
	llmKey, err := c.deps.Credentials.APIKey(string(model.Provider))
	if err != nil || llmKey == "" {
		return nil, &ConfigurationError{Field: "api_keys." + string(model.Provider), Err: err}
	}

	var sttKey string
	if !model.DirectAudio {
		provider := cfg.STTProvider
		if provider == "" {
			provider = settings.ProviderDeepgram
		}
		sttKey, err = c.deps.Credentials.APIKey(provider)
		if err != nil || sttKey == "" {
			return nil, &ConfigurationError{Field: "api_keys." + provider, Err: err}
		}
	}

	return &RunContext{
		ID:            newRunID(),
		StartedAt:     time.Now(),
		Settings:      cfg,
		Model:         model,
		VisionEnabled: cfg.Context.VisionEnabled,
		DirectAudio:   model.DirectAudio,
		sttKey:        sttKey,
		llmKey:        llmKey,
	}, nil
}

// Stop ends the active capture and launches the completion pipeline in the
// background. It reports whether a run was stopped.
func (c *Coordinator) Stop(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil {
		return false
	}
	run, handle, stream, summary := c.run, c.capture, c.stream, c.summary
	c.run, c.capture, c.stream, c.summary = nil, "", nil, nil

	rec, err := c.deps.Audio.Stop(handle)
	stoppedAt := time.Now()
	if err != nil {
		c.logger.WithError(err).WithField("run_id", run.ID).Warn("dictation: audio capture did not stop cleanly")
	}
	c.machine.Fire(pipeline.EventStopRecording)

	c.deps.Telemetry.Record("recording_stop", run.ID, map[string]string{
		"pcm_bytes":               strconv.Itoa(len(rec.PCM)),
		"sample_rate":             strconv.Itoa(rec.SampleRate),
		"duration_ms":             strconv.FormatInt(audio.Duration(len(rec.PCM), rec.SampleRate), 10),
		"recording_stopped_at_ms": strconv.FormatInt(epochMs(stoppedAt), 10),
	})

	snap := c.deps.Foreground.Snapshot()
	persistCtx := context.WithoutCancel(ctx)
	captureID, err := c.deps.Artifacts.PersistRecording(persistCtx, run.ID, rec, snap)
	if err != nil {
		c.logger.WithError(err).WithField("run_id", run.ID).Warn("dictation: failed to persist recording")
		captureID = ""
	}
	if captureID != "" {
		entry := LogEntry{
			RunID:        run.ID,
			CaptureID:    captureID,
			Type:         "recording",
			Status:       "ok",
			StartedAtMs:  epochMs(run.StartedAt),
			EndedAtMs:    epochMs(stoppedAt),
			RecordedAtMs: epochMs(time.Now()),
			Fields: map[string]string{
				"model":         run.Model.ID,
				"stt_streaming": strconv.FormatBool(run.Streaming),
				"sample_rate":   strconv.Itoa(rec.SampleRate),
				"pcm_bytes":     strconv.Itoa(len(rec.PCM)),
			},
		}
		if err := c.deps.Artifacts.AppendLog(persistCtx, captureID, entry); err != nil {
			c.logger.WithError(err).WithField("capture_id", captureID).Warn("dictation: failed to append recording log")
		}
	}

	if c.pipelineCancel != nil {
		c.pipelineCancel()
		c.pipelineCancel = nil
	}

	job := &completion{
		run:        run,
		rec:        rec,
		stream:     stream,
		summary:    summary,
		stopSnap:   snap,
		stopSource: enrich.SummarySource(snap.WindowText),
		captureID:  captureID,
		stoppedAt:  stoppedAt,
		owner:      c.owner,
	}

	if !c.registry.Add() {
		enrich.Cancel(summary, enrich.ReasonPipelineError)
		if stream != nil {
			stream.Cancel()
		}
		c.machine.Fire(pipeline.EventReset)
		c.logger.WithField("run_id", run.ID).Warn("dictation: shutting down, completion skipped")
		return true
	}
	pctx, cancel := context.WithCancel(c.baseCtx)
	c.pipelineCancel = cancel
	go func() {
		defer c.registry.Done()
		defer cancel()
		c.complete(pctx, job)
	}()
	return true
}

// Close aborts any active capture, cancels in-flight pipelines and waits
// for them to return.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	var err error
	if c.run != nil {
		enrich.Cancel(c.summary, enrich.ReasonPipelineError)
		if c.stream != nil {
			c.stream.Cancel()
		}
		if _, stopErr := c.deps.Audio.Stop(c.capture); stopErr != nil {
			err = fmt.Errorf("stop capture: %w", stopErr)
		}
		c.run, c.capture, c.stream, c.summary = nil, "", nil, nil
	}
	c.registry.StartDraining()
	c.mu.Unlock()

	c.baseCancel()
	c.registry.Wait()
	c.unsubscribe()
	return err
}

// Draining reports whether Close has started.
func (c *Coordinator) Draining() bool { return c.registry.IsDraining() }
