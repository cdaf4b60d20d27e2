package stt

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Finisher is the streaming half of a run. *Session satisfies it.
type Finisher interface {
	Finish(ctx context.Context) (string, *Usage, error)
}

type connectWaiter interface {
	ConnectWait() time.Duration
}

// Batcher transcribes a complete recording. *BatchClient satisfies it.
type Batcher interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int, language string) (string, *Usage, error)
}

// Transcriber resolves a run's transcript from the streaming session when
// there is one, falling back to a single batch request.
type Transcriber struct {
	batch  Batcher
	logger *logrus.Entry
}

// NewTranscriber creates a Transcriber. batch may be nil when only streaming
// is available.
func NewTranscriber(batch Batcher, logger *logrus.Entry) *Transcriber {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Transcriber{batch: batch, logger: logger.WithField("component", "stt")}
}

// Transcribe finishes stream (if non-nil) and returns the transcript along
// with every attempt made.
func (t *Transcriber) Transcribe(ctx context.Context, stream Finisher, pcm []byte, sampleRate int, language string) (Transcription, error) {
	var out Transcription

	if stream != nil {
		started := time.Now()
		text, usage, err := stream.Finish(ctx)
		attempt := Attempt{Kind: AttemptStreamFinalize, StartedAtMs: epochMs(started), EndedAtMs: epochMs(time.Now())}
		if cw, ok := stream.(connectWaiter); ok {
			attempt.ConnectWaitMs = cw.ConnectWait().Milliseconds()
		}
		if err == nil {
			attempt.Status = "ok"
			out.Attempts = append(out.Attempts, attempt)
			out.Text, out.Usage, out.Route = text, usage, RouteStreaming
			return out, nil
		}
		attempt.Status = "error"
		attempt.Error = err.Error()
		out.Attempts = append(out.Attempts, attempt)
		if ctx.Err() != nil || t.batch == nil {
			return out, wrapTransport("stream finalize", err)
		}
		t.logger.WithError(err).Warn("stt: streaming finalize failed, falling back to REST")

		return t.rest(ctx, out, AttemptRESTFallback, RouteStreamingFallbackREST, pcm, sampleRate, language)
	}

	if t.batch == nil {
		return out, &TransportError{Op: "rest", Err: errNoBatch}
	}
	return t.rest(ctx, out, AttemptREST, RouteREST, pcm, sampleRate, language)
}

func (t *Transcriber) rest(ctx context.Context, out Transcription, kind, route string, pcm []byte, sampleRate int, language string) (Transcription, error) {
	started := time.Now()
	text, usage, err := t.batch.Transcribe(ctx, pcm, sampleRate, language)
	attempt := Attempt{Kind: kind, StartedAtMs: epochMs(started), EndedAtMs: epochMs(time.Now())}
	out.Route = route
	if err != nil {
		attempt.Status = "error"
		attempt.Error = err.Error()
		out.Attempts = append(out.Attempts, attempt)
		return out, wrapTransport(kind, err)
	}
	attempt.Status = "ok"
	out.Attempts = append(out.Attempts, attempt)
	out.Text, out.Usage = text, usage
	return out, nil
}
