package stt

import (
	"errors"
	"fmt"
	"time"
)

var errNoBatch = errors.New("no batch transcription client configured")

// Attempt kinds recorded on a Transcription.
const (
	AttemptStreamFinalize = "stream_finalize"
	AttemptRESTFallback   = "rest_fallback"
	AttemptREST           = "rest"
)

// Routes describe how the final transcript was obtained.
const (
	RouteStreaming             = "streaming"
	RouteStreamingFallbackREST = "streaming_fallback_rest"
	RouteREST                  = "rest"
)

// Usage sources.
const (
	DurationFromServer   = "server"
	DurationFromEstimate = "estimate"
)

// Attempt is one transcription try, kept for observability.
type Attempt struct {
	Kind        string `json:"kind"`
	Status      string `json:"status"` // "ok" or "error"
	StartedAtMs int64  `json:"started_at_ms"`
	EndedAtMs   int64  `json:"ended_at_ms"`
	Error       string `json:"error,omitempty"`

	// ConnectWaitMs is the part of a stream finalize spent waiting for a
	// handshake that had not completed when the run stopped.
	ConnectWaitMs int64 `json:"connect_wait_ms,omitempty"`
}

// Usage is the billable audio the provider processed.
type Usage struct {
	DurationSeconds float64 `json:"duration_seconds"`
	RequestID       string  `json:"request_id,omitempty"`
	Source          string  `json:"source"`
}

// Transcription is the final result of one run's speech-to-text stage.
type Transcription struct {
	Text     string
	Usage    *Usage
	Attempts []Attempt
	Route    string
}

// TransportError wraps a network or protocol failure talking to the
// speech-to-text provider.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("stt %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// wrapTransport returns err as a *TransportError unless it already is one.
func wrapTransport(op string, err error) error {
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{Op: op, Err: err}
}

// resolveUsage prefers a positive server-reported duration and falls back to
// an estimate from 16-bit mono PCM byte count.
func resolveUsage(serverDuration float64, requestID string, pcmBytes, sampleRate int) *Usage {
	if serverDuration > 0 {
		return &Usage{DurationSeconds: serverDuration, RequestID: requestID, Source: DurationFromServer}
	}
	if pcmBytes <= 0 || sampleRate <= 0 {
		return nil
	}
	return &Usage{
		DurationSeconds: float64(pcmBytes) / 2 / float64(sampleRate),
		RequestID:       requestID,
		Source:          DurationFromEstimate,
	}
}

func epochMs(t time.Time) int64 { return t.UnixMilli() }
