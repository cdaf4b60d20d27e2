package httpapi

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/lukasbauer/dictate/internal/dictation"
)

// ErrNoAudioSource is returned by Start when no helper is streaming audio.
var ErrNoAudioSource = errors.New("no audio source connected")

var errUnknownCapture = errors.New("unknown capture handle")

type capture struct {
	handle  dictation.CaptureHandle
	pcm     []byte
	onChunk func([]byte)
}

// AudioBridge turns binary PCM frames from a helper on /ws/audio into
// captures. It implements dictation.AudioCapture. Frames that arrive while
// no capture is active are dropped.
type AudioBridge struct {
	sampleRate int
	logger     *logrus.Entry
	notify     func(Message) int

	mu      sync.Mutex
	sources int
	active  *capture
}

// NewAudioBridge creates a bridge for 16-bit mono PCM at sampleRate.
// notify, when set, tells helpers when to begin and end streaming.
func NewAudioBridge(sampleRate int, notify func(Message) int, logger *logrus.Entry) *AudioBridge {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &AudioBridge{
		sampleRate: sampleRate,
		notify:     notify,
		logger:     logger.WithField("component", "audio"),
	}
}

// Sources returns the number of connected audio helpers.
func (b *AudioBridge) Sources() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sources
}

func (b *AudioBridge) Start(_ context.Context, onChunk func([]byte)) (dictation.CaptureHandle, error) {
	b.mu.Lock()
	if b.sources == 0 {
		b.mu.Unlock()
		return "", ErrNoAudioSource
	}
	c := &capture{handle: dictation.CaptureHandle(uuid.NewString()), onChunk: onChunk}
	b.active = c
	b.mu.Unlock()

	if b.notify != nil {
		b.notify(Message{Type: MsgCaptureStart, ID: string(c.handle)})
	}
	return c.handle, nil
}

func (b *AudioBridge) Stop(handle dictation.CaptureHandle) (dictation.Recording, error) {
	b.mu.Lock()
	c := b.active
	if c == nil || c.handle != handle {
		b.mu.Unlock()
		return dictation.Recording{SampleRate: b.sampleRate}, errUnknownCapture
	}
	b.active = nil
	b.mu.Unlock()

	if b.notify != nil {
		b.notify(Message{Type: MsgCaptureStop, ID: string(handle)})
	}
	return dictation.Recording{SampleRate: b.sampleRate, PCM: c.pcm}, nil
}

// write appends a frame to the active capture and forwards it.
func (b *AudioBridge) write(frame []byte) {
	b.mu.Lock()
	c := b.active
	if c == nil {
		b.mu.Unlock()
		return
	}
	chunk := make([]byte, len(frame))
	copy(chunk, frame)
	c.pcm = append(c.pcm, chunk...)
	onChunk := c.onChunk
	b.mu.Unlock()

	if onChunk != nil {
		onChunk(chunk)
	}
}

func (r *Router) handleAudioWS(w http.ResponseWriter, req *http.Request) {
	if r.deps.Audio == nil {
		http.Error(w, "audio not configured", http.StatusServiceUnavailable)
		return
	}
	r.deps.Audio.ServeWS(w, req)
}

// ServeWS upgrades the request and reads audio frames until the helper
// disconnects.
func (b *AudioBridge) ServeWS(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		b.logger.WithError(err).Warn("audio: upgrade failed")
		return
	}
	b.mu.Lock()
	b.sources++
	b.mu.Unlock()
	b.logger.Info("audio: source connected")

	defer func() {
		b.mu.Lock()
		b.sources--
		b.mu.Unlock()
		_ = conn.Close()
		b.logger.Info("audio: source disconnected")
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				b.logger.WithError(err).Debug("audio: read error")
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		b.write(data)
	}
}
