package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lukasbauer/dictate/internal/dictation"
)

type chunkSink struct {
	mu     sync.Mutex
	chunks [][]byte
}

func (s *chunkSink) add(b []byte) {
	s.mu.Lock()
	s.chunks = append(s.chunks, b)
	s.mu.Unlock()
}

func (s *chunkSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}

func TestBridgeStartWithoutSource(t *testing.T) {
	b := NewAudioBridge(16000, nil, testLogger())
	_, err := b.Start(context.Background(), nil)
	assert.True(t, errors.Is(err, ErrNoAudioSource))
}

func TestBridgeCapturesFrames(t *testing.T) {
	var (
		mu       sync.Mutex
		notified []string
	)
	notify := func(m Message) int {
		mu.Lock()
		notified = append(notified, m.Type)
		mu.Unlock()
		return 1
	}
	b := NewAudioBridge(16000, notify, testLogger())
	srv := httptest.NewServer(http.HandlerFunc(b.ServeWS))
	t.Cleanup(srv.Close)
	conn := dialHub(t, srv, "/")
	require.Eventually(t, func() bool { return b.Sources() == 1 }, time.Second, 5*time.Millisecond)

	// Frames before Start are dropped.
	b.write([]byte{9, 9})

	sink := &chunkSink{}
	handle, err := b.Start(context.Background(), sink.add)
	require.NoError(t, err)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ignored")))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2}))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{3, 4}))
	require.Eventually(t, func() bool { return sink.count() == 2 }, time.Second, 5*time.Millisecond)

	rec, err := b.Stop(handle)
	require.NoError(t, err)
	assert.Equal(t, 16000, rec.SampleRate)
	assert.Equal(t, []byte{1, 2, 3, 4}, rec.PCM)

	mu.Lock()
	assert.Equal(t, []string{MsgCaptureStart, MsgCaptureStop}, notified)
	mu.Unlock()

	_, err = b.Stop(handle)
	assert.Error(t, err)
}

func TestBridgeStopUnknownHandle(t *testing.T) {
	b := NewAudioBridge(0, nil, testLogger())
	rec, err := b.Stop(dictation.CaptureHandle("nope"))
	assert.Error(t, err)
	assert.Equal(t, 16000, rec.SampleRate)
	assert.Empty(t, rec.PCM)
}
