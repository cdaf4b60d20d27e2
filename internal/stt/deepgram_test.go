package stt

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeDeepgram is a scripted stand-in for the streaming endpoint.
type fakeDeepgram struct {
	onAudio    []string // frames sent after the first audio chunk
	onFinalize []string
	onClose    []string
	// spamAfterFinalize sends interim results every few ms until CloseStream.
	spamAfterFinalize bool

	mu         sync.Mutex
	auth       string
	query      string
	audioBytes int
	controls   []string
}

func (f *fakeDeepgram) handler(t *testing.T) http.HandlerFunc {
	upgrader := websocket.Upgrader{}
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.auth = r.Header.Get("Authorization")
		f.query = r.URL.RawQuery
		f.mu.Unlock()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		var writeMu sync.Mutex
		send := func(frames []string) {
			writeMu.Lock()
			defer writeMu.Unlock()
			for _, frame := range frames {
				_ = conn.WriteMessage(websocket.TextMessage, []byte(frame))
			}
		}

		stopSpam := make(chan struct{})
		var spamOnce sync.Once
		sawAudio := false
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				spamOnce.Do(func() { close(stopSpam) })
				return
			}
			if mt == websocket.BinaryMessage {
				f.mu.Lock()
				f.audioBytes += len(msg)
				f.mu.Unlock()
				if !sawAudio {
					sawAudio = true
					send(f.onAudio)
				}
				continue
			}

			f.mu.Lock()
			f.controls = append(f.controls, string(msg))
			f.mu.Unlock()

			switch string(msg) {
			case msgFinalize:
				send(f.onFinalize)
				if f.spamAfterFinalize {
					go func() {
						ticker := time.NewTicker(5 * time.Millisecond)
						defer ticker.Stop()
						for {
							select {
							case <-stopSpam:
								return
							case <-ticker.C:
								send([]string{interim("still talking")})
							}
						}
					}()
				}
			case msgCloseStream:
				spamOnce.Do(func() { close(stopSpam) })
				send(f.onClose)
				return
			}
		}
	}
}

func (f *fakeDeepgram) snapshot() (auth, query string, audioBytes int, controls []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.auth, f.query, f.audioBytes, append([]string(nil), f.controls...)
}

func interim(text string) string {
	return `{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"` + text + `"}]}}`
}

func final(text string, speechFinal bool) string {
	sf := "false"
	if speechFinal {
		sf = "true"
	}
	return `{"type":"Results","is_final":true,"speech_final":` + sf + `,"channel":{"alternatives":[{"transcript":"` + text + `"}]}}`
}

func metadata(duration string) string {
	return `{"type":"Metadata","request_id":"req-1","duration":` + duration + `}`
}

func testDrain() DrainConfig {
	return DrainConfig{
		WithText: DrainPolicy{
			MinWait: 30 * time.Millisecond, MaxWait: 400 * time.Millisecond,
			NoMessageGrace: 150 * time.Millisecond, IdleGap: 60 * time.Millisecond,
			SpeechFinalIdle: 20 * time.Millisecond, MetadataIdle: 25 * time.Millisecond,
			Poll: 5 * time.Millisecond,
		},
		WithoutText: DrainPolicy{
			MinWait: 80 * time.Millisecond, MaxWait: 500 * time.Millisecond,
			NoMessageGrace: 200 * time.Millisecond, IdleGap: 90 * time.Millisecond,
			Poll: 5 * time.Millisecond,
		},
		Close: DrainPolicy{
			MinWait: 10 * time.Millisecond, MaxWait: 100 * time.Millisecond,
			NoMessageGrace: 40 * time.Millisecond, IdleGap: 20 * time.Millisecond,
			Poll: 5 * time.Millisecond,
		},
	}
}

func openTest(t *testing.T, f *fakeDeepgram) *Session {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)

	s := Open(SessionConfig{
		APIKey:         "dg-key",
		Language:       "en",
		SampleRate:     16000,
		InterimResults: true,
		URL:            "ws" + strings.TrimPrefix(srv.URL, "http"),
		Drain:          testDrain(),
	})
	t.Cleanup(s.Cancel)
	return s
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestSessionPartialSupersededByFinal(t *testing.T) {
	f := &fakeDeepgram{
		onAudio:    []string{interim("hello"), final("hello world", true)},
		onFinalize: []string{metadata("1.5")},
	}
	s := openTest(t, f)

	s.Enqueue(make([]byte, 3200))
	waitFor(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.finals) == 1
	})

	text, usage, err := s.Finish(context.Background())
	if err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	if text != "hello world" {
		t.Errorf("text = %q, want %q", text, "hello world")
	}
	if usage == nil || usage.Source != DurationFromServer || usage.DurationSeconds != 1.5 {
		t.Errorf("usage = %+v, want server duration 1.5", usage)
	}
	if usage != nil && usage.RequestID != "req-1" {
		t.Errorf("RequestID = %q, want %q", usage.RequestID, "req-1")
	}

	auth, query, audioBytes, controls := f.snapshot()
	if auth != "Token dg-key" {
		t.Errorf("Authorization = %q, want %q", auth, "Token dg-key")
	}
	for _, want := range []string{"model=nova-3", "encoding=linear16", "sample_rate=16000", "interim_results=true", "language=en"} {
		if !strings.Contains(query, want) {
			t.Errorf("query %q missing %q", query, want)
		}
	}
	if audioBytes != 3200 {
		t.Errorf("audioBytes = %d, want 3200", audioBytes)
	}
	if len(controls) < 2 || controls[0] != msgFinalize || controls[1] != msgCloseStream {
		t.Errorf("controls = %v, want Finalize then CloseStream", controls)
	}
}

func TestSessionQueuesAudioBeforeHandshake(t *testing.T) {
	f := &fakeDeepgram{onAudio: []string{final("queued", false)}}
	s := openTest(t, f)

	// Enqueued immediately after Open, before the dial can have finished.
	for i := 0; i < 5; i++ {
		s.Enqueue(make([]byte, 640))
	}

	text, usage, err := s.Finish(context.Background())
	if err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	if text != "queued" {
		t.Errorf("text = %q, want %q", text, "queued")
	}
	if _, _, audioBytes, _ := f.snapshot(); audioBytes != 3200 {
		t.Errorf("audioBytes = %d, want 3200", audioBytes)
	}
	// No Metadata: duration is estimated from 3200 bytes at 16 kHz.
	if usage == nil || usage.Source != DurationFromEstimate || usage.DurationSeconds != 0.1 {
		t.Errorf("usage = %+v, want estimate of 0.1s", usage)
	}
}

func TestSessionFinishHonorsMinimumWait(t *testing.T) {
	s := openTest(t, &fakeDeepgram{})
	s.Enqueue(make([]byte, 320))

	start := time.Now()
	text, _, err := s.Finish(context.Background())
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	if text != "" {
		t.Errorf("text = %q, want empty", text)
	}
	policy := testDrain()
	if elapsed < policy.WithoutText.MinWait {
		t.Errorf("Finish returned after %v, before minimum wait %v", elapsed, policy.WithoutText.MinWait)
	}
}

func TestSessionFinishBoundedByCeiling(t *testing.T) {
	s := openTest(t, &fakeDeepgram{spamAfterFinalize: true})
	s.Enqueue(make([]byte, 320))

	start := time.Now()
	if _, _, err := s.Finish(context.Background()); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	elapsed := time.Since(start)

	policy := testDrain()
	ceiling := policy.WithoutText.MaxWait + policy.Close.MaxWait + 250*time.Millisecond
	if elapsed < policy.WithoutText.MaxWait {
		t.Errorf("Finish returned after %v; continuous messages should hold it to the ceiling %v", elapsed, policy.WithoutText.MaxWait)
	}
	if elapsed > ceiling {
		t.Errorf("Finish took %v, want at most %v", elapsed, ceiling)
	}
}

func TestSessionSpeechFinalExitsEarly(t *testing.T) {
	f := &fakeDeepgram{
		onAudio:    []string{interim("quick")},
		onFinalize: []string{final("quick note", true)},
	}
	s := openTest(t, f)
	s.Enqueue(make([]byte, 320))
	waitFor(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.partial != ""
	})

	start := time.Now()
	text, _, err := s.Finish(context.Background())
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	if text != "quick note" {
		t.Errorf("text = %q, want %q", text, "quick note")
	}
	policy := testDrain()
	if elapsed >= policy.WithText.MaxWait {
		t.Errorf("Finish took %v, expected an early exit before %v", elapsed, policy.WithText.MaxWait)
	}
}

func TestSessionEmptyTranscriptWithSendErrorFails(t *testing.T) {
	s := openTest(t, &fakeDeepgram{})
	s.recordSendErr("send audio", errors.New("broken pipe"))

	_, _, err := s.Finish(context.Background())
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("Finish() error = %v, want *TransportError", err)
	}
	if te.Op != "send audio" {
		t.Errorf("Op = %q, want %q", te.Op, "send audio")
	}
}

func TestSessionTextSurvivesLaterSendError(t *testing.T) {
	f := &fakeDeepgram{onAudio: []string{final("kept", true)}}
	s := openTest(t, f)
	s.Enqueue(make([]byte, 320))
	waitFor(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.finals) == 1
	})
	s.recordSendErr("send audio", errors.New("broken pipe"))

	text, _, err := s.Finish(context.Background())
	if err != nil {
		t.Fatalf("Finish() error = %v, want nil", err)
	}
	if text != "kept" {
		t.Errorf("text = %q, want %q", text, "kept")
	}
}

func TestSessionDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	s := Open(SessionConfig{APIKey: "k", URL: "ws" + strings.TrimPrefix(srv.URL, "http"), Drain: testDrain()})
	defer s.Cancel()
	s.Enqueue(make([]byte, 320))

	_, _, err := s.Finish(context.Background())
	var te *TransportError
	if !errors.As(err, &te) || te.Op != "dial" {
		t.Fatalf("Finish() error = %v, want dial TransportError", err)
	}
}

func TestSessionFinishTwice(t *testing.T) {
	s := openTest(t, &fakeDeepgram{})
	if _, _, err := s.Finish(context.Background()); err != nil {
		t.Fatalf("first Finish() error = %v", err)
	}
	if _, _, err := s.Finish(context.Background()); err == nil {
		t.Error("second Finish() should fail")
	}
}

func TestSessionCancelIsIdempotent(t *testing.T) {
	s := openTest(t, &fakeDeepgram{})
	s.Enqueue(make([]byte, 320))
	s.Cancel()
	s.Cancel()
	s.Enqueue(make([]byte, 320)) // no panic after teardown
}

func TestJoinTranscript(t *testing.T) {
	tests := []struct {
		name    string
		finals  []string
		partial string
		want    string
	}{
		{"finals only", []string{"one", "two"}, "", "one two"},
		{"partial appended", []string{"one"}, "two", "one two"},
		{"partial only", nil, " solo ", "solo"},
		{"partial duplicates last final", []string{"hello world"}, "hello world", "hello world"},
		{"empty", nil, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := joinTranscript(tt.finals, tt.partial); got != tt.want {
				t.Errorf("joinTranscript() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolveUsage(t *testing.T) {
	if u := resolveUsage(2.5, "r", 64000, 16000); u.DurationSeconds != 2.5 || u.Source != DurationFromServer {
		t.Errorf("server duration not preferred: %+v", u)
	}
	if u := resolveUsage(0, "", 64000, 16000); u.DurationSeconds != 2 || u.Source != DurationFromEstimate {
		t.Errorf("estimate = %+v, want 2s", u)
	}
	if u := resolveUsage(0, "", 0, 16000); u != nil {
		t.Errorf("resolveUsage with no audio = %+v, want nil", u)
	}
}

func TestSessionReportsHandshakeWait(t *testing.T) {
	f := &fakeDeepgram{onAudio: []string{final("slow link", false)}}
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)

	delay := 150 * time.Millisecond
	s := Open(SessionConfig{
		APIKey:     "dg-key",
		SampleRate: 16000,
		URL:        "ws" + strings.TrimPrefix(srv.URL, "http"),
		Drain:      testDrain(),
		Dialer: &websocket.Dialer{
			HandshakeTimeout: time.Second,
			NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				return (&net.Dialer{}).DialContext(ctx, network, addr)
			},
		},
	})
	t.Cleanup(s.Cancel)

	s.Enqueue(make([]byte, 640))
	text, _, err := s.Finish(context.Background())
	if err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	if text != "slow link" {
		t.Errorf("text = %q, want %q", text, "slow link")
	}
	if wait := s.ConnectWait(); wait < delay/2 || wait > 2*time.Second {
		t.Errorf("ConnectWait() = %v, want about %v", wait, delay)
	}
}

func TestSessionNoHandshakeWaitWhenConnected(t *testing.T) {
	f := &fakeDeepgram{onAudio: []string{final("ready", false)}}
	s := openTest(t, f)

	s.Enqueue(make([]byte, 640))
	waitFor(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.finals) == 1
	})

	if _, _, err := s.Finish(context.Background()); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	if wait := s.ConnectWait(); wait != 0 {
		t.Errorf("ConnectWait() = %v, want 0", wait)
	}
}
