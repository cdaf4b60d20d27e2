package stt

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const deepgramWSURL = "wss://api.deepgram.com/v1/listen"

const (
	msgFinalize    = `{"type":"Finalize"}`
	msgCloseStream = `{"type":"CloseStream"}`
	msgKeepAlive   = `{"type":"KeepAlive"}`

	writeTimeout = 5 * time.Second
)

// SessionConfig holds configuration for a Deepgram streaming session.
type SessionConfig struct {
	APIKey         string
	Language       string // e.g. "en", "ja"; empty or "auto" lets Deepgram decide
	Model          string // e.g. "nova-3"
	SampleRate     int    // e.g. 16000
	Encoding       string // e.g. "linear16"
	Channels       int
	Punctuate      bool
	Endpointing    int // milliseconds of silence for endpointing
	InterimResults bool

	// URL overrides the Deepgram endpoint (tests, proxies).
	URL string
	// KeepAlive is the audio idle time after which a KeepAlive frame is sent.
	KeepAlive time.Duration
	Drain     DrainConfig
	Dialer    *websocket.Dialer
	Logger    *logrus.Entry
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.Model == "" {
		c.Model = "nova-3"
	}
	if c.Encoding == "" {
		c.Encoding = "linear16"
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.Endpointing == 0 {
		c.Endpointing = 300
	}
	if c.URL == "" {
		c.URL = deepgramWSURL
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = 4 * time.Second
	}
	if c.Drain == (DrainConfig{}) {
		c.Drain = DefaultDrainConfig()
	}
	if c.Dialer == nil {
		c.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 5 * time.Second,
		}
	}
	if c.Logger == nil {
		c.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return c
}

// listenURL builds the websocket URL with query parameters.
func (c SessionConfig) listenURL() string {
	q := url.Values{}
	q.Set("model", c.Model)
	q.Set("encoding", c.Encoding)
	q.Set("sample_rate", strconv.Itoa(c.SampleRate))
	q.Set("channels", strconv.Itoa(c.Channels))
	q.Set("punctuate", strconv.FormatBool(c.Punctuate))
	q.Set("endpointing", strconv.Itoa(c.Endpointing))
	q.Set("interim_results", strconv.FormatBool(c.InterimResults))
	if lang := strings.TrimSpace(c.Language); lang != "" && lang != "auto" {
		q.Set("language", lang)
	}
	return c.URL + "?" + q.Encode()
}

// deepgramResponse represents a Deepgram WebSocket message.
type deepgramResponse struct {
	Type    string `json:"type"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
	IsFinal     bool    `json:"is_final"`
	SpeechFinal bool    `json:"speech_final"`
	Duration    float64 `json:"duration"`
	RequestID   string  `json:"request_id"`
}

// Session owns one streaming connection for the lifetime of a run. Audio is
// queued until the handshake completes; Finish drains trailing results and
// tears the connection down.
type Session struct {
	cfg    SessionConfig
	logger *logrus.Entry

	ctx    context.Context // dial context, cancelled by Cancel
	cancel context.CancelFunc

	mu          sync.Mutex
	conn        *websocket.Conn
	pending     [][]byte
	finishing   bool
	writeFailed bool
	sendErr     error
	sentBytes   int
	lastAudioAt time.Time

	finals           []string
	partial          string
	messageCount     int
	speechFinalCount int
	metadataCount    int
	lastMessageAt    time.Time
	duration         float64
	requestID        string
	connectWait      time.Duration

	wake        chan struct{}
	stopWriting chan struct{}
	dialed      chan struct{}
	writerDone  chan struct{}
	readerDone  chan struct{}
	cancelled   chan struct{}

	finishOnce sync.Once
	cancelOnce sync.Once
	wg         sync.WaitGroup
}

// Open starts connecting in the background and returns immediately.
func Open(cfg SessionConfig) *Session {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:         cfg,
		logger:      cfg.Logger.WithField("component", "stt"),
		ctx:         ctx,
		cancel:      cancel,
		wake:        make(chan struct{}, 1),
		stopWriting: make(chan struct{}),
		dialed:      make(chan struct{}),
		writerDone:  make(chan struct{}),
		readerDone:  make(chan struct{}),
		cancelled:   make(chan struct{}),
		lastAudioAt: time.Now(),
	}

	s.wg.Add(2)
	go s.dial()
	go s.writeLoop()
	return s
}

func (s *Session) dial() {
	defer s.wg.Done()
	defer close(s.dialed)

	headers := http.Header{}
	headers.Set("Authorization", "Token "+s.cfg.APIKey)

	conn, _, err := s.cfg.Dialer.DialContext(s.ctx, s.cfg.listenURL(), headers)
	if err != nil {
		s.recordSendErr("dial", err)
		s.logger.WithError(err).Warn("stt: failed to connect to Deepgram")
		return
	}

	s.mu.Lock()
	select {
	case <-s.cancelled:
		s.mu.Unlock()
		_ = conn.Close()
		return
	default:
	}
	s.conn = conn
	s.mu.Unlock()

	s.wg.Add(1)
	go s.readLoop(conn)
}

// Enqueue submits a PCM chunk. It never blocks on the network.
func (s *Session) Enqueue(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	buf := append([]byte(nil), chunk...)

	s.mu.Lock()
	if s.finishing {
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending, buf)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// writeLoop is the only writer while audio is flowing.
func (s *Session) writeLoop() {
	defer s.wg.Done()
	defer close(s.writerDone)

	select {
	case <-s.dialed:
	case <-s.cancelled:
		return
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}

	s.flush(conn)

	tick := s.cfg.KeepAlive / 4
	if tick <= 0 {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.wake:
			s.flush(conn)
		case <-ticker.C:
			s.keepAlive(conn)
		case <-s.stopWriting:
			s.flush(conn)
			return
		case <-s.cancelled:
			return
		}
	}
}

func (s *Session) flush(conn *websocket.Conn) {
	s.mu.Lock()
	chunks := s.pending
	s.pending = nil
	failed := s.writeFailed
	s.mu.Unlock()

	if failed {
		return
	}
	for _, chunk := range chunks {
		if err := s.write(conn, websocket.BinaryMessage, chunk); err != nil {
			s.recordSendErr("send audio", err)
			s.mu.Lock()
			s.writeFailed = true
			s.mu.Unlock()
			return
		}
		s.mu.Lock()
		s.sentBytes += len(chunk)
		s.lastAudioAt = time.Now()
		s.mu.Unlock()
	}
}

func (s *Session) keepAlive(conn *websocket.Conn) {
	s.mu.Lock()
	idle := time.Since(s.lastAudioAt)
	failed := s.writeFailed
	s.mu.Unlock()

	if failed || idle < s.cfg.KeepAlive {
		return
	}
	if err := s.write(conn, websocket.TextMessage, []byte(msgKeepAlive)); err != nil {
		s.logger.WithError(err).Debug("stt: keepalive failed")
		return
	}
	s.mu.Lock()
	s.lastAudioAt = time.Now()
	s.mu.Unlock()
}

func (s *Session) write(conn *websocket.Conn, messageType int, data []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(messageType, data)
}

func (s *Session) recordSendErr(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr == nil {
		s.sendErr = &TransportError{Op: op, Err: err}
	}
}

// readLoop consumes server messages until the connection closes.
func (s *Session) readLoop(conn *websocket.Conn) {
	defer s.wg.Done()
	defer close(s.readerDone)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.cancelled:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					s.logger.WithError(err).Debug("stt: read loop ended")
				}
			}
			return
		}
		s.consume(msg)
	}
}

func (s *Session) consume(msg []byte) {
	var resp deepgramResponse
	if err := json.Unmarshal(msg, &resp); err != nil {
		s.logger.WithError(err).Warn("stt: failed to parse response")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.messageCount++
	s.lastMessageAt = time.Now()

	switch resp.Type {
	case "Results":
		var text string
		if len(resp.Channel.Alternatives) > 0 {
			text = strings.TrimSpace(resp.Channel.Alternatives[0].Transcript)
		}
		if resp.IsFinal {
			if text != "" {
				s.finals = append(s.finals, text)
			}
			s.partial = ""
		} else {
			s.partial = text
		}
		if resp.SpeechFinal {
			s.speechFinalCount++
		}
	case "Metadata":
		if resp.Duration > 0 {
			s.duration = resp.Duration
		}
		if resp.RequestID != "" {
			s.requestID = resp.RequestID
		}
		s.metadataCount++
	}
}

type counters struct {
	messages     int
	speechFinals int
	metadata     int
}

func (s *Session) counters() counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return counters{s.messageCount, s.speechFinalCount, s.metadataCount}
}

// wait runs one drain according to p. It returns early only when ctx ends.
func (s *Session) wait(ctx context.Context, p DrainPolicy, base counters) error {
	start := time.Now()
	ticker := time.NewTicker(p.pollInterval())
	defer ticker.Stop()

	for {
		s.mu.Lock()
		pr := drainProgress{
			waited:         time.Since(start),
			idle:           time.Since(s.lastMessageAt),
			newMessages:    s.messageCount > base.messages,
			newSpeechFinal: s.speechFinalCount > base.speechFinals,
			newMetadata:    s.metadataCount > base.metadata,
		}
		s.mu.Unlock()

		if p.done(pr) {
			return nil
		}
		if pr.waited >= p.MinWait && s.readerClosed() {
			return nil
		}

		remaining := p.MaxWait - pr.waited
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-time.After(remaining):
		}
	}
}

func (s *Session) readerClosed() bool {
	select {
	case <-s.readerDone:
		return true
	default:
		return false
	}
}

// Finish flushes queued audio, finalizes, drains trailing results, closes
// the stream and returns the transcript. It may only be called once.
func (s *Session) Finish(ctx context.Context) (string, *Usage, error) {
	err := errors.New("stt: session already finished")
	var text string
	var usage *Usage
	s.finishOnce.Do(func() {
		text, usage, err = s.finish(ctx)
	})
	return text, usage, err
}

func (s *Session) finish(ctx context.Context) (string, *Usage, error) {
	defer s.Cancel()
	started := time.Now()

	s.mu.Lock()
	s.finishing = true
	s.mu.Unlock()
	close(s.stopWriting)

	select {
	case <-s.dialed:
	default:
		waitStart := time.Now()
		select {
		case <-s.dialed:
		case <-ctx.Done():
			return "", nil, ctx.Err()
		}
		s.mu.Lock()
		s.connectWait = time.Since(waitStart)
		s.mu.Unlock()
	}

	select {
	case <-s.writerDone:
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}

	s.mu.Lock()
	conn := s.conn
	hadText := len(s.finals) > 0 || s.partial != ""
	s.mu.Unlock()

	if conn != nil {
		base := s.counters()
		if err := s.write(conn, websocket.TextMessage, []byte(msgFinalize)); err != nil {
			s.recordSendErr("finalize", err)
		}
		policy := s.cfg.Drain.WithoutText
		if hadText {
			policy = s.cfg.Drain.WithText
		}
		if err := s.wait(ctx, policy, base); err != nil {
			return "", nil, err
		}

		base = s.counters()
		if err := s.write(conn, websocket.TextMessage, []byte(msgCloseStream)); err != nil {
			s.recordSendErr("close stream", err)
		}
		if err := s.wait(ctx, s.cfg.Drain.Close, base); err != nil {
			return "", nil, err
		}
	}

	s.Cancel()

	s.mu.Lock()
	transcript := joinTranscript(s.finals, s.partial)
	sendErr := s.sendErr
	usage := resolveUsage(s.duration, s.requestID, s.sentBytes, s.cfg.SampleRate)
	fields := logrus.Fields{
		"duration_ms":   time.Since(started).Milliseconds(),
		"had_text":      hadText,
		"messages":      s.messageCount,
		"finals":        len(s.finals),
		"speech_finals": s.speechFinalCount,
		"sent_bytes":    s.sentBytes,
		"connect_wait":  s.connectWait,
	}
	s.mu.Unlock()

	s.logger.WithFields(fields).Debug("stt: stream_finalize_done")

	if transcript == "" && sendErr != nil {
		return "", usage, sendErr
	}
	return transcript, usage, nil
}

// ConnectWait reports how long Finish waited for the handshake. It is zero
// when the connection was already up, or the dial had already failed.
func (s *Session) ConnectWait() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectWait
}

// Cancel tears the connection down without draining and waits for the
// background goroutines. It is safe to call more than once.
func (s *Session) Cancel() {
	s.cancelOnce.Do(func() {
		s.mu.Lock()
		close(s.cancelled)
		conn := s.conn
		s.mu.Unlock()

		s.cancel()
		if conn != nil {
			_ = conn.Close()
		}
		s.wg.Wait()
	})
}

// joinTranscript joins finalized segments and appends a still-pending
// partial unless it repeats the last final.
func joinTranscript(finals []string, partial string) string {
	parts := append([]string(nil), finals...)
	if p := strings.TrimSpace(partial); p != "" {
		if len(parts) == 0 || parts[len(parts)-1] != p {
			parts = append(parts, p)
		}
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}
