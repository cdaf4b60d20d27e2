package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/lukasbauer/dictate/internal/pipeline"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const writeWait = 5 * time.Second

// Message types on the helper sockets.
const (
	MsgState        = "state"
	MsgError        = "error"
	MsgInject       = "inject"
	MsgInjectAck    = "inject_ack"
	MsgCaptureStart = "capture_start"
	MsgCaptureStop  = "capture_stop"
)

// Message is the JSON frame exchanged with helpers on /ws/events.
type Message struct {
	Type    string           `json:"type"`
	ID      string           `json:"id,omitempty"`
	Text    string           `json:"text,omitempty"`
	OK      bool             `json:"ok,omitempty"`
	Change  *pipeline.Change `json:"change,omitempty"`
	Message string           `json:"message,omitempty"`
}

type hubClient struct {
	conn   *websocket.Conn
	connMu sync.Mutex
}

func (c *hubClient) write(msg Message) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(msg)
}

// EventHub fans run state and errors out to connected helpers and delivers
// text for injection. It implements dictation.TextInjector.
type EventHub struct {
	logger        *logrus.Entry
	injectTimeout time.Duration

	mu      sync.Mutex
	clients map[*hubClient]struct{}
	acks    map[string]chan bool
}

// NewEventHub creates a hub. injectTimeout bounds how long Send waits for
// a helper to confirm delivery.
func NewEventHub(injectTimeout time.Duration, logger *logrus.Entry) *EventHub {
	if injectTimeout <= 0 {
		injectTimeout = 3 * time.Second
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &EventHub{
		logger:        logger.WithField("component", "events"),
		injectTimeout: injectTimeout,
		clients:       make(map[*hubClient]struct{}),
		acks:          make(map[string]chan bool),
	}
}

// Clients returns the number of connected helpers.
func (h *EventHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (r *Router) handleEventsWS(w http.ResponseWriter, req *http.Request) {
	if r.deps.Hub == nil {
		http.Error(w, "events not configured", http.StatusServiceUnavailable)
		return
	}
	r.deps.Hub.ServeWS(w, req)
}

// ServeWS upgrades the request and serves one helper until it disconnects.
func (h *EventHub) ServeWS(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		h.logger.WithError(err).Warn("events: upgrade failed")
		return
	}
	client := &hubClient{conn: conn}

	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.logger.Info("events: helper connected")

	defer func() {
		h.mu.Lock()
		delete(h.clients, client)
		h.mu.Unlock()
		_ = conn.Close()
		h.logger.Info("events: helper disconnected")
	}()

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.WithError(err).Debug("events: read error")
			}
			return
		}
		if msg.Type == MsgInjectAck {
			h.ack(msg.ID, msg.OK)
		}
	}
}

func (h *EventHub) ack(id string, ok bool) {
	h.mu.Lock()
	ch := h.acks[id]
	h.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- ok:
	default:
	}
}

// Broadcast writes msg to every helper and returns how many received it.
func (h *EventHub) Broadcast(msg Message) int {
	h.mu.Lock()
	clients := make([]*hubClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	sent := 0
	for _, c := range clients {
		if err := c.write(msg); err != nil {
			h.logger.WithError(err).WithField("type", msg.Type).Debug("events: write failed")
			continue
		}
		sent++
	}
	return sent
}

// Send asks connected helpers to type text into the focused application.
// It reports true once any helper confirms delivery.
func (h *EventHub) Send(ctx context.Context, text string) bool {
	id := uuid.NewString()
	ch := make(chan bool, 8)

	h.mu.Lock()
	h.acks[id] = ch
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.acks, id)
		h.mu.Unlock()
	}()

	pending := h.Broadcast(Message{Type: MsgInject, ID: id, Text: text})
	if pending == 0 {
		h.logger.Warn("events: no helper connected, text not delivered")
		return false
	}

	timer := time.NewTimer(h.injectTimeout)
	defer timer.Stop()
	for pending > 0 {
		select {
		case ok := <-ch:
			if ok {
				return true
			}
			pending--
		case <-timer.C:
			h.logger.WithField("timeout", h.injectTimeout).Warn("events: injection not confirmed")
			return false
		case <-ctx.Done():
			return false
		}
	}
	return false
}

// Pump forwards state changes and error messages until ctx is done or both
// channels are closed.
func (h *EventHub) Pump(ctx context.Context, states <-chan pipeline.Change, errs <-chan string) {
	for states != nil || errs != nil {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-states:
			if !ok {
				states = nil
				continue
			}
			h.Broadcast(Message{Type: MsgState, Change: &change})
		case text, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			h.Broadcast(Message{Type: MsgError, Message: text})
		}
	}
}
