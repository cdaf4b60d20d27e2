package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lukasbauer/dictate/internal/pipeline"
)

func dialHub(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func newHubServer(t *testing.T, hub *EventHub) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(srv.Close)
	return srv
}

func waitClients(t *testing.T, hub *EventHub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.Clients() == n }, time.Second, 5*time.Millisecond)
}

func TestSendWithoutHelpers(t *testing.T) {
	hub := NewEventHub(50*time.Millisecond, testLogger())
	assert.False(t, hub.Send(context.Background(), "hello"))
}

func TestSendAcknowledged(t *testing.T) {
	hub := NewEventHub(time.Second, testLogger())
	srv := newHubServer(t, hub)
	conn := dialHub(t, srv, "/")
	waitClients(t, hub, 1)

	go func() {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Type == MsgInject && msg.Text == "hello world" {
			_ = conn.WriteJSON(Message{Type: MsgInjectAck, ID: msg.ID, OK: true})
		}
	}()

	assert.True(t, hub.Send(context.Background(), "hello world"))
}

func TestSendRejectedByAllHelpers(t *testing.T) {
	hub := NewEventHub(time.Second, testLogger())
	srv := newHubServer(t, hub)
	conn := dialHub(t, srv, "/")
	waitClients(t, hub, 1)

	go func() {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		_ = conn.WriteJSON(Message{Type: MsgInjectAck, ID: msg.ID, OK: false})
	}()

	start := time.Now()
	assert.False(t, hub.Send(context.Background(), "hello"))
	assert.Less(t, time.Since(start), 900*time.Millisecond)
}

func TestSendTimesOut(t *testing.T) {
	hub := NewEventHub(30*time.Millisecond, testLogger())
	srv := newHubServer(t, hub)
	dialHub(t, srv, "/")
	waitClients(t, hub, 1)

	assert.False(t, hub.Send(context.Background(), "hello"))
}

func TestPumpBroadcastsStatesAndErrors(t *testing.T) {
	hub := NewEventHub(time.Second, testLogger())
	srv := newHubServer(t, hub)
	conn := dialHub(t, srv, "/")
	waitClients(t, hub, 1)

	states := make(chan pipeline.Change, 1)
	errs := make(chan string, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		hub.Pump(ctx, states, errs)
		close(done)
	}()

	states <- pipeline.Change{From: pipeline.StateIdle, To: pipeline.StateRecording, Event: pipeline.EventStartRecording}
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, MsgState, msg.Type)
	require.NotNil(t, msg.Change)
	assert.Equal(t, pipeline.StateRecording, msg.Change.To)

	errs <- "Dictation failed: boom"
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, MsgError, msg.Type)
	assert.Equal(t, "Dictation failed: boom", msg.Message)

	close(states)
	close(errs)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Pump did not return after channels closed")
	}
}

func TestClientRemovedOnDisconnect(t *testing.T) {
	hub := NewEventHub(time.Second, testLogger())
	srv := newHubServer(t, hub)
	conn := dialHub(t, srv, "/")
	waitClients(t, hub, 1)

	_ = conn.Close()
	waitClients(t, hub, 0)
}
