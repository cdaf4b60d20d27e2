package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lukasbauer/dictate/internal/dictation"
	"github.com/lukasbauer/dictate/internal/eventlog"
	"github.com/lukasbauer/dictate/internal/pipeline"
	"github.com/lukasbauer/dictate/internal/store"
)

type fakeController struct {
	startErr error
	active   bool
	draining bool
	starts   int
	stops    int
}

func (f *fakeController) Start(context.Context) error {
	f.starts++
	if f.startErr != nil {
		return f.startErr
	}
	f.active = true
	return nil
}

func (f *fakeController) Stop(context.Context) bool {
	f.stops++
	was := f.active
	f.active = false
	return was
}

func (f *fakeController) State() pipeline.State {
	if f.active {
		return pipeline.StateRecording
	}
	return pipeline.StateIdle
}

func (f *fakeController) Active() bool    { return f.active }
func (f *fakeController) InFlight() int64 { return 0 }
func (f *fakeController) Draining() bool  { return f.draining }

type fakeRuns struct {
	runs   []store.RunSummary
	logs   map[string][]dictation.LogEntry
	wavs   map[string][]byte
	err    error
	limits []int
}

func (f *fakeRuns) ListRuns(_ context.Context, limit int) ([]store.RunSummary, error) {
	f.limits = append(f.limits, limit)
	return f.runs, f.err
}

func (f *fakeRuns) RunLogs(_ context.Context, captureID string) ([]dictation.LogEntry, error) {
	return f.logs[captureID], f.err
}

func (f *fakeRuns) RecordingWAV(_ context.Context, captureID string) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	wav, ok := f.wavs[captureID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return wav, nil
}

type fakeEvents struct {
	events []eventlog.Event
}

func (f *fakeEvents) ListRunEvents(_ context.Context, runID string, _ int) ([]eventlog.Event, error) {
	var out []eventlog.Event
	for _, e := range f.events {
		if e.RunID == runID {
			out = append(out, e)
		}
	}
	return out, nil
}

func newTestServer(t *testing.T, deps Deps) (http.Handler, string) {
	t.Helper()
	token, _, err := IssueToken(testSecret, "desktop", "", time.Hour)
	require.NoError(t, err)
	return NewRouter(RouterConfig{JWTSecret: testSecret, JWTExpiry: time.Hour}, testLogger(), deps), token
}

func do(t *testing.T, h http.Handler, token, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealthAndReadiness(t *testing.T) {
	ctrl := &fakeController{}
	h, _ := newTestServer(t, Deps{Controller: ctrl})

	assert.Equal(t, http.StatusOK, do(t, h, "", http.MethodGet, "/healthz").Code)
	assert.Equal(t, http.StatusOK, do(t, h, "", http.MethodGet, "/readyz").Code)

	ctrl.draining = true
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, "", http.MethodGet, "/readyz").Code)
	assert.Equal(t, http.StatusOK, do(t, h, "", http.MethodGet, "/healthz").Code)
}

func TestRunControlRequiresAuth(t *testing.T) {
	ctrl := &fakeController{}
	h, _ := newTestServer(t, Deps{Controller: ctrl})

	rec := do(t, h, "", http.MethodPost, "/api/runs/start")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, ctrl.starts)
}

func TestStartStopToggle(t *testing.T) {
	ctrl := &fakeController{}
	h, token := newTestServer(t, Deps{Controller: ctrl})

	rec := do(t, h, token, http.MethodPost, "/api/runs/start")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "recording", decode(t, rec)["state"])

	rec = do(t, h, token, http.MethodGet, "/api/state")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["active"])
	assert.Equal(t, false, body["draining"])

	rec = do(t, h, token, http.MethodPost, "/api/runs/toggle")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["stopped"])
	assert.Equal(t, 1, ctrl.stops)

	rec = do(t, h, token, http.MethodPost, "/api/runs/stop")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["stopped"])

	rec = do(t, h, token, http.MethodPost, "/api/runs/toggle")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, ctrl.starts)
	assert.True(t, ctrl.active)
}

func TestStartErrors(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		want  int
		field string
	}{
		{
			name:  "missing credential",
			err:   &dictation.ConfigurationError{Field: "api_keys.deepgram"},
			want:  http.StatusUnprocessableEntity,
			field: "api_keys.deepgram",
		},
		{name: "no audio source", err: fmt.Errorf("start capture: %w", ErrNoAudioSource), want: http.StatusConflict},
		{name: "unexpected", err: errors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, token := newTestServer(t, Deps{Controller: &fakeController{startErr: tt.err}})
			rec := do(t, h, token, http.MethodPost, "/api/runs/start")
			assert.Equal(t, tt.want, rec.Code)
			if tt.field != "" {
				assert.Equal(t, tt.field, decode(t, rec)["field"])
			}
		})
	}
}

func TestListRunsClampsLimit(t *testing.T) {
	runs := &fakeRuns{runs: []store.RunSummary{{CaptureID: "cap-1", RunID: "run-1"}}}
	h, token := newTestServer(t, Deps{Controller: &fakeController{}, Runs: runs})

	rec := do(t, h, token, http.MethodGet, "/api/runs")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["runs"], 1)

	do(t, h, token, http.MethodGet, "/api/runs?limit=0")
	do(t, h, token, http.MethodGet, "/api/runs?limit=5000")
	assert.Equal(t, []int{defaultRunsLimit, 1, maxRunsLimit}, runs.limits)

	rec = do(t, h, token, http.MethodGet, "/api/runs?limit=abc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunHistoryWithoutDatabase(t *testing.T) {
	h, token := newTestServer(t, Deps{Controller: &fakeController{}})

	for _, path := range []string{"/api/runs", "/api/runs/cap-1/logs", "/api/runs/cap-1/recording", "/api/runs/run-1/events"} {
		rec := do(t, h, token, http.MethodGet, path)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
	}
}

func TestRunLogsAndRecording(t *testing.T) {
	runs := &fakeRuns{
		logs: map[string][]dictation.LogEntry{
			"cap-1": {{RunID: "run-1", CaptureID: "cap-1", Type: "stt", Status: "ok"}},
		},
		wavs: map[string][]byte{"cap-1": []byte("RIFFdata")},
	}
	h, token := newTestServer(t, Deps{Controller: &fakeController{}, Runs: runs})

	rec := do(t, h, token, http.MethodGet, "/api/runs/cap-1/logs")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "cap-1", body["capture_id"])
	assert.Len(t, body["logs"], 1)

	rec = do(t, h, token, http.MethodGet, "/api/runs/cap-2/logs")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode(t, rec)["logs"])

	rec = do(t, h, token, http.MethodGet, "/api/runs/cap-1/recording")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "audio/wav", rec.Header().Get("Content-Type"))
	assert.Equal(t, "RIFFdata", rec.Body.String())

	rec = do(t, h, token, http.MethodGet, "/api/runs/missing/recording")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunEvents(t *testing.T) {
	events := &fakeEvents{events: []eventlog.Event{
		{ID: 1, RunID: "run-1", EventType: string(eventlog.EventSTT)},
		{ID: 2, RunID: "run-2", EventType: string(eventlog.EventSTT)},
	}}
	h, token := newTestServer(t, Deps{Controller: &fakeController{}, Events: events})

	rec := do(t, h, token, http.MethodGet, "/api/runs/run-1/events")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "run-1", body["run_id"])
	assert.Len(t, body["events"], 1)
}
