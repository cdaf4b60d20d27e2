package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"

	"github.com/lukasbauer/dictate/internal/dictation"
	"github.com/lukasbauer/dictate/internal/eventlog"
	"github.com/lukasbauer/dictate/internal/pipeline"
	"github.com/lukasbauer/dictate/internal/store"
)

type RouterConfig struct {
	// JWT Authentication
	JWTSecret string
	JWTExpiry time.Duration
}

// Controller is the dictation run surface. *dictation.Coordinator
// satisfies it.
type Controller interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) bool
	State() pipeline.State
	Active() bool
	InFlight() int64
	Draining() bool
}

// RunStore reads persisted captures. *store.Store satisfies it.
type RunStore interface {
	ListRuns(ctx context.Context, limit int) ([]store.RunSummary, error)
	RunLogs(ctx context.Context, captureID string) ([]dictation.LogEntry, error)
	RecordingWAV(ctx context.Context, captureID string) ([]byte, error)
}

// SessionStore tracks issued tokens. *store.Store satisfies it.
type SessionStore interface {
	IsSessionValid(ctx context.Context, tokenHash string) (bool, error)
	RevokeSession(ctx context.Context, tokenHash string) error
}

// EventReader lists stored telemetry. *eventlog.Logger satisfies it.
type EventReader interface {
	ListRunEvents(ctx context.Context, runID string, limit int) ([]eventlog.Event, error)
}

// Deps wires the router to the rest of the daemon. Runs, Sessions and
// Events may be nil when no database is configured.
type Deps struct {
	Controller Controller
	Runs       RunStore
	Sessions   SessionStore
	Events     EventReader
	Hub        *EventHub
	Audio      *AudioBridge
	Foreground *ForegroundCache
}

type Router struct {
	cfg    RouterConfig
	logger *logrus.Entry
	deps   Deps
	mux    *http.ServeMux
}

func NewRouter(cfg RouterConfig, logger *logrus.Entry, deps Deps) http.Handler {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	r := &Router{
		cfg:    cfg,
		logger: logger.WithField("component", "httpapi"),
		deps:   deps,
		mux:    http.NewServeMux(),
	}

	r.routes()
	return withSentryRecovery(withCORS(r.mux))
}

func (r *Router) routes() {
	// Health checks
	r.mux.HandleFunc("GET /healthz", r.handleHealthz)
	r.mux.HandleFunc("GET /readyz", r.handleReadyz)

	// Auth
	r.mux.HandleFunc("POST /api/auth/revoke", r.withAuth(r.handleRevokeToken))

	// Run control
	r.mux.HandleFunc("POST /api/runs/start", r.withAuth(r.handleStartRun))
	r.mux.HandleFunc("POST /api/runs/stop", r.withAuth(r.handleStopRun))
	r.mux.HandleFunc("POST /api/runs/toggle", r.withAuth(r.handleToggleRun))
	r.mux.HandleFunc("GET /api/state", r.withAuth(r.handleState))

	// Run history
	r.mux.HandleFunc("GET /api/runs", r.withAuth(r.handleListRuns))
	r.mux.HandleFunc("GET /api/runs/{captureId}/logs", r.withAuth(r.handleRunLogs))
	r.mux.HandleFunc("GET /api/runs/{captureId}/recording", r.withAuth(r.handleRunRecording))
	r.mux.HandleFunc("GET /api/runs/{runId}/events", r.withAuth(r.handleRunEvents))

	// Helper feeds
	r.mux.HandleFunc("POST /api/foreground", r.withAuth(r.handleForeground))
	r.mux.HandleFunc("POST /api/screenshot", r.withAuth(r.handleScreenshot))
	r.mux.HandleFunc("GET /ws/audio", r.withAuth(r.handleAudioWS))
	r.mux.HandleFunc("GET /ws/events", r.withAuth(r.handleEventsWS))
}

func (r *Router) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Router) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if r.deps.Controller != nil && r.deps.Controller.Draining() {
		http.Error(w, "draining", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func withSentryRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(req)
				hub.RecoverWithContext(req.Context(), err)
				hub.Flush(2 * time.Second)
				http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, req)
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// captureError sends an error to Sentry with request context
func captureError(req *http.Request, err error, msg string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetRequest(req)
		scope.SetExtra("message", msg)
		sentry.CaptureException(err)
	})
}
