package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/lukasbauer/dictate/internal/dictation"
	"github.com/lukasbauer/dictate/internal/store"
)

const (
	defaultRunsLimit = 50
	maxRunsLimit     = 200
)

func (r *Router) handleStartRun(w http.ResponseWriter, req *http.Request) {
	if err := r.deps.Controller.Start(req.Context()); err != nil {
		r.writeStartError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active": r.deps.Controller.Active(),
		"state":  r.deps.Controller.State(),
	})
}

func (r *Router) writeStartError(w http.ResponseWriter, req *http.Request, err error) {
	var cfgErr *dictation.ConfigurationError
	switch {
	case errors.As(err, &cfgErr):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error": cfgErr.Error(),
			"field": cfgErr.Field,
		})
	case errors.Is(err, ErrNoAudioSource):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		r.logger.WithError(err).WithField("subject", subjectFrom(req.Context())).Error("failed to start run")
		captureError(req, err, "failed to start run")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to start run"})
	}
}

func (r *Router) handleStopRun(w http.ResponseWriter, req *http.Request) {
	stopped := r.deps.Controller.Stop(req.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"stopped": stopped,
		"state":   r.deps.Controller.State(),
	})
}

// handleToggleRun mirrors the hotkey: stop when recording, start otherwise.
func (r *Router) handleToggleRun(w http.ResponseWriter, req *http.Request) {
	if r.deps.Controller.Active() {
		r.handleStopRun(w, req)
		return
	}
	r.handleStartRun(w, req)
}

func (r *Router) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"state":     r.deps.Controller.State(),
		"active":    r.deps.Controller.Active(),
		"in_flight": r.deps.Controller.InFlight(),
		"draining":  r.deps.Controller.Draining(),
	})
}

func (r *Router) handleListRuns(w http.ResponseWriter, req *http.Request) {
	if r.deps.Runs == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "run history not configured"})
		return
	}

	limit := defaultRunsLimit
	if v := req.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = min(max(n, 1), maxRunsLimit)
	}

	runs, err := r.deps.Runs.ListRuns(req.Context(), limit)
	if err != nil {
		r.logger.WithError(err).Error("failed to list runs")
		captureError(req, err, "failed to list runs")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list runs"})
		return
	}
	if runs == nil {
		runs = []store.RunSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (r *Router) handleRunLogs(w http.ResponseWriter, req *http.Request) {
	if r.deps.Runs == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "run history not configured"})
		return
	}
	captureID := req.PathValue("captureId")

	logs, err := r.deps.Runs.RunLogs(req.Context(), captureID)
	if err != nil {
		r.logger.WithError(err).WithField("capture_id", captureID).Error("failed to load run logs")
		captureError(req, err, "failed to load run logs")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load run logs"})
		return
	}
	if logs == nil {
		logs = []dictation.LogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"capture_id": captureID, "logs": logs})
}

func (r *Router) handleRunRecording(w http.ResponseWriter, req *http.Request) {
	if r.deps.Runs == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "run history not configured"})
		return
	}
	captureID := req.PathValue("captureId")

	wav, err := r.deps.Runs.RecordingWAV(req.Context(), captureID)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "recording not found"})
		return
	}
	if err != nil {
		r.logger.WithError(err).WithField("capture_id", captureID).Error("failed to load recording")
		captureError(req, err, "failed to load recording")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load recording"})
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Length", strconv.Itoa(len(wav)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(wav)
}

func (r *Router) handleRunEvents(w http.ResponseWriter, req *http.Request) {
	if r.deps.Events == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "event log not configured"})
		return
	}
	runID := req.PathValue("runId")

	events, err := r.deps.Events.ListRunEvents(req.Context(), runID, maxRunsLimit)
	if err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{"run_id": runID}).Error("failed to list run events")
		captureError(req, err, "failed to list run events")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list run events"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "events": events})
}
