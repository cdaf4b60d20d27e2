// Package eventlog records dictation run telemetry. Every event goes to the
// structured log; when a database is configured it is also written to the
// run_events table.
package eventlog

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

// EventType names a run event.
type EventType string

const (
	EventRecordingStart        EventType = "recording_start"
	EventRecordingStop         EventType = "recording_stop"
	EventContextSummary        EventType = "context_summary"
	EventSTT                   EventType = "stt"
	EventVision                EventType = "vision"
	EventVisionSkippedNotReady EventType = "vision_skipped_not_ready"
	EventVisionDeferred        EventType = "vision_artifacts_saved_deferred"
	EventPostprocess           EventType = "postprocess"
	EventAudioTranscribe       EventType = "audio_transcribe"
	EventDirectInput           EventType = "direct_input"
	EventRequireContextMissing EventType = "generation_require_context_missing"
	EventPipeline              EventType = "pipeline"
)

// Event is one stored row.
type Event struct {
	ID        int64             `json:"id"`
	RunID     string            `json:"run_id"`
	EventType string            `json:"event_type"`
	EventData map[string]string `json:"event_data"`
	CreatedAt time.Time         `json:"created_at"`
}

// Logger provides async event logging to the database.
type Logger struct {
	db      *pgxpool.Pool
	logger  *logrus.Entry
	pending sync.WaitGroup
}

// New creates a new event logger. db may be nil.
func New(db *pgxpool.Pool, logger *logrus.Entry) *Logger {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Logger{db: db, logger: logger.WithField("component", "telemetry")}
}

// Record logs the event and stores it without blocking the caller.
func (l *Logger) Record(event, runID string, fields map[string]string) {
	entry := l.logger.WithFields(logrus.Fields{"event": event, "run_id": runID})
	for k, v := range fields {
		entry = entry.WithField(k, v)
	}
	if fields["status"] == "error" {
		entry.Warn("telemetry: " + event)
	} else {
		entry.Info("telemetry: " + event)
	}

	l.LogAsync(runID, EventType(event), fields)
}

// Log writes an event to the database synchronously.
func (l *Logger) Log(ctx context.Context, runID string, eventType EventType, data map[string]string) error {
	if l.db == nil || runID == "" {
		return nil // Silently skip if no DB or run ID
	}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		dataJSON = []byte("{}")
	}

	_, err = l.db.Exec(ctx, `
		INSERT INTO run_events (run_id, event_type, event_data)
		VALUES ($1, $2, $3)
	`, runID, string(eventType), dataJSON)

	return err
}

// LogAsync logs an event without blocking the caller.
func (l *Logger) LogAsync(runID string, eventType EventType, data map[string]string) {
	if l.db == nil || runID == "" {
		return
	}

	l.pending.Add(1)
	go func() {
		defer l.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := l.Log(ctx, runID, eventType, data); err != nil {
			l.logger.WithError(err).WithField("event", eventType).Warn("telemetry: failed to store event")
		}
	}()
}

// Flush waits for pending async writes.
func (l *Logger) Flush() {
	l.pending.Wait()
}

// ListRunEvents returns the stored events of a run in order.
func (l *Logger) ListRunEvents(ctx context.Context, runID string, limit int) ([]Event, error) {
	if l.db == nil {
		return nil, nil
	}
	rows, err := l.db.Query(ctx, `
		SELECT id, run_id, event_type, event_data, created_at
		FROM run_events
		WHERE run_id = $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2
	`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var data []byte
		if err := rows.Scan(&e.ID, &e.RunID, &e.EventType, &data, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &e.EventData)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Schema creates the run_events table.
const Schema = `
CREATE TABLE IF NOT EXISTS run_events (
	id         BIGSERIAL PRIMARY KEY,
	run_id     TEXT NOT NULL,
	event_type TEXT NOT NULL,
	event_data JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS run_events_run_id_idx ON run_events (run_id, created_at);
`
