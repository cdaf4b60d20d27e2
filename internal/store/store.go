package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lukasbauer/dictate/internal/audio"
	"github.com/lukasbauer/dictate/internal/dictation"
)

// ErrNotFound is returned when a capture does not exist.
var ErrNotFound = errors.New("store: not found")

type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Schema creates the tables used by Store.
const Schema = `
CREATE TABLE IF NOT EXISTS recordings (
	id             TEXT PRIMARY KEY,
	run_id         TEXT NOT NULL,
	sample_rate    INTEGER NOT NULL,
	pcm_bytes      INTEGER NOT NULL,
	duration_ms    BIGINT NOT NULL,
	app_name       TEXT NOT NULL DEFAULT '',
	app_pid        INTEGER NOT NULL DEFAULT 0,
	snapshot       JSONB NOT NULL DEFAULT '{}',
	wav            BYTEA,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS recordings_created_at_idx ON recordings (created_at);

CREATE TABLE IF NOT EXISTS run_logs (
	id             BIGSERIAL PRIMARY KEY,
	capture_id     TEXT NOT NULL REFERENCES recordings(id) ON DELETE CASCADE,
	run_id         TEXT NOT NULL,
	log_type       TEXT NOT NULL,
	status         TEXT NOT NULL,
	event_start_ms BIGINT NOT NULL,
	event_end_ms   BIGINT NOT NULL,
	recorded_at_ms BIGINT NOT NULL,
	fields         JSONB NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS run_logs_capture_id_idx ON run_logs (capture_id, id);

CREATE TABLE IF NOT EXISTS api_sessions (
	id         BIGSERIAL PRIMARY KEY,
	subject    TEXT NOT NULL,
	token_hash TEXT NOT NULL UNIQUE,
	expires_at TIMESTAMPTZ NOT NULL,
	revoked_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Migrate creates missing tables.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, Schema)
	return err
}

// RunSummary is one row of the run history.
type RunSummary struct {
	CaptureID  string    `json:"capture_id"`
	RunID      string    `json:"run_id"`
	AppName    string    `json:"app_name"`
	DurationMs int64     `json:"duration_ms"`
	PCMBytes   int       `json:"pcm_bytes"`
	Status     string    `json:"status,omitempty"`
	TotalMs    string    `json:"total_ms,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ============================================================================
// Artifact operations
// ============================================================================

// PersistRecording stores the recording as WAV together with the stop
// snapshot and returns the new capture id.
func (s *Store) PersistRecording(ctx context.Context, runID string, rec dictation.Recording, snap dictation.Snapshot) (string, error) {
	captureID := uuid.NewString()
	snapJSON, err := json.Marshal(snap)
	if err != nil {
		snapJSON = []byte("{}")
	}

	var wav []byte
	if len(rec.PCM) > 0 {
		wav = audio.BuildWAV(rec.PCM, rec.SampleRate)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO recordings (id, run_id, sample_rate, pcm_bytes, duration_ms, app_name, app_pid, snapshot, wav)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, captureID, runID, rec.SampleRate, len(rec.PCM), audio.Duration(len(rec.PCM), rec.SampleRate),
		snap.AppName, snap.AppPID, snapJSON, wav)
	if err != nil {
		return "", err
	}
	return captureID, nil
}

// AppendLog adds a stage log to a capture.
func (s *Store) AppendLog(ctx context.Context, captureID string, entry dictation.LogEntry) error {
	fields, err := json.Marshal(entry.Fields)
	if err != nil {
		fields = []byte("{}")
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO run_logs (capture_id, run_id, log_type, status, event_start_ms, event_end_ms, recorded_at_ms, fields)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, captureID, entry.RunID, entry.Type, entry.Status, entry.StartedAtMs, entry.EndedAtMs, entry.RecordedAtMs, fields)
	return err
}

// ListRuns returns the most recent captures with their pipeline outcome.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	rows, err := s.db.Query(ctx, `
		SELECT r.id, r.run_id, r.app_name, r.duration_ms, r.pcm_bytes, r.created_at,
		       COALESCE(l.fields->>'run_status', ''), COALESCE(l.fields->>'total_ms', '')
		FROM recordings r
		LEFT JOIN LATERAL (
			SELECT fields FROM run_logs
			WHERE capture_id = r.id AND log_type = 'pipeline'
			ORDER BY id DESC LIMIT 1
		) l ON true
		ORDER BY r.created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		var r RunSummary
		if err := rows.Scan(&r.CaptureID, &r.RunID, &r.AppName, &r.DurationMs, &r.PCMBytes, &r.CreatedAt, &r.Status, &r.TotalMs); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// RunLogs returns the stage logs of a capture in insertion order.
func (s *Store) RunLogs(ctx context.Context, captureID string) ([]dictation.LogEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT run_id, capture_id, log_type, status, event_start_ms, event_end_ms, recorded_at_ms, fields
		FROM run_logs
		WHERE capture_id = $1
		ORDER BY id ASC
	`, captureID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []dictation.LogEntry
	for rows.Next() {
		var e dictation.LogEntry
		var fields []byte
		if err := rows.Scan(&e.RunID, &e.CaptureID, &e.Type, &e.Status, &e.StartedAtMs, &e.EndedAtMs, &e.RecordedAtMs, &fields); err != nil {
			return nil, err
		}
		if len(fields) > 0 {
			_ = json.Unmarshal(fields, &e.Fields)
		}
		logs = append(logs, e)
	}
	return logs, rows.Err()
}

// RecordingWAV returns the stored audio of a capture.
func (s *Store) RecordingWAV(ctx context.Context, captureID string) ([]byte, error) {
	var wav []byte
	err := s.db.QueryRow(ctx, `SELECT wav FROM recordings WHERE id = $1`, captureID).Scan(&wav)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return wav, err
}

// PruneBefore deletes captures (and, by cascade, their logs) created before
// cutoff. It returns the number of captures removed.
func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM recordings WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ============================================================================
// Session operations
// ============================================================================

// CreateSession records an issued API token.
func (s *Store) CreateSession(ctx context.Context, subject, tokenHash string, expiresAt time.Time) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO api_sessions (subject, token_hash, expires_at)
		VALUES ($1, $2, $3)
	`, subject, tokenHash, expiresAt)
	return err
}

// RevokeSession revokes a session by token hash.
func (s *Store) RevokeSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE api_sessions SET revoked_at = NOW() WHERE token_hash = $1
	`, tokenHash)
	return err
}

// IsSessionValid checks if a session is valid (not revoked and not expired).
func (s *Store) IsSessionValid(ctx context.Context, tokenHash string) (bool, error) {
	var valid bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM api_sessions
			WHERE token_hash = $1 AND revoked_at IS NULL AND expires_at > NOW()
		)
	`, tokenHash).Scan(&valid)
	return valid, err
}
