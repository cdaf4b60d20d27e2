package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	colorFailure = 0xE74C3C
	postTimeout  = 10 * time.Second
)

// Discord posts failed dictation runs to a webhook channel. A zero webhook
// URL turns every call into a no-op.
type Discord struct {
	webhookURL string
	logger     *logrus.Entry
	client     *http.Client
	pending    sync.WaitGroup
}

func NewDiscord(webhookURL string, logger *logrus.Entry) *Discord {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Discord{
		webhookURL: webhookURL,
		logger:     logger.WithField("component", "discord"),
		client:     &http.Client{Timeout: postTimeout},
	}
}

func (d *Discord) Enabled() bool { return d.webhookURL != "" }

type discordMessage struct {
	Content string         `json:"content,omitempty"`
	Embeds  []discordEmbed `json:"embeds,omitempty"`
}

type discordEmbed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color,omitempty"`
	Fields      []embedField `json:"fields,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// failureEmbed renders one failed run. Empty identifiers are left out.
func failureEmbed(runID, captureID, stage, message string, at time.Time) discordEmbed {
	e := discordEmbed{
		Title:       "Dictation run failed",
		Description: message,
		Color:       colorFailure,
		Timestamp:   at.UTC().Format(time.RFC3339),
	}
	for _, f := range [][2]string{{"Run", runID}, {"Capture", captureID}, {"Stage", stage}} {
		if f[1] == "" {
			continue
		}
		e.Fields = append(e.Fields, embedField{Name: f[0], Value: fmt.Sprintf("`%s`", f[1]), Inline: true})
	}
	return e
}

func (d *Discord) post(ctx context.Context, msg discordMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// NotifyRunFailed posts a failure report and returns once Discord answers.
func (d *Discord) NotifyRunFailed(ctx context.Context, runID, captureID, stage, message string) error {
	if !d.Enabled() {
		return nil
	}
	msg := discordMessage{Embeds: []discordEmbed{failureEmbed(runID, captureID, stage, message, time.Now())}}
	return d.post(ctx, msg)
}

// Record implements the dictation telemetry sink. Only failed pipelines are
// forwarded, and the post happens off the caller's goroutine.
func (d *Discord) Record(event, runID string, fields map[string]string) {
	if !d.Enabled() || event != "pipeline" || fields["run_status"] != "failed" {
		return
	}
	message := fields["error"]
	if message == "" {
		message = "unknown error"
	}
	captureID, stage := fields["capture_id"], fields["stage"]

	d.pending.Add(1)
	go func() {
		defer d.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), postTimeout)
		defer cancel()
		if err := d.NotifyRunFailed(ctx, runID, captureID, stage, message); err != nil {
			d.logger.WithError(err).WithField("run_id", runID).Warn("failure report not delivered")
		}
	}()
}

// Flush waits for failure reports still being posted.
func (d *Discord) Flush() {
	d.pending.Wait()
}
