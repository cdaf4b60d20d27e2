package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const deepgramRESTURL = "https://api.deepgram.com/v1/listen"

// BatchConfig holds configuration for the pre-recorded Deepgram API.
type BatchConfig struct {
	APIKey     string
	Model      string
	URL        string
	HTTPClient *http.Client
	// MaxElapsed bounds retries of 5xx and network failures.
	MaxElapsed time.Duration
}

// BatchClient transcribes a whole recording in one request.
type BatchClient struct {
	apiKey     string
	model      string
	url        string
	httpClient *http.Client
	maxElapsed time.Duration
}

// NewBatchClient creates a Deepgram REST client.
func NewBatchClient(cfg BatchConfig) *BatchClient {
	model := cfg.Model
	if model == "" {
		model = "nova-3"
	}
	endpoint := cfg.URL
	if endpoint == "" {
		endpoint = deepgramRESTURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	maxElapsed := cfg.MaxElapsed
	if maxElapsed <= 0 {
		maxElapsed = 10 * time.Second
	}
	return &BatchClient{
		apiKey:     cfg.APIKey,
		model:      model,
		url:        endpoint,
		httpClient: httpClient,
		maxElapsed: maxElapsed,
	}
}

type batchResponse struct {
	Metadata struct {
		RequestID string  `json:"request_id"`
		Duration  float64 `json:"duration"`
	} `json:"metadata"`
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string `json:"transcript"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// Transcribe posts 16-bit mono PCM and returns the trimmed transcript.
func (c *BatchClient) Transcribe(ctx context.Context, pcm []byte, sampleRate int, language string) (string, *Usage, error) {
	q := url.Values{}
	q.Set("model", c.model)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sampleRate))
	q.Set("channels", "1")
	q.Set("punctuate", "false")
	if lang := strings.TrimSpace(language); lang != "" && lang != "auto" {
		q.Set("language", lang)
	}
	endpoint := c.url + "?" + q.Encode()

	var parsed batchResponse
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(pcm))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		req.Header.Set("Authorization", "Token "+c.apiKey)
		req.Header.Set("Content-Type", "audio/raw")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("failed to send request: %w", err)
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("Deepgram API error: %s - %s", resp.Status, string(body))
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("Deepgram API error: %s - %s", resp.Status, string(body)))
		}
		if err := json.Unmarshal(body, &parsed); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode response: %w", err))
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = c.maxElapsed
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return "", nil, &TransportError{Op: "rest", Err: err}
	}

	var text string
	if len(parsed.Results.Channels) > 0 && len(parsed.Results.Channels[0].Alternatives) > 0 {
		text = strings.TrimSpace(parsed.Results.Channels[0].Alternatives[0].Transcript)
	}
	return text, resolveUsage(parsed.Metadata.Duration, parsed.Metadata.RequestID, len(pcm), sampleRate), nil
}
