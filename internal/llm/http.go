package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// httpDoer posts JSON to vendor endpoints and retries throttling and
// server errors.
type httpDoer struct {
	client     *http.Client
	maxElapsed time.Duration
}

func newHTTPDoer(client *http.Client, maxElapsed time.Duration) httpDoer {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if maxElapsed <= 0 {
		maxElapsed = 8 * time.Second
	}
	return httpDoer{client: client, maxElapsed: maxElapsed}
}

func (d httpDoer) postJSON(ctx context.Context, provider Provider, endpoint string, headers map[string]string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := d.client.Do(req)
		if err != nil {
			return fmt.Errorf("failed to send request: %w", err)
		}
		defer resp.Body.Close()

		respBody, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			apiErr := &APIError{Provider: provider, Status: resp.StatusCode, Body: string(respBody)}
			if apiErr.Retryable() {
				return apiErr
			}
			return backoff.Permanent(apiErr)
		}
		if err := json.Unmarshal(respBody, out); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode response: %w", err))
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxElapsedTime = d.maxElapsed
	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}
