package llm

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const openaiAPIURL = "https://api.openai.com/v1/chat/completions"

// OpenAIConfig holds configuration for the OpenAI client.
type OpenAIConfig struct {
	URL        string
	HTTPClient *http.Client
	MaxElapsed time.Duration
}

// OpenAIClient implements Client over the chat completions API.
type OpenAIClient struct {
	url  string
	http httpDoer
}

// NewOpenAIClient creates a new OpenAI client. The API key travels with
// each Request.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	endpoint := cfg.URL
	if endpoint == "" {
		endpoint = openaiAPIURL
	}
	return &OpenAIClient{url: endpoint, http: newHTTPDoer(cfg.HTTPClient, cfg.MaxElapsed)}
}

type chatRequest struct {
	Model               string        `json:"model"`
	Messages            []chatMessage `json:"messages"`
	MaxCompletionTokens int           `json:"max_completion_tokens,omitempty"`
}

type chatMessage struct {
	Role string `json:"role"`
	// Content is a string for text-only prompts and a []chatPart otherwise.
	Content any `json:"content"`
}

type chatPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *chatImageURL `json:"image_url,omitempty"`
}

type chatImageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Complete sends a single user message. Image attachments become data URLs;
// audio is not accepted.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (Result, error) {
	var content any = req.Prompt
	if len(req.Attachments) > 0 {
		parts := []chatPart{{Type: "text", Text: req.Prompt}}
		for _, a := range req.Attachments {
			if !strings.HasPrefix(a.MIMEType, "image/") {
				return Result{}, fmt.Errorf("openai %s attachment: %w", a.MIMEType, ErrUnsupported)
			}
			dataURL := "data:" + a.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(a.Data)
			parts = append(parts, chatPart{Type: "image_url", ImageURL: &chatImageURL{URL: dataURL}})
		}
		content = parts
	}

	payload := chatRequest{
		Model:               req.Model,
		Messages:            []chatMessage{{Role: "user", Content: content}},
		MaxCompletionTokens: req.MaxTokens,
	}
	headers := map[string]string{"Authorization": "Bearer " + req.APIKey}

	var resp chatResponse
	if err := c.http.postJSON(ctx, ProviderOpenAI, c.url, headers, payload, &resp); err != nil {
		return Result{}, err
	}
	if len(resp.Choices) == 0 {
		return Result{}, fmt.Errorf("no choices in response")
	}

	out := Result{Text: strings.TrimSpace(resp.Choices[0].Message.Content)}
	if resp.Usage != nil {
		out.Usage = &Usage{
			Provider:         ProviderOpenAI,
			Model:            req.Model,
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		}
	}
	return out, nil
}
