package llm

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const geminiAPIBase = "https://generativelanguage.googleapis.com/v1beta/models"

// GeminiConfig holds configuration for the Gemini client.
type GeminiConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	MaxElapsed time.Duration
}

// GeminiClient implements Client over generateContent. It accepts image and
// audio attachments inline.
type GeminiClient struct {
	base string
	http httpDoer
}

// NewGeminiClient creates a new Gemini client.
func NewGeminiClient(cfg GeminiConfig) *GeminiClient {
	base := strings.TrimSuffix(cfg.BaseURL, "/")
	if base == "" {
		base = geminiAPIBase
	}
	return &GeminiClient{base: base, http: newHTTPDoer(cfg.HTTPClient, cfg.MaxElapsed)}
}

type geminiRequest struct {
	Contents         []geminiContent   `json:"contents"`
	GenerationConfig *geminiGeneration `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string        `json:"text,omitempty"`
	InlineData *geminiInline `json:"inline_data,omitempty"`
}

type geminiInline struct {
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiGeneration struct {
	MaxOutputTokens int `json:"maxOutputTokens,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

// Complete sends the prompt with any attachments as inline parts.
func (c *GeminiClient) Complete(ctx context.Context, req Request) (Result, error) {
	parts := []geminiPart{{Text: req.Prompt}}
	for _, a := range req.Attachments {
		parts = append(parts, geminiPart{InlineData: &geminiInline{
			MIMEType: a.MIMEType,
			Data:     base64.StdEncoding.EncodeToString(a.Data),
		}})
	}
	payload := geminiRequest{Contents: []geminiContent{{Role: "user", Parts: parts}}}
	if req.MaxTokens > 0 {
		payload.GenerationConfig = &geminiGeneration{MaxOutputTokens: req.MaxTokens}
	}

	endpoint := fmt.Sprintf("%s/%s:generateContent", c.base, req.Model)
	headers := map[string]string{"x-goog-api-key": req.APIKey}

	var resp geminiResponse
	if err := c.http.postJSON(ctx, ProviderGemini, endpoint, headers, payload, &resp); err != nil {
		return Result{}, err
	}
	if len(resp.Candidates) == 0 {
		return Result{}, fmt.Errorf("no candidates in response")
	}

	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		b.WriteString(p.Text)
	}
	out := Result{Text: strings.TrimSpace(b.String())}
	if resp.UsageMetadata != nil {
		out.Usage = &Usage{
			Provider:         ProviderGemini,
			Model:            req.Model,
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
		}
	}
	return out, nil
}
