package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Provider identifies a generative API vendor.
type Provider string

const (
	ProviderGemini    Provider = "gemini"
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
)

// ModelInfo describes one selectable generative model.
type ModelInfo struct {
	ID       string
	APIModel string // name sent to the vendor API
	Provider Provider
	// DirectAudio models accept the recording itself and skip speech-to-text.
	DirectAudio bool
	Vision      bool
}

// DefaultModelID is used when settings name no model or an unknown one.
const DefaultModelID = "gemini-2.5-flash-lite"

var catalog = []ModelInfo{
	{ID: "gemini-2.5-flash-lite", APIModel: "gemini-2.5-flash-lite", Provider: ProviderGemini, Vision: true},
	{ID: "gemini-2.5-flash-lite-audio", APIModel: "gemini-2.5-flash-lite", Provider: ProviderGemini, DirectAudio: true, Vision: true},
	{ID: "gpt-4o-mini", APIModel: "gpt-4o-mini", Provider: ProviderOpenAI, Vision: true},
	{ID: "gpt-5-nano", APIModel: "gpt-5-nano", Provider: ProviderOpenAI, Vision: true},
	{ID: "claude-haiku-4-5", APIModel: "claude-haiku-4-5", Provider: ProviderAnthropic},
}

// Lookup returns the catalog entry for id.
func Lookup(id string) (ModelInfo, bool) {
	id = strings.TrimSpace(id)
	for _, m := range catalog {
		if m.ID == id {
			return m, true
		}
	}
	return ModelInfo{}, false
}

// ResolveModel returns the entry for id, or the default model.
func ResolveModel(id string) ModelInfo {
	if m, ok := Lookup(id); ok {
		return m
	}
	m, _ := Lookup(DefaultModelID)
	return m
}

// Models lists the catalog.
func Models() []ModelInfo {
	return append([]ModelInfo(nil), catalog...)
}

// Attachment is inline binary content sent with a prompt.
type Attachment struct {
	Data     []byte
	MIMEType string
}

// Request is a single-turn generation request.
type Request struct {
	APIKey      string
	Model       string // vendor model name
	Prompt      string
	Attachments []Attachment
	MaxTokens   int
}

// Usage reports token counts for one call.
type Usage struct {
	Provider         Provider `json:"provider"`
	Model            string   `json:"model"`
	PromptTokens     int      `json:"prompt_tokens"`
	CompletionTokens int      `json:"completion_tokens"`
}

// Result is generated text plus optional usage.
type Result struct {
	Text  string
	Usage *Usage
}

// Client is implemented by each vendor adapter.
type Client interface {
	Complete(ctx context.Context, req Request) (Result, error)
}

// ErrUnsupported is returned when a vendor cannot handle a request's content.
var ErrUnsupported = errors.New("llm: unsupported request")

// APIError is a non-success response from a vendor API.
type APIError struct {
	Provider Provider
	Status   int
	Body     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error: %d - %s", e.Provider, e.Status, e.Body)
}

// Retryable reports whether the request may succeed if repeated.
func (e *APIError) Retryable() bool {
	return e.Status == 429 || e.Status >= 500
}
