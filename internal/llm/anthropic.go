package llm

import (
	"context"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// MessagesClient is the subset of the Anthropic SDK used here.
// *sdk.MessageService satisfies it.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// AnthropicClient implements Client over the Messages API. Text only.
type AnthropicClient struct {
	msg MessagesClient
}

// NewAnthropicClient wraps an SDK messages client. A nil msg builds a
// default SDK client; the API key is supplied per request.
func NewAnthropicClient(msg MessagesClient, opts ...option.RequestOption) *AnthropicClient {
	if msg == nil {
		ac := sdk.NewClient(opts...)
		msg = &ac.Messages
	}
	return &AnthropicClient{msg: msg}
}

// Complete sends a single user text block.
func (c *AnthropicClient) Complete(ctx context.Context, req Request) (Result, error) {
	if len(req.Attachments) > 0 {
		return Result{}, fmt.Errorf("anthropic attachments: %w", ErrUnsupported)
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt))},
		Model:     sdk.Model(req.Model),
	}
	msg, err := c.msg.New(ctx, params, option.WithAPIKey(req.APIKey))
	if err != nil {
		return Result{}, fmt.Errorf("anthropic messages.new: %w", err)
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return Result{
		Text: strings.TrimSpace(b.String()),
		Usage: &Usage{
			Provider:         ProviderAnthropic,
			Model:            req.Model,
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}
