package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Service routes prompts to the vendor adapter for a model and throttles
// outgoing calls.
type Service struct {
	clients map[Provider]Client
	limiter *rate.Limiter
	logger  *logrus.Entry
}

// NewService creates a Service. A nil limiter disables throttling.
func NewService(clients map[Provider]Client, limiter *rate.Limiter, logger *logrus.Entry) *Service {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Service{clients: clients, limiter: limiter, logger: logger.WithField("component", "llm")}
}

func (s *Service) complete(ctx context.Context, model ModelInfo, req Request) (Result, error) {
	client, ok := s.clients[model.Provider]
	if !ok || client == nil {
		return Result{}, fmt.Errorf("llm provider %q: %w", model.Provider, ErrUnsupported)
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return Result{}, err
		}
	}
	req.Model = model.APIModel
	res, err := client.Complete(ctx, req)
	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"provider": model.Provider,
			"model":    model.ID,
		}).Warn("llm: request failed")
		return Result{}, err
	}
	return res, nil
}

// Rewrite cleans up a transcript using the prompt built from in.
func (s *Service) Rewrite(ctx context.Context, model ModelInfo, apiKey string, in PromptInput) (Result, error) {
	in.Context = PromptContext(in.Context)
	return s.complete(ctx, model, Request{APIKey: apiKey, Prompt: BuildPrompt(in)})
}

// TranscribeAudio sends a WAV recording to a direct-audio model.
func (s *Service) TranscribeAudio(ctx context.Context, model ModelInfo, apiKey string, wav []byte, info *ContextInfo) (Result, error) {
	if !model.DirectAudio {
		return Result{}, fmt.Errorf("model %s direct audio: %w", model.ID, ErrUnsupported)
	}
	prompt := AudioTranscribePrompt
	if c := PromptContext(info); c != nil {
		if lines := contextLines(c); lines != "" {
			prompt += "\n\nScreen context:\n" + lines
		}
	}
	return s.complete(ctx, model, Request{
		APIKey:      apiKey,
		Prompt:      prompt,
		Attachments: []Attachment{{Data: wav, MIMEType: "audio/wav"}},
	})
}

// SummarizeContext condenses foreground window text into a summary and
// term list. A nil ContextInfo with a nil error means the model returned
// nothing usable.
func (s *Service) SummarizeContext(ctx context.Context, model ModelInfo, apiKey, appName, text string) (*ContextInfo, *Usage, error) {
	var b strings.Builder
	b.WriteString(SummaryPrompt)
	if name := strings.TrimSpace(appName); name != "" {
		b.WriteString("\n\nApp: " + name)
	}
	b.WriteString("\n\nText:\n" + text)

	res, err := s.complete(ctx, model, Request{APIKey: apiKey, Prompt: b.String(), MaxTokens: 256})
	if err != nil {
		return nil, nil, err
	}
	return ParseContextJSON(res.Text), res.Usage, nil
}

// AnalyzeScreen asks a vision model to describe a screenshot.
func (s *Service) AnalyzeScreen(ctx context.Context, model ModelInfo, apiKey string, image []byte, mimeType string) (*ContextInfo, *Usage, error) {
	if !model.Vision {
		return nil, nil, fmt.Errorf("model %s vision: %w", model.ID, ErrUnsupported)
	}
	if mimeType == "" {
		mimeType = "image/png"
	}
	res, err := s.complete(ctx, model, Request{
		APIKey:      apiKey,
		Prompt:      VisionPrompt,
		Attachments: []Attachment{{Data: image, MIMEType: mimeType}},
		MaxTokens:   256,
	})
	if err != nil {
		return nil, nil, err
	}
	return ParseContextJSON(res.Text), res.Usage, nil
}
