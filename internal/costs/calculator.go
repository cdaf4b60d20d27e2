// Package costs provides cost calculation for API usage.
package costs

import (
	"os"
	"strconv"

	"github.com/lukasbauer/dictate/internal/llm"
)

// Pricing in micro-dollars (1e-6 USD) per unit. A dictation run costs
// fractions of a cent, so cents would round everything to zero. Defaults
// can be overridden via environment variables.
var (
	// DeepgramMicrosPerMinute is the cost per minute of Deepgram Nova-3 streaming STT.
	// Default: $0.0077/min
	DeepgramMicrosPerMinute = getEnvFloat("COST_DEEPGRAM_MICROS_PER_MIN", 7700)

	// GeminiInputMicrosPer1K / GeminiOutputMicrosPer1K: Gemini 2.5 Flash-Lite.
	// Default: $0.10/1M input, $0.40/1M output
	GeminiInputMicrosPer1K  = getEnvFloat("COST_GEMINI_INPUT_MICROS_PER_1K", 100)
	GeminiOutputMicrosPer1K = getEnvFloat("COST_GEMINI_OUTPUT_MICROS_PER_1K", 400)

	// OpenAIInputMicrosPer1K / OpenAIOutputMicrosPer1K: GPT-4o-mini.
	// Default: $0.15/1M input, $0.60/1M output
	OpenAIInputMicrosPer1K  = getEnvFloat("COST_OPENAI_INPUT_MICROS_PER_1K", 150)
	OpenAIOutputMicrosPer1K = getEnvFloat("COST_OPENAI_OUTPUT_MICROS_PER_1K", 600)

	// AnthropicInputMicrosPer1K / AnthropicOutputMicrosPer1K: Claude Haiku 4.5.
	// Default: $1/1M input, $5/1M output
	AnthropicInputMicrosPer1K  = getEnvFloat("COST_ANTHROPIC_INPUT_MICROS_PER_1K", 1000)
	AnthropicOutputMicrosPer1K = getEnvFloat("COST_ANTHROPIC_OUTPUT_MICROS_PER_1K", 5000)
)

// RunMetrics contains the raw usage of one dictation run.
type RunMetrics struct {
	STTDurationSeconds float64      // Audio billed by the STT provider
	LLM                []*llm.Usage // One entry per generative call; nil entries are skipped
}

// RunCosts contains the calculated costs for a run in micro-dollars.
type RunCosts struct {
	STTMicros   int
	LLMMicros   int
	TotalMicros int
}

// CalculateRunCosts computes the costs for a run based on usage metrics.
func CalculateRunCosts(m RunMetrics) RunCosts {
	sttMicros := (m.STTDurationSeconds / 60.0) * DeepgramMicrosPerMinute

	var llmMicros float64
	for _, u := range m.LLM {
		if u == nil {
			continue
		}
		in, out := tokenPrices(u.Provider)
		llmMicros += (float64(u.PromptTokens) / 1000.0) * in
		llmMicros += (float64(u.CompletionTokens) / 1000.0) * out
	}

	costs := RunCosts{
		STTMicros: roundToInt(sttMicros),
		LLMMicros: roundToInt(llmMicros),
	}
	costs.TotalMicros = costs.STTMicros + costs.LLMMicros
	return costs
}

// tokenPrices returns input and output prices per 1K tokens.
func tokenPrices(p llm.Provider) (float64, float64) {
	switch p {
	case llm.ProviderOpenAI:
		return OpenAIInputMicrosPer1K, OpenAIOutputMicrosPer1K
	case llm.ProviderAnthropic:
		return AnthropicInputMicrosPer1K, AnthropicOutputMicrosPer1K
	default:
		return GeminiInputMicrosPer1K, GeminiOutputMicrosPer1K
	}
}

// roundToInt rounds a float to the nearest integer.
func roundToInt(f float64) int {
	if f < 0 {
		return int(f - 0.5)
	}
	return int(f + 0.5)
}

// getEnvFloat returns an environment variable as float64, or the default if not set.
func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}
