package app

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	HTTPAddr    string
	DatabaseURL string
	SentryDSN   string
	Environment string
	LogLevel    string

	// Path of the user settings file (model, STT, context, API keys).
	SettingsPath string

	// JWT Authentication
	JWTSecret string
	JWTExpiry time.Duration

	// Dictation tuning
	EnrichmentGrace  time.Duration
	ResetDelay       time.Duration
	SampleRate       int
	InjectTimeout    time.Duration
	ScreenshotMaxAge time.Duration

	// Provider endpoints, overridable for proxies and tests
	DeepgramStreamURL string
	DeepgramBatchURL  string
	OpenAIURL         string
	GeminiBaseURL     string

	// Outgoing LLM calls per second; 0 disables throttling.
	LLMRateLimit float64
	LLMBurst     int

	// Retention of recordings and run logs
	RetentionMaxAge   time.Duration
	RetentionInterval time.Duration

	DiscordWebhookURL string
}

func LoadConfigFromEnv() Config {
	return Config{
		HTTPAddr:    getenv("HTTP_ADDR", "127.0.0.1:8787"),
		DatabaseURL: getenv("DATABASE_URL", ""),
		SentryDSN:   getenv("SENTRY_DSN", ""),
		Environment: getenv("ENVIRONMENT", "local"),
		LogLevel:    getenv("LOG_LEVEL", "info"),

		SettingsPath: getenv("DICTATE_SETTINGS_PATH", ""),

		JWTSecret: os.Getenv("JWT_SECRET"), // Required - no fallback for security
		JWTExpiry: getenvDuration("JWT_EXPIRY", 30*24*time.Hour),

		EnrichmentGrace:  getenvDuration("DICTATE_ENRICHMENT_GRACE", 25*time.Millisecond),
		ResetDelay:       getenvDuration("DICTATE_RESET_DELAY", 100*time.Millisecond),
		SampleRate:       getenvIntClamped("DICTATE_SAMPLE_RATE", 16000, 8000, 48000),
		InjectTimeout:    getenvDuration("DICTATE_INJECT_TIMEOUT", 3*time.Second),
		ScreenshotMaxAge: getenvDuration("DICTATE_SCREENSHOT_MAX_AGE", 5*time.Second),

		DeepgramStreamURL: getenv("DEEPGRAM_STREAM_URL", ""),
		DeepgramBatchURL:  getenv("DEEPGRAM_BATCH_URL", ""),
		OpenAIURL:         getenv("OPENAI_URL", ""),
		GeminiBaseURL:     getenv("GEMINI_BASE_URL", ""),

		LLMRateLimit: getenvFloatClamped("LLM_RATE_LIMIT", 5, 0, 100),
		LLMBurst:     getenvIntClamped("LLM_BURST", 5, 1, 100),

		RetentionMaxAge:   getenvDuration("RETENTION_MAX_AGE", 7*24*time.Hour),
		RetentionInterval: getenvDuration("RETENTION_INTERVAL", time.Hour),

		DiscordWebhookURL: getenv("DISCORD_WEBHOOK_URL", ""),
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvDuration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return def
	}
	return d
}

func getenvIntClamped(k string, def, min, max int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}

func getenvFloatClamped(k string, def, min, max float64) float64 {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	if f < min {
		return min
	}
	if f > max {
		return max
	}
	return f
}
