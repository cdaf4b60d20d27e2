// Package settings stores the user's dictation preferences in a TOML file,
// with environment overrides.
package settings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/lukasbauer/dictate/internal/llm"
)

// Provider names accepted by APIKey.
const (
	ProviderDeepgram  = "deepgram"
	ProviderOpenAI    = "openai"
	ProviderGemini    = "gemini"
	ProviderAnthropic = "anthropic"
)

// Settings holds the user-facing dictation configuration.
type Settings struct {
	LLMModel       string              `mapstructure:"llm_model"`
	STTProvider    string              `mapstructure:"stt_provider"`
	STTStreaming   bool                `mapstructure:"stt_streaming"`
	InputLanguage  string              `mapstructure:"input_language"`
	RecordingMode  string              `mapstructure:"recording_mode"`
	Context        ContextSettings     `mapstructure:"context"`
	Generation     GenerationSettings  `mapstructure:"generation"`
	AppPromptRules []llm.AppPromptRule `mapstructure:"app_prompt_rules"`
	APIKeys        APIKeys             `mapstructure:"api_keys"`
}

// ContextSettings controls screen-based enrichment.
type ContextSettings struct {
	VisionEnabled bool   `mapstructure:"vision_enabled"`
	VisionMode    string `mapstructure:"vision_mode"`
}

// GenerationSettings tunes the rewrite step.
type GenerationSettings struct {
	RequireContext bool   `mapstructure:"require_context"`
	PromptTemplate string `mapstructure:"prompt_template"`
}

// APIKeys are credentials stored in the settings file. Environment
// variables take precedence.
type APIKeys struct {
	Deepgram  string `mapstructure:"deepgram"`
	OpenAI    string `mapstructure:"openai"`
	Gemini    string `mapstructure:"gemini"`
	Anthropic string `mapstructure:"anthropic"`
}

// Model resolves the configured generative model.
func (s Settings) Model() llm.ModelInfo {
	return llm.ResolveModel(s.LLMModel)
}

// ErrMissingCredential is returned by APIKey when no key is configured.
var ErrMissingCredential = errors.New("settings: missing credential")

// Store reads and writes Settings at a fixed path.
type Store struct {
	path string
	env  func(string) string
}

// DefaultPath returns $HOME/.config/dictate/config.toml.
func DefaultPath() string {
	return filepath.Join(os.Getenv("HOME"), ".config", "dictate", "config.toml")
}

// NewStore creates a Store. An empty path uses DefaultPath.
func NewStore(path string) *Store {
	if path == "" {
		path = DefaultPath()
	}
	return &Store{path: path, env: os.Getenv}
}

// Path returns the settings file location.
func (s *Store) Path() string { return s.path }

func setDefaults(v *viper.Viper) {
	v.SetDefault("llm_model", llm.DefaultModelID)
	v.SetDefault("stt_provider", ProviderDeepgram)
	v.SetDefault("stt_streaming", true)
	v.SetDefault("input_language", "auto")
	v.SetDefault("recording_mode", "toggle")
	v.SetDefault("context.vision_enabled", false)
	v.SetDefault("context.vision_mode", "llm")
	v.SetDefault("generation.require_context", false)
	v.SetDefault("generation.prompt_template", "")
	v.SetDefault("api_keys.deepgram", "")
	v.SetDefault("api_keys.openai", "")
	v.SetDefault("api_keys.gemini", "")
	v.SetDefault("api_keys.anthropic", "")
}

// Load reads the settings file if present. Env var overrides use prefix
// DICTATE_, e.g. DICTATE_LLM_MODEL or DICTATE_CONTEXT_VISION_ENABLED.
func (s *Store) Load() (Settings, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("toml")
	v.SetConfigFile(s.path)
	v.SetEnvPrefix("DICTATE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return Settings{}, fmt.Errorf("read settings: %w", err)
		}
	}

	var out Settings
	if err := v.Unmarshal(&out); err != nil {
		return Settings{}, fmt.Errorf("unmarshal settings: %w", err)
	}
	return out, nil
}

// Save writes cfg to disk, creating the directory if needed. Keys are
// stored in plain text; prefer environment variables for them.
func (s *Store) Save(cfg Settings) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("mkdir settings dir: %w", err)
	}

	rules := make([]map[string]any, 0, len(cfg.AppPromptRules))
	for _, r := range cfg.AppPromptRules {
		rules = append(rules, map[string]any{"app_name": r.AppName, "template": r.Template})
	}

	v := viper.New()
	v.SetConfigType("toml")
	v.Set("llm_model", cfg.LLMModel)
	v.Set("stt_provider", cfg.STTProvider)
	v.Set("stt_streaming", cfg.STTStreaming)
	v.Set("input_language", cfg.InputLanguage)
	v.Set("recording_mode", cfg.RecordingMode)
	v.Set("context.vision_enabled", cfg.Context.VisionEnabled)
	v.Set("context.vision_mode", cfg.Context.VisionMode)
	v.Set("generation.require_context", cfg.Generation.RequireContext)
	v.Set("generation.prompt_template", cfg.Generation.PromptTemplate)
	v.Set("app_prompt_rules", rules)
	v.Set("api_keys.deepgram", cfg.APIKeys.Deepgram)
	v.Set("api_keys.openai", cfg.APIKeys.OpenAI)
	v.Set("api_keys.gemini", cfg.APIKeys.Gemini)
	v.Set("api_keys.anthropic", cfg.APIKeys.Anthropic)

	if err := v.WriteConfigAs(s.path); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return nil
}

var credentialEnv = map[string]string{
	ProviderDeepgram:  "DEEPGRAM_API_KEY",
	ProviderOpenAI:    "OPENAI_API_KEY",
	ProviderGemini:    "GEMINI_API_KEY",
	ProviderAnthropic: "ANTHROPIC_API_KEY",
}

// APIKey resolves the credential for provider: the provider's environment
// variable first, then the settings file.
func (s *Store) APIKey(provider string) (string, error) {
	envKey, ok := credentialEnv[provider]
	if !ok {
		return "", fmt.Errorf("unknown provider %q: %w", provider, ErrMissingCredential)
	}
	if key := strings.TrimSpace(s.env(envKey)); key != "" {
		return key, nil
	}

	cfg, err := s.Load()
	if err != nil {
		return "", err
	}
	var key string
	switch provider {
	case ProviderDeepgram:
		key = cfg.APIKeys.Deepgram
	case ProviderOpenAI:
		key = cfg.APIKeys.OpenAI
	case ProviderGemini:
		key = cfg.APIKeys.Gemini
	case ProviderAnthropic:
		key = cfg.APIKeys.Anthropic
	}
	if key = strings.TrimSpace(key); key == "" {
		return "", fmt.Errorf("%s: %w", provider, ErrMissingCredential)
	}
	return key, nil
}
