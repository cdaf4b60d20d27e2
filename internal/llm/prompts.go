package llm

import "strings"

// Template variables understood by BuildPrompt.
const (
	VarLanguage      = "{LANGUAGE}"
	VarTranscript    = "{STT_RESULT}"
	VarSelectedText  = "{SELECTED_TEXT}"
	VarWindowText    = "{WINDOW_TEXT}"
	VarScreenSummary = "{SCREEN_SUMMARY}"
	VarTerms         = "{TERMS}"
)

var contextVars = []string{VarSelectedText, VarWindowText, VarScreenSummary, VarTerms}

// DefaultRewriteTemplate is used when no app rule or override applies.
const DefaultRewriteTemplate = `Rewrite the following speech recognition output into natural text, keeping its meaning.
Output only the rewritten text.

Rules:
- Remove filler words (um, uh, you know)
- Fix misrecognized technical terms using the context

Input: {STT_RESULT}`

// SummaryPrompt asks for a compact description of the foreground window
// text, used as rewrite context.
const SummaryPrompt = `Summarize the following application text as context for cleaning up dictated speech. Output JSON only.
Format: {"summary":"...","terms":["..."]}
Rules:
- summary is one short sentence (at most 120 characters)
- terms lists up to 10 proper nouns or technical terms
- if there is not enough information, use an empty summary and an empty terms array
- output nothing except the JSON`

// VisionPrompt asks for the same JSON shape from a screenshot.
const VisionPrompt = `Look at this screenshot and describe what the user is working on, as context for cleaning up dictated speech. Output JSON only.
Format: {"summary":"...","terms":["..."]}
Rules:
- summary is one short sentence (at most 120 characters)
- terms lists up to 10 proper nouns, identifiers or technical terms visible on screen
- output nothing except the JSON`

// AudioTranscribePrompt is sent with a recording to direct-audio models.
const AudioTranscribePrompt = `Transcribe the following audio, removing filler words and applying minimal cleanup. Output only the cleaned text.`

// AppPromptRule overrides the rewrite template for one application.
type AppPromptRule struct {
	AppName  string `mapstructure:"app_name" json:"app_name"`
	Template string `mapstructure:"template" json:"template"`
}

// PromptInput is everything BuildPrompt needs.
type PromptInput struct {
	Transcript       string
	Language         string
	AppName          string
	Rules            []AppPromptRule
	Context          *ContextInfo
	TemplateOverride string
}

// LanguageLabel returns the human name used for {LANGUAGE}.
func LanguageLabel(hint string) string {
	switch hint {
	case "ja":
		return "Japanese"
	case "en":
		return "English"
	default:
		return "auto-detected (Japanese/English)"
	}
}

// BuildPrompt renders the rewrite prompt. The input line is appended when
// the template does not reference it, and a context block is appended
// unless the template places context variables itself.
func BuildPrompt(in PromptInput) string {
	template := strings.TrimSpace(in.TemplateOverride)
	if template == "" {
		template = resolveAppTemplate(in.AppName, in.Rules)
	}
	if template == "" {
		template = DefaultRewriteTemplate
	}

	prompt := strings.ReplaceAll(template, VarLanguage, LanguageLabel(in.Language))
	prompt = strings.ReplaceAll(prompt, VarTranscript, in.Transcript)

	hasContextVar := false
	for _, v := range contextVars {
		if strings.Contains(template, v) {
			hasContextVar = true
		}
		prompt = strings.ReplaceAll(prompt, v, contextValue(v, in.Context))
	}

	if !strings.Contains(template, VarTranscript) {
		prompt += "\n\nInput: " + in.Transcript
	}
	if in.Context != nil && !hasContextVar {
		prompt += contextBlock(in.Context)
	}
	return prompt
}

// PromptContext drops fields that must not reach the rewrite prompt (the
// raw window text) and returns nil when nothing is left.
func PromptContext(c *ContextInfo) *ContextInfo {
	if c == nil {
		return nil
	}
	out := &ContextInfo{
		AccessibilityText: c.AccessibilityText,
		VisionSummary:     c.VisionSummary,
		VisionTerms:       append([]string(nil), c.VisionTerms...),
	}
	if out.IsEmpty() {
		return nil
	}
	return out
}

func resolveAppTemplate(appName string, rules []AppPromptRule) string {
	appName = strings.TrimSpace(appName)
	if appName == "" {
		return ""
	}
	for _, rule := range rules {
		if strings.TrimSpace(rule.AppName) != appName {
			continue
		}
		if t := strings.TrimSpace(rule.Template); t != "" {
			return t
		}
	}
	return ""
}

func contextValue(v string, c *ContextInfo) string {
	if c == nil {
		return ""
	}
	switch v {
	case VarSelectedText:
		return strings.TrimSpace(c.AccessibilityText)
	case VarWindowText:
		return strings.TrimSpace(c.WindowText)
	case VarScreenSummary:
		return strings.TrimSpace(c.VisionSummary)
	case VarTerms:
		return joinTerms(c.VisionTerms)
	}
	return ""
}

func joinTerms(terms []string) string {
	var out []string
	for _, t := range terms {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return strings.Join(out, ", ")
}

func contextBlock(c *ContextInfo) string {
	if c.IsEmpty() {
		return ""
	}
	var lines []string
	if t := strings.TrimSpace(c.AccessibilityText); t != "" {
		lines = append(lines, "Selected text: "+t)
	}
	if s := strings.TrimSpace(c.VisionSummary); s != "" {
		lines = append(lines, "Screen summary: "+s)
	}
	if terms := joinTerms(c.VisionTerms); terms != "" {
		lines = append(lines, "Terms: "+terms)
	}
	if len(lines) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n\nScreen context:\n")
	for _, line := range lines {
		b.WriteString("- " + line + "\n")
	}
	return b.String()
}

// contextLines is the compact form used with direct-audio prompts.
func contextLines(c *ContextInfo) string {
	var lines []string
	if s := strings.TrimSpace(c.VisionSummary); s != "" {
		lines = append(lines, "- Screen summary: "+s)
	}
	if terms := joinTerms(c.VisionTerms); terms != "" {
		lines = append(lines, "- Terms: "+terms)
	}
	if t := strings.TrimSpace(c.AccessibilityText); t != "" {
		lines = append(lines, "- Selected text: "+t)
	}
	return strings.Join(lines, "\n")
}
