package config

import (
	"os"
	"regexp"
	"strings"
)

var envVarPatterns = struct {
	withDefault *regexp.Regexp
	braced      *regexp.Regexp
	simple      *regexp.Regexp
}{
	withDefault: regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*):-(.*?)\}`),
	braced:      regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}`),
	simple:      regexp.MustCompile(`\$([A-Z_][A-Z0-9_]*)`),
}

// ExpandEnvVars resolves ${VAR}, ${VAR:-default} and $VAR references.
func ExpandEnvVars(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}

	s = envVarPatterns.withDefault.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.withDefault.FindStringSubmatch(match)
		if len(parts) == 3 {
			if val := os.Getenv(parts[1]); val != "" {
				return val
			}
			return parts[2]
		}
		return match
	})

	s = envVarPatterns.braced.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.braced.FindStringSubmatch(match)
		if len(parts) == 2 {
			return os.Getenv(parts[1])
		}
		return match
	})

	s = envVarPatterns.simple.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.simple.FindStringSubmatch(match)
		if len(parts) == 2 {
			return os.Getenv(parts[1])
		}
		return match
	})

	return s
}

// apiKeyEnvVars maps provider names to their convention key variables.
var apiKeyEnvVars = map[string]string{
	"openai":      "OPENAI_API_KEY",
	"claude":      "CLAUDE_API_KEY",
	"anthropic":   "CLAUDE_API_KEY",
	"gemini":      "GEMINI_API_KEY",
	"grok":        "GROK_API_KEY",
	"groq":        "GROQ_API_KEY",
	"deepseek":    "DEEPSEEK_API_KEY",
	"mistral":     "MISTRAL_API_KEY",
	"huggingface": "HUGGINGFACE_API_KEY",
	"cohere":      "COHERE_API_KEY",
	"voyage":      "VOYAGE_API_KEY",
	"openrouter":  "OPENROUTER_API_KEY",
	"perplexity":  "PERPLEXITY_API_KEY",
}

// APIKeyFromEnv returns the convention `<PROVIDER>_API_KEY` value for a
// provider name, falling back to the uppercased name when the provider
// is not in the convention table.
func APIKeyFromEnv(provider string) string {
	name := strings.ToLower(provider)
	if envVar, ok := apiKeyEnvVars[name]; ok {
		return os.Getenv(envVar)
	}
	return os.Getenv(strings.ToUpper(name) + "_API_KEY")
}
