package llms

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/modelkit/modelkit/pkg/chat"
	"github.com/modelkit/modelkit/pkg/config"
)

// preset describes an OpenAI-compatible provider reachable through the
// shared OpenAI adapter with a different base URL and default model.
type preset struct {
	baseURL      string
	defaultModel string
	compatible   bool
}

var presets = map[string]preset{
	"openai":      {baseURL: "https://api.openai.com/v1", defaultModel: "gpt-4o-mini", compatible: true},
	"grok":        {baseURL: "https://api.x.ai/v1", defaultModel: "grok-2-latest", compatible: true},
	"groq":        {baseURL: "https://api.groq.com/openai/v1", defaultModel: "llama-3.3-70b-versatile", compatible: true},
	"deepseek":    {baseURL: "https://api.deepseek.com/v1", defaultModel: "deepseek-chat", compatible: true},
	"mistral":     {baseURL: "https://api.mistral.ai/v1", defaultModel: "mistral-small-latest", compatible: true},
	"openrouter":  {baseURL: "https://openrouter.ai/api/v1", defaultModel: "openai/gpt-4o-mini", compatible: true},
	"perplexity":  {baseURL: "https://api.perplexity.ai", defaultModel: "sonar", compatible: true},
	"huggingface": {baseURL: "https://router.huggingface.co/v1", defaultModel: "meta-llama/Llama-3.3-70B-Instruct", compatible: true},
	"claude":      {baseURL: "https://api.anthropic.com/v1", defaultModel: "claude-sonnet-4-20250514"},
	"anthropic":   {baseURL: "https://api.anthropic.com/v1", defaultModel: "claude-sonnet-4-20250514"},
	"gemini":      {baseURL: "https://generativelanguage.googleapis.com/v1beta", defaultModel: "gemini-2.0-flash"},
	"cohere":      {baseURL: "https://api.cohere.ai/v2", defaultModel: "command-r-plus"},
	"ollama":      {baseURL: "http://localhost:11434", defaultModel: "llama3.2"},
	"voyage":      {baseURL: "https://api.voyageai.com/v1", defaultModel: "voyage-3"},
	"bedrock":     {defaultModel: "anthropic.claude-3-5-sonnet-20241022-v2:0"},
}

// Providers returns the names of every known provider.
func Providers() []string {
	out := make([]string, 0, len(presets))
	for name := range presets {
		out = append(out, name)
	}
	return out
}

var services = struct {
	sync.RWMutex
	byKey map[string]Service
}{byKey: make(map[string]Service)}

// Resolve returns the process-wide service singleton for the given
// config, constructing it on first use. Identical configs share one
// instance so HTTP connection pools are reused across calls.
func Resolve(cfg ServiceConfig) (Service, error) {
	key := cfg.Provider + ":" + cfg.Hash()

	services.RLock()
	svc, ok := services.byKey[key]
	services.RUnlock()
	if ok {
		return svc, nil
	}

	services.Lock()
	defer services.Unlock()
	if svc, ok := services.byKey[key]; ok {
		return svc, nil
	}
	svc, err := newService(cfg)
	if err != nil {
		return nil, err
	}
	services.byKey[key] = svc
	return svc, nil
}

// ResetServices drops every cached singleton. Test hook.
func ResetServices() {
	services.Lock()
	defer services.Unlock()
	services.byKey = make(map[string]Service)
}

func newService(cfg ServiceConfig) (Service, error) {
	name := strings.ToLower(cfg.Provider)
	p, known := presets[name]
	if !known {
		return nil, &Error{Kind: KindInvalidArgument, Provider: name, Message: fmt.Sprintf("unknown provider %q", cfg.Provider)}
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = p.baseURL
	}
	if cfg.Model == "" {
		cfg.Model = p.defaultModel
	}
	cfg.Provider = name

	switch {
	case p.compatible:
		return newOpenAIService(cfg), nil
	case name == "claude" || name == "anthropic":
		return newAnthropicService(cfg), nil
	case name == "gemini":
		return newGeminiService(cfg), nil
	case name == "cohere":
		return newCohereService(cfg), nil
	case name == "ollama":
		return newOllamaService(cfg), nil
	case name == "voyage":
		return newVoyageService(cfg), nil
	case name == "bedrock":
		return newBedrockService(cfg)
	default:
		return nil, &Error{Kind: KindInvalidArgument, Provider: name, Message: fmt.Sprintf("unknown provider %q", cfg.Provider)}
	}
}

// ConfigFor resolves the effective service config for a call: request
// options override the provider block, which overrides convention
// environment variables and module defaults. A missing API key is
// reported as ConfigMissing except for providers that do not need one.
func ConfigFor(settings *config.Settings, options chat.Options) (ServiceConfig, error) {
	if settings == nil {
		settings = config.Default()
	}
	provider := strings.ToLower(options.Provider)
	if provider == "" {
		provider = strings.ToLower(settings.Provider)
	}

	block, _ := settings.ProviderBlockFor(provider)

	cfg := ServiceConfig{
		Provider:       provider,
		BaseURL:        firstNonEmpty(options.BaseURL, block.BaseURL),
		Model:          block.Model,
		DefaultParams:  chat.Params(settings.DefaultParams).Merge(chat.Params(block.Params)),
		DefaultHeaders: block.Headers,
	}
	if settings.Timeout > 0 {
		cfg.Timeout = time.Duration(settings.Timeout) * time.Second
	}

	if provider == "bedrock" {
		creds := settings.Bedrock
		if creds == nil {
			creds = &config.BedrockCredentials{}
		}
		resolved := *creds
		resolved.FromEnv()
		if resolved.AccessKeyID == "" || resolved.SecretAccessKey == "" {
			return cfg, NewConfigMissing(provider, "AWS credentials")
		}
		cfg.Bedrock = &resolved
		return cfg, nil
	}

	cfg.APIKey = firstNonEmpty(options.APIKey, block.APIKey, config.APIKeyFromEnv(provider), settings.APIKey)
	if cfg.APIKey == "" && provider != "ollama" {
		return cfg, NewConfigMissing(provider, "API key")
	}
	return cfg, nil
}

// ServiceFor resolves the config for a call and returns its singleton.
func ServiceFor(settings *config.Settings, options chat.Options) (Service, error) {
	cfg, err := ConfigFor(settings, options)
	if err != nil {
		return nil, err
	}
	return Resolve(cfg)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
