// Package config holds the module settings: default provider, API keys,
// per-provider parameter blocks, timeouts, logging toggles and the audit
// block. Values resolve through the usual chain: explicit option >
// provider block > convention environment variable > module default.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// BedrockCredentials replaces the flat API key for AWS Bedrock.
type BedrockCredentials struct {
	AccessKeyID     string `yaml:"aws_access_key_id" json:"awsAccessKeyId"`
	SecretAccessKey string `yaml:"aws_secret_access_key" json:"awsSecretAccessKey"`
	SessionToken    string `yaml:"aws_session_token,omitempty" json:"awsSessionToken,omitempty"`
	Region          string `yaml:"region" json:"region"`
}

// FromEnv fills empty credential fields from the AWS_* environment.
func (c *BedrockCredentials) FromEnv() {
	if c.AccessKeyID == "" {
		c.AccessKeyID = os.Getenv("AWS_ACCESS_KEY_ID")
	}
	if c.SecretAccessKey == "" {
		c.SecretAccessKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
	}
	if c.SessionToken == "" {
		c.SessionToken = os.Getenv("AWS_SESSION_TOKEN")
	}
	if c.Region == "" {
		c.Region = os.Getenv("AWS_REGION")
	}
	if c.Region == "" {
		c.Region = "us-east-1"
	}
}

// ProviderBlock predefines params and options for a named provider.
type ProviderBlock struct {
	APIKey  string         `yaml:"api_key,omitempty" json:"apiKey,omitempty"`
	BaseURL string         `yaml:"base_url,omitempty" json:"baseURL,omitempty"`
	Model   string         `yaml:"model,omitempty" json:"model,omitempty"`
	Params  map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
	Options map[string]any `yaml:"options,omitempty" json:"options,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
}

// AuditSettings configures the audit subsystem (§ audit package).
type AuditSettings struct {
	Enabled          *bool          `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Store            string         `yaml:"store,omitempty" json:"store,omitempty"`
	StoreConfig      map[string]any `yaml:"store_config,omitempty" json:"storeConfig,omitempty"`
	CaptureInput     bool           `yaml:"capture_input" json:"captureInput"`
	CaptureOutput    bool           `yaml:"capture_output" json:"captureOutput"`
	CaptureMessages  bool           `yaml:"capture_messages" json:"captureMessages"`
	CaptureToolArgs  bool           `yaml:"capture_tool_args" json:"captureToolArgs"`
	SanitizePatterns []string       `yaml:"sanitize_patterns,omitempty" json:"sanitizePatterns,omitempty"`
	RedactValue      string         `yaml:"redact_value,omitempty" json:"redactValue,omitempty"`
	MaxInputSize     int            `yaml:"max_input_size,omitempty" json:"maxInputSize,omitempty"`
	MaxOutputSize    int            `yaml:"max_output_size,omitempty" json:"maxOutputSize,omitempty"`
	RetentionDays    int            `yaml:"retention_days,omitempty" json:"retentionDays,omitempty"`
	AsyncWrite       bool           `yaml:"async_write" json:"asyncWrite"`
	BatchSize        int            `yaml:"batch_size,omitempty" json:"batchSize,omitempty"`
}

// AuditEnabledEnvVar toggles audit at runtime with highest precedence
// below explicit application settings.
const AuditEnabledEnvVar = "BOXLANG_MODULES_BXAI_AUDIT_ENABLED"

// SetDefaults applies the documented audit defaults.
func (a *AuditSettings) SetDefaults() {
	if a.Store == "" {
		a.Store = "memory"
	}
	if len(a.SanitizePatterns) == 0 {
		a.SanitizePatterns = []string{"password", "apiKey", "token", "secret"}
	}
	if a.RedactValue == "" {
		a.RedactValue = "[REDACTED]"
	}
	if a.MaxInputSize == 0 {
		a.MaxInputSize = 10000
	}
	if a.MaxOutputSize == 0 {
		a.MaxOutputSize = 10000
	}
	if a.BatchSize == 0 {
		a.BatchSize = 100
	}
}

// IsEnabled resolves the audit toggle: explicit setting > env var > off.
func (a *AuditSettings) IsEnabled() bool {
	if a.Enabled != nil {
		return *a.Enabled
	}
	switch strings.ToLower(os.Getenv(AuditEnabledEnvVar)) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}

// Settings is the root module configuration.
type Settings struct {
	Provider           string                   `yaml:"provider,omitempty" json:"provider,omitempty"`
	APIKey             string                   `yaml:"api_key,omitempty" json:"apiKey,omitempty"`
	Bedrock            *BedrockCredentials      `yaml:"bedrock,omitempty" json:"bedrock,omitempty"`
	DefaultParams      map[string]any           `yaml:"default_params,omitempty" json:"defaultParams,omitempty"`
	Timeout            int                      `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	ReturnFormat       string                   `yaml:"return_format,omitempty" json:"returnFormat,omitempty"`
	LogRequest         bool                     `yaml:"log_request" json:"logRequest"`
	LogRequestConsole  bool                     `yaml:"log_request_to_console" json:"logRequestToConsole"`
	LogResponse        bool                     `yaml:"log_response" json:"logResponse"`
	LogResponseConsole bool                     `yaml:"log_response_to_console" json:"logResponseToConsole"`
	Providers          map[string]ProviderBlock `yaml:"providers,omitempty" json:"providers,omitempty"`
	Audit              AuditSettings            `yaml:"audit,omitempty" json:"audit,omitempty"`
}

// SetDefaults applies module-level defaults.
func (s *Settings) SetDefaults() {
	if s.Provider == "" {
		s.Provider = "openai"
	}
	if s.Timeout <= 0 {
		s.Timeout = 30
	}
	if s.ReturnFormat == "" {
		s.ReturnFormat = "single"
	}
	if s.Providers == nil {
		s.Providers = make(map[string]ProviderBlock)
	}
	s.Audit.SetDefaults()
}

// Validate checks for inconsistencies that would only surface later.
func (s *Settings) Validate() error {
	if s.Timeout < 0 {
		return fmt.Errorf("timeout must be positive, got %d", s.Timeout)
	}
	switch s.ReturnFormat {
	case "", "single", "all", "raw", "json", "xml":
	default:
		return fmt.Errorf("unknown default return format %q", s.ReturnFormat)
	}
	return nil
}

// RequestTimeout returns the default timeout as a duration.
func (s *Settings) RequestTimeout() time.Duration {
	return time.Duration(s.Timeout) * time.Second
}

// ProviderBlockFor returns the predefined block for a provider name.
func (s *Settings) ProviderBlockFor(name string) (ProviderBlock, bool) {
	block, ok := s.Providers[strings.ToLower(name)]
	return block, ok
}

// Load reads settings from a YAML file, expands ${VAR} references and
// applies defaults. A missing file yields default settings.
func Load(path string) (*Settings, error) {
	// Pick up a .env next to the config when present.
	_ = godotenv.Load()

	s := &Settings{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				s.SetDefaults()
				return s, nil
			}
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		expanded := ExpandEnvVars(string(data))
		if err := yaml.Unmarshal([]byte(expanded), s); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	s.SetDefaults()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Default returns settings with all defaults applied.
func Default() *Settings {
	s := &Settings{}
	s.SetDefaults()
	return s
}
