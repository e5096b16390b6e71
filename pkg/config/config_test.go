package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettings_SetDefaults(t *testing.T) {
	s := &Settings{}
	s.SetDefaults()

	assert.Equal(t, "openai", s.Provider)
	assert.Equal(t, 30, s.Timeout)
	assert.Equal(t, "single", s.ReturnFormat)
	assert.NotNil(t, s.Providers)
	assert.Equal(t, "memory", s.Audit.Store)
	assert.Equal(t, "[REDACTED]", s.Audit.RedactValue)
	assert.Equal(t, []string{"password", "apiKey", "token", "secret"}, s.Audit.SanitizePatterns)
	assert.Equal(t, 10000, s.Audit.MaxInputSize)
	assert.Equal(t, 100, s.Audit.BatchSize)
}

func TestSettings_Validate(t *testing.T) {
	s := Default()
	assert.NoError(t, s.Validate())

	s.ReturnFormat = "sideways"
	assert.Error(t, s.Validate())

	s = Default()
	s.Timeout = -1
	assert.Error(t, s.Validate())
}

func TestSettings_ProviderBlockFor(t *testing.T) {
	s := Default()
	s.Providers["claude"] = ProviderBlock{APIKey: "sk-claude", Model: "claude-sonnet-4"}

	block, ok := s.ProviderBlockFor("Claude")
	require.True(t, ok)
	assert.Equal(t, "sk-claude", block.APIKey)

	_, ok = s.ProviderBlockFor("nobody")
	assert.False(t, ok)
}

func TestLoad(t *testing.T) {
	t.Setenv("TEST_MODELKIT_KEY", "sk-env")

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
provider: claude
api_key: ${TEST_MODELKIT_KEY}
timeout: 60
providers:
  openai:
    model: gpt-4o-mini
audit:
  capture_input: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "claude", s.Provider)
	assert.Equal(t, "sk-env", s.APIKey)
	assert.Equal(t, 60, s.Timeout)
	assert.True(t, s.Audit.CaptureInput)
	block, ok := s.ProviderBlockFor("openai")
	require.True(t, ok)
	assert.Equal(t, "gpt-4o-mini", block.Model)
}

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "openai", s.Provider)
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("MODELKIT_SET", "value")
	os.Unsetenv("MODELKIT_UNSET")

	assert.Equal(t, "value", ExpandEnvVars("${MODELKIT_SET}"))
	assert.Equal(t, "value", ExpandEnvVars("$MODELKIT_SET"))
	assert.Equal(t, "", ExpandEnvVars("${MODELKIT_UNSET}"))
	assert.Equal(t, "fallback", ExpandEnvVars("${MODELKIT_UNSET:-fallback}"))
	assert.Equal(t, "value", ExpandEnvVars("${MODELKIT_SET:-fallback}"))
	assert.Equal(t, "no refs here", ExpandEnvVars("no refs here"))
}

func TestAPIKeyFromEnv(t *testing.T) {
	t.Setenv("CLAUDE_API_KEY", "sk-claude")
	t.Setenv("ACME_API_KEY", "sk-acme")

	assert.Equal(t, "sk-claude", APIKeyFromEnv("claude"))
	assert.Equal(t, "sk-claude", APIKeyFromEnv("anthropic"), "anthropic aliases the claude key")
	assert.Equal(t, "sk-acme", APIKeyFromEnv("acme"), "unknown providers use <NAME>_API_KEY")
}

func TestAuditSettings_IsEnabled(t *testing.T) {
	enabled := true
	disabled := false

	t.Run("explicit setting wins over env", func(t *testing.T) {
		t.Setenv(AuditEnabledEnvVar, "true")
		s := AuditSettings{Enabled: &disabled}
		assert.False(t, s.IsEnabled())
		s.Enabled = &enabled
		assert.True(t, s.IsEnabled())
	})

	t.Run("env var toggles when unset", func(t *testing.T) {
		for _, v := range []string{"true", "1", "YES", "on"} {
			t.Setenv(AuditEnabledEnvVar, v)
			assert.True(t, (&AuditSettings{}).IsEnabled(), v)
		}
		t.Setenv(AuditEnabledEnvVar, "false")
		assert.False(t, (&AuditSettings{}).IsEnabled())
	})

	t.Run("defaults off", func(t *testing.T) {
		t.Setenv(AuditEnabledEnvVar, "")
		assert.False(t, (&AuditSettings{}).IsEnabled())
	})
}

func TestBedrockCredentials_FromEnv(t *testing.T) {
	t.Setenv("AWS_ACCESS_KEY_ID", "AKIA")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "shh")
	t.Setenv("AWS_REGION", "")

	c := &BedrockCredentials{}
	c.FromEnv()
	assert.Equal(t, "AKIA", c.AccessKeyID)
	assert.Equal(t, "shh", c.SecretAccessKey)
	assert.Equal(t, "us-east-1", c.Region, "region falls back to us-east-1")

	explicit := &BedrockCredentials{AccessKeyID: "explicit"}
	explicit.FromEnv()
	assert.Equal(t, "explicit", explicit.AccessKeyID)
}
