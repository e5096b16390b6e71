package llms

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelkit/modelkit/pkg/chat"
	"github.com/modelkit/modelkit/pkg/config"
)

func TestConfigFor_Precedence(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-env")

	settings := config.Default()
	settings.APIKey = "sk-module"
	settings.Providers["openai"] = config.ProviderBlock{
		APIKey:  "sk-block",
		Model:   "gpt-4o",
		BaseURL: "http://block.local",
	}

	t.Run("option key wins", func(t *testing.T) {
		cfg, err := ConfigFor(settings, chat.Options{Provider: "openai", APIKey: "sk-option"})
		require.NoError(t, err)
		assert.Equal(t, "sk-option", cfg.APIKey)
	})

	t.Run("block beats env and module key", func(t *testing.T) {
		cfg, err := ConfigFor(settings, chat.Options{Provider: "openai"})
		require.NoError(t, err)
		assert.Equal(t, "sk-block", cfg.APIKey)
		assert.Equal(t, "gpt-4o", cfg.Model)
		assert.Equal(t, "http://block.local", cfg.BaseURL)
	})

	t.Run("env beats module key", func(t *testing.T) {
		bare := config.Default()
		bare.APIKey = "sk-module"
		cfg, err := ConfigFor(bare, chat.Options{Provider: "openai"})
		require.NoError(t, err)
		assert.Equal(t, "sk-env", cfg.APIKey)
	})

	t.Run("option base url wins over block", func(t *testing.T) {
		cfg, err := ConfigFor(settings, chat.Options{Provider: "openai", BaseURL: "http://option.local"})
		require.NoError(t, err)
		assert.Equal(t, "http://option.local", cfg.BaseURL)
	})
}

func TestConfigFor_MissingKey(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")

	_, err := ConfigFor(config.Default(), chat.Options{Provider: "gemini"})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindConfigMissing))
}

func TestConfigFor_OllamaNeedsNoKey(t *testing.T) {
	t.Setenv("OLLAMA_API_KEY", "")

	cfg, err := ConfigFor(config.Default(), chat.Options{Provider: "ollama"})
	require.NoError(t, err)
	assert.Empty(t, cfg.APIKey)
}

func TestConfigFor_Bedrock(t *testing.T) {
	t.Setenv("AWS_ACCESS_KEY_ID", "")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "")
	t.Setenv("AWS_REGION", "")

	_, err := ConfigFor(config.Default(), chat.Options{Provider: "bedrock"})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindConfigMissing))

	settings := config.Default()
	settings.Bedrock = &config.BedrockCredentials{AccessKeyID: "AKIA", SecretAccessKey: "shh"}
	cfg, err := ConfigFor(settings, chat.Options{Provider: "bedrock"})
	require.NoError(t, err)
	require.NotNil(t, cfg.Bedrock)
	assert.Equal(t, "us-east-1", cfg.Bedrock.Region)
}

func TestResolve_SingletonPerConfig(t *testing.T) {
	ResetServices()
	defer ResetServices()

	cfg := ServiceConfig{Provider: "openai", APIKey: "sk-a"}
	first, err := Resolve(cfg)
	require.NoError(t, err)
	second, err := Resolve(cfg)
	require.NoError(t, err)
	assert.Same(t, first, second)

	other, err := Resolve(ServiceConfig{Provider: "openai", APIKey: "sk-b"})
	require.NoError(t, err)
	assert.NotSame(t, first, other)
}

func TestResolve_AppliesPresetDefaults(t *testing.T) {
	ResetServices()
	defer ResetServices()

	svc, err := Resolve(ServiceConfig{Provider: "OpenAI", APIKey: "sk-a"})
	require.NoError(t, err)
	assert.Equal(t, "openai", svc.Name())
	assert.Equal(t, "https://api.openai.com/v1", svc.Config().BaseURL)
	assert.Equal(t, "gpt-4o-mini", svc.Config().Model)
}

func TestResolve_UnknownProvider(t *testing.T) {
	_, err := Resolve(ServiceConfig{Provider: "delphi"})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindInvalidArgument))
}

func TestServiceConfigHash(t *testing.T) {
	a := ServiceConfig{
		Provider:      "openai",
		APIKey:        "sk",
		Timeout:       30 * time.Second,
		DefaultParams: chat.Params{"temperature": 0.2, "seed": 7},
	}
	b := a
	b.DefaultParams = chat.Params{"seed": 7, "temperature": 0.2}
	assert.Equal(t, a.Hash(), b.Hash(), "hash is key-order independent")

	c := a
	c.APIKey = "sk-other"
	assert.NotEqual(t, a.Hash(), c.Hash())
}

func TestUnsupportedOperations(t *testing.T) {
	ResetServices()
	defer ResetServices()

	embedReq, err := chat.NewEmbeddingRequest("hello", nil, chat.Options{})
	require.NoError(t, err)
	chatReq, err := chat.NewRequest("hello", nil, chat.Options{}, nil)
	require.NoError(t, err)

	t.Run("perplexity has no embeddings endpoint", func(t *testing.T) {
		svc, err := Resolve(ServiceConfig{Provider: "perplexity", APIKey: "pplx-test"})
		require.NoError(t, err)
		_, err = svc.Embed(context.Background(), embedReq)
		require.Error(t, err)
		assert.True(t, IsKind(err, KindUnsupported))
	})

	t.Run("claude has no embeddings endpoint", func(t *testing.T) {
		svc, err := Resolve(ServiceConfig{Provider: "claude", APIKey: "sk-ant"})
		require.NoError(t, err)
		_, err = svc.Embed(context.Background(), embedReq)
		require.Error(t, err)
		assert.True(t, IsKind(err, KindUnsupported))
	})

	t.Run("voyage has no chat endpoint", func(t *testing.T) {
		svc, err := Resolve(ServiceConfig{Provider: "voyage", APIKey: "vo-test"})
		require.NoError(t, err)
		_, err = svc.Invoke(context.Background(), chatReq)
		require.Error(t, err)
		assert.True(t, IsKind(err, KindUnsupported))
		err = svc.InvokeStream(context.Background(), chatReq, func(map[string]any) {})
		assert.True(t, IsKind(err, KindUnsupported))
	})
}

func TestProviders(t *testing.T) {
	names := Providers()
	assert.Contains(t, names, "openai")
	assert.Contains(t, names, "claude")
	assert.Contains(t, names, "bedrock")
}
