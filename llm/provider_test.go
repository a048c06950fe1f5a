package llm

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// baseOf reaches the shared client behind any provider NewProvider returns.
func baseOf(t *testing.T, p Provider) openAICompatClient {
	t.Helper()
	switch v := p.(type) {
	case *openAICompatProvider:
		return v.base
	case *ollamaProvider:
		return v.base
	default:
		t.Fatalf("unexpected provider type %T", p)
		return openAICompatClient{}
	}
}

func TestNewProvider(t *testing.T) {
	tests := []struct {
		provider string
		wantType string
	}{
		{"ollama", "*llm.ollamaProvider"},
		{"openai", "*llm.openAICompatProvider"},
		{"lmstudio", "*llm.openAICompatProvider"},
		{"openrouter", "*llm.openAICompatProvider"},
		{"xai", "*llm.openAICompatProvider"},
		{"siliconflow", "*llm.openAICompatProvider"},
	}

	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			p, err := NewProvider(Config{Provider: tt.provider, Model: "test-model"})
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, fmt.Sprintf("%T", p))
		})
	}
}

func TestNewProviderErrors(t *testing.T) {
	_, err := NewProvider(Config{Provider: "doesnotexist", Model: "m"})
	require.Error(t, err)
	assert.Equal(t, "unknown llm provider: doesnotexist", err.Error())

	_, err = NewProvider(Config{Model: "m"})
	require.Error(t, err)
	assert.Equal(t, "llm provider not specified", err.Error())

	_, err = NewProvider(Config{Provider: "custom", Model: "m"})
	assert.Error(t, err, "custom provider without base url")
}

// TestDefaultBaseURLs verifies that when BaseURL is empty in the config,
// each provider gets the documented default and path prefix.
func TestDefaultBaseURLs(t *testing.T) {
	tests := []struct {
		provider   string
		wantURL    string
		wantPrefix string
	}{
		{"ollama", "http://localhost:11434", "/v1"},
		{"openai", "https://api.openai.com", "/v1"},
		{"lmstudio", "http://localhost:1234", "/v1"},
		{"openrouter", "https://openrouter.ai/api", "/v1"},
		{"groq", "https://api.groq.com/openai", "/v1"},
		{"xai", "https://api.x.ai", "/v1"},
		{"gemini", "https://generativelanguage.googleapis.com/v1beta/openai", ""},
	}

	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			p, err := NewProvider(Config{Provider: tt.provider, Model: "test-model"})
			require.NoError(t, err)
			base := baseOf(t, p)
			assert.Equal(t, tt.wantURL, base.cfg.BaseURL)
			assert.Equal(t, tt.wantPrefix, base.pathPrefix)
		})
	}
}

// TestExplicitBaseURLPreserved verifies that a user-supplied BaseURL
// is not overwritten by the default. Trailing slashes are dropped.
func TestExplicitBaseURLPreserved(t *testing.T) {
	for _, provider := range []string{"ollama", "lmstudio", "openrouter", "xai", "custom"} {
		t.Run(provider, func(t *testing.T) {
			p, err := NewProvider(Config{
				Provider: provider,
				Model:    "test-model",
				BaseURL:  "http://my-server:9999/",
			})
			require.NoError(t, err)
			assert.Equal(t, "http://my-server:9999", baseOf(t, p).cfg.BaseURL)
		})
	}
}

func TestConfigDefaultsApplied(t *testing.T) {
	p, err := NewProvider(Config{Provider: "ollama", Model: "llama3:latest"})
	require.NoError(t, err)

	cfg := baseOf(t, p).cfg
	assert.Equal(t, "llama3:latest", cfg.Model)
	assert.Equal(t, DefaultTimeout, cfg.Timeout)
	assert.Equal(t, defaultMaxRetries, cfg.MaxRetries)
	assert.Equal(t, defaultRetryDelay, cfg.RetryDelay)

	p, err = NewProvider(Config{Provider: "openai", Model: "m", Timeout: 3 * time.Second, MaxRetries: 1})
	require.NoError(t, err)
	cfg = baseOf(t, p).cfg
	assert.Equal(t, 3*time.Second, cfg.Timeout)
	assert.Equal(t, 1, cfg.MaxRetries)
}

func TestVersionedBaseURLKeepsSinglePrefix(t *testing.T) {
	p, err := NewProvider(Config{Provider: "siliconflow", Model: "m", BaseURL: "https://api.siliconflow.cn/v1/"})
	require.NoError(t, err)
	base := baseOf(t, p)
	assert.Equal(t, "https://api.siliconflow.cn/v1", base.cfg.BaseURL)
	assert.Empty(t, base.pathPrefix)
}
