package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/brunobiangulo/kgraph/metrics"
)

var (
	// ErrUpstream marks transport failures, non-success statuses and
	// malformed envelopes from the model backend.
	ErrUpstream = errors.New("llm: upstream request failed")

	// ErrTimeout marks a request that exceeded the per-call deadline.
	ErrTimeout = errors.New("llm: request timed out")
)

// DefaultTimeout bounds a single HTTP attempt.
const DefaultTimeout = 120 * time.Second

// Provider is the interface for LLM interactions.
type Provider interface {
	// Chat sends a chat completion request.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// Embed generates embeddings for a batch of texts, one vector per
	// input in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// ChatRequest is a chat completion request.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	// ResponseFormat can be set to "json_object" for JSON mode.
	ResponseFormat string `json:"response_format,omitempty"`
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse is the response from a chat completion.
type ChatResponse struct {
	Content          string `json:"content"`
	Model            string `json:"model"`
	FinishReason     string `json:"finish_reason"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
}

// Config configures an LLM provider.
type Config struct {
	Provider string        `json:"provider" mapstructure:"provider"` // openai, ollama, lmstudio, openrouter, groq, xai, gemini, siliconflow, custom
	Model    string        `json:"model" mapstructure:"model"`
	BaseURL  string        `json:"base_url" mapstructure:"base_url"`
	APIKey   string        `json:"api_key" mapstructure:"api_key"`
	Timeout  time.Duration `json:"timeout" mapstructure:"timeout"`

	// MaxRetries and RetryDelay tune the backoff loop. Zero values use
	// the package defaults.
	MaxRetries int           `json:"max_retries" mapstructure:"max_retries"`
	RetryDelay time.Duration `json:"retry_delay" mapstructure:"retry_delay"`
}

// endpoint describes where an OpenAI-compatible backend lives.
type endpoint struct {
	baseURL string
	prefix  string
}

// knownEndpoints maps provider names to their default base URL and API
// path prefix. Gemini's compatibility layer already carries the version
// in its base URL.
var knownEndpoints = map[string]endpoint{
	"openai":      {"https://api.openai.com", "/v1"},
	"lmstudio":    {"http://localhost:1234", "/v1"},
	"openrouter":  {"https://openrouter.ai/api", "/v1"},
	"groq":        {"https://api.groq.com/openai", "/v1"},
	"xai":         {"https://api.x.ai", "/v1"},
	"gemini":      {"https://generativelanguage.googleapis.com/v1beta/openai", ""},
	"siliconflow": {"https://api.siliconflow.cn", "/v1"},
}

// Option customises a provider built by NewProvider.
type Option func(*openAICompatClient)

// WithMetrics records request counts and latency.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *openAICompatClient) { c.metrics = m }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *openAICompatClient) { c.client = hc }
}

// NewProvider creates an LLM provider from configuration.
func NewProvider(cfg Config, opts ...Option) (Provider, error) {
	switch cfg.Provider {
	case "":
		return nil, fmt.Errorf("llm provider not specified")
	case "ollama":
		return newOllama(cfg, opts...), nil
	case "custom":
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("custom llm provider requires a base url")
		}
		return &openAICompatProvider{base: newOpenAICompatClient(cfg, "/v1", opts...)}, nil
	}

	ep, ok := knownEndpoints[cfg.Provider]
	if !ok {
		return nil, fmt.Errorf("unknown llm provider: %s", cfg.Provider)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = ep.baseURL
	}
	return &openAICompatProvider{base: newOpenAICompatClient(cfg, ep.prefix, opts...)}, nil
}
