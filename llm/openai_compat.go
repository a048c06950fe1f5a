package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/brunobiangulo/kgraph/metrics"
)

// openAICompatClient is the shared base for all OpenAI-compatible providers.
type openAICompatClient struct {
	cfg        Config
	client     *http.Client
	pathPrefix string // API path prefix, "/v1" for most backends
	metrics    *metrics.Metrics
}

func newOpenAICompatClient(cfg Config, prefix string, opts ...Option) openAICompatClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	// Hosts are often configured with the version already attached,
	// e.g. "https://api.openai.com/v1".
	if prefix != "" && strings.HasSuffix(cfg.BaseURL, prefix) {
		prefix = ""
	}

	// The deadline is applied per attempt through the request context so
	// a timeout can be told apart from caller cancellation.
	c := openAICompatClient{
		cfg:        cfg,
		pathPrefix: prefix,
		client:     &http.Client{},
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

type openAICompatProvider struct {
	base openAICompatClient
}

func (p *openAICompatProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return p.base.chat(ctx, req)
}

func (p *openAICompatProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return p.base.embed(ctx, texts)
}

type chatCompletionRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Model string `json:"model"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

func (c *openAICompatClient) chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = c.cfg.Model
	}

	body := chatCompletionRequest{
		Model:       model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.ResponseFormat == "json_object" {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	respBody, err := c.post(ctx, "chat", c.pathPrefix+"/chat/completions", body)
	if err != nil {
		return nil, err
	}

	var resp chatCompletionResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("%w: decoding chat response: %v", ErrUpstream, err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices in response", ErrUpstream)
	}

	return &ChatResponse{
		Content:          resp.Choices[0].Message.Content,
		Model:            resp.Model,
		FinishReason:     resp.Choices[0].FinishReason,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}, nil
}

func (c *openAICompatClient) embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	body := embeddingRequest{
		Model: c.cfg.Model,
		Input: texts,
	}

	respBody, err := c.post(ctx, "embeddings", c.pathPrefix+"/embeddings", body)
	if err != nil {
		return nil, err
	}

	var resp embeddingResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("%w: decoding embedding response: %v", ErrUpstream, err)
	}

	// Sort by index to ensure correct ordering
	embeddings := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index >= 0 && d.Index < len(embeddings) {
			embeddings[d.Index] = d.Embedding
		}
	}
	return embeddings, nil
}

const (
	defaultMaxRetries = 6
	defaultRetryDelay = 2 * time.Second
	minRateLimitDelay = 5 * time.Second // minimum delay for 429 errors
)

// retryableStatusCode returns true for HTTP status codes that warrant a retry.
func retryableStatusCode(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable ||
		code == http.StatusGatewayTimeout
}

// post wraps doPost with request metrics.
func (c *openAICompatClient) post(ctx context.Context, name, path string, body any) ([]byte, error) {
	start := time.Now()
	resp, err := c.doPost(ctx, path, body)
	c.metrics.ObserveLLM(name, start, err)
	return resp, err
}

// doPost sends body as JSON and returns the raw 2xx response. Retryable
// statuses and transport errors back off exponentially; a timed out attempt
// is returned at once. Caller
// cancellation is returned as ctx.Err() unwrapped; everything else
// wraps ErrTimeout or ErrUpstream.
func (c *openAICompatClient) doPost(ctx context.Context, path string, body any) ([]byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	url := c.cfg.BaseURL + path
	rateLimitBase := minRateLimitDelay
	if c.cfg.RetryDelay < defaultRetryDelay {
		rateLimitBase = c.cfg.RetryDelay
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.cfg.RetryDelay * time.Duration(1<<(attempt-1))
			slog.Warn("llm: retrying request",
				"url", url,
				"attempt", attempt,
				"delay", delay,
				"error", lastErr,
			)
			if err := sleepCtx(ctx, delay); err != nil {
				return nil, err
			}
		}

		status, respBody, header, err := c.attempt(ctx, url, data)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// A hung endpoint is not retried, so the deadline bounds the call.
			if errors.Is(err, ErrTimeout) {
				return nil, err
			}
			lastErr = err
			continue
		}

		if status >= 200 && status < 300 {
			return respBody, nil
		}

		lastErr = fmt.Errorf("%w: status %d from %s: %s", ErrUpstream, status, url, truncate(string(respBody), 512))

		if !retryableStatusCode(status) {
			return nil, lastErr
		}

		// Handle 429 rate limiting with longer delays.
		if status == http.StatusTooManyRequests {
			rateLimitDelay := rateLimitBase * time.Duration(1<<attempt)
			if ra := header.Get("Retry-After"); ra != "" {
				if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
					headerDelay := time.Duration(seconds) * time.Second
					if headerDelay > rateLimitDelay {
						rateLimitDelay = headerDelay
					}
				}
			}
			slog.Warn("llm: rate limited, waiting before retry",
				"url", url,
				"attempt", attempt+1,
				"delay", rateLimitDelay,
			)
			if err := sleepCtx(ctx, rateLimitDelay); err != nil {
				return nil, err
			}
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// attempt performs one HTTP round trip under the per-call deadline.
func (c *openAICompatClient) attempt(ctx context.Context, url string, data []byte) (int, []byte, http.Header, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return 0, nil, nil, fmt.Errorf("%w: building request: %v", ErrUpstream, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, nil, c.classify(ctx, attemptCtx, url, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, c.classify(ctx, attemptCtx, url, err)
	}
	return resp.StatusCode, respBody, resp.Header, nil
}

func (c *openAICompatClient) classify(ctx, attemptCtx context.Context, url string, err error) error {
	if ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s after %s", ErrTimeout, url, c.cfg.Timeout)
	}
	return fmt.Errorf("%w: request to %s failed: %v", ErrUpstream, url, err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
