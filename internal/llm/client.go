// Package llm talks to the configured language model backend. Every reply,
// whatever the provider, passes through one normalization boundary before
// any other package sees it.
package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/personal-context-engine/internal/config"
	"github.com/personal-context-engine/internal/jsonx"
)

// Provider selects the backend wire format.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderOllama    Provider = "ollama"
)

// ParseProvider validates a provider name from configuration.
func ParseProvider(s string) (Provider, error) {
	switch Provider(s) {
	case ProviderOpenAI, ProviderAnthropic, ProviderOllama:
		return Provider(s), nil
	default:
		return "", fmt.Errorf("unknown llm provider %q", s)
	}
}

// Request is one completion call.
type Request struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
	// ForceJSON asks the backend for a JSON-only reply where the wire
	// format supports it; prompts must still say so for backends that
	// do not.
	ForceJSON bool
}

// Response is a normalized completion reply.
type Response struct {
	Content  string
	Provider Provider
	Model    string
	Elapsed  time.Duration
}

// Completer is the contract the pipeline components depend on.
type Completer interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// Client routes completion calls to one configured provider.
type Client struct {
	provider Provider
	model    string
	apiKey   string
	baseURL  string
	client   *http.Client
	logger   *zap.Logger

	mu       sync.Mutex
	requests int64
	failures int64
}

// New builds a client from configuration. The HTTP client timeout is a
// backstop; callers bound individual operations with context deadlines.
func New(cfg config.LLMConfig, logger *zap.Logger) (*Client, error) {
	provider, err := ParseProvider(cfg.Provider)
	if err != nil {
		return nil, err
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		switch provider {
		case ProviderOpenAI:
			baseURL = "https://api.openai.com"
		case ProviderAnthropic:
			baseURL = "https://api.anthropic.com"
		case ProviderOllama:
			baseURL = "http://localhost:11434"
		}
	}
	if provider != ProviderOllama && cfg.APIKey == "" {
		return nil, fmt.Errorf("provider %s requires an api key", provider)
	}

	return &Client{
		provider: provider,
		model:    cfg.Model,
		apiKey:   cfg.APIKey,
		baseURL:  baseURL,
		client: &http.Client{
			Timeout: 180 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: logger.Named("llm"),
	}, nil
}

// Complete sends the request to the configured provider and returns the
// normalized reply.
func (c *Client) Complete(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1000
	}

	var url string
	var body map[string]interface{}
	headers := map[string]string{"Content-Type": "application/json"}

	switch c.provider {
	case ProviderOpenAI:
		url = c.baseURL + "/v1/chat/completions"
		body = map[string]interface{}{
			"model": c.model,
			"messages": []map[string]string{
				{"role": "system", "content": req.System},
				{"role": "user", "content": req.Prompt},
			},
			"max_tokens": maxTokens,
		}
		if req.ForceJSON {
			body["response_format"] = map[string]string{"type": "json_object"}
		}
		headers["Authorization"] = "Bearer " + c.apiKey

	case ProviderAnthropic:
		url = c.baseURL + "/v1/messages"
		body = map[string]interface{}{
			"model":      c.model,
			"max_tokens": maxTokens,
			"system":     req.System,
			"messages": []map[string]string{
				{"role": "user", "content": req.Prompt},
			},
		}
		headers["x-api-key"] = c.apiKey
		headers["anthropic-version"] = "2023-06-01"

	default: // ollama
		url = c.baseURL + "/api/chat"
		body = map[string]interface{}{
			"model": c.model,
			"messages": []map[string]string{
				{"role": "system", "content": req.System},
				{"role": "user", "content": req.Prompt},
			},
			"stream": false,
		}
		if req.ForceJSON {
			body["format"] = "json"
		}
	}

	if req.Temperature > 0 {
		body["temperature"] = req.Temperature
	}

	content, err := c.makeRequest(ctx, url, body, headers)
	c.mu.Lock()
	c.requests++
	if err != nil {
		c.failures++
	}
	c.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", c.provider, err)
	}

	return &Response{
		Content:  stripThinkingTags(content),
		Provider: c.provider,
		Model:    c.model,
		Elapsed:  time.Since(start),
	}, nil
}

func (c *Client) makeRequest(ctx context.Context, url string, body map[string]interface{}, headers map[string]string) (string, error) {
	jsonBody, err := jsonx.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("api error (status %d): %s", resp.StatusCode, truncate(string(respBody), 300))
	}

	var result map[string]interface{}
	if err := jsonx.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}

	return extractContent(result)
}

// extractContent is the single place backend reply shapes are understood.
// Nothing outside this function may inspect a provider payload.
func extractContent(result map[string]interface{}) (string, error) {
	// OpenAI-compatible format.
	if choices, ok := result["choices"].([]interface{}); ok && len(choices) > 0 {
		if choice, ok := choices[0].(map[string]interface{}); ok {
			if message, ok := choice["message"].(map[string]interface{}); ok {
				if content, ok := message["content"].(string); ok {
					return content, nil
				}
			}
		}
	}

	// Anthropic format.
	if content, ok := result["content"].([]interface{}); ok && len(content) > 0 {
		if block, ok := content[0].(map[string]interface{}); ok {
			if text, ok := block["text"].(string); ok {
				return text, nil
			}
		}
	}

	// Ollama format.
	if message, ok := result["message"].(map[string]interface{}); ok {
		if content, ok := message["content"].(string); ok {
			return content, nil
		}
	}

	if content, ok := result["content"].(string); ok {
		return content, nil
	}

	return "", fmt.Errorf("could not extract content from response")
}

var thinkingTags = regexp.MustCompile(`(?s)<think>.*?</think>`)

// stripThinkingTags removes reasoning blocks local models emit before the
// actual answer.
func stripThinkingTags(content string) string {
	return strings.TrimSpace(thinkingTags.ReplaceAllString(content, ""))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Stats reports request counters for the stats endpoint.
func (c *Client) Stats() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]interface{}{
		"provider": string(c.provider),
		"model":    c.model,
		"requests": c.requests,
		"failures": c.failures,
	}
}
