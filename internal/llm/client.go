// Package llm wraps the external LLM provider behind a cached, deadline-bound
// client. Responses are cached under a content/instructions/model digest;
// provider failures map onto the stable error taxonomy so callers can degrade
// gracefully.
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
	"strings"
	"time"

	"github.com/2501Pr0ject/scrapinium/internal/cache"
	"github.com/2501Pr0ject/scrapinium/internal/config"
	"github.com/2501Pr0ject/scrapinium/internal/types"
)

// Provider identifies the LLM backend.
type Provider string

const (
	ProviderOllama Provider = "ollama"
	ProviderOpenAI Provider = "openai"
	ProviderCustom Provider = "custom"
)

// Result is a successful LLM response.
type Result struct {
	Text     string
	Provider string
	Model    string
	Cached   bool
}

// ResponseCache is the subset of the tiered cache the client needs.
type ResponseCache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	PutWithTTL(ctx context.Context, key string, value []byte, fastTTL, durableTTL time.Duration) error
}

// Client communicates with an LLM provider for content restructuring.
type Client struct {
	cfg      config.LLMConfig
	http     *http.Client
	cache    ResponseCache
	cacheTTL time.Duration
	logger   *slog.Logger
}

// New creates an LLM client. respCache may be nil to disable response caching;
// cacheTTL applies to cached completions in both tiers.
func New(cfg config.LLMConfig, respCache ResponseCache, cacheTTL time.Duration, logger *slog.Logger) *Client {
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout: cfg.Timeout,
		},
		cache:    respCache,
		cacheTTL: cacheTTL,
		logger:   logger.With("component", "llm_client"),
	}
}

// ProviderID returns the configured provider identifier.
func (c *Client) ProviderID() string { return c.cfg.Provider }

// Model returns the configured model identifier.
func (c *Client) Model() string { return c.cfg.Model }

// Process restructures content per the instructions. The cache is probed
// before any external call; successes are cached with a long TTL. Failures
// carry a taxonomy kind (llm_unavailable, llm_timeout, llm_rate_limited,
// llm_invalid_response) the caller maps to skip-and-continue; a cancelled ctx
// yields the cancelled kind instead.
func (c *Client) Process(ctx context.Context, content, instructions string) (*Result, error) {
	if len(content) > c.cfg.MaxInput {
		content = content[:c.cfg.MaxInput]
	}

	key := cache.LLMKey(content, instructions, c.cfg.Model)
	if c.cache != nil {
		if cached, ok := c.cache.Get(ctx, key); ok {
			return &Result{
				Text:     string(cached),
				Provider: c.cfg.Provider,
				Model:    c.cfg.Model,
				Cached:   true,
			}, nil
		}
	}

	prompt := buildPrompt(content, instructions)

	var text string
	var err error
	switch Provider(c.cfg.Provider) {
	case ProviderOllama:
		text, err = c.generateOllama(ctx, prompt)
	case ProviderOpenAI:
		text, err = c.generateOpenAI(ctx, prompt)
	case ProviderCustom:
		text, err = c.generateCustom(ctx, prompt)
	default:
		return nil, types.NewTaskError(types.KindLLMUnavailable,
			"unsupported provider", fmt.Errorf("provider %q", c.cfg.Provider))
	}
	if err != nil {
		return nil, c.mapError(err)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil, types.NewTaskError(types.KindLLMInvalidResponse, "empty completion", nil)
	}

	if c.cache != nil {
		if cerr := c.cache.PutWithTTL(ctx, key, []byte(text), c.cacheTTL, c.cacheTTL); cerr != nil {
			c.logger.Warn("caching llm response failed", "error", cerr)
		}
	}

	return &Result{Text: text, Provider: c.cfg.Provider, Model: c.cfg.Model}, nil
}

// buildPrompt frames the restructuring request for the provider.
func buildPrompt(content, instructions string) string {
	if instructions == "" {
		instructions = "Restructure the content into a clean, well-organized form. Preserve all facts."
	}
	return fmt.Sprintf("You are processing scraped web page content.\n\nInstructions: %s\n\nContent:\n%s", instructions, content)
}

// mapError translates transport failures onto the taxonomy.
func (c *Client) mapError(err error) error {
	var te *types.TaskError
	if errors.As(err, &te) {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return types.NewTaskError(types.KindLLMTimeout, "provider deadline exceeded", err)
	case errors.Is(err, context.Canceled):
		return types.NewTaskError(types.KindCancelled, "llm call cancelled", err)
	default:
		return types.NewTaskError(types.KindLLMUnavailable, "provider unreachable", err)
	}
}

func (c *Client) generateOllama(ctx context.Context, prompt string) (string, error) {
	payload := map[string]any{
		"model":  c.cfg.Model,
		"prompt": prompt,
		"stream": false,
		"options": map[string]any{
			"temperature": c.cfg.Temperature,
			"num_predict": c.cfg.MaxTokens,
		},
	}

	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.Endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("ollama request: %w", err)
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp); err != nil {
		return "", err
	}

	var result struct {
		Response string `json:"response"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", types.NewTaskError(types.KindLLMInvalidResponse, "decode ollama response", err)
	}
	return result.Response, nil
}

func (c *Client) generateOpenAI(ctx context.Context, prompt string) (string, error) {
	payload := map[string]any{
		"model": c.cfg.Model,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
		"max_tokens":  c.cfg.MaxTokens,
		"temperature": c.cfg.Temperature,
	}

	body, _ := json.Marshal(payload)
	endpoint := c.cfg.Endpoint
	if endpoint == "" {
		endpoint = "https://api.openai.com/v1"
	}

	req, err := http.NewRequestWithContext(ctx, "POST", endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("openai request: %w", err)
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp); err != nil {
		return "", err
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", types.NewTaskError(types.KindLLMInvalidResponse, "decode openai response", err)
	}
	if len(result.Choices) == 0 {
		return "", types.NewTaskError(types.KindLLMInvalidResponse, "no choices in response", nil)
	}
	return result.Choices[0].Message.Content, nil
}

func (c *Client) generateCustom(ctx context.Context, prompt string) (string, error) {
	payload := map[string]any{
		"prompt": prompt,
		"model":  c.cfg.Model,
	}
	body, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp); err != nil {
		return "", err
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(respBody), nil
}

// checkStatus maps HTTP status classes onto the taxonomy.
func (c *Client) checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return types.NewTaskError(types.KindLLMRateLimited, "provider rate limited", nil)
	case resp.StatusCode >= 500:
		return types.NewTaskError(types.KindLLMUnavailable,
			"provider error", fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return types.NewTaskError(types.KindLLMInvalidResponse,
			"provider rejected request", fmt.Errorf("status %d", resp.StatusCode))
	}
	return nil
}
