package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ClaudeClient implements Client for the Anthropic messages API.
type ClaudeClient struct {
	config      ClaudeConfig
	client      *http.Client
	rateLimiter *rate.Limiter
	logger      *zap.Logger
}

// ClaudeConfig contains configuration for the Claude provider.
type ClaudeConfig struct {
	APIKey       string        `koanf:"api_key"`
	BaseURL      string        `koanf:"base_url"`
	Model        string        `koanf:"model"`
	Timeout      time.Duration `koanf:"timeout"`
	RateLimitRPS int           `koanf:"rate_limit_rps"`
	Enabled      bool          `koanf:"enabled"`
}

const anthropicVersion = "2023-06-01"

// NewClaudeClient creates a new Claude provider adapter.
func NewClaudeClient(config ClaudeConfig, logger *zap.Logger) *ClaudeClient {
	if config.BaseURL == "" {
		config.BaseURL = "https://api.anthropic.com/v1"
	}
	if config.Model == "" {
		config.Model = "claude-3-5-haiku-latest"
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.RateLimitRPS == 0 {
		config.RateLimitRPS = 5
	}

	return &ClaudeClient{
		config: config,
		client: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		rateLimiter: rate.NewLimiter(rate.Limit(config.RateLimitRPS), config.RateLimitRPS*2),
		logger:      logger.Named("claude"),
	}
}

func (c *ClaudeClient) Name() string { return "claude" }

func (c *ClaudeClient) IsConfigured() bool {
	return c.config.Enabled && c.config.APIKey != ""
}

// GenerateForecast posts to /messages with the JSON-only system prompt.
func (c *ClaudeClient) GenerateForecast(ctx context.Context, query ForecastQuery) (*RawForecast, error) {
	if !c.IsConfigured() {
		return nil, &ProviderError{Kind: FailureAuth, Provider: c.Name(), Message: "provider not configured"}
	}
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, AsProviderError(c.Name(), err)
	}

	body := map[string]interface{}{
		"model":      c.config.Model,
		"max_tokens": 1024,
		"system":     forecastSystemPrompt,
		"messages": []map[string]string{
			{"role": "user", "content": buildForecastPrompt(query)},
		},
		"temperature": 0.2,
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, AsProviderError(c.Name(), err)
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/messages", bytes.NewReader(raw))
	if err != nil {
		return nil, AsProviderError(c.Name(), err)
	}
	req.Header.Set("x-api-key", c.config.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, AsProviderError(c.Name(), err)
	}
	defer resp.Body.Close()

	if err := classifyHTTPStatus(c.Name(), resp.StatusCode); err != nil {
		return nil, err
	}

	var envelope struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, &ProviderError{Kind: FailureMalformed, Provider: c.Name(), Message: "undecodable messages envelope", Cause: err}
	}

	var text string
	for _, block := range envelope.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	if text == "" {
		return nil, &ProviderError{Kind: FailureMalformed, Provider: c.Name(), Message: "no text block in response"}
	}

	payload, err := parseForecastPayload(c.Name(), text)
	if err != nil {
		return nil, err
	}

	latency := time.Since(start)
	c.logger.Debug("forecast generated",
		zap.String("region", query.Region),
		zap.String("model", c.config.Model),
		zap.Duration("latency", latency),
	)

	return &RawForecast{
		Provider:   c.Name(),
		Payload:    payload,
		Model:      c.config.Model,
		LatencyMs:  latency.Milliseconds(),
		ReceivedAt: time.Now(),
	}, nil
}

// HealthCheck sends a minimal 1-token message. Anthropic has no unauth'd
// list endpoint cheap enough, so the probe is a tiny completion.
func (c *ClaudeClient) HealthCheck(ctx context.Context) (*ProbeResult, error) {
	start := time.Now()
	result := &ProbeResult{Provider: c.Name(), CheckedAt: start}

	body := map[string]interface{}{
		"model":      c.config.Model,
		"max_tokens": 1,
		"messages":   []map[string]string{{"role": "user", "content": "ping"}},
	}
	raw, err := json.Marshal(body)
	if err != nil {
		result.Error = err.Error()
		return result, AsProviderError(c.Name(), err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/messages", bytes.NewReader(raw))
	if err != nil {
		result.Error = err.Error()
		return result, AsProviderError(c.Name(), err)
	}
	req.Header.Set("x-api-key", c.config.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	result.Latency = time.Since(start)
	if err != nil {
		result.Error = err.Error()
		return result, AsProviderError(c.Name(), err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	result.StatusCode = resp.StatusCode
	if err := classifyHTTPStatus(c.Name(), resp.StatusCode); err != nil {
		result.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
		return result, err
	}
	result.Healthy = true
	return result, nil
}
