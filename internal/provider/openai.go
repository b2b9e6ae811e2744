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

// OpenAIClient implements Client for the OpenAI chat completions API.
type OpenAIClient struct {
	config      OpenAIConfig
	client      *http.Client
	rateLimiter *rate.Limiter
	logger      *zap.Logger
}

// OpenAIConfig contains configuration for the OpenAI provider.
type OpenAIConfig struct {
	APIKey       string        `koanf:"api_key"`
	BaseURL      string        `koanf:"base_url"`
	Model        string        `koanf:"model"`
	Timeout      time.Duration `koanf:"timeout"`
	RateLimitRPS int           `koanf:"rate_limit_rps"`
	Enabled      bool          `koanf:"enabled"`
}

// NewOpenAIClient creates a new OpenAI provider adapter.
func NewOpenAIClient(config OpenAIConfig, logger *zap.Logger) *OpenAIClient {
	if config.BaseURL == "" {
		config.BaseURL = "https://api.openai.com/v1"
	}
	if config.Model == "" {
		config.Model = "gpt-4o-mini"
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.RateLimitRPS == 0 {
		config.RateLimitRPS = 5
	}

	return &OpenAIClient{
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
		logger:      logger.Named("openai"),
	}
}

func (c *OpenAIClient) Name() string { return "openai" }

func (c *OpenAIClient) IsConfigured() bool {
	return c.config.Enabled && c.config.APIKey != ""
}

// GenerateForecast asks the model for a structured JSON forecast and returns
// the parsed payload. Responses that are not valid JSON come back as a
// malformed-response failure, not a panic.
func (c *OpenAIClient) GenerateForecast(ctx context.Context, query ForecastQuery) (*RawForecast, error) {
	if !c.IsConfigured() {
		return nil, &ProviderError{Kind: FailureAuth, Provider: c.Name(), Message: "provider not configured"}
	}
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, AsProviderError(c.Name(), err)
	}

	body := map[string]interface{}{
		"model": c.config.Model,
		"messages": []map[string]string{
			{"role": "system", "content": forecastSystemPrompt},
			{"role": "user", "content": buildForecastPrompt(query)},
		},
		"response_format": map[string]string{"type": "json_object"},
		"temperature":     0.2,
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, AsProviderError(c.Name(), err)
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return nil, AsProviderError(c.Name(), err)
	}
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
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
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, &ProviderError{Kind: FailureMalformed, Provider: c.Name(), Message: "undecodable completion envelope", Cause: err}
	}
	if len(envelope.Choices) == 0 || envelope.Choices[0].Message.Content == "" {
		return nil, &ProviderError{Kind: FailureMalformed, Provider: c.Name(), Message: "empty completion"}
	}

	payload, err := parseForecastPayload(c.Name(), envelope.Choices[0].Message.Content)
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

// HealthCheck probes the models endpoint, which is cheap and exercises
// authentication without consuming completion tokens.
func (c *OpenAIClient) HealthCheck(ctx context.Context) (*ProbeResult, error) {
	start := time.Now()
	result := &ProbeResult{Provider: c.Name(), CheckedAt: start}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"/models", nil)
	if err != nil {
		result.Error = err.Error()
		return result, AsProviderError(c.Name(), err)
	}
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)

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
