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

// CohereClient implements Client for the Cohere v2 chat API.
type CohereClient struct {
	config      CohereConfig
	client      *http.Client
	rateLimiter *rate.Limiter
	logger      *zap.Logger
}

// CohereConfig contains configuration for the Cohere provider.
type CohereConfig struct {
	APIKey       string        `koanf:"api_key"`
	BaseURL      string        `koanf:"base_url"`
	Model        string        `koanf:"model"`
	Timeout      time.Duration `koanf:"timeout"`
	RateLimitRPS int           `koanf:"rate_limit_rps"`
	Enabled      bool          `koanf:"enabled"`
}

// NewCohereClient creates a new Cohere provider adapter.
func NewCohereClient(config CohereConfig, logger *zap.Logger) *CohereClient {
	if config.BaseURL == "" {
		config.BaseURL = "https://api.cohere.com/v2"
	}
	if config.Model == "" {
		config.Model = "command-r7b-12-2024"
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.RateLimitRPS == 0 {
		config.RateLimitRPS = 5
	}

	return &CohereClient{
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
		logger:      logger.Named("cohere"),
	}
}

func (c *CohereClient) Name() string { return "cohere" }

func (c *CohereClient) IsConfigured() bool {
	return c.config.Enabled && c.config.APIKey != ""
}

// GenerateForecast posts to the v2 chat endpoint and extracts the first
// text content block.
func (c *CohereClient) GenerateForecast(ctx context.Context, query ForecastQuery) (*RawForecast, error) {
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
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/chat", bytes.NewReader(raw))
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
		Message struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, &ProviderError{Kind: FailureMalformed, Provider: c.Name(), Message: "undecodable chat envelope", Cause: err}
	}

	var text string
	for _, block := range envelope.Message.Content {
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

// HealthCheck probes the models endpoint.
func (c *CohereClient) HealthCheck(ctx context.Context) (*ProbeResult, error) {
	start := time.Now()
	result := &ProbeResult{Provider: c.Name(), CheckedAt: start}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"/models?page_size=1", nil)
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
