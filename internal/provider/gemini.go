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

// GeminiClient implements Client for the Google Gemini generateContent API.
type GeminiClient struct {
	config      GeminiConfig
	client      *http.Client
	rateLimiter *rate.Limiter
	logger      *zap.Logger
}

// GeminiConfig contains configuration for the Gemini provider.
type GeminiConfig struct {
	APIKey       string        `koanf:"api_key"`
	BaseURL      string        `koanf:"base_url"`
	Model        string        `koanf:"model"`
	Timeout      time.Duration `koanf:"timeout"`
	RateLimitRPS int           `koanf:"rate_limit_rps"`
	Enabled      bool          `koanf:"enabled"`
}

// NewGeminiClient creates a new Gemini provider adapter.
func NewGeminiClient(config GeminiConfig, logger *zap.Logger) *GeminiClient {
	if config.BaseURL == "" {
		config.BaseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	if config.Model == "" {
		config.Model = "gemini-1.5-flash"
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.RateLimitRPS == 0 {
		config.RateLimitRPS = 5
	}

	return &GeminiClient{
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
		logger:      logger.Named("gemini"),
	}
}

func (c *GeminiClient) Name() string { return "gemini" }

func (c *GeminiClient) IsConfigured() bool {
	return c.config.Enabled && c.config.APIKey != ""
}

// GenerateForecast calls generateContent with a JSON-only instruction.
// Gemini authenticates via a key query parameter rather than a header.
func (c *GeminiClient) GenerateForecast(ctx context.Context, query ForecastQuery) (*RawForecast, error) {
	if !c.IsConfigured() {
		return nil, &ProviderError{Kind: FailureAuth, Provider: c.Name(), Message: "provider not configured"}
	}
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, AsProviderError(c.Name(), err)
	}

	body := map[string]interface{}{
		"contents": []map[string]interface{}{
			{
				"role":  "user",
				"parts": []map[string]string{{"text": forecastSystemPrompt + "\n\n" + buildForecastPrompt(query)}},
			},
		},
		"generationConfig": map[string]interface{}{
			"responseMimeType": "application/json",
			"temperature":      0.2,
		},
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, AsProviderError(c.Name(), err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.config.BaseURL, c.config.Model, c.config.APIKey)
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, AsProviderError(c.Name(), err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, AsProviderError(c.Name(), err)
	}
	defer resp.Body.Close()

	// Gemini reports a bad key as 400 with an API_KEY_INVALID detail, not 401.
	if resp.StatusCode == http.StatusBadRequest {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if bytes.Contains(detail, []byte("API_KEY_INVALID")) {
			return nil, &ProviderError{Kind: FailureAuth, Provider: c.Name(), Message: "API key rejected"}
		}
		return nil, &ProviderError{Kind: FailureUnknown, Provider: c.Name(), Message: "bad request (HTTP 400)"}
	}
	if err := classifyHTTPStatus(c.Name(), resp.StatusCode); err != nil {
		return nil, err
	}

	var envelope struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, &ProviderError{Kind: FailureMalformed, Provider: c.Name(), Message: "undecodable generateContent envelope", Cause: err}
	}
	if len(envelope.Candidates) == 0 || len(envelope.Candidates[0].Content.Parts) == 0 {
		return nil, &ProviderError{Kind: FailureMalformed, Provider: c.Name(), Message: "empty candidate"}
	}

	payload, err := parseForecastPayload(c.Name(), envelope.Candidates[0].Content.Parts[0].Text)
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

// HealthCheck lists models, which validates the key without generating.
func (c *GeminiClient) HealthCheck(ctx context.Context) (*ProbeResult, error) {
	start := time.Now()
	result := &ProbeResult{Provider: c.Name(), CheckedAt: start}

	url := fmt.Sprintf("%s/models?key=%s&pageSize=1", c.config.BaseURL, c.config.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		result.Error = err.Error()
		return result, AsProviderError(c.Name(), err)
	}

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
