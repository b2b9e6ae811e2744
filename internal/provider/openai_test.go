package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func completionResponse(content string) map[string]interface{} {
	return map[string]interface{}{
		"choices": []map[string]interface{}{
			{"message": map[string]string{"content": content}},
		},
	}
}

func newOpenAITestClient(t *testing.T, handler http.HandlerFunc) *OpenAIClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewOpenAIClient(OpenAIConfig{
		APIKey:       "sk-test",
		BaseURL:      server.URL,
		Enabled:      true,
		Timeout:      2 * time.Second,
		RateLimitRPS: 100,
	}, zaptest.NewLogger(t))
}

func TestOpenAIClient_GenerateForecast(t *testing.T) {
	var gotAuth string
	client := newOpenAITestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		assert.Equal(t, "/chat/completions", r.URL.Path)

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.NotEmpty(t, body["messages"])

		json.NewEncoder(w).Encode(completionResponse(`{"forecasted_cases":[100,110,120,130,140,150,160]}`))
	})

	raw, err := client.GenerateForecast(context.Background(), ForecastQuery{Region: "US", ActualCases: 90, HorizonDays: 7})
	require.NoError(t, err)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "openai", raw.Provider)
	assert.Contains(t, raw.Payload, "forecasted_cases")
	assert.False(t, raw.ReceivedAt.IsZero())
}

func TestOpenAIClient_FencedContentParsed(t *testing.T) {
	client := newOpenAITestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(completionResponse("```json\n{\"forecasted_cases\":[1,2,3]}\n```"))
	})

	raw, err := client.GenerateForecast(context.Background(), ForecastQuery{Region: "US"})
	require.NoError(t, err)
	assert.Contains(t, raw.Payload, "forecasted_cases")
}

func TestOpenAIClient_AuthRejectionIsHard(t *testing.T) {
	client := newOpenAITestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := client.GenerateForecast(context.Background(), ForecastQuery{Region: "US"})
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, FailureAuth, pe.Kind)
	assert.True(t, pe.IsHard())
}

func TestOpenAIClient_ProseCompletionIsMalformed(t *testing.T) {
	client := newOpenAITestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(completionResponse("Cases will probably trend upward."))
	})

	_, err := client.GenerateForecast(context.Background(), ForecastQuery{Region: "US"})
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, FailureMalformed, pe.Kind)
}

func TestOpenAIClient_NotConfigured(t *testing.T) {
	client := NewOpenAIClient(OpenAIConfig{}, zaptest.NewLogger(t))

	assert.False(t, client.IsConfigured())
	_, err := client.GenerateForecast(context.Background(), ForecastQuery{Region: "US"})
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, FailureAuth, pe.Kind)
}

func TestOpenAIClient_HealthCheck(t *testing.T) {
	client := newOpenAITestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models", r.URL.Path)
		w.Write([]byte(`{"data":[]}`))
	})

	result, err := client.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Healthy)
	assert.Equal(t, http.StatusOK, result.StatusCode)
	assert.Greater(t, result.Latency, time.Duration(0))
}

func TestOpenAIClient_HealthCheckUnauthorized(t *testing.T) {
	client := newOpenAITestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	result, err := client.HealthCheck(context.Background())
	require.Error(t, err)
	assert.False(t, result.Healthy)
	assert.Equal(t, http.StatusForbidden, result.StatusCode)
}
