package provider

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

const forecastSystemPrompt = "You are an epidemiological forecasting service. " +
	"Respond with a single JSON object containing a numeric array " +
	"\"forecasted_cases\" with one value per requested horizon day and, when " +
	"possible, a numeric array \"forecasted_deaths\". Do not include prose."

// buildForecastPrompt renders the user message all providers receive. The
// query history keeps the prompt bounded regardless of how much historical
// data the caller holds.
func buildForecastPrompt(query ForecastQuery) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Region: %s\n", query.Region)
	fmt.Fprintf(&b, "Current confirmed cases: %d\n", query.ActualCases)
	fmt.Fprintf(&b, "Current deaths: %d\n", query.ActualDeaths)
	if len(query.CaseHistory) > 0 {
		fmt.Fprintf(&b, "Daily case history (oldest first): %v\n", query.CaseHistory)
	}
	horizon := query.HorizonDays
	if horizon <= 0 {
		horizon = 7
	}
	fmt.Fprintf(&b, "Forecast daily total cases for the next %d days.", horizon)
	return b.String()
}

// classifyHTTPStatus maps a provider HTTP status to the failure taxonomy.
// 401/403 are authentication/configuration problems and therefore hard
// failures; everything else non-2xx stays soft.
func classifyHTTPStatus(provider string, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &ProviderError{
			Kind:     FailureAuth,
			Provider: provider,
			Message:  fmt.Sprintf("authentication rejected (HTTP %d)", status),
		}
	case status == http.StatusTooManyRequests:
		return &ProviderError{
			Kind:     FailureUnknown,
			Provider: provider,
			Message:  "rate limited by provider (HTTP 429)",
		}
	default:
		return &ProviderError{
			Kind:     FailureUnknown,
			Provider: provider,
			Message:  fmt.Sprintf("unexpected status HTTP %d", status),
		}
	}
}

// parseForecastPayload parses the model-emitted JSON document. Models
// occasionally wrap JSON in markdown fences; those are stripped before
// parsing. Anything still unparseable is a malformed-response failure.
func parseForecastPayload(provider, content string) (map[string]interface{}, error) {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
		trimmed = strings.TrimSpace(trimmed)
	}

	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
		return nil, &ProviderError{
			Kind:     FailureMalformed,
			Provider: provider,
			Message:  "provider returned non-JSON forecast",
			Cause:    err,
		}
	}
	if len(payload) == 0 {
		return nil, &ProviderError{
			Kind:     FailureMalformed,
			Provider: provider,
			Message:  "provider returned empty forecast object",
		}
	}
	return payload, nil
}
