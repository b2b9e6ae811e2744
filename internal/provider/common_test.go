package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyHTTPStatus(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantKind FailureKind
		wantErr  bool
	}{
		{name: "ok", status: 200, wantErr: false},
		{name: "created", status: 201, wantErr: false},
		{name: "unauthorized is hard", status: 401, wantKind: FailureAuth, wantErr: true},
		{name: "forbidden is hard", status: 403, wantKind: FailureAuth, wantErr: true},
		{name: "rate limited stays soft", status: 429, wantKind: FailureUnknown, wantErr: true},
		{name: "server error stays soft", status: 500, wantKind: FailureUnknown, wantErr: true},
		{name: "bad request stays soft", status: 400, wantKind: FailureUnknown, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyHTTPStatus("openai", tt.status)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			var pe *ProviderError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.wantKind, pe.Kind)
			assert.Equal(t, tt.wantKind == FailureAuth, pe.IsHard())
		})
	}
}

func TestParseForecastPayload(t *testing.T) {
	t.Run("plain json", func(t *testing.T) {
		payload, err := parseForecastPayload("openai", `{"forecasted_cases":[1,2,3]}`)
		require.NoError(t, err)
		assert.Contains(t, payload, "forecasted_cases")
	})

	t.Run("markdown fenced json", func(t *testing.T) {
		content := "```json\n{\"forecasted_cases\": [10, 20]}\n```"
		payload, err := parseForecastPayload("claude", content)
		require.NoError(t, err)
		assert.Contains(t, payload, "forecasted_cases")
	})

	t.Run("bare fence without language tag", func(t *testing.T) {
		content := "```\n{\"forecast\": [5]}\n```"
		payload, err := parseForecastPayload("gemini", content)
		require.NoError(t, err)
		assert.Contains(t, payload, "forecast")
	})

	t.Run("prose is malformed", func(t *testing.T) {
		_, err := parseForecastPayload("openai", "I project cases will rise slightly.")
		var pe *ProviderError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, FailureMalformed, pe.Kind)
	})

	t.Run("empty object is malformed", func(t *testing.T) {
		_, err := parseForecastPayload("openai", "{}")
		var pe *ProviderError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, FailureMalformed, pe.Kind)
	})
}

func TestAsProviderError(t *testing.T) {
	t.Run("passes through typed errors", func(t *testing.T) {
		orig := &ProviderError{Kind: FailureAuth, Provider: "gemini", Message: "key rejected"}
		pe := AsProviderError("gemini", orig)
		assert.Same(t, orig, pe)
	})

	t.Run("deadline becomes timeout", func(t *testing.T) {
		pe := AsProviderError("openai", context.DeadlineExceeded)
		assert.Equal(t, FailureTimeout, pe.Kind)
		assert.False(t, pe.IsHard())
	})

	t.Run("wrapped deadline becomes timeout", func(t *testing.T) {
		wrapped := errors.New("Post \"https://api.openai.com\": " + context.DeadlineExceeded.Error())
		pe := AsProviderError("openai", errors.Join(wrapped, context.DeadlineExceeded))
		assert.Equal(t, FailureTimeout, pe.Kind)
	})

	t.Run("everything else is unknown", func(t *testing.T) {
		pe := AsProviderError("cohere", errors.New("connection refused"))
		assert.Equal(t, FailureUnknown, pe.Kind)
		assert.Equal(t, "cohere", pe.Provider)
	})
}

func TestBuildForecastPrompt(t *testing.T) {
	prompt := buildForecastPrompt(ForecastQuery{
		Region:      "Brazil",
		ActualCases: 250000,
		CaseHistory: []int64{240000, 245000, 250000},
		HorizonDays: 7,
	})

	assert.Contains(t, prompt, "Brazil")
	assert.Contains(t, prompt, "250000")
	assert.Contains(t, prompt, "next 7 days")
}
