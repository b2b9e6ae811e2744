package provider

import (
	"context"
	"errors"
	"time"
)

// Client is the uniform capability every upstream forecast provider exposes.
// Adapters never panic on provider-level failures; they return a
// *ProviderError carrying the failure kind so the dispatcher can choose
// between threshold-counted and immediate failover.
type Client interface {
	// Name returns the provider's fixed identity key from the priority list.
	Name() string

	// IsConfigured reports whether the adapter has the credentials and
	// enablement it needs to issue requests.
	IsConfigured() bool

	// GenerateForecast sends a forecast query to the provider and returns
	// its raw, provider-shaped payload. The context bounds the call.
	GenerateForecast(ctx context.Context, query ForecastQuery) (*RawForecast, error)

	// HealthCheck issues a lightweight probe bounded by ctx and reports
	// availability and latency.
	HealthCheck(ctx context.Context) (*ProbeResult, error)
}

// ForecastQuery describes one forecast request to an upstream provider.
type ForecastQuery struct {
	Region       string  `json:"region"`
	ActualCases  int64   `json:"actual_cases"`
	ActualDeaths int64   `json:"actual_deaths"`
	CaseHistory  []int64 `json:"case_history"`
	HorizonDays  int     `json:"horizon_days"`
}

// RawForecast is the untyped payload a provider returned, plus the identity
// of the provider that produced it. Field extraction and normalization
// happen downstream in the bottleneck engine.
type RawForecast struct {
	Provider   string                 `json:"provider"`
	Payload    map[string]interface{} `json:"payload"`
	Model      string                 `json:"model,omitempty"`
	LatencyMs  int64                  `json:"latency_ms"`
	ReceivedAt time.Time              `json:"received_at"`
}

// ProbeResult is the outcome of one health probe.
type ProbeResult struct {
	Provider   string        `json:"provider"`
	Healthy    bool          `json:"healthy"`
	Latency    time.Duration `json:"latency"`
	StatusCode int           `json:"status_code,omitempty"`
	Error      string        `json:"error,omitempty"`
	CheckedAt  time.Time     `json:"checked_at"`
}

// FailureKind distinguishes failure classes for the failover policy.
type FailureKind string

const (
	// FailureAuth covers authentication and configuration errors. These are
	// hard failures: they bypass the consecutive-failure threshold.
	FailureAuth FailureKind = "auth"
	// FailureTimeout covers deadline-exceeded adapter calls. Soft.
	FailureTimeout FailureKind = "timeout"
	// FailureMalformed covers unparseable or empty provider responses. Soft.
	FailureMalformed FailureKind = "malformed_response"
	// FailureUnknown covers everything else transient. Soft.
	FailureUnknown FailureKind = "unknown"
)

// ProviderError is the typed failure value adapters return instead of
// raising exceptions around network calls.
type ProviderError struct {
	Kind     FailureKind
	Provider string
	Message  string
	Cause    error
}

func (e *ProviderError) Error() string {
	if e.Cause != nil {
		return e.Provider + ": " + e.Message + ": " + e.Cause.Error()
	}
	return e.Provider + ": " + e.Message
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// IsHard reports whether the failure should trigger immediate failover
// rather than counting toward the consecutive-failure threshold.
func (e *ProviderError) IsHard() bool {
	return e.Kind == FailureAuth
}

// AsProviderError unwraps err into a *ProviderError. Unclassified errors are
// wrapped as FailureUnknown so the dispatcher always has a kind to act on.
func AsProviderError(provider string, err error) *ProviderError {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ProviderError{Kind: FailureTimeout, Provider: provider, Message: "request deadline exceeded", Cause: err}
	}
	return &ProviderError{Kind: FailureUnknown, Provider: provider, Message: "provider call failed", Cause: err}
}
