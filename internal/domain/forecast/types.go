package forecast

import "time"

// RiskLevel classifies the projected outbreak severity for a region.
type RiskLevel string

const (
	RiskRed    RiskLevel = "RED"
	RiskYellow RiskLevel = "YELLOW"
	RiskGreen  RiskLevel = "GREEN"
)

// Trend describes the direction of the projected case curve relative to
// current actuals.
type Trend string

const (
	TrendIncreasing Trend = "increasing"
	TrendDecreasing Trend = "decreasing"
	TrendStable     Trend = "stable"
)

// HealthStatus classifies a provider's recent probe history.
type HealthStatus string

const (
	StatusHealthy     HealthStatus = "HEALTHY"
	StatusDegraded    HealthStatus = "DEGRADED"
	StatusUnavailable HealthStatus = "UNAVAILABLE"
)

// Record is the canonical forecast schema every consumer reads, regardless
// of which upstream provider produced the raw output. One record exists per
// region; it is replaced atomically and never mixes fields from two
// providers.
type Record struct {
	Region           string    `json:"region"`
	ActualCases      int64     `json:"actual_cases"`
	ActualDeaths     int64     `json:"actual_deaths"`
	ActualRecovered  int64     `json:"actual_recovered"`
	ForecastedCases  []float64 `json:"forecasted_cases"`
	ForecastedDeaths []float64 `json:"forecasted_deaths"`
	ConfidenceScore  float64   `json:"confidence_score"`
	RiskLevel        RiskLevel `json:"risk_level"`
	RiskScore        float64   `json:"risk_score"`
	OutbreakProb     float64   `json:"outbreak_probability"`
	Trend            Trend     `json:"trend"`
	GeneratedAt      time.Time `json:"timestamp"`
	SourceProvider   string    `json:"source_provider"`
}

// Clone returns a deep, independent copy of the record. The region cache
// hands out clones so callers can never mutate the cached copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	cp.ForecastedCases = append([]float64(nil), r.ForecastedCases...)
	cp.ForecastedDeaths = append([]float64(nil), r.ForecastedDeaths...)
	return &cp
}

// ActualData carries the current reference numbers for a region at the time
// a forecast is normalized.
type ActualData struct {
	Region    string `json:"region"`
	Cases     int64  `json:"cases"`
	Deaths    int64  `json:"deaths"`
	Recovered int64  `json:"recovered"`
}

// HistoricalPoint is one day of observed data.
type HistoricalPoint struct {
	Date  time.Time `json:"date"`
	Cases int64     `json:"cases"`
}

// HistoricalSeries is the trailing observed case series, oldest first.
type HistoricalSeries []HistoricalPoint

// Latest returns the most recent point, or false when the series is empty.
func (s HistoricalSeries) Latest() (HistoricalPoint, bool) {
	if len(s) == 0 {
		return HistoricalPoint{}, false
	}
	return s[len(s)-1], true
}

// Tail returns the last n points (or the whole series when shorter).
func (s HistoricalSeries) Tail(n int) HistoricalSeries {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// HealthSnapshot is a derived, time-windowed summary of a provider's recent
// probe and request outcomes. It is computed on demand, never stored.
type HealthSnapshot struct {
	Provider     string       `json:"provider"`
	Status       HealthStatus `json:"status"`
	CheckCount   int          `json:"check_count"`
	SuccessCount int          `json:"success_count"`
	FailureCount int          `json:"failure_count"`
	ErrorRatePct float64      `json:"error_rate_pct"`
	AvgLatencyMs float64      `json:"avg_latency_ms"`
	IsLocked     bool         `json:"is_locked"`
}
