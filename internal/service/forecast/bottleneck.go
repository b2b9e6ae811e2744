package forecast

import (
	"encoding/json"
	"math"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	forecastdomain "github.com/outbreaklab/epidemic-forecast-backend/internal/domain/forecast"
	"github.com/outbreaklab/epidemic-forecast-backend/internal/provider"
)

// Field names providers are known to emit for the two forecast series.
var (
	caseFieldNames  = []string{"forecasted_cases", "forecast_cases", "cases_forecast", "predictions", "forecast"}
	deathFieldNames = []string{"forecasted_deaths", "forecast_deaths", "deaths_forecast"}
)

const (
	horizonDays        = 7
	volatilityWindow   = 14
	volatilityCutoff   = 0.5
	volatilityPenalty  = 0.8
	confidenceFloor    = 0.5
	confidenceCeiling  = 0.98
	anomalyMultiplier  = 10.0
	defaultConfidence  = 0.80
)

// providerBaselines are the per-provider confidence starting points.
var providerBaselines = map[string]float64{
	"openai": 0.90,
	"gemini": 0.85,
	"claude": 0.85,
}

// Engine is the bottleneck every provider output passes through. Whatever a
// provider produced, consumers only ever see the canonical Record schema,
// and the per-region cache never exposes a record mixing fields from two
// providers.
type Engine struct {
	logger *zap.Logger

	mu    sync.RWMutex
	cache map[string]*forecastdomain.Record
}

// NewEngine creates a normalization engine with an empty region cache.
func NewEngine(logger *zap.Logger) *Engine {
	return &Engine{
		logger: logger.Named("bottleneck"),
		cache:  make(map[string]*forecastdomain.Record),
	}
}

// Normalize converts one raw provider payload into the canonical Record.
// Validation is advisory: negative values are clamped and implausible spikes
// are logged, but the record is always producible when a case forecast can
// be located at all.
func (e *Engine) Normalize(
	raw *provider.RawForecast,
	actual forecastdomain.ActualData,
	history forecastdomain.HistoricalSeries,
) (*forecastdomain.Record, error) {
	cases, ok := extractSeries(raw.Payload, caseFieldNames)
	if !ok || len(cases) == 0 {
		return nil, &provider.ProviderError{
			Kind:     provider.FailureMalformed,
			Provider: raw.Provider,
			Message:  "no usable case forecast in payload",
		}
	}
	cases = fitHorizon(cases, horizonDays)

	// Deaths forecast is optional: missing or unparseable yields an empty
	// series rather than failing the call.
	deaths, _ := extractSeries(raw.Payload, deathFieldNames)

	cases = e.validateSeries(raw.Provider, actual, cases)
	deaths = clampNegatives(deaths)

	day7 := cases[len(cases)-1]
	confidence := e.confidenceScore(raw.Provider, history)
	riskLevel, riskScore := riskAssessment(day7, actual.Cases)

	record := &forecastdomain.Record{
		Region:           actual.Region,
		ActualCases:      actual.Cases,
		ActualDeaths:     actual.Deaths,
		ActualRecovered:  actual.Recovered,
		ForecastedCases:  cases,
		ForecastedDeaths: deaths,
		ConfidenceScore:  confidence,
		RiskLevel:        riskLevel,
		RiskScore:        riskScore,
		OutbreakProb:     outbreakProbability(day7, actual.Cases),
		Trend:            trend(day7, actual.Cases),
		GeneratedAt:      time.Now(),
		SourceProvider:   raw.Provider,
	}
	return record, nil
}

// CacheForecast installs a deep copy of record for its region, replacing any
// prior record atomically. Readers never observe a half-written record.
func (e *Engine) CacheForecast(region string, record *forecastdomain.Record) {
	cp := record.Clone()
	e.mu.Lock()
	e.cache[region] = cp
	e.mu.Unlock()
}

// GetCachedForecast returns a copy of the latest record for region, or nil.
func (e *Engine) GetCachedForecast(region string) *forecastdomain.Record {
	e.mu.RLock()
	record := e.cache[region]
	e.mu.RUnlock()
	return record.Clone()
}

// CachedRegions lists regions with a cached record.
func (e *Engine) CachedRegions() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	regions := make([]string, 0, len(e.cache))
	for region := range e.cache {
		regions = append(regions, region)
	}
	return regions
}

// validateSeries clamps negatives to zero and flags values more than 10x the
// current actual count. Flagged values are kept: the canonical record must
// always be producible.
func (e *Engine) validateSeries(providerID string, actual forecastdomain.ActualData, values []float64) []float64 {
	limit := float64(actual.Cases) * anomalyMultiplier
	for i, v := range values {
		if v < 0 {
			values[i] = 0
			continue
		}
		if actual.Cases > 0 && v > limit {
			e.logger.Warn("implausible forecast value",
				zap.String("provider", providerID),
				zap.String("region", actual.Region),
				zap.Int("day", i+1),
				zap.Float64("value", v),
				zap.Int64("actual_cases", actual.Cases),
			)
		}
	}
	return values
}

// confidenceScore starts from the provider baseline, penalizes high
// day-over-day volatility in the trailing actual series, and clamps to
// [0.5, 0.98].
func (e *Engine) confidenceScore(providerID string, history forecastdomain.HistoricalSeries) float64 {
	confidence, ok := providerBaselines[providerID]
	if !ok {
		confidence = defaultConfidence
	}

	if meanAbsPctChange(history.Tail(volatilityWindow)) > volatilityCutoff {
		confidence *= volatilityPenalty
	}

	return math.Min(confidenceCeiling, math.Max(confidenceFloor, confidence))
}

// meanAbsPctChange computes the mean absolute day-over-day percentage change
// of the case series. Days with zero previous cases are skipped.
func meanAbsPctChange(series forecastdomain.HistoricalSeries) float64 {
	var sum float64
	var n int
	for i := 1; i < len(series); i++ {
		prev := float64(series[i-1].Cases)
		if prev == 0 {
			continue
		}
		sum += math.Abs(float64(series[i].Cases)-prev) / prev
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// riskAssessment maps the implied daily growth rate to a risk level and
// score in [0, 100].
func riskAssessment(day7 float64, actualCases int64) (forecastdomain.RiskLevel, float64) {
	g := dailyGrowthRate(day7, actualCases)

	var level forecastdomain.RiskLevel
	var score float64
	switch {
	case g > 0.05:
		level = forecastdomain.RiskRed
		score = math.Min(100, 85+g*100)
	case g > 0.01:
		level = forecastdomain.RiskYellow
		score = 55 + g*1000
	default:
		level = forecastdomain.RiskGreen
		score = math.Min(50, 10+g*1000)
	}
	return level, math.Max(0, score)
}

// outbreakProbability maps the total 7-day growth ratio to a probability.
func outbreakProbability(day7 float64, actualCases int64) float64 {
	if actualCases <= 0 {
		return 0.10
	}
	r := day7/float64(actualCases) - 1
	switch {
	case r > 0.30:
		return 0.95
	case r > 0.10:
		return 0.70
	case r > 0:
		return 0.40
	default:
		return 0.10
	}
}

func trend(day7 float64, actualCases int64) forecastdomain.Trend {
	actual := float64(actualCases)
	switch {
	case day7 > actual*1.05:
		return forecastdomain.TrendIncreasing
	case day7 < actual*0.95:
		return forecastdomain.TrendDecreasing
	default:
		return forecastdomain.TrendStable
	}
}

func dailyGrowthRate(day7 float64, actualCases int64) float64 {
	if actualCases <= 0 {
		return 0
	}
	return (day7/float64(actualCases) - 1) / horizonDays
}

// fitHorizon trims a longer series to n days and extends a shorter one by
// carrying the last value forward.
func fitHorizon(values []float64, n int) []float64 {
	if len(values) >= n {
		return values[:n]
	}
	out := append([]float64(nil), values...)
	last := out[len(out)-1]
	for len(out) < n {
		out = append(out, last)
	}
	return out
}

func clampNegatives(values []float64) []float64 {
	for i, v := range values {
		if v < 0 {
			values[i] = 0
		}
	}
	return values
}

// extractSeries pulls the first numeric array found under any of the known
// field names. Providers emit numbers, numeric strings, or occasionally a
// map keyed by day; all are tolerated.
func extractSeries(payload map[string]interface{}, names []string) ([]float64, bool) {
	for _, name := range names {
		raw, ok := payload[name]
		if !ok {
			continue
		}
		if series, ok := toFloatSlice(raw); ok {
			return series, true
		}
	}
	return nil, false
}

func toFloatSlice(raw interface{}) ([]float64, bool) {
	switch v := raw.(type) {
	case []interface{}:
		out := make([]float64, 0, len(v))
		for _, item := range v {
			f, ok := toFloat(item)
			if !ok {
				return nil, false
			}
			out = append(out, f)
		}
		if len(out) == 0 {
			return nil, false
		}
		return out, true
	case []float64:
		return append([]float64(nil), v...), len(v) > 0
	default:
		return nil, false
	}
}

func toFloat(raw interface{}) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
