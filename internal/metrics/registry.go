package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus collectors for the failover core.

var (
	forecastRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "efb",
			Subsystem: "dispatch",
			Name:      "forecast_requests_total",
			Help:      "Total number of forecast requests by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	failoverEventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "efb",
			Subsystem: "failover",
			Name:      "events_total",
			Help:      "Total number of provider failover events",
		},
	)

	providerExhaustedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "efb",
			Subsystem: "failover",
			Name:      "provider_exhausted_total",
			Help:      "Total number of requests or cycles that exhausted the provider priority list",
		},
	)

	probeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "efb",
			Subsystem: "monitor",
			Name:      "probe_duration_seconds",
			Help:      "Health probe duration per provider",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"provider", "outcome"},
	)

	providerHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "efb",
			Subsystem: "monitor",
			Name:      "provider_healthy",
			Help:      "1 when the provider's rolling window is healthy, 0 otherwise",
		},
		[]string{"provider"},
	)

	consecutiveFailures = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "efb",
			Subsystem: "lock",
			Name:      "consecutive_failures",
			Help:      "Consecutive failure count of the currently locked provider",
		},
	)
)

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordForecastRequest records one dispatched forecast request.
func RecordForecastRequest(provider, outcome string) {
	forecastRequestsTotal.WithLabelValues(provider, outcome).Inc()
}

// IncFailover records a completed failover to the next provider.
func IncFailover() {
	failoverEventsTotal.Inc()
}

// IncProviderExhausted records an exhaustion of the priority list.
func IncProviderExhausted() {
	providerExhaustedTotal.Inc()
}

// ObserveProbe records a health probe duration and outcome.
func ObserveProbe(provider string, d time.Duration, success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	probeDuration.WithLabelValues(provider, outcome).Observe(d.Seconds())
}

// SetProviderHealthy updates the per-provider health gauge.
func SetProviderHealthy(provider string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	providerHealthy.WithLabelValues(provider).Set(v)
}

// SetConsecutiveFailures updates the locked-provider failure gauge.
func SetConsecutiveFailures(n uint64) {
	consecutiveFailures.Set(float64(n))
}
