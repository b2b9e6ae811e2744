package failover

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	forecastdomain "github.com/outbreaklab/epidemic-forecast-backend/internal/domain/forecast"
	"github.com/outbreaklab/epidemic-forecast-backend/internal/infrastructure/telemetry"
	"github.com/outbreaklab/epidemic-forecast-backend/internal/metrics"
	"github.com/outbreaklab/epidemic-forecast-backend/internal/provider"
	forecastsvc "github.com/outbreaklab/epidemic-forecast-backend/internal/service/forecast"
)

// Result is the outcome of one end-to-end forecast request. Provider-level
// failures never surface as errors; they are folded into Success=false or
// Exhausted=true.
type Result struct {
	Success      bool                   `json:"success"`
	Record       *forecastdomain.Record `json:"record,omitempty"`
	ProviderUsed string                 `json:"provider_used,omitempty"`
	Exhausted    bool                   `json:"exhausted"`
	FailureKind  provider.FailureKind   `json:"failure_kind,omitempty"`
	Error        string                 `json:"error,omitempty"`
}

// DispatcherConfig configures per-request behavior.
type DispatcherConfig struct {
	// RequestTimeout bounds each adapter call.
	RequestTimeout time.Duration

	// HorizonDays is the requested forecast length.
	HorizonDays int
}

// Dispatcher orchestrates one forecast request across the lock manager, the
// provider adapters, and the bottleneck engine, applying the soft/hard
// failover policy.
type Dispatcher struct {
	logger  *zap.Logger
	config  DispatcherConfig
	lockMgr *LockManager
	monitor *HealthMonitor
	engine  *forecastsvc.Engine
	clients map[string]provider.Client
	tracer  *telemetry.Tracer
}

// NewDispatcher wires the composition. The clients slice must cover every
// provider in the lock manager's priority list.
func NewDispatcher(
	logger *zap.Logger,
	config DispatcherConfig,
	lockMgr *LockManager,
	monitor *HealthMonitor,
	engine *forecastsvc.Engine,
	clients []provider.Client,
) *Dispatcher {
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 60 * time.Second
	}
	if config.HorizonDays <= 0 {
		config.HorizonDays = 7
	}

	byName := make(map[string]provider.Client, len(clients))
	for _, c := range clients {
		byName[c.Name()] = c
	}

	return &Dispatcher{
		logger:  logger.Named("dispatcher"),
		config:  config,
		lockMgr: lockMgr,
		monitor: monitor,
		engine:  engine,
		clients: byName,
		tracer:  telemetry.NewTracer("dispatcher"),
	}
}

// GetForecast runs one forecast request for a region: resolve the active
// provider (acquiring the first priority entry if nothing is locked), call
// its adapter, normalize the output, and report the outcome to the lock
// manager. On failure it performs at most one failover-and-retry before
// returning; exhaustion of the priority list is an explicit result, never a
// panic or raw error.
func (d *Dispatcher) GetForecast(
	ctx context.Context,
	region string,
	actual forecastdomain.ActualData,
	history forecastdomain.HistoricalSeries,
) Result {
	ctx, span := d.tracer.Start(ctx, "dispatcher.get_forecast",
		attribute.String("region", region),
	)
	defer span.End()

	var result Result
	for attempt := 0; attempt < 2; attempt++ {
		active, ok := d.resolveActiveProvider(ctx)
		if !ok {
			span.SetStatus(codes.Error, "providers exhausted")
			metrics.IncProviderExhausted()
			return Result{Exhausted: true, Error: "no provider available: priority list exhausted"}
		}

		result = d.attempt(ctx, active, region, actual, history)
		if result.Success {
			span.SetAttributes(attribute.String("provider", result.ProviderUsed))
			return result
		}

		switch d.handleFailure(ctx, active, result.FailureKind, result.Error) {
		case failoverAdvanced:
			// Retry once on the newly locked provider.
		case failoverExhausted:
			span.SetStatus(codes.Error, "providers exhausted")
			metrics.IncProviderExhausted()
			return Result{
				Exhausted:    true,
				ProviderUsed: active,
				FailureKind:  result.FailureKind,
				Error:        "no provider available: priority list exhausted",
			}
		default:
			// Below threshold: stay locked, surface the failure.
			return result
		}
	}

	// The post-failover retry failed too; its failure was already recorded.
	return result
}

// LockStatus exposes the lock manager snapshot for external monitoring.
func (d *Dispatcher) LockStatus() Status {
	return d.lockMgr.Status()
}

// ProviderHealth exposes per-provider health snapshots in priority order.
func (d *Dispatcher) ProviderHealth() []forecastdomain.HealthSnapshot {
	return d.monitor.AllSnapshots()
}

// AuditTrail returns the most recent lock-state transitions, newest first.
func (d *Dispatcher) AuditTrail(limit int) []AuditEntry {
	return d.lockMgr.AuditTrail(limit)
}

// resolveActiveProvider returns the locked provider, acquiring the first
// priority entry when nothing is locked. ok=false means exhaustion: nothing
// locked and nothing left to acquire.
func (d *Dispatcher) resolveActiveProvider(ctx context.Context) (string, bool) {
	status := d.lockMgr.Status()
	if status.IsLocked {
		return status.LockedProvider, true
	}

	next, ok := d.lockMgr.NextProvider()
	if !ok {
		return "", false
	}
	if err := d.lockMgr.Acquire(ctx, next); err != nil {
		d.logger.Error("failed to acquire provider", zap.String("provider", next), zap.Error(err))
		return "", false
	}
	return next, true
}

func (d *Dispatcher) attempt(
	ctx context.Context,
	providerName string,
	region string,
	actual forecastdomain.ActualData,
	history forecastdomain.HistoricalSeries,
) Result {
	client, ok := d.clients[providerName]
	if !ok {
		// Priority list and adapter set disagree; treat as a hard failure
		// so the lock advances past the unusable entry.
		return Result{
			ProviderUsed: providerName,
			FailureKind:  provider.FailureAuth,
			Error:        "no adapter registered for provider",
		}
	}

	query := provider.ForecastQuery{
		Region:       region,
		ActualCases:  actual.Cases,
		ActualDeaths: actual.Deaths,
		CaseHistory:  caseHistory(history),
		HorizonDays:  d.config.HorizonDays,
	}

	callCtx, cancel := context.WithTimeout(ctx, d.config.RequestTimeout)
	start := time.Now()
	raw, err := client.GenerateForecast(callCtx, query)
	cancel()
	latency := time.Since(start)

	if err == nil {
		// Normalization failures (no usable forecast in the payload) count
		// as soft failures of the provider, not of the engine.
		record, nerr := d.engine.Normalize(raw, actual, history)
		if nerr == nil {
			d.engine.CacheForecast(region, record)
			d.monitor.RecordRequestOutcome(providerName, true, latency, "")
			d.reportSuccess(ctx)
			metrics.RecordForecastRequest(providerName, "success")
			return Result{Success: true, Record: record, ProviderUsed: providerName}
		}
		err = nerr
	}

	pe := provider.AsProviderError(providerName, err)
	d.monitor.RecordRequestOutcome(providerName, false, latency, pe.Message)
	metrics.RecordForecastRequest(providerName, "failure")

	d.logger.Warn("provider request failed",
		zap.String("provider", providerName),
		zap.String("region", region),
		zap.String("failure_kind", string(pe.Kind)),
		zap.Error(pe),
	)

	return Result{
		ProviderUsed: providerName,
		FailureKind:  pe.Kind,
		Error:        pe.Error(),
	}
}

func (d *Dispatcher) reportSuccess(ctx context.Context) {
	d.lockMgr.RecordSuccess(ctx)
	metrics.SetConsecutiveFailures(0)
}

type failoverOutcome int

const (
	failoverBelowThreshold failoverOutcome = iota
	failoverAdvanced
	failoverExhausted
)

// handleFailure applies the failover policy. Soft failures count toward the
// threshold; hard (auth/configuration) failures advance immediately after a
// single occurrence.
func (d *Dispatcher) handleFailure(ctx context.Context, providerName string, kind provider.FailureKind, errMsg string) failoverOutcome {
	consecutive, err := d.lockMgr.RecordFailure(ctx, 1)
	if err != nil {
		d.logger.Error("failed to record provider failure", zap.Error(err))
		return failoverBelowThreshold
	}
	metrics.SetConsecutiveFailures(consecutive)

	hard := kind == provider.FailureAuth
	if !hard && consecutive < uint64(d.lockMgr.FailureThreshold()) {
		return failoverBelowThreshold
	}

	reason := ReasonThresholdExceeded
	if hard {
		reason = ReasonAuthFailure
	}

	next, hasNext := d.lockMgr.NextProvider()
	d.lockMgr.Release(ctx, reason)

	if !hasNext {
		d.logger.Error("provider priority list exhausted",
			zap.String("failed_provider", providerName),
			zap.String("last_error", errMsg),
		)
		return failoverExhausted
	}

	if err := d.lockMgr.Acquire(ctx, next); err != nil {
		d.logger.Error("failed to acquire next provider", zap.String("provider", next), zap.Error(err))
		return failoverExhausted
	}

	metrics.IncFailover()
	d.logger.Info("failed over to next provider",
		zap.String("from", providerName),
		zap.String("to", next),
		zap.String("reason", reason),
	)
	return failoverAdvanced
}

func caseHistory(history forecastdomain.HistoricalSeries) []int64 {
	tail := history.Tail(30)
	out := make([]int64, 0, len(tail))
	for _, p := range tail {
		out = append(out, p.Cases)
	}
	return out
}
