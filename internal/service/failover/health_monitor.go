package failover

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	forecastdomain "github.com/outbreaklab/epidemic-forecast-backend/internal/domain/forecast"
	"github.com/outbreaklab/epidemic-forecast-backend/internal/metrics"
	"github.com/outbreaklab/epidemic-forecast-backend/internal/provider"
)

// MonitorConfig configures the background health monitor.
type MonitorConfig struct {
	// Interval between probe cycles.
	Interval time.Duration

	// Window is the rolling window health snapshots are computed over.
	Window time.Duration

	// ProbeTimeout bounds each provider probe.
	ProbeTimeout time.Duration

	// DegradedThresholdPct is the error rate at which a provider is marked
	// DEGRADED.
	DegradedThresholdPct float64

	// RingCapacity is the per-provider sample buffer size.
	RingCapacity int
}

// HealthMonitor probes every provider adapter on an independent schedule,
// keeps bounded rolling metrics per provider, and drives failover of the
// locked provider through the lock manager's public operations when probe
// failures accumulate. It never mutates lock state directly.
type HealthMonitor struct {
	logger  *zap.Logger
	config  MonitorConfig
	lockMgr *LockManager
	clients []provider.Client

	rings map[string]*sampleRing

	// consecutive probe-failure tallies, monitor-owned and in-memory only
	tallyMu sync.Mutex
	tally   map[string]int

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewHealthMonitor creates a monitor over the given adapters. The adapter
// slice must be in priority order; snapshots are reported in that order.
func NewHealthMonitor(
	logger *zap.Logger,
	config MonitorConfig,
	lockMgr *LockManager,
	clients []provider.Client,
) *HealthMonitor {
	if config.Interval <= 0 {
		config.Interval = 300 * time.Second
	}
	if config.Window <= 0 {
		config.Window = 300 * time.Second
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = 10 * time.Second
	}
	if config.DegradedThresholdPct <= 0 {
		config.DegradedThresholdPct = 50
	}
	if config.RingCapacity <= 0 {
		config.RingCapacity = 256
	}

	rings := make(map[string]*sampleRing, len(clients))
	tally := make(map[string]int, len(clients))
	for _, c := range clients {
		rings[c.Name()] = newSampleRing(config.RingCapacity)
		tally[c.Name()] = 0
	}

	return &HealthMonitor{
		logger:  logger.Named("health_monitor"),
		config:  config,
		lockMgr: lockMgr,
		clients: clients,
		rings:   rings,
		tally:   tally,
	}
}

// Start launches the probe loop. Starting twice is an error.
func (m *HealthMonitor) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.running {
		return fmt.Errorf("health monitor already running")
	}

	m.logger.Info("starting health monitor",
		zap.Duration("interval", m.config.Interval),
		zap.Duration("window", m.config.Window),
	)

	m.stopCh = make(chan struct{})
	m.wg.Add(1)
	go m.run()

	m.running = true
	return nil
}

// Stop terminates the probe loop and waits for it to exit, bounded by ctx.
func (m *HealthMonitor) Stop(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if !m.running {
		return nil
	}

	close(m.stopCh)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("health monitor stopped")
	case <-ctx.Done():
		m.logger.Warn("health monitor stop timed out")
		return ctx.Err()
	}

	m.running = false
	return nil
}

func (m *HealthMonitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.runCycle(context.Background())
		}
	}
}

// runCycle executes one monitoring pass: probe every adapter concurrently,
// evaluate snapshots, and fail over the locked provider if its consecutive
// probe failures reached the threshold.
func (m *HealthMonitor) runCycle(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	for _, client := range m.clients {
		client := client
		g.Go(func() error {
			m.probeProvider(gctx, client)
			return nil
		})
	}
	g.Wait()

	m.evaluateSnapshots()
	m.failoverIfUnhealthy(ctx)
}

func (m *HealthMonitor) probeProvider(ctx context.Context, client provider.Client) {
	name := client.Name()

	if !client.IsConfigured() {
		m.recordSample(Sample{
			Provider:  name,
			Timestamp: time.Now(),
			Outcome:   OutcomeFailure,
			Error:     "not configured",
		})
		m.bumpTally(name)
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
	defer cancel()

	result, err := client.HealthCheck(probeCtx)
	sample := Sample{Provider: name, Timestamp: time.Now()}
	if result != nil {
		sample.LatencyMs = float64(result.Latency.Milliseconds())
		metrics.ObserveProbe(name, result.Latency, err == nil && result.Healthy)
	}

	if err != nil || result == nil || !result.Healthy {
		sample.Outcome = OutcomeFailure
		if err != nil {
			sample.Error = err.Error()
		} else if result != nil {
			sample.Error = result.Error
		}
		m.bumpTally(name)
		m.logger.Warn("provider probe failed",
			zap.String("provider", name),
			zap.String("error", sample.Error),
		)
	} else {
		sample.Outcome = OutcomeSuccess
		m.resetTally(name)
	}

	m.recordSample(sample)
}

// RecordRequestOutcome feeds a real request outcome into the same rolling
// metrics the probes use, so snapshots reflect live traffic as well.
func (m *HealthMonitor) RecordRequestOutcome(providerName string, success bool, latency time.Duration, errMsg string) {
	ring, ok := m.rings[providerName]
	if !ok {
		return
	}

	sample := Sample{
		Provider:  providerName,
		Timestamp: time.Now(),
		LatencyMs: float64(latency.Milliseconds()),
	}
	if success {
		sample.Outcome = OutcomeSuccess
	} else {
		sample.Outcome = OutcomeFailure
		sample.Error = errMsg
	}
	ring.Append(sample)
}

// Snapshot computes a provider's health over the rolling window.
func (m *HealthMonitor) Snapshot(providerName string) forecastdomain.HealthSnapshot {
	snap := forecastdomain.HealthSnapshot{
		Provider: providerName,
		Status:   forecastdomain.StatusHealthy,
	}

	ring, ok := m.rings[providerName]
	if !ok {
		return snap
	}

	samples := ring.Since(time.Now().Add(-m.config.Window))
	var latencySum float64
	var latencyCount int
	for _, s := range samples {
		snap.CheckCount++
		if s.Outcome == OutcomeSuccess {
			snap.SuccessCount++
		} else {
			snap.FailureCount++
		}
		if s.LatencyMs > 0 {
			latencySum += s.LatencyMs
			latencyCount++
		}
	}

	if snap.CheckCount > 0 {
		snap.ErrorRatePct = float64(snap.FailureCount) / float64(snap.CheckCount) * 100
	}
	if latencyCount > 0 {
		snap.AvgLatencyMs = latencySum / float64(latencyCount)
	}

	// No samples in the window is treated as healthy: there is nothing to
	// hold against the provider yet.
	switch {
	case snap.CheckCount >= 3 && snap.SuccessCount == 0:
		snap.Status = forecastdomain.StatusUnavailable
	case snap.CheckCount > 0 && snap.ErrorRatePct >= m.config.DegradedThresholdPct:
		snap.Status = forecastdomain.StatusDegraded
	}

	locked := m.lockMgr.Status().LockedProvider
	snap.IsLocked = locked == providerName
	return snap
}

// AllSnapshots returns a snapshot per provider in priority order.
func (m *HealthMonitor) AllSnapshots() []forecastdomain.HealthSnapshot {
	out := make([]forecastdomain.HealthSnapshot, 0, len(m.clients))
	for _, c := range m.clients {
		out = append(out, m.Snapshot(c.Name()))
	}
	return out
}

func (m *HealthMonitor) evaluateSnapshots() {
	for _, client := range m.clients {
		snap := m.Snapshot(client.Name())
		metrics.SetProviderHealthy(client.Name(), snap.Status == forecastdomain.StatusHealthy)
		if snap.Status == forecastdomain.StatusDegraded || snap.Status == forecastdomain.StatusUnavailable {
			m.logger.Warn("provider degraded",
				zap.String("provider", snap.Provider),
				zap.String("status", string(snap.Status)),
				zap.Float64("error_rate_pct", snap.ErrorRatePct),
				zap.Int("check_count", snap.CheckCount),
			)
		}
	}
}

// failoverIfUnhealthy advances the lock when the locked provider's
// consecutive probe failures reached the threshold. The same release/acquire
// primitives the dispatcher uses keep the audit trail consistent.
func (m *HealthMonitor) failoverIfUnhealthy(ctx context.Context) {
	status := m.lockMgr.Status()
	if !status.IsLocked {
		return
	}

	m.tallyMu.Lock()
	failures := m.tally[status.LockedProvider]
	m.tallyMu.Unlock()

	if failures < m.lockMgr.FailureThreshold() {
		return
	}

	next, hasNext := m.lockMgr.NextProvider()
	m.logger.Warn("locked provider unhealthy, failing over",
		zap.String("provider", status.LockedProvider),
		zap.Int("consecutive_probe_failures", failures),
		zap.String("next_provider", next),
	)

	m.lockMgr.Release(ctx, ReasonHealthMonitor)
	m.resetTally(status.LockedProvider)

	if !hasNext {
		m.logger.Error("provider priority list exhausted during health failover")
		metrics.IncProviderExhausted()
		return
	}

	if err := m.lockMgr.Acquire(ctx, next); err != nil {
		m.logger.Error("failed to acquire next provider", zap.String("provider", next), zap.Error(err))
		return
	}
	metrics.IncFailover()
}

func (m *HealthMonitor) recordSample(s Sample) {
	if ring, ok := m.rings[s.Provider]; ok {
		ring.Append(s)
	}
}

func (m *HealthMonitor) bumpTally(providerName string) {
	m.tallyMu.Lock()
	m.tally[providerName]++
	m.tallyMu.Unlock()
}

func (m *HealthMonitor) resetTally(providerName string) {
	m.tallyMu.Lock()
	m.tally[providerName] = 0
	m.tallyMu.Unlock()
}
