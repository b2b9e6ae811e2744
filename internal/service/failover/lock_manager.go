package failover

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/outbreaklab/epidemic-forecast-backend/internal/errors"
	"github.com/outbreaklab/epidemic-forecast-backend/internal/infrastructure/persistence"
)

// EventType classifies an audit trail entry.
type EventType string

const (
	EventLockAcquire     EventType = "lock_acquire"
	EventLockRelease     EventType = "lock_release"
	EventFailureRecorded EventType = "failure_recorded"
	EventHealthRecovered EventType = "health_recovered"
)

// Release reasons used by the dispatcher and health monitor.
const (
	ReasonSwitchingProvider = "switching_provider"
	ReasonThresholdExceeded = "threshold_exceeded"
	ReasonAuthFailure       = "authentication_failure"
	ReasonHealthMonitor     = "health_monitor"
)

// AuditEntry is one lock-state transition. The in-memory trail is append-only
// and capped; older entries are evicted FIFO.
type AuditEntry struct {
	ID        uuid.UUID `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	EventType EventType `json:"event_type"`
	Provider  string    `json:"provider"`
	Details   string    `json:"details"`
}

// Status is a read-only snapshot of lock state for external monitoring.
type Status struct {
	LockedProvider      string    `json:"locked_provider"`
	IsLocked            bool      `json:"is_locked"`
	AcquiredAt          time.Time `json:"acquired_at"`
	ConsecutiveFailures uint64    `json:"consecutive_failures"`
	TotalFailures       uint64    `json:"total_failures"`
	NextProvider        string    `json:"next_provider"`
	ProviderPriority    []string  `json:"provider_priority"`
}

// LockManagerConfig configures the lock and failover manager.
type LockManagerConfig struct {
	// Providers is the fixed priority ordering. It never changes at runtime.
	Providers []string

	// FailureThreshold is the consecutive soft-failure count that triggers
	// failover in the dispatcher and monitor.
	FailureThreshold int

	// AuditCapacity bounds the in-memory audit trail.
	AuditCapacity int
}

// LockManager owns the single notion of "the currently active provider".
// All mutations are serialized by one mutex; the audit append order matches
// the mutation order. State is persisted after every mutation so a restart
// resumes the same active provider and failure counts; persistence failures
// are logged and never block the in-memory state machine.
type LockManager struct {
	logger  *zap.Logger
	config  LockManagerConfig
	store   persistence.LockStateStore
	archive persistence.AuditArchive

	// mu serializes every mutation. Public operations never call each
	// other with the lock held; compound transitions go through the
	// unexported *Locked helpers.
	mu                  sync.Mutex
	active              string
	acquiredAt          time.Time
	consecutiveFailures uint64
	totalFailures       uint64
	audit               []AuditEntry
	providerIndex       map[string]int
}

// NewLockManager creates a lock manager and restores any persisted state.
// A missing persisted record means "start unlocked, counters at zero".
func NewLockManager(
	logger *zap.Logger,
	config LockManagerConfig,
	store persistence.LockStateStore,
	archive persistence.AuditArchive,
) (*LockManager, error) {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 3
	}
	if config.AuditCapacity <= 0 {
		config.AuditCapacity = 1000
	}
	if len(config.Providers) == 0 {
		return nil, apperrors.NewValidationError("EMPTY_PRIORITY_LIST", "at least one provider is required")
	}

	index := make(map[string]int, len(config.Providers))
	for i, p := range config.Providers {
		index[p] = i
	}

	m := &LockManager{
		logger:        logger.Named("lock_manager"),
		config:        config,
		store:         store,
		archive:       archive,
		providerIndex: index,
		audit:         make([]AuditEntry, 0, 64),
	}

	if store != nil {
		state, err := store.Load(context.Background())
		if err != nil {
			m.logger.Warn("could not restore lock state, starting unlocked", zap.Error(err))
		} else if state != nil {
			if _, known := index[state.LockedProvider]; known || state.LockedProvider == "" {
				m.active = state.LockedProvider
				m.acquiredAt = state.LockAcquiredAt
				m.consecutiveFailures = state.ConsecutiveFailures
				m.totalFailures = state.FailureCount
				m.logger.Info("restored lock state",
					zap.String("locked_provider", state.LockedProvider),
					zap.Uint64("consecutive_failures", state.ConsecutiveFailures),
					zap.Uint64("total_failures", state.FailureCount),
				)
			} else {
				m.logger.Warn("persisted provider no longer in priority list, starting unlocked",
					zap.String("locked_provider", state.LockedProvider),
				)
			}
		}
	}

	return m, nil
}

// FailureThreshold returns the configured consecutive-failure threshold.
func (m *LockManager) FailureThreshold() int {
	return m.config.FailureThreshold
}

// Acquire atomically makes provider the authoritative source. Acquiring the
// provider that is already locked only refreshes acquired_at. Acquiring a
// different provider while locked records a release for the old one first.
func (m *LockManager) Acquire(ctx context.Context, provider string) error {
	if _, known := m.providerIndex[provider]; !known {
		return apperrors.NewUnknownProviderError(provider)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if m.active == provider {
		m.acquiredAt = now
		m.persistLocked(ctx)
		return nil
	}

	if m.active != "" {
		m.appendAuditLocked(EventLockRelease, m.active, ReasonSwitchingProvider)
	}

	m.active = provider
	m.acquiredAt = now
	m.consecutiveFailures = 0
	m.appendAuditLocked(EventLockAcquire, provider, "")
	m.persistLocked(ctx)

	m.logger.Info("provider lock acquired", zap.String("provider", provider))
	return nil
}

// Release clears the active provider. It returns false when nothing is
// locked.
func (m *LockManager) Release(ctx context.Context, reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == "" {
		return false
	}

	released := m.active
	m.active = ""
	m.appendAuditLocked(EventLockRelease, released, reason)
	m.persistLocked(ctx)

	m.logger.Info("provider lock released",
		zap.String("provider", released),
		zap.String("reason", reason),
	)
	return true
}

// RecordFailure increments both failure counters by n and returns the new
// consecutive-failure count. A provider must be locked.
func (m *LockManager) RecordFailure(ctx context.Context, n uint64) (uint64, error) {
	if n == 0 {
		n = 1
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == "" {
		return 0, apperrors.NewValidationError("NO_PROVIDER_LOCKED", "record_failure requires a locked provider")
	}

	m.consecutiveFailures += n
	m.totalFailures += n
	m.appendAuditLocked(EventFailureRecorded, m.active, "")
	m.persistLocked(ctx)

	return m.consecutiveFailures, nil
}

// RecordSuccess resets the consecutive-failure counter. The total counter is
// never reset. A recovery after prior failures is audited.
func (m *LockManager) RecordSuccess(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.consecutiveFailures == 0 {
		return
	}

	m.consecutiveFailures = 0
	if m.active != "" {
		m.appendAuditLocked(EventHealthRecovered, m.active, "")
	}
	m.persistLocked(ctx)
}

// NextProvider returns the entry immediately after the active provider in
// the priority list, the first entry when nothing is locked, and ok=false
// when the active provider is the last entry. There is no wraparound.
func (m *LockManager) NextProvider() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextProviderLocked()
}

func (m *LockManager) nextProviderLocked() (string, bool) {
	if m.active == "" {
		return m.config.Providers[0], true
	}
	idx := m.providerIndex[m.active]
	if idx+1 >= len(m.config.Providers) {
		return "", false
	}
	return m.config.Providers[idx+1], true
}

// Status returns a read-only snapshot of the lock state.
func (m *LockManager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	next, _ := m.nextProviderLocked()
	priority := append([]string(nil), m.config.Providers...)

	return Status{
		LockedProvider:      m.active,
		IsLocked:            m.active != "",
		AcquiredAt:          m.acquiredAt,
		ConsecutiveFailures: m.consecutiveFailures,
		TotalFailures:       m.totalFailures,
		NextProvider:        next,
		ProviderPriority:    priority,
	}
}

// AuditTrail returns up to limit entries, most recent first. limit <= 0
// returns the whole trail.
func (m *LockManager) AuditTrail(limit int) []AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.audit)
	if limit <= 0 || limit > n {
		limit = n
	}

	out := make([]AuditEntry, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, m.audit[i])
	}
	return out
}

// appendAuditLocked must be called with the mutex held.
func (m *LockManager) appendAuditLocked(event EventType, provider, details string) {
	entry := AuditEntry{
		ID:        uuid.New(),
		Timestamp: time.Now(),
		EventType: event,
		Provider:  provider,
		Details:   details,
	}

	if len(m.audit) >= m.config.AuditCapacity {
		drop := len(m.audit) - m.config.AuditCapacity + 1
		m.audit = append(m.audit[:0], m.audit[drop:]...)
	}
	m.audit = append(m.audit, entry)

	if m.archive != nil {
		row := persistence.AuditRow{
			ID:        entry.ID,
			Timestamp: entry.Timestamp,
			EventType: string(entry.EventType),
			Provider:  entry.Provider,
			Details:   entry.Details,
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := m.archive.Append(ctx, row); err != nil {
				m.logger.Warn("audit archive append failed", zap.Error(err))
			}
		}()
	}
}

// persistLocked must be called with the mutex held. Durability is
// best-effort: a failed write leaves the live state machine untouched.
func (m *LockManager) persistLocked(ctx context.Context) {
	if m.store == nil {
		return
	}

	state := persistence.PersistedLockState{
		LockedProvider:      m.active,
		LockAcquiredAt:      m.acquiredAt,
		FailureCount:        m.totalFailures,
		ConsecutiveFailures: m.consecutiveFailures,
		SavedAt:             time.Now(),
	}
	if err := m.store.Save(ctx, state); err != nil {
		m.logger.Warn("lock state persistence failed", zap.Error(err))
	}
}
