package failover

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/outbreaklab/epidemic-forecast-backend/internal/infrastructure/persistence"
)

// memoryStore is an in-memory LockStateStore for tests.
type memoryStore struct {
	mu    sync.Mutex
	state *persistence.PersistedLockState
	saves int
}

func (s *memoryStore) Save(ctx context.Context, state persistence.PersistedLockState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := state
	s.state = &cp
	s.saves++
	return nil
}

func (s *memoryStore) Load(ctx context.Context) (*persistence.PersistedLockState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return nil, nil
	}
	cp := *s.state
	return &cp, nil
}

func newTestLockManager(t *testing.T, store persistence.LockStateStore) *LockManager {
	t.Helper()
	m, err := NewLockManager(zaptest.NewLogger(t), LockManagerConfig{
		Providers:        []string{"openai", "gemini", "claude", "mistral", "cohere"},
		FailureThreshold: 3,
		AuditCapacity:    1000,
	}, store, nil)
	require.NoError(t, err)
	return m
}

func TestLockManager_AcquireAndStatus(t *testing.T) {
	m := newTestLockManager(t, &memoryStore{})
	ctx := context.Background()

	status := m.Status()
	assert.False(t, status.IsLocked)
	assert.Empty(t, status.LockedProvider)

	require.NoError(t, m.Acquire(ctx, "openai"))

	status = m.Status()
	assert.True(t, status.IsLocked)
	assert.Equal(t, "openai", status.LockedProvider)
	assert.Equal(t, "gemini", status.NextProvider)
	assert.False(t, status.AcquiredAt.IsZero())
}

func TestLockManager_AcquireUnknownProvider(t *testing.T) {
	m := newTestLockManager(t, &memoryStore{})

	err := m.Acquire(context.Background(), "bedrock")
	require.Error(t, err)

	status := m.Status()
	assert.False(t, status.IsLocked)
}

func TestLockManager_ReacquireSameProviderSkipsAudit(t *testing.T) {
	m := newTestLockManager(t, &memoryStore{})
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, "openai"))
	first := m.Status().AcquiredAt

	require.NoError(t, m.Acquire(ctx, "openai"))
	second := m.Status().AcquiredAt

	assert.True(t, second.After(first) || second.Equal(first))
	trail := m.AuditTrail(0)
	require.Len(t, trail, 1)
	assert.Equal(t, EventLockAcquire, trail[0].EventType)
}

func TestLockManager_SwitchProviderAuditsReleaseFirst(t *testing.T) {
	m := newTestLockManager(t, &memoryStore{})
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, "openai"))
	require.NoError(t, m.Acquire(ctx, "gemini"))

	trail := m.AuditTrail(0)
	require.Len(t, trail, 3)
	// Newest first: acquire gemini, release openai, acquire openai.
	assert.Equal(t, EventLockAcquire, trail[0].EventType)
	assert.Equal(t, "gemini", trail[0].Provider)
	assert.Equal(t, EventLockRelease, trail[1].EventType)
	assert.Equal(t, "openai", trail[1].Provider)
	assert.Equal(t, ReasonSwitchingProvider, trail[1].Details)
}

func TestLockManager_SwitchResetsConsecutiveFailures(t *testing.T) {
	m := newTestLockManager(t, &memoryStore{})
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, "openai"))
	_, err := m.RecordFailure(ctx, 2)
	require.NoError(t, err)

	require.NoError(t, m.Acquire(ctx, "gemini"))
	status := m.Status()
	assert.Zero(t, status.ConsecutiveFailures)
	assert.Equal(t, uint64(2), status.TotalFailures, "total counter survives the switch")
}

func TestLockManager_ReleaseWhenUnlocked(t *testing.T) {
	m := newTestLockManager(t, &memoryStore{})

	assert.False(t, m.Release(context.Background(), ReasonThresholdExceeded))
	assert.Empty(t, m.AuditTrail(0))
}

func TestLockManager_RecordFailureRequiresLock(t *testing.T) {
	m := newTestLockManager(t, &memoryStore{})

	_, err := m.RecordFailure(context.Background(), 1)
	assert.Error(t, err)
}

func TestLockManager_RecordSuccessAuditsRecovery(t *testing.T) {
	m := newTestLockManager(t, &memoryStore{})
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, "openai"))

	// A success with no prior failures is not a recovery.
	m.RecordSuccess(ctx)
	assert.Len(t, m.AuditTrail(0), 1)

	_, err := m.RecordFailure(ctx, 1)
	require.NoError(t, err)
	m.RecordSuccess(ctx)

	trail := m.AuditTrail(1)
	require.Len(t, trail, 1)
	assert.Equal(t, EventHealthRecovered, trail[0].EventType)
	assert.Zero(t, m.Status().ConsecutiveFailures)
	assert.Equal(t, uint64(1), m.Status().TotalFailures)
}

func TestLockManager_NextProviderWalk(t *testing.T) {
	m := newTestLockManager(t, &memoryStore{})
	ctx := context.Background()

	// Unlocked: the first priority entry is next.
	next, ok := m.NextProvider()
	require.True(t, ok)
	assert.Equal(t, "openai", next)

	for _, want := range []string{"gemini", "claude", "mistral", "cohere"} {
		require.NoError(t, m.Acquire(ctx, next))
		next, ok = m.NextProvider()
		require.True(t, ok)
		assert.Equal(t, want, next)
	}

	// Last provider locked: no wraparound.
	require.NoError(t, m.Acquire(ctx, "cohere"))
	_, ok = m.NextProvider()
	assert.False(t, ok)
}

func TestLockManager_RestartRestoresState(t *testing.T) {
	store := &memoryStore{}
	ctx := context.Background()

	m := newTestLockManager(t, store)
	require.NoError(t, m.Acquire(ctx, "claude"))
	_, err := m.RecordFailure(ctx, 2)
	require.NoError(t, err)

	restarted := newTestLockManager(t, store)
	status := restarted.Status()
	assert.Equal(t, "claude", status.LockedProvider)
	assert.Equal(t, uint64(2), status.ConsecutiveFailures)
	assert.Equal(t, uint64(2), status.TotalFailures)
	assert.Equal(t, "mistral", status.NextProvider)
}

func TestLockManager_RestartIgnoresUnknownPersistedProvider(t *testing.T) {
	store := &memoryStore{
		state: &persistence.PersistedLockState{LockedProvider: "watson", FailureCount: 9},
	}

	m := newTestLockManager(t, store)
	status := m.Status()
	assert.False(t, status.IsLocked)
	assert.Zero(t, status.TotalFailures)
}

func TestLockManager_AuditTrailCapped(t *testing.T) {
	m, err := NewLockManager(zaptest.NewLogger(t), LockManagerConfig{
		Providers:     []string{"openai", "gemini"},
		AuditCapacity: 10,
	}, nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, "openai"))
	for i := 0; i < 50; i++ {
		_, err := m.RecordFailure(ctx, 1)
		require.NoError(t, err)
	}

	trail := m.AuditTrail(0)
	assert.Len(t, trail, 10)
	for _, entry := range trail {
		assert.Equal(t, EventFailureRecorded, entry.EventType, "oldest entries evicted first")
	}
}

func TestLockManager_AuditTrailNewestFirst(t *testing.T) {
	m := newTestLockManager(t, nil)
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, "openai"))
	_, err := m.RecordFailure(ctx, 1)
	require.NoError(t, err)
	m.Release(ctx, ReasonThresholdExceeded)

	trail := m.AuditTrail(2)
	require.Len(t, trail, 2)
	assert.Equal(t, EventLockRelease, trail[0].EventType)
	assert.Equal(t, EventFailureRecorded, trail[1].EventType)
	assert.False(t, trail[0].Timestamp.Before(trail[1].Timestamp))
}

func TestLockManager_ConcurrentFailuresAllCounted(t *testing.T) {
	m := newTestLockManager(t, &memoryStore{})
	ctx := context.Background()
	require.NoError(t, m.Acquire(ctx, "openai"))

	const goroutines = 20
	const perGoroutine = 25

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				if _, err := m.RecordFailure(ctx, 1); err != nil {
					panic(fmt.Sprintf("record failure: %v", err))
				}
			}
		}()
	}
	wg.Wait()

	status := m.Status()
	assert.Equal(t, uint64(goroutines*perGoroutine), status.ConsecutiveFailures)
	assert.Equal(t, uint64(goroutines*perGoroutine), status.TotalFailures)
}

func TestLockManager_EmptyPriorityListRejected(t *testing.T) {
	_, err := NewLockManager(zaptest.NewLogger(t), LockManagerConfig{}, nil, nil)
	assert.Error(t, err)
}
