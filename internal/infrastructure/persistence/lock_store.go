package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// PersistedLockState is the durable snapshot of the lock manager's state.
// It is written after every mutation and read once at startup; when absent
// the manager starts unlocked with zeroed counters.
type PersistedLockState struct {
	LockedProvider      string    `json:"locked_provider"`
	LockAcquiredAt      time.Time `json:"lock_acquired_at"`
	FailureCount        uint64    `json:"failure_count"`
	ConsecutiveFailures uint64    `json:"consecutive_failures"`
	SavedAt             time.Time `json:"saved_at"`
}

// LockStateStore persists lock state. Durability is best-effort: callers log
// Save errors but never let them block the in-memory state machine.
type LockStateStore interface {
	// Save writes the state, replacing any previous snapshot.
	Save(ctx context.Context, state PersistedLockState) error

	// Load reads the last saved snapshot. A missing snapshot returns
	// (nil, nil), not an error.
	Load(ctx context.Context) (*PersistedLockState, error)
}

// FileStore persists lock state as a JSON document on disk. Writes go
// through a temp file and rename so a crash mid-write never leaves a
// truncated snapshot.
type FileStore struct {
	path string
}

// NewFileStore creates a file-backed lock state store at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Save(ctx context.Context, state PersistedLockState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling lock state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".lockstate-*")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing lock state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("installing lock state: %w", err)
	}
	return nil
}

func (s *FileStore) Load(ctx context.Context) (*PersistedLockState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading lock state: %w", err)
	}

	var state PersistedLockState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshaling lock state: %w", err)
	}
	return &state, nil
}
