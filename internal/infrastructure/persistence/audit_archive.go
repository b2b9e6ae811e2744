package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditRow is one lock-state transition bound for long-term storage. The
// in-memory audit trail keeps only the most recent 1000 entries; the archive
// keeps everything for operators who need history past the ring.
type AuditRow struct {
	ID        uuid.UUID
	Timestamp time.Time
	EventType string
	Provider  string
	Details   string
}

// AuditArchive appends lock-state transitions to durable storage. Archive
// failures are logged by callers and never block the live state machine.
type AuditArchive interface {
	Append(ctx context.Context, rows ...AuditRow) error
}

// PostgresAuditArchive implements AuditArchive on PostgreSQL.
type PostgresAuditArchive struct {
	pool *pgxpool.Pool
}

// NewPostgresAuditArchive creates the archive and ensures its table exists.
func NewPostgresAuditArchive(ctx context.Context, pool *pgxpool.Pool) (*PostgresAuditArchive, error) {
	const ddl = `
		CREATE TABLE IF NOT EXISTS provider_lock_audit (
			id         UUID PRIMARY KEY,
			occurred_at TIMESTAMPTZ NOT NULL,
			event_type TEXT NOT NULL,
			provider   TEXT NOT NULL,
			details    TEXT NOT NULL DEFAULT '',
			archived_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return nil, fmt.Errorf("ensuring audit table: %w", err)
	}
	return &PostgresAuditArchive{pool: pool}, nil
}

func (a *PostgresAuditArchive) Append(ctx context.Context, rows ...AuditRow) error {
	const insert = `
		INSERT INTO provider_lock_audit (id, occurred_at, event_type, provider, details)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`
	for _, row := range rows {
		if _, err := a.pool.Exec(ctx, insert, row.ID, row.Timestamp, row.EventType, row.Provider, row.Details); err != nil {
			return fmt.Errorf("archiving audit entry %s: %w", row.ID, err)
		}
	}
	return nil
}
