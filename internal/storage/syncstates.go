package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/tsunagi-ai/tsunagi/internal/model"
)

func scanSyncState(row pgx.Row) (model.SyncState, error) {
	var s model.SyncState
	err := row.Scan(
		&s.OrgID, &s.Integration, &s.LastSuccessfulSync, &s.Cursor,
		&s.Mode, &s.ErrorCount, &s.LastError, &s.UpdatedAt,
	)
	return s, err
}

// GetSyncState retrieves the sync state for (org, integration), creating an
// idle row lazily on first sight.
func (db *DB) GetSyncState(ctx context.Context, orgID uuid.UUID, integration model.IntegrationKind) (model.SyncState, error) {
	s, err := scanSyncState(db.pool.QueryRow(ctx,
		`INSERT INTO sync_states (org_id, integration)
		 VALUES ($1, $2)
		 ON CONFLICT (org_id, integration) DO UPDATE SET org_id = EXCLUDED.org_id
		 RETURNING org_id, integration, last_successful_sync, cursor, mode, error_count, last_error, updated_at`,
		orgID, integration,
	))
	if err != nil {
		return model.SyncState{}, fmt.Errorf("storage: get sync state: %w", err)
	}
	return s, nil
}

// TryStartSyncRun flips the mode from idle to running with a compare-and-set.
// Returns ErrAlreadyRunning when another run holds the slot, so concurrent
// triggers coalesce instead of racing.
func (db *DB) TryStartSyncRun(ctx context.Context, orgID uuid.UUID, integration model.IntegrationKind) (model.SyncState, error) {
	// Lazy-create the row, then CAS on mode.
	if _, err := db.GetSyncState(ctx, orgID, integration); err != nil {
		return model.SyncState{}, err
	}

	s, err := scanSyncState(db.pool.QueryRow(ctx,
		`UPDATE sync_states SET mode = 'running', updated_at = now()
		 WHERE org_id = $1 AND integration = $2 AND mode = 'idle'
		 RETURNING org_id, integration, last_successful_sync, cursor, mode, error_count, last_error, updated_at`,
		orgID, integration,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.SyncState{}, ErrAlreadyRunning
		}
		return model.SyncState{}, fmt.Errorf("storage: start sync run: %w", err)
	}
	return s, nil
}

// FinishSyncRunSuccess returns the state to idle, stamps last_successful_sync,
// optionally advances the cursor, and clears the error counter.
func (db *DB) FinishSyncRunSuccess(ctx context.Context, orgID uuid.UUID, integration model.IntegrationKind, completedAt time.Time, newCursor *string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE sync_states SET
		   mode = 'idle',
		   last_successful_sync = $3,
		   cursor = COALESCE($4, cursor),
		   error_count = 0,
		   last_error = NULL,
		   updated_at = now()
		 WHERE org_id = $1 AND integration = $2`,
		orgID, integration, completedAt, newCursor,
	)
	if err != nil {
		return fmt.Errorf("storage: finish sync run: %w", err)
	}
	return nil
}

// FinishSyncRunError returns the state to idle and increments the error
// counter. The cursor and last_successful_sync are deliberately untouched:
// a failed run must never advance progress markers.
func (db *DB) FinishSyncRunError(ctx context.Context, orgID uuid.UUID, integration model.IntegrationKind, reason string) (int, error) {
	var count int
	err := db.pool.QueryRow(ctx,
		`UPDATE sync_states SET
		   mode = 'idle',
		   error_count = error_count + 1,
		   last_error = $3,
		   updated_at = now()
		 WHERE org_id = $1 AND integration = $2
		 RETURNING error_count`,
		orgID, integration, reason,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("storage: finish sync run error: %w", err)
	}
	return count, nil
}

// ReapStaleSyncRuns returns any run stuck in running longer than maxAge to
// idle. Crash recovery; the next trigger re-checks the cursor.
func (db *DB) ReapStaleSyncRuns(ctx context.Context, maxAge time.Duration) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE sync_states SET mode = 'idle', updated_at = now()
		 WHERE mode = 'running' AND updated_at < now() - ($1 * interval '1 microsecond')`,
		maxAge.Microseconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: reap stale sync runs: %w", err)
	}
	return tag.RowsAffected(), nil
}
