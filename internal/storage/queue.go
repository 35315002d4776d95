package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/tsunagi-ai/tsunagi/internal/model"
)

const workItemColumns = `id, org_id, kind, subject_id, status, attempts, last_error,
	 run_after, created_at, processed_at`

func scanWorkItem(row pgx.Row) (model.WorkItem, error) {
	var w model.WorkItem
	err := row.Scan(
		&w.ID, &w.OrgID, &w.Kind, &w.SubjectID, &w.Status, &w.Attempts, &w.LastError,
		&w.RunAfter, &w.CreatedAt, &w.ProcessedAt,
	)
	return w, err
}

// EnqueueWork inserts a pending work item.
func (db *DB) EnqueueWork(ctx context.Context, item model.WorkItem) (model.WorkItem, error) {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	if item.RunAfter.IsZero() {
		item.RunAfter = now
	}
	item.Status = model.WorkPending

	_, err := db.pool.Exec(ctx,
		`INSERT INTO work_queue (id, org_id, kind, subject_id, status, attempts, run_after, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		item.ID, item.OrgID, item.Kind, item.SubjectID, item.Status, item.Attempts,
		item.RunAfter, item.CreatedAt,
	)
	if err != nil {
		return model.WorkItem{}, fmt.Errorf("storage: enqueue work: %w", err)
	}
	return item, nil
}

// ClaimWork moves up to limit due pending items of the given kind to
// processing and returns them. SKIP LOCKED lets parallel workers drain the
// queue without handing the same item to two of them.
func (db *DB) ClaimWork(ctx context.Context, kind model.WorkItemKind, limit int) ([]model.WorkItem, error) {
	rows, err := db.pool.Query(ctx,
		`UPDATE work_queue SET status = 'processing'
		 WHERE id IN (
		   SELECT id FROM work_queue
		   WHERE kind = $1 AND status = 'pending' AND run_after <= now()
		   ORDER BY created_at
		   LIMIT $2
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+workItemColumns,
		kind, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: claim work: %w", err)
	}
	defer rows.Close()

	var out []model.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan work item: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// CompleteWork marks an item completed.
func (db *DB) CompleteWork(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE work_queue SET status = 'completed', processed_at = now()
		 WHERE id = $1 AND status = 'processing'`,
		id,
	)
	if err != nil {
		return fmt.Errorf("storage: complete work: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FailWork marks an item failed, recording the error and bumping attempts.
func (db *DB) FailWork(ctx context.Context, id uuid.UUID, reason string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE work_queue SET status = 'failed', attempts = attempts + 1,
		   last_error = $2, processed_at = now()
		 WHERE id = $1 AND status = 'processing'`,
		id, reason,
	)
	if err != nil {
		return fmt.Errorf("storage: fail work: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RetryWork transitions a failed item back to pending with a delayed
// run_after. The only non-monotonic transition the queue allows.
func (db *DB) RetryWork(ctx context.Context, id uuid.UUID, runAfter time.Time) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE work_queue SET status = 'pending', run_after = $2, processed_at = NULL
		 WHERE id = $1 AND status = 'failed'`,
		id, runAfter,
	)
	if err != nil {
		return fmt.Errorf("storage: retry work: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// PurgeTerminalWork deletes completed and failed items older than ttl.
func (db *DB) PurgeTerminalWork(ctx context.Context, ttl time.Duration) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM work_queue
		 WHERE status IN ('completed', 'failed')
		   AND processed_at < now() - ($1 * interval '1 microsecond')`,
		ttl.Microseconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: purge terminal work: %w", err)
	}
	return tag.RowsAffected(), nil
}
