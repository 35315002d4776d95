package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/tsunagi-ai/tsunagi/internal/model"
)

// BeginEvent reserves a ledger slot for (external_system, external_event_id).
// The insert-or-nothing on the primary key is the dedup gate: side effects
// derived from the event may only run when the reservation succeeds.
// The canonical decoded event is stored as the payload so a failed entry can
// be replayed later without re-decoding provider formats.
// Returns ErrDuplicateEvent when the key is already present.
func (db *DB) BeginEvent(ctx context.Context, e model.InboundEvent) error {
	canonical, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("storage: marshal event: %w", err)
	}
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO event_ledger
		 (external_system, external_event_id, payload, payload_hash, external_occurred_at, processing_result)
		 VALUES ($1, $2, $3, $4, $5, 'pending')
		 ON CONFLICT DO NOTHING`,
		e.ExternalSystem, e.ExternalEventID, canonical, e.PayloadHash(), e.ExternalOccurredAt,
	)
	if err != nil {
		return fmt.Errorf("storage: begin event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateEvent
	}
	return nil
}

// ReclaimFailedEvent returns a failed ledger entry to pending so a retry can
// reprocess it. Only failed entries can be reclaimed; every other state
// returns ErrNotFound, which keeps applied events immune to replays.
func (db *DB) ReclaimFailedEvent(ctx context.Context, system model.IntegrationKind, eventID string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE event_ledger SET processing_result = 'pending', result_detail = NULL
		 WHERE external_system = $1 AND external_event_id = $2 AND processing_result = 'failed'`,
		system, eventID,
	)
	if err != nil {
		return fmt.Errorf("storage: reclaim failed event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteEvent records the terminal processing result for a ledger entry.
func (db *DB) CompleteEvent(ctx context.Context, system model.IntegrationKind, eventID string, result model.ProcessingResult, detail string) error {
	var detailPtr *string
	if detail != "" {
		detailPtr = &detail
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE event_ledger SET processing_result = $3, result_detail = $4
		 WHERE external_system = $1 AND external_event_id = $2`,
		system, eventID, result, detailPtr,
	)
	if err != nil {
		return fmt.Errorf("storage: complete event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetLedgerEntry retrieves one ledger entry, for summaries and debugging.
func (db *DB) GetLedgerEntry(ctx context.Context, system model.IntegrationKind, eventID string) (model.LedgerEntry, error) {
	var e model.LedgerEntry
	err := db.pool.QueryRow(ctx,
		`SELECT external_system, external_event_id, payload, payload_hash, received_at,
		        external_occurred_at, processing_result, result_detail
		 FROM event_ledger WHERE external_system = $1 AND external_event_id = $2`,
		system, eventID,
	).Scan(
		&e.ExternalSystem, &e.ExternalEventID, &e.Payload, &e.PayloadHash, &e.ReceivedAt,
		&e.ExternalOccurredAt, &e.Result, &e.ResultDetail,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.LedgerEntry{}, ErrNotFound
		}
		return model.LedgerEntry{}, fmt.Errorf("storage: get ledger entry: %w", err)
	}
	return e, nil
}
