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

const mappingColumns = `id, org_id, external_system, external_kind, external_id, internal_table,
	 internal_id, direction, external_last_modified, internal_last_modified, soft_deleted,
	 created_at, updated_at`

func scanMapping(row pgx.Row) (model.EntityMapping, error) {
	var m model.EntityMapping
	err := row.Scan(
		&m.ID, &m.OrgID, &m.ExternalSystem, &m.ExternalKind, &m.ExternalID, &m.InternalTable,
		&m.InternalID, &m.Direction, &m.ExternalLastModified, &m.InternalLastModified,
		&m.SoftDeleted, &m.CreatedAt, &m.UpdatedAt,
	)
	return m, err
}

// GetMapping retrieves the mapping for one external identity.
func (db *DB) GetMapping(ctx context.Context, orgID uuid.UUID, system model.IntegrationKind, kind model.EntityKind, externalID string) (model.EntityMapping, error) {
	m, err := scanMapping(db.pool.QueryRow(ctx,
		`SELECT `+mappingColumns+` FROM entity_mappings
		 WHERE org_id = $1 AND external_system = $2 AND external_kind = $3 AND external_id = $4`,
		orgID, system, kind, externalID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.EntityMapping{}, ErrNotFound
		}
		return model.EntityMapping{}, fmt.Errorf("storage: get mapping: %w", err)
	}
	return m, nil
}

// UpsertMapping inserts the mapping or refreshes its modification timestamps.
// Upsert on the external identity keeps retried events idempotent. The
// internal pointer of an existing row never changes: a mapping may not point
// at two internal rows over its lifetime.
func (db *DB) UpsertMapping(ctx context.Context, m model.EntityMapping) (model.EntityMapping, error) {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now

	out, err := scanMapping(db.pool.QueryRow(ctx,
		`INSERT INTO entity_mappings
		 (id, org_id, external_system, external_kind, external_id, internal_table, internal_id,
		  direction, external_last_modified, internal_last_modified, soft_deleted, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (org_id, external_system, external_kind, external_id) DO UPDATE SET
		   external_last_modified = EXCLUDED.external_last_modified,
		   internal_last_modified = EXCLUDED.internal_last_modified,
		   soft_deleted = EXCLUDED.soft_deleted,
		   updated_at = EXCLUDED.updated_at
		 RETURNING `+mappingColumns,
		m.ID, m.OrgID, m.ExternalSystem, m.ExternalKind, m.ExternalID, m.InternalTable, m.InternalID,
		m.Direction, m.ExternalLastModified, m.InternalLastModified, m.SoftDeleted, m.CreatedAt, m.UpdatedAt,
	))
	if err != nil {
		return model.EntityMapping{}, fmt.Errorf("storage: upsert mapping: %w", err)
	}
	return out, nil
}

// TouchMappingTimestamps records the modification instants after an applied
// update.
func (db *DB) TouchMappingTimestamps(ctx context.Context, id uuid.UUID, external, internal *time.Time) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE entity_mappings SET
		   external_last_modified = COALESCE($2, external_last_modified),
		   internal_last_modified = COALESCE($3, internal_last_modified),
		   updated_at = now()
		 WHERE id = $1`,
		id, external, internal,
	)
	if err != nil {
		return fmt.Errorf("storage: touch mapping: %w", err)
	}
	return nil
}

// MarkMappingSoftDeleted flags the mapping as deleted externally without
// removing it.
func (db *DB) MarkMappingSoftDeleted(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE entity_mappings SET soft_deleted = TRUE, updated_at = now() WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("storage: mark mapping soft deleted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
