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

const credentialColumns = `id, org_id, integration, access_secret, refresh_secret, expires_at,
	 status, last_refresh, endpoint_hint, session_token, metadata, created_at, updated_at`

func scanCredential(row pgx.Row) (model.IntegrationCredential, error) {
	var c model.IntegrationCredential
	err := row.Scan(
		&c.ID, &c.OrgID, &c.Integration, &c.AccessSecret, &c.RefreshSecret, &c.ExpiresAt,
		&c.Status, &c.LastRefresh, &c.EndpointHint, &c.SessionToken, &c.Metadata,
		&c.CreatedAt, &c.UpdatedAt,
	)
	return c, err
}

// GetCredential retrieves the credential for (org, integration).
func (db *DB) GetCredential(ctx context.Context, orgID uuid.UUID, integration model.IntegrationKind) (model.IntegrationCredential, error) {
	c, err := scanCredential(db.pool.QueryRow(ctx,
		`SELECT `+credentialColumns+` FROM integration_credentials
		 WHERE org_id = $1 AND integration = $2`,
		orgID, integration,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.IntegrationCredential{}, ErrNotFound
		}
		return model.IntegrationCredential{}, fmt.Errorf("storage: get credential: %w", err)
	}
	return c, nil
}

// UpsertCredential inserts or replaces the credential for (org, integration).
// The unique constraint keeps at most one row per pair; a reconnect
// overwrites secrets and resets status to active.
func (db *DB) UpsertCredential(ctx context.Context, c model.IntegrationCredential) (model.IntegrationCredential, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	if c.Metadata == nil {
		c.Metadata = []byte(`{}`)
	}

	err := db.pool.QueryRow(ctx,
		`INSERT INTO integration_credentials
		 (id, org_id, integration, access_secret, refresh_secret, expires_at, status,
		  last_refresh, endpoint_hint, session_token, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (org_id, integration) DO UPDATE SET
		   access_secret = EXCLUDED.access_secret,
		   refresh_secret = EXCLUDED.refresh_secret,
		   expires_at = EXCLUDED.expires_at,
		   status = EXCLUDED.status,
		   last_refresh = EXCLUDED.last_refresh,
		   endpoint_hint = EXCLUDED.endpoint_hint,
		   session_token = EXCLUDED.session_token,
		   metadata = EXCLUDED.metadata,
		   updated_at = EXCLUDED.updated_at
		 RETURNING id`,
		c.ID, c.OrgID, c.Integration, c.AccessSecret, c.RefreshSecret, c.ExpiresAt, c.Status,
		c.LastRefresh, c.EndpointHint, c.SessionToken, c.Metadata, c.CreatedAt, c.UpdatedAt,
	).Scan(&c.ID)
	if err != nil {
		return model.IntegrationCredential{}, fmt.Errorf("storage: upsert credential: %w", err)
	}
	return c, nil
}

// ListActiveCredentials lists every active credential for an integration,
// restricted to active orgs. Drives the proactive refresh batch and the sync
// tick fanout.
func (db *DB) ListActiveCredentials(ctx context.Context, integration model.IntegrationKind) ([]model.IntegrationCredential, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+credColsQualified+` FROM integration_credentials c
		 JOIN orgs o ON o.id = c.org_id
		 WHERE c.integration = $1 AND c.status = 'active' AND o.is_active
		 ORDER BY c.org_id`,
		integration,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list active credentials: %w", err)
	}
	defer rows.Close()

	var out []model.IntegrationCredential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan credential: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const credColsQualified = `c.id, c.org_id, c.integration, c.access_secret, c.refresh_secret,
	 c.expires_at, c.status, c.last_refresh, c.endpoint_hint, c.session_token, c.metadata,
	 c.created_at, c.updated_at`

// ListCredentialsByOrg lists all credentials for one org, any status.
func (db *DB) ListCredentialsByOrg(ctx context.Context, orgID uuid.UUID) ([]model.IntegrationCredential, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+credentialColumns+` FROM integration_credentials
		 WHERE org_id = $1 ORDER BY integration`,
		orgID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list credentials by org: %w", err)
	}
	defer rows.Close()

	var out []model.IntegrationCredential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan credential: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateCredentialSecrets stores the result of a successful refresh. The row
// is locked during the transaction so concurrent refreshers for the same
// (org, integration) serialize and cannot clobber each other's rotated
// refresh secret.
func (db *DB) UpdateCredentialSecrets(ctx context.Context, c model.IntegrationCredential) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin update secrets: %w", err)
	}
	defer tx.Rollback(ctx)

	var id uuid.UUID
	if err := tx.QueryRow(ctx,
		`SELECT id FROM integration_credentials
		 WHERE org_id = $1 AND integration = $2 FOR UPDATE`,
		c.OrgID, c.Integration,
	).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("storage: lock credential: %w", err)
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx,
		`UPDATE integration_credentials SET
		   access_secret = $1, refresh_secret = COALESCE($2, refresh_secret),
		   expires_at = $3, status = 'active', last_refresh = $4,
		   endpoint_hint = COALESCE($5, endpoint_hint),
		   session_token = COALESCE($6, session_token),
		   metadata = COALESCE($7, metadata), updated_at = $4
		 WHERE id = $8`,
		c.AccessSecret, c.RefreshSecret, c.ExpiresAt, now,
		c.EndpointHint, c.SessionToken, c.Metadata, id,
	); err != nil {
		return fmt.Errorf("storage: update credential secrets: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit update secrets: %w", err)
	}
	return nil
}

// SetCredentialStatus transitions a credential to needs_reconnect or revoked.
// The row is retained for reporting; only the status changes.
func (db *DB) SetCredentialStatus(ctx context.Context, orgID uuid.UUID, integration model.IntegrationKind, status model.ConnectionStatus) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE integration_credentials SET status = $1, updated_at = now()
		 WHERE org_id = $2 AND integration = $3`,
		status, orgID, integration,
	)
	if err != nil {
		return fmt.Errorf("storage: set credential status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
