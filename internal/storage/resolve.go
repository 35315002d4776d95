package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/tsunagi-ai/tsunagi/internal/model"
)

// FindOrgByAccountHint resolves the org that owns the credential whose stored
// account discriminator matches hint. The hint is written into credential
// metadata at connect time (Slack team id, HubSpot portal, Bullhorn corp).
func (db *DB) FindOrgByAccountHint(ctx context.Context, integration model.IntegrationKind, hint string) (uuid.UUID, error) {
	var orgID uuid.UUID
	err := db.pool.QueryRow(ctx,
		`SELECT org_id FROM integration_credentials
		 WHERE integration = $1 AND metadata->>'account_hint' = $2`,
		integration, hint,
	).Scan(&orgID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, ErrNotFound
		}
		return uuid.Nil, fmt.Errorf("storage: find org by account hint: %w", err)
	}
	return orgID, nil
}

// FindOrgByUserEmail resolves an org through a member's email address, the
// fallback discriminator for providers that only name the acting user.
func (db *DB) FindOrgByUserEmail(ctx context.Context, email string) (uuid.UUID, error) {
	var orgID uuid.UUID
	err := db.pool.QueryRow(ctx,
		`SELECT org_id FROM users WHERE lower(email) = lower($1)`,
		email,
	).Scan(&orgID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, ErrNotFound
		}
		return uuid.Nil, fmt.Errorf("storage: find org by user email: %w", err)
	}
	return orgID, nil
}
