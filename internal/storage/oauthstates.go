package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/tsunagi-ai/tsunagi/internal/model"
)

// CreateOAuthState stores a new single-use state token.
func (db *DB) CreateOAuthState(ctx context.Context, s model.OAuthState) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO oauth_states (state, org_id, user_id, integration, redirect_uri, pkce_verifier, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		s.State, s.OrgID, s.UserID, s.Integration, s.RedirectURI, s.PKCEVerifier, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create oauth state: %w", err)
	}
	return nil
}

// ConsumeOAuthState atomically deletes and returns a state token.
// Delete-on-read makes the token single-use even under concurrent callbacks.
// Returns ErrStateConsumed when the token is unknown or already used.
func (db *DB) ConsumeOAuthState(ctx context.Context, state string) (model.OAuthState, error) {
	var s model.OAuthState
	err := db.pool.QueryRow(ctx,
		`DELETE FROM oauth_states WHERE state = $1
		 RETURNING state, org_id, user_id, integration, redirect_uri, pkce_verifier, created_at`,
		state,
	).Scan(&s.State, &s.OrgID, &s.UserID, &s.Integration, &s.RedirectURI, &s.PKCEVerifier, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.OAuthState{}, ErrStateConsumed
		}
		return model.OAuthState{}, fmt.Errorf("storage: consume oauth state: %w", err)
	}
	return s, nil
}

// CleanupOAuthStates removes expired, unconsumed state tokens.
func (db *DB) CleanupOAuthStates(ctx context.Context) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM oauth_states WHERE created_at < now() - interval '15 minutes'`,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: cleanup oauth states: %w", err)
	}
	return tag.RowsAffected(), nil
}
