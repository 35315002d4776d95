package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/tsunagi-ai/tsunagi/internal/model"
)

// DefaultUserAIPreferences returns the preference row used before a user has
// any stored state.
func DefaultUserAIPreferences(orgID, userID uuid.UUID) model.UserAIPreferences {
	return model.UserAIPreferences{
		UserID:                userID,
		OrgID:                 orgID,
		AutoApproveThreshold:  85,
		AlwaysHITLActions:     []model.ActionKind{model.ActionSendEmail, model.ActionSendSlackMessage},
		NotificationFrequency: model.NotifyRealtime,
	}
}

// GetUserAIPreferences retrieves a user's AI preferences, falling back to
// defaults when no row exists yet.
func (db *DB) GetUserAIPreferences(ctx context.Context, orgID, userID uuid.UUID) (model.UserAIPreferences, error) {
	var p model.UserAIPreferences
	var hitl, channels []byte
	err := db.pool.QueryRow(ctx,
		`SELECT user_id, org_id, preferred_tone, preferred_length, prefers_ctas, prefers_bullets,
		        total_suggestions, approvals, edits, rejections,
		        approval_rate, edit_rate, rejection_rate,
		        auto_approve_threshold, always_hitl_actions, never_auto_send,
		        notification_frequency, preferred_channels, updated_at
		 FROM user_ai_preferences WHERE org_id = $1 AND user_id = $2`,
		orgID, userID,
	).Scan(
		&p.UserID, &p.OrgID, &p.PreferredTone, &p.PreferredLength, &p.PrefersCTAs, &p.PrefersBullets,
		&p.TotalSuggestions, &p.Approvals, &p.Edits, &p.Rejections,
		&p.ApprovalRate, &p.EditRate, &p.RejectionRate,
		&p.AutoApproveThreshold, &hitl, &p.NeverAutoSend,
		&p.NotificationFrequency, &channels, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return DefaultUserAIPreferences(orgID, userID), nil
		}
		return model.UserAIPreferences{}, fmt.Errorf("storage: get user ai preferences: %w", err)
	}
	if len(hitl) > 0 {
		if err := json.Unmarshal(hitl, &p.AlwaysHITLActions); err != nil {
			return model.UserAIPreferences{}, fmt.Errorf("storage: decode always_hitl_actions: %w", err)
		}
	}
	if len(channels) > 0 {
		if err := json.Unmarshal(channels, &p.PreferredChannels); err != nil {
			return model.UserAIPreferences{}, fmt.Errorf("storage: decode preferred_channels: %w", err)
		}
	}
	return p, nil
}

// UpsertUserAIPreferences writes the full preference row.
func (db *DB) UpsertUserAIPreferences(ctx context.Context, p model.UserAIPreferences) error {
	hitl, err := json.Marshal(p.AlwaysHITLActions)
	if err != nil {
		return fmt.Errorf("storage: marshal always_hitl_actions: %w", err)
	}
	channels, err := json.Marshal(p.PreferredChannels)
	if err != nil {
		return fmt.Errorf("storage: marshal preferred_channels: %w", err)
	}
	p.UpdatedAt = time.Now().UTC()

	_, err = db.pool.Exec(ctx,
		`INSERT INTO user_ai_preferences
		 (user_id, org_id, preferred_tone, preferred_length, prefers_ctas, prefers_bullets,
		  total_suggestions, approvals, edits, rejections,
		  approval_rate, edit_rate, rejection_rate,
		  auto_approve_threshold, always_hitl_actions, never_auto_send,
		  notification_frequency, preferred_channels, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		 ON CONFLICT (user_id) DO UPDATE SET
		   preferred_tone = EXCLUDED.preferred_tone,
		   preferred_length = EXCLUDED.preferred_length,
		   prefers_ctas = EXCLUDED.prefers_ctas,
		   prefers_bullets = EXCLUDED.prefers_bullets,
		   total_suggestions = EXCLUDED.total_suggestions,
		   approvals = EXCLUDED.approvals,
		   edits = EXCLUDED.edits,
		   rejections = EXCLUDED.rejections,
		   approval_rate = EXCLUDED.approval_rate,
		   edit_rate = EXCLUDED.edit_rate,
		   rejection_rate = EXCLUDED.rejection_rate,
		   auto_approve_threshold = EXCLUDED.auto_approve_threshold,
		   always_hitl_actions = EXCLUDED.always_hitl_actions,
		   never_auto_send = EXCLUDED.never_auto_send,
		   notification_frequency = EXCLUDED.notification_frequency,
		   preferred_channels = EXCLUDED.preferred_channels,
		   updated_at = EXCLUDED.updated_at`,
		p.UserID, p.OrgID, p.PreferredTone, p.PreferredLength, p.PrefersCTAs, p.PrefersBullets,
		p.TotalSuggestions, p.Approvals, p.Edits, p.Rejections,
		p.ApprovalRate, p.EditRate, p.RejectionRate,
		p.AutoApproveThreshold, hitl, p.NeverAutoSend,
		p.NotificationFrequency, channels, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert user ai preferences: %w", err)
	}
	return nil
}

// GetOrgAIPreferences retrieves tenant routing calibration, falling back to
// the shipped defaults when no row exists.
func (db *DB) GetOrgAIPreferences(ctx context.Context, orgID uuid.UUID) (model.OrgAIPreferences, error) {
	var p model.OrgAIPreferences
	err := db.pool.QueryRow(ctx,
		`SELECT org_id, approval_history_weight, low_context_penalty, high_threshold, medium_threshold, updated_at
		 FROM org_ai_preferences WHERE org_id = $1`,
		orgID,
	).Scan(&p.OrgID, &p.ApprovalHistoryWeight, &p.LowContextPenalty, &p.HighThreshold, &p.MediumThreshold, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.OrgAIPreferences{
				OrgID:                 orgID,
				ApprovalHistoryWeight: 0.2,
				LowContextPenalty:     0.3,
				HighThreshold:         80,
				MediumThreshold:       50,
			}, nil
		}
		return model.OrgAIPreferences{}, fmt.Errorf("storage: get org ai preferences: %w", err)
	}
	return p, nil
}
