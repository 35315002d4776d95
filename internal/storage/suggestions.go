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

// InsertSuggestion stores an emitted suggestion. Suggestions are immutable;
// there is no update path.
func (db *DB) InsertSuggestion(ctx context.Context, s model.Suggestion) (model.Suggestion, error) {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.GeneratedAt.IsZero() {
		s.GeneratedAt = time.Now().UTC()
	}
	questions, err := json.Marshal(s.ClarifyingQuestions)
	if err != nil {
		return model.Suggestion{}, fmt.Errorf("storage: marshal clarifying questions: %w", err)
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO ai_suggestions
		 (id, org_id, user_id, action_kind, confidence, context_quality, confidence_level,
		  routing, content, clarifying_questions, contact_id, deal_id, meeting_id, generated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		s.ID, s.OrgID, s.UserID, s.Action, s.Confidence, s.ContextQuality, s.Level,
		s.Routing, s.Content, questions, s.ContactID, s.DealID, s.MeetingID, s.GeneratedAt,
	)
	if err != nil {
		return model.Suggestion{}, fmt.Errorf("storage: insert suggestion: %w", err)
	}
	return s, nil
}

// GetSuggestion retrieves one suggestion scoped to its org.
func (db *DB) GetSuggestion(ctx context.Context, orgID, id uuid.UUID) (model.Suggestion, error) {
	var s model.Suggestion
	var questions []byte
	err := db.pool.QueryRow(ctx,
		`SELECT id, org_id, user_id, action_kind, confidence, context_quality, confidence_level,
		        routing, content, clarifying_questions, contact_id, deal_id, meeting_id, generated_at
		 FROM ai_suggestions WHERE org_id = $1 AND id = $2`,
		orgID, id,
	).Scan(
		&s.ID, &s.OrgID, &s.UserID, &s.Action, &s.Confidence, &s.ContextQuality, &s.Level,
		&s.Routing, &s.Content, &questions, &s.ContactID, &s.DealID, &s.MeetingID, &s.GeneratedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Suggestion{}, ErrNotFound
		}
		return model.Suggestion{}, fmt.Errorf("storage: get suggestion: %w", err)
	}
	if len(questions) > 0 {
		if err := json.Unmarshal(questions, &s.ClarifyingQuestions); err != nil {
			return model.Suggestion{}, fmt.Errorf("storage: decode clarifying questions: %w", err)
		}
	}
	return s, nil
}
