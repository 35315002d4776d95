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

// InsertFeedback stores an immutable feedback row.
func (db *DB) InsertFeedback(ctx context.Context, f model.Feedback) (model.Feedback, error) {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}

	var delta []byte
	if f.Delta != nil {
		var err error
		delta, err = json.Marshal(f.Delta)
		if err != nil {
			return model.Feedback{}, fmt.Errorf("storage: marshal edit delta: %w", err)
		}
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO ai_feedback
		 (id, org_id, user_id, suggestion_id, action, confidence, context_quality,
		  original_content, edited_content, edit_delta, decision_latency_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		f.ID, f.OrgID, f.UserID, f.SuggestionID, f.Action, f.Confidence, f.ContextQuality,
		f.OriginalContent, f.EditedContent, delta, f.DecisionLatency.Milliseconds(), f.CreatedAt,
	)
	if err != nil {
		return model.Feedback{}, fmt.Errorf("storage: insert feedback: %w", err)
	}
	return f, nil
}

// GetFeedback retrieves one feedback row scoped to its org.
func (db *DB) GetFeedback(ctx context.Context, orgID, id uuid.UUID) (model.Feedback, error) {
	var f model.Feedback
	var delta []byte
	var latencyMS int64
	err := db.pool.QueryRow(ctx,
		`SELECT id, org_id, user_id, suggestion_id, action, confidence, context_quality,
		        original_content, edited_content, edit_delta, decision_latency_ms,
		        outcome_measured, outcome_positive, outcome_kind, created_at
		 FROM ai_feedback WHERE org_id = $1 AND id = $2`,
		orgID, id,
	).Scan(
		&f.ID, &f.OrgID, &f.UserID, &f.SuggestionID, &f.Action, &f.Confidence, &f.ContextQuality,
		&f.OriginalContent, &f.EditedContent, &delta, &latencyMS,
		&f.OutcomeMeasured, &f.OutcomePositive, &f.OutcomeKind, &f.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Feedback{}, ErrNotFound
		}
		return model.Feedback{}, fmt.Errorf("storage: get feedback: %w", err)
	}
	f.DecisionLatency = time.Duration(latencyMS) * time.Millisecond
	if len(delta) > 0 {
		f.Delta = &model.EditDelta{}
		if err := json.Unmarshal(delta, f.Delta); err != nil {
			return model.Feedback{}, fmt.Errorf("storage: decode edit delta: %w", err)
		}
	}
	return f, nil
}

// SetFeedbackOutcome records the outcome for a feedback row exactly once.
// The guard on outcome_measured makes the write monotonic: once set, a
// second call returns ErrOutcomeAlreadySet and changes nothing.
func (db *DB) SetFeedbackOutcome(ctx context.Context, orgID, id uuid.UUID, positive bool, kind string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE ai_feedback SET outcome_measured = TRUE, outcome_positive = $3, outcome_kind = $4
		 WHERE org_id = $1 AND id = $2 AND NOT outcome_measured`,
		orgID, id, positive, kind,
	)
	if err != nil {
		return fmt.Errorf("storage: set feedback outcome: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish missing row from already-measured.
		var measured bool
		err := db.pool.QueryRow(ctx,
			`SELECT outcome_measured FROM ai_feedback WHERE org_id = $1 AND id = $2`,
			orgID, id,
		).Scan(&measured)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("storage: check feedback outcome: %w", err)
		}
		return ErrOutcomeAlreadySet
	}
	return nil
}
