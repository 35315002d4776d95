package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/tsunagi-ai/tsunagi/internal/model"
)

const topicColumns = `id, org_id, canonical_title, canonical_description, source_count,
	 first_seen, last_seen, frequency_score, recency_score, relevance_score, archived,
	 created_at, updated_at`

func scanTopic(row pgx.Row) (model.GlobalTopic, error) {
	var t model.GlobalTopic
	err := row.Scan(
		&t.ID, &t.OrgID, &t.CanonicalTitle, &t.CanonicalDescription, &t.SourceCount,
		&t.FirstSeen, &t.LastSeen, &t.FrequencyScore, &t.RecencyScore, &t.RelevanceScore,
		&t.Archived, &t.CreatedAt, &t.UpdatedAt,
	)
	return t, err
}

// ListActiveTopics returns a tenant's non-archived global topics.
func (db *DB) ListActiveTopics(ctx context.Context, orgID uuid.UUID) ([]model.GlobalTopic, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+topicColumns+` FROM global_topics
		 WHERE org_id = $1 AND NOT archived
		 ORDER BY relevance_score DESC, last_seen DESC`,
		orgID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list active topics: %w", err)
	}
	defer rows.Close()

	var out []model.GlobalTopic
	for rows.Next() {
		t, err := scanTopic(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan topic: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CreateTopic inserts a new global topic.
func (db *DB) CreateTopic(ctx context.Context, t model.GlobalTopic) (model.GlobalTopic, error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	_, err := db.pool.Exec(ctx,
		`INSERT INTO global_topics
		 (id, org_id, canonical_title, canonical_description, source_count, first_seen, last_seen,
		  frequency_score, recency_score, relevance_score, archived, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		t.ID, t.OrgID, t.CanonicalTitle, t.CanonicalDescription, t.SourceCount, t.FirstSeen,
		t.LastSeen, t.FrequencyScore, t.RecencyScore, t.RelevanceScore, t.Archived,
		t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return model.GlobalTopic{}, fmt.Errorf("storage: create topic: %w", err)
	}
	return t, nil
}

// AddTopicSource inserts a source row and bumps the parent's counters in one
// transaction. The unique constraint on (global_topic_id, meeting_id,
// topic_index) makes repeat inserts no-ops, and source_count only moves when
// a row actually landed, keeping count and cardinality in lockstep.
// Returns false when the source already existed.
//
// Concurrent aggregation workers touching the same parents can deadlock on
// the counter update, so the transaction retries on conflict.
func (db *DB) AddTopicSource(ctx context.Context, s model.TopicSource, lastSeen time.Time) (bool, error) {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}

	var added bool
	err := WithRetry(ctx, 3, 10*time.Millisecond, func() error {
		var err error
		added, err = db.addTopicSource(ctx, s, lastSeen)
		return err
	})
	return added, err
}

func (db *DB) addTopicSource(ctx context.Context, s model.TopicSource, lastSeen time.Time) (bool, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("storage: begin add topic source: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`INSERT INTO global_topic_sources (id, global_topic_id, meeting_id, topic_index, similarity_score)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT DO NOTHING`,
		s.ID, s.GlobalTopicID, s.MeetingID, s.TopicIndex, s.SimilarityScore,
	)
	if err != nil {
		return false, fmt.Errorf("storage: insert topic source: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if _, err := tx.Exec(ctx,
		`UPDATE global_topics SET
		   source_count = source_count + 1,
		   last_seen = GREATEST(last_seen, $2),
		   updated_at = now()
		 WHERE id = $1`,
		s.GlobalTopicID, lastSeen,
	); err != nil {
		return false, fmt.Errorf("storage: bump topic counters: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("storage: commit add topic source: %w", err)
	}
	return true, nil
}

// HasTopicSource reports whether (meeting_id, topic_index) is already bound
// to any of the tenant's global topics.
func (db *DB) HasTopicSource(ctx context.Context, orgID uuid.UUID, meetingID uuid.UUID, topicIndex int) (bool, error) {
	var exists bool
	err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM global_topic_sources s
		   JOIN global_topics t ON t.id = s.global_topic_id
		   WHERE t.org_id = $1 AND s.meeting_id = $2 AND s.topic_index = $3
		 )`,
		orgID, meetingID, topicIndex,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("storage: has topic source: %w", err)
	}
	return exists, nil
}

// UpdateTopicScores stores recomputed frequency/recency/relevance for one topic.
func (db *DB) UpdateTopicScores(ctx context.Context, id uuid.UUID, frequency, recency, relevance float64) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE global_topics SET
		   frequency_score = $2, recency_score = $3, relevance_score = $4, updated_at = now()
		 WHERE id = $1`,
		id, frequency, recency, relevance,
	)
	if err != nil {
		return fmt.Errorf("storage: update topic scores: %w", err)
	}
	return nil
}

// ListTopicSources returns the source rows of one global topic.
func (db *DB) ListTopicSources(ctx context.Context, globalTopicID uuid.UUID) ([]model.TopicSource, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, global_topic_id, meeting_id, topic_index, similarity_score, created_at
		 FROM global_topic_sources WHERE global_topic_id = $1 ORDER BY created_at`,
		globalTopicID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list topic sources: %w", err)
	}
	defer rows.Close()

	var out []model.TopicSource
	for rows.Next() {
		var s model.TopicSource
		if err := rows.Scan(&s.ID, &s.GlobalTopicID, &s.MeetingID, &s.TopicIndex, &s.SimilarityScore, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan topic source: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
