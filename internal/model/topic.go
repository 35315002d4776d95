package model

import (
	"time"

	"github.com/google/uuid"
)

// GlobalTopic is one canonical topic cluster for a tenant. Owns a set of
// TopicSource rows; source_count mirrors their cardinality.
type GlobalTopic struct {
	ID                   uuid.UUID `json:"id"`
	OrgID                uuid.UUID `json:"org_id"`
	CanonicalTitle       string    `json:"canonical_title"`
	CanonicalDescription string    `json:"canonical_description"`
	SourceCount          int       `json:"source_count"`
	FirstSeen            time.Time `json:"first_seen"`
	LastSeen             time.Time `json:"last_seen"`
	FrequencyScore       float64   `json:"frequency_score"`
	RecencyScore         float64   `json:"recency_score"`
	RelevanceScore       float64   `json:"relevance_score"`
	Archived             bool      `json:"archived"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// TopicSource ties one meeting topic snippet to its global topic. Unique per
// (global_topic_id, meeting_id, topic_index).
type TopicSource struct {
	ID              uuid.UUID `json:"id"`
	GlobalTopicID   uuid.UUID `json:"global_topic_id"`
	MeetingID       uuid.UUID `json:"meeting_id"`
	TopicIndex      int       `json:"topic_index"`
	SimilarityScore float64   `json:"similarity_score"`
	CreatedAt       time.Time `json:"created_at"`
}

// TopicRecord is one raw topic snippet extracted from a meeting, the input
// unit of aggregation.
type TopicRecord struct {
	MeetingID   uuid.UUID  `json:"meeting_id"`
	TopicIndex  int        `json:"topic_index"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	MeetingDate time.Time  `json:"meeting_date"`
	CompanyID   *uuid.UUID `json:"company_id,omitempty"`
	ContactID   *uuid.UUID `json:"contact_id,omitempty"`
}

// AggregationMode selects how a topic aggregation run picks its input.
type AggregationMode string

const (
	AggregateIncremental AggregationMode = "incremental"
	AggregateSingle      AggregationMode = "single"
	AggregateFull        AggregationMode = "full"
)
