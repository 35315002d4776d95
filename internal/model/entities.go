package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Contact is a mirrored or user-authored person record.
type Contact struct {
	ID           uuid.UUID       `json:"id"`
	OrgID        uuid.UUID       `json:"org_id"`
	Email        *string         `json:"email,omitempty"`
	Name         *string         `json:"name,omitempty"`
	Company      *string         `json:"company,omitempty"`
	Phone        *string         `json:"phone,omitempty"`
	Status       *string         `json:"status,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	LastModified time.Time       `json:"last_modified"`
	CreatedAt    time.Time       `json:"created_at"`
	// Source tags where a composite read found the record: "local" or the
	// remote integration kind.
	Source string `json:"source,omitempty"`
}

// Deal is a mirrored sales opportunity.
type Deal struct {
	ID           uuid.UUID       `json:"id"`
	OrgID        uuid.UUID       `json:"org_id"`
	Name         string          `json:"name"`
	Stage        *string         `json:"stage,omitempty"`
	Amount       *float64        `json:"amount,omitempty"`
	ContactID    *uuid.UUID      `json:"contact_id,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	LastModified time.Time       `json:"last_modified"`
	CreatedAt    time.Time       `json:"created_at"`
	Source       string          `json:"source,omitempty"`
}

// Meeting is a mirrored recorded meeting with extracted topics.
type Meeting struct {
	ID                  uuid.UUID       `json:"id"`
	OrgID               uuid.UUID       `json:"org_id"`
	ExternalRecordingID *string         `json:"external_recording_id,omitempty"`
	Title               *string         `json:"title,omitempty"`
	OccurredAt          *time.Time      `json:"occurred_at,omitempty"`
	ContactID           *uuid.UUID      `json:"contact_id,omitempty"`
	Topics              []MeetingTopic  `json:"topics,omitempty"`
	Metadata            json.RawMessage `json:"metadata,omitempty"`
	LastModified        time.Time       `json:"last_modified"`
	CreatedAt           time.Time       `json:"created_at"`
}

// MeetingTopic is one extracted topic snippet stored with its meeting.
type MeetingTopic struct {
	Index       int    `json:"index"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Email is a mirrored email message, kept for dossier history.
type Email struct {
	ID           uuid.UUID  `json:"id"`
	OrgID        uuid.UUID  `json:"org_id"`
	ContactID    *uuid.UUID `json:"contact_id,omitempty"`
	Subject      *string    `json:"subject,omitempty"`
	Snippet      *string    `json:"snippet,omitempty"`
	Direction    *string    `json:"direction,omitempty"` // "inbound" or "outbound"
	SentAt       *time.Time `json:"sent_at,omitempty"`
	LastModified time.Time  `json:"last_modified"`
	CreatedAt    time.Time  `json:"created_at"`
}

// User is a member of an org.
type User struct {
	ID        uuid.UUID `json:"id"`
	OrgID     uuid.UUID `json:"org_id"`
	Email     string    `json:"email"`
	Name      *string   `json:"name,omitempty"`
	Timezone  *string   `json:"timezone,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Org is a tenant.
type Org struct {
	ID               uuid.UUID `json:"id"`
	Name             string    `json:"name"`
	Plan             string    `json:"plan"`
	StripeCustomerID *string   `json:"-"`
	IsActive         bool      `json:"is_active"`
	CreatedAt        time.Time `json:"created_at"`
}
