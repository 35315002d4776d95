package model

import (
	"time"

	"github.com/google/uuid"
)

// SyncDirection records which way data flows for a mapped entity.
type SyncDirection string

const (
	DirectionInbound       SyncDirection = "inbound"
	DirectionOutbound      SyncDirection = "outbound"
	DirectionBidirectional SyncDirection = "bidirectional"
)

// EntityKind names the kinds of external entities the platform mirrors.
type EntityKind string

const (
	EntityContact EntityKind = "contact"
	EntityCompany EntityKind = "company"
	EntityDeal    EntityKind = "deal"
	EntityMeeting EntityKind = "meeting"
	EntityEmail   EntityKind = "email"
)

// EntityMapping binds one external identity to one internal row. Unique per
// (org, external_system, external_kind, external_id); it never points at two
// internal rows at once.
type EntityMapping struct {
	ID                   uuid.UUID       `json:"id"`
	OrgID                uuid.UUID       `json:"org_id"`
	ExternalSystem       IntegrationKind `json:"external_system"`
	ExternalKind         EntityKind      `json:"external_kind"`
	ExternalID           string          `json:"external_id"`
	InternalTable        string          `json:"internal_table"`
	InternalID           uuid.UUID       `json:"internal_id"`
	Direction            SyncDirection   `json:"direction"`
	ExternalLastModified *time.Time      `json:"external_last_modified,omitempty"`
	InternalLastModified *time.Time      `json:"internal_last_modified,omitempty"`
	SoftDeleted          bool            `json:"soft_deleted"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}
