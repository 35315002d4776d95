package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// EventKind is the reconciliation operation an inbound event requests.
type EventKind string

const (
	EventCreate EventKind = "create"
	EventUpdate EventKind = "update"
	EventDelete EventKind = "delete"
)

// ProcessingResult is the terminal disposition of a ledger entry.
type ProcessingResult string

const (
	ProcessingPending         ProcessingResult = "pending"
	ProcessingApplied         ProcessingResult = "applied"
	ProcessingSkippedConflict ProcessingResult = "skipped_conflict"
	ProcessingDuplicate       ProcessingResult = "duplicate"
	ProcessingFailed          ProcessingResult = "failed"
)

// InboundEvent is the canonical form every provider event is reduced to
// before it touches the ledger. Unknown provider fields survive only in
// Payload.
type InboundEvent struct {
	ExternalSystem     IntegrationKind `json:"external_system"`
	ExternalEventID    string          `json:"external_event_id"`
	ExternalOccurredAt *time.Time      `json:"external_occurred_at,omitempty"`
	Kind               EventKind       `json:"kind"`
	EntityKind         EntityKind      `json:"entity_kind"`
	ExternalEntityID   string          `json:"external_entity_id"`
	// ExternalLastModified drives last-writer-wins conflict resolution.
	ExternalLastModified *time.Time `json:"external_last_modified,omitempty"`
	// Fields are the adapter-decoded attributes to apply to the internal row.
	Fields  map[string]any  `json:"fields,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// PayloadHash returns the hex SHA-256 of the raw payload. Used as the ledger
// debugging hash and as the event id fallback when a provider sends none.
func (e InboundEvent) PayloadHash() string {
	sum := sha256.Sum256(e.Payload)
	return hex.EncodeToString(sum[:])
}

// LedgerEntry is one append-only record of a received external event, keyed
// by (external_system, external_event_id). Writing it precedes any side
// effect derived from the event.
type LedgerEntry struct {
	ExternalSystem     IntegrationKind  `json:"external_system"`
	ExternalEventID    string           `json:"external_event_id"`
	Payload            json.RawMessage  `json:"payload"`
	PayloadHash        string           `json:"payload_hash"`
	ReceivedAt         time.Time        `json:"received_at"`
	ExternalOccurredAt *time.Time       `json:"external_occurred_at,omitempty"`
	Result             ProcessingResult `json:"processing_result"`
	ResultDetail       *string          `json:"result_detail,omitempty"`
}
