package model

import (
	"time"

	"github.com/google/uuid"
)

// SyncMode distinguishes a bounded historical backfill from a cursor-driven
// incremental pull.
type SyncMode string

const (
	SyncModeCatchUp     SyncMode = "catch_up"
	SyncModeIncremental SyncMode = "incremental"
)

// SyncRunState is the orchestrator's per-(org, integration) mutex flag.
type SyncRunState string

const (
	SyncIdle    SyncRunState = "idle"
	SyncRunning SyncRunState = "running"
)

// SyncState tracks sync progress for one (org, integration) pair. Exactly one
// row per pair; only the sync orchestrator writes it.
type SyncState struct {
	OrgID              uuid.UUID       `json:"org_id"`
	Integration        IntegrationKind `json:"integration"`
	LastSuccessfulSync *time.Time      `json:"last_successful_sync,omitempty"`
	Cursor             *string         `json:"cursor,omitempty"`
	Mode               SyncRunState    `json:"mode"`
	ErrorCount         int             `json:"error_count"`
	LastError          *string         `json:"last_error,omitempty"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// SyncItemError records one failed item inside a sync run.
type SyncItemError struct {
	ExternalID string `json:"external_id"`
	Reason     string `json:"reason"`
}

// SyncSummary is the structured result of a single sync run.
type SyncSummary struct {
	Mode            SyncMode        `json:"mode"`
	ItemsConsidered int             `json:"items_considered"`
	ItemsUpserted   int             `json:"items_upserted"`
	ItemsSkipped    int             `json:"items_skipped"`
	Errors          []SyncItemError `json:"errors,omitempty"`
	// NewCursor is the cursor to persist. Left nil on transient failure so
	// the stored cursor never advances past unprocessed data.
	NewCursor *string `json:"-"`
}

// TickReport aggregates per-tenant sync results for one scheduler tick.
type TickReport struct {
	Integration IntegrationKind  `json:"integration"`
	Dispatched  int              `json:"dispatched"`
	Succeeded   int              `json:"succeeded"`
	Failed      int              `json:"failed"`
	Coalesced   int              `json:"coalesced"`
	Tenants     []TenantSyncItem `json:"tenants,omitempty"`
}

// TenantSyncItem is one tenant's entry in a tick report.
type TenantSyncItem struct {
	OrgID      uuid.UUID    `json:"org_id"`
	Mode       SyncMode     `json:"mode,omitempty"`
	Error      string       `json:"error,omitempty"`
	ErrorCount int          `json:"error_count,omitempty"`
	Summary    *SyncSummary `json:"summary,omitempty"`
}
