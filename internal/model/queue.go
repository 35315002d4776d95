package model

import (
	"time"

	"github.com/google/uuid"
)

// WorkStatus is the lifecycle state of a work queue item. Transitions are
// monotonic except failed→pending on an explicit retry.
type WorkStatus string

const (
	WorkPending    WorkStatus = "pending"
	WorkProcessing WorkStatus = "processing"
	WorkCompleted  WorkStatus = "completed"
	WorkFailed     WorkStatus = "failed"
)

// WorkItemKind names what a queue item refers to.
type WorkItemKind string

const (
	// WorkTopicExtraction queues a meeting whose topics await aggregation.
	WorkTopicExtraction WorkItemKind = "topic_extraction"
	// WorkSyncRetry queues a sync-scoped retry after a soft failure, e.g. a
	// transcript that has not materialized yet.
	WorkSyncRetry WorkItemKind = "sync_retry"
)

// WorkItem is one unit of deferred processing.
type WorkItem struct {
	ID          uuid.UUID    `json:"id"`
	OrgID       uuid.UUID    `json:"org_id"`
	Kind        WorkItemKind `json:"kind"`
	SubjectID   string       `json:"subject_id"`
	Status      WorkStatus   `json:"status"`
	Attempts    int          `json:"attempts"`
	LastError   *string      `json:"last_error,omitempty"`
	RunAfter    time.Time    `json:"run_after"`
	CreatedAt   time.Time    `json:"created_at"`
	ProcessedAt *time.Time   `json:"processed_at,omitempty"`
}
