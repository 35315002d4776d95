package model

import (
	"time"

	"github.com/google/uuid"
)

// ActionKind is the closed set of actions a suggestion can propose.
type ActionKind string

const (
	ActionSendEmail        ActionKind = "send_email"
	ActionDraftFollowUp    ActionKind = "draft_follow_up"
	ActionCreateTask       ActionKind = "create_task"
	ActionLogActivity      ActionKind = "log_activity"
	ActionUpdateDeal       ActionKind = "update_deal"
	ActionScheduleMeeting  ActionKind = "schedule_meeting"
	ActionSendSlackMessage ActionKind = "send_slack_message"
)

// Valid reports whether a is a known action kind.
func (a ActionKind) Valid() bool {
	switch a {
	case ActionSendEmail, ActionDraftFollowUp, ActionCreateTask, ActionLogActivity,
		ActionUpdateDeal, ActionScheduleMeeting, ActionSendSlackMessage:
		return true
	}
	return false
}

// HasExternalSideEffect reports whether executing the action is visible
// outside the tenant's own workspace. These actions never auto-send when the
// user has opted out.
func (a ActionKind) HasExternalSideEffect() bool {
	switch a {
	case ActionSendEmail, ActionSendSlackMessage, ActionScheduleMeeting:
		return true
	}
	return false
}

// AutoExecutable reports whether the action kind is eligible for
// auto-execution at high confidence.
func (a ActionKind) AutoExecutable() bool {
	switch a {
	case ActionLogActivity, ActionCreateTask, ActionDraftFollowUp:
		return true
	}
	return false
}

// ConfidenceLevel buckets effective confidence.
type ConfidenceLevel string

const (
	ConfidenceHigh   ConfidenceLevel = "high"
	ConfidenceMedium ConfidenceLevel = "medium"
	ConfidenceLow    ConfidenceLevel = "low"
)

// Route is the disposition of a suggestion.
type Route string

const (
	RouteAutoExecute Route = "auto_execute"
	RouteHITLApprove Route = "hitl_approve"
	RouteHITLEdit    Route = "hitl_edit"
	RouteClarify     Route = "clarify"
)

// Suggestion is one emitted AI recommendation. Immutable once stored.
type Suggestion struct {
	ID             uuid.UUID       `json:"id"`
	OrgID          uuid.UUID       `json:"org_id"`
	UserID         uuid.UUID       `json:"user_id"`
	Action         ActionKind      `json:"action_kind"`
	Confidence     int             `json:"confidence"`
	ContextQuality int             `json:"context_quality"`
	Level          ConfidenceLevel `json:"confidence_level"`
	Routing        Route           `json:"routing"`
	Content        string          `json:"content,omitempty"`
	// ClarifyingQuestions is populated when Routing == RouteClarify.
	ClarifyingQuestions []string   `json:"clarifying_questions,omitempty"`
	ContactID           *uuid.UUID `json:"contact_id,omitempty"`
	DealID              *uuid.UUID `json:"deal_id,omitempty"`
	MeetingID           *uuid.UUID `json:"meeting_id,omitempty"`
	GeneratedAt         time.Time  `json:"generated_at"`
}
