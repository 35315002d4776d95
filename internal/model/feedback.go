package model

import (
	"time"

	"github.com/google/uuid"
)

// FeedbackAction is what the user did with a suggestion.
type FeedbackAction string

const (
	FeedbackApproved FeedbackAction = "approved"
	FeedbackEdited   FeedbackAction = "edited"
	FeedbackRejected FeedbackAction = "rejected"
	FeedbackIgnored  FeedbackAction = "ignored"
)

// Valid reports whether a is a known feedback action.
func (a FeedbackAction) Valid() bool {
	switch a {
	case FeedbackApproved, FeedbackEdited, FeedbackRejected, FeedbackIgnored:
		return true
	}
	return false
}

// ToneShift classifies how an edit moved the register of a draft.
type ToneShift string

const (
	ToneMoreFormal ToneShift = "more_formal"
	ToneMoreCasual ToneShift = "more_casual"
	ToneSame       ToneShift = "same"
)

// LengthChange classifies how an edit moved the length of a draft.
type LengthChange string

const (
	LengthShorter LengthChange = "shorter"
	LengthLonger  LengthChange = "longer"
	LengthSame    LengthChange = "same"
)

// EditDelta is the structured diff between an original draft and the user's
// edit. Deterministic in (original, edited).
type EditDelta struct {
	ToneShift              ToneShift    `json:"tone_shift"`
	LengthChange           LengthChange `json:"length_change"`
	LengthDeltaPercent     int          `json:"length_delta_percent"`
	AddedCTA               bool         `json:"added_cta"`
	RemovedCTA             bool         `json:"removed_cta"`
	ChangedSubject         bool         `json:"changed_subject"`
	AddedPersonalization   bool         `json:"added_personalization"`
	RemovedPersonalization bool         `json:"removed_personalization"`
	AddedBulletPoints      bool         `json:"added_bullet_points"`
	SimplifiedLanguage     bool         `json:"simplified_language"`
}

// Well-known outcome kinds. The taxonomy is open: callers may record others.
const (
	OutcomeReplyReceived = "reply_received"
	OutcomeMeetingBooked = "meeting_booked"
	OutcomeTaskCompleted = "task_completed"
)

// Feedback is one immutable record of a user acting on a suggestion.
// Confidence and context quality are captured at generation time for later
// calibration.
type Feedback struct {
	ID              uuid.UUID      `json:"id"`
	OrgID           uuid.UUID      `json:"org_id"`
	UserID          uuid.UUID      `json:"user_id"`
	SuggestionID    uuid.UUID      `json:"suggestion_id"`
	Action          FeedbackAction `json:"action"`
	Confidence      int            `json:"confidence"`
	ContextQuality  int            `json:"context_quality"`
	OriginalContent *string        `json:"original_content,omitempty"`
	EditedContent   *string        `json:"edited_content,omitempty"`
	Delta           *EditDelta     `json:"edit_delta,omitempty"`
	DecisionLatency time.Duration  `json:"decision_latency_ms"`

	// Outcome loop: set once by RecordOutcome, never overwritten.
	OutcomeMeasured bool    `json:"outcome_measured"`
	OutcomePositive bool    `json:"outcome_positive"`
	OutcomeKind     *string `json:"outcome_kind,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}
