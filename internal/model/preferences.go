package model

import (
	"time"

	"github.com/google/uuid"
)

// Tone is a learned writing-register preference. Nil means unlearned.
type Tone string

const (
	ToneFormal       Tone = "formal"
	ToneProfessional Tone = "professional"
	ToneCasual       Tone = "casual"
	ToneFriendly     Tone = "friendly"
)

// Length is a learned draft-length preference. Nil means unlearned.
type Length string

const (
	LengthConcise  Length = "concise"
	LengthStandard Length = "standard"
	LengthDetailed Length = "detailed"
)

// NotificationFrequency controls how often HITL notifications are batched.
type NotificationFrequency string

const (
	NotifyRealtime NotificationFrequency = "realtime"
	NotifyHourly   NotificationFrequency = "hourly"
	NotifyDaily    NotificationFrequency = "daily"
)

// UserAIPreferences carries a user's learned style preferences, feedback
// statistics, and explicit settings.
type UserAIPreferences struct {
	UserID uuid.UUID `json:"user_id"`
	OrgID  uuid.UUID `json:"org_id"`

	// Learned style. Pointers are tri-state: nil = not yet learned.
	PreferredTone   *Tone   `json:"preferred_tone,omitempty"`
	PreferredLength *Length `json:"preferred_length,omitempty"`
	PrefersCTAs     *bool   `json:"prefers_ctas,omitempty"`
	PrefersBullets  *bool   `json:"prefers_bullets,omitempty"`

	// Feedback statistics.
	TotalSuggestions int     `json:"total_suggestions"`
	Approvals        int     `json:"approvals"`
	Edits            int     `json:"edits"`
	Rejections       int     `json:"rejections"`
	ApprovalRate     float64 `json:"approval_rate"`
	EditRate         float64 `json:"edit_rate"`
	RejectionRate    float64 `json:"rejection_rate"`

	// Explicit settings.
	AutoApproveThreshold  int                   `json:"auto_approve_threshold"`
	AlwaysHITLActions     []ActionKind          `json:"always_hitl_actions"`
	NeverAutoSend         bool                  `json:"never_auto_send"`
	NotificationFrequency NotificationFrequency `json:"notification_frequency"`
	PreferredChannels     []string              `json:"preferred_channels"`

	UpdatedAt time.Time `json:"updated_at"`
}

// AlwaysHITL reports whether the given action kind is pinned to human review.
func (p UserAIPreferences) AlwaysHITL(a ActionKind) bool {
	for _, k := range p.AlwaysHITLActions {
		if k == a {
			return true
		}
	}
	return false
}

// OrgAIPreferences holds tenant-level routing calibration.
type OrgAIPreferences struct {
	OrgID                 uuid.UUID `json:"org_id"`
	ApprovalHistoryWeight float64   `json:"approval_history_weight"`
	LowContextPenalty     float64   `json:"low_context_penalty"`
	HighThreshold         int       `json:"high_threshold"`
	MediumThreshold       int       `json:"medium_threshold"`
	UpdatedAt             time.Time `json:"updated_at"`
}
