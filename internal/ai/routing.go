package ai

import (
	"fmt"
	"math"

	"github.com/tsunagi-ai/tsunagi/internal/model"
)

// Context quality below this always routes to clarification, regardless of
// how confident the generator claims to be.
const clarifyQualityFloor = 40

// Decision is the outcome of routing one suggestion.
type Decision struct {
	EffectiveConfidence int
	Level               model.ConfidenceLevel
	Route               model.Route
	// ClarifyingQuestions is populated only when Route == RouteClarify.
	ClarifyingQuestions []string
}

// EffectiveConfidence adjusts the generator's raw confidence by the user's
// historical approval rate and penalizes thin context, on the 0..100 scale.
func EffectiveConfidence(raw, contextQuality int, approvalRate float64, org model.OrgAIPreferences) int {
	eff := float64(raw) +
		org.ApprovalHistoryWeight*approvalRate*100 -
		org.LowContextPenalty*math.Max(0, 0.5-float64(contextQuality)/100)*100
	switch {
	case eff < 0:
		return 0
	case eff > 100:
		return 100
	}
	return int(math.Round(eff))
}

func levelFor(effective int, org model.OrgAIPreferences) model.ConfidenceLevel {
	switch {
	case effective >= org.HighThreshold:
		return model.ConfidenceHigh
	case effective >= org.MediumThreshold:
		return model.ConfidenceMedium
	}
	return model.ConfidenceLow
}

// RouteSuggestion applies the routing table in order. User pins win over
// everything; low context clarifies before any auto path is considered.
func RouteSuggestion(action model.ActionKind, rawConfidence, contextQuality int, user model.UserAIPreferences, org model.OrgAIPreferences) Decision {
	d := Decision{
		EffectiveConfidence: EffectiveConfidence(rawConfidence, contextQuality, user.ApprovalRate, org),
	}
	d.Level = levelFor(d.EffectiveConfidence, org)

	switch {
	case user.AlwaysHITL(action):
		d.Route = model.RouteHITLApprove
	case user.NeverAutoSend && action.HasExternalSideEffect():
		d.Route = model.RouteHITLApprove
	case contextQuality < clarifyQualityFloor:
		d.Route = model.RouteClarify
	case d.Level == model.ConfidenceHigh && action.AutoExecutable() && rawConfidence >= user.AutoApproveThreshold:
		d.Route = model.RouteAutoExecute
	case d.Level == model.ConfidenceHigh:
		d.Route = model.RouteHITLApprove
	case d.Level == model.ConfidenceMedium:
		d.Route = model.RouteHITLEdit
	default:
		d.Route = model.RouteClarify
	}

	if d.Route == model.RouteClarify {
		d.ClarifyingQuestions = clarifyingQuestions(action, contextQuality)
	}
	return d
}

func clarifyingQuestions(action model.ActionKind, contextQuality int) []string {
	qs := []string{
		fmt.Sprintf("What outcome should this %s achieve?", actionNoun(action)),
	}
	if contextQuality < clarifyQualityFloor {
		qs = append(qs,
			"Which contact or deal is this about?",
			"Is there recent context (a meeting or email thread) I should use?",
		)
	} else {
		qs = append(qs, "Can you share more detail so I can be confident in the draft?")
	}
	return qs
}

func actionNoun(a model.ActionKind) string {
	switch a {
	case model.ActionSendEmail, model.ActionDraftFollowUp:
		return "email"
	case model.ActionCreateTask:
		return "task"
	case model.ActionLogActivity:
		return "activity log"
	case model.ActionUpdateDeal:
		return "deal update"
	case model.ActionScheduleMeeting:
		return "meeting"
	case model.ActionSendSlackMessage:
		return "message"
	}
	return "action"
}
