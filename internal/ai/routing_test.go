package ai

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tsunagi-ai/tsunagi/internal/model"
)

func defaultOrgPrefs() model.OrgAIPreferences {
	return model.OrgAIPreferences{
		ApprovalHistoryWeight: 0.2,
		LowContextPenalty:     0.3,
		HighThreshold:         80,
		MediumThreshold:       50,
	}
}

func TestEffectiveConfidence(t *testing.T) {
	org := defaultOrgPrefs()

	// Strong approval history lifts confidence.
	assert.Equal(t, 90, EffectiveConfidence(75, 80, 0.75, org))

	// Thin context is penalized: cq=20 loses 0.3*(0.5-0.2)*100 = 9 points.
	assert.Equal(t, 66, EffectiveConfidence(75, 20, 0.0, org))

	// Rich context costs nothing.
	assert.Equal(t, 75, EffectiveConfidence(75, 60, 0.0, org))

	// Clamped to the scale.
	assert.Equal(t, 100, EffectiveConfidence(95, 100, 1.0, org))
	assert.Equal(t, 0, EffectiveConfidence(5, 0, 0.0, org))
}

func TestRouteSuggestionTable(t *testing.T) {
	org := defaultOrgPrefs()
	base := model.UserAIPreferences{AutoApproveThreshold: 85}

	t.Run("always hitl action pins to approval", func(t *testing.T) {
		user := base
		user.AlwaysHITLActions = []model.ActionKind{model.ActionSendEmail}
		d := RouteSuggestion(model.ActionSendEmail, 99, 100, user, org)
		assert.Equal(t, model.RouteHITLApprove, d.Route)
	})

	t.Run("never auto send covers external side effects", func(t *testing.T) {
		user := base
		user.NeverAutoSend = true
		d := RouteSuggestion(model.ActionScheduleMeeting, 99, 100, user, org)
		assert.Equal(t, model.RouteHITLApprove, d.Route)

		// Internal actions are unaffected by the opt-out.
		d = RouteSuggestion(model.ActionLogActivity, 99, 100, user, org)
		assert.Equal(t, model.RouteAutoExecute, d.Route)
	})

	t.Run("thin context clarifies regardless of confidence", func(t *testing.T) {
		d := RouteSuggestion(model.ActionCreateTask, 99, 39, base, org)
		assert.Equal(t, model.RouteClarify, d.Route)
		assert.NotEmpty(t, d.ClarifyingQuestions)
	})

	t.Run("auto execute needs high level and the user threshold", func(t *testing.T) {
		d := RouteSuggestion(model.ActionCreateTask, 90, 100, base, org)
		assert.Equal(t, model.RouteAutoExecute, d.Route)
		assert.Empty(t, d.ClarifyingQuestions)

		// High level but below the user's auto-approve bar.
		d = RouteSuggestion(model.ActionCreateTask, 84, 100, base, org)
		assert.Equal(t, model.RouteHITLApprove, d.Route)

		// High level but not an auto-executable kind.
		d = RouteSuggestion(model.ActionUpdateDeal, 90, 100, base, org)
		assert.Equal(t, model.RouteHITLApprove, d.Route)
	})

	t.Run("medium edits, low clarifies", func(t *testing.T) {
		d := RouteSuggestion(model.ActionDraftFollowUp, 60, 100, base, org)
		assert.Equal(t, model.ConfidenceMedium, d.Level)
		assert.Equal(t, model.RouteHITLEdit, d.Route)

		d = RouteSuggestion(model.ActionDraftFollowUp, 30, 100, base, org)
		assert.Equal(t, model.ConfidenceLow, d.Level)
		assert.Equal(t, model.RouteClarify, d.Route)
	})
}

func TestRouteSuggestionOrgTunableThresholds(t *testing.T) {
	org := defaultOrgPrefs()
	org.HighThreshold = 70
	user := model.UserAIPreferences{AutoApproveThreshold: 70}

	d := RouteSuggestion(model.ActionLogActivity, 72, 100, user, org)
	assert.Equal(t, model.ConfidenceHigh, d.Level)
	assert.Equal(t, model.RouteAutoExecute, d.Route)
}
