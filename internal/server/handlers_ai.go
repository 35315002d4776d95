package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/tsunagi-ai/tsunagi/internal/ai"
	"github.com/tsunagi-ai/tsunagi/internal/ctxutil"
	"github.com/tsunagi-ai/tsunagi/internal/model"
)

type routeRequest struct {
	Action       model.ActionKind `json:"action_kind"`
	Confidence   int              `json:"confidence"`
	Content      string           `json:"content"`
	ContactID    *uuid.UUID       `json:"contact_id,omitempty"`
	DealID       *uuid.UUID       `json:"deal_id,omitempty"`
	MeetingID    *uuid.UUID       `json:"meeting_id,omitempty"`
	ContactEmail string           `json:"contact_email,omitempty"`
	Timezone     string           `json:"timezone,omitempty"`
}

// handleAIRoute assembles the dossier and routes one drafted suggestion.
func (h *Handlers) handleAIRoute(w http.ResponseWriter, r *http.Request) {
	claims := ctxutil.ClaimsFromContext(r.Context())
	if claims == nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "no claims in context")
		return
	}
	var req routeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "malformed request body")
		return
	}

	suggestion, dossier, err := h.ai.Route(r.Context(), ai.RouteRequest{
		OrgID:         claims.OrgID,
		UserID:        claims.UserID(),
		Action:        req.Action,
		RawConfidence: req.Confidence,
		Content:       req.Content,
		ContactID:     req.ContactID,
		DealID:        req.DealID,
		MeetingID:     req.MeetingID,
		ContactEmail:  req.ContactEmail,
		Timezone:      req.Timezone,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"suggestion": suggestion,
		"dossier":    dossier,
	})
}

type feedbackRequest struct {
	SuggestionID      uuid.UUID            `json:"suggestion_id"`
	Action            model.FeedbackAction `json:"action"`
	OriginalContent   *string              `json:"original_content,omitempty"`
	EditedContent     *string              `json:"edited_content,omitempty"`
	DecisionLatencyMS int64                `json:"decision_latency_ms,omitempty"`
}

// handleAIFeedback records one user action on a suggestion.
func (h *Handlers) handleAIFeedback(w http.ResponseWriter, r *http.Request) {
	claims := ctxutil.ClaimsFromContext(r.Context())
	if claims == nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "no claims in context")
		return
	}
	var req feedbackRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "malformed request body")
		return
	}
	if req.SuggestionID == uuid.Nil {
		writeDomainError(w, r, &model.ValidationError{Field: "suggestion_id", Reason: "required"})
		return
	}

	feedback, err := h.ai.RecordFeedback(r.Context(), ai.FeedbackInput{
		OrgID:           claims.OrgID,
		UserID:          claims.UserID(),
		SuggestionID:    req.SuggestionID,
		Action:          req.Action,
		OriginalContent: req.OriginalContent,
		EditedContent:   req.EditedContent,
		DecisionLatency: time.Duration(req.DecisionLatencyMS) * time.Millisecond,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, feedback)
}

type outcomeRequest struct {
	FeedbackID uuid.UUID `json:"feedback_id"`
	Positive   bool      `json:"positive"`
	Kind       string    `json:"kind"`
}

// handleAIOutcome closes the loop on a feedback row. Repeats get 409.
func (h *Handlers) handleAIOutcome(w http.ResponseWriter, r *http.Request) {
	claims := ctxutil.ClaimsFromContext(r.Context())
	if claims == nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "no claims in context")
		return
	}
	var req outcomeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "malformed request body")
		return
	}
	if req.FeedbackID == uuid.Nil {
		writeDomainError(w, r, &model.ValidationError{Field: "feedback_id", Reason: "required"})
		return
	}

	if err := h.ai.RecordOutcome(r.Context(), claims.OrgID, req.FeedbackID, req.Positive, req.Kind); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "recorded"})
}

// handleGetPreferences returns the caller's AI preferences, learned and
// explicit.
func (h *Handlers) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	claims := ctxutil.ClaimsFromContext(r.Context())
	if claims == nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "no claims in context")
		return
	}

	prefs, err := h.store.GetUserAIPreferences(r.Context(), claims.OrgID, claims.UserID())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, prefs)
}

type preferencesPatch struct {
	AutoApproveThreshold  *int                         `json:"auto_approve_threshold,omitempty"`
	AlwaysHITLActions     *[]model.ActionKind          `json:"always_hitl_actions,omitempty"`
	NeverAutoSend         *bool                        `json:"never_auto_send,omitempty"`
	NotificationFrequency *model.NotificationFrequency `json:"notification_frequency,omitempty"`
	PreferredChannels     *[]string                    `json:"preferred_channels,omitempty"`
}

// handleUpdatePreferences patches the caller's explicit settings. Learned
// style and feedback counters are not writable here; only the feedback loop
// moves them.
func (h *Handlers) handleUpdatePreferences(w http.ResponseWriter, r *http.Request) {
	claims := ctxutil.ClaimsFromContext(r.Context())
	if claims == nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "no claims in context")
		return
	}
	var patch preferencesPatch
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "malformed request body")
		return
	}
	if patch.AutoApproveThreshold != nil && (*patch.AutoApproveThreshold < 0 || *patch.AutoApproveThreshold > 100) {
		writeDomainError(w, r, &model.ValidationError{Field: "auto_approve_threshold", Reason: "must be in 0..100"})
		return
	}
	if patch.AlwaysHITLActions != nil {
		for _, a := range *patch.AlwaysHITLActions {
			if !a.Valid() {
				writeDomainError(w, r, &model.ValidationError{Field: "always_hitl_actions", Reason: "unknown action kind"})
				return
			}
		}
	}

	prefs, err := h.store.GetUserAIPreferences(r.Context(), claims.OrgID, claims.UserID())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if patch.AutoApproveThreshold != nil {
		prefs.AutoApproveThreshold = *patch.AutoApproveThreshold
	}
	if patch.AlwaysHITLActions != nil {
		prefs.AlwaysHITLActions = *patch.AlwaysHITLActions
	}
	if patch.NeverAutoSend != nil {
		prefs.NeverAutoSend = *patch.NeverAutoSend
	}
	if patch.NotificationFrequency != nil {
		prefs.NotificationFrequency = *patch.NotificationFrequency
	}
	if patch.PreferredChannels != nil {
		prefs.PreferredChannels = *patch.PreferredChannels
	}
	prefs.UpdatedAt = h.clock.Now()

	if err := h.store.UpsertUserAIPreferences(r.Context(), prefs); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, prefs)
}
