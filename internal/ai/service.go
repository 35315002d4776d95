// Package ai routes drafted suggestions, records user feedback on them, and
// learns per-user style preferences from edit behavior.
package ai

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/tsunagi-ai/tsunagi/internal/clock"
	"github.com/tsunagi-ai/tsunagi/internal/model"
	"github.com/tsunagi-ai/tsunagi/internal/telemetry"
)

// Store is the persistence surface the recommendation pipeline needs.
type Store interface {
	GetContact(ctx context.Context, orgID, id uuid.UUID) (model.Contact, error)
	GetDeal(ctx context.Context, orgID, id uuid.UUID) (model.Deal, error)
	GetMeeting(ctx context.Context, orgID, id uuid.UUID) (model.Meeting, error)
	FindContactByEmail(ctx context.Context, orgID uuid.UUID, email string) (model.Contact, error)
	ListRecentEmailsByContact(ctx context.Context, orgID, contactID uuid.UUID, limit int) ([]model.Email, error)
	ListRecentMeetingsByContact(ctx context.Context, orgID, contactID uuid.UUID, limit int) ([]model.Meeting, error)

	GetUserAIPreferences(ctx context.Context, orgID, userID uuid.UUID) (model.UserAIPreferences, error)
	UpsertUserAIPreferences(ctx context.Context, p model.UserAIPreferences) error
	GetOrgAIPreferences(ctx context.Context, orgID uuid.UUID) (model.OrgAIPreferences, error)

	InsertSuggestion(ctx context.Context, s model.Suggestion) (model.Suggestion, error)
	GetSuggestion(ctx context.Context, orgID, id uuid.UUID) (model.Suggestion, error)
	InsertFeedback(ctx context.Context, f model.Feedback) (model.Feedback, error)
	SetFeedbackOutcome(ctx context.Context, orgID, id uuid.UUID, positive bool, kind string) error
}

// Notifier delivers a human-review request for a routed suggestion.
type Notifier interface {
	NotifyReview(ctx context.Context, d Dossier, s model.Suggestion) error
}

// Service is the AI recommendation pipeline.
type Service struct {
	store       Store
	directories []Directory
	notifier    Notifier
	clock       clock.Clock
	logger      *slog.Logger

	routeCount metric.Int64Counter
}

// New builds the pipeline. directories and notifier are optional.
func New(store Store, directories []Directory, notifier Notifier, clk clock.Clock, logger *slog.Logger) *Service {
	if clk == nil {
		clk = clock.System{}
	}
	meter := telemetry.Meter("tsunagi/ai")
	routes, _ := meter.Int64Counter("tsunagi.ai.route_count",
		metric.WithDescription("Routed suggestions by action and destination"),
	)
	return &Service{
		store:       store,
		directories: directories,
		notifier:    notifier,
		clock:       clk,
		logger:      logger.With("component", "ai"),
		routeCount:  routes,
	}
}

// RouteRequest carries one drafted suggestion through dossier assembly and
// routing. Generation itself happens upstream; this decides what to do with
// the draft.
type RouteRequest struct {
	OrgID  uuid.UUID
	UserID uuid.UUID

	Action        model.ActionKind
	RawConfidence int
	Content       string

	ContactID    *uuid.UUID
	DealID       *uuid.UUID
	MeetingID    *uuid.UUID
	ContactEmail string
	Timezone     string
}

// Route assembles the dossier, applies the routing table, persists the
// suggestion, and notifies a reviewer when the route needs one.
func (s *Service) Route(ctx context.Context, req RouteRequest) (model.Suggestion, Dossier, error) {
	if !req.Action.Valid() {
		return model.Suggestion{}, Dossier{}, &model.ValidationError{Field: "action_kind", Reason: fmt.Sprintf("unknown action %q", req.Action)}
	}
	if req.RawConfidence < 0 || req.RawConfidence > 100 {
		return model.Suggestion{}, Dossier{}, &model.ValidationError{Field: "confidence", Reason: "must be in 0..100"}
	}

	dossier, err := s.AssembleDossier(ctx, DossierRequest{
		OrgID:        req.OrgID,
		UserID:       req.UserID,
		ContactID:    req.ContactID,
		DealID:       req.DealID,
		MeetingID:    req.MeetingID,
		ContactEmail: req.ContactEmail,
		Scope:        ScopeFull,
		Timezone:     req.Timezone,
	})
	if err != nil {
		return model.Suggestion{}, Dossier{}, fmt.Errorf("ai: assemble dossier: %w", err)
	}

	decision := RouteSuggestion(req.Action, req.RawConfidence, dossier.ContextQuality, dossier.UserPrefs, dossier.OrgPrefs)
	suggestion := model.Suggestion{
		ID:                  uuid.New(),
		OrgID:               req.OrgID,
		UserID:              req.UserID,
		Action:              req.Action,
		Confidence:          req.RawConfidence,
		ContextQuality:      dossier.ContextQuality,
		Level:               decision.Level,
		Routing:             decision.Route,
		Content:             req.Content,
		ClarifyingQuestions: decision.ClarifyingQuestions,
		ContactID:           req.ContactID,
		DealID:              req.DealID,
		MeetingID:           req.MeetingID,
		GeneratedAt:         s.clock.Now(),
	}
	stored, err := s.store.InsertSuggestion(ctx, suggestion)
	if err != nil {
		return model.Suggestion{}, Dossier{}, fmt.Errorf("ai: insert suggestion: %w", err)
	}

	s.logger.Info("suggestion routed",
		"org_id", req.OrgID,
		"action", req.Action,
		"confidence", req.RawConfidence,
		"effective_confidence", decision.EffectiveConfidence,
		"context_quality", dossier.ContextQuality,
		"route", decision.Route,
	)
	s.routeCount.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", string(req.Action)),
		attribute.String("route", string(decision.Route)),
	))

	if s.notifier != nil && (decision.Route == model.RouteHITLApprove || decision.Route == model.RouteHITLEdit) {
		if err := s.notifier.NotifyReview(ctx, dossier, stored); err != nil {
			// Review still happens through the normal surface; a lost ping is
			// not worth failing the route.
			s.logger.Warn("review notification failed", "suggestion_id", stored.ID, "error", err)
		}
	}
	return stored, dossier, nil
}

// FeedbackInput is one user action on a suggestion.
type FeedbackInput struct {
	OrgID        uuid.UUID
	UserID       uuid.UUID
	SuggestionID uuid.UUID

	Action          model.FeedbackAction
	OriginalContent *string
	EditedContent   *string
	DecisionLatency time.Duration
}

// RecordFeedback persists an immutable feedback row, computes the edit delta
// for edits, and folds the action into the user's learned preferences.
func (s *Service) RecordFeedback(ctx context.Context, in FeedbackInput) (model.Feedback, error) {
	if !in.Action.Valid() {
		return model.Feedback{}, &model.ValidationError{Field: "action", Reason: fmt.Sprintf("unknown action %q", in.Action)}
	}

	suggestion, err := s.store.GetSuggestion(ctx, in.OrgID, in.SuggestionID)
	if err != nil {
		return model.Feedback{}, fmt.Errorf("ai: load suggestion: %w", err)
	}

	f := model.Feedback{
		ID:              uuid.New(),
		OrgID:           in.OrgID,
		UserID:          in.UserID,
		SuggestionID:    in.SuggestionID,
		Action:          in.Action,
		Confidence:      suggestion.Confidence,
		ContextQuality:  suggestion.ContextQuality,
		OriginalContent: in.OriginalContent,
		EditedContent:   in.EditedContent,
		DecisionLatency: in.DecisionLatency,
		CreatedAt:       s.clock.Now(),
	}
	if in.Action == model.FeedbackEdited && in.OriginalContent != nil && in.EditedContent != nil {
		delta := ExtractEditDelta(*in.OriginalContent, *in.EditedContent)
		f.Delta = &delta
	}

	stored, err := s.store.InsertFeedback(ctx, f)
	if err != nil {
		return model.Feedback{}, fmt.Errorf("ai: insert feedback: %w", err)
	}

	prefs, err := s.store.GetUserAIPreferences(ctx, in.OrgID, in.UserID)
	if err != nil {
		return model.Feedback{}, fmt.Errorf("ai: load preferences: %w", err)
	}
	prefs = ApplyFeedback(prefs, in.Action, f.Delta)
	if err := s.store.UpsertUserAIPreferences(ctx, prefs); err != nil {
		return model.Feedback{}, fmt.Errorf("ai: update preferences: %w", err)
	}

	s.logger.Info("feedback recorded",
		"org_id", in.OrgID,
		"suggestion_id", in.SuggestionID,
		"action", in.Action,
		"approval_rate", prefs.ApprovalRate,
	)
	return stored, nil
}

// RecordOutcome closes the loop on a feedback row. Setting is monotonic: the
// first write wins and repeats surface storage.ErrOutcomeAlreadySet.
func (s *Service) RecordOutcome(ctx context.Context, orgID, feedbackID uuid.UUID, positive bool, kind string) error {
	if kind == "" {
		return &model.ValidationError{Field: "kind", Reason: "outcome kind required"}
	}
	if err := s.store.SetFeedbackOutcome(ctx, orgID, feedbackID, positive, kind); err != nil {
		return fmt.Errorf("ai: record outcome: %w", err)
	}
	s.logger.Info("outcome recorded", "org_id", orgID, "feedback_id", feedbackID, "positive", positive, "kind", kind)
	return nil
}

// ApplyFeedback folds one feedback action into the user's counters, rates,
// and learned style. A "same" signal never overwrites a learned preference.
func ApplyFeedback(p model.UserAIPreferences, action model.FeedbackAction, delta *model.EditDelta) model.UserAIPreferences {
	p.TotalSuggestions++
	switch action {
	case model.FeedbackApproved:
		p.Approvals++
	case model.FeedbackEdited:
		p.Edits++
	case model.FeedbackRejected:
		p.Rejections++
	}
	total := float64(p.TotalSuggestions)
	p.ApprovalRate = float64(p.Approvals) / total
	p.EditRate = float64(p.Edits) / total
	p.RejectionRate = float64(p.Rejections) / total

	if delta == nil {
		return p
	}
	switch delta.ToneShift {
	case model.ToneMoreFormal:
		p.PreferredTone = tonePtr(model.ToneFormal)
	case model.ToneMoreCasual:
		p.PreferredTone = tonePtr(model.ToneCasual)
	}
	switch delta.LengthChange {
	case model.LengthShorter:
		p.PreferredLength = lengthPtr(model.LengthConcise)
	case model.LengthLonger:
		p.PreferredLength = lengthPtr(model.LengthDetailed)
	}
	if delta.AddedCTA {
		p.PrefersCTAs = boolPtr(true)
	}
	if delta.RemovedCTA {
		p.PrefersCTAs = boolPtr(false)
	}
	if delta.AddedBulletPoints {
		p.PrefersBullets = boolPtr(true)
	}
	return p
}

func tonePtr(t model.Tone) *model.Tone       { return &t }
func lengthPtr(l model.Length) *model.Length { return &l }
func boolPtr(b bool) *bool                   { return &b }
