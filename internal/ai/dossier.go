package ai

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/tsunagi-ai/tsunagi/internal/model"
	"github.com/tsunagi-ai/tsunagi/internal/storage"
)

// UrgencyLevel buckets how soon the suggested action matters.
type UrgencyLevel string

const (
	UrgencyImmediate UrgencyLevel = "immediate"
	UrgencyToday     UrgencyLevel = "today"
	UrgencyThisWeek  UrgencyLevel = "this_week"
	UrgencyFlexible  UrgencyLevel = "flexible"
)

// Scope names the dossier sections a caller needs. Context quality is scored
// only over requested sections.
type Scope struct {
	Contact        bool
	Deal           bool
	Meeting        bool
	EmailHistory   bool
	MeetingHistory bool
	Preferences    bool
}

// ScopeFull requests everything.
var ScopeFull = Scope{Contact: true, Deal: true, Meeting: true, EmailHistory: true, MeetingHistory: true, Preferences: true}

// DossierRequest identifies the subject and the context to gather.
type DossierRequest struct {
	OrgID  uuid.UUID
	UserID uuid.UUID

	ContactID *uuid.UUID
	DealID    *uuid.UUID
	MeetingID *uuid.UUID
	// ContactEmail triggers a composite lookup when no ContactID is known.
	ContactEmail string

	Scope    Scope
	Timezone string
	HistoryN int
}

// Dossier is the assembled context a suggestion is routed against. Retrieval
// is internal-store-first; remote directories only fill a missing contact.
type Dossier struct {
	OrgID  uuid.UUID `json:"org_id"`
	UserID uuid.UUID `json:"user_id"`

	Contact        *model.Contact  `json:"contact,omitempty"`
	Deal           *model.Deal     `json:"deal,omitempty"`
	Meeting        *model.Meeting  `json:"meeting,omitempty"`
	RecentEmails   []model.Email   `json:"recent_emails,omitempty"`
	RecentMeetings []model.Meeting `json:"recent_meetings,omitempty"`

	UserPrefs model.UserAIPreferences `json:"user_preferences"`
	OrgPrefs  model.OrgAIPreferences  `json:"org_preferences"`

	Now           time.Time    `json:"now"`
	Timezone      string       `json:"timezone"`
	BusinessHours bool         `json:"business_hours"`
	Urgency       UrgencyLevel `json:"urgency_level"`

	ContextQuality int `json:"context_quality"`
}

// Section importance weights for context quality. A contact matters more to a
// draft than a meeting transcript does.
const (
	weightContact        = 30
	weightDeal           = 20
	weightMeeting        = 10
	weightEmailHistory   = 20
	weightMeetingHistory = 10
	weightPreferences    = 10
)

// AssembleDossier gathers every requested section from the internal store and
// scores completeness. Missing sections degrade quality, they never fail the
// assembly; only infrastructure errors do.
func (s *Service) AssembleDossier(ctx context.Context, req DossierRequest) (Dossier, error) {
	now := s.clock.Now()
	d := Dossier{
		OrgID:    req.OrgID,
		UserID:   req.UserID,
		Now:      now,
		Timezone: req.Timezone,
	}
	if d.Timezone == "" {
		d.Timezone = "UTC"
	}
	if req.HistoryN <= 0 {
		req.HistoryN = 10
	}

	requested, resolved := 0, 0
	score := func(weight int, ok bool) {
		requested += weight
		if ok {
			resolved += weight
		}
	}

	if req.Scope.Contact {
		contact, err := s.lookupContact(ctx, req)
		if err != nil {
			return Dossier{}, err
		}
		d.Contact = contact
		score(weightContact, contact != nil)
	}
	if req.Scope.Deal {
		if req.DealID != nil {
			deal, err := s.store.GetDeal(ctx, req.OrgID, *req.DealID)
			switch {
			case err == nil:
				d.Deal = &deal
			case !errors.Is(err, storage.ErrNotFound):
				return Dossier{}, err
			}
		}
		score(weightDeal, d.Deal != nil)
	}
	if req.Scope.Meeting {
		if req.MeetingID != nil {
			meeting, err := s.store.GetMeeting(ctx, req.OrgID, *req.MeetingID)
			switch {
			case err == nil:
				d.Meeting = &meeting
			case !errors.Is(err, storage.ErrNotFound):
				return Dossier{}, err
			}
		}
		score(weightMeeting, d.Meeting != nil)
	}
	if req.Scope.EmailHistory {
		if d.Contact != nil {
			emails, err := s.store.ListRecentEmailsByContact(ctx, req.OrgID, d.Contact.ID, req.HistoryN)
			if err != nil {
				return Dossier{}, err
			}
			d.RecentEmails = emails
		}
		score(weightEmailHistory, len(d.RecentEmails) > 0)
	}
	if req.Scope.MeetingHistory {
		if d.Contact != nil {
			meetings, err := s.store.ListRecentMeetingsByContact(ctx, req.OrgID, d.Contact.ID, req.HistoryN)
			if err != nil {
				return Dossier{}, err
			}
			d.RecentMeetings = meetings
		}
		score(weightMeetingHistory, len(d.RecentMeetings) > 0)
	}

	userPrefs, err := s.store.GetUserAIPreferences(ctx, req.OrgID, req.UserID)
	if err != nil {
		return Dossier{}, err
	}
	orgPrefs, err := s.store.GetOrgAIPreferences(ctx, req.OrgID)
	if err != nil {
		return Dossier{}, err
	}
	d.UserPrefs = userPrefs
	d.OrgPrefs = orgPrefs
	if req.Scope.Preferences {
		score(weightPreferences, userPrefs.TotalSuggestions > 0)
	}

	if requested > 0 {
		d.ContextQuality = int(math.Round(100 * float64(resolved) / float64(requested)))
	}
	d.BusinessHours = businessHours(now, d.Timezone)
	d.Urgency = urgencyFrom(now, d.RecentEmails, d.Meeting)
	return d, nil
}

func businessHours(now time.Time, tz string) bool {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	return local.Hour() >= 9 && local.Hour() < 17
}

// urgencyFrom grades urgency by the freshest inbound signal: a reply in the
// last day demands immediate attention, activity decays to flexible past a
// week.
func urgencyFrom(now time.Time, emails []model.Email, meeting *model.Meeting) UrgencyLevel {
	var latest time.Time
	for _, e := range emails {
		if e.Direction != nil && *e.Direction == "inbound" && e.SentAt != nil && e.SentAt.After(latest) {
			latest = *e.SentAt
		}
	}
	if meeting != nil && meeting.OccurredAt != nil && meeting.OccurredAt.After(latest) {
		latest = *meeting.OccurredAt
	}
	if latest.IsZero() {
		return UrgencyFlexible
	}
	switch age := now.Sub(latest); {
	case age <= 4*time.Hour:
		return UrgencyImmediate
	case age <= 24*time.Hour:
		return UrgencyToday
	case age <= 7*24*time.Hour:
		return UrgencyThisWeek
	}
	return UrgencyFlexible
}
