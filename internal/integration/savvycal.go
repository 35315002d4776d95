package integration

import (
	"encoding/json"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/tsunagi-ai/tsunagi/internal/model"
)

// SavvyCalConfig configures the SavvyCal scheduling adapter.
type SavvyCalConfig struct {
	ClientID      string
	ClientSecret  string
	RedirectURL   string
	WebhookSecret string
	ReplayWindow  time.Duration
	OAuthTimeout  time.Duration
	InsecureSkip  bool
}

var savvycalEndpoint = oauth2.Endpoint{
	AuthURL:  "https://savvycal.com/oauth/authorize",
	TokenURL: "https://api.savvycal.com/oauth/token",
}

// NewSavvyCalAdapter builds the SavvyCal adapter.
func NewSavvyCalAdapter(cfg SavvyCalConfig) Adapter {
	return Adapter{
		Kind: model.IntegrationSavvyCal,
		Refresher: oauthRefresher{
			cfg: oauth2.Config{
				ClientID:     cfg.ClientID,
				ClientSecret: cfg.ClientSecret,
				Endpoint:     savvycalEndpoint,
				RedirectURL:  cfg.RedirectURL,
			},
			timeout: cfg.OAuthTimeout,
		},
		Verifier: hmacVerifier{
			secret:          cfg.WebhookSecret,
			signatureHeader: "X-SavvyCal-Signature",
			timestampHeader: "X-SavvyCal-Timestamp",
			replayWindow:    cfg.ReplayWindow,
			insecureSkip:    cfg.InsecureSkip,
		},
		Decoder: savvycalDecoder{},
	}
}

// SavvyCalOAuthConfig exposes the oauth2 config for the connect/callback dance.
func SavvyCalOAuthConfig(cfg SavvyCalConfig) oauth2.Config {
	return oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     savvycalEndpoint,
		RedirectURL:  cfg.RedirectURL,
	}
}

// savvycalEnvelope is a SavvyCal booking webhook.
type savvycalEnvelope struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	OccurredAt string `json:"occurred_at"`
	Payload    struct {
		ID      string `json:"id"`
		Scope   string `json:"scope"`
		Summary string `json:"summary"`
		StartAt string `json:"start_at"`
		EndAt   string `json:"end_at"`
		Email   string `json:"email"`
	} `json:"payload"`
}

type savvycalDecoder struct{}

func (savvycalDecoder) Decode(body []byte, _ http.Header) ([]model.InboundEvent, error) {
	var e savvycalEnvelope
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, &model.PermanentError{Reason: "malformed savvycal payload", Err: err}
	}

	var kind model.EventKind
	switch e.Type {
	case "event.created":
		kind = model.EventCreate
	case "event.rescheduled":
		kind = model.EventUpdate
	case "event.canceled":
		kind = model.EventDelete
	default:
		return nil, nil
	}
	if e.Payload.ID == "" {
		return nil, &model.PermanentError{Reason: "savvycal payload missing event id"}
	}

	ev := model.InboundEvent{
		ExternalSystem:   model.IntegrationSavvyCal,
		ExternalEventID:  e.ID,
		Kind:             kind,
		EntityKind:       model.EntityMeeting,
		ExternalEntityID: e.Payload.ID,
		Fields: map[string]any{
			"title":           e.Payload.Summary,
			"scheduled_start": e.Payload.StartAt,
			"scheduled_end":   e.Payload.EndAt,
			"attendee_email":  e.Payload.Email,
		},
		Payload: json.RawMessage(body),
	}
	if t, err := time.Parse(time.RFC3339, e.OccurredAt); err == nil {
		t = t.UTC()
		ev.ExternalOccurredAt = &t
		ev.ExternalLastModified = &t
	}
	if ev.ExternalEventID == "" {
		ev.ExternalEventID = ev.PayloadHash()
	}
	return []model.InboundEvent{ev}, nil
}

func (savvycalDecoder) TenantHint(body []byte, _ http.Header) string {
	var e savvycalEnvelope
	if err := json.Unmarshal(body, &e); err != nil {
		return ""
	}
	return e.Payload.Scope
}
