package integration

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/tsunagi-ai/tsunagi/internal/model"
)

// FathomConfig configures the Fathom meeting-recorder adapter.
type FathomConfig struct {
	WebhookSecret string
	ReplayWindow  time.Duration
	InsecureSkip  bool
}

// NewFathomAdapter builds the Fathom adapter. Fathom pushes one meeting per
// webhook; there is no OAuth refresh (long-lived API keys), so Refresher is
// absent.
func NewFathomAdapter(cfg FathomConfig) Adapter {
	return Adapter{
		Kind: model.IntegrationFathom,
		Verifier: hmacVerifier{
			secret:          cfg.WebhookSecret,
			signatureHeader: "X-Fathom-Signature",
			timestampHeader: "X-Fathom-Timestamp",
			prefix:          "v0=",
			replayWindow:    cfg.ReplayWindow,
			insecureSkip:    cfg.InsecureSkip,
		},
		Decoder: fathomDecoder{},
	}
}

// fathomPayload is the subset of the Fathom webhook body we act on.
type fathomPayload struct {
	ID          string `json:"id"`
	RecordingID string `json:"recording_id"`
	Title       string `json:"title"`
	RecordedBy  struct {
		Email string `json:"email"`
		Team  string `json:"team"`
	} `json:"recorded_by"`
	Summary      string    `json:"transcript_summary"`
	Topics       []string  `json:"topics"`
	Participants []string  `json:"participants"`
	CreatedAt    time.Time `json:"created_at"`
}

type fathomDecoder struct{}

func (fathomDecoder) Decode(body []byte, _ http.Header) ([]model.InboundEvent, error) {
	var p fathomPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, &model.PermanentError{Reason: "malformed fathom payload", Err: err}
	}
	if p.RecordingID == "" {
		return nil, &model.PermanentError{Reason: "fathom payload missing recording_id"}
	}

	occurred := p.CreatedAt
	ev := model.InboundEvent{
		ExternalSystem:   model.IntegrationFathom,
		ExternalEventID:  p.ID,
		Kind:             model.EventCreate,
		EntityKind:       model.EntityMeeting,
		ExternalEntityID: p.RecordingID,
		Fields: map[string]any{
			"title":        p.Title,
			"recording_id": p.RecordingID,
			"summary":      p.Summary,
			"topics":       p.Topics,
			"participants": p.Participants,
		},
		Payload: json.RawMessage(body),
	}
	if !occurred.IsZero() {
		ev.ExternalOccurredAt = &occurred
		ev.ExternalLastModified = &occurred
	}
	if ev.ExternalEventID == "" {
		// Fathom omits an event id on some webhook versions; the payload
		// hash is stable for a given delivery.
		ev.ExternalEventID = fmt.Sprintf("recording:%s:%s", p.RecordingID, ev.PayloadHash()[:16])
	}
	return []model.InboundEvent{ev}, nil
}

func (fathomDecoder) TenantHint(body []byte, _ http.Header) string {
	var p fathomPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return ""
	}
	if p.RecordedBy.Team != "" {
		return p.RecordedBy.Team
	}
	return p.RecordedBy.Email
}
