package integration

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/slack-go/slack"

	"github.com/tsunagi-ai/tsunagi/internal/model"
)

// SlackConfig configures the Slack adapter.
type SlackConfig struct {
	SigningSecret string
	InsecureSkip  bool
}

// NewSlackAdapter builds the Slack adapter. Slack bot tokens do not expire,
// so there is no Refresher; the adapter exists for webhook verification and
// tenant resolution of event callbacks.
func NewSlackAdapter(cfg SlackConfig) Adapter {
	return Adapter{
		Kind:     model.IntegrationSlack,
		Verifier: slackVerifier{secret: cfg.SigningSecret, insecureSkip: cfg.InsecureSkip},
		Decoder:  slackDecoder{},
	}
}

// slackVerifier wraps slack-go's SecretsVerifier, which implements Slack's
// v0 signing scheme including the timestamp replay check.
type slackVerifier struct {
	secret       string
	insecureSkip bool
}

func (v slackVerifier) Verify(headers http.Header, body []byte, _ time.Time) error {
	if v.insecureSkip {
		return nil
	}
	if v.secret == "" {
		return &model.PermanentError{Reason: "slack signing secret not configured"}
	}
	sv, err := slack.NewSecretsVerifier(headers, v.secret)
	if err != nil {
		return &model.PermanentError{Reason: "slack signature headers invalid", Err: err}
	}
	if _, err := sv.Write(body); err != nil {
		return &model.PermanentError{Reason: "slack signature compute failed", Err: err}
	}
	if err := sv.Ensure(); err != nil {
		return &model.PermanentError{Reason: "slack signature mismatch", Err: err}
	}
	return nil
}

// slackEnvelope is the outer event-callback wrapper.
type slackEnvelope struct {
	Type      string `json:"type"`
	TeamID    string `json:"team_id"`
	EventID   string `json:"event_id"`
	Challenge string `json:"challenge"`
}

// SlackChallenge extracts the url_verification challenge, if this body is
// one. Empty string means it is a regular event callback.
func SlackChallenge(body []byte) string {
	var e slackEnvelope
	if err := json.Unmarshal(body, &e); err != nil {
		return ""
	}
	if e.Type == "url_verification" {
		return e.Challenge
	}
	return ""
}

type slackDecoder struct{}

// Decode yields no entity events: Slack traffic drives the HITL review flow,
// not entity reconciliation. Interaction payloads are handled at the server
// layer.
func (slackDecoder) Decode(_ []byte, _ http.Header) ([]model.InboundEvent, error) {
	return nil, nil
}

func (slackDecoder) TenantHint(body []byte, _ http.Header) string {
	var e slackEnvelope
	if err := json.Unmarshal(body, &e); err != nil {
		return ""
	}
	return e.TeamID
}
