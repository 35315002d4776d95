package integration

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/tsunagi-ai/tsunagi/internal/model"
)

// HubSpotConfig configures the HubSpot CRM adapter.
type HubSpotConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	OAuthTimeout time.Duration
	InsecureSkip bool
}

var hubspotEndpoint = oauth2.Endpoint{
	AuthURL:  "https://app.hubspot.com/oauth/authorize",
	TokenURL: "https://api.hubapi.com/oauth/v1/token",
}

// HubSpotScopes are the scopes requested at connect time.
var HubSpotScopes = []string{"crm.objects.contacts.read", "crm.objects.companies.read", "crm.objects.deals.read"}

// NewHubSpotAdapter builds the HubSpot adapter. HubSpot rotates the refresh
// token on every exchange.
func NewHubSpotAdapter(cfg HubSpotConfig) Adapter {
	return Adapter{
		Kind: model.IntegrationHubSpot,
		Refresher: oauthRefresher{
			cfg: oauth2.Config{
				ClientID:     cfg.ClientID,
				ClientSecret: cfg.ClientSecret,
				Endpoint:     hubspotEndpoint,
				RedirectURL:  cfg.RedirectURL,
				Scopes:       HubSpotScopes,
			},
			timeout: cfg.OAuthTimeout,
		},
		Verifier:   hubspotVerifier{clientSecret: cfg.ClientSecret, insecureSkip: cfg.InsecureSkip},
		Decoder:    hubspotDecoder{},
		Translator: hubspotTranslator,
	}
}

// hubspotVerifier implements HubSpot's v1 webhook signature: the hex SHA-256
// of the app client secret concatenated with the raw body, presented in
// X-HubSpot-Signature. The v1 scheme carries no timestamp.
type hubspotVerifier struct {
	clientSecret string
	insecureSkip bool
}

func (v hubspotVerifier) Verify(headers http.Header, body []byte, _ time.Time) error {
	if v.insecureSkip {
		return nil
	}
	if v.clientSecret == "" {
		return &model.PermanentError{Reason: "hubspot client secret not configured"}
	}
	if ver := headers.Get("X-HubSpot-Signature-Version"); ver != "" && ver != "v1" {
		return &model.PermanentError{Reason: fmt.Sprintf("unsupported hubspot signature version %q", ver)}
	}
	presented := headers.Get("X-HubSpot-Signature")
	if presented == "" {
		return &model.PermanentError{Reason: "missing X-HubSpot-Signature header"}
	}

	sum := sha256.New()
	sum.Write([]byte(v.clientSecret))
	sum.Write(body)
	expected := hex.EncodeToString(sum.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(presented)) {
		return &model.PermanentError{Reason: "hubspot signature mismatch"}
	}
	return nil
}

// HubSpotOAuthConfig exposes the oauth2 config for the connect/callback dance.
func HubSpotOAuthConfig(cfg HubSpotConfig) oauth2.Config {
	return oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     hubspotEndpoint,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       HubSpotScopes,
	}
}

// hubspotTranslator maps HubSpot deal pipeline stages to the internal stage
// vocabulary. Unknown stages pass through as "open".
var hubspotTranslator = fallbackTranslator{
	pairs: [][2]string{
		{"appointmentscheduled", "qualifying"},
		{"qualifiedtobuy", "qualifying"},
		{"presentationscheduled", "proposal"},
		{"decisionmakerboughtin", "negotiation"},
		{"contractsent", "negotiation"},
		{"closedwon", "won"},
		{"closedlost", "lost"},
	},
	fallback: "open",
}

// hubspotEvent is one entry of the webhook subscription batch HubSpot posts.
type hubspotEvent struct {
	EventID          int64  `json:"eventId"`
	SubscriptionType string `json:"subscriptionType"`
	ObjectID         int64  `json:"objectId"`
	PortalID         int64  `json:"portalId"`
	OccurredAt       int64  `json:"occurredAt"` // epoch millis
	PropertyName     string `json:"propertyName"`
	PropertyValue    string `json:"propertyValue"`
}

type hubspotDecoder struct{}

func (hubspotDecoder) Decode(body []byte, _ http.Header) ([]model.InboundEvent, error) {
	var batch []hubspotEvent
	if err := json.Unmarshal(body, &batch); err != nil {
		return nil, &model.PermanentError{Reason: "malformed hubspot batch", Err: err}
	}

	events := make([]model.InboundEvent, 0, len(batch))
	for _, h := range batch {
		entity, kind, ok := hubspotSubscription(h.SubscriptionType)
		if !ok {
			continue
		}
		raw, _ := json.Marshal(h)
		ev := model.InboundEvent{
			ExternalSystem:   model.IntegrationHubSpot,
			ExternalEventID:  strconv.FormatInt(h.EventID, 10),
			Kind:             kind,
			EntityKind:       entity,
			ExternalEntityID: strconv.FormatInt(h.ObjectID, 10),
			Payload:          raw,
		}
		if h.OccurredAt > 0 {
			t := time.UnixMilli(h.OccurredAt).UTC()
			ev.ExternalOccurredAt = &t
			ev.ExternalLastModified = &t
		}
		if h.PropertyName != "" {
			ev.Fields = map[string]any{h.PropertyName: h.PropertyValue}
			if entity == model.EntityDeal && h.PropertyName == "dealstage" {
				ev.Fields["stage"] = hubspotTranslator.TranslateStatus(h.PropertyValue)
				delete(ev.Fields, "dealstage")
			}
		}
		events = append(events, ev)
	}
	return events, nil
}

// hubspotSubscription splits "contact.propertyChange" style subscription
// types into an entity kind and an event kind.
func hubspotSubscription(sub string) (model.EntityKind, model.EventKind, bool) {
	obj, verb, ok := strings.Cut(sub, ".")
	if !ok {
		return "", "", false
	}
	var entity model.EntityKind
	switch obj {
	case "contact":
		entity = model.EntityContact
	case "company":
		entity = model.EntityCompany
	case "deal":
		entity = model.EntityDeal
	default:
		return "", "", false
	}
	switch verb {
	case "creation":
		return entity, model.EventCreate, true
	case "propertyChange":
		return entity, model.EventUpdate, true
	case "deletion", "privacyDeletion":
		return entity, model.EventDelete, true
	default:
		return "", "", false
	}
}

func (hubspotDecoder) TenantHint(body []byte, _ http.Header) string {
	var batch []hubspotEvent
	if err := json.Unmarshal(body, &batch); err != nil || len(batch) == 0 {
		return ""
	}
	return fmt.Sprintf("portal:%d", batch[0].PortalID)
}
