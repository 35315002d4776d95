package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tsunagi-ai/tsunagi/internal/model"
)

// BullhornConfig configures the Bullhorn ATS adapter.
type BullhornConfig struct {
	ClientID     string
	ClientSecret string
	OAuthTimeout time.Duration

	// WebhookSecret signs pushed event batches. Bullhorn itself only exposes
	// polled event subscriptions, so pushes arrive through relay middleware
	// that signs with this shared secret.
	WebhookSecret string
	ReplayWindow  time.Duration
	InsecureSkip  bool

	// TokenURL and LoginURL default to the Bullhorn production cluster;
	// overridable for tests.
	TokenURL string
	LoginURL string

	HTTPClient *http.Client
}

const (
	bullhornDefaultTokenURL = "https://auth.bullhornstaffing.com/oauth/token"
	bullhornDefaultLoginURL = "https://rest.bullhornstaffing.com/rest-services/login"
)

// NewBullhornAdapter builds the Bullhorn adapter. Bullhorn is the two-step
// handshake case: the OAuth exchange yields an access token, which must then
// be traded at the login endpoint for a BhRestToken session secret and a
// tenant-specific REST base URL. Refresh tokens are single-use, so proactive
// passes refresh unconditionally.
func NewBullhornAdapter(cfg BullhornConfig) Adapter {
	if cfg.TokenURL == "" {
		cfg.TokenURL = bullhornDefaultTokenURL
	}
	if cfg.LoginURL == "" {
		cfg.LoginURL = bullhornDefaultLoginURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.OAuthTimeout}
	}
	return Adapter{
		Kind:      model.IntegrationBullhorn,
		Refresher: bullhornRefresher{cfg: cfg},
		Verifier: hmacVerifier{
			secret:          cfg.WebhookSecret,
			signatureHeader: "X-Webhook-Signature",
			timestampHeader: "X-Webhook-Timestamp",
			replayWindow:    cfg.ReplayWindow,
			insecureSkip:    cfg.InsecureSkip,
		},
		Decoder:    bullhornDecoder{},
		Translator: bullhornTranslator,
	}
}

// bullhornTranslator maps Bullhorn placement/job statuses to the internal
// deal stage vocabulary.
var bullhornTranslator = fallbackTranslator{
	pairs: [][2]string{
		{"Submitted", "qualifying"},
		{"Interviewing", "proposal"},
		{"Offer Extended", "negotiation"},
		{"Placed", "won"},
		{"Approved", "won"},
		{"Terminated", "lost"},
		{"Fall Off", "lost"},
	},
	fallback: "open",
}

type bullhornRefresher struct {
	cfg BullhornConfig
}

func (bullhornRefresher) RefreshDecays() bool { return true }

func (r bullhornRefresher) Refresh(ctx context.Context, cred model.IntegrationCredential) (RefreshResult, error) {
	if cred.RefreshSecret == nil || *cred.RefreshSecret == "" {
		return RefreshResult{}, &model.PermanentError{Reason: "no refresh token stored"}
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.OAuthTimeout)
	defer cancel()

	// Step 1: standard refresh grant against the auth cluster.
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {*cred.RefreshSecret},
		"client_id":     {r.cfg.ClientID},
		"client_secret": {r.cfg.ClientSecret},
	}
	var tok struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := r.postForm(ctx, r.cfg.TokenURL, form, &tok); err != nil {
		return RefreshResult{}, err
	}

	// Step 2: trade the access token for a REST session. The login response
	// names the tenant's REST cluster; all subsequent API calls go there.
	var login struct {
		BhRestToken string `json:"BhRestToken"`
		RestURL     string `json:"restUrl"`
	}
	loginURL := fmt.Sprintf("%s?version=%s&access_token=%s", r.cfg.LoginURL, "2.0", url.QueryEscape(tok.AccessToken))
	if err := r.postForm(ctx, loginURL, nil, &login); err != nil {
		return RefreshResult{}, err
	}
	if login.BhRestToken == "" || login.RestURL == "" {
		return RefreshResult{}, &model.TransientError{Reason: "bullhorn login returned empty session"}
	}

	res := RefreshResult{
		AccessSecret: tok.AccessToken,
		ExpiresIn:    time.Duration(tok.ExpiresIn) * time.Second,
		SessionToken: &login.BhRestToken,
		EndpointHint: &login.RestURL,
	}
	if tok.RefreshToken != "" {
		rotated := tok.RefreshToken
		res.RefreshSecret = &rotated
	}
	return res, nil
}

func (r bullhornRefresher) postForm(ctx context.Context, endpoint string, form url.Values, out any) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return &model.PermanentError{Reason: "build bullhorn request", Err: err}
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := r.cfg.HTTPClient.Do(req)
	if err != nil {
		return &model.TransientError{Reason: "bullhorn endpoint unreachable", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &model.TransientError{Reason: "read bullhorn response", Err: err}
	}
	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == 400 || resp.StatusCode == 401:
		if strings.Contains(strings.ToLower(string(raw)), "invalid_grant") {
			return &model.PermanentError{Reason: "refresh grant revoked or expired"}
		}
		return &model.PermanentError{Reason: fmt.Sprintf("bullhorn rejected request (%d)", resp.StatusCode)}
	case resp.StatusCode == 429 || resp.StatusCode >= 500:
		return &model.TransientError{Reason: fmt.Sprintf("bullhorn unavailable (%d)", resp.StatusCode)}
	default:
		return &model.PermanentError{Reason: fmt.Sprintf("unexpected bullhorn status %d", resp.StatusCode)}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &model.TransientError{Reason: "decode bullhorn response", Err: err}
	}
	return nil
}

// bullhornEvent is one entry of a Bullhorn event-subscription batch.
type bullhornEvent struct {
	EventID           string   `json:"eventId"`
	EntityName        string   `json:"entityName"`
	EntityID          int64    `json:"entityId"`
	EventType         string   `json:"eventType"`
	EventTimestamp    int64    `json:"eventTimestamp"` // epoch millis
	UpdatedProperties []string `json:"updatedProperties"`
	CorporationID     int64    `json:"corporationId"`
}

type bullhornDecoder struct{}

func (bullhornDecoder) Decode(body []byte, _ http.Header) ([]model.InboundEvent, error) {
	var envelope struct {
		Events []bullhornEvent `json:"events"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, &model.PermanentError{Reason: "malformed bullhorn batch", Err: err}
	}

	events := make([]model.InboundEvent, 0, len(envelope.Events))
	for _, b := range envelope.Events {
		entity, ok := bullhornEntity(b.EntityName)
		if !ok {
			continue
		}
		var kind model.EventKind
		switch b.EventType {
		case "INSERTED":
			kind = model.EventCreate
		case "UPDATED":
			kind = model.EventUpdate
		case "DELETED":
			kind = model.EventDelete
		default:
			continue
		}
		raw, _ := json.Marshal(b)
		ev := model.InboundEvent{
			ExternalSystem:   model.IntegrationBullhorn,
			ExternalEventID:  b.EventID,
			Kind:             kind,
			EntityKind:       entity,
			ExternalEntityID: strconv.FormatInt(b.EntityID, 10),
			Payload:          raw,
		}
		if b.EventTimestamp > 0 {
			t := time.UnixMilli(b.EventTimestamp).UTC()
			ev.ExternalOccurredAt = &t
			ev.ExternalLastModified = &t
		}
		events = append(events, ev)
	}
	return events, nil
}

func bullhornEntity(name string) (model.EntityKind, bool) {
	switch name {
	case "Candidate", "ClientContact":
		return model.EntityContact, true
	case "ClientCorporation":
		return model.EntityCompany, true
	case "JobOrder", "Placement":
		return model.EntityDeal, true
	default:
		return "", false
	}
}

func (bullhornDecoder) TenantHint(body []byte, _ http.Header) string {
	var envelope struct {
		Events []bullhornEvent `json:"events"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || len(envelope.Events) == 0 {
		return ""
	}
	if corp := envelope.Events[0].CorporationID; corp != 0 {
		return fmt.Sprintf("corp:%d", corp)
	}
	return ""
}
