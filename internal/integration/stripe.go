package integration

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v84/webhook"

	"github.com/tsunagi-ai/tsunagi/internal/model"
)

// StripeConfig configures the Stripe billing adapter.
type StripeConfig struct {
	WebhookSecret string
	InsecureSkip  bool
}

// NewStripeAdapter builds the Stripe adapter. Stripe auth is a static API
// key, so there is no Refresher; webhook semantics (plan changes) are applied
// by the billing service, not entity reconciliation, so Decode yields no
// entity events.
func NewStripeAdapter(cfg StripeConfig) Adapter {
	return Adapter{
		Kind:     model.IntegrationStripe,
		Verifier: stripeVerifier{secret: cfg.WebhookSecret, insecureSkip: cfg.InsecureSkip},
		Decoder:  stripeDecoder{},
	}
}

// stripeVerifier delegates to stripe-go's webhook signature validation.
type stripeVerifier struct {
	secret       string
	insecureSkip bool
}

func (v stripeVerifier) Verify(headers http.Header, body []byte, _ time.Time) error {
	if v.insecureSkip {
		return nil
	}
	if v.secret == "" {
		return &model.PermanentError{Reason: "stripe webhook secret not configured"}
	}
	if _, err := webhook.ConstructEvent(body, headers.Get("Stripe-Signature"), v.secret); err != nil {
		return &model.PermanentError{Reason: "stripe signature mismatch", Err: err}
	}
	return nil
}

type stripeDecoder struct{}

func (stripeDecoder) Decode(_ []byte, _ http.Header) ([]model.InboundEvent, error) {
	return nil, nil
}

func (stripeDecoder) TenantHint(body []byte, _ http.Header) string {
	var e struct {
		Data struct {
			Object struct {
				Metadata map[string]string `json:"metadata"`
			} `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &e); err != nil {
		return ""
	}
	return e.Data.Object.Metadata["org_id"]
}
