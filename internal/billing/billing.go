// Package billing keeps tenant plans in step with Stripe subscriptions. If
// Stripe is not configured (no secret key), the billing webhook returns 503
// and every org stays on its current plan.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	stripe "github.com/stripe/stripe-go/v84"
)

// ErrBillingDisabled is returned when Stripe is not configured.
var ErrBillingDisabled = errors.New("billing not configured")

// Store is the persistence surface plan sync needs.
type Store interface {
	SetOrgPlan(ctx context.Context, id uuid.UUID, plan string) error
	SetOrgStripeCustomer(ctx context.Context, id uuid.UUID, customerID string) error
}

// Plan defines one subscription tier.
type Plan struct {
	Name    string
	PriceID string // Stripe Price ID (empty for free/enterprise).
}

// Service wraps Stripe API calls and applies subscription changes to orgs.
type Service struct {
	client        *stripe.Client
	store         Store
	logger        *slog.Logger
	plans         map[string]Plan
	webhookSecret string
	proPriceID    string
	enabled       bool
}

// Config holds Stripe configuration.
type Config struct {
	SecretKey     string
	WebhookSecret string
	PriceIDPro    string
}

// New creates a billing service. If cfg.SecretKey is empty, the service
// operates in disabled mode. Returns an error if billing is enabled but
// required fields are missing.
func New(store Store, cfg Config, logger *slog.Logger) (*Service, error) {
	enabled := cfg.SecretKey != ""

	if enabled {
		if cfg.WebhookSecret == "" {
			return nil, fmt.Errorf("billing: STRIPE_WEBHOOK_SECRET is required when billing is enabled")
		}
		if cfg.PriceIDPro == "" {
			return nil, fmt.Errorf("billing: STRIPE_PRO_PRICE_ID is required when billing is enabled")
		}
	}

	var client *stripe.Client
	if enabled {
		client = stripe.NewClient(cfg.SecretKey)
	}

	return &Service{
		client: client,
		store:  store,
		logger: logger.With("component", "billing"),
		plans: map[string]Plan{
			"free":       {Name: "Free"},
			"pro":        {Name: "Pro", PriceID: cfg.PriceIDPro},
			"enterprise": {Name: "Enterprise"},
		},
		webhookSecret: cfg.WebhookSecret,
		proPriceID:    cfg.PriceIDPro,
		enabled:       enabled,
	}, nil
}

// Enabled returns true if Stripe is configured.
func (s *Service) Enabled() bool { return s.enabled }

// GetPlan returns the plan definition for a given plan name.
func (s *Service) GetPlan(name string) (Plan, bool) {
	p, ok := s.plans[name]
	return p, ok
}

// CreateCheckoutSession creates a Stripe Checkout session for a plan upgrade.
// The org id rides in both the session and subscription metadata so webhook
// events can be attributed to the tenant later.
func (s *Service) CreateCheckoutSession(ctx context.Context, orgID uuid.UUID, email, successURL, cancelURL string) (string, error) {
	if !s.enabled {
		return "", ErrBillingDisabled
	}

	sess, err := s.client.V1CheckoutSessions.Create(ctx, &stripe.CheckoutSessionCreateParams{
		Mode:          stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		CustomerEmail: stripe.String(email),
		SuccessURL:    stripe.String(successURL),
		CancelURL:     stripe.String(cancelURL),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(s.proPriceID),
				Quantity: stripe.Int64(1),
			},
		},
		Metadata: map[string]string{
			"org_id": orgID.String(),
		},
		SubscriptionData: &stripe.CheckoutSessionCreateSubscriptionDataParams{
			Metadata: map[string]string{
				"org_id": orgID.String(),
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("billing: create checkout session: %w", err)
	}
	return sess.URL, nil
}

// CreatePortalSession creates a Stripe billing portal session for
// subscription management.
func (s *Service) CreatePortalSession(ctx context.Context, stripeCustomerID, returnURL string) (string, error) {
	if !s.enabled {
		return "", ErrBillingDisabled
	}

	sess, err := s.client.V1BillingPortalSessions.Create(ctx, &stripe.BillingPortalSessionCreateParams{
		Customer:  stripe.String(stripeCustomerID),
		ReturnURL: stripe.String(returnURL),
	})
	if err != nil {
		return "", fmt.Errorf("billing: create portal session: %w", err)
	}
	return sess.URL, nil
}
