package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	stripe "github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/webhook"
)

// HandleWebhook processes a Stripe webhook event. Returns the HTTP status
// code to respond with and any error. Verifies the webhook signature, then
// dispatches on event type. Tenant attribution comes from the org_id metadata
// stamped onto sessions and subscriptions at checkout.
func (s *Service) HandleWebhook(ctx context.Context, body []byte, sigHeader string) (int, error) {
	if !s.enabled {
		return http.StatusServiceUnavailable, ErrBillingDisabled
	}

	event, err := webhook.ConstructEvent(body, sigHeader, s.webhookSecret)
	if err != nil {
		return http.StatusBadRequest, fmt.Errorf("billing: invalid webhook signature: %w", err)
	}

	switch event.Type {
	case "checkout.session.completed":
		return s.handleCheckoutCompleted(ctx, event)
	case "customer.subscription.updated":
		return s.handleSubscriptionUpdated(ctx, event)
	case "customer.subscription.deleted":
		return s.handleSubscriptionDeleted(ctx, event)
	case "invoice.payment_failed":
		return s.handlePaymentFailed(event)
	default:
		return http.StatusOK, nil
	}
}

func (s *Service) handleCheckoutCompleted(ctx context.Context, event stripe.Event) (int, error) {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return http.StatusBadRequest, fmt.Errorf("billing: unmarshal checkout session: %w", err)
	}

	orgID, err := orgFromMetadata(sess.Metadata)
	if err != nil {
		return http.StatusBadRequest, err
	}

	if err := s.store.SetOrgPlan(ctx, orgID, "pro"); err != nil {
		return http.StatusInternalServerError, fmt.Errorf("billing: upgrade org: %w", err)
	}
	// The customer id unlocks portal sessions for later plan management.
	if sess.Customer != nil && sess.Customer.ID != "" {
		if err := s.store.SetOrgStripeCustomer(ctx, orgID, sess.Customer.ID); err != nil {
			return http.StatusInternalServerError, fmt.Errorf("billing: record stripe customer: %w", err)
		}
	}

	s.logger.Info("checkout completed, upgraded to pro", "org_id", orgID)
	return http.StatusOK, nil
}

func (s *Service) handleSubscriptionUpdated(ctx context.Context, event stripe.Event) (int, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return http.StatusBadRequest, fmt.Errorf("billing: unmarshal subscription: %w", err)
	}

	orgID, err := orgFromMetadata(sub.Metadata)
	if err != nil {
		// Might be a subscription for a different product sharing the Stripe
		// account; acknowledge so Stripe stops retrying.
		s.logger.Warn("subscription updated without org attribution", "subscription_id", sub.ID)
		return http.StatusOK, nil
	}

	newPlan := "free"
	for name, plan := range s.plans {
		if plan.PriceID != "" && sub.Items != nil && len(sub.Items.Data) > 0 &&
			sub.Items.Data[0].Price != nil && sub.Items.Data[0].Price.ID == plan.PriceID {
			newPlan = name
			break
		}
	}

	if err := s.store.SetOrgPlan(ctx, orgID, newPlan); err != nil {
		return http.StatusInternalServerError, fmt.Errorf("billing: update org plan: %w", err)
	}

	s.logger.Info("subscription updated", "org_id", orgID, "plan", newPlan)
	return http.StatusOK, nil
}

func (s *Service) handleSubscriptionDeleted(ctx context.Context, event stripe.Event) (int, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return http.StatusBadRequest, fmt.Errorf("billing: unmarshal subscription: %w", err)
	}

	orgID, err := orgFromMetadata(sub.Metadata)
	if err != nil {
		s.logger.Warn("subscription deleted without org attribution", "subscription_id", sub.ID)
		return http.StatusOK, nil
	}

	if err := s.store.SetOrgPlan(ctx, orgID, "free"); err != nil {
		return http.StatusInternalServerError, fmt.Errorf("billing: downgrade org: %w", err)
	}

	s.logger.Info("subscription deleted, downgraded to free", "org_id", orgID)
	return http.StatusOK, nil
}

func (s *Service) handlePaymentFailed(event stripe.Event) (int, error) {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return http.StatusBadRequest, fmt.Errorf("billing: unmarshal invoice: %w", err)
	}

	customerID := ""
	if invoice.Customer != nil {
		customerID = invoice.Customer.ID
	}
	s.logger.Warn("payment failed",
		"customer_id", customerID,
		"amount_due", invoice.AmountDue,
		"attempt_count", invoice.AttemptCount,
	)

	return http.StatusOK, nil
}

func orgFromMetadata(meta map[string]string) (uuid.UUID, error) {
	raw, ok := meta["org_id"]
	if !ok {
		return uuid.Nil, fmt.Errorf("billing: missing org_id metadata")
	}
	orgID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("billing: invalid org_id: %w", err)
	}
	return orgID, nil
}
