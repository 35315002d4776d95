package server

import (
	"net/http"

	"github.com/tsunagi-ai/tsunagi/internal/ctxutil"
	"github.com/tsunagi-ai/tsunagi/internal/model"
)

type checkoutRequest struct {
	SuccessURL string `json:"success_url"`
	CancelURL  string `json:"cancel_url"`
}

// handleBillingCheckout mints a Stripe Checkout session for upgrading the
// caller's org to the pro plan. The org id rides in the session metadata so
// the completion webhook can attribute the upgrade.
func (h *Handlers) handleBillingCheckout(w http.ResponseWriter, r *http.Request) {
	claims := ctxutil.ClaimsFromContext(r.Context())
	if claims == nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "no claims in context")
		return
	}
	if h.billing == nil || !h.billing.Enabled() {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternal, "billing not configured")
		return
	}

	var req checkoutRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "malformed request body")
		return
	}
	if req.SuccessURL == "" || req.CancelURL == "" {
		writeDomainError(w, r, &model.ValidationError{Field: "success_url", Reason: "success_url and cancel_url are required"})
		return
	}

	url, err := h.billing.CreateCheckoutSession(r.Context(), claims.OrgID, claims.Email, req.SuccessURL, req.CancelURL)
	if err != nil {
		h.logger.Error("billing checkout failed", "org_id", claims.OrgID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "failed to create checkout session")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"checkout_url": url})
}

type portalRequest struct {
	ReturnURL string `json:"return_url"`
}

// handleBillingPortal mints a Stripe billing portal session for managing an
// existing subscription. Requires a prior completed checkout, which recorded
// the org's Stripe customer.
func (h *Handlers) handleBillingPortal(w http.ResponseWriter, r *http.Request) {
	claims := ctxutil.ClaimsFromContext(r.Context())
	if claims == nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "no claims in context")
		return
	}
	if h.billing == nil || !h.billing.Enabled() {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternal, "billing not configured")
		return
	}

	var req portalRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "malformed request body")
		return
	}
	if req.ReturnURL == "" {
		writeDomainError(w, r, &model.ValidationError{Field: "return_url", Reason: "required"})
		return
	}

	org, err := h.store.GetOrg(r.Context(), claims.OrgID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if org.StripeCustomerID == nil || *org.StripeCustomerID == "" {
		writeDomainError(w, r, &model.ValidationError{Field: "org", Reason: "no active subscription"})
		return
	}

	url, err := h.billing.CreatePortalSession(r.Context(), *org.StripeCustomerID, req.ReturnURL)
	if err != nil {
		h.logger.Error("billing portal failed", "org_id", claims.OrgID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "failed to create portal session")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"portal_url": url})
}
