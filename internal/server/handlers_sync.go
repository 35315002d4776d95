package server

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/tsunagi-ai/tsunagi/internal/ctxutil"
	"github.com/tsunagi-ai/tsunagi/internal/ingest"
	"github.com/tsunagi-ai/tsunagi/internal/integration"
	"github.com/tsunagi-ai/tsunagi/internal/model"
	"github.com/tsunagi-ai/tsunagi/internal/storage"
)

// handleSyncTick runs one scheduler tick for an integration across all
// connected tenants.
func (h *Handlers) handleSyncTick(w http.ResponseWriter, r *http.Request) {
	kind, err := pathIntegration(r)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	report, err := h.syncer.Tick(r.Context(), kind)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, report)
}

// handleTokenRefresh runs the proactive refresh pass for an integration.
func (h *Handlers) handleTokenRefresh(w http.ResponseWriter, r *http.Request) {
	kind, err := pathIntegration(r)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	report, err := h.creds.RefreshProactively(r.Context(), kind)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, report)
}

// handleWebhook receives one provider delivery. Verification happens inside
// the ingest path (or the billing service for Stripe); a delivery that fails
// its signature gets 401 and leaves no trace.
func (h *Handlers) handleWebhook(w http.ResponseWriter, r *http.Request) {
	kind, err := pathIntegration(r)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "unreadable body")
		return
	}

	switch kind {
	case model.IntegrationSlack:
		if challenge := integration.SlackChallenge(body); challenge != "" {
			h.handleSlackChallenge(w, r, body, challenge)
			return
		}
	case model.IntegrationStripe:
		// Stripe webhook semantics are plan changes, applied by billing.
		if h.billing != nil && h.billing.Enabled() {
			status, err := h.billing.HandleWebhook(r.Context(), body, r.Header.Get("Stripe-Signature"))
			if err != nil {
				h.logger.Warn("stripe webhook rejected", "status", status, "error", err)
				writeError(w, r, status, model.ErrCodeInvalidSignature, "webhook rejected")
				return
			}
			writeJSON(w, r, status, nil)
			return
		}
	case model.IntegrationGoogle:
		h.handleGoogleNudge(w, r, body)
		return
	}

	receipt, err := h.ingestor.IngestWebhook(r.Context(), kind, r.Header, body)
	if err != nil {
		if errors.Is(err, ingest.ErrUnknownTenant) {
			// Acknowledge so the provider stops retrying a delivery we can
			// never attribute.
			writeJSON(w, r, http.StatusAccepted, map[string]string{"status": "unattributed"})
			return
		}
		writeDomainError(w, r, err)
		return
	}
	labelOrg(r.Context(), receipt.OrgID)
	writeJSON(w, r, http.StatusOK, receipt)
}

// labelOrg surfaces a tenant resolved mid-request to the access log and span,
// for paths that authenticate by signature rather than bearer token.
func labelOrg(ctx context.Context, orgID uuid.UUID) {
	if l := ctxutil.RequestLabelsFromContext(ctx); l != nil {
		l.SetOrgID(orgID)
	}
}

// handleSlackChallenge answers Slack's url_verification handshake. The
// handshake is signed like any other event, so it still goes through the
// adapter's verifier first.
func (h *Handlers) handleSlackChallenge(w http.ResponseWriter, r *http.Request, body []byte, challenge string) {
	adapter, ok := h.registry.Get(model.IntegrationSlack)
	if ok && adapter.Verifier != nil {
		if err := adapter.Verifier.Verify(r.Header, body, h.clock.Now()); err != nil {
			writeDomainError(w, r, err)
			return
		}
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"challenge": challenge})
}

// handleGoogleNudge turns a Gmail push notification into an incremental sync
// for the owning tenant. The notification carries no entity data, only the
// inbox address.
func (h *Handlers) handleGoogleNudge(w http.ResponseWriter, r *http.Request, body []byte) {
	adapter, ok := h.registry.Get(model.IntegrationGoogle)
	if !ok || adapter.Decoder == nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "google integration not configured")
		return
	}

	hint := adapter.Decoder.TenantHint(body, r.Header)
	if hint == "" {
		writeJSON(w, r, http.StatusAccepted, map[string]string{"status": "unattributed"})
		return
	}
	orgID, err := h.resolveOrg(r.Context(), model.IntegrationGoogle, hint)
	if err != nil {
		writeJSON(w, r, http.StatusAccepted, map[string]string{"status": "unattributed"})
		return
	}
	labelOrg(r.Context(), orgID)

	summary, err := h.syncer.TriggerIncremental(r.Context(), orgID, model.IntegrationGoogle)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, summary)
}

// resolveOrg maps a provider account hint to the owning tenant, falling back
// to user-email membership for providers that only name the acting user.
func (h *Handlers) resolveOrg(ctx context.Context, kind model.IntegrationKind, hint string) (uuid.UUID, error) {
	orgID, err := h.store.FindOrgByAccountHint(ctx, kind, hint)
	if err == nil {
		return orgID, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return uuid.Nil, err
	}
	return h.store.FindOrgByUserEmail(ctx, hint)
}
