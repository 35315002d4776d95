package server

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	"github.com/tsunagi-ai/tsunagi/internal/ctxutil"
	"github.com/tsunagi-ai/tsunagi/internal/model"
	"github.com/tsunagi-ai/tsunagi/internal/storage"
)

// handleOAuthStart issues a single-use state token and returns the provider
// authorization URL for the caller to redirect the browser to.
func (h *Handlers) handleOAuthStart(w http.ResponseWriter, r *http.Request) {
	kind, err := pathIntegration(r)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	claims := ctxutil.ClaimsFromContext(r.Context())
	if claims == nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "no claims in context")
		return
	}
	if h.connector == nil || !h.connector.Supported(kind) {
		writeDomainError(w, r, &model.ValidationError{Field: "integration", Reason: "does not support oauth connect"})
		return
	}

	state, err := randomState()
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "state generation failed")
		return
	}

	var pkceVerifier string
	row := model.OAuthState{
		State:       state,
		OrgID:       claims.OrgID,
		UserID:      claims.UserID(),
		Integration: kind,
		RedirectURI: h.frontendURL,
		CreatedAt:   h.clock.Now(),
	}
	if h.connector.UsesPKCE(kind) {
		pkceVerifier = oauth2.GenerateVerifier()
		row.PKCEVerifier = &pkceVerifier
	}
	if err := h.store.CreateOAuthState(r.Context(), row); err != nil {
		writeDomainError(w, r, err)
		return
	}

	authURL, err := h.connector.AuthCodeURL(kind, state, pkceVerifier)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{
		"authorization_url": authURL,
		"state":             state,
	})
}

// handleOAuthCallback completes the dance. The browser lands here, so every
// outcome is a redirect back to the frontend with query parameters, never a
// JSON body.
func (h *Handlers) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	kind, err := pathIntegration(r)
	if err != nil {
		h.redirectBack(w, r, "", "unknown_integration")
		return
	}
	q := r.URL.Query()

	state := q.Get("state")
	if state == "" {
		h.redirectBack(w, r, kind, "missing_state")
		return
	}
	row, err := h.store.ConsumeOAuthState(r.Context(), state)
	if err != nil {
		if errors.Is(err, storage.ErrStateConsumed) {
			h.redirectBack(w, r, kind, "invalid_state")
			return
		}
		h.redirectBack(w, r, kind, "internal_error")
		return
	}
	if row.Expired(h.clock.Now()) {
		h.redirectBack(w, r, kind, "state_expired")
		return
	}
	if row.Integration != kind {
		h.redirectBack(w, r, kind, "integration_mismatch")
		return
	}
	if provErr := q.Get("error"); provErr != "" {
		h.logger.Warn("oauth dance denied", "integration", kind, "provider_error", provErr)
		h.redirectBack(w, r, kind, "access_denied")
		return
	}
	code := q.Get("code")
	if code == "" {
		h.redirectBack(w, r, kind, "missing_code")
		return
	}

	var verifier string
	if row.PKCEVerifier != nil {
		verifier = *row.PKCEVerifier
	}
	res, err := h.connector.Exchange(r.Context(), kind, code, verifier)
	if err != nil {
		h.logger.Warn("oauth exchange failed", "integration", kind, "org_id", row.OrgID, "error", err)
		h.redirectBack(w, r, kind, "exchange_failed")
		return
	}

	if _, err := h.creds.Connect(r.Context(), row.OrgID, kind, res); err != nil {
		h.logger.Error("store connection failed", "integration", kind, "org_id", row.OrgID, "error", err)
		h.redirectBack(w, r, kind, "internal_error")
		return
	}
	h.redirectBack(w, r, kind, "")
}

// redirectBack sends the browser to the frontend integrations page. Empty
// reason means success.
func (h *Handlers) redirectBack(w http.ResponseWriter, r *http.Request, kind model.IntegrationKind, reason string) {
	params := url.Values{}
	if kind != "" {
		params.Set("integration", string(kind))
	}
	if reason == "" {
		params.Set("connected", "true")
	} else {
		params.Set("connected", "false")
		params.Set("error", reason)
	}
	http.Redirect(w, r, h.frontendURL+"?"+params.Encode(), http.StatusFound)
}

// handleDisconnect revokes the caller's credential for an integration.
func (h *Handlers) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	kind, err := pathIntegration(r)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	claims := ctxutil.ClaimsFromContext(r.Context())
	if claims == nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "no claims in context")
		return
	}

	if err := h.creds.Disconnect(r.Context(), claims.OrgID, kind); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"integration": kind,
		"status":      model.ConnectionRevoked,
	})
}

// integrationStatus is one row of the status listing.
type integrationStatus struct {
	Integration model.IntegrationKind `json:"integration"`
	Status      string                `json:"status"`
	ExpiresAt   *time.Time            `json:"expires_at,omitempty"`
	LastRefresh *time.Time            `json:"last_refresh,omitempty"`
}

// handleIntegrationStatus lists connection state for every known integration.
func (h *Handlers) handleIntegrationStatus(w http.ResponseWriter, r *http.Request) {
	claims := ctxutil.ClaimsFromContext(r.Context())
	if claims == nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "no claims in context")
		return
	}

	creds, err := h.store.ListCredentialsByOrg(r.Context(), claims.OrgID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	byKind := make(map[model.IntegrationKind]model.IntegrationCredential, len(creds))
	for _, c := range creds {
		byKind[c.Integration] = c
	}

	out := make([]integrationStatus, 0, len(model.KnownIntegrations))
	for _, kind := range model.KnownIntegrations {
		row := integrationStatus{Integration: kind, Status: "not_connected"}
		if c, ok := byKind[kind]; ok {
			row.Status = string(c.Status)
			row.ExpiresAt = c.ExpiresAt
			row.LastRefresh = c.LastRefresh
		}
		out = append(out, row)
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"integrations": out})
}

// randomState mints an unguessable state token.
func randomState() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
