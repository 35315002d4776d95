// Package integration holds the provider adapters: one per third-party
// system, each supplying token refresh, webhook verification, payload
// decoding and status translation. Adapters classify every upstream failure
// as transient or permanent; provider-specific error shapes never leave this
// package.
package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/tsunagi-ai/tsunagi/internal/model"
)

// RefreshResult carries the outcome of a successful token refresh.
type RefreshResult struct {
	AccessSecret string
	// RefreshSecret is non-nil only when the provider rotated it.
	RefreshSecret *string
	ExpiresIn     time.Duration
	// SessionToken and EndpointHint serve two-step handshakes
	// (Bullhorn-style): a secondary session secret bound to a
	// tenant-specific REST endpoint, refreshed in lockstep.
	SessionToken *string
	EndpointHint *string
	Metadata     json.RawMessage
}

// Refresher exchanges a refresh secret for fresh credentials.
type Refresher interface {
	// Refresh performs the provider token exchange. Errors are classified:
	// *model.PermanentError means the grant is dead and the credential must
	// transition to needs_reconnect; *model.TransientError is retryable.
	Refresh(ctx context.Context, cred model.IntegrationCredential) (RefreshResult, error)

	// RefreshDecays reports whether the provider's refresh tokens decay
	// with use or time, in which case proactive passes refresh
	// unconditionally instead of only near expiry.
	RefreshDecays() bool
}

// Verifier authenticates an inbound webhook request.
type Verifier interface {
	// Verify checks the request signature against the raw body, including
	// the replay-window check on the signed timestamp. Returns
	// *model.PermanentError on mismatch or replay.
	Verify(headers http.Header, body []byte, now time.Time) error
}

// Decoder turns a verified raw webhook body into canonical inbound events.
type Decoder interface {
	// Decode parses the provider payload. Unknown fields are preserved only
	// in each event's raw Payload.
	Decode(body []byte, headers http.Header) ([]model.InboundEvent, error)

	// TenantHint extracts the provider-side account discriminator used to
	// resolve the owning org (e.g. Slack team id, Stripe org metadata).
	// Empty string means the payload carries no discriminator.
	TenantHint(body []byte, headers http.Header) string
}

// StatusTranslator maps provider status strings to internal ones.
type StatusTranslator interface {
	// TranslateStatus returns the internal status for a provider status;
	// unknown values map to the adapter's declared fallback.
	TranslateStatus(providerStatus string) string
}

// Adapter is the full per-integration surface. Individual capabilities may
// be absent (nil) for providers that do not support them; callers check.
type Adapter struct {
	Kind       model.IntegrationKind
	Refresher  Refresher
	Verifier   Verifier
	Decoder    Decoder
	Translator StatusTranslator
}

// Registry holds the configured adapters keyed by integration kind.
type Registry struct {
	adapters map[model.IntegrationKind]Adapter
}

// NewRegistry builds a registry from the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	m := make(map[model.IntegrationKind]Adapter, len(adapters))
	for _, a := range adapters {
		m[a.Kind] = a
	}
	return &Registry{adapters: m}
}

// Get returns the adapter for a kind.
func (r *Registry) Get(kind model.IntegrationKind) (Adapter, bool) {
	a, ok := r.adapters[kind]
	return a, ok
}

// Kinds lists the registered integration kinds.
func (r *Registry) Kinds() []model.IntegrationKind {
	out := make([]model.IntegrationKind, 0, len(r.adapters))
	for k := range r.adapters {
		out = append(out, k)
	}
	return out
}

// fallbackTranslator implements StatusTranslator over an ordered list of
// provider→internal pairs with a declared fallback.
type fallbackTranslator struct {
	pairs    [][2]string
	fallback string
}

func (t fallbackTranslator) TranslateStatus(providerStatus string) string {
	for _, p := range t.pairs {
		if p[0] == providerStatus {
			return p[1]
		}
	}
	return t.fallback
}
