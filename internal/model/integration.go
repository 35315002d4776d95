package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// IntegrationKind identifies a third-party integration family.
type IntegrationKind string

const (
	IntegrationFathom   IntegrationKind = "fathom"
	IntegrationGoogle   IntegrationKind = "google"
	IntegrationHubSpot  IntegrationKind = "hubspot"
	IntegrationBullhorn IntegrationKind = "bullhorn"
	IntegrationSavvyCal IntegrationKind = "savvycal"
	IntegrationSlack    IntegrationKind = "slack"
	IntegrationStripe   IntegrationKind = "stripe"
)

// KnownIntegrations lists every integration kind the platform understands.
var KnownIntegrations = []IntegrationKind{
	IntegrationFathom,
	IntegrationGoogle,
	IntegrationHubSpot,
	IntegrationBullhorn,
	IntegrationSavvyCal,
	IntegrationSlack,
	IntegrationStripe,
}

// Valid reports whether k is a known integration kind.
func (k IntegrationKind) Valid() bool {
	for _, known := range KnownIntegrations {
		if k == known {
			return true
		}
	}
	return false
}

// ConnectionStatus is the lifecycle state of an integration credential.
type ConnectionStatus string

const (
	ConnectionActive         ConnectionStatus = "active"
	ConnectionNeedsReconnect ConnectionStatus = "needs_reconnect"
	ConnectionRevoked        ConnectionStatus = "revoked"
)

// IntegrationCredential is a tenant's stored OAuth credential for one
// integration. At most one active row exists per (org, integration).
type IntegrationCredential struct {
	ID            uuid.UUID        `json:"id"`
	OrgID         uuid.UUID        `json:"org_id"`
	Integration   IntegrationKind  `json:"integration"`
	AccessSecret  string           `json:"-"`
	RefreshSecret *string          `json:"-"`
	ExpiresAt     *time.Time       `json:"expires_at,omitempty"`
	Status        ConnectionStatus `json:"status"`
	LastRefresh   *time.Time       `json:"last_refresh,omitempty"`
	// EndpointHint is a tenant-scoped base URL for providers that route
	// API traffic regionally (Bullhorn-style).
	EndpointHint *string `json:"endpoint_hint,omitempty"`
	// SessionToken is the secondary session secret for two-step handshakes.
	SessionToken *string         `json:"-"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Expired reports whether the credential's access secret is unusable at
// instant now plus the given safety window. A credential with no recorded
// expiry never counts as expired.
func (c IntegrationCredential) Expired(now time.Time, safetyWindow time.Duration) bool {
	if c.ExpiresAt == nil {
		return false
	}
	return !c.ExpiresAt.After(now.Add(safetyWindow))
}

// OAuthStateTTL is the maximum lifetime of an OAuth state token.
const OAuthStateTTL = 15 * time.Minute

// OAuthState is a short-lived, single-use token binding an OAuth dance to a
// tenant, user and integration. Consumed atomically on callback.
type OAuthState struct {
	State        string          `json:"state"`
	OrgID        uuid.UUID       `json:"org_id"`
	UserID       uuid.UUID       `json:"user_id"`
	Integration  IntegrationKind `json:"integration"`
	RedirectURI  string          `json:"redirect_uri"`
	PKCEVerifier *string         `json:"-"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Expired reports whether the state token is past its TTL. The boundary
// instant itself counts as expired.
func (s OAuthState) Expired(now time.Time) bool {
	return !now.Before(s.CreatedAt.Add(OAuthStateTTL))
}
