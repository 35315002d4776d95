package integration

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"

	"github.com/tsunagi-ai/tsunagi/internal/config"
	"github.com/tsunagi-ai/tsunagi/internal/model"
)

// Connector drives the user-facing authorization-code dance for the
// integrations that connect through a browser redirect. Refresh traffic goes
// through each adapter's Refresher; this type only covers the initial grant.
type Connector struct {
	configs map[model.IntegrationKind]oauth2.Config
	// pkce marks providers that accept RFC 7636 code challenges.
	pkce    map[model.IntegrationKind]bool
	timeout time.Duration
}

// NewConnectorFromConfig wires the connectable providers. Bullhorn's two-step
// handshake, Slack bot installs and the webhook-only providers (Fathom,
// Stripe) do not connect through this path.
func NewConnectorFromConfig(cfg config.Config) *Connector {
	redirect := func(kind string) string {
		return fmt.Sprintf("%s/v1/oauth/%s/callback", cfg.OAuthRedirectBase, kind)
	}
	return &Connector{
		configs: map[model.IntegrationKind]oauth2.Config{
			model.IntegrationGoogle: GoogleOAuthConfig(GoogleConfig{
				ClientID:     cfg.GoogleClientID,
				ClientSecret: cfg.GoogleClientSecret,
				RedirectURL:  redirect("google"),
			}),
			model.IntegrationHubSpot: HubSpotOAuthConfig(HubSpotConfig{
				ClientID:     cfg.HubSpotClientID,
				ClientSecret: cfg.HubSpotClientSecret,
				RedirectURL:  redirect("hubspot"),
			}),
			model.IntegrationSavvyCal: SavvyCalOAuthConfig(SavvyCalConfig{
				ClientID:     cfg.SavvyCalClientID,
				ClientSecret: cfg.SavvyCalClientSecret,
				RedirectURL:  redirect("savvycal"),
			}),
		},
		pkce: map[model.IntegrationKind]bool{
			model.IntegrationGoogle: true,
		},
		timeout: cfg.OAuthTimeout,
	}
}

// Supported reports whether kind connects through the authorization-code
// flow.
func (c *Connector) Supported(kind model.IntegrationKind) bool {
	_, ok := c.configs[kind]
	return ok
}

// UsesPKCE reports whether the provider wants a code challenge. When true,
// callers generate a verifier with oauth2.GenerateVerifier and hold it in the
// state row until the callback.
func (c *Connector) UsesPKCE(kind model.IntegrationKind) bool {
	return c.pkce[kind]
}

// AuthCodeURL builds the provider authorization URL for one dance.
func (c *Connector) AuthCodeURL(kind model.IntegrationKind, state, pkceVerifier string) (string, error) {
	cfg, ok := c.configs[kind]
	if !ok {
		return "", &model.ValidationError{Field: "integration", Reason: fmt.Sprintf("%s does not support oauth connect", kind)}
	}
	opts := []oauth2.AuthCodeOption{oauth2.AccessTypeOffline}
	if pkceVerifier != "" {
		opts = append(opts, oauth2.S256ChallengeOption(pkceVerifier))
	}
	return cfg.AuthCodeURL(state, opts...), nil
}

// Exchange redeems an authorization code for tokens. Failures are classified
// the same way refresh failures are.
func (c *Connector) Exchange(ctx context.Context, kind model.IntegrationKind, code, pkceVerifier string) (RefreshResult, error) {
	cfg, ok := c.configs[kind]
	if !ok {
		return RefreshResult{}, &model.ValidationError{Field: "integration", Reason: fmt.Sprintf("%s does not support oauth connect", kind)}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var opts []oauth2.AuthCodeOption
	if pkceVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(pkceVerifier))
	}
	tok, err := cfg.Exchange(ctx, code, opts...)
	if err != nil {
		return RefreshResult{}, classifyOAuthError(err)
	}

	res := RefreshResult{AccessSecret: tok.AccessToken}
	if !tok.Expiry.IsZero() {
		res.ExpiresIn = time.Until(tok.Expiry)
	}
	if tok.RefreshToken != "" {
		rotated := tok.RefreshToken
		res.RefreshSecret = &rotated
	}
	return res, nil
}
