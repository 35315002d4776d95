package integration

import (
	"fmt"

	"github.com/tsunagi-ai/tsunagi/internal/config"
)

// NewRegistryFromConfig wires every supported adapter from application
// configuration.
func NewRegistryFromConfig(cfg config.Config) *Registry {
	redirect := func(kind string) string {
		return fmt.Sprintf("%s/v1/oauth/%s/callback", cfg.OAuthRedirectBase, kind)
	}
	return NewRegistry(
		NewFathomAdapter(FathomConfig{
			WebhookSecret: cfg.FathomWebhookSecret,
			ReplayWindow:  cfg.WebhookReplayWindow,
			InsecureSkip:  cfg.AllowInsecureSignatures,
		}),
		NewGoogleAdapter(GoogleConfig{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  redirect("google"),
			OAuthTimeout: cfg.OAuthTimeout,
		}),
		NewHubSpotAdapter(HubSpotConfig{
			ClientID:     cfg.HubSpotClientID,
			ClientSecret: cfg.HubSpotClientSecret,
			RedirectURL:  redirect("hubspot"),
			OAuthTimeout: cfg.OAuthTimeout,
			InsecureSkip: cfg.AllowInsecureSignatures,
		}),
		NewBullhornAdapter(BullhornConfig{
			ClientID:      cfg.BullhornClientID,
			ClientSecret:  cfg.BullhornClientSecret,
			OAuthTimeout:  cfg.OAuthTimeout,
			WebhookSecret: cfg.BullhornWebhookSecret,
			ReplayWindow:  cfg.WebhookReplayWindow,
			InsecureSkip:  cfg.AllowInsecureSignatures,
		}),
		NewSavvyCalAdapter(SavvyCalConfig{
			ClientID:      cfg.SavvyCalClientID,
			ClientSecret:  cfg.SavvyCalClientSecret,
			RedirectURL:   redirect("savvycal"),
			WebhookSecret: cfg.SavvyCalWebhookSecret,
			ReplayWindow:  cfg.WebhookReplayWindow,
			OAuthTimeout:  cfg.OAuthTimeout,
			InsecureSkip:  cfg.AllowInsecureSignatures,
		}),
		NewSlackAdapter(SlackConfig{
			SigningSecret: cfg.SlackSigningSecret,
			InsecureSkip:  cfg.AllowInsecureSignatures,
		}),
		NewStripeAdapter(StripeConfig{
			WebhookSecret: cfg.StripeWebhookSecret,
			InsecureSkip:  cfg.AllowInsecureSignatures,
		}),
	)
}
