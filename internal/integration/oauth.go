package integration

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/tsunagi-ai/tsunagi/internal/model"
)

// oauthRefresher implements Refresher over a standard OAuth 2.0
// refresh-token grant via golang.org/x/oauth2. Google, HubSpot, SavvyCal
// and Slack all use this shape with their own endpoints.
type oauthRefresher struct {
	cfg     oauth2.Config
	timeout time.Duration
	decays  bool
}

func (r oauthRefresher) RefreshDecays() bool { return r.decays }

func (r oauthRefresher) Refresh(ctx context.Context, cred model.IntegrationCredential) (RefreshResult, error) {
	if cred.RefreshSecret == nil || *cred.RefreshSecret == "" {
		return RefreshResult{}, &model.PermanentError{Reason: "no refresh token stored"}
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	src := r.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: *cred.RefreshSecret})
	tok, err := src.Token()
	if err != nil {
		return RefreshResult{}, classifyOAuthError(err)
	}

	res := RefreshResult{AccessSecret: tok.AccessToken}
	if !tok.Expiry.IsZero() {
		res.ExpiresIn = time.Until(tok.Expiry)
	}
	if tok.RefreshToken != "" && tok.RefreshToken != *cred.RefreshSecret {
		rotated := tok.RefreshToken
		res.RefreshSecret = &rotated
	}
	return res, nil
}

// classifyOAuthError maps an x/oauth2 token-exchange failure onto the
// internal taxonomy. A 400/401 carrying invalid_grant means the user revoked
// access or the refresh token expired: the grant is dead. Everything
// network-shaped or 5xx/429 is retryable.
func classifyOAuthError(err error) error {
	var retrieve *oauth2.RetrieveError
	if errors.As(err, &retrieve) {
		code := retrieve.Response.StatusCode
		body := strings.ToLower(string(retrieve.Body))
		switch {
		case (code == 400 || code == 401) && strings.Contains(body, "invalid_grant"):
			return &model.PermanentError{Reason: "refresh grant revoked or expired", Err: err}
		case code == 400 || code == 401 || code == 403:
			return &model.PermanentError{Reason: fmt.Sprintf("token endpoint rejected refresh (%d)", code), Err: err}
		case code == 429 || code >= 500:
			return &model.TransientError{Reason: fmt.Sprintf("token endpoint unavailable (%d)", code), Err: err}
		default:
			return &model.PermanentError{Reason: fmt.Sprintf("unexpected token endpoint status %d", code), Err: err}
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return &model.TransientError{Reason: "token endpoint unreachable", Err: err}
	}
	return &model.TransientError{Reason: "token refresh failed", Err: err}
}
