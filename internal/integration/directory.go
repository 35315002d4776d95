package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tsunagi-ai/tsunagi/internal/model"
	"github.com/tsunagi-ai/tsunagi/internal/storage"
)

// TokenSource mints a usable credential for an outbound call. Satisfied by
// the credential manager.
type TokenSource interface {
	Acquire(ctx context.Context, orgID uuid.UUID, kind model.IntegrationKind) (model.IntegrationCredential, error)
}

// HubSpotDirectory looks contacts up in the tenant's HubSpot portal by email.
// A tenant without a HubSpot connection is a clean miss, not a failure.
type HubSpotDirectory struct {
	tokens  TokenSource
	baseURL string
	client  *http.Client
}

// NewHubSpotDirectory builds the directory. baseURL is overridable for tests;
// empty means production.
func NewHubSpotDirectory(tokens TokenSource, baseURL string, timeout time.Duration) *HubSpotDirectory {
	if baseURL == "" {
		baseURL = "https://api.hubapi.com"
	}
	return &HubSpotDirectory{
		tokens:  tokens,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Name tags records returned from this source.
func (d *HubSpotDirectory) Name() string { return string(model.IntegrationHubSpot) }

type hubspotContactSearch struct {
	Total   int `json:"total"`
	Results []struct {
		ID         string            `json:"id"`
		Properties map[string]string `json:"properties"`
	} `json:"results"`
}

// FindContactByEmail searches the portal for a contact with the exact email.
// Returns storage.ErrNotFound when no contact matches or the tenant is not
// connected.
func (d *HubSpotDirectory) FindContactByEmail(ctx context.Context, orgID uuid.UUID, email string) (model.Contact, error) {
	cred, err := d.tokens.Acquire(ctx, orgID, model.IntegrationHubSpot)
	if err != nil {
		var nc *model.NotConnectedError
		if errors.As(err, &nc) {
			return model.Contact{}, storage.ErrNotFound
		}
		return model.Contact{}, err
	}

	body, err := json.Marshal(map[string]any{
		"filterGroups": []any{map[string]any{
			"filters": []any{map[string]any{
				"propertyName": "email",
				"operator":     "EQ",
				"value":        email,
			}},
		}},
		"properties": []string{"email", "firstname", "company", "phone", "lifecyclestage"},
		"limit":      1,
	})
	if err != nil {
		return model.Contact{}, &model.PermanentError{Reason: "marshal hubspot contact search", Err: err}
	}

	endpoint := d.baseURL + "/crm/v3/objects/contacts/search"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return model.Contact{}, &model.PermanentError{Reason: "build hubspot contact search", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+cred.AccessSecret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return model.Contact{}, &model.TransientError{Reason: "hubspot unreachable", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return model.Contact{}, &model.TransientError{Reason: "read hubspot response", Err: err}
	}
	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return model.Contact{}, &model.PermanentError{Reason: fmt.Sprintf("hubspot rejected token (%d)", resp.StatusCode)}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return model.Contact{}, &model.TransientError{Reason: fmt.Sprintf("hubspot unavailable (%d)", resp.StatusCode)}
	default:
		return model.Contact{}, &model.PermanentError{Reason: fmt.Sprintf("unexpected hubspot status %d", resp.StatusCode)}
	}

	var result hubspotContactSearch
	if err := json.Unmarshal(raw, &result); err != nil {
		return model.Contact{}, &model.TransientError{Reason: "decode hubspot response", Err: err}
	}
	if len(result.Results) == 0 {
		return model.Contact{}, storage.ErrNotFound
	}

	props := result.Results[0].Properties
	contact := model.Contact{OrgID: orgID}
	if v := props["email"]; v != "" {
		contact.Email = &v
	}
	if v := props["firstname"]; v != "" {
		contact.Name = &v
	}
	if v := props["company"]; v != "" {
		contact.Company = &v
	}
	if v := props["phone"]; v != "" {
		contact.Phone = &v
	}
	if v := props["lifecyclestage"]; v != "" {
		contact.Status = &v
	}
	return contact, nil
}

// BullhornDirectory looks candidates up in the tenant's Bullhorn cluster by
// email, authenticating with the session minted by the two-step handshake.
type BullhornDirectory struct {
	tokens TokenSource
	client *http.Client
	// baseOverride replaces the credential's endpoint hint in tests.
	baseOverride string
}

// NewBullhornDirectory builds the directory.
func NewBullhornDirectory(tokens TokenSource, baseOverride string, timeout time.Duration) *BullhornDirectory {
	return &BullhornDirectory{
		tokens:       tokens,
		client:       &http.Client{Timeout: timeout},
		baseOverride: baseOverride,
	}
}

// Name tags records returned from this source.
func (d *BullhornDirectory) Name() string { return string(model.IntegrationBullhorn) }

type bullhornSearchResult struct {
	Total int              `json:"total"`
	Data  []map[string]any `json:"data"`
}

// FindContactByEmail searches Candidate records for the exact email. Returns
// storage.ErrNotFound when nothing matches or the tenant is not connected.
func (d *BullhornDirectory) FindContactByEmail(ctx context.Context, orgID uuid.UUID, email string) (model.Contact, error) {
	cred, err := d.tokens.Acquire(ctx, orgID, model.IntegrationBullhorn)
	if err != nil {
		var nc *model.NotConnectedError
		if errors.As(err, &nc) {
			return model.Contact{}, storage.ErrNotFound
		}
		return model.Contact{}, err
	}

	base := d.baseOverride
	if base == "" {
		if cred.EndpointHint == nil || *cred.EndpointHint == "" {
			return model.Contact{}, &model.NeedsReconnectError{
				OrgID: orgID, Integration: model.IntegrationBullhorn,
				Reason: "no REST endpoint on file; session handshake incomplete",
			}
		}
		base = *cred.EndpointHint
	}
	if cred.SessionToken == nil || *cred.SessionToken == "" {
		return model.Contact{}, &model.NeedsReconnectError{
			OrgID: orgID, Integration: model.IntegrationBullhorn,
			Reason: "no session token on file",
		}
	}

	q := url.Values{
		"query":  {fmt.Sprintf("email:%q", email)},
		"fields": {"id,email,name,phone,status,companyName"},
		"count":  {"1"},
	}
	endpoint := fmt.Sprintf("%s/search/Candidate?%s", strings.TrimSuffix(base, "/"), q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return model.Contact{}, &model.PermanentError{Reason: "build bullhorn search", Err: err}
	}
	req.Header.Set("BhRestToken", *cred.SessionToken)

	resp, err := d.client.Do(req)
	if err != nil {
		return model.Contact{}, &model.TransientError{Reason: "bullhorn unreachable", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return model.Contact{}, &model.TransientError{Reason: "read bullhorn response", Err: err}
	}
	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized:
		return model.Contact{}, &model.PermanentError{Reason: "bullhorn session expired"}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return model.Contact{}, &model.TransientError{Reason: fmt.Sprintf("bullhorn unavailable (%d)", resp.StatusCode)}
	default:
		return model.Contact{}, &model.PermanentError{Reason: fmt.Sprintf("unexpected bullhorn status %d", resp.StatusCode)}
	}

	var result bullhornSearchResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return model.Contact{}, &model.TransientError{Reason: "decode bullhorn response", Err: err}
	}
	if len(result.Data) == 0 {
		return model.Contact{}, storage.ErrNotFound
	}

	row := result.Data[0]
	contact := model.Contact{OrgID: orgID}
	if v, ok := row["email"].(string); ok && v != "" {
		contact.Email = &v
	}
	if v, ok := row["name"].(string); ok && v != "" {
		contact.Name = &v
	}
	if v, ok := row["companyName"].(string); ok && v != "" {
		contact.Company = &v
	}
	if v, ok := row["phone"].(string); ok && v != "" {
		contact.Phone = &v
	}
	if v, ok := row["status"].(string); ok && v != "" {
		contact.Status = &v
	}
	return contact, nil
}
