package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/tsunagi-ai/tsunagi/internal/model"
)

// hubspotPuller pulls contacts and deals changed since the window start via
// the CRM search API, ordered by modification time so the cursor (an epoch
// millisecond watermark) only moves forward.
type hubspotPuller struct {
	baseURL string
	client  *http.Client
}

// NewHubSpotPuller builds the HubSpot puller. baseURL is overridable for
// tests; empty means production.
func NewHubSpotPuller(baseURL string, timeout time.Duration) Puller {
	if baseURL == "" {
		baseURL = "https://api.hubapi.com"
	}
	return &hubspotPuller{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type hubspotSearchResult struct {
	Total   int `json:"total"`
	Results []struct {
		ID         string            `json:"id"`
		Properties map[string]string `json:"properties"`
		UpdatedAt  time.Time         `json:"updatedAt"`
	} `json:"results"`
	Paging *struct {
		Next struct {
			After string `json:"after"`
		} `json:"next"`
	} `json:"paging"`
}

func (p *hubspotPuller) Pull(ctx context.Context, cred model.IntegrationCredential, w Window) (PullResult, error) {
	since := w.Since
	if w.Cursor != nil {
		if ms, err := strconv.ParseInt(*w.Cursor, 10, 64); err == nil {
			if t := time.UnixMilli(ms).UTC(); t.After(since) {
				since = t
			}
		}
	}

	var out PullResult
	watermark := since
	for _, obj := range []struct {
		path       string
		entity     model.EntityKind
		properties []string
	}{
		{"contacts", model.EntityContact, []string{"email", "firstname", "company", "phone", "lifecyclestage"}},
		{"deals", model.EntityDeal, []string{"dealname", "dealstage", "amount"}},
	} {
		events, newest, err := p.pullObject(ctx, cred, obj.path, obj.entity, obj.properties, since)
		if err != nil {
			return PullResult{}, err
		}
		out.Events = append(out.Events, events...)
		if newest.After(watermark) {
			watermark = newest
		}
	}

	if watermark.After(since) || w.Cursor == nil {
		cursor := strconv.FormatInt(watermark.UnixMilli(), 10)
		out.NewCursor = &cursor
	}
	return out, nil
}

func (p *hubspotPuller) pullObject(ctx context.Context, cred model.IntegrationCredential, path string, entity model.EntityKind, properties []string, since time.Time) ([]model.InboundEvent, time.Time, error) {
	var (
		events []model.InboundEvent
		newest time.Time
		after  string
	)
	for {
		page, err := p.searchPage(ctx, cred, path, properties, since, after)
		if err != nil {
			return nil, time.Time{}, err
		}
		for _, r := range page.Results {
			modified := r.UpdatedAt.UTC()
			if modified.After(newest) {
				newest = modified
			}
			fields := make(map[string]any, len(r.Properties))
			for k, v := range r.Properties {
				if v != "" {
					fields[k] = v
				}
			}
			raw, _ := json.Marshal(r)
			events = append(events, model.InboundEvent{
				ExternalSystem:       model.IntegrationHubSpot,
				ExternalEventID:      fmt.Sprintf("sync:%s:%s:%d", path, r.ID, modified.UnixMilli()),
				Kind:                 model.EventUpdate,
				EntityKind:           entity,
				ExternalEntityID:     r.ID,
				ExternalLastModified: &modified,
				Fields:               fields,
				Payload:              raw,
			})
		}
		if page.Paging == nil || page.Paging.Next.After == "" {
			return events, newest, nil
		}
		after = page.Paging.Next.After
	}
}

func (p *hubspotPuller) searchPage(ctx context.Context, cred model.IntegrationCredential, path string, properties []string, since time.Time, after string) (hubspotSearchResult, error) {
	body := map[string]any{
		"filterGroups": []any{map[string]any{
			"filters": []any{map[string]any{
				"propertyName": "hs_lastmodifieddate",
				"operator":     "GTE",
				"value":        strconv.FormatInt(since.UnixMilli(), 10),
			}},
		}},
		"sorts":      []any{map[string]any{"propertyName": "hs_lastmodifieddate", "direction": "ASCENDING"}},
		"properties": properties,
		"limit":      100,
	}
	if after != "" {
		body["after"] = after
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return hubspotSearchResult{}, &model.PermanentError{Reason: "marshal hubspot search", Err: err}
	}

	url := fmt.Sprintf("%s/crm/v3/objects/%s/search", p.baseURL, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return hubspotSearchResult{}, &model.PermanentError{Reason: "build hubspot request", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+cred.AccessSecret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return hubspotSearchResult{}, &model.TransientError{Reason: "hubspot unreachable", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return hubspotSearchResult{}, &model.TransientError{Reason: "read hubspot response", Err: err}
	}
	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return hubspotSearchResult{}, &model.PermanentError{Reason: fmt.Sprintf("hubspot rejected token (%d)", resp.StatusCode)}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return hubspotSearchResult{}, &model.TransientError{Reason: fmt.Sprintf("hubspot unavailable (%d)", resp.StatusCode)}
	default:
		return hubspotSearchResult{}, &model.PermanentError{Reason: fmt.Sprintf("unexpected hubspot status %d", resp.StatusCode)}
	}

	var result hubspotSearchResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return hubspotSearchResult{}, &model.TransientError{Reason: "decode hubspot response", Err: err}
	}
	return result, nil
}
