package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tsunagi-ai/tsunagi/internal/model"
)

// bullhornPuller queries candidates and job orders modified since the window
// start against the tenant's REST cluster. It authenticates with the session
// token minted by the two-step handshake; a missing session means the
// credential manager must refresh first.
type bullhornPuller struct {
	client *http.Client
	// baseOverride replaces the credential's endpoint hint in tests.
	baseOverride string
}

// NewBullhornPuller builds the Bullhorn puller.
func NewBullhornPuller(baseOverride string, timeout time.Duration) Puller {
	return &bullhornPuller{
		client:       &http.Client{Timeout: timeout},
		baseOverride: baseOverride,
	}
}

type bullhornQueryResult struct {
	Total int              `json:"total"`
	Start int              `json:"start"`
	Count int              `json:"count"`
	Data  []map[string]any `json:"data"`
}

func (p *bullhornPuller) Pull(ctx context.Context, cred model.IntegrationCredential, w Window) (PullResult, error) {
	base := p.baseOverride
	if base == "" {
		if cred.EndpointHint == nil || *cred.EndpointHint == "" {
			return PullResult{}, &model.NeedsReconnectError{
				OrgID: cred.OrgID, Integration: cred.Integration,
				Reason: "no REST endpoint on file; session handshake incomplete",
			}
		}
		base = *cred.EndpointHint
	}
	if cred.SessionToken == nil || *cred.SessionToken == "" {
		return PullResult{}, &model.NeedsReconnectError{
			OrgID: cred.OrgID, Integration: cred.Integration,
			Reason: "no session token on file",
		}
	}

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
		entity model.EntityKind
		name   string
		fields string
	}{
		{model.EntityContact, "Candidate", "id,email,name,phone,status,dateLastModified"},
		{model.EntityDeal, "JobOrder", "id,title,status,dateLastModified"},
	} {
		events, newest, err := p.pullEntity(ctx, base, *cred.SessionToken, obj.name, obj.fields, obj.entity, since)
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

func (p *bullhornPuller) pullEntity(ctx context.Context, base, session, name, fields string, entity model.EntityKind, since time.Time) ([]model.InboundEvent, time.Time, error) {
	var (
		events []model.InboundEvent
		newest time.Time
		start  int
	)
	for {
		q := url.Values{
			"where":   {fmt.Sprintf("dateLastModified>%d", since.UnixMilli())},
			"fields":  {fields},
			"orderBy": {"dateLastModified"},
			"count":   {"100"},
			"start":   {strconv.Itoa(start)},
		}
		endpoint := fmt.Sprintf("%s/query/%s?%s", strings.TrimSuffix(base, "/"), name, q.Encode())
		page, err := p.queryPage(ctx, endpoint, session)
		if err != nil {
			return nil, time.Time{}, err
		}

		for _, row := range page.Data {
			id := rowString(row, "id")
			if id == "" {
				continue
			}
			modified := rowTime(row, "dateLastModified")
			if modified.After(newest) {
				newest = modified
			}
			raw, _ := json.Marshal(row)
			events = append(events, model.InboundEvent{
				ExternalSystem:       model.IntegrationBullhorn,
				ExternalEventID:      fmt.Sprintf("sync:%s:%s:%d", name, id, modified.UnixMilli()),
				Kind:                 model.EventUpdate,
				EntityKind:           entity,
				ExternalEntityID:     id,
				ExternalLastModified: &modified,
				Fields:               rowFields(row, entity),
				Payload:              raw,
			})
		}

		start += page.Count
		if page.Count == 0 || start >= page.Total {
			return events, newest, nil
		}
	}
}

func (p *bullhornPuller) queryPage(ctx context.Context, endpoint, session string) (bullhornQueryResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return bullhornQueryResult{}, &model.PermanentError{Reason: "build bullhorn query", Err: err}
	}
	req.Header.Set("BhRestToken", session)

	resp, err := p.client.Do(req)
	if err != nil {
		return bullhornQueryResult{}, &model.TransientError{Reason: "bullhorn unreachable", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return bullhornQueryResult{}, &model.TransientError{Reason: "read bullhorn response", Err: err}
	}
	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized:
		return bullhornQueryResult{}, &model.PermanentError{Reason: "bullhorn session expired"}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return bullhornQueryResult{}, &model.TransientError{Reason: fmt.Sprintf("bullhorn unavailable (%d)", resp.StatusCode)}
	default:
		return bullhornQueryResult{}, &model.PermanentError{Reason: fmt.Sprintf("unexpected bullhorn status %d", resp.StatusCode)}
	}

	var result bullhornQueryResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return bullhornQueryResult{}, &model.TransientError{Reason: "decode bullhorn response", Err: err}
	}
	return result, nil
}

func rowString(row map[string]any, key string) string {
	switch v := row[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatInt(int64(v), 10)
	}
	return ""
}

func rowTime(row map[string]any, key string) time.Time {
	if ms, ok := row[key].(float64); ok {
		return time.UnixMilli(int64(ms)).UTC()
	}
	return time.Time{}
}

func rowFields(row map[string]any, entity model.EntityKind) map[string]any {
	fields := make(map[string]any)
	switch entity {
	case model.EntityContact:
		for _, k := range []string{"email", "name", "phone", "status"} {
			if v, ok := row[k]; ok && v != nil {
				fields[k] = v
			}
		}
	case model.EntityDeal:
		if v, ok := row["title"]; ok && v != nil {
			fields["name"] = v
		}
		if v, ok := row["status"].(string); ok {
			fields["stage"] = v
		}
	}
	return fields
}
