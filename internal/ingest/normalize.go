package ingest

import (
	"strconv"
	"strings"
	"time"

	"github.com/tsunagi-ai/tsunagi/internal/model"
)

// fieldAliases maps provider attribute names onto internal column names per
// entity kind. Decoders emit provider vocabulary; reconciliation speaks ours.
var fieldAliases = map[model.EntityKind]map[string]string{
	model.EntityContact: {
		"email":          "email",
		"name":           "name",
		"firstname":      "name",
		"company":        "company",
		"company_name":   "company",
		"phone":          "phone",
		"phone_number":   "phone",
		"status":         "status",
		"lifecyclestage": "status",
	},
	model.EntityCompany: {
		"name":   "company",
		"domain": "email",
		"phone":  "phone",
		"status": "status",
	},
	model.EntityDeal: {
		"name":       "name",
		"dealname":   "name",
		"stage":      "stage",
		"amount":     "amount",
		"contact_id": "contact_id",
	},
	model.EntityMeeting: {
		"title":           "title",
		"recording_id":    "external_recording_id",
		"occurred_at":     "occurred_at",
		"scheduled_start": "occurred_at",
		"contact_id":      "contact_id",
		"topics":          "topics",
	},
	model.EntityEmail: {
		"contact_id": "contact_id",
		"subject":    "subject",
		"snippet":    "snippet",
		"direction":  "direction",
		"sent_at":    "sent_at",
	},
}

// metadataFields are attributes worth keeping that have no dedicated column;
// they land in the row's metadata blob.
var metadataFields = map[model.EntityKind]map[string]bool{
	model.EntityMeeting: {"summary": true, "participants": true, "scheduled_end": true, "attendee_email": true},
	model.EntityContact: {"source_detail": true},
	model.EntityDeal:    {"pipeline": true},
}

// normalizeFields translates decoder output into whitelisted column values.
// Unknown attributes are dropped; losing an attribute must never fail the
// event.
func normalizeFields(kind model.EntityKind, in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	meta := make(map[string]any)

	for k, v := range in {
		key := strings.ToLower(k)
		if col, ok := fieldAliases[kind][key]; ok {
			out[col] = coerceValue(col, v)
			continue
		}
		if metadataFields[kind][key] {
			meta[key] = v
		}
	}

	if len(meta) > 0 {
		out["metadata"] = meta
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// coerceValue repairs type drift between providers: string amounts, RFC 3339
// timestamps as strings, plain-string topic lists.
func coerceValue(col string, v any) any {
	switch col {
	case "amount":
		if s, ok := v.(string); ok {
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				return f
			}
		}
	case "occurred_at", "sent_at":
		if s, ok := v.(string); ok {
			if t, err := time.Parse(time.RFC3339, s); err == nil {
				return t.UTC()
			}
		}
	case "topics":
		if titles, ok := v.([]string); ok {
			return topicsFromTitles(titles)
		}
		if items, ok := v.([]any); ok {
			titles := make([]string, 0, len(items))
			for _, it := range items {
				if s, ok := it.(string); ok {
					titles = append(titles, s)
				}
			}
			return topicsFromTitles(titles)
		}
	}
	return v
}

func topicsFromTitles(titles []string) []model.MeetingTopic {
	out := make([]model.MeetingTopic, len(titles))
	for i, t := range titles {
		out[i] = model.MeetingTopic{Index: i, Title: t}
	}
	return out
}
