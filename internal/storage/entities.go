package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/tsunagi-ai/tsunagi/internal/model"
)

// EntityTable maps an entity kind to its table name.
func EntityTable(kind model.EntityKind) (string, error) {
	switch kind {
	case model.EntityContact, model.EntityCompany:
		// Companies are stored as contacts with a company attribute; the
		// mapped external kind keeps the distinction.
		return "contacts", nil
	case model.EntityDeal:
		return "deals", nil
	case model.EntityMeeting:
		return "meetings", nil
	case model.EntityEmail:
		return "emails", nil
	}
	return "", fmt.Errorf("storage: unknown entity kind %q", kind)
}

// entityFieldColumns whitelists the updatable columns per table. Adapter
// decoders only emit these keys; anything else is a programming error.
var entityFieldColumns = map[string]map[string]bool{
	"contacts": {"email": true, "name": true, "company": true, "phone": true, "status": true, "metadata": true},
	"deals":    {"name": true, "stage": true, "amount": true, "contact_id": true, "metadata": true},
	"meetings": {"external_recording_id": true, "title": true, "occurred_at": true, "contact_id": true, "topics": true, "metadata": true},
	"emails":   {"contact_id": true, "subject": true, "snippet": true, "direction": true, "sent_at": true},
}

// InsertEntity creates a new internal row of the given kind from decoded
// fields and returns its id.
func (db *DB) InsertEntity(ctx context.Context, orgID uuid.UUID, kind model.EntityKind, fields map[string]any, lastModified time.Time) (uuid.UUID, error) {
	table, err := EntityTable(kind)
	if err != nil {
		return uuid.Nil, err
	}

	cols := []string{"id", "org_id", "last_modified"}
	id := uuid.New()
	args := []any{id, orgID, lastModified}
	for k, v := range fields {
		if !entityFieldColumns[table][k] {
			return uuid.Nil, fmt.Errorf("storage: field %q not allowed on %s", k, table)
		}
		cols = append(cols, k)
		args = append(args, normalizeFieldValue(v))
	}

	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	// cols come from the whitelist above, never from the payload verbatim.
	q := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
		table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	if _, err := db.pool.Exec(ctx, q, args...); err != nil {
		return uuid.Nil, fmt.Errorf("storage: insert %s: %w", table, err)
	}
	return id, nil
}

// UpdateEntity applies decoded fields to an existing internal row and stamps
// last_modified.
func (db *DB) UpdateEntity(ctx context.Context, orgID uuid.UUID, kind model.EntityKind, id uuid.UUID, fields map[string]any, lastModified time.Time) error {
	table, err := EntityTable(kind)
	if err != nil {
		return err
	}

	sets := []string{"last_modified = $1"}
	args := []any{lastModified}
	i := 2
	for k, v := range fields {
		if !entityFieldColumns[table][k] {
			return fmt.Errorf("storage: field %q not allowed on %s", k, table)
		}
		sets = append(sets, fmt.Sprintf("%s = $%d", k, i))
		args = append(args, normalizeFieldValue(v))
		i++
	}
	args = append(args, id, orgID)

	q := fmt.Sprintf(`UPDATE %s SET %s WHERE id = $%d AND org_id = $%d`,
		table, strings.Join(sets, ", "), i, i+1)
	tag, err := db.pool.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("storage: update %s: %w", table, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// EntityLastModified reads the internal row's last_modified instant.
func (db *DB) EntityLastModified(ctx context.Context, orgID uuid.UUID, kind model.EntityKind, id uuid.UUID) (time.Time, error) {
	table, err := EntityTable(kind)
	if err != nil {
		return time.Time{}, err
	}
	var t time.Time
	q := fmt.Sprintf(`SELECT last_modified FROM %s WHERE id = $1 AND org_id = $2`, table)
	if err := db.pool.QueryRow(ctx, q, id, orgID).Scan(&t); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, ErrNotFound
		}
		return time.Time{}, fmt.Errorf("storage: entity last modified: %w", err)
	}
	return t, nil
}

// AnnotateEntityDeleted merges {deleted_externally: true, at} into the
// internal row's metadata. The row itself is preserved: external deletes
// never destroy user-authored data.
func (db *DB) AnnotateEntityDeleted(ctx context.Context, orgID uuid.UUID, kind model.EntityKind, id uuid.UUID, at time.Time) error {
	table, err := EntityTable(kind)
	if err != nil {
		return err
	}
	if table == "emails" {
		// Emails carry no metadata column; deletion is tracked on the mapping only.
		return nil
	}
	annotation, _ := json.Marshal(map[string]any{
		"deleted_externally": true,
		"at":                 at.UTC().Format(time.RFC3339),
	})
	q := fmt.Sprintf(`UPDATE %s SET metadata = metadata || $1::jsonb WHERE id = $2 AND org_id = $3`, table)
	tag, err := db.pool.Exec(ctx, q, annotation, id, orgID)
	if err != nil {
		return fmt.Errorf("storage: annotate %s deleted: %w", table, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FindContactByEmail looks up a contact by case-insensitive email, the
// primary natural key for contact reconciliation.
func (db *DB) FindContactByEmail(ctx context.Context, orgID uuid.UUID, email string) (model.Contact, error) {
	var c model.Contact
	err := db.pool.QueryRow(ctx,
		`SELECT id, org_id, email, name, company, phone, status, metadata, last_modified, created_at
		 FROM contacts WHERE org_id = $1 AND lower(email) = lower($2)`,
		orgID, email,
	).Scan(&c.ID, &c.OrgID, &c.Email, &c.Name, &c.Company, &c.Phone, &c.Status, &c.Metadata, &c.LastModified, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Contact{}, ErrNotFound
		}
		return model.Contact{}, fmt.Errorf("storage: find contact by email: %w", err)
	}
	c.Source = "local"
	return c, nil
}

// FindMeetingByRecordingID looks up a meeting by its external recording id,
// the natural key for meeting reconciliation.
func (db *DB) FindMeetingByRecordingID(ctx context.Context, orgID uuid.UUID, recordingID string) (model.Meeting, error) {
	m, err := db.getMeeting(ctx,
		`SELECT id, org_id, external_recording_id, title, occurred_at, contact_id, topics, metadata, last_modified, created_at
		 FROM meetings WHERE org_id = $1 AND external_recording_id = $2`,
		orgID, recordingID)
	if err != nil {
		return model.Meeting{}, err
	}
	return m, nil
}

// GetContact retrieves one contact.
func (db *DB) GetContact(ctx context.Context, orgID, id uuid.UUID) (model.Contact, error) {
	var c model.Contact
	err := db.pool.QueryRow(ctx,
		`SELECT id, org_id, email, name, company, phone, status, metadata, last_modified, created_at
		 FROM contacts WHERE org_id = $1 AND id = $2`,
		orgID, id,
	).Scan(&c.ID, &c.OrgID, &c.Email, &c.Name, &c.Company, &c.Phone, &c.Status, &c.Metadata, &c.LastModified, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Contact{}, ErrNotFound
		}
		return model.Contact{}, fmt.Errorf("storage: get contact: %w", err)
	}
	c.Source = "local"
	return c, nil
}

// GetDeal retrieves one deal.
func (db *DB) GetDeal(ctx context.Context, orgID, id uuid.UUID) (model.Deal, error) {
	var d model.Deal
	err := db.pool.QueryRow(ctx,
		`SELECT id, org_id, name, stage, amount, contact_id, metadata, last_modified, created_at
		 FROM deals WHERE org_id = $1 AND id = $2`,
		orgID, id,
	).Scan(&d.ID, &d.OrgID, &d.Name, &d.Stage, &d.Amount, &d.ContactID, &d.Metadata, &d.LastModified, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Deal{}, ErrNotFound
		}
		return model.Deal{}, fmt.Errorf("storage: get deal: %w", err)
	}
	d.Source = "local"
	return d, nil
}

func (db *DB) getMeeting(ctx context.Context, query string, args ...any) (model.Meeting, error) {
	var m model.Meeting
	var topics []byte
	err := db.pool.QueryRow(ctx, query, args...).Scan(
		&m.ID, &m.OrgID, &m.ExternalRecordingID, &m.Title, &m.OccurredAt, &m.ContactID,
		&topics, &m.Metadata, &m.LastModified, &m.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Meeting{}, ErrNotFound
		}
		return model.Meeting{}, fmt.Errorf("storage: get meeting: %w", err)
	}
	if len(topics) > 0 {
		if err := json.Unmarshal(topics, &m.Topics); err != nil {
			return model.Meeting{}, fmt.Errorf("storage: decode meeting topics: %w", err)
		}
	}
	return m, nil
}

// GetMeeting retrieves one meeting.
func (db *DB) GetMeeting(ctx context.Context, orgID, id uuid.UUID) (model.Meeting, error) {
	return db.getMeeting(ctx,
		`SELECT id, org_id, external_recording_id, title, occurred_at, contact_id, topics, metadata, last_modified, created_at
		 FROM meetings WHERE org_id = $1 AND id = $2`,
		orgID, id)
}

// ListRecentEmailsByContact returns a contact's most recent emails.
func (db *DB) ListRecentEmailsByContact(ctx context.Context, orgID, contactID uuid.UUID, limit int) ([]model.Email, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, org_id, contact_id, subject, snippet, direction, sent_at, last_modified, created_at
		 FROM emails WHERE org_id = $1 AND contact_id = $2
		 ORDER BY sent_at DESC NULLS LAST LIMIT $3`,
		orgID, contactID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list emails: %w", err)
	}
	defer rows.Close()

	var out []model.Email
	for rows.Next() {
		var e model.Email
		if err := rows.Scan(&e.ID, &e.OrgID, &e.ContactID, &e.Subject, &e.Snippet, &e.Direction, &e.SentAt, &e.LastModified, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan email: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListRecentMeetingsByContact returns a contact's most recent meetings.
func (db *DB) ListRecentMeetingsByContact(ctx context.Context, orgID, contactID uuid.UUID, limit int) ([]model.Meeting, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, org_id, external_recording_id, title, occurred_at, contact_id, topics, metadata, last_modified, created_at
		 FROM meetings WHERE org_id = $1 AND contact_id = $2
		 ORDER BY occurred_at DESC NULLS LAST LIMIT $3`,
		orgID, contactID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list meetings: %w", err)
	}
	defer rows.Close()

	var out []model.Meeting
	for rows.Next() {
		var m model.Meeting
		var topics []byte
		if err := rows.Scan(&m.ID, &m.OrgID, &m.ExternalRecordingID, &m.Title, &m.OccurredAt, &m.ContactID, &topics, &m.Metadata, &m.LastModified, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan meeting: %w", err)
		}
		if len(topics) > 0 {
			if err := json.Unmarshal(topics, &m.Topics); err != nil {
				return nil, fmt.Errorf("storage: decode meeting topics: %w", err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListTopicRecords flattens meeting topics into aggregation input. When
// meetingID is non-nil only that meeting's topics are returned (single
// mode); otherwise the whole tenant is scanned (full mode).
func (db *DB) ListTopicRecords(ctx context.Context, orgID uuid.UUID, meetingID *uuid.UUID) ([]model.TopicRecord, error) {
	q := `SELECT id, occurred_at, contact_id, topics FROM meetings
	      WHERE org_id = $1 AND topics != '[]'::jsonb`
	args := []any{orgID}
	if meetingID != nil {
		q += ` AND id = $2`
		args = append(args, *meetingID)
	}
	q += ` ORDER BY occurred_at NULLS LAST`

	rows, err := db.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list topic records: %w", err)
	}
	defer rows.Close()

	var out []model.TopicRecord
	for rows.Next() {
		var (
			id         uuid.UUID
			occurredAt *time.Time
			contactID  *uuid.UUID
			raw        []byte
		)
		if err := rows.Scan(&id, &occurredAt, &contactID, &raw); err != nil {
			return nil, fmt.Errorf("storage: scan topic record row: %w", err)
		}
		var topics []model.MeetingTopic
		if err := json.Unmarshal(raw, &topics); err != nil {
			return nil, fmt.Errorf("storage: decode topics for meeting %s: %w", id, err)
		}
		date := time.Now().UTC()
		if occurredAt != nil {
			date = *occurredAt
		}
		for _, t := range topics {
			out = append(out, model.TopicRecord{
				MeetingID:   id,
				TopicIndex:  t.Index,
				Title:       t.Title,
				Description: t.Description,
				MeetingDate: date,
				ContactID:   contactID,
			})
		}
	}
	return out, rows.Err()
}

// normalizeFieldValue converts decoder output into driver-friendly values.
// Nested structures (e.g. meeting topics) are stored as JSON.
func normalizeFieldValue(v any) any {
	switch v.(type) {
	case nil, string, bool, int, int64, float64, time.Time, *time.Time, uuid.UUID, *uuid.UUID:
		return v
	}
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	return b
}
