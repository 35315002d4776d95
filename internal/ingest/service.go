// Package ingest implements idempotent event ingestion and entity
// reconciliation: signature verification, ledger-gated dedup, natural-key
// matching and last-writer-wins conflict resolution. External deletes only
// ever soft-delete.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/tsunagi-ai/tsunagi/internal/clock"
	"github.com/tsunagi-ai/tsunagi/internal/integration"
	"github.com/tsunagi-ai/tsunagi/internal/model"
	"github.com/tsunagi-ai/tsunagi/internal/storage"
	"github.com/tsunagi-ai/tsunagi/internal/telemetry"
)

// Store is the persistence surface reconciliation needs.
type Store interface {
	BeginEvent(ctx context.Context, e model.InboundEvent) error
	CompleteEvent(ctx context.Context, system model.IntegrationKind, eventID string, result model.ProcessingResult, detail string) error
	GetLedgerEntry(ctx context.Context, system model.IntegrationKind, eventID string) (model.LedgerEntry, error)
	ReclaimFailedEvent(ctx context.Context, system model.IntegrationKind, eventID string) error

	GetMapping(ctx context.Context, orgID uuid.UUID, system model.IntegrationKind, kind model.EntityKind, externalID string) (model.EntityMapping, error)
	UpsertMapping(ctx context.Context, m model.EntityMapping) (model.EntityMapping, error)
	TouchMappingTimestamps(ctx context.Context, id uuid.UUID, external, internal *time.Time) error
	MarkMappingSoftDeleted(ctx context.Context, id uuid.UUID) error

	InsertEntity(ctx context.Context, orgID uuid.UUID, kind model.EntityKind, fields map[string]any, lastModified time.Time) (uuid.UUID, error)
	UpdateEntity(ctx context.Context, orgID uuid.UUID, kind model.EntityKind, id uuid.UUID, fields map[string]any, lastModified time.Time) error
	EntityLastModified(ctx context.Context, orgID uuid.UUID, kind model.EntityKind, id uuid.UUID) (time.Time, error)
	AnnotateEntityDeleted(ctx context.Context, orgID uuid.UUID, kind model.EntityKind, id uuid.UUID, at time.Time) error

	FindContactByEmail(ctx context.Context, orgID uuid.UUID, email string) (model.Contact, error)
	FindMeetingByRecordingID(ctx context.Context, orgID uuid.UUID, recordingID string) (model.Meeting, error)

	FindOrgByAccountHint(ctx context.Context, integration model.IntegrationKind, hint string) (uuid.UUID, error)
	FindOrgByUserEmail(ctx context.Context, email string) (uuid.UUID, error)

	EnqueueWork(ctx context.Context, item model.WorkItem) (model.WorkItem, error)
}

// Service processes inbound webhooks and sync-discovered events.
type Service struct {
	store    Store
	registry *integration.Registry
	clock    clock.Clock
	logger   *slog.Logger

	eventCount metric.Int64Counter
}

// New builds a Service.
func New(store Store, registry *integration.Registry, clk clock.Clock, logger *slog.Logger) *Service {
	meter := telemetry.Meter("tsunagi/ingest")
	events, _ := meter.Int64Counter("tsunagi.ingest.event_count",
		metric.WithDescription("Inbound events by integration and processing result"),
	)
	return &Service{
		store:      store,
		registry:   registry,
		clock:      clk,
		logger:     logger.With("component", "ingest"),
		eventCount: events,
	}
}

// Disposition is the per-event outcome reported back to the caller.
type Disposition struct {
	ExternalEventID string                 `json:"external_event_id"`
	Result          model.ProcessingResult `json:"result"`
	Detail          string                 `json:"detail,omitempty"`
	InternalID      *uuid.UUID             `json:"internal_id,omitempty"`
}

// WebhookReceipt summarizes one webhook delivery.
type WebhookReceipt struct {
	OrgID        uuid.UUID             `json:"org_id"`
	Integration  model.IntegrationKind `json:"integration"`
	Dispositions []Disposition         `json:"events"`
}

// ErrUnknownTenant means the payload's discriminator matched no connected
// org; the delivery is acknowledged but nothing is applied.
var ErrUnknownTenant = errors.New("ingest: webhook tenant could not be resolved")

// IngestWebhook verifies, decodes and applies one webhook delivery.
// Verification happens before anything is written: a delivery that fails its
// signature leaves no trace in the ledger.
func (s *Service) IngestWebhook(ctx context.Context, kind model.IntegrationKind, headers http.Header, body []byte) (WebhookReceipt, error) {
	adapter, ok := s.registry.Get(kind)
	if !ok {
		return WebhookReceipt{}, &model.ValidationError{Field: "integration", Reason: fmt.Sprintf("unknown integration %q", kind)}
	}

	if adapter.Verifier != nil {
		if err := adapter.Verifier.Verify(headers, body, s.clock.Now()); err != nil {
			s.logger.Warn("webhook rejected", "integration", kind, "error", err)
			return WebhookReceipt{}, err
		}
	}
	if adapter.Decoder == nil {
		return WebhookReceipt{Integration: kind}, nil
	}

	events, err := adapter.Decoder.Decode(body, headers)
	if err != nil {
		return WebhookReceipt{}, err
	}
	if len(events) == 0 {
		return WebhookReceipt{Integration: kind}, nil
	}

	orgID, err := s.resolveTenant(ctx, adapter, headers, body)
	if err != nil {
		return WebhookReceipt{}, err
	}

	receipt := WebhookReceipt{OrgID: orgID, Integration: kind}
	for _, ev := range events {
		receipt.Dispositions = append(receipt.Dispositions, s.Process(ctx, orgID, ev))
	}
	return receipt, nil
}

func (s *Service) resolveTenant(ctx context.Context, adapter integration.Adapter, headers http.Header, body []byte) (uuid.UUID, error) {
	hint := adapter.Decoder.TenantHint(body, headers)
	if hint == "" {
		return uuid.Nil, ErrUnknownTenant
	}
	orgID, err := s.store.FindOrgByAccountHint(ctx, adapter.Kind, hint)
	if err == nil {
		return orgID, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return uuid.Nil, err
	}
	// Some providers only name the acting user; fall back to membership.
	orgID, err = s.store.FindOrgByUserEmail(ctx, hint)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return uuid.Nil, ErrUnknownTenant
		}
		return uuid.Nil, err
	}
	return orgID, nil
}

// Process runs one event through the ledger gate and reconciliation. The
// disposition is always recorded on the ledger entry; a redelivered event
// short-circuits to duplicate without side effects.
func (s *Service) Process(ctx context.Context, orgID uuid.UUID, ev model.InboundEvent) Disposition {
	d := Disposition{ExternalEventID: ev.ExternalEventID}
	defer func() {
		s.eventCount.Add(ctx, 1, metric.WithAttributes(
			attribute.String("integration", string(ev.ExternalSystem)),
			attribute.String("result", string(d.Result)),
		))
	}()

	if err := s.store.BeginEvent(ctx, ev); err != nil {
		if errors.Is(err, storage.ErrDuplicateEvent) {
			d.Result = model.ProcessingDuplicate
			d.Detail = "event already processed"
			return d
		}
		d.Result = model.ProcessingFailed
		d.Detail = err.Error()
		s.logger.Error("ledger reservation failed", "org_id", orgID, "event_id", ev.ExternalEventID, "error", err)
		return d
	}

	internalID, result, detail, err := s.reconcile(ctx, orgID, ev)
	if err != nil {
		result = model.ProcessingFailed
		detail = err.Error()
		s.logger.Error("reconciliation failed",
			"org_id", orgID,
			"integration", ev.ExternalSystem,
			"event_id", ev.ExternalEventID,
			"entity_kind", ev.EntityKind,
			"error", err)
		s.enqueueRetry(ctx, orgID, ev, err)
	}

	if cerr := s.store.CompleteEvent(ctx, ev.ExternalSystem, ev.ExternalEventID, result, detail); cerr != nil {
		s.logger.Error("ledger completion failed", "event_id", ev.ExternalEventID, "error", cerr)
	}

	d.Result = result
	d.Detail = detail
	d.InternalID = internalID
	return d
}

// Replay reprocesses a previously failed ledger entry identified by
// "system/event_id". The entry must still be failed; anything else means a
// concurrent replay already handled it.
func (s *Service) Replay(ctx context.Context, orgID uuid.UUID, subject string) (Disposition, error) {
	system, eventID, ok := splitSubject(subject)
	if !ok {
		return Disposition{}, &model.ValidationError{Field: "subject", Reason: fmt.Sprintf("malformed retry subject %q", subject)}
	}

	entry, err := s.store.GetLedgerEntry(ctx, system, eventID)
	if err != nil {
		return Disposition{}, err
	}
	if entry.Result != model.ProcessingFailed {
		return Disposition{ExternalEventID: eventID, Result: entry.Result, Detail: "already settled"}, nil
	}
	if err := s.store.ReclaimFailedEvent(ctx, system, eventID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Disposition{ExternalEventID: eventID, Result: entry.Result, Detail: "already settled"}, nil
		}
		return Disposition{}, err
	}

	var ev model.InboundEvent
	if err := json.Unmarshal(entry.Payload, &ev); err != nil {
		detail := fmt.Sprintf("undecodable ledger payload: %v", err)
		if cerr := s.store.CompleteEvent(ctx, system, eventID, model.ProcessingFailed, detail); cerr != nil {
			s.logger.Error("ledger completion failed", "event_id", eventID, "error", cerr)
		}
		return Disposition{}, &model.PermanentError{Reason: detail}
	}

	d := Disposition{ExternalEventID: eventID}
	internalID, result, detail, err := s.reconcile(ctx, orgID, ev)
	if err != nil {
		result = model.ProcessingFailed
		detail = err.Error()
	}
	if cerr := s.store.CompleteEvent(ctx, system, eventID, result, detail); cerr != nil {
		s.logger.Error("ledger completion failed", "event_id", eventID, "error", cerr)
	}
	d.Result = result
	d.Detail = detail
	d.InternalID = internalID
	return d, err
}

func splitSubject(subject string) (model.IntegrationKind, string, bool) {
	system, eventID, ok := strings.Cut(subject, "/")
	if !ok || system == "" || eventID == "" {
		return "", "", false
	}
	return model.IntegrationKind(system), eventID, true
}

// enqueueRetry defers transiently failed events to the work queue instead of
// relying on provider redelivery, which the ledger would dedupe away.
func (s *Service) enqueueRetry(ctx context.Context, orgID uuid.UUID, ev model.InboundEvent, cause error) {
	if !model.IsTransient(cause) {
		return
	}
	_, err := s.store.EnqueueWork(ctx, model.WorkItem{
		OrgID:     orgID,
		Kind:      model.WorkSyncRetry,
		SubjectID: fmt.Sprintf("%s/%s", ev.ExternalSystem, ev.ExternalEventID),
		RunAfter:  s.clock.Now().Add(time.Minute),
	})
	if err != nil {
		s.logger.Error("enqueue event retry failed", "event_id", ev.ExternalEventID, "error", err)
	}
}

func (s *Service) reconcile(ctx context.Context, orgID uuid.UUID, ev model.InboundEvent) (*uuid.UUID, model.ProcessingResult, string, error) {
	switch ev.Kind {
	case model.EventCreate:
		return s.applyCreate(ctx, orgID, ev)
	case model.EventUpdate:
		return s.applyUpdate(ctx, orgID, ev)
	case model.EventDelete:
		return s.applyDelete(ctx, orgID, ev)
	default:
		return nil, model.ProcessingFailed, "", &model.PermanentError{Reason: fmt.Sprintf("unknown event kind %q", ev.Kind)}
	}
}

// applyCreate materializes a new internal row, adopting an existing row when
// a natural key already names it. A create for an already-mapped identity
// degrades to an update: providers replay creates freely.
func (s *Service) applyCreate(ctx context.Context, orgID uuid.UUID, ev model.InboundEvent) (*uuid.UUID, model.ProcessingResult, string, error) {
	mapping, err := s.store.GetMapping(ctx, orgID, ev.ExternalSystem, ev.EntityKind, ev.ExternalEntityID)
	if err == nil {
		return s.updateMapped(ctx, orgID, ev, mapping, "create degraded to update")
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, model.ProcessingFailed, "", err
	}

	fields := normalizeFields(ev.EntityKind, ev.Fields)
	modifiedAt := s.effectiveTimestamp(ev)

	internalID, adopted, err := s.matchNaturalKey(ctx, orgID, ev, fields)
	if err != nil {
		return nil, model.ProcessingFailed, "", err
	}
	detail := ""
	if adopted {
		detail = "adopted existing row by natural key"
		if len(fields) > 0 {
			if err := s.store.UpdateEntity(ctx, orgID, ev.EntityKind, internalID, fields, modifiedAt); err != nil {
				return nil, model.ProcessingFailed, "", err
			}
		}
	} else {
		internalID, err = s.store.InsertEntity(ctx, orgID, ev.EntityKind, fields, modifiedAt)
		if err != nil {
			return nil, model.ProcessingFailed, "", err
		}
	}

	table, err := storage.EntityTable(ev.EntityKind)
	if err != nil {
		return nil, model.ProcessingFailed, "", err
	}
	if _, err := s.store.UpsertMapping(ctx, model.EntityMapping{
		OrgID:                orgID,
		ExternalSystem:       ev.ExternalSystem,
		ExternalKind:         ev.EntityKind,
		ExternalID:           ev.ExternalEntityID,
		InternalTable:        table,
		InternalID:           internalID,
		Direction:            model.DirectionInbound,
		ExternalLastModified: ev.ExternalLastModified,
		InternalLastModified: &modifiedAt,
	}); err != nil {
		return nil, model.ProcessingFailed, "", err
	}

	s.maybeEnqueueTopicExtraction(ctx, orgID, ev, internalID)
	return &internalID, model.ProcessingApplied, detail, nil
}

// matchNaturalKey looks for an existing unmapped row the event naturally
// identifies: contacts by email, meetings by recording id.
func (s *Service) matchNaturalKey(ctx context.Context, orgID uuid.UUID, ev model.InboundEvent, fields map[string]any) (uuid.UUID, bool, error) {
	switch ev.EntityKind {
	case model.EntityContact:
		email, _ := fields["email"].(string)
		if email == "" {
			return uuid.Nil, false, nil
		}
		c, err := s.store.FindContactByEmail(ctx, orgID, email)
		if err == nil {
			return c.ID, true, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return uuid.Nil, false, err
		}
	case model.EntityMeeting:
		recordingID, _ := fields["external_recording_id"].(string)
		if recordingID == "" {
			return uuid.Nil, false, nil
		}
		m, err := s.store.FindMeetingByRecordingID(ctx, orgID, recordingID)
		if err == nil {
			return m.ID, true, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return uuid.Nil, false, err
		}
	}
	return uuid.Nil, false, nil
}

// applyUpdate applies fields to the mapped row under last-writer-wins. A
// missing mapping escalates to create: updates arrive out of order relative
// to the creates that should precede them.
func (s *Service) applyUpdate(ctx context.Context, orgID uuid.UUID, ev model.InboundEvent) (*uuid.UUID, model.ProcessingResult, string, error) {
	mapping, err := s.store.GetMapping(ctx, orgID, ev.ExternalSystem, ev.EntityKind, ev.ExternalEntityID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			id, result, _, err := s.applyCreate(ctx, orgID, ev)
			return id, result, "update escalated to create", err
		}
		return nil, model.ProcessingFailed, "", err
	}
	return s.updateMapped(ctx, orgID, ev, mapping, "")
}

func (s *Service) updateMapped(ctx context.Context, orgID uuid.UUID, ev model.InboundEvent, mapping model.EntityMapping, detail string) (*uuid.UUID, model.ProcessingResult, string, error) {
	internalLast, err := s.store.EntityLastModified(ctx, orgID, ev.EntityKind, mapping.InternalID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, model.ProcessingFailed, "", err
	}

	// Last writer wins on the provider's modification clock. An event older
	// than the internal row is stale and skipped, never merged.
	if ev.ExternalLastModified != nil && ev.ExternalLastModified.Before(internalLast) {
		return &mapping.InternalID, model.ProcessingSkippedConflict,
			fmt.Sprintf("external change at %s older than internal %s",
				ev.ExternalLastModified.Format(time.RFC3339), internalLast.Format(time.RFC3339)), nil
	}

	fields := normalizeFields(ev.EntityKind, ev.Fields)
	modifiedAt := s.effectiveTimestamp(ev)
	if len(fields) > 0 {
		if err := s.store.UpdateEntity(ctx, orgID, ev.EntityKind, mapping.InternalID, fields, modifiedAt); err != nil {
			return nil, model.ProcessingFailed, "", err
		}
	}
	if err := s.store.TouchMappingTimestamps(ctx, mapping.ID, ev.ExternalLastModified, &modifiedAt); err != nil {
		return nil, model.ProcessingFailed, "", err
	}

	s.maybeEnqueueTopicExtraction(ctx, orgID, ev, mapping.InternalID)
	return &mapping.InternalID, model.ProcessingApplied, detail, nil
}

// applyDelete soft-deletes: the mapping is flagged and the internal row
// annotated, never removed. A delete for an unknown identity is a no-op.
func (s *Service) applyDelete(ctx context.Context, orgID uuid.UUID, ev model.InboundEvent) (*uuid.UUID, model.ProcessingResult, string, error) {
	mapping, err := s.store.GetMapping(ctx, orgID, ev.ExternalSystem, ev.EntityKind, ev.ExternalEntityID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, model.ProcessingApplied, "no mapping; nothing to delete", nil
		}
		return nil, model.ProcessingFailed, "", err
	}

	if err := s.store.MarkMappingSoftDeleted(ctx, mapping.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, model.ProcessingFailed, "", err
	}
	if err := s.store.AnnotateEntityDeleted(ctx, orgID, ev.EntityKind, mapping.InternalID, s.effectiveTimestamp(ev)); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, model.ProcessingFailed, "", err
	}
	return &mapping.InternalID, model.ProcessingApplied, "soft deleted", nil
}

// maybeEnqueueTopicExtraction queues topic aggregation for meetings that
// carry topics.
func (s *Service) maybeEnqueueTopicExtraction(ctx context.Context, orgID uuid.UUID, ev model.InboundEvent, internalID uuid.UUID) {
	if ev.EntityKind != model.EntityMeeting {
		return
	}
	if _, ok := ev.Fields["topics"]; !ok {
		return
	}
	if _, err := s.store.EnqueueWork(ctx, model.WorkItem{
		OrgID:     orgID,
		Kind:      model.WorkTopicExtraction,
		SubjectID: internalID.String(),
	}); err != nil {
		s.logger.Error("enqueue topic extraction failed", "meeting_id", internalID, "error", err)
	}
}

// effectiveTimestamp picks the modification instant applied to internal
// state: the provider's clock when present, otherwise receipt time.
func (s *Service) effectiveTimestamp(ev model.InboundEvent) time.Time {
	if ev.ExternalLastModified != nil {
		return ev.ExternalLastModified.UTC()
	}
	return s.clock.Now()
}
