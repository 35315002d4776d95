// Package syncer implements the sync orchestrator: scheduler-driven ticks
// fan out per-tenant sync runs, each guarded by a compare-and-set run slot,
// choosing catch-up or incremental windows and feeding pulled events through
// ingestion. Failed items park in the work queue; cursors never advance past
// unprocessed data.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/tsunagi-ai/tsunagi/internal/clock"
	"github.com/tsunagi-ai/tsunagi/internal/ingest"
	"github.com/tsunagi-ai/tsunagi/internal/model"
	"github.com/tsunagi-ai/tsunagi/internal/storage"
	"github.com/tsunagi-ai/tsunagi/internal/telemetry"
)

// Store is the persistence surface the orchestrator needs.
type Store interface {
	ListActiveCredentials(ctx context.Context, integration model.IntegrationKind) ([]model.IntegrationCredential, error)
	GetSyncState(ctx context.Context, orgID uuid.UUID, integration model.IntegrationKind) (model.SyncState, error)
	TryStartSyncRun(ctx context.Context, orgID uuid.UUID, integration model.IntegrationKind) (model.SyncState, error)
	FinishSyncRunSuccess(ctx context.Context, orgID uuid.UUID, integration model.IntegrationKind, completedAt time.Time, newCursor *string) error
	FinishSyncRunError(ctx context.Context, orgID uuid.UUID, integration model.IntegrationKind, reason string) (int, error)
	ReapStaleSyncRuns(ctx context.Context, maxAge time.Duration) (int64, error)

	ClaimWork(ctx context.Context, kind model.WorkItemKind, limit int) ([]model.WorkItem, error)
	CompleteWork(ctx context.Context, id uuid.UUID) error
	FailWork(ctx context.Context, id uuid.UUID, reason string) error
	RetryWork(ctx context.Context, id uuid.UUID, runAfter time.Time) error
}

// Credentials mints usable tokens for outbound pulls.
type Credentials interface {
	Acquire(ctx context.Context, orgID uuid.UUID, kind model.IntegrationKind) (model.IntegrationCredential, error)
}

// Ingestor applies pulled events.
type Ingestor interface {
	Process(ctx context.Context, orgID uuid.UUID, ev model.InboundEvent) ingest.Disposition
	Replay(ctx context.Context, orgID uuid.UUID, subject string) (ingest.Disposition, error)
}

// Options tunes orchestrator policy.
type Options struct {
	// CatchUpThreshold is how stale last_successful_sync may be before a run
	// switches from incremental to a bounded catch-up backfill.
	CatchUpThreshold time.Duration
	// CatchUpWindow bounds how far back a catch-up reaches.
	CatchUpWindow time.Duration
	// Concurrency bounds the tick fanout.
	Concurrency int
	// StaleRunAge is when a running slot is presumed crashed and reaped.
	StaleRunAge time.Duration
	// RetryBaseDelay seeds the exponential backoff on requeued work.
	RetryBaseDelay time.Duration
	// MaxAttempts is when a work item stops being retried.
	MaxAttempts int
}

func (o *Options) setDefaults() {
	if o.CatchUpThreshold <= 0 {
		o.CatchUpThreshold = 36 * time.Hour
	}
	if o.CatchUpWindow <= 0 {
		o.CatchUpWindow = 30 * 24 * time.Hour
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 8
	}
	if o.StaleRunAge <= 0 {
		o.StaleRunAge = time.Hour
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = time.Minute
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
}

// Orchestrator coordinates per-tenant sync runs.
type Orchestrator struct {
	store   Store
	creds   Credentials
	ingest  Ingestor
	pullers map[model.IntegrationKind]Puller
	clock   clock.Clock
	logger  *slog.Logger
	opts    Options

	runCount    metric.Int64Counter
	runDuration metric.Float64Histogram
}

// New builds an Orchestrator. Integrations without a registered puller are
// treated as push-only.
func New(store Store, creds Credentials, ing Ingestor, pullers map[model.IntegrationKind]Puller, clk clock.Clock, logger *slog.Logger, opts Options) *Orchestrator {
	opts.setDefaults()
	if pullers == nil {
		pullers = map[model.IntegrationKind]Puller{}
	}
	meter := telemetry.Meter("tsunagi/syncer")
	runs, _ := meter.Int64Counter("tsunagi.sync.run_count",
		metric.WithDescription("Tenant sync runs by integration, mode and status"),
	)
	runDur, _ := meter.Float64Histogram("tsunagi.sync.run.duration",
		metric.WithDescription("Tenant sync run duration (ms)"),
		metric.WithUnit("ms"),
	)
	return &Orchestrator{
		store:       store,
		creds:       creds,
		ingest:      ing,
		pullers:     pullers,
		clock:       clk,
		logger:      logger.With("component", "syncer"),
		opts:        opts,
		runCount:    runs,
		runDuration: runDur,
	}
}

func (o *Orchestrator) recordRun(ctx context.Context, kind model.IntegrationKind, mode model.SyncMode, status string, start time.Time) {
	attrs := metric.WithAttributes(
		attribute.String("integration", string(kind)),
		attribute.String("mode", string(mode)),
		attribute.String("status", status),
	)
	o.runCount.Add(ctx, 1, attrs)
	o.runDuration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
}

// DefaultPullers wires the production pullers.
func DefaultPullers(timeout time.Duration) map[model.IntegrationKind]Puller {
	return map[model.IntegrationKind]Puller{
		model.IntegrationHubSpot:  NewHubSpotPuller("", timeout),
		model.IntegrationBullhorn: NewBullhornPuller("", timeout),
		model.IntegrationFathom:   pushOnlyPuller{},
		model.IntegrationSavvyCal: pushOnlyPuller{},
		model.IntegrationGoogle:   pushOnlyPuller{},
	}
}

// Tick runs one scheduler tick for an integration: every active tenant is
// synced with bounded concurrency. One tenant's failure never disturbs
// another's; the report carries the full accounting.
func (o *Orchestrator) Tick(ctx context.Context, kind model.IntegrationKind) (model.TickReport, error) {
	if reaped, err := o.store.ReapStaleSyncRuns(ctx, o.opts.StaleRunAge); err != nil {
		o.logger.Warn("reap stale sync runs failed", "error", err)
	} else if reaped > 0 {
		o.logger.Info("reaped stale sync runs", "count", reaped)
	}

	creds, err := o.store.ListActiveCredentials(ctx, kind)
	if err != nil {
		return model.TickReport{}, fmt.Errorf("syncer: list credentials for tick: %w", err)
	}

	report := model.TickReport{Integration: kind, Dispatched: len(creds)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.Concurrency)
	for _, cred := range creds {
		g.Go(func() error {
			item := o.syncOne(gctx, cred.OrgID, kind)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case item == nil:
				report.Coalesced++
			case item.Error != "":
				report.Failed++
				report.Tenants = append(report.Tenants, *item)
			default:
				report.Succeeded++
				report.Tenants = append(report.Tenants, *item)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	o.logger.Info("sync tick complete",
		"integration", kind,
		"dispatched", report.Dispatched,
		"succeeded", report.Succeeded,
		"failed", report.Failed,
		"coalesced", report.Coalesced)
	return report, nil
}

// syncOne wraps SyncTenant for the tick fanout. Nil means the tenant's slot
// was already held.
func (o *Orchestrator) syncOne(ctx context.Context, orgID uuid.UUID, kind model.IntegrationKind) *model.TenantSyncItem {
	summary, err := o.SyncTenant(ctx, orgID, kind)
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyRunning) {
			return nil
		}
		item := &model.TenantSyncItem{OrgID: orgID, Error: err.Error()}
		if summary != nil {
			item.Mode = summary.Mode
		}
		return item
	}
	return &model.TenantSyncItem{OrgID: orgID, Mode: summary.Mode, Summary: summary}
}

// SyncTenant runs one sync pass for (org, integration). The run slot is
// claimed with a compare-and-set; concurrent triggers get
// storage.ErrAlreadyRunning and coalesce. On any failure the cursor and
// last_successful_sync stay where they were.
func (o *Orchestrator) SyncTenant(ctx context.Context, orgID uuid.UUID, kind model.IntegrationKind) (*model.SyncSummary, error) {
	state, err := o.store.TryStartSyncRun(ctx, orgID, kind)
	if err != nil {
		return nil, err
	}
	start := time.Now()

	summary, runErr := o.run(ctx, orgID, kind, state)
	if runErr != nil {
		count, ferr := o.store.FinishSyncRunError(ctx, orgID, kind, runErr.Error())
		if ferr != nil {
			o.logger.Error("finish sync run failed", "org_id", orgID, "integration", kind, "error", ferr)
		}
		o.logger.Warn("sync run failed",
			"org_id", orgID, "integration", kind, "error", runErr, "error_count", count)
		o.recordRun(ctx, kind, summary.Mode, "error", start)
		return summary, runErr
	}

	if err := o.store.FinishSyncRunSuccess(ctx, orgID, kind, o.clock.Now(), summary.NewCursor); err != nil {
		return summary, fmt.Errorf("syncer: finish sync run: %w", err)
	}
	o.recordRun(ctx, kind, summary.Mode, "ok", start)
	o.logger.Info("sync run complete",
		"org_id", orgID,
		"integration", kind,
		"mode", summary.Mode,
		"considered", summary.ItemsConsidered,
		"upserted", summary.ItemsUpserted,
		"skipped", summary.ItemsSkipped,
		"item_errors", len(summary.Errors))
	return summary, nil
}

func (o *Orchestrator) run(ctx context.Context, orgID uuid.UUID, kind model.IntegrationKind, state model.SyncState) (*model.SyncSummary, error) {
	window := o.selectWindow(state)
	summary := &model.SyncSummary{Mode: window.Mode}

	// A token nearing expiry is refreshed, never skipped: sync runs do not
	// silently starve because the scheduler fired close to expiry.
	cred, err := o.creds.Acquire(ctx, orgID, kind)
	if err != nil {
		return summary, err
	}

	puller, ok := o.pullers[kind]
	if !ok {
		puller = pushOnlyPuller{}
	}
	result, err := puller.Pull(ctx, cred, window)
	if err != nil {
		return summary, err
	}

	summary.ItemsConsidered = len(result.Events)
	for _, ev := range result.Events {
		d := o.ingest.Process(ctx, orgID, ev)
		switch d.Result {
		case model.ProcessingApplied:
			summary.ItemsUpserted++
		case model.ProcessingDuplicate, model.ProcessingSkippedConflict:
			summary.ItemsSkipped++
		case model.ProcessingFailed:
			// Parked in the retry queue by ingestion; the run goes on.
			summary.Errors = append(summary.Errors, model.SyncItemError{
				ExternalID: ev.ExternalEntityID,
				Reason:     d.Detail,
			})
		}
	}

	summary.NewCursor = result.NewCursor
	return summary, nil
}

// selectWindow picks catch-up when the tenant has never synced or its last
// success is older than the threshold, bounded by the catch-up window;
// otherwise incremental from the last success.
func (o *Orchestrator) selectWindow(state model.SyncState) Window {
	now := o.clock.Now()
	if state.LastSuccessfulSync == nil || now.Sub(*state.LastSuccessfulSync) > o.opts.CatchUpThreshold {
		return Window{
			Mode:   model.SyncModeCatchUp,
			Since:  now.Add(-o.opts.CatchUpWindow),
			Cursor: nil, // catch-up re-walks the window; the ledger dedupes
		}
	}
	return Window{
		Mode:   model.SyncModeIncremental,
		Since:  *state.LastSuccessfulSync,
		Cursor: state.Cursor,
	}
}

// ProcessRetries drains up to limit parked events from the retry queue and
// replays them. Exhausted items stay failed; transient re-failures requeue
// with exponential backoff.
func (o *Orchestrator) ProcessRetries(ctx context.Context, limit int) (int, error) {
	items, err := o.store.ClaimWork(ctx, model.WorkSyncRetry, limit)
	if err != nil {
		return 0, fmt.Errorf("syncer: claim retries: %w", err)
	}

	processed := 0
	for _, item := range items {
		d, err := o.ingest.Replay(ctx, item.OrgID, item.SubjectID)
		switch {
		case err == nil && d.Result != model.ProcessingFailed:
			if cerr := o.store.CompleteWork(ctx, item.ID); cerr != nil {
				o.logger.Error("complete retry item failed", "item_id", item.ID, "error", cerr)
			}
			processed++
		default:
			reason := d.Detail
			if err != nil {
				reason = err.Error()
			}
			if ferr := o.store.FailWork(ctx, item.ID, reason); ferr != nil {
				o.logger.Error("fail retry item failed", "item_id", item.ID, "error", ferr)
				continue
			}
			if item.Attempts+1 < o.opts.MaxAttempts && (err == nil || model.IsTransient(err)) {
				backoff := o.opts.RetryBaseDelay << item.Attempts
				if rerr := o.store.RetryWork(ctx, item.ID, o.clock.Now().Add(backoff)); rerr != nil {
					o.logger.Error("requeue retry item failed", "item_id", item.ID, "error", rerr)
				}
			} else {
				o.logger.Warn("retry item exhausted", "item_id", item.ID, "subject", item.SubjectID, "reason", reason)
			}
		}
	}
	return processed, nil
}

// TriggerIncremental runs an immediate tenant sync in response to a webhook
// nudge (Gmail-style notifications carry no data, only the hint that
// something changed). Coalesces with any run already holding the slot.
func (o *Orchestrator) TriggerIncremental(ctx context.Context, orgID uuid.UUID, kind model.IntegrationKind) (*model.SyncSummary, error) {
	summary, err := o.SyncTenant(ctx, orgID, kind)
	if errors.Is(err, storage.ErrAlreadyRunning) {
		return nil, nil
	}
	return summary, err
}
