package syncer

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsunagi-ai/tsunagi/internal/clock"
	"github.com/tsunagi-ai/tsunagi/internal/ingest"
	"github.com/tsunagi-ai/tsunagi/internal/model"
	"github.com/tsunagi-ai/tsunagi/internal/storage"
)

var testNow = time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

type fakeSyncStore struct {
	mu     sync.Mutex
	creds  []model.IntegrationCredential
	states map[uuid.UUID]*model.SyncState
	work   map[uuid.UUID]*model.WorkItem
}

func newSyncStore(creds ...model.IntegrationCredential) *fakeSyncStore {
	return &fakeSyncStore{
		creds:  creds,
		states: make(map[uuid.UUID]*model.SyncState),
		work:   make(map[uuid.UUID]*model.WorkItem),
	}
}

func (f *fakeSyncStore) ListActiveCredentials(_ context.Context, kind model.IntegrationKind) ([]model.IntegrationCredential, error) {
	var out []model.IntegrationCredential
	for _, c := range f.creds {
		if c.Integration == kind {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeSyncStore) state(orgID uuid.UUID, kind model.IntegrationKind) *model.SyncState {
	if s, ok := f.states[orgID]; ok {
		return s
	}
	s := &model.SyncState{OrgID: orgID, Integration: kind, Mode: model.SyncIdle}
	f.states[orgID] = s
	return s
}

func (f *fakeSyncStore) GetSyncState(_ context.Context, orgID uuid.UUID, kind model.IntegrationKind) (model.SyncState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.state(orgID, kind), nil
}

func (f *fakeSyncStore) TryStartSyncRun(_ context.Context, orgID uuid.UUID, kind model.IntegrationKind) (model.SyncState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.state(orgID, kind)
	if s.Mode == model.SyncRunning {
		return model.SyncState{}, storage.ErrAlreadyRunning
	}
	s.Mode = model.SyncRunning
	return *s, nil
}

func (f *fakeSyncStore) FinishSyncRunSuccess(_ context.Context, orgID uuid.UUID, kind model.IntegrationKind, completedAt time.Time, newCursor *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.state(orgID, kind)
	s.Mode = model.SyncIdle
	s.LastSuccessfulSync = &completedAt
	if newCursor != nil {
		s.Cursor = newCursor
	}
	s.ErrorCount = 0
	s.LastError = nil
	return nil
}

func (f *fakeSyncStore) FinishSyncRunError(_ context.Context, orgID uuid.UUID, kind model.IntegrationKind, reason string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.state(orgID, kind)
	s.Mode = model.SyncIdle
	s.ErrorCount++
	s.LastError = &reason
	return s.ErrorCount, nil
}

func (f *fakeSyncStore) ReapStaleSyncRuns(context.Context, time.Duration) (int64, error) { return 0, nil }

func (f *fakeSyncStore) ClaimWork(_ context.Context, kind model.WorkItemKind, limit int) ([]model.WorkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.WorkItem
	for _, w := range f.work {
		if len(out) >= limit {
			break
		}
		if w.Kind == kind && w.Status == model.WorkPending {
			w.Status = model.WorkProcessing
			out = append(out, *w)
		}
	}
	return out, nil
}

func (f *fakeSyncStore) CompleteWork(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.work[id].Status = model.WorkCompleted
	return nil
}

func (f *fakeSyncStore) FailWork(_ context.Context, id uuid.UUID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.work[id].Status = model.WorkFailed
	f.work[id].Attempts++
	f.work[id].LastError = &reason
	return nil
}

func (f *fakeSyncStore) RetryWork(_ context.Context, id uuid.UUID, runAfter time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.work[id].Status = model.WorkPending
	f.work[id].RunAfter = runAfter
	return nil
}

func (f *fakeSyncStore) addWork(item model.WorkItem) model.WorkItem {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	item.Status = model.WorkPending
	f.work[item.ID] = &item
	return item
}

type fakeCreds struct {
	mu       sync.Mutex
	acquired []uuid.UUID
	err      error
}

func (f *fakeCreds) Acquire(_ context.Context, orgID uuid.UUID, kind model.IntegrationKind) (model.IntegrationCredential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return model.IntegrationCredential{}, f.err
	}
	f.acquired = append(f.acquired, orgID)
	return model.IntegrationCredential{OrgID: orgID, Integration: kind, AccessSecret: "tok"}, nil
}

type fakeIngestor struct {
	mu          sync.Mutex
	processed   []model.InboundEvent
	failIDs     map[string]bool
	replayed    []string
	replayErr   error
	replayState model.ProcessingResult
}

func (f *fakeIngestor) Process(_ context.Context, _ uuid.UUID, ev model.InboundEvent) ingest.Disposition {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed = append(f.processed, ev)
	if f.failIDs[ev.ExternalEntityID] {
		return ingest.Disposition{ExternalEventID: ev.ExternalEventID, Result: model.ProcessingFailed, Detail: "transient: deadlock"}
	}
	return ingest.Disposition{ExternalEventID: ev.ExternalEventID, Result: model.ProcessingApplied}
}

func (f *fakeIngestor) Replay(_ context.Context, _ uuid.UUID, subject string) (ingest.Disposition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replayed = append(f.replayed, subject)
	if f.replayErr != nil {
		return ingest.Disposition{Result: model.ProcessingFailed}, f.replayErr
	}
	result := f.replayState
	if result == "" {
		result = model.ProcessingApplied
	}
	return ingest.Disposition{Result: result}, nil
}

type fakePuller struct {
	mu      sync.Mutex
	windows []Window
	result  PullResult
	err     error
}

func (f *fakePuller) Pull(_ context.Context, _ model.IntegrationCredential, w Window) (PullResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.windows = append(f.windows, w)
	if f.err != nil {
		return PullResult{}, f.err
	}
	return f.result, nil
}

func newOrchestrator(store *fakeSyncStore, creds *fakeCreds, ing *fakeIngestor, puller Puller) *Orchestrator {
	return New(store, creds, ing,
		map[model.IntegrationKind]Puller{model.IntegrationHubSpot: puller},
		clock.Fixed{T: testNow}, slog.New(slog.DiscardHandler),
		Options{
			CatchUpThreshold: 36 * time.Hour,
			CatchUpWindow:    30 * 24 * time.Hour,
			Concurrency:      4,
			RetryBaseDelay:   time.Minute,
			MaxAttempts:      3,
		})
}

func hubspotCred(orgID uuid.UUID) model.IntegrationCredential {
	return model.IntegrationCredential{
		OrgID: orgID, Integration: model.IntegrationHubSpot, Status: model.ConnectionActive,
	}
}

func syncEvent(entityID string) model.InboundEvent {
	return model.InboundEvent{
		ExternalSystem:   model.IntegrationHubSpot,
		ExternalEventID:  "sync:contacts:" + entityID,
		Kind:             model.EventUpdate,
		EntityKind:       model.EntityContact,
		ExternalEntityID: entityID,
		Payload:          []byte(`{}`),
	}
}

func TestSyncTenantFirstRunIsCatchUp(t *testing.T) {
	orgID := uuid.New()
	store := newSyncStore(hubspotCred(orgID))
	puller := &fakePuller{}
	o := newOrchestrator(store, &fakeCreds{}, &fakeIngestor{}, puller)

	summary, err := o.SyncTenant(context.Background(), orgID, model.IntegrationHubSpot)
	require.NoError(t, err)
	assert.Equal(t, model.SyncModeCatchUp, summary.Mode)

	require.Len(t, puller.windows, 1)
	w := puller.windows[0]
	assert.Equal(t, model.SyncModeCatchUp, w.Mode)
	assert.Equal(t, testNow.Add(-30*24*time.Hour), w.Since, "catch-up is bounded by the backfill window")
	assert.Nil(t, w.Cursor)
}

func TestSyncTenantRecentSyncIsIncremental(t *testing.T) {
	orgID := uuid.New()
	store := newSyncStore(hubspotCred(orgID))
	last := testNow.Add(-2 * time.Hour)
	cursor := "12345"
	store.states[orgID] = &model.SyncState{
		OrgID: orgID, Integration: model.IntegrationHubSpot, Mode: model.SyncIdle,
		LastSuccessfulSync: &last, Cursor: &cursor,
	}
	puller := &fakePuller{}
	o := newOrchestrator(store, &fakeCreds{}, &fakeIngestor{}, puller)

	summary, err := o.SyncTenant(context.Background(), orgID, model.IntegrationHubSpot)
	require.NoError(t, err)
	assert.Equal(t, model.SyncModeIncremental, summary.Mode)

	w := puller.windows[0]
	assert.Equal(t, last, w.Since)
	require.NotNil(t, w.Cursor)
	assert.Equal(t, "12345", *w.Cursor)
}

func TestSyncTenantStaleSyncFallsBackToCatchUp(t *testing.T) {
	orgID := uuid.New()
	store := newSyncStore(hubspotCred(orgID))
	last := testNow.Add(-48 * time.Hour) // beyond the 36h threshold
	store.states[orgID] = &model.SyncState{
		OrgID: orgID, Integration: model.IntegrationHubSpot, Mode: model.SyncIdle,
		LastSuccessfulSync: &last,
	}
	puller := &fakePuller{}
	o := newOrchestrator(store, &fakeCreds{}, &fakeIngestor{}, puller)

	summary, err := o.SyncTenant(context.Background(), orgID, model.IntegrationHubSpot)
	require.NoError(t, err)
	assert.Equal(t, model.SyncModeCatchUp, summary.Mode)
}

func TestSyncTenantAdvancesCursorOnSuccess(t *testing.T) {
	orgID := uuid.New()
	store := newSyncStore(hubspotCred(orgID))
	cursor := "99999"
	puller := &fakePuller{result: PullResult{
		Events:    []model.InboundEvent{syncEvent("c1"), syncEvent("c2")},
		NewCursor: &cursor,
	}}
	ing := &fakeIngestor{}
	o := newOrchestrator(store, &fakeCreds{}, ing, puller)

	summary, err := o.SyncTenant(context.Background(), orgID, model.IntegrationHubSpot)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.ItemsConsidered)
	assert.Equal(t, 2, summary.ItemsUpserted)

	state := store.states[orgID]
	assert.Equal(t, model.SyncIdle, state.Mode)
	require.NotNil(t, state.Cursor)
	assert.Equal(t, "99999", *state.Cursor)
	require.NotNil(t, state.LastSuccessfulSync)
	assert.Equal(t, testNow, *state.LastSuccessfulSync)
}

func TestSyncTenantPullFailureLeavesCursorAlone(t *testing.T) {
	orgID := uuid.New()
	store := newSyncStore(hubspotCred(orgID))
	old := "11111"
	last := testNow.Add(-time.Hour)
	store.states[orgID] = &model.SyncState{
		OrgID: orgID, Integration: model.IntegrationHubSpot, Mode: model.SyncIdle,
		LastSuccessfulSync: &last, Cursor: &old,
	}
	puller := &fakePuller{err: &model.TransientError{Reason: "hubspot unavailable (503)"}}
	o := newOrchestrator(store, &fakeCreds{}, &fakeIngestor{}, puller)

	_, err := o.SyncTenant(context.Background(), orgID, model.IntegrationHubSpot)
	require.Error(t, err)

	state := store.states[orgID]
	assert.Equal(t, model.SyncIdle, state.Mode, "slot released after failure")
	assert.Equal(t, "11111", *state.Cursor, "cursor untouched")
	assert.Equal(t, last, *state.LastSuccessfulSync, "progress marker untouched")
	assert.Equal(t, 1, state.ErrorCount)
}

func TestSyncTenantItemFailureDoesNotAbortRun(t *testing.T) {
	orgID := uuid.New()
	store := newSyncStore(hubspotCred(orgID))
	cursor := "77777"
	puller := &fakePuller{result: PullResult{
		Events:    []model.InboundEvent{syncEvent("ok1"), syncEvent("bad"), syncEvent("ok2")},
		NewCursor: &cursor,
	}}
	ing := &fakeIngestor{failIDs: map[string]bool{"bad": true}}
	o := newOrchestrator(store, &fakeCreds{}, ing, puller)

	summary, err := o.SyncTenant(context.Background(), orgID, model.IntegrationHubSpot)
	require.NoError(t, err, "item failures are recorded, not fatal")
	assert.Equal(t, 3, summary.ItemsConsidered)
	assert.Equal(t, 2, summary.ItemsUpserted)
	require.Len(t, summary.Errors, 1)
	assert.Equal(t, "bad", summary.Errors[0].ExternalID)
	assert.Equal(t, "77777", *store.states[orgID].Cursor, "parked failures do not block the cursor")
}

func TestSyncTenantCoalescesWhenRunning(t *testing.T) {
	orgID := uuid.New()
	store := newSyncStore(hubspotCred(orgID))
	store.states[orgID] = &model.SyncState{
		OrgID: orgID, Integration: model.IntegrationHubSpot, Mode: model.SyncRunning,
	}
	o := newOrchestrator(store, &fakeCreds{}, &fakeIngestor{}, &fakePuller{})

	_, err := o.SyncTenant(context.Background(), orgID, model.IntegrationHubSpot)
	require.ErrorIs(t, err, storage.ErrAlreadyRunning)

	summary, err := o.TriggerIncremental(context.Background(), orgID, model.IntegrationHubSpot)
	require.NoError(t, err, "webhook nudge coalesces silently")
	assert.Nil(t, summary)
}

func TestTickFansOutAndAggregates(t *testing.T) {
	orgA, orgB, orgC := uuid.New(), uuid.New(), uuid.New()
	store := newSyncStore(hubspotCred(orgA), hubspotCred(orgB), hubspotCred(orgC))
	store.states[orgC] = &model.SyncState{
		OrgID: orgC, Integration: model.IntegrationHubSpot, Mode: model.SyncRunning,
	}
	creds := &fakeCreds{}
	o := newOrchestrator(store, creds, &fakeIngestor{}, &fakePuller{})

	report, err := o.Tick(context.Background(), model.IntegrationHubSpot)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Dispatched)
	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, 1, report.Coalesced)
	assert.Zero(t, report.Failed)
	assert.Len(t, creds.acquired, 2, "every dispatched tenant acquires a token")
}

func TestTickOneTenantFailureDoesNotDisturbOthers(t *testing.T) {
	orgA, orgB := uuid.New(), uuid.New()
	store := newSyncStore(hubspotCred(orgA), hubspotCred(orgB))
	creds := &fakeCreds{}
	// The puller fails for everyone; both tenants should report failure
	// independently rather than the first aborting the tick.
	puller := &fakePuller{err: &model.TransientError{Reason: "down"}}
	o := newOrchestrator(store, creds, &fakeIngestor{}, puller)

	report, err := o.Tick(context.Background(), model.IntegrationHubSpot)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Failed)
	assert.Len(t, report.Tenants, 2)
}

func TestProcessRetriesCompletesSettledItems(t *testing.T) {
	store := newSyncStore()
	item := store.addWork(model.WorkItem{
		OrgID: uuid.New(), Kind: model.WorkSyncRetry, SubjectID: "hubspot/e1",
	})
	ing := &fakeIngestor{}
	o := newOrchestrator(store, &fakeCreds{}, ing, &fakePuller{})

	n, err := o.ProcessRetries(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, model.WorkCompleted, store.work[item.ID].Status)
	assert.Equal(t, []string{"hubspot/e1"}, ing.replayed)
}

func TestProcessRetriesRequeuesTransientFailures(t *testing.T) {
	store := newSyncStore()
	item := store.addWork(model.WorkItem{
		OrgID: uuid.New(), Kind: model.WorkSyncRetry, SubjectID: "hubspot/e1",
	})
	ing := &fakeIngestor{replayErr: &model.TransientError{Reason: "still down"}}
	o := newOrchestrator(store, &fakeCreds{}, ing, &fakePuller{})

	n, err := o.ProcessRetries(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	w := store.work[item.ID]
	assert.Equal(t, model.WorkPending, w.Status, "requeued for another attempt")
	assert.Equal(t, 1, w.Attempts)
	assert.Equal(t, testNow.Add(time.Minute), w.RunAfter, "first backoff is the base delay")
}

func TestProcessRetriesExhaustsAfterMaxAttempts(t *testing.T) {
	store := newSyncStore()
	item := store.addWork(model.WorkItem{
		OrgID: uuid.New(), Kind: model.WorkSyncRetry, SubjectID: "hubspot/e1",
		Attempts: 2, // MaxAttempts is 3
	})
	ing := &fakeIngestor{replayErr: &model.TransientError{Reason: "still down"}}
	o := newOrchestrator(store, &fakeCreds{}, ing, &fakePuller{})

	_, err := o.ProcessRetries(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, model.WorkFailed, store.work[item.ID].Status, "exhausted items stay failed")
}
