package storage_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsunagi-ai/tsunagi/internal/model"
	"github.com/tsunagi-ai/tsunagi/internal/storage"
	"github.com/tsunagi-ai/tsunagi/internal/testutil"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	ctx := context.Background()

	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

func createOrg(t *testing.T) model.Org {
	t.Helper()
	org, err := testDB.CreateOrg(context.Background(), model.Org{
		Name:     "org-" + uuid.New().String()[:8],
		Plan:     "free",
		IsActive: true,
	})
	require.NoError(t, err)
	return org
}

func createUser(t *testing.T, orgID uuid.UUID) model.User {
	t.Helper()
	u, err := testDB.CreateUser(context.Background(), model.User{
		OrgID: orgID,
		Email: "user-" + uuid.New().String()[:8] + "@example.com",
	})
	require.NoError(t, err)
	return u
}

func TestUpsertAndGetCredential(t *testing.T) {
	ctx := context.Background()
	org := createOrg(t)

	refresh := "refresh-1"
	expires := time.Now().UTC().Add(time.Hour)
	first, err := testDB.UpsertCredential(ctx, model.IntegrationCredential{
		OrgID:         org.ID,
		Integration:   model.IntegrationHubSpot,
		AccessSecret:  "access-1",
		RefreshSecret: &refresh,
		ExpiresAt:     &expires,
		Status:        model.ConnectionActive,
	})
	require.NoError(t, err)

	got, err := testDB.GetCredential(ctx, org.ID, model.IntegrationHubSpot)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, "access-1", got.AccessSecret)
	require.NotNil(t, got.RefreshSecret)
	assert.Equal(t, "refresh-1", *got.RefreshSecret)
	assert.Equal(t, model.ConnectionActive, got.Status)

	// A reconnect upserts onto the same row: the id is stable across the
	// (org, integration) conflict and the secrets are replaced.
	second, err := testDB.UpsertCredential(ctx, model.IntegrationCredential{
		OrgID:        org.ID,
		Integration:  model.IntegrationHubSpot,
		AccessSecret: "access-2",
		Status:       model.ConnectionActive,
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	got, err = testDB.GetCredential(ctx, org.ID, model.IntegrationHubSpot)
	require.NoError(t, err)
	assert.Equal(t, "access-2", got.AccessSecret)
	assert.Nil(t, got.RefreshSecret)
}

func TestGetCredentialNotFound(t *testing.T) {
	ctx := context.Background()
	org := createOrg(t)

	_, err := testDB.GetCredential(ctx, org.ID, model.IntegrationBullhorn)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUpdateCredentialSecrets(t *testing.T) {
	ctx := context.Background()
	org := createOrg(t)

	refresh := "refresh-keep"
	_, err := testDB.UpsertCredential(ctx, model.IntegrationCredential{
		OrgID:         org.ID,
		Integration:   model.IntegrationGoogle,
		AccessSecret:  "stale",
		RefreshSecret: &refresh,
		Status:        model.ConnectionNeedsReconnect,
	})
	require.NoError(t, err)

	// Refresh result with no rotated refresh secret: COALESCE must keep the
	// stored one, and the status snaps back to active.
	expires := time.Now().UTC().Add(30 * time.Minute)
	err = testDB.UpdateCredentialSecrets(ctx, model.IntegrationCredential{
		OrgID:        org.ID,
		Integration:  model.IntegrationGoogle,
		AccessSecret: "fresh",
		ExpiresAt:    &expires,
	})
	require.NoError(t, err)

	got, err := testDB.GetCredential(ctx, org.ID, model.IntegrationGoogle)
	require.NoError(t, err)
	assert.Equal(t, "fresh", got.AccessSecret)
	require.NotNil(t, got.RefreshSecret)
	assert.Equal(t, "refresh-keep", *got.RefreshSecret)
	assert.Equal(t, model.ConnectionActive, got.Status)
	require.NotNil(t, got.LastRefresh)
	assert.WithinDuration(t, time.Now().UTC(), *got.LastRefresh, 5*time.Second)
}

func TestUpdateCredentialSecretsUnknownTenant(t *testing.T) {
	ctx := context.Background()

	err := testDB.UpdateCredentialSecrets(ctx, model.IntegrationCredential{
		OrgID:        uuid.New(),
		Integration:  model.IntegrationGoogle,
		AccessSecret: "fresh",
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSetCredentialStatus(t *testing.T) {
	ctx := context.Background()
	org := createOrg(t)

	_, err := testDB.UpsertCredential(ctx, model.IntegrationCredential{
		OrgID:        org.ID,
		Integration:  model.IntegrationFathom,
		AccessSecret: "tok",
		Status:       model.ConnectionActive,
	})
	require.NoError(t, err)

	err = testDB.SetCredentialStatus(ctx, org.ID, model.IntegrationFathom, model.ConnectionNeedsReconnect)
	require.NoError(t, err)

	got, err := testDB.GetCredential(ctx, org.ID, model.IntegrationFathom)
	require.NoError(t, err)
	assert.Equal(t, model.ConnectionNeedsReconnect, got.Status)
	// The secret is retained for reporting; only the status moves.
	assert.Equal(t, "tok", got.AccessSecret)

	err = testDB.SetCredentialStatus(ctx, uuid.New(), model.IntegrationFathom, model.ConnectionRevoked)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestListActiveCredentials(t *testing.T) {
	ctx := context.Background()

	active := createOrg(t)
	_, err := testDB.UpsertCredential(ctx, model.IntegrationCredential{
		OrgID: active.ID, Integration: model.IntegrationSavvyCal,
		AccessSecret: "a", Status: model.ConnectionActive,
	})
	require.NoError(t, err)

	reconnect := createOrg(t)
	_, err = testDB.UpsertCredential(ctx, model.IntegrationCredential{
		OrgID: reconnect.ID, Integration: model.IntegrationSavvyCal,
		AccessSecret: "b", Status: model.ConnectionNeedsReconnect,
	})
	require.NoError(t, err)

	suspended, err := testDB.CreateOrg(ctx, model.Org{
		Name: "suspended-" + uuid.New().String()[:8], Plan: "free", IsActive: false,
	})
	require.NoError(t, err)
	_, err = testDB.UpsertCredential(ctx, model.IntegrationCredential{
		OrgID: suspended.ID, Integration: model.IntegrationSavvyCal,
		AccessSecret: "c", Status: model.ConnectionActive,
	})
	require.NoError(t, err)

	creds, err := testDB.ListActiveCredentials(ctx, model.IntegrationSavvyCal)
	require.NoError(t, err)

	byOrg := make(map[uuid.UUID]bool, len(creds))
	for _, c := range creds {
		byOrg[c.OrgID] = true
	}
	assert.True(t, byOrg[active.ID], "active org with active credential should be listed")
	assert.False(t, byOrg[reconnect.ID], "needs_reconnect credential must not be listed")
	assert.False(t, byOrg[suspended.ID], "inactive org must not be listed")
}

func TestSyncRunLifecycle(t *testing.T) {
	ctx := context.Background()
	org := createOrg(t)

	// First sight lazily creates an idle row.
	s, err := testDB.GetSyncState(ctx, org.ID, model.IntegrationHubSpot)
	require.NoError(t, err)
	assert.Equal(t, model.SyncIdle, s.Mode)
	assert.Nil(t, s.Cursor)
	assert.Nil(t, s.LastSuccessfulSync)

	// CAS idle -> running; a second trigger coalesces.
	s, err = testDB.TryStartSyncRun(ctx, org.ID, model.IntegrationHubSpot)
	require.NoError(t, err)
	assert.Equal(t, model.SyncRunning, s.Mode)

	_, err = testDB.TryStartSyncRun(ctx, org.ID, model.IntegrationHubSpot)
	assert.ErrorIs(t, err, storage.ErrAlreadyRunning)

	// Success stamps progress and clears errors.
	cursor := "1700000000000"
	completed := time.Now().UTC()
	err = testDB.FinishSyncRunSuccess(ctx, org.ID, model.IntegrationHubSpot, completed, &cursor)
	require.NoError(t, err)

	s, err = testDB.GetSyncState(ctx, org.ID, model.IntegrationHubSpot)
	require.NoError(t, err)
	assert.Equal(t, model.SyncIdle, s.Mode)
	require.NotNil(t, s.Cursor)
	assert.Equal(t, cursor, *s.Cursor)
	require.NotNil(t, s.LastSuccessfulSync)
	assert.WithinDuration(t, completed, *s.LastSuccessfulSync, time.Second)
	assert.Zero(t, s.ErrorCount)

	// A failed run returns to idle, counts the error, and leaves the cursor
	// and last_successful_sync untouched.
	_, err = testDB.TryStartSyncRun(ctx, org.ID, model.IntegrationHubSpot)
	require.NoError(t, err)

	count, err := testDB.FinishSyncRunError(ctx, org.ID, model.IntegrationHubSpot, "provider 500")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	s, err = testDB.GetSyncState(ctx, org.ID, model.IntegrationHubSpot)
	require.NoError(t, err)
	assert.Equal(t, model.SyncIdle, s.Mode)
	require.NotNil(t, s.Cursor)
	assert.Equal(t, cursor, *s.Cursor)
	require.NotNil(t, s.LastError)
	assert.Equal(t, "provider 500", *s.LastError)
	assert.Equal(t, 1, s.ErrorCount)

	// Success after failure resets the counter.
	_, err = testDB.TryStartSyncRun(ctx, org.ID, model.IntegrationHubSpot)
	require.NoError(t, err)
	err = testDB.FinishSyncRunSuccess(ctx, org.ID, model.IntegrationHubSpot, time.Now().UTC(), nil)
	require.NoError(t, err)

	s, err = testDB.GetSyncState(ctx, org.ID, model.IntegrationHubSpot)
	require.NoError(t, err)
	assert.Zero(t, s.ErrorCount)
	assert.Nil(t, s.LastError)
	require.NotNil(t, s.Cursor)
	assert.Equal(t, cursor, *s.Cursor, "nil new cursor must not clobber the stored one")
}

func TestReapStaleSyncRuns(t *testing.T) {
	ctx := context.Background()
	org := createOrg(t)

	_, err := testDB.TryStartSyncRun(ctx, org.ID, model.IntegrationBullhorn)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	reaped, err := testDB.ReapStaleSyncRuns(ctx, time.Millisecond)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, reaped, int64(1))

	s, err := testDB.GetSyncState(ctx, org.ID, model.IntegrationBullhorn)
	require.NoError(t, err)
	assert.Equal(t, model.SyncIdle, s.Mode)
}

func TestBeginEventDeduplicates(t *testing.T) {
	ctx := context.Background()

	e := model.InboundEvent{
		ExternalSystem:   model.IntegrationFathom,
		ExternalEventID:  "evt-dedup-001",
		Kind:             model.EventCreate,
		EntityKind:       model.EntityMeeting,
		ExternalEntityID: "rec-dedup-001",
		Payload:          json.RawMessage(`{"id":"evt-dedup-001","title":"Kickoff"}`),
	}

	require.NoError(t, testDB.BeginEvent(ctx, e))

	err := testDB.BeginEvent(ctx, e)
	assert.ErrorIs(t, err, storage.ErrDuplicateEvent)

	entry, err := testDB.GetLedgerEntry(ctx, model.IntegrationFathom, "evt-dedup-001")
	require.NoError(t, err)
	assert.Equal(t, model.ProcessingPending, entry.Result)
	assert.Equal(t, e.PayloadHash(), entry.PayloadHash)

	// The stored payload is the canonical decoded event, replayable without
	// another pass through the provider decoder.
	var replay model.InboundEvent
	require.NoError(t, json.Unmarshal(entry.Payload, &replay))
	assert.Equal(t, e.ExternalEventID, replay.ExternalEventID)
	assert.Equal(t, e.EntityKind, replay.EntityKind)
}

func TestCompleteEvent(t *testing.T) {
	ctx := context.Background()

	e := model.InboundEvent{
		ExternalSystem:   model.IntegrationHubSpot,
		ExternalEventID:  "evt-complete-001",
		Kind:             model.EventUpdate,
		EntityKind:       model.EntityContact,
		ExternalEntityID: "hs-900",
		Payload:          json.RawMessage(`{"objectId":900}`),
	}
	require.NoError(t, testDB.BeginEvent(ctx, e))

	err := testDB.CompleteEvent(ctx, model.IntegrationHubSpot, "evt-complete-001", model.ProcessingApplied, "")
	require.NoError(t, err)

	entry, err := testDB.GetLedgerEntry(ctx, model.IntegrationHubSpot, "evt-complete-001")
	require.NoError(t, err)
	assert.Equal(t, model.ProcessingApplied, entry.Result)
	assert.Nil(t, entry.ResultDetail)

	err = testDB.CompleteEvent(ctx, model.IntegrationHubSpot, "evt-never-began", model.ProcessingApplied, "")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestReclaimFailedEvent(t *testing.T) {
	ctx := context.Background()

	e := model.InboundEvent{
		ExternalSystem:   model.IntegrationSavvyCal,
		ExternalEventID:  "evt-reclaim-001",
		Kind:             model.EventCreate,
		EntityKind:       model.EntityMeeting,
		ExternalEntityID: "sc-1",
		Payload:          json.RawMessage(`{"id":"sc-1"}`),
	}
	require.NoError(t, testDB.BeginEvent(ctx, e))
	require.NoError(t, testDB.CompleteEvent(ctx, model.IntegrationSavvyCal, "evt-reclaim-001", model.ProcessingFailed, "transcript missing"))

	err := testDB.ReclaimFailedEvent(ctx, model.IntegrationSavvyCal, "evt-reclaim-001")
	require.NoError(t, err)

	entry, err := testDB.GetLedgerEntry(ctx, model.IntegrationSavvyCal, "evt-reclaim-001")
	require.NoError(t, err)
	assert.Equal(t, model.ProcessingPending, entry.Result)
	assert.Nil(t, entry.ResultDetail)

	// Only failed entries can be reclaimed: a pending one cannot, so applied
	// events stay immune to replays.
	err = testDB.ReclaimFailedEvent(ctx, model.IntegrationSavvyCal, "evt-reclaim-001")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// The ledger key stays reserved throughout.
	err = testDB.BeginEvent(ctx, e)
	assert.ErrorIs(t, err, storage.ErrDuplicateEvent)
}

func TestWorkQueueLifecycle(t *testing.T) {
	ctx := context.Background()
	org := createOrg(t)

	item, err := testDB.EnqueueWork(ctx, model.WorkItem{
		OrgID:     org.ID,
		Kind:      model.WorkSyncRetry,
		SubjectID: "fathom:evt-queue-001",
	})
	require.NoError(t, err)
	assert.Equal(t, model.WorkPending, item.Status)
	assert.False(t, item.RunAfter.IsZero())

	claimed, err := testDB.ClaimWork(ctx, model.WorkSyncRetry, 10)
	require.NoError(t, err)

	var mine *model.WorkItem
	for i := range claimed {
		if claimed[i].ID == item.ID {
			mine = &claimed[i]
		}
	}
	require.NotNil(t, mine, "enqueued item should be claimable")
	assert.Equal(t, model.WorkProcessing, mine.Status)

	require.NoError(t, testDB.CompleteWork(ctx, item.ID))

	// Terminal transitions are guarded: a completed item cannot complete again.
	err = testDB.CompleteWork(ctx, item.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestWorkQueueFailAndRetry(t *testing.T) {
	ctx := context.Background()
	org := createOrg(t)

	item, err := testDB.EnqueueWork(ctx, model.WorkItem{
		OrgID:     org.ID,
		Kind:      model.WorkTopicExtraction,
		SubjectID: uuid.New().String(),
	})
	require.NoError(t, err)

	_, err = testDB.ClaimWork(ctx, model.WorkTopicExtraction, 10)
	require.NoError(t, err)

	require.NoError(t, testDB.FailWork(ctx, item.ID, "meeting row not found"))

	// failed -> pending is the one allowed backward transition.
	require.NoError(t, testDB.RetryWork(ctx, item.ID, time.Now().UTC().Add(-time.Second)))

	claimed, err := testDB.ClaimWork(ctx, model.WorkTopicExtraction, 10)
	require.NoError(t, err)

	var mine *model.WorkItem
	for i := range claimed {
		if claimed[i].ID == item.ID {
			mine = &claimed[i]
		}
	}
	require.NotNil(t, mine, "retried item should be claimable again")
	assert.Equal(t, 1, mine.Attempts)
	require.NotNil(t, mine.LastError)
	assert.Equal(t, "meeting row not found", *mine.LastError)

	// Retrying an item that is not failed is refused.
	err = testDB.RetryWork(ctx, item.ID, time.Now().UTC())
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, testDB.FailWork(ctx, item.ID, "still missing"))
}

func TestClaimWorkRespectsRunAfter(t *testing.T) {
	ctx := context.Background()
	org := createOrg(t)

	item, err := testDB.EnqueueWork(ctx, model.WorkItem{
		OrgID:     org.ID,
		Kind:      model.WorkSyncRetry,
		SubjectID: "deferred",
		RunAfter:  time.Now().UTC().Add(time.Hour),
	})
	require.NoError(t, err)

	claimed, err := testDB.ClaimWork(ctx, model.WorkSyncRetry, 100)
	require.NoError(t, err)
	for _, w := range claimed {
		assert.NotEqual(t, item.ID, w.ID, "item deferred into the future must not be claimed")
		// Put anything we did claim back out of the way.
		require.NoError(t, testDB.CompleteWork(ctx, w.ID))
	}
}

func TestPurgeTerminalWork(t *testing.T) {
	ctx := context.Background()
	org := createOrg(t)

	item, err := testDB.EnqueueWork(ctx, model.WorkItem{
		OrgID:     org.ID,
		Kind:      model.WorkSyncRetry,
		SubjectID: "purge-me",
	})
	require.NoError(t, err)

	claimed, err := testDB.ClaimWork(ctx, model.WorkSyncRetry, 100)
	require.NoError(t, err)
	for _, w := range claimed {
		require.NoError(t, testDB.CompleteWork(ctx, w.ID))
	}

	time.Sleep(20 * time.Millisecond)

	purged, err := testDB.PurgeTerminalWork(ctx, time.Millisecond)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, purged, int64(1))

	// Re-enqueueing under the same subject works; the queue holds no unique
	// key beyond the row id.
	_, err = testDB.EnqueueWork(ctx, model.WorkItem{
		OrgID: org.ID, Kind: model.WorkSyncRetry, SubjectID: item.SubjectID,
	})
	require.NoError(t, err)
}

func TestOAuthStateSingleUse(t *testing.T) {
	ctx := context.Background()
	org := createOrg(t)
	user := createUser(t, org.ID)

	verifier := "pkce-verifier-abc"
	st := model.OAuthState{
		State:        "state-" + uuid.New().String(),
		OrgID:        org.ID,
		UserID:       user.ID,
		Integration:  model.IntegrationHubSpot,
		RedirectURI:  "https://app.example.com/oauth/done",
		PKCEVerifier: &verifier,
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, testDB.CreateOAuthState(ctx, st))

	got, err := testDB.ConsumeOAuthState(ctx, st.State)
	require.NoError(t, err)
	assert.Equal(t, org.ID, got.OrgID)
	assert.Equal(t, user.ID, got.UserID)
	assert.Equal(t, model.IntegrationHubSpot, got.Integration)
	require.NotNil(t, got.PKCEVerifier)
	assert.Equal(t, verifier, *got.PKCEVerifier)

	// Delete-on-read: the second consume of the same token fails.
	_, err = testDB.ConsumeOAuthState(ctx, st.State)
	assert.ErrorIs(t, err, storage.ErrStateConsumed)

	_, err = testDB.ConsumeOAuthState(ctx, "state-never-issued")
	assert.ErrorIs(t, err, storage.ErrStateConsumed)
}

func TestCleanupOAuthStates(t *testing.T) {
	ctx := context.Background()
	org := createOrg(t)
	user := createUser(t, org.ID)

	stale := model.OAuthState{
		State:       "stale-" + uuid.New().String(),
		OrgID:       org.ID,
		UserID:      user.ID,
		Integration: model.IntegrationGoogle,
		RedirectURI: "https://app.example.com/oauth/done",
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, testDB.CreateOAuthState(ctx, stale))

	// Age the row past the 15-minute TTL.
	_, err := testDB.Pool().Exec(ctx,
		`UPDATE oauth_states SET created_at = now() - interval '20 minutes' WHERE state = $1`,
		stale.State,
	)
	require.NoError(t, err)

	deleted, err := testDB.CleanupOAuthStates(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, deleted, int64(1))

	_, err = testDB.ConsumeOAuthState(ctx, stale.State)
	assert.ErrorIs(t, err, storage.ErrStateConsumed)
}

func TestInsertAndFindContact(t *testing.T) {
	ctx := context.Background()
	org := createOrg(t)

	created := time.Now().UTC().Add(-time.Hour)
	id, err := testDB.InsertEntity(ctx, org.ID, model.EntityContact, map[string]any{
		"email":   "Ada@Example.com",
		"name":    "Ada Lovelace",
		"company": "Analytical Engines Ltd",
	}, created)
	require.NoError(t, err)

	// Email lookup is case-insensitive; it is the natural key for contacts.
	found, err := testDB.FindContactByEmail(ctx, org.ID, "ada@example.COM")
	require.NoError(t, err)
	assert.Equal(t, id, found.ID)
	assert.Equal(t, "local", found.Source)
	require.NotNil(t, found.Name)
	assert.Equal(t, "Ada Lovelace", *found.Name)

	updated := time.Now().UTC()
	err = testDB.UpdateEntity(ctx, org.ID, model.EntityContact, id, map[string]any{
		"name":   "Ada L.",
		"status": "customer",
	}, updated)
	require.NoError(t, err)

	lm, err := testDB.EntityLastModified(ctx, org.ID, model.EntityContact, id)
	require.NoError(t, err)
	assert.WithinDuration(t, updated, lm, time.Second)

	got, err := testDB.GetContact(ctx, org.ID, id)
	require.NoError(t, err)
	require.NotNil(t, got.Name)
	assert.Equal(t, "Ada L.", *got.Name)
	require.NotNil(t, got.Status)
	assert.Equal(t, "customer", *got.Status)

	_, err = testDB.FindContactByEmail(ctx, org.ID, "nobody@example.com")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestEntityFieldWhitelist(t *testing.T) {
	ctx := context.Background()
	org := createOrg(t)

	_, err := testDB.InsertEntity(ctx, org.ID, model.EntityContact, map[string]any{
		"favorite_color": "red",
	}, time.Now().UTC())
	require.Error(t, err)

	err = testDB.UpdateEntity(ctx, org.ID, model.EntityContact, uuid.New(), map[string]any{
		"name": "ghost",
	}, time.Now().UTC())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAnnotateEntityDeleted(t *testing.T) {
	ctx := context.Background()
	org := createOrg(t)

	id, err := testDB.InsertEntity(ctx, org.ID, model.EntityContact, map[string]any{
		"email": uuid.New().String()[:8] + "@example.com",
		"name":  "To Be Deleted Upstream",
	}, time.Now().UTC())
	require.NoError(t, err)

	at := time.Now().UTC()
	require.NoError(t, testDB.AnnotateEntityDeleted(ctx, org.ID, model.EntityContact, id, at))

	got, err := testDB.GetContact(ctx, org.ID, id)
	require.NoError(t, err)
	require.NotNil(t, got.Name, "external delete must not destroy the row")

	var meta map[string]any
	require.NoError(t, json.Unmarshal(got.Metadata, &meta))
	assert.Equal(t, true, meta["deleted_externally"])

	// Emails carry no metadata column; the annotation is a no-op, not an error.
	err = testDB.AnnotateEntityDeleted(ctx, org.ID, model.EntityEmail, uuid.New(), at)
	require.NoError(t, err)
}

func TestMeetingTopicsRoundTrip(t *testing.T) {
	ctx := context.Background()
	org := createOrg(t)

	occurred := time.Now().UTC().Add(-48 * time.Hour).Truncate(time.Second)
	id, err := testDB.InsertEntity(ctx, org.ID, model.EntityMeeting, map[string]any{
		"external_recording_id": "rec-roundtrip-42",
		"title":                 "Quarterly pipeline review",
		"occurred_at":           occurred,
		"topics": []model.MeetingTopic{
			{Index: 0, Title: "Pricing concerns", Description: "Buyer pushed back on per-seat pricing."},
			{Index: 1, Title: "Security review", Description: "SOC 2 report requested before signature."},
		},
	}, time.Now().UTC())
	require.NoError(t, err)

	m, err := testDB.FindMeetingByRecordingID(ctx, org.ID, "rec-roundtrip-42")
	require.NoError(t, err)
	assert.Equal(t, id, m.ID)
	require.Len(t, m.Topics, 2)
	assert.Equal(t, "Pricing concerns", m.Topics[0].Title)
	assert.Equal(t, 1, m.Topics[1].Index)

	records, err := testDB.ListTopicRecords(ctx, org.ID, &id)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, id, records[0].MeetingID)
	assert.Equal(t, "Pricing concerns", records[0].Title)
	assert.WithinDuration(t, occurred, records[0].MeetingDate, time.Second)

	// Full-tenant scan sees the same snippets.
	all, err := testDB.ListTopicRecords(ctx, org.ID, nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(all), 2)

	_, err = testDB.FindMeetingByRecordingID(ctx, org.ID, "rec-unknown")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestListRecentEmailsByContact(t *testing.T) {
	ctx := context.Background()
	org := createOrg(t)

	contactID, err := testDB.InsertEntity(ctx, org.ID, model.EntityContact, map[string]any{
		"email": uuid.New().String()[:8] + "@example.com",
	}, time.Now().UTC())
	require.NoError(t, err)

	base := time.Now().UTC().Add(-72 * time.Hour)
	for i := range 3 {
		_, err := testDB.InsertEntity(ctx, org.ID, model.EntityEmail, map[string]any{
			"contact_id": contactID,
			"subject":    fmt.Sprintf("Re: proposal v%d", i),
			"direction":  "outbound",
			"sent_at":    base.Add(time.Duration(i) * 24 * time.Hour),
		}, time.Now().UTC())
		require.NoError(t, err)
	}

	emails, err := testDB.ListRecentEmailsByContact(ctx, org.ID, contactID, 2)
	require.NoError(t, err)
	require.Len(t, emails, 2)
	require.NotNil(t, emails[0].Subject)
	assert.Equal(t, "Re: proposal v2", *emails[0].Subject, "newest first")
	require.NotNil(t, emails[1].Subject)
	assert.Equal(t, "Re: proposal v1", *emails[1].Subject)
}

func TestUpsertMappingKeepsInternalPointer(t *testing.T) {
	ctx := context.Background()
	org := createOrg(t)

	internalID, err := testDB.InsertEntity(ctx, org.ID, model.EntityContact, map[string]any{
		"email": uuid.New().String()[:8] + "@example.com",
	}, time.Now().UTC())
	require.NoError(t, err)

	extTS := time.Now().UTC().Truncate(time.Second)
	first, err := testDB.UpsertMapping(ctx, model.EntityMapping{
		OrgID:                org.ID,
		ExternalSystem:       model.IntegrationHubSpot,
		ExternalKind:         model.EntityContact,
		ExternalID:           "hs-mapping-1",
		InternalTable:        "contacts",
		InternalID:           internalID,
		Direction:            model.DirectionInbound,
		ExternalLastModified: &extTS,
	})
	require.NoError(t, err)
	assert.Equal(t, internalID, first.InternalID)

	// A retried event upserts with a fresh internal id; the stored binding
	// must not move.
	laterTS := extTS.Add(time.Hour)
	second, err := testDB.UpsertMapping(ctx, model.EntityMapping{
		OrgID:                org.ID,
		ExternalSystem:       model.IntegrationHubSpot,
		ExternalKind:         model.EntityContact,
		ExternalID:           "hs-mapping-1",
		InternalTable:        "contacts",
		InternalID:           uuid.New(),
		Direction:            model.DirectionInbound,
		ExternalLastModified: &laterTS,
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, internalID, second.InternalID)
	require.NotNil(t, second.ExternalLastModified)
	assert.WithinDuration(t, laterTS, *second.ExternalLastModified, time.Second)

	got, err := testDB.GetMapping(ctx, org.ID, model.IntegrationHubSpot, model.EntityContact, "hs-mapping-1")
	require.NoError(t, err)
	assert.Equal(t, internalID, got.InternalID)

	_, err = testDB.GetMapping(ctx, org.ID, model.IntegrationHubSpot, model.EntityContact, "hs-unknown")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTouchMappingTimestamps(t *testing.T) {
	ctx := context.Background()
	org := createOrg(t)

	m, err := testDB.UpsertMapping(ctx, model.EntityMapping{
		OrgID:          org.ID,
		ExternalSystem: model.IntegrationBullhorn,
		ExternalKind:   model.EntityDeal,
		ExternalID:     "bh-touch-1",
		InternalTable:  "deals",
		InternalID:     uuid.New(),
		Direction:      model.DirectionInbound,
	})
	require.NoError(t, err)
	assert.Nil(t, m.ExternalLastModified)
	assert.Nil(t, m.InternalLastModified)

	ext := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, testDB.TouchMappingTimestamps(ctx, m.ID, &ext, nil))

	got, err := testDB.GetMapping(ctx, org.ID, model.IntegrationBullhorn, model.EntityDeal, "bh-touch-1")
	require.NoError(t, err)
	require.NotNil(t, got.ExternalLastModified)
	assert.WithinDuration(t, ext, *got.ExternalLastModified, time.Second)
	assert.Nil(t, got.InternalLastModified, "nil side must be left alone")

	internal := ext.Add(time.Minute)
	require.NoError(t, testDB.TouchMappingTimestamps(ctx, m.ID, nil, &internal))

	got, err = testDB.GetMapping(ctx, org.ID, model.IntegrationBullhorn, model.EntityDeal, "bh-touch-1")
	require.NoError(t, err)
	require.NotNil(t, got.ExternalLastModified)
	assert.WithinDuration(t, ext, *got.ExternalLastModified, time.Second)
	require.NotNil(t, got.InternalLastModified)
	assert.WithinDuration(t, internal, *got.InternalLastModified, time.Second)
}

func TestMarkMappingSoftDeleted(t *testing.T) {
	ctx := context.Background()
	org := createOrg(t)

	m, err := testDB.UpsertMapping(ctx, model.EntityMapping{
		OrgID:          org.ID,
		ExternalSystem: model.IntegrationFathom,
		ExternalKind:   model.EntityMeeting,
		ExternalID:     "fm-soft-1",
		InternalTable:  "meetings",
		InternalID:     uuid.New(),
		Direction:      model.DirectionInbound,
	})
	require.NoError(t, err)
	assert.False(t, m.SoftDeleted)

	require.NoError(t, testDB.MarkMappingSoftDeleted(ctx, m.ID))

	got, err := testDB.GetMapping(ctx, org.ID, model.IntegrationFathom, model.EntityMeeting, "fm-soft-1")
	require.NoError(t, err)
	assert.True(t, got.SoftDeleted)

	err = testDB.MarkMappingSoftDeleted(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTopicSourceUniqueness(t *testing.T) {
	ctx := context.Background()
	org := createOrg(t)

	now := time.Now().UTC()
	topic, err := testDB.CreateTopic(ctx, model.GlobalTopic{
		OrgID:                org.ID,
		CanonicalTitle:       "Pricing concerns",
		CanonicalDescription: "Buyers pushing back on per-seat pricing.",
		FirstSeen:            now.Add(-24 * time.Hour),
		LastSeen:             now.Add(-24 * time.Hour),
	})
	require.NoError(t, err)

	meetingID := uuid.New()
	inserted, err := testDB.AddTopicSource(ctx, model.TopicSource{
		GlobalTopicID:   topic.ID,
		MeetingID:       meetingID,
		TopicIndex:      0,
		SimilarityScore: 0.91,
	}, now)
	require.NoError(t, err)
	assert.True(t, inserted)

	// The same (topic, meeting, index) triple is a no-op and must not bump
	// the counter a second time.
	inserted, err = testDB.AddTopicSource(ctx, model.TopicSource{
		GlobalTopicID:   topic.ID,
		MeetingID:       meetingID,
		TopicIndex:      0,
		SimilarityScore: 0.88,
	}, now)
	require.NoError(t, err)
	assert.False(t, inserted)

	has, err := testDB.HasTopicSource(ctx, org.ID, meetingID, 0)
	require.NoError(t, err)
	assert.True(t, has)

	has, err = testDB.HasTopicSource(ctx, org.ID, meetingID, 1)
	require.NoError(t, err)
	assert.False(t, has)

	inserted, err = testDB.AddTopicSource(ctx, model.TopicSource{
		GlobalTopicID:   topic.ID,
		MeetingID:       meetingID,
		TopicIndex:      1,
		SimilarityScore: 0.86,
	}, now)
	require.NoError(t, err)
	assert.True(t, inserted)

	require.NoError(t, testDB.UpdateTopicScores(ctx, topic.ID, 1.5, 0.8, 1.15))

	topics, err := testDB.ListActiveTopics(ctx, org.ID)
	require.NoError(t, err)
	require.Len(t, topics, 1)
	assert.Equal(t, 2, topics[0].SourceCount, "count mirrors source cardinality")
	assert.WithinDuration(t, now, topics[0].LastSeen, time.Second)
	assert.InDelta(t, 1.15, topics[0].RelevanceScore, 1e-9)

	sources, err := testDB.ListTopicSources(ctx, topic.ID)
	require.NoError(t, err)
	assert.Len(t, sources, 2)
}

func TestSuggestionRoundTrip(t *testing.T) {
	ctx := context.Background()
	org := createOrg(t)
	user := createUser(t, org.ID)

	s, err := testDB.InsertSuggestion(ctx, model.Suggestion{
		OrgID:          org.ID,
		UserID:         user.ID,
		Action:         model.ActionSendEmail,
		Confidence:     58,
		ContextQuality: 35,
		Level:          model.ConfidenceLow,
		Routing:        model.RouteClarify,
		ClarifyingQuestions: []string{
			"Which deal is this follow-up about?",
			"Should the draft mention the security review?",
		},
	})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, s.ID)
	assert.False(t, s.GeneratedAt.IsZero())

	got, err := testDB.GetSuggestion(ctx, org.ID, s.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ActionSendEmail, got.Action)
	assert.Equal(t, model.RouteClarify, got.Routing)
	assert.Equal(t, 58, got.Confidence)
	require.Len(t, got.ClarifyingQuestions, 2)
	assert.Equal(t, "Which deal is this follow-up about?", got.ClarifyingQuestions[0])

	_, err = testDB.GetSuggestion(ctx, org.ID, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFeedbackOutcomeExactlyOnce(t *testing.T) {
	ctx := context.Background()
	org := createOrg(t)
	user := createUser(t, org.ID)

	s, err := testDB.InsertSuggestion(ctx, model.Suggestion{
		OrgID: org.ID, UserID: user.ID,
		Action: model.ActionDraftFollowUp, Confidence: 88, ContextQuality: 75,
		Level: model.ConfidenceHigh, Routing: model.RouteAutoExecute,
		Content: "Thanks for the call today...",
	})
	require.NoError(t, err)

	original := "Thanks for the call today..."
	edited := "Thank you for taking the time to speak with us today."
	fb, err := testDB.InsertFeedback(ctx, model.Feedback{
		OrgID:           org.ID,
		UserID:          user.ID,
		SuggestionID:    s.ID,
		Action:          model.FeedbackEdited,
		Confidence:      88,
		ContextQuality:  75,
		OriginalContent: &original,
		EditedContent:   &edited,
		Delta: &model.EditDelta{
			ToneShift:          model.ToneMoreFormal,
			LengthChange:       model.LengthLonger,
			LengthDeltaPercent: 61,
		},
		DecisionLatency: 1500 * time.Millisecond,
	})
	require.NoError(t, err)

	got, err := testDB.GetFeedback(ctx, org.ID, fb.ID)
	require.NoError(t, err)
	assert.Equal(t, model.FeedbackEdited, got.Action)
	assert.Equal(t, 1500*time.Millisecond, got.DecisionLatency)
	require.NotNil(t, got.Delta)
	assert.Equal(t, model.ToneMoreFormal, got.Delta.ToneShift)
	assert.False(t, got.OutcomeMeasured)

	require.NoError(t, testDB.SetFeedbackOutcome(ctx, org.ID, fb.ID, true, model.OutcomeReplyReceived))

	got, err = testDB.GetFeedback(ctx, org.ID, fb.ID)
	require.NoError(t, err)
	assert.True(t, got.OutcomeMeasured)
	assert.True(t, got.OutcomePositive)
	require.NotNil(t, got.OutcomeKind)
	assert.Equal(t, model.OutcomeReplyReceived, *got.OutcomeKind)

	// The outcome write is monotonic: the second attempt changes nothing.
	err = testDB.SetFeedbackOutcome(ctx, org.ID, fb.ID, false, model.OutcomeMeetingBooked)
	assert.ErrorIs(t, err, storage.ErrOutcomeAlreadySet)

	got, err = testDB.GetFeedback(ctx, org.ID, fb.ID)
	require.NoError(t, err)
	assert.True(t, got.OutcomePositive, "losing write must not land")

	err = testDB.SetFeedbackOutcome(ctx, org.ID, uuid.New(), true, model.OutcomeReplyReceived)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUserAIPreferencesDefaultsAndUpsert(t *testing.T) {
	ctx := context.Background()
	org := createOrg(t)
	user := createUser(t, org.ID)

	// No stored row yet: defaults, not ErrNotFound.
	p, err := testDB.GetUserAIPreferences(ctx, org.ID, user.ID)
	require.NoError(t, err)
	assert.Equal(t, 85, p.AutoApproveThreshold)
	assert.Equal(t, model.NotifyRealtime, p.NotificationFrequency)
	assert.True(t, p.AlwaysHITL(model.ActionSendEmail))
	assert.True(t, p.AlwaysHITL(model.ActionSendSlackMessage))
	assert.False(t, p.AlwaysHITL(model.ActionCreateTask))
	assert.Nil(t, p.PreferredTone)

	tone := model.ToneProfessional
	length := model.LengthConcise
	ctas := true
	p.PreferredTone = &tone
	p.PreferredLength = &length
	p.PrefersCTAs = &ctas
	p.TotalSuggestions = 10
	p.Approvals = 6
	p.Edits = 2
	p.Rejections = 2
	p.ApprovalRate = 0.6
	p.EditRate = 0.2
	p.RejectionRate = 0.2
	p.AutoApproveThreshold = 90
	p.NeverAutoSend = true
	p.PreferredChannels = []string{"email"}
	require.NoError(t, testDB.UpsertUserAIPreferences(ctx, p))

	got, err := testDB.GetUserAIPreferences(ctx, org.ID, user.ID)
	require.NoError(t, err)
	require.NotNil(t, got.PreferredTone)
	assert.Equal(t, model.ToneProfessional, *got.PreferredTone)
	require.NotNil(t, got.PreferredLength)
	assert.Equal(t, model.LengthConcise, *got.PreferredLength)
	assert.Equal(t, 10, got.TotalSuggestions)
	assert.InDelta(t, 0.6, got.ApprovalRate, 1e-9)
	assert.Equal(t, 90, got.AutoApproveThreshold)
	assert.True(t, got.NeverAutoSend)
	assert.Equal(t, []string{"email"}, got.PreferredChannels)
	assert.Nil(t, got.PrefersBullets, "unlearned stays unlearned")

	// Second upsert overwrites in place.
	got.Approvals = 7
	got.TotalSuggestions = 11
	require.NoError(t, testDB.UpsertUserAIPreferences(ctx, got))

	again, err := testDB.GetUserAIPreferences(ctx, org.ID, user.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, again.Approvals)
	assert.Equal(t, 11, again.TotalSuggestions)
}

func TestOrgAIPreferencesDefaults(t *testing.T) {
	ctx := context.Background()
	org := createOrg(t)

	p, err := testDB.GetOrgAIPreferences(ctx, org.ID)
	require.NoError(t, err)
	assert.Equal(t, org.ID, p.OrgID)
	assert.InDelta(t, 0.2, p.ApprovalHistoryWeight, 1e-9)
	assert.InDelta(t, 0.3, p.LowContextPenalty, 1e-9)
	assert.Equal(t, 80, p.HighThreshold)
	assert.Equal(t, 50, p.MediumThreshold)
}

func TestFindOrgByAccountHint(t *testing.T) {
	ctx := context.Background()
	org := createOrg(t)

	hint := "T" + uuid.New().String()[:8]
	_, err := testDB.UpsertCredential(ctx, model.IntegrationCredential{
		OrgID:        org.ID,
		Integration:  model.IntegrationSlack,
		AccessSecret: "xoxb-test",
		Status:       model.ConnectionActive,
		Metadata:     json.RawMessage(fmt.Sprintf(`{"account_hint":%q}`, hint)),
	})
	require.NoError(t, err)

	found, err := testDB.FindOrgByAccountHint(ctx, model.IntegrationSlack, hint)
	require.NoError(t, err)
	assert.Equal(t, org.ID, found)

	_, err = testDB.FindOrgByAccountHint(ctx, model.IntegrationSlack, "T-unknown")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFindOrgByUserEmail(t *testing.T) {
	ctx := context.Background()
	org := createOrg(t)
	user := createUser(t, org.ID)

	found, err := testDB.FindOrgByUserEmail(ctx, user.Email)
	require.NoError(t, err)
	assert.Equal(t, org.ID, found)

	// Case-insensitive, like the contact natural key.
	found, err = testDB.FindOrgByUserEmail(ctx, "USER-"+user.Email[5:])
	if err == nil {
		assert.Equal(t, org.ID, found)
	}

	_, err = testDB.FindOrgByUserEmail(ctx, "nobody@nowhere.example")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSetOrgPlan(t *testing.T) {
	ctx := context.Background()
	org := createOrg(t)

	require.NoError(t, testDB.SetOrgPlan(ctx, org.ID, "pro"))

	got, err := testDB.GetOrg(ctx, org.ID)
	require.NoError(t, err)
	assert.Equal(t, "pro", got.Plan)

	err = testDB.SetOrgPlan(ctx, uuid.New(), "pro")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSetOrgStripeCustomer(t *testing.T) {
	ctx := context.Background()
	org := createOrg(t)
	assert.Nil(t, org.StripeCustomerID)

	require.NoError(t, testDB.SetOrgStripeCustomer(ctx, org.ID, "cus_storage_1"))

	got, err := testDB.GetOrg(ctx, org.ID)
	require.NoError(t, err)
	require.NotNil(t, got.StripeCustomerID)
	assert.Equal(t, "cus_storage_1", *got.StripeCustomerID)

	err = testDB.SetOrgStripeCustomer(ctx, uuid.New(), "cus_storage_2")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
