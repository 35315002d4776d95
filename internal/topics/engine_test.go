package topics

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsunagi-ai/tsunagi/internal/clock"
	"github.com/tsunagi-ai/tsunagi/internal/model"
)

var testNow = time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

type fakeStore struct {
	mu sync.Mutex

	topics  []model.GlobalTopic
	sources map[string]model.TopicSource
	records map[uuid.UUID][]model.TopicRecord
	work    map[uuid.UUID]*model.WorkItem
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sources: make(map[string]model.TopicSource),
		records: make(map[uuid.UUID][]model.TopicRecord),
		work:    make(map[uuid.UUID]*model.WorkItem),
	}
}

func sourceKey(topicID, meetingID uuid.UUID, idx int) string {
	return fmt.Sprintf("%s/%s/%d", topicID, meetingID, idx)
}

func (f *fakeStore) ListActiveTopics(_ context.Context, orgID uuid.UUID) ([]model.GlobalTopic, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.GlobalTopic
	for _, t := range f.topics {
		if t.OrgID == orgID && !t.Archived {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeStore) CreateTopic(_ context.Context, t model.GlobalTopic) (model.GlobalTopic, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	f.topics = append(f.topics, t)
	return t, nil
}

func (f *fakeStore) AddTopicSource(_ context.Context, s model.TopicSource, lastSeen time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := sourceKey(s.GlobalTopicID, s.MeetingID, s.TopicIndex)
	if _, ok := f.sources[key]; ok {
		return false, nil
	}
	s.ID = uuid.New()
	f.sources[key] = s
	for i := range f.topics {
		if f.topics[i].ID == s.GlobalTopicID {
			f.topics[i].SourceCount++
			if lastSeen.After(f.topics[i].LastSeen) {
				f.topics[i].LastSeen = lastSeen
			}
		}
	}
	return true, nil
}

func (f *fakeStore) HasTopicSource(_ context.Context, orgID uuid.UUID, meetingID uuid.UUID, topicIndex int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.topics {
		if t.OrgID != orgID {
			continue
		}
		if _, ok := f.sources[sourceKey(t.ID, meetingID, topicIndex)]; ok {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) UpdateTopicScores(_ context.Context, id uuid.UUID, frequency, recency, relevance float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.topics {
		if f.topics[i].ID == id {
			f.topics[i].FrequencyScore = frequency
			f.topics[i].RecencyScore = recency
			f.topics[i].RelevanceScore = relevance
		}
	}
	return nil
}

func (f *fakeStore) ListTopicRecords(_ context.Context, orgID uuid.UUID, meetingID *uuid.UUID) ([]model.TopicRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.TopicRecord
	for mid, recs := range f.records {
		if meetingID != nil && mid != *meetingID {
			continue
		}
		out = append(out, recs...)
	}
	return out, nil
}

func (f *fakeStore) ClaimWork(_ context.Context, kind model.WorkItemKind, limit int) ([]model.WorkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.WorkItem
	for _, item := range f.work {
		if item.Kind == kind && item.Status == model.WorkPending && len(out) < limit {
			item.Status = model.WorkProcessing
			out = append(out, *item)
		}
	}
	return out, nil
}

func (f *fakeStore) CompleteWork(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.work[id].Status = model.WorkCompleted
	return nil
}

func (f *fakeStore) FailWork(_ context.Context, id uuid.UUID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.work[id].Status = model.WorkFailed
	f.work[id].LastError = &reason
	f.work[id].Attempts++
	return nil
}

func newEngine(store *fakeStore) *Engine {
	return New(store, clock.Fixed{T: testNow}, slog.New(slog.DiscardHandler))
}

func seedTopic(f *fakeStore, orgID uuid.UUID, title, description string, lastSeen time.Time, count int) model.GlobalTopic {
	t := model.GlobalTopic{
		ID: uuid.New(), OrgID: orgID,
		CanonicalTitle: title, CanonicalDescription: description,
		SourceCount: count, FirstSeen: lastSeen, LastSeen: lastSeen,
	}
	f.topics = append(f.topics, t)
	return t
}

func record(meetingID uuid.UUID, idx int, title, description string, date time.Time) model.TopicRecord {
	return model.TopicRecord{
		MeetingID: meetingID, TopicIndex: idx,
		Title: title, Description: description,
		MeetingDate: date,
	}
}

func (f *fakeStore) topic(id uuid.UUID) model.GlobalTopic {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.topics {
		if t.ID == id {
			return t
		}
	}
	return model.GlobalTopic{}
}

func TestAggregateSingleMergesAboveThreshold(t *testing.T) {
	store := newFakeStore()
	orgID := uuid.New()
	existing := seedTopic(store, orgID, "Pricing discussion and discount options", "for enterprise", testNow.Add(-30*24*time.Hour), 1)

	meetingID := uuid.New()
	store.records[meetingID] = []model.TopicRecord{
		record(meetingID, 0, "Pricing and discount options discussion", "", testNow.Add(-24*time.Hour)),
	}

	rep, err := newEngine(store).Aggregate(context.Background(), Request{
		OrgID: orgID, Mode: model.AggregateSingle, MeetingID: &meetingID,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Processed)
	assert.Equal(t, 1, rep.Merged)
	assert.Zero(t, rep.Created)

	got := store.topic(existing.ID)
	assert.Equal(t, 2, got.SourceCount)
	assert.Equal(t, testNow.Add(-24*time.Hour), got.LastSeen)

	src := store.sources[sourceKey(existing.ID, meetingID, 0)]
	assert.InDelta(t, 0.8857, src.SimilarityScore, 0.0001)
}

func TestAggregateSingleCreatesBelowThreshold(t *testing.T) {
	store := newFakeStore()
	orgID := uuid.New()
	seedTopic(store, orgID, "Pricing discussion and discount options", "for enterprise", testNow.Add(-30*24*time.Hour), 1)

	meetingID := uuid.New()
	store.records[meetingID] = []model.TopicRecord{
		record(meetingID, 0, "Pricing and discount options discussion", "", testNow.Add(-24*time.Hour)),
	}

	strict := 0.95
	rep, err := newEngine(store).Aggregate(context.Background(), Request{
		OrgID: orgID, Mode: model.AggregateSingle, MeetingID: &meetingID, Threshold: &strict,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Created)
	assert.Zero(t, rep.Merged)

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.topics, 2)
	fresh := store.topics[1]
	assert.Equal(t, "Pricing and discount options discussion", fresh.CanonicalTitle)
	assert.Equal(t, 1, fresh.SourceCount)
	src := store.sources[sourceKey(fresh.ID, meetingID, 0)]
	assert.InDelta(t, 1.0, src.SimilarityScore, 1e-9)
}

func TestAggregateIdempotentPerTopicIndex(t *testing.T) {
	store := newFakeStore()
	orgID := uuid.New()
	meetingID := uuid.New()
	store.records[meetingID] = []model.TopicRecord{
		record(meetingID, 0, "Renewal timeline", "contract end dates", testNow.Add(-time.Hour)),
	}

	engine := newEngine(store)
	first, err := engine.Aggregate(context.Background(), Request{OrgID: orgID, Mode: model.AggregateSingle, MeetingID: &meetingID})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Created)

	second, err := engine.Aggregate(context.Background(), Request{OrgID: orgID, Mode: model.AggregateSingle, MeetingID: &meetingID})
	require.NoError(t, err)
	assert.Equal(t, 1, second.Skipped)
	assert.Zero(t, second.Created)
	assert.Zero(t, second.Merged)

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.topics, 1)
	assert.Equal(t, 1, store.topics[0].SourceCount)
}

func TestAggregateRelevanceScores(t *testing.T) {
	store := newFakeStore()
	orgID := uuid.New()

	// Dominant topic seen 45 days ago; the fresh record creates a second.
	dominant := seedTopic(store, orgID, "Quarterly business review", "agenda and metrics", testNow.Add(-45*24*time.Hour), 4)

	meetingID := uuid.New()
	store.records[meetingID] = []model.TopicRecord{
		record(meetingID, 0, "Security questionnaire", "vendor review forms", testNow),
	}

	_, err := newEngine(store).Aggregate(context.Background(), Request{OrgID: orgID, Mode: model.AggregateSingle, MeetingID: &meetingID})
	require.NoError(t, err)

	got := store.topic(dominant.ID)
	assert.InDelta(t, 1.0, got.FrequencyScore, 1e-9)
	assert.InDelta(t, 0.5, got.RecencyScore, 1e-9)
	assert.InDelta(t, 0.7, got.RelevanceScore, 1e-9)

	store.mu.Lock()
	fresh := store.topics[1]
	store.mu.Unlock()
	assert.InDelta(t, 0.25, fresh.FrequencyScore, 1e-9)
	assert.InDelta(t, 1.0, fresh.RecencyScore, 1e-9)
	assert.InDelta(t, 0.7, fresh.RelevanceScore, 1e-9)
}

func TestAggregateIncrementalDrainsQueue(t *testing.T) {
	store := newFakeStore()
	orgID := uuid.New()

	good := uuid.New()
	store.records[good] = []model.TopicRecord{
		record(good, 0, "Pricing options", "discount tiers", testNow.Add(-time.Hour)),
	}
	goodItem := &model.WorkItem{ID: uuid.New(), OrgID: orgID, Kind: model.WorkTopicExtraction, SubjectID: good.String(), Status: model.WorkPending}
	badItem := &model.WorkItem{ID: uuid.New(), OrgID: orgID, Kind: model.WorkTopicExtraction, SubjectID: "not-a-uuid", Status: model.WorkPending}
	store.work[goodItem.ID] = goodItem
	store.work[badItem.ID] = badItem

	rep, err := newEngine(store).Aggregate(context.Background(), Request{OrgID: orgID, Mode: model.AggregateIncremental})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Created)
	assert.Equal(t, 1, rep.Failed)

	assert.Equal(t, model.WorkCompleted, store.work[goodItem.ID].Status)
	assert.Equal(t, model.WorkFailed, store.work[badItem.ID].Status)
	require.NotNil(t, store.work[badItem.ID].LastError)
}

func TestAggregateIncrementalRepeatCompletesWithoutSideEffects(t *testing.T) {
	store := newFakeStore()
	orgID := uuid.New()

	meetingID := uuid.New()
	store.records[meetingID] = []model.TopicRecord{
		record(meetingID, 0, "Onboarding plan", "rollout steps", testNow.Add(-time.Hour)),
	}
	engine := newEngine(store)

	first := &model.WorkItem{ID: uuid.New(), OrgID: orgID, Kind: model.WorkTopicExtraction, SubjectID: meetingID.String(), Status: model.WorkPending}
	store.work[first.ID] = first
	_, err := engine.Aggregate(context.Background(), Request{OrgID: orgID, Mode: model.AggregateIncremental})
	require.NoError(t, err)

	// A redelivered item for the same meeting completes as a no-op.
	repeat := &model.WorkItem{ID: uuid.New(), OrgID: orgID, Kind: model.WorkTopicExtraction, SubjectID: meetingID.String(), Status: model.WorkPending}
	store.work[repeat.ID] = repeat
	rep, err := engine.Aggregate(context.Background(), Request{OrgID: orgID, Mode: model.AggregateIncremental})
	require.NoError(t, err)

	assert.Equal(t, 1, rep.Skipped)
	assert.Zero(t, rep.Created)
	assert.Equal(t, model.WorkCompleted, store.work[repeat.ID].Status)
	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Len(t, store.topics, 1)
	assert.Equal(t, 1, store.topics[0].SourceCount)
}

func TestAggregateValidation(t *testing.T) {
	engine := newEngine(newFakeStore())

	_, err := engine.Aggregate(context.Background(), Request{OrgID: uuid.New(), Mode: model.AggregateSingle})
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)

	bad := 1.5
	_, err = engine.Aggregate(context.Background(), Request{OrgID: uuid.New(), Mode: model.AggregateFull, Threshold: &bad})
	require.ErrorAs(t, err, &verr)

	_, err = engine.Aggregate(context.Background(), Request{OrgID: uuid.New(), Mode: "weekly"})
	require.ErrorAs(t, err, &verr)
}

func TestAggregateFullBatches(t *testing.T) {
	store := newFakeStore()
	orgID := uuid.New()

	meetingID := uuid.New()
	store.records[meetingID] = []model.TopicRecord{
		record(meetingID, 0, "Pricing tiers enterprise", "", testNow),
		record(meetingID, 1, "Security audit checklist", "", testNow),
		record(meetingID, 2, "Onboarding rollout schedule", "", testNow),
	}

	engine := newEngine(store)
	engine.batchSize = 2
	rep, err := engine.Aggregate(context.Background(), Request{OrgID: orgID, Mode: model.AggregateFull})
	require.NoError(t, err)

	assert.Equal(t, 3, rep.Processed)
	assert.Equal(t, 3, rep.Created)
}
