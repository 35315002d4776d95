package topics

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/tsunagi-ai/tsunagi/internal/clock"
	"github.com/tsunagi-ai/tsunagi/internal/model"
	"github.com/tsunagi-ai/tsunagi/internal/telemetry"
)

const (
	// DefaultThreshold is the similarity at which an incoming topic merges
	// into an existing cluster instead of seeding a new one.
	DefaultThreshold = 0.85
	// DefaultBatchSize bounds one aggregation pass.
	DefaultBatchSize = 50

	recencyHorizonDays = 90
)

// Store is the persistence surface the aggregation engine needs.
type Store interface {
	ListActiveTopics(ctx context.Context, orgID uuid.UUID) ([]model.GlobalTopic, error)
	CreateTopic(ctx context.Context, t model.GlobalTopic) (model.GlobalTopic, error)
	AddTopicSource(ctx context.Context, s model.TopicSource, lastSeen time.Time) (bool, error)
	HasTopicSource(ctx context.Context, orgID uuid.UUID, meetingID uuid.UUID, topicIndex int) (bool, error)
	UpdateTopicScores(ctx context.Context, id uuid.UUID, frequency, recency, relevance float64) error
	ListTopicRecords(ctx context.Context, orgID uuid.UUID, meetingID *uuid.UUID) ([]model.TopicRecord, error)

	ClaimWork(ctx context.Context, kind model.WorkItemKind, limit int) ([]model.WorkItem, error)
	CompleteWork(ctx context.Context, id uuid.UUID) error
	FailWork(ctx context.Context, id uuid.UUID, reason string) error
}

// Engine clusters topic records into global topics.
type Engine struct {
	store     Store
	clock     clock.Clock
	logger    *slog.Logger
	batchSize int
	threshold float64

	recordCount metric.Int64Counter
}

// New builds the engine.
func New(store Store, clk clock.Clock, logger *slog.Logger) *Engine {
	if clk == nil {
		clk = clock.System{}
	}
	meter := telemetry.Meter("tsunagi/topics")
	records, _ := meter.Int64Counter("tsunagi.topics.record_count",
		metric.WithDescription("Clustered topic records by mode and outcome"),
	)
	return &Engine{
		store:       store,
		clock:       clk,
		logger:      logger.With("component", "topics"),
		batchSize:   DefaultBatchSize,
		threshold:   DefaultThreshold,
		recordCount: records,
	}
}

// WithBatchSize overrides how many queued meetings one incremental pass
// drains. Values <= 0 are ignored.
func (e *Engine) WithBatchSize(n int) *Engine {
	if n > 0 {
		e.batchSize = n
	}
	return e
}

// WithThreshold overrides the merge threshold used when a request carries no
// explicit one. Values outside (0, 1] are ignored.
func (e *Engine) WithThreshold(t float64) *Engine {
	if t > 0 && t <= 1 {
		e.threshold = t
	}
	return e
}

// Request selects what one aggregation run processes.
type Request struct {
	OrgID uuid.UUID
	Mode  model.AggregationMode
	// MeetingID is required in single mode.
	MeetingID *uuid.UUID
	// Threshold overrides the engine default when non-nil. Must be in (0, 1].
	Threshold *float64
}

// Report summarizes one aggregation run.
type Report struct {
	Mode      model.AggregationMode `json:"mode"`
	Processed int                   `json:"processed"`
	Merged    int                   `json:"merged"`
	Created   int                   `json:"created"`
	Skipped   int                   `json:"skipped"`
	Failed    int                   `json:"failed"`
}

// Aggregate runs one pass in the requested mode. Incremental drains queued
// meetings, single processes one meeting, full re-scans the tenant. Repeat
// runs are no-ops: every (meeting, topic_index) binds at most once.
func (e *Engine) Aggregate(ctx context.Context, req Request) (Report, error) {
	threshold := e.threshold
	if req.Threshold != nil {
		if *req.Threshold <= 0 || *req.Threshold > 1 {
			return Report{}, &model.ValidationError{Field: "similarity_threshold", Reason: "must be in (0, 1]"}
		}
		threshold = *req.Threshold
	}

	report := Report{Mode: req.Mode}
	switch req.Mode {
	case model.AggregateIncremental:
		if err := e.drainQueue(ctx, threshold, &report); err != nil {
			return report, err
		}
	case model.AggregateSingle:
		if req.MeetingID == nil {
			return Report{}, &model.ValidationError{Field: "meeting_id", Reason: "required in single mode"}
		}
		records, err := e.store.ListTopicRecords(ctx, req.OrgID, req.MeetingID)
		if err != nil {
			return report, fmt.Errorf("topics: list meeting topics: %w", err)
		}
		if err := e.clusterBatches(ctx, req.OrgID, records, threshold, &report); err != nil {
			return report, err
		}
	case model.AggregateFull:
		records, err := e.store.ListTopicRecords(ctx, req.OrgID, nil)
		if err != nil {
			return report, fmt.Errorf("topics: list tenant topics: %w", err)
		}
		if err := e.clusterBatches(ctx, req.OrgID, records, threshold, &report); err != nil {
			return report, err
		}
	default:
		return Report{}, &model.ValidationError{Field: "mode", Reason: fmt.Sprintf("unknown mode %q", req.Mode)}
	}

	e.logger.Info("aggregation pass finished",
		"org_id", req.OrgID,
		"mode", req.Mode,
		"processed", report.Processed,
		"merged", report.Merged,
		"created", report.Created,
		"skipped", report.Skipped,
		"failed", report.Failed,
	)
	e.countRecords(ctx, req.Mode, report)
	return report, nil
}

func (e *Engine) countRecords(ctx context.Context, mode model.AggregationMode, report Report) {
	for outcome, n := range map[string]int{
		"merged":  report.Merged,
		"created": report.Created,
		"skipped": report.Skipped,
		"failed":  report.Failed,
	} {
		if n == 0 {
			continue
		}
		e.recordCount.Add(ctx, int64(n), metric.WithAttributes(
			attribute.String("mode", string(mode)),
			attribute.String("outcome", outcome),
		))
	}
}

// drainQueue claims one batch of queued extraction items. An item whose
// meeting was already aggregated completes without side effects; a broken
// item fails with its reason and stays out of the way.
func (e *Engine) drainQueue(ctx context.Context, threshold float64, report *Report) error {
	items, err := e.store.ClaimWork(ctx, model.WorkTopicExtraction, e.batchSize)
	if err != nil {
		return fmt.Errorf("topics: claim work: %w", err)
	}
	touched := make(map[uuid.UUID]bool)
	for _, item := range items {
		meetingID, err := uuid.Parse(item.SubjectID)
		if err != nil {
			report.Failed++
			if ferr := e.store.FailWork(ctx, item.ID, fmt.Sprintf("bad meeting id %q", item.SubjectID)); ferr != nil {
				return fmt.Errorf("topics: fail work: %w", ferr)
			}
			continue
		}
		records, err := e.store.ListTopicRecords(ctx, item.OrgID, &meetingID)
		if err == nil {
			err = e.clusterRecords(ctx, item.OrgID, records, threshold, report)
		}
		if err != nil {
			report.Failed++
			if ferr := e.store.FailWork(ctx, item.ID, err.Error()); ferr != nil {
				return fmt.Errorf("topics: fail work: %w", ferr)
			}
			continue
		}
		touched[item.OrgID] = true
		if err := e.store.CompleteWork(ctx, item.ID); err != nil {
			return fmt.Errorf("topics: complete work: %w", err)
		}
	}
	for orgID := range touched {
		if err := e.recomputeScores(ctx, orgID); err != nil {
			return err
		}
	}
	return nil
}

// clusterBatches processes records in batch-size slices, recomputing tenant
// scores after each batch.
func (e *Engine) clusterBatches(ctx context.Context, orgID uuid.UUID, records []model.TopicRecord, threshold float64, report *Report) error {
	for start := 0; start < len(records); start += e.batchSize {
		end := start + e.batchSize
		if end > len(records) {
			end = len(records)
		}
		if err := e.clusterRecords(ctx, orgID, records[start:end], threshold, report); err != nil {
			return err
		}
		if err := e.recomputeScores(ctx, orgID); err != nil {
			return err
		}
	}
	if len(records) == 0 {
		return e.recomputeScores(ctx, orgID)
	}
	return nil
}

func (e *Engine) clusterRecords(ctx context.Context, orgID uuid.UUID, records []model.TopicRecord, threshold float64, report *Report) error {
	if len(records) == 0 {
		return nil
	}
	active, err := e.store.ListActiveTopics(ctx, orgID)
	if err != nil {
		return fmt.Errorf("topics: list active topics: %w", err)
	}

	for _, rec := range records {
		report.Processed++
		bound, err := e.store.HasTopicSource(ctx, orgID, rec.MeetingID, rec.TopicIndex)
		if err != nil {
			return fmt.Errorf("topics: check topic source: %w", err)
		}
		if bound {
			report.Skipped++
			continue
		}

		incoming := rec.Title + " " + rec.Description
		bestIdx, bestSim := -1, 0.0
		for i, g := range active {
			sim := Similarity(incoming, g.CanonicalTitle+" "+g.CanonicalDescription)
			if sim > bestSim {
				bestIdx, bestSim = i, sim
			}
		}

		if bestIdx >= 0 && bestSim >= threshold {
			added, err := e.store.AddTopicSource(ctx, model.TopicSource{
				GlobalTopicID:   active[bestIdx].ID,
				MeetingID:       rec.MeetingID,
				TopicIndex:      rec.TopicIndex,
				SimilarityScore: round4(bestSim),
			}, rec.MeetingDate)
			if err != nil {
				return fmt.Errorf("topics: add source: %w", err)
			}
			if !added {
				report.Skipped++
				continue
			}
			active[bestIdx].SourceCount++
			if rec.MeetingDate.After(active[bestIdx].LastSeen) {
				active[bestIdx].LastSeen = rec.MeetingDate
			}
			report.Merged++
			continue
		}

		created, err := e.store.CreateTopic(ctx, model.GlobalTopic{
			OrgID:                orgID,
			CanonicalTitle:       rec.Title,
			CanonicalDescription: rec.Description,
			FirstSeen:            rec.MeetingDate,
			LastSeen:             rec.MeetingDate,
		})
		if err != nil {
			return fmt.Errorf("topics: create topic: %w", err)
		}
		if _, err := e.store.AddTopicSource(ctx, model.TopicSource{
			GlobalTopicID:   created.ID,
			MeetingID:       rec.MeetingID,
			TopicIndex:      rec.TopicIndex,
			SimilarityScore: 1.0,
		}, rec.MeetingDate); err != nil {
			return fmt.Errorf("topics: add seed source: %w", err)
		}
		created.SourceCount = 1
		active = append(active, created)
		report.Created++
	}
	return nil
}

// recomputeScores refreshes frequency, recency, and relevance for every
// active topic of the tenant.
func (e *Engine) recomputeScores(ctx context.Context, orgID uuid.UUID) error {
	active, err := e.store.ListActiveTopics(ctx, orgID)
	if err != nil {
		return fmt.Errorf("topics: list topics for scoring: %w", err)
	}
	maxCount := 0
	for _, g := range active {
		if g.SourceCount > maxCount {
			maxCount = g.SourceCount
		}
	}

	now := e.clock.Now()
	for _, g := range active {
		frequency := 0.0
		if maxCount > 0 {
			frequency = float64(g.SourceCount) / float64(maxCount)
		}
		days := now.Sub(g.LastSeen).Hours() / 24
		recency := math.Max(0, 1-days/recencyHorizonDays)
		relevance := 0.4*frequency + 0.6*recency

		if err := e.store.UpdateTopicScores(ctx, g.ID, round4(frequency), round4(recency), round4(relevance)); err != nil {
			return fmt.Errorf("topics: update scores: %w", err)
		}
	}
	return nil
}

func round4(x float64) float64 {
	return math.Round(x*10000) / 10000
}
