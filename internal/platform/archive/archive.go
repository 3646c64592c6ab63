package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ehr/study-ingest/internal/platform/metrics"
	"github.com/ehr/study-ingest/pkg/ingesterr"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

const DefaultQueue = "archive:compression"

// Request is the message consumed by the compression/export pipeline.
type Request struct {
	ExternalStudyID string    `json:"externalStudyId"`
	StudyRecordID   string    `json:"studyRecordId"`
	InstanceCount   int       `json:"instanceCount"`
	SeriesCount     int       `json:"seriesCount"`
	RequestedAt     time.Time `json:"requestedAt"`
}

// Enqueuer delivers a Request to the archival pipeline.
type Enqueuer interface {
	Enqueue(ctx context.Context, req Request) error
}

type pusher interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
}

// RedisEnqueuer pushes JSON requests onto a redis list.
type RedisEnqueuer struct {
	client pusher
	queue  string
}

func NewRedisEnqueuer(client *redis.Client, queue string) *RedisEnqueuer {
	if queue == "" {
		queue = DefaultQueue
	}
	return &RedisEnqueuer{client: client, queue: queue}
}

func (r *RedisEnqueuer) Enqueue(ctx context.Context, req Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal archival request: %w", err)
	}
	return r.client.LPush(ctx, r.queue, data).Err()
}

// LogEnqueuer only logs. Used when no redis is configured.
type LogEnqueuer struct {
	logger zerolog.Logger
}

func NewLogEnqueuer(logger zerolog.Logger) *LogEnqueuer {
	return &LogEnqueuer{logger: logger}
}

func (l *LogEnqueuer) Enqueue(_ context.Context, req Request) error {
	l.logger.Info().
		Str("external_study_id", req.ExternalStudyID).
		Str("study_record_id", req.StudyRecordID).
		Int("instances", req.InstanceCount).
		Int("series", req.SeriesCount).
		Msg("archival handoff (no queue configured)")
	return nil
}

type Outcome string

const (
	OutcomeEnqueued Outcome = "enqueued"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeFailed   Outcome = "failed"
)

// Handoff wraps an Enqueuer so callers get an Outcome instead of an error.
type Handoff struct {
	enqueuer Enqueuer
	timeout  time.Duration
	logger   zerolog.Logger
	nowFunc  func() time.Time
}

func NewHandoff(e Enqueuer, logger zerolog.Logger) *Handoff {
	return &Handoff{
		enqueuer: e,
		timeout:  5 * time.Second,
		logger:   logger.With().Str("component", "archive").Logger(),
		nowFunc:  time.Now,
	}
}

// Send enqueues req when it carries at least one instance. Failures are
// logged and counted, never returned.
func (h *Handoff) Send(ctx context.Context, req Request) Outcome {
	if req.InstanceCount <= 0 {
		metrics.RecordArchivalHandoff(string(OutcomeSkipped))
		return OutcomeSkipped
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = h.nowFunc().UTC()
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	if err := h.enqueuer.Enqueue(ctx, req); err != nil {
		herr := &ingesterr.DownstreamHandoffError{ExternalStudyID: req.ExternalStudyID, Err: err}
		h.logger.Warn().Err(herr).Str("external_study_id", req.ExternalStudyID).Msg("archival handoff failed")
		metrics.RecordArchivalHandoff(string(OutcomeFailed))
		return OutcomeFailed
	}

	h.logger.Debug().Str("external_study_id", req.ExternalStudyID).Msg("archival handoff enqueued")
	metrics.RecordArchivalHandoff(string(OutcomeEnqueued))
	return OutcomeEnqueued
}
