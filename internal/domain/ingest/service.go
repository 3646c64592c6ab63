package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ehr/study-ingest/internal/platform/jobqueue"
	"github.com/ehr/study-ingest/internal/platform/resultcache"
	"github.com/ehr/study-ingest/pkg/ingesterr"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/rs/zerolog"
)

// Status is the polling view of one request.
type Status struct {
	RequestID string          `json:"requestId"`
	JobID     int64           `json:"jobId"`
	StudyID   string          `json:"studyId"`
	Status    string          `json:"status"`
	Progress  *int            `json:"progress,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// validIdentifier checks that id is safe to use as a single URL path
// segment, both toward the imaging server and in status URLs.
func validIdentifier(id string) error {
	return validation.Validate(id,
		validation.Required,
		validation.Length(1, 128),
		validation.Match(identifierPattern),
	)
}

// Service owns the job queue and mirrors terminal jobs into the result cache.
type Service struct {
	queue  *jobqueue.Queue
	cache  resultcache.Cache
	ttl    time.Duration
	logger zerolog.Logger
}

func NewService(queue *jobqueue.Queue, cache resultcache.Cache, ttl time.Duration, logger zerolog.Logger) *Service {
	if ttl <= 0 {
		ttl = resultcache.DefaultTTL
	}
	s := &Service{
		queue:  queue,
		cache:  cache,
		ttl:    ttl,
		logger: logger.With().Str("component", "ingest").Logger(),
	}
	queue.OnFinish(s.remember)
	return s
}

// Submit queues studyID for ingestion. Any cached outcome of an earlier
// job under the same request id is dropped.
func (s *Service) Submit(ctx context.Context, studyID, requestID string) (jobqueue.Snapshot, error) {
	studyID = strings.TrimSpace(studyID)
	if err := validIdentifier(studyID); err != nil {
		return jobqueue.Snapshot{}, fmt.Errorf("study id %q: %v: %w", studyID, err, ingesterr.ErrInvalidRequest)
	}
	if err := validIdentifier(requestID); err != nil {
		return jobqueue.Snapshot{}, fmt.Errorf("request id %q: %v: %w", requestID, err, ingesterr.ErrInvalidRequest)
	}
	if err := s.cache.Delete(ctx, requestID); err != nil {
		s.logger.Warn().Err(err).Str("request_id", requestID).Msg("drop stale result failed")
	}
	return s.queue.Enqueue(studyID, requestID), nil
}

// Status reports the latest job submitted under requestID. A live job newer
// than the cached outcome wins.
func (s *Service) Status(ctx context.Context, requestID string) (*Status, error) {
	entry, cached, err := s.cache.Get(ctx, requestID)
	if err != nil {
		s.logger.Warn().Err(err).Str("request_id", requestID).Msg("result cache lookup failed")
	}
	snap, live := s.queue.GetByRequestID(requestID)

	if cached && (!live || snap.ID <= entry.JobID) {
		return &Status{
			RequestID: requestID,
			JobID:     entry.JobID,
			StudyID:   entry.StudyID,
			Status:    entry.Status,
			Result:    entry.Result,
			Error:     entry.Error,
		}, nil
	}
	if !live {
		return nil, fmt.Errorf("request %s: %w", requestID, ingesterr.ErrNotFound)
	}
	progress := snap.Progress
	st := &Status{
		RequestID: requestID,
		JobID:     snap.ID,
		StudyID:   snap.StudyID,
		Status:    string(snap.State),
		Progress:  &progress,
		Error:     snap.Error,
	}
	if snap.Result != nil {
		if raw, err := json.Marshal(snap.Result); err == nil {
			st.Result = raw
		}
	}
	return st, nil
}

func (s *Service) Jobs() []jobqueue.Snapshot {
	return s.queue.List()
}

func (s *Service) Stats() jobqueue.Stats {
	return s.queue.Stats()
}

// remember writes a terminal snapshot to the result cache.
func (s *Service) remember(snap jobqueue.Snapshot) {
	if snap.RequestID == "" {
		return
	}
	if latest, ok := s.queue.GetByRequestID(snap.RequestID); ok && latest.ID > snap.ID {
		s.logger.Debug().Int64("job_id", snap.ID).Int64("superseded_by", latest.ID).Msg("skip cache write for superseded job")
		return
	}
	entry := resultcache.Entry{
		Status:  string(snap.State),
		JobID:   snap.ID,
		StudyID: snap.StudyID,
		Error:   snap.Error,
	}
	if snap.FinishedAt != nil {
		entry.FinishedAt = *snap.FinishedAt
	}
	if snap.Result != nil {
		raw, err := json.Marshal(snap.Result)
		if err != nil {
			s.logger.Error().Err(err).Int64("job_id", snap.ID).Msg("encode job result")
		} else {
			entry.Result = raw
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.cache.Put(ctx, snap.RequestID, entry, s.ttl); err != nil {
		s.logger.Error().Err(err).Str("request_id", snap.RequestID).Msg("write result cache")
	}
}
