package jobqueue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ehr/study-ingest/internal/platform/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultConcurrency  = 10
	DefaultPollInterval = 200 * time.Millisecond
	DefaultRetention    = 15 * time.Minute
)

// Processor runs one job to completion. The returned value becomes the
// job's result; an error or a panic fails the job.
type Processor func(ctx context.Context, job *Job) (any, error)

type Options struct {
	Concurrency  int
	PollInterval time.Duration
	// Retention is how long terminal jobs stay queryable. Zero keeps them.
	Retention time.Duration
}

// Stats counts the jobs currently held by the queue.
type Stats struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

// Queue is an in-process scheduler. A single loop admits waiting jobs in
// enqueue order whenever a concurrency slot is free.
type Queue struct {
	process Processor
	opts    Options
	logger  zerolog.Logger
	slots   *semaphore.Weighted

	mu        sync.Mutex
	nextID    int64
	jobs      map[int64]*Job
	byRequest map[string]int64
	waiting   []*Job
	hooks     []func(Snapshot)
	started   bool

	loopDone chan struct{}
	workers  sync.WaitGroup
	nowFunc  func() time.Time
}

func New(process Processor, opts Options, logger zerolog.Logger) *Queue {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Queue{
		process:   process,
		opts:      opts,
		logger:    logger.With().Str("component", "jobqueue").Logger(),
		slots:     semaphore.NewWeighted(int64(opts.Concurrency)),
		jobs:      make(map[int64]*Job),
		byRequest: make(map[string]int64),
		loopDone:  make(chan struct{}),
		nowFunc:   time.Now,
	}
}

// OnFinish registers fn to receive every job's terminal snapshot. Hooks run
// on the worker goroutine after the state change is visible.
func (q *Queue) OnFinish(fn func(Snapshot)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.hooks = append(q.hooks, fn)
}

// Enqueue appends a waiting job. A later job with the same request id
// replaces the earlier one in the request index.
func (q *Queue) Enqueue(studyID, requestID string) Snapshot {
	q.mu.Lock()
	q.nextID++
	job := &Job{
		ID:        q.nextID,
		StudyID:   studyID,
		RequestID: requestID,
		state:     StateWaiting,
		createdAt: q.nowFunc(),
	}
	q.jobs[job.ID] = job
	if requestID != "" {
		q.byRequest[requestID] = job.ID
	}
	q.waiting = append(q.waiting, job)
	q.mu.Unlock()

	metrics.RecordJobEnqueued()
	q.logger.Info().
		Int64("job_id", job.ID).
		Str("study_id", studyID).
		Str("request_id", requestID).
		Msg("job queued")
	return job.Snapshot()
}

// Start launches the scheduling loop. Cancelling ctx stops admission; jobs
// already active run to completion. Use Wait to block until they have.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()

	q.logger.Info().
		Int("concurrency", q.opts.Concurrency).
		Dur("poll_interval", q.opts.PollInterval).
		Msg("starting job queue")
	go q.loop(ctx)
}

// Wait blocks until the loop has exited and every active job has finished.
func (q *Queue) Wait() {
	q.mu.Lock()
	started := q.started
	q.mu.Unlock()
	if started {
		<-q.loopDone
	}
	q.workers.Wait()
}

func (q *Queue) loop(ctx context.Context) {
	defer close(q.loopDone)

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	workCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			q.logger.Info().Msg("job queue stopped admitting jobs")
			return
		case <-ticker.C:
			q.dispatch(workCtx)
			q.sweep()
			st := q.Stats()
			metrics.SetQueueDepth(st.Waiting, st.Active, st.Completed, st.Failed)
		}
	}
}

// dispatch moves waiting jobs to active, FIFO, while slots are free.
func (q *Queue) dispatch(ctx context.Context) {
	for {
		q.mu.Lock()
		if len(q.waiting) == 0 || !q.slots.TryAcquire(1) {
			q.mu.Unlock()
			return
		}
		job := q.waiting[0]
		q.waiting[0] = nil
		q.waiting = q.waiting[1:]
		job.activate(q.nowFunc())
		q.workers.Add(1)
		q.mu.Unlock()

		go q.run(ctx, job)
	}
}

func (q *Queue) run(ctx context.Context, job *Job) {
	defer q.workers.Done()
	defer q.slots.Release(1)

	log := q.logger.With().
		Int64("job_id", job.ID).
		Str("study_id", job.StudyID).
		Str("request_id", job.RequestID).
		Logger()
	log.Debug().Msg("job started")

	result, err := q.invoke(ctx, job)

	if !job.finish(q.nowFunc(), result, err) {
		return
	}
	snap := job.Snapshot()

	var elapsed time.Duration
	if snap.StartedAt != nil && snap.FinishedAt != nil {
		elapsed = snap.FinishedAt.Sub(*snap.StartedAt)
	}
	metrics.RecordJobFinished(string(snap.State), elapsed)
	if err != nil {
		log.Error().Err(err).Dur("elapsed", elapsed).Msg("job failed")
	} else {
		log.Info().Dur("elapsed", elapsed).Msg("job completed")
	}

	q.mu.Lock()
	hooks := append([]func(Snapshot){}, q.hooks...)
	q.mu.Unlock()
	for _, fn := range hooks {
		fn(snap)
	}
}

func (q *Queue) invoke(ctx context.Context, job *Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.RecordPanic("job")
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return q.process(ctx, job)
}

// sweep evicts terminal jobs older than the retention window.
func (q *Queue) sweep() {
	if q.opts.Retention <= 0 {
		return
	}
	cutoff := q.nowFunc().Add(-q.opts.Retention)

	q.mu.Lock()
	defer q.mu.Unlock()
	for id, job := range q.jobs {
		if !job.finishedBefore(cutoff) {
			continue
		}
		delete(q.jobs, id)
		if q.byRequest[job.RequestID] == id {
			delete(q.byRequest, job.RequestID)
		}
	}
}

func (q *Queue) Get(id int64) (Snapshot, bool) {
	q.mu.Lock()
	job, ok := q.jobs[id]
	q.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	return job.Snapshot(), true
}

// GetByRequestID returns the most recent job enqueued with requestID.
func (q *Queue) GetByRequestID(requestID string) (Snapshot, bool) {
	q.mu.Lock()
	id, ok := q.byRequest[requestID]
	var job *Job
	if ok {
		job = q.jobs[id]
	}
	q.mu.Unlock()
	if job == nil {
		return Snapshot{}, false
	}
	return job.Snapshot(), true
}

// List returns snapshots of every retained job ordered by id.
func (q *Queue) List() []Snapshot {
	q.mu.Lock()
	jobs := make([]*Job, 0, len(q.jobs))
	for _, j := range q.jobs {
		jobs = append(jobs, j)
	}
	q.mu.Unlock()

	sort.Slice(jobs, func(a, b int) bool { return jobs[a].ID < jobs[b].ID })
	out := make([]Snapshot, len(jobs))
	for i, j := range jobs {
		out[i] = j.Snapshot()
	}
	return out
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	var st Stats
	for _, j := range q.jobs {
		switch j.State() {
		case StateWaiting:
			st.Waiting++
		case StateActive:
			st.Active++
		case StateCompleted:
			st.Completed++
		case StateFailed:
			st.Failed++
		}
	}
	st.Total = len(q.jobs)
	return st
}
