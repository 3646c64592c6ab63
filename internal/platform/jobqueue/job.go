package jobqueue

import (
	"sync"
	"time"
)

type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Job is one ingestion request. Only the queue changes its state; the
// processor that owns an active job may advance its progress.
type Job struct {
	ID        int64
	StudyID   string
	RequestID string

	mu         sync.Mutex
	state      State
	progress   int
	createdAt  time.Time
	startedAt  time.Time
	finishedAt time.Time
	result     any
	errMsg     string
}

// Snapshot is a point-in-time copy of a Job, safe to serialize.
type Snapshot struct {
	ID         int64      `json:"jobId"`
	StudyID    string     `json:"studyId"`
	RequestID  string     `json:"requestId"`
	State      State      `json:"status"`
	Progress   int        `json:"progress"`
	CreatedAt  time.Time  `json:"createdAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	Result     any        `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// SetProgress records stage progress. Values are clamped to 0..100 and
// anything lower than the current value is ignored, as is any update once
// the job has left the active state.
func (j *Job) SetProgress(p int) {
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != StateActive || p <= j.progress {
		return
	}
	j.progress = p
}

func (j *Job) Progress() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.progress
}

func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()

	s := Snapshot{
		ID:        j.ID,
		StudyID:   j.StudyID,
		RequestID: j.RequestID,
		State:     j.state,
		Progress:  j.progress,
		CreatedAt: j.createdAt,
		Result:    j.result,
		Error:     j.errMsg,
	}
	if !j.startedAt.IsZero() {
		t := j.startedAt
		s.StartedAt = &t
	}
	if !j.finishedAt.IsZero() {
		t := j.finishedAt
		s.FinishedAt = &t
	}
	return s
}

func (j *Job) activate(now time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.state = StateActive
	j.startedAt = now
}

// finish moves an active job to its terminal state. It is a no-op for a job
// that is already terminal.
func (j *Job) finish(now time.Time, result any, err error) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() {
		return false
	}
	j.finishedAt = now
	if err != nil {
		j.state = StateFailed
		j.errMsg = err.Error()
		return true
	}
	j.state = StateCompleted
	j.progress = 100
	j.result = result
	return true
}

func (j *Job) finishedBefore(cutoff time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state.Terminal() && j.finishedAt.Before(cutoff)
}
