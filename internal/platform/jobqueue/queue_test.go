package jobqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func startQueue(t *testing.T, p Processor, opts Options) *Queue {
	t.Helper()
	if opts.PollInterval == 0 {
		opts.PollInterval = 5 * time.Millisecond
	}
	q := New(p, opts, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)
	t.Cleanup(func() {
		cancel()
		q.Wait()
	})
	return q
}

func TestEnqueue_AssignsMonotonicIDs(t *testing.T) {
	q := New(func(ctx context.Context, j *Job) (any, error) { return nil, nil }, Options{}, zerolog.Nop())

	a := q.Enqueue("S1", "r1")
	b := q.Enqueue("S2", "r2")
	if a.ID != 1 || b.ID != 2 {
		t.Errorf("expected ids 1 and 2, got %d and %d", a.ID, b.ID)
	}
	if a.State != StateWaiting {
		t.Errorf("expected waiting, got %s", a.State)
	}
	if q.Stats().Waiting != 2 {
		t.Errorf("expected 2 waiting, got %d", q.Stats().Waiting)
	}
}

func TestQueue_ConcurrencyBound(t *testing.T) {
	const limit = 3
	const total = 12

	var running, peak int32
	release := make(chan struct{})
	q := startQueue(t, func(ctx context.Context, j *Job) (any, error) {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&running, -1)
		return "ok", nil
	}, Options{Concurrency: limit})

	for i := 0; i < total; i++ {
		q.Enqueue("S", "")
	}

	waitFor(t, 2*time.Second, func() bool { return q.Stats().Active == limit })
	for i := 0; i < 10; i++ {
		if a := q.Stats().Active; a > limit {
			t.Fatalf("observed %d active jobs, limit is %d", a, limit)
		}
		time.Sleep(5 * time.Millisecond)
	}

	close(release)
	waitFor(t, 2*time.Second, func() bool { return q.Stats().Completed == total })
	if p := atomic.LoadInt32(&peak); p > limit {
		t.Errorf("peak concurrency %d exceeded limit %d", p, limit)
	}
}

func TestQueue_FIFOAdmission(t *testing.T) {
	var mu sync.Mutex
	var order []string
	q := startQueue(t, func(ctx context.Context, j *Job) (any, error) {
		mu.Lock()
		order = append(order, j.StudyID)
		mu.Unlock()
		return nil, nil
	}, Options{Concurrency: 1})

	for _, id := range []string{"A", "B", "C", "D"} {
		q.Enqueue(id, "")
	}
	waitFor(t, 2*time.Second, func() bool { return q.Stats().Completed == 4 })

	mu.Lock()
	defer mu.Unlock()
	want := []string{"A", "B", "C", "D"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, order)
		}
	}
}

func TestQueue_Lifecycle(t *testing.T) {
	q := startQueue(t, func(ctx context.Context, j *Job) (any, error) {
		switch j.StudyID {
		case "bad":
			return nil, errors.New("orthanc unavailable")
		case "panic":
			panic("nil tags")
		}
		j.SetProgress(50)
		return map[string]int{"instances": 2}, nil
	}, Options{Concurrency: 2})

	ok := q.Enqueue("good", "r-good")
	bad := q.Enqueue("bad", "r-bad")
	boom := q.Enqueue("panic", "r-panic")

	waitFor(t, 2*time.Second, func() bool {
		st := q.Stats()
		return st.Completed+st.Failed == 3
	})

	s, _ := q.Get(ok.ID)
	if s.State != StateCompleted || s.Progress != 100 {
		t.Errorf("expected completed at 100, got %s at %d", s.State, s.Progress)
	}
	if s.Result == nil || s.FinishedAt == nil || s.StartedAt == nil {
		t.Error("expected result and timestamps on completed job")
	}

	s, _ = q.Get(bad.ID)
	if s.State != StateFailed || s.Error != "orthanc unavailable" {
		t.Errorf("expected failed with message, got %s %q", s.State, s.Error)
	}

	s, _ = q.Get(boom.ID)
	if s.State != StateFailed || s.Error != "panic: nil tags" {
		t.Errorf("expected panic to fail the job, got %s %q", s.State, s.Error)
	}
}

func TestJob_ProgressMonotonic(t *testing.T) {
	seen := make(chan []int, 1)
	q := startQueue(t, func(ctx context.Context, j *Job) (any, error) {
		var got []int
		for _, p := range []int{10, 50, 30, 80, 80, 90, 5} {
			j.SetProgress(p)
			got = append(got, j.Progress())
		}
		seen <- got
		return nil, nil
	}, Options{})

	q.Enqueue("S1", "r1")
	got := <-seen
	for i := 1; i < len(got); i++ {
		if got[i] < got[i-1] {
			t.Fatalf("progress decreased: %v", got)
		}
	}
	if got[len(got)-1] != 90 {
		t.Errorf("expected 90 before completion, got %v", got)
	}
}

func TestJob_SetProgressIgnoredWhenNotActive(t *testing.T) {
	j := &Job{state: StateWaiting}
	j.SetProgress(50)
	if j.Progress() != 0 {
		t.Errorf("expected waiting job progress unchanged, got %d", j.Progress())
	}
	j.activate(time.Now())
	j.SetProgress(150)
	if j.Progress() != 100 {
		t.Errorf("expected clamp to 100, got %d", j.Progress())
	}
}

func TestQueue_OnFinishReceivesTerminalSnapshot(t *testing.T) {
	got := make(chan Snapshot, 1)
	q := New(func(ctx context.Context, j *Job) (any, error) {
		return nil, errors.New("persist failed")
	}, Options{PollInterval: 5 * time.Millisecond}, zerolog.Nop())
	q.OnFinish(func(s Snapshot) { got <- s })

	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)
	defer func() { cancel(); q.Wait() }()

	q.Enqueue("S1", "r1")
	select {
	case s := <-got:
		if s.State != StateFailed || s.RequestID != "r1" {
			t.Errorf("unexpected snapshot %+v", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("hook not called")
	}
}

func TestQueue_GetByRequestIDSupersedes(t *testing.T) {
	q := New(nil, Options{}, zerolog.Nop())
	q.Enqueue("S1", "same")
	second := q.Enqueue("S2", "same")

	s, ok := q.GetByRequestID("same")
	if !ok || s.ID != second.ID {
		t.Errorf("expected latest job %d, got %+v", second.ID, s)
	}
	if _, ok := q.GetByRequestID("missing"); ok {
		t.Error("expected miss for unknown request id")
	}
}

func TestQueue_SweepEvictsExpiredTerminalJobs(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	q := New(nil, Options{Retention: time.Minute}, zerolog.Nop())
	q.nowFunc = func() time.Time { return now }

	done := q.Enqueue("S1", "r1")
	waiting := q.Enqueue("S2", "r2")

	q.mu.Lock()
	j := q.jobs[done.ID]
	q.waiting = q.waiting[1:]
	q.mu.Unlock()
	j.activate(now)
	j.finish(now, nil, nil)

	now = now.Add(2 * time.Minute)
	q.sweep()

	if _, ok := q.Get(done.ID); ok {
		t.Error("expected finished job to be evicted")
	}
	if _, ok := q.GetByRequestID("r1"); ok {
		t.Error("expected request index entry to be evicted")
	}
	if _, ok := q.Get(waiting.ID); !ok {
		t.Error("expected waiting job to be retained")
	}
}

func TestQueue_ShutdownLetsActiveJobsFinish(t *testing.T) {
	release := make(chan struct{})
	q := New(func(ctx context.Context, j *Job) (any, error) {
		<-release
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return "done", nil
	}, Options{PollInterval: 5 * time.Millisecond}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)
	snap := q.Enqueue("S1", "r1")
	waitFor(t, 2*time.Second, func() bool { return q.Stats().Active == 1 })

	cancel()
	close(release)
	q.Wait()

	s, _ := q.Get(snap.ID)
	if s.State != StateCompleted {
		t.Errorf("expected active job to complete after shutdown, got %s (%s)", s.State, s.Error)
	}
}

func TestQueue_List(t *testing.T) {
	q := New(nil, Options{}, zerolog.Nop())
	for _, id := range []string{"A", "B", "C"} {
		q.Enqueue(id, "")
	}
	list := q.List()
	if len(list) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(list))
	}
	for i, s := range list {
		if s.ID != int64(i+1) {
			t.Errorf("expected ordered ids, got %d at %d", s.ID, i)
		}
	}
}
