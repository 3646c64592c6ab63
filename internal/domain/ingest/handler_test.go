package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ehr/study-ingest/internal/platform/jobqueue"
	"github.com/ehr/study-ingest/internal/platform/middleware"
	"github.com/ehr/study-ingest/internal/platform/resultcache"
	"github.com/ehr/study-ingest/pkg/ingesterr"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func newTestService(t *testing.T, process jobqueue.Processor, start bool) (*Service, *resultcache.MemoryCache) {
	t.Helper()
	q := jobqueue.New(process, jobqueue.Options{Concurrency: 2, PollInterval: 5 * time.Millisecond}, zerolog.Nop())
	cache := resultcache.NewMemoryCache(time.Minute)
	t.Cleanup(cache.Close)
	svc := NewService(q, cache, time.Hour, zerolog.Nop())
	if start {
		ctx, cancel := context.WithCancel(context.Background())
		q.Start(ctx)
		t.Cleanup(func() {
			cancel()
			q.Wait()
		})
	}
	return svc, cache
}

func noopProcess(context.Context, *jobqueue.Job) (any, error) { return nil, nil }

func TestParseTrigger(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		contentType string
		wantStudy   string
		wantRequest string
	}{
		{"bare string", "  abc-123  ", echo.MIMETextPlain, "abc-123", ""},
		{"json string", `" abc-123 "`, echo.MIMEApplicationJSON, "abc-123", ""},
		{"studyId field", `{"studyId":"S1","requestId":"r-1"}`, echo.MIMEApplicationJSON, "S1", "r-1"},
		{"ID field", `{"ID":" S2 "}`, echo.MIMEApplicationJSON, "S2", ""},
		{"single key object", `{"S3":""}`, echo.MIMEApplicationJSON, "S3", ""},
		{"form body", "S4=", echo.MIMEApplicationForm, "S4", ""},
		{"empty", "   ", echo.MIMEApplicationJSON, "", ""},
		{"empty studyId", `{"studyId":"  "}`, echo.MIMEApplicationJSON, "", ""},
		{"ambiguous object", `{"a":"1","b":"2"}`, echo.MIMEApplicationJSON, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			study, req := ParseTrigger([]byte(tt.body), tt.contentType)
			if study != tt.wantStudy || req != tt.wantRequest {
				t.Errorf("ParseTrigger(%q) = (%q, %q), want (%q, %q)", tt.body, study, req, tt.wantStudy, tt.wantRequest)
			}
		})
	}
}

func TestHandler_StableStudy_Accepted(t *testing.T) {
	svc, _ := newTestService(t, noopProcess, false)
	h := NewHandler(svc, "http://ingest.local/")
	e := echo.New()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/ingest/stable-study", strings.NewReader(`{"studyId":"S1","requestId":"r-1"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.StableStudy(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["status"] != "queued" {
		t.Errorf("expected queued, got %v", body["status"])
	}
	if body["jobId"] != float64(1) {
		t.Errorf("expected jobId 1, got %v", body["jobId"])
	}
	if body["checkStatusUrl"] != "http://ingest.local/api/v1/ingest/status/r-1" {
		t.Errorf("unexpected checkStatusUrl %v", body["checkStatusUrl"])
	}
}

func TestHandler_StableStudy_UsesHTTPRequestID(t *testing.T) {
	svc, _ := newTestService(t, noopProcess, false)
	h := NewHandler(svc, "")
	e := echo.New()

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`"S1"`))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set(middleware.RequestIDKey, "http-req-7")

	if err := h.StableStudy(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["requestId"] != "http-req-7" {
		t.Errorf("expected request id from context, got %v", body["requestId"])
	}
}

func TestHandler_StableStudy_Rejected(t *testing.T) {
	svc, _ := newTestService(t, noopProcess, false)
	h := NewHandler(svc, "")
	e := echo.New()

	for _, body := range []string{"", "   ", `{"studyId":""}`, `{"studyId":"../etc"}`} {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)

		if err := h.StableStudy(c); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: expected 400, got %d", body, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "invalid_request") {
			t.Errorf("body %q: expected invalid_request, got %s", body, rec.Body.String())
		}
	}
	if svc.Stats().Total != 0 {
		t.Errorf("expected nothing queued, got %d", svc.Stats().Total)
	}
}

func TestHandler_GetStatus_NotFound(t *testing.T) {
	svc, _ := newTestService(t, noopProcess, false)
	h := NewHandler(svc, "")
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("requestId")
	c.SetParamValues("missing")

	if err := h.GetStatus(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "not_found") {
		t.Errorf("expected not_found, got %s", rec.Body.String())
	}
}

func TestHandler_GetStatus_FromQueue(t *testing.T) {
	svc, _ := newTestService(t, noopProcess, false)
	h := NewHandler(svc, "")
	e := echo.New()
	svc.Submit(context.Background(), "S1", "r-1")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("requestId")
	c.SetParamValues("r-1")

	if err := h.GetStatus(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var st Status
	json.Unmarshal(rec.Body.Bytes(), &st)
	if st.Status != string(jobqueue.StateWaiting) {
		t.Errorf("expected waiting, got %s", st.Status)
	}
	if st.Progress == nil || *st.Progress != 0 {
		t.Errorf("expected progress 0, got %v", st.Progress)
	}
}

func TestService_CompletedJobMirroredToCache(t *testing.T) {
	process := func(ctx context.Context, j *jobqueue.Job) (any, error) {
		return &Result{ExternalStudyID: j.StudyID, InstanceCount: 2}, nil
	}
	svc, cache := newTestService(t, process, true)

	if _, err := svc.Submit(context.Background(), "S1", "r-1"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, func() bool { return cache.Len() == 1 })

	st, err := svc.Status(context.Background(), "r-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Status != string(jobqueue.StateCompleted) {
		t.Errorf("expected completed, got %s", st.Status)
	}
	var res Result
	if err := json.Unmarshal(st.Result, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.InstanceCount != 2 {
		t.Errorf("expected instance count 2, got %d", res.InstanceCount)
	}
}

func TestService_FailedJobMirroredToCache(t *testing.T) {
	process := func(context.Context, *jobqueue.Job) (any, error) {
		return nil, &ingesterr.ExternalServiceError{Op: "study_series", Err: errors.New("connection refused")}
	}
	svc, cache := newTestService(t, process, true)

	svc.Submit(context.Background(), "S1", "r-1")
	waitFor(t, func() bool { return cache.Len() == 1 })

	st, err := svc.Status(context.Background(), "r-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Status != string(jobqueue.StateFailed) {
		t.Errorf("expected failed, got %s", st.Status)
	}
	if !strings.Contains(st.Error, "connection refused") {
		t.Errorf("expected error message, got %q", st.Error)
	}
}

func TestService_EndToEndScenario(t *testing.T) {
	f := newFixture(scenarioSource("i1", "i2"))
	svc, cache := newTestService(t, f.pipeline.Process, true)

	svc.Submit(context.Background(), "S1", "r-1")
	waitFor(t, func() bool { return cache.Len() == 1 })

	st, _ := svc.Status(context.Background(), "r-1")
	var res Result
	json.Unmarshal(st.Result, &res)
	if res.OrganizationIdentifier != "ORGX" || res.InstanceCount != 2 || res.SeriesCount != 1 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestHandler_ListJobs(t *testing.T) {
	svc, _ := newTestService(t, noopProcess, false)
	h := NewHandler(svc, "")
	e := echo.New()
	for _, id := range []string{"S1", "S2", "S3"} {
		svc.Submit(context.Background(), id, "r-"+id)
	}

	req := httptest.NewRequest(http.MethodGet, "/?limit=2", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.ListJobs(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body struct {
		Data    []jobqueue.Snapshot `json:"data"`
		Total   int                 `json:"total"`
		HasMore bool                `json:"has_more"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Total != 3 || len(body.Data) != 2 || !body.HasMore {
		t.Errorf("unexpected page: total=%d len=%d has_more=%v", body.Total, len(body.Data), body.HasMore)
	}
	if body.Data[0].StudyID != "S1" {
		t.Errorf("expected jobs in id order, got %s first", body.Data[0].StudyID)
	}
}

func TestService_ReusedRequestIDReportsLatestJob(t *testing.T) {
	release := make(chan struct{})
	process := func(ctx context.Context, j *jobqueue.Job) (any, error) {
		if j.StudyID == "S2" {
			<-release
		}
		return &Result{ExternalStudyID: j.StudyID}, nil
	}
	svc, cache := newTestService(t, process, true)
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }
	t.Cleanup(unblock)
	ctx := context.Background()

	svc.Submit(ctx, "S1", "r-1")
	waitFor(t, func() bool { return cache.Len() == 1 })

	second, err := svc.Submit(ctx, "S2", "r-1")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, func() bool {
		st, err := svc.Status(ctx, "r-1")
		return err == nil && st.Status == string(jobqueue.StateActive)
	})
	st, _ := svc.Status(ctx, "r-1")
	if st.JobID != second.ID || st.StudyID != "S2" {
		t.Errorf("expected live job %d for S2, got job %d for %s", second.ID, st.JobID, st.StudyID)
	}

	unblock()
	waitFor(t, func() bool {
		e, ok, _ := cache.Get(ctx, "r-1")
		return ok && e.JobID == second.ID
	})
	st, _ = svc.Status(ctx, "r-1")
	if st.Status != string(jobqueue.StateCompleted) || st.StudyID != "S2" {
		t.Errorf("expected S2 completed, got %s %s", st.StudyID, st.Status)
	}
}

func TestService_RetryAfterFailureDropsCachedOutcome(t *testing.T) {
	svc, cache := newTestService(t, noopProcess, false)
	ctx := context.Background()
	cache.Put(ctx, "r-1", resultcache.Entry{Status: string(jobqueue.StateFailed), JobID: 99, StudyID: "S1", Error: "boom"}, time.Hour)

	snap, err := svc.Submit(ctx, "S1", "r-1")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if cache.Len() != 0 {
		t.Errorf("expected stale outcome dropped, %d entries left", cache.Len())
	}
	st, err := svc.Status(ctx, "r-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.JobID != snap.ID || st.Status != string(jobqueue.StateWaiting) || st.Error != "" {
		t.Errorf("expected waiting job %d, got %+v", snap.ID, st)
	}
}

func TestHandler_StableStudy_RejectsUnsafeRequestID(t *testing.T) {
	svc, _ := newTestService(t, noopProcess, false)
	h := NewHandler(svc, "")
	e := echo.New()

	long := strings.Repeat("r", 129)
	for _, body := range []string{
		`{"studyId":"S1","requestId":"tenant/a b"}`,
		`{"studyId":"S1","requestId":"` + long + `"}`,
	} {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)

		if err := h.StableStudy(c); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: expected 400, got %d", body, rec.Code)
		}
	}
	if svc.Stats().Total != 0 {
		t.Errorf("expected nothing queued, got %d", svc.Stats().Total)
	}
}

func TestHandler_StableStudy_ReplacesUnsafeHeaderRequestID(t *testing.T) {
	svc, _ := newTestService(t, noopProcess, false)
	h := NewHandler(svc, "")
	e := echo.New()

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`"S1"`))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set(middleware.RequestIDKey, "trace:abc/1")

	if err := h.StableStudy(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	rid, _ := body["requestId"].(string)
	if rid == "" || rid == "trace:abc/1" || validIdentifier(rid) != nil {
		t.Errorf("expected generated request id, got %q", rid)
	}
}
