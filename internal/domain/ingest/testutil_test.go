package ingest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/ehr/study-ingest/internal/domain/patient"
	"github.com/ehr/study-ingest/internal/domain/study"
	"github.com/ehr/study-ingest/internal/domain/tenant"
	"github.com/ehr/study-ingest/internal/platform/archive"
	"github.com/ehr/study-ingest/internal/platform/orthanc"
	"github.com/ehr/study-ingest/pkg/ingesterr"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// -- Fake imaging server --

type fakeSource struct {
	series     []orthanc.Series
	seriesErr  error
	tags       map[string]any
	tagsErr    error
	simple     map[string]any
	simpleErr  error
	tagCalls   int
	simpleCall int
}

func (f *fakeSource) StudySeries(context.Context, string) ([]orthanc.Series, error) {
	return f.series, f.seriesErr
}

func (f *fakeSource) InstanceTags(context.Context, string) (map[string]any, error) {
	f.tagCalls++
	return f.tags, f.tagsErr
}

func (f *fakeSource) InstanceSimplifiedTags(context.Context, string) (map[string]any, error) {
	f.simpleCall++
	return f.simple, f.simpleErr
}

// -- In-memory store --

type memStore struct {
	mu       sync.Mutex
	orgs     map[string]*tenant.Organization
	labs     map[string]*tenant.Lab
	patients map[string]*patient.Patient
	studies  map[string]*study.Study
}

func newMemStore() *memStore {
	return &memStore{
		orgs:     make(map[string]*tenant.Organization),
		labs:     make(map[string]*tenant.Lab),
		patients: make(map[string]*patient.Patient),
		studies:  make(map[string]*study.Study),
	}
}

type orgRepo struct{ *memStore }

func (r orgRepo) FindByIdentifier(_ context.Context, id string) (*tenant.Organization, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o, ok := r.orgs[strings.ToUpper(id)]; ok {
		cp := *o
		return &cp, nil
	}
	return nil, ingesterr.ErrNotFound
}

func (r orgRepo) FindAnyActive(context.Context) (*tenant.Organization, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.orgs {
		cp := *o
		return &cp, nil
	}
	return nil, ingesterr.ErrNotFound
}

func (r orgRepo) InsertIfAbsent(_ context.Context, o *tenant.Organization) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.orgs[o.Identifier]; ok {
		return false, nil
	}
	o.ID = uuid.New()
	o.CreatedAt = time.Now()
	cp := *o
	r.orgs[o.Identifier] = &cp
	return true, nil
}

type labRepo struct{ *memStore }

func labKey(orgID uuid.UUID, id string) string { return orgID.String() + "/" + strings.ToUpper(id) }

func (r labRepo) FindByIdentifier(_ context.Context, orgID uuid.UUID, id string) (*tenant.Lab, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.labs[labKey(orgID, id)]; ok {
		cp := *l
		return &cp, nil
	}
	return nil, ingesterr.ErrNotFound
}

func (r labRepo) FindAnyActive(_ context.Context, orgID uuid.UUID) (*tenant.Lab, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.labs {
		if l.OrganizationID == orgID {
			cp := *l
			return &cp, nil
		}
	}
	return nil, ingesterr.ErrNotFound
}

func (r labRepo) InsertIfAbsent(_ context.Context, l *tenant.Lab) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := labKey(l.OrganizationID, l.Identifier)
	if _, ok := r.labs[key]; ok {
		return false, nil
	}
	l.ID = uuid.New()
	cp := *l
	r.labs[key] = &cp
	return true, nil
}

type patientRepo struct{ *memStore }

func (r patientRepo) FindByMRN(_ context.Context, orgID uuid.UUID, mrn string) (*patient.Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.patients[orgID.String()+"/"+mrn]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, ingesterr.ErrNotFound
}

func (r patientRepo) InsertIfAbsent(_ context.Context, p *patient.Patient) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := p.OrganizationID.String() + "/" + p.MRN
	if _, ok := r.patients[key]; ok {
		return false, nil
	}
	p.ID = uuid.New()
	cp := *p
	r.patients[key] = &cp
	return true, nil
}

func (r patientRepo) UpdateName(_ context.Context, p *patient.Patient) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *p
	r.patients[p.OrganizationID.String()+"/"+p.MRN] = &cp
	return nil
}

type studyRepo struct{ *memStore }

func (r studyRepo) Upsert(_ context.Context, s *study.Study) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.studies[s.ExternalStudyID]
	if ok {
		s.ID = existing.ID
		s.StatusHistory = append(append([]study.StatusEntry{}, existing.StatusHistory...), s.StatusHistory...)
		s.ActionLog = append(append([]study.ActionEntry{}, existing.ActionLog...), s.ActionLog...)
	} else {
		s.ID = uuid.New()
	}
	cp := *s
	r.studies[s.ExternalStudyID] = &cp
	return !ok, nil
}

func (r studyRepo) GetByExternalID(_ context.Context, id string) (*study.Study, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.studies[id]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, ingesterr.ErrNotFound
}

// -- Archival --

type recordingEnqueuer struct {
	mu       sync.Mutex
	requests []archive.Request
	err      error
}

func (e *recordingEnqueuer) Enqueue(_ context.Context, req archive.Request) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.requests = append(e.requests, req)
	return e.err
}

func (e *recordingEnqueuer) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.requests)
}

var errArchiveDown = errors.New("archive queue unavailable")

type fixture struct {
	source   *fakeSource
	store    *memStore
	enqueuer *recordingEnqueuer
	pipeline *Pipeline
}

func newFixture(src *fakeSource) *fixture {
	log := zerolog.Nop()
	store := newMemStore()
	enq := &recordingEnqueuer{}
	p := NewPipeline(
		NewExtractor(src, log),
		tenant.NewResolver(orgRepo{store}, labRepo{store}, tenant.DefaultPlaceholder, log),
		patient.NewResolver(patientRepo{store}, tenant.DefaultPlaceholder, log),
		study.NewRecorder(studyRepo{store}, log),
		archive.NewHandoff(enq, log),
		log,
	)
	return &fixture{source: src, store: store, enqueuer: enq, pipeline: p}
}

func scenarioSource(instances ...string) *fakeSource {
	return &fakeSource{
		series: []orthanc.Series{{
			ID:            "series-1",
			Instances:     instances,
			MainDicomTags: map[string]string{"Modality": "CT"},
		}},
		tags: map[string]any{
			"PatientID":   "P1",
			"PatientName": "Doe^Jane",
			"0021,0010":   "ORGX",
		},
	}
}
