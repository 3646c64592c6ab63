package ingest

import (
	"context"
	"time"

	"github.com/ehr/study-ingest/internal/domain/dicomtags"
	"github.com/ehr/study-ingest/internal/domain/patient"
	"github.com/ehr/study-ingest/internal/domain/study"
	"github.com/ehr/study-ingest/internal/domain/tenant"
	"github.com/ehr/study-ingest/internal/platform/archive"
	"github.com/ehr/study-ingest/internal/platform/jobqueue"
	"github.com/ehr/study-ingest/internal/platform/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Progress reported after each stage.
const (
	ProgressStarted   = 10
	ProgressExtracted = 50
	ProgressResolved  = 80
	ProgressPersisted = 90
	ProgressDone      = 100
)

type TenantResolver interface {
	ResolveOrganization(ctx context.Context, tags dicomtags.Tags) (*tenant.Organization, error)
	ResolveLab(ctx context.Context, tags dicomtags.Tags, org *tenant.Organization) (*tenant.Lab, error)
}

type PatientResolver interface {
	Resolve(ctx context.Context, tags dicomtags.Tags, orgID uuid.UUID) (*patient.Patient, error)
}

type StudyRecorder interface {
	Record(ctx context.Context, in study.Input) (*study.Study, bool, error)
}

type Archiver interface {
	Send(ctx context.Context, req archive.Request) archive.Outcome
}

// Result is stored on the job and mirrored into the result cache.
type Result struct {
	StudyRecordID          string          `json:"studyRecordId"`
	ExternalStudyID        string          `json:"externalStudyId"`
	Created                bool            `json:"created"`
	OrganizationID         string          `json:"organizationId"`
	OrganizationIdentifier string          `json:"organizationIdentifier"`
	LabID                  string          `json:"labId"`
	LabIdentifier          string          `json:"labIdentifier"`
	PatientID              string          `json:"patientId"`
	PatientMRN             string          `json:"patientMrn"`
	PatientName            string          `json:"patientName"`
	SeriesCount            int             `json:"seriesCount"`
	InstanceCount          int             `json:"instanceCount"`
	Modalities             []string        `json:"modalities"`
	WorkflowStatus         string          `json:"workflowStatus"`
	Archival               archive.Outcome `json:"archival"`
}

// Pipeline runs every stage of one ingestion in order.
type Pipeline struct {
	extractor *Extractor
	tenants   TenantResolver
	patients  PatientResolver
	recorder  StudyRecorder
	archiver  Archiver
	logger    zerolog.Logger
}

func NewPipeline(extractor *Extractor, tenants TenantResolver, patients PatientResolver,
	recorder StudyRecorder, archiver Archiver, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		extractor: extractor,
		tenants:   tenants,
		patients:  patients,
		recorder:  recorder,
		archiver:  archiver,
		logger:    logger.With().Str("component", "pipeline").Logger(),
	}
}

// Process adapts Run to the job queue.
func (p *Pipeline) Process(ctx context.Context, job *jobqueue.Job) (any, error) {
	return p.Run(ctx, job.StudyID, job.SetProgress)
}

// Run ingests one study. progress may be nil.
func (p *Pipeline) Run(ctx context.Context, studyID string, progress func(int)) (*Result, error) {
	if progress == nil {
		progress = func(int) {}
	}
	log := p.logger.With().Str("study_id", studyID).Logger()
	progress(ProgressStarted)

	var md *Metadata
	err := stage("extract", func() (err error) {
		md, err = p.extractor.Extract(ctx, studyID)
		return err
	})
	if err != nil {
		return nil, err
	}
	progress(ProgressExtracted)

	var (
		org *tenant.Organization
		lab *tenant.Lab
		pat *patient.Patient
	)
	err = stage("resolve", func() (err error) {
		if org, err = p.tenants.ResolveOrganization(ctx, md.Tags); err != nil {
			return err
		}
		if lab, err = p.tenants.ResolveLab(ctx, md.Tags, org); err != nil {
			return err
		}
		pat, err = p.patients.Resolve(ctx, md.Tags, org.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	progress(ProgressResolved)

	var (
		s       *study.Study
		created bool
	)
	err = stage("persist", func() (err error) {
		s, created, err = p.recorder.Record(ctx, study.Input{
			ExternalStudyID: studyID,
			Organization:    org,
			Lab:             lab,
			Patient:         pat,
			SeriesCount:     md.SeriesCount,
			InstanceCount:   md.InstanceCount,
			Modalities:      md.Modalities,
			Tags:            md.Tags,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	progress(ProgressPersisted)

	outcome := archive.OutcomeSkipped
	if s.InstanceCount > 0 {
		_ = stage("archive", func() error {
			outcome = p.archiver.Send(ctx, archive.Request{
				ExternalStudyID: studyID,
				StudyRecordID:   s.ID.String(),
				InstanceCount:   s.InstanceCount,
				SeriesCount:     s.SeriesCount,
			})
			return nil
		})
	}
	progress(ProgressDone)

	log.Info().
		Str("study_record_id", s.ID.String()).
		Str("organization", org.Identifier).
		Str("lab", lab.Identifier).
		Bool("created", created).
		Str("archival", string(outcome)).
		Msg("study ingested")

	return &Result{
		StudyRecordID:          s.ID.String(),
		ExternalStudyID:        studyID,
		Created:                created,
		OrganizationID:         org.ID.String(),
		OrganizationIdentifier: org.Identifier,
		LabID:                  lab.ID.String(),
		LabIdentifier:          lab.Identifier,
		PatientID:              pat.ID.String(),
		PatientMRN:             pat.MRN,
		PatientName:            pat.DisplayName,
		SeriesCount:            s.SeriesCount,
		InstanceCount:          s.InstanceCount,
		Modalities:             s.Modalities,
		WorkflowStatus:         s.WorkflowStatus,
		Archival:               outcome,
	}, nil
}

func stage(name string, fn func() error) error {
	start := time.Now()
	err := fn()
	metrics.RecordStage(name, err, time.Since(start))
	return err
}
