package study

import (
	"context"
	"time"

	"github.com/ehr/study-ingest/internal/domain/dicomtags"
	"github.com/ehr/study-ingest/internal/domain/patient"
	"github.com/ehr/study-ingest/internal/domain/tenant"
	"github.com/ehr/study-ingest/internal/platform/metrics"
	"github.com/ehr/study-ingest/pkg/ingesterr"
	"github.com/rs/zerolog"
)

// Input carries everything extracted and resolved for one study.
type Input struct {
	ExternalStudyID string
	Organization    *tenant.Organization
	Lab             *tenant.Lab
	Patient         *patient.Patient
	SeriesCount     int
	InstanceCount   int
	Modalities      []string
	Tags            dicomtags.Tags
}

type Recorder struct {
	repo    Repository
	logger  zerolog.Logger
	nowFunc func() time.Time
}

func NewRecorder(repo Repository, logger zerolog.Logger) *Recorder {
	return &Recorder{
		repo:    repo,
		logger:  logger.With().Str("component", "study_recorder").Logger(),
		nowFunc: time.Now,
	}
}

// Record upserts the study for in.ExternalStudyID and appends its audit
// entries. The returned study reflects the stored row.
func (r *Recorder) Record(ctx context.Context, in Input) (*Study, bool, error) {
	s := Build(in, r.nowFunc().UTC())
	if err := s.Validate(); err != nil {
		return nil, false, &ingesterr.PersistenceError{ExternalStudyID: in.ExternalStudyID, Err: err}
	}

	created, err := r.repo.Upsert(ctx, s)
	if err != nil {
		return nil, false, &ingesterr.PersistenceError{ExternalStudyID: in.ExternalStudyID, Err: err}
	}
	metrics.RecordStudyUpsert(created)

	r.logger.Info().
		Str("external_study_id", s.ExternalStudyID).
		Str("study_id", s.ID.String()).
		Bool("created", created).
		Int("series", s.SeriesCount).
		Int("instances", s.InstanceCount).
		Str("workflow_status", s.WorkflowStatus).
		Msg("study recorded")
	return s, created, nil
}

// Build assembles the record written for one ingestion at time now.
func Build(in Input, now time.Time) *Study {
	status := StatusMetadataOnly
	if in.InstanceCount > 0 {
		status = StatusNewStudyReceived
	}
	modalities := in.Modalities
	if len(modalities) == 0 {
		modalities = []string{UnknownModality}
	}

	s := &Study{
		ExternalStudyID:    in.ExternalStudyID,
		StudyInstanceUID:   in.Tags.Get(dicomtags.StudyInstanceUID),
		AccessionNumber:    in.Tags.Get(dicomtags.AccessionNumber),
		Description:        in.Tags.Get(dicomtags.StudyDescription),
		StudyDate:          dicomtags.ParseDate(in.Tags.Get(dicomtags.StudyDate)),
		ReferringPhysician: in.Tags.Get(dicomtags.ReferringPhysicianName),
		InstitutionName:    in.Tags.Get(dicomtags.InstitutionName),
		BodyPart:           in.Tags.Get(dicomtags.BodyPartExamined),
		SeriesCount:        in.SeriesCount,
		InstanceCount:      in.InstanceCount,
		Modalities:         modalities,
		WorkflowStatus:     status,
	}

	details := map[string]any{
		"seriesCount":   in.SeriesCount,
		"instanceCount": in.InstanceCount,
		"modalities":    modalities,
	}
	if org := in.Organization; org != nil {
		s.OrganizationID = org.ID
		s.OrganizationIdentifier = org.Identifier
		details["organization"] = org.Name
	}
	if lab := in.Lab; lab != nil {
		s.LabID = lab.ID
		s.LabIdentifier = lab.Identifier
		details["lab"] = lab.Name
	}
	if p := in.Patient; p != nil {
		s.PatientID = p.ID
		s.PatientInfo = PatientInfo{
			MRN:         p.MRN,
			PatientName: p.DisplayName,
			Sex:         p.Sex,
			BirthDate:   p.BirthDate,
		}
	}

	s.StatusHistory = []StatusEntry{{
		Status:    status,
		ChangedBy: ActorSystem,
		ChangedAt: now,
		Note:      "ingested from " + SourceStableStudy,
	}}
	s.ActionLog = []ActionEntry{{
		Type:      ActionStudyUploaded,
		Category:  CategoryUpload,
		Actor:     ActorSystem,
		Timestamp: now,
		Details:   details,
	}}
	s.CategoryTracking = map[string]CategorySnapshot{
		CategoryCreated: {
			Timestamp:     now,
			UploadedBy:    ActorSystem,
			Source:        SourceStableStudy,
			SeriesCount:   in.SeriesCount,
			InstanceCount: in.InstanceCount,
			Modalities:    modalities,
		},
	}
	return s
}
