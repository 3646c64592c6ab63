package study

import (
	"errors"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
)

// Workflow states written by ingestion. Later states belong to the
// reporting workflow and are never overwritten here.
const (
	StatusNewStudyReceived = "new_study_received"
	StatusMetadataOnly     = "metadata_only"
)

const (
	ActionStudyUploaded = "study_uploaded"
	CategoryUpload      = "upload"
	CategoryCreated     = "created"
	ActorSystem         = "system"
	SourceStableStudy   = "orthanc_stable_study"
	UnknownModality     = "UNKNOWN"
)

type PatientInfo struct {
	MRN         string     `json:"mrn"`
	PatientName string     `json:"patientName"`
	Sex         string     `json:"sex"`
	BirthDate   *time.Time `json:"birthDate,omitempty"`
}

type ActionEntry struct {
	Type      string         `json:"type"`
	Category  string         `json:"category"`
	Actor     string         `json:"actor"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

type StatusEntry struct {
	Status    string    `json:"status"`
	ChangedBy string    `json:"changedBy"`
	ChangedAt time.Time `json:"changedAt"`
	Note      string    `json:"note,omitempty"`
}

// CategorySnapshot records one workflow phase.
type CategorySnapshot struct {
	Timestamp     time.Time `json:"timestamp"`
	UploadedBy    string    `json:"uploadedBy"`
	Source        string    `json:"source"`
	SeriesCount   int       `json:"seriesCount"`
	InstanceCount int       `json:"instanceCount"`
	Modalities    []string  `json:"modalities"`
}

type Study struct {
	ID                     uuid.UUID                   `json:"id"`
	ExternalStudyID        string                      `json:"externalStudyId"`
	OrganizationID         uuid.UUID                   `json:"organizationId"`
	OrganizationIdentifier string                      `json:"organizationIdentifier"`
	LabID                  uuid.UUID                   `json:"labId"`
	LabIdentifier          string                      `json:"labIdentifier"`
	PatientID              uuid.UUID                   `json:"patientId"`
	PatientInfo            PatientInfo                 `json:"patientInfo"`
	StudyInstanceUID       string                      `json:"studyInstanceUid,omitempty"`
	AccessionNumber        string                      `json:"accessionNumber,omitempty"`
	Description            string                      `json:"description,omitempty"`
	StudyDate              *time.Time                  `json:"studyDate,omitempty"`
	ReferringPhysician     string                      `json:"referringPhysician,omitempty"`
	InstitutionName        string                      `json:"institutionName,omitempty"`
	BodyPart               string                      `json:"bodyPart,omitempty"`
	SeriesCount            int                         `json:"seriesCount"`
	InstanceCount          int                         `json:"instanceCount"`
	Modalities             []string                    `json:"modalities"`
	WorkflowStatus         string                      `json:"workflowStatus"`
	StatusHistory          []StatusEntry               `json:"statusHistory"`
	ActionLog              []ActionEntry               `json:"actionLog"`
	CategoryTracking       map[string]CategorySnapshot `json:"categoryTracking"`
	CreatedAt              time.Time                   `json:"createdAt"`
	UpdatedAt              time.Time                   `json:"updatedAt"`
}

// IngestionStatuses are the workflow states a re-ingest may overwrite.
var IngestionStatuses = []string{StatusNewStudyReceived, StatusMetadataOnly}

var errNilID = errors.New("must not be empty")

func notNil(value interface{}) error {
	if id, ok := value.(uuid.UUID); ok && id == uuid.Nil {
		return errNilID
	}
	return nil
}

// Validate validates Study struct and returns validation errors.
func (s *Study) Validate() error {
	return validation.ValidateStruct(s,
		validation.Field(&s.ExternalStudyID, validation.Required, validation.Length(1, 128)),
		validation.Field(&s.OrganizationID, validation.By(notNil)),
		validation.Field(&s.LabID, validation.By(notNil)),
		validation.Field(&s.PatientID, validation.By(notNil)),
		validation.Field(&s.SeriesCount, validation.Min(0)),
		validation.Field(&s.InstanceCount, validation.Min(0)),
		validation.Field(&s.Modalities, validation.Required),
		validation.Field(&s.WorkflowStatus, validation.Required, validation.In(StatusNewStudyReceived, StatusMetadataOnly)),
	)
}
