package study

import (
	"context"
	"errors"
	"fmt"

	"github.com/ehr/study-ingest/pkg/ingesterr"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type queryable interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type studyRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &studyRepoPG{pool: pool}
}

func (r *studyRepoPG) conn() queryable { return r.pool }

const studyCols = `id, external_study_id, organization_id, organization_identifier, lab_id, lab_identifier,
	patient_id, patient_info, study_instance_uid, accession_number, description, study_date,
	referring_physician, institution_name, body_part, series_count, instance_count, modalities,
	workflow_status, status_history, action_log, category_tracking, created_at, updated_at`

func (r *studyRepoPG) scan(row pgx.Row, s *Study, extra ...any) error {
	dest := []any{&s.ID, &s.ExternalStudyID, &s.OrganizationID, &s.OrganizationIdentifier, &s.LabID, &s.LabIdentifier,
		&s.PatientID, &s.PatientInfo, &s.StudyInstanceUID, &s.AccessionNumber, &s.Description, &s.StudyDate,
		&s.ReferringPhysician, &s.InstitutionName, &s.BodyPart, &s.SeriesCount, &s.InstanceCount, &s.Modalities,
		&s.WorkflowStatus, &s.StatusHistory, &s.ActionLog, &s.CategoryTracking, &s.CreatedAt, &s.UpdatedAt}
	return row.Scan(append(dest, extra...)...)
}

// The upsert relies on the partial unique index on external_study_id; the
// conflict target must repeat its predicate. xmax is zero only for a row
// written by this statement's insert arm.
const upsertSQL = `
	INSERT INTO study (id, external_study_id, organization_id, organization_identifier, lab_id, lab_identifier,
		patient_id, patient_info, study_instance_uid, accession_number, description, study_date,
		referring_physician, institution_name, body_part, series_count, instance_count, modalities,
		workflow_status, status_history, action_log, category_tracking)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
	ON CONFLICT (external_study_id) WHERE external_study_id IS NOT NULL DO UPDATE SET
		organization_id         = EXCLUDED.organization_id,
		organization_identifier = EXCLUDED.organization_identifier,
		lab_id                  = EXCLUDED.lab_id,
		lab_identifier          = EXCLUDED.lab_identifier,
		patient_id              = EXCLUDED.patient_id,
		patient_info            = EXCLUDED.patient_info,
		study_instance_uid      = EXCLUDED.study_instance_uid,
		accession_number        = EXCLUDED.accession_number,
		description             = EXCLUDED.description,
		study_date              = EXCLUDED.study_date,
		referring_physician     = EXCLUDED.referring_physician,
		institution_name        = EXCLUDED.institution_name,
		body_part               = EXCLUDED.body_part,
		series_count            = EXCLUDED.series_count,
		instance_count          = EXCLUDED.instance_count,
		modalities              = EXCLUDED.modalities,
		workflow_status         = CASE
			WHEN study.workflow_status = ANY($23) THEN EXCLUDED.workflow_status
			ELSE study.workflow_status END,
		status_history          = study.status_history || EXCLUDED.status_history,
		action_log              = study.action_log || EXCLUDED.action_log,
		category_tracking       = study.category_tracking || EXCLUDED.category_tracking,
		updated_at              = NOW()
	RETURNING ` + studyCols + `, (xmax = 0) AS inserted`

func (r *studyRepoPG) Upsert(ctx context.Context, s *Study) (bool, error) {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	row := r.conn().QueryRow(ctx, upsertSQL,
		s.ID, s.ExternalStudyID, s.OrganizationID, s.OrganizationIdentifier, s.LabID, s.LabIdentifier,
		s.PatientID, s.PatientInfo, s.StudyInstanceUID, s.AccessionNumber, s.Description, s.StudyDate,
		s.ReferringPhysician, s.InstitutionName, s.BodyPart, s.SeriesCount, s.InstanceCount, s.Modalities,
		s.WorkflowStatus, s.StatusHistory, s.ActionLog, s.CategoryTracking, IngestionStatuses)

	var inserted bool
	if err := r.scan(row, s, &inserted); err != nil {
		return false, fmt.Errorf("upsert study %s: %w", s.ExternalStudyID, err)
	}
	return inserted, nil
}

func (r *studyRepoPG) GetByExternalID(ctx context.Context, externalStudyID string) (*Study, error) {
	var s Study
	err := r.scan(r.conn().QueryRow(ctx,
		`SELECT `+studyCols+` FROM study WHERE external_study_id = $1`, externalStudyID), &s)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("study %s: %w", externalStudyID, ingesterr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("study %s: %w", externalStudyID, err)
	}
	return &s, nil
}
