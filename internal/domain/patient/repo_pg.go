package patient

import (
	"context"
	"errors"
	"fmt"

	"github.com/ehr/study-ingest/pkg/ingesterr"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type queryable interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type patientRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &patientRepoPG{pool: pool}
}

func (r *patientRepoPG) conn() queryable { return r.pool }

const patientCols = `id, organization_id, mrn, display_name, raw_name, first_name, last_name,
	middle_name, prefix, suffix, sex, birth_date, anonymous, created_at, updated_at`

func (r *patientRepoPG) FindByMRN(ctx context.Context, orgID uuid.UUID, mrn string) (*Patient, error) {
	var p Patient
	err := r.conn().QueryRow(ctx,
		`SELECT `+patientCols+` FROM patient WHERE organization_id = $1 AND mrn = $2`, orgID, mrn).
		Scan(&p.ID, &p.OrganizationID, &p.MRN, &p.DisplayName, &p.RawName, &p.FirstName, &p.LastName,
			&p.MiddleName, &p.Prefix, &p.Suffix, &p.Sex, &p.BirthDate, &p.Anonymous, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("patient %s: %w", mrn, ingesterr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("patient %s: %w", mrn, err)
	}
	return &p, nil
}

func (r *patientRepoPG) InsertIfAbsent(ctx context.Context, p *Patient) (bool, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	tag, err := r.conn().Exec(ctx, `
		INSERT INTO patient (id, organization_id, mrn, display_name, raw_name, first_name, last_name,
			middle_name, prefix, suffix, sex, birth_date, anonymous)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (organization_id, mrn) DO NOTHING`,
		p.ID, p.OrganizationID, p.MRN, p.DisplayName, p.RawName, p.FirstName, p.LastName,
		p.MiddleName, p.Prefix, p.Suffix, p.Sex, p.BirthDate, p.Anonymous)
	if err != nil {
		return false, fmt.Errorf("insert patient %s: %w", p.MRN, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *patientRepoPG) UpdateName(ctx context.Context, p *Patient) error {
	_, err := r.conn().Exec(ctx, `
		UPDATE patient SET display_name=$2, raw_name=$3, first_name=$4, last_name=$5,
			middle_name=$6, prefix=$7, suffix=$8, anonymous=$9, updated_at=NOW()
		WHERE id = $1`,
		p.ID, p.DisplayName, p.RawName, p.FirstName, p.LastName,
		p.MiddleName, p.Prefix, p.Suffix, p.Anonymous)
	if err != nil {
		return fmt.Errorf("update patient name %s: %w", p.MRN, err)
	}
	return nil
}
