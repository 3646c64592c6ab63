package tenant

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

type orgRepoPG struct{ pool *pgxpool.Pool }

func NewOrganizationRepoPG(pool *pgxpool.Pool) OrganizationRepository {
	return &orgRepoPG{pool: pool}
}

func (r *orgRepoPG) conn() queryable { return r.pool }

const orgCols = `id, name, identifier, status, features, compliance, auto_provisioned, created_at, updated_at`

func (r *orgRepoPG) scanRow(row pgx.Row) (*Organization, error) {
	var o Organization
	err := row.Scan(&o.ID, &o.Name, &o.Identifier, &o.Status, &o.Features, &o.Compliance,
		&o.AutoProvisioned, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ingesterr.ErrNotFound
	}
	return &o, err
}

func (r *orgRepoPG) FindByIdentifier(ctx context.Context, identifier string) (*Organization, error) {
	o, err := r.scanRow(r.conn().QueryRow(ctx,
		`SELECT `+orgCols+` FROM organization WHERE UPPER(identifier) = UPPER($1)`, identifier))
	if err != nil {
		return nil, fmt.Errorf("organization %s: %w", identifier, err)
	}
	return o, nil
}

func (r *orgRepoPG) FindAnyActive(ctx context.Context) (*Organization, error) {
	o, err := r.scanRow(r.conn().QueryRow(ctx,
		`SELECT `+orgCols+` FROM organization WHERE status = 'active' ORDER BY created_at LIMIT 1`))
	if err != nil {
		return nil, fmt.Errorf("any active organization: %w", err)
	}
	return o, nil
}

func (r *orgRepoPG) InsertIfAbsent(ctx context.Context, o *Organization) (bool, error) {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	tag, err := r.conn().Exec(ctx, `
		INSERT INTO organization (id, name, identifier, status, features, compliance, auto_provisioned)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT DO NOTHING`,
		o.ID, o.Name, o.Identifier, o.Status, o.Features, o.Compliance, o.AutoProvisioned)
	if err != nil {
		return false, fmt.Errorf("insert organization %s: %w", o.Identifier, err)
	}
	return tag.RowsAffected() == 1, nil
}

type labRepoPG struct{ pool *pgxpool.Pool }

func NewLabRepoPG(pool *pgxpool.Pool) LabRepository {
	return &labRepoPG{pool: pool}
}

func (r *labRepoPG) conn() queryable { return r.pool }

const labCols = `id, organization_id, name, identifier, active, auto_provisioned, created_at, updated_at`

func (r *labRepoPG) scanRow(row pgx.Row) (*Lab, error) {
	var l Lab
	err := row.Scan(&l.ID, &l.OrganizationID, &l.Name, &l.Identifier, &l.Active,
		&l.AutoProvisioned, &l.CreatedAt, &l.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ingesterr.ErrNotFound
	}
	return &l, err
}

func (r *labRepoPG) FindByIdentifier(ctx context.Context, orgID uuid.UUID, identifier string) (*Lab, error) {
	l, err := r.scanRow(r.conn().QueryRow(ctx,
		`SELECT `+labCols+` FROM lab WHERE organization_id = $1 AND UPPER(identifier) = UPPER($2)`,
		orgID, identifier))
	if err != nil {
		return nil, fmt.Errorf("lab %s: %w", identifier, err)
	}
	return l, nil
}

func (r *labRepoPG) FindAnyActive(ctx context.Context, orgID uuid.UUID) (*Lab, error) {
	l, err := r.scanRow(r.conn().QueryRow(ctx,
		`SELECT `+labCols+` FROM lab WHERE organization_id = $1 AND active ORDER BY created_at LIMIT 1`, orgID))
	if err != nil {
		return nil, fmt.Errorf("any active lab: %w", err)
	}
	return l, nil
}

func (r *labRepoPG) InsertIfAbsent(ctx context.Context, l *Lab) (bool, error) {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	tag, err := r.conn().Exec(ctx, `
		INSERT INTO lab (id, organization_id, name, identifier, active, auto_provisioned)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT DO NOTHING`,
		l.ID, l.OrganizationID, l.Name, l.Identifier, l.Active, l.AutoProvisioned)
	if err != nil {
		return false, fmt.Errorf("insert lab %s: %w", l.Identifier, err)
	}
	return tag.RowsAffected() == 1, nil
}
