package tenant

import (
	"context"

	"github.com/google/uuid"
)

// Lookups return ingesterr.ErrNotFound on a miss. InsertIfAbsent reports
// whether a row was written; a concurrent insert of the same identifier
// yields false and no error.
type OrganizationRepository interface {
	FindByIdentifier(ctx context.Context, identifier string) (*Organization, error)
	FindAnyActive(ctx context.Context) (*Organization, error)
	InsertIfAbsent(ctx context.Context, org *Organization) (bool, error)
}

type LabRepository interface {
	FindByIdentifier(ctx context.Context, orgID uuid.UUID, identifier string) (*Lab, error)
	FindAnyActive(ctx context.Context, orgID uuid.UUID) (*Lab, error)
	InsertIfAbsent(ctx context.Context, lab *Lab) (bool, error)
}
