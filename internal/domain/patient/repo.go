package patient

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	// FindByMRN returns ingesterr.ErrNotFound on a miss.
	FindByMRN(ctx context.Context, orgID uuid.UUID, mrn string) (*Patient, error)
	InsertIfAbsent(ctx context.Context, p *Patient) (bool, error)
	UpdateName(ctx context.Context, p *Patient) error
}
