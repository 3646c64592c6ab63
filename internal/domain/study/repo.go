package study

import "context"

type Repository interface {
	// Upsert inserts s or merges it into the row with the same external
	// study id. Scalars are replaced, history arrays appended, category
	// snapshots merged by key, and the workflow status only replaced while
	// the stored one is an ingestion status. s is refreshed from the stored
	// row; created reports whether the row is new.
	Upsert(ctx context.Context, s *Study) (created bool, err error)
	GetByExternalID(ctx context.Context, externalStudyID string) (*Study, error)
}
