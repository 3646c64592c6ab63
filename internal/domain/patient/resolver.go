package patient

import (
	"context"

	"github.com/ehr/study-ingest/internal/domain/dicomtags"
	"github.com/ehr/study-ingest/pkg/ingesterr"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Resolver finds or creates the patient a study belongs to.
type Resolver struct {
	repo        Repository
	placeholder string
	logger      zerolog.Logger
}

func NewResolver(repo Repository, placeholder string, logger zerolog.Logger) *Resolver {
	return &Resolver{
		repo:        repo,
		placeholder: placeholder,
		logger:      logger.With().Str("component", "patient").Logger(),
	}
}

func (r *Resolver) Resolve(ctx context.Context, tags dicomtags.Tags, orgID uuid.UUID) (*Patient, error) {
	name := ParseName(tags.Get(dicomtags.PatientName), r.placeholder)
	mrn := NaturalKey(tags.Get(dicomtags.PatientID), name)

	existing, err := r.repo.FindByMRN(ctx, orgID, mrn)
	switch {
	case err == nil:
		return r.maybeUpgrade(ctx, existing, name)
	case !ingesterr.IsNotFound(err):
		return nil, &ingesterr.ResolutionError{Kind: "patient", Err: err}
	}

	p := &Patient{
		OrganizationID: orgID,
		MRN:            mrn,
		Sex:            NormalizeSex(tags.Get(dicomtags.PatientSex)),
		BirthDate:      dicomtags.ParseDate(tags.Get(dicomtags.PatientBirthDate)),
	}
	p.applyName(name)

	created, err := r.repo.InsertIfAbsent(ctx, p)
	if err != nil {
		return nil, &ingesterr.ResolutionError{Kind: "patient", Err: err}
	}
	if !created {
		// Lost a race with a concurrent ingestion of the same patient.
		existing, err := r.repo.FindByMRN(ctx, orgID, mrn)
		if err != nil {
			return nil, &ingesterr.ResolutionError{Kind: "patient", Err: err}
		}
		return r.maybeUpgrade(ctx, existing, name)
	}

	r.logger.Info().Str("mrn", mrn).Str("organization_id", orgID.String()).Msg("created patient")
	return p, nil
}

// maybeUpgrade overwrites the stored name only when the new one has fewer
// separators, or when the stored one is anonymous and the new one is not.
func (r *Resolver) maybeUpgrade(ctx context.Context, p *Patient, name Name) (*Patient, error) {
	if !ShouldUpgrade(p, name) {
		return p, nil
	}
	prev := p.DisplayName
	p.applyName(name)
	if err := r.repo.UpdateName(ctx, p); err != nil {
		return nil, &ingesterr.ResolutionError{Kind: "patient", Err: err}
	}
	r.logger.Info().Str("mrn", p.MRN).Str("from", prev).Str("to", p.DisplayName).Msg("upgraded patient name")
	return p, nil
}

// ShouldUpgrade reports whether name should replace the stored name. A name
// with fewer "^" separators than the stored one is taken as more complete.
// The exception is a stored anonymous name, which any real name replaces
// even when it carries more separators. An anonymous name never replaces
// anything.
func ShouldUpgrade(p *Patient, name Name) bool {
	if name.Anonymous {
		return false
	}
	if p.Anonymous {
		return true
	}
	return Separators(name.Raw) < Separators(p.RawName)
}
