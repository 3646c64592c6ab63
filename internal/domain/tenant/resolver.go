package tenant

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ehr/study-ingest/internal/domain/dicomtags"
	"github.com/ehr/study-ingest/internal/platform/metrics"
	"github.com/ehr/study-ingest/pkg/ingesterr"
	"github.com/rs/zerolog"
)

const DefaultPlaceholder = "UNSPECIFIED"

// A strategy returns (nil, nil) when it has nothing to offer, letting the
// chain move on. An error abandons the chain.
type orgStrategy struct {
	name string
	run  func(ctx context.Context, tags dicomtags.Tags) (*Organization, error)
}

type labStrategy struct {
	name string
	run  func(ctx context.Context, tags dicomtags.Tags, org *Organization) (*Lab, error)
}

// Resolver maps normalized tags to an Organization and Lab, provisioning
// them when the tag value is new. It only fails when both the primary and
// the recovery chain fail.
type Resolver struct {
	orgs        OrganizationRepository
	labs        LabRepository
	placeholder string
	logger      zerolog.Logger

	orgPrimary, orgRecovery []orgStrategy
	labPrimary, labRecovery []labStrategy
}

func NewResolver(orgs OrganizationRepository, labs LabRepository, placeholder string, logger zerolog.Logger) *Resolver {
	if placeholder == "" {
		placeholder = DefaultPlaceholder
	}
	r := &Resolver{
		orgs:        orgs,
		labs:        labs,
		placeholder: placeholder,
		logger:      logger.With().Str("component", "tenant").Logger(),
	}
	r.orgPrimary = []orgStrategy{
		{"tag", r.orgFromTags},
		{"default", r.defaultOrg},
	}
	r.orgRecovery = []orgStrategy{
		{"any_active", r.anyActiveOrg},
		{"emergency", r.emergencyOrg},
	}
	r.labPrimary = []labStrategy{
		{"tag", r.labFromTags},
		{"default", r.defaultLab},
	}
	r.labRecovery = []labStrategy{
		{"any_active", r.anyActiveLab},
		{"emergency", r.emergencyLab},
	}
	return r
}

func (r *Resolver) ResolveOrganization(ctx context.Context, tags dicomtags.Tags) (*Organization, error) {
	org, name, err := runOrgChain(ctx, r.orgPrimary, tags)
	if err == nil && org != nil {
		metrics.RecordTenantResolution("organization", name)
		return org, nil
	}
	r.logger.Warn().Err(err).Msg("organization lookup failed, trying recovery")

	org, name, rerr := runOrgChain(ctx, r.orgRecovery, tags)
	if rerr == nil && org != nil {
		metrics.RecordTenantResolution("organization", name)
		return org, nil
	}
	return nil, &ingesterr.ResolutionError{Kind: "organization", Err: errors.Join(err, rerr)}
}

func (r *Resolver) ResolveLab(ctx context.Context, tags dicomtags.Tags, org *Organization) (*Lab, error) {
	lab, name, err := runLabChain(ctx, r.labPrimary, tags, org)
	if err == nil && lab != nil {
		metrics.RecordTenantResolution("lab", name)
		return lab, nil
	}
	r.logger.Warn().Err(err).Str("organization", org.Identifier).Msg("lab lookup failed, trying recovery")

	lab, name, rerr := runLabChain(ctx, r.labRecovery, tags, org)
	if rerr == nil && lab != nil {
		metrics.RecordTenantResolution("lab", name)
		return lab, nil
	}
	return nil, &ingesterr.ResolutionError{Kind: "lab", Err: errors.Join(err, rerr)}
}

func runOrgChain(ctx context.Context, chain []orgStrategy, tags dicomtags.Tags) (*Organization, string, error) {
	for _, s := range chain {
		org, err := s.run(ctx, tags)
		if err != nil {
			return nil, s.name, fmt.Errorf("%s strategy: %w", s.name, err)
		}
		if org != nil {
			return org, s.name, nil
		}
	}
	return nil, "", errors.New("no strategy produced an organization")
}

func runLabChain(ctx context.Context, chain []labStrategy, tags dicomtags.Tags, org *Organization) (*Lab, string, error) {
	for _, s := range chain {
		lab, err := s.run(ctx, tags, org)
		if err != nil {
			return nil, s.name, fmt.Errorf("%s strategy: %w", s.name, err)
		}
		if lab != nil {
			return lab, s.name, nil
		}
	}
	return nil, "", errors.New("no strategy produced a lab")
}

// SlotValue returns the first value among slots that is non-empty and not
// the placeholder (compared case-insensitively).
func (r *Resolver) SlotValue(tags dicomtags.Tags, slots []string) (string, bool) {
	for _, slot := range slots {
		v := strings.TrimSpace(tags.Get(slot))
		if v == "" || strings.EqualFold(v, r.placeholder) {
			continue
		}
		return v, true
	}
	return "", false
}

func (r *Resolver) orgFromTags(ctx context.Context, tags dicomtags.Tags) (*Organization, error) {
	raw, ok := r.SlotValue(tags, dicomtags.OrganizationSlots)
	if !ok {
		return nil, nil
	}
	return r.findOrCreateOrg(ctx, NewOrganization(raw, NameFromIdentifier(raw), true))
}

func (r *Resolver) defaultOrg(ctx context.Context, _ dicomtags.Tags) (*Organization, error) {
	return r.findOrCreateOrg(ctx, NewOrganization(DefaultOrgIdentifier, DefaultOrgName, true))
}

func (r *Resolver) anyActiveOrg(ctx context.Context, _ dicomtags.Tags) (*Organization, error) {
	org, err := r.orgs.FindAnyActive(ctx)
	if ingesterr.IsNotFound(err) {
		return nil, nil
	}
	return org, err
}

func (r *Resolver) emergencyOrg(ctx context.Context, _ dicomtags.Tags) (*Organization, error) {
	return r.findOrCreateOrg(ctx, NewOrganization(EmergencyOrgIdentifier, EmergencyOrgName, true))
}

// findOrCreateOrg looks up candidate by identifier, inserting it when
// absent. The row is always re-read so concurrent creators agree on one.
func (r *Resolver) findOrCreateOrg(ctx context.Context, candidate *Organization) (*Organization, error) {
	org, err := r.orgs.FindByIdentifier(ctx, candidate.Identifier)
	if err == nil {
		return org, nil
	}
	if !ingesterr.IsNotFound(err) {
		return nil, err
	}

	created, err := r.orgs.InsertIfAbsent(ctx, candidate)
	if err != nil {
		return nil, err
	}
	if created {
		metrics.RecordProvisioned("organization")
		r.logger.Info().
			Str("identifier", candidate.Identifier).
			Str("name", candidate.Name).
			Msg("auto-provisioned organization")
	}
	return r.orgs.FindByIdentifier(ctx, candidate.Identifier)
}

func (r *Resolver) labFromTags(ctx context.Context, tags dicomtags.Tags, org *Organization) (*Lab, error) {
	raw, ok := r.SlotValue(tags, dicomtags.LabSlots)
	if !ok {
		return nil, nil
	}
	return r.findOrCreateLab(ctx, NewLab(org.ID, raw, NameFromIdentifier(raw), true))
}

func (r *Resolver) defaultLab(ctx context.Context, _ dicomtags.Tags, org *Organization) (*Lab, error) {
	return r.findOrCreateLab(ctx, NewLab(org.ID, UnknownLabIdentifier, UnknownLabName, true))
}

func (r *Resolver) anyActiveLab(ctx context.Context, _ dicomtags.Tags, org *Organization) (*Lab, error) {
	lab, err := r.labs.FindAnyActive(ctx, org.ID)
	if ingesterr.IsNotFound(err) {
		return nil, nil
	}
	return lab, err
}

func (r *Resolver) emergencyLab(ctx context.Context, _ dicomtags.Tags, org *Organization) (*Lab, error) {
	return r.findOrCreateLab(ctx, NewLab(org.ID, EmergencyLabIdentifier, EmergencyLabName, true))
}

func (r *Resolver) findOrCreateLab(ctx context.Context, candidate *Lab) (*Lab, error) {
	lab, err := r.labs.FindByIdentifier(ctx, candidate.OrganizationID, candidate.Identifier)
	if err == nil {
		return lab, nil
	}
	if !ingesterr.IsNotFound(err) {
		return nil, err
	}

	created, err := r.labs.InsertIfAbsent(ctx, candidate)
	if err != nil {
		return nil, err
	}
	if created {
		metrics.RecordProvisioned("lab")
		r.logger.Info().
			Str("organization_id", candidate.OrganizationID.String()).
			Str("identifier", candidate.Identifier).
			Msg("auto-provisioned lab")
	}
	return r.labs.FindByIdentifier(ctx, candidate.OrganizationID, candidate.Identifier)
}
