package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ehr/study-ingest/internal/domain/dicomtags"
	"github.com/ehr/study-ingest/internal/domain/study"
	"github.com/ehr/study-ingest/internal/platform/orthanc"
	"github.com/rs/zerolog"
)

// Source is the part of the imaging server API extraction needs.
type Source interface {
	StudySeries(ctx context.Context, studyID string) ([]orthanc.Series, error)
	InstanceTags(ctx context.Context, instanceID string) (map[string]any, error)
	InstanceSimplifiedTags(ctx context.Context, instanceID string) (map[string]any, error)
}

// Metadata is what one extraction learns about a study.
type Metadata struct {
	SeriesCount    int
	InstanceCount  int
	Modalities     []string
	Tags           dicomtags.Tags
	SampleInstance string
}

// Extractor reads series counts from a single listing call and descriptive
// tags from one representative instance.
type Extractor struct {
	source Source
	logger zerolog.Logger
}

func NewExtractor(source Source, logger zerolog.Logger) *Extractor {
	return &Extractor{
		source: source,
		logger: logger.With().Str("component", "extractor").Logger(),
	}
}

func (e *Extractor) Extract(ctx context.Context, studyID string) (*Metadata, error) {
	series, err := e.source.StudySeries(ctx, studyID)
	if err != nil {
		return nil, fmt.Errorf("list series of %s: %w", studyID, err)
	}

	md := &Metadata{SeriesCount: len(series), Tags: dicomtags.Tags{}}
	modalities := map[string]bool{}
	var sampleSeries orthanc.Series
	for _, s := range series {
		md.InstanceCount += len(s.Instances)
		if m := s.Modality(); m != "" {
			modalities[strings.ToUpper(m)] = true
		}
		if md.SampleInstance == "" && len(s.Instances) > 0 {
			md.SampleInstance = s.Instances[0]
			sampleSeries = s
		}
	}

	if md.SampleInstance != "" {
		tags, err := e.sampleTags(ctx, md.SampleInstance)
		if err != nil {
			return nil, err
		}
		// Series-level tags such as BodyPartExamined fill what the instance lacks.
		md.Tags = dicomtags.Merge(tags, seriesTags(sampleSeries))
	}

	if len(modalities) == 0 {
		for _, m := range tagModalities(md.Tags) {
			modalities[m] = true
		}
	}
	md.Modalities = sortedSet(modalities)
	if len(md.Modalities) == 0 {
		md.Modalities = []string{study.UnknownModality}
	}

	e.logger.Debug().
		Str("study_id", studyID).
		Int("series", md.SeriesCount).
		Int("instances", md.InstanceCount).
		Strs("modalities", md.Modalities).
		Msg("extracted study metadata")
	return md, nil
}

// sampleTags fetches full tags, falling back once to the simplified form.
func (e *Extractor) sampleTags(ctx context.Context, instanceID string) (dicomtags.Tags, error) {
	raw, err := e.source.InstanceTags(ctx, instanceID)
	if err == nil {
		return dicomtags.Normalize(raw), nil
	}
	e.logger.Warn().Err(err).Str("instance_id", instanceID).Msg("full tags unavailable, trying simplified tags")

	raw, ferr := e.source.InstanceSimplifiedTags(ctx, instanceID)
	if ferr != nil {
		return nil, fmt.Errorf("tags of instance %s: %w", instanceID, errors.Join(err, ferr))
	}
	return dicomtags.Normalize(raw), nil
}

func seriesTags(s orthanc.Series) dicomtags.Tags {
	raw := make(map[string]any, len(s.MainDicomTags))
	for k, v := range s.MainDicomTags {
		raw[k] = v
	}
	return dicomtags.Normalize(raw)
}

func tagModalities(tags dicomtags.Tags) []string {
	var out []string
	for _, key := range []string{dicomtags.ModalitiesInStudy, dicomtags.Modality} {
		for _, m := range strings.Split(tags.Get(key), `\`) {
			if m = strings.ToUpper(strings.TrimSpace(m)); m != "" {
				out = append(out, m)
			}
		}
	}
	return out
}

func sortedSet(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
