package orthanc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ehr/study-ingest/internal/platform/metrics"
	"github.com/ehr/study-ingest/pkg/ingesterr"
	"github.com/rs/zerolog"
)

const (
	DefaultSeriesTimeout = 10 * time.Second
	DefaultTagsTimeout   = 8 * time.Second

	opStudySeries     = "study_series"
	opInstanceTags    = "instance_tags"
	opSimplifiedTags  = "simplified_tags"
	maxErrorBodyBytes = 1024
)

// Series is the subset of an Orthanc series resource the pipeline reads.
type Series struct {
	ID            string            `json:"ID"`
	Instances     []string          `json:"Instances"`
	MainDicomTags map[string]string `json:"MainDicomTags"`
}

// Modality returns the series' modality tag, if any.
func (s Series) Modality() string {
	return strings.TrimSpace(s.MainDicomTags["Modality"])
}

type Options struct {
	BaseURL       string
	Username      string
	Password      string
	SeriesTimeout time.Duration
	TagsTimeout   time.Duration
	HTTPClient    *http.Client
}

// Client talks to the Orthanc REST API. Each call gets its own deadline.
type Client struct {
	baseURL       string
	username      string
	password      string
	seriesTimeout time.Duration
	tagsTimeout   time.Duration
	httpClient    *http.Client
	logger        zerolog.Logger
}

func NewClient(opts Options, logger zerolog.Logger) *Client {
	if opts.SeriesTimeout <= 0 {
		opts.SeriesTimeout = DefaultSeriesTimeout
	}
	if opts.TagsTimeout <= 0 {
		opts.TagsTimeout = DefaultTagsTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	return &Client{
		baseURL:       strings.TrimRight(opts.BaseURL, "/"),
		username:      opts.Username,
		password:      opts.Password,
		seriesTimeout: opts.SeriesTimeout,
		tagsTimeout:   opts.TagsTimeout,
		httpClient:    opts.HTTPClient,
		logger:        logger.With().Str("component", "orthanc").Logger(),
	}
}

// StudySeries lists the series of a study with their instance ids expanded.
func (c *Client) StudySeries(ctx context.Context, studyID string) ([]Series, error) {
	var series []Series
	path := "/studies/" + url.PathEscape(studyID) + "/series"
	if err := c.getJSON(ctx, opStudySeries, path, c.seriesTimeout, &series); err != nil {
		return nil, err
	}
	return series, nil
}

// InstanceTags returns the full tag dump of an instance. Values are wrapper
// objects keyed by "gggg,eeee".
func (c *Client) InstanceTags(ctx context.Context, instanceID string) (map[string]any, error) {
	var tags map[string]any
	path := "/instances/" + url.PathEscape(instanceID) + "/tags"
	if err := c.getJSON(ctx, opInstanceTags, path, c.tagsTimeout, &tags); err != nil {
		return nil, err
	}
	return tags, nil
}

// InstanceSimplifiedTags returns keyword-keyed tags with plain values.
func (c *Client) InstanceSimplifiedTags(ctx context.Context, instanceID string) (map[string]any, error) {
	var tags map[string]any
	path := "/instances/" + url.PathEscape(instanceID) + "/simplified-tags"
	if err := c.getJSON(ctx, opSimplifiedTags, path, c.tagsTimeout, &tags); err != nil {
		return nil, err
	}
	return tags, nil
}

func (c *Client) getJSON(ctx context.Context, op, path string, timeout time.Duration, out any) (err error) {
	defer func() { metrics.RecordOrthancCall(op, err) }()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	targetURL := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return &ingesterr.ExternalServiceError{Op: op, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn().Err(err).Str("op", op).Str("url", targetURL).Msg("orthanc request failed")
		return &ingesterr.ExternalServiceError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		c.logger.Warn().
			Str("op", op).
			Str("url", targetURL).
			Int("status", resp.StatusCode).
			Str("body", string(body)).
			Msg("orthanc returned non-2xx status")
		return &ingesterr.ExternalServiceError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected response: %s", strings.TrimSpace(string(body))),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ingesterr.ExternalServiceError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}

	c.logger.Debug().Str("op", op).Dur("latency", time.Since(start)).Msg("orthanc call")
	return nil
}
