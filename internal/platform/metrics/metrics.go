package metrics

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "study_ingest_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "study_ingest_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Queue
	jobsEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "study_ingest_jobs_enqueued_total",
			Help: "Total number of ingestion jobs accepted",
		},
	)

	jobsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "study_ingest_jobs_finished_total",
			Help: "Total number of ingestion jobs reaching a terminal state",
		},
		[]string{"state"},
	)

	jobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "study_ingest_job_duration_seconds",
			Help:    "Time from activation to terminal state",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"state"},
	)

	jobsByState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "study_ingest_jobs",
			Help: "Number of jobs currently held by the queue, by state",
		},
		[]string{"state"},
	)

	// Pipeline
	stageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "study_ingest_stage_duration_seconds",
			Help:    "Duration of each pipeline stage",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"stage", "status"},
	)

	orthancCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "study_ingest_orthanc_calls_total",
			Help: "Calls made to the imaging server",
		},
		[]string{"op", "status"},
	)

	tenantResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "study_ingest_tenant_resolutions_total",
			Help: "Tenant resolutions by kind and the strategy that produced the record",
		},
		[]string{"kind", "strategy"},
	)

	provisioned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "study_ingest_auto_provisioned_total",
			Help: "Records created by auto-provisioning",
		},
		[]string{"kind"},
	)

	studyUpserts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "study_ingest_study_upserts_total",
			Help: "Study upserts by outcome",
		},
		[]string{"outcome"},
	)

	archivalHandoffs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "study_ingest_archival_handoffs_total",
			Help: "Archival handoff attempts by outcome",
		},
		[]string{"outcome"},
	)

	panicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "study_ingest_panics_recovered_total",
			Help: "Panics recovered by the HTTP layer or a queue worker",
		},
		[]string{"where"},
	)
)

func RecordHTTPRequest(method, route string, status int, d time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func RecordJobEnqueued() { jobsEnqueued.Inc() }

func RecordJobFinished(state string, d time.Duration) {
	jobsFinished.WithLabelValues(state).Inc()
	jobDuration.WithLabelValues(state).Observe(d.Seconds())
}

// SetQueueDepth publishes the current waiting/active/terminal counts.
func SetQueueDepth(waiting, active, completed, failed int) {
	jobsByState.WithLabelValues("waiting").Set(float64(waiting))
	jobsByState.WithLabelValues("active").Set(float64(active))
	jobsByState.WithLabelValues("completed").Set(float64(completed))
	jobsByState.WithLabelValues("failed").Set(float64(failed))
}

func RecordStage(stage string, err error, d time.Duration) {
	stageDuration.WithLabelValues(stage, statusLabel(err)).Observe(d.Seconds())
}

func RecordOrthancCall(op string, err error) {
	orthancCalls.WithLabelValues(op, statusLabel(err)).Inc()
}

func RecordTenantResolution(kind, strategy string) {
	tenantResolutions.WithLabelValues(kind, strategy).Inc()
}

func RecordProvisioned(kind string) { provisioned.WithLabelValues(kind).Inc() }

func RecordStudyUpsert(created bool) {
	if created {
		studyUpserts.WithLabelValues("created").Inc()
		return
	}
	studyUpserts.WithLabelValues("updated").Inc()
}

func RecordArchivalHandoff(outcome string) { archivalHandoffs.WithLabelValues(outcome).Inc() }

// RecordPanic counts a recovered panic; where is "http" or "job".
func RecordPanic(where string) { panicsRecovered.WithLabelValues(where).Inc() }

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Middleware records request counts and latency keyed by the matched route,
// so path parameters do not explode label cardinality.
func Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			RecordHTTPRequest(c.Request().Method, route, status, time.Since(start))
			return err
		}
	}
}

// Handler serves the default registry.
func Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.Handler())
}
