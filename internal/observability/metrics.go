package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// NOTE: Currently, all metrics are defined globally here.
// This causes a harmless side-effect where a service (e.g., the populator)
// initializes metrics from other services (e.g., the admin API) with zero values.

// namespace defines the global prefix for all metrics (e.g., chameleon_...).
const namespace = "chameleon"

// lowLatencyBuckets defines custom buckets for the page-serving hot path.
// Standard buckets are too coarse (starting at 5ms), so we add 1ms and 2ms
// resolution. Range: 1ms to 500ms.
var lowLatencyBuckets = []float64{.001, .002, .005, .010, .015, .020, .025, .030, .050, .100, .500}

var (
	// -------------------------------------------------------------------------
	// SERVE (public page serving)
	// -------------------------------------------------------------------------

	// ServeReqDuration measures the latency of page-serving HTTP requests.
	// Metric: chameleon_serve_http_handling_seconds
	ServeReqDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "serve",
		Name:      "http_handling_seconds",
		Help:      "Time taken to handle HTTP requests on the serving path",
		Buckets:   lowLatencyBuckets,
	}, []string{"method", "path"})

	// ServeReqTotal counts the total number of page-serving HTTP requests.
	// Metric: chameleon_serve_http_requests_total
	ServeReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "serve",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests on the serving path",
	}, []string{"method", "path", "code"})

	// -------------------------------------------------------------------------
	// RESOLVER (segment membership)
	// -------------------------------------------------------------------------

	// ResolutionDuration measures a full membership refresh for one request.
	// Metric: chameleon_resolver_resolution_seconds
	ResolutionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "resolver",
		Name:      "resolution_seconds",
		Help:      "Time taken to refresh a visitor's segment memberships",
		Buckets:   lowLatencyBuckets,
	})

	// SegmentsAdmitted counts visitors admitted into a segment.
	SegmentsAdmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "resolver",
		Name:      "segments_admitted_total",
		Help:      "Total visitor admissions per segment",
	}, []string{"segment"})

	// SegmentsExcluded counts visitors excluded from a segment by the
	// randomisation draw or a full static segment.
	SegmentsExcluded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "resolver",
		Name:      "segments_excluded_total",
		Help:      "Total visitor exclusions per segment",
	}, []string{"segment", "reason"}) // random_draw, capacity

	// PageVisitsRecorded counts page visits written to visitor state.
	PageVisitsRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "resolver",
		Name:      "page_visits_recorded_total",
		Help:      "Total page visits recorded in visitor states",
	})

	// -------------------------------------------------------------------------
	// VARIANTS (page serving outcome)
	// -------------------------------------------------------------------------

	// VariantsServed tracks whether a request was answered with the canonical
	// page or a segment variant.
	VariantsServed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "variants",
		Name:      "pages_served_total",
		Help:      "Total pages served by outcome",
	}, []string{"outcome"}) // canonical, variant

	// -------------------------------------------------------------------------
	// ADMIN (segment administration HTTP API)
	// -------------------------------------------------------------------------

	// AdminReqDuration measures the latency of admin HTTP requests.
	// Metric: chameleon_admin_http_handling_seconds
	AdminReqDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "admin",
		Name:      "http_handling_seconds",
		Help:      "Time taken to handle admin HTTP requests",
		Buckets:   prometheus.DefBuckets, // Admin APIs run at human speed
	}, []string{"method", "path"})

	// AdminReqTotal counts the total number of admin HTTP requests.
	// Metric: chameleon_admin_http_requests_total
	AdminReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "admin",
		Name:      "http_requests_total",
		Help:      "Total admin HTTP requests",
	}, []string{"method", "path", "code"})

	// -------------------------------------------------------------------------
	// POPULATOR (static population worker)
	// -------------------------------------------------------------------------

	// PopulationDuration measures one full population pass for a segment.
	PopulationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "populator",
		Name:      "run_duration_seconds",
		Help:      "Time taken to populate a single static segment",
		Buckets:   prometheus.DefBuckets,
	})

	// PopulationRuns counts population passes by outcome.
	PopulationRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "populator",
		Name:      "runs_total",
		Help:      "Total population passes",
	}, []string{"status"}) // success, fail

	// SegmentMembers reports the stored member count per static segment.
	SegmentMembers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "populator",
		Name:      "segment_members",
		Help:      "Current static member count per segment",
	}, []string{"segment"})

	// -------------------------------------------------------------------------
	// DATABASE (connection pool)
	// -------------------------------------------------------------------------

	// DatabasePoolConnections reports pool connection counts by state.
	// Metric: chameleon_database_pool_connections
	DatabasePoolConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "database",
		Name:      "pool_connections",
		Help:      "Database pool connections by state",
	}, []string{"state"}) // total, idle, in_use, max

	// DatabasePoolAcquireCount mirrors pgxpool's cumulative acquire counter.
	// Fed by the pool monitor, which converts pgx's cumulative stats to deltas.
	DatabasePoolAcquireCount = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "database",
		Name:      "pool_acquire_count_total",
		Help:      "Cumulative connection acquisitions from the pool",
	})

	// DatabasePoolAcquireDuration mirrors pgxpool's cumulative acquire wait time.
	DatabasePoolAcquireDuration = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "database",
		Name:      "pool_acquire_duration_seconds_total",
		Help:      "Cumulative time spent acquiring connections",
	})

	// DatabasePoolWaitCount counts acquisitions that had to wait for a free
	// connection. A growing value means the pool is undersized.
	DatabasePoolWaitCount = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "database",
		Name:      "pool_wait_count_total",
		Help:      "Cumulative acquisitions that blocked waiting for a connection",
	})
)
