package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logship_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "logship_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "logship_http_request_size_bytes",
			Help:    "HTTP request size in bytes",
			Buckets: prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "endpoint"},
	)

	// Ingest metrics
	IngestEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logship_ingest_events_total",
			Help: "Total number of events received over HTTP",
		},
		[]string{"status"}, // status: accepted, rejected
	)

	// Dispatcher metrics
	EnvelopesSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logship_envelopes_submitted_total",
			Help: "Total number of envelopes submitted to a dispatcher",
		},
		[]string{"sink"},
	)

	EnvelopesResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logship_envelopes_resolved_total",
			Help: "Total number of envelopes whose callback fired",
		},
		[]string{"sink", "outcome"}, // outcome: delivered, failed, dropped, noop
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "logship_queue_depth",
			Help: "Envelopes buffered and not yet handed to a write",
		},
		[]string{"sink"},
	)

	BatchSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "logship_batch_size",
			Help:    "Number of envelopes per dispatched batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"sink"},
	)

	WriteAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logship_write_attempts_total",
			Help: "Total number of sink write attempts",
		},
		[]string{"sink"},
	)

	WriteRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logship_write_retries_total",
			Help: "Total number of sink write retries",
		},
		[]string{"sink"},
	)

	WriteTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logship_write_timeouts_total",
			Help: "Total number of sink writes abandoned after the operation timeout",
		},
		[]string{"sink"},
	)

	WriteDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "logship_write_duration_seconds",
			Help:    "Time taken by one sink write attempt",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"sink"},
	)

	// Resource cache metrics
	CacheHandles = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "logship_cache_open_handles",
			Help: "Number of handles held by a resource cache",
		},
		[]string{"cache"},
	)

	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logship_cache_evictions_total",
			Help: "Total number of handles closed by a resource cache",
		},
		[]string{"cache", "reason"}, // reason: capacity, idle, invalid, shutdown
	)

	// File rotation metrics
	Rotations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logship_file_rotations_total",
			Help: "Total number of file rotations",
		},
		[]string{"trigger", "status"},
	)

	ArchivesDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "logship_file_archives_deleted_total",
			Help: "Total number of archive files removed by retention",
		},
	)

	// AuthFailures counts ingest requests rejected for a bad or missing token
	AuthFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "logship_http_auth_failures_total",
			Help: "Total number of requests rejected by bearer authentication",
		},
	)

	// Panic recovery
	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logship_panics_recovered_total",
			Help: "Total number of panics recovered",
		},
		[]string{"component"},
	)
)
