// Package metrics holds the Prometheus collectors exported on /api/metrics.
//
// Collectors are registered with the default registry through promauto, so
// importing the package is enough to have them exposed by Handler.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "geoipd"

var (
	// Lookups

	Lookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lookups_total",
			Help:      "Lookups by edition and result (hit, miss, error).",
		},
		[]string{"edition", "result"},
	)

	LookupDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lookup_duration_seconds",
			Help:      "Time spent resolving one address.",
			Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05},
		},
		[]string{"edition"},
	)

	// Update checks

	Checks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "update_checks_total",
			Help:      "Update checks by edition and outcome.",
		},
		[]string{"edition", "outcome"}, // "installed", "not_modified", "stale", "skipped", "error"
	)

	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Duration of archive downloads including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"edition"},
	)

	FetchBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_bytes_total",
			Help:      "Archive bytes downloaded.",
		},
		[]string{"edition"},
	)

	FetchRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_retries_total",
			Help:      "Download attempts that were retried after a transient failure.",
		},
		[]string{"edition"},
	)

	// Installed databases

	DatabaseTimestamp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "database_timestamp_seconds",
			Help:      "Unix timestamp of the installed version.",
		},
		[]string{"edition"},
	)

	DatabaseSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "database_size_bytes",
			Help:      "Size of the installed .mmdb file.",
		},
		[]string{"edition"},
	)

	Installs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "installs_total",
			Help:      "Versions installed into the registry.",
		},
		[]string{"edition"},
	)

	ReadersClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readers_closed_total",
			Help:      "Retired versions whose reader was closed after the last reference was released.",
		},
		[]string{"edition"},
	)

	// Archive server

	ArchiveRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_requests_total",
			Help:      "Archive downloads by edition and result (ok, not_modified, error).",
		},
		[]string{"edition", "result"},
	)

	ArchiveBuilds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_builds_total",
			Help:      "Archives rebuilt from the installed .mmdb because none was retained.",
		},
		[]string{"edition"},
	)

	// HTTP

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status code.",
		},
		[]string{"method", "route", "status"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	HTTPInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "Requests currently being served.",
		},
	)

	RateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_rate_limited_total",
			Help:      "Requests rejected with 429.",
		},
	)
)

// RecordLookup records the outcome and latency of one lookup.
func RecordLookup(edition, result string, d time.Duration) {
	Lookups.WithLabelValues(edition, result).Inc()
	LookupDuration.WithLabelValues(edition).Observe(d.Seconds())
}

// RecordCheck records the outcome of one update check.
func RecordCheck(edition, outcome string) {
	Checks.WithLabelValues(edition, outcome).Inc()
}

// RecordFetch records a completed download.
func RecordFetch(edition string, bytes int, d time.Duration) {
	FetchDuration.WithLabelValues(edition).Observe(d.Seconds())
	FetchBytes.WithLabelValues(edition).Add(float64(bytes))
}

// SetInstalled publishes the identity of the current version of an edition.
func SetInstalled(edition string, ts time.Time, size int64) {
	Installs.WithLabelValues(edition).Inc()
	DatabaseTimestamp.WithLabelValues(edition).Set(float64(ts.Unix()))
	DatabaseSize.WithLabelValues(edition).Set(float64(size))
}

// RecordHTTP records one served request.
func RecordHTTP(method, route string, status int, d time.Duration) {
	HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// Handler returns the Prometheus exposition handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
