// Package metrics exposes Prometheus collectors for the catalog service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Crawl outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

var (
	crawlsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_crawls_total",
			Help: "Total number of full catalog crawls, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	crawlDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "catalog_crawl_duration_seconds",
			Help:    "Histogram of full crawl durations.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	listingRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_listing_requests_total",
			Help: "Total number of listing page requests, labeled by status class.",
		},
		[]string{"status"},
	)

	listingRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "catalog_listing_retries_total",
			Help: "Total number of retried listing page requests.",
		},
	)

	rateLimitDelaySeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "catalog_rate_limit_delay_seconds",
			Help:    "Histogram of inter-request delay waits.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		},
	)

	snapshotLeaves = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "catalog_snapshot_leaves",
			Help: "Number of date ranges in the currently held snapshot.",
		},
	)

	refreshTicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_refresh_ticks_total",
			Help: "Total number of refresh iterations, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	subscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "catalog_subscribers",
			Help: "Number of connected real-time subscribers.",
		},
	)

	broadcastSendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_broadcast_sends_total",
			Help: "Total number of snapshot deliveries to subscribers, labeled by result.",
		},
		[]string{"result"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveCrawl records one finished crawl.
func ObserveCrawl(outcome string, duration time.Duration) {
	crawlsTotal.WithLabelValues(outcome).Inc()
	crawlDurationSeconds.Observe(duration.Seconds())
}

// StatusClass buckets an HTTP status code ("2xx", "4xx", ...). Zero means the
// request never produced a response.
func StatusClass(code int) string {
	if code <= 0 {
		return "error"
	}
	return strconv.Itoa(code/100) + "xx"
}

// ObserveListingRequest counts one listing fetch by status class.
func ObserveListingRequest(code int) {
	listingRequestsTotal.WithLabelValues(StatusClass(code)).Inc()
}

// IncListingRetries counts a retried fetch.
func IncListingRetries() {
	listingRetriesTotal.Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(duration time.Duration) {
	rateLimitDelaySeconds.Observe(duration.Seconds())
}

// SetSnapshotLeaves records the size of the held snapshot.
func SetSnapshotLeaves(n int) {
	snapshotLeaves.Set(float64(n))
}

// ObserveRefresh counts one scheduler iteration.
func ObserveRefresh(outcome string) {
	refreshTicksTotal.WithLabelValues(outcome).Inc()
}

// IncSubscribers increments the subscriber gauge.
func IncSubscribers() {
	subscribers.Inc()
}

// DecSubscribers decrements the subscriber gauge.
func DecSubscribers() {
	subscribers.Dec()
}

// ObserveBroadcastSend counts one delivery attempt.
func ObserveBroadcastSend(ok bool) {
	result := OutcomeSuccess
	if !ok {
		result = OutcomeFailure
	}
	broadcastSendsTotal.WithLabelValues(result).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
