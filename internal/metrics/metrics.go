// Package metrics provides Prometheus metrics for the rdmount client.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Remote API metrics
	apiRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdmount_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"op", "status"},
	)

	apiRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rdmount_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	collectionPagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdmount_collection_pages_total",
			Help: "Total collection pages fetched",
		},
		[]string{"op"},
	)

	collectionItems = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rdmount_collection_items",
			Help:    "Items per completed collection fetch",
			Buckets: []float64{0, 10, 50, 100, 250, 500, 1000, 5000},
		},
		[]string{"op"},
	)

	// Listing cache metrics
	cacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdmount_listing_cache_hits_total",
			Help: "Listing cache hits",
		},
		[]string{"kind"},
	)

	cacheMissesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdmount_listing_cache_misses_total",
			Help: "Listing cache misses",
		},
		[]string{"kind"},
	)

	sharedFlightsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rdmount_listing_shared_flights_total",
			Help: "Fetches answered by an already in-flight fetch",
		},
	)

	// Content transfer metrics
	bytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rdmount_content_bytes_downloaded_total",
			Help: "Total bytes downloaded",
		},
	)

	bytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rdmount_content_bytes_uploaded_total",
			Help: "Total bytes uploaded",
		},
	)

	// Filesystem metrics
	fuseOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdmount_fuse_ops_total",
			Help: "Total filesystem operations",
		},
		[]string{"op"},
	)

	fuseOpErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdmount_fuse_op_errors_total",
			Help: "Filesystem operations that returned an error",
		},
		[]string{"op"},
	)

	openHandles = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rdmount_open_handles",
			Help: "Currently open file handles",
		},
	)

	// Storage provider metrics
	providerOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdmount_provider_ops_total",
			Help: "Total storage provider operations",
		},
		[]string{"kind", "op", "status"},
	)

	providerOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rdmount_provider_op_duration_seconds",
			Help:    "Storage provider operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind", "op"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordAPIRequest records one API request attempt. Status 0 means the
// request never produced a response.
func RecordAPIRequest(op string, status int, duration time.Duration) {
	apiRequestsTotal.WithLabelValues(op, strconv.Itoa(status)).Inc()
	apiRequestDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordCollectionFetch records a completed paginated collection fetch.
func RecordCollectionFetch(op string, pages, items int) {
	collectionPagesTotal.WithLabelValues(op).Add(float64(pages))
	collectionItems.WithLabelValues(op).Observe(float64(items))
}

// RecordCacheHit records a listing cache hit.
func RecordCacheHit(kind string) {
	cacheHitsTotal.WithLabelValues(kind).Inc()
}

// RecordCacheMiss records a listing cache miss.
func RecordCacheMiss(kind string) {
	cacheMissesTotal.WithLabelValues(kind).Inc()
}

// RecordSharedFlight records a fetch collapsed into an in-flight one.
func RecordSharedFlight() {
	sharedFlightsTotal.Inc()
}

// RecordBytesDownloaded adds to the download byte counter.
func RecordBytesDownloaded(n int64) {
	bytesDownloaded.Add(float64(n))
}

// RecordBytesUploaded adds to the upload byte counter.
func RecordBytesUploaded(n int64) {
	bytesUploaded.Add(float64(n))
}

// RecordFuseOp records a filesystem operation and its outcome.
func RecordFuseOp(op string, ok bool) {
	fuseOpsTotal.WithLabelValues(op).Inc()
	if !ok {
		fuseOpErrorsTotal.WithLabelValues(op).Inc()
	}
}

// HandleOpened tracks a newly opened file handle.
func HandleOpened() {
	openHandles.Inc()
}

// HandleClosed tracks a released file handle.
func HandleClosed() {
	openHandles.Dec()
}

// RecordProviderOp records a storage provider operation.
func RecordProviderOp(kind, op string, duration time.Duration, success bool) {
	providerOpDuration.WithLabelValues(kind, op).Observe(duration.Seconds())
	status := "success"
	if !success {
		status = "error"
	}
	providerOpsTotal.WithLabelValues(kind, op, status).Inc()
}
