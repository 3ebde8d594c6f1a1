// Package metrics provides Prometheus metrics for the mtpfs mount.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Device call metrics
	deviceCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mtpfs_device_calls_total",
			Help: "Total number of calls issued to the device",
		},
		[]string{"op", "outcome"},
	)

	deviceCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mtpfs_device_call_duration_seconds",
			Help:    "Device call duration in seconds, including time spent waiting for the device lock",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"op"},
	)

	deviceDisconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mtpfs_device_disconnects_total",
			Help: "Number of calls that found the device disconnected",
		},
	)

	bytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mtpfs_bytes_downloaded_total",
			Help: "Total bytes downloaded from the device",
		},
	)

	bytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mtpfs_bytes_uploaded_total",
			Help: "Total bytes uploaded to the device",
		},
	)

	// Metadata cache metrics
	cacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mtpfs_metadata_cache_lookups_total",
			Help: "Metadata cache lookups by result",
		},
		[]string{"result"},
	)

	cacheExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mtpfs_metadata_cache_expired_total",
			Help: "Metadata cache entries dropped by TTL expiry",
		},
	)

	cacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mtpfs_metadata_cache_entries",
			Help: "Number of entries in the metadata cache",
		},
	)

	stagedFiles = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mtpfs_staged_files",
			Help: "Number of open write-staging copies",
		},
	)

	// Filesystem call metrics
	fsOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mtpfs_fs_operations_total",
			Help: "Filesystem operations served, by operation and errno",
		},
		[]string{"op", "errno"},
	)
)

// RecordDeviceCall records one device call.
func RecordDeviceCall(op string, err error, duration time.Duration) {
	deviceCallsTotal.WithLabelValues(op, outcome(err)).Inc()
	deviceCallDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordDisconnect counts a device disconnect.
func RecordDisconnect() {
	deviceDisconnects.Inc()
}

// RecordDownload adds downloaded bytes.
func RecordDownload(n int64) {
	bytesDownloaded.Add(float64(n))
}

// RecordUpload adds uploaded bytes.
func RecordUpload(n int64) {
	bytesUploaded.Add(float64(n))
}

// RecordCacheHit counts a metadata cache hit.
func RecordCacheHit() {
	cacheLookups.WithLabelValues("hit").Inc()
}

// RecordCacheMiss counts a metadata cache miss.
func RecordCacheMiss() {
	cacheLookups.WithLabelValues("miss").Inc()
}

// RecordCacheExpired counts entries dropped by expiry.
func RecordCacheExpired(n int) {
	cacheExpired.Add(float64(n))
}

// SetCacheEntries sets the metadata cache size gauge.
func SetCacheEntries(n int) {
	cacheEntries.Set(float64(n))
}

// SetStagedFiles sets the open staging copies gauge.
func SetStagedFiles(n int) {
	stagedFiles.Set(float64(n))
}

// RecordFSOp records a filesystem operation and its errno name ("OK" on success).
func RecordFSOp(op, errno string) {
	fsOpsTotal.WithLabelValues(op, errno).Inc()
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve starts a metrics server on addr and returns it. Errors other than
// a clean shutdown are passed to onError.
func Serve(addr string, onError func(error)) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			onError(err)
		}
	}()
	return srv
}
