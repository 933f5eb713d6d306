// Package metrics provides Prometheus metrics for the drivemirror daemon.
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
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drivemirror_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drivemirror_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Reconciliation metrics
	reconcilePassesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drivemirror_reconcile_passes_total",
			Help: "Total reconciliation passes by result",
		},
		[]string{"result"},
	)

	reconcileDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "drivemirror_reconcile_duration_seconds",
			Help:    "Reconciliation pass duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	changesAppliedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "drivemirror_changes_applied_total",
			Help: "Total remote change records applied",
		},
	)

	// Gateway metrics
	gatewayErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "drivemirror_gateway_errors_total",
			Help: "Total failed provider calls surfaced to the engine",
		},
	)

	trackedObjects = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "drivemirror_tracked_objects",
			Help: "Number of objects seen during the last bootstrap listing",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordReconcilePass records a reconciliation pass and its outcome.
func RecordReconcilePass(result string, duration time.Duration) {
	reconcilePassesTotal.WithLabelValues(result).Inc()
	reconcileDuration.Observe(duration.Seconds())
}

// AddChangesApplied counts applied change records.
func AddChangesApplied(n int) {
	changesAppliedTotal.Add(float64(n))
}

// RecordGatewayError counts a failed provider call.
func RecordGatewayError() {
	gatewayErrorsTotal.Inc()
}

// SetTrackedObjects sets the bootstrap listing size.
func SetTrackedObjects(count int) {
	trackedObjects.Set(float64(count))
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		RecordHTTPRequest(r.Method, r.URL.Path, rw.statusCode, time.Since(start))
	})
}
