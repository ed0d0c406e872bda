// Package metrics provides Prometheus metrics for the mediavault server.
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
			Name: "mediavault_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mediavault_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Streaming metrics
	streamBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediavault_stream_bytes_total",
			Help: "Total bytes written by download and stream endpoints",
		},
		[]string{"route"},
	)

	streamsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediavault_streams_total",
			Help: "Total number of download/stream responses by outcome",
		},
		[]string{"route", "status"},
	)

	activeStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mediavault_active_streams",
			Help: "Number of file bodies currently being written",
		},
	)

	// Listing metrics
	listingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mediavault_listing_duration_seconds",
			Help:    "Time to build a directory listing",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	// Auth metrics
	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediavault_auth_attempts_total",
			Help: "Total authentication attempts",
		},
		[]string{"result"},
	)

	tokenRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediavault_token_rejections_total",
			Help: "Rejected bearer tokens by internal reason",
		},
		[]string{"reason"},
	)

	rateLimitHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mediavault_rate_limit_hits_total",
			Help: "Login attempts rejected by the rate limiter",
		},
	)

	rateLimitKeys = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mediavault_rate_limit_tracked_clients",
			Help: "Client keys currently tracked by the login rate limiter",
		},
	)

	pathRejectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mediavault_path_rejections_total",
			Help: "Requests rejected because the path escaped the root",
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

// RecordStream records a finished download/stream body.
func RecordStream(route string, bytes int64, success bool) {
	streamBytesTotal.WithLabelValues(route).Add(float64(bytes))
	status := "success"
	if !success {
		status = "aborted"
	}
	streamsTotal.WithLabelValues(route, status).Inc()
}

// StreamStarted increments the active stream gauge and returns the matching decrement.
func StreamStarted() func() {
	activeStreams.Inc()
	return activeStreams.Dec
}

// RecordListing records how long a listing or search took.
func RecordListing(search bool, duration time.Duration) {
	mode := "list"
	if search {
		mode = "search"
	}
	listingDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordAuthAttempt records a login attempt.
func RecordAuthAttempt(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	authAttemptsTotal.WithLabelValues(result).Inc()
}

// RecordTokenRejection records a rejected bearer token.
func RecordTokenRejection(reason string) {
	tokenRejectionsTotal.WithLabelValues(reason).Inc()
}

// RecordRateLimitHit records a rate limited login.
func RecordRateLimitHit() {
	rateLimitHitsTotal.Inc()
}

// SetRateLimitKeys sets the number of tracked rate limiter keys.
func SetRateLimitKeys(n int) {
	rateLimitKeys.Set(float64(n))
}

// RecordPathRejection records a traversal attempt.
func RecordPathRejection() {
	pathRejectionsTotal.Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
// Paths outside known are labelled "other" to bound label cardinality.
func Middleware(known ...string) func(http.Handler) http.Handler {
	routes := make(map[string]bool, len(known))
	for _, p := range known {
		routes[p] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)
			label := r.URL.Path
			if !routes[label] {
				label = "other"
			}
			RecordHTTPRequest(r.Method, label, rw.statusCode, time.Since(start))
		})
	}
}
