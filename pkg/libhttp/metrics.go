package libhttp

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "libhttp_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "libhttp_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "libhttp_requests_in_flight",
			Help: "Current number of HTTP requests being served",
		},
	)
)

// MetricsConfig holds configuration for the Prometheus metrics middleware.
type MetricsConfig struct {
	// SkipPaths lists paths excluded from collection (e.g. /metrics).
	SkipPaths []string
}

// DefaultMetricsConfig returns a MetricsConfig with sensible defaults.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{SkipPaths: []string{"/metrics"}}
}

// Metrics returns a middleware that records Prometheus metrics per
// request.
func Metrics() Middleware {
	return MetricsWithConfig(DefaultMetricsConfig())
}

// MetricsWithConfig returns a metrics middleware with explicit settings.
func MetricsWithConfig(config MetricsConfig) Middleware {
	skip := make(map[string]bool, len(config.SkipPaths))
	for _, path := range config.SkipPaths {
		skip[path] = true
	}

	return func(next Handler) Handler {
		return func(req *Request) (*Response, error) {
			if skip[req.Path] {
				return next(req)
			}

			start := time.Now()
			httpRequestsInFlight.Inc()
			defer httpRequestsInFlight.Dec()

			resp, err := next(req)

			status := "500"
			if err == nil && resp != nil {
				status = strconv.Itoa(resp.StatusCode)
			}
			duration := time.Since(start).Seconds()
			httpRequestsTotal.WithLabelValues(req.Method, req.Path, status).Inc()
			httpRequestDuration.WithLabelValues(req.Method, req.Path, status).Observe(duration)

			return resp, err
		}
	}
}
