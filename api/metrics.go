package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics for the HTTP surface.
var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionkernel_http_requests_total",
			Help: "Total HTTP requests by handler, method, and status",
		},
		[]string{"handler", "method", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sessionkernel_http_request_duration_seconds",
			Help:    "HTTP request duration by handler and method",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"handler", "method"},
	)

	streamSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sessionkernel_stream_subscribers",
			Help: "Currently connected state-stream subscribers",
		},
	)

	rateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionkernel_rate_limited_total",
			Help: "Requests rejected by the per-client rate limiter",
		},
		[]string{"scope"},
	)
)

// RegisterMetrics registers the HTTP metrics with the default registry.
// Call once at startup.
func RegisterMetrics() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(streamSubscribers)
	prometheus.MustRegister(rateLimitedTotal)
}

// instrument wraps a handler with request counting and latency
// observation.
func instrument(name string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		handler(wrapped, r)

		httpRequestDuration.WithLabelValues(name, r.Method).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(name, r.Method, strconv.Itoa(wrapped.status)).Inc()
	}
}

// statusWriter captures the response status for instrumentation. It
// forwards Flush so streaming handlers keep working when wrapped.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
