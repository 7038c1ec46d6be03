package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// labelHandler partitions HTTP metrics by route pattern rather than raw
// path, keeping collection names out of label values.
const labelHandler = "handler"

// serverMetrics holds all Prometheus metrics owned by the HTTP server.
type serverMetrics struct {
	// chatRequestsTotal counts /chat requests by outcome: queued, routed,
	// rejected or error.
	chatRequestsTotal *prometheus.CounterVec

	// chatDurationSeconds records how long a /chat response stayed open,
	// queue wait included.
	chatDurationSeconds *prometheus.HistogramVec

	// chatActiveStreams is the number of /chat responses currently open.
	chatActiveStreams prometheus.Gauge

	// httpRequestsTotal counts all HTTP requests by method, route and code.
	httpRequestsTotal *prometheus.CounterVec

	// httpDurationSeconds records the latency of all HTTP requests.
	httpDurationSeconds *prometheus.HistogramVec
}

// newServerMetrics registers the server metrics against reg. Tests pass a
// fresh prometheus.Registry so registrations never collide.
func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	factory := promauto.With(reg)

	return &serverMetrics{
		chatRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ragstream",
			Subsystem: "chat",
			Name:      "requests_total",
			Help:      "Total number of /chat requests, partitioned by outcome.",
		}, []string{"outcome"}),

		chatDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ragstream",
			Subsystem: "chat",
			Name:      "duration_seconds",
			Help:      "Time a /chat response stayed open, from receipt to stream end.",
			Buckets:   []float64{0.5, 1, 5, 10, 30, 60, 120, 300},
		}, []string{"outcome"}),

		chatActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ragstream",
			Subsystem: "chat",
			Name:      "active_streams",
			Help:      "Number of /chat responses currently open.",
		}),

		httpRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ragstream",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled by the server, partitioned by method, handler, and status code.",
		}, []string{"method", labelHandler, "code"}),

		httpDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ragstream",
			Subsystem: "http",
			Name:      "duration_seconds",
			Help:      "Latency of HTTP requests handled by the server.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", labelHandler}),
	}
}

// instrument records request count and latency for every request served by
// next. The handler label is the matched mux pattern, filled in by the mux
// on the shared request.
func (m *serverMetrics) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rw, r)

		handler := r.Pattern
		if handler == "" {
			handler = "unmatched"
		}
		m.httpRequestsTotal.WithLabelValues(r.Method, handler, strconv.Itoa(rw.status)).Inc()
		m.httpDurationSeconds.WithLabelValues(r.Method, handler).Observe(time.Since(start).Seconds())
	})
}
