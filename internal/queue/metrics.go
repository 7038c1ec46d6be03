package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the queue's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	active    prometheus.Gauge
	jobsTotal *prometheus.CounterVec
	evicted   prometheus.Counter
	reaped    *prometheus.CounterVec
	wait      prometheus.Histogram
}

// NewMetrics registers the queue metrics against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		active: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ragstream",
			Subsystem: "queue",
			Name:      "active_jobs",
			Help:      "Number of jobs currently being processed by the pool.",
		}),
		jobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ragstream",
			Subsystem: "queue",
			Name:      "jobs_total",
			Help:      "Jobs finished by the pool, partitioned by job name and outcome.",
		}, []string{"name", "outcome"}),
		evicted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ragstream",
			Subsystem: "queue",
			Name:      "evicted_total",
			Help:      "Waiting jobs removed because their client stopped sending heartbeats.",
		}),
		reaped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ragstream",
			Subsystem: "queue",
			Name:      "reaped_total",
			Help:      "Finished jobs removed after the retention window, partitioned by state.",
		}, []string{"state"}),
		wait: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ragstream",
			Subsystem: "queue",
			Name:      "wait_seconds",
			Help:      "Time a job spent waiting between admission and claim.",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),
	}
}

func (m *Metrics) started(j *Job) {
	if m == nil {
		return
	}
	m.active.Inc()
	m.wait.Observe(j.StartedAt.Sub(j.CreatedAt).Seconds())
}

func (m *Metrics) finished(j *Job, outcome string) {
	if m == nil {
		return
	}
	m.active.Dec()
	m.jobsTotal.WithLabelValues(string(j.Name), outcome).Inc()
}

func (m *Metrics) evict() {
	if m == nil {
		return
	}
	m.evicted.Inc()
}

func (m *Metrics) reap(state State, n int64) {
	if m == nil || n == 0 {
		return
	}
	m.reaped.WithLabelValues(string(state)).Add(float64(n))
}
