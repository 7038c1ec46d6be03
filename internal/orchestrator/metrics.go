package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the orchestrator's Prometheus collectors. A nil *Metrics
// records nothing.
type Metrics struct {
	turns           *prometheus.CounterVec
	retries         prometheus.Counter
	fragments       prometheus.Counter
	persistFailures prometheus.Counter
}

// NewMetrics registers the orchestrator metrics against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		turns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ragstream",
			Subsystem: "generation",
			Name:      "turns_total",
			Help:      "Generation turns handled, partitioned by outcome.",
		}, []string{"outcome"}),
		retries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ragstream",
			Subsystem: "generation",
			Name:      "retries_total",
			Help:      "Turns re-queued after the upstream reported no free slot.",
		}),
		fragments: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ragstream",
			Subsystem: "generation",
			Name:      "fragments_total",
			Help:      "Text fragments received from the upstream model.",
		}),
		persistFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ragstream",
			Subsystem: "generation",
			Name:      "persist_failures_total",
			Help:      "Assistant-side embedding or storage failures.",
		}),
	}
}

func (m *Metrics) outcome(o string) {
	if m != nil {
		m.turns.WithLabelValues(o).Inc()
	}
}

func (m *Metrics) retry() {
	if m != nil {
		m.retries.Inc()
	}
}

func (m *Metrics) fragment() {
	if m != nil {
		m.fragments.Inc()
	}
}

func (m *Metrics) persistFailure() {
	if m != nil {
		m.persistFailures.Inc()
	}
}
