package memory

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	Operations      *prometheus.CounterVec
	OperationTime   *prometheus.HistogramVec
	TierTransitions prometheus.Counter
	SearchResults   prometheus.Histogram
}

// NewMetrics registers the engine collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Operations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentmem_operations_total",
			Help: "Memory operations by name, kind and outcome",
		}, []string{"op", "kind", "outcome"}),

		OperationTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentmem_operation_duration_seconds",
			Help:    "Memory operation latency in seconds",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"op"}),

		TierTransitions: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentmem_tier_transitions_total",
			Help: "Events whose tier changed during a tiering pass",
		}),

		SearchResults: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentmem_search_results",
			Help:    "Results returned per search after merging",
			Buckets: prometheus.LinearBuckets(0, 5, 11),
		}),
	}
}

func (m *Metrics) observe(op string, kind Kind, start time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	switch {
	case err == nil:
	case IsValidation(err):
		outcome = "invalid"
	case IsUnknownKind(err):
		outcome = "unknown_kind"
	case IsConsistency(err):
		outcome = "inconsistent"
	default:
		outcome = "error"
	}
	m.Operations.WithLabelValues(op, string(kind), outcome).Inc()
	m.OperationTime.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *Metrics) observeRetier(changed int64) {
	if m == nil || changed <= 0 {
		return
	}
	m.TierTransitions.Add(float64(changed))
}

func (m *Metrics) observeSearch(n int) {
	if m == nil {
		return
	}
	m.SearchResults.Observe(float64(n))
}
