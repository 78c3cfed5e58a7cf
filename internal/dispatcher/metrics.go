package dispatcher

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Run outcomes used as the outcome label of spdispatch_runs_total.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// Metrics are the dispatcher's Prometheus collectors.
type Metrics struct {
	Claims        prometheus.Counter
	Runs          *prometheus.CounterVec
	MissingClaims prometheus.Counter
	Unfinished    prometheus.Gauge
	RunDuration   prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer, problemType string) *Metrics {
	labels := prometheus.Labels{"prob_type": problemType}

	m := &Metrics{
		Claims: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "spdispatch",
			Name:        "claims_total",
			Help:        "Experiments claimed by this dispatcher.",
			ConstLabels: labels,
		}),
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "spdispatch",
			Name:        "runs_total",
			Help:        "Experiment runs by outcome.",
			ConstLabels: labels,
		}, []string{"outcome"}),
		MissingClaims: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "spdispatch",
			Name:        "missing_claims_total",
			Help:        "Releases of claims that were no longer in the ledger.",
			ConstLabels: labels,
		}),
		Unfinished: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "spdispatch",
			Name:        "unfinished",
			Help:        "Parameters neither finished nor in progress at the last poll.",
			ConstLabels: labels,
		}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "spdispatch",
			Name:        "run_duration_seconds",
			Help:        "Wall time of experiment runs.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(60, 2, 12),
		}),
	}

	if reg != nil {
		reg.MustRegister(m.Claims, m.Runs, m.MissingClaims, m.Unfinished, m.RunDuration)
	}
	return m
}
