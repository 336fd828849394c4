package txn

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ariefcatur/go-checkout-engine/internal/apperr"
)

const (
	outcomeCommitted = "committed"
	outcomeFailed    = "failed"
	outcomeExhausted = "exhausted"
	outcomeAborted   = "aborted"
)

// Metrics collects executor outcomes. A nil *Metrics records nothing.
type Metrics struct {
	calls    *prometheus.CounterVec
	retries  *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "txn",
			Name:      "calls_total",
			Help:      "Transactional calls by final outcome.",
		}, []string{"outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "txn",
			Name:      "retries_total",
			Help:      "Transaction attempts retried, by error kind.",
		}, []string{"kind"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "txn",
			Name:      "duration_seconds",
			Help:      "Wall time of a transactional call including retries.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.calls, m.retries, m.duration)
	return m
}

func (m *Metrics) observe(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(outcome).Inc()
	m.duration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) retried(kind apperr.Kind) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(string(kind)).Inc()
}
