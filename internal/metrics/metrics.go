package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "txflow"

// Metrics holds the consensus core collectors.
// All methods are safe on a nil receiver so components can run without metrics.
type Metrics struct {
	admitted   prometheus.Counter
	rejected   *prometheus.CounterVec
	violations *prometheus.CounterVec
	packages   *prometheus.CounterVec
	finalized  prometheus.Counter
	stalled    prometheus.Counter
	orphans    prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		admitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dag",
			Name:      "admitted_total",
			Help:      "Messages admitted into the DAG.",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dag",
			Name:      "rejected_total",
			Help:      "Messages refused admission, by reason.",
		}, []string{"reason"}),
		violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "violations_total",
			Help:      "Protocol violations reported, by kind.",
		}, []string{"kind"}),
		packages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "packages_total",
			Help:      "Packages seen by proxy stages, by stage.",
		}, []string{"stage"}),
		finalized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "epoch",
			Name:      "finalized_total",
			Help:      "Epochs whose representative reached the endorsement threshold.",
		}),
		stalled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "epoch",
			Name:      "stalled_total",
			Help:      "Epochs that timed out before endorsement.",
		}),
		orphans: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dag",
			Name:      "orphans",
			Help:      "Messages waiting for missing parents.",
		}),
	}

	collectors := []prometheus.Collector{
		m.admitted, m.rejected, m.violations, m.packages,
		m.finalized, m.stalled, m.orphans,
	}

	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register collector:\n%w", err)
		}
	}

	return m, nil
}

// Admitted counts one admitted message.
func (m *Metrics) Admitted() {
	if m != nil {
		m.admitted.Inc()
	}
}

// Rejected counts one refused message.
func (m *Metrics) Rejected(reason string) {
	if m != nil {
		m.rejected.WithLabelValues(reason).Inc()
	}
}

// Violation counts one reported violation.
func (m *Metrics) Violation(kind string) {
	if m != nil {
		m.violations.WithLabelValues(kind).Inc()
	}
}

// Package counts one package passing a proxy stage.
func (m *Metrics) Package(stage string) {
	if m != nil {
		m.packages.WithLabelValues(stage).Inc()
	}
}

// Finalized counts one endorsed epoch.
func (m *Metrics) Finalized() {
	if m != nil {
		m.finalized.Inc()
	}
}

// Stalled counts one stalled epoch.
func (m *Metrics) Stalled() {
	if m != nil {
		m.stalled.Inc()
	}
}

// SetOrphans records the orphan pool size.
func (m *Metrics) SetOrphans(n int) {
	if m != nil {
		m.orphans.Set(float64(n))
	}
}
