package misbehavior

import (
	"log/slog"

	"txflow/internal/metrics"
)

// observed logs and counts violations before forwarding them.
type observed struct {
	next    Reporter
	log     *slog.Logger
	metrics *metrics.Metrics
}

// Observed wraps r so every report is logged at WARN and counted by kind.
// A nil log uses the default logger; m may be nil.
func Observed(r Reporter, log *slog.Logger, m *metrics.Metrics) Reporter {
	if log == nil {
		log = slog.Default()
	}
	return &observed{next: r, log: log, metrics: m}
}

// Report logs, counts and forwards v.
func (o *observed) Report(v Violation) {
	o.log.Warn("protocol violation", "violation", v.String())
	o.metrics.Violation(v.Kind.String())
	o.next.Report(v)
}

// Next forwards to the wrapped reporter.
func (o *observed) Next() (Violation, bool) {
	return o.next.Next()
}
