package misbehavior

import "sync"

// Reporter collects violations detected anywhere in ingestion.
// Callers depend on this interface only, so a Noop can replace a Recorder.
type Reporter interface {
	// Report takes the violation. It never fails, blocks or filters.
	Report(v Violation)

	// Next removes and returns the most recently reported violation.
	Next() (Violation, bool)
}

// Recorder keeps every reported violation. Next pops the latest first (LIFO).
// It is safe for concurrent use.
type Recorder struct {
	mu         sync.Mutex
	violations []Violation
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Report appends v.
func (r *Recorder) Report(v Violation) {
	r.mu.Lock()
	r.violations = append(r.violations, v)
	r.mu.Unlock()
}

// Next pops the last reported violation.
func (r *Recorder) Next() (Violation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.violations)
	if n == 0 {
		return Violation{}, false
	}

	v := r.violations[n-1]
	r.violations = r.violations[:n-1]

	return v, true
}

// Len returns the number of stored violations.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.violations)
}

// Noop discards every violation. Used where auditing is unnecessary (light clients).
type Noop struct{}

// NewNoop creates a discarding reporter.
func NewNoop() Noop {
	return Noop{}
}

// Report does nothing.
func (Noop) Report(Violation) {}

// Next always returns nothing.
func (Noop) Next() (Violation, bool) {
	return Violation{}, false
}

// Drain pops every stored violation, latest first.
func Drain(r Reporter) []Violation {
	var out []Violation
	for {
		v, ok := r.Next()
		if !ok {
			return out
		}
		out = append(out, v)
	}
}
