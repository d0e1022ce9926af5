package epoch

import "fmt"

// State is the lifecycle position of one epoch.
type State uint8

const (
	// Collecting gathers messages until a representative can be chosen.
	Collecting State = iota
	// RepresentativeSelected has a fixed representative and counts endorsements.
	RepresentativeSelected
	// Endorsed is final: endorsement weight crossed the threshold.
	Endorsed
	// Stalled timed out before finality.
	Stalled
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Collecting:
		return "Collecting"
	case RepresentativeSelected:
		return "RepresentativeSelected"
	case Endorsed:
		return "Endorsed"
	case Stalled:
		return "Stalled"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Endorsed || s == Stalled
}
