package epoch

import (
	"txflow/internal/txflow"
)

// SelectionPolicy picks the representative of an epoch from the messages
// admitted at that epoch. It must be deterministic: the same candidates and
// validators always yield the same answer. ok is false while the policy
// cannot decide yet.
type SelectionPolicy interface {
	Select(epoch uint64, candidates []*txflow.Message, validators *txflow.ValidatorSet) (rep *txflow.Message, ok bool)
}

// RoundRobin rotates leadership over validators sorted by ID: the leader of
// epoch E is sorted[E mod n], and its lowest-hash message at E is the
// representative. The epoch waits until the leader's message is present.
type RoundRobin struct{}

// Select implements SelectionPolicy.
func (RoundRobin) Select(epoch uint64, candidates []*txflow.Message, validators *txflow.ValidatorSet) (*txflow.Message, bool) {
	sorted := validators.Sorted()
	if len(sorted) == 0 {
		return nil, false
	}

	leader := sorted[epoch%uint64(len(sorted))].ID

	var best *txflow.Message
	for _, m := range candidates {
		if m.Author != leader {
			continue
		}

		if best == nil || m.Hash.Less(best.Hash) {
			best = m
		}
	}

	return best, best != nil
}

// Leader returns the validator that leads epoch under RoundRobin.
func (RoundRobin) Leader(epoch uint64, validators *txflow.ValidatorSet) (txflow.Hash, bool) {
	sorted := validators.Sorted()
	if len(sorted) == 0 {
		return txflow.Hash{}, false
	}

	return sorted[epoch%uint64(len(sorted))].ID, true
}

// HeaviestAuthor picks the message of the highest-weight author among the
// candidates. Ties go to the lowest author ID, then the lowest hash.
type HeaviestAuthor struct{}

// Select implements SelectionPolicy.
func (HeaviestAuthor) Select(_ uint64, candidates []*txflow.Message, validators *txflow.ValidatorSet) (*txflow.Message, bool) {
	var (
		best       *txflow.Message
		bestWeight uint64
	)

	for _, m := range candidates {
		w := validators.Weight(m.Author)
		if w == 0 {
			continue
		}

		switch {
		case best == nil, w > bestWeight:
		case w < bestWeight:
			continue
		case m.Author.Less(best.Author):
		case m.Author == best.Author && m.Hash.Less(best.Hash):
		default:
			continue
		}

		best, bestWeight = m, w
	}

	return best, best != nil
}
