package epoch

import (
	"bytes"
	"encoding/binary"

	"github.com/zeebo/blake3"

	"txflow/internal/txflow"
)

// Rendezvous elects the leader of each epoch by rendezvous hashing: every
// validator is scored with BLAKE3(epoch || id) and the highest score leads.
// Unlike RoundRobin the order is unpredictable but still deterministic.
// The leader's lowest-hash message at the epoch is the representative.
type Rendezvous struct{}

// Select implements SelectionPolicy.
func (r Rendezvous) Select(epoch uint64, candidates []*txflow.Message, validators *txflow.ValidatorSet) (*txflow.Message, bool) {
	leader, ok := r.Leader(epoch, validators)
	if !ok {
		return nil, false
	}

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

// Leader returns the validator with the highest rendezvous score for epoch.
// Equal scores cannot happen for distinct IDs.
func (Rendezvous) Leader(epoch uint64, validators *txflow.ValidatorSet) (txflow.Hash, bool) {
	var (
		leader    txflow.Hash
		bestScore [32]byte
		found     bool
	)

	for _, v := range validators.Sorted() {
		score := rendezvousScore(epoch, v.ID)

		if !found || bytes.Compare(score[:], bestScore[:]) > 0 {
			leader, bestScore, found = v.ID, score, true
		}
	}

	return leader, found
}

// rendezvousScore computes BLAKE3(epoch || validator).
func rendezvousScore(epoch uint64, validator txflow.Hash) [32]byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], epoch)

	h := blake3.New()
	h.Write(buf[:])
	h.Write(validator[:])

	var result [32]byte
	h.Sum(result[:0])

	return result
}
