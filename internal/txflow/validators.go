package txflow

import (
	"crypto/ed25519"
	"sort"
	"sync"

	"txflow/internal/aggregation"
)

// quorumThreshold is the share of total weight required for quorum (67%).
const quorumThreshold = 67

// Validator is a consensus participant.
type Validator struct {
	ID     Hash                  // ID is the ed25519 public key
	BLSKey aggregation.PublicKey // BLSKey verifies endorsement shares
	Weight uint64                // Weight is the voting weight, at least 1
}

// KeyResolver supplies the signing key known for an author.
type KeyResolver interface {
	SigningKey(id Hash) (ed25519.PublicKey, bool)
}

// ValidatorSet holds the active validators.
// It is safe for concurrent access. Indices are assigned in insertion order
// and are used for signer bitmaps.
type ValidatorSet struct {
	mu          sync.RWMutex
	validators  []Validator
	index       map[Hash]int
	totalWeight uint64
}

// NewValidatorSet creates a validator set. Duplicate IDs are ignored.
func NewValidatorSet(vals []Validator) *ValidatorSet {
	vs := &ValidatorSet{
		validators: make([]Validator, 0, len(vals)),
		index:      make(map[Hash]int, len(vals)),
	}

	for _, v := range vals {
		vs.Add(v)
	}

	return vs
}

// Add adds a validator. Returns false if the ID is already present.
func (vs *ValidatorSet) Add(v Validator) bool {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	if _, exists := vs.index[v.ID]; exists {
		return false
	}

	if v.Weight == 0 {
		v.Weight = 1
	}

	vs.index[v.ID] = len(vs.validators)
	vs.validators = append(vs.validators, v)
	vs.totalWeight += v.Weight

	return true
}

// Contains checks if id is in the set.
func (vs *ValidatorSet) Contains(id Hash) bool {
	vs.mu.RLock()
	defer vs.mu.RUnlock()

	_, exists := vs.index[id]
	return exists
}

// Get returns the validator for id.
func (vs *ValidatorSet) Get(id Hash) (Validator, bool) {
	vs.mu.RLock()
	defer vs.mu.RUnlock()

	i, ok := vs.index[id]
	if !ok {
		return Validator{}, false
	}
	return vs.validators[i], true
}

// Index returns the position of id in the set, or -1 if not found.
func (vs *ValidatorSet) Index(id Hash) int {
	vs.mu.RLock()
	defer vs.mu.RUnlock()

	if i, ok := vs.index[id]; ok {
		return i
	}
	return -1
}

// At returns the validator at index i.
func (vs *ValidatorSet) At(i int) (Validator, bool) {
	vs.mu.RLock()
	defer vs.mu.RUnlock()

	if i < 0 || i >= len(vs.validators) {
		return Validator{}, false
	}
	return vs.validators[i], true
}

// Len returns the number of validators.
func (vs *ValidatorSet) Len() int {
	vs.mu.RLock()
	defer vs.mu.RUnlock()

	return len(vs.validators)
}

// TotalWeight returns the sum of all weights.
func (vs *ValidatorSet) TotalWeight() uint64 {
	vs.mu.RLock()
	defer vs.mu.RUnlock()

	return vs.totalWeight
}

// QuorumWeight returns the minimum weight for quorum (67%, rounded up).
func (vs *ValidatorSet) QuorumWeight() uint64 {
	vs.mu.RLock()
	defer vs.mu.RUnlock()

	return (vs.totalWeight*quorumThreshold + 99) / 100
}

// Weight returns the weight of id, or 0 if unknown.
func (vs *ValidatorSet) Weight(id Hash) uint64 {
	v, ok := vs.Get(id)
	if !ok {
		return 0
	}
	return v.Weight
}

// SigningKey returns the ed25519 key of id. It implements KeyResolver.
func (vs *ValidatorSet) SigningKey(id Hash) (ed25519.PublicKey, bool) {
	if !vs.Contains(id) {
		return nil, false
	}
	return ed25519.PublicKey(id[:]), true
}

// Sorted returns a copy of the validators ordered by ID.
func (vs *ValidatorSet) Sorted() []Validator {
	vs.mu.RLock()
	out := make([]Validator, len(vs.validators))
	copy(out, vs.validators)
	vs.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].ID.Less(out[j].ID)
	})

	return out
}
