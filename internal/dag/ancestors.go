package dag

import (
	"iter"

	"txflow/internal/txflow"
)

// Ancestors returns the transitive closure of h over parent edges, breadth
// first, each hash once. The sequence is lazy and can be iterated again; each
// step reads the store under its read lock. An unknown h yields nothing.
func (s *Store) Ancestors(h txflow.Hash) iter.Seq[txflow.Hash] {
	return func(yield func(txflow.Hash) bool) {
		seen := make(map[txflow.Hash]struct{})
		queue := s.parents(h)

		for len(queue) > 0 {
			next := queue[0]
			queue = queue[1:]

			if _, ok := seen[next]; ok {
				continue
			}
			seen[next] = struct{}{}

			if !yield(next) {
				return
			}

			queue = append(queue, s.parents(next)...)
		}
	}
}

// parents returns the parent hashes of h. The slice belongs to an
// admitted message and is never modified.
func (s *Store) parents(h txflow.Hash) []txflow.Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if m, ok := s.messages[h]; ok {
		return m.Parents
	}

	return nil
}

// IsAncestor reports whether a is a strict ancestor of b.
func (s *Store) IsAncestor(a, b txflow.Hash) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.isAncestorLocked(a, b)
}

// reachKey identifies an (ancestor, descendant) query.
type reachKey [2 * txflow.HashSize]byte

func newReachKey(a, b txflow.Hash) reachKey {
	var k reachKey
	copy(k[:txflow.HashSize], a[:])
	copy(k[txflow.HashSize:], b[:])
	return k
}

// isAncestorLocked walks parent edges from b looking for a.
// Epochs never decrease along child edges, so any message with an epoch
// below a's cannot reach a and is not expanded. Answers are cached; both
// endpoints are admitted, so a cached answer never changes.
func (s *Store) isAncestorLocked(a, b txflow.Hash) bool {
	target, ok := s.messages[a]
	if !ok {
		return false
	}

	from, ok := s.messages[b]
	if !ok || a == b {
		return false
	}

	key := newReachKey(a, b)
	if v, ok := s.reach.Get(key); ok {
		return v.(bool)
	}

	found := false
	seen := make(map[txflow.Hash]struct{})
	queue := append([]txflow.Hash(nil), from.Parents...)

	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]

		if h == a {
			found = true
			break
		}

		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}

		m := s.messages[h]
		if m == nil || m.Epoch < target.Epoch {
			continue
		}

		queue = append(queue, m.Parents...)
	}

	s.reach.Add(key, found)

	return found
}
