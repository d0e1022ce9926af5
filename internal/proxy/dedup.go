package proxy

import (
	"context"
	"sync"
	"time"
)

const (
	// DefaultDedupTTL is how long a seen package digest suppresses copies.
	DefaultDedupTTL = 5 * time.Second

	// cleanupInterval is the minimum time between expiry sweeps.
	cleanupInterval = 1 * time.Second
)

// seenSet tracks recently seen package digests with a TTL.
// Expired entries are swept during Check, so no background goroutine runs.
type seenSet struct {
	mu          sync.Mutex
	seen        map[[32]byte]int64 // digest -> first seen (unix nano)
	ttl         int64
	lastCleanup int64
	now         func() time.Time
}

func newSeenSet(ttl time.Duration) *seenSet {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}

	return &seenSet{
		seen: make(map[[32]byte]int64),
		ttl:  int64(ttl),
		now:  time.Now,
	}
}

// Check returns true if digest is new and records it.
func (s *seenSet) Check(digest [32]byte) bool {
	now := s.now().UnixNano()

	s.mu.Lock()
	defer s.mu.Unlock()

	if now-s.lastCleanup >= int64(cleanupInterval) {
		s.cleanupLocked(now)
	}

	if ts, exists := s.seen[digest]; exists && now-ts < s.ttl {
		return false
	}

	s.seen[digest] = now
	return true
}

// cleanupLocked removes expired entries.
func (s *seenSet) cleanupLocked(now int64) {
	for digest, ts := range s.seen {
		if now-ts >= s.ttl {
			delete(s.seen, digest)
		}
	}

	s.lastCleanup = now
}

// Dedup drops packages whose blake3 digest was already seen within ttl.
// Identical retransmissions and Duplicate copies are removed; packages that
// differ in any field pass.
func Dedup(ttl time.Duration) Handler {
	return dedup(newSeenSet(ttl))
}

func dedup(seen *seenSet) Handler {
	return HandlerFunc(func(in Stream) Stream {
		return StreamFunc(func(ctx context.Context) (*Package, error) {
			for {
				p, err := in.Next(ctx)
				if err != nil {
					return nil, err
				}

				if seen.Check(p.Digest()) {
					return deliver(ctx, p)
				}
			}
		})
	})
}
