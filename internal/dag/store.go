package dag

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"txflow/internal/metrics"
	"txflow/internal/misbehavior"
	"txflow/internal/storage"
	"txflow/internal/txflow"
)

// defaultReachCacheSize bounds the memoized ancestor queries.
const defaultReachCacheSize = 16384

// Store holds admitted messages keyed by hash together with their edges.
// Admission is serialized; readers never observe a partially admitted message.
// Messages returned by the store are shared and must not be modified.
type Store struct {
	keys     txflow.KeyResolver
	reporter misbehavior.Reporter
	db       *storage.Storage
	metrics  *metrics.Metrics
	log      *slog.Logger

	mu       sync.RWMutex
	messages map[txflow.Hash]*txflow.Message
	children map[txflow.Hash][]txflow.Hash
	byEpoch  map[uint64][]txflow.Hash
	heads    map[txflow.Hash][]txflow.Hash // per author, messages not superseded by a descendant
	tips     map[txflow.Hash]struct{}      // messages without children
	seq      uint64                        // admission counter, used as persistence order

	reachSize int
	reach     *lru.Cache // reachKey -> bool
}

// Option configures a Store.
type Option func(*Store)

// WithStorage persists admitted messages and reloads them on creation.
func WithStorage(db *storage.Storage) Option {
	return func(s *Store) {
		s.db = db
	}
}

// WithMetrics records admissions and rejections.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.log = l
	}
}

// WithReachCacheSize bounds the ancestor-query cache.
func WithReachCacheSize(n int) Option {
	return func(s *Store) {
		s.reachSize = n
	}
}

// New creates a store that verifies authors against keys and reports
// violations to reporter. With storage attached, persisted messages are
// replayed in admission order without re-reporting violations.
func New(keys txflow.KeyResolver, reporter misbehavior.Reporter, opts ...Option) (*Store, error) {
	s := &Store{
		keys:      keys,
		reporter:  reporter,
		log:       slog.Default(),
		messages:  make(map[txflow.Hash]*txflow.Message),
		children:  make(map[txflow.Hash][]txflow.Hash),
		byEpoch:   make(map[uint64][]txflow.Hash),
		heads:     make(map[txflow.Hash][]txflow.Hash),
		tips:      make(map[txflow.Hash]struct{}),
		reachSize: defaultReachCacheSize,
	}

	for _, opt := range opts {
		opt(s)
	}

	cache, err := lru.New(s.reachSize)
	if err != nil {
		return nil, fmt.Errorf("create reach cache:\n%w", err)
	}
	s.reach = cache

	if s.db != nil {
		if err := s.replay(); err != nil {
			return nil, fmt.Errorf("replay persisted messages:\n%w", err)
		}
	}

	return s, nil
}

// Admit validates m and, on success, adds it to the DAG.
// Checks run in order: duplicate, unknown author, signature, missing parents,
// epoch monotonicity. A bad signature or a bad epoch is reported before the
// error is returned. After insertion the author's heads are compared with m
// and every head that is not an ancestor of m is reported as a fork.
func (s *Store) Admit(m *txflow.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked(m); err != nil {
		s.metrics.Rejected(rejectReason(err))
		return err
	}

	stored := cloneMessage(m)
	s.insertLocked(stored)
	s.persistLocked(stored)

	for _, old := range s.advanceHeadsLocked(stored) {
		s.reporter.Report(misbehavior.NewForkAttempt(old, stored.Hash))
	}

	s.metrics.Admitted()

	s.log.Debug("message admitted",
		"hash", stored.Hash,
		"epoch", stored.Epoch,
		"author", stored.Author,
		"parents", len(stored.Parents),
	)

	return nil
}

// checkLocked runs admission checks (caller must hold the write lock).
func (s *Store) checkLocked(m *txflow.Message) error {
	if _, exists := s.messages[m.Hash]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicate, m.Hash)
	}

	key, ok := s.keys.SigningKey(m.Author)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAuthor, m.Author)
	}

	if !txflow.VerifySignature(m, key) {
		s.reporter.Report(misbehavior.NewInvalidSignature(m.Hash))
		return fmt.Errorf("%w: %s", ErrInvalidSignature, m.Hash)
	}

	var maxParentEpoch uint64
	for _, p := range m.Parents {
		parent, ok := s.messages[p]
		if !ok {
			return fmt.Errorf("%w: %s references %s", ErrMissingParent, m.Hash, p)
		}

		if parent.Epoch > maxParentEpoch {
			maxParentEpoch = parent.Epoch
		}
	}

	if m.Epoch < maxParentEpoch {
		s.reporter.Report(misbehavior.NewBadEpoch(m.Hash))
		return fmt.Errorf("%w: %s has epoch %d, parent epoch %d", ErrBadEpoch, m.Hash, m.Epoch, maxParentEpoch)
	}

	return nil
}

// insertLocked records m and its edges (caller must hold the write lock).
func (s *Store) insertLocked(m *txflow.Message) {
	s.messages[m.Hash] = m
	s.byEpoch[m.Epoch] = append(s.byEpoch[m.Epoch], m.Hash)

	for _, p := range m.Parents {
		s.children[p] = append(s.children[p], m.Hash)
		delete(s.tips, p)
	}

	s.tips[m.Hash] = struct{}{}
	s.seq++
}

// advanceHeadsLocked replaces the author's heads that m descends from and
// returns the heads m forks from.
func (s *Store) advanceHeadsLocked(m *txflow.Message) []txflow.Hash {
	var kept, forks []txflow.Hash

	for _, h := range s.heads[m.Author] {
		if s.isAncestorLocked(h, m.Hash) {
			continue
		}

		kept = append(kept, h)
		forks = append(forks, h)
	}

	s.heads[m.Author] = append(kept, m.Hash)

	return forks
}

// Get returns the message for h, or nil.
func (s *Store) Get(h txflow.Hash) *txflow.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.messages[h]
}

// Has reports whether h is admitted.
func (s *Store) Has(h txflow.Hash) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.messages[h]
	return ok
}

// Len returns the number of admitted messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.messages)
}

// MissingParents returns the parents of m that are not admitted yet.
func (s *Store) MissingParents(m *txflow.Message) []txflow.Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var missing []txflow.Hash
	for _, p := range m.Parents {
		if _, ok := s.messages[p]; !ok {
			missing = append(missing, p)
		}
	}

	return missing
}

// ByEpoch returns the hashes admitted at epoch e, in admission order.
func (s *Store) ByEpoch(e uint64) []txflow.Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]txflow.Hash(nil), s.byEpoch[e]...)
}

// Children returns the hashes that reference h as a parent.
func (s *Store) Children(h txflow.Hash) []txflow.Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]txflow.Hash(nil), s.children[h]...)
}

// Heads returns the author's current heads. More than one head means the
// author has forked.
func (s *Store) Heads(author txflow.Hash) []txflow.Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]txflow.Hash(nil), s.heads[author]...)
}

// Tips returns the messages without children, sorted by hash.
func (s *Store) Tips() []txflow.Hash {
	s.mu.RLock()
	tips := make([]txflow.Hash, 0, len(s.tips))
	for h := range s.tips {
		tips = append(tips, h)
	}
	s.mu.RUnlock()

	sort.Slice(tips, func(i, j int) bool {
		return tips[i].Less(tips[j])
	})

	return tips
}

// Messages returns every admitted message with parents before children:
// ascending epoch, admission order within an epoch.
func (s *Store) Messages() []*txflow.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	epochs := make([]uint64, 0, len(s.byEpoch))
	for e := range s.byEpoch {
		epochs = append(epochs, e)
	}
	sort.Slice(epochs, func(i, j int) bool { return epochs[i] < epochs[j] })

	out := make([]*txflow.Message, 0, len(s.messages))
	for _, e := range epochs {
		for _, h := range s.byEpoch[e] {
			out = append(out, s.messages[h])
		}
	}

	return out
}

// MaxEpoch returns the highest admitted epoch, or 0 for an empty store.
func (s *Store) MaxEpoch() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var highest uint64
	for e := range s.byEpoch {
		if e > highest {
			highest = e
		}
	}

	return highest
}

// cloneMessage copies m so later caller mutations cannot reach the DAG.
func cloneMessage(m *txflow.Message) *txflow.Message {
	c := *m
	c.Parents = append([]txflow.Hash(nil), m.Parents...)
	c.Payload = append([]byte(nil), m.Payload...)
	c.Signature = append([]byte(nil), m.Signature...)
	return &c
}
