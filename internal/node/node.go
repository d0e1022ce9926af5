package node

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"txflow/internal/aggregation"
	"txflow/internal/dag"
	"txflow/internal/epoch"
	"txflow/internal/metrics"
	"txflow/internal/misbehavior"
	"txflow/internal/proxy"
	"txflow/internal/storage"
	"txflow/internal/txflow"
)

const (
	// defaultMaxOrphans bounds messages held while their parents are missing.
	defaultMaxOrphans = 4096

	// timeoutCheckInterval is how often epoch deadlines are checked.
	timeoutCheckInterval = 100 * time.Millisecond
)

// Broadcaster sends packages to every connected peer.
type Broadcaster interface {
	Broadcast(p *proxy.Package) error
}

// Config holds the configuration for a Node.
type Config struct {
	PrivateKey   ed25519.PrivateKey    // PrivateKey signs messages; its public key is the node ID
	Validators   *txflow.ValidatorSet  // Validators is the active validator set
	Reporter     misbehavior.Reporter  // Reporter receives protocol violations
	Broadcaster  Broadcaster           // Broadcaster sends outbound packages (optional)
	Storage      *storage.Storage      // Storage persists the DAG (optional)
	Metrics      *metrics.Metrics      // Metrics records pipeline counters (optional)
	Logger       *slog.Logger          // Logger defaults to slog.Default()
	Policy       epoch.SelectionPolicy // Policy defaults to epoch.RoundRobin
	Threshold    uint64                // Threshold defaults to the validators' quorum weight
	EpochTimeout time.Duration         // EpochTimeout stalls epochs not endorsed in time; 0 disables
	MaxOrphans   int                   // MaxOrphans bounds the orphan pool
	Compress     bool                  // Compress zstd-compresses outbound payloads
}

// Node ties the DAG store and the epoch engine to the network: it admits
// inbound messages, endorses selected representatives and proposes new
// messages on top of the current tips.
type Node struct {
	id         txflow.Hash
	privateKey ed25519.PrivateKey
	blsKey     *aggregation.KeyPair
	validators *txflow.ValidatorSet
	reporter   misbehavior.Reporter
	out        Broadcaster
	store      *dag.Store
	engine     *epoch.Engine
	metrics    *metrics.Metrics
	log        *slog.Logger

	timeout    time.Duration
	maxOrphans int
	compress   bool
	seq        atomic.Uint64

	mu      sync.Mutex
	current uint64                          // epoch used for new proposals
	orphans map[txflow.Hash]*txflow.Message // held until all parents are admitted
	waiting map[txflow.Hash][]txflow.Hash   // missing parent -> orphans waiting on it
	started map[uint64]time.Time            // first activity per open epoch
	changed chan struct{}                   // closed and replaced on every finality
}

// New creates a node and its DAG store and epoch engine.
func New(cfg Config) (*Node, error) {
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}

	if cfg.Validators == nil || cfg.Validators.Len() == 0 {
		return nil, fmt.Errorf("validator set is required")
	}

	blsKey, err := aggregation.DeriveFromED25519(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("derive bls key:\n%w", err)
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	reporter := cfg.Reporter
	if reporter == nil {
		reporter = misbehavior.NewNoop()
	}

	maxOrphans := cfg.MaxOrphans
	if maxOrphans == 0 {
		maxOrphans = defaultMaxOrphans
	}

	var id txflow.Hash
	copy(id[:], cfg.PrivateKey.Public().(ed25519.PublicKey))

	n := &Node{
		id:         id,
		privateKey: cfg.PrivateKey,
		blsKey:     blsKey,
		validators: cfg.Validators,
		reporter:   reporter,
		out:        cfg.Broadcaster,
		metrics:    cfg.Metrics,
		log:        log.With("node", id),
		timeout:    cfg.EpochTimeout,
		maxOrphans: maxOrphans,
		compress:   cfg.Compress,
		orphans:    make(map[txflow.Hash]*txflow.Message),
		waiting:    make(map[txflow.Hash][]txflow.Hash),
		started:    make(map[uint64]time.Time),
		changed:    make(chan struct{}),
	}

	storeOpts := []dag.Option{dag.WithMetrics(cfg.Metrics), dag.WithLogger(n.log)}
	if cfg.Storage != nil {
		storeOpts = append(storeOpts, dag.WithStorage(cfg.Storage))
	}

	store, err := dag.New(cfg.Validators, reporter, storeOpts...)
	if err != nil {
		return nil, fmt.Errorf("create dag store:\n%w", err)
	}
	n.store = store

	engineOpts := []epoch.Option{
		epoch.WithSelectionHandler(n.endorse),
		epoch.WithFinalityHandler(n.finalize),
		epoch.WithMetrics(cfg.Metrics),
		epoch.WithLogger(n.log),
	}
	if cfg.Policy != nil {
		engineOpts = append(engineOpts, epoch.WithPolicy(cfg.Policy))
	}
	if cfg.Threshold > 0 {
		engineOpts = append(engineOpts, epoch.WithThreshold(cfg.Threshold))
	}

	n.engine = epoch.New(cfg.Validators, store, reporter, engineOpts...)

	n.rebuildEngine()

	return n, nil
}

// rebuildEngine feeds stored messages to the engine in epoch order and
// resumes proposing at the highest stored epoch at the earliest.
func (n *Node) rebuildEngine() {
	if n.store.Len() == 0 {
		return
	}

	for _, m := range n.store.Messages() {
		n.engine.Observe(m)
	}

	highest := n.store.MaxEpoch()

	n.mu.Lock()
	if highest > n.current {
		n.current = highest
	}
	n.mu.Unlock()
}

// Restore admits messages and adopts certificates taken from a peer's
// snapshot. Messages must be ordered parents first. Certified epochs are
// finalized directly; restored epochs get no endorsement deadline.
// Returns the number of newly admitted messages.
func (n *Node) Restore(msgs []*txflow.Message, certs []*epoch.Certificate) (int, error) {
	var admitted int
	var released []*txflow.Message

	for _, m := range msgs {
		err := n.store.Admit(m)
		switch {
		case err == nil:
			admitted++
			released = append(released, n.releaseOrphans(m.Hash)...)
		case errors.Is(err, dag.ErrDuplicate):
		default:
			return admitted, fmt.Errorf("restore message %s:\n%w", m.Hash, err)
		}
	}

	for _, c := range certs {
		if _, err := n.engine.Adopt(c); err != nil {
			return admitted, fmt.Errorf("adopt certificate of epoch %d:\n%w", c.Epoch, err)
		}
	}

	n.rebuildEngine()

	for _, m := range released {
		n.Submit(m)
	}

	n.log.Info("restored from snapshot", "messages", admitted, "certificates", len(certs), "epoch", n.CurrentEpoch())

	return admitted, nil
}

// ID returns the node's validator ID.
func (n *Node) ID() txflow.Hash {
	return n.id
}

// Store returns the node's DAG store.
func (n *Node) Store() *dag.Store {
	return n.store
}

// Engine returns the node's epoch engine.
func (n *Node) Engine() *epoch.Engine {
	return n.engine
}

// Reporter returns the node's misbehavior reporter.
func (n *Node) Reporter() misbehavior.Reporter {
	return n.reporter
}

// CurrentEpoch returns the epoch used for new proposals.
func (n *Node) CurrentEpoch() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.current
}

// Orphans returns the number of messages waiting for parents.
func (n *Node) Orphans() int {
	n.mu.Lock()
	defer n.mu.Unlock()

	return len(n.orphans)
}

// Run consumes in until it ends or ctx is done. Stage errors are logged
// and skipped. With an epoch timeout configured, open epochs that are not
// endorsed in time are stalled. Returns nil on io.EOF.
func (n *Node) Run(ctx context.Context, in proxy.Stream) error {
	ctx, cancel := context.WithCancel(ctx)

	var wg sync.WaitGroup
	if n.timeout > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.timeoutLoop(ctx)
		}()
	}
	defer func() {
		cancel()
		wg.Wait()
	}()

	for {
		p, err := in.Next(ctx)
		switch {
		case err == nil:
			n.Handle(p)
		case errors.Is(err, io.EOF):
			return nil
		case proxy.IsStageError(err):
			n.log.Warn("proxy stage failed", "error", err)
		default:
			return err
		}
	}
}

// Handle decodes and processes one inbound package.
func (n *Node) Handle(p *proxy.Package) {
	switch p.Kind {
	case proxy.KindMessage:
		m, err := txflow.DecodeMessage(p.Payload)
		if err != nil {
			n.reportMismatch(err)
			n.log.Debug("malformed message", "from", p.From, "seq", p.Seq, "error", err)
			return
		}

		n.Submit(m)

	case proxy.KindEndorsement:
		e, err := txflow.DecodeEndorsement(p.Payload)
		if err != nil {
			n.log.Debug("malformed endorsement", "from", p.From, "seq", p.Seq, "error", err)
			return
		}

		if _, err := n.engine.AddEndorsement(e); err != nil {
			n.log.Debug("endorsement rejected", "epoch", e.Epoch, "validator", e.Validator, "error", err)
		}

	default:
		n.log.Debug("unknown package kind", "kind", p.Kind, "from", p.From)
	}
}

// reportMismatch reports a message of a known author whose content does not
// hash to its claimed hash as InvalidSignature of the claimed hash.
func (n *Node) reportMismatch(err error) {
	var mismatch *txflow.HashMismatchError
	if errors.As(err, &mismatch) && n.validators.Contains(mismatch.Author) {
		n.reporter.Report(misbehavior.NewInvalidSignature(mismatch.Claimed))
	}
}

// Submit admits m, holding it as an orphan while parents are missing.
// Orphans whose parents all arrive are admitted in turn.
func (n *Node) Submit(m *txflow.Message) {
	queue := []*txflow.Message{m}

	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]

		err := n.store.Admit(next)
		switch {
		case err == nil:
			n.observe(next)
			queue = append(queue, n.releaseOrphans(next.Hash)...)

		case errors.Is(err, dag.ErrMissingParent):
			if n.holdOrphan(next) {
				queue = append(queue, next)
			}

		case errors.Is(err, dag.ErrDuplicate):

		default:
			n.log.Debug("message rejected", "hash", next.Hash, "author", next.Author, "error", err)
		}
	}
}

// observe passes an admitted message to the engine and opens its epoch deadline.
func (n *Node) observe(m *txflow.Message) {
	n.mu.Lock()
	if _, ok := n.started[m.Epoch]; !ok {
		n.started[m.Epoch] = time.Now()
	}
	n.mu.Unlock()

	n.engine.Observe(m)
}

// holdOrphan keeps m until its missing parents are admitted. Parents
// admitted while m was being registered are caught by a second check, so
// m is either waiting on a parent not yet admitted or handed back for
// admission.
func (n *Node) holdOrphan(m *txflow.Message) (ready bool) {
	missing := n.store.MissingParents(m)

	n.mu.Lock()
	if _, ok := n.orphans[m.Hash]; ok {
		n.mu.Unlock()
		return false
	}

	if held := len(n.orphans); held >= n.maxOrphans {
		n.mu.Unlock()
		n.log.Warn("orphan pool full, dropping message", "hash", m.Hash, "orphans", held)
		return false
	}

	n.orphans[m.Hash] = m
	for _, p := range missing {
		n.waiting[p] = append(n.waiting[p], m.Hash)
	}
	n.metrics.SetOrphans(len(n.orphans))
	n.mu.Unlock()

	if len(n.store.MissingParents(m)) > 0 {
		return false
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.orphans[m.Hash]; !ok {
		return false
	}

	delete(n.orphans, m.Hash)
	n.metrics.SetOrphans(len(n.orphans))

	return true
}

// releaseOrphans returns the orphans that no longer miss any parent now
// that parent is admitted.
func (n *Node) releaseOrphans(parent txflow.Hash) []*txflow.Message {
	n.mu.Lock()
	hashes := n.waiting[parent]
	delete(n.waiting, parent)
	n.mu.Unlock()

	var ready []*txflow.Message

	for _, h := range hashes {
		n.mu.Lock()
		m, ok := n.orphans[h]
		n.mu.Unlock()

		if !ok || len(n.store.MissingParents(m)) > 0 {
			continue
		}

		n.mu.Lock()
		delete(n.orphans, h)
		n.metrics.SetOrphans(len(n.orphans))
		n.mu.Unlock()

		ready = append(ready, m)
	}

	return ready
}

// Propose signs a message over the current tips, admits it locally and
// broadcasts it. Its epoch is the current epoch or the highest parent
// epoch, whichever is larger.
func (n *Node) Propose(payload []byte) (*txflow.Message, error) {
	tips := n.store.Tips()

	e := n.CurrentEpoch()
	for _, h := range tips {
		if m := n.store.Get(h); m != nil && m.Epoch > e {
			e = m.Epoch
		}
	}

	m := txflow.NewMessage(e, n.id, tips, payload)
	txflow.SignMessage(n.privateKey, m)

	if err := n.store.Admit(m); err != nil {
		return nil, fmt.Errorf("admit own message:\n%w", err)
	}

	n.observe(m)
	n.broadcast(proxy.KindMessage, txflow.EncodeMessage(m))

	n.log.Debug("proposed", "hash", m.Hash, "epoch", m.Epoch, "parents", len(tips))

	return m, nil
}

// RunProposer proposes a message every interval until ctx is done.
func (n *Node) RunProposer(ctx context.Context, interval time.Duration, payload func() []byte) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := n.Propose(payload()); err != nil {
				n.log.Warn("propose failed", "error", err)
			}
		}
	}
}

// endorse signs and broadcasts an endorsement of a freshly selected
// representative. Non-validators only observe.
func (n *Node) endorse(e uint64, rep *txflow.Message) {
	if !n.validators.Contains(n.id) {
		return
	}

	end := txflow.Endorse(n.blsKey, n.id, e, rep.Hash)

	if _, err := n.engine.AddEndorsement(end); err != nil {
		n.log.Warn("own endorsement rejected", "epoch", e, "error", err)
		return
	}

	n.broadcast(proxy.KindEndorsement, txflow.EncodeEndorsement(end))
}

// finalize advances the proposal epoch past a finalized one.
func (n *Node) finalize(c *epoch.Certificate) {
	n.mu.Lock()
	if c.Epoch >= n.current {
		n.current = c.Epoch + 1
	}
	delete(n.started, c.Epoch)
	close(n.changed)
	n.changed = make(chan struct{})
	n.mu.Unlock()

	n.log.Info("epoch final", "epoch", c.Epoch, "rep", c.Representative, "weight", c.Weight)
}

// WaitEndorsed blocks until epoch e is Endorsed or ctx is done.
func (n *Node) WaitEndorsed(ctx context.Context, e uint64) error {
	for {
		n.mu.Lock()
		changed := n.changed
		n.mu.Unlock()

		if n.engine.Status(e) == epoch.Endorsed {
			return nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return fmt.Errorf("epoch %d is %s:\n%w", e, n.engine.Status(e), ctx.Err())
		}
	}
}

// timeoutLoop stalls open epochs past their deadline.
func (n *Node) timeoutLoop(ctx context.Context) {
	ticker := time.NewTicker(timeoutCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n.checkTimeouts(now)
		}
	}
}

// checkTimeouts stalls every open epoch whose deadline has passed.
func (n *Node) checkTimeouts(now time.Time) {
	n.mu.Lock()
	var expired []uint64
	for e, start := range n.started {
		if now.Sub(start) >= n.timeout {
			expired = append(expired, e)
			delete(n.started, e)
		}
	}
	n.mu.Unlock()

	for _, e := range expired {
		if n.engine.Status(e).Terminal() {
			continue
		}

		n.engine.Stall(e)
		n.advancePast(e)
	}
}

// advancePast moves the proposal epoch beyond a stalled epoch.
func (n *Node) advancePast(e uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if e >= n.current {
		n.current = e + 1
	}
}

// broadcast wraps payload in a package and sends it to peers.
func (n *Node) broadcast(kind proxy.Kind, payload []byte) {
	if n.out == nil {
		return
	}

	p := &proxy.Package{
		Kind:    kind,
		From:    n.id,
		Seq:     n.seq.Add(1),
		Payload: payload,
	}

	if n.compress {
		c, err := proxy.CompressPackage(p)
		if err != nil {
			n.log.Warn("compress package", "error", err)
		} else {
			p = c
		}
	}

	if err := n.out.Broadcast(p); err != nil {
		n.log.Debug("broadcast failed", "kind", kind, "error", err)
	}
}
