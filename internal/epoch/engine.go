package epoch

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"txflow/internal/aggregation"
	"txflow/internal/metrics"
	"txflow/internal/misbehavior"
	"txflow/internal/txflow"
)

const (
	// DefaultMaxPendingEpochs bounds how far ahead of the highest observed
	// epoch endorsements are buffered.
	DefaultMaxPendingEpochs = 16

	// maxPendingTargets bounds the distinct targets buffered per validator
	// and epoch.
	maxPendingTargets = 4
)

var (
	ErrUnknownValidator = errors.New("unknown validator")
	ErrTargetMismatch   = errors.New("endorsement target is not the representative")
	ErrTooFarAhead      = errors.New("endorsement epoch outside pending window")
	ErrUnknownRep       = errors.New("certified representative is not admitted")
	ErrInvalidShare     = errors.New("endorsement share does not verify")
)

// View is the read side of the DAG the engine selects from.
type View interface {
	ByEpoch(e uint64) []txflow.Hash
	Get(h txflow.Hash) *txflow.Message
}

// Engine runs the per-epoch state machine: it selects one representative per
// epoch once the authors seen at that epoch reach quorum weight, then
// collects endorsements until their weight reaches the threshold.
// It is safe for concurrent use; handlers are called without the lock held.
type Engine struct {
	validators *txflow.ValidatorSet
	view       View
	reporter   misbehavior.Reporter
	policy     SelectionPolicy
	threshold  uint64
	maxPending uint64
	metrics    *metrics.Metrics
	log        *slog.Logger

	onSelect   func(epoch uint64, rep *txflow.Message)
	onFinality func(c *Certificate)

	mu       sync.Mutex
	epochs   map[uint64]*epochState
	pending  map[uint64]map[txflow.Hash]pendingShares // verified, buffered until selection
	frontier uint64                                   // highest observed epoch
}

// pendingShares holds one validator's verified endorsements of an
// unselected epoch, by target.
type pendingShares map[txflow.Hash]*txflow.Endorsement

// epochState tracks one epoch.
type epochState struct {
	state   State
	rep     *txflow.Message
	authors map[txflow.Hash]struct{}
	seen    uint64 // weight of distinct authors at this epoch
	shares  map[txflow.Hash][]byte
	weight  uint64 // weight of valid endorsements
	cert    *Certificate
}

// Option configures an Engine.
type Option func(*Engine)

// WithPolicy sets the selection policy. Defaults to RoundRobin.
func WithPolicy(p SelectionPolicy) Option {
	return func(e *Engine) {
		e.policy = p
	}
}

// WithThreshold sets the endorsement weight needed for finality.
// Defaults to the validator set's quorum weight.
func WithThreshold(w uint64) Option {
	return func(e *Engine) {
		e.threshold = w
	}
}

// WithMaxPendingEpochs bounds endorsement buffering for unselected epochs.
func WithMaxPendingEpochs(n uint64) Option {
	return func(e *Engine) {
		e.maxPending = n
	}
}

// WithSelectionHandler is called once per epoch when its representative is fixed.
func WithSelectionHandler(fn func(epoch uint64, rep *txflow.Message)) Option {
	return func(e *Engine) {
		e.onSelect = fn
	}
}

// WithFinalityHandler is called once per epoch when it becomes Endorsed.
func WithFinalityHandler(fn func(c *Certificate)) Option {
	return func(e *Engine) {
		e.onFinality = fn
	}
}

// WithMetrics counts finalized and stalled epochs.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.log = l
	}
}

// New creates an engine reading candidates from view.
func New(validators *txflow.ValidatorSet, view View, reporter misbehavior.Reporter, opts ...Option) *Engine {
	e := &Engine{
		validators: validators,
		view:       view,
		reporter:   reporter,
		policy:     RoundRobin{},
		maxPending: DefaultMaxPendingEpochs,
		log:        slog.Default(),
		epochs:     make(map[uint64]*epochState),
		pending:    make(map[uint64]map[txflow.Hash]pendingShares),
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.threshold == 0 {
		e.threshold = validators.QuorumWeight()
	}

	return e
}

// Threshold returns the endorsement weight needed for finality.
func (e *Engine) Threshold() uint64 {
	return e.threshold
}

// Observe records an admitted message. Once the distinct authors at the
// message's epoch reach quorum weight, the policy is asked for a
// representative on every call until it returns one.
func (e *Engine) Observe(m *txflow.Message) State {
	var events []func()

	e.mu.Lock()

	if m.Epoch > e.frontier {
		e.frontier = m.Epoch
	}

	st := e.stateLocked(m.Epoch)
	if st.state != Collecting {
		e.mu.Unlock()
		return st.state
	}

	if _, ok := st.authors[m.Author]; !ok {
		st.authors[m.Author] = struct{}{}
		st.seen += e.validators.Weight(m.Author)
	}

	if st.seen >= e.validators.QuorumWeight() {
		events = e.trySelectLocked(m.Epoch, st)
	}

	state := st.state
	e.mu.Unlock()

	for _, ev := range events {
		ev()
	}

	return state
}

// trySelectLocked asks the policy for a representative and, on success,
// replays buffered endorsements. Returns handler calls to run after unlock.
func (e *Engine) trySelectLocked(epoch uint64, st *epochState) []func() {
	hashes := e.view.ByEpoch(epoch)
	candidates := make([]*txflow.Message, 0, len(hashes))

	for _, h := range hashes {
		if m := e.view.Get(h); m != nil {
			candidates = append(candidates, m)
		}
	}

	rep, ok := e.policy.Select(epoch, candidates, e.validators)
	if !ok {
		return nil
	}

	st.rep = rep
	st.state = RepresentativeSelected

	e.log.Info("representative selected",
		"epoch", epoch,
		"rep", rep.Hash,
		"author", rep.Author,
	)

	var events []func()
	if e.onSelect != nil {
		events = append(events, func() { e.onSelect(epoch, rep) })
	}

	buffered := e.pending[epoch]
	delete(e.pending, epoch)

	for _, v := range e.validators.Sorted() {
		end, ok := buffered[v.ID][rep.Hash]
		if !ok {
			continue
		}

		if ev, err := e.applyLocked(st, end, v, true); err != nil {
			e.log.Debug("buffered endorsement dropped", "epoch", epoch, "validator", v.ID, "error", err)
		} else if ev != nil {
			events = append(events, ev)
		}

		if st.state != RepresentativeSelected {
			break
		}
	}

	return events
}

// AddEndorsement processes an endorsement and returns the epoch's state.
// Endorsements for an epoch without a representative are verified and
// buffered, then replayed on selection when their target is the
// representative; a share that fails verification there is rejected with
// ErrInvalidShare. Once selected, a share that fails verification is
// reported as InvalidEndorsement of the representative and not counted.
// Endorsements for terminal epochs are ignored.
func (e *Engine) AddEndorsement(end *txflow.Endorsement) (State, error) {
	v, ok := e.validators.Get(end.Validator)
	if !ok {
		return Collecting, fmt.Errorf("%w: %s", ErrUnknownValidator, end.Validator)
	}

	if state := e.Status(end.Epoch); state.Terminal() {
		return state, nil
	}

	// The digest covers only the endorsement's own epoch and target.
	valid := txflow.VerifyEndorsement(end, v.BLSKey)

	e.mu.Lock()

	st, ok := e.epochs[end.Epoch]
	if !ok || st.state == Collecting {
		err := e.bufferLocked(end, valid)
		e.mu.Unlock()
		return Collecting, err
	}

	if st.state.Terminal() {
		e.mu.Unlock()
		return st.state, nil
	}

	event, err := e.applyLocked(st, end, v, valid)
	state := st.state
	e.mu.Unlock()

	if event != nil {
		event()
	}

	return state, err
}

// bufferLocked keeps a verified endorsement of an unselected epoch, one per
// validator and target.
func (e *Engine) bufferLocked(end *txflow.Endorsement, valid bool) error {
	if end.Epoch >= e.frontier+e.maxPending {
		return fmt.Errorf("%w: epoch %d, frontier %d", ErrTooFarAhead, end.Epoch, e.frontier)
	}

	if !valid {
		return fmt.Errorf("%w: epoch %d validator %s", ErrInvalidShare, end.Epoch, end.Validator)
	}

	buf := e.pending[end.Epoch]
	if buf == nil {
		buf = make(map[txflow.Hash]pendingShares)
		e.pending[end.Epoch] = buf
	}

	shares := buf[end.Validator]
	if shares == nil {
		shares = make(pendingShares)
		buf[end.Validator] = shares
	}

	if _, exists := shares[end.Target]; !exists && len(shares) < maxPendingTargets {
		shares[end.Target] = end
	}

	return nil
}

// applyLocked counts an endorsement whose share verified against the
// representative and finalizes the epoch once the threshold is reached.
// The returned function, if any, runs the finality handler.
func (e *Engine) applyLocked(st *epochState, end *txflow.Endorsement, v txflow.Validator, valid bool) (func(), error) {
	if end.Target != st.rep.Hash {
		return nil, fmt.Errorf("%w: epoch %d target %s, representative %s", ErrTargetMismatch, end.Epoch, end.Target, st.rep.Hash)
	}

	if _, dup := st.shares[v.ID]; dup {
		return nil, nil
	}

	if !valid {
		e.reporter.Report(misbehavior.NewInvalidEndorsement(st.rep.Hash))
		return nil, nil
	}

	st.shares[v.ID] = end.Share
	st.weight += v.Weight

	if st.weight < e.threshold {
		return nil, nil
	}

	cert, err := e.certifyLocked(end.Epoch, st)
	if err != nil {
		return nil, fmt.Errorf("build certificate:\n%w", err)
	}

	st.cert = cert
	st.state = Endorsed
	e.metrics.Finalized()

	e.log.Info("epoch endorsed",
		"epoch", end.Epoch,
		"rep", st.rep.Hash,
		"weight", st.weight,
		"signers", len(st.shares),
	)

	if e.onFinality == nil {
		return nil, nil
	}

	return func() { e.onFinality(cert) }, nil
}

// certifyLocked aggregates the counted shares in validator index order.
func (e *Engine) certifyLocked(epoch uint64, st *epochState) (*Certificate, error) {
	signers := aggregation.NewBitmap(e.validators.Len())
	shares := make([][]byte, 0, len(st.shares))

	for i := 0; i < e.validators.Len(); i++ {
		v, _ := e.validators.At(i)

		share, ok := st.shares[v.ID]
		if !ok {
			continue
		}

		signers.Set(i)
		shares = append(shares, share)
	}

	sig, err := aggregation.Aggregate(shares)
	if err != nil {
		return nil, err
	}

	return &Certificate{
		Epoch:          epoch,
		Representative: st.rep.Hash,
		Signers:        signers,
		Signature:      sig,
		Weight:         st.weight,
	}, nil
}

// Stall marks a non-terminal epoch as Stalled. If a representative was
// selected, MissingEndorsement of it is reported; this happens at most once
// per epoch since Stalled is terminal.
func (e *Engine) Stall(epoch uint64) State {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.stateLocked(epoch)
	if st.state.Terminal() {
		return st.state
	}

	if st.rep != nil {
		e.reporter.Report(misbehavior.NewMissingEndorsement(st.rep.Hash))
	}

	st.state = Stalled
	delete(e.pending, epoch)
	e.metrics.Stalled()

	e.log.Warn("epoch stalled", "epoch", epoch, "weight", st.weight, "threshold", e.threshold)

	return Stalled
}

// Status returns the state of epoch.
func (e *Engine) Status(epoch uint64) State {
	e.mu.Lock()
	defer e.mu.Unlock()

	if st, ok := e.epochs[epoch]; ok {
		return st.state
	}

	return Collecting
}

// Representative returns the selected representative of epoch.
func (e *Engine) Representative(epoch uint64) (*txflow.Message, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.epochs[epoch]
	if !ok || st.rep == nil {
		return nil, false
	}

	return st.rep, true
}

// Certificate returns the finality certificate of an Endorsed epoch.
func (e *Engine) Certificate(epoch uint64) (*Certificate, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.epochs[epoch]
	if !ok || st.cert == nil {
		return nil, false
	}

	return st.cert, true
}

// Certificates returns the certificates of all Endorsed epochs, by epoch.
func (e *Engine) Certificates() []*Certificate {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []*Certificate
	for _, st := range e.epochs {
		if st.cert != nil {
			out = append(out, st.cert)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Epoch < out[j].Epoch })

	return out
}

// Adopt finalizes an epoch from a certificate obtained out of band, such as
// a snapshot. The certificate must verify and its representative must be
// admitted at the certified epoch. Terminal epochs are left unchanged.
func (e *Engine) Adopt(c *Certificate) (State, error) {
	if err := e.VerifyCertificate(c); err != nil {
		return Collecting, err
	}

	rep := e.view.Get(c.Representative)
	if rep == nil {
		return Collecting, fmt.Errorf("%w: %s", ErrUnknownRep, c.Representative)
	}

	if rep.Epoch != c.Epoch {
		return Collecting, fmt.Errorf("%w: representative at epoch %d", ErrInvalidCertificate, rep.Epoch)
	}

	e.mu.Lock()

	if c.Epoch > e.frontier {
		e.frontier = c.Epoch
	}

	st := e.stateLocked(c.Epoch)
	if st.state.Terminal() {
		state := st.state
		e.mu.Unlock()
		return state, nil
	}

	st.rep = rep
	st.cert = c
	st.weight = c.Weight
	st.state = Endorsed
	delete(e.pending, c.Epoch)
	e.metrics.Finalized()

	e.mu.Unlock()

	e.log.Info("certificate adopted", "epoch", c.Epoch, "rep", c.Representative, "weight", c.Weight)

	if e.onFinality != nil {
		e.onFinality(c)
	}

	return Endorsed, nil
}

// VerifyCertificate checks c against this engine's validators and threshold.
func (e *Engine) VerifyCertificate(c *Certificate) error {
	return VerifyCertificate(c, e.validators, e.threshold)
}

// stateLocked returns the state of epoch, creating it on first use.
func (e *Engine) stateLocked(epoch uint64) *epochState {
	st, ok := e.epochs[epoch]
	if !ok {
		st = &epochState{
			authors: make(map[txflow.Hash]struct{}),
			shares:  make(map[txflow.Hash][]byte),
		}
		e.epochs[epoch] = st
	}

	return st
}
