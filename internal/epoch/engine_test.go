package epoch

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"

	"txflow/internal/aggregation"
	"txflow/internal/misbehavior"
	"txflow/internal/txflow"
)

type testValidator struct {
	id   txflow.Hash
	priv ed25519.PrivateKey
	bls  *aggregation.KeyPair
}

// newValidators creates n validators of weight 1 with signing and BLS keys.
func newValidators(t *testing.T, n int) ([]testValidator, *txflow.ValidatorSet) {
	t.Helper()

	out := make([]testValidator, n)
	vals := make([]txflow.Validator, n)

	for i := range out {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}

		bls, err := aggregation.DeriveFromED25519(priv)
		if err != nil {
			t.Fatalf("derive bls: %v", err)
		}

		copy(out[i].id[:], pub)
		out[i].priv = priv
		out[i].bls = bls
		vals[i] = txflow.Validator{ID: out[i].id, BLSKey: bls.PublicKey()}
	}

	return out, txflow.NewValidatorSet(vals)
}

func (v testValidator) message(epoch uint64, payload string) *txflow.Message {
	m := txflow.NewMessage(epoch, v.id, nil, []byte(payload))
	txflow.SignMessage(v.priv, m)
	return m
}

func (v testValidator) endorse(epoch uint64, target txflow.Hash) *txflow.Endorsement {
	return txflow.Endorse(v.bls, v.id, epoch, target)
}

// memView is an in-memory View.
type memView struct {
	byEpoch map[uint64][]txflow.Hash
	msgs    map[txflow.Hash]*txflow.Message
}

func newMemView() *memView {
	return &memView{
		byEpoch: make(map[uint64][]txflow.Hash),
		msgs:    make(map[txflow.Hash]*txflow.Message),
	}
}

func (v *memView) add(m *txflow.Message) {
	v.byEpoch[m.Epoch] = append(v.byEpoch[m.Epoch], m.Hash)
	v.msgs[m.Hash] = m
}

func (v *memView) ByEpoch(e uint64) []txflow.Hash   { return v.byEpoch[e] }
func (v *memView) Get(h txflow.Hash) *txflow.Message { return v.msgs[h] }

// byID returns the validator with the given id.
func byID(vals []testValidator, id txflow.Hash) testValidator {
	for _, v := range vals {
		if v.id == id {
			return v
		}
	}
	panic("validator not found")
}

// selectEpoch admits one message per validator at epoch through view and
// engine and returns the representative.
func selectEpoch(t *testing.T, eng *Engine, view *memView, vals []testValidator, epoch uint64) *txflow.Message {
	t.Helper()

	for _, v := range vals {
		m := v.message(epoch, "payload")
		view.add(m)
		eng.Observe(m)
	}

	rep, ok := eng.Representative(epoch)
	if !ok {
		t.Fatalf("epoch %d: no representative after all validators proposed", epoch)
	}

	return rep
}

func TestSelectionWaitsForQuorum(t *testing.T) {
	vals, vs := newValidators(t, 4)
	view := newMemView()
	eng := New(vs, view, misbehavior.NewRecorder())

	leaderID, _ := RoundRobin{}.Leader(0, vs)
	leader := byID(vals, leaderID)

	var others []testValidator
	for _, v := range vals {
		if v.id != leaderID {
			others = append(others, v)
		}
	}

	// Quorum of 4 unit-weight validators is 3.
	steps := []struct {
		v    testValidator
		want State
	}{
		{leader, Collecting},
		{others[0], Collecting},
		{others[1], RepresentativeSelected},
		{others[2], RepresentativeSelected},
	}

	var leaderMsg *txflow.Message
	for i, s := range steps {
		m := s.v.message(0, "m")
		if i == 0 {
			leaderMsg = m
		}

		view.add(m)
		if got := eng.Observe(m); got != s.want {
			t.Fatalf("step %d: got %v, want %v", i, got, s.want)
		}
	}

	rep, _ := eng.Representative(0)
	if rep.Hash != leaderMsg.Hash {
		t.Errorf("representative: got %s, want leader message %s", rep.Hash, leaderMsg.Hash)
	}
}

func TestRoundRobinWaitsForLeader(t *testing.T) {
	vals, vs := newValidators(t, 4)
	view := newMemView()

	selected := 0
	eng := New(vs, view, misbehavior.NewRecorder(), WithSelectionHandler(func(uint64, *txflow.Message) {
		selected++
	}))

	leaderID, _ := RoundRobin{}.Leader(5, vs)

	for _, v := range vals {
		if v.id == leaderID {
			continue
		}

		m := v.message(5, "m")
		view.add(m)
		if got := eng.Observe(m); got != Collecting {
			t.Fatalf("selected without the leader's message: %v", got)
		}
	}

	m := byID(vals, leaderID).message(5, "leader")
	view.add(m)
	if got := eng.Observe(m); got != RepresentativeSelected {
		t.Fatalf("got %v, want RepresentativeSelected", got)
	}

	// Later messages never change the choice.
	late := byID(vals, leaderID).message(5, "another")
	view.add(late)
	eng.Observe(late)

	rep, _ := eng.Representative(5)
	if rep.Hash != m.Hash {
		t.Errorf("representative changed after selection")
	}

	if selected != 1 {
		t.Errorf("selection handler calls: got %d, want 1", selected)
	}
}

func TestEndorsementThreshold(t *testing.T) {
	vals, vs := newValidators(t, 5)
	view := newMemView()
	rec := misbehavior.NewRecorder()

	var certs []*Certificate
	eng := New(vs, view, rec,
		WithThreshold(3),
		WithFinalityHandler(func(c *Certificate) { certs = append(certs, c) }),
	)

	rep := selectEpoch(t, eng, view, vals, 0)

	steps := []struct {
		v    testValidator
		want State
	}{
		{vals[0], RepresentativeSelected},
		{vals[1], RepresentativeSelected},
		{vals[1], RepresentativeSelected}, // duplicate does not count
		{vals[2], Endorsed},
		{vals[3], Endorsed},
	}

	for i, s := range steps {
		got, err := eng.AddEndorsement(s.v.endorse(0, rep.Hash))
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}

		if got != s.want {
			t.Fatalf("step %d: got %v, want %v", i, got, s.want)
		}
	}

	if len(certs) != 1 {
		t.Fatalf("finality handler calls: got %d, want 1", len(certs))
	}

	cert, ok := eng.Certificate(0)
	if !ok || cert != certs[0] {
		t.Fatal("certificate not stored")
	}

	if cert.Weight != 3 || cert.Signers.Count() != 3 {
		t.Errorf("certificate: %v", cert)
	}

	if err := eng.VerifyCertificate(cert); err != nil {
		t.Errorf("verify certificate: %v", err)
	}

	if rec.Len() != 0 {
		t.Errorf("unexpected violations: %v", misbehavior.Drain(rec))
	}
}

func TestInvalidEndorsementReported(t *testing.T) {
	vals, vs := newValidators(t, 4)
	view := newMemView()
	rec := misbehavior.NewRecorder()
	eng := New(vs, view, rec)

	rep := selectEpoch(t, eng, view, vals, 0)

	// Signed by the wrong BLS key.
	forged := vals[1].endorse(0, rep.Hash)
	forged.Validator = vals[0].id

	state, err := eng.AddEndorsement(forged)
	if err != nil {
		t.Fatalf("invalid share should be reported, not returned: %v", err)
	}

	if state != RepresentativeSelected {
		t.Errorf("state: got %v", state)
	}

	got := misbehavior.Drain(rec)
	want := misbehavior.NewInvalidEndorsement(rep.Hash)
	if len(got) != 1 || got[0] != want {
		t.Fatalf("violations: got %v, want [%v]", got, want)
	}

	// The validator can still contribute a valid share afterwards.
	for _, v := range vals[:3] {
		state, err = eng.AddEndorsement(v.endorse(0, rep.Hash))
		if err != nil {
			t.Fatalf("endorse: %v", err)
		}
	}

	if state != Endorsed {
		t.Errorf("state after quorum of valid shares: got %v, want Endorsed", state)
	}
}

func TestEndorsementErrors(t *testing.T) {
	vals, vs := newValidators(t, 4)
	stranger, _ := newValidators(t, 1)
	view := newMemView()
	rec := misbehavior.NewRecorder()
	eng := New(vs, view, rec, WithMaxPendingEpochs(4))

	rep := selectEpoch(t, eng, view, vals, 0)

	var other txflow.Hash
	other[0] = 1

	tests := []struct {
		name string
		end  *txflow.Endorsement
		want error
	}{
		{"unknown validator", stranger[0].endorse(0, rep.Hash), ErrUnknownValidator},
		{"target mismatch", vals[0].endorse(0, other), ErrTargetMismatch},
		{"too far ahead", vals[0].endorse(4, other), ErrTooFarAhead},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := eng.AddEndorsement(tt.end); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}

	if rec.Len() != 0 {
		t.Errorf("structural errors must not be reported: %v", misbehavior.Drain(rec))
	}
}

func TestEndorsementsBufferedUntilSelection(t *testing.T) {
	vals, vs := newValidators(t, 4)
	view := newMemView()
	eng := New(vs, view, misbehavior.NewRecorder())

	leaderID, _ := RoundRobin{}.Leader(0, vs)
	leaderMsg := byID(vals, leaderID).message(0, "leader")

	// Endorsements arrive before this node has seen a quorum of messages.
	for _, v := range vals[:3] {
		state, err := eng.AddEndorsement(v.endorse(0, leaderMsg.Hash))
		if err != nil {
			t.Fatalf("buffer: %v", err)
		}

		if state != Collecting {
			t.Fatalf("state: got %v, want Collecting", state)
		}
	}

	view.add(leaderMsg)
	eng.Observe(leaderMsg)

	for _, v := range vals {
		if v.id == leaderID {
			continue
		}

		m := v.message(0, "m")
		view.add(m)
		eng.Observe(m)
	}

	if got := eng.Status(0); got != Endorsed {
		t.Fatalf("buffered endorsements should finalize on selection, got %v", got)
	}
}

func TestForgedBufferedShareDoesNotShadowValid(t *testing.T) {
	vals, vs := newValidators(t, 4)
	view := newMemView()
	rec := misbehavior.NewRecorder()
	eng := New(vs, view, rec)

	leaderID, _ := RoundRobin{}.Leader(0, vs)
	leaderMsg := byID(vals, leaderID).message(0, "leader")

	var decoy txflow.Hash
	decoy[0] = 7

	for _, v := range vals[:3] {
		forged := vals[3].endorse(0, leaderMsg.Hash)
		forged.Validator = v.id

		if _, err := eng.AddEndorsement(forged); !errors.Is(err, ErrInvalidShare) {
			t.Fatalf("forged share: got %v, want ErrInvalidShare", err)
		}

		// A valid share for another target must not take the slot either.
		if _, err := eng.AddEndorsement(v.endorse(0, decoy)); err != nil {
			t.Fatalf("decoy share: %v", err)
		}

		if _, err := eng.AddEndorsement(v.endorse(0, leaderMsg.Hash)); err != nil {
			t.Fatalf("real share: %v", err)
		}
	}

	for _, v := range vals {
		m := leaderMsg
		if v.id != leaderID {
			m = v.message(0, "m")
		}

		view.add(m)
		eng.Observe(m)
	}

	if got := eng.Status(0); got != Endorsed {
		t.Fatalf("got %v, want Endorsed", got)
	}

	cert, _ := eng.Certificate(0)
	if cert.Representative != leaderMsg.Hash || cert.Weight != 3 {
		t.Errorf("certificate: %v", cert)
	}

	if rec.Len() != 0 {
		t.Errorf("unexpected violations: %v", misbehavior.Drain(rec))
	}
}

func TestStall(t *testing.T) {
	vals, vs := newValidators(t, 4)
	view := newMemView()
	rec := misbehavior.NewRecorder()
	eng := New(vs, view, rec)

	rep := selectEpoch(t, eng, view, vals, 0)

	if got := eng.Stall(0); got != Stalled {
		t.Fatalf("got %v, want Stalled", got)
	}
	eng.Stall(0)

	got := misbehavior.Drain(rec)
	want := misbehavior.NewMissingEndorsement(rep.Hash)
	if len(got) != 1 || got[0] != want {
		t.Fatalf("violations: got %v, want exactly [%v]", got, want)
	}

	// Terminal: late endorsements are ignored.
	if state, _ := eng.AddEndorsement(vals[0].endorse(0, rep.Hash)); state != Stalled {
		t.Errorf("late endorsement changed state to %v", state)
	}

	// No representative, nothing to report.
	if got := eng.Stall(1); got != Stalled {
		t.Errorf("collecting epoch: got %v, want Stalled", got)
	}

	if rec.Len() != 0 {
		t.Errorf("stall without representative reported: %v", misbehavior.Drain(rec))
	}
}

func TestStallAfterEndorsedIsNoop(t *testing.T) {
	vals, vs := newValidators(t, 4)
	view := newMemView()
	rec := misbehavior.NewRecorder()
	eng := New(vs, view, rec)

	rep := selectEpoch(t, eng, view, vals, 2)
	for _, v := range vals {
		eng.AddEndorsement(v.endorse(2, rep.Hash))
	}

	if got := eng.Stall(2); got != Endorsed {
		t.Errorf("got %v, want Endorsed", got)
	}

	if rec.Len() != 0 {
		t.Errorf("unexpected violations: %v", misbehavior.Drain(rec))
	}
}

func TestVerifyCertificateRejects(t *testing.T) {
	vals, vs := newValidators(t, 4)
	view := newMemView()
	eng := New(vs, view, misbehavior.NewNoop())

	rep := selectEpoch(t, eng, view, vals, 0)
	for _, v := range vals {
		eng.AddEndorsement(v.endorse(0, rep.Hash))
	}

	cert, ok := eng.Certificate(0)
	if !ok {
		t.Fatal("epoch not endorsed")
	}

	wrongRep := *cert
	wrongRep.Representative[0] ^= 0xff

	fewSigners := *cert
	fewSigners.Signers = aggregation.NewBitmap(vs.Len())
	fewSigners.Signers.Set(0)

	inflated := *cert
	inflated.Weight = cert.Weight + 10

	tests := []struct {
		name string
		cert *Certificate
	}{
		{"wrong representative", &wrongRep},
		{"weight mismatch", &inflated},
		{"below threshold", &fewSigners},
		{"no signers", &Certificate{Signers: aggregation.NewBitmap(4)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := eng.VerifyCertificate(tt.cert); !errors.Is(err, ErrInvalidCertificate) {
				t.Errorf("got %v, want ErrInvalidCertificate", err)
			}
		})
	}
}

func TestAdoptChecksCertificate(t *testing.T) {
	vals, vs := newValidators(t, 4)
	view := newMemView()
	eng := New(vs, view, misbehavior.NewNoop())

	rep := selectEpoch(t, eng, view, vals, 0)
	for _, v := range vals[:3] {
		eng.AddEndorsement(v.endorse(0, rep.Hash))
	}

	cert, ok := eng.Certificate(0)
	if !ok {
		t.Fatal("epoch not endorsed")
	}

	follower := New(vs, view, misbehavior.NewNoop())

	inflated := *cert
	inflated.Weight = 100

	if _, err := follower.Adopt(&inflated); !errors.Is(err, ErrInvalidCertificate) {
		t.Fatalf("inflated weight: got %v, want ErrInvalidCertificate", err)
	}

	if got := follower.Status(0); got != Collecting {
		t.Fatalf("rejected certificate changed state to %v", got)
	}

	if got, err := follower.Adopt(cert); err != nil || got != Endorsed {
		t.Fatalf("adopt: got %v, %v", got, err)
	}

	adopted, _ := follower.Certificate(0)
	if adopted.Weight != 3 {
		t.Errorf("adopted weight: got %d, want 3", adopted.Weight)
	}
}
