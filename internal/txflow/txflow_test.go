package txflow

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"

	"txflow/internal/aggregation"
)

// testValidator holds the keys of a test validator.
type testValidator struct {
	priv ed25519.PrivateKey
	id   Hash
	bls  *aggregation.KeyPair
}

// newTestValidator creates a validator with random keys.
func newTestValidator(t *testing.T) testValidator {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	bls, err := aggregation.DeriveFromED25519(priv)
	if err != nil {
		t.Fatalf("derive bls: %v", err)
	}

	var id Hash
	copy(id[:], pub)

	return testValidator{priv: priv, id: id, bls: bls}
}

// signedMessage builds and signs a message from v.
func signedMessage(v testValidator, epoch uint64, parents []Hash, payload string) *Message {
	m := NewMessage(epoch, v.id, parents, []byte(payload))
	SignMessage(v.priv, m)
	return m
}

func TestSignAndVerify(t *testing.T) {
	v := newTestValidator(t)
	m := signedMessage(v, 1, nil, "hello")

	if m.Hash.IsZero() {
		t.Fatal("hash should be set after signing")
	}

	if !VerifySignature(m, ed25519.PublicKey(v.id[:])) {
		t.Error("valid signature should verify")
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	v := newTestValidator(t)
	other := newTestValidator(t)
	m := signedMessage(v, 1, nil, "hello")

	if VerifySignature(m, ed25519.PublicKey(other.id[:])) {
		t.Error("signature should not verify under another key")
	}
}

func TestVerifyRejectsTamperedContent(t *testing.T) {
	v := newTestValidator(t)
	m := signedMessage(v, 1, nil, "hello")

	m.Payload = []byte("bye")

	if VerifySignature(m, ed25519.PublicKey(v.id[:])) {
		t.Error("signature should not verify after payload change")
	}
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	v := newTestValidator(t)
	m := signedMessage(v, 1, nil, "hello")

	m.Signature[0] ^= 0xff

	if VerifySignature(m, ed25519.PublicKey(v.id[:])) {
		t.Error("corrupted signature should not verify")
	}
}

func TestNewMessageNormalizesParents(t *testing.T) {
	a := Hash{0x02}
	b := Hash{0x01}

	m := NewMessage(0, Hash{}, []Hash{a, b, a}, nil)

	if len(m.Parents) != 2 {
		t.Fatalf("parents: got %d, want 2", len(m.Parents))
	}

	if m.Parents[0] != b || m.Parents[1] != a {
		t.Errorf("parents not sorted: %v", m.Parents)
	}
}

func TestEncodeDecodeMessage(t *testing.T) {
	v := newTestValidator(t)
	m := signedMessage(v, 4, []Hash{{0x01}, {0x02}}, "payload")

	got, err := DecodeMessage(EncodeMessage(m))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if got.Hash != m.Hash || got.Epoch != 4 || got.Author != v.id {
		t.Errorf("decoded header mismatch: %+v", got)
	}

	if len(got.Parents) != 2 || !bytes.Equal(got.Payload, m.Payload) {
		t.Errorf("decoded body mismatch: %+v", got)
	}

	if !VerifySignature(got, ed25519.PublicKey(v.id[:])) {
		t.Error("decoded message should verify")
	}
}

func TestDecodeMessageHashMismatch(t *testing.T) {
	v := newTestValidator(t)
	m := signedMessage(v, 1, nil, "hello")
	m.Hash[0] ^= 0xff

	_, err := DecodeMessage(EncodeMessage(m))
	if !errors.Is(err, ErrHashMismatch) {
		t.Fatalf("expected ErrHashMismatch, got %v", err)
	}

	var mismatch *HashMismatchError
	if !errors.As(err, &mismatch) || mismatch.Claimed != m.Hash || mismatch.Author != v.id {
		t.Errorf("mismatch error does not carry the claimed identity: %v", err)
	}
}

func TestDecodeMessageUnsortedParents(t *testing.T) {
	v := newTestValidator(t)
	m := &Message{Epoch: 1, Author: v.id, Parents: []Hash{{0x02}, {0x01}}}
	m.Hash = m.ComputeHash()
	m.Signature = ed25519.Sign(v.priv, m.Hash[:])

	if _, err := DecodeMessage(EncodeMessage(m)); !errors.Is(err, ErrMalformed) {
		t.Errorf("expected ErrMalformed, got %v", err)
	}
}

func TestDecodeMessageGarbage(t *testing.T) {
	inputs := [][]byte{
		nil,
		{0x01, 0x02},
		bytes.Repeat([]byte{0xff}, 64),
	}

	for _, in := range inputs {
		if _, err := DecodeMessage(in); !errors.Is(err, ErrMalformed) {
			t.Errorf("DecodeMessage(%x): expected ErrMalformed, got %v", in, err)
		}
	}
}

func TestEndorsement(t *testing.T) {
	v := newTestValidator(t)
	target := Hash{0xaa}

	e := Endorse(v.bls, v.id, 3, target)
	if !VerifyEndorsement(e, v.bls.PublicKey()) {
		t.Fatal("valid endorsement should verify")
	}

	got, err := DecodeEndorsement(EncodeEndorsement(e))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if got.Epoch != 3 || got.Target != target || got.Validator != v.id {
		t.Errorf("decoded endorsement mismatch: %+v", got)
	}

	if !VerifyEndorsement(got, v.bls.PublicKey()) {
		t.Error("decoded endorsement should verify")
	}

	got.Epoch = 4
	if VerifyEndorsement(got, v.bls.PublicKey()) {
		t.Error("endorsement should not verify for another epoch")
	}
}

func TestQuorumWeight(t *testing.T) {
	tests := []struct {
		validators int
		quorum     uint64
	}{
		{1, 1},
		{3, 3},
		{4, 3},
		{5, 4},
		{10, 7},
		{100, 67},
	}

	for _, tt := range tests {
		vals := make([]Validator, tt.validators)
		for i := range vals {
			vals[i] = Validator{ID: Hash{byte(i), byte(i >> 8), 0x01}}
		}

		vs := NewValidatorSet(vals)
		if vs.QuorumWeight() != tt.quorum {
			t.Errorf("validators=%d: expected quorum %d, got %d",
				tt.validators, tt.quorum, vs.QuorumWeight())
		}
	}
}

func TestValidatorSet(t *testing.T) {
	a := newTestValidator(t)
	b := newTestValidator(t)

	vs := NewValidatorSet([]Validator{
		{ID: a.id, BLSKey: a.bls.PublicKey(), Weight: 3},
		{ID: b.id, BLSKey: b.bls.PublicKey()},
	})

	if vs.Add(Validator{ID: a.id}) {
		t.Error("duplicate add should return false")
	}

	if vs.TotalWeight() != 4 {
		t.Errorf("total weight: got %d, want 4", vs.TotalWeight())
	}

	if vs.Weight(b.id) != 1 {
		t.Errorf("default weight: got %d, want 1", vs.Weight(b.id))
	}

	if vs.Index(b.id) != 1 || vs.Index(Hash{0x09}) != -1 {
		t.Error("unexpected index")
	}

	key, ok := vs.SigningKey(a.id)
	if !ok || !bytes.Equal(key, a.id[:]) {
		t.Error("signing key should be the validator id")
	}

	if _, ok := vs.SigningKey(Hash{0x09}); ok {
		t.Error("unknown validator should have no key")
	}

	sorted := vs.Sorted()
	if !sorted[0].ID.Less(sorted[1].ID) {
		t.Error("Sorted should order by id")
	}
}
