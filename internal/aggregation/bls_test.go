package aggregation

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"
)

// newTestKeys generates n random key pairs.
func newTestKeys(t *testing.T, n int) []*KeyPair {
	t.Helper()

	keys := make([]*KeyPair, n)
	for i := range keys {
		k, err := GenerateKeyPair()
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		keys[i] = k
	}

	return keys
}

func TestSignVerify(t *testing.T) {
	key := newTestKeys(t, 1)[0]
	msg := []byte("endorse epoch 7")

	sig := key.Sign(msg)
	if len(sig) != SignatureSize {
		t.Fatalf("signature size: got %d, want %d", len(sig), SignatureSize)
	}

	if !Verify(sig, msg, key.PublicKey()) {
		t.Error("valid share should verify")
	}

	if Verify(sig, []byte("endorse epoch 8"), key.PublicKey()) {
		t.Error("share should not verify for another message")
	}
}

func TestVerifyWrongKey(t *testing.T) {
	keys := newTestKeys(t, 2)
	msg := []byte("target")

	if Verify(keys[0].Sign(msg), msg, keys[1].PublicKey()) {
		t.Error("share should not verify under another key")
	}
}

func TestVerifyMalformedShare(t *testing.T) {
	key := newTestKeys(t, 1)[0]
	msg := []byte("target")

	sig := key.Sign(msg)
	sig[10] ^= 0xff

	if Verify(sig, msg, key.PublicKey()) {
		t.Error("corrupted share should not verify")
	}

	if Verify(sig[:40], msg, key.PublicKey()) {
		t.Error("truncated share should not verify")
	}
}

func TestDeriveFromED25519Deterministic(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate ed25519: %v", err)
	}

	a, err := DeriveFromED25519(priv)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}

	b, err := DeriveFromED25519(priv)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}

	if a.PublicKey() != b.PublicKey() {
		t.Error("derivation should be deterministic")
	}
}

func TestNewKeyPairShortMaterial(t *testing.T) {
	if _, err := NewKeyPair(make([]byte, 16)); err == nil {
		t.Error("expected error for short key material")
	}
}

func TestAggregateAndVerify(t *testing.T) {
	keys := newTestKeys(t, 5)
	msg := []byte("representative")

	sigs := make([][]byte, len(keys))
	pks := make([]PublicKey, len(keys))
	for i, k := range keys {
		sigs[i] = k.Sign(msg)
		pks[i] = k.PublicKey()
	}

	agg, err := Aggregate(sigs)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}

	if !VerifyAggregate(agg, msg, pks) {
		t.Error("aggregate should verify against all signer keys")
	}

	if VerifyAggregate(agg, msg, pks[:4]) {
		t.Error("aggregate should not verify against a subset of keys")
	}
}

func TestAggregateErrors(t *testing.T) {
	if _, err := Aggregate(nil); !errors.Is(err, ErrNoSignatures) {
		t.Errorf("expected ErrNoSignatures, got %v", err)
	}

	if _, err := Aggregate([][]byte{make([]byte, 12)}); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestParsePublicKey(t *testing.T) {
	key := newTestKeys(t, 1)[0]
	pk := key.PublicKey()

	got, err := ParsePublicKey(pk[:])
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if got != pk {
		t.Error("parsed key mismatch")
	}

	if _, err := ParsePublicKey(pk[:10]); !errors.Is(err, ErrInvalidPublicKey) {
		t.Errorf("expected ErrInvalidPublicKey, got %v", err)
	}
}

func TestBitmap(t *testing.T) {
	b := NewBitmap(10)
	if len(b) != 2 {
		t.Fatalf("bitmap bytes: got %d, want 2", len(b))
	}

	for _, i := range []int{0, 3, 9, 42, -1} {
		b.Set(i)
	}

	want := []int{0, 3, 9}
	got := b.Indices()
	if len(got) != len(want) {
		t.Fatalf("indices: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("indices: got %v, want %v", got, want)
		}
	}

	if b.Count() != 3 {
		t.Errorf("count: got %d, want 3", b.Count())
	}

	if !b.Has(3) || b.Has(4) {
		t.Error("Has returned wrong membership")
	}
}
