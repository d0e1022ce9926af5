package aggregation

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	blst "github.com/supranational/blst/bindings/go"
	"github.com/zeebo/blake3"
)

const (
	// PublicKeySize is the size of a compressed BLS public key (G1).
	PublicKeySize = 48

	// SignatureSize is the size of a compressed BLS signature (G2).
	SignatureSize = 96
)

// dst is the domain separation tag for endorsement shares.
var dst = []byte("BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_NUL_")

var (
	ErrNoSignatures     = errors.New("no signatures to aggregate")
	ErrInvalidSignature = errors.New("invalid signature encoding")
	ErrInvalidPublicKey = errors.New("invalid public key encoding")
)

// PublicKey is a compressed BLS public key.
type PublicKey [PublicKeySize]byte

// String returns a short hex prefix of the key.
func (pk PublicKey) String() string {
	return hex.EncodeToString(pk[:6])
}

// ParsePublicKey validates and copies a compressed public key.
func ParsePublicKey(b []byte) (PublicKey, error) {
	var pk PublicKey
	if len(b) != PublicKeySize {
		return pk, fmt.Errorf("%w: size %d", ErrInvalidPublicKey, len(b))
	}

	if new(blst.P1Affine).Uncompress(b) == nil {
		return pk, ErrInvalidPublicKey
	}

	copy(pk[:], b)
	return pk, nil
}

// KeyPair holds a BLS secret key and its public key.
type KeyPair struct {
	secret *blst.SecretKey
	public PublicKey
}

// DeriveFromED25519 derives the BLS key bound to a validator identity:
// BLAKE3("txflow-bls-keygen" || ed25519 seed) is used as key material.
func DeriveFromED25519(priv ed25519.PrivateKey) (*KeyPair, error) {
	h := blake3.New()
	h.Write([]byte("txflow-bls-keygen"))
	h.Write(priv.Seed())

	var ikm [32]byte
	h.Sum(ikm[:0])

	return NewKeyPair(ikm[:])
}

// GenerateKeyPair creates a key pair from random key material.
func GenerateKeyPair() (*KeyPair, error) {
	var ikm [32]byte
	if _, err := rand.Read(ikm[:]); err != nil {
		return nil, fmt.Errorf("read key material:\n%w", err)
	}

	return NewKeyPair(ikm[:])
}

// NewKeyPair creates a key pair from at least 32 bytes of key material.
func NewKeyPair(ikm []byte) (*KeyPair, error) {
	if len(ikm) < 32 {
		return nil, fmt.Errorf("key material must be at least 32 bytes")
	}

	secret := blst.KeyGen(ikm)
	if secret == nil {
		return nil, fmt.Errorf("bls keygen failed")
	}

	var pk PublicKey
	copy(pk[:], new(blst.P1Affine).From(secret).Compress())

	return &KeyPair{secret: secret, public: pk}, nil
}

// PublicKey returns the compressed public key.
func (k *KeyPair) PublicKey() PublicKey {
	return k.public
}

// Sign produces a compressed signature share over msg.
func (k *KeyPair) Sign(msg []byte) []byte {
	return new(blst.P2Affine).Sign(k.secret, msg, dst).Compress()
}

// Verify checks a single signature share against msg and pk.
// Malformed encodings verify as false.
func Verify(sig, msg []byte, pk PublicKey) bool {
	if len(sig) != SignatureSize {
		return false
	}

	s := new(blst.P2Affine).Uncompress(sig)
	if s == nil {
		return false
	}

	p := new(blst.P1Affine).Uncompress(pk[:])
	if p == nil {
		return false
	}

	return s.Verify(true, p, true, msg, dst)
}

// Aggregate combines signature shares over the same message.
func Aggregate(sigs [][]byte) ([]byte, error) {
	if len(sigs) == 0 {
		return nil, ErrNoSignatures
	}

	points := make([]*blst.P2Affine, len(sigs))
	for i, b := range sigs {
		if len(b) != SignatureSize {
			return nil, fmt.Errorf("%w: share %d has size %d", ErrInvalidSignature, i, len(b))
		}

		p := new(blst.P2Affine).Uncompress(b)
		if p == nil {
			return nil, fmt.Errorf("%w: share %d", ErrInvalidSignature, i)
		}

		points[i] = p
	}

	agg := new(blst.P2Aggregate)
	if !agg.Aggregate(points, true) {
		return nil, fmt.Errorf("signature aggregation failed")
	}

	return agg.ToAffine().Compress(), nil
}

// VerifyAggregate checks an aggregated signature over msg against the signers' keys.
func VerifyAggregate(sig, msg []byte, pks []PublicKey) bool {
	if len(sig) != SignatureSize || len(pks) == 0 {
		return false
	}

	s := new(blst.P2Affine).Uncompress(sig)
	if s == nil {
		return false
	}

	points := make([]*blst.P1Affine, len(pks))
	for i := range pks {
		p := new(blst.P1Affine).Uncompress(pks[i][:])
		if p == nil {
			return false
		}
		points[i] = p
	}

	aggPk := new(blst.P1Aggregate)
	if !aggPk.Aggregate(points, true) {
		return false
	}

	return s.Verify(true, aggPk.ToAffine(), true, msg, dst)
}
