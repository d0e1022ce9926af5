package txflow

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// HashSize is the size of a TxFlowHash in bytes.
const HashSize = 32

// Hash addresses messages by content and identifies validators (ed25519 public keys).
type Hash [HashSize]byte

// String returns the first 8 bytes in hex, enough for logs.
func (h Hash) String() string {
	return hex.EncodeToString(h[:8])
}

// Hex returns the full hex encoding.
func (h Hash) Hex() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Less orders hashes lexicographically.
func (h Hash) Less(o Hash) bool {
	return bytes.Compare(h[:], o[:]) < 0
}

// HashFromBytes copies a 32-byte slice into a Hash.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashSize {
		return h, fmt.Errorf("%w: hash size %d", ErrMalformed, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// ParseHash decodes a 64-character hex string.
func ParseHash(s string) (Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, fmt.Errorf("decode hex:\n%w", err)
	}
	return HashFromBytes(b)
}

// sum computes the blake3 content hash.
func sum(data []byte) Hash {
	return blake3.Sum256(data)
}
