package txflow

import (
	"crypto/ed25519"
	"fmt"
	"sort"

	flatbuffers "github.com/google/flatbuffers/go"

	"txflow/internal/types"
)

// Message is a DAG node. It is immutable once admitted.
type Message struct {
	Hash      Hash   // Hash is the blake3 hash of the unsigned encoding
	Epoch     uint64 // Epoch is the logical round the message belongs to
	Author    Hash   // Author is the producing validator
	Parents   []Hash // Parents are sorted, distinct references to admitted messages
	Payload   []byte // Payload is opaque to consensus
	Signature []byte // Signature is the author's ed25519 signature over Hash
}

// NewMessage creates an unsigned message with normalized parents.
func NewMessage(epoch uint64, author Hash, parents []Hash, payload []byte) *Message {
	return &Message{
		Epoch:   epoch,
		Author:  author,
		Parents: normalizeParents(parents),
		Payload: payload,
	}
}

// ComputeHash returns the content hash over the unsigned encoding.
func (m *Message) ComputeHash() Hash {
	return sum(encodeMessage(m, false))
}

// SignMessage fills in the hash and signature using the author's key.
func SignMessage(priv ed25519.PrivateKey, m *Message) {
	m.Parents = normalizeParents(m.Parents)
	m.Hash = m.ComputeHash()
	m.Signature = ed25519.Sign(priv, m.Hash[:])
}

// VerifySignature reports whether m is signed by key over its content hash.
// It is pure and never mutates m.
func VerifySignature(m *Message, key ed25519.PublicKey) bool {
	if len(key) != ed25519.PublicKeySize || len(m.Signature) != ed25519.SignatureSize {
		return false
	}

	if m.ComputeHash() != m.Hash {
		return false
	}

	return ed25519.Verify(key, m.Hash[:], m.Signature)
}

// EncodeMessage returns the signed wire encoding of m.
func EncodeMessage(m *Message) []byte {
	return encodeMessage(m, true)
}

// DecodeMessage parses a wire message and checks that its hash matches its content.
func DecodeMessage(data []byte) (m *Message, err error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("%w: message of %d bytes", ErrMalformed, len(data))
	}

	defer func() {
		if r := recover(); r != nil {
			m, err = nil, fmt.Errorf("%w: %v", ErrMalformed, r)
		}
	}()

	fb := types.GetRootAsMessage(data, 0)

	hash, err := HashFromBytes(fb.HashBytes())
	if err != nil {
		return nil, err
	}

	author, err := HashFromBytes(fb.AuthorBytes())
	if err != nil {
		return nil, err
	}

	raw := fb.ParentsBytes()
	if len(raw)%HashSize != 0 {
		return nil, fmt.Errorf("%w: parents length %d", ErrMalformed, len(raw))
	}

	parents := make([]Hash, len(raw)/HashSize)
	for i := range parents {
		copy(parents[i][:], raw[i*HashSize:])

		if i > 0 && !parents[i-1].Less(parents[i]) {
			return nil, fmt.Errorf("%w: parents not sorted and distinct", ErrMalformed)
		}
	}

	m = &Message{
		Hash:      hash,
		Epoch:     fb.Epoch(),
		Author:    author,
		Parents:   parents,
		Payload:   cloneBytes(fb.PayloadBytes()),
		Signature: cloneBytes(fb.SignatureBytes()),
	}

	if m.ComputeHash() != hash {
		return nil, &HashMismatchError{Claimed: hash, Author: author}
	}

	return m, nil
}

// encodeMessage builds the flatbuffer. Unsigned encodings omit hash and signature.
func encodeMessage(m *Message, signed bool) []byte {
	builder := flatbuffers.NewBuilder(256 + len(m.Payload) + len(m.Parents)*HashSize)

	parents := make([]byte, 0, len(m.Parents)*HashSize)
	for _, p := range m.Parents {
		parents = append(parents, p[:]...)
	}

	payloadVec := builder.CreateByteVector(m.Payload)
	parentsVec := builder.CreateByteVector(parents)
	authorVec := builder.CreateByteVector(m.Author[:])

	var hashVec, sigVec flatbuffers.UOffsetT
	if signed {
		hashVec = builder.CreateByteVector(m.Hash[:])
		sigVec = builder.CreateByteVector(m.Signature)
	}

	types.MessageStart(builder)
	if signed {
		types.MessageAddHash(builder, hashVec)
		types.MessageAddSignature(builder, sigVec)
	}
	types.MessageAddEpoch(builder, m.Epoch)
	types.MessageAddAuthor(builder, authorVec)
	types.MessageAddParents(builder, parentsVec)
	types.MessageAddPayload(builder, payloadVec)
	builder.Finish(types.MessageEnd(builder))

	return builder.FinishedBytes()
}

// normalizeParents sorts and deduplicates parent hashes.
func normalizeParents(parents []Hash) []Hash {
	if len(parents) == 0 {
		return nil
	}

	out := make([]Hash, len(parents))
	copy(out, parents)

	sort.Slice(out, func(i, j int) bool {
		return out[i].Less(out[j])
	})

	n := 1
	for i := 1; i < len(out); i++ {
		if out[i] != out[n-1] {
			out[n] = out[i]
			n++
		}
	}

	return out[:n]
}

// cloneBytes copies b so decoded values do not alias the wire buffer.
func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
