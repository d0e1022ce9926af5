package proxy

import (
	"errors"
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/zeebo/blake3"

	"txflow/internal/txflow"
	"txflow/internal/types"
)

// Kind identifies the payload carried by a package.
type Kind uint8

const (
	KindMessage     Kind = 1 // KindMessage carries an encoded txflow.Message
	KindEndorsement Kind = 2 // KindEndorsement carries an encoded txflow.Endorsement
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindEndorsement:
		return "endorsement"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// FlagCompressed marks a zstd-compressed payload.
const FlagCompressed uint8 = 1 << 0

var ErrMalformedPackage = errors.New("malformed package")

// Package is the network envelope moved through a proxy chain.
type Package struct {
	Kind    Kind
	Flags   uint8
	From    txflow.Hash // From is the sending validator
	Seq     uint64      // Seq is the sender's per-connection counter
	Payload []byte
}

// Compressed reports whether the payload is compressed.
func (p *Package) Compressed() bool {
	return p.Flags&FlagCompressed != 0
}

// Clone returns a deep copy of p.
func (p *Package) Clone() *Package {
	c := *p
	c.Payload = append([]byte(nil), p.Payload...)
	return &c
}

// String returns a one-line description for diagnostics.
func (p *Package) String() string {
	z := ""
	if p.Compressed() {
		z = " zstd"
	}

	return fmt.Sprintf("%s from=%s seq=%d size=%d%s", p.Kind, p.From, p.Seq, len(p.Payload), z)
}

// Digest returns the blake3 hash of the encoded package.
func (p *Package) Digest() [32]byte {
	return blake3.Sum256(Encode(p))
}

// Encode returns the wire encoding of p.
func Encode(p *Package) []byte {
	builder := flatbuffers.NewBuilder(64 + len(p.Payload))

	payloadVec := builder.CreateByteVector(p.Payload)
	fromVec := builder.CreateByteVector(p.From[:])

	types.PackageStart(builder)
	types.PackageAddKind(builder, byte(p.Kind))
	types.PackageAddFlags(builder, p.Flags)
	types.PackageAddFrom(builder, fromVec)
	types.PackageAddSeq(builder, p.Seq)
	types.PackageAddPayload(builder, payloadVec)
	builder.Finish(types.PackageEnd(builder))

	return builder.FinishedBytes()
}

// Decode parses a wire package.
func Decode(data []byte) (p *Package, err error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedPackage, len(data))
	}

	defer func() {
		if r := recover(); r != nil {
			p, err = nil, fmt.Errorf("%w: %v", ErrMalformedPackage, r)
		}
	}()

	fb := types.GetRootAsPackage(data, 0)

	from, err := txflow.HashFromBytes(fb.FromBytes())
	if err != nil {
		return nil, fmt.Errorf("%w: sender: %v", ErrMalformedPackage, err)
	}

	kind := Kind(fb.Kind())
	if kind != KindMessage && kind != KindEndorsement {
		return nil, fmt.Errorf("%w: unknown kind %d", ErrMalformedPackage, kind)
	}

	return &Package{
		Kind:    kind,
		Flags:   fb.Flags(),
		From:    from,
		Seq:     fb.Seq(),
		Payload: append([]byte(nil), fb.PayloadBytes()...),
	}, nil
}
