package txflow

import (
	"encoding/binary"
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/zeebo/blake3"

	"txflow/internal/aggregation"
	"txflow/internal/types"
)

// endorsementDomain separates endorsement digests from other signed data.
var endorsementDomain = []byte("txflow-endorsement")

// Endorsement is a validator's signature share over an epoch representative.
type Endorsement struct {
	Epoch     uint64 // Epoch of the representative
	Target    Hash   // Target is the representative hash
	Validator Hash   // Validator is the endorser's ID
	Share     []byte // Share is a BLS signature over EndorsementDigest(Epoch, Target)
}

// EndorsementDigest returns the message signed by endorsers of target at epoch.
func EndorsementDigest(epoch uint64, target Hash) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], epoch)

	h := blake3.New()
	h.Write(endorsementDomain)
	h.Write(buf[:])
	h.Write(target[:])

	return h.Sum(nil)
}

// Endorse creates a signed endorsement of target.
func Endorse(key *aggregation.KeyPair, validator Hash, epoch uint64, target Hash) *Endorsement {
	return &Endorsement{
		Epoch:     epoch,
		Target:    target,
		Validator: validator,
		Share:     key.Sign(EndorsementDigest(epoch, target)),
	}
}

// VerifyEndorsement checks the share against the endorser's BLS key.
func VerifyEndorsement(e *Endorsement, pk aggregation.PublicKey) bool {
	return aggregation.Verify(e.Share, EndorsementDigest(e.Epoch, e.Target), pk)
}

// EncodeEndorsement returns the wire encoding of e.
func EncodeEndorsement(e *Endorsement) []byte {
	builder := flatbuffers.NewBuilder(256)

	shareVec := builder.CreateByteVector(e.Share)
	validatorVec := builder.CreateByteVector(e.Validator[:])
	targetVec := builder.CreateByteVector(e.Target[:])

	types.EndorsementStart(builder)
	types.EndorsementAddEpoch(builder, e.Epoch)
	types.EndorsementAddTarget(builder, targetVec)
	types.EndorsementAddValidator(builder, validatorVec)
	types.EndorsementAddShare(builder, shareVec)
	builder.Finish(types.EndorsementEnd(builder))

	return builder.FinishedBytes()
}

// DecodeEndorsement parses a wire endorsement. The share is not verified.
func DecodeEndorsement(data []byte) (e *Endorsement, err error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("%w: endorsement of %d bytes", ErrMalformed, len(data))
	}

	defer func() {
		if r := recover(); r != nil {
			e, err = nil, fmt.Errorf("%w: %v", ErrMalformed, r)
		}
	}()

	fb := types.GetRootAsEndorsement(data, 0)

	target, err := HashFromBytes(fb.TargetBytes())
	if err != nil {
		return nil, err
	}

	validator, err := HashFromBytes(fb.ValidatorBytes())
	if err != nil {
		return nil, err
	}

	return &Endorsement{
		Epoch:     fb.Epoch(),
		Target:    target,
		Validator: validator,
		Share:     cloneBytes(fb.ShareBytes()),
	}, nil
}
