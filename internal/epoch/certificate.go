package epoch

import (
	"errors"
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"

	"txflow/internal/aggregation"
	"txflow/internal/txflow"
	"txflow/internal/types"
)

var ErrInvalidCertificate = errors.New("invalid certificate")

// Certificate proves that an epoch's representative reached the endorsement
// threshold. Signers is indexed by validator set order.
type Certificate struct {
	Epoch          uint64
	Representative txflow.Hash
	Signers        aggregation.Bitmap
	Signature      []byte // aggregated BLS signature over the endorsement digest
	Weight         uint64
}

// String returns a one-line summary.
func (c *Certificate) String() string {
	return fmt.Sprintf("Certificate(epoch=%d rep=%s signers=%d weight=%d)",
		c.Epoch, c.Representative, c.Signers.Count(), c.Weight)
}

// VerifyCertificate checks that the signers are known validators whose
// combined weight equals c.Weight and reaches threshold, and that the
// aggregate signature is valid for the representative.
func VerifyCertificate(c *Certificate, validators *txflow.ValidatorSet, threshold uint64) error {
	indices := c.Signers.Indices()
	if len(indices) == 0 {
		return fmt.Errorf("%w: no signers", ErrInvalidCertificate)
	}

	pks := make([]aggregation.PublicKey, 0, len(indices))
	var weight uint64

	for _, i := range indices {
		v, ok := validators.At(i)
		if !ok {
			return fmt.Errorf("%w: signer index %d out of range", ErrInvalidCertificate, i)
		}

		pks = append(pks, v.BLSKey)
		weight += v.Weight
	}

	if weight != c.Weight {
		return fmt.Errorf("%w: weight %d, signers carry %d", ErrInvalidCertificate, c.Weight, weight)
	}

	if weight < threshold {
		return fmt.Errorf("%w: weight %d below threshold %d", ErrInvalidCertificate, weight, threshold)
	}

	if !aggregation.VerifyAggregate(c.Signature, txflow.EndorsementDigest(c.Epoch, c.Representative), pks) {
		return fmt.Errorf("%w: aggregate signature", ErrInvalidCertificate)
	}

	return nil
}

// BuildCertificate writes c into builder and returns the table offset.
func BuildCertificate(builder *flatbuffers.Builder, c *Certificate) flatbuffers.UOffsetT {
	sigVec := builder.CreateByteVector(c.Signature)
	signersVec := builder.CreateByteVector(c.Signers)
	repVec := builder.CreateByteVector(c.Representative[:])

	types.CertificateStart(builder)
	types.CertificateAddEpoch(builder, c.Epoch)
	types.CertificateAddRepresentative(builder, repVec)
	types.CertificateAddSigners(builder, signersVec)
	types.CertificateAddSignature(builder, sigVec)
	types.CertificateAddWeight(builder, c.Weight)

	return types.CertificateEnd(builder)
}

// EncodeCertificate serializes c as a standalone buffer.
func EncodeCertificate(c *Certificate) []byte {
	builder := flatbuffers.NewBuilder(256)
	builder.Finish(BuildCertificate(builder, c))

	return builder.FinishedBytes()
}

// DecodeCertificate parses a standalone certificate. The signature is not verified.
func DecodeCertificate(data []byte) (c *Certificate, err error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidCertificate, len(data))
	}

	defer func() {
		if r := recover(); r != nil {
			c, err = nil, fmt.Errorf("%w: %v", ErrInvalidCertificate, r)
		}
	}()

	return CertificateFromTable(types.GetRootAsCertificate(data, 0))
}

// CertificateFromTable copies a certificate out of its flatbuffers table.
func CertificateFromTable(fb *types.Certificate) (*Certificate, error) {
	rep, err := txflow.HashFromBytes(fb.RepresentativeBytes())
	if err != nil {
		return nil, fmt.Errorf("%w: representative: %v", ErrInvalidCertificate, err)
	}

	return &Certificate{
		Epoch:          fb.Epoch(),
		Representative: rep,
		Signers:        append(aggregation.Bitmap(nil), fb.SignersBytes()...),
		Signature:      append([]byte(nil), fb.SignatureBytes()...),
		Weight:         fb.Weight(),
	}, nil
}
