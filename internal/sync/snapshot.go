package sync

import (
	"encoding/binary"
	"errors"
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"txflow/internal/epoch"
	"txflow/internal/txflow"
	"txflow/internal/types"
)

// snapshotVersion is the current snapshot format version.
const snapshotVersion = 1

var ErrInvalidSnapshot = errors.New("invalid snapshot")

// Snapshot is a decoded DAG snapshot. Messages are ordered parents first.
type Snapshot struct {
	Messages     []*txflow.Message
	Certificates []*epoch.Certificate
}

// CreateSnapshot encodes msgs and certs with a checksum. msgs must be
// ordered parents first, as returned by the DAG store.
func CreateSnapshot(msgs []*txflow.Message, certs []*epoch.Certificate) []byte {
	encoded := make([][]byte, len(msgs))
	for i, m := range msgs {
		encoded[i] = txflow.EncodeMessage(m)
	}

	builder := flatbuffers.NewBuilder(1024)

	certOffsets := make([]flatbuffers.UOffsetT, len(certs))
	certBytes := make([][]byte, len(certs))
	for i, c := range certs {
		certOffsets[i] = epoch.BuildCertificate(builder, c)
		certBytes[i] = epoch.EncodeCertificate(c)
	}

	msgOffsets := make([]flatbuffers.UOffsetT, len(encoded))
	for i, data := range encoded {
		dataOffset := builder.CreateByteVector(data)

		types.SnapshotMessageStart(builder)
		types.SnapshotMessageAddData(builder, dataOffset)
		msgOffsets[i] = types.SnapshotMessageEnd(builder)
	}

	types.SnapshotStartMessagesVector(builder, len(msgOffsets))
	for i := len(msgOffsets) - 1; i >= 0; i-- {
		builder.PrependUOffsetT(msgOffsets[i])
	}
	msgVector := builder.EndVector(len(msgOffsets))

	types.SnapshotStartCertificatesVector(builder, len(certOffsets))
	for i := len(certOffsets) - 1; i >= 0; i-- {
		builder.PrependUOffsetT(certOffsets[i])
	}
	certVector := builder.EndVector(len(certOffsets))

	checksum := computeChecksum(snapshotVersion, encoded, certBytes)
	checksumOffset := builder.CreateByteVector(checksum[:])

	types.SnapshotStart(builder)
	types.SnapshotAddVersion(builder, snapshotVersion)
	types.SnapshotAddChecksum(builder, checksumOffset)
	types.SnapshotAddMessages(builder, msgVector)
	types.SnapshotAddCertificates(builder, certVector)
	builder.Finish(types.SnapshotEnd(builder))

	return builder.FinishedBytes()
}

// ParseSnapshot decodes a snapshot and verifies its version and checksum.
// Message hashes are checked; signatures are left to admission.
func ParseSnapshot(data []byte) (snap *Snapshot, err error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidSnapshot, len(data))
	}

	defer func() {
		if r := recover(); r != nil {
			snap, err = nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, r)
		}
	}()

	fb := types.GetRootAsSnapshot(data, 0)

	if v := fb.Version(); v != snapshotVersion {
		return nil, fmt.Errorf("%w: version %d", ErrInvalidSnapshot, v)
	}

	snap = &Snapshot{
		Messages:     make([]*txflow.Message, 0, fb.MessagesLength()),
		Certificates: make([]*epoch.Certificate, 0, fb.CertificatesLength()),
	}

	encoded := make([][]byte, fb.MessagesLength())
	var entry types.SnapshotMessage

	for i := range encoded {
		if !fb.Messages(&entry, i) {
			return nil, fmt.Errorf("%w: read message %d", ErrInvalidSnapshot, i)
		}

		encoded[i] = entry.DataBytes()

		m, err := txflow.DecodeMessage(encoded[i])
		if err != nil {
			return nil, fmt.Errorf("decode message %d:\n%w", i, err)
		}

		snap.Messages = append(snap.Messages, m)
	}

	certBytes := make([][]byte, fb.CertificatesLength())
	var cert types.Certificate

	for i := range certBytes {
		if !fb.Certificates(&cert, i) {
			return nil, fmt.Errorf("%w: read certificate %d", ErrInvalidSnapshot, i)
		}

		c, err := epoch.CertificateFromTable(&cert)
		if err != nil {
			return nil, fmt.Errorf("decode certificate %d:\n%w", i, err)
		}

		certBytes[i] = epoch.EncodeCertificate(c)
		snap.Certificates = append(snap.Certificates, c)
	}

	want := computeChecksum(snapshotVersion, encoded, certBytes)
	if got := fb.ChecksumBytes(); string(got) != string(want[:]) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrInvalidSnapshot)
	}

	return snap, nil
}

// computeChecksum hashes the version and every length-prefixed item.
func computeChecksum(version uint32, msgs, certs [][]byte) [32]byte {
	h := blake3.New()

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(version))
	h.Write(buf[:])

	for _, group := range [][][]byte{msgs, certs} {
		binary.BigEndian.PutUint64(buf[:], uint64(len(group)))
		h.Write(buf[:])

		for _, item := range group {
			binary.BigEndian.PutUint64(buf[:], uint64(len(item)))
			h.Write(buf[:])
			h.Write(item)
		}
	}

	var sum [32]byte
	h.Sum(sum[:0])

	return sum
}

// CompressSnapshot compresses snapshot data using zstd.
func CompressSnapshot(data []byte) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create encoder:\n%w", err)
	}
	defer encoder.Close()

	return encoder.EncodeAll(data, nil), nil
}

// DecompressSnapshot decompresses zstd-compressed snapshot data.
func DecompressSnapshot(data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create decoder:\n%w", err)
	}
	defer decoder.Close()

	return decoder.DecodeAll(data, nil)
}
