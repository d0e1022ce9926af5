package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	flatbuffers "github.com/google/flatbuffers/go"

	"txflow/internal/epoch"
	"txflow/internal/txflow"
	"txflow/internal/types"
)

const (
	// requestTimeout is the timeout for snapshot requests.
	requestTimeout = 60 * time.Second
)

// ErrNoSnapshot is returned by a peer that has not built a snapshot yet.
var ErrNoSnapshot = errors.New("no snapshot available")

// requestID is a global counter for snapshot requests.
var requestID atomic.Uint64

// Requester can send requests and receive responses.
type Requester interface {
	Request(ctx context.Context, data []byte) ([]byte, error)
}

// Restorer applies a decoded snapshot.
type Restorer interface {
	Restore(msgs []*txflow.Message, certs []*epoch.Certificate) (int, error)
}

// RequestSnapshot requests a snapshot from a remote peer and returns it
// decompressed.
func RequestSnapshot(ctx context.Context, peer Requester) ([]byte, error) {
	reqID := requestID.Add(1)

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	respData, err := peer.Request(ctx, buildSnapshotRequest(reqID))
	if err != nil {
		return nil, fmt.Errorf("send request:\n%w", err)
	}

	resp, err := parseSnapshotResponse(respData)
	if err != nil {
		return nil, err
	}

	if resp.id != reqID {
		return nil, fmt.Errorf("request ID mismatch: got %d, want %d", resp.id, reqID)
	}

	if len(resp.data) == 0 {
		return nil, ErrNoSnapshot
	}

	data, err := DecompressSnapshot(resp.data)
	if err != nil {
		return nil, fmt.Errorf("decompress snapshot:\n%w", err)
	}

	if uint64(len(data)) != resp.size {
		return nil, fmt.Errorf("snapshot size mismatch: got %d, want %d", len(data), resp.size)
	}

	return data, nil
}

// CatchUp fetches a snapshot from the first peer able to serve one and
// restores it. Returns the number of newly admitted messages.
func CatchUp(ctx context.Context, peers []Requester, r Restorer, log *slog.Logger) (int, error) {
	if len(peers) == 0 {
		return 0, fmt.Errorf("no peers to catch up from")
	}

	var errs []error

	for i, p := range peers {
		data, err := RequestSnapshot(ctx, p)
		if err != nil {
			log.Debug("snapshot request failed", "peer", i, "error", err)
			errs = append(errs, err)
			continue
		}

		snap, err := ParseSnapshot(data)
		if err != nil {
			log.Warn("invalid snapshot", "peer", i, "error", err)
			errs = append(errs, err)
			continue
		}

		n, err := r.Restore(snap.Messages, snap.Certificates)
		if err != nil {
			return n, fmt.Errorf("restore snapshot:\n%w", err)
		}

		return n, nil
	}

	return 0, fmt.Errorf("catch up failed:\n%w", errors.Join(errs...))
}

// Handler answers snapshot requests with the manager's latest snapshot.
// Its signature matches the transport's request handler.
func Handler(m *SnapshotManager) func(from txflow.Hash, data []byte) ([]byte, error) {
	return func(from txflow.Hash, data []byte) ([]byte, error) {
		reqID, err := parseSnapshotRequest(data)
		if err != nil {
			return nil, err
		}

		compressed, size := m.Latest()

		m.log.Debug("serving snapshot", "peer", from, "request_id", reqID, "compressed", len(compressed))

		return buildSnapshotResponse(reqID, compressed, size), nil
	}
}

// buildSnapshotRequest creates a FlatBuffers snapshot request.
func buildSnapshotRequest(reqID uint64) []byte {
	builder := flatbuffers.NewBuilder(64)

	types.SnapshotRequestStart(builder)
	types.SnapshotRequestAddRequestId(builder, reqID)
	builder.Finish(types.SnapshotRequestEnd(builder))

	return builder.FinishedBytes()
}

// parseSnapshotRequest extracts the request ID.
func parseSnapshotRequest(data []byte) (id uint64, err error) {
	if len(data) < 8 {
		return 0, fmt.Errorf("snapshot request too short: %d bytes", len(data))
	}

	defer func() {
		if r := recover(); r != nil {
			id, err = 0, fmt.Errorf("malformed snapshot request: %v", r)
		}
	}()

	return types.GetRootAsSnapshotRequest(data, 0).RequestId(), nil
}

// buildSnapshotResponse creates a FlatBuffers snapshot response. A nil
// snapshot produces an empty data vector.
func buildSnapshotResponse(reqID uint64, compressed []byte, size uint64) []byte {
	builder := flatbuffers.NewBuilder(len(compressed) + 64)

	dataOffset := builder.CreateByteVector(compressed)

	types.SnapshotResponseStart(builder)
	types.SnapshotResponseAddRequestId(builder, reqID)
	types.SnapshotResponseAddUncompressedSize(builder, size)
	types.SnapshotResponseAddData(builder, dataOffset)
	builder.Finish(types.SnapshotResponseEnd(builder))

	return builder.FinishedBytes()
}

// snapshotResponse is a decoded snapshot response.
type snapshotResponse struct {
	id   uint64
	size uint64 // uncompressed size
	data []byte // compressed snapshot, empty when the peer has none
}

// parseSnapshotResponse decodes a response table.
func parseSnapshotResponse(data []byte) (resp snapshotResponse, err error) {
	if len(data) < 8 {
		return resp, fmt.Errorf("snapshot response too short: %d bytes", len(data))
	}

	defer func() {
		if r := recover(); r != nil {
			resp, err = snapshotResponse{}, fmt.Errorf("malformed snapshot response: %v", r)
		}
	}()

	fb := types.GetRootAsSnapshotResponse(data, 0)

	return snapshotResponse{
		id:   fb.RequestId(),
		size: fb.UncompressedSize(),
		data: fb.DataBytes(),
	}, nil
}
