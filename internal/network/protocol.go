package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// maxFrameSize is the maximum encoded package size (16 MB).
	maxFrameSize = 16 << 20

	// lengthPrefixSize is the size of the length prefix in bytes.
	lengthPrefixSize = 4

	// maxRemoteErrorSize bounds the error text sent back to a requester.
	maxRemoteErrorSize = 512
)

// Response status, the first byte of every response frame.
const (
	statusOK    byte = 0
	statusError byte = 1
)

var errEmptyResponse = errors.New("empty response frame")

// RemoteError is a failure reported by the peer's request handler.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "remote: " + e.Message
}

// writeFrame writes one length-prefixed frame.
// Format: [4 bytes big-endian length] [payload]
func writeFrame(w io.Writer, data []byte) error {
	if len(data) > maxFrameSize {
		return fmt.Errorf("frame too large: %d > %d", len(data), maxFrameSize)
	}

	frame := make([]byte, lengthPrefixSize+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[lengthPrefixSize:], data)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}

	return nil
}

// readFrame reads one length-prefixed frame.
func readFrame(r io.Reader) ([]byte, error) {
	var prefix [lengthPrefixSize]byte

	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, fmt.Errorf("read length: %w", err)
	}

	length := binary.BigEndian.Uint32(prefix[:])
	if length > maxFrameSize {
		return nil, fmt.Errorf("frame too large: %d > %d", length, maxFrameSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}

	return data, nil
}

// writeResponse answers a request with data, or with the handler's error
// text when handlerErr is set.
func writeResponse(w io.Writer, data []byte, handlerErr error) error {
	if handlerErr != nil {
		msg := handlerErr.Error()
		if len(msg) > maxRemoteErrorSize {
			msg = msg[:maxRemoteErrorSize]
		}

		return writeFrame(w, append([]byte{statusError}, msg...))
	}

	return writeFrame(w, append([]byte{statusOK}, data...))
}

// readResponse reads a response frame. An error status becomes a
// *RemoteError.
func readResponse(r io.Reader) ([]byte, error) {
	frame, err := readFrame(r)
	if err != nil {
		return nil, err
	}

	if len(frame) == 0 {
		return nil, errEmptyResponse
	}

	switch frame[0] {
	case statusOK:
		return frame[1:], nil
	case statusError:
		return nil, &RemoteError{Message: string(frame[1:])}
	default:
		return nil, fmt.Errorf("unknown response status %d", frame[0])
	}
}
