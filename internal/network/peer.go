package network

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"txflow/internal/txflow"
)

// Peer is a connection to a remote validator.
type Peer struct {
	publicKey ed25519.PublicKey
	address   string
	conn      *quic.Conn
	transport *Transport
	closed    atomic.Bool
	mu        sync.Mutex // serializes sends
}

// PublicKey returns the remote validator's ed25519 key.
func (p *Peer) PublicKey() ed25519.PublicKey {
	return p.publicKey
}

// ID returns the remote validator's ID.
func (p *Peer) ID() txflow.Hash {
	var id txflow.Hash
	copy(id[:], p.publicKey)
	return id
}

// Address returns the remote address.
func (p *Peer) Address() string {
	return p.address
}

// Send writes one frame on a new unidirectional stream.
func (p *Peer) Send(data []byte) error {
	if p.closed.Load() {
		return fmt.Errorf("peer is closed")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	stream, err := p.conn.OpenUniStreamSync(context.Background())
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}

	if err := writeFrame(stream, data); err != nil {
		stream.Close()
		return fmt.Errorf("write frame: %w", err)
	}

	return stream.Close()
}

// Close closes the connection.
func (p *Peer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	return p.conn.CloseWithError(0, "closed")
}

// Request sends data on a new bidirectional stream and waits for the
// response. Without a context deadline defaultRequestTimeout applies. A
// failure of the remote handler is returned as *RemoteError.
func (p *Peer) Request(ctx context.Context, data []byte) ([]byte, error) {
	if p.closed.Load() {
		return nil, fmt.Errorf("peer is closed")
	}

	stream, err := p.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open stream:\n%w", err)
	}
	defer stream.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultRequestTimeout)
	}
	stream.SetDeadline(deadline)

	if err := writeFrame(stream, data); err != nil {
		return nil, fmt.Errorf("write request:\n%w", err)
	}

	resp, err := readResponse(stream)
	if err != nil {
		return nil, fmt.Errorf("read response:\n%w", err)
	}

	return resp, nil
}

// receiveLoop accepts unidirectional streams until the connection ends.
// Bidirectional request streams are accepted alongside.
func (p *Peer) receiveLoop(ctx context.Context) {
	go p.acceptBidiStreams(ctx)

	for {
		stream, err := p.conn.AcceptUniStream(ctx)
		if err != nil {
			p.transport.log.Debug("receive loop ended", "peer", p.ID(), "error", err)
			break
		}

		go p.handleUniStream(stream)
	}

	p.handleDisconnect()
}

// acceptBidiStreams accepts request streams until the connection ends.
func (p *Peer) acceptBidiStreams(ctx context.Context) {
	for {
		stream, err := p.conn.AcceptStream(ctx)
		if err != nil {
			return
		}

		go p.handleBidiStream(stream)
	}
}

// handleBidiStream answers one request with the transport's request
// handler. Handler errors are sent back to the requester.
func (p *Peer) handleBidiStream(stream *quic.Stream) {
	defer stream.Close()

	data, err := readFrame(stream)
	if err != nil {
		return
	}

	resp, err := p.transport.answer(p, data)
	if err != nil {
		p.transport.log.Debug("request failed", "peer", p.ID(), "error", err)
	}

	if err := writeResponse(stream, resp, err); err != nil {
		p.transport.log.Debug("write response", "peer", p.ID(), "error", err)
	}
}

// handleUniStream reads one frame and hands it to the transport.
func (p *Peer) handleUniStream(stream *quic.ReceiveStream) {
	data, err := readFrame(stream)
	if err != nil {
		p.transport.log.Debug("stream read error", "peer", p.ID(), "error", err)
		return
	}

	p.transport.deliver(p, data)
}

// handleDisconnect runs once when the connection ends.
func (p *Peer) handleDisconnect() {
	if p.closed.Swap(true) {
		return
	}

	p.transport.handlePeerDisconnect(p)
}
