package network

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"txflow/internal/proxy"
	"txflow/internal/txflow"
)

const (
	// defaultReconnectDelay is the default delay between reconnection attempts.
	defaultReconnectDelay = 5 * time.Second

	// maxReconnectDelay is the maximum delay between reconnection attempts.
	maxReconnectDelay = 60 * time.Second

	// defaultRequestTimeout bounds a request without a context deadline.
	defaultRequestTimeout = 30 * time.Second

	// alpnProtocol is the ALPN protocol identifier.
	alpnProtocol = "txflow/1"
)

// Config holds the configuration for a Transport.
type Config struct {
	PrivateKey     ed25519.PrivateKey // PrivateKey is the node's ed25519 identity
	ListenAddr     string             // ListenAddr is the address to listen on (e.g., ":9000")
	Inbox          *proxy.Inbox       // Inbox receives decoded inbound packages
	ReconnectDelay time.Duration      // ReconnectDelay is the initial delay between reconnection attempts
	Logger         *slog.Logger       // Logger defaults to slog.Default()
}

// RequestHandler answers a request from the validator with ID from.
type RequestHandler func(from txflow.Hash, data []byte) ([]byte, error)

// Transport moves packages between validators over QUIC. Each package is
// one length-prefixed frame on its own unidirectional stream. Inbound
// packages are checked against the sender's TLS identity and pushed into
// the inbox, which is the source of the node's proxy chain. Requests use
// bidirectional streams answered by the OnRequest handler.
type Transport struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	listenAddr string
	tlsConfig  *tls.Config
	quicConfig *quic.Config
	inbox      *proxy.Inbox
	log        *slog.Logger

	listener *quic.Listener

	peers   map[string]*Peer // peers maps public key hex to peer
	peersMu sync.RWMutex

	knownAddrs   map[string]string // knownAddrs maps public key hex to address (for reconnection)
	knownAddrsMu sync.RWMutex

	reconnectDelay time.Duration

	onRequest  RequestHandler
	handlersMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a transport. Call Start to listen.
func New(cfg Config) (*Transport, error) {
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}

	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("listen address is required")
	}

	if cfg.Inbox == nil {
		return nil, fmt.Errorf("inbox is required")
	}

	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay == 0 {
		reconnectDelay = defaultReconnectDelay
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	ident, err := newIdentity(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("create identity: %w", err)
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Transport{
		privateKey:     cfg.PrivateKey,
		publicKey:      cfg.PrivateKey.Public().(ed25519.PublicKey),
		listenAddr:     cfg.ListenAddr,
		tlsConfig:      ident.tlsConfig(),
		quicConfig:     quicConfig,
		inbox:          cfg.Inbox,
		log:            log,
		peers:          make(map[string]*Peer),
		knownAddrs:     make(map[string]string),
		reconnectDelay: reconnectDelay,
		ctx:            ctx,
		cancel:         cancel,
	}, nil
}

// PublicKey returns the transport's identity.
func (t *Transport) PublicKey() ed25519.PublicKey {
	return t.publicKey
}

// Addr returns the listener's address, or "" before Start.
func (t *Transport) Addr() string {
	if t.listener == nil {
		return ""
	}

	return t.listener.Addr().String()
}

// Start listens and accepts connections in the background.
func (t *Transport) Start() error {
	listener, err := quic.ListenAddr(t.listenAddr, t.tlsConfig, t.quicConfig)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	t.listener = listener

	t.wg.Add(1)
	go t.acceptLoop()

	return nil
}

// Connect dials a remote validator.
func (t *Transport) Connect(addr string) (*Peer, error) {
	conn, err := quic.DialAddr(t.ctx, addr, t.tlsConfig, t.quicConfig)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	peer, err := t.setupPeer(conn, addr)
	if err != nil {
		conn.CloseWithError(1, "setup failed")
		return nil, err
	}

	t.log.Info("peer connected", "peer", peer.ID(), "addr", addr)

	return peer, nil
}

// Broadcast encodes p once and sends it to every connected peer.
// It implements node.Broadcaster.
func (t *Transport) Broadcast(p *proxy.Package) error {
	data := proxy.Encode(p)

	var lastErr error

	for _, peer := range t.Peers() {
		if err := peer.Send(data); err != nil {
			lastErr = err
		}
	}

	return lastErr
}

// Peers returns the connected peers.
func (t *Transport) Peers() []*Peer {
	t.peersMu.RLock()
	defer t.peersMu.RUnlock()

	peers := make([]*Peer, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}

	return peers
}

// GetPeer returns the peer with the given key, or nil if not connected.
func (t *Transport) GetPeer(pubkey ed25519.PublicKey) *Peer {
	t.peersMu.RLock()
	defer t.peersMu.RUnlock()

	return t.peers[hex.EncodeToString(pubkey)]
}

// Close stops the transport, closes all connections and closes the inbox.
func (t *Transport) Close() error {
	t.cancel()

	if t.listener != nil {
		t.listener.Close()
	}

	t.peersMu.Lock()
	for _, p := range t.peers {
		p.Close()
	}
	t.peers = make(map[string]*Peer)
	t.peersMu.Unlock()

	t.wg.Wait()
	t.inbox.Close()

	return nil
}

// OnRequest sets the handler answering peer requests.
func (t *Transport) OnRequest(fn RequestHandler) {
	t.handlersMu.Lock()
	t.onRequest = fn
	t.handlersMu.Unlock()
}

// answer runs the request handler for a request from p.
func (t *Transport) answer(p *Peer, data []byte) ([]byte, error) {
	t.handlersMu.RLock()
	fn := t.onRequest
	t.handlersMu.RUnlock()

	if fn == nil {
		return nil, fmt.Errorf("no request handler registered")
	}

	return fn(p.ID(), data)
}

// acceptLoop accepts incoming connections.
func (t *Transport) acceptLoop() {
	defer t.wg.Done()

	for {
		conn, err := t.listener.Accept(t.ctx)
		if err != nil {
			return // Listener closed
		}

		peer, err := t.setupPeer(conn, conn.RemoteAddr().String())
		if err != nil {
			conn.CloseWithError(1, "setup failed")
			continue
		}

		t.log.Info("peer accepted", "peer", peer.ID(), "addr", peer.Address())
	}
}

// setupPeer registers a connection and starts its receive loop.
func (t *Transport) setupPeer(conn *quic.Conn, addr string) (*Peer, error) {
	pubKey, err := peerKey(conn.ConnectionState().TLS)
	if err != nil {
		return nil, fmt.Errorf("peer key: %w", err)
	}

	keyHex := hex.EncodeToString(pubKey)

	peer := &Peer{
		publicKey: pubKey,
		address:   addr,
		conn:      conn,
		transport: t,
	}

	t.peersMu.Lock()
	if old, ok := t.peers[keyHex]; ok {
		old.Close()
	}
	t.peers[keyHex] = peer
	t.peersMu.Unlock()

	t.knownAddrsMu.Lock()
	t.knownAddrs[keyHex] = addr
	t.knownAddrsMu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		peer.receiveLoop(t.ctx)
	}()

	return peer, nil
}

// deliver decodes an inbound frame and pushes it into the inbox. Packages
// claiming a sender other than the connection's identity are dropped.
func (t *Transport) deliver(p *Peer, data []byte) {
	pkg, err := proxy.Decode(data)
	if err != nil {
		t.log.Debug("undecodable frame", "peer", p.ID(), "error", err)
		return
	}

	if pkg.From != p.ID() {
		t.log.Warn("package sender does not match peer identity", "peer", p.ID(), "from", pkg.From)
		return
	}

	if err := t.inbox.Push(t.ctx, pkg); err != nil {
		t.log.Debug("inbox closed, dropping package", "peer", p.ID(), "error", err)
	}
}

// handlePeerDisconnect unregisters p and schedules a reconnect.
func (t *Transport) handlePeerDisconnect(p *Peer) {
	keyHex := hex.EncodeToString(p.publicKey)

	t.peersMu.Lock()
	if t.peers[keyHex] == p {
		delete(t.peers, keyHex)
	}
	t.peersMu.Unlock()

	t.log.Info("peer disconnected", "peer", p.ID())

	if t.ctx.Err() != nil {
		return
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.reconnectPeer(keyHex)
	}()
}

// reconnectPeer retries a known peer with exponential backoff.
func (t *Transport) reconnectPeer(keyHex string) {
	delay := t.reconnectDelay

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-time.After(delay):
		}

		t.knownAddrsMu.RLock()
		addr, ok := t.knownAddrs[keyHex]
		t.knownAddrsMu.RUnlock()

		if !ok {
			return
		}

		t.peersMu.RLock()
		_, exists := t.peers[keyHex]
		t.peersMu.RUnlock()

		if exists {
			return
		}

		if _, err := t.Connect(addr); err == nil {
			return
		}

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}
