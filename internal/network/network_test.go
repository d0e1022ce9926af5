package network

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"txflow/internal/proxy"
	"txflow/internal/txflow"
)

// generateTestKey generates a random ed25519 key for testing.
func generateTestKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	return priv
}

// startTransport creates and starts a transport on a random local port.
func startTransport(t *testing.T, key ed25519.PrivateKey) (*Transport, *proxy.Inbox) {
	t.Helper()

	inbox := proxy.NewInbox(64)
	tr, err := New(Config{
		PrivateKey: key,
		ListenAddr: "127.0.0.1:0",
		Inbox:      inbox,
	})
	if err != nil {
		t.Fatalf("create transport: %v", err)
	}

	if err := tr.Start(); err != nil {
		t.Fatalf("start transport: %v", err)
	}
	t.Cleanup(func() { tr.Close() })

	return tr, inbox
}

func idOf(key ed25519.PrivateKey) txflow.Hash {
	var id txflow.Hash
	copy(id[:], key.Public().(ed25519.PublicKey))
	return id
}

// nextPackage waits for one package from inbox.
func nextPackage(t *testing.T, inbox *proxy.Inbox) *proxy.Package {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p, err := inbox.Next(ctx)
	if err != nil {
		t.Fatalf("waiting for package: %v", err)
	}

	return p
}

func TestConfigValidation(t *testing.T) {
	key := generateTestKey(t)
	inbox := proxy.NewInbox(1)

	tests := []struct {
		name string
		cfg  Config
	}{
		{"no key", Config{ListenAddr: ":0", Inbox: inbox}},
		{"no address", Config{PrivateKey: key, Inbox: inbox}},
		{"no inbox", Config{PrivateKey: key, ListenAddr: ":0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestStartStopClosesInbox(t *testing.T) {
	key := generateTestKey(t)
	inbox := proxy.NewInbox(1)

	tr, err := New(Config{PrivateKey: key, ListenAddr: "127.0.0.1:0", Inbox: inbox})
	if err != nil {
		t.Fatalf("create transport: %v", err)
	}

	if err := tr.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	if tr.Addr() == "" {
		t.Error("started transport should have an address")
	}

	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := inbox.Next(context.Background()); err == nil {
		t.Error("inbox should be closed with the transport")
	}
}

func TestConnectIdentifiesPeer(t *testing.T) {
	serverKey := generateTestKey(t)
	server, _ := startTransport(t, serverKey)
	client, _ := startTransport(t, generateTestKey(t))

	peer, err := client.Connect(server.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	if !bytes.Equal(peer.PublicKey(), serverKey.Public().(ed25519.PublicKey)) {
		t.Error("peer public key mismatch")
	}

	if peer.ID() != idOf(serverKey) {
		t.Error("peer ID should be the public key")
	}

	time.Sleep(100 * time.Millisecond)

	if len(server.Peers()) != 1 || len(client.Peers()) != 1 {
		t.Errorf("peer counts: server %d, client %d", len(server.Peers()), len(client.Peers()))
	}

	if client.GetPeer(serverKey.Public().(ed25519.PublicKey)) == nil {
		t.Error("GetPeer should find the connected server")
	}
}

func TestBroadcastDeliversToInbox(t *testing.T) {
	senderKey := generateTestKey(t)
	sender, _ := startTransport(t, senderKey)

	const numReceivers = 3
	var inboxes []*proxy.Inbox

	for i := 0; i < numReceivers; i++ {
		receiver, inbox := startTransport(t, generateTestKey(t))
		if _, err := receiver.Connect(sender.Addr()); err != nil {
			t.Fatalf("connect receiver %d: %v", i, err)
		}
		inboxes = append(inboxes, inbox)
	}

	time.Sleep(100 * time.Millisecond)

	want := &proxy.Package{
		Kind:    proxy.KindMessage,
		From:    idOf(senderKey),
		Seq:     7,
		Payload: []byte("hello, txflow"),
	}

	if err := sender.Broadcast(want); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	for i, inbox := range inboxes {
		got := nextPackage(t, inbox)
		if got.From != want.From || got.Seq != want.Seq || !bytes.Equal(got.Payload, want.Payload) {
			t.Errorf("receiver %d: got %s, want %s", i, got, want)
		}
	}
}

func TestSpoofedSenderDropped(t *testing.T) {
	server, inbox := startTransport(t, generateTestKey(t))
	clientKey := generateTestKey(t)
	client, _ := startTransport(t, clientKey)

	peer, err := client.Connect(server.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	spoofed := &proxy.Package{Kind: proxy.KindMessage, From: idOf(generateTestKey(t)), Payload: []byte("x")}
	honest := &proxy.Package{Kind: proxy.KindMessage, From: idOf(clientKey), Seq: 2, Payload: []byte("y")}

	if err := peer.Send(proxy.Encode(spoofed)); err != nil {
		t.Fatalf("send: %v", err)
	}

	if err := peer.Send([]byte("not a package")); err != nil {
		t.Fatalf("send: %v", err)
	}

	if err := peer.Send(proxy.Encode(honest)); err != nil {
		t.Fatalf("send: %v", err)
	}

	got := nextPackage(t, inbox)
	if got.Seq != 2 {
		t.Errorf("expected only the honest package, got %s", got)
	}

	time.Sleep(100 * time.Millisecond)
	if inbox.Len() != 0 {
		t.Errorf("spoofed or malformed frames reached the inbox: %d", inbox.Len())
	}
}

func TestDisconnectRemovesPeer(t *testing.T) {
	server, _ := startTransport(t, generateTestKey(t))

	client, err := New(Config{PrivateKey: generateTestKey(t), ListenAddr: "127.0.0.1:0", Inbox: proxy.NewInbox(1)})
	if err != nil {
		t.Fatalf("create client: %v", err)
	}

	if err := client.Start(); err != nil {
		t.Fatalf("start client: %v", err)
	}

	if _, err := client.Connect(server.Addr()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	client.Close()

	deadline := time.Now().Add(5 * time.Second)
	for len(server.Peers()) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("server still has %d peers", len(server.Peers()))
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestFraming(t *testing.T) {
	var buf bytes.Buffer
	payload := bytes.Repeat([]byte{0xab}, 1<<20)

	if err := writeFrame(&buf, payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := readFrame(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	if !bytes.Equal(got, payload) {
		t.Error("frame payload mismatch")
	}

	if err := writeFrame(&buf, make([]byte, maxFrameSize+1)); err == nil {
		t.Error("oversized frame should be rejected")
	}

	oversized := []byte{0xff, 0xff, 0xff, 0xff}
	if _, err := readFrame(bytes.NewReader(oversized)); err == nil {
		t.Error("oversized length prefix should be rejected")
	}

	if _, err := readFrame(bytes.NewReader([]byte{0, 0, 0, 9, 1})); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("truncated frame: got %v", err)
	}
}

func TestRequestResponse(t *testing.T) {
	keyA, keyB := generateTestKey(t), generateTestKey(t)
	a, _ := startTransport(t, keyA)
	b, _ := startTransport(t, keyB)

	b.OnRequest(func(from txflow.Hash, data []byte) ([]byte, error) {
		if from != idOf(keyA) {
			return nil, errors.New("unexpected requester")
		}
		return append([]byte("echo:"), data...), nil
	})

	peer, err := a.Connect(b.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := peer.Request(ctx, []byte("ping"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	if string(resp) != "echo:ping" {
		t.Errorf("response: got %q, want echo:ping", resp)
	}
}

func TestRequestWithoutHandlerFails(t *testing.T) {
	a, _ := startTransport(t, generateTestKey(t))
	b, _ := startTransport(t, generateTestKey(t))

	peer, err := a.Connect(b.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = peer.Request(ctx, []byte("ping"))

	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected a remote error, got %v", err)
	}

	if !strings.Contains(remote.Message, "no request handler") {
		t.Errorf("remote message: got %q", remote.Message)
	}
}

func TestResponseStatus(t *testing.T) {
	var buf bytes.Buffer

	if err := writeResponse(&buf, []byte("ok"), nil); err != nil {
		t.Fatalf("write: %v", err)
	}

	if got, err := readResponse(&buf); err != nil || string(got) != "ok" {
		t.Errorf("ok response: got %q (%v)", got, err)
	}

	long := errors.New(strings.Repeat("x", 2*maxRemoteErrorSize))
	if err := writeResponse(&buf, nil, long); err != nil {
		t.Fatalf("write: %v", err)
	}

	var remote *RemoteError
	if _, err := readResponse(&buf); !errors.As(err, &remote) || len(remote.Message) != maxRemoteErrorSize {
		t.Errorf("error response: got %v", err)
	}

	writeFrame(&buf, nil)
	if _, err := readResponse(&buf); !errors.Is(err, errEmptyResponse) {
		t.Errorf("empty response: got %v", err)
	}

	writeFrame(&buf, []byte{7})
	if _, err := readResponse(&buf); err == nil {
		t.Error("unknown status should fail")
	}
}

func TestIdentityCertificate(t *testing.T) {
	key := generateTestKey(t)

	ident, err := newIdentity(key)
	if err != nil {
		t.Fatalf("new identity: %v", err)
	}

	if ident.id != idOf(key) {
		t.Errorf("id: got %s, want %s", ident.id, idOf(key))
	}

	if err := verifyPeerKey(ident.cert.Certificate, nil); err != nil {
		t.Errorf("own certificate rejected: %v", err)
	}

	if err := verifyPeerKey(nil, nil); !errors.Is(err, errNoPeerCertificate) {
		t.Errorf("missing certificate: got %v", err)
	}

	tampered := append([]byte(nil), ident.cert.Certificate[0]...)
	tampered[len(tampered)-1] ^= 0xff
	if err := verifyPeerKey([][]byte{tampered}, nil); err == nil {
		t.Error("tampered certificate accepted")
	}
}
