package network

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"time"

	"txflow/internal/txflow"
)

// certValidity is the lifetime of the self-signed certificate.
const certValidity = 365 * 24 * time.Hour

var (
	errNoPeerCertificate = errors.New("no peer certificate")
	errNotEd25519        = errors.New("peer certificate does not carry an ed25519 key")
)

// identity is the node's TLS identity. The certificate only carries the
// validator key; peers are authenticated by that key, never by a chain.
type identity struct {
	id   txflow.Hash
	cert tls.Certificate
}

// newIdentity builds a self-signed certificate for the validator key.
func newIdentity(priv ed25519.PrivateKey) (*identity, error) {
	pub := priv.Public().(ed25519.PublicKey)

	var id txflow.Hash
	copy(id[:], pub)

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "txflow-" + id.String()},
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(certValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, pub, priv)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}

	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}

	return &identity{
		id: id,
		cert: tls.Certificate{
			Certificate: [][]byte{der},
			PrivateKey:  priv,
			Leaf:        leaf,
		},
	}, nil
}

// tlsConfig returns the settings shared by the listener and the dialer.
// Both sides present a certificate; verification only checks the key.
func (i *identity) tlsConfig() *tls.Config {
	return &tls.Config{
		Certificates:          []tls.Certificate{i.cert},
		ClientAuth:            tls.RequireAnyClientCert,
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: verifyPeerKey,
		NextProtos:            []string{alpnProtocol},
		MinVersion:            tls.VersionTLS13,
	}
}

// verifyPeerKey accepts a self-signed certificate carrying an ed25519 key.
func verifyPeerKey(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return errNoPeerCertificate
	}

	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return fmt.Errorf("parse peer certificate: %w", err)
	}

	if _, ok := cert.PublicKey.(ed25519.PublicKey); !ok {
		return errNotEd25519
	}

	return cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature)
}

// peerKey returns the validator key presented by the remote side.
func peerKey(state tls.ConnectionState) (ed25519.PublicKey, error) {
	if len(state.PeerCertificates) == 0 {
		return nil, errNoPeerCertificate
	}

	key, ok := state.PeerCertificates[0].PublicKey.(ed25519.PublicKey)
	if !ok {
		return nil, errNotEd25519
	}

	return key, nil
}
