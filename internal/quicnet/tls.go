// Package quicnet owns the single UDP socket and single quic-go endpoint
// shared by every server role (resolver, relay) and the client, dispatching
// each incoming connection by its negotiated ALPN protocol (spec §4.1,
// §6's transport section).
package quicnet

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"math/big"
	"time"
)

// ALPN protocol identifiers. A connection's negotiated protocol selects
// which role handler takes it.
const (
	ALPNResolver = "resolver/1"
	ALPNRelay    = "relay/1"
	ALPNPeer     = "peer/1"
	ALPNClient   = "client/1"
)

// selfSignedTLSConfig generates an ephemeral ECDSA P-256 certificate and
// returns a tls.Config advertising protos over ALPN. Production
// deployments load a persistent cert from config instead (see
// LoadOrGenerateCert). Nothing in the repository calls it: internal/p2pid
// builds its own identity-bound certificate in p2pid/cert.go.
func selfSignedTLSConfig(protos []string) (*tls.Config, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("quicnet: generate key: %w", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return nil, fmt.Errorf("quicnet: create certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: priv}},
		NextProtos:   protos,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// LoadOrGenerateCert loads a PEM certificate/key pair from disk, generating
// and persisting a fresh self-signed one on first run.
func LoadOrGenerateCert(certPath, keyPath string) (tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err == nil {
		return cert, nil
	}
	return generateAndSave(certPath, keyPath)
}
