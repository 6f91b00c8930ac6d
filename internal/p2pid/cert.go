package p2pid

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/petervdpas/goop2-relay/internal/identity"
	"github.com/petervdpas/goop2-relay/internal/quicnet"
)

// signerAdapter lets an *identity.Signer stand in for a crypto.Signer so
// it can back a tls.Certificate's private key: crypto/tls calls Sign with
// the raw message for ed25519 (it special-cases crypto.Hash(0)), which is
// exactly identity.Signer.Sign's contract.
type signerAdapter struct{ signer *identity.Signer }

func (a signerAdapter) Public() crypto.PublicKey { return a.signer.Public() }

func (a signerAdapter) Sign(_ io.Reader, digest []byte, _ crypto.SignerOpts) ([]byte, error) {
	return a.signer.Sign(digest)
}

// identityTLSCert builds a self-signed certificate whose subject public
// key is the node's identity Ed25519 key, binding ipk into the TLS
// handshake itself (spec §4.6: "bound into its TLS client certificate").
func identityTLSCert(signer *identity.Signer) (tls.Certificate, error) {
	pub, ok := signer.Public().(ed25519.PublicKey)
	if !ok {
		return tls.Certificate{}, fmt.Errorf("p2pid: identity key is not ed25519")
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, pub, signerAdapter{signer})
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("p2pid: create identity certificate: %w", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: signerAdapter{signer}}, nil
}

// peerIdentityKey extracts the ipk embedded in a negotiated connection's
// leaf peer certificate.
func peerIdentityKey(certs []*x509.Certificate) (identity.NodeKey, error) {
	if len(certs) == 0 {
		return identity.NodeKey{}, fmt.Errorf("p2pid: no peer certificate presented")
	}
	pub, ok := certs[0].PublicKey.(ed25519.PublicKey)
	if !ok {
		return identity.NodeKey{}, fmt.Errorf("p2pid: peer certificate is not ed25519")
	}
	return identity.NewNodeKey(pub)
}

// serverTLSConfig requires but does not CA-verify the scanner's
// certificate: there is no CA here, the ipk it carries is the trust
// anchor, matching spec §4.6's anti-impersonation rationale.
func serverTLSConfig(signer *identity.Signer) (*tls.Config, error) {
	cert, err := identityTLSCert(signer)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAnyClientCert,
		NextProtos:   []string{quicnet.ALPNPeer},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

func clientTLSConfig(signer *identity.Signer) (*tls.Config, error) {
	cert, err := identityTLSCert(signer)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		NextProtos:         []string{quicnet.ALPNPeer},
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS13,
	}, nil
}
