package p2pid

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/petervdpas/goop2-relay/internal/identity"
	"github.com/petervdpas/goop2-relay/internal/quicnet"
	"github.com/petervdpas/goop2-relay/internal/secretstore"
	"github.com/petervdpas/goop2-relay/internal/storage"
	"github.com/petervdpas/goop2-relay/internal/wire"
)

// ErrRejected is returned when the sharer declines the exchange (busy,
// UI reject, or UI-decision timeout).
type ErrRejected struct{ Reason string }

func (e *ErrRejected) Error() string { return fmt.Sprintf("p2pid: sharer rejected: %s", e.Reason) }

// Scanner drives the scanner half of spec §4.6's five-step exchange:
// IDLE → CONNECTED → ADD_ME_SENT → WAIT_DECISION → {CONTACT_SAVED →
// CONFIRMED_SENT → DONE | REJECTED}.
type Scanner struct {
	signer   *identity.Signer
	secrets  secretstore.Store
	contacts *storage.ContactStore
}

// NewScanner builds a Scanner.
func NewScanner(signer *identity.Signer, secrets secretstore.Store, contacts *storage.ContactStore) *Scanner {
	return &Scanner{signer: signer, secrets: secrets, contacts: contacts}
}

// Connect dials the sharer at addr, advertised under peerName (the
// display name recovered out-of-band from the sharer's published
// artifact — spec §4.6 never puts it on the wire in this direction), and
// runs the exchange to completion. ctx cancellation before Confirmed is
// sent is treated as the scanner's own NeverMind.
func (s *Scanner) Connect(ctx context.Context, addr, peerName string) error {
	tlsConf, err := clientTLSConfig(s.signer)
	if err != nil {
		return err
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, &quic.Config{MaxIdleTimeout: 30 * time.Second})
	if err != nil {
		return fmt.Errorf("p2pid: dial %s: %w", addr, err)
	}
	defer conn.CloseWithError(0, "exchange complete")

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("p2pid: open exchange stream: %w", err)
	}
	defer stream.Close()

	own, err := identity.GenerateFriendshipKeyPair(s.secrets)
	if err != nil {
		return fmt.Errorf("p2pid: generate friendship key: %w", err)
	}
	if err := quicnet.WritePacket(stream, wire.AddMe{Epk: own.Public, Name: peerName}); err != nil {
		return fmt.Errorf("p2pid: send AddMe: %w", err)
	}

	pkt, err := awaitResponse(ctx, stream)
	if err != nil {
		return err
	}
	switch p := pkt.(type) {
	case wire.No:
		return &ErrRejected{Reason: p.Reason}
	case wire.AddedYou:
		peerIpk, err := peerIdentityKey(conn.ConnectionState().TLS.PeerCertificates)
		if err != nil {
			return err
		}
		return s.confirmAndSave(stream, peerIpk, p.Epk, peerName, own)
	default:
		return fmt.Errorf("p2pid: expected AddedYou/No, got tag %d", pkt.Tag())
	}
}

// awaitResponse races ReadPacket against ctx cancellation and the
// scanner's own response timeout, sending NeverMind if the caller backs
// out first (spec §4.6: "cancellation from the scanner before Confirmed
// aborts the exchange cleanly").
func awaitResponse(ctx context.Context, stream quic.Stream) (wire.Packet, error) {
	type result struct {
		pkt wire.Packet
		err error
	}
	done := make(chan result, 1)
	go func() {
		pkt, err := quicnet.ReadPacket(stream)
		done <- result{pkt, err}
	}()

	timer := time.NewTimer(scannerResponseTimeout)
	defer timer.Stop()
	select {
	case r := <-done:
		return r.pkt, r.err
	case <-ctx.Done():
		_ = quicnet.WritePacket(stream, wire.NeverMind{})
		return nil, ctx.Err()
	case <-timer.C:
		_ = quicnet.WritePacket(stream, wire.NeverMind{})
		return nil, errors.New("p2pid: timed out waiting for sharer's decision")
	}
}

func (s *Scanner) confirmAndSave(stream quic.Stream, peerIpk identity.NodeKey, peerEpk [32]byte, peerName string, own *identity.FriendshipKeyPair) error {
	row := storage.ContactRow{
		IdentityPublicKey:        peerIpk.Hex(),
		AgreementPublicKey:       peerEpk[:],
		EncryptedAgreementSecret: own.EncryptedSecret(),
		DisplayName:              peerName,
		AddedAt:                  time.Now(),
	}
	if err := s.contacts.Create(row); err != nil {
		return fmt.Errorf("p2pid: save contact: %w", err)
	}
	if err := quicnet.WritePacket(stream, wire.Confirmed{}); err != nil {
		return fmt.Errorf("p2pid: send Confirmed: %w", err)
	}
	return nil
}
