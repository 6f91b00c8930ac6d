package p2pid

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/petervdpas/goop2-relay/internal/identity"
	"github.com/petervdpas/goop2-relay/internal/quicnet"
	"github.com/petervdpas/goop2-relay/internal/secretstore"
	"github.com/petervdpas/goop2-relay/internal/storage"
	"github.com/petervdpas/goop2-relay/internal/wire"
)

// Sharer listens for incoming identity exchanges and drives each through
// LISTEN → ADD_ME_RECEIVED → PENDING_UI_DECISION → {ADDED_YOU_SENT →
// WAIT_CONFIRM → {CONTACT_SAVED|DISCARD} | NO_SENT} → CLOSED.
//
// Only one exchange is in flight at a time per process (spec §4.6): a
// second incoming AddMe while one is pending is told No{"busy"}.
type Sharer struct {
	signer   *identity.Signer
	secrets  secretstore.Store
	contacts *storage.ContactStore
	decide   Decider
	busy     atomic.Bool
}

// NewSharer builds a Sharer. decide is consulted for every incoming
// exchange request, raced against UIDecisionTimeout.
func NewSharer(signer *identity.Signer, secrets secretstore.Store, contacts *storage.ContactStore, decide Decider) *Sharer {
	return &Sharer{signer: signer, secrets: secrets, contacts: contacts, decide: decide}
}

// Listen binds addr with an mTLS QUIC listener scoped to ALPNPeer and
// serves incoming exchanges until ctx is cancelled.
func (s *Sharer) Listen(ctx context.Context, addr string) error {
	return s.listen(ctx, addr, nil)
}

// listen is Listen's implementation, with an optional onBound hook that
// reports the listener's actual address once bound — used by tests that
// bind an ephemeral port and need to learn which one was chosen.
func (s *Sharer) listen(ctx context.Context, addr string, onBound func(net.Addr)) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("p2pid: resolve %s: %w", addr, err)
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("p2pid: listen %s: %w", addr, err)
	}
	tlsConf, err := serverTLSConfig(s.signer)
	if err != nil {
		udpConn.Close()
		return err
	}
	listener, err := quic.Listen(udpConn, tlsConf, &quic.Config{MaxIdleTimeout: 30 * time.Second})
	if err != nil {
		udpConn.Close()
		return fmt.Errorf("p2pid: quic listen: %w", err)
	}
	defer listener.Close()
	log.Printf("p2pid: listening on %s", listener.Addr())
	if onBound != nil {
		onBound(listener.Addr())
	}

	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("p2pid: accept: %w", err)
		}
		go s.serveConnection(ctx, conn)
	}
}

func (s *Sharer) serveConnection(ctx context.Context, conn quic.Connection) {
	if !s.busy.CompareAndSwap(false, true) {
		s.rejectBusy(ctx, conn)
		return
	}
	defer s.busy.Store(false)

	if err := s.runExchange(ctx, conn); err != nil {
		log.Printf("p2pid: exchange with %s failed: %v", conn.RemoteAddr(), err)
	}
}

func (s *Sharer) rejectBusy(ctx context.Context, conn quic.Connection) {
	defer conn.CloseWithError(0, "busy")
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		return
	}
	_ = quicnet.WritePacket(stream, wire.No{Reason: "busy"})
}

func (s *Sharer) runExchange(ctx context.Context, conn quic.Connection) error {
	defer conn.CloseWithError(0, "exchange complete")

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		return fmt.Errorf("accept exchange stream: %w", err)
	}

	peerIpk, err := peerIdentityKey(conn.ConnectionState().TLS.PeerCertificates)
	if err != nil {
		return err
	}

	pkt, err := quicnet.ReadPacket(stream)
	if err != nil {
		return fmt.Errorf("read AddMe: %w", err)
	}
	addMe, ok := pkt.(wire.AddMe)
	if !ok {
		return fmt.Errorf("expected AddMe, got tag %d", pkt.Tag())
	}
	candidate := Candidate{PeerIpk: peerIpk, PeerEpk: addMe.Epk, Name: addMe.Name}

	accepted := s.awaitDecision(candidate)
	if !accepted {
		return quicnet.WritePacket(stream, wire.No{Reason: "rejected"})
	}

	own, err := identity.GenerateFriendshipKeyPair(s.secrets)
	if err != nil {
		return fmt.Errorf("generate friendship key: %w", err)
	}
	if err := quicnet.WritePacket(stream, wire.AddedYou{Epk: own.Public}); err != nil {
		return fmt.Errorf("send AddedYou: %w", err)
	}

	return s.awaitConfirm(stream, candidate, own)
}

// awaitDecision races decide against UIDecisionTimeout, treating a slow
// or absent decider as a reject.
func (s *Sharer) awaitDecision(c Candidate) bool {
	if s.decide == nil {
		return false
	}
	result := make(chan bool, 1)
	go func() { result <- s.decide(c) }()
	select {
	case accepted := <-result:
		return accepted
	case <-time.After(UIDecisionTimeout):
		return false
	}
}

func (s *Sharer) awaitConfirm(stream quic.Stream, candidate Candidate, own *identity.FriendshipKeyPair) error {
	type result struct {
		pkt wire.Packet
		err error
	}
	done := make(chan result, 1)
	go func() {
		pkt, err := quicnet.ReadPacket(stream)
		done <- result{pkt, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return fmt.Errorf("read confirmation: %w", r.err)
		}
		switch r.pkt.(type) {
		case wire.Confirmed:
			return s.saveContact(candidate, own)
		case wire.NeverMind:
			return nil // scanner cancelled before confirming; nothing saved
		default:
			return fmt.Errorf("expected Confirmed/NeverMind, got tag %d", r.pkt.Tag())
		}
	case <-time.After(ConfirmTimeout):
		return nil // DISCARD: confirmation never arrived, nothing saved
	}
}

func (s *Sharer) saveContact(candidate Candidate, own *identity.FriendshipKeyPair) error {
	row := storage.ContactRow{
		IdentityPublicKey:        candidate.PeerIpk.Hex(),
		AgreementPublicKey:       candidate.PeerEpk[:],
		EncryptedAgreementSecret: own.EncryptedSecret(),
		DisplayName:              candidate.Name,
		AddedAt:                  time.Now(),
	}
	if err := s.contacts.Create(row); err != nil {
		return fmt.Errorf("save contact: %w", err)
	}
	return nil
}
