package relaysrv

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/petervdpas/goop2-relay/internal/identity"
	"github.com/petervdpas/goop2-relay/internal/quicnet"
	"github.com/petervdpas/goop2-relay/internal/wire"
)

// HandshakeTimeout is spec §4.4's 10-second hard deadline; progress (a
// valid packet arriving) restarts it, per spec §5. A var, not a const, so
// tests can shrink it rather than wait out the real deadline.
var HandshakeTimeout = 10 * time.Second

// ErrPacketMismatch is the close reason for any out-of-order packet during
// the handshake (spec §4.4, §7).
var ErrPacketMismatch = errors.New("relaysrv: packet order mismatch")

// ErrHandshakeTimeout marks a stalled handshake (spec §7: "record relay
// failure; caller retries").
var ErrHandshakeTimeout = errors.New("relaysrv: handshake timed out")

// ErrInvalidSignature is the reject reason for a failed ClientProof.
var ErrInvalidSignature = errors.New("relaysrv: invalid signature")

// Handshake runs the spec §4.4 four-message sequence on stream, tracking
// progress through the SessionState machine as it goes, and returns the
// authenticated client's identity key on success.
func Handshake(ctx context.Context, stream io.ReadWriter) (identity.NodeKey, error) {
	parent := ctx
	ctx, cancel := context.WithTimeout(parent, HandshakeTimeout)
	defer cancel()

	state := StateInit

	pkt, err := readWithDeadline(ctx, stream)
	if err != nil {
		return identity.NodeKey{}, fmt.Errorf("relaysrv: read ClientHello: %w", err)
	}
	hello, ok := pkt.(wire.ClientHello)
	if !ok {
		return identity.NodeKey{}, fmt.Errorf("%w: expected ClientHello, got tag %d", ErrPacketMismatch, pkt.Tag())
	}
	state = StateHelloSent
	log.Printf("relaysrv: handshake %s -> %s", hello.Ipk.Hex(), state)

	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return identity.NodeKey{}, fmt.Errorf("relaysrv: generate nonce: %w", err)
	}
	if err := quicnet.WritePacket(stream, wire.ServerChallenge{Nonce: nonce}); err != nil {
		return identity.NodeKey{}, fmt.Errorf("relaysrv: write ServerChallenge: %w", err)
	}
	state = StateChallenged
	log.Printf("relaysrv: handshake %s -> %s", hello.Ipk.Hex(), state)

	ctx, cancel2 := context.WithTimeout(parent, HandshakeTimeout)
	defer cancel2()
	pkt, err = readWithDeadline(ctx, stream)
	if err != nil {
		return identity.NodeKey{}, fmt.Errorf("relaysrv: read ClientProof: %w", err)
	}
	proof, ok := pkt.(wire.ClientProof)
	if !ok {
		return identity.NodeKey{}, fmt.Errorf("%w: expected ClientProof, got tag %d", ErrPacketMismatch, pkt.Tag())
	}
	state = StateProofSent
	log.Printf("relaysrv: handshake %s -> %s", hello.Ipk.Hex(), state)

	signed := wire.HandshakeSignedMessage(nonce)
	if !identity.VerifyStrict(ed25519.PublicKey(hello.Ipk[:]), signed, proof.Sig[:]) {
		state = StateRejected
		log.Printf("relaysrv: handshake %s -> %s", hello.Ipk.Hex(), state)
		_ = quicnet.WritePacket(stream, wire.ServerReject{Reason: "Invalid Signature"})
		return identity.NodeKey{}, ErrInvalidSignature
	}

	if err := quicnet.WritePacket(stream, wire.ServerAccept{Timestamp: uint64(time.Now().Unix())}); err != nil {
		return identity.NodeKey{}, fmt.Errorf("relaysrv: write ServerAccept: %w", err)
	}
	state = StateAuthenticated
	log.Printf("relaysrv: handshake %s -> %s", hello.Ipk.Hex(), state)
	return hello.Ipk, nil
}

// readWithDeadline reads one packet, translating a context timeout into
// ErrHandshakeTimeout so callers can distinguish it from transport errors.
func readWithDeadline(ctx context.Context, stream io.Reader) (wire.Packet, error) {
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
	case <-ctx.Done():
		return nil, ErrHandshakeTimeout
	case r := <-done:
		return r.pkt, r.err
	}
}
