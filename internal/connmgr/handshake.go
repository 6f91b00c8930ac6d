package connmgr

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/petervdpas/goop2-relay/internal/identity"
	"github.com/petervdpas/goop2-relay/internal/quicnet"
	"github.com/petervdpas/goop2-relay/internal/wire"
)

// clientHandshakeTimeout mirrors relaysrv.HandshakeTimeout: the same
// 10-second deadline applies symmetrically on the client side (spec §4.4).
const clientHandshakeTimeout = 10 * time.Second

// clientHandshake drives the spec §4.4 four-message exchange from the
// client's side of a freshly-dialed relay connection and returns the
// handshake stream, which the caller closes once authentication is done.
func clientHandshake(ctx context.Context, conn quic.Connection, signer *identity.Signer) (quic.Stream, error) {
	ctx, cancel := context.WithTimeout(ctx, clientHandshakeTimeout)
	defer cancel()

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("connmgr: open handshake stream: %w", err)
	}

	if err := quicnet.WritePacket(stream, wire.ClientHello{Ipk: signer.NodeKey()}); err != nil {
		stream.Close()
		return nil, fmt.Errorf("connmgr: send ClientHello: %w", err)
	}

	pkt, err := readWithDeadline(ctx, stream)
	if err != nil {
		stream.Close()
		return nil, fmt.Errorf("connmgr: read ServerChallenge: %w", err)
	}
	challenge, ok := pkt.(wire.ServerChallenge)
	if !ok {
		stream.Close()
		return nil, fmt.Errorf("connmgr: expected ServerChallenge, got tag %d", pkt.Tag())
	}

	sig, err := signer.Sign(wire.HandshakeSignedMessage(challenge.Nonce))
	if err != nil {
		stream.Close()
		return nil, fmt.Errorf("connmgr: sign challenge: %w", err)
	}
	var proof wire.ClientProof
	copy(proof.Sig[:], sig)
	if err := quicnet.WritePacket(stream, proof); err != nil {
		stream.Close()
		return nil, fmt.Errorf("connmgr: send ClientProof: %w", err)
	}

	pkt, err = readWithDeadline(ctx, stream)
	if err != nil {
		stream.Close()
		return nil, fmt.Errorf("connmgr: read handshake result: %w", err)
	}
	switch p := pkt.(type) {
	case wire.ServerAccept:
		return stream, nil
	case wire.ServerReject:
		stream.Close()
		return nil, fmt.Errorf("connmgr: relay rejected handshake: %s", p.Reason)
	default:
		stream.Close()
		return nil, fmt.Errorf("connmgr: expected ServerAccept/ServerReject, got tag %d", pkt.Tag())
	}
}

// readWithDeadline mirrors relaysrv.readWithDeadline on the client side so
// a relay that stalls mid-handshake doesn't hang the connection manager.
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
		return nil, ctx.Err()
	case r := <-done:
		return r.pkt, r.err
	}
}
