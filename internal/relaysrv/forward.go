package relaysrv

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/petervdpas/goop2-relay/internal/identity"
	"github.com/petervdpas/goop2-relay/internal/quicnet"
	"github.com/petervdpas/goop2-relay/internal/storage"
	"github.com/petervdpas/goop2-relay/internal/wire"
)

// ForwardPlane implements spec §4.5 against a ClientTable and a
// NetworkStore-backed store-and-forward queue.
type ForwardPlane struct {
	clients *ClientTable
	queue   *storage.NetworkStore
}

// NewForwardPlane builds a ForwardPlane.
func NewForwardPlane(clients *ClientTable, queue *storage.NetworkStore) *ForwardPlane {
	return &ForwardPlane{clients: clients, queue: queue}
}

// HandleQuery answers a Query request with the relay-observed remote
// address of this very connection (spec §9's resolution of the
// public_addr() open question).
func (fp *ForwardPlane) HandleQuery(stream quicnetStream, conn quic.Connection) error {
	return quicnet.WritePacket(stream, wire.QueryResultAddr{Addr: conn.RemoteAddr().String()})
}

// quicnetStream is the minimal surface ReadPacket/WritePacket need; quic's
// Stream and ReceiveStream/SendStream pairs all satisfy it.
type quicnetStream interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
}

// HandleForward verifies and routes one Forward request, writing exactly
// one ForwardResult back to stream (spec §4.5).
func (fp *ForwardPlane) HandleForward(ctx context.Context, stream quicnetStream, f wire.Forward) error {
	if !identity.VerifyStrict(ed25519.PublicKey(f.From[:]), f.SignedMessage(), f.Sig[:]) {
		return quicnet.WritePacket(stream, wire.ForwardResultInvalidSig{})
	}

	if conn, ok := fp.clients.Get(f.To); ok {
		if err := fp.deliverLive(ctx, conn, f); err != nil {
			return quicnet.WritePacket(stream, wire.ForwardResultError{Reason: "delivery failed"})
		}
		return quicnet.WritePacket(stream, wire.ForwardResultAccepted{})
	}

	if err := fp.enqueue(f); err != nil {
		_ = quicnet.WritePacket(stream, wire.ForwardResultError{Reason: "enqueue failed"})
		return fmt.Errorf("relaysrv: enqueue forward: %w", err)
	}
	return quicnet.WritePacket(stream, wire.ForwardResultAccepted{})
}

// deliverLive opens a server-initiated bidirectional stream to the
// recipient's connection and writes Deliver.
func (fp *ForwardPlane) deliverLive(ctx context.Context, conn quic.Connection, f wire.Forward) error {
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("relaysrv: open delivery stream: %w", err)
	}
	defer stream.Close()
	return quicnet.WritePacket(stream, wire.Deliver{From: f.From, Payload: f.Payload, Sig: f.Sig})
}

func (fp *ForwardPlane) enqueue(f wire.Forward) error {
	now := time.Now()
	key := storage.QueueKey(f.To, now, storage.RandomQueueNonce())
	frameBytes := wire.Encode(wire.Deliver{From: f.From, Payload: f.Payload, Sig: f.Sig})
	return fp.queue.Enqueue(key, f.To, frameBytes, now)
}

// Drain delivers every queued frame for recipient over conn, in
// chronological order, removing each as it is sent (spec §4.5: "drained
// to the recipient after their next successful authentication").
func (fp *ForwardPlane) Drain(ctx context.Context, recipient identity.NodeKey, conn quic.Connection) error {
	queued, err := fp.queue.Drain(recipient)
	if err != nil {
		return fmt.Errorf("relaysrv: drain queue: %w", err)
	}
	for _, qf := range queued {
		pkt, err := wire.Decode(qf.Frame)
		if err != nil {
			continue // a corrupt queued entry must not wedge the rest of the drain
		}
		deliver, ok := pkt.(wire.Deliver)
		if !ok {
			continue
		}
		stream, err := conn.OpenStreamSync(ctx)
		if err != nil {
			return fmt.Errorf("relaysrv: open drain stream: %w", err)
		}
		if err := quicnet.WritePacket(stream, deliver); err != nil {
			stream.Close()
			return fmt.Errorf("relaysrv: write drained deliver: %w", err)
		}
		stream.Close()
		if err := fp.queue.Remove(qf.Key); err != nil {
			return fmt.Errorf("relaysrv: remove drained entry: %w", err)
		}
	}
	return nil
}
