package relaysrv

import (
	"context"
	"errors"
	"io"
	"log"

	"github.com/quic-go/quic-go"

	"github.com/petervdpas/goop2-relay/internal/identity"
	"github.com/petervdpas/goop2-relay/internal/quicnet"
	"github.com/petervdpas/goop2-relay/internal/storage"
	"github.com/petervdpas/goop2-relay/internal/wire"
)

// streamSemaphoreSize bounds concurrent application streams per connection
// on the relay's client-facing side (spec §4.4, §5).
const streamSemaphoreSize = 16

// Relay serves client connections on the relay/1 and client/1 ALPNs.
type Relay struct {
	clients *ClientTable
	forward *ForwardPlane
}

// New builds a Relay backed by queue for store-and-forward persistence.
func New(queue *storage.NetworkStore) *Relay {
	clients := NewClientTable()
	return &Relay{clients: clients, forward: NewForwardPlane(clients, queue)}
}

// Handler returns the quicnet.Handler that drives one client connection
// through the handshake and then the forward plane for its lifetime.
func (r *Relay) Handler() quicnet.Handler {
	return func(ctx context.Context, conn quic.Connection) {
		r.serveConnection(ctx, conn)
	}
}

func (r *Relay) serveConnection(ctx context.Context, conn quic.Connection) {
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		return
	}

	ipk, err := Handshake(ctx, stream)
	if err != nil {
		log.Printf("relaysrv: handshake failed from %s: %v", conn.RemoteAddr(), err)
		conn.CloseWithError(0, "handshake failed")
		return
	}

	prev := r.clients.Put(ipk, conn)
	if prev != nil && prev != conn {
		prev.CloseWithError(0, "superseded")
	}
	defer func() {
		r.clients.RemoveIfCurrent(ipk, conn)
		log.Printf("relaysrv: connection %s -> %s", ipk.Hex(), StateClosed)
	}()

	if err := r.forward.Drain(ctx, ipk, conn); err != nil {
		log.Printf("relaysrv: queue drain failed for %s: %v", ipk.Hex(), err)
	}
	log.Printf("relaysrv: connection %s -> %s", ipk.Hex(), StateIdle)

	sem := quicnet.NewSemaphore(streamSemaphoreSize)
	go r.serveStream(ctx, ipk, conn, stream, sem)
	for {
		s, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		go r.serveStream(ctx, ipk, conn, s, sem)
	}
}

func (r *Relay) serveStream(ctx context.Context, ipk identity.NodeKey, conn quic.Connection, stream quic.Stream, sem quicnet.Semaphore) {
	select {
	case sem <- struct{}{}:
	default:
		// excess streams are dropped without error, per spec §4.4.
		stream.CancelRead(0)
		return
	}
	defer func() { <-sem }()

	pkt, err := quicnet.ReadPacket(stream)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			log.Printf("relaysrv: stream read error: %v", err)
		}
		return
	}

	log.Printf("relaysrv: connection %s -> %s", ipk.Hex(), StateBusy)
	switch p := pkt.(type) {
	case wire.Query:
		if err := r.forward.HandleQuery(stream, conn); err != nil {
			log.Printf("relaysrv: query response failed: %v", err)
		}
	case wire.Forward:
		if err := r.forward.HandleForward(ctx, stream, p); err != nil {
			log.Printf("relaysrv: forward handling failed: %v", err)
		}
	default:
		log.Printf("relaysrv: unexpected packet tag %d on forward-plane stream", pkt.Tag())
	}
	log.Printf("relaysrv: connection %s -> %s", ipk.Hex(), StateIdle)
}
