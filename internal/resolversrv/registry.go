// Package resolversrv implements the resolver's rendezvous registry (spec
// §4.7): relay registration over a long-lived unidirectional stream,
// duplicate-connect arbitration, heartbeat-driven liveness, and the
// client-facing GetRelays query.
package resolversrv

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/petervdpas/goop2-relay/internal/identity"
	"github.com/petervdpas/goop2-relay/internal/quicnet"
	"github.com/petervdpas/goop2-relay/internal/wire"
)

// HeartbeatTimeout is how long a relay can go without a RelayHeartbeat
// before it is evicted as disconnected (spec §4.7).
const HeartbeatTimeout = 3 * RelayHeartbeatInterval

// RelayHeartbeatInterval mirrors spec §4.10's
// RESOLVER_RELAY_HEARTBEAT_INTERVAL, used here only to size the eviction
// timeout relative to the interval relays are expected to heartbeat on.
const RelayHeartbeatInterval = 20 * time.Second

type entry struct {
	conn     quic.Connection
	lastSeen time.Time
	addr     string
}

// Registry is the resolver-process-scope relay_id→connection table.
type Registry struct {
	mu      sync.RWMutex
	entries map[identity.NodeId]*entry
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[identity.NodeId]*entry)}
}

// Handler returns the quicnet.Handler for ALPNResolver connections: it
// dispatches each connection to either the relay-registration flow (an
// incoming unidirectional stream carrying RelayHello/RelayHeartbeat) or the
// client query flow (a bidirectional stream carrying GetRelaysRequest).
func (r *Registry) Handler() quicnet.Handler {
	return func(ctx context.Context, conn quic.Connection) {
		r.serveConnection(ctx, conn)
	}
}

// serveConnection accepts both a relay's registration uni-streams and a
// client's query bidi-streams concurrently: a given connection only ever
// uses one of the two in practice, so whichever accept loop doesn't apply
// simply blocks until the connection closes.
func (r *Registry) serveConnection(ctx context.Context, conn quic.Connection) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			stream, err := conn.AcceptUniStream(ctx)
			if err != nil {
				return
			}
			go r.serveRelayStream(ctx, conn, stream)
		}
	}()
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			<-done
			return
		}
		go r.serveQueryStream(stream)
	}
}

func (r *Registry) serveRelayStream(ctx context.Context, conn quic.Connection, stream quic.ReceiveStream) {
	pkt, err := quicnet.ReadPacket(stream)
	if err != nil {
		log.Printf("resolversrv: read RelayHello: %v", err)
		return
	}
	hello, ok := pkt.(wire.RelayHello)
	if !ok {
		log.Printf("resolversrv: expected RelayHello, got tag %d", pkt.Tag())
		return
	}

	r.register(hello.RelayId, conn)
	if err := r.ackHello(ctx, conn); err != nil {
		log.Printf("resolversrv: send HelloAck: %v", err)
		return
	}

	for {
		pkt, err := quicnet.ReadPacket(stream)
		if err != nil {
			r.evict(hello.RelayId, conn)
			return
		}
		hb, ok := pkt.(wire.RelayHeartbeat)
		if !ok {
			continue
		}
		r.touch(hb.RelayId)
	}
}

// register inserts relayID → conn, closing any prior connection under the
// same id with DuplicateConnect (spec §4.7).
func (r *Registry) register(relayID identity.NodeId, conn quic.Connection) {
	r.mu.Lock()
	prev := r.entries[relayID]
	r.entries[relayID] = &entry{conn: conn, lastSeen: time.Now(), addr: conn.RemoteAddr().String()}
	r.mu.Unlock()

	if prev != nil && prev.conn != conn {
		prev.conn.CloseWithError(0, "DuplicateConnect")
	}
}

func (r *Registry) touch(relayID identity.NodeId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[relayID]; ok {
		e.lastSeen = time.Now()
	}
}

func (r *Registry) evict(relayID identity.NodeId, conn quic.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[relayID]; ok && e.conn == conn {
		delete(r.entries, relayID)
	}
}

// EvictStale removes any relay whose last heartbeat is older than
// HeartbeatTimeout. Call this periodically from a housekeeping goroutine.
func (r *Registry) EvictStale(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.entries {
		if now.Sub(e.lastSeen) > HeartbeatTimeout {
			e.conn.CloseWithError(0, "heartbeat timeout")
			delete(r.entries, id)
		}
	}
}

func (r *Registry) ackHello(ctx context.Context, conn quic.Connection) error {
	stream, err := conn.OpenUniStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("resolversrv: open HelloAck stream: %w", err)
	}
	ack := wire.HelloAck{ResolverTime: wire.TimestampFromUnixNano(time.Now().UnixNano())}
	if err := quicnet.WritePacket(stream, ack); err != nil {
		return err
	}
	return stream.Close()
}

func (r *Registry) serveQueryStream(stream quic.Stream) {
	pkt, err := quicnet.ReadPacket(stream)
	if err != nil {
		return
	}
	if _, ok := pkt.(wire.GetRelaysRequest); !ok {
		return
	}
	resp := wire.GetRelaysResponse{Relays: r.List()}
	if err := quicnet.WritePacket(stream, resp); err != nil {
		log.Printf("resolversrv: write GetRelaysResponse: %v", err)
	}
}

// List returns every live relay as a RelayDescriptor.
func (r *Registry) List() []wire.RelayDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]wire.RelayDescriptor, 0, len(r.entries))
	for id, e := range r.entries {
		out = append(out, wire.RelayDescriptor{Id: id, Addr: e.addr})
	}
	return out
}
