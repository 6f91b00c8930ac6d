// Package connmgr implements the client connection manager of spec §4.9:
// an outer loop that picks a relay through the selector, dials and
// handshakes it, serves the forward plane for as long as the connection
// lasts, and falls back to reconnecting on any failure — emitting every
// transition through an events.Sink.
package connmgr

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/petervdpas/goop2-relay/internal/events"
	"github.com/petervdpas/goop2-relay/internal/identity"
	"github.com/petervdpas/goop2-relay/internal/quicnet"
	"github.com/petervdpas/goop2-relay/internal/selector"
	"github.com/petervdpas/goop2-relay/internal/storage"
	"github.com/petervdpas/goop2-relay/internal/wire"
)

// reconnectDelay is the pause between a failed/dropped connection attempt
// and the next one (spec §4.9).
const reconnectDelay = 2 * time.Second

// reachabilityProbeTimeout bounds the "does this host have a route to the
// internet at all" check the manager runs before even asking the selector
// for a relay.
const reachabilityProbeTimeout = 3 * time.Second

// forwardStreamTimeout bounds opening a new forward-plane stream on an
// already-established connection (spec §4.5 — one stream per request).
const forwardStreamTimeout = 5 * time.Second

// ErrNoInternet is returned by an attempt that never got past the
// reachability probe.
var ErrNoInternet = errors.New("connmgr: no internet connectivity")

// DeliverHandler is invoked for every Deliver the relay pushes on a
// server-initiated stream while connected.
type DeliverHandler func(wire.Deliver)

// Manager drives one client's relay connection lifecycle.
type Manager struct {
	signer       *identity.Signer
	selector     *selector.Selector
	store        *storage.NetworkStore
	sink         events.Sink
	insecure     bool
	resolverAddr []string
	onDeliver    DeliverHandler
	probeAddr    string

	mu   sync.RWMutex
	conn quic.Connection
}

// New builds a Manager. resolverAddrs seeds the GetRelays refresh path
// when the selector has no eligible candidate; probeAddr is dialed (UDP,
// nothing is expected to answer) purely to exercise local routing before
// committing to a relay attempt.
func New(signer *identity.Signer, sel *selector.Selector, store *storage.NetworkStore, sink events.Sink, resolverAddrs []string, insecure bool, onDeliver DeliverHandler) *Manager {
	return &Manager{
		signer:       signer,
		selector:     sel,
		store:        store,
		sink:         sink,
		insecure:     insecure,
		resolverAddr: resolverAddrs,
		onDeliver:    onDeliver,
		probeAddr:    "8.8.8.8:53",
	}
}

// Run loops attemptConnection until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	m.emit(events.StateIdle, nil)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := m.attemptConnection(ctx); err != nil {
			log.Printf("connmgr: connection attempt failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

func (m *Manager) attemptConnection(ctx context.Context) error {
	if !m.probeReachable(ctx) {
		m.emit(events.StateNoInternet, nil)
		return ErrNoInternet
	}

	m.emit(events.StateResolving, nil)
	relayID, addr, err := m.pickRelay(ctx)
	if err != nil {
		m.emit(events.StateFailed, map[string]string{"reason": err.Error()})
		return fmt.Errorf("connmgr: pick relay: %w", err)
	}

	m.emit(events.StateConnecting, map[string]string{"relay_id": relayID, "addr": addr})
	conn, err := quicnet.Dial(ctx, addr, quicnet.ALPNClient, m.insecure)
	if err != nil {
		m.recordFailure(relayID)
		m.emit(events.StateFailed, map[string]string{"reason": err.Error()})
		return fmt.Errorf("connmgr: dial %s: %w", addr, err)
	}

	m.emit(events.StateHandshaking, map[string]string{"relay_id": relayID})
	start := time.Now()
	stream, err := clientHandshake(ctx, conn, m.signer)
	if err != nil {
		conn.CloseWithError(0, "handshake failed")
		m.recordFailure(relayID)
		m.emit(events.StateFailed, map[string]string{"reason": err.Error()})
		return fmt.Errorf("connmgr: handshake with %s: %w", relayID, err)
	}
	latency := time.Since(start)
	if err := m.selector.RecordSuccess(relayID, latency, time.Now()); err != nil {
		log.Printf("connmgr: record success for %s: %v", relayID, err)
	}
	// The handshake stream has served its purpose; Forward/PublicAddr open
	// their own streams per call, so close it rather than leave the
	// relay's matching serveStream goroutine blocked reading on it.
	stream.Close()

	m.setActive(conn)
	m.emit(events.StateConnected, map[string]string{"relay_id": relayID})
	m.serve(ctx, conn)
	m.clearActive()
	m.emit(events.StateReconnecting, map[string]string{"relay_id": relayID})
	return nil
}

// serve spawns the receiver loop and blocks until the connection closes or
// ctx is cancelled, whichever comes first.
func (m *Manager) serve(ctx context.Context, conn quic.Connection) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			stream, err := conn.AcceptStream(conn.Context())
			if err != nil {
				return
			}
			go m.serveDeliverStream(stream)
		}
	}()
	select {
	case <-ctx.Done():
		conn.CloseWithError(0, "shutting down")
	case <-conn.Context().Done():
	}
	<-done
}

func (m *Manager) serveDeliverStream(stream quic.Stream) {
	defer stream.Close()
	pkt, err := quicnet.ReadPacket(stream)
	if err != nil {
		return
	}
	deliver, ok := pkt.(wire.Deliver)
	if !ok {
		return
	}
	if m.onDeliver != nil {
		m.onDeliver(deliver)
	}
}

// probeReachable makes a best-effort UDP dial to check for a local route
// to the internet; it never sends data, so no traffic actually leaves.
func (m *Manager) probeReachable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, reachabilityProbeTimeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", m.probeAddr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// pickRelay asks the selector for a candidate; on ErrNoneAvailable or a
// stale descriptor it refreshes the relay list from the configured
// resolvers and retries once.
func (m *Manager) pickRelay(ctx context.Context) (string, string, error) {
	id, addr, err := m.selectAndResolve()
	if err == nil {
		return id, addr, nil
	}
	if !errors.Is(err, selector.ErrNoneAvailable) && !errors.Is(err, storage.ErrRelayNotFound) {
		return "", "", err
	}
	if refreshErr := refreshRelayList(ctx, m.resolverAddr, m.insecure, m.store); refreshErr != nil {
		return "", "", refreshErr
	}
	return m.selectAndResolve()
}

func (m *Manager) selectAndResolve() (string, string, error) {
	id, err := m.selector.Select()
	if err != nil {
		return "", "", err
	}
	row, err := m.store.Get(id)
	if err != nil {
		return "", "", err
	}
	return id, net.JoinHostPort(row.Host, strconv.Itoa(row.Port)), nil
}

func (m *Manager) recordFailure(relayID string) {
	if err := m.selector.RecordFailure(relayID, time.Now()); err != nil {
		log.Printf("connmgr: record failure for %s: %v", relayID, err)
	}
}

func (m *Manager) setActive(conn quic.Connection) {
	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
}

func (m *Manager) clearActive() {
	m.mu.Lock()
	m.conn = nil
	m.mu.Unlock()
}

func (m *Manager) activeConn() quic.Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conn
}

// ErrNotConnected is returned by Forward/PublicAddr when no relay
// connection is currently active.
var ErrNotConnected = errors.New("connmgr: not connected to a relay")

// Forward signs and sends payload to recipient over a fresh stream on the
// active relay connection, returning the relay's ForwardResult. A new
// stream per call is required: the relay's serveStream (relaysrv/relay.go)
// reads exactly one packet per stream and returns, so reusing one stream
// across calls would leave the second call's read with no relay writer.
func (m *Manager) Forward(to identity.NodeKey, payload []byte) (wire.Packet, error) {
	conn := m.activeConn()
	if conn == nil {
		return nil, ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(context.Background(), forwardStreamTimeout)
	defer cancel()
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("connmgr: open forward stream: %w", err)
	}
	defer stream.Close()

	f := wire.Forward{To: to, From: m.signer.NodeKey(), Payload: payload}
	sig, err := m.signer.Sign(f.SignedMessage())
	if err != nil {
		return nil, fmt.Errorf("connmgr: sign forward: %w", err)
	}
	copy(f.Sig[:], sig)
	if err := quicnet.WritePacket(stream, f); err != nil {
		return nil, fmt.Errorf("connmgr: send forward: %w", err)
	}
	return quicnet.ReadPacket(stream)
}

// PublicAddr asks the active relay, over a fresh stream, for this
// connection's observed remote address (spec §9's resolution of
// public_addr()). Same one-packet-per-stream constraint as Forward.
func (m *Manager) PublicAddr() (string, error) {
	conn := m.activeConn()
	if conn == nil {
		return "", ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(context.Background(), forwardStreamTimeout)
	defer cancel()
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return "", fmt.Errorf("connmgr: open query stream: %w", err)
	}
	defer stream.Close()

	if err := quicnet.WritePacket(stream, wire.Query{}); err != nil {
		return "", fmt.Errorf("connmgr: send query: %w", err)
	}
	pkt, err := quicnet.ReadPacket(stream)
	if err != nil {
		return "", fmt.Errorf("connmgr: read query result: %w", err)
	}
	addr, ok := pkt.(wire.QueryResultAddr)
	if !ok {
		return "", fmt.Errorf("connmgr: unexpected query result tag %d", pkt.Tag())
	}
	return addr.Addr, nil
}

func (m *Manager) emit(state events.ConnectionState, detail map[string]string) {
	if m.sink == nil {
		return
	}
	m.sink.Emit(events.TagConnectionState, struct {
		State  events.ConnectionState `json:"state"`
		Detail map[string]string      `json:"detail,omitempty"`
	}{State: state, Detail: detail})
}
