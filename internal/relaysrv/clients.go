package relaysrv

import (
	"sync"

	"github.com/quic-go/quic-go"

	"github.com/petervdpas/goop2-relay/internal/identity"
)

// ClientTable is the relay-process-scope `ipk → connection` table of spec
// §5. It is guarded by a single reader-writer lock: lookups for forwarding
// are frequent, inserts/removals (auth completion, disconnect) are rare.
type ClientTable struct {
	mu      sync.RWMutex
	clients map[identity.NodeKey]quic.Connection
}

// NewClientTable builds an empty table.
func NewClientTable() *ClientTable {
	return &ClientTable{clients: make(map[identity.NodeKey]quic.Connection)}
}

// Put inserts or replaces the connection for ipk, returning the previous
// connection if one existed (the caller may want to close it).
func (t *ClientTable) Put(ipk identity.NodeKey, conn quic.Connection) quic.Connection {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.clients[ipk]
	t.clients[ipk] = conn
	return prev
}

// Get looks up the live connection for ipk.
func (t *ClientTable) Get(ipk identity.NodeKey) (quic.Connection, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	conn, ok := t.clients[ipk]
	return conn, ok
}

// RemoveIfCurrent deletes ipk's entry only if it still points at conn,
// per spec §4.4's disconnect rule: never erase a newer reconnection.
func (t *ClientTable) RemoveIfCurrent(ipk identity.NodeKey, conn quic.Connection) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.clients[ipk]; ok && cur == conn {
		delete(t.clients, ipk)
	}
}
