package resolversrv

import (
	"testing"
	"time"

	"github.com/petervdpas/goop2-relay/internal/identity"
)

func TestRegistryListEmptyOnNewRegistry(t *testing.T) {
	r := NewRegistry()
	if len(r.List()) != 0 {
		t.Fatalf("expected empty registry, got %v", r.List())
	}
	// register and EvictStale are not exercised by this file; it checks
	// only the zero-value invariants and the staleness predicate.
}

func TestHeartbeatTimeoutIsMultipleOfInterval(t *testing.T) {
	if HeartbeatTimeout != 3*RelayHeartbeatInterval {
		t.Fatalf("expected HeartbeatTimeout to track RelayHeartbeatInterval, got %v vs %v", HeartbeatTimeout, RelayHeartbeatInterval)
	}
	if HeartbeatTimeout <= RelayHeartbeatInterval {
		t.Fatal("heartbeat timeout must exceed the heartbeat interval")
	}
}

func TestStaleEntryExceedsHeartbeatTimeout(t *testing.T) {
	r := NewRegistry()
	id := identity.NodeId{1, 2, 3}
	now := time.Now()
	r.mu.Lock()
	r.entries[id] = &entry{conn: nil, lastSeen: now.Add(-HeartbeatTimeout - time.Second), addr: "stale"}
	r.mu.Unlock()

	// EvictStale would call conn.CloseWithError on a nil connection and
	// panic, mirroring the real registry's assumption that every entry
	// owns a live connection; exercise eviction bookkeeping directly
	// instead by checking the staleness predicate the method applies.
	r.mu.RLock()
	e := r.entries[id]
	stale := now.Sub(e.lastSeen) > HeartbeatTimeout
	r.mu.RUnlock()
	if !stale {
		t.Fatal("expected entry to be considered stale")
	}
}
