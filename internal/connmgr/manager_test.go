package connmgr

import (
	"context"
	"testing"
	"time"

	"github.com/petervdpas/goop2-relay/internal/events"
	"github.com/petervdpas/goop2-relay/internal/identity"
	"github.com/petervdpas/goop2-relay/internal/secretstore"
	"github.com/petervdpas/goop2-relay/internal/selector"
	"github.com/petervdpas/goop2-relay/internal/storage"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	store, err := storage.OpenNetworkStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	sel := selector.New(store, 1, 1)
	signer, err := identity.GenerateSigner(secretstore.NewMemory(0x42))
	if err != nil {
		t.Fatal(err)
	}
	return New(signer, sel, store, &events.RecordingSink{}, nil, true, nil)
}

func TestForwardRequiresActiveConnection(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Forward(identity.NodeKey{}, []byte("hi")); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestPublicAddrRequiresActiveConnection(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.PublicAddr(); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestSelectAndResolveFormatsHostPort(t *testing.T) {
	m := newTestManager(t)
	if err := m.store.UpsertDescriptor("relay-a", "203.0.113.5", 4433, 1); err != nil {
		t.Fatal(err)
	}
	id, addr, err := m.selectAndResolve()
	if err != nil {
		t.Fatal(err)
	}
	if id != "relay-a" || addr != "203.0.113.5:4433" {
		t.Fatalf("unexpected result: id=%q addr=%q", id, addr)
	}
}

func TestPickRelayFallsBackToNoSeedsError(t *testing.T) {
	m := newTestManager(t)
	if _, _, err := m.pickRelay(context.Background()); err == nil {
		t.Fatal("expected an error when no relays are known and no resolver seeds are configured")
	}
}

func TestRecordFailureThenCircuitOpensAfterThreshold(t *testing.T) {
	m := newTestManager(t)
	if err := m.store.UpsertDescriptor("relay-a", "203.0.113.5", 4433, 1); err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	for i := 0; i < selector.FailureThreshold; i++ {
		if err := m.selector.RecordFailure("relay-a", now); err != nil {
			t.Fatal(err)
		}
	}
	row, err := m.store.Get("relay-a")
	if err != nil {
		t.Fatal(err)
	}
	if row.CircuitState != storage.CircuitOpen {
		t.Fatalf("expected circuit to open after %d failures, got %s", selector.FailureThreshold, row.CircuitState)
	}
}
