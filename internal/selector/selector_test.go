package selector

import (
	"testing"
	"time"

	"github.com/petervdpas/goop2-relay/internal/storage"
)

func newStoreWithRelay(t *testing.T, id string, windowAttempts, windowSuccesses int, latency time.Duration) *storage.NetworkStore {
	t.Helper()
	store, err := storage.OpenNetworkStore(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.UpsertDescriptor(id, "host", 4433, 1); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	row, err := store.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	row.WindowAttempts = windowAttempts
	row.WindowSuccesses = windowSuccesses
	row.WindowStart = time.Now()
	row.LastLatency = latency
	if err := store.Save(row, FailureThreshold); err != nil {
		t.Fatalf("save: %v", err)
	}
	return store
}

func TestScoringMonotonicityOnSuccessRate(t *testing.T) {
	lowRow := storage.RelayStatsRow{WindowAttempts: 10, WindowSuccesses: 2, LastLatency: 50 * time.Millisecond}
	highRow := storage.RelayStatsRow{WindowAttempts: 10, WindowSuccesses: 9, LastLatency: 50 * time.Millisecond}
	low := score(lowRow, 50*time.Millisecond, 50*time.Millisecond)
	high := score(highRow, 50*time.Millisecond, 50*time.Millisecond)
	if !(high > low) {
		t.Fatalf("expected higher success_rate to score higher: low=%f high=%f", low, high)
	}
}

func TestScoringMonotonicityOnLatency(t *testing.T) {
	fastRow := storage.RelayStatsRow{WindowAttempts: 10, WindowSuccesses: 5, LastLatency: 10 * time.Millisecond}
	slowRow := storage.RelayStatsRow{WindowAttempts: 10, WindowSuccesses: 5, LastLatency: 100 * time.Millisecond}
	fast := score(fastRow, 10*time.Millisecond, 100*time.Millisecond)
	slow := score(slowRow, 10*time.Millisecond, 100*time.Millisecond)
	if !(fast > slow) {
		t.Fatalf("expected lower latency to score higher: fast=%f slow=%f", fast, slow)
	}
}

func TestCircuitBreakerOpensAfterThreeFailures(t *testing.T) {
	store := newStoreWithRelay(t, "relay-1", 0, 0, 0)
	sel := New(store, 1, 0x1234)

	now := time.Now()
	for i := 0; i < FailureThreshold; i++ {
		if err := sel.RecordFailure("relay-1", now); err != nil {
			t.Fatalf("record failure: %v", err)
		}
	}

	row, err := store.Get("relay-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if row.CircuitState != storage.CircuitOpen {
		t.Fatalf("expected circuit open after %d failures, got %s", FailureThreshold, row.CircuitState)
	}
	wantBackoff := now.Add(5 * time.Second)
	if row.BackoffUntil.Before(wantBackoff.Add(-time.Second)) || row.BackoffUntil.After(wantBackoff.Add(time.Second)) {
		t.Fatalf("expected backoff_until near %v, got %v", wantBackoff, row.BackoffUntil)
	}
}

func TestCircuitBreakerPromotesToHalfOpenOnceAfterBackoff(t *testing.T) {
	store := newStoreWithRelay(t, "relay-1", 0, 0, 0)
	sel := New(store, 1, 0x1234)

	now := time.Now()
	for i := 0; i < FailureThreshold; i++ {
		if err := sel.RecordFailure("relay-1", now); err != nil {
			t.Fatalf("record failure: %v", err)
		}
	}

	row, _ := store.Get("relay-1")
	future := row.BackoffUntil.Add(time.Second)

	promoted, err := sel.maybePromote(row, future)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if promoted.CircuitState != storage.CircuitHalfOpen {
		t.Fatalf("expected half_open after backoff elapses, got %s", promoted.CircuitState)
	}

	// a second promotion attempt on the already-half_open row is a no-op,
	// not a repeated transition.
	again, err := sel.maybePromote(promoted, future)
	if err != nil {
		t.Fatalf("second promote: %v", err)
	}
	if again.CircuitState != storage.CircuitHalfOpen {
		t.Fatalf("expected half_open to remain stable, got %s", again.CircuitState)
	}
}

func TestSelectReturnsNoneAvailableWhenAllOpen(t *testing.T) {
	store := newStoreWithRelay(t, "relay-1", 0, 0, 0)
	sel := New(store, 1, 1)
	now := time.Now()
	for i := 0; i < FailureThreshold; i++ {
		if err := sel.RecordFailure("relay-1", now); err != nil {
			t.Fatalf("record failure: %v", err)
		}
	}
	if _, err := sel.Select(); err != ErrNoneAvailable {
		t.Fatalf("expected ErrNoneAvailable, got %v", err)
	}
}

func TestSelectExploitFavorsHighestScoringRelay(t *testing.T) {
	store, err := storage.OpenNetworkStore(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	ids := []struct {
		id              string
		successRate     int
		attempts        int
		latencyMillis   int
	}{
		{"r1", 0, 10, 50},
		{"r2", 5, 10, 50},
		{"r3", 10, 10, 50},
	}
	for _, c := range ids {
		if err := store.UpsertDescriptor(c.id, "host", 1, 1); err != nil {
			t.Fatalf("upsert: %v", err)
		}
		row, err := store.Get(c.id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		row.WindowAttempts = c.attempts
		row.WindowSuccesses = c.successRate
		row.WindowStart = time.Now()
		row.LastLatency = time.Duration(c.latencyMillis) * time.Millisecond
		if err := store.Save(row, FailureThreshold); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	sel := New(store, 1, 0x1234)
	counts := map[string]int{}
	for i := 0; i < 1000; i++ {
		id, err := sel.Select()
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		counts[id]++
	}
	if counts["r3"] < 500 {
		t.Fatalf("expected r3 (success_rate=1.0) to dominate selections, got counts=%v", counts)
	}
}
