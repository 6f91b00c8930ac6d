package storage

import (
	"testing"
	"time"
)

func TestRelayStatsUpsertAndSave(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenNetworkStore(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	if err := store.UpsertDescriptor("relay-1", "203.0.113.9", 4433, 1); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	row, err := store.Get("relay-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if row.Host != "203.0.113.9" || row.Port != 4433 || row.CircuitState != CircuitClosed {
		t.Fatalf("unexpected defaults: %+v", row)
	}

	row.WindowAttempts = 5
	row.WindowSuccesses = 4
	row.LastLatency = 120 * time.Millisecond
	if err := store.Save(row, 3); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.Get("relay-1")
	if err != nil {
		t.Fatalf("get after save: %v", err)
	}
	if got.WindowAttempts != 5 || got.WindowSuccesses != 4 || got.LastLatency != 120*time.Millisecond {
		t.Fatalf("save did not round-trip: %+v", got)
	}
}

func TestRelayStatsSaveRejectsInconsistentOpenCircuit(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenNetworkStore(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	if err := store.UpsertDescriptor("relay-1", "host", 1, 1); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	row, err := store.Get("relay-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	row.ConsecutiveFailures = 3
	row.CircuitState = CircuitClosed // inconsistent: 3 failures must open the circuit
	if err := store.Save(row, 3); err == nil {
		t.Fatal("expected invariant violation error")
	}
}

func TestLatencySamplesTrimTo50(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenNetworkStore(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	if err := store.UpsertDescriptor("relay-1", "host", 1, 1); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	base := time.Now()
	for i := 0; i < 60; i++ {
		ts := base.Add(time.Duration(i) * time.Second)
		if err := store.RecordLatencySample("relay-1", ts, time.Duration(i)*time.Millisecond); err != nil {
			t.Fatalf("record sample %d: %v", i, err)
		}
	}

	samples, err := store.LatencySamples("relay-1")
	if err != nil {
		t.Fatalf("list samples: %v", err)
	}
	if len(samples) != maxLatencySamples {
		t.Fatalf("expected %d samples, got %d", maxLatencySamples, len(samples))
	}
	// newest first: the last-inserted sample (59ms) must survive, the
	// earliest ones (0..9ms) must have been trimmed.
	if samples[0] != 59*time.Millisecond {
		t.Fatalf("expected newest sample first, got %v", samples[0])
	}
	for _, s := range samples {
		if s < 10*time.Millisecond {
			t.Fatalf("expected the 10 oldest samples trimmed, found %v", s)
		}
	}
}

func TestRelayQueueEnqueueDrainRemove(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenNetworkStore(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	var recipient [32]byte
	recipient[0] = 0xAB

	now := time.Now()
	key1 := QueueKey(recipient, now, 1)
	key2 := QueueKey(recipient, now.Add(time.Second), 2)

	if err := store.Enqueue(key1, recipient, []byte("frame-1"), now); err != nil {
		t.Fatalf("enqueue 1: %v", err)
	}
	if err := store.Enqueue(key2, recipient, []byte("frame-2"), now.Add(time.Second)); err != nil {
		t.Fatalf("enqueue 2: %v", err)
	}

	drained, err := store.Drain(recipient)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(drained) != 2 {
		t.Fatalf("expected 2 queued frames, got %d", len(drained))
	}
	if string(drained[0].Frame) != "frame-1" || string(drained[1].Frame) != "frame-2" {
		t.Fatalf("expected chronological order, got %q then %q", drained[0].Frame, drained[1].Frame)
	}

	for _, qf := range drained {
		if err := store.Remove(qf.Key); err != nil {
			t.Fatalf("remove: %v", err)
		}
	}
	remaining, err := store.Drain(recipient)
	if err != nil {
		t.Fatalf("drain after remove: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected empty queue after remove, got %d", len(remaining))
	}
}
