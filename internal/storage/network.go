package storage

import (
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

const networkSchema = `
CREATE TABLE IF NOT EXISTS relay_stats (
	id                     TEXT PRIMARY KEY,
	host                   TEXT NOT NULL,
	port                   INTEGER NOT NULL,
	protocol_version       INTEGER NOT NULL,
	circuit_state          TEXT NOT NULL DEFAULT 'closed',
	backoff_until          INTEGER NOT NULL DEFAULT 0,
	consecutive_failures   INTEGER NOT NULL DEFAULT 0,
	window_attempts        INTEGER NOT NULL DEFAULT 0,
	window_successes       INTEGER NOT NULL DEFAULT 0,
	window_start           INTEGER NOT NULL DEFAULT 0,
	last_latency_ms        INTEGER NOT NULL DEFAULT 0,
	last_seen              INTEGER NOT NULL DEFAULT 0,
	last_connect           INTEGER NOT NULL DEFAULT 0,
	last_failure           INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS relay_latency_samples (
	relay_id     TEXT NOT NULL,
	measured_at  INTEGER NOT NULL,
	latency_ms   INTEGER NOT NULL,
	FOREIGN KEY (relay_id) REFERENCES relay_stats(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_latency_relay_time ON relay_latency_samples (relay_id, measured_at DESC);
CREATE TABLE IF NOT EXISTS relay_queue (
	queue_key BLOB PRIMARY KEY,
	recipient_ipk BLOB NOT NULL,
	frame BLOB NOT NULL,
	enqueued_at INTEGER NOT NULL
);`

// CircuitState is the client relay selector's per-relay availability gate
// (spec §4.8, GLOSSARY).
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// RelayStatsRow is spec §3's RelayStatsRow (latency samples live in their
// own table, capped at 50 per relay — see RecordLatencySample).
type RelayStatsRow struct {
	ID                  string
	Host                string
	Port                int
	ProtocolVersion     int
	CircuitState        CircuitState
	BackoffUntil        time.Time
	ConsecutiveFailures int
	WindowAttempts      int
	WindowSuccesses     int
	WindowStart         time.Time
	LastLatency         time.Duration
	LastSeen            time.Time
	LastConnect         time.Time
	LastFailure         time.Time
}

// NetworkStore persists relay stats, latency samples, and the forward-plane
// store-and-forward queue (spec §4.5, §4.8).
type NetworkStore struct{ db *sql.DB }

func OpenNetworkStore(dir string) (*NetworkStore, error) {
	db, err := openDB(dir, "network.db", networkSchema)
	if err != nil {
		return nil, err
	}
	return &NetworkStore{db: db}, nil
}

func (s *NetworkStore) Close() error { return s.db.Close() }

// maxLatencySamples is spec §4.8's "keep up to 50 samples per relay".
const maxLatencySamples = 50

var ErrRelayNotFound = errors.New("storage: relay not found")

// UpsertDescriptor creates or updates a relay's host/port/protocol version
// from a resolver-provided descriptor, preserving existing circuit state
// (spec §3: "Relay stats row upserted on any resolver-provided relay
// descriptor").
func (s *NetworkStore) UpsertDescriptor(id, host string, port, protocolVersion int) error {
	_, err := s.db.Exec(`
		INSERT INTO relay_stats (id, host, port, protocol_version)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET host = excluded.host, port = excluded.port, protocol_version = excluded.protocol_version
	`, id, host, port, protocolVersion)
	if err != nil {
		return fmt.Errorf("storage: upsert relay descriptor: %w", err)
	}
	return nil
}

// Get returns one relay's stats row.
func (s *NetworkStore) Get(id string) (RelayStatsRow, error) {
	var row RelayStatsRow
	var backoffUntil, windowStart, lastSeen, lastConnect, lastFailure, lastLatencyMs int64
	var circuitState string
	row.ID = id
	err := s.db.QueryRow(`
		SELECT host, port, protocol_version, circuit_state, backoff_until, consecutive_failures,
		       window_attempts, window_successes, window_start, last_latency_ms, last_seen, last_connect, last_failure
		FROM relay_stats WHERE id = ?`, id,
	).Scan(&row.Host, &row.Port, &row.ProtocolVersion, &circuitState, &backoffUntil, &row.ConsecutiveFailures,
		&row.WindowAttempts, &row.WindowSuccesses, &windowStart, &lastLatencyMs, &lastSeen, &lastConnect, &lastFailure)
	if errors.Is(err, sql.ErrNoRows) {
		return RelayStatsRow{}, ErrRelayNotFound
	}
	if err != nil {
		return RelayStatsRow{}, fmt.Errorf("storage: get relay: %w", err)
	}
	row.CircuitState = CircuitState(circuitState)
	row.BackoffUntil = msToTime(backoffUntil)
	row.WindowStart = msToTime(windowStart)
	row.LastSeen = msToTime(lastSeen)
	row.LastConnect = msToTime(lastConnect)
	row.LastFailure = msToTime(lastFailure)
	row.LastLatency = time.Duration(lastLatencyMs) * time.Millisecond
	return row, nil
}

// List returns every relay's stats row.
func (s *NetworkStore) List() ([]RelayStatsRow, error) {
	rows, err := s.db.Query(`SELECT id FROM relay_stats`)
	if err != nil {
		return nil, fmt.Errorf("storage: list relays: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("storage: scan relay id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]RelayStatsRow, 0, len(ids))
	for _, id := range ids {
		row, err := s.Get(id)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, nil
}

// Save writes a full RelayStatsRow back, enforcing spec §3's invariant
// that consecutive_failures >= threshold implies an open circuit with a
// future backoff_until at write time. A half_open row is exempt: it is an
// expired open circuit the selector has promoted for a single probe.
func (s *NetworkStore) Save(row RelayStatsRow, failureThreshold int) error {
	if row.ConsecutiveFailures >= failureThreshold && row.CircuitState != CircuitHalfOpen {
		if row.CircuitState != CircuitOpen || !row.BackoffUntil.After(time.Now()) {
			return fmt.Errorf("storage: invariant violation: %d consecutive failures requires an open circuit with a future backoff", row.ConsecutiveFailures)
		}
	}
	_, err := s.db.Exec(`
		UPDATE relay_stats SET
			circuit_state = ?, backoff_until = ?, consecutive_failures = ?,
			window_attempts = ?, window_successes = ?, window_start = ?,
			last_latency_ms = ?, last_seen = ?, last_connect = ?, last_failure = ?
		WHERE id = ?`,
		string(row.CircuitState), timeToMs(row.BackoffUntil), row.ConsecutiveFailures,
		row.WindowAttempts, row.WindowSuccesses, timeToMs(row.WindowStart),
		row.LastLatency.Milliseconds(), timeToMs(row.LastSeen), timeToMs(row.LastConnect), timeToMs(row.LastFailure),
		row.ID,
	)
	if err != nil {
		return fmt.Errorf("storage: save relay: %w", err)
	}
	return nil
}

// RecordLatencySample inserts a latency sample and trims to the newest 50
// by measured_at, per spec §4.8.
func (s *NetworkStore) RecordLatencySample(relayID string, measuredAt time.Time, latency time.Duration) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("storage: begin latency sample: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO relay_latency_samples (relay_id, measured_at, latency_ms) VALUES (?, ?, ?)`,
		relayID, measuredAt.UnixMilli(), latency.Milliseconds(),
	); err != nil {
		return fmt.Errorf("storage: insert latency sample: %w", err)
	}

	if _, err := tx.Exec(`
		DELETE FROM relay_latency_samples WHERE rowid IN (
			SELECT rowid FROM relay_latency_samples WHERE relay_id = ?
			ORDER BY measured_at DESC, rowid DESC
			LIMIT -1 OFFSET ?
		)`, relayID, maxLatencySamples,
	); err != nil {
		return fmt.Errorf("storage: trim latency samples: %w", err)
	}
	return tx.Commit()
}

// LatencySamples returns up to 50 samples for relayID, newest first.
func (s *NetworkStore) LatencySamples(relayID string) ([]time.Duration, error) {
	rows, err := s.db.Query(
		`SELECT latency_ms FROM relay_latency_samples WHERE relay_id = ? ORDER BY measured_at DESC, rowid DESC`,
		relayID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list latency samples: %w", err)
	}
	defer rows.Close()
	var out []time.Duration
	for rows.Next() {
		var ms int64
		if err := rows.Scan(&ms); err != nil {
			return nil, fmt.Errorf("storage: scan latency sample: %w", err)
		}
		out = append(out, time.Duration(ms)*time.Millisecond)
	}
	return out, rows.Err()
}

// --- relay forward queue (spec §4.5 step 4) ---

// QueueKey builds the store-and-forward key recipient_ipk‖now_ms_be_u64‖
// random_u32, chronological per recipient by lexicographic order.
func QueueKey(recipientIpk [32]byte, now time.Time, random uint32) []byte {
	key := make([]byte, 32+8+4)
	copy(key, recipientIpk[:])
	binary.BigEndian.PutUint64(key[32:40], uint64(now.UnixMilli()))
	binary.BigEndian.PutUint32(key[40:44], random)
	return key
}

// RandomQueueNonce returns a fresh random_u32 for QueueKey.
func RandomQueueNonce() uint32 { return rand.Uint32() }

// Enqueue stores a Deliver frame for an absent recipient.
func (s *NetworkStore) Enqueue(key []byte, recipientIpk [32]byte, frameBytes []byte, now time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO relay_queue (queue_key, recipient_ipk, frame, enqueued_at) VALUES (?, ?, ?, ?)`,
		key, recipientIpk[:], frameBytes, now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("storage: enqueue: %w", err)
	}
	return nil
}

// QueuedFrame is one drained store-and-forward entry.
type QueuedFrame struct {
	Key   []byte
	Frame []byte
}

// Drain returns every queued frame for recipientIpk in key order
// (chronological, per spec §4.5) without removing them — callers remove
// via Remove once delivery is confirmed, so a crash mid-drain re-delivers
// rather than silently drops.
func (s *NetworkStore) Drain(recipientIpk [32]byte) ([]QueuedFrame, error) {
	rows, err := s.db.Query(
		`SELECT queue_key, frame FROM relay_queue WHERE recipient_ipk = ? ORDER BY queue_key ASC`,
		recipientIpk[:],
	)
	if err != nil {
		return nil, fmt.Errorf("storage: drain queue: %w", err)
	}
	defer rows.Close()
	var out []QueuedFrame
	for rows.Next() {
		var qf QueuedFrame
		if err := rows.Scan(&qf.Key, &qf.Frame); err != nil {
			return nil, fmt.Errorf("storage: scan queued frame: %w", err)
		}
		out = append(out, qf)
	}
	return out, rows.Err()
}

// Remove deletes a drained entry by its queue key.
func (s *NetworkStore) Remove(key []byte) error {
	_, err := s.db.Exec(`DELETE FROM relay_queue WHERE queue_key = ?`, key)
	if err != nil {
		return fmt.Errorf("storage: remove queued frame: %w", err)
	}
	return nil
}

func timeToMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func msToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
