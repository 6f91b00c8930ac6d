package storage

import (
	"crypto/rand"
	"database/sql"
	"fmt"
	"time"

	"github.com/oklog/ulid"
)

const messagesSchema = `
CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	peer_identity_key TEXT NOT NULL,
	content BLOB NOT NULL,
	outgoing INTEGER NOT NULL,
	ts INTEGER NOT NULL,
	status TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_peer_id ON messages (peer_identity_key, id DESC);`

// MessageStatus enumerates spec §3's MessageRow.status.
type MessageStatus string

const (
	StatusPending MessageStatus = "pending"
	StatusSent    MessageStatus = "sent"
	StatusFailed  MessageStatus = "failed"
)

// MessageRow is spec §3's MessageRow: a time-sortable 26-char ULID id, the
// peer's identity key, content, direction, timestamp, and status.
type MessageRow struct {
	ID              string
	PeerIdentityKey string
	Content         []byte
	Outgoing        bool
	Timestamp       time.Time
	Status          MessageStatus
}

// MessageStore persists messages.
type MessageStore struct{ db *sql.DB }

func OpenMessageStore(dir string) (*MessageStore, error) {
	db, err := openDB(dir, "messages.db", messagesSchema)
	if err != nil {
		return nil, err
	}
	return &MessageStore{db: db}, nil
}

func (s *MessageStore) Close() error { return s.db.Close() }

// NewMessageID generates a time-sortable 26-char ULID, per spec §3.
func NewMessageID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

// Insert persists a message, rejecting an empty peer key or empty content
// per spec §3's invariants.
func (s *MessageStore) Insert(row MessageRow) error {
	if row.PeerIdentityKey == "" {
		return fmt.Errorf("storage: message peer identity key must not be empty")
	}
	if len(row.Content) == 0 {
		return fmt.Errorf("storage: message content must not be empty")
	}
	_, err := s.db.Exec(
		`INSERT INTO messages (id, peer_identity_key, content, outgoing, ts, status) VALUES (?, ?, ?, ?, ?, ?)`,
		row.ID, row.PeerIdentityKey, row.Content, boolToInt(row.Outgoing), row.Timestamp.UnixMilli(), string(row.Status),
	)
	if err != nil {
		return fmt.Errorf("storage: insert message: %w", err)
	}
	return nil
}

// UpdateStatus transitions a message's status (pending → sent|failed per
// spec §3's lifecycle).
func (s *MessageStore) UpdateStatus(id string, status MessageStatus) error {
	res, err := s.db.Exec(`UPDATE messages SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("storage: update message status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: update message status: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("storage: update message status: no such message %s", id)
	}
	return nil
}

// ListByPeer returns up to limit messages for peer, newest first.
func (s *MessageStore) ListByPeer(peerIdentityKey string, limit int) ([]MessageRow, error) {
	rows, err := s.db.Query(
		`SELECT id, peer_identity_key, content, outgoing, ts, status FROM messages
		 WHERE peer_identity_key = ? ORDER BY id DESC LIMIT ?`, peerIdentityKey, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list messages: %w", err)
	}
	defer rows.Close()

	var out []MessageRow
	for rows.Next() {
		var row MessageRow
		var outgoing int
		var ts int64
		var status string
		if err := rows.Scan(&row.ID, &row.PeerIdentityKey, &row.Content, &outgoing, &ts, &status); err != nil {
			return nil, fmt.Errorf("storage: scan message: %w", err)
		}
		row.Outgoing = outgoing != 0
		row.Timestamp = time.UnixMilli(ts)
		row.Status = MessageStatus(status)
		out = append(out, row)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
