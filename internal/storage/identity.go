package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const identitySchema = `
CREATE TABLE IF NOT EXISTS identity (
	id                INTEGER PRIMARY KEY CHECK (id = 0),
	public_key        BLOB NOT NULL,
	encrypted_secret  BLOB NOT NULL,
	created_at        INTEGER NOT NULL,
	display_name      TEXT NOT NULL
);`

// IdentityRow is the singleton identity record of spec §3.
type IdentityRow struct {
	PublicKey       []byte
	EncryptedSecret []byte
	CreatedAt       time.Time
	DisplayName     string
}

// IdentityStore persists the singleton IdentityRow.
type IdentityStore struct{ db *sql.DB }

// OpenIdentityStore opens identity.db in dir.
func OpenIdentityStore(dir string) (*IdentityStore, error) {
	db, err := openDB(dir, "identity.db", identitySchema)
	if err != nil {
		return nil, err
	}
	return &IdentityStore{db: db}, nil
}

func (s *IdentityStore) Close() error { return s.db.Close() }

// ErrNoIdentity is returned by Get when onboarding hasn't created the
// identity row yet.
var ErrNoIdentity = errors.New("storage: no identity row")

// Get returns the singleton identity row, or ErrNoIdentity before
// onboarding runs.
func (s *IdentityStore) Get() (IdentityRow, error) {
	var row IdentityRow
	var createdAt int64
	err := s.db.QueryRow(`SELECT public_key, encrypted_secret, created_at, display_name FROM identity WHERE id = 0`).
		Scan(&row.PublicKey, &row.EncryptedSecret, &createdAt, &row.DisplayName)
	if errors.Is(err, sql.ErrNoRows) {
		return IdentityRow{}, ErrNoIdentity
	}
	if err != nil {
		return IdentityRow{}, fmt.Errorf("storage: get identity: %w", err)
	}
	row.CreatedAt = time.Unix(0, createdAt)
	return row, nil
}

// Create inserts the identity row exactly once (spec §3 invariant: row
// count is 0 or 1). A second call fails.
func (s *IdentityStore) Create(row IdentityRow) error {
	_, err := s.db.Exec(
		`INSERT INTO identity (id, public_key, encrypted_secret, created_at, display_name) VALUES (0, ?, ?, ?, ?)`,
		row.PublicKey, row.EncryptedSecret, row.CreatedAt.UnixNano(), row.DisplayName,
	)
	if err != nil {
		return fmt.Errorf("storage: create identity: %w", err)
	}
	return nil
}
