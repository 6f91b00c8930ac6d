package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const contactsSchema = `
CREATE TABLE IF NOT EXISTS contacts (
	identity_public_key TEXT PRIMARY KEY,
	agreement_public_key BLOB NOT NULL,
	encrypted_agreement_secret BLOB NOT NULL,
	display_name TEXT NOT NULL,
	added_at INTEGER NOT NULL
);`

// ContactRow is spec §3's ContactRow, keyed by the peer's identity public
// key.
type ContactRow struct {
	IdentityPublicKey        string // hex-encoded, primary key
	AgreementPublicKey       []byte
	EncryptedAgreementSecret []byte
	DisplayName              string
	AddedAt                  time.Time
}

// ContactStore persists contacts.
type ContactStore struct{ db *sql.DB }

func OpenContactStore(dir string) (*ContactStore, error) {
	db, err := openDB(dir, "contacts.db", contactsSchema)
	if err != nil {
		return nil, err
	}
	return &ContactStore{db: db}, nil
}

func (s *ContactStore) Close() error { return s.db.Close() }

var ErrContactNotFound = errors.New("storage: contact not found")

// Create inserts a new contact. Spec §4.6 guarantees a contact is only
// ever created once both sides of an identity exchange have persisted
// each other — this store has no upsert path for contacts, unlike relay
// stats, because a contact's bilateral-save invariant must not be
// silently overwritten by a second exchange attempt.
func (s *ContactStore) Create(row ContactRow) error {
	_, err := s.db.Exec(
		`INSERT INTO contacts (identity_public_key, agreement_public_key, encrypted_agreement_secret, display_name, added_at)
		 VALUES (?, ?, ?, ?, ?)`,
		row.IdentityPublicKey, row.AgreementPublicKey, row.EncryptedAgreementSecret, row.DisplayName, row.AddedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("storage: create contact: %w", err)
	}
	return nil
}

func (s *ContactStore) Get(identityPublicKey string) (ContactRow, error) {
	var row ContactRow
	var addedAt int64
	err := s.db.QueryRow(
		`SELECT identity_public_key, agreement_public_key, encrypted_agreement_secret, display_name, added_at
		 FROM contacts WHERE identity_public_key = ?`, identityPublicKey,
	).Scan(&row.IdentityPublicKey, &row.AgreementPublicKey, &row.EncryptedAgreementSecret, &row.DisplayName, &addedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ContactRow{}, ErrContactNotFound
	}
	if err != nil {
		return ContactRow{}, fmt.Errorf("storage: get contact: %w", err)
	}
	row.AddedAt = time.Unix(0, addedAt)
	return row, nil
}

func (s *ContactStore) List() ([]ContactRow, error) {
	rows, err := s.db.Query(
		`SELECT identity_public_key, agreement_public_key, encrypted_agreement_secret, display_name, added_at FROM contacts`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list contacts: %w", err)
	}
	defer rows.Close()

	var out []ContactRow
	for rows.Next() {
		var row ContactRow
		var addedAt int64
		if err := rows.Scan(&row.IdentityPublicKey, &row.AgreementPublicKey, &row.EncryptedAgreementSecret, &row.DisplayName, &addedAt); err != nil {
			return nil, fmt.Errorf("storage: scan contact: %w", err)
		}
		row.AddedAt = time.Unix(0, addedAt)
		out = append(out, row)
	}
	return out, rows.Err()
}
