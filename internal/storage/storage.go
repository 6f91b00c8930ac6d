// Package storage implements the local persistence contracts of spec §3
// and §6: four separate single-file sqlite databases (identity, messages,
// network, contacts), each opened with write-ahead logging and foreign-key
// enforcement, matching the teacher's internal/storage/db.go conventions.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// openDB opens (creating if needed) a sqlite file at filepath.Join(dir,
// name), applies the teacher's WAL + foreign-key + busy-timeout pragmas,
// and runs schema against it.
func openDB(dir, name, schema string) (*sql.DB, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create dir %s: %w", dir, err)
	}
	path := filepath.Join(dir, name)
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: configure %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: migrate %s: %w", path, err)
	}
	return db, nil
}
