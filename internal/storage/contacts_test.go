package storage

import (
	"testing"
	"time"
)

func TestContactCreateGetList(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenContactStore(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	row := ContactRow{
		IdentityPublicKey:        "aa" + "bb",
		AgreementPublicKey:       []byte{1, 2, 3},
		EncryptedAgreementSecret: []byte{4, 5, 6},
		DisplayName:              "Alice",
		AddedAt:                  time.Now(),
	}
	if err := store.Create(row); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.Get(row.IdentityPublicKey)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.DisplayName != "Alice" {
		t.Fatalf("unexpected display name: %q", got.DisplayName)
	}

	list, err := store.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 contact, got %d", len(list))
	}
}

func TestContactGetNotFound(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenContactStore(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	if _, err := store.Get("missing"); err != ErrContactNotFound {
		t.Fatalf("expected ErrContactNotFound, got %v", err)
	}
}

func TestContactCreateNoUpsert(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenContactStore(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	row := ContactRow{IdentityPublicKey: "key", DisplayName: "Bob", AddedAt: time.Now()}
	if err := store.Create(row); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if err := store.Create(row); err == nil {
		t.Fatal("expected second create for the same key to fail, protecting the bilateral-save invariant")
	}
}
