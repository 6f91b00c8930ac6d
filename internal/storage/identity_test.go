package storage

import (
	"testing"
	"time"
)

func TestIdentityCreateOnceAndGet(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenIdentityStore(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	if _, err := store.Get(); err != ErrNoIdentity {
		t.Fatalf("expected ErrNoIdentity before onboarding, got %v", err)
	}

	row := IdentityRow{
		PublicKey:       []byte{1, 2, 3, 4},
		EncryptedSecret: []byte{5, 6, 7, 8},
		CreatedAt:       time.Now(),
		DisplayName:     "me",
	}
	if err := store.Create(row); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.Get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.DisplayName != "me" || len(got.PublicKey) != 4 {
		t.Fatalf("unexpected identity row: %+v", got)
	}

	if err := store.Create(row); err == nil {
		t.Fatal("expected second create to fail: identity row is a singleton")
	}
}
