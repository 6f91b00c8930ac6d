package identity

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/petervdpas/goop2-relay/internal/secretstore"
)

func TestNodeIdRoundTrip(t *testing.T) {
	for i := 0; i < 5; i++ {
		k := make([]byte, 32)
		_, _ = rand.Read(k)
		id := NewNodeId(k)
		parsed, err := ParseNodeId(id.String())
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if parsed != id {
			t.Fatalf("round-trip mismatch: %v != %v", parsed, id)
		}
	}
}

func TestUserIdRoundTrip(t *testing.T) {
	k := make([]byte, 32)
	_, _ = rand.Read(k)
	id := NewUserId(k)
	parsed, err := ParseUserId(id.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != id {
		t.Fatalf("round-trip mismatch")
	}
}

func TestParseNodeIdWrongLength(t *testing.T) {
	if _, err := ParseNodeId("AAAA"); err == nil {
		t.Fatal("expected error for wrong-length input")
	}
}

func TestNodeKeyHexRoundTrip(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(rand.Reader)
	k, err := NewNodeKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := ParseNodeKeyHex(k.Hex())
	if err != nil {
		t.Fatal(err)
	}
	if parsed != k {
		t.Fatal("hex round-trip mismatch")
	}
}

func TestSignerSignAndVerify(t *testing.T) {
	store := secretstore.NewMemory(0xAA)
	signer, err := GenerateSigner(store)
	if err != nil {
		t.Fatal(err)
	}
	msg := []byte("relay-auth-v" + "\x00\x01" + "nonce-placeholder-000000000000")
	sig, err := signer.Sign(msg)
	if err != nil {
		t.Fatal(err)
	}
	if !VerifyStrict(signer.Public(), msg, sig) {
		t.Fatal("signature failed to verify")
	}
	if VerifyStrict(signer.Public(), append([]byte{}, msg[:len(msg)-1]...), sig) {
		t.Fatal("signature verified against truncated message")
	}
}

func TestFriendshipKeyAgreementSymmetric(t *testing.T) {
	storeA := secretstore.NewMemory(0x11)
	storeB := secretstore.NewMemory(0x22)
	a, err := GenerateFriendshipKeyPair(storeA)
	if err != nil {
		t.Fatal(err)
	}
	b, err := GenerateFriendshipKeyPair(storeB)
	if err != nil {
		t.Fatal(err)
	}
	keyA, err := a.DeriveMessageKey(b.Public)
	if err != nil {
		t.Fatal(err)
	}
	keyB, err := b.DeriveMessageKey(a.Public)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(keyA, keyB) {
		t.Fatal("derived keys differ between the two sides of the same contact")
	}
}
