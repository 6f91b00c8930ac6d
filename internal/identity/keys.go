package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/petervdpas/goop2-relay/internal/secretstore"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// friendshipHKDFInfo is the fixed domain string spec §3 requires for
// deriving a contact's symmetric message key from the key-agreement
// shared secret.
const friendshipHKDFInfo = "goop2-friendship-v1"

// Signer holds a long-lived identity keypair (spec §3 IdentityKeyPair).
// The secret scalar is never held in memory outside a single Sign call:
// it is decrypted from the host secret store, used once, and zeroed
// immediately, per spec §9 ("Identity secret lifetime").
type Signer struct {
	public          ed25519.PublicKey
	encryptedSecret []byte
	store           secretstore.Store
}

// GenerateSigner creates a fresh identity keypair and seals its secret
// scalar with store.
func GenerateSigner(store secretstore.Store) (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate keypair: %w", err)
	}
	seed := priv.Seed()
	defer zero(seed)
	enc, err := store.Encrypt(seed)
	if err != nil {
		return nil, fmt.Errorf("identity: seal identity secret: %w", err)
	}
	return &Signer{public: pub, encryptedSecret: enc, store: store}, nil
}

// LoadSigner reconstructs a Signer from a persisted public key and its
// store-encrypted secret (the IdentityRow shape of spec §3).
func LoadSigner(store secretstore.Store, public ed25519.PublicKey, encryptedSecret []byte) (*Signer, error) {
	if len(public) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("identity: bad public key length %d", len(public))
	}
	cp := make([]byte, len(encryptedSecret))
	copy(cp, encryptedSecret)
	return &Signer{public: public, encryptedSecret: cp, store: store}, nil
}

// Public returns the identity's public key.
func (s *Signer) Public() ed25519.PublicKey { return s.public }

// NodeKey returns the signer's public key as a NodeKey.
func (s *Signer) NodeKey() NodeKey {
	k, _ := NewNodeKey(s.public)
	return k
}

// EncryptedSecret returns the store-sealed secret scalar, as persisted in
// IdentityRow.
func (s *Signer) EncryptedSecret() []byte { return s.encryptedSecret }

// Sign decrypts the secret scalar, signs message exactly once, and zeroes
// the scalar before returning. Per spec §7, a decrypt failure aborts the
// operation — it never falls back to an unsealed key.
func (s *Signer) Sign(message []byte) ([]byte, error) {
	seed, err := s.store.Decrypt(s.encryptedSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", secretstore.ErrDecryptFailed, err)
	}
	defer zero(seed)
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("identity: decrypted secret has wrong length %d", len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return ed25519.Sign(priv, message), nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// VerifyStrict performs strict Ed25519 signature verification (rejecting
// malleable/non-canonical encodings), as spec §4.4 and §4.5 require for
// both handshake proofs and forward signatures.
func VerifyStrict(pub ed25519.PublicKey, message, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	opts := &ed25519.Options{}
	err := ed25519.VerifyWithOptions(pub, message, sig, opts)
	return err == nil
}

// FriendshipKeyPair is a per-contact X25519 key-agreement keypair (spec §3
// FriendshipKey). The secret half follows the same seal/decrypt/zero
// discipline as Signer.
type FriendshipKeyPair struct {
	Public          [32]byte
	encryptedSecret []byte
	store           secretstore.Store
}

// GenerateFriendshipKeyPair creates a fresh X25519 keypair for a new
// contact and seals its secret with store.
func GenerateFriendshipKeyPair(store secretstore.Store) (*FriendshipKeyPair, error) {
	var secret [32]byte
	if _, err := io.ReadFull(rand.Reader, secret[:]); err != nil {
		return nil, fmt.Errorf("identity: generate agreement secret: %w", err)
	}
	defer zero(secret[:])
	pub, err := curve25519.X25519(secret[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("identity: derive agreement public: %w", err)
	}
	enc, err := store.Encrypt(secret[:])
	if err != nil {
		return nil, fmt.Errorf("identity: seal agreement secret: %w", err)
	}
	fk := &FriendshipKeyPair{encryptedSecret: enc, store: store}
	copy(fk.Public[:], pub)
	return fk, nil
}

// LoadFriendshipKeyPair reconstructs a FriendshipKeyPair from persisted
// ContactRow fields.
func LoadFriendshipKeyPair(store secretstore.Store, public [32]byte, encryptedSecret []byte) *FriendshipKeyPair {
	cp := make([]byte, len(encryptedSecret))
	copy(cp, encryptedSecret)
	return &FriendshipKeyPair{Public: public, encryptedSecret: cp, store: store}
}

// EncryptedSecret returns the store-sealed agreement secret, as persisted
// in ContactRow.
func (fk *FriendshipKeyPair) EncryptedSecret() []byte { return fk.encryptedSecret }

// DeriveMessageKey computes the shared symmetric key for a contact: X25519
// key agreement with the peer's agreement public key, then HKDF-SHA256
// with the fixed domain string, matching spec §3.
func (fk *FriendshipKeyPair) DeriveMessageKey(peerPublic [32]byte) ([]byte, error) {
	secret, err := fk.store.Decrypt(fk.encryptedSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", secretstore.ErrDecryptFailed, err)
	}
	defer zero(secret)
	shared, err := curve25519.X25519(secret, peerPublic[:])
	if err != nil {
		return nil, fmt.Errorf("identity: key agreement: %w", err)
	}
	defer zero(shared)

	r := hkdf.New(sha256.New, shared, nil, []byte(friendshipHKDFInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("identity: hkdf expand: %w", err)
	}
	return key, nil
}
