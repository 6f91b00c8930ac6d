// Package secretstore declares the contract for the host-provided secret
// store named in spec §1 and §6 — the mobile/desktop OS key store that
// encrypts identity and friendship secrets at rest. The core only ever
// talks to this interface; the platform-specific implementation (Keychain,
// Android Keystore, Windows DPAPI, …) lives outside this repo, across the
// foreign-function boundary spec §1 scopes out.
package secretstore

import "errors"

// ErrDecryptFailed is wrapped by Store implementations on any decryption
// failure. Per spec §7 a decrypt failure aborts the calling operation —
// callers must never fall back to treating ciphertext as plaintext.
var ErrDecryptFailed = errors.New("secretstore: decrypt failed")

// Store encrypts and decrypts opaque secret material. Implementations must
// be safe for concurrent use.
type Store interface {
	Encrypt(plaintext []byte) (ciphertext []byte, err error)
	Decrypt(ciphertext []byte) (plaintext []byte, err error)
}

// Memory is an in-process Store for tests and for any environment without
// a host key store. It is NOT secure at rest — it XORs with a
// process-local key only to keep ciphertext and plaintext visibly
// distinct in test fixtures — and must never be selected in production.
type Memory struct {
	key byte
}

// NewMemory returns a Memory store. mask should be non-zero in tests that
// want to observe ciphertext != plaintext; it has no security value.
func NewMemory(mask byte) *Memory { return &Memory{key: mask} }

func (m *Memory) Encrypt(plaintext []byte) ([]byte, error) {
	return m.xor(plaintext), nil
}

func (m *Memory) Decrypt(ciphertext []byte) ([]byte, error) {
	return m.xor(ciphertext), nil
}

func (m *Memory) xor(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		out[i] = c ^ m.key
	}
	return out
}
