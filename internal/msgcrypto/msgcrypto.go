// Package msgcrypto seals and opens message content under a contact's
// derived symmetric key (identity.FriendshipKeyPair.DeriveMessageKey),
// the step that turns spec §3's plaintext chat content into the opaque
// Payload spec §4.5's Forward/Deliver pair actually carries. It uses
// XChaCha20-Poly1305 from the same golang.org/x/crypto module the
// identity package already pulls in for curve25519/hkdf.
package msgcrypto

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// Seal encrypts plaintext under key (32 bytes, as returned by
// DeriveMessageKey), prefixing the ciphertext with a fresh random nonce.
func Seal(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("msgcrypto: init cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("msgcrypto: generate nonce: %w", err)
	}
	out := aead.Seal(nonce, nonce, plaintext, nil)
	return out, nil
}

// Open reverses Seal, splitting the leading nonce off sealed before
// decrypting.
func Open(key, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("msgcrypto: init cipher: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("msgcrypto: ciphertext shorter than nonce")
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("msgcrypto: open: %w", err)
	}
	return plaintext, nil
}
