// Package identity implements the compact node/user identifier types,
// signature key types, and per-contact key agreement described in spec
// §3 and §4.2. Digests are blake3-256 truncated to the identifier's byte
// length, matching the teacher's transitive blake3 dependency and the
// original Rust source's BaseId<N> scheme.
package identity

import (
	"encoding/base32"
	"encoding/hex"
	"fmt"

	"lukechampine.com/blake3"
)

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// NodeId is a 10-byte digest of a resolver or relay's public key.
type NodeId [10]byte

// UserId is a 12-byte digest of a user's identity public key, used as the
// TLS server name when a client dials a peer directly.
type UserId [12]byte

// NewNodeId derives a NodeId from a raw public key of any length.
func NewNodeId(pubKey []byte) NodeId {
	var id NodeId
	digest(pubKey, id[:])
	return id
}

// NewUserId derives a UserId from a raw public key of any length.
func NewUserId(pubKey []byte) UserId {
	var id UserId
	digest(pubKey, id[:])
	return id
}

func digest(key []byte, out []byte) {
	h := blake3.Sum256(key)
	copy(out, h[:len(out)])
}

func (id NodeId) String() string { return b32.EncodeToString(id[:]) }
func (id UserId) String() string { return b32.EncodeToString(id[:]) }

// ParseNodeId decodes the unpadded-base32 display form back into a NodeId,
// rejecting any input that doesn't decode to exactly 10 bytes.
func ParseNodeId(s string) (NodeId, error) {
	var id NodeId
	b, err := b32.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("identity: parse node id: %w", err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("identity: node id wrong length: got %d want %d", len(b), len(id))
	}
	copy(id[:], b)
	return id, nil
}

// ParseUserId decodes the unpadded-base32 display form back into a UserId,
// rejecting any input that doesn't decode to exactly 12 bytes.
func ParseUserId(s string) (UserId, error) {
	var id UserId
	b, err := b32.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("identity: parse user id: %w", err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("identity: user id wrong length: got %d want %d", len(b), len(id))
	}
	copy(id[:], b)
	return id, nil
}

// NodeKey is a 32-byte Ed25519 signature public key.
type NodeKey [32]byte

// NewNodeKey validates and wraps a raw 32-byte public key.
func NewNodeKey(b []byte) (NodeKey, error) {
	var k NodeKey
	if len(b) != len(k) {
		return k, fmt.Errorf("identity: node key wrong length: got %d want %d", len(b), len(k))
	}
	copy(k[:], b)
	return k, nil
}

// Id derives this key's NodeId.
func (k NodeKey) Id() NodeId { return NewNodeId(k[:]) }

// Hex renders the key as a lowercase hex string, the configuration-file
// form named in spec §6.
func (k NodeKey) Hex() string { return hex.EncodeToString(k[:]) }

// ParseNodeKeyHex parses the hex configuration-file form of a NodeKey.
func ParseNodeKeyHex(s string) (NodeKey, error) {
	var k NodeKey
	b, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("identity: parse node key hex: %w", err)
	}
	return NewNodeKey(b)
}
