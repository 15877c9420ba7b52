package types

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// HashSize is the expected size of a hash in bytes
const HashSize = 32

// SignatureSize is the expected size of an ed25519 signature in bytes
const SignatureSize = 64

// PublicKeySize is the expected size of an ed25519 public key in bytes
const PublicKeySize = 32

// Hash is a 32-byte digest used for block digests, state roots and
// checkpoint identifiers.
type Hash struct {
	Data []byte
}

// Signature is an ed25519 signature.
type Signature struct {
	Data []byte
}

// PublicKey is an ed25519 public key.
type PublicKey struct {
	Data []byte
}

// NodeID identifies a validator node. IDs are compared as opaque strings;
// the fixed validator ordering is the insertion order of the validator set,
// not the lexicographic order of IDs.
type NodeID string

// NewHash creates a Hash from bytes, returning an error if invalid.
// Use for untrusted input (network, files).
// Copies input data to prevent the caller from modifying internal state.
func NewHash(data []byte) (Hash, error) {
	if len(data) != HashSize {
		return Hash{}, fmt.Errorf("hash must be %d bytes, got %d", HashSize, len(data))
	}
	copied := make([]byte, HashSize)
	copy(copied, data)
	return Hash{Data: copied}, nil
}

// MustNewHash creates a Hash, panicking if invalid.
// Use only for trusted internal data.
func MustNewHash(data []byte) Hash {
	h, err := NewHash(data)
	if err != nil {
		panic(err)
	}
	return h
}

// HashBytes computes the SHA-256 hash of data
func HashBytes(data []byte) Hash {
	h := sha256.Sum256(data)
	return Hash{Data: h[:]}
}

// HashEmpty returns an empty (zero) hash
func HashEmpty() Hash {
	return Hash{Data: make([]byte, HashSize)}
}

// IsHashEmpty returns true if hash is nil or all zeros
func IsHashEmpty(h *Hash) bool {
	if h == nil {
		return true
	}
	for _, b := range h.Data {
		if b != 0 {
			return false
		}
	}
	return true
}

// HashEqual compares two hashes
func HashEqual(a, b Hash) bool {
	return bytes.Equal(a.Data, b.Data)
}

// HashString returns the hex-encoded hash
func HashString(h Hash) string {
	return hex.EncodeToString(h.Data)
}

// CopyHash creates a deep copy of a Hash.
func CopyHash(h *Hash) *Hash {
	if h == nil {
		return nil
	}
	hashCopy := &Hash{}
	if len(h.Data) > 0 {
		hashCopy.Data = make([]byte, len(h.Data))
		copy(hashCopy.Data, h.Data)
	}
	return hashCopy
}

// NewSignature creates a Signature from bytes, returning an error if invalid.
// Copies input data to prevent the caller from modifying internal state.
func NewSignature(data []byte) (Signature, error) {
	if len(data) != SignatureSize {
		return Signature{}, fmt.Errorf("signature must be %d bytes, got %d", SignatureSize, len(data))
	}
	copied := make([]byte, SignatureSize)
	copy(copied, data)
	return Signature{Data: copied}, nil
}

// MustNewSignature creates a Signature, panicking if invalid.
// Use only for trusted internal data (e.g., crypto library output).
func MustNewSignature(data []byte) Signature {
	s, err := NewSignature(data)
	if err != nil {
		panic(err)
	}
	return s
}

// CopySignature creates a deep copy of a Signature.
func CopySignature(s Signature) Signature {
	if len(s.Data) == 0 {
		return Signature{}
	}
	copied := make([]byte, len(s.Data))
	copy(copied, s.Data)
	return Signature{Data: copied}
}

// NewPublicKey creates a PublicKey from bytes, returning an error if invalid.
// Copies input data to prevent the caller from modifying internal state.
func NewPublicKey(data []byte) (PublicKey, error) {
	if len(data) != PublicKeySize {
		return PublicKey{}, fmt.Errorf("public key must be %d bytes, got %d", PublicKeySize, len(data))
	}
	copied := make([]byte, PublicKeySize)
	copy(copied, data)
	return PublicKey{Data: copied}, nil
}

// MustNewPublicKey creates a PublicKey, panicking if invalid.
// Use only for trusted internal data.
func MustNewPublicKey(data []byte) PublicKey {
	p, err := NewPublicKey(data)
	if err != nil {
		panic(err)
	}
	return p
}

// PublicKeyEqual compares two public keys
func PublicKeyEqual(a, b PublicKey) bool {
	return bytes.Equal(a.Data, b.Data)
}

// VerifySignature verifies an ed25519 signature over msg.
// Returns false for malformed keys or signatures rather than panicking.
func VerifySignature(pub PublicKey, msg []byte, sig Signature) bool {
	if len(pub.Data) != PublicKeySize || len(sig.Data) != SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub.Data), msg, sig.Data)
}
