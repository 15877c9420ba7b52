package types

import (
	"bytes"
	"crypto/ed25519"
	"testing"
)

func TestNewHashValidation(t *testing.T) {
	if _, err := NewHash(make([]byte, 31)); err == nil {
		t.Error("expected error for short hash")
	}
	if _, err := NewHash(make([]byte, 33)); err == nil {
		t.Error("expected error for long hash")
	}
	h, err := NewHash(make([]byte, 32))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !IsHashEmpty(&h) {
		t.Error("zero hash should be empty")
	}
}

func TestNewHashCopiesInput(t *testing.T) {
	data := make([]byte, 32)
	h, err := NewHash(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data[0] = 0xff
	if h.Data[0] != 0 {
		t.Error("NewHash should copy input data")
	}
}

func TestHashBytesDeterministic(t *testing.T) {
	a := HashBytes([]byte("ledgerberry"))
	b := HashBytes([]byte("ledgerberry"))
	if !HashEqual(a, b) {
		t.Error("identical input should produce identical hash")
	}
	c := HashBytes([]byte("ledgerberrz"))
	if HashEqual(a, c) {
		t.Error("different input should produce different hash")
	}
}

func TestIsHashEmpty(t *testing.T) {
	if !IsHashEmpty(nil) {
		t.Error("nil hash should be empty")
	}
	empty := HashEmpty()
	if !IsHashEmpty(&empty) {
		t.Error("zero hash should be empty")
	}
	h := HashBytes([]byte("x"))
	if IsHashEmpty(&h) {
		t.Error("non-zero hash should not be empty")
	}
}

func TestCopyHash(t *testing.T) {
	if CopyHash(nil) != nil {
		t.Error("copy of nil should be nil")
	}
	h := HashBytes([]byte("x"))
	c := CopyHash(&h)
	if !HashEqual(h, *c) {
		t.Error("copy should equal original")
	}
	c.Data[0] ^= 0xff
	if HashEqual(h, *c) {
		t.Error("copy should be independent of original")
	}
}

func TestVerifySignature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("key generation failed: %v", err)
	}

	msg := []byte("commit digest")
	sig := MustNewSignature(ed25519.Sign(priv, msg))
	pk := MustNewPublicKey(pub)

	if !VerifySignature(pk, msg, sig) {
		t.Error("valid signature rejected")
	}
	if VerifySignature(pk, []byte("other message"), sig) {
		t.Error("signature over wrong message accepted")
	}

	// Malformed inputs must fail closed, not panic
	if VerifySignature(PublicKey{Data: []byte{1, 2}}, msg, sig) {
		t.Error("malformed public key accepted")
	}
	if VerifySignature(pk, msg, Signature{Data: []byte{1}}) {
		t.Error("malformed signature accepted")
	}
}

func TestCopySignatureIndependent(t *testing.T) {
	orig := MustNewSignature(bytes.Repeat([]byte{7}, SignatureSize))
	cp := CopySignature(orig)
	cp.Data[0] = 0
	if orig.Data[0] != 7 {
		t.Error("copy should not share backing array")
	}
}
