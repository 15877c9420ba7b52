package ring

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/cloudflare/circl/group"
)

// KeySize is the encoded size of ring public keys, key images, scalars and
// challenge values (ristretto255).
const KeySize = 32

var (
	ErrInvalidKey       = errors.New("malformed ring key")
	ErrInvalidSignature = errors.New("malformed ring signature")
	ErrSignerNotInRing  = errors.New("signer key not at claimed ring position")
)

var g = group.Ristretto255

const (
	dstKeyImage  = "ledgerberry/ring/keyimage"
	dstChallenge = "ledgerberry/ring/challenge"
)

// PrivateKey is a ring signing key: a ristretto255 scalar and its public
// point.
type PrivateKey struct {
	x   group.Scalar
	pub []byte
}

// GenerateKey creates a new ring key pair. A nil reader uses crypto/rand.
func GenerateKey(rng io.Reader) (*PrivateKey, error) {
	if rng == nil {
		rng = rand.Reader
	}
	x := g.RandomNonZeroScalar(rng)
	pub, err := g.NewElement().MulGen(x).MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode public key: %w", err)
	}
	return &PrivateKey{x: x, pub: pub}, nil
}

// PrivateKeyFromBytes restores a key pair from an encoded scalar.
func PrivateKeyFromBytes(data []byte) (*PrivateKey, error) {
	x := g.NewScalar()
	if err := x.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if x.IsZero() {
		return nil, fmt.Errorf("%w: zero scalar", ErrInvalidKey)
	}
	pub, err := g.NewElement().MulGen(x).MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode public key: %w", err)
	}
	return &PrivateKey{x: x, pub: pub}, nil
}

// Bytes returns the encoded secret scalar.
func (k *PrivateKey) Bytes() ([]byte, error) {
	return k.x.MarshalBinary()
}

// Public returns the encoded public ring key.
func (k *PrivateKey) Public() []byte {
	out := make([]byte, len(k.pub))
	copy(out, k.pub)
	return out
}

// KeyImage returns x·Hp(P): stable for the key across all messages, and not
// computable from the public key alone.
func (k *PrivateKey) KeyImage() ([]byte, error) {
	hp := g.HashToElement(k.pub, []byte(dstKeyImage))
	return g.NewElement().Mul(hp, k.x).MarshalBinary()
}

// Signature is an LSAG ring signature: the initial challenge, one response
// per ring member, and the signer's key image.
type Signature struct {
	C0        []byte
	Responses [][]byte
	KeyImage  []byte
}

// Sign produces a ring signature over msg by the key at signerIndex in
// ringKeys. Every verifier learns only that some ring member signed.
func Sign(msg []byte, ringKeys [][]byte, priv *PrivateKey, signerIndex int) (*Signature, error) {
	n := len(ringKeys)
	if signerIndex < 0 || signerIndex >= n {
		return nil, fmt.Errorf("signer index %d out of range [0,%d)", signerIndex, n)
	}

	members, err := decodeRing(ringKeys)
	if err != nil {
		return nil, err
	}
	if !bytesEqual(ringKeys[signerIndex], priv.pub) {
		return nil, ErrSignerNotInRing
	}

	hpSigner := g.HashToElement(priv.pub, []byte(dstKeyImage))
	keyImage := g.NewElement().Mul(hpSigner, priv.x)
	keyImageBytes, err := keyImage.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode key image: %w", err)
	}

	challenges := make([]group.Scalar, n)
	responses := make([]group.Scalar, n)

	// Start the ring at the signer with a fresh nonce.
	u := g.RandomNonZeroScalar(rand.Reader)
	c, err := challenge(msg, ringKeys, keyImageBytes,
		g.NewElement().MulGen(u),
		g.NewElement().Mul(hpSigner, u))
	if err != nil {
		return nil, err
	}
	challenges[(signerIndex+1)%n] = c

	// Walk the ring with random responses until back at the signer.
	for step := 1; step < n; step++ {
		i := (signerIndex + step) % n
		responses[i] = g.RandomNonZeroScalar(rand.Reader)

		hpI := g.HashToElement(ringKeys[i], []byte(dstKeyImage))
		left := g.NewElement().Add(
			g.NewElement().MulGen(responses[i]),
			g.NewElement().Mul(members[i], challenges[i]))
		right := g.NewElement().Add(
			g.NewElement().Mul(hpI, responses[i]),
			g.NewElement().Mul(keyImage, challenges[i]))

		c, err := challenge(msg, ringKeys, keyImageBytes, left, right)
		if err != nil {
			return nil, err
		}
		challenges[(i+1)%n] = c
	}

	// Close the ring: r_s = u - c_s·x
	responses[signerIndex] = g.NewScalar().Sub(u,
		g.NewScalar().Mul(challenges[signerIndex], priv.x))

	sig := &Signature{KeyImage: keyImageBytes, Responses: make([][]byte, n)}
	if sig.C0, err = challenges[0].MarshalBinary(); err != nil {
		return nil, fmt.Errorf("encode challenge: %w", err)
	}
	for i, r := range responses {
		if sig.Responses[i], err = r.MarshalBinary(); err != nil {
			return nil, fmt.Errorf("encode response: %w", err)
		}
	}
	return sig, nil
}

// Verify reports whether sig is a valid ring signature over msg for the
// given ring. Any decode failure fails closed.
func Verify(msg []byte, ringKeys [][]byte, sig *Signature) bool {
	if sig == nil || len(sig.Responses) != len(ringKeys) || len(ringKeys) == 0 {
		return false
	}

	members, err := decodeRing(ringKeys)
	if err != nil {
		return false
	}
	keyImage := g.NewElement()
	if err := keyImage.UnmarshalBinary(sig.KeyImage); err != nil {
		return false
	}
	if keyImage.IsIdentity() {
		return false
	}
	c := g.NewScalar()
	if err := c.UnmarshalBinary(sig.C0); err != nil {
		return false
	}
	c0 := c.Copy()

	for i := range ringKeys {
		r := g.NewScalar()
		if err := r.UnmarshalBinary(sig.Responses[i]); err != nil {
			return false
		}

		hpI := g.HashToElement(ringKeys[i], []byte(dstKeyImage))
		left := g.NewElement().Add(
			g.NewElement().MulGen(r),
			g.NewElement().Mul(members[i], c))
		right := g.NewElement().Add(
			g.NewElement().Mul(hpI, r),
			g.NewElement().Mul(keyImage, c))

		next, err := challenge(msg, ringKeys, sig.KeyImage, left, right)
		if err != nil {
			return false
		}
		c = next
	}
	return c.IsEqual(c0)
}

// DetectDoubleSigning reports whether two signatures were produced by the
// same key, regardless of message content or ring composition.
func DetectDoubleSigning(a, b *Signature) bool {
	if a == nil || b == nil {
		return false
	}
	if len(a.KeyImage) != KeySize || len(b.KeyImage) != KeySize {
		return false
	}
	return bytesEqual(a.KeyImage, b.KeyImage)
}

// Encode serializes the signature for transport inside a consensus message.
func (s *Signature) Encode() []byte {
	out := make([]byte, 0, 2+2*KeySize+len(s.Responses)*KeySize)
	out = binary.BigEndian.AppendUint16(out, uint16(len(s.Responses)))
	out = append(out, s.KeyImage...)
	out = append(out, s.C0...)
	for _, r := range s.Responses {
		out = append(out, r...)
	}
	return out
}

// DecodeSignature parses an encoded signature. Trailing bytes are an error.
func DecodeSignature(data []byte) (*Signature, error) {
	if len(data) < 2+2*KeySize {
		return nil, ErrInvalidSignature
	}
	n := int(binary.BigEndian.Uint16(data))
	want := 2 + (2+n)*KeySize
	if n == 0 || len(data) != want {
		return nil, ErrInvalidSignature
	}

	sig := &Signature{
		KeyImage:  append([]byte(nil), data[2:2+KeySize]...),
		C0:        append([]byte(nil), data[2+KeySize:2+2*KeySize]...),
		Responses: make([][]byte, n),
	}
	off := 2 + 2*KeySize
	for i := 0; i < n; i++ {
		sig.Responses[i] = append([]byte(nil), data[off:off+KeySize]...)
		off += KeySize
	}
	return sig, nil
}

func decodeRing(ringKeys [][]byte) ([]group.Element, error) {
	members := make([]group.Element, len(ringKeys))
	for i, key := range ringKeys {
		e := g.NewElement()
		if err := e.UnmarshalBinary(key); err != nil {
			return nil, fmt.Errorf("%w: ring position %d", ErrInvalidKey, i)
		}
		if e.IsIdentity() {
			return nil, fmt.Errorf("%w: identity at ring position %d", ErrInvalidKey, i)
		}
		members[i] = e
	}
	return members, nil
}

// challenge hashes the transcript of one ring step to a scalar.
func challenge(msg []byte, ringKeys [][]byte, keyImage []byte, left, right group.Element) (group.Scalar, error) {
	buf := make([]byte, 0, 8+len(msg)+(len(ringKeys)+3)*KeySize)
	buf = binary.BigEndian.AppendUint64(buf, uint64(len(msg)))
	buf = append(buf, msg...)
	for _, key := range ringKeys {
		buf = append(buf, key...)
	}
	buf = append(buf, keyImage...)

	lb, err := left.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode transcript: %w", err)
	}
	rb, err := right.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode transcript: %w", err)
	}
	buf = append(buf, lb...)
	buf = append(buf, rb...)

	return g.HashToScalar(buf, []byte(dstChallenge)), nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
