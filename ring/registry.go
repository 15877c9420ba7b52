package ring

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/blockberries/ledgerberry/types"
)

// Registry errors.
var (
	ErrRingTooSmall      = errors.New("ring below minimum anonymity threshold")
	ErrRingFull          = errors.New("ring at maximum size")
	ErrAlreadyRegistered = errors.New("ring key already registered")
	ErrKeyImageReused    = errors.New("key image already used in this scope")
	ErrDuplicateMessage  = errors.New("duplicate message")
	ErrProofRejected     = errors.New("ring signature verification failed")
)

// DefaultMinRingSize is the smallest ring that still provides meaningful
// anonymity; DefaultMaxRingSize bounds verification cost.
const (
	DefaultMinRingSize = 3
	DefaultMaxRingSize = 128
)

// Registry holds the current ring of authorized validator keys and tracks
// key-image usage per protocol scope. A scope is one (phase, view, sequence)
// slot: the same key image appearing twice in one scope over different
// message digests is equivocation.
type Registry struct {
	mu     sync.Mutex
	logger *zap.Logger

	minSize int
	maxSize int

	keys  [][]byte
	index map[string]int

	// seen[scope][keyImage] = digest of the message it signed
	seen map[string]map[string]types.Hash
}

// NewRegistry creates an empty ring registry. Sizes outside [1, max] fall
// back to the defaults.
func NewRegistry(minSize, maxSize int, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if minSize < 1 {
		minSize = DefaultMinRingSize
	}
	if maxSize < minSize {
		maxSize = DefaultMaxRingSize
	}
	return &Registry{
		logger:  logger,
		minSize: minSize,
		maxSize: maxSize,
		index:   make(map[string]int),
		seen:    make(map[string]map[string]types.Hash),
	}
}

// RegisterValidator adds an authorized ring key. The key must decode to a
// valid non-identity group element.
func (r *Registry) RegisterValidator(ringKey []byte) error {
	if _, err := decodeRing([][]byte{ringKey}); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	keyHex := hex.EncodeToString(ringKey)
	if _, ok := r.index[keyHex]; ok {
		return ErrAlreadyRegistered
	}
	if len(r.keys) >= r.maxSize {
		return ErrRingFull
	}
	r.index[keyHex] = len(r.keys)
	r.keys = append(r.keys, append([]byte(nil), ringKey...))
	return nil
}

// Ring returns a copy of the current ring in registration order.
func (r *Registry) Ring() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.keys))
	for i, k := range r.keys {
		out[i] = append([]byte(nil), k...)
	}
	return out
}

// Size returns the current ring size.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.keys)
}

// SignMessage signs msg against the full current ring. Fails if the ring is
// below the anonymity threshold or the signer is not registered.
func (r *Registry) SignMessage(msg []byte, priv *PrivateKey) ([]byte, error) {
	r.mu.Lock()
	ringKeys := make([][]byte, len(r.keys))
	copy(ringKeys, r.keys)
	signerIndex, ok := r.index[hex.EncodeToString(priv.Public())]
	r.mu.Unlock()

	if len(ringKeys) < r.minSize {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrRingTooSmall, len(ringKeys), r.minSize)
	}
	if !ok {
		return nil, ErrSignerNotInRing
	}

	sig, err := Sign(msg, ringKeys, priv, signerIndex)
	if err != nil {
		return nil, err
	}
	return sig.Encode(), nil
}

// VerifyMessage checks an encoded proof over msg within a protocol scope.
// digest identifies the message content for equivocation detection.
//
// Rejections (all fail closed): ring below threshold, proof does not decode,
// proof does not verify against the current ring, or the proof's key image
// was already used in this scope for a different digest. A repeat of the
// exact same (key image, digest) pair returns ErrDuplicateMessage so callers
// can filter redelivery without treating it as an attack.
func (r *Registry) VerifyMessage(scope string, msg []byte, digest types.Hash, proof []byte) error {
	r.mu.Lock()
	ringKeys := make([][]byte, len(r.keys))
	copy(ringKeys, r.keys)
	r.mu.Unlock()

	if len(ringKeys) < r.minSize {
		return fmt.Errorf("%w: have %d, need %d", ErrRingTooSmall, len(ringKeys), r.minSize)
	}

	sig, err := DecodeSignature(proof)
	if err != nil {
		return err
	}
	if !Verify(msg, ringKeys, sig) {
		return ErrProofRejected
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	imageHex := hex.EncodeToString(sig.KeyImage)
	scopeSeen, ok := r.seen[scope]
	if !ok {
		scopeSeen = make(map[string]types.Hash)
		r.seen[scope] = scopeSeen
	}
	if prev, ok := scopeSeen[imageHex]; ok {
		if types.HashEqual(prev, digest) {
			return ErrDuplicateMessage
		}
		r.logger.Warn("key image reused",
			zap.String("scope", scope),
			zap.String("key_image", imageHex[:16]))
		return ErrKeyImageReused
	}
	scopeSeen[imageHex] = *types.CopyHash(&digest)
	return nil
}

// ForgetScope drops key-image tracking for a resolved protocol scope.
func (r *Registry) ForgetScope(scope string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.seen, scope)
}
