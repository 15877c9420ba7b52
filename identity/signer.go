package identity

import (
	"errors"

	"github.com/blockberries/ledgerberry/ring"
	"github.com/blockberries/ledgerberry/types"
)

// Errors
var (
	ErrDoubleSign         = errors.New("double sign attempt")
	ErrViewRegression     = errors.New("view regression")
	ErrSequenceRegression = errors.New("sequence regression")
	ErrPhaseRegression    = errors.New("phase regression")
)

// Signer signs consensus artifacts for one validator.
type Signer interface {
	// PublicKey returns the Ed25519 verification key.
	PublicKey() types.PublicKey

	// RingKey returns the anonymous participation key pair.
	RingKey() *ring.PrivateKey

	// SignMessage signs a consensus message in place, refusing any
	// signature that would equivocate against previously signed state.
	SignMessage(chainID string, msg *types.ConsensusMessage) error

	// SignBlock signs a block proposal in place.
	SignBlock(chainID string, block *types.ProofBlock) error
}

// LastSignState tracks the last signed message for double-sign prevention.
// Phase is the message type; the protocol's type values are ordered the way
// phases progress within one (view, sequence).
type LastSignState struct {
	View     uint64
	Sequence uint64
	Phase    types.MessageType
	Digest   *types.Hash
	// SignBytesHash fingerprints the full signed payload so idempotent
	// re-signing matches on content, not just the digest field.
	SignBytesHash *types.Hash
	Signature     types.Signature
}

// Check reports whether signing at (view, sequence, phase) is allowed.
// Returns ErrDoubleSign when the slot was already signed; the caller decides
// whether the payload is identical and re-signing is idempotent.
func (lss *LastSignState) Check(view, sequence uint64, phase types.MessageType) error {
	if lss.View > view {
		return ErrViewRegression
	}
	if lss.View == view {
		if lss.Sequence > sequence {
			return ErrSequenceRegression
		}
		if lss.Sequence == sequence {
			if lss.Phase > phase {
				return ErrPhaseRegression
			}
			if lss.Phase == phase {
				return ErrDoubleSign
			}
		}
	}
	return nil
}
