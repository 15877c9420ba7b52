package types

import (
	"errors"
	"fmt"
)

// Message validation errors
var (
	ErrNilPayload          = errors.New("message has nil payload")
	ErrTypePayloadMismatch = errors.New("message type does not match payload variant")
	ErrUnknownMessageType  = errors.New("unknown message type")
)

// MessageType identifies a consensus message variant.
type MessageType uint8

const (
	MsgPrePrepare MessageType = iota + 1
	MsgPrepare
	MsgCommit
	MsgViewChange
	MsgNewView
)

// String returns a human-readable message type name.
func (t MessageType) String() string {
	switch t {
	case MsgPrePrepare:
		return "PRE_PREPARE"
	case MsgPrepare:
		return "PREPARE"
	case MsgCommit:
		return "COMMIT"
	case MsgViewChange:
		return "VIEW_CHANGE"
	case MsgNewView:
		return "NEW_VIEW"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// Payload is the closed set of type-specific message bodies. Exactly one
// concrete type exists per MessageType; consumption sites switch over the
// concrete types exhaustively, so an unhandled variant is a compile-time
// visible gap rather than a silent no-op.
type Payload interface {
	messageType() MessageType
	encode(e *encoder)
}

// PrePrepare carries the leader's candidate block for (view, sequence).
type PrePrepare struct {
	Block ProofBlock
}

// Prepare carries a validator's digest vote plus its own verification
// verdict over the block's proofs.
type Prepare struct {
	Digest  Hash
	Verdict BlockVerificationResult
}

// Commit carries a validator's commitment to a prepared digest.
type Commit struct {
	Digest Hash
}

// ViewChange announces that the sender gave up on the current view. It
// carries the sender's last stable checkpoint so the new leader can prove
// where agreement left off.
type ViewChange struct {
	NewView          uint64
	LastSequence     uint64
	CheckpointDigest Hash
}

// NewView is issued by the leader of the new view once it holds a quorum of
// matching VIEW_CHANGE messages. The certificate carries those signed
// messages themselves, so a receiver verifies the quorum independently
// before entering the view; a NEW_VIEW without 2f+1 distinct valid
// VIEW_CHANGE signatures proves nothing and is rejected.
type NewView struct {
	NewView     uint64
	Certificate []ConsensusMessage
}

func (PrePrepare) messageType() MessageType { return MsgPrePrepare }
func (Prepare) messageType() MessageType    { return MsgPrepare }
func (Commit) messageType() MessageType     { return MsgCommit }
func (ViewChange) messageType() MessageType { return MsgViewChange }
func (NewView) messageType() MessageType    { return MsgNewView }

func (p PrePrepare) encode(e *encoder) {
	e.writeHash(BlockDigest(&p.Block))
}

func (p Prepare) encode(e *encoder) {
	e.writeHash(p.Digest)
	if p.Verdict.Valid {
		e.writeUint8(1)
	} else {
		e.writeUint8(0)
	}
	e.writeUint64(p.Verdict.TotalCost)
	e.writeString(p.Verdict.Reason)
}

func (p Commit) encode(e *encoder) {
	e.writeHash(p.Digest)
}

func (p ViewChange) encode(e *encoder) {
	e.writeUint64(p.NewView)
	e.writeUint64(p.LastSequence)
	e.writeHash(p.CheckpointDigest)
}

func (p NewView) encode(e *encoder) {
	e.writeUint64(p.NewView)
	e.writeUint64(uint64(len(p.Certificate)))
	for _, m := range p.Certificate {
		e.writeUint8(uint8(m.Type))
		e.writeUint64(m.View)
		e.writeUint64(m.Sequence)
		e.writeString(string(m.Sender))
		e.writeBytes(m.Signature.Data)
		if m.Payload != nil {
			m.Payload.encode(e)
		}
	}
}

// ConsensusMessage is one protocol message. Sender and Signature identify
// and authenticate the sender on the plain path; AnonProof replaces both on
// the anonymous participation path (the ring package owns its contents).
type ConsensusMessage struct {
	Type      MessageType
	View      uint64
	Sequence  uint64
	Sender    NodeID
	Signature Signature
	AnonProof []byte
	Payload   Payload
}

// ValidateBasic checks the structural invariant that the message's declared
// type matches its payload variant.
func (m *ConsensusMessage) ValidateBasic() error {
	if m.Payload == nil {
		return ErrNilPayload
	}
	switch m.Type {
	case MsgPrePrepare, MsgPrepare, MsgCommit, MsgViewChange, MsgNewView:
	default:
		return fmt.Errorf("%w: %d", ErrUnknownMessageType, uint8(m.Type))
	}
	if m.Payload.messageType() != m.Type {
		return fmt.Errorf("%w: declared %s, payload %s",
			ErrTypePayloadMismatch, m.Type, m.Payload.messageType())
	}
	return nil
}

// MessageSignBytes returns the canonical bytes signed by the sender.
// The signature and anonymity proof are excluded; everything else that
// affects protocol behavior is included.
func MessageSignBytes(chainID string, m *ConsensusMessage) []byte {
	e := newEncoder()
	e.writeString("ledgerberry/msg")
	e.writeString(chainID)
	e.writeUint8(uint8(m.Type))
	e.writeUint64(m.View)
	e.writeUint64(m.Sequence)
	e.writeString(string(m.Sender))
	if m.Payload != nil {
		m.Payload.encode(e)
	}
	return e.bytes()
}

// MessageDigest computes a digest identifying a message for deduplication
// and evidence keys. Unlike sign bytes it includes the sender signature, so
// two distinct signed copies of the same content are still distinct messages.
func MessageDigest(chainID string, m *ConsensusMessage) Hash {
	e := newEncoder()
	e.writeBytes(MessageSignBytes(chainID, m))
	e.writeBytes(m.Signature.Data)
	e.writeBytes(m.AnonProof)
	return HashBytes(e.bytes())
}

// PayloadDigest returns the block digest the message votes for, if any.
// PRE_PREPARE derives it from the carried block; VIEW_CHANGE and NEW_VIEW
// have no block digest and return (empty, false).
func (m *ConsensusMessage) PayloadDigest() (Hash, bool) {
	switch p := m.Payload.(type) {
	case PrePrepare:
		return BlockDigest(&p.Block), true
	case Prepare:
		return p.Digest, true
	case Commit:
		return p.Digest, true
	case ViewChange:
		return Hash{}, false
	case NewView:
		return Hash{}, false
	default:
		return Hash{}, false
	}
}
