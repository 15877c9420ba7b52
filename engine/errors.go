package engine

import "errors"

// Consensus errors
var (
	ErrUnknownValidator   = errors.New("unknown validator")
	ErrInvalidSignature   = errors.New("invalid signature")
	ErrInvalidMessage     = errors.New("invalid consensus message")
	ErrInvalidBlock       = errors.New("invalid block")
	ErrCyclicBlock        = errors.New("block dependency graph is cyclic")
	ErrNotLeader          = errors.New("not the leader for this view")
	ErrWrongView          = errors.New("message for a different view")
	ErrWrongSequence      = errors.New("message for a different sequence")
	ErrDuplicateMessage   = errors.New("duplicate message")
	ErrConflictingMessage = errors.New("conflicting message (equivocation)")
	ErrNoSigner           = errors.New("no signer configured")
	ErrAlreadyStarted     = errors.New("consensus already started")
	ErrNotStarted         = errors.New("consensus not started")
	ErrRoundInFlight      = errors.New("a round is already in flight")
	ErrCheckpointWrite    = errors.New("checkpoint write failed")
	ErrExecutionFailed    = errors.New("block execution failed")
)
