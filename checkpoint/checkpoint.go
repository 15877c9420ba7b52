package checkpoint

import (
	"errors"

	"github.com/blockberries/ledgerberry/statetree"
	"github.com/blockberries/ledgerberry/types"
)

// Errors
var (
	ErrClosed    = errors.New("checkpoint store is closed")
	ErrCorrupted = errors.New("checkpoint record is corrupted")
	ErrNotFound  = errors.New("checkpoint not found")
)

// Checkpoint is the durable record of one committed sequence.
type Checkpoint struct {
	View      uint64
	Sequence  uint64
	Digest    types.Hash
	StateRoot types.Hash
	Accounts  []statetree.Account
}

// Store persists checkpoints. Implementations must make every failure
// visible to the caller.
type Store interface {
	// Save writes a checkpoint durably before returning.
	Save(cp *Checkpoint) error

	// Latest returns the highest-sequence checkpoint, or ErrNotFound if
	// none has been saved.
	Latest() (*Checkpoint, error)

	// BySequence returns the checkpoint for one committed sequence.
	BySequence(sequence uint64) (*Checkpoint, error)

	// Prune removes checkpoints below the given sequence.
	Prune(belowSequence uint64) error

	// Close releases the store. Further calls fail with ErrClosed.
	Close() error
}

// NopStore discards all checkpoints. For tests only: a node backed by it
// cannot recover committed state after a restart.
type NopStore struct{}

func (NopStore) Save(*Checkpoint) error                 { return nil }
func (NopStore) Latest() (*Checkpoint, error)           { return nil, ErrNotFound }
func (NopStore) BySequence(uint64) (*Checkpoint, error) { return nil, ErrNotFound }
func (NopStore) Prune(uint64) error                     { return nil }
func (NopStore) Close() error                           { return nil }

var _ Store = NopStore{}
