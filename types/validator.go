package types

import (
	"errors"
	"fmt"
	"sort"
)

// Validator set limits
const (
	// MaxValidators is bounded by the uint16 index
	MaxValidators = 65535

	// MaxTotalStake prevents overflow in stake arithmetic
	MaxTotalStake = int64(1) << 60
)

// Validator set errors
var (
	ErrValidatorNotFound  = errors.New("validator not found")
	ErrDuplicateValidator = errors.New("duplicate validator")
	ErrEmptyValidatorSet  = errors.New("empty validator set")
	ErrInvalidStake       = errors.New("invalid stake weight")
	ErrTooManyValidators  = errors.New("too many validators")
	ErrTotalStakeOverflow = errors.New("total stake overflow")
	ErrEmptyValidatorID   = errors.New("validator has empty id")
)

// Validator is one authorized consensus participant. RingKey is the
// validator's ristretto255 public key for the anonymous participation layer;
// PublicKey authenticates the plain (non-anonymous) message path.
type Validator struct {
	ID        NodeID
	Index     uint16
	PublicKey PublicKey
	RingKey   []byte
	Stake     int64
}

// ValidatorSet is the fixed, ordered set of authorized validators for an
// epoch. The ordering is the construction order and never changes within an
// epoch; leader selection and anonymity-ring assembly both depend on every
// honest node holding the identical ordering.
type ValidatorSet struct {
	Validators []*Validator
	TotalStake int64

	byID    map[NodeID]*Validator
	byIndex map[uint16]*Validator
}

// NewValidatorSet creates a ValidatorSet from validators, assigning indexes
// in construction order.
func NewValidatorSet(validators []*Validator) (*ValidatorSet, error) {
	if len(validators) == 0 {
		return nil, ErrEmptyValidatorSet
	}
	if len(validators) > MaxValidators {
		return nil, fmt.Errorf("%w: %d (max %d)", ErrTooManyValidators, len(validators), MaxValidators)
	}

	vs := &ValidatorSet{
		Validators: make([]*Validator, len(validators)),
		byID:       make(map[NodeID]*Validator),
		byIndex:    make(map[uint16]*Validator),
	}

	for i, v := range validators {
		if v.ID == "" {
			return nil, fmt.Errorf("%w: validator %d", ErrEmptyValidatorID, i)
		}
		if v.Stake <= 0 {
			return nil, fmt.Errorf("%w: validator %q", ErrInvalidStake, v.ID)
		}
		if _, exists := vs.byID[v.ID]; exists {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateValidator, v.ID)
		}
		if vs.TotalStake > MaxTotalStake-v.Stake {
			return nil, fmt.Errorf("%w: exceeds %d", ErrTotalStakeOverflow, MaxTotalStake)
		}

		var ringKey []byte
		if len(v.RingKey) > 0 {
			ringKey = make([]byte, len(v.RingKey))
			copy(ringKey, v.RingKey)
		}
		val := &Validator{
			ID:        v.ID,
			Index:     uint16(i),
			PublicKey: v.PublicKey,
			RingKey:   ringKey,
			Stake:     v.Stake,
		}
		vs.Validators[i] = val
		vs.byID[v.ID] = val
		vs.byIndex[uint16(i)] = val
		vs.TotalStake += v.Stake
	}

	return vs, nil
}

// GetByID returns a validator by node id, or nil if unknown.
func (vs *ValidatorSet) GetByID(id NodeID) *Validator {
	return vs.byID[id]
}

// GetByIndex returns a validator by index, or nil if unknown.
func (vs *ValidatorSet) GetByIndex(index uint16) *Validator {
	return vs.byIndex[index]
}

// Size returns the number of validators.
func (vs *ValidatorSet) Size() int {
	return len(vs.Validators)
}

// MaxFaulty returns f, the maximum number of Byzantine validators the set
// tolerates: f = (n-1)/3.
func (vs *ValidatorSet) MaxFaulty() int {
	return (len(vs.Validators) - 1) / 3
}

// QuorumSize returns 2f+1, the number of matching messages required to
// conclude any protocol decision.
func (vs *ValidatorSet) QuorumSize() int {
	return 2*vs.MaxFaulty() + 1
}

// LeaderForView returns the designated leader for a view. Selection is a
// pure function of the view number and the fixed validator ordering so every
// honest node agrees on the leader without communication.
func (vs *ValidatorSet) LeaderForView(view uint64) *Validator {
	if len(vs.Validators) == 0 {
		return nil
	}
	return vs.Validators[view%uint64(len(vs.Validators))]
}

// RingKeys returns the ristretto255 public keys of all validators in set
// order, for anonymity-ring assembly. Keys are copied.
func (vs *ValidatorSet) RingKeys() [][]byte {
	keys := make([][]byte, 0, len(vs.Validators))
	for _, v := range vs.Validators {
		if len(v.RingKey) == 0 {
			continue
		}
		k := make([]byte, len(v.RingKey))
		copy(k, v.RingKey)
		keys = append(keys, k)
	}
	return keys
}

// Hash computes a deterministic hash of the validator set composition.
// Validators are encoded in id-sorted order so the hash does not depend on
// construction order, only membership.
func (vs *ValidatorSet) Hash() Hash {
	sorted := make([]*Validator, len(vs.Validators))
	copy(sorted, vs.Validators)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ID < sorted[j].ID
	})

	e := newEncoder()
	e.writeUint64(uint64(len(sorted)))
	for _, v := range sorted {
		e.writeString(string(v.ID))
		e.writeBytes(v.PublicKey.Data)
		e.writeBytes(v.RingKey)
		e.writeInt64(v.Stake)
	}
	return HashBytes(e.bytes())
}

// Copy creates a deep copy of the validator set.
func (vs *ValidatorSet) Copy() (*ValidatorSet, error) {
	validators := make([]*Validator, len(vs.Validators))
	for i, v := range vs.Validators {
		var pubKeyCopy PublicKey
		if len(v.PublicKey.Data) > 0 {
			pubKeyCopy.Data = make([]byte, len(v.PublicKey.Data))
			copy(pubKeyCopy.Data, v.PublicKey.Data)
		}
		validators[i] = &Validator{
			ID:        v.ID,
			PublicKey: pubKeyCopy,
			RingKey:   v.RingKey,
			Stake:     v.Stake,
		}
	}
	return NewValidatorSet(validators)
}
