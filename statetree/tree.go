package statetree

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/blockberries/ledgerberry/types"
)

// Mutation errors. All are returned with the tree unchanged.
var (
	ErrAccountExists       = errors.New("account already exists")
	ErrUnknownAccount      = errors.New("account does not exist")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNonPositiveAmount   = errors.New("transfer amount must be positive")
	ErrSelfTransfer        = errors.New("transfer source and destination are the same account")
	ErrBalanceOverflow     = errors.New("balance overflow")
	ErrSupplyOverflow      = errors.New("total supply overflow")
	ErrConservation        = errors.New("transition violates conservation")
	ErrRootMismatch        = errors.New("transition root mismatch")
)

// Account is one balance/nonce record. Nonce increments on every committed
// update to the account.
type Account struct {
	ID      string
	Balance uint64
	Nonce   uint64
}

// AccountChange is one (key, new value) pair inside a StateTransition.
type AccountChange struct {
	ID         string
	NewBalance uint64
}

// StateTransition is a batch of balance changes with the before/after root
// and conservation checksum it claims. ApplyTransition refuses any
// transition whose claims do not hold.
type StateTransition struct {
	Changes        []AccountChange
	RootBefore     types.Hash
	RootAfter      types.Hash
	ChecksumBefore uint64
	ChecksumAfter  uint64
}

// Snapshot is a full copy of the tree's account table, sufficient to restore
// the tree to the captured state.
type Snapshot struct {
	accounts map[string]Account
	supply   uint64
}

// Accounts returns the snapshot's account records, sorted by id. Used when
// persisting checkpoints.
func (s *Snapshot) Accounts() []Account {
	out := make([]Account, 0, len(s.accounts))
	for _, acc := range s.accounts {
		out = append(out, acc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SnapshotFromAccounts rebuilds a snapshot from persisted account records.
func SnapshotFromAccounts(accounts []Account) *Snapshot {
	snap := &Snapshot{accounts: make(map[string]Account, len(accounts))}
	for _, acc := range accounts {
		snap.accounts[acc.ID] = acc
		snap.supply += acc.Balance
	}
	return snap
}

// Tree is the authenticated state tree. It exclusively owns the account
// records and the canonical root. Mutations come from one writer (the
// consensus decision loop); concurrent readers are safe and observe either
// the pre- or post-transition state.
type Tree struct {
	mu     sync.RWMutex
	logger *zap.Logger

	accounts map[string]Account
	supply   uint64

	// cached root, rebuilt lazily after mutation
	root      types.Hash
	rootValid bool
}

// New creates an empty state tree.
func New(logger *zap.Logger) *Tree {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tree{
		logger:   logger,
		accounts: make(map[string]Account),
	}
}

// accountCommitment binds an account's id, balance and nonce.
func accountCommitment(acc Account) types.Hash {
	buf := make([]byte, 0, len(acc.ID)+32)
	buf = append(buf, "ledgerberry/account"...)
	buf = appendUint64(buf, uint64(len(acc.ID)))
	buf = append(buf, acc.ID...)
	buf = appendUint64(buf, acc.Balance)
	buf = appendUint64(buf, acc.Nonce)
	sum := blake2b.Sum256(buf)
	return types.MustNewHash(sum[:])
}

func appendUint64(buf []byte, v uint64) []byte {
	return append(buf,
		byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
		byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// CreateAccount adds a new account and returns its commitment.
func (t *Tree) CreateAccount(id string, initialBalance uint64) (types.Hash, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if id == "" {
		return types.Hash{}, fmt.Errorf("%w: empty id", ErrUnknownAccount)
	}
	if _, ok := t.accounts[id]; ok {
		return types.Hash{}, fmt.Errorf("%w: %q", ErrAccountExists, id)
	}
	if t.supply > math.MaxUint64-initialBalance {
		return types.Hash{}, ErrSupplyOverflow
	}

	acc := Account{ID: id, Balance: initialBalance}
	t.accounts[id] = acc
	t.supply += initialBalance
	t.rootValid = false

	return accountCommitment(acc), nil
}

// UpdateAccount sets an account's balance directly and increments its nonce.
// This changes the total supply; consensus uses it only for administrative
// transitions that are themselves checksum-verified via ApplyTransition.
func (t *Tree) UpdateAccount(id string, newBalance uint64) (types.Hash, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	acc, ok := t.accounts[id]
	if !ok {
		return types.Hash{}, fmt.Errorf("%w: %q", ErrUnknownAccount, id)
	}

	t.supply = t.supply - acc.Balance + newBalance
	acc.Balance = newBalance
	acc.Nonce++
	t.accounts[id] = acc
	t.rootValid = false

	return accountCommitment(acc), nil
}

// GetAccount returns a copy of the account record.
func (t *Tree) GetAccount(id string) (Account, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	acc, ok := t.accounts[id]
	return acc, ok
}

// TotalSupply returns the conservation checksum: the sum of all balances.
func (t *Tree) TotalSupply() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.supply
}

// Size returns the number of accounts.
func (t *Tree) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.accounts)
}

// Root returns the current root commitment: a Merkle hash over all account
// commitments in sorted-by-id order. The empty tree has the empty hash.
func (t *Tree) Root() types.Hash {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rootLocked()
}

func (t *Tree) rootLocked() types.Hash {
	if t.rootValid {
		return t.root
	}
	leaves := t.sortedCommitmentsLocked()
	t.root = merkleRoot(leaves)
	t.rootValid = true
	return t.root
}

// sortedCommitmentsLocked returns the account commitments in canonical
// (sorted-by-id) order.
func (t *Tree) sortedCommitmentsLocked() []types.Hash {
	ids := t.sortedIDsLocked()
	leaves := make([]types.Hash, len(ids))
	for i, id := range ids {
		leaves[i] = accountCommitment(t.accounts[id])
	}
	return leaves
}

func (t *Tree) sortedIDsLocked() []string {
	ids := make([]string, 0, len(t.accounts))
	for id := range t.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ApplyTransfer moves amount from one account to another. The transfer is
// guarded (both accounts exist, positive amount, sufficient balance) and then
// committed only if the total supply is unchanged; any failure restores the
// pre-transfer state and returns the unchanged root twice.
func (t *Tree) ApplyTransfer(from, to string, amount uint64) (oldRoot, newRoot types.Hash, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	oldRoot = t.rootLocked()

	if amount == 0 {
		return oldRoot, oldRoot, ErrNonPositiveAmount
	}
	// src and dst below are separate copies of the account records; aliased
	// endpoints would make the second write clobber the debit.
	if from == to {
		return oldRoot, oldRoot, fmt.Errorf("%w: %q", ErrSelfTransfer, from)
	}
	src, ok := t.accounts[from]
	if !ok {
		return oldRoot, oldRoot, fmt.Errorf("%w: %q", ErrUnknownAccount, from)
	}
	dst, ok := t.accounts[to]
	if !ok {
		return oldRoot, oldRoot, fmt.Errorf("%w: %q", ErrUnknownAccount, to)
	}
	if src.Balance < amount {
		return oldRoot, oldRoot, fmt.Errorf("%w: %q has %d, needs %d", ErrInsufficientBalance, from, src.Balance, amount)
	}
	if dst.Balance > math.MaxUint64-amount {
		return oldRoot, oldRoot, fmt.Errorf("%w: %q", ErrBalanceOverflow, to)
	}

	snap := t.snapshotLocked()
	supplyBefore := t.supply

	src.Balance -= amount
	src.Nonce++
	dst.Balance += amount
	dst.Nonce++
	t.accounts[from] = src
	t.accounts[to] = dst
	t.rootValid = false

	if t.supply != supplyBefore {
		t.restoreLocked(snap)
		t.logger.Error("transfer rolled back",
			zap.String("from", from),
			zap.String("to", to),
			zap.Uint64("amount", amount))
		return oldRoot, oldRoot, ErrConservation
	}

	newRoot = t.rootLocked()
	return oldRoot, newRoot, nil
}

// ApplyTransition applies a batch of balance changes atomically. The
// transition's claimed before-root and before-checksum must match the current
// state, and after applying, the checksum must be unchanged and equal the
// claimed after-checksum. Any mismatch rolls the tree back and returns an
// error with nothing published.
func (t *Tree) ApplyTransition(tr *StateTransition) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !types.HashEqual(t.rootLocked(), tr.RootBefore) {
		return fmt.Errorf("%w: before", ErrRootMismatch)
	}
	if t.supply != tr.ChecksumBefore {
		return fmt.Errorf("%w: claimed checksum %d, have %d", ErrConservation, tr.ChecksumBefore, t.supply)
	}

	snap := t.snapshotLocked()

	for _, ch := range tr.Changes {
		acc, ok := t.accounts[ch.ID]
		if !ok {
			t.restoreLocked(snap)
			return fmt.Errorf("%w: %q", ErrUnknownAccount, ch.ID)
		}
		t.supply = t.supply - acc.Balance + ch.NewBalance
		acc.Balance = ch.NewBalance
		acc.Nonce++
		t.accounts[ch.ID] = acc
	}
	t.rootValid = false

	if t.supply != tr.ChecksumAfter || t.supply != tr.ChecksumBefore {
		t.restoreLocked(snap)
		t.logger.Error("transition rolled back",
			zap.Int("changes", len(tr.Changes)),
			zap.Uint64("checksum_before", tr.ChecksumBefore),
			zap.Uint64("checksum_after", t.supply))
		return ErrConservation
	}
	if !types.HashEqual(t.rootLocked(), tr.RootAfter) {
		t.restoreLocked(snap)
		return fmt.Errorf("%w: after", ErrRootMismatch)
	}
	return nil
}

// Snapshot captures the full current state.
func (t *Tree) Snapshot() *Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snapshotLocked()
}

func (t *Tree) snapshotLocked() *Snapshot {
	accounts := make(map[string]Account, len(t.accounts))
	for id, acc := range t.accounts {
		accounts[id] = acc
	}
	return &Snapshot{accounts: accounts, supply: t.supply}
}

// Restore replaces the tree's state with the snapshot.
func (t *Tree) Restore(snap *Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.restoreLocked(snap)
}

func (t *Tree) restoreLocked(snap *Snapshot) {
	accounts := make(map[string]Account, len(snap.accounts))
	for id, acc := range snap.accounts {
		accounts[id] = acc
	}
	t.accounts = accounts
	t.supply = snap.supply
	t.rootValid = false
}
