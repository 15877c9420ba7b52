package engine

import (
	"encoding/binary"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/blockberries/ledgerberry/depgraph"
	"github.com/blockberries/ledgerberry/statetree"
	"github.com/blockberries/ledgerberry/types"
)

// Executor applies a committed block to the replicated state and returns
// the resulting state root. Execution is all-or-nothing: a failure leaves
// the state exactly as it was.
type Executor interface {
	ExecuteBlock(block *types.ProofBlock) (types.Hash, error)
	StateRoot() types.Hash
}

// Transfer payload errors
var (
	ErrBadTransferPayload = errors.New("malformed transfer payload")
)

// Transfer is the executable content of one transaction.
type Transfer struct {
	From   string
	To     string
	Amount uint64
}

// EncodeTransfer produces the canonical transfer payload bytes.
func EncodeTransfer(tr Transfer) []byte {
	out := make([]byte, 0, 4+len(tr.From)+4+len(tr.To)+8)
	out = binary.BigEndian.AppendUint32(out, uint32(len(tr.From)))
	out = append(out, tr.From...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(tr.To)))
	out = append(out, tr.To...)
	out = binary.BigEndian.AppendUint64(out, tr.Amount)
	return out
}

// DecodeTransfer parses canonical transfer payload bytes. Trailing bytes
// are rejected.
func DecodeTransfer(data []byte) (Transfer, error) {
	var tr Transfer
	rest := data

	readString := func() (string, error) {
		if len(rest) < 4 {
			return "", ErrBadTransferPayload
		}
		n := binary.BigEndian.Uint32(rest[:4])
		rest = rest[4:]
		if uint32(len(rest)) < n {
			return "", ErrBadTransferPayload
		}
		s := string(rest[:n])
		rest = rest[n:]
		return s, nil
	}

	var err error
	if tr.From, err = readString(); err != nil {
		return Transfer{}, err
	}
	if tr.To, err = readString(); err != nil {
		return Transfer{}, err
	}
	if len(rest) != 8 {
		return Transfer{}, ErrBadTransferPayload
	}
	tr.Amount = binary.BigEndian.Uint64(rest)
	return tr, nil
}

// TransferExecutor executes blocks of transfer transactions against an
// authenticated state tree. Transactions run level by level following the
// block's dependency graph; every transaction within a level is independent
// of the others, so level order is the only order that matters.
type TransferExecutor struct {
	tree   *statetree.Tree
	logger *zap.Logger
}

// NewTransferExecutor creates an executor over the given tree.
func NewTransferExecutor(tree *statetree.Tree, logger *zap.Logger) *TransferExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TransferExecutor{tree: tree, logger: logger}
}

var _ Executor = (*TransferExecutor)(nil)

// ExecuteBlock applies every transaction in dependency order. On any
// failure the tree is restored to its pre-block snapshot and the error
// names the offending transaction.
func (ex *TransferExecutor) ExecuteBlock(block *types.ProofBlock) (types.Hash, error) {
	graph, err := depgraph.FromBlock(block)
	if err != nil {
		return types.Hash{}, fmt.Errorf("%w: %v", ErrExecutionFailed, err)
	}
	levels := graph.IndependentSets()
	if levels == nil {
		return types.Hash{}, fmt.Errorf("%w: cyclic dependencies", ErrExecutionFailed)
	}

	snap := ex.tree.Snapshot()
	for _, level := range levels {
		for _, txID := range level {
			node := graph.Node(txID)
			tr, err := DecodeTransfer(node.Payload)
			if err != nil {
				ex.tree.Restore(snap)
				return types.Hash{}, fmt.Errorf("%w: tx %q: %v", ErrExecutionFailed, txID, err)
			}
			if _, _, err := ex.tree.ApplyTransfer(tr.From, tr.To, tr.Amount); err != nil {
				ex.tree.Restore(snap)
				ex.logger.Debug("block execution rolled back",
					zap.Uint64("block_id", block.BlockID),
					zap.String("tx", txID),
					zap.Error(err))
				return types.Hash{}, fmt.Errorf("%w: tx %q: %v", ErrExecutionFailed, txID, err)
			}
		}
	}
	return ex.tree.Root(), nil
}

// StateRoot returns the current state root.
func (ex *TransferExecutor) StateRoot() types.Hash {
	return ex.tree.Root()
}

// Tree exposes the underlying state tree for checkpointing and queries.
func (ex *TransferExecutor) Tree() *statetree.Tree {
	return ex.tree
}
