package types

import (
	"errors"
	"fmt"
)

// Block validation errors
var (
	ErrEmptyBlock        = errors.New("block contains no transactions")
	ErrDuplicateTxID     = errors.New("duplicate transaction id in block")
	ErrUnknownDependency = errors.New("transaction depends on id outside the block")
)

// Transaction is one pre-verified proof payload inside a candidate block.
// DependsOn lists transaction ids that must be applied before this one.
// A Transaction is immutable once its block has been broadcast.
type Transaction struct {
	ID        string
	Payload   []byte
	DependsOn []string
}

// CopyTransaction creates a deep copy of a Transaction.
func CopyTransaction(tx *Transaction) Transaction {
	txCopy := Transaction{ID: tx.ID}
	if len(tx.Payload) > 0 {
		txCopy.Payload = make([]byte, len(tx.Payload))
		copy(txCopy.Payload, tx.Payload)
	}
	if len(tx.DependsOn) > 0 {
		txCopy.DependsOn = make([]string, len(tx.DependsOn))
		copy(txCopy.DependsOn, tx.DependsOn)
	}
	return txCopy
}

// ProofBlock is a candidate unit of agreement: an ordered list of
// transactions, chained to the previous accepted block by hash.
// The block digest is content-addressed: it is a pure function of every
// field except the proposer signature, so two blocks with equal digest are
// equal in content.
type ProofBlock struct {
	BlockID      uint64
	Timestamp    int64
	Transactions []Transaction
	PrevHash     Hash
	Proposer     NodeID
	Signature    Signature
}

// BlockDigest computes the content-addressed digest of a block.
// The proposer signature is excluded so that signing does not change the
// digest being signed.
func BlockDigest(b *ProofBlock) Hash {
	if b == nil {
		return HashEmpty()
	}
	e := newEncoder()
	e.writeUint64(b.BlockID)
	e.writeInt64(b.Timestamp)
	e.writeUint64(uint64(len(b.Transactions)))
	for i := range b.Transactions {
		tx := &b.Transactions[i]
		e.writeString(tx.ID)
		e.writeBytes(tx.Payload)
		e.writeUint64(uint64(len(tx.DependsOn)))
		for _, dep := range tx.DependsOn {
			e.writeString(dep)
		}
	}
	e.writeHash(b.PrevHash)
	e.writeString(string(b.Proposer))
	return HashBytes(e.bytes())
}

// BlockSignBytes returns the canonical bytes a proposer signs for a block.
func BlockSignBytes(chainID string, b *ProofBlock) []byte {
	e := newEncoder()
	e.writeString("ledgerberry/block")
	e.writeString(chainID)
	digest := BlockDigest(b)
	e.writeHash(digest)
	return e.bytes()
}

// ValidateBasic performs stateless validation of block structure:
// non-empty, unique transaction ids, and dependencies that resolve inside
// the block. Cycle detection is the dependency graph's job, not this one's.
func (b *ProofBlock) ValidateBasic() error {
	if len(b.Transactions) == 0 {
		return ErrEmptyBlock
	}
	ids := make(map[string]struct{}, len(b.Transactions))
	for i := range b.Transactions {
		id := b.Transactions[i].ID
		if id == "" {
			return fmt.Errorf("transaction %d has empty id", i)
		}
		if _, ok := ids[id]; ok {
			return fmt.Errorf("%w: %q", ErrDuplicateTxID, id)
		}
		ids[id] = struct{}{}
	}
	for i := range b.Transactions {
		for _, dep := range b.Transactions[i].DependsOn {
			if _, ok := ids[dep]; !ok {
				return fmt.Errorf("%w: %q depends on %q", ErrUnknownDependency, b.Transactions[i].ID, dep)
			}
		}
	}
	return nil
}

// CopyBlock creates a deep copy of a ProofBlock. Blocks handed to async
// verification must be copied so the caller cannot mutate them mid-flight.
func CopyBlock(b *ProofBlock) *ProofBlock {
	if b == nil {
		return nil
	}
	blockCopy := &ProofBlock{
		BlockID:   b.BlockID,
		Timestamp: b.Timestamp,
		Proposer:  b.Proposer,
		Signature: CopySignature(b.Signature),
	}
	if prev := CopyHash(&b.PrevHash); prev != nil {
		blockCopy.PrevHash = *prev
	}
	if len(b.Transactions) > 0 {
		blockCopy.Transactions = make([]Transaction, len(b.Transactions))
		for i := range b.Transactions {
			blockCopy.Transactions[i] = CopyTransaction(&b.Transactions[i])
		}
	}
	return blockCopy
}
