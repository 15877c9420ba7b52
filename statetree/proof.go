package statetree

import (
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/blockberries/ledgerberry/types"
)

// Proof is a Merkle inclusion proof for one account. It carries the account
// record itself so a verifier can recompute the leaf commitment; Siblings
// lists the neighbor hash at each level from leaf to root.
type Proof struct {
	Account  Account
	Index    int
	Siblings []types.Hash
}

func hashPair(left, right types.Hash) types.Hash {
	buf := make([]byte, 0, 16+2*types.HashSize)
	buf = append(buf, "ledgerberry/node"...)
	buf = append(buf, left.Data...)
	buf = append(buf, right.Data...)
	sum := blake2b.Sum256(buf)
	return types.MustNewHash(sum[:])
}

// merkleRoot folds the leaves pairwise until one hash remains. A level with
// an odd node count duplicates its last node. The empty leaf list yields the
// empty hash.
func merkleRoot(leaves []types.Hash) types.Hash {
	if len(leaves) == 0 {
		return types.HashEmpty()
	}
	level := make([]types.Hash, len(leaves))
	copy(level, leaves)

	for len(level) > 1 {
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}
		next := make([]types.Hash, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next = append(next, hashPair(level[i], level[i+1]))
		}
		level = next
	}
	return level[0]
}

// MerkleProof builds an inclusion proof for the account against the current
// root.
func (t *Tree) MerkleProof(id string) (*Proof, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	acc, ok := t.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAccount, id)
	}

	ids := t.sortedIDsLocked()
	index := -1
	leaves := make([]types.Hash, len(ids))
	for i, leafID := range ids {
		leaves[i] = accountCommitment(t.accounts[leafID])
		if leafID == id {
			index = i
		}
	}

	proof := &Proof{Account: acc, Index: index}

	level := leaves
	pos := index
	for len(level) > 1 {
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}
		sibling := pos ^ 1
		proof.Siblings = append(proof.Siblings, level[sibling])

		next := make([]types.Hash, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next = append(next, hashPair(level[i], level[i+1]))
		}
		level = next
		pos /= 2
	}
	return proof, nil
}

// VerifyProof recomputes the root from the proof's account record and
// sibling path and compares it to the expected root. Malformed proofs fail
// closed.
func VerifyProof(proof *Proof, root types.Hash) bool {
	if proof == nil || proof.Index < 0 {
		return false
	}
	current := accountCommitment(proof.Account)
	pos := proof.Index
	for _, sibling := range proof.Siblings {
		if len(sibling.Data) != types.HashSize {
			return false
		}
		if pos%2 == 0 {
			current = hashPair(current, sibling)
		} else {
			current = hashPair(sibling, current)
		}
		pos /= 2
	}
	return types.HashEqual(current, root)
}
