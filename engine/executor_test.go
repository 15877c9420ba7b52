package engine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blockberries/ledgerberry/statetree"
	"github.com/blockberries/ledgerberry/types"
)

func transferTx(id string, tr Transfer, deps ...string) types.Transaction {
	return types.Transaction{ID: id, Payload: EncodeTransfer(tr), DependsOn: deps}
}

func executorFixture(t *testing.T) (*TransferExecutor, *statetree.Tree) {
	t.Helper()
	tree := statetree.New(nil)
	_, err := tree.CreateAccount("alice", 1000)
	require.NoError(t, err)
	_, err = tree.CreateAccount("bob", 500)
	require.NoError(t, err)
	_, err = tree.CreateAccount("carol", 0)
	require.NoError(t, err)
	return NewTransferExecutor(tree, nil), tree
}

func TestTransferCodecRoundTrip(t *testing.T) {
	tr := Transfer{From: "alice", To: "bob", Amount: 42}
	decoded, err := DecodeTransfer(EncodeTransfer(tr))
	require.NoError(t, err)
	require.Equal(t, tr, decoded)
}

func TestTransferCodecRejectsMalformed(t *testing.T) {
	valid := EncodeTransfer(Transfer{From: "a", To: "b", Amount: 1})

	for _, tc := range [][]byte{
		nil,
		{1, 2, 3},
		valid[:len(valid)-1],
		append(append([]byte{}, valid...), 0),
	} {
		_, err := DecodeTransfer(tc)
		require.ErrorIs(t, err, ErrBadTransferPayload)
	}
}

func TestExecuteBlockAppliesTransfers(t *testing.T) {
	ex, tree := executorFixture(t)
	supplyBefore := tree.TotalSupply()

	block := &types.ProofBlock{
		BlockID:   1,
		Timestamp: 1,
		Transactions: []types.Transaction{
			transferTx("tx1", Transfer{From: "alice", To: "bob", Amount: 100}),
			transferTx("tx2", Transfer{From: "bob", To: "carol", Amount: 50}, "tx1"),
		},
	}

	root, err := ex.ExecuteBlock(block)
	require.NoError(t, err)
	require.True(t, types.HashEqual(root, tree.Root()))

	alice, _ := tree.GetAccount("alice")
	bob, _ := tree.GetAccount("bob")
	carol, _ := tree.GetAccount("carol")
	require.Equal(t, uint64(900), alice.Balance)
	require.Equal(t, uint64(550), bob.Balance)
	require.Equal(t, uint64(50), carol.Balance)
	require.Equal(t, supplyBefore, tree.TotalSupply())
}

func TestExecuteBlockHonorsDependencyOrder(t *testing.T) {
	ex, tree := executorFixture(t)

	// carol starts at 0: tx2 only works after tx1 funds her. The block lists
	// tx2 first; the dependency graph must still order tx1 before it.
	block := &types.ProofBlock{
		BlockID:   1,
		Timestamp: 1,
		Transactions: []types.Transaction{
			transferTx("tx2", Transfer{From: "carol", To: "bob", Amount: 10}, "tx1"),
			transferTx("tx1", Transfer{From: "alice", To: "carol", Amount: 10}),
		},
	}

	_, err := ex.ExecuteBlock(block)
	require.NoError(t, err)

	carol, _ := tree.GetAccount("carol")
	require.Equal(t, uint64(0), carol.Balance)
	bob, _ := tree.GetAccount("bob")
	require.Equal(t, uint64(510), bob.Balance)
}

func TestExecuteBlockRollsBackOnFailure(t *testing.T) {
	ex, tree := executorFixture(t)
	rootBefore := tree.Root()

	block := &types.ProofBlock{
		BlockID:   1,
		Timestamp: 1,
		Transactions: []types.Transaction{
			transferTx("tx1", Transfer{From: "alice", To: "bob", Amount: 100}),
			transferTx("tx2", Transfer{From: "carol", To: "bob", Amount: 999}),
		},
	}

	_, err := ex.ExecuteBlock(block)
	require.ErrorIs(t, err, ErrExecutionFailed)

	// tx1 must not survive the failed block.
	require.True(t, types.HashEqual(rootBefore, tree.Root()))
	alice, _ := tree.GetAccount("alice")
	require.Equal(t, uint64(1000), alice.Balance)
}

func TestExecuteBlockRejectsGarbagePayload(t *testing.T) {
	ex, tree := executorFixture(t)
	rootBefore := tree.Root()

	block := &types.ProofBlock{
		BlockID:   1,
		Timestamp: 1,
		Transactions: []types.Transaction{
			transferTx("tx1", Transfer{From: "alice", To: "bob", Amount: 100}),
			{ID: "tx2", Payload: []byte("not a transfer")},
		},
	}

	_, err := ex.ExecuteBlock(block)
	require.ErrorIs(t, err, ErrExecutionFailed)
	require.True(t, types.HashEqual(rootBefore, tree.Root()))
}

func TestExecuteBlockRejectsCyclicBlock(t *testing.T) {
	ex, _ := executorFixture(t)

	block := &types.ProofBlock{
		BlockID:   1,
		Timestamp: 1,
		Transactions: []types.Transaction{
			transferTx("tx1", Transfer{From: "alice", To: "bob", Amount: 1}, "tx2"),
			transferTx("tx2", Transfer{From: "bob", To: "alice", Amount: 1}, "tx1"),
		},
	}

	_, err := ex.ExecuteBlock(block)
	require.ErrorIs(t, err, ErrExecutionFailed)
}
