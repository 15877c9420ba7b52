package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blockberries/ledgerberry/types"
)

func acceptAllVerifier(calls *atomic.Int64) ProofVerifier {
	return ProofVerifierFunc(func(_ context.Context, payload []byte) types.VerificationResult {
		if calls != nil {
			calls.Add(1)
		}
		return types.VerificationResult{Valid: true, Cost: uint64(len(payload))}
	})
}

func rejectPayloadVerifier(reject string) ProofVerifier {
	return ProofVerifierFunc(func(_ context.Context, payload []byte) types.VerificationResult {
		if string(payload) == reject {
			return types.VerificationResult{Valid: false, Err: "constraint unsatisfied"}
		}
		return types.VerificationResult{Valid: true, Cost: 1}
	})
}

func blockWithPayloads(payloads ...string) *types.ProofBlock {
	block := &types.ProofBlock{BlockID: 1, Timestamp: 1}
	for i, p := range payloads {
		block.Transactions = append(block.Transactions, types.Transaction{
			ID:      fmt.Sprintf("tx%d", i),
			Payload: []byte(p),
		})
	}
	return block
}

func TestVerifyBlockAllValid(t *testing.T) {
	bv, err := NewBlockVerifier(acceptAllVerifier(nil), 4, 16, nil)
	require.NoError(t, err)

	res := bv.VerifyBlock(context.Background(), blockWithPayloads("aa", "bbb", "c"))
	require.True(t, res.Valid)
	require.Equal(t, uint64(6), res.TotalCost)
	require.Empty(t, res.FailedTxID)
}

func TestVerifyBlockReportsFirstFailure(t *testing.T) {
	bv, err := NewBlockVerifier(rejectPayloadVerifier("bad"), 4, 16, nil)
	require.NoError(t, err)

	res := bv.VerifyBlock(context.Background(), blockWithPayloads("ok", "bad", "ok2", "bad2"))
	require.False(t, res.Valid)
	require.Equal(t, "tx1", res.FailedTxID, "first offender in block order")
	require.Equal(t, "constraint unsatisfied", res.Reason)
}

func TestVerifyBlockCachesVerdicts(t *testing.T) {
	var calls atomic.Int64
	bv, err := NewBlockVerifier(acceptAllVerifier(&calls), 2, 16, nil)
	require.NoError(t, err)

	block := blockWithPayloads("proof-a", "proof-b")
	bv.VerifyBlock(context.Background(), block)
	require.Equal(t, int64(2), calls.Load())

	// Same payloads resubmitted, e.g. after a view change: no new calls.
	bv.VerifyBlock(context.Background(), block)
	require.Equal(t, int64(2), calls.Load())
	require.Equal(t, 2, bv.CacheLen())
}

func TestVerifyBlockManyProofs(t *testing.T) {
	var calls atomic.Int64
	bv, err := NewBlockVerifier(acceptAllVerifier(&calls), 8, 256, nil)
	require.NoError(t, err)

	payloads := make([]string, 100)
	for i := range payloads {
		payloads[i] = fmt.Sprintf("proof-%d", i)
	}
	res := bv.VerifyBlock(context.Background(), blockWithPayloads(payloads...))
	require.True(t, res.Valid)
	require.Equal(t, int64(100), calls.Load())
}
