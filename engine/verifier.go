package engine

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/blockberries/ledgerberry/types"
)

// ProofVerifier checks one proof payload. Implementations may be slow;
// BlockVerifier fans calls out across workers and the decision loop never
// calls one directly.
type ProofVerifier interface {
	Verify(ctx context.Context, payload []byte) types.VerificationResult
}

// ProofVerifierFunc adapts a function to the ProofVerifier interface.
type ProofVerifierFunc func(ctx context.Context, payload []byte) types.VerificationResult

func (f ProofVerifierFunc) Verify(ctx context.Context, payload []byte) types.VerificationResult {
	return f(ctx, payload)
}

// BlockVerifier verifies every proof in a block concurrently and caches
// per-proof verdicts by payload hash, so a proof resubmitted across views
// is verified once.
type BlockVerifier struct {
	verifier ProofVerifier
	workers  int
	cache    *lru.Cache
	logger   *zap.Logger
}

// NewBlockVerifier creates a block verifier with the given worker bound and
// verdict cache size.
func NewBlockVerifier(verifier ProofVerifier, workers, cacheSize int, logger *zap.Logger) (*BlockVerifier, error) {
	if workers < 1 {
		workers = 1
	}
	if cacheSize < 1 {
		cacheSize = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	return &BlockVerifier{
		verifier: verifier,
		workers:  workers,
		cache:    cache,
		logger:   logger,
	}, nil
}

// VerifyBlock runs the proof verifier over every transaction in the block.
// The aggregate is valid only if every proof is valid; on failure the first
// offending transaction in block order is reported. Cost accumulates over
// all verified proofs.
func (bv *BlockVerifier) VerifyBlock(ctx context.Context, block *types.ProofBlock) types.BlockVerificationResult {
	start := time.Now()
	results := make([]types.VerificationResult, len(block.Transactions))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(bv.workers)
	for i := range block.Transactions {
		i := i
		g.Go(func() error {
			results[i] = bv.verifyOne(gctx, block.Transactions[i].Payload)
			return nil
		})
	}
	// Workers never return errors; failures land in results.
	_ = g.Wait()

	agg := types.BlockVerificationResult{Valid: true}
	for i, res := range results {
		agg.TotalCost += res.Cost
		if !res.Valid && agg.Valid {
			agg.Valid = false
			agg.FailedTxID = block.Transactions[i].ID
			agg.Reason = res.Err
		}
	}
	agg.LatencyMs = time.Since(start).Milliseconds()

	if !agg.Valid {
		bv.logger.Debug("block verification failed",
			zap.Uint64("block_id", block.BlockID),
			zap.String("failed_tx", agg.FailedTxID),
			zap.String("reason", agg.Reason))
	}
	return agg
}

func (bv *BlockVerifier) verifyOne(ctx context.Context, payload []byte) types.VerificationResult {
	key := types.HashString(types.HashBytes(payload))
	if cached, ok := bv.cache.Get(key); ok {
		return cached.(types.VerificationResult)
	}
	res := bv.verifier.Verify(ctx, payload)
	bv.cache.Add(key, res)
	return res
}

// CacheLen returns the number of cached verdicts.
func (bv *BlockVerifier) CacheLen() int {
	return bv.cache.Len()
}
