package engine

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/blockberries/ledgerberry/checkpoint"
	"github.com/blockberries/ledgerberry/statetree"
	"github.com/blockberries/ledgerberry/types"
)

// restoreLatestCheckpoint rebuilds committed state from the checkpoint
// store on startup. Only committed state comes back: a block that was
// prepared but never committed before the crash is gone, which is exactly
// the recovery contract.
func (cs *ConsensusState) restoreLatestCheckpoint() error {
	cp, err := cs.checkpoints.Latest()
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return nil
		}
		return err
	}

	cs.executor.Tree().Restore(statetree.SnapshotFromAccounts(cp.Accounts))
	root := cs.executor.Tree().Root()
	if !types.HashEqual(root, cp.StateRoot) {
		return fmt.Errorf("%w: restored root does not match checkpoint", checkpoint.ErrCorrupted)
	}

	cs.view = cp.View
	cs.sequence = cp.Sequence + 1
	cs.finalizedRoot = cp.StateRoot
	cs.finalizedSeq = cp.Sequence
	cs.lastDigest = cp.Digest

	cs.logger.Info("restored from checkpoint",
		zap.Uint64("view", cp.View),
		zap.Uint64("sequence", cp.Sequence),
		zap.String("state_root", types.HashString(cp.StateRoot)[:16]))
	return nil
}
