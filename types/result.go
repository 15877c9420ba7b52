package types

// VerificationResult is the outcome of running the external proof verifier
// over a single proof payload. Cost is a monotonically-increasing difficulty
// score accumulated into the block total.
type VerificationResult struct {
	Valid     bool
	Cost      uint64
	LatencyMs int64
	Err       string
}

// BlockVerificationResult aggregates verification of every proof in a block.
// On failure, FailedTxID names the first offending transaction and Reason
// carries the verifier's error.
type BlockVerificationResult struct {
	Valid      bool
	TotalCost  uint64
	LatencyMs  int64
	FailedTxID string
	Reason     string
}

// ConsensusResult is the terminal record of one consensus round.
// Append-only once written; never mutated.
type ConsensusResult struct {
	Sequence        uint64
	Reached         bool
	Digest          Hash
	StateRoot       Hash
	TotalDifficulty uint64

	// Participants maps each node whose PREPARE verdict was counted to the
	// verdict it reported, for audit.
	Participants map[NodeID]BlockVerificationResult
}

// CopyConsensusResult creates a deep copy of a ConsensusResult so the
// append-only record cannot be mutated through a returned reference.
func CopyConsensusResult(r *ConsensusResult) *ConsensusResult {
	if r == nil {
		return nil
	}
	resultCopy := &ConsensusResult{
		Sequence:        r.Sequence,
		Reached:         r.Reached,
		TotalDifficulty: r.TotalDifficulty,
	}
	if d := CopyHash(&r.Digest); d != nil {
		resultCopy.Digest = *d
	}
	if sr := CopyHash(&r.StateRoot); sr != nil {
		resultCopy.StateRoot = *sr
	}
	if len(r.Participants) > 0 {
		resultCopy.Participants = make(map[NodeID]BlockVerificationResult, len(r.Participants))
		for id, v := range r.Participants {
			resultCopy.Participants[id] = v
		}
	}
	return resultCopy
}
