// Package engine implements the view-based three-phase consensus state
// machine and its supporting machinery.
//
// # Decision loop
//
// Each node runs one receiveRoutine goroutine that exclusively owns the
// round state. Message arrival, block proposals, timeout expiry and proof
// verification completion are all events delivered to it over channels, so
// the protocol is a single-writer state machine per (view, sequence).
// Verifying the proofs inside a block is the one slow operation, and it
// never runs on the loop: the BlockVerifier fans proofs out across workers
// and posts the verdict back as an event. A verdict for an abandoned round
// arrives stale and is dropped.
//
// # Protocol
//
// The leader of view v (a pure function of v and the validator ordering)
// proposes a PRE_PREPARE carrying a block whose internal ordering has been
// validated acyclic. Validators verify the block and broadcast PREPARE with
// their verdict; 2f+1 accepting verdicts for the same digest advance the
// round to COMMIT, and 2f+1 matching COMMITs finalize it: the state tree
// applies the block atomically, a checkpoint is persisted, and a
// ConsensusResult is emitted. A round that stalls past the adaptive timeout
// triggers VIEW_CHANGE with exponential backoff; the next leader collects
// 2f+1 signed VIEW_CHANGE messages and issues NEW_VIEW carrying them as a
// certificate, which every receiver verifies before returning to NORMAL in
// the incremented view.
//
// Messages that fail signature or ring-proof verification, reuse a key
// image, equivocate, or arrive for the wrong slot are discarded and never
// count toward any quorum.
package engine
