// Package checkpoint persists committed consensus state.
//
// A checkpoint captures everything a node needs to resume after a crash
// without losing committed state or resurrecting uncommitted rounds: the
// last committed sequence number and block digest, the view it was committed
// in, the state root, and the full account table.
//
// Every persistence failure is returned to the caller. Silently dropping a
// checkpoint would let a restarted node re-enter consensus behind its own
// signed history, so callers must treat a failed save as a reason to halt
// the round, not to continue.
//
// BoltStore is the bbolt-backed implementation; NopStore discards
// everything and is for tests and stateless tooling only.
package checkpoint
