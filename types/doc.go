// Package types defines the data model shared by every consensus component.
//
// # Core Types
//
// Hash, Signature, PublicKey: fixed-size byte wrappers with validated
// constructors. Untrusted input goes through the New* constructors; trusted
// internal data may use the Must* variants.
//
// ProofBlock: a candidate unit of agreement. Its digest is content-addressed
// (a pure function of every field except the proposer signature), so equal
// digests imply equal content.
//
// ConsensusMessage: one protocol message. The Payload field is a closed sum
// type with one concrete variant per MessageType (PrePrepare, Prepare,
// Commit, ViewChange, NewView); ValidateBasic enforces that the declared
// type matches the variant.
//
// ValidatorSet: the fixed, ordered validator set for an epoch. Quorum
// arithmetic (f = (n-1)/3, quorum = 2f+1) and deterministic leader selection
// live here.
//
// VerificationResult, BlockVerificationResult, ConsensusResult: per-proof,
// per-block and per-round outcome records.
//
// # Determinism
//
// All hashing and signing goes through a canonical length-prefixed binary
// encoder. Any change to the encoding is consensus-breaking: every validator
// must derive identical digests from identical input.
package types
