// Package statetree holds the authenticated account state and enforces the
// conservation invariant.
//
// The tree maps account ids to balance/nonce records. Each account has a
// blake2b commitment over its canonical encoding; the root is a binary
// Merkle hash over all account commitments in sorted-by-id order, so any two
// trees with equal content produce equal roots on every validator.
//
// Every mutation path follows snapshot, verify, commit-or-rollback: a failed
// guard or a transition that would change the total supply restores the
// pre-transition state byte for byte. Readers observe either the pre- or
// post-transition state, never an intermediate one.
package statetree
