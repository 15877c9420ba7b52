// Package evidence collects Byzantine misbehavior as slashing material.
//
// Two kinds of evidence exist:
//
//   - Equivocation: the same sender signed two different digests at the same
//     (view, sequence, type) slot.
//   - Key-image reuse: two anonymous proofs in the same protocol scope
//     carried the same key image over different message digests.
//
// Evidence is retained in a pending set until marked committed, and pruned
// by age and by sequence distance so the pool cannot grow without bound.
package evidence
