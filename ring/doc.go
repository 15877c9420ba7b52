// Package ring implements the anonymous participation layer.
//
// A validator signs consensus messages relative to a ring of authorized
// public keys using an LSAG-style linkable ring signature over ristretto255.
// A verifier learns that one of the ring members signed, but not which one.
// Each signature carries a key image, a value stable across every signature
// from the same key that reveals nothing about the key. Two signatures over
// different messages in the same protocol scope with the same key image are
// equivocation and the later one is rejected.
//
// Verification fails closed: a malformed proof, an undersized ring, or a
// reused key image all reject the message.
package ring
