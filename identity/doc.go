// Package identity implements the key/identity store with double-sign
// prevention.
//
// An identity holds the Ed25519 key used to sign consensus messages and
// block proposals, plus the ristretto255 secret used for anonymous ring
// participation. The key responsibility beyond signing is making sure an
// honest node can never equivocate, even across a crash and restart: the
// last signed (view, sequence, phase, digest) is persisted before any
// signature is returned.
//
// FileIdentity is the file-backed implementation with two JSON files:
//
//   - key.json: Ed25519 key pair and ring secret (rarely changes)
//   - state.json: last sign state (updated on every signature)
//
// Both files are written with 0600 permissions. Only one FileIdentity
// instance may own a given pair of files.
package identity
