// Package depgraph orders the transactions inside a candidate block.
//
// A Graph is a disposable value object scoped to one block's validation: it
// is rebuilt from scratch each round and discarded when the block is
// finalized or rejected.
//
// Three queries matter to consensus:
//
// FindCycle: a block whose constraints contain a cycle is invalid in its
// entirety; consensus rejects it and never applies a subset.
//
// TopologicalSort: a valid serial execution order (Kahn's algorithm).
//
// IndependentSets: level-peeling of zero-in-degree nodes. Each level can be
// executed concurrently, and the concatenated levels form a topological
// order, so the levels give maximum safe parallelism for free.
//
// All iteration follows node insertion order. Determinism is load-bearing:
// every validator must reproduce the same verdict for the same block.
package depgraph
