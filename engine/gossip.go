package engine

import (
	lru "github.com/hashicorp/golang-lru"

	"github.com/blockberries/ledgerberry/types"
)

// Broadcaster delivers a consensus message to the other validators. The
// engine treats delivery as best-effort; quorum logic tolerates loss and
// duplication.
type Broadcaster interface {
	Broadcast(msg *types.ConsensusMessage)
}

// BroadcasterFunc adapts a function to the Broadcaster interface.
type BroadcasterFunc func(msg *types.ConsensusMessage)

func (f BroadcasterFunc) Broadcast(msg *types.ConsensusMessage) { f(msg) }

// NopBroadcaster discards every message. Used by single-node setups and
// tests that inject messages directly.
type NopBroadcaster struct{}

func (NopBroadcaster) Broadcast(*types.ConsensusMessage) {}

// dedupFilter drops redeliveries of identical signed messages. Keyed by the
// full message digest, signature included, so two distinct signed copies of
// the same content both pass and equivocation detection still sees them.
type dedupFilter struct {
	chainID string
	cache   *lru.Cache
}

func newDedupFilter(chainID string, size int) (*dedupFilter, error) {
	if size < 1 {
		size = 1
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &dedupFilter{chainID: chainID, cache: cache}, nil
}

// seen records the message and reports whether it was already present.
func (df *dedupFilter) seen(msg *types.ConsensusMessage) bool {
	key := types.HashString(types.MessageDigest(df.chainID, msg))
	if _, ok := df.cache.Get(key); ok {
		return true
	}
	df.cache.Add(key, struct{}{})
	return false
}
