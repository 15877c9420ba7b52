package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/blockberries/ledgerberry/types"
)

// PeerRegistry tracks known peers and their last contact times, and keeps a
// rolling window of observed message latencies for the adaptive timeout
// manager.
type PeerRegistry struct {
	mu    sync.RWMutex
	peers map[types.NodeID]types.PeerInfo

	// latencies is a ring of recent per-message latencies.
	latencies []time.Duration
	latIdx    int
	latFull   bool
}

// latencyWindow is the number of samples averaged for timeout adaptation.
const latencyWindow = 64

// NewPeerRegistry creates an empty registry.
func NewPeerRegistry() *PeerRegistry {
	return &PeerRegistry{
		peers:     make(map[types.NodeID]types.PeerInfo),
		latencies: make([]time.Duration, latencyWindow),
	}
}

// Upsert adds or refreshes a peer record.
func (pr *PeerRegistry) Upsert(info types.PeerInfo) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	pr.peers[info.ID] = types.CopyPeerInfo(&info)
}

// Touch updates the last contact time for a peer, if known.
func (pr *PeerRegistry) Touch(id types.NodeID, now time.Time) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	if info, ok := pr.peers[id]; ok {
		info.LastContact = now.UnixNano()
		pr.peers[id] = info
	}
}

// Get returns a peer record by id.
func (pr *PeerRegistry) Get(id types.NodeID) (types.PeerInfo, bool) {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	info, ok := pr.peers[id]
	return info, ok
}

// List returns all peer records sorted by id.
func (pr *PeerRegistry) List() []types.PeerInfo {
	pr.mu.RLock()
	defer pr.mu.RUnlock()

	result := make([]types.PeerInfo, 0, len(pr.peers))
	for _, info := range pr.peers {
		result = append(result, info)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// PruneStale removes peers not heard from within the window and returns
// how many were dropped.
func (pr *PeerRegistry) PruneStale(now time.Time, window time.Duration) int {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	cutoff := now.Add(-window).UnixNano()
	dropped := 0
	for id, info := range pr.peers {
		if info.LastContact < cutoff {
			delete(pr.peers, id)
			dropped++
		}
	}
	return dropped
}

// ObserveLatency records one message latency sample.
func (pr *PeerRegistry) ObserveLatency(d time.Duration) {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	pr.latencies[pr.latIdx] = d
	pr.latIdx = (pr.latIdx + 1) % len(pr.latencies)
	if pr.latIdx == 0 {
		pr.latFull = true
	}
}

// AverageLatency returns the mean of the recorded samples, or zero when no
// samples exist.
func (pr *PeerRegistry) AverageLatency() time.Duration {
	pr.mu.RLock()
	defer pr.mu.RUnlock()

	n := pr.latIdx
	if pr.latFull {
		n = len(pr.latencies)
	}
	if n == 0 {
		return 0
	}
	var total time.Duration
	for i := 0; i < n; i++ {
		total += pr.latencies[i]
	}
	return total / time.Duration(n)
}

// Size returns the number of known peers.
func (pr *PeerRegistry) Size() int {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	return len(pr.peers)
}
