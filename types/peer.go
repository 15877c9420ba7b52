package types

// PeerInfo describes a network peer as the transport collaborator reports
// it. The consensus core reads Stake only; liveness bookkeeping
// (LastContact) belongs to the transport layer and is carried here for its
// benefit.
type PeerInfo struct {
	ID          NodeID
	Address     string
	Stake       int64
	LastContact int64
}

// CopyPeerInfo creates a copy of a PeerInfo.
func CopyPeerInfo(p *PeerInfo) PeerInfo {
	if p == nil {
		return PeerInfo{}
	}
	return PeerInfo{
		ID:          p.ID,
		Address:     p.Address,
		Stake:       p.Stake,
		LastContact: p.LastContact,
	}
}
