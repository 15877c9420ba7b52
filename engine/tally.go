package engine

import (
	"fmt"
	"sync"

	"github.com/blockberries/ledgerberry/types"
)

// voteSet counts votes for one (view, sequence, type) slot, grouped by the
// digest voted for. Voters are identified by an opaque string: the node id
// on the signed path, the key-image hex on the anonymous path. Both are
// unique per validator per slot, so quorum arithmetic is identical.
type voteSet struct {
	view     uint64
	sequence uint64
	msgType  types.MessageType
	quorum   int

	// byVoter records which digest each voter endorsed.
	byVoter map[string]types.Hash
	// byDigest groups voters under the digest they endorsed.
	byDigest map[string]map[string]struct{}
	// maj23 is set once some digest reaches quorum.
	maj23 *types.Hash
}

func newVoteSet(view, sequence uint64, msgType types.MessageType, quorum int) *voteSet {
	return &voteSet{
		view:     view,
		sequence: sequence,
		msgType:  msgType,
		quorum:   quorum,
		byVoter:  make(map[string]types.Hash),
		byDigest: make(map[string]map[string]struct{}),
	}
}

// addVote records one vote. It reports whether the vote completed a quorum
// for its digest. A repeat of the same vote returns ErrDuplicateMessage; the
// same voter endorsing a different digest returns ErrConflictingMessage.
func (vs *voteSet) addVote(voter string, digest types.Hash) (bool, error) {
	if prev, ok := vs.byVoter[voter]; ok {
		if types.HashEqual(prev, digest) {
			return false, ErrDuplicateMessage
		}
		return false, fmt.Errorf("%w: voter %s at %d/%d %s",
			ErrConflictingMessage, voter, vs.view, vs.sequence, vs.msgType)
	}

	vs.byVoter[voter] = *types.CopyHash(&digest)

	key := types.HashString(digest)
	voters, ok := vs.byDigest[key]
	if !ok {
		voters = make(map[string]struct{})
		vs.byDigest[key] = voters
	}
	voters[voter] = struct{}{}

	if vs.maj23 == nil && len(voters) >= vs.quorum {
		vs.maj23 = types.CopyHash(&digest)
		return true, nil
	}
	return false, nil
}

// quorumDigest returns the digest that reached quorum, if any.
func (vs *voteSet) quorumDigest() (types.Hash, bool) {
	if vs.maj23 == nil {
		return types.Hash{}, false
	}
	return *vs.maj23, true
}

// countFor returns the number of votes for a digest.
func (vs *voteSet) countFor(digest types.Hash) int {
	return len(vs.byDigest[types.HashString(digest)])
}

// MessageTally tracks votes across slots for one consensus instance.
// Slots are created lazily; PruneBelow discards everything older than the
// committed frontier.
type MessageTally struct {
	mu     sync.Mutex
	quorum int
	slots  map[slotID]*voteSet
}

type slotID struct {
	view     uint64
	sequence uint64
	msgType  types.MessageType
}

// NewMessageTally creates a tally requiring quorum matching votes.
func NewMessageTally(quorum int) *MessageTally {
	return &MessageTally{
		quorum: quorum,
		slots:  make(map[slotID]*voteSet),
	}
}

// Add records a vote at (view, sequence, msgType) and reports whether it
// completed a quorum for its digest.
func (mt *MessageTally) Add(view, sequence uint64, msgType types.MessageType, voter string, digest types.Hash) (bool, error) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	id := slotID{view: view, sequence: sequence, msgType: msgType}
	vs, ok := mt.slots[id]
	if !ok {
		vs = newVoteSet(view, sequence, msgType, mt.quorum)
		mt.slots[id] = vs
	}
	return vs.addVote(voter, digest)
}

// QuorumDigest returns the digest that reached quorum at a slot, if any.
func (mt *MessageTally) QuorumDigest(view, sequence uint64, msgType types.MessageType) (types.Hash, bool) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	vs, ok := mt.slots[slotID{view: view, sequence: sequence, msgType: msgType}]
	if !ok {
		return types.Hash{}, false
	}
	return vs.quorumDigest()
}

// Count returns the number of votes for a digest at a slot.
func (mt *MessageTally) Count(view, sequence uint64, msgType types.MessageType, digest types.Hash) int {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	vs, ok := mt.slots[slotID{view: view, sequence: sequence, msgType: msgType}]
	if !ok {
		return 0
	}
	return vs.countFor(digest)
}

// PruneBelow discards slots with sequence below the given frontier.
// View-change slots are keyed by the view they propose (with sequence zero),
// so they are pruned on view advance instead.
func (mt *MessageTally) PruneBelow(sequence uint64) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	for id := range mt.slots {
		if id.msgType == types.MsgViewChange || id.msgType == types.MsgNewView {
			continue
		}
		if id.sequence < sequence {
			delete(mt.slots, id)
		}
	}
}

// PruneViewsBelow discards view-change bookkeeping for views below the
// given view.
func (mt *MessageTally) PruneViewsBelow(view uint64) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	for id := range mt.slots {
		if id.msgType != types.MsgViewChange && id.msgType != types.MsgNewView {
			continue
		}
		if id.view < view {
			delete(mt.slots, id)
		}
	}
}
