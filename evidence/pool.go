package evidence

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/blockberries/ledgerberry/types"
)

// Errors
var (
	ErrDuplicateEvidence = errors.New("duplicate evidence")
	ErrEvidenceExpired   = errors.New("evidence expired")
	ErrSameDigest        = errors.New("messages carry the same digest")
	ErrSlotMismatch      = errors.New("messages are not for the same slot")
	ErrSenderMismatch    = errors.New("messages are from different senders")
)

// Type tags the kind of misbehavior.
type Type uint8

const (
	TypeEquivocation Type = iota + 1
	TypeKeyImageReuse
)

func (t Type) String() string {
	switch t {
	case TypeEquivocation:
		return "EQUIVOCATION"
	case TypeKeyImageReuse:
		return "KEY_IMAGE_REUSE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// MaxSeenMessages bounds the equivocation-detection index. With 100
// validators and 3 phases per slot this covers hundreds of sequences.
const MaxSeenMessages = 100000

// Config holds evidence pool limits.
type Config struct {
	// MaxAge is the wall-clock retention window.
	MaxAge time.Duration
	// MaxAgeSequences is how many committed sequences back evidence stays
	// relevant.
	MaxAgeSequences uint64
	// MaxBytes caps the evidence returned by Pending.
	MaxBytes int64
}

// DefaultConfig returns the default pool limits.
func DefaultConfig() Config {
	return Config{
		MaxAge:          48 * time.Hour,
		MaxAgeSequences: 100000,
		MaxBytes:        1 << 20,
	}
}

// Equivocation records one sender signing two digests in the same slot.
type Equivocation struct {
	Sender   types.NodeID
	View     uint64
	Sequence uint64
	Phase    types.MessageType
	DigestA  types.Hash
	DigestB  types.Hash
	// Stake is the offender's weight, carried for slashing.
	Stake     int64
	Timestamp int64
}

// KeyImageReuse records one ring key signing two digests in one scope.
type KeyImageReuse struct {
	Scope     string
	KeyImage  []byte
	DigestA   types.Hash
	DigestB   types.Hash
	Timestamp int64
}

// Evidence is the pool's stored unit.
type Evidence struct {
	Type     Type
	Sequence uint64
	Time     int64
	Data     []byte
}

// Pool tracks pending and committed evidence and maintains the
// message index used for equivocation detection.
type Pool struct {
	mu     sync.RWMutex
	config Config

	pending   []*Evidence
	committed map[string]struct{}

	// seen[sender/view/sequence/type] = first message observed at the slot
	seen map[string]seenEntry

	currentSequence uint64
	currentTime     time.Time
}

type seenEntry struct {
	digest   types.Hash
	sequence uint64
}

// NewPool creates an empty evidence pool.
func NewPool(config Config) *Pool {
	return &Pool{
		config:    config,
		committed: make(map[string]struct{}),
		seen:      make(map[string]seenEntry),
	}
}

// Update advances the pool's idea of the committed frontier and prunes
// expired evidence.
func (p *Pool) Update(sequence uint64, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.currentSequence = sequence
	p.currentTime = now
	p.pruneExpired()
}

// CheckMessage indexes a message's digest by its slot and returns
// equivocation evidence when the same sender already signed a different
// digest there. A repeat of the same digest returns nil.
func (p *Pool) CheckMessage(msg *types.ConsensusMessage, vals *types.ValidatorSet) *Equivocation {
	digest, ok := msg.PayloadDigest()
	if !ok {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	key := slotKey(msg.Sender, msg.View, msg.Sequence, msg.Type)
	if prev, seen := p.seen[key]; seen {
		if types.HashEqual(prev.digest, digest) {
			return nil
		}
		ev := &Equivocation{
			Sender:    msg.Sender,
			View:      msg.View,
			Sequence:  msg.Sequence,
			Phase:     msg.Type,
			DigestA:   prev.digest,
			DigestB:   digest,
			Timestamp: time.Now().UnixNano(),
		}
		if vals != nil {
			if val := vals.GetByID(msg.Sender); val != nil {
				ev.Stake = val.Stake
			}
		}
		return ev
	}

	if len(p.seen) >= MaxSeenMessages {
		p.pruneOldestSeen(MaxSeenMessages / 10)
	}
	p.seen[key] = seenEntry{digest: *types.CopyHash(&digest), sequence: msg.Sequence}
	return nil
}

// AddEquivocation stores equivocation evidence in the pending set.
func (p *Pool) AddEquivocation(ev *Equivocation) error {
	data := encodeEquivocation(ev)
	return p.add(&Evidence{
		Type:     TypeEquivocation,
		Sequence: ev.Sequence,
		Time:     ev.Timestamp,
		Data:     data,
	})
}

// AddKeyImageReuse stores key-image reuse evidence in the pending set.
func (p *Pool) AddKeyImageReuse(ev *KeyImageReuse, sequence uint64) error {
	data := encodeKeyImageReuse(ev)
	return p.add(&Evidence{
		Type:     TypeKeyImageReuse,
		Sequence: sequence,
		Time:     ev.Timestamp,
		Data:     data,
	})
}

func (p *Pool) add(ev *Evidence) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := evidenceKey(ev)
	if _, ok := p.committed[key]; ok {
		return ErrDuplicateEvidence
	}
	for _, pending := range p.pending {
		if evidenceKey(pending) == key {
			return ErrDuplicateEvidence
		}
	}
	if p.isExpired(ev) {
		return ErrEvidenceExpired
	}
	p.pending = append(p.pending, ev)
	return nil
}

const evidenceOverhead = 1 + 8 + 8 // type + sequence + time

func evidenceSize(ev *Evidence) int64 {
	return int64(evidenceOverhead + len(ev.Data))
}

// Pending returns evidence up to maxBytes, oldest first. maxBytes <= 0 uses
// the configured limit.
func (p *Pool) Pending(maxBytes int64) []Evidence {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if maxBytes <= 0 {
		maxBytes = p.config.MaxBytes
	}

	var result []Evidence
	var total int64
	for _, ev := range p.pending {
		size := evidenceSize(ev)
		if total+size > maxBytes {
			break
		}
		result = append(result, *ev)
		total += size
	}
	return result
}

// MarkCommitted moves evidence out of pending once it has been acted on.
func (p *Pool) MarkCommitted(evidence []Evidence) {
	p.mu.Lock()
	defer p.mu.Unlock()

	removeSet := make(map[string]struct{}, len(evidence))
	for i := range evidence {
		key := evidenceKey(&evidence[i])
		p.committed[key] = struct{}{}
		removeSet[key] = struct{}{}
	}

	var remaining []*Evidence
	for _, ev := range p.pending {
		if _, ok := removeSet[evidenceKey(ev)]; !ok {
			remaining = append(remaining, ev)
		}
	}
	p.pending = remaining
}

// Size returns the number of pending evidence items.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.pending)
}

// VerifyEquivocation checks that two signed messages really prove
// equivocation: same slot, same sender, different digests, both signatures
// valid for the sender's key.
func VerifyEquivocation(chainID string, a, b *types.ConsensusMessage, vals *types.ValidatorSet) error {
	if a.View != b.View || a.Sequence != b.Sequence || a.Type != b.Type {
		return ErrSlotMismatch
	}
	if a.Sender != b.Sender {
		return ErrSenderMismatch
	}

	digestA, okA := a.PayloadDigest()
	digestB, okB := b.PayloadDigest()
	if !okA || !okB || types.HashEqual(digestA, digestB) {
		return ErrSameDigest
	}

	val := vals.GetByID(a.Sender)
	if val == nil {
		return fmt.Errorf("%w: unknown sender %s", ErrSenderMismatch, a.Sender)
	}
	if !types.VerifySignature(val.PublicKey, types.MessageSignBytes(chainID, a), a.Signature) {
		return fmt.Errorf("invalid signature on first message")
	}
	if !types.VerifySignature(val.PublicKey, types.MessageSignBytes(chainID, b), b.Signature) {
		return fmt.Errorf("invalid signature on second message")
	}
	return nil
}

func (p *Pool) pruneExpired() {
	var valid []*Evidence
	for _, ev := range p.pending {
		if !p.isExpired(ev) {
			valid = append(valid, ev)
		}
	}
	p.pending = valid

	for key, entry := range p.seen {
		if p.currentSequence > entry.sequence && p.currentSequence-entry.sequence > p.config.MaxAgeSequences {
			delete(p.seen, key)
		}
	}
}

// pruneOldestSeen drops n index entries, lowest sequence first.
// Caller must hold p.mu.
func (p *Pool) pruneOldestSeen(n int) {
	if n <= 0 || len(p.seen) == 0 {
		return
	}
	type aged struct {
		key      string
		sequence uint64
	}
	entries := make([]aged, 0, len(p.seen))
	for key, entry := range p.seen {
		entries = append(entries, aged{key: key, sequence: entry.sequence})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].sequence != entries[j].sequence {
			return entries[i].sequence < entries[j].sequence
		}
		return entries[i].key < entries[j].key
	})
	for _, e := range entries {
		if n <= 0 {
			return
		}
		delete(p.seen, e.key)
		n--
	}
}

func (p *Pool) isExpired(ev *Evidence) bool {
	if p.currentSequence > ev.Sequence && p.currentSequence-ev.Sequence > p.config.MaxAgeSequences {
		return true
	}
	if !p.currentTime.IsZero() && p.currentTime.Sub(time.Unix(0, ev.Time)) > p.config.MaxAge {
		return true
	}
	return false
}

func slotKey(sender types.NodeID, view, sequence uint64, phase types.MessageType) string {
	return fmt.Sprintf("%s/%d/%d/%d", sender, view, sequence, phase)
}

func evidenceKey(ev *Evidence) string {
	dataHash := sha256.Sum256(ev.Data)
	return fmt.Sprintf("%d/%d/%d/%x", ev.Type, ev.Sequence, ev.Time, dataHash[:8])
}

func encodeEquivocation(ev *Equivocation) []byte {
	out := make([]byte, 0, 128)
	out = append(out, []byte(ev.Sender)...)
	out = append(out, '/')
	out = appendUint64(out, ev.View)
	out = appendUint64(out, ev.Sequence)
	out = append(out, byte(ev.Phase))
	out = append(out, ev.DigestA.Data...)
	out = append(out, ev.DigestB.Data...)
	return out
}

func encodeKeyImageReuse(ev *KeyImageReuse) []byte {
	out := make([]byte, 0, 128)
	out = append(out, []byte(ev.Scope)...)
	out = append(out, '/')
	out = append(out, ev.KeyImage...)
	out = append(out, ev.DigestA.Data...)
	out = append(out, ev.DigestB.Data...)
	return out
}

func appendUint64(buf []byte, v uint64) []byte {
	return append(buf,
		byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
		byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}
