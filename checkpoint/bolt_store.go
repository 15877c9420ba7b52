package checkpoint

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/blockberries/ledgerberry/statetree"
	"github.com/blockberries/ledgerberry/types"
)

const dbFilePerm = 0600

var (
	bucketCheckpoints = []byte("checkpoints")
	bucketMeta        = []byte("meta")
	keyLatest         = []byte("latest")
)

// record is the stored JSON form of a checkpoint.
type record struct {
	View      uint64          `json:"view"`
	Sequence  uint64          `json:"sequence"`
	Digest    []byte          `json:"digest"`
	StateRoot []byte          `json:"state_root"`
	Accounts  []accountRecord `json:"accounts"`
}

type accountRecord struct {
	ID      string `json:"id"`
	Balance uint64 `json:"balance"`
	Nonce   uint64 `json:"nonce"`
}

// BoltStore persists checkpoints in a bbolt database, keyed by sequence
// number with a separate latest pointer.
type BoltStore struct {
	mu     sync.Mutex
	db     *bolt.DB
	closed bool
}

// NewBoltStore opens (or creates) the checkpoint database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, dbFilePerm, nil)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketCheckpoints); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketMeta)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init checkpoint buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Save writes the checkpoint and advances the latest pointer. The write is
// durable before Save returns.
func (s *BoltStore) Save(cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	data, err := encodeCheckpoint(cp)
	if err != nil {
		return err
	}
	key := sequenceKey(cp.Sequence)

	err = s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketCheckpoints).Put(key, data); err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Put(keyLatest, key)
	})
	if err != nil {
		return fmt.Errorf("save checkpoint seq=%d: %w", cp.Sequence, err)
	}
	return nil
}

// Latest returns the checkpoint the latest pointer names.
func (s *BoltStore) Latest() (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	var cp *Checkpoint
	err := s.db.View(func(tx *bolt.Tx) error {
		key := tx.Bucket(bucketMeta).Get(keyLatest)
		if key == nil {
			return ErrNotFound
		}
		data := tx.Bucket(bucketCheckpoints).Get(key)
		if data == nil {
			return fmt.Errorf("%w: latest pointer names missing sequence", ErrCorrupted)
		}
		var decodeErr error
		cp, decodeErr = decodeCheckpoint(data)
		return decodeErr
	})
	if err != nil {
		return nil, err
	}
	return cp, nil
}

// BySequence returns the checkpoint stored for a committed sequence.
func (s *BoltStore) BySequence(sequence uint64) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	var cp *Checkpoint
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCheckpoints).Get(sequenceKey(sequence))
		if data == nil {
			return ErrNotFound
		}
		var decodeErr error
		cp, decodeErr = decodeCheckpoint(data)
		return decodeErr
	})
	if err != nil {
		return nil, err
	}
	return cp, nil
}

// Prune removes all checkpoints with sequence below belowSequence.
func (s *BoltStore) Prune(belowSequence uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketCheckpoints).Cursor()
		limit := sequenceKey(belowSequence)
		for k, _ := c.First(); k != nil && string(k) < string(limit); k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("prune checkpoints below %d: %w", belowSequence, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.closed = true
	return s.db.Close()
}

var _ Store = (*BoltStore)(nil)

// sequenceKey encodes a sequence so lexicographic key order equals numeric
// order.
func sequenceKey(sequence uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, sequence)
	return key
}

func encodeCheckpoint(cp *Checkpoint) ([]byte, error) {
	rec := record{
		View:      cp.View,
		Sequence:  cp.Sequence,
		Digest:    cp.Digest.Data,
		StateRoot: cp.StateRoot.Data,
		Accounts:  make([]accountRecord, len(cp.Accounts)),
	}
	for i, acc := range cp.Accounts {
		rec.Accounts[i] = accountRecord{ID: acc.ID, Balance: acc.Balance, Nonce: acc.Nonce}
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint: %w", err)
	}
	return data, nil
}

func decodeCheckpoint(data []byte) (*Checkpoint, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	digest, err := types.NewHash(rec.Digest)
	if err != nil {
		return nil, fmt.Errorf("%w: digest: %v", ErrCorrupted, err)
	}
	root, err := types.NewHash(rec.StateRoot)
	if err != nil {
		return nil, fmt.Errorf("%w: state root: %v", ErrCorrupted, err)
	}

	cp := &Checkpoint{
		View:      rec.View,
		Sequence:  rec.Sequence,
		Digest:    digest,
		StateRoot: root,
		Accounts:  make([]statetree.Account, len(rec.Accounts)),
	}
	for i, acc := range rec.Accounts {
		cp.Accounts[i] = statetree.Account{ID: acc.ID, Balance: acc.Balance, Nonce: acc.Nonce}
	}
	return cp, nil
}
