package identity

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/blockberries/ledgerberry/ring"
	"github.com/blockberries/ledgerberry/types"
)

const (
	keyFilePerm   = 0600
	stateFilePerm = 0600
)

// FileIdentity is a file-backed validator identity.
type FileIdentity struct {
	mu sync.Mutex

	keyFilePath   string
	stateFilePath string

	pubKey  types.PublicKey
	privKey ed25519.PrivateKey
	ringKey *ring.PrivateKey

	lastSignState LastSignState
}

// fileKey is the key file structure.
type fileKey struct {
	PubKey  []byte `json:"pub_key"`
	PrivKey []byte `json:"priv_key"`
	RingKey []byte `json:"ring_key"`
}

// fileState is the state file structure.
type fileState struct {
	View          uint64 `json:"view"`
	Sequence      uint64 `json:"sequence"`
	Phase         uint8  `json:"phase"`
	Digest        []byte `json:"digest,omitempty"`
	SignBytesHash []byte `json:"sign_bytes_hash,omitempty"`
	Signature     []byte `json:"signature,omitempty"`
}

// NewFileIdentity loads an identity from the given files, generating fresh
// keys when the key file does not exist.
func NewFileIdentity(keyFilePath, stateFilePath string) (*FileIdentity, error) {
	id := &FileIdentity{
		keyFilePath:   keyFilePath,
		stateFilePath: stateFilePath,
	}
	if err := id.loadKey(); err != nil {
		return nil, err
	}
	if err := id.loadState(); err != nil {
		return nil, err
	}
	return id, nil
}

func (id *FileIdentity) loadKey() error {
	data, err := os.ReadFile(id.keyFilePath)
	if os.IsNotExist(err) {
		return id.generateKey()
	}
	if err != nil {
		return fmt.Errorf("read key file: %w", err)
	}

	var key fileKey
	if err := json.Unmarshal(data, &key); err != nil {
		return fmt.Errorf("parse key file: %w", err)
	}
	if len(key.PubKey) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid public key size %d", len(key.PubKey))
	}
	if len(key.PrivKey) != ed25519.PrivateKeySize {
		return fmt.Errorf("invalid private key size %d", len(key.PrivKey))
	}
	ringKey, err := ring.PrivateKeyFromBytes(key.RingKey)
	if err != nil {
		return fmt.Errorf("load ring key: %w", err)
	}

	id.pubKey = types.MustNewPublicKey(key.PubKey)
	id.privKey = key.PrivKey
	id.ringKey = ringKey
	return nil
}

func (id *FileIdentity) generateKey() error {
	pubKey, privKey, err := ed25519.GenerateKey(nil)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	ringKey, err := ring.GenerateKey(nil)
	if err != nil {
		return fmt.Errorf("generate ring key: %w", err)
	}

	id.pubKey = types.MustNewPublicKey(pubKey)
	id.privKey = privKey
	id.ringKey = ringKey
	return id.saveKey()
}

func (id *FileIdentity) saveKey() error {
	if err := os.MkdirAll(filepath.Dir(id.keyFilePath), 0700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}

	ringBytes, err := id.ringKey.Bytes()
	if err != nil {
		return fmt.Errorf("encode ring key: %w", err)
	}
	data, err := json.MarshalIndent(fileKey{
		PubKey:  id.pubKey.Data,
		PrivKey: id.privKey,
		RingKey: ringBytes,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal key: %w", err)
	}
	if err := os.WriteFile(id.keyFilePath, data, keyFilePerm); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	return nil
}

func (id *FileIdentity) loadState() error {
	data, err := os.ReadFile(id.stateFilePath)
	if os.IsNotExist(err) {
		id.lastSignState = LastSignState{}
		return id.saveState()
	}
	if err != nil {
		return fmt.Errorf("read state file: %w", err)
	}

	var state fileState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("parse state file: %w", err)
	}

	id.lastSignState = LastSignState{
		View:     state.View,
		Sequence: state.Sequence,
		Phase:    types.MessageType(state.Phase),
	}
	if len(state.Digest) > 0 {
		digest, err := types.NewHash(state.Digest)
		if err != nil {
			return fmt.Errorf("parse state digest: %w", err)
		}
		id.lastSignState.Digest = &digest
	}
	if len(state.SignBytesHash) > 0 {
		h, err := types.NewHash(state.SignBytesHash)
		if err != nil {
			return fmt.Errorf("parse state sign bytes hash: %w", err)
		}
		id.lastSignState.SignBytesHash = &h
	}
	if len(state.Signature) > 0 {
		sig, err := types.NewSignature(state.Signature)
		if err != nil {
			return fmt.Errorf("parse state signature: %w", err)
		}
		id.lastSignState.Signature = sig
	}
	return nil
}

func (id *FileIdentity) saveState() error {
	if err := os.MkdirAll(filepath.Dir(id.stateFilePath), 0700); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	state := fileState{
		View:     id.lastSignState.View,
		Sequence: id.lastSignState.Sequence,
		Phase:    uint8(id.lastSignState.Phase),
	}
	if id.lastSignState.Digest != nil {
		state.Digest = id.lastSignState.Digest.Data
	}
	if id.lastSignState.SignBytesHash != nil {
		state.SignBytesHash = id.lastSignState.SignBytesHash.Data
	}
	if len(id.lastSignState.Signature.Data) > 0 {
		state.Signature = id.lastSignState.Signature.Data
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := os.WriteFile(id.stateFilePath, data, stateFilePerm); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	return nil
}

// PublicKey returns the Ed25519 verification key.
func (id *FileIdentity) PublicKey() types.PublicKey {
	return id.pubKey
}

// RingKey returns the anonymous participation key pair.
func (id *FileIdentity) RingKey() *ring.PrivateKey {
	return id.ringKey
}

// SignMessage signs a consensus message in place. The last-sign state is
// persisted before the signature is returned; re-signing the byte-identical
// message is idempotent and returns the cached signature.
func (id *FileIdentity) SignMessage(chainID string, msg *types.ConsensusMessage) error {
	id.mu.Lock()
	defer id.mu.Unlock()

	signBytes := types.MessageSignBytes(chainID, msg)
	signBytesHash := types.HashBytes(signBytes)

	// View-change traffic is outside the double-sign state: signing several
	// VIEW_CHANGE or NEW_VIEW messages for successive proposed views is
	// protocol-legal, and a NEW_VIEW must not block the PRE_PREPARE the new
	// leader signs next at the same (view, sequence).
	if msg.Type == types.MsgViewChange || msg.Type == types.MsgNewView {
		msg.Signature = types.MustNewSignature(ed25519.Sign(id.privKey, signBytes))
		return nil
	}

	if err := id.lastSignState.Check(msg.View, msg.Sequence, msg.Type); err != nil {
		if err == ErrDoubleSign && id.isSameMessage(signBytesHash) {
			msg.Signature = id.lastSignState.Signature
			return nil
		}
		return err
	}

	sig := types.MustNewSignature(ed25519.Sign(id.privKey, signBytes))

	id.lastSignState.View = msg.View
	id.lastSignState.Sequence = msg.Sequence
	id.lastSignState.Phase = msg.Type
	id.lastSignState.SignBytesHash = &signBytesHash
	id.lastSignState.Signature = sig
	if digest, ok := msg.PayloadDigest(); ok {
		id.lastSignState.Digest = types.CopyHash(&digest)
	} else {
		id.lastSignState.Digest = nil
	}

	// Persist before returning the signature
	if err := id.saveState(); err != nil {
		return err
	}
	msg.Signature = sig
	return nil
}

// SignBlock signs a block proposal in place.
func (id *FileIdentity) SignBlock(chainID string, block *types.ProofBlock) error {
	id.mu.Lock()
	defer id.mu.Unlock()

	signBytes := types.BlockSignBytes(chainID, block)
	block.Signature = types.MustNewSignature(ed25519.Sign(id.privKey, signBytes))
	return nil
}

func (id *FileIdentity) isSameMessage(signBytesHash types.Hash) bool {
	return id.lastSignState.SignBytesHash != nil &&
		types.HashEqual(*id.lastSignState.SignBytesHash, signBytesHash)
}

// Reset clears the last sign state. Only for tests and manual recovery.
func (id *FileIdentity) Reset() error {
	id.mu.Lock()
	defer id.mu.Unlock()
	id.lastSignState = LastSignState{}
	return id.saveState()
}

var _ Signer = (*FileIdentity)(nil)
