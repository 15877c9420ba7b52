package identity

import (
	"path/filepath"
	"testing"

	"github.com/blockberries/ledgerberry/types"
)

func testIdentity(t *testing.T) *FileIdentity {
	t.Helper()
	dir := t.TempDir()
	id, err := NewFileIdentity(
		filepath.Join(dir, "identity_key.json"),
		filepath.Join(dir, "identity_state.json"))
	if err != nil {
		t.Fatalf("failed to create identity: %v", err)
	}
	return id
}

func commitMessage(view, sequence uint64, payload string) *types.ConsensusMessage {
	return &types.ConsensusMessage{
		Type:     types.MsgCommit,
		View:     view,
		Sequence: sequence,
		Sender:   "node0",
		Payload:  types.Commit{Digest: types.HashBytes([]byte(payload))},
	}
}

func prepareMessage(view, sequence uint64, payload string) *types.ConsensusMessage {
	return &types.ConsensusMessage{
		Type:     types.MsgPrepare,
		View:     view,
		Sequence: sequence,
		Sender:   "node0",
		Payload: types.Prepare{
			Digest:  types.HashBytes([]byte(payload)),
			Verdict: types.BlockVerificationResult{Valid: true},
		},
	}
}

func TestNewFileIdentity(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "identity_key.json")
	statePath := filepath.Join(dir, "identity_state.json")

	// First call generates new keys
	id1, err := NewFileIdentity(keyPath, statePath)
	if err != nil {
		t.Fatalf("failed to create identity: %v", err)
	}
	if len(id1.PublicKey().Data) != types.PublicKeySize {
		t.Errorf("expected %d-byte public key, got %d bytes", types.PublicKeySize, len(id1.PublicKey().Data))
	}
	if id1.RingKey() == nil {
		t.Fatal("identity should carry a ring key")
	}

	// Second call loads the same keys
	id2, err := NewFileIdentity(keyPath, statePath)
	if err != nil {
		t.Fatalf("failed to load identity: %v", err)
	}
	if !types.PublicKeyEqual(id1.PublicKey(), id2.PublicKey()) {
		t.Error("loaded key should match generated key")
	}
	if string(id1.RingKey().Public()) != string(id2.RingKey().Public()) {
		t.Error("loaded ring key should match generated ring key")
	}
}

func TestSignMessage(t *testing.T) {
	id := testIdentity(t)

	msg := prepareMessage(1, 5, "block")
	if err := id.SignMessage("test-chain", msg); err != nil {
		t.Fatalf("failed to sign message: %v", err)
	}
	if len(msg.Signature.Data) == 0 {
		t.Fatal("message should have signature")
	}

	signBytes := types.MessageSignBytes("test-chain", msg)
	if !types.VerifySignature(id.PublicKey(), signBytes, msg.Signature) {
		t.Error("signature should verify against the identity's public key")
	}
}

func TestSignMessageDoubleSignPrevention(t *testing.T) {
	id := testIdentity(t)

	if err := id.SignMessage("test-chain", prepareMessage(1, 5, "block-a")); err != nil {
		t.Fatalf("failed to sign first message: %v", err)
	}

	// Different digest at the same (view, sequence, phase)
	err := id.SignMessage("test-chain", prepareMessage(1, 5, "block-b"))
	if err != ErrDoubleSign {
		t.Errorf("expected ErrDoubleSign, got %v", err)
	}
}

func TestSignMessageIdempotent(t *testing.T) {
	id := testIdentity(t)

	first := prepareMessage(1, 5, "block")
	if err := id.SignMessage("test-chain", first); err != nil {
		t.Fatalf("failed to sign message: %v", err)
	}

	again := prepareMessage(1, 5, "block")
	if err := id.SignMessage("test-chain", again); err != nil {
		t.Fatalf("idempotent sign should succeed: %v", err)
	}
	if string(first.Signature.Data) != string(again.Signature.Data) {
		t.Error("idempotent sign should return the same signature")
	}
}

func TestSignMessageRegressions(t *testing.T) {
	id := testIdentity(t)

	if err := id.SignMessage("test-chain", prepareMessage(3, 7, "block")); err != nil {
		t.Fatalf("failed to sign message: %v", err)
	}

	if err := id.SignMessage("test-chain", prepareMessage(2, 7, "block")); err != ErrViewRegression {
		t.Errorf("expected ErrViewRegression, got %v", err)
	}
	if err := id.SignMessage("test-chain", prepareMessage(3, 6, "block")); err != ErrSequenceRegression {
		t.Errorf("expected ErrSequenceRegression, got %v", err)
	}

	// Commit before prepare at the same slot is forbidden
	if err := id.SignMessage("test-chain", commitMessage(3, 8, "block")); err != nil {
		t.Fatalf("failed to sign commit: %v", err)
	}
	if err := id.SignMessage("test-chain", prepareMessage(3, 8, "block")); err != ErrPhaseRegression {
		t.Errorf("expected ErrPhaseRegression, got %v", err)
	}
}

func TestSignMessagePhaseProgression(t *testing.T) {
	id := testIdentity(t)

	if err := id.SignMessage("test-chain", prepareMessage(1, 5, "block")); err != nil {
		t.Fatalf("failed to sign prepare: %v", err)
	}
	if err := id.SignMessage("test-chain", commitMessage(1, 5, "block")); err != nil {
		t.Fatalf("commit after prepare should succeed: %v", err)
	}
	if err := id.SignMessage("test-chain", prepareMessage(1, 6, "next")); err != nil {
		t.Fatalf("next sequence should succeed: %v", err)
	}
}

func TestDoubleSignPreventionSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "identity_key.json")
	statePath := filepath.Join(dir, "identity_state.json")

	id1, err := NewFileIdentity(keyPath, statePath)
	if err != nil {
		t.Fatalf("failed to create identity: %v", err)
	}
	if err := id1.SignMessage("test-chain", prepareMessage(1, 5, "block-a")); err != nil {
		t.Fatalf("failed to sign message: %v", err)
	}

	// A restarted node must refuse the conflicting signature
	id2, err := NewFileIdentity(keyPath, statePath)
	if err != nil {
		t.Fatalf("failed to reload identity: %v", err)
	}
	if err := id2.SignMessage("test-chain", prepareMessage(1, 5, "block-b")); err != ErrDoubleSign {
		t.Errorf("expected ErrDoubleSign after restart, got %v", err)
	}
}

func TestSignBlock(t *testing.T) {
	id := testIdentity(t)

	block := &types.ProofBlock{
		BlockID:   1,
		Timestamp: 1000,
		Transactions: []types.Transaction{
			{ID: "tx1", Payload: []byte("payload")},
		},
		PrevHash: types.HashBytes([]byte("genesis")),
		Proposer: "node0",
	}
	if err := id.SignBlock("test-chain", block); err != nil {
		t.Fatalf("failed to sign block: %v", err)
	}
	if !types.VerifySignature(id.PublicKey(), types.BlockSignBytes("test-chain", block), block.Signature) {
		t.Error("block signature should verify")
	}
}

func TestReset(t *testing.T) {
	id := testIdentity(t)

	if err := id.SignMessage("test-chain", prepareMessage(10, 3, "block")); err != nil {
		t.Fatalf("failed to sign message: %v", err)
	}
	if err := id.Reset(); err != nil {
		t.Fatalf("failed to reset: %v", err)
	}
	if err := id.SignMessage("test-chain", prepareMessage(1, 1, "block")); err != nil {
		t.Fatalf("should be able to sign after reset: %v", err)
	}
}

func TestLastSignStateCheck(t *testing.T) {
	tests := []struct {
		name     string
		state    LastSignState
		view     uint64
		sequence uint64
		phase    types.MessageType
		wantErr  error
	}{
		{"fresh state allows any", LastSignState{}, 1, 0, types.MsgPrepare, nil},
		{"view progression", LastSignState{View: 1, Sequence: 5, Phase: types.MsgCommit}, 2, 5, types.MsgPrepare, nil},
		{"sequence progression", LastSignState{View: 1, Sequence: 5, Phase: types.MsgCommit}, 1, 6, types.MsgPrepare, nil},
		{"phase progression", LastSignState{View: 1, Sequence: 5, Phase: types.MsgPrepare}, 1, 5, types.MsgCommit, nil},
		{"view regression", LastSignState{View: 5, Sequence: 0, Phase: types.MsgPrepare}, 3, 0, types.MsgPrepare, ErrViewRegression},
		{"sequence regression", LastSignState{View: 1, Sequence: 5, Phase: types.MsgPrepare}, 1, 3, types.MsgPrepare, ErrSequenceRegression},
		{"phase regression", LastSignState{View: 1, Sequence: 5, Phase: types.MsgCommit}, 1, 5, types.MsgPrepare, ErrPhaseRegression},
		{"double sign same slot", LastSignState{View: 1, Sequence: 5, Phase: types.MsgPrepare}, 1, 5, types.MsgPrepare, ErrDoubleSign},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.state.Check(tt.view, tt.sequence, tt.phase); err != tt.wantErr {
				t.Errorf("Check() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
