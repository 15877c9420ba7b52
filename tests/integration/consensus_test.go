package integration

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/blockberries/ledgerberry/engine"
	"github.com/blockberries/ledgerberry/identity"
	"github.com/blockberries/ledgerberry/statetree"
	"github.com/blockberries/ledgerberry/types"
)

// testNode is one validator in an in-memory network.
type testNode struct {
	id   types.NodeID
	cs   *engine.ConsensusState
	tree *statetree.Tree
}

// network fans broadcasts out to every other node. Deliveries run on their
// own goroutines, so arrival order is arbitrary; with duplicate set, every
// message is delivered twice.
type network struct {
	mu        sync.Mutex
	nodes     map[types.NodeID]*engine.ConsensusState
	duplicate bool
	tap       func(*types.ConsensusMessage)
}

func newNetwork() *network {
	return &network{nodes: make(map[types.NodeID]*engine.ConsensusState)}
}

func (n *network) join(id types.NodeID, cs *engine.ConsensusState) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nodes[id] = cs
}

func (n *network) broadcasterFor(self types.NodeID) engine.Broadcaster {
	return engine.BroadcasterFunc(func(msg *types.ConsensusMessage) {
		n.mu.Lock()
		defer n.mu.Unlock()
		if n.tap != nil {
			n.tap(msg)
		}
		copies := 1
		if n.duplicate {
			copies = 2
		}
		for id, cs := range n.nodes {
			if id == self {
				continue
			}
			for i := 0; i < copies; i++ {
				target := cs
				go func() { _ = target.SubmitMessage(msg) }()
			}
		}
	})
}

func acceptAll() engine.ProofVerifier {
	return engine.ProofVerifierFunc(func(context.Context, []byte) types.VerificationResult {
		return types.VerificationResult{Valid: true, Cost: 1}
	})
}

func rejectPayload(reject []byte) engine.ProofVerifier {
	return engine.ProofVerifierFunc(func(_ context.Context, payload []byte) types.VerificationResult {
		if string(payload) == string(reject) {
			return types.VerificationResult{Valid: false, Err: "proof rejected"}
		}
		return types.VerificationResult{Valid: true, Cost: 1}
	})
}

func fundedTree(t *testing.T) *statetree.Tree {
	t.Helper()
	tree := statetree.New(nil)
	for id, balance := range map[string]uint64{"alice": 1000, "bob": 500, "carol": 0} {
		if _, err := tree.CreateAccount(id, balance); err != nil {
			t.Fatalf("failed to create account %s: %v", id, err)
		}
	}
	return tree
}

func fastTimeouts() engine.TimeoutConfig {
	return engine.TimeoutConfig{
		Base:                200 * time.Millisecond,
		Min:                 100 * time.Millisecond,
		Max:                 5 * time.Second,
		LatencyThreshold:    200 * time.Millisecond,
		LatencyMultiplier:   1.5,
		LatencyExcessFactor: 4.0,
		BackoffFactor:       2.0,
		PrepareFraction:     0.5,
		CommitFraction:      0.5,
		ViewChangeFraction:  1.0,
	}
}

// setupNetwork builds n validators wired through an in-memory network.
// verifierFor selects each node's proof verifier.
func setupNetwork(t *testing.T, n int, anonymous bool, verifierFor func(i int) engine.ProofVerifier) (*network, []*testNode) {
	t.Helper()
	dir := t.TempDir()
	net := newNetwork()

	signers := make([]*identity.FileIdentity, n)
	validators := make([]*types.Validator, n)
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("node%d", i)
		signer, err := identity.NewFileIdentity(
			filepath.Join(dir, name+"_key.json"),
			filepath.Join(dir, name+"_state.json"),
		)
		if err != nil {
			t.Fatalf("failed to create identity for %s: %v", name, err)
		}
		signers[i] = signer
		validators[i] = &types.Validator{
			ID:        types.NodeID(name),
			PublicKey: signer.PublicKey(),
			RingKey:   signer.RingKey().Public(),
			Stake:     100,
		}
	}
	valSet, err := types.NewValidatorSet(validators)
	if err != nil {
		t.Fatalf("failed to create validator set: %v", err)
	}

	nodes := make([]*testNode, n)
	for i := 0; i < n; i++ {
		name := types.NodeID(fmt.Sprintf("node%d", i))
		tree := fundedTree(t)

		cfg := engine.DefaultConfig()
		cfg.ChainID = "test-chain"
		cfg.Timeouts = fastTimeouts()
		cfg.AnonymousVoting = anonymous

		cs, err := engine.NewConsensusState(cfg, engine.Dependencies{
			NodeID:      name,
			Validators:  valSet,
			Signer:      signers[i],
			Verifier:    verifierFor(i),
			Tree:        tree,
			Broadcaster: net.broadcasterFor(name),
		})
		if err != nil {
			t.Fatalf("failed to create node %s: %v", name, err)
		}
		net.join(name, cs)
		nodes[i] = &testNode{id: name, cs: cs, tree: tree}
	}

	for _, node := range nodes {
		if err := node.cs.Start(); err != nil {
			t.Fatalf("failed to start %s: %v", node.id, err)
		}
	}
	t.Cleanup(func() {
		for _, node := range nodes {
			_ = node.cs.Stop()
		}
	})
	return net, nodes
}

func transferTx(id string, from, to string, amount uint64, deps ...string) types.Transaction {
	return types.Transaction{
		ID:        id,
		Payload:   engine.EncodeTransfer(engine.Transfer{From: from, To: to, Amount: amount}),
		DependsOn: deps,
	}
}

// specBlock is the two-transaction chained block: tx1 then tx2.
func specBlock() []types.Transaction {
	return []types.Transaction{
		transferTx("tx1", "alice", "bob", 100),
		transferTx("tx2", "bob", "carol", 50, "tx1"),
	}
}

func waitForSequence(t *testing.T, nodes []*testNode, seq uint64, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		done := true
		for _, node := range nodes {
			if _, got := node.cs.GetFinalizedState(); got < seq {
				done = false
				break
			}
		}
		if done {
			return
		}
		if time.Now().After(deadline) {
			for _, node := range nodes {
				_, got := node.cs.GetFinalizedState()
				t.Logf("%s finalized sequence: %d", node.id, got)
			}
			t.Fatalf("nodes did not finalize sequence %d within %v", seq, timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// assertAgreement checks BFT safety: every node finalized the same digest
// and state root at the sequence.
func assertAgreement(t *testing.T, nodes []*testNode) {
	t.Helper()
	first := nodes[0].cs.LastResult()
	if first == nil {
		t.Fatal("node0 has no consensus result")
	}
	firstRoot, firstSeq := nodes[0].cs.GetFinalizedState()
	for _, node := range nodes[1:] {
		result := node.cs.LastResult()
		if result == nil {
			t.Fatalf("%s has no consensus result", node.id)
		}
		if !types.HashEqual(first.Digest, result.Digest) {
			t.Errorf("%s finalized digest %s, node0 finalized %s",
				node.id, types.HashString(result.Digest), types.HashString(first.Digest))
		}
		root, seq := node.cs.GetFinalizedState()
		if seq != firstSeq || !types.HashEqual(root, firstRoot) {
			t.Errorf("%s finalized state (%s, %d), node0 (%s, %d)",
				node.id, types.HashString(root), seq, types.HashString(firstRoot), firstSeq)
		}
	}
}

func TestFourNodeCommit(t *testing.T) {
	_, nodes := setupNetwork(t, 4, false, func(int) engine.ProofVerifier { return acceptAll() })

	supplyBefore := nodes[0].tree.TotalSupply()
	block, err := nodes[0].cs.ProposeBlock(specBlock())
	if err != nil {
		t.Fatalf("failed to propose: %v", err)
	}
	waitForSequence(t, nodes, 1, 5*time.Second)
	assertAgreement(t, nodes)

	digest := types.BlockDigest(block)
	result := nodes[1].cs.LastResult()
	if !types.HashEqual(digest, result.Digest) {
		t.Error("finalized digest does not match the proposed block")
	}

	for _, node := range nodes {
		if supply := node.tree.TotalSupply(); supply != supplyBefore {
			t.Errorf("%s supply changed: %d -> %d", node.id, supplyBefore, supply)
		}
		carol, _ := node.tree.GetAccount("carol")
		if carol.Balance != 50 {
			t.Errorf("%s: carol has %d, want 50", node.id, carol.Balance)
		}
	}
}

// TestCommitWithOneRejectingVerifier is the 4-validator f=1 scenario: one
// node's verifier rejects tx2, but the other three accepting verdicts form
// the 2f+1 quorum and the block commits with supply unchanged.
func TestCommitWithOneRejectingVerifier(t *testing.T) {
	tx2Payload := engine.EncodeTransfer(engine.Transfer{From: "bob", To: "carol", Amount: 50})
	_, nodes := setupNetwork(t, 4, false, func(i int) engine.ProofVerifier {
		if i == 2 {
			return rejectPayload(tx2Payload)
		}
		return acceptAll()
	})

	supplyBefore := nodes[0].tree.TotalSupply()
	block, err := nodes[0].cs.ProposeBlock(specBlock())
	if err != nil {
		t.Fatalf("failed to propose: %v", err)
	}
	digest := types.BlockDigest(block)

	accepting := []*testNode{nodes[0], nodes[1], nodes[3]}
	waitForSequence(t, accepting, 1, 5*time.Second)

	for _, node := range accepting {
		root, seq := node.cs.GetFinalizedState()
		if seq != 1 {
			t.Errorf("%s finalized sequence %d, want 1", node.id, seq)
		}
		if !types.HashEqual(root, node.tree.Root()) {
			t.Errorf("%s finalized root does not match its tree", node.id)
		}
		result := node.cs.LastResult()
		if !types.HashEqual(digest, result.Digest) {
			t.Errorf("%s finalized a different digest", node.id)
		}
		if supply := node.tree.TotalSupply(); supply != supplyBefore {
			t.Errorf("%s supply changed: %d -> %d", node.id, supplyBefore, supply)
		}
	}
}

// TestSafetyUnderDuplication delivers every message twice in arbitrary
// order; all nodes must still agree on one digest per sequence.
func TestSafetyUnderDuplication(t *testing.T) {
	net, nodes := setupNetwork(t, 4, false, func(int) engine.ProofVerifier { return acceptAll() })
	net.duplicate = true

	for seq := uint64(1); seq <= 3; seq++ {
		if _, err := nodes[0].cs.ProposeBlock([]types.Transaction{
			transferTx(fmt.Sprintf("seq%d", seq), "alice", "bob", 10),
		}); err != nil {
			t.Fatalf("failed to propose sequence %d: %v", seq, err)
		}
		waitForSequence(t, nodes, seq, 5*time.Second)
		assertAgreement(t, nodes)
	}
}

func TestAnonymousVotingCommits(t *testing.T) {
	net, nodes := setupNetwork(t, 4, true, func(int) engine.ProofVerifier { return acceptAll() })

	// Tap the wire: no PREPARE or COMMIT may reveal a sender identity.
	var mu sync.Mutex
	var leaked []types.NodeID
	net.tap = func(msg *types.ConsensusMessage) {
		if msg.Type != types.MsgPrepare && msg.Type != types.MsgCommit {
			return
		}
		if msg.Sender != "" || len(msg.Signature.Data) > 0 {
			mu.Lock()
			leaked = append(leaked, msg.Sender)
			mu.Unlock()
		}
	}

	if _, err := nodes[0].cs.ProposeBlock(specBlock()); err != nil {
		t.Fatalf("failed to propose: %v", err)
	}
	waitForSequence(t, nodes, 1, 5*time.Second)
	assertAgreement(t, nodes)

	mu.Lock()
	if len(leaked) > 0 {
		t.Errorf("votes leaked sender identities: %v", leaked)
	}
	mu.Unlock()

	// Participants are tallied under key images, not node ids.
	result := nodes[1].cs.LastResult()
	for voter := range result.Participants {
		if len(voter) != 64 {
			t.Errorf("participant %q does not look like a key-image hex", voter)
		}
		for i := 0; i < 4; i++ {
			if string(voter) == fmt.Sprintf("node%d", i) {
				t.Errorf("participant list leaked node id %s", voter)
			}
		}
	}
	if len(result.Participants) == 0 {
		t.Error("expected at least one audited participant")
	}
}

// TestViewChangeOnBadProposal stalls view 0 with a block every verifier
// rejects; the nodes time out, agree on view 1, and the new leader commits
// a good block.
func TestViewChangeOnBadProposal(t *testing.T) {
	poison := []byte("poison")
	_, nodes := setupNetwork(t, 4, false, func(int) engine.ProofVerifier {
		return rejectPayload(poison)
	})

	if _, err := nodes[0].cs.ProposeBlock([]types.Transaction{
		{ID: "bad", Payload: poison},
	}); err != nil {
		t.Fatalf("failed to propose: %v", err)
	}

	// Everyone rejects, the round stalls, the timeout fires and view 1 is
	// installed everywhere.
	deadline := time.Now().Add(10 * time.Second)
	for {
		advanced := true
		for _, node := range nodes {
			if node.cs.GetStatistics().CurrentView < 1 {
				advanced = false
				break
			}
		}
		if advanced {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("nodes did not advance past view 0")
		}
		time.Sleep(10 * time.Millisecond)
	}

	for _, node := range nodes {
		if _, seq := node.cs.GetFinalizedState(); seq != 0 {
			t.Fatalf("%s finalized a rejected block", node.id)
		}
	}

	// node1 leads view 1 onward (whichever view the network settled on,
	// the leader is deterministic). Find the current leader and propose.
	var committed bool
	for attempt := 0; attempt < 20 && !committed; attempt++ {
		for _, node := range nodes {
			if _, err := node.cs.ProposeBlock([]types.Transaction{
				transferTx("good", "alice", "bob", 10),
			}); err == nil {
				break
			}
		}
		deadline := time.Now().Add(500 * time.Millisecond)
		for time.Now().Before(deadline) {
			if _, seq := nodes[0].cs.GetFinalizedState(); seq >= 1 {
				committed = true
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
	if !committed {
		t.Fatal("no block committed after view change")
	}
	waitForSequence(t, nodes, 1, 5*time.Second)
	assertAgreement(t, nodes)
}
