package engine

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/blockberries/ledgerberry/checkpoint"
	"github.com/blockberries/ledgerberry/depgraph"
	"github.com/blockberries/ledgerberry/evidence"
	"github.com/blockberries/ledgerberry/identity"
	"github.com/blockberries/ledgerberry/ring"
	"github.com/blockberries/ledgerberry/statetree"
	"github.com/blockberries/ledgerberry/types"
)

// Phase is the state machine's top-level state.
type Phase uint8

const (
	PhaseNormal Phase = iota + 1
	PhaseViewChanging
)

func (p Phase) String() string {
	switch p {
	case PhaseNormal:
		return "NORMAL"
	case PhaseViewChanging:
		return "VIEW_CHANGING"
	default:
		return "UNKNOWN"
	}
}

// Statistics is the observability snapshot exposed to callers.
type Statistics struct {
	CurrentView       uint64
	CurrentSequence   uint64
	FinalizedSequence uint64
	CurrentTimeout    time.Duration
	ViewChangeCount   int
	QuorumSize        int
	Phase             Phase
	RoundInFlight     bool
}

// Dependencies are the collaborators a consensus node is built from. Tree,
// Signer, Validators and Verifier are required; the rest default.
type Dependencies struct {
	NodeID     types.NodeID
	Validators *types.ValidatorSet
	Signer     identity.Signer
	Verifier   ProofVerifier

	Tree        *statetree.Tree
	Checkpoints checkpoint.Store
	Broadcaster Broadcaster
	Logger      *zap.Logger
	Metrics     *Metrics
}

// verdictEvent carries an async verification result back into the decision
// loop. View, sequence and digest pin the round it belongs to; a stale
// event is dropped.
type verdictEvent struct {
	view     uint64
	sequence uint64
	digest   types.Hash
	verdict  types.BlockVerificationResult
}

// roundState is the in-flight candidate for the current (view, sequence).
// Discarded wholesale on view change.
type roundState struct {
	block  *types.ProofBlock
	digest types.Hash

	verdict     *types.BlockVerificationResult
	prepareSent bool
	commitSent  bool

	// participants records every verdict received in PREPARE messages, by
	// voter identity, for the audit trail in ConsensusResult.
	participants map[types.NodeID]types.BlockVerificationResult
}

// ConsensusState drives the three-phase agreement protocol for one node.
// All round state is owned by the single receiveRoutine goroutine; message
// arrival, proposals, timeout expiry and verification completion are events
// funneled into it over channels. Public accessors read a mutex-guarded
// snapshot that the loop refreshes.
type ConsensusState struct {
	config *Config
	logger *zap.Logger

	nodeID     types.NodeID
	validators *types.ValidatorSet
	signer     identity.Signer

	verifier     *BlockVerifier
	executor     *TransferExecutor
	checkpoints  checkpoint.Store
	broadcaster  Broadcaster
	ringRegistry *ring.Registry
	evidence     *evidence.Pool
	tally        *MessageTally
	dedup        *dedupFilter
	timeouts     *AdaptiveTimeout
	ticker       *TimeoutTicker
	peers        *PeerRegistry
	metrics      *Metrics

	msgCh      chan *types.ConsensusMessage
	proposalCh chan *types.ProofBlock
	verdictCh  chan verdictEvent
	quitCh     chan struct{}
	doneCh     chan struct{}

	// Round state, touched only by receiveRoutine once started.
	phase        Phase
	view         uint64
	proposedView uint64
	sequence     uint64
	round        *roundState

	// vcMsgs retains the signed VIEW_CHANGE messages per proposed view so
	// the leader can assemble a verifiable NEW_VIEW certificate from them.
	vcMsgs map[uint64]map[types.NodeID]*types.ConsensusMessage

	lastDigest    types.Hash
	finalizedRoot types.Hash
	finalizedSeq  uint64
	lastResult    *types.ConsensusResult

	mu      sync.RWMutex
	stats   Statistics
	started bool
}

// NewConsensusState builds a consensus node. The latest checkpoint, if any,
// is replayed into the state tree before the node accepts any event.
func NewConsensusState(config *Config, deps Dependencies) (*ConsensusState, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.ValidateBasic(); err != nil {
		return nil, err
	}
	if deps.Validators == nil {
		return nil, errors.New("validator set is required")
	}
	if deps.Signer == nil {
		return nil, ErrNoSigner
	}
	if deps.Verifier == nil {
		return nil, errors.New("proof verifier is required")
	}
	if deps.Tree == nil {
		deps.Tree = statetree.New(nil)
	}
	if deps.Checkpoints == nil {
		deps.Checkpoints = checkpoint.NopStore{}
	}
	if deps.Broadcaster == nil {
		deps.Broadcaster = NopBroadcaster{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	verifier, err := NewBlockVerifier(deps.Verifier, config.VerificationWorkers, config.VerificationCacheSize, deps.Logger)
	if err != nil {
		return nil, err
	}
	dedup, err := newDedupFilter(config.ChainID, config.DedupCacheSize)
	if err != nil {
		return nil, err
	}

	ringRegistry := ring.NewRegistry(config.MinRingSize, config.MaxRingSize, deps.Logger)
	for _, key := range deps.Validators.RingKeys() {
		if err := ringRegistry.RegisterValidator(key); err != nil {
			return nil, fmt.Errorf("registering ring key: %w", err)
		}
	}

	cs := &ConsensusState{
		config:       config,
		logger:       deps.Logger.With(zap.String("node", string(deps.NodeID))),
		nodeID:       deps.NodeID,
		validators:   deps.Validators,
		signer:       deps.Signer,
		verifier:     verifier,
		executor:     NewTransferExecutor(deps.Tree, deps.Logger),
		checkpoints:  deps.Checkpoints,
		broadcaster:  deps.Broadcaster,
		ringRegistry: ringRegistry,
		evidence:     evidence.NewPool(evidence.DefaultConfig()),
		tally:        NewMessageTally(deps.Validators.QuorumSize()),
		dedup:        dedup,
		timeouts:     NewAdaptiveTimeout(config.Timeouts, deps.Logger),
		ticker:       NewTimeoutTicker(),
		peers:        NewPeerRegistry(),
		metrics:      deps.Metrics,

		msgCh:      make(chan *types.ConsensusMessage, 256),
		proposalCh: make(chan *types.ProofBlock, 4),
		verdictCh:  make(chan verdictEvent, 16),
		quitCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),

		phase:    PhaseNormal,
		view:     0,
		sequence: 1,
		vcMsgs:   make(map[uint64]map[types.NodeID]*types.ConsensusMessage),
	}

	if err := cs.restoreLatestCheckpoint(); err != nil {
		return nil, err
	}
	cs.publishStats()
	return cs, nil
}

// Start launches the decision loop.
func (cs *ConsensusState) Start() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.started {
		return ErrAlreadyStarted
	}
	cs.started = true
	cs.ticker.Start()
	go cs.receiveRoutine()
	return nil
}

// Stop terminates the decision loop and waits for it to drain.
func (cs *ConsensusState) Stop() error {
	cs.mu.Lock()
	if !cs.started {
		cs.mu.Unlock()
		return ErrNotStarted
	}
	cs.started = false
	cs.mu.Unlock()

	close(cs.quitCh)
	<-cs.doneCh
	cs.ticker.Stop()
	return nil
}

// ProposeBlock assembles, validates and signs a candidate block from the
// given transactions, then hands it to the decision loop for broadcast.
// Only the leader of the current view may propose.
func (cs *ConsensusState) ProposeBlock(txs []types.Transaction) (*types.ProofBlock, error) {
	cs.mu.RLock()
	if !cs.started {
		cs.mu.RUnlock()
		return nil, ErrNotStarted
	}
	view := cs.stats.CurrentView
	sequence := cs.stats.CurrentSequence
	inFlight := cs.stats.RoundInFlight
	cs.mu.RUnlock()

	leader := cs.validators.LeaderForView(view)
	if leader == nil || leader.ID != cs.nodeID {
		return nil, ErrNotLeader
	}
	if inFlight {
		return nil, ErrRoundInFlight
	}
	if len(txs) == 0 || len(txs) > cs.config.MaxBlockTransactions {
		return nil, fmt.Errorf("%w: %d transactions", ErrInvalidBlock, len(txs))
	}

	block := &types.ProofBlock{
		BlockID:      sequence,
		Timestamp:    time.Now().UnixNano(),
		Transactions: txs,
		PrevHash:     cs.prevDigest(),
		Proposer:     cs.nodeID,
	}
	if err := block.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBlock, err)
	}
	if _, err := depgraph.FromBlock(block); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCyclicBlock, err)
	}
	if err := cs.signer.SignBlock(cs.config.ChainID, block); err != nil {
		return nil, err
	}

	select {
	case cs.proposalCh <- block:
		return block, nil
	case <-cs.quitCh:
		return nil, ErrNotStarted
	}
}

// SubmitMessage feeds a message from the transport layer into the decision
// loop. Structural validation happens here; everything stateful happens on
// the loop.
func (cs *ConsensusState) SubmitMessage(msg *types.ConsensusMessage) error {
	if msg == nil {
		return ErrInvalidMessage
	}
	if err := msg.ValidateBasic(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	cs.mu.RLock()
	started := cs.started
	cs.mu.RUnlock()
	if !started {
		return ErrNotStarted
	}

	select {
	case cs.msgCh <- msg:
		return nil
	case <-cs.quitCh:
		return ErrNotStarted
	}
}

// GetFinalizedState returns the last finalized state root and sequence.
// During an active round or view change this is the previous finalized
// state, never an in-progress one.
func (cs *ConsensusState) GetFinalizedState() (types.Hash, uint64) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.finalizedRoot, cs.finalizedSeq
}

// LastResult returns a copy of the most recent consensus result.
func (cs *ConsensusState) LastResult() *types.ConsensusResult {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return types.CopyConsensusResult(cs.lastResult)
}

// GetStatistics returns the current observability snapshot.
func (cs *ConsensusState) GetStatistics() Statistics {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.stats
}

// Peers returns the peer registry for the transport collaborator.
func (cs *ConsensusState) Peers() *PeerRegistry {
	return cs.peers
}

// receiveRoutine serializes every event into the single-writer round state.
func (cs *ConsensusState) receiveRoutine() {
	defer close(cs.doneCh)

	for {
		select {
		case <-cs.quitCh:
			return

		case block := <-cs.proposalCh:
			cs.handleProposal(block)

		case msg := <-cs.msgCh:
			if err := cs.handleMessage(msg); err != nil {
				cs.countRejected()
				cs.logger.Debug("message rejected",
					zap.Stringer("type", msg.Type),
					zap.Uint64("view", msg.View),
					zap.Uint64("sequence", msg.Sequence),
					zap.Error(err))
			}

		case ev := <-cs.verdictCh:
			cs.handleVerdict(ev)

		case ti := <-cs.ticker.Chan():
			cs.handleTimeout(ti)
		}
		cs.publishStats()
	}
}

// handleProposal broadcasts the leader's own PRE_PREPARE and runs it
// through the same path as a received one.
func (cs *ConsensusState) handleProposal(block *types.ProofBlock) {
	msg := &types.ConsensusMessage{
		Type:     types.MsgPrePrepare,
		View:     cs.view,
		Sequence: cs.sequence,
		Sender:   cs.nodeID,
		Payload:  types.PrePrepare{Block: *types.CopyBlock(block)},
	}
	if err := cs.signer.SignMessage(cs.config.ChainID, msg); err != nil {
		cs.logger.Error("failed to sign proposal", zap.Error(err))
		return
	}
	cs.broadcaster.Broadcast(msg)
	if err := cs.handlePrePrepare(msg); err != nil {
		cs.logger.Error("own proposal rejected", zap.Error(err))
	}
}

// handleMessage authenticates a message and dispatches it by type.
func (cs *ConsensusState) handleMessage(msg *types.ConsensusMessage) error {
	if cs.dedup.seen(msg) {
		return nil
	}

	voter, err := cs.authenticate(msg)
	if err != nil {
		return err
	}

	switch msg.Type {
	case types.MsgPrePrepare:
		return cs.handlePrePrepare(msg)
	case types.MsgPrepare:
		return cs.handlePrepare(msg, voter)
	case types.MsgCommit:
		return cs.handleCommit(msg, voter)
	case types.MsgViewChange:
		return cs.handleViewChange(msg, voter)
	case types.MsgNewView:
		return cs.handleNewView(msg)
	default:
		return ErrInvalidMessage
	}
}

// authenticate verifies the message's signature or anonymity proof and
// returns the voter identity used for tallying: the node id on the signed
// path, the key-image hex on the anonymous path.
func (cs *ConsensusState) authenticate(msg *types.ConsensusMessage) (string, error) {
	if len(msg.AnonProof) > 0 {
		return cs.authenticateAnonymous(msg)
	}

	val := cs.validators.GetByID(msg.Sender)
	if val == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownValidator, msg.Sender)
	}
	if !types.VerifySignature(val.PublicKey, types.MessageSignBytes(cs.config.ChainID, msg), msg.Signature) {
		return "", ErrInvalidSignature
	}

	if ev := cs.evidence.CheckMessage(msg, cs.validators); ev != nil {
		if err := cs.evidence.AddEquivocation(ev); err == nil {
			cs.countEvidence()
			cs.logger.Warn("equivocation detected",
				zap.String("sender", string(ev.Sender)),
				zap.Uint64("view", ev.View),
				zap.Uint64("sequence", ev.Sequence))
		}
		return "", ErrConflictingMessage
	}

	cs.peers.Touch(msg.Sender, time.Now())
	return string(msg.Sender), nil
}

func (cs *ConsensusState) authenticateAnonymous(msg *types.ConsensusMessage) (string, error) {
	if !cs.config.AnonymousVoting {
		return "", fmt.Errorf("%w: anonymous proof on a signed-only network", ErrInvalidMessage)
	}
	if msg.Type != types.MsgPrepare && msg.Type != types.MsgCommit {
		return "", fmt.Errorf("%w: anonymous %s", ErrInvalidMessage, msg.Type)
	}
	// Anonymity requires the auxiliary identity fields to be empty.
	if msg.Sender != "" || len(msg.Signature.Data) > 0 {
		return "", fmt.Errorf("%w: sender identity leaked on anonymous path", ErrInvalidMessage)
	}

	digest, ok := msg.PayloadDigest()
	if !ok {
		return "", ErrInvalidMessage
	}
	scope := voteScope(msg.Type, msg.View, msg.Sequence)
	signBytes := types.MessageSignBytes(cs.config.ChainID, msg)

	err := cs.ringRegistry.VerifyMessage(scope, signBytes, digest, msg.AnonProof)
	if err != nil {
		if errors.Is(err, ring.ErrKeyImageReused) {
			cs.recordKeyImageReuse(scope, msg, digest)
			return "", err
		}
		if errors.Is(err, ring.ErrDuplicateMessage) {
			return "", ErrDuplicateMessage
		}
		return "", err
	}

	sig, err := ring.DecodeSignature(msg.AnonProof)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sig.KeyImage), nil
}

func (cs *ConsensusState) recordKeyImageReuse(scope string, msg *types.ConsensusMessage, digest types.Hash) {
	sig, err := ring.DecodeSignature(msg.AnonProof)
	if err != nil {
		return
	}
	ev := &evidence.KeyImageReuse{
		Scope:     scope,
		KeyImage:  sig.KeyImage,
		DigestB:   digest,
		Timestamp: time.Now().UnixNano(),
	}
	if err := cs.evidence.AddKeyImageReuse(ev, msg.Sequence); err == nil {
		cs.countEvidence()
		cs.logger.Warn("key image reuse detected", zap.String("scope", scope))
	}
}

// handlePrePrepare accepts the leader's candidate block for the current
// slot and starts asynchronous proof verification. The decision loop never
// blocks on the verifier; its verdict arrives as an event.
func (cs *ConsensusState) handlePrePrepare(msg *types.ConsensusMessage) error {
	if cs.phase != PhaseNormal {
		return fmt.Errorf("%w: in %s", ErrInvalidMessage, cs.phase)
	}
	if msg.View != cs.view {
		return ErrWrongView
	}
	if msg.Sequence != cs.sequence {
		return ErrWrongSequence
	}

	leader := cs.validators.LeaderForView(cs.view)
	if leader == nil || leader.ID != msg.Sender {
		return fmt.Errorf("%w: %s proposed in view %d", ErrNotLeader, msg.Sender, cs.view)
	}

	payload, ok := msg.Payload.(types.PrePrepare)
	if !ok {
		return ErrInvalidMessage
	}
	block := types.CopyBlock(&payload.Block)
	if block.Proposer != msg.Sender {
		return fmt.Errorf("%w: proposer mismatch", ErrInvalidBlock)
	}
	if err := block.ValidateBasic(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBlock, err)
	}
	if !types.VerifySignature(leader.PublicKey, types.BlockSignBytes(cs.config.ChainID, block), block.Signature) {
		return fmt.Errorf("%w: bad proposer signature", ErrInvalidBlock)
	}
	if _, err := depgraph.FromBlock(block); err != nil {
		return fmt.Errorf("%w: %v", ErrCyclicBlock, err)
	}

	digest := types.BlockDigest(block)
	if cs.round != nil {
		if types.HashEqual(cs.round.digest, digest) {
			return nil
		}
		return fmt.Errorf("%w: conflicting proposal for slot", ErrConflictingMessage)
	}

	cs.round = &roundState{
		block:        block,
		digest:       digest,
		participants: make(map[types.NodeID]types.BlockVerificationResult),
	}
	cs.scheduleRoundTimeout()

	view, sequence := cs.view, cs.sequence
	go func() {
		verdict := cs.verifier.VerifyBlock(context.Background(), block)
		select {
		case cs.verdictCh <- verdictEvent{view: view, sequence: sequence, digest: digest, verdict: verdict}:
		case <-cs.quitCh:
		}
	}()

	cs.logger.Debug("accepted pre-prepare",
		zap.Uint64("view", cs.view),
		zap.Uint64("sequence", cs.sequence),
		zap.String("digest", types.HashString(digest)[:16]))

	// Quorums may already be complete if votes outran the proposal.
	cs.maybeAdvance()
	return nil
}

// handleVerdict folds an async verification result into the round and, if
// it is for the live candidate, broadcasts this node's PREPARE.
func (cs *ConsensusState) handleVerdict(ev verdictEvent) {
	if cs.round == nil || cs.phase != PhaseNormal {
		return
	}
	if ev.view != cs.view || ev.sequence != cs.sequence || !types.HashEqual(ev.digest, cs.round.digest) {
		return
	}
	if cs.round.verdict != nil {
		return
	}

	verdict := ev.verdict
	cs.round.verdict = &verdict
	if !verdict.Valid {
		cs.logger.Warn("block failed verification",
			zap.Uint64("sequence", cs.sequence),
			zap.String("failed_tx", verdict.FailedTxID),
			zap.String("reason", verdict.Reason))
	}
	cs.sendPrepare(verdict)
}

// sendPrepare broadcasts this node's PREPARE with its verdict. A rejecting
// verdict is still broadcast so other nodes can audit it, but it never
// counts toward the prepare quorum.
func (cs *ConsensusState) sendPrepare(verdict types.BlockVerificationResult) {
	// Once the commit is out the prepare is moot, and signing it would
	// regress the signer's phase state.
	if cs.round == nil || cs.round.prepareSent || cs.round.commitSent {
		return
	}
	cs.round.prepareSent = true

	msg := &types.ConsensusMessage{
		Type:     types.MsgPrepare,
		View:     cs.view,
		Sequence: cs.sequence,
		Payload:  types.Prepare{Digest: cs.round.digest, Verdict: verdict},
	}
	voter, err := cs.finishVote(msg)
	if err != nil {
		cs.logger.Error("failed to sign prepare", zap.Error(err))
		return
	}
	cs.broadcaster.Broadcast(msg)
	if err := cs.applyPrepare(msg, voter); err != nil && !errors.Is(err, ErrDuplicateMessage) {
		cs.logger.Error("failed to count own prepare", zap.Error(err))
	}
}

// finishVote signs a PREPARE or COMMIT according to the participation mode
// and returns the voter identity it will be tallied under.
func (cs *ConsensusState) finishVote(msg *types.ConsensusMessage) (string, error) {
	if !cs.config.AnonymousVoting {
		msg.Sender = cs.nodeID
		if err := cs.signer.SignMessage(cs.config.ChainID, msg); err != nil {
			return "", err
		}
		return string(cs.nodeID), nil
	}

	signBytes := types.MessageSignBytes(cs.config.ChainID, msg)
	proof, err := cs.ringRegistry.SignMessage(signBytes, cs.signer.RingKey())
	if err != nil {
		return "", err
	}
	msg.AnonProof = proof

	image, err := cs.signer.RingKey().KeyImage()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(image), nil
}

func (cs *ConsensusState) handlePrepare(msg *types.ConsensusMessage, voter string) error {
	if msg.View != cs.view {
		return ErrWrongView
	}
	if msg.Sequence != cs.sequence {
		return ErrWrongSequence
	}
	return cs.applyPrepare(msg, voter)
}

func (cs *ConsensusState) applyPrepare(msg *types.ConsensusMessage, voter string) error {
	payload, ok := msg.Payload.(types.Prepare)
	if !ok {
		return ErrInvalidMessage
	}

	if cs.round != nil && types.HashEqual(payload.Digest, cs.round.digest) {
		cs.round.participants[types.NodeID(voter)] = payload.Verdict
	}
	if !payload.Verdict.Valid {
		// Audited but never counted.
		return nil
	}

	if _, err := cs.tally.Add(msg.View, msg.Sequence, types.MsgPrepare, voter, payload.Digest); err != nil {
		return err
	}
	cs.maybeAdvance()
	return nil
}

// maybeAdvance moves the round forward off the current tallies. Votes can
// arrive in any order, including a full quorum before this node has even
// seen the PRE_PREPARE, so advancement is re-checked whenever the round or
// a tally changes rather than only on the vote that completes a quorum.
func (cs *ConsensusState) maybeAdvance() {
	if cs.round == nil || cs.phase != PhaseNormal {
		return
	}
	if d, ok := cs.tally.QuorumDigest(cs.view, cs.sequence, types.MsgPrepare); ok &&
		types.HashEqual(d, cs.round.digest) && !cs.round.commitSent {
		cs.sendCommit()
	}
	if cs.round == nil {
		return
	}
	if d, ok := cs.tally.QuorumDigest(cs.view, cs.sequence, types.MsgCommit); ok &&
		types.HashEqual(d, cs.round.digest) {
		cs.finalizeCommit()
	}
}

// sendCommit broadcasts this node's COMMIT once prepare quorum is held.
func (cs *ConsensusState) sendCommit() {
	if cs.round == nil || cs.round.commitSent {
		return
	}
	cs.round.commitSent = true

	msg := &types.ConsensusMessage{
		Type:     types.MsgCommit,
		View:     cs.view,
		Sequence: cs.sequence,
		Payload:  types.Commit{Digest: cs.round.digest},
	}
	voter, err := cs.finishVote(msg)
	if err != nil {
		cs.logger.Error("failed to sign commit", zap.Error(err))
		return
	}
	cs.broadcaster.Broadcast(msg)
	if err := cs.applyCommit(msg, voter); err != nil && !errors.Is(err, ErrDuplicateMessage) {
		cs.logger.Error("failed to count own commit", zap.Error(err))
	}
}

func (cs *ConsensusState) handleCommit(msg *types.ConsensusMessage, voter string) error {
	if msg.View != cs.view {
		return ErrWrongView
	}
	if msg.Sequence != cs.sequence {
		return ErrWrongSequence
	}
	return cs.applyCommit(msg, voter)
}

func (cs *ConsensusState) applyCommit(msg *types.ConsensusMessage, voter string) error {
	payload, ok := msg.Payload.(types.Commit)
	if !ok {
		return ErrInvalidMessage
	}

	if _, err := cs.tally.Add(msg.View, msg.Sequence, types.MsgCommit, voter, payload.Digest); err != nil {
		return err
	}
	cs.maybeAdvance()
	return nil
}

// finalizeCommit applies the agreed block to the state tree, persists a
// checkpoint, emits the ConsensusResult and advances to the next sequence.
func (cs *ConsensusState) finalizeCommit() {
	round := cs.round
	root, err := cs.executor.ExecuteBlock(round.block)
	if err != nil {
		// Quorum agreed on a block this node cannot execute. The round
		// cannot finalize locally; a view change will retry.
		cs.logger.Error("committed block failed execution",
			zap.Uint64("sequence", cs.sequence),
			zap.Error(err))
		return
	}

	result := &types.ConsensusResult{
		Sequence:     cs.sequence,
		Reached:      true,
		Digest:       round.digest,
		StateRoot:    root,
		Participants: round.participants,
	}
	if round.verdict != nil {
		result.TotalDifficulty = round.verdict.TotalCost
	}

	cp := &checkpoint.Checkpoint{
		View:      cs.view,
		Sequence:  cs.sequence,
		Digest:    round.digest,
		StateRoot: root,
		Accounts:  cs.executor.Tree().Snapshot().Accounts(),
	}
	if err := cs.checkpoints.Save(cp); err != nil {
		cs.logger.Error("checkpoint save failed",
			zap.Uint64("sequence", cs.sequence),
			zap.Error(fmt.Errorf("%w: %v", ErrCheckpointWrite, err)))
	}

	cs.logger.Info("block committed",
		zap.Uint64("view", cs.view),
		zap.Uint64("sequence", cs.sequence),
		zap.String("digest", types.HashString(round.digest)[:16]),
		zap.String("state_root", types.HashString(root)[:16]))

	finalizedView, finalizedSeq := cs.view, cs.sequence

	cs.mu.Lock()
	cs.lastResult = result
	cs.finalizedRoot = root
	cs.finalizedSeq = finalizedSeq
	cs.mu.Unlock()

	cs.lastDigest = round.digest
	cs.round = nil
	cs.sequence++
	cs.phase = PhaseNormal
	cs.proposedView = 0

	cs.timeouts.ResetViewChangeBackoff()
	cs.tally.PruneBelow(cs.sequence)
	cs.evidence.Update(finalizedSeq, time.Now())
	cs.ringRegistry.ForgetScope(voteScope(types.MsgPrepare, finalizedView, finalizedSeq))
	cs.ringRegistry.ForgetScope(voteScope(types.MsgCommit, finalizedView, finalizedSeq))

	if cs.metrics != nil {
		cs.metrics.CommittedBlocks.Inc()
		cs.metrics.FinalizedSequence.Set(float64(finalizedSeq))
	}
}

// handleTimeout reacts to an expired round timer. Stale timers for an
// already-resolved slot are ignored; the quorum path and the timeout path
// race, and whichever event the loop processes first wins. A tick carries
// the view and sequence it was armed in, so a tick queued before a view
// switch cannot abort the view it did not time.
func (cs *ConsensusState) handleTimeout(ti TimeoutInfo) {
	if ti.View != cs.view || ti.Sequence != cs.sequence {
		return
	}
	cs.startViewChange()
}

// startViewChange abandons the in-flight round and broadcasts VIEW_CHANGE
// for the next view, backing off the timeout.
func (cs *ConsensusState) startViewChange() {
	cs.round = nil
	cs.phase = PhaseViewChanging
	if cs.proposedView <= cs.view {
		cs.proposedView = cs.view + 1
	} else {
		cs.proposedView++
	}

	timeout := cs.timeouts.ApplyViewChangeBackoff()
	cs.countTimeoutAdjustment()
	if cs.metrics != nil {
		cs.metrics.ViewChanges.Inc()
	}

	cs.logger.Info("starting view change",
		zap.Uint64("current_view", cs.view),
		zap.Uint64("proposed_view", cs.proposedView),
		zap.Duration("timeout", timeout))

	msg := &types.ConsensusMessage{
		Type:     types.MsgViewChange,
		View:     cs.view,
		Sequence: cs.sequence,
		Sender:   cs.nodeID,
		Payload: types.ViewChange{
			NewView:          cs.proposedView,
			LastSequence:     cs.finalizedSeq,
			CheckpointDigest: cs.lastDigest,
		},
	}
	if err := cs.signer.SignMessage(cs.config.ChainID, msg); err != nil {
		cs.logger.Error("failed to sign view change", zap.Error(err))
		return
	}

	cs.ticker.ScheduleTimeout(TimeoutInfo{
		Duration: cs.timeouts.ViewChangeTimeout(),
		View:     cs.view,
		Sequence: cs.sequence,
		Phase:    TimeoutViewChange,
	})

	cs.broadcaster.Broadcast(msg)
	if err := cs.applyViewChange(msg, string(cs.nodeID)); err != nil && !errors.Is(err, ErrDuplicateMessage) {
		cs.logger.Error("failed to count own view change", zap.Error(err))
	}
}

func (cs *ConsensusState) handleViewChange(msg *types.ConsensusMessage, voter string) error {
	payload, ok := msg.Payload.(types.ViewChange)
	if !ok {
		return ErrInvalidMessage
	}
	if payload.NewView <= cs.view {
		return ErrWrongView
	}
	return cs.applyViewChange(msg, voter)
}

// applyViewChange tallies a VIEW_CHANGE under the view it proposes and
// retains the signed message as certificate material. When this node is the
// proposed view's leader and holds quorum, it issues NEW_VIEW carrying the
// quorum's messages and enters the view.
func (cs *ConsensusState) applyViewChange(msg *types.ConsensusMessage, voter string) error {
	payload := msg.Payload.(types.ViewChange)
	digest := viewChangeDigest(payload.NewView)

	quorum, err := cs.tally.Add(payload.NewView, 0, types.MsgViewChange, voter, digest)
	if err != nil {
		return err
	}
	if cs.vcMsgs[payload.NewView] == nil {
		cs.vcMsgs[payload.NewView] = make(map[types.NodeID]*types.ConsensusMessage)
	}
	cs.vcMsgs[payload.NewView][msg.Sender] = msg
	if !quorum {
		return nil
	}

	leader := cs.validators.LeaderForView(payload.NewView)
	if leader == nil || leader.ID != cs.nodeID {
		return nil
	}

	nv := &types.ConsensusMessage{
		Type:     types.MsgNewView,
		View:     payload.NewView,
		Sequence: cs.sequence,
		Sender:   cs.nodeID,
		Payload: types.NewView{
			NewView:     payload.NewView,
			Certificate: cs.viewChangeCertificate(payload.NewView),
		},
	}
	if err := cs.signer.SignMessage(cs.config.ChainID, nv); err != nil {
		cs.logger.Error("failed to sign new view", zap.Error(err))
		return nil
	}
	cs.broadcaster.Broadcast(nv)
	cs.enterView(payload.NewView)
	return nil
}

// viewChangeCertificate assembles the retained VIEW_CHANGE messages for the
// view in sender order, so every leader holding the same quorum emits the
// same certificate bytes.
func (cs *ConsensusState) viewChangeCertificate(view uint64) []types.ConsensusMessage {
	msgs := cs.vcMsgs[view]
	senders := make([]string, 0, len(msgs))
	for sender := range msgs {
		senders = append(senders, string(sender))
	}
	sort.Strings(senders)

	cert := make([]types.ConsensusMessage, 0, len(senders))
	for _, sender := range senders {
		cert = append(cert, *msgs[types.NodeID(sender)])
	}
	return cert
}

// verifyNewViewCertificate checks that a NEW_VIEW carries 2f+1 VIEW_CHANGE
// messages for its view, each from a distinct known validator with a valid
// signature. Anything less proves no quorum and the message is discarded.
func (cs *ConsensusState) verifyNewViewCertificate(payload types.NewView) error {
	seen := make(map[types.NodeID]struct{}, len(payload.Certificate))
	for i := range payload.Certificate {
		cert := &payload.Certificate[i]
		if err := cert.ValidateBasic(); err != nil {
			return fmt.Errorf("%w: certificate entry: %v", ErrInvalidMessage, err)
		}
		vc, ok := cert.Payload.(types.ViewChange)
		if !ok || cert.Type != types.MsgViewChange {
			return fmt.Errorf("%w: certificate entry is not a view change", ErrInvalidMessage)
		}
		if vc.NewView != payload.NewView {
			return fmt.Errorf("%w: certificate entry proposes view %d", ErrInvalidMessage, vc.NewView)
		}
		if _, dup := seen[cert.Sender]; dup {
			return fmt.Errorf("%w: duplicate certificate sender %s", ErrInvalidMessage, cert.Sender)
		}
		val := cs.validators.GetByID(cert.Sender)
		if val == nil {
			return fmt.Errorf("%w: %s", ErrUnknownValidator, cert.Sender)
		}
		if !types.VerifySignature(val.PublicKey, types.MessageSignBytes(cs.config.ChainID, cert), cert.Signature) {
			return fmt.Errorf("%w: certificate entry from %s", ErrInvalidSignature, cert.Sender)
		}
		seen[cert.Sender] = struct{}{}
	}
	if len(seen) < cs.validators.QuorumSize() {
		return fmt.Errorf("%w: certificate has %d of %d required view changes",
			ErrInvalidMessage, len(seen), cs.validators.QuorumSize())
	}
	return nil
}

func (cs *ConsensusState) handleNewView(msg *types.ConsensusMessage) error {
	payload, ok := msg.Payload.(types.NewView)
	if !ok {
		return ErrInvalidMessage
	}
	if payload.NewView <= cs.view {
		return ErrWrongView
	}
	leader := cs.validators.LeaderForView(payload.NewView)
	if leader == nil || leader.ID != msg.Sender {
		return fmt.Errorf("%w: new view from non-leader %s", ErrNotLeader, msg.Sender)
	}
	if err := cs.verifyNewViewCertificate(payload); err != nil {
		return err
	}
	cs.enterView(payload.NewView)
	return nil
}

// enterView installs a new view and returns to NORMAL. The in-flight round
// and its tally are discarded; in-flight verifications for the abandoned
// block resolve as stale verdict events and are ignored.
func (cs *ConsensusState) enterView(view uint64) {
	cs.logger.Info("entering view",
		zap.Uint64("old_view", cs.view),
		zap.Uint64("new_view", view))

	cs.view = view
	cs.proposedView = 0
	cs.phase = PhaseNormal
	cs.round = nil
	cs.tally.PruneViewsBelow(view)
	for v := range cs.vcMsgs {
		if v <= view {
			delete(cs.vcMsgs, v)
		}
	}

	// The new leader gets one full timeout to make progress before the
	// next view change.
	cs.scheduleRoundTimeout()

	if cs.metrics != nil {
		cs.metrics.CurrentView.Set(float64(view))
	}
}

// scheduleRoundTimeout arms the round timer, folding the observed average
// latency into the budget first.
func (cs *ConsensusState) scheduleRoundTimeout() {
	if avg := cs.peers.AverageLatency(); avg > 0 {
		cs.timeouts.AdjustForLatency(avg)
		cs.countTimeoutAdjustment()
	}
	cs.ticker.ScheduleTimeout(TimeoutInfo{
		Duration: cs.timeouts.ConsensusTimeout(true),
		View:     cs.view,
		Sequence: cs.sequence,
		Phase:    TimeoutPrepare,
	})
}

func (cs *ConsensusState) prevDigest() types.Hash {
	return cs.lastDigest
}

func (cs *ConsensusState) publishStats() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.stats = Statistics{
		CurrentView:       cs.view,
		CurrentSequence:   cs.sequence,
		FinalizedSequence: cs.finalizedSeq,
		CurrentTimeout:    cs.timeouts.ConsensusTimeout(true),
		ViewChangeCount:   cs.timeouts.ViewChangeCount(),
		QuorumSize:        cs.validators.QuorumSize(),
		Phase:             cs.phase,
		RoundInFlight:     cs.round != nil,
	}
	if cs.metrics != nil {
		if cs.round != nil {
			cs.metrics.PendingProposals.Set(1)
		} else {
			cs.metrics.PendingProposals.Set(0)
		}
	}
}

func (cs *ConsensusState) countRejected() {
	if cs.metrics != nil {
		cs.metrics.RejectedMessages.Inc()
	}
}

func (cs *ConsensusState) countEvidence() {
	if cs.metrics != nil {
		cs.metrics.EvidenceCollected.Inc()
	}
}

func (cs *ConsensusState) countTimeoutAdjustment() {
	if cs.metrics != nil {
		cs.metrics.TimeoutAdjustments.Inc()
	}
}

func voteScope(msgType types.MessageType, view, sequence uint64) string {
	return fmt.Sprintf("%s/%d/%d", strings.ToLower(msgType.String()), view, sequence)
}

func viewChangeDigest(newView uint64) types.Hash {
	return types.HashBytes([]byte(fmt.Sprintf("ledgerberry/viewchange/%d", newView)))
}
