// Package engine drives a live sequence of core.StateMachine instances
// against real collaborators: it decodes and verifies inbound wire
// envelopes, executes the Actions each transition returns, arms real
// timers, and constructs the next height's StateMachine once the
// current one commits. Grounded on the teacher's handler.go goroutine
// pair (mainEventLoop, syncLoop), stopped via context cancellation and
// an errgroup rather than a hand-rolled stopped channel.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/HoOngEe/codechain/common"
	"github.com/HoOngEe/codechain/consensus"
	"github.com/HoOngEe/codechain/consensus/tendermint/core"
	"github.com/HoOngEe/codechain/consensus/tendermint/messages"
	"github.com/HoOngEe/codechain/consensus/tendermint/seal"
	"github.com/HoOngEe/codechain/consensus/tendermint/sortition"
	"github.com/HoOngEe/codechain/consensus/tendermint/verifier"
	"github.com/HoOngEe/codechain/crypto/hashutil"
	"github.com/HoOngEe/codechain/crypto/schnorr"
	"github.com/HoOngEe/codechain/internal/config"
	"github.com/HoOngEe/codechain/internal/evidence"
)

// CommittedBlock is delivered once a height finalizes.
type CommittedBlock struct {
	Height uint64
	Hash   common.Hash
	Seal   seal.Seal
}

type eventKind uint8

const (
	eventInboundEnvelope eventKind = iota
	eventBlockGenerated
	eventBlockImported
	eventTimeout
)

type event struct {
	kind     eventKind
	sender   common.Address
	envelope messages.Envelope
	hash     common.Hash
	block    []byte
	priority sortition.PriorityMessage
	step     messages.Step
	token    uuid.UUID
}

// EngineDriver owns one live StateMachine at a time and is the only
// component that ever touches the network, a timer, or the block
// pipeline on the state machine's behalf; it satisfies
// consensus.Engine.
type EngineDriver struct {
	selfIndex uint64
	selfKey   schnorr.PrivateKey
	cfg       config.Config

	validators consensus.DynamicValidator
	verifier   *verifier.MessageVerifier
	network    consensus.Network
	producer   consensus.BlockProducer
	importer   consensus.Importer
	vrf        consensus.VRF
	reporter   *evidence.Reporter

	mu sync.Mutex
	sm *core.StateMachine

	nextHeight              uint64
	nextParentHash          common.Hash
	nextParentFinalizedView uint64
	nextPrevProposerIndex   uint64

	sealed map[uint64]CommittedBlock
	peers  map[common.Address]messages.PeerState
	future *lru.Cache[uint64, []messages.ConsensusMessage]

	events  chan event
	commits chan CommittedBlock

	cancel context.CancelFunc
	group  *errgroup.Group
	// runCtx is cancelled by Stop; every detached goroutine this driver
	// launches (timers, block generation, import) selects on it so Stop
	// doesn't merely leave them to expire on their own.
	runCtx context.Context
}

// New returns an EngineDriver ready to Start from genesisHeight, whose
// parent is genesisParentHash.
func New(
	selfIndex uint64,
	selfKey schnorr.PrivateKey,
	genesisHeight uint64,
	genesisParentHash common.Hash,
	validators consensus.DynamicValidator,
	network consensus.Network,
	producer consensus.BlockProducer,
	importer consensus.Importer,
	vrf consensus.VRF,
	reporter *evidence.Reporter,
	cfg config.Config,
) (*EngineDriver, error) {
	future, err := lru.New[uint64, []messages.ConsensusMessage](cfg.FutureHeightVoteBufferSize)
	if err != nil {
		return nil, errors.Wrap(err, "engine: future vote cache")
	}
	return &EngineDriver{
		selfIndex:               selfIndex,
		selfKey:                 selfKey,
		cfg:                     cfg,
		validators:              validators,
		verifier:                verifier.New(validators),
		network:                 network,
		producer:                producer,
		importer:                importer,
		vrf:                     vrf,
		reporter:                reporter,
		nextHeight:              genesisHeight,
		nextParentHash:          genesisParentHash,
		nextParentFinalizedView: 0,
		nextPrevProposerIndex:   0,
		sealed:                  make(map[uint64]CommittedBlock),
		peers:                   make(map[common.Address]messages.PeerState),
		future:                  future,
		events:                  make(chan event, cfg.EventQueueCapacity),
		commits:                 make(chan CommittedBlock, 16),
	}, nil
}

// Name identifies this engine for logging and RPC.
func (e *EngineDriver) Name() string { return "tendermint" }

// SealsInternally reports that this engine produces seals on its own
// asynchronous schedule rather than on demand.
func (e *EngineDriver) SealsInternally() bool { return true }

// GenerateSeal returns the seal for block's height if this node's
// consensus loop has already committed one, SealNotReady otherwise.
// The chain pipeline is expected to poll this once per height after
// observing a CommittedBlock on Commits.
func (e *EngineDriver) GenerateSeal(block consensus.Block, parent consensus.Header) (consensus.Seal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	committed, ok := e.sealed[block.Header.Number]
	if !ok {
		return consensus.Seal{Status: consensus.SealNotReady}, nil
	}
	fields, err := committed.Seal.Fields()
	if err != nil {
		return consensus.Seal{}, errors.Wrap(err, "engine: encode committed seal")
	}
	return consensus.Seal{Status: consensus.SealReady, Fields: fields}, nil
}

// Commits returns the channel CommittedBlocks are posted to as this
// node's consensus loop finalizes each height; sends never block, a
// slow consumer simply misses the backlog.
func (e *EngineDriver) Commits() <-chan CommittedBlock { return e.commits }

// Start constructs the genesis-height StateMachine and launches the
// main event loop and the sync loop.
func (e *EngineDriver) Start(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	e.group = g

	e.mu.Lock()
	e.runCtx = gctx
	err := e.beginHeightLocked()
	e.mu.Unlock()
	if err != nil {
		return err
	}

	g.Go(func() error { e.mainEventLoop(gctx); return nil })
	g.Go(func() error { e.syncLoop(gctx); return nil })
	return nil
}

// Stop cancels the background loops and waits for them to exit.
func (e *EngineDriver) Stop() error {
	if e.cancel == nil {
		return nil
	}
	e.cancel()
	return e.group.Wait()
}

func (e *EngineDriver) beginHeightLocked() error {
	sm := core.New(e.selfIndex, e.selfKey, e.nextHeight, e.nextParentHash, e.nextParentFinalizedView, e.nextPrevProposerIndex, core.Empty, e.validators, e.vrf, e.cfg, e.reporter)
	actions, err := sm.Start()
	if err != nil {
		return errors.Wrap(err, "engine: start height")
	}
	e.sm = sm
	e.dispatchLocked(actions)
	e.replayBufferedVotesLocked()
	return nil
}

func (e *EngineDriver) replayBufferedVotesLocked() {
	buffered, ok := e.future.Get(e.sm.Height())
	if !ok {
		return
	}
	e.future.Remove(e.sm.Height())
	for _, cm := range buffered {
		actions, err := e.sm.OnVote(cm)
		if err != nil {
			continue
		}
		e.dispatchLocked(actions)
	}
	e.checkCommittedLocked()
}

func (e *EngineDriver) mainEventLoop(ctx context.Context) {
	for {
		select {
		case ev := <-e.events:
			e.handle(ev)
		case <-ctx.Done():
			return
		}
	}
}

func (e *EngineDriver) handle(ev event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var (
		actions []core.Action
		err     error
	)
	switch ev.kind {
	case eventInboundEnvelope:
		e.handleEnvelopeLocked(ev.sender, ev.envelope)
		e.checkCommittedLocked()
		return
	case eventBlockGenerated:
		actions, err = e.sm.OnBlockGenerated(ev.hash, ev.block, ev.priority)
	case eventBlockImported:
		actions, err = e.sm.OnBlockImported(ev.hash)
	case eventTimeout:
		actions, err = e.sm.OnTimeout(ev.step, ev.token)
	}
	if err != nil {
		return
	}
	e.dispatchLocked(actions)
	e.checkCommittedLocked()
}

// checkCommittedLocked advances to the next height once the current
// StateMachine's commit timeout has elapsed after a commit
// (PhaseCommitTimedout), carrying forward the committed block's hash,
// finalizing view, and proposer.
func (e *EngineDriver) checkCommittedLocked() {
	hash, ok := e.sm.Committed()
	if !ok || e.sm.Phase() != core.PhaseCommitTimedout {
		return
	}

	proposer, err := e.sm.Proposer()
	if err != nil {
		proposer = 0
	}

	e.nextHeight = e.sm.Height() + 1
	e.nextParentHash = hash
	e.nextParentFinalizedView = e.sm.View()
	e.nextPrevProposerIndex = proposer

	if err := e.beginHeightLocked(); err != nil {
		return
	}
}

func (e *EngineDriver) dispatchLocked(actions []core.Action) {
	for _, a := range actions {
		switch a.Kind {
		case core.ActionBroadcast:
			e.broadcastLocked(a.Envelope)
		case core.ActionRequestBlockGeneration:
			e.requestBlockGenerationLocked(a.ParentHash)
		case core.ActionRequestImport:
			e.requestImportLocked(a.BlockHash, a.Block)
		case core.ActionArmTimeout:
			e.armTimeoutLocked(a.Step, a.Duration, a.Token)
		case core.ActionDeliverCommit:
			e.deliverCommitLocked(a.BlockHash, a.Seal)
		}
	}
}

func (e *EngineDriver) broadcastLocked(env messages.Envelope) {
	encoded, err := messages.EncodeToBytes(env)
	if err != nil {
		return
	}
	go func() { _ = e.network.Broadcast(encoded) }()
}

func (e *EngineDriver) requestBlockGenerationLocked(parentHash common.Hash) {
	height := e.sm.Height()
	view := e.sm.View()
	ctx := e.runCtx
	go func() {
		hash, body, err := e.producer.Generate(ctx, parentHash)
		if err != nil {
			return
		}
		priority, err := e.priorityFor(height, view)
		if err != nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		e.postEvent(event{kind: eventBlockGenerated, hash: hash, block: body, priority: priority})
	}()
}

func (e *EngineDriver) priorityFor(height, view uint64) (sortition.PriorityMessage, error) {
	return e.vrf.PriorityFor(sortition.SeedInfo{}, height, view, nil)
}

func (e *EngineDriver) requestImportLocked(hash common.Hash, block []byte) {
	ctx := e.runCtx
	go func() {
		imported, err := e.importer.Import(ctx, block)
		if err != nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		e.postEvent(event{kind: eventBlockImported, hash: imported})
	}()
}

// armTimeoutLocked arms a timer for step and posts an eventTimeout once
// it fires. The timer also selects on runCtx so Stop actually releases
// this goroutine instead of leaving it to expire on its own schedule.
func (e *EngineDriver) armTimeoutLocked(step messages.Step, d time.Duration, token uuid.UUID) {
	ctx := e.runCtx
	go func() {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
			e.postEvent(event{kind: eventTimeout, step: step, token: token})
		case <-ctx.Done():
		}
	}()
}

func (e *EngineDriver) deliverCommitLocked(hash common.Hash, s seal.Seal) {
	committed := CommittedBlock{Height: e.sm.Height(), Hash: hash, Seal: s}
	e.sealed[committed.Height] = committed
	select {
	case e.commits <- committed:
	default:
	}
}

func (e *EngineDriver) postEvent(ev event) {
	select {
	case e.events <- ev:
	default:
	}
}

// HandleEnvelope decodes and dispatches one inbound wire envelope from
// sender, to be called by the node's network layer.
func (e *EngineDriver) HandleEnvelope(sender common.Address, payload []byte) error {
	env, err := messages.Decode(payload)
	if err != nil {
		return errors.Wrap(err, "engine: decode envelope")
	}
	e.postEvent(event{kind: eventInboundEnvelope, sender: sender, envelope: env})
	return nil
}

func (e *EngineDriver) handleEnvelopeLocked(sender common.Address, env messages.Envelope) {
	switch m := env.(type) {
	case *messages.ConsensusMessageBatch:
		e.handleVoteBatchLocked(m)
	case *messages.ProposalBlock:
		e.handleProposalLocked(m)
	case *messages.StepState:
		e.peers[sender] = messages.PeerState{VoteStep: m.VoteStep, Proposal: m.Proposal, Messages: m.KnownVotes}
	case *messages.RequestMessage:
		e.answerRequestMessageLocked(sender, m)
	case *messages.RequestProposal:
		e.answerRequestProposalLocked(sender, m)
	}
}

func (e *EngineDriver) handleVoteBatchLocked(batch *messages.ConsensusMessageBatch) {
	for _, raw := range batch.Messages {
		var cm messages.ConsensusMessage
		if err := rlp.DecodeBytes(raw, &cm); err != nil {
			continue
		}
		e.processVoteLocked(cm)
	}
}

func (e *EngineDriver) processVoteLocked(cm messages.ConsensusMessage) {
	if err := e.verifier.VerifyConsensusMessage(cm); err != nil {
		return
	}

	height := cm.On.Step.Height
	switch {
	case height > e.sm.Height():
		existing, _ := e.future.Get(height)
		e.future.Add(height, append(existing, cm))
		return
	case height < e.sm.Height():
		return
	}

	actions, err := e.sm.OnVote(cm)
	if err != nil {
		return
	}
	e.dispatchLocked(actions)
}

func (e *EngineDriver) handleProposalLocked(m *messages.ProposalBlock) {
	if m.Height != e.sm.Height() {
		return
	}
	digest, err := (messages.VoteOn{Step: messages.NewVoteStep(m.Height, m.View, messages.Propose)}).Digest()
	if err != nil {
		return
	}
	proposer, err := e.currentProposerLocked()
	if err != nil {
		return
	}
	if err := e.verifier.VerifyProposalSignature(m.Height, proposer, digest, m.Signature); err != nil {
		return
	}

	hash := hashutil.Sum256(m.Block)
	actions := e.sm.OnProposalReceived(m.Priority, hash, m.View, proposer, m.Block, m.Signature)
	e.dispatchLocked(actions)
}

func (e *EngineDriver) currentProposerLocked() (uint64, error) {
	return e.sm.Proposer()
}

// answerRequestMessageLocked replies with the actual ConsensusMessages
// this state machine holds for the signers in req.RequestedVotes at
// req.VoteStep, re-encoding each from the vote collector's retained
// wire message. Falls back to a StepState if none of the requested
// signers are on file, so the requester's RequestedVotes accounting
// still advances.
func (e *EngineDriver) answerRequestMessageLocked(sender common.Address, req *messages.RequestMessage) {
	if req.VoteStep.Height != e.sm.Height() {
		return
	}
	msgs := e.sm.VotesFor(req.VoteStep, req.RequestedVotes)
	if len(msgs) == 0 {
		e.sendStepStateLocked(sender)
		return
	}
	encoded := make([][]byte, 0, len(msgs))
	for _, m := range msgs {
		raw, err := rlp.EncodeToBytes(m)
		if err != nil {
			continue
		}
		encoded = append(encoded, raw)
	}
	batch := &messages.ConsensusMessageBatch{Messages: encoded}
	go func() {
		payload, err := messages.EncodeToBytes(batch)
		if err != nil {
			return
		}
		_ = e.network.Send(sender, payload)
	}()
}

// answerRequestProposalLocked replies with the signed ProposalBlock
// this state machine holds for (req.Height, req.View), reconstructed
// from the proposal store, which retains a proposal's block and
// signature regardless of import status. Falls back to a StepState if
// no proposal is on file for that view.
func (e *EngineDriver) answerRequestProposalLocked(sender common.Address, req *messages.RequestProposal) {
	if req.Height != e.sm.Height() {
		return
	}
	info, ok := e.sm.ProposalForView(req.View)
	if !ok {
		e.sendStepStateLocked(sender)
		return
	}
	block := &messages.ProposalBlock{
		Signature: info.Signature,
		Height:    req.Height,
		View:      req.View,
		Priority:  info.PriorityMessage,
		Block:     info.Block,
	}
	go func() {
		encoded, err := messages.EncodeToBytes(block)
		if err != nil {
			return
		}
		_ = e.network.Send(sender, encoded)
	}()
}

func (e *EngineDriver) sendStepStateLocked(sender common.Address) {
	state := e.stepStateLocked()
	go func() {
		encoded, err := messages.EncodeToBytes(&state)
		if err != nil {
			return
		}
		_ = e.network.Send(sender, encoded)
	}()
}

func (e *EngineDriver) stepStateLocked() messages.StepState {
	var lockView *uint64
	var lockedHash *common.Hash
	if hash, ok := e.sm.Lock().LockedHash(); ok {
		v := e.sm.Lock().View
		lockView = &v
		lockedHash = &hash
	}
	known := e.sm.KnownVoteSigners()
	if lockedHash != nil {
		return messages.StepState{VoteStep: e.sm.VoteStep(), Proposal: lockedHash, LockView: lockView, KnownVotes: known}
	}
	return messages.StepState{VoteStep: e.sm.VoteStep(), KnownVotes: known}
}

func (e *EngineDriver) syncLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SyncRequestInterval)
	defer ticker.Stop()

	var lastHeight, lastView uint64
	for {
		select {
		case <-ticker.C:
			e.mu.Lock()
			height, view := e.sm.Height(), e.sm.View()
			stalled := height == lastHeight && view == lastView
			state := e.stepStateLocked()
			e.mu.Unlock()

			lastHeight, lastView = height, view
			if stalled {
				encoded, err := messages.EncodeToBytes(&state)
				if err == nil {
					go func() { _ = e.network.Broadcast(encoded) }()
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

var _ consensus.Engine = (*EngineDriver)(nil)
