package core

import (
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/HoOngEe/codechain/common"
	"github.com/HoOngEe/codechain/consensus"
	"github.com/HoOngEe/codechain/consensus/tendermint/bitset"
	"github.com/HoOngEe/codechain/consensus/tendermint/messages"
	"github.com/HoOngEe/codechain/consensus/tendermint/seal"
	"github.com/HoOngEe/codechain/consensus/tendermint/sortition"
	"github.com/HoOngEe/codechain/consensus/tendermint/votecollector"
	"github.com/HoOngEe/codechain/crypto/schnorr"
	"github.com/HoOngEe/codechain/internal/config"
	"github.com/HoOngEe/codechain/internal/evidence"
)

// StateMachine runs one height of Tendermint consensus. Per §5, one
// StateMachine instance owns all of this height's mutable consensus
// data (the VoteCollector, the Proposal store, and its own phase/lock
// state); a new instance is constructed for every height. It never
// performs I/O itself: every transition returns the Actions its
// driver (consensus/tendermint/engine.EngineDriver) must carry out.
type StateMachine struct {
	selfIndex uint64
	selfKey   schnorr.PrivateKey

	cfg        config.Config
	validators consensus.DynamicValidator
	vrf        consensus.VRF
	evidence   *evidence.Reporter

	height               uint64
	parentHash           common.Hash
	parentFinalizedView  uint64
	prevProposerIndex    uint64

	view  uint64
	phase Phase
	lock  TwoThirdsMajority

	waitBlockGeneration bool
	waitImported        map[common.Hash]sortition.PriorityMessage
	isTimedOut          bool

	currentTimeoutToken uuid.UUID

	votes     *votecollector.VoteCollector
	proposals *messages.Proposal
}

// New constructs the StateMachine for height, seeded with carriedLock
// (engine.EngineDriver passes Empty at every height), the view
// at which the parent was finalized, and the previous height's
// proposer (used to derive who proposes next via round-robin or
// whatever scheme DynamicValidator.ProposerIndex implements).
func New(
	selfIndex uint64,
	selfKey schnorr.PrivateKey,
	height uint64,
	parentHash common.Hash,
	parentFinalizedView uint64,
	prevProposerIndex uint64,
	carriedLock TwoThirdsMajority,
	validators consensus.DynamicValidator,
	vrf consensus.VRF,
	cfg config.Config,
	reporter *evidence.Reporter,
) *StateMachine {
	return &StateMachine{
		selfIndex:           selfIndex,
		selfKey:             selfKey,
		cfg:                 cfg,
		validators:          validators,
		vrf:                 vrf,
		evidence:            reporter,
		height:              height,
		parentHash:          parentHash,
		parentFinalizedView: parentFinalizedView,
		prevProposerIndex:   prevProposerIndex,
		lock:                carriedLock,
		phase:               PhasePropose,
		votes:               votecollector.New(),
		proposals:           messages.NewProposal(),
	}
}

// Height, View and Phase expose the StateMachine's current position,
// used by the engine driver to build outbound StepState announcements.
func (sm *StateMachine) Height() uint64 { return sm.height }
func (sm *StateMachine) View() uint64   { return sm.view }
func (sm *StateMachine) Phase() Phase   { return sm.phase }
func (sm *StateMachine) Lock() TwoThirdsMajority { return sm.lock }

// VoteStep returns the VoteStep the state machine currently occupies.
func (sm *StateMachine) VoteStep() messages.VoteStep {
	return messages.NewVoteStep(sm.height, sm.view, toMessageStep(sm.phase))
}

func toMessageStep(p Phase) messages.Step {
	switch p {
	case PhasePropose:
		return messages.Propose
	case PhasePrevote:
		return messages.Prevote
	case PhasePrecommit:
		return messages.Precommit
	default:
		return messages.Commit
	}
}

// Proposer returns the designated proposer for the state machine's
// current (height, view). Used by the driver to carry the right
// prevProposerIndex into the next height's construction.
func (sm *StateMachine) Proposer() (uint64, error) {
	view, err := sm.validators.At(sm.height)
	if err != nil {
		return 0, err
	}
	return view.ProposerIndex(sm.parentHash, sm.prevProposerIndex, sm.view)
}

// KnownVoteSigners returns the signers this state machine has
// recorded a vote from at its current VoteStep, for StepState gossip.
func (sm *StateMachine) KnownVoteSigners() *bitset.BitSet {
	return sm.votes.KnownSigners(sm.VoteStep())
}

func (sm *StateMachine) committeeSize() (int, error) {
	view, err := sm.validators.At(sm.height)
	if err != nil {
		return 0, err
	}
	return view.Count(), nil
}

// Start arms the propose step for this height; callers invoke this
// once, immediately after constructing the StateMachine.
func (sm *StateMachine) Start() ([]Action, error) {
	return sm.enterPropose()
}

func (sm *StateMachine) enterPropose() ([]Action, error) {
	sm.phase = PhasePropose
	sm.waitBlockGeneration = false
	sm.waitImported = make(map[common.Hash]sortition.PriorityMessage)
	sm.isTimedOut = false

	view, err := sm.validators.At(sm.height)
	if err != nil {
		return nil, errors.Wrap(err, "core: committee snapshot")
	}
	proposerIndex, err := view.ProposerIndex(sm.parentHash, sm.prevProposerIndex, sm.view)
	if err != nil {
		return nil, errors.Wrap(err, "core: proposer selection")
	}

	var actions []Action
	if proposerIndex == sm.selfIndex {
		if lockedHash, ok := sm.lock.LockedHash(); ok {
			if info, ok := sm.proposalInfoFor(lockedHash); ok {
				env, err := sm.signProposalBlock(info.PriorityMessage, info.Block)
				if err != nil {
					return nil, err
				}
				actions = append(actions, broadcast(env))
			}
		} else {
			sm.waitBlockGeneration = true
			actions = append(actions, requestBlockGeneration(sm.parentHash))
		}
	}

	token := uuid.New()
	sm.currentTimeoutToken = token
	actions = append(actions, armTimeout(messages.Propose, sm.cfg.TimeoutFor(config.StepPropose, sm.view), token))
	return actions, nil
}

func (sm *StateMachine) signProposalBlock(priority sortition.PriorityMessage, block []byte) (*messages.ProposalBlock, error) {
	digest, err := (messages.VoteOn{Step: messages.NewVoteStep(sm.height, sm.view, messages.Propose)}).Digest()
	if err != nil {
		return nil, err
	}
	sig, err := sm.selfKey.Sign(digest[:])
	if err != nil {
		return nil, err
	}
	return &messages.ProposalBlock{Signature: sig, Height: sm.height, View: sm.view, Priority: priority, Block: block}, nil
}

func (sm *StateMachine) proposalInfoFor(hash common.Hash) (messages.ProposalInfo, bool) {
	for _, info := range sm.proposals.All() {
		if info.BlockHash == hash {
			return info, true
		}
	}
	return messages.ProposalInfo{}, false
}

// ProposalForView exposes the proposal this height recorded at view to
// this height's driver, so it can answer a peer's RequestProposal with
// the actual block and signature this state machine holds rather than
// a StepState summary.
func (sm *StateMachine) ProposalForView(view uint64) (messages.ProposalInfo, bool) {
	for _, info := range sm.proposals.All() {
		if info.View == view {
			return info, true
		}
	}
	return messages.ProposalInfo{}, false
}

// VotesFor exposes the vote collector to this height's driver, so it
// can answer a peer's RequestMessage with the actual ConsensusMessages
// requested rather than a StepState summary.
func (sm *StateMachine) VotesFor(step messages.VoteStep, requested *bitset.BitSet) []messages.ConsensusMessage {
	return sm.votes.MessagesFor(step, requested)
}

// OnProposalReceived records an incoming proposal if it outranks
// whatever is currently highest (ties broken by earlier arrival, so a
// tie is dropped), and requests its import. proposerIndex identifies
// who signed the priority claim, recorded so enterPrevote can later
// check it against the VRF seed before voting for it. Only meaningful
// during Propose; ignored otherwise.
func (sm *StateMachine) OnProposalReceived(priority sortition.PriorityMessage, blockHash common.Hash, view, proposerIndex uint64, block []byte, sig schnorr.Signature) []Action {
	if sm.phase != PhasePropose {
		return nil
	}
	if current, ok := sm.proposals.HighestPriority(); ok && current >= priority.Priority() {
		return nil
	}
	sm.proposals.NewHighest(blockHash, view, proposerIndex, priority, block, sig)
	sm.waitImported[blockHash] = priority
	return []Action{requestImport(blockHash, block)}
}

// OnBlockGenerated records a block our own BlockProducer generated,
// signs it as this view's proposal, broadcasts it, and requests its
// import. Signing happens here rather than in the driver so selfKey
// never has to leave the state machine.
func (sm *StateMachine) OnBlockGenerated(hash common.Hash, block []byte, priority sortition.PriorityMessage) ([]Action, error) {
	if sm.phase != PhasePropose || !sm.waitBlockGeneration {
		return nil, nil
	}
	sm.waitBlockGeneration = false

	env, err := sm.signProposalBlock(priority, block)
	if err != nil {
		return nil, err
	}
	sm.proposals.NewHighest(hash, sm.view, sm.selfIndex, priority, block, env.Signature)
	sm.waitImported[hash] = priority

	actions := []Action{
		broadcast(env),
		requestImport(hash, block),
	}
	return append(actions, sm.checkProposeComplete()...), nil
}

// OnBlockImported marks hash as imported and, once the Propose step's
// completion conditions are all satisfied, transitions to Prevote.
func (sm *StateMachine) OnBlockImported(hash common.Hash) ([]Action, error) {
	if sm.phase != PhasePropose {
		return nil, nil
	}
	if _, ok := sm.waitImported[hash]; !ok {
		return nil, nil
	}
	delete(sm.waitImported, hash)
	sm.proposals.NewImported(hash)
	return sm.checkProposeComplete(), nil
}

func (sm *StateMachine) checkProposeComplete() []Action {
	if sm.phase != PhasePropose {
		return nil
	}
	if sm.waitBlockGeneration || len(sm.waitImported) > 0 || !sm.isTimedOut {
		return nil
	}
	actions, err := sm.enterPrevote()
	if err != nil {
		return nil
	}
	return actions
}

func (sm *StateMachine) enterPrevote() ([]Action, error) {
	sm.phase = PhasePrevote

	var target *common.Hash
	if lockedHash, ok := sm.lock.LockedHash(); ok {
		h := lockedHash
		target = &h
	} else if info, ok := sm.proposals.ImportedProposalInfo(); ok && sm.priorityValid(info) {
		h := info.BlockHash
		target = &h
	}

	vote, err := messages.NewVote(messages.NewVoteStep(sm.height, sm.view, messages.Prevote), target, sm.selfIndex, sm.selfKey)
	if err != nil {
		return nil, errors.Wrap(err, "core: sign prevote")
	}
	sm.votes.Insert(vote)

	actions, err := sm.broadcastVote(vote)
	if err != nil {
		return nil, err
	}

	token := uuid.New()
	sm.currentTimeoutToken = token
	actions = append(actions, armTimeout(messages.Prevote, sm.cfg.TimeoutFor(config.StepPrevote, sm.view), token))
	return actions, nil
}

// priorityValid reports whether info's priority claim actually checks
// out against the VRF seed for the (height, view) it was made at,
// rather than trusting the claimed value outright: a Byzantine
// proposer otherwise wins the priority tie-break in OnProposalReceived
// with a forged claim and every honest validator prevotes it.
func (sm *StateMachine) priorityValid(info messages.ProposalInfo) bool {
	view, err := sm.validators.At(sm.height)
	if err != nil {
		return false
	}
	signer, err := view.PublicKey(info.ProposerIndex)
	if err != nil {
		return false
	}
	ok, err := info.PriorityMessage.Verify(sm.vrf, sortition.SeedInfo{}, sm.height, info.View, signer[:])
	return err == nil && ok
}

func (sm *StateMachine) broadcastVote(vote messages.ConsensusMessage) ([]Action, error) {
	encoded, err := rlp.EncodeToBytes(vote)
	if err != nil {
		return nil, errors.Wrap(err, "core: encode vote")
	}
	return []Action{broadcast(&messages.ConsensusMessageBatch{Messages: [][]byte{encoded}})}, nil
}

// OnVote feeds a signature-verified ConsensusMessage into the vote
// collector and re-evaluates whether the current step's condition has
// been met. An equivocation is reported to the evidence reporter and
// returned as consensus.ErrEquivocation; the conflicting messages are
// both retained and local state is otherwise unaffected.
func (sm *StateMachine) OnVote(msg messages.ConsensusMessage) ([]Action, error) {
	status, existing := sm.votes.Insert(msg)
	if status == votecollector.DuplicateEquivocation {
		if sm.evidence != nil {
			sm.evidence.Report(evidence.Report{
				Step:   msg.On.Step,
				Signer: msg.SignerIndex,
				First:  existing,
				Second: msg,
			})
		}
		return nil, consensus.ErrEquivocation
	}
	if msg.On.Step.Height != sm.height || msg.On.Step.View != sm.view {
		return nil, nil
	}
	return sm.checkUponConditions(msg.On.Step.Step)
}

func (sm *StateMachine) checkUponConditions(step messages.Step) ([]Action, error) {
	n, err := sm.committeeSize()
	if err != nil {
		return nil, err
	}

	switch sm.phase {
	case PhasePrevote:
		if step != messages.Prevote {
			return nil, nil
		}
		result, ok := sm.votes.MajorityOfAnyHash(messages.NewVoteStep(sm.height, sm.view, messages.Prevote), n)
		if !ok {
			return nil, nil
		}
		return sm.enterPrecommit(&result)
	case PhasePrecommit:
		if step != messages.Precommit {
			return nil, nil
		}
		result, ok := sm.votes.MajorityOfAnyHash(messages.NewVoteStep(sm.height, sm.view, messages.Precommit), n)
		if !ok {
			return nil, nil
		}
		if result.BlockHash == nil {
			return sm.advanceView()
		}
		return sm.enterCommit(*result.BlockHash)
	default:
		return nil, nil
	}
}

func (sm *StateMachine) enterPrecommit(majority *votecollector.MajorityResult) ([]Action, error) {
	sm.phase = PhasePrecommit

	var target *common.Hash
	if majority != nil {
		sm.lock = FromMessage(sm.view, majority.BlockHash)
		target = majority.BlockHash
	}

	vote, err := messages.NewVote(messages.NewVoteStep(sm.height, sm.view, messages.Precommit), target, sm.selfIndex, sm.selfKey)
	if err != nil {
		return nil, errors.Wrap(err, "core: sign precommit")
	}
	sm.votes.Insert(vote)

	actions, err := sm.broadcastVote(vote)
	if err != nil {
		return nil, err
	}

	token := uuid.New()
	sm.currentTimeoutToken = token
	actions = append(actions, armTimeout(messages.Precommit, sm.cfg.TimeoutFor(config.StepPrecommit, sm.view), token))
	return actions, nil
}

func (sm *StateMachine) enterCommit(hash common.Hash) ([]Action, error) {
	sm.phase = PhaseCommit
	sm.lock = TwoThirdsMajority{Kind: MajorityLock, View: sm.view, Hash: hash}

	n, err := sm.committeeSize()
	if err != nil {
		return nil, err
	}
	if !sm.votes.HasTwoThirds(messages.NewVoteStep(sm.height, sm.view, messages.Precommit), &hash, n) {
		return nil, errors.New("core: enterCommit called without a precommit supermajority")
	}

	signed := sm.votes.SignaturesFor(messages.NewVoteStep(sm.height, sm.view, messages.Precommit), &hash)
	signers := bitset.New(0)
	sigs := make([]schnorr.Signature, 0, len(signed))
	for _, s := range signed {
		signers.Set(s.Index)
		sigs = append(sigs, s.Signature.Signature)
	}

	builtSeal := seal.Seal{
		ParentBlockFinalizedView: sm.parentFinalizedView,
		AuthorView:               sm.view,
		Signatures:               sigs,
		Signers:                  signers,
	}

	token := uuid.New()
	sm.currentTimeoutToken = token
	return []Action{
		deliverCommit(hash, builtSeal),
		armTimeout(messages.Commit, sm.cfg.TimeoutFor(config.StepCommit, sm.view), token),
	}, nil
}

func (sm *StateMachine) advanceView() ([]Action, error) {
	sm.view++
	return sm.enterPropose()
}

// OnTimeout processes a timer firing for step tagged with token. A
// token that no longer matches the currently-armed timer means the
// state machine already left that step; the event is a no-op.
func (sm *StateMachine) OnTimeout(step messages.Step, token uuid.UUID) ([]Action, error) {
	if token != sm.currentTimeoutToken {
		return nil, nil
	}

	switch step {
	case messages.Propose:
		sm.isTimedOut = true
		return sm.checkProposeComplete(), nil
	case messages.Prevote:
		return sm.enterPrecommit(nil)
	case messages.Precommit:
		return sm.advanceView()
	case messages.Commit:
		sm.phase = PhaseCommitTimedout
		return nil, nil
	default:
		return nil, nil
	}
}

// Committed reports whether this height reached a final, committed
// block, and its hash. Both Commit and CommitTimedout report
// committed; original_source's committed() accessor treats the two
// identically everywhere except the commit-timeout grace period
// itself, which only gates when the next height's Propose begins.
func (sm *StateMachine) Committed() (common.Hash, bool) {
	if sm.phase != PhaseCommit && sm.phase != PhaseCommitTimedout {
		return common.Hash{}, false
	}
	hash, ok := sm.lock.LockedHash()
	return hash, ok
}
