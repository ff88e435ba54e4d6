package core

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/stretchr/testify/require"

	"github.com/HoOngEe/codechain/common"
	"github.com/HoOngEe/codechain/consensus"
	"github.com/HoOngEe/codechain/consensus/tendermint/messages"
	"github.com/HoOngEe/codechain/consensus/tendermint/sortition"
	"github.com/HoOngEe/codechain/crypto/schnorr"
	"github.com/HoOngEe/codechain/internal/config"
)

type fixedCommittee struct {
	keys     []schnorr.PrivateKey
	proposer uint64
}

func newFixedCommittee(t *testing.T, n int, proposer uint64) *fixedCommittee {
	t.Helper()
	fc := &fixedCommittee{proposer: proposer}
	for i := 0; i < n; i++ {
		k, err := btcec.NewPrivateKey()
		require.NoError(t, err)
		fc.keys = append(fc.keys, schnorr.NewPrivateKey(k))
	}
	return fc
}

func (fc *fixedCommittee) At(height uint64) (consensus.ValidatorSetView, error) {
	return fixedCommitteeView{fc}, nil
}

type fixedCommitteeView struct{ fc *fixedCommittee }

func (v fixedCommitteeView) Count() int { return len(v.fc.keys) }

func (v fixedCommitteeView) PublicKey(index uint64) (schnorr.PublicKey, error) {
	return v.fc.keys[index].PublicKey(), nil
}

func (v fixedCommitteeView) ProposerIndex(parentHash common.Hash, prevProposerIndex uint64, view uint64) (uint64, error) {
	return v.fc.proposer, nil
}

// fakeVRF always validates whatever priority claim it's given.
type fakeVRF struct{}

func (fakeVRF) PriorityFor(seed sortition.SeedInfo, height, view uint64, privateKey []byte) (sortition.PriorityMessage, error) {
	return sortition.PriorityMessage{}, nil
}

func (fakeVRF) Verify(seed sortition.SeedInfo, height, view uint64, signer []byte, msg sortition.PriorityMessage) (bool, error) {
	return true, nil
}

// rejectingVRF refuses every priority claim, simulating a forged proof.
type rejectingVRF struct{}

func (rejectingVRF) PriorityFor(seed sortition.SeedInfo, height, view uint64, privateKey []byte) (sortition.PriorityMessage, error) {
	return sortition.PriorityMessage{}, nil
}

func (rejectingVRF) Verify(seed sortition.SeedInfo, height, view uint64, signer []byte, msg sortition.PriorityMessage) (bool, error) {
	return false, nil
}

func findAction(actions []Action, kind ActionKind) (Action, bool) {
	for _, a := range actions {
		if a.Kind == kind {
			return a, true
		}
	}
	return Action{}, false
}

func newTestStateMachine(t *testing.T, fc *fixedCommittee, selfIndex uint64) *StateMachine {
	t.Helper()
	return newTestStateMachineWithVRF(t, fc, selfIndex, fakeVRF{})
}

func newTestStateMachineWithVRF(t *testing.T, fc *fixedCommittee, selfIndex uint64, vrf consensus.VRF) *StateMachine {
	t.Helper()
	sm := New(selfIndex, fc.keys[selfIndex], 1, common.HexToHash("0xfeed"), 0, 0, Empty, fc, vrf, config.Defaults, nil)
	return sm
}

func vote(t *testing.T, fc *fixedCommittee, signer uint64, step messages.VoteStep, hash *common.Hash) messages.ConsensusMessage {
	t.Helper()
	msg, err := messages.NewVote(step, hash, signer, fc.keys[signer])
	require.NoError(t, err)
	return msg
}

// TestHappyPathThreeValidators mirrors scenario S2: three validators,
// zero Byzantine, everyone prevotes and precommits the proposed block.
func TestHappyPathThreeValidators(t *testing.T) {
	fc := newFixedCommittee(t, 3, 0)
	sm := newTestStateMachine(t, fc, 0)

	actions, err := sm.Start()
	require.NoError(t, err)
	_, ok := findAction(actions, ActionRequestBlockGeneration)
	require.True(t, ok, "proposer with no lock requests block generation")

	blockHash := common.HexToHash("0xb10c")
	priority := sortition.PriorityMessage{PriorityValue: 10}
	actions, err = sm.OnBlockGenerated(blockHash, []byte{1, 2, 3}, priority)
	require.NoError(t, err)
	_, ok = findAction(actions, ActionRequestImport)
	require.True(t, ok)
	require.Equal(t, PhasePropose, sm.Phase())

	actions, err = sm.OnBlockImported(blockHash)
	require.NoError(t, err)
	require.Empty(t, actions, "propose step not complete until timed out")
	require.Equal(t, PhasePropose, sm.Phase())

	actions, err = sm.OnTimeout(messages.Propose, sm.currentTimeoutToken)
	require.NoError(t, err)
	require.Equal(t, PhasePrevote, sm.Phase())
	_, ok = findAction(actions, ActionArmTimeout)
	require.True(t, ok)

	step := messages.NewVoteStep(1, 0, messages.Prevote)
	for i := uint64(1); i < 3; i++ {
		actions, err = sm.OnVote(vote(t, fc, i, step, &blockHash))
		require.NoError(t, err)
		if i == 2 {
			require.Equal(t, PhasePrecommit, sm.Phase())
			lockedHash, ok := sm.Lock().LockedHash()
			require.True(t, ok)
			require.Equal(t, blockHash, lockedHash)
		}
	}

	precommitStep := messages.NewVoteStep(1, 0, messages.Precommit)
	for i := uint64(1); i < 3; i++ {
		actions, err = sm.OnVote(vote(t, fc, i, precommitStep, &blockHash))
		require.NoError(t, err)
	}

	require.Equal(t, PhaseCommit, sm.Phase())
	hash, committed := sm.Committed()
	require.True(t, committed)
	require.Equal(t, blockHash, hash)

	_, ok = findAction(actions, ActionDeliverCommit)
	require.True(t, ok)
}

// TestOneSilentValidatorQuorum mirrors scenario S3: n=4, one validator
// offline, 3 prevotes and 3 precommits still reach the 3-of-4 quorum.
func TestOneSilentValidatorQuorum(t *testing.T) {
	fc := newFixedCommittee(t, 4, 0)
	sm := newTestStateMachine(t, fc, 0)

	_, err := sm.Start()
	require.NoError(t, err)

	blockHash := common.HexToHash("0xb10c")
	_, err = sm.OnBlockGenerated(blockHash, []byte{1}, sortition.PriorityMessage{PriorityValue: 1})
	require.NoError(t, err)
	_, err = sm.OnBlockImported(blockHash)
	require.NoError(t, err)
	_, err = sm.OnTimeout(messages.Propose, sm.currentTimeoutToken)
	require.NoError(t, err)

	prevoteStep := messages.NewVoteStep(1, 0, messages.Prevote)
	for i := uint64(1); i < 3; i++ {
		_, err = sm.OnVote(vote(t, fc, i, prevoteStep, &blockHash))
		require.NoError(t, err)
	}
	require.Equal(t, PhasePrecommit, sm.Phase(), "3-of-4 prevotes cross threshold")

	precommitStep := messages.NewVoteStep(1, 0, messages.Precommit)
	var actions []Action
	for i := uint64(1); i < 3; i++ {
		actions, err = sm.OnVote(vote(t, fc, i, precommitStep, &blockHash))
		require.NoError(t, err)
	}

	require.Equal(t, PhaseCommit, sm.Phase())
	a, ok := findAction(actions, ActionDeliverCommit)
	require.True(t, ok)
	require.Equal(t, 3, a.Seal.Signers.Count())
}

// TestRoundAdvanceOnTimeout mirrors scenario S4: the proposer never
// proposes, so the propose timeout fires with nothing pending, the
// committee prevotes nil, fails to reach a majority, precommits nil,
// and the precommit timeout advances the view.
func TestRoundAdvanceOnTimeout(t *testing.T) {
	fc := newFixedCommittee(t, 4, 1) // self (index 0) is not the proposer
	sm := newTestStateMachine(t, fc, 0)

	_, err := sm.Start()
	require.NoError(t, err)
	require.Equal(t, PhasePropose, sm.Phase())

	actions, err := sm.OnTimeout(messages.Propose, sm.currentTimeoutToken)
	require.NoError(t, err)
	require.Equal(t, PhasePrevote, sm.Phase())

	actions, err = sm.OnTimeout(messages.Prevote, sm.currentTimeoutToken)
	require.NoError(t, err)
	require.Equal(t, PhasePrecommit, sm.Phase())
	_, locked := sm.Lock().LockedHash()
	require.False(t, locked, "timing out Prevote precommits nil without updating the lock")

	actions, err = sm.OnTimeout(messages.Precommit, sm.currentTimeoutToken)
	require.NoError(t, err)
	require.Equal(t, uint64(1), sm.View())
	require.Equal(t, PhasePropose, sm.Phase())
	_, ok := findAction(actions, ActionArmTimeout)
	require.True(t, ok)
}

// TestLockPersistsAcrossViews mirrors scenario S5: a lock taken at one
// view survives a round advance and determines the next view's
// prevote target regardless of what else is proposed.
func TestLockPersistsAcrossViews(t *testing.T) {
	fc := newFixedCommittee(t, 4, 0)
	sm := newTestStateMachine(t, fc, 0)

	_, err := sm.Start()
	require.NoError(t, err)

	blockHash := common.HexToHash("0xb10c")
	_, err = sm.OnBlockGenerated(blockHash, []byte{1}, sortition.PriorityMessage{PriorityValue: 1})
	require.NoError(t, err)
	_, err = sm.OnBlockImported(blockHash)
	require.NoError(t, err)
	_, err = sm.OnTimeout(messages.Propose, sm.currentTimeoutToken)
	require.NoError(t, err)

	prevoteStep := messages.NewVoteStep(1, 0, messages.Prevote)
	for i := uint64(1); i < 3; i++ {
		_, err = sm.OnVote(vote(t, fc, i, prevoteStep, &blockHash))
		require.NoError(t, err)
	}
	lockedHash, ok := sm.Lock().LockedHash()
	require.True(t, ok)
	require.Equal(t, blockHash, lockedHash)

	// Only 2 of 4 precommits arrive; the precommit timeout advances the view.
	precommitStep := messages.NewVoteStep(1, 0, messages.Precommit)
	_, err = sm.OnVote(vote(t, fc, 1, precommitStep, &blockHash))
	require.NoError(t, err)

	_, err = sm.OnTimeout(messages.Precommit, sm.currentTimeoutToken)
	require.NoError(t, err)
	require.Equal(t, uint64(1), sm.View())

	// Lock from view 0 survives into view 1's Propose re-broadcast.
	stillLocked, ok := sm.Lock().LockedHash()
	require.True(t, ok)
	require.Equal(t, blockHash, stillLocked)
}

// TestInvalidPriorityPrevotesNil covers spec.md's rule that an
// imported proposal is only prevoted if its priority claim checks out
// against the current VRF seed: a proposer whose claim fails
// verification must not win the committee's prevote just because its
// block imported first.
func TestInvalidPriorityPrevotesNil(t *testing.T) {
	fc := newFixedCommittee(t, 3, 0)
	sm := newTestStateMachineWithVRF(t, fc, 0, rejectingVRF{})

	_, err := sm.Start()
	require.NoError(t, err)

	blockHash := common.HexToHash("0xb10c")
	_, err = sm.OnBlockGenerated(blockHash, []byte{1, 2, 3}, sortition.PriorityMessage{PriorityValue: 10})
	require.NoError(t, err)
	_, err = sm.OnBlockImported(blockHash)
	require.NoError(t, err)

	actions, err := sm.OnTimeout(messages.Propose, sm.currentTimeoutToken)
	require.NoError(t, err)
	require.Equal(t, PhasePrevote, sm.Phase())

	a, ok := findAction(actions, ActionBroadcast)
	require.True(t, ok)
	batch, ok := a.Envelope.(*messages.ConsensusMessageBatch)
	require.True(t, ok)
	require.Len(t, batch.Messages, 1)

	var cm messages.ConsensusMessage
	require.NoError(t, rlp.DecodeBytes(batch.Messages[0], &cm))
	require.Nil(t, cm.On.BlockHash, "an unverifiable priority claim must not be prevoted")
}

func TestEquivocationReportedAndRejected(t *testing.T) {
	fc := newFixedCommittee(t, 4, 0)
	sm := newTestStateMachine(t, fc, 0)
	_, err := sm.Start()
	require.NoError(t, err)

	step := messages.NewVoteStep(1, 0, messages.Prevote)
	hashA := common.HexToHash("0x01")
	hashB := common.HexToHash("0x02")

	_, err = sm.OnVote(vote(t, fc, 1, step, &hashA))
	require.NoError(t, err)

	_, err = sm.OnVote(vote(t, fc, 1, step, &hashB))
	require.ErrorIs(t, err, consensus.ErrEquivocation)
}
