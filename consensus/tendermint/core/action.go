package core

import (
	"time"

	"github.com/google/uuid"

	"github.com/HoOngEe/codechain/common"
	"github.com/HoOngEe/codechain/consensus/tendermint/messages"
	"github.com/HoOngEe/codechain/consensus/tendermint/seal"
)

// ActionKind is the kind of side effect a StateMachine transition
// asks its driver to perform. The state machine itself never touches
// the network, a timer, or the importer directly; per §5 it only
// returns the sequence of actions to execute, mirroring the "trait
// object collection of action handlers" design note.
type ActionKind uint8

const (
	// ActionBroadcast asks the driver to gossip Envelope to the committee.
	ActionBroadcast ActionKind = iota
	// ActionRequestBlockGeneration asks the external block producer for
	// a candidate block on top of ParentHash.
	ActionRequestBlockGeneration
	// ActionRequestImport asks the external importer to import Block.
	ActionRequestImport
	// ActionArmTimeout asks the driver to arm a timer for Step, tagged
	// with Token so a stale fire can be recognized and dropped.
	ActionArmTimeout
	// ActionDeliverCommit asks the driver to record Seal and BlockHash
	// as the finalized block for this height and publish it to its
	// consumers.
	ActionDeliverCommit
)

// Action is one side effect emitted by a StateMachine transition.
type Action struct {
	Kind        ActionKind
	Envelope    messages.Envelope
	ParentHash  common.Hash
	Block       []byte
	BlockHash   common.Hash
	Step        messages.Step
	Duration    time.Duration
	Token       uuid.UUID
	Seal        seal.Seal
}

func broadcast(env messages.Envelope) Action {
	return Action{Kind: ActionBroadcast, Envelope: env}
}

func requestBlockGeneration(parent common.Hash) Action {
	return Action{Kind: ActionRequestBlockGeneration, ParentHash: parent}
}

func requestImport(hash common.Hash, block []byte) Action {
	return Action{Kind: ActionRequestImport, BlockHash: hash, Block: block}
}

func armTimeout(step messages.Step, d time.Duration, token uuid.UUID) Action {
	return Action{Kind: ActionArmTimeout, Step: step, Duration: d, Token: token}
}

func deliverCommit(hash common.Hash, s seal.Seal) Action {
	return Action{Kind: ActionDeliverCommit, BlockHash: hash, Seal: s}
}
