// Package core implements the Tendermint state machine: the pure
// transition logic driving one height of consensus, grounded on the
// teacher's consensus/tendermint/core/handler.go checkUponConditions
// dispatch and on original_source's core/src/consensus/tendermint/types.rs
// TwoThirdsMajority/ProposeInner structures.
package core

import "github.com/HoOngEe/codechain/common"

// Phase is the step within the current view, extended with the two
// commit variants original_source distinguishes: Commit (just reached
// supermajority) and CommitTimedout (the commit timeout grace period
// has elapsed). Both report a committed block; see SPEC_FULL.md §9 for
// why no extra broadcast accompanies the timeout variant.
type Phase uint8

const (
	PhasePropose Phase = iota
	PhasePrevote
	PhasePrecommit
	PhaseCommit
	PhaseCommitTimedout
)

func (p Phase) String() string {
	switch p {
	case PhasePropose:
		return "propose"
	case PhasePrevote:
		return "prevote"
	case PhasePrecommit:
		return "precommit"
	case PhaseCommit:
		return "commit"
	case PhaseCommitTimedout:
		return "commit_timedout"
	default:
		return "unknown"
	}
}

// MajorityKind distinguishes the three states a view's precommit
// (or prevote) supermajority can settle into.
type MajorityKind uint8

const (
	MajorityEmpty MajorityKind = iota
	MajorityLock
	MajorityUnlock
)

// TwoThirdsMajority is the lock state carried across views: either no
// supermajority has ever formed (Empty), a supermajority locked the
// chain onto a specific block at a view (Lock), or a supermajority
// explicitly released a prior lock (Unlock).
type TwoThirdsMajority struct {
	Kind MajorityKind
	View uint64
	Hash common.Hash
}

// Empty is the initial, no-supermajority-yet state.
var Empty = TwoThirdsMajority{Kind: MajorityEmpty}

// FromMessage builds the TwoThirdsMajority implied by a supermajority
// observed at view for hash: Lock if hash is non-nil, Unlock if nil.
func FromMessage(view uint64, hash *common.Hash) TwoThirdsMajority {
	if hash != nil {
		return TwoThirdsMajority{Kind: MajorityLock, View: view, Hash: *hash}
	}
	return TwoThirdsMajority{Kind: MajorityUnlock, View: view}
}

// LockedHash returns the locked hash and true if Kind is Lock.
func (m TwoThirdsMajority) LockedHash() (common.Hash, bool) {
	if m.Kind != MajorityLock {
		return common.Hash{}, false
	}
	return m.Hash, true
}
