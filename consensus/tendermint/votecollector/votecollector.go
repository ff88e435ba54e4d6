// Package votecollector indexes signed votes by (height, view, step)
// and detects when a two-thirds supermajority has formed for some
// value, generalizing the teacher's MsgStore
// (consensus/tendermint/core/msg_store.go) which nests votes by
// height/round/type/address for linear-scan queries only.
package votecollector

import (
	"sync"

	"github.com/HoOngEe/codechain/common"
	"github.com/HoOngEe/codechain/consensus/tendermint/bitset"
	"github.com/HoOngEe/codechain/consensus/tendermint/messages"
)

// InsertStatus reports the outcome of inserting a vote.
type InsertStatus int

const (
	// Added means the vote was newly recorded (or was an idempotent
	// re-insertion of an identical vote already on file).
	Added InsertStatus = iota
	// DuplicateEquivocation means a different vote from the same
	// signer at the same VoteStep was already on file; both are kept.
	DuplicateEquivocation
)

// hashKey makes VoteOn's optional block hash usable as a map key,
// distinguishing a nil vote from a vote for the zero hash.
type hashKey struct {
	nilVote bool
	hash    common.Hash
}

func keyFor(h *common.Hash) hashKey {
	if h == nil {
		return hashKey{nilVote: true}
	}
	return hashKey{hash: *h}
}

func voteOnEqual(a, b messages.VoteOn) bool {
	if a.Step != b.Step {
		return false
	}
	if (a.BlockHash == nil) != (b.BlockHash == nil) {
		return false
	}
	if a.BlockHash != nil && *a.BlockHash != *b.BlockHash {
		return false
	}
	return true
}

// stepVotes holds every vote collected for one VoteStep.
type stepVotes struct {
	bySigner map[uint64]messages.ConsensusMessage
	byHash   map[hashKey]*bitset.BitSet
	hashOrder []hashKey // insertion order, for deterministic "first to cross"
}

func newStepVotes() *stepVotes {
	return &stepVotes{
		bySigner: make(map[uint64]messages.ConsensusMessage),
		byHash:   make(map[hashKey]*bitset.BitSet),
	}
}

// VoteCollector stores every ConsensusMessage seen, keyed by
// (height, view, step), and tracks per-hash signer BitSets for
// majority detection.
type VoteCollector struct {
	mu      sync.RWMutex
	heights map[uint64]map[messages.VoteStep]*stepVotes
}

// New returns an empty VoteCollector.
func New() *VoteCollector {
	return &VoteCollector{heights: make(map[uint64]map[messages.VoteStep]*stepVotes)}
}

func (vc *VoteCollector) stepVotesLocked(step messages.VoteStep, create bool) *stepVotes {
	hv, ok := vc.heights[step.Height]
	if !ok {
		if !create {
			return nil
		}
		hv = make(map[messages.VoteStep]*stepVotes)
		vc.heights[step.Height] = hv
	}
	sv, ok := hv[step]
	if !ok {
		if !create {
			return nil
		}
		sv = newStepVotes()
		hv[step] = sv
	}
	return sv
}

// Insert records msg. A second, different vote from the same signer
// at the same VoteStep is reported as DuplicateEquivocation and both
// messages are retained as evidence; at most one vote per signer is
// ever counted toward a majority.
func (vc *VoteCollector) Insert(msg messages.ConsensusMessage) (InsertStatus, messages.ConsensusMessage) {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	sv := vc.stepVotesLocked(msg.On.Step, true)
	if existing, ok := sv.bySigner[msg.SignerIndex]; ok {
		if voteOnEqual(existing.On, msg.On) {
			return Added, messages.ConsensusMessage{}
		}
		return DuplicateEquivocation, existing
	}

	sv.bySigner[msg.SignerIndex] = msg

	key := keyFor(msg.On.BlockHash)
	bs, ok := sv.byHash[key]
	if !ok {
		bs = bitset.New(0)
		sv.byHash[key] = bs
		sv.hashOrder = append(sv.hashOrder, key)
	}
	bs.Set(int(msg.SignerIndex))

	return Added, messages.ConsensusMessage{}
}

// Threshold returns the minimum signer count that forms a two-thirds
// supermajority of a committee of size n: floor(2n/3) + 1, i.e. the
// smallest count that is strictly more than two thirds of n.
func Threshold(n int) int {
	if n <= 0 {
		return 0
	}
	return (2*n)/3 + 1
}

// HasTwoThirds reports whether the per-hash BitSet at step has at
// least Threshold(n) signers for hash (nil meaning the nil vote).
func (vc *VoteCollector) HasTwoThirds(step messages.VoteStep, hash *common.Hash, n int) bool {
	vc.mu.RLock()
	defer vc.mu.RUnlock()

	sv := vc.stepVotesLocked(step, false)
	if sv == nil {
		return false
	}
	bs, ok := sv.byHash[keyFor(hash)]
	if !ok {
		return false
	}
	return bs.Count() >= Threshold(n)
}

// MajorityResult is the (hash, signer set) pair that first crossed the
// supermajority threshold at a VoteStep.
type MajorityResult struct {
	BlockHash *common.Hash
	Signers   *bitset.BitSet
}

// MajorityOfAnyHash returns the first (hash, signer set) at step whose
// count crosses Threshold(n), in the order those hashes were first
// observed. Under the assumption of fewer than n/3 Byzantine signers
// (invariant #6), at most one hash can cross the threshold at a given
// step, so "first" is unambiguous in practice.
func (vc *VoteCollector) MajorityOfAnyHash(step messages.VoteStep, n int) (MajorityResult, bool) {
	vc.mu.RLock()
	defer vc.mu.RUnlock()

	sv := vc.stepVotesLocked(step, false)
	if sv == nil {
		return MajorityResult{}, false
	}
	threshold := Threshold(n)
	for _, key := range sv.hashOrder {
		bs := sv.byHash[key]
		if bs.Count() < threshold {
			continue
		}
		if key.nilVote {
			return MajorityResult{BlockHash: nil, Signers: bs}, true
		}
		hash := key.hash
		return MajorityResult{BlockHash: &hash, Signers: bs}, true
	}
	return MajorityResult{}, false
}

// IndexedSignature pairs a signer index with the signed vote it cast;
// the signature itself is Signature.Signature.
type IndexedSignature struct {
	Index     int
	Signature messages.ConsensusMessage
}

// SignaturesFor returns, in ascending signer-index order, every vote
// recorded at step for hash. This is the canonical precommit list used
// to build a block seal.
func (vc *VoteCollector) SignaturesFor(step messages.VoteStep, hash *common.Hash) []IndexedSignature {
	vc.mu.RLock()
	defer vc.mu.RUnlock()

	sv := vc.stepVotesLocked(step, false)
	if sv == nil {
		return nil
	}
	bs, ok := sv.byHash[keyFor(hash)]
	if !ok {
		return nil
	}
	var out []IndexedSignature
	bs.TrueIndexIter(func(index int) bool {
		if msg, ok := sv.bySigner[uint64(index)]; ok {
			out = append(out, IndexedSignature{Index: index, Signature: msg})
		}
		return true
	})
	return out
}

// MessagesFor returns the stored ConsensusMessage for every index in
// requested that has a recorded vote at step, ascending by index. Used
// to answer a peer's RequestMessage with real wire messages instead of
// a StepState summary.
func (vc *VoteCollector) MessagesFor(step messages.VoteStep, requested *bitset.BitSet) []messages.ConsensusMessage {
	vc.mu.RLock()
	defer vc.mu.RUnlock()

	sv := vc.stepVotesLocked(step, false)
	if sv == nil || requested == nil {
		return nil
	}
	var out []messages.ConsensusMessage
	requested.TrueIndexIter(func(index int) bool {
		if msg, ok := sv.bySigner[uint64(index)]; ok {
			out = append(out, msg)
		}
		return true
	})
	return out
}

// KnownSigners returns the union, across every hash voted on at step,
// of signers recorded so far. Used to advertise what a node has
// already seen so peers know what to send on catch-up.
func (vc *VoteCollector) KnownSigners(step messages.VoteStep) *bitset.BitSet {
	vc.mu.RLock()
	defer vc.mu.RUnlock()

	sv := vc.stepVotesLocked(step, false)
	if sv == nil {
		return bitset.New(0)
	}
	out := bitset.New(0)
	for _, key := range sv.hashOrder {
		out = bitset.Union(out, sv.byHash[key])
	}
	return out
}

// Query returns every stored message at height satisfying pred,
// generalizing the teacher's MsgStore.Get free-form scan; currently
// called only from tests (equivocation evidence comes from Insert).
func (vc *VoteCollector) Query(height uint64, pred func(messages.ConsensusMessage) bool) []messages.ConsensusMessage {
	vc.mu.RLock()
	defer vc.mu.RUnlock()

	hv, ok := vc.heights[height]
	if !ok {
		return nil
	}
	var out []messages.ConsensusMessage
	for _, sv := range hv {
		for _, msg := range sv.bySigner {
			if pred(msg) {
				out = append(out, msg)
			}
		}
	}
	return out
}

// GC discards every entry strictly below belowHeight.
func (vc *VoteCollector) GC(belowHeight uint64) {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	for h := range vc.heights {
		if h < belowHeight {
			delete(vc.heights, h)
		}
	}
}
