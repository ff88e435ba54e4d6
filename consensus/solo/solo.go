// Package solo implements a consensus.Engine with no agreement
// protocol at all: a block is sealed the instant it is asked for, and
// the interesting work is reward accounting, grounded directly on
// original_source/core/src/consensus/solo/mod.rs's on_close_block.
package solo

import (
	"context"
	"sort"

	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/errors"

	"github.com/HoOngEe/codechain/common"
	"github.com/HoOngEe/codechain/consensus"
)

// StakeLedger is the balance and stake-accounting collaborator
// on_close_block needs: who holds how much stake, and where to credit
// a reward share. Modeled as an injected interface rather than a
// concrete state trie, since state/storage are out of this module's
// scope (§1) beyond the reward bookkeeping Solo itself owns.
type StakeLedger interface {
	// Stakes returns the current stake weight of every staker.
	Stakes() (map[common.Address]uint64, error)
	// AddBalance credits amount to address's spendable balance.
	AddBalance(address common.Address, amount uint64) error
	// AddIntermediateReward accrues amount to author's current-term
	// pending reward, paid out once the term closes.
	AddIntermediateReward(author common.Address, amount uint64) error
	// MoveCurrentToPreviousIntermediateRewards rotates the
	// current-term accrual ledger into the previous-term one at a
	// term boundary.
	MoveCurrentToPreviousIntermediateRewards() error
	// DrainPreviousRewards removes and returns the previous term's
	// accrued rewards, ready for payout.
	DrainPreviousRewards() (map[common.Address]uint64, error)
}

// Engine is the Solo consensus.Engine: it seals every block
// immediately and unconditionally, and distributes each block's fee
// revenue proportional to stake at on_close_block, crediting the
// remainder and the block reward itself to the block's author.
type Engine struct {
	ledger StakeLedger
}

// New returns a Solo engine backed by ledger.
func New(ledger StakeLedger) *Engine {
	return &Engine{ledger: ledger}
}

// Name identifies this engine for logging and RPC.
func (e *Engine) Name() string { return "solo" }

// SealsInternally reports true: Solo produces a seal synchronously,
// with no external miner or agreement round to wait on.
func (e *Engine) SealsInternally() bool { return true }

// GenerateSeal always succeeds immediately: Solo carries no
// cryptographic seal payload, only the fact that this node authored
// the block.
func (e *Engine) GenerateSeal(block consensus.Block, parent consensus.Header) (consensus.Seal, error) {
	return consensus.Seal{Status: consensus.SealReady, Fields: nil}, nil
}

// VerifyHeaderBasic has nothing to check beyond parent linkage: Solo
// carries no seal payload worth validating structurally.
func (e *Engine) VerifyHeaderBasic(header consensus.Header) error {
	if header.Number > 0 && header.ParentHash.IsZero() {
		return errors.New("solo: header has no parent hash")
	}
	return nil
}

// VerifyBlockSeal always succeeds: there is no seal signature to
// check under Solo.
func (e *Engine) VerifyBlockSeal(header consensus.Header) error { return nil }

// PossibleAuthors returns nil: authorship under Solo is unrestricted.
func (e *Engine) PossibleAuthors(blockNumber uint64) ([]common.Address, error) { return nil, nil }

// RecommendedConfirmation is 1: a Solo block is final the instant it
// is produced.
func (e *Engine) RecommendedConfirmation() uint32 { return 1 }

// Start and Stop are no-ops: Solo has no background work.
func (e *Engine) Start(ctx context.Context) error { return nil }
func (e *Engine) Stop() error                     { return nil }

// OnCloseBlock distributes this block's fee revenue proportional to
// stake, credits the remainder and the block reward to the author
// (directly, or via the term's intermediate-reward accrual once
// parentParams.TermSeconds is nonzero), and rotates and pays out the
// previous term's accrual once block crosses a term boundary.
func (e *Engine) OnCloseBlock(block consensus.Block, parent consensus.Header, parentParams, currentParams consensus.CommonParams) error {
	totalMinFee := currentParams.MinimumFee
	totalReward := currentParams.BlockReward + totalMinFee

	stakes, err := e.ledger.Stakes()
	if err != nil {
		return errors.Wrap(err, "solo: read stakes")
	}
	shares, remainder := distributeProportional(totalMinFee, stakes)
	for _, addr := range sortedAddresses(shares) {
		if err := e.ledger.AddBalance(addr, shares[addr]); err != nil {
			return errors.Wrap(err, "solo: credit fee share")
		}
	}

	author := block.Header.Author
	authorReward := totalReward - totalMinFee + remainder

	if parentParams.TermSeconds == 0 {
		return errors.Wrap(e.ledger.AddBalance(author, authorReward), "solo: credit author reward")
	}

	if err := e.ledger.AddIntermediateReward(author, authorReward); err != nil {
		return errors.Wrap(err, "solo: accrue intermediate reward")
	}

	currentTermPeriod := block.Header.Timestamp / parentParams.TermSeconds
	parentTermPeriod := parent.Timestamp / parentParams.TermSeconds
	if currentTermPeriod == parentTermPeriod {
		return nil
	}

	log.Info("Term boundary crossed, rotating intermediate rewards", "height", block.Header.Number, "term", currentTermPeriod)
	if err := e.ledger.MoveCurrentToPreviousIntermediateRewards(); err != nil {
		return errors.Wrap(err, "solo: rotate intermediate rewards")
	}
	rewards, err := e.ledger.DrainPreviousRewards()
	if err != nil {
		return errors.Wrap(err, "solo: drain previous rewards")
	}
	for _, addr := range sortedAddresses(rewards) {
		if err := e.ledger.AddBalance(addr, rewards[addr]); err != nil {
			return errors.Wrap(err, "solo: pay out term reward")
		}
	}
	return nil
}

// distributeProportional splits total across stakes proportional to
// stake weight, floor-dividing per staker; the undistributed dust is
// returned as remainder for the caller to route to the author.
func distributeProportional(total uint64, stakes map[common.Address]uint64) (shares map[common.Address]uint64, remainder uint64) {
	shares = make(map[common.Address]uint64, len(stakes))
	var totalStake uint64
	for _, s := range stakes {
		totalStake += s
	}
	if totalStake == 0 {
		return shares, total
	}

	var distributed uint64
	for _, addr := range sortedAddresses(stakes) {
		share := total * stakes[addr] / totalStake
		shares[addr] = share
		distributed += share
	}
	return shares, total - distributed
}

func sortedAddresses[V any](m map[common.Address]V) []common.Address {
	out := make([]common.Address, 0, len(m))
	for addr := range m {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return string(out[i].Bytes()) < string(out[j].Bytes()) })
	return out
}

var _ consensus.Engine = (*Engine)(nil)
