// Package consensus defines the engine contract and external
// collaborator interfaces shared by every consensus backend this
// module ships (consensus/solo.Engine, consensus/tendermint/engine.EngineDriver),
// mirroring how the teacher's eth/ethconfig.Config selects between
// multiple consensus.Engine implementations behind one interface.
package consensus

import (
	"context"

	"github.com/HoOngEe/codechain/common"
)

// SealStatus reports whether GenerateSeal produced a usable seal yet.
type SealStatus uint8

const (
	// SealNotReady means the engine has not yet collected whatever it
	// needs (e.g. a precommit supermajority) to seal this block.
	SealNotReady SealStatus = iota
	// SealReady means Fields holds a complete, verifiable seal.
	SealReady
)

// Seal is the result of GenerateSeal: either not-yet-ready, or a
// complete set of seal fields ready to be written onto a block header.
type Seal struct {
	Status SealStatus
	Fields [][]byte
}

// Header is the minimal block header view the engine contract needs:
// enough to verify structure and seals without depending on a
// concrete block/state implementation.
type Header struct {
	Number     uint64
	ParentHash common.Hash
	Timestamp  uint64
	Author     common.Address
	Seal       [][]byte
}

// Block pairs a header with its opaque encoded body.
type Block struct {
	Header Header
	Body   []byte
}

// CommonParams is the subset of chain-wide configuration on_close_block
// needs: the block reward, the minimum fee, and the term length used
// to decide when intermediate rewards rotate.
type CommonParams struct {
	BlockReward  uint64
	MinimumFee   uint64
	TermSeconds  uint64
}

// Engine is the contract the block pipeline drives every consensus
// backend through, satisfied by both consensus/solo.Engine and
// consensus/tendermint/engine.EngineDriver.
type Engine interface {
	// Name identifies the engine for logging and RPC.
	Name() string
	// SealsInternally reports whether this engine produces seals
	// itself rather than relying on an external miner. Both Solo
	// (synchronously) and Tendermint (asynchronously) report true.
	SealsInternally() bool
	// GenerateSeal attempts to produce a seal for block given its
	// parent header. Tendermint may return SealNotReady until a
	// precommit supermajority has formed.
	GenerateSeal(block Block, parent Header) (Seal, error)
	// OnCloseBlock applies reward accounting as the block closes,
	// given the parent header and the chain parameters in effect
	// before and after this block (a term boundary may change them).
	OnCloseBlock(block Block, parent Header, parentParams, currentParams CommonParams) error
	// VerifyHeaderBasic performs structural checks not requiring the
	// parent or any external state.
	VerifyHeaderBasic(header Header) error
	// VerifyBlockSeal checks header's seal field against the engine's
	// signature scheme and the validator set active at its height.
	VerifyBlockSeal(header Header) error
	// PossibleAuthors returns the addresses permitted to author
	// blockNumber, or nil if authorship is unrestricted.
	PossibleAuthors(blockNumber uint64) ([]common.Address, error)
	// RecommendedConfirmation is the number of blocks a client should
	// wait before treating a block as final.
	RecommendedConfirmation() uint32
	// Start begins the engine's background work, if any.
	Start(ctx context.Context) error
	// Stop halts background work and waits for it to exit.
	Stop() error
}
