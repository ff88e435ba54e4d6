package consensus

import (
	"context"

	"github.com/HoOngEe/codechain/common"
	"github.com/HoOngEe/codechain/consensus/tendermint/sortition"
	"github.com/HoOngEe/codechain/crypto/schnorr"
)

// BlockProducer asynchronously assembles a candidate block body on
// top of parentHash; an external collaborator, typically backed by a
// transaction pool and the chain's execution engine.
type BlockProducer interface {
	Generate(ctx context.Context, parentHash common.Hash) (common.Hash, []byte, error)
}

// Importer asynchronously imports an encoded block, returning its
// hash once the import completes or an error if it was rejected.
type Importer interface {
	Import(ctx context.Context, block []byte) (common.Hash, error)
}

// Network broadcasts and unicasts already-encoded wire envelopes to
// the rest of the committee.
type Network interface {
	Broadcast(envelope []byte) error
	Send(peer common.Address, envelope []byte) error
}

// VRF produces and checks sortition priority claims; an external
// collaborator wrapping the node's VRF keypair.
type VRF interface {
	PriorityFor(seed sortition.SeedInfo, height, view uint64, privateKey []byte) (sortition.PriorityMessage, error)
	Verify(seed sortition.SeedInfo, height, view uint64, signer []byte, msg sortition.PriorityMessage) (bool, error)
}

// DynamicValidator answers validator-set questions scoped to a block
// height: committee size, a member's public key, and who is entitled
// to propose at a given view.
type DynamicValidator interface {
	At(height uint64) (ValidatorSetView, error)
}

// ValidatorSetView is the committee snapshot active at one height.
type ValidatorSetView interface {
	Count() int
	PublicKey(index uint64) (schnorr.PublicKey, error)
	ProposerIndex(parentHash common.Hash, prevProposerIndex uint64, view uint64) (uint64, error)
}
