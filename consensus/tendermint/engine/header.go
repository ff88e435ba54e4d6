package engine

import (
	"github.com/pkg/errors"

	"github.com/HoOngEe/codechain/common"
	"github.com/HoOngEe/codechain/consensus"
	"github.com/HoOngEe/codechain/consensus/tendermint/messages"
	"github.com/HoOngEe/codechain/consensus/tendermint/seal"
	"github.com/HoOngEe/codechain/consensus/tendermint/votecollector"
	"github.com/HoOngEe/codechain/crypto/hashutil"
	"github.com/HoOngEe/codechain/crypto/schnorr"
)

// blockHash derives the digest a header's precommit signatures cover.
// The engine does not carry a block-body hash function of its own, so
// it hashes the header fields that a seal actually commits to.
func blockHash(header consensus.Header) common.Hash {
	buf := append([]byte(nil), header.ParentHash.Bytes()...)
	buf = append(buf, header.Author.Bytes()...)
	return hashutil.Sum256(buf)
}

// VerifyHeaderBasic performs structural checks not requiring the
// parent or any external state: every height past genesis must name
// a parent, and must carry a non-empty seal.
func (e *EngineDriver) VerifyHeaderBasic(header consensus.Header) error {
	if header.Number == 0 {
		return nil
	}
	if header.ParentHash.IsZero() {
		return errors.New("engine: header has no parent hash")
	}
	if len(header.Seal) == 0 {
		return errors.New("engine: header has no seal")
	}
	return nil
}

// VerifyBlockSeal checks that header's seal carries a precommit
// supermajority, signed by committee members active at header.Number,
// over this header's hash.
func (e *EngineDriver) VerifyBlockSeal(header consensus.Header) error {
	view, err := seal.NewView(header.Seal)
	if err != nil {
		return errors.Wrap(err, "engine: decode seal")
	}
	signed, err := view.Signatures()
	if err != nil {
		return errors.Wrap(err, "engine: decode seal signatures")
	}
	authorView, err := view.AuthorView()
	if err != nil {
		return errors.Wrap(err, "engine: decode seal author view")
	}

	committee, err := e.validators.At(header.Number)
	if err != nil {
		return errors.Wrap(err, "engine: committee snapshot")
	}

	hash := blockHash(header)
	digest, err := (messages.VoteOn{
		Step:      messages.NewVoteStep(header.Number, authorView, messages.Precommit),
		BlockHash: &hash,
	}).Digest()
	if err != nil {
		return errors.Wrap(err, "engine: seal digest")
	}

	for _, s := range signed {
		if s.Index < 0 || uint64(s.Index) >= uint64(committee.Count()) {
			return errors.New("engine: seal signer index out of committee bounds")
		}
		pub, err := committee.PublicKey(uint64(s.Index))
		if err != nil {
			return errors.Wrap(err, "engine: committee public key")
		}
		ok, err := schnorr.Verify(pub, s.Signature, digest.Bytes())
		if err != nil {
			return errors.Wrap(err, "engine: seal signature")
		}
		if !ok {
			return errors.New("engine: seal signature invalid")
		}
	}

	if len(signed) < votecollector.Threshold(committee.Count()) {
		return errors.New("engine: seal lacks a precommit supermajority")
	}
	return nil
}

// PossibleAuthors returns nil: Tendermint's proposer rotates with the
// view a height finalizes at, so no fixed author set can be named
// ahead of time.
func (e *EngineDriver) PossibleAuthors(blockNumber uint64) ([]common.Address, error) {
	return nil, nil
}

// RecommendedConfirmation is 1: a committed Tendermint block is final,
// unlike a probabilistically-final proof-of-work chain.
func (e *EngineDriver) RecommendedConfirmation() uint32 { return 1 }

// OnCloseBlock is a no-op for Tendermint; reward accounting for this
// module lives in consensus/solo.Engine, the engine that actually
// needs a per-block distribution policy.
func (e *EngineDriver) OnCloseBlock(block consensus.Block, parent consensus.Header, parentParams, currentParams consensus.CommonParams) error {
	return nil
}
