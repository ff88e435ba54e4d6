package messages

import (
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/HoOngEe/codechain/common"
	"github.com/HoOngEe/codechain/crypto/hashutil"
	"github.com/HoOngEe/codechain/crypto/schnorr"
)

// VoteOn is what a ConsensusMessage's signature actually covers: a
// VoteStep plus an optional block hash (nil means a "nil" vote).
type VoteOn struct {
	Step      VoteStep
	BlockHash *common.Hash `rlp:"nil"`
}

// Digest returns the BLAKE-256 hash of the canonical encoding of v,
// the value Schnorr signatures over a vote are computed against.
func (v VoteOn) Digest() (common.Hash, error) {
	encoded, err := rlp.EncodeToBytes(v)
	if err != nil {
		return common.Hash{}, err
	}
	return hashutil.Sum256(encoded), nil
}

// ConsensusMessage is a signed vote: a VoteOn plus the Schnorr
// signature over its digest and the index of the signer within the
// validator set at On.Step.Height.
type ConsensusMessage struct {
	On          VoteOn
	Signature   schnorr.Signature
	SignerIndex uint64
}

// NewVote builds and signs a ConsensusMessage.
func NewVote(step VoteStep, blockHash *common.Hash, signerIndex uint64, key schnorr.PrivateKey) (ConsensusMessage, error) {
	on := VoteOn{Step: step, BlockHash: blockHash}
	digest, err := on.Digest()
	if err != nil {
		return ConsensusMessage{}, err
	}
	sig, err := key.Sign(digest[:])
	if err != nil {
		return ConsensusMessage{}, err
	}
	return ConsensusMessage{On: on, Signature: sig, SignerIndex: signerIndex}, nil
}

// IsNil reports whether the vote is for the nil (no) block.
func (m ConsensusMessage) IsNil() bool { return m.On.BlockHash == nil }

// IsBroadcastable mirrors the teacher's Message.is_broadcastable: only
// prevotes and precommits are gossiped as standalone votes.
func (m ConsensusMessage) IsBroadcastable() bool { return m.On.Step.Step.IsPre() }

// Verify checks m's signature against pub using the canonical VoteOn digest.
func (m ConsensusMessage) Verify(pub schnorr.PublicKey) (bool, error) {
	digest, err := m.On.Digest()
	if err != nil {
		return false, err
	}
	return schnorr.Verify(pub, m.Signature, digest[:])
}
