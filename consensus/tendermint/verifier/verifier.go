// Package verifier checks consensus message signatures against a
// height-scoped validator set, grounded on the signature-checking
// path of the teacher's handler.go (CheckMessage) generalized to a
// pluggable DynamicValidator collaborator.
package verifier

import (
	"github.com/pkg/errors"

	"github.com/HoOngEe/codechain/common"
	"github.com/HoOngEe/codechain/consensus"
	"github.com/HoOngEe/codechain/consensus/tendermint/messages"
	"github.com/HoOngEe/codechain/crypto/schnorr"
)

// ErrSignerIndex is returned when a message names a signer index
// outside the committee bounds for its height.
var ErrSignerIndex = errors.New("verifier: signer index out of committee bounds")

// MessageVerifier checks ConsensusMessage signatures against the
// committee in effect at the message's height.
type MessageVerifier struct {
	validators consensus.DynamicValidator
}

// New returns a MessageVerifier backed by validators.
func New(validators consensus.DynamicValidator) *MessageVerifier {
	return &MessageVerifier{validators: validators}
}

// VerifyConsensusMessage checks m's signature against the public key
// of m.SignerIndex within the committee active at m.On.Step.Height.
// A bad signature or an out-of-range index is fatal for this message
// only, never for the connection it arrived on.
func (v *MessageVerifier) VerifyConsensusMessage(m messages.ConsensusMessage) error {
	height := m.On.Step.Height

	view, err := v.validators.At(height)
	if err != nil {
		return errors.Wrap(err, "verifier: committee snapshot")
	}
	if m.SignerIndex >= uint64(view.Count()) {
		return ErrSignerIndex
	}

	pub, err := view.PublicKey(m.SignerIndex)
	if err != nil {
		return errors.Wrap(err, "verifier: committee public key")
	}

	ok, err := m.Verify(pub)
	if err != nil {
		return errors.Wrap(err, "verifier: signature check")
	}
	if !ok {
		return errors.Wrap(consensus.ErrSignatureInvalid, "verifier: consensus message")
	}
	return nil
}

// VerifyProposalSignature checks a proposal's signature, signed by the
// committee member at proposerIndex over digest per the engine's fixed
// signing scheme (the digest of a VoteOn for (height, view, Propose)
// with no block hash).
func (v *MessageVerifier) VerifyProposalSignature(height, proposerIndex uint64, digest common.Hash, sig schnorr.Signature) error {
	view, err := v.validators.At(height)
	if err != nil {
		return errors.Wrap(err, "verifier: committee snapshot")
	}
	if proposerIndex >= uint64(view.Count()) {
		return ErrSignerIndex
	}
	pub, err := view.PublicKey(proposerIndex)
	if err != nil {
		return errors.Wrap(err, "verifier: committee public key")
	}
	ok, err := schnorr.Verify(pub, sig, digest[:])
	if err != nil {
		return errors.Wrap(err, "verifier: signature check")
	}
	if !ok {
		return errors.Wrap(consensus.ErrSignatureInvalid, "verifier: proposal")
	}
	return nil
}
