package messages

import (
	"io"

	"github.com/ethereum/go-ethereum/rlp"

	"github.com/HoOngEe/codechain/common"
	"github.com/HoOngEe/codechain/consensus/tendermint/bitset"
	"github.com/HoOngEe/codechain/consensus/tendermint/sortition"
	"github.com/HoOngEe/codechain/crypto/schnorr"
)

// ProposalInfo is one candidate proposal at a height: its block hash,
// the priority claim that ranked it, the encoded block body, the
// proposer's signature, and whether it has been imported yet.
//
// Whether is_imported should reset when the same block is re-proposed
// at a later view is left unspecified upstream; this implementation
// never clears it once set (see SPEC_FULL.md §9).
type ProposalInfo struct {
	BlockHash       common.Hash
	View            uint64
	ProposerIndex   uint64
	PriorityMessage sortition.PriorityMessage
	Block           []byte
	Signature       schnorr.Signature
	IsImported      bool
}

// Proposal stores ProposalInfo entries in priority order, highest
// first; ties are broken by arrival order (insertion at head).
type Proposal struct {
	infos []ProposalInfo
}

// NewProposal returns an empty Proposal store.
func NewProposal() *Proposal {
	return &Proposal{}
}

// NewHighest prepends a proposal the caller guarantees is the highest
// priority seen so far at this height. view and proposerIndex record
// who made the claim and at which view, so it can later be checked
// against the VRF seed it was supposedly derived from.
func (p *Proposal) NewHighest(blockHash common.Hash, view, proposerIndex uint64, priority sortition.PriorityMessage, block []byte, sig schnorr.Signature) {
	info := ProposalInfo{
		BlockHash:       blockHash,
		View:            view,
		ProposerIndex:   proposerIndex,
		PriorityMessage: priority,
		Block:           block,
		Signature:       sig,
	}
	p.infos = append([]ProposalInfo{info}, p.infos...)
}

// HighestProposalInfo returns the highest-priority entry, if any.
func (p *Proposal) HighestProposalInfo() (ProposalInfo, bool) {
	if len(p.infos) == 0 {
		return ProposalInfo{}, false
	}
	return p.infos[0], true
}

// HighestPriority returns the priority of the highest-ranked proposal.
func (p *Proposal) HighestPriority() (sortition.Priority, bool) {
	info, ok := p.HighestProposalInfo()
	if !ok {
		return 0, false
	}
	return info.PriorityMessage.Priority(), true
}

// NewImported flips is_imported on the matching entry, returning
// whether a match was found.
func (p *Proposal) NewImported(blockHash common.Hash) bool {
	for i := range p.infos {
		if p.infos[i].BlockHash == blockHash {
			p.infos[i].IsImported = true
			return true
		}
	}
	return false
}

// BlockHash returns the highest-priority hash regardless of import state.
func (p *Proposal) BlockHash() (common.Hash, bool) {
	info, ok := p.HighestProposalInfo()
	if !ok {
		return common.Hash{}, false
	}
	return info.BlockHash, true
}

// ImportedBlockHash returns the first entry whose is_imported is true;
// this may differ from BlockHash if a higher-priority proposal has not
// yet finished importing.
func (p *Proposal) ImportedBlockHash() (common.Hash, bool) {
	info, ok := p.ImportedProposalInfo()
	return info.BlockHash, ok
}

// ImportedProposalInfo returns the full entry for the first imported
// proposal, so a caller can recheck its priority claim (signer, view,
// proof) rather than just its hash.
func (p *Proposal) ImportedProposalInfo() (ProposalInfo, bool) {
	for _, info := range p.infos {
		if info.IsImported {
			return info, true
		}
	}
	return ProposalInfo{}, false
}

// Len reports the number of stored proposals.
func (p *Proposal) Len() int { return len(p.infos) }

// All returns the stored entries, highest priority first. The slice
// must not be mutated by the caller.
func (p *Proposal) All() []ProposalInfo { return p.infos }

// PeerState is a per-peer remote view summary, exchanged via the
// StepState wire message to drive vote/proposal catch-up.
type PeerState struct {
	VoteStep VoteStep
	Priority *sortition.Priority
	Proposal *common.Hash
	Messages *bitset.BitSet
}

// NewPeerState returns a PeerState reset to height 0, view 0, Propose.
func NewPeerState() PeerState {
	return PeerState{
		VoteStep: NewVoteStep(0, 0, Propose),
		Messages: bitset.New(0),
	}
}

// EncodeRLP implements rlp.Encoder: a Proposal is just its entries,
// highest priority first.
func (p *Proposal) EncodeRLP(w io.Writer) error {
	return rlp.Encode(w, p.infos)
}

// DecodeRLP implements rlp.Decoder.
func (p *Proposal) DecodeRLP(s *rlp.Stream) error {
	var infos []ProposalInfo
	if err := s.Decode(&infos); err != nil {
		return err
	}
	p.infos = infos
	return nil
}
