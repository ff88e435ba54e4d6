package messages

import (
	"bytes"
	"io"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/golang/snappy"
	"github.com/pkg/errors"

	"github.com/HoOngEe/codechain/common"
	"github.com/HoOngEe/codechain/consensus/tendermint/bitset"
	"github.com/HoOngEe/codechain/consensus/tendermint/sortition"
	"github.com/HoOngEe/codechain/crypto/schnorr"
)

// Tag identifies the variant carried by a wire envelope.
type Tag byte

const (
	TagConsensusMessage Tag = 0x01
	TagProposalBlock    Tag = 0x02
	TagStepState        Tag = 0x03
	TagRequestMessage   Tag = 0x04
	TagRequestProposal  Tag = 0x05
)

// arity is the fixed RLP list length (tag included) for each message
// kind. Decoding rejects any envelope whose list length disagrees.
var arity = map[Tag]int{
	TagConsensusMessage: 2,
	TagProposalBlock:    6,
	TagStepState:        5,
	TagRequestMessage:   3,
	TagRequestProposal:  3,
}

// ErrUnknownTag is returned for an envelope whose tag byte is not one
// of the five known message kinds.
var ErrUnknownTag = errors.New("unknown message id detected")

// Envelope is anything that can be carried inside the wire envelope.
type Envelope interface {
	Tag() Tag
}

// ConsensusMessageBatch carries a batch of already-encoded
// ConsensusMessage byte strings, used to answer RequestMessage.
type ConsensusMessageBatch struct {
	Messages [][]byte
}

func (ConsensusMessageBatch) Tag() Tag { return TagConsensusMessage }

// ProposalBlock carries one proposed block, Snappy-compressed on the
// wire; Block always holds the uncompressed bytes once decoded. The
// block's hash is not carried explicitly: a receiver derives it from
// Block with hashutil.Sum256.
type ProposalBlock struct {
	Signature schnorr.Signature
	Height    uint64
	View      uint64
	Priority  sortition.PriorityMessage
	Block     []byte
}

func (ProposalBlock) Tag() Tag { return TagProposalBlock }

// StepState announces a validator's current round and what it knows,
// driving peer catch-up.
type StepState struct {
	VoteStep   VoteStep
	Proposal   *common.Hash
	LockView   *uint64
	KnownVotes *bitset.BitSet
}

func (StepState) Tag() Tag { return TagStepState }

// RequestMessage asks a peer for the ConsensusMessages in
// RequestedVotes that this node is missing for VoteStep.
type RequestMessage struct {
	VoteStep       VoteStep
	RequestedVotes *bitset.BitSet
}

func (RequestMessage) Tag() Tag { return TagRequestMessage }

// RequestProposal asks a peer to resend its proposal for (Height, View).
type RequestProposal struct {
	Height uint64
	View   uint64
}

func (RequestProposal) Tag() Tag { return TagRequestProposal }

// Encode serializes msg as a wire envelope: a list whose first element
// is the one-byte tag, followed by the tag-specific payload.
func Encode(w io.Writer, msg Envelope) error {
	switch m := msg.(type) {
	case *ConsensusMessageBatch:
		return rlp.Encode(w, []interface{}{m.Tag(), m.Messages})
	case *ProposalBlock:
		compressed := snappy.Encode(nil, m.Block)
		return rlp.Encode(w, []interface{}{m.Tag(), m.Signature, m.Height, m.View, m.Priority, compressed})
	case *StepState:
		return rlp.Encode(w, []interface{}{m.Tag(), m.VoteStep, m.Proposal, m.LockView, m.KnownVotes})
	case *RequestMessage:
		return rlp.Encode(w, []interface{}{m.Tag(), m.VoteStep, m.RequestedVotes})
	case *RequestProposal:
		return rlp.Encode(w, []interface{}{m.Tag(), m.Height, m.View})
	default:
		return errors.Errorf("messages: unsupported envelope type %T", msg)
	}
}

// EncodeToBytes is a convenience wrapper around Encode.
func EncodeToBytes(msg Envelope) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode parses a wire envelope, dispatching on its tag byte and
// rejecting any list whose length does not match the fixed arity for
// that tag.
func Decode(data []byte) (Envelope, error) {
	stream := rlp.NewStream(bytes.NewReader(data), 0)
	listSize, err := stream.List()
	if err != nil {
		return nil, errors.Wrap(err, "messages: decode envelope")
	}

	var tag Tag
	if err := stream.Decode(&tag); err != nil {
		return nil, errors.Wrap(err, "messages: decode tag")
	}

	wantArity, ok := arity[tag]
	if !ok {
		return nil, ErrUnknownTag
	}
	if listSize != uint64(wantArity) {
		return nil, errors.Errorf("messages: envelope tag %#x expects %d list items, got %d", tag, wantArity, listSize)
	}

	var result Envelope
	switch tag {
	case TagConsensusMessage:
		var m ConsensusMessageBatch
		if err := stream.Decode(&m.Messages); err != nil {
			return nil, errors.Wrap(err, "messages: decode consensus message batch")
		}
		result = &m
	case TagProposalBlock:
		var m ProposalBlock
		if err := stream.Decode(&m.Signature); err != nil {
			return nil, errors.Wrap(err, "messages: decode proposal signature")
		}
		if err := stream.Decode(&m.Height); err != nil {
			return nil, errors.Wrap(err, "messages: decode proposal height")
		}
		if err := stream.Decode(&m.View); err != nil {
			return nil, errors.Wrap(err, "messages: decode proposal view")
		}
		if err := stream.Decode(&m.Priority); err != nil {
			return nil, errors.Wrap(err, "messages: decode proposal priority")
		}
		var compressed []byte
		if err := stream.Decode(&compressed); err != nil {
			return nil, errors.Wrap(err, "messages: decode proposal body")
		}
		block, err := snappy.Decode(nil, compressed)
		if err != nil {
			return nil, errors.Wrap(err, "messages: snappy decompress proposal body")
		}
		m.Block = block
		result = &m
	case TagStepState:
		var m StepState
		if err := stream.Decode(&m.VoteStep); err != nil {
			return nil, errors.Wrap(err, "messages: decode step state vote step")
		}
		var proposal rlp.RawValue
		if err := stream.Decode(&proposal); err != nil {
			return nil, errors.Wrap(err, "messages: decode step state proposal")
		}
		if !bytes.Equal(proposal, rlp.EmptyString) {
			m.Proposal = new(common.Hash)
			if err := rlp.DecodeBytes(proposal, m.Proposal); err != nil {
				return nil, errors.Wrap(err, "messages: decode step state proposal")
			}
		}
		if err := stream.Decode(&m.LockView); err != nil {
			return nil, errors.Wrap(err, "messages: decode step state lock view")
		}
		var known bitset.BitSet
		if err := stream.Decode(&known); err != nil {
			return nil, errors.Wrap(err, "messages: decode step state known votes")
		}
		m.KnownVotes = &known
		result = &m
	case TagRequestMessage:
		var m RequestMessage
		if err := stream.Decode(&m.VoteStep); err != nil {
			return nil, errors.Wrap(err, "messages: decode request message vote step")
		}
		var requested bitset.BitSet
		if err := stream.Decode(&requested); err != nil {
			return nil, errors.Wrap(err, "messages: decode request message bitset")
		}
		m.RequestedVotes = &requested
		result = &m
	case TagRequestProposal:
		var m RequestProposal
		if err := stream.Decode(&m.Height); err != nil {
			return nil, errors.Wrap(err, "messages: decode request proposal height")
		}
		if err := stream.Decode(&m.View); err != nil {
			return nil, errors.Wrap(err, "messages: decode request proposal view")
		}
		result = &m
	}

	if err := stream.ListEnd(); err != nil {
		return nil, errors.Wrap(err, "messages: envelope list length mismatch")
	}

	return result, nil
}
