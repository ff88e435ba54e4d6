// Package sortition carries the VRF-derived proposer priority glue:
// the wire representation of a priority claim and its ordering, but
// not the VRF primitive itself (an injected external collaborator,
// see consensus.VRF).
package sortition

import (
	"io"

	"github.com/ethereum/go-ethereum/rlp"
)

// Priority ranks candidate proposers within a view; highest wins.
type Priority uint64

// Less reports whether p is a lower priority than other.
func (p Priority) Less(other Priority) bool { return p < other }

// SeedInfo is the VRF seed material a PriorityMessage was derived
// from, carried on the wire so late joiners can verify priorities
// without recomputing the whole sortition history.
type SeedInfo struct {
	Seed  []byte
	Proof []byte
}

// PriorityMessage is a VRF output claiming a given priority for its
// signer at a specific height/view, together with the proof needed to
// verify it against the current seed.
type PriorityMessage struct {
	PriorityValue Priority
	Proof         []byte
}

// Priority returns the claimed priority.
func (m PriorityMessage) Priority() Priority { return m.PriorityValue }

// Verify delegates to the injected VRF collaborator to check that m is
// a valid priority claim for signer under seed at (height, view). The
// VRF primitive is out of scope for this module; vrf is any type
// satisfying the minimal interface below.
func (m PriorityMessage) Verify(vrf VRF, seed SeedInfo, height, view uint64, signer []byte) (bool, error) {
	return vrf.Verify(seed, height, view, signer, m)
}

// VRF is the subset of consensus.VRF that sortition needs to verify a
// claimed priority; declared locally to avoid an import cycle with the
// top-level consensus package, which embeds this interface. Its single
// method's signature matches consensus.VRF.Verify exactly so any
// consensus.VRF value satisfies this interface without an adapter.
type VRF interface {
	Verify(seed SeedInfo, height, view uint64, signer []byte, msg PriorityMessage) (bool, error)
}

type rlpPriorityMessage struct {
	PriorityValue uint64
	Proof         []byte
}

// EncodeRLP implements rlp.Encoder.
func (m PriorityMessage) EncodeRLP(w io.Writer) error {
	return rlp.Encode(w, rlpPriorityMessage{
		PriorityValue: uint64(m.PriorityValue),
		Proof:         m.Proof,
	})
}

// DecodeRLP implements rlp.Decoder.
func (m *PriorityMessage) DecodeRLP(s *rlp.Stream) error {
	var raw rlpPriorityMessage
	if err := s.Decode(&raw); err != nil {
		return err
	}
	m.PriorityValue = Priority(raw.PriorityValue)
	m.Proof = raw.Proof
	if len(m.Proof) == 0 {
		m.Proof = nil
	}
	return nil
}

func (s SeedInfo) EncodeRLP(w io.Writer) error {
	return rlp.Encode(w, []interface{}{s.Seed, s.Proof})
}

func (s *SeedInfo) DecodeRLP(stream *rlp.Stream) error {
	var raw struct {
		Seed  []byte
		Proof []byte
	}
	if err := stream.Decode(&raw); err != nil {
		return err
	}
	s.Seed, s.Proof = raw.Seed, raw.Proof
	return nil
}
