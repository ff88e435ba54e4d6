// Package messages implements the wire codec: every structure the
// validators exchange, encoded with the chain's recursive
// length-prefixed list convention (RLP).
package messages

// Step is the phase within a view. Encoded as a single byte.
type Step uint8

const (
	Propose Step = iota
	Prevote
	Precommit
	Commit
)

func (s Step) String() string {
	switch s {
	case Propose:
		return "propose"
	case Prevote:
		return "prevote"
	case Precommit:
		return "precommit"
	case Commit:
		return "commit"
	default:
		return "unknown"
	}
}

// IsPre reports whether s is Prevote or Precommit, the two steps whose
// votes are broadcastable to the rest of the committee.
func (s Step) IsPre() bool {
	return s == Prevote || s == Precommit
}

// VoteStep identifies the round of consensus a vote belongs to:
// (height, view, step), totally ordered lexicographically.
type VoteStep struct {
	Height uint64
	View   uint64
	Step   Step
}

// NewVoteStep builds a VoteStep.
func NewVoteStep(height, view uint64, step Step) VoteStep {
	return VoteStep{Height: height, View: view, Step: step}
}

// IsStep reports whether vs matches the given (height, view, step).
func (vs VoteStep) IsStep(height, view uint64, step Step) bool {
	return vs.Height == height && vs.View == view && vs.Step == step
}

// Less reports whether vs sorts strictly before other:
// (height, view, step.number) in lexicographic order.
func (vs VoteStep) Less(other VoteStep) bool {
	if vs.Height != other.Height {
		return vs.Height < other.Height
	}
	if vs.View != other.View {
		return vs.View < other.View
	}
	return vs.Step < other.Step
}

// Compare returns -1, 0, or 1 as vs is less than, equal to, or greater
// than other.
func (vs VoteStep) Compare(other VoteStep) int {
	switch {
	case vs.Less(other):
		return -1
	case other.Less(vs):
		return 1
	default:
		return 0
	}
}
