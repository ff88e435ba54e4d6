package consensus

import "github.com/pkg/errors"

// Error kinds per the error handling design: per-message errors never
// interrupt the state machine, engine-fatal errors surface upward.
var (
	// ErrDecode marks a malformed wire payload; the message is dropped
	// and the sending peer may be penalized.
	ErrDecode = errors.New("consensus: malformed message")

	// ErrSignatureInvalid marks a vote or proposal whose signature does
	// not verify against the claimed signer; the message is dropped.
	ErrSignatureInvalid = errors.New("consensus: invalid signature")

	// ErrEquivocation marks two conflicting messages signed by the same
	// validator at the same VoteStep. Both messages are retained as
	// evidence; local consensus state is unaffected.
	ErrEquivocation = errors.New("consensus: equivocation detected")

	// ErrHeightMismatch marks a vote for a height other than the
	// current one. Below current height it is dropped silently; above
	// it is buffered for catch-up.
	ErrHeightMismatch = errors.New("consensus: height mismatch")

	// ErrImporter marks a block that failed to import.
	ErrImporter = errors.New("consensus: block import failed")

	// ErrFatal marks an unrecoverable condition (e.g. validator set
	// unavailable for the current height); the engine halts.
	ErrFatal = errors.New("consensus: fatal engine error")
)

// Wrap annotates err with msg while preserving errors.Is/As compatibility
// with the sentinel values above.
func Wrap(err error, msg string) error {
	return errors.Wrap(err, msg)
}
