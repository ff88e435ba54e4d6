// Package hashutil provides the digest construction ConsensusMessage
// signatures are computed over: a 256-bit BLAKE2b hash of the canonical
// RLP encoding of a vote.
package hashutil

import (
	"golang.org/x/crypto/blake2b"

	"github.com/HoOngEe/codechain/common"
)

// Sum256 returns the Blake2b-256 digest of data, used wherever the
// protocol calls for "BLAKE-256 of the canonical encoding".
func Sum256(data []byte) common.Hash {
	return blake2b.Sum256(data)
}
