// Package seal implements the read-only structured view over a block's
// Tendermint seal fields, and the writable form used to build one,
// grounded on TendermintSealView from original_source's
// core/src/consensus/tendermint/types.rs.
package seal

import (
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/pkg/errors"

	"github.com/HoOngEe/codechain/consensus/tendermint/bitset"
	"github.com/HoOngEe/codechain/consensus/tendermint/sortition"
	"github.com/HoOngEe/codechain/crypto/schnorr"
)

// fieldCount is the number of seal slots without a VRF seed; withVRF
// is the count when one is present.
const (
	fieldCount = 4
	withVRF    = 5
)

// View is a read-only accessor over a block's seal fields, each an
// independently RLP-encoded byte string as stored on the block header.
type View struct {
	fields [][]byte
}

// NewView wraps fields, the raw seal slots taken off a block header.
// Decoding a field is deferred until the matching accessor is called,
// matching the teacher's lazy Rlp::new-per-field style.
func NewView(fields [][]byte) (*View, error) {
	if len(fields) != fieldCount && len(fields) != withVRF {
		return nil, errors.Errorf("seal: expected %d or %d fields, got %d", fieldCount, withVRF, len(fields))
	}
	return &View{fields: fields}, nil
}

func (v *View) field(i int) []byte {
	return v.fields[i]
}

// ParentBlockFinalizedView is the view at which the parent block was
// finalized. The precommit signatures in this seal are for this block
// and were signed at AuthorView, not at this view.
func (v *View) ParentBlockFinalizedView() (uint64, error) {
	var view uint64
	if err := rlp.DecodeBytes(v.field(0), &view); err != nil {
		return 0, errors.Wrap(err, "seal: decode parent_block_finalized_view")
	}
	return view, nil
}

// AuthorView is the view at which this block was authored.
func (v *View) AuthorView() (uint64, error) {
	var view uint64
	if err := rlp.DecodeBytes(v.field(1), &view); err != nil {
		return 0, errors.Wrap(err, "seal: decode author_view")
	}
	return view, nil
}

// BitSet returns the signer-index set backing the precommits.
func (v *View) BitSet() (*bitset.BitSet, error) {
	var bs bitset.BitSet
	if err := rlp.DecodeBytes(v.field(3), &bs); err != nil {
		return nil, errors.Wrap(err, "seal: decode bitset")
	}
	return &bs, nil
}

// Precommits returns the raw list of encoded Schnorr signatures,
// without pairing them to signer indices; see Signatures.
func (v *View) Precommits() ([]schnorr.Signature, error) {
	var sigs []schnorr.Signature
	if err := rlp.DecodeBytes(v.field(2), &sigs); err != nil {
		return nil, errors.Wrap(err, "seal: decode precommits")
	}
	return sigs, nil
}

// IndexedSignature pairs a signer index with its precommit signature.
type IndexedSignature struct {
	Index     int
	Signature schnorr.Signature
}

// Signatures pairs every precommit signature with its signer index by
// walking the BitSet in ascending order. The caller is expected to
// have verified bitset.Count() == len(precommits) during basic block
// verification; a mismatch here is reported rather than panicking.
func (v *View) Signatures() ([]IndexedSignature, error) {
	bs, err := v.BitSet()
	if err != nil {
		return nil, err
	}
	sigs, err := v.Precommits()
	if err != nil {
		return nil, err
	}
	if bs.Count() != len(sigs) {
		return nil, errors.Errorf("seal: bitset count %d does not match precommit count %d", bs.Count(), len(sigs))
	}

	out := make([]IndexedSignature, 0, len(sigs))
	i := 0
	bs.TrueIndexIter(func(index int) bool {
		out = append(out, IndexedSignature{Index: index, Signature: sigs[i]})
		i++
		return true
	})
	return out, nil
}

// HasVRFSeedInfo reports whether this seal carries a fifth,
// VRF-sortition field.
func (v *View) HasVRFSeedInfo() bool {
	return len(v.fields) == withVRF
}

// VRFSeedInfo decodes the optional fifth field.
func (v *View) VRFSeedInfo() (sortition.SeedInfo, error) {
	if !v.HasVRFSeedInfo() {
		return sortition.SeedInfo{}, errors.New("seal: no vrf_seed_info field present")
	}
	var info sortition.SeedInfo
	if err := rlp.DecodeBytes(v.field(4), &info); err != nil {
		return sortition.SeedInfo{}, errors.Wrap(err, "seal: decode vrf_seed_info")
	}
	return info, nil
}

// Seal is the writable counterpart to View, built by the engine once a
// block's precommit quorum is known and serialized onto the header's
// seal fields.
type Seal struct {
	ParentBlockFinalizedView uint64
	AuthorView               uint64
	Signatures               []schnorr.Signature
	Signers                  *bitset.BitSet
	VRFSeedInfo              *sortition.SeedInfo
}

// Fields encodes s into the raw seal-field slices a block header
// stores, in the same order View expects to read them back.
func (s Seal) Fields() ([][]byte, error) {
	parentView, err := rlp.EncodeToBytes(s.ParentBlockFinalizedView)
	if err != nil {
		return nil, err
	}
	authorView, err := rlp.EncodeToBytes(s.AuthorView)
	if err != nil {
		return nil, err
	}
	sigs, err := rlp.EncodeToBytes(s.Signatures)
	if err != nil {
		return nil, err
	}
	bs, err := rlp.EncodeToBytes(s.Signers)
	if err != nil {
		return nil, err
	}

	fields := [][]byte{parentView, authorView, sigs, bs}
	if s.VRFSeedInfo != nil {
		seed, err := rlp.EncodeToBytes(*s.VRFSeedInfo)
		if err != nil {
			return nil, err
		}
		fields = append(fields, seed)
	}
	return fields, nil
}
