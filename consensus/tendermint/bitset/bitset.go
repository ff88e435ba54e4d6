// Package bitset implements a compact set of validator indices, used
// to track which committee members have voted, which messages a peer
// already knows about, and which signer indices back a block seal.
package bitset

import (
	"io"
	"math/bits"

	"github.com/ethereum/go-ethereum/rlp"
)

// BitSet is a bitmap over validator indices 0..capacity-1. The zero
// value is an empty, zero-capacity BitSet; use New to reserve room for
// a known committee size, or decode one off the wire (capacity grows
// to fit whatever was encoded).
type BitSet struct {
	words []uint64
	count int
}

// New returns an empty BitSet able to hold indices in [0, capacity).
func New(capacity int) *BitSet {
	return &BitSet{words: make([]uint64, wordsFor(capacity))}
}

func wordsFor(capacity int) int {
	if capacity <= 0 {
		return 0
	}
	return (capacity + 63) / 64
}

func (b *BitSet) ensure(word int) {
	if word < len(b.words) {
		return
	}
	grown := make([]uint64, word+1)
	copy(grown, b.words)
	b.words = grown
}

// Set marks index i as present. It is a no-op if i was already set.
func (b *BitSet) Set(i int) {
	if i < 0 {
		return
	}
	w, off := i/64, uint(i%64)
	b.ensure(w)
	mask := uint64(1) << off
	if b.words[w]&mask != 0 {
		return
	}
	b.words[w] |= mask
	b.count++
}

// Contains reports whether index i is set.
func (b *BitSet) Contains(i int) bool {
	if i < 0 {
		return false
	}
	w, off := i/64, uint(i%64)
	if w >= len(b.words) {
		return false
	}
	return b.words[w]&(uint64(1)<<off) != 0
}

// Count returns the number of set indices.
func (b *BitSet) Count() int {
	if b == nil {
		return 0
	}
	return b.count
}

// TrueIndexIter calls f once for every set index in ascending order,
// stopping early if f returns false.
func (b *BitSet) TrueIndexIter(f func(index int) bool) {
	if b == nil {
		return
	}
	for wi, w := range b.words {
		for w != 0 {
			i := bits.TrailingZeros64(w)
			if !f(wi*64 + i) {
				return
			}
			w &= w - 1
		}
	}
}

// Indices returns every set index in ascending order.
func (b *BitSet) Indices() []int {
	out := make([]int, 0, b.Count())
	b.TrueIndexIter(func(i int) bool {
		out = append(out, i)
		return true
	})
	return out
}

// Union returns a new BitSet containing every index set in either a or b.
func Union(a, b *BitSet) *BitSet {
	n := len(a.words)
	if len(b.words) > n {
		n = len(b.words)
	}
	out := &BitSet{words: make([]uint64, n)}
	for i := 0; i < n; i++ {
		var aw, bw uint64
		if i < len(a.words) {
			aw = a.words[i]
		}
		if i < len(b.words) {
			bw = b.words[i]
		}
		out.words[i] = aw | bw
	}
	out.count = out.recount()
	return out
}

// AndNot returns the indices present in a but not in b (a AND NOT b),
// used to compute what a lagging peer still needs to request.
func AndNot(a, b *BitSet) *BitSet {
	out := &BitSet{words: make([]uint64, len(a.words))}
	for i := range a.words {
		var bw uint64
		if i < len(b.words) {
			bw = b.words[i]
		}
		out.words[i] = a.words[i] &^ bw
	}
	out.count = out.recount()
	return out
}

func (b *BitSet) recount() int {
	n := 0
	for _, w := range b.words {
		n += bits.OnesCount64(w)
	}
	return n
}

// bytes returns the little-endian byte encoding of the word array,
// trimmed of trailing zero bytes (RLP byte strings carry no padding).
func (b *BitSet) bytes() []byte {
	out := make([]byte, len(b.words)*8)
	for i, w := range b.words {
		for j := 0; j < 8; j++ {
			out[i*8+j] = byte(w >> (8 * j))
		}
	}
	for len(out) > 0 && out[len(out)-1] == 0 {
		out = out[:len(out)-1]
	}
	return out
}

func fromBytes(raw []byte) *BitSet {
	words := make([]uint64, (len(raw)+7)/8)
	for i, c := range raw {
		words[i/8] |= uint64(c) << uint(8*(i%8))
	}
	b := &BitSet{words: words}
	b.count = b.recount()
	return b
}

// EncodeRLP implements rlp.Encoder: a BitSet is a single byte string,
// the little-endian word bytes with trailing zero bytes trimmed.
func (b *BitSet) EncodeRLP(w io.Writer) error {
	return rlp.Encode(w, b.bytes())
}

// DecodeRLP implements rlp.Decoder.
func (b *BitSet) DecodeRLP(s *rlp.Stream) error {
	raw, err := s.Bytes()
	if err != nil {
		return err
	}
	*b = *fromBytes(raw)
	return nil
}
