// Package schnorr wraps BIP-340 Schnorr signatures (secp256k1) for
// signing and verifying consensus votes and proposals. It is a thin
// adapter over btcec/v2/schnorr so the rest of the module only deals in
// fixed-size byte arrays, matching the wire format's fixed field widths.
package schnorr

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// SignatureSize is the fixed wire width of a Schnorr signature.
const SignatureSize = schnorr.SignatureSize

// Signature is a fixed-size BIP-340 Schnorr signature.
type Signature [SignatureSize]byte

// PublicKey is a 32-byte x-only secp256k1 public key.
type PublicKey [32]byte

// PrivateKey signs votes and proposals on behalf of one validator.
type PrivateKey struct {
	key *btcec.PrivateKey
}

func NewPrivateKey(key *btcec.PrivateKey) PrivateKey {
	return PrivateKey{key: key}
}

func (p PrivateKey) PublicKey() PublicKey {
	var pk PublicKey
	copy(pk[:], schnorr.SerializePubKey(p.key.PubKey()))
	return pk
}

// Sign produces a Schnorr signature over digest (expected to already be
// a 32-byte hash, per BIP-340).
func (p PrivateKey) Sign(digest []byte) (Signature, error) {
	sig, err := schnorr.Sign(p.key, digest)
	if err != nil {
		return Signature{}, fmt.Errorf("schnorr: sign: %w", err)
	}
	var out Signature
	copy(out[:], sig.Serialize())
	return out, nil
}

// Verify checks sig against digest under the given x-only public key.
func Verify(pub PublicKey, sig Signature, digest []byte) (bool, error) {
	parsedPub, err := schnorr.ParsePubKey(pub[:])
	if err != nil {
		return false, fmt.Errorf("schnorr: parse pubkey: %w", err)
	}
	parsedSig, err := schnorr.ParseSignature(sig[:])
	if err != nil {
		return false, fmt.Errorf("schnorr: parse signature: %w", err)
	}
	return parsedSig.Verify(digest, parsedPub), nil
}
