// Package bls is a thin wrapper around blst giving the validator types a
// concrete voting-key implementation. It does not reimplement any BLS
// math; it only adapts blst's API to the shapes internal/validator needs.
package bls

import (
	"github.com/cockroachdb/errors"
	blst "github.com/supranational/blst/bindings/go"
)

const dst = "EQUA-VALIDATOR-BLS-SIG-V1"

// PublicKey is a compressed BLS12-381 G1 public key.
type PublicKey struct {
	inner *blst.P1Affine
}

// Signature is a compressed BLS12-381 G2 signature.
type Signature struct {
	inner *blst.P2Affine
}

// KeyPair is a BLS voting identity: a secret key and its derived public key.
type KeyPair struct {
	secret *blst.SecretKey
	Public PublicKey
}

// GenerateKeyPair derives a KeyPair from 32 bytes of secret key material.
// The caller is responsible for sourcing ikm from a secure RNG.
func GenerateKeyPair(ikm [32]byte) (*KeyPair, error) {
	sk := blst.KeyGen(ikm[:])
	if sk == nil {
		return nil, errors.New("bls: key generation failed")
	}
	pk := new(blst.P1Affine).From(sk)
	return &KeyPair{secret: sk, Public: PublicKey{inner: pk}}, nil
}

// Sign produces a signature over msg under this key pair.
func (k *KeyPair) Sign(msg []byte) Signature {
	sig := new(blst.P2Affine).Sign(k.secret, msg, []byte(dst))
	return Signature{inner: sig}
}

// Verify checks that sig is a valid signature over msg under pk.
func Verify(pk PublicKey, msg []byte, sig Signature) bool {
	if pk.inner == nil || sig.inner == nil {
		return false
	}
	return sig.inner.Verify(true, pk.inner, true, msg, []byte(dst))
}

// Aggregate combines signatures into a single aggregate signature. It
// mirrors TendermintContribution.combine's use of BLS aggregation: the
// caller is responsible for ensuring the contributor sets do not overlap.
func Aggregate(sigs []Signature) (Signature, error) {
	if len(sigs) == 0 {
		return Signature{}, errors.New("bls: cannot aggregate zero signatures")
	}
	agg := new(blst.P2Aggregate)
	raw := make([]*blst.P2Affine, 0, len(sigs))
	for _, s := range sigs {
		if s.inner == nil {
			return Signature{}, errors.New("bls: nil signature in aggregate set")
		}
		raw = append(raw, s.inner)
	}
	if !agg.Aggregate(raw, true) {
		return Signature{}, errors.New("bls: aggregation failed")
	}
	return Signature{inner: agg.ToAffine()}, nil
}

// AggregateVerify checks an aggregate signature against the matching slice
// of public keys and messages (one message per signer, as Tendermint votes
// may differ by nil-vs-proposal-hash).
func AggregateVerify(pks []PublicKey, msgs [][]byte, sig Signature) bool {
	if len(pks) != len(msgs) || len(pks) == 0 || sig.inner == nil {
		return false
	}
	rawPks := make([]*blst.P1Affine, len(pks))
	for i, pk := range pks {
		if pk.inner == nil {
			return false
		}
		rawPks[i] = pk.inner
	}
	return sig.inner.AggregateVerify(true, rawPks, true, msgs, []byte(dst))
}

// Bytes returns the compressed serialization of the public key.
func (pk PublicKey) Bytes() []byte {
	if pk.inner == nil {
		return nil
	}
	return pk.inner.Compress()
}

// Bytes returns the compressed serialization of the signature.
func (s Signature) Bytes() []byte {
	if s.inner == nil {
		return nil
	}
	return s.inner.Compress()
}

// PublicKeyFromBytes decompresses a public key.
func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	pk := new(blst.P1Affine).Uncompress(b)
	if pk == nil {
		return PublicKey{}, errors.Newf("bls: invalid public key bytes (len %d)", len(b))
	}
	return PublicKey{inner: pk}, nil
}

// SignatureFromBytes decompresses a signature.
func SignatureFromBytes(b []byte) (Signature, error) {
	sig := new(blst.P2Affine).Uncompress(b)
	if sig == nil {
		return Signature{}, errors.Newf("bls: invalid signature bytes (len %d)", len(b))
	}
	return Signature{inner: sig}, nil
}
