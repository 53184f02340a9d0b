// Package schnorrkey is a thin wrapper around decred's secp256k1 Schnorr
// implementation, used for the validator's signing key and fee key. Like
// internal/bls, it exists to give those identity fields a concrete,
// compilable type rather than to add any cryptographic novelty.
package schnorrkey

import (
	"crypto/rand"

	"github.com/cockroachdb/errors"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"
)

// PublicKey is a compressed secp256k1 public key.
type PublicKey struct {
	inner *secp256k1.PublicKey
}

// KeyPair is a signing identity: a secp256k1 private key and its public key.
type KeyPair struct {
	private *secp256k1.PrivateKey
	Public  PublicKey
}

// Generate creates a fresh random key pair.
func Generate() (*KeyPair, error) {
	priv, err := secp256k1.GeneratePrivateKeyFromRand(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "schnorrkey: generate private key")
	}
	return &KeyPair{private: priv, Public: PublicKey{inner: priv.PubKey()}}, nil
}

// Sign produces a Schnorr signature over a 32-byte message digest.
func (k *KeyPair) Sign(digest [32]byte) ([]byte, error) {
	sig, err := schnorr.Sign(k.private, digest[:])
	if err != nil {
		return nil, errors.Wrap(err, "schnorrkey: sign")
	}
	return sig.Serialize(), nil
}

// PrivateKeyFromBytes loads a key pair from a raw 32-byte private scalar.
func PrivateKeyFromBytes(b []byte) (*KeyPair, error) {
	if len(b) != 32 {
		return nil, errors.Newf("schnorrkey: private key must be 32 bytes, got %d", len(b))
	}
	priv := secp256k1.PrivKeyFromBytes(b)
	return &KeyPair{private: priv, Public: PublicKey{inner: priv.PubKey()}}, nil
}

// Verify checks a Schnorr signature over a 32-byte message digest.
func Verify(pk PublicKey, digest [32]byte, sig []byte) bool {
	if pk.inner == nil {
		return false
	}
	parsed, err := schnorr.ParseSignature(sig)
	if err != nil {
		return false
	}
	return parsed.Verify(digest[:], pk.inner)
}

// Bytes returns the compressed public key encoding.
func (pk PublicKey) Bytes() []byte {
	if pk.inner == nil {
		return nil
	}
	return pk.inner.SerializeCompressed()
}

// PublicKeyFromBytes parses a compressed public key.
func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	pk, err := secp256k1.ParsePubKey(b)
	if err != nil {
		return PublicKey{}, errors.Wrap(err, "schnorrkey: parse public key")
	}
	return PublicKey{inner: pk}, nil
}
