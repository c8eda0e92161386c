package subinode

import (
	"crypto/sha256"

	"github.com/SubiPlatform/SubiCore/errors"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// Signer is the C1 signing oracle: derive a keypair from a secret, sign
// a byte string, and verify a signature against a public key. It keeps
// no state of its own — key material lives with whoever calls it
// (UnlockedWallet for the active-self path, or a test fixture).
type Signer struct{}

func NewSigner() *Signer {
	return &Signer{}
}

// Derive produces a keypair from an arbitrary secret, the same
// deterministic-from-seed pattern the decred stack uses for HD wallets:
// the secret is hashed down to a 32-byte scalar and reduced mod the
// curve order.
func (s *Signer) Derive(secret []byte) (PubKey, *secp256k1.PrivateKey, error) {
	if len(secret) == 0 {
		return nil, nil, errors.New(errors.ERR_INVALID_ARGUMENT, "signer: empty secret")
	}

	seed := sha256.Sum256(secret)

	priv := secp256k1.PrivKeyFromBytes(seed[:])
	if priv == nil {
		return nil, nil, errors.New(errors.ERR_INVALID_ARGUMENT, "signer: malformed secret")
	}

	pub := priv.PubKey().SerializeCompressed()

	return PubKey(pub), priv, nil
}

// Sign produces a deterministic (RFC6979) ECDSA signature over msg.
func (s *Signer) Sign(msg []byte, priv *secp256k1.PrivateKey) Signature {
	digest := sha256.Sum256(msg)
	sig := ecdsa.Sign(priv, digest[:])

	return Signature(sig.Serialize())
}

// Verify checks sig against msg under pub.
func (s *Signer) Verify(pub PubKey, sig Signature, msg []byte) bool {
	pk, err := secp256k1.ParsePubKey(pub)
	if err != nil {
		return false
	}

	parsed, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return false
	}

	digest := sha256.Sum256(msg)

	return parsed.Verify(digest[:], pk)
}

func sha256Sum20(b []byte) []byte {
	h := sha256.Sum256(b)
	return h[:20]
}

func sha256Sum32(b []byte) [32]byte {
	return sha256.Sum256(b)
}
