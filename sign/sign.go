/*
Package sign is the crypto adapter: keyed ed25519 signing for individual
votes, and threshold-BLS signing/aggregation (via kyber) for
quorum certificates. Spec-wise these are external collaborators (spec.md
§1); this package reconstructs the exact surface the rest of the module
calls into, the way the teacher's now-pruned sign package did.
*/
package sign

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
)

// ErrVerifyFailed is returned by the vote verifiers when VerifyEd25519
// reports that a signature does not validate; it is not itself treated as
// a fatal error by callers.
var ErrVerifyFailed = errors.New("sign: ed25519 signature verification failed")

// GenEd25519Keys creates a fresh ed25519 keypair for a replica.
func GenEd25519Keys() (ed25519.PrivateKey, ed25519.PublicKey) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}
	return priv, pub
}

// SignEd25519 signs data with priv. Used to sign votes before they go on
// the wire; blocks are not signed.
func SignEd25519(priv ed25519.PrivateKey, data []byte) []byte {
	return ed25519.Sign(priv, data)
}

// VerifyEd25519 checks sig against pub and data.
func VerifyEd25519(pub ed25519.PublicKey, data []byte, sig []byte) (bool, error) {
	if len(pub) != ed25519.PublicKeySize {
		return false, errors.New("sign: malformed public key")
	}
	return ed25519.Verify(pub, data, sig), nil
}
