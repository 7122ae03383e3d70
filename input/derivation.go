package input

import (
	"crypto/sha256"
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
)

// ErrPubKeyNot33Bytes is returned when a serialized pubkey isn't the expected
// compressed length.
var ErrPubKeyNot33Bytes = errors.New("pubkey must be 33 bytes")

// PubKeyHash returns the bitcoin hash (sha256 + ripemd160) of the compressed
// serialization of the passed public key.
func PubKeyHash(key *btcec.PublicKey) []byte {
	return btcutil.Hash160(key.SerializeCompressed())
}

// SingleTweakBytes computes the single tweak used throughout the revocation
// key derivation: sha256(base || commitPoint).
func SingleTweakBytes(base, commitPoint *btcec.PublicKey) []byte {
	h := sha256.New()
	h.Write(base.SerializeCompressed())
	h.Write(commitPoint.SerializeCompressed())
	return h.Sum(nil)
}

// DeriveRevocationPubkey derives the revocation public key guarding the
// punishment clauses of a particular commitment state, given the punisher's
// static revocation basepoint and the commitment owner's per-commitment
// point.
//
// The derivation is performed as follows:
//
//	revokeKey := revokeBase * sha256(revokeBase || commitPoint) +
//	             commitPoint * sha256(commitPoint || revokeBase)
//
// Neither party alone knows the matching private key: it requires both the
// punisher's basepoint secret and the owner's per-commitment secret. Only
// once the owner reveals that secret during revocation does the punisher
// gain the ability to sign with the revocation key.
func DeriveRevocationPubkey(revokeBase,
	commitPoint *btcec.PublicKey) *btcec.PublicKey {

	revokeTweakScalar := new(btcec.ModNScalar)
	revokeTweakScalar.SetByteSlice(SingleTweakBytes(revokeBase, commitPoint))

	commitTweakScalar := new(btcec.ModNScalar)
	commitTweakScalar.SetByteSlice(SingleTweakBytes(commitPoint, revokeBase))

	var (
		revokeBaseJ  btcec.JacobianPoint
		commitPointJ btcec.JacobianPoint
	)
	revokeBase.AsJacobian(&revokeBaseJ)
	commitPoint.AsJacobian(&commitPointJ)

	// revokeHalf = revokeBase * sha256(revokeBase || commitPoint)
	var revokeHalf btcec.JacobianPoint
	btcec.ScalarMultNonConst(revokeTweakScalar, &revokeBaseJ, &revokeHalf)

	// commitHalf = commitPoint * sha256(commitPoint || revokeBase)
	var commitHalf btcec.JacobianPoint
	btcec.ScalarMultNonConst(commitTweakScalar, &commitPointJ, &commitHalf)

	// P = revokeHalf + commitHalf
	var revocationKeyJ btcec.JacobianPoint
	btcec.AddNonConst(&revokeHalf, &commitHalf, &revocationKeyJ)
	revocationKeyJ.ToAffine()

	return btcec.NewPublicKey(&revocationKeyJ.X, &revocationKeyJ.Y)
}

// DeriveRevocationPrivKey derives the private key matching the revocation
// public key of a revoked commitment, given the punisher's revocation
// basepoint secret and the revealed per-commitment secret:
//
//	revokePriv := revokeBasePriv * sha256(revokeBase || commitPoint) +
//	              commitSecret * sha256(commitPoint || revokeBase)  mod N
func DeriveRevocationPrivKey(revokeBasePriv,
	commitSecret *btcec.PrivateKey) *btcec.PrivateKey {

	revokeTweakScalar := new(btcec.ModNScalar)
	revokeTweakScalar.SetByteSlice(SingleTweakBytes(
		revokeBasePriv.PubKey(), commitSecret.PubKey(),
	))

	commitTweakScalar := new(btcec.ModNScalar)
	commitTweakScalar.SetByteSlice(SingleTweakBytes(
		commitSecret.PubKey(), revokeBasePriv.PubKey(),
	))

	revokeHalf := revokeTweakScalar.Mul(&revokeBasePriv.Key)
	commitHalf := commitTweakScalar.Mul(&commitSecret.Key)

	revocationPriv := new(btcec.ModNScalar).Set(revokeHalf).Add(commitHalf)

	var privBytes [32]byte
	revocationPriv.PutBytes(&privBytes)
	priv, _ := btcec.PrivKeyFromBytes(privBytes[:])

	return priv
}

// ComputeCommitmentPoint generates the commitment point matching a
// per-commitment secret.
func ComputeCommitmentPoint(commitSecret []byte) *btcec.PublicKey {
	priv, _ := btcec.PrivKeyFromBytes(commitSecret)
	return priv.PubKey()
}
