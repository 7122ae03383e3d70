package input

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// RawWitnessSig produces a DER encoded signature, with the hash type
// appended, for the witness script of input idx.
func RawWitnessSig(tx *wire.MsgTx, idx int, amt int64, witnessScript []byte,
	hashType txscript.SigHashType, priv *btcec.PrivateKey,
	fetcher txscript.PrevOutputFetcher) ([]byte, error) {

	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	return txscript.RawTxInWitnessSignature(
		tx, sigHashes, idx, amt, witnessScript, hashType, priv,
	)
}

// VerifyWitnessSig checks a signature produced by RawWitnessSig against the
// given public key.
func VerifyWitnessSig(tx *wire.MsgTx, idx int, amt int64,
	witnessScript []byte, hashType txscript.SigHashType, sig []byte,
	pub *btcec.PublicKey, fetcher txscript.PrevOutputFetcher) error {

	if len(sig) == 0 {
		return fmt.Errorf("empty signature")
	}

	// The final byte carries the hash type, the rest is the DER
	// signature proper.
	rawSig, sigHashType := sig[:len(sig)-1], txscript.SigHashType(
		sig[len(sig)-1],
	)
	if sigHashType != hashType {
		return fmt.Errorf("signature hash type %v, expected %v",
			sigHashType, hashType)
	}

	parsedSig, err := ecdsa.ParseDERSignature(rawSig)
	if err != nil {
		return err
	}

	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	sigHash, err := txscript.CalcWitnessSigHash(
		witnessScript, sigHashes, hashType, tx, idx, amt,
	)
	if err != nil {
		return err
	}

	if !parsedSig.Verify(sigHash, pub) {
		return fmt.Errorf("invalid commitment signature")
	}

	return nil
}
