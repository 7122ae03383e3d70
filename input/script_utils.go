package input

import (
	"bytes"
	"crypto/sha256"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// SequenceLockTimeDisabled is the sequence value that disables relative
// timelock enforcement for an input.
const SequenceLockTimeDisabled = wire.MaxTxInSequenceNum

// WitnessScriptHash generates a pay-to-witness-script-hash public key script
// paying to a version 0 witness program paying to the passed redeem script.
func WitnessScriptHash(witnessScript []byte) ([]byte, error) {
	bldr := txscript.NewScriptBuilder()

	bldr.AddOp(txscript.OP_0)
	scriptHash := sha256.Sum256(witnessScript)
	bldr.AddData(scriptHash[:])
	return bldr.Script()
}

// GenMultiSigScript generates the non-p2sh'd multisig script for 2 of 2
// pubkeys. The serialized pubkeys are sorted lexicographically so both
// parties derive the identical script.
func GenMultiSigScript(aPub, bPub []byte) ([]byte, error) {
	if len(aPub) != 33 || len(bPub) != 33 {
		return nil, ErrPubKeyNot33Bytes
	}

	// Swap to sort pubkeys if needed. Keys are sorted in lexicographic
	// order of their serialized form.
	if bytes.Compare(aPub, bPub) == 1 {
		aPub, bPub = bPub, aPub
	}

	bldr := txscript.NewScriptBuilder()
	bldr.AddOp(txscript.OP_2)
	bldr.AddData(aPub)
	bldr.AddData(bPub)
	bldr.AddOp(txscript.OP_2)
	bldr.AddOp(txscript.OP_CHECKMULTISIG)
	return bldr.Script()
}

// GenFundingPkScript creates a redeem script, and its matching p2wsh output
// for the funding transaction.
func GenFundingPkScript(aPub, bPub []byte) ([]byte, []byte, error) {
	witnessScript, err := GenMultiSigScript(aPub, bPub)
	if err != nil {
		return nil, nil, err
	}

	pkScript, err := WitnessScriptHash(witnessScript)
	if err != nil {
		return nil, nil, err
	}

	return witnessScript, pkScript, nil
}

// SpendMultiSig generates the witness stack required to redeem the 2-of-2
// p2wsh multi-sig output. The signatures are placed on the witness stack in
// the order required by the sorted pubkeys within the witness script.
func SpendMultiSig(witnessScript, pubA, sigA, pubB, sigB []byte) [][]byte {
	witness := make([][]byte, 4)

	// When spending a p2wsh multi-sig script, rather than an OP_0, we add
	// a nil stack element to eat the extra pop.
	witness[0] = nil

	// When initially generating the witnessScript, we sorted the serialized
	// public keys in lexicographic order. So we do a quick comparison in
	// order to ensure the signatures appear on the Script Virtual Machine
	// stack in the correct order.
	if bytes.Compare(pubA, pubB) == 1 {
		witness[1] = sigB
		witness[2] = sigA
	} else {
		witness[1] = sigA
		witness[2] = sigB
	}
	witness[3] = witnessScript

	return witness
}

// CommitScriptToSelf constructs the public key script for the to_local output
// of a commitment transaction. The output has two spending paths: one that
// pays the owner of the commitment after csvTimeout blocks, and one that pays
// the counterparty immediately if it holds the revocation key for this state.
//
// Possible Input Scripts:
//
//	REVOKE: <sig> 1
//	SELF:   <sig> <emptyvector>
//
// Output Script:
//
//	OP_IF
//	    <revokeKey>
//	OP_ELSE
//	    <csvTimeout> OP_CHECKSEQUENCEVERIFY OP_DROP
//	    <selfKey>
//	OP_ENDIF
//	OP_CHECKSIG
func CommitScriptToSelf(csvTimeout uint32, selfKey,
	revokeKey *btcec.PublicKey) ([]byte, error) {

	builder := txscript.NewScriptBuilder()

	builder.AddOp(txscript.OP_IF)
	builder.AddData(revokeKey.SerializeCompressed())
	builder.AddOp(txscript.OP_ELSE)
	builder.AddInt64(int64(csvTimeout))
	builder.AddOp(txscript.OP_CHECKSEQUENCEVERIFY)
	builder.AddOp(txscript.OP_DROP)
	builder.AddData(selfKey.SerializeCompressed())
	builder.AddOp(txscript.OP_ENDIF)
	builder.AddOp(txscript.OP_CHECKSIG)

	return builder.Script()
}

// CommitScriptUnencumbered constructs the public key script on the commitment
// transaction paying to the "other" party. The output is a simple p2wkh
// output, spendable immediately and requiring no contestation period.
func CommitScriptUnencumbered(key *btcec.PublicKey) ([]byte, error) {
	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_0)
	builder.AddData(PubKeyHash(key))

	return builder.Script()
}

// CommitSpendRevoke constructs the witness spending the revocation clause of
// a to_local output, given a signature under the revocation key.
func CommitSpendRevoke(revokeSig, witnessScript []byte) [][]byte {
	witness := make([][]byte, 3)
	witness[0] = revokeSig
	witness[1] = []byte{1}
	witness[2] = witnessScript

	return witness
}

// CommitSpendTimeout constructs the witness spending the delayed claim clause
// of a to_local output. The spending transaction must set the input sequence
// to the csv delay.
func CommitSpendTimeout(selfSig, witnessScript []byte) [][]byte {
	witness := make([][]byte, 3)
	witness[0] = selfSig
	witness[1] = nil
	witness[2] = witnessScript

	return witness
}

// HtlcScript generates the witness script for an HTLC output within a
// commitment transaction. All HTLC outputs share the same structure,
// parameterized by which party may claim by preimage (the receiver) and
// which reclaims after the absolute cltvExpiry deadline (the sender). The
// revocation key always takes priority, enabling punishment of a revoked
// commitment that carried this output.
//
// Possible Input Scripts:
//
//	PREIMAGE: <receiverSig> <preimage> 1
//	REVOKE:   <revokeSig> 1 0
//	TIMEOUT:  <senderSig> 0 0
//
// Output Script:
//
//	OP_IF
//	    OP_SIZE 32 OP_EQUALVERIFY
//	    OP_SHA256 <paymentHash> OP_EQUALVERIFY
//	    <receiverKey> OP_CHECKSIG
//	OP_ELSE
//	    OP_IF
//	        <revokeKey> OP_CHECKSIG
//	    OP_ELSE
//	        <cltvExpiry> OP_CHECKLOCKTIMEVERIFY OP_DROP
//	        <senderKey> OP_CHECKSIG
//	    OP_ENDIF
//	OP_ENDIF
func HtlcScript(senderKey, receiverKey, revokeKey *btcec.PublicKey,
	paymentHash []byte, cltvExpiry uint32) ([]byte, error) {

	builder := txscript.NewScriptBuilder()

	builder.AddOp(txscript.OP_IF)
	builder.AddOp(txscript.OP_SIZE)
	builder.AddInt64(32)
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddOp(txscript.OP_SHA256)
	builder.AddData(paymentHash)
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddData(receiverKey.SerializeCompressed())
	builder.AddOp(txscript.OP_CHECKSIG)
	builder.AddOp(txscript.OP_ELSE)
	builder.AddOp(txscript.OP_IF)
	builder.AddData(revokeKey.SerializeCompressed())
	builder.AddOp(txscript.OP_CHECKSIG)
	builder.AddOp(txscript.OP_ELSE)
	builder.AddInt64(int64(cltvExpiry))
	builder.AddOp(txscript.OP_CHECKLOCKTIMEVERIFY)
	builder.AddOp(txscript.OP_DROP)
	builder.AddData(senderKey.SerializeCompressed())
	builder.AddOp(txscript.OP_CHECKSIG)
	builder.AddOp(txscript.OP_ENDIF)
	builder.AddOp(txscript.OP_ENDIF)

	return builder.Script()
}

// HtlcSpendPreimage constructs the witness allowing the receiver of an HTLC
// to claim the output with the payment preimage.
func HtlcSpendPreimage(receiverSig, preimage, witnessScript []byte) [][]byte {
	witness := make([][]byte, 4)
	witness[0] = receiverSig
	witness[1] = preimage
	witness[2] = []byte{1}
	witness[3] = witnessScript

	return witness
}

// HtlcSpendRevoke constructs the witness spending an HTLC output via the
// revocation clause, punishing the broadcast of a revoked commitment.
func HtlcSpendRevoke(revokeSig, witnessScript []byte) [][]byte {
	witness := make([][]byte, 4)
	witness[0] = revokeSig
	witness[1] = []byte{1}
	witness[2] = nil
	witness[3] = witnessScript

	return witness
}

// HtlcSpendTimeout constructs the witness reclaiming an HTLC output after
// its cltv deadline has passed without settlement. The spending transaction
// must set its locktime to at least the HTLC's cltvExpiry.
func HtlcSpendTimeout(senderSig, witnessScript []byte) [][]byte {
	witness := make([][]byte, 4)
	witness[0] = senderSig
	witness[1] = nil
	witness[2] = nil
	witness[3] = witnessScript

	return witness
}
