package lnchannel

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/CryptoCrowdOnline/electrum-chi/input"
)

const (
	// justiceTxBaseWeight approximates the weight of a justice
	// transaction with a single sweep output and no inputs.
	justiceTxBaseWeight int64 = 300

	// justiceInputWeight approximates the weight added per swept input,
	// witness included.
	justiceInputWeight int64 = 500
)

// BreachedHtlc captures one HTLC output of a revoked commitment with
// everything needed to claim it through the revocation clause.
type BreachedHtlc struct {
	// Index is the output index within the revoked commitment, or -1 if
	// the HTLC was trimmed to fees.
	Index int32

	Amount      btcutil.Amount
	PaymentHash PaymentHash
	CltvExpiry  uint32
	Incoming    bool

	// Script is the output's witness script.
	Script []byte
}

// BreachRemedyRecord holds, for one revoked commitment number, the material
// to build a punishment transaction should that commitment ever confirm.
// Records are created when the counterparty reveals a revocation secret and
// must be retained for the channel's entire lifetime.
type BreachRemedyRecord struct {
	ChanID          ChannelID
	Ctn             uint64
	FundingOutpoint wire.OutPoint

	// CommitTxid identifies the revoked commitment transaction on-chain.
	CommitTxid chainhash.Hash

	// RevocationSecret is the per-commitment secret the counterparty
	// revealed when superseding this state.
	RevocationSecret [32]byte

	// CommitPoint is the counterparty's per-commitment point the revoked
	// state was built from.
	CommitPoint *btcec.PublicKey

	// ToSelfDelay is the relative timelock on the cheater's to_local
	// output. The punishment must land within this window.
	ToSelfDelay uint32

	// ToLocalIndex and ToLocalAmount locate the cheater's delayed
	// output; ToLocalIndex is -1 when it was trimmed.
	ToLocalIndex  int32
	ToLocalAmount btcutil.Amount

	// ToLocalScript is the witness script of the cheater's delayed
	// output.
	ToLocalScript []byte

	Htlcs []BreachedHtlc
}

// newBreachRemedyRecord derives the punishment material from a freshly
// revoked counterparty commitment.
func newBreachRemedyRecord(chanID ChannelID, fundingOutpoint wire.OutPoint,
	toSelfDelay uint32, revoked *Commitment,
	secret [32]byte) *BreachRemedyRecord {

	r := &BreachRemedyRecord{
		ChanID:           chanID,
		Ctn:              revoked.Ctn,
		FundingOutpoint:  fundingOutpoint,
		CommitTxid:       revoked.Tx.TxHash(),
		RevocationSecret: secret,
		CommitPoint:      revoked.CommitPoint,
		ToSelfDelay:      toSelfDelay,
		ToLocalIndex:     revoked.ToLocalIndex,
		ToLocalScript:    revoked.ToLocalScript,
	}
	if revoked.ToLocalIndex >= 0 {
		r.ToLocalAmount = btcutil.Amount(
			revoked.Tx.TxOut[revoked.ToLocalIndex].Value,
		)
	}

	for _, htlc := range revoked.Htlcs {
		r.Htlcs = append(r.Htlcs, BreachedHtlc{
			Index:       revoked.HtlcIndexes[htlc.ID],
			Amount:      htlc.Amount,
			PaymentHash: htlc.PaymentHash,
			CltvExpiry:  htlc.CltvExpiry,
			Incoming:    htlc.Incoming,
			Script:      revoked.HtlcScripts[htlc.ID],
		})
	}

	return r
}

// Matches reports whether the given transaction is the revoked commitment
// this record punishes.
func (r *BreachRemedyRecord) Matches(tx *wire.MsgTx) bool {
	return tx.TxHash() == r.CommitTxid
}

// BuildJusticeTx constructs and fully signs the punishment transaction
// sweeping every output of the revoked commitment not listed in skip. All
// swept value, minus fees, lands on sweepPkScript. The revocation clause
// carries no timelock, so the transaction is valid the moment the breach
// confirms.
func (r *BreachRemedyRecord) BuildJusticeTx(basePriv *btcec.PrivateKey,
	sweepPkScript []byte, feePerKw SatPerKWeight,
	skip map[uint32]struct{}) (*wire.MsgTx, error) {

	secretPriv, _ := btcec.PrivKeyFromBytes(r.RevocationSecret[:])
	revokePriv := input.DeriveRevocationPrivKey(basePriv, secretPriv)

	type justiceInput struct {
		outpoint wire.OutPoint
		amount   btcutil.Amount
		script   []byte
		htlc     bool
	}

	var inputs []justiceInput
	addInput := func(index int32, amount btcutil.Amount, script []byte,
		htlc bool) {

		if index < 0 {
			return
		}
		if _, ok := skip[uint32(index)]; ok {
			return
		}

		inputs = append(inputs, justiceInput{
			outpoint: wire.OutPoint{
				Hash:  r.CommitTxid,
				Index: uint32(index),
			},
			amount: amount,
			script: script,
			htlc:   htlc,
		})
	}

	addInput(r.ToLocalIndex, r.ToLocalAmount, r.ToLocalScript, false)
	for _, htlc := range r.Htlcs {
		addInput(htlc.Index, htlc.Amount, htlc.Script, true)
	}

	if len(inputs) == 0 {
		return nil, fmt.Errorf("commitment %d of channel %v has no "+
			"sweepable outputs", r.Ctn, r.ChanID)
	}

	var total btcutil.Amount
	justiceTx := wire.NewMsgTx(2)
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for _, in := range inputs {
		total += in.amount

		pkScript, err := input.WitnessScriptHash(in.script)
		if err != nil {
			return nil, err
		}
		fetcher.AddPrevOut(in.outpoint, &wire.TxOut{
			Value:    int64(in.amount),
			PkScript: pkScript,
		})

		justiceTx.AddTxIn(&wire.TxIn{
			PreviousOutPoint: in.outpoint,
			Sequence:         input.SequenceLockTimeDisabled,
		})
	}

	fee := feePerKw.FeeForWeight(
		justiceTxBaseWeight + int64(len(inputs))*justiceInputWeight,
	)
	if total <= fee {
		return nil, fmt.Errorf("breached outputs of channel %v not "+
			"worth sweeping at %d sat/kw", r.ChanID, feePerKw)
	}
	justiceTx.AddTxOut(&wire.TxOut{
		Value:    int64(total - fee),
		PkScript: sweepPkScript,
	})

	for i, in := range inputs {
		sig, err := input.RawWitnessSig(
			justiceTx, i, int64(in.amount), in.script,
			txscript.SigHashAll, revokePriv, fetcher,
		)
		if err != nil {
			return nil, err
		}

		if in.htlc {
			justiceTx.TxIn[i].Witness = input.HtlcSpendRevoke(
				sig, in.script,
			)
		} else {
			justiceTx.TxIn[i].Witness = input.CommitSpendRevoke(
				sig, in.script,
			)
		}
	}

	return justiceTx, nil
}

// ExtractHtlcPreimage scans a transaction's witnesses for a 32 byte element
// hashing to the given payment hash. It recovers the preimage when the
// counterparty redeemed an HTLC output of a breached commitment before the
// justice transaction could claim it.
func ExtractHtlcPreimage(tx *wire.MsgTx,
	hash PaymentHash) fn.Option[[32]byte] {

	for _, txIn := range tx.TxIn {
		for _, elem := range txIn.Witness {
			if len(elem) != 32 {
				continue
			}
			if sha256.Sum256(elem) == [32]byte(hash) {
				var preimage [32]byte
				copy(preimage[:], elem)
				return fn.Some(preimage)
			}
		}
	}

	return fn.None[[32]byte]()
}

// Encode serializes the record for persistence.
func (r *BreachRemedyRecord) Encode(w io.Writer) error {
	if _, err := w.Write(r.ChanID[:]); err != nil {
		return err
	}
	if err := binary.Write(w, byteOrder, r.Ctn); err != nil {
		return err
	}
	if _, err := w.Write(r.FundingOutpoint.Hash[:]); err != nil {
		return err
	}
	if err := binary.Write(w, byteOrder, r.FundingOutpoint.Index); err != nil {
		return err
	}
	if _, err := w.Write(r.CommitTxid[:]); err != nil {
		return err
	}
	if _, err := w.Write(r.RevocationSecret[:]); err != nil {
		return err
	}
	if _, err := w.Write(r.CommitPoint.SerializeCompressed()); err != nil {
		return err
	}
	if err := binary.Write(w, byteOrder, r.ToSelfDelay); err != nil {
		return err
	}
	if err := binary.Write(w, byteOrder, r.ToLocalIndex); err != nil {
		return err
	}
	if err := binary.Write(w, byteOrder, int64(r.ToLocalAmount)); err != nil {
		return err
	}
	if err := writeBytes(w, r.ToLocalScript); err != nil {
		return err
	}

	if err := binary.Write(w, byteOrder, uint16(len(r.Htlcs))); err != nil {
		return err
	}
	for _, htlc := range r.Htlcs {
		if err := binary.Write(w, byteOrder, htlc.Index); err != nil {
			return err
		}
		if err := binary.Write(w, byteOrder, int64(htlc.Amount)); err != nil {
			return err
		}
		if _, err := w.Write(htlc.PaymentHash[:]); err != nil {
			return err
		}
		if err := binary.Write(w, byteOrder, htlc.CltvExpiry); err != nil {
			return err
		}
		if err := binary.Write(w, byteOrder, htlc.Incoming); err != nil {
			return err
		}
		if err := writeBytes(w, htlc.Script); err != nil {
			return err
		}
	}

	return nil
}

// DecodeBreachRemedyRecord deserializes a record written by Encode.
func DecodeBreachRemedyRecord(rd io.Reader) (*BreachRemedyRecord, error) {
	r := &BreachRemedyRecord{}

	if _, err := io.ReadFull(rd, r.ChanID[:]); err != nil {
		return nil, err
	}
	if err := binary.Read(rd, byteOrder, &r.Ctn); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(rd, r.FundingOutpoint.Hash[:]); err != nil {
		return nil, err
	}
	if err := binary.Read(rd, byteOrder, &r.FundingOutpoint.Index); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(rd, r.CommitTxid[:]); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(rd, r.RevocationSecret[:]); err != nil {
		return nil, err
	}

	var pointBytes [33]byte
	if _, err := io.ReadFull(rd, pointBytes[:]); err != nil {
		return nil, err
	}
	commitPoint, err := btcec.ParsePubKey(pointBytes[:])
	if err != nil {
		return nil, err
	}
	r.CommitPoint = commitPoint

	if err := binary.Read(rd, byteOrder, &r.ToSelfDelay); err != nil {
		return nil, err
	}
	if err := binary.Read(rd, byteOrder, &r.ToLocalIndex); err != nil {
		return nil, err
	}
	var toLocalAmount int64
	if err := binary.Read(rd, byteOrder, &toLocalAmount); err != nil {
		return nil, err
	}
	r.ToLocalAmount = btcutil.Amount(toLocalAmount)
	if r.ToLocalScript, err = readBytes(rd); err != nil {
		return nil, err
	}

	var numHtlcs uint16
	if err := binary.Read(rd, byteOrder, &numHtlcs); err != nil {
		return nil, err
	}
	for i := uint16(0); i < numHtlcs; i++ {
		var htlc BreachedHtlc
		if err := binary.Read(rd, byteOrder, &htlc.Index); err != nil {
			return nil, err
		}
		var amt int64
		if err := binary.Read(rd, byteOrder, &amt); err != nil {
			return nil, err
		}
		htlc.Amount = btcutil.Amount(amt)
		if _, err := io.ReadFull(rd, htlc.PaymentHash[:]); err != nil {
			return nil, err
		}
		if err := binary.Read(rd, byteOrder, &htlc.CltvExpiry); err != nil {
			return nil, err
		}
		if err := binary.Read(rd, byteOrder, &htlc.Incoming); err != nil {
			return nil, err
		}
		if htlc.Script, err = readBytes(rd); err != nil {
			return nil, err
		}

		r.Htlcs = append(r.Htlcs, htlc)
	}

	return r, nil
}

var byteOrder = binary.BigEndian

func writeBytes(w io.Writer, b []byte) error {
	if err := binary.Write(w, byteOrder, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readBytes(rd io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(rd, byteOrder, &n); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(rd, b); err != nil {
		return nil, err
	}
	return b, nil
}
