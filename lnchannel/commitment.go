package lnchannel

import (
	"bytes"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"

	"github.com/CryptoCrowdOnline/electrum-chi/input"
)

const (
	// CommitWeight is the weight of a commitment transaction stripped of
	// HTLC outputs.
	CommitWeight int64 = 724

	// HtlcWeight is the incremental weight contributed by one HTLC
	// output.
	HtlcWeight int64 = 172

	// DefaultDustLimit is the output value below which outputs are
	// trimmed from the commitment transaction, their value accruing to
	// the fee.
	DefaultDustLimit = btcutil.Amount(546)
)

// SatPerKWeight is a fee rate in satoshis per 1000 weight units.
type SatPerKWeight btcutil.Amount

// FeeForWeight computes the fee for a transaction of the given weight at
// this rate.
func (s SatPerKWeight) FeeForWeight(weight int64) btcutil.Amount {
	return btcutil.Amount(s) * btcutil.Amount(weight) / 1000
}

// ChannelConfig bundles one party's static channel parameters: the public
// keys its scripts are built from and the limits it imposes on the
// counterparty.
type ChannelConfig struct {
	// MultiSigKey is the key used within the 2-of-2 funding output.
	MultiSigKey *btcec.PublicKey

	// CommitKey is the key all non-revocation clauses of this party's
	// commitment outputs pay to.
	CommitKey *btcec.PublicKey

	// RevocationBasepoint is the static basepoint from which, combined
	// with the counterparty's per-commitment point, the revocation key
	// for each of the counterparty's states is derived.
	RevocationBasepoint *btcec.PublicKey

	// DustLimit is the threshold below which outputs are trimmed from
	// this party's commitment transaction.
	DustLimit btcutil.Amount

	// CsvDelay is the relative timelock (to_self_delay) the counterparty
	// imposes on this party's to_local output.
	CsvDelay uint32

	// ChanReserve is the minimum balance this party must maintain, kept
	// as skin in the game.
	ChanReserve btcutil.Amount
}

// Commitment is a fully determined commitment transaction for a specific
// commitment number, along with the bookkeeping needed to later locate and
// re-derive each of its outputs.
type Commitment struct {
	// Ctn is the commitment number this state sits at.
	Ctn uint64

	// Tx is the complete, unsigned commitment transaction.
	Tx *wire.MsgTx

	// Fee is the commitment fee, including any trimmed dust.
	Fee btcutil.Amount

	// OwnerBalance and OtherBalance are the settled balances of the
	// commitment owner and its counterparty after fee deduction. A
	// balance folded into Fee as dust reads zero.
	OwnerBalance, OtherBalance btcutil.Amount

	// CommitPoint is the owner's per-commitment point for this state.
	CommitPoint *btcec.PublicKey

	// ToLocalIndex is the output index of the owner's delayed to_local
	// output, or -1 if it was trimmed.
	ToLocalIndex int32

	// ToLocalScript is the witness script of the to_local output.
	ToLocalScript []byte

	// ToRemoteIndex is the output index of the counterparty's immediate
	// output, or -1 if it was trimmed.
	ToRemoteIndex int32

	// Htlcs holds the HTLCs included in this commitment.
	Htlcs []HTLC

	// HtlcIndexes maps HTLC id to its output index, or -1 if trimmed.
	HtlcIndexes map[uint64]int32

	// HtlcScripts maps HTLC id to the output's witness script.
	HtlcScripts map[uint64][]byte

	// theirSig is the counterparty's signature for Tx, once received.
	theirSig []byte
}

// CommitmentBuilder deterministically constructs commitment transactions
// for either party of a channel. Both parties, given identical channel
// state, derive byte-identical transactions: the outputs are ordered
// to_local, to_remote, then HTLC outputs sorted by (cltv expiry ascending,
// payment hash ascending).
type CommitmentBuilder struct {
	fundingOutpoint wire.OutPoint
	capacity        btcutil.Amount

	// localInitiator is true if the local party funded the channel and
	// therefore pays the commitment fee on both commitments.
	localInitiator bool

	localCfg, remoteCfg *ChannelConfig
}

// NewCommitmentBuilder creates a builder for the channel described by the
// passed parameters.
func NewCommitmentBuilder(fundingOutpoint wire.OutPoint,
	capacity btcutil.Amount, localInitiator bool,
	localCfg, remoteCfg *ChannelConfig) *CommitmentBuilder {

	return &CommitmentBuilder{
		fundingOutpoint: fundingOutpoint,
		capacity:        capacity,
		localInitiator:  localInitiator,
		localCfg:        localCfg,
		remoteCfg:       remoteCfg,
	}
}

// Build constructs the commitment transaction owned by one party at the
// given commitment number. ownerLocal selects whose commitment is built;
// ownerBalance/otherBalance are the prospective settled balances from the
// owner's point of view, before fee deduction. The HTLC directions within
// htlcs are interpreted relative to the local party and flipped internally
// when building the remote commitment.
func (b *CommitmentBuilder) Build(ownerLocal bool, ctn uint64,
	ownerBalance, otherBalance btcutil.Amount, htlcs []HTLC,
	ownerCommitPoint *btcec.PublicKey,
	feePerKw SatPerKWeight) (*Commitment, error) {

	ownerCfg, otherCfg := b.localCfg, b.remoteCfg
	if !ownerLocal {
		ownerCfg, otherCfg = b.remoteCfg, b.localCfg
	}

	// The channel initiator pays the commitment fee on both parties'
	// commitments.
	fee := feePerKw.FeeForWeight(
		CommitWeight + int64(len(htlcs))*HtlcWeight,
	)
	initiatorIsOwner := b.localInitiator == ownerLocal
	if initiatorIsOwner {
		if ownerBalance < fee {
			return nil, ErrFeeExceedsBalance
		}
		ownerBalance -= fee
	} else {
		if otherBalance < fee {
			return nil, ErrFeeExceedsBalance
		}
		otherBalance -= fee
	}

	// The revocation key for the owner's state is derived from the
	// counterparty's basepoint and the owner's per-commitment point, so
	// only the counterparty, once handed the matching secret, can sign
	// with it.
	revokeKey := input.DeriveRevocationPubkey(
		otherCfg.RevocationBasepoint, ownerCommitPoint,
	)

	toLocalScript, err := input.CommitScriptToSelf(
		ownerCfg.CsvDelay, ownerCfg.CommitKey, revokeKey,
	)
	if err != nil {
		return nil, err
	}
	toLocalPkScript, err := input.WitnessScriptHash(toLocalScript)
	if err != nil {
		return nil, err
	}

	toRemotePkScript, err := input.CommitScriptUnencumbered(
		otherCfg.CommitKey,
	)
	if err != nil {
		return nil, err
	}

	commitTx := wire.NewMsgTx(2)
	commitTx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: b.fundingOutpoint,
		Sequence:         input.SequenceLockTimeDisabled,
	})

	c := &Commitment{
		Ctn:           ctn,
		Fee:           fee,
		OwnerBalance:  ownerBalance,
		OtherBalance:  otherBalance,
		CommitPoint:   ownerCommitPoint,
		ToLocalIndex:  -1,
		ToLocalScript: toLocalScript,
		ToRemoteIndex: -1,
		HtlcIndexes:   make(map[uint64]int32),
		HtlcScripts:   make(map[uint64][]byte),
	}

	// Outputs below the owner's dust limit are trimmed; their value is
	// absorbed by the fee and the corresponding balance field zeroed so
	// the fields never double-count against Fee.
	dust := ownerCfg.DustLimit
	if ownerBalance >= dust {
		c.ToLocalIndex = int32(len(commitTx.TxOut))
		commitTx.AddTxOut(wire.NewTxOut(
			int64(ownerBalance), toLocalPkScript,
		))
	} else {
		c.Fee += ownerBalance
		c.OwnerBalance = 0
	}
	if otherBalance >= dust {
		c.ToRemoteIndex = int32(len(commitTx.TxOut))
		commitTx.AddTxOut(wire.NewTxOut(
			int64(otherBalance), toRemotePkScript,
		))
	} else {
		c.Fee += otherBalance
		c.OtherBalance = 0
	}

	// HTLC outputs are appended in the canonical order both parties
	// agree on: ascending cltv expiry, ties broken by ascending payment
	// hash.
	sorted := make([]HTLC, len(htlcs))
	copy(sorted, htlcs)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].CltvExpiry != sorted[j].CltvExpiry {
			return sorted[i].CltvExpiry < sorted[j].CltvExpiry
		}
		return bytes.Compare(
			sorted[i].PaymentHash[:], sorted[j].PaymentHash[:],
		) < 0
	})

	for _, htlc := range sorted {
		// An HTLC is offered by the owner when, seen from the local
		// party, it is outgoing on the local commitment or incoming
		// on the remote one.
		offeredByOwner := !htlc.Incoming
		if !ownerLocal {
			offeredByOwner = htlc.Incoming
		}

		senderKey, receiverKey := ownerCfg.CommitKey, otherCfg.CommitKey
		if !offeredByOwner {
			senderKey, receiverKey = otherCfg.CommitKey,
				ownerCfg.CommitKey
		}

		htlcScript, err := input.HtlcScript(
			senderKey, receiverKey, revokeKey,
			htlc.PaymentHash[:], htlc.CltvExpiry,
		)
		if err != nil {
			return nil, err
		}
		c.HtlcScripts[htlc.ID] = htlcScript

		if htlc.Amount < dust {
			c.HtlcIndexes[htlc.ID] = -1
			c.Fee += htlc.Amount
			c.Htlcs = append(c.Htlcs, htlc)
			continue
		}

		htlcPkScript, err := input.WitnessScriptHash(htlcScript)
		if err != nil {
			return nil, err
		}

		c.HtlcIndexes[htlc.ID] = int32(len(commitTx.TxOut))
		commitTx.AddTxOut(wire.NewTxOut(
			int64(htlc.Amount), htlcPkScript,
		))
		c.Htlcs = append(c.Htlcs, htlc)
	}

	c.Tx = commitTx

	return c, nil
}

// CreateCooperativeCloseTx builds the transaction that, signed by both
// parties, cooperatively closes the channel with no contestation period. The
// initiator pays the closing fee in full. Dust balances are omitted.
func CreateCooperativeCloseTx(fundingOutpoint wire.OutPoint,
	localBalance, remoteBalance btcutil.Amount, localInitiator bool,
	closeFee btcutil.Amount, localScript, remoteScript []byte,
	dustLimit btcutil.Amount) *wire.MsgTx {

	if localInitiator {
		localBalance -= closeFee
	} else {
		remoteBalance -= closeFee
	}

	closeTx := wire.NewMsgTx(2)
	closeTx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: fundingOutpoint,
		Sequence:         input.SequenceLockTimeDisabled,
	})

	if localBalance >= dustLimit {
		closeTx.AddTxOut(&wire.TxOut{
			PkScript: localScript,
			Value:    int64(localBalance),
		})
	}
	if remoteBalance >= dustLimit {
		closeTx.AddTxOut(&wire.TxOut{
			PkScript: remoteScript,
			Value:    int64(remoteBalance),
		})
	}

	// Both parties must derive identical bytes: order the outputs by
	// script, then value.
	sort.Slice(closeTx.TxOut, func(i, j int) bool {
		cmp := bytes.Compare(
			closeTx.TxOut[i].PkScript, closeTx.TxOut[j].PkScript,
		)
		if cmp != 0 {
			return cmp < 0
		}
		return closeTx.TxOut[i].Value < closeTx.TxOut[j].Value
	})

	return closeTx
}
