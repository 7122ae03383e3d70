package lnchannel

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/CryptoCrowdOnline/electrum-chi/chainwatch"
	"github.com/CryptoCrowdOnline/electrum-chi/input"
	"github.com/CryptoCrowdOnline/electrum-chi/shachain"
)

// TestFeePerKw is the fee rate the test harness channels run at.
const TestFeePerKw = SatPerKWeight(2500)

// testKey derives a deterministic private key from a single byte tag.
func testKey(tag byte) *btcec.PrivateKey {
	var raw [32]byte
	raw[0] = tag
	raw[31] = tag ^ 0x5f

	priv, _ := btcec.PrivKeyFromBytes(raw[:])
	return priv
}

// CreateTestChannelPair creates both ends of a funded, open channel wired to
// the same in-memory chain. The funding transaction is mined to the default
// confirmation depth and the initial commitment signatures are exchanged, so
// the returned channels are OPEN and ready for updates. The first channel is
// the funder.
func CreateTestChannelPair(chain *chainwatch.MemChain, aliceBalance,
	bobBalance btcutil.Amount, aliceFaults,
	bobFaults FaultFlags) (*Channel, *Channel, error) {

	capacity := aliceBalance + bobBalance

	aliceKeys := &LocalKeys{
		MultiSigPriv:       testKey(0x11),
		CommitPriv:         testKey(0x12),
		RevocationBasePriv: testKey(0x13),
	}
	bobKeys := &LocalKeys{
		MultiSigPriv:       testKey(0x21),
		CommitPriv:         testKey(0x22),
		RevocationBasePriv: testKey(0x23),
	}

	aliceCfg := &ChannelConfig{
		MultiSigKey:         aliceKeys.MultiSigPriv.PubKey(),
		CommitKey:           aliceKeys.CommitPriv.PubKey(),
		RevocationBasepoint: aliceKeys.RevocationBasePriv.PubKey(),
		DustLimit:           DefaultDustLimit,
		CsvDelay:            DefaultCsvDelay,
		ChanReserve:         capacity / 100,
	}
	bobCfg := &ChannelConfig{
		MultiSigKey:         bobKeys.MultiSigPriv.PubKey(),
		CommitKey:           bobKeys.CommitPriv.PubKey(),
		RevocationBasepoint: bobKeys.RevocationBasePriv.PubKey(),
		DustLimit:           DefaultDustLimit,
		CsvDelay:            DefaultCsvDelay,
		ChanReserve:         capacity / 100,
	}

	aliceRoot := chainhash.Hash{0xaa}
	bobRoot := chainhash.Hash{0xbb}

	alicePoint0, alicePoint1, err := firstCommitPoints(aliceRoot)
	if err != nil {
		return nil, nil, err
	}
	bobPoint0, bobPoint1, err := firstCommitPoints(bobRoot)
	if err != nil {
		return nil, nil, err
	}

	// Anchor a funding transaction on the mock chain so confirmation
	// depth checks observe a real transaction.
	_, fundingPkScript, err := input.GenFundingPkScript(
		aliceCfg.MultiSigKey.SerializeCompressed(),
		bobCfg.MultiSigKey.SerializeCompressed(),
	)
	if err != nil {
		return nil, nil, err
	}
	fundingTx := wire.NewMsgTx(2)
	fundingTx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: chainhash.Hash{0x01}},
	})
	fundingTx.AddTxOut(wire.NewTxOut(int64(capacity), fundingPkScript))
	if _, err := chain.Broadcast(fundingTx); err != nil {
		return nil, nil, err
	}
	chain.MineBlocks(DefaultFundingConfs)

	fundingOutpoint := wire.OutPoint{Hash: fundingTx.TxHash(), Index: 0}

	alice, err := NewChannel(chain, &OpenChannelParams{
		FundingOutpoint:   fundingOutpoint,
		Capacity:          capacity,
		LocalBalance:      aliceBalance,
		RemoteBalance:     bobBalance,
		LocalInitiator:    true,
		FeePerKw:          TestFeePerKw,
		LocalCfg:          aliceCfg,
		RemoteCfg:         bobCfg,
		Keys:              aliceKeys,
		RevocationRoot:    &aliceRoot,
		RemoteFirstPoint:  bobPoint0,
		RemoteSecondPoint: bobPoint1,
		Faults:            aliceFaults,
	})
	if err != nil {
		return nil, nil, err
	}

	bob, err := NewChannel(chain, &OpenChannelParams{
		FundingOutpoint:   fundingOutpoint,
		Capacity:          capacity,
		LocalBalance:      bobBalance,
		RemoteBalance:     aliceBalance,
		LocalInitiator:    false,
		FeePerKw:          TestFeePerKw,
		LocalCfg:          bobCfg,
		RemoteCfg:         aliceCfg,
		Keys:              bobKeys,
		RevocationRoot:    &bobRoot,
		RemoteFirstPoint:  alicePoint0,
		RemoteSecondPoint: alicePoint1,
		Faults:            bobFaults,
	})
	if err != nil {
		return nil, nil, err
	}

	aliceSig, err := alice.SignInitialCommitment()
	if err != nil {
		return nil, nil, err
	}
	bobSig, err := bob.SignInitialCommitment()
	if err != nil {
		return nil, nil, err
	}
	if err := alice.ReceiveInitialCommitmentSig(bobSig); err != nil {
		return nil, nil, err
	}
	if err := bob.ReceiveInitialCommitmentSig(aliceSig); err != nil {
		return nil, nil, err
	}

	if _, err := alice.FundingConfirmed(); err != nil {
		return nil, nil, err
	}
	if _, err := bob.FundingConfirmed(); err != nil {
		return nil, nil, err
	}

	return alice, bob, nil
}

// firstCommitPoints derives the per-commitment points for CTN 0 and 1 of a
// revocation root.
func firstCommitPoints(root chainhash.Hash) (*btcec.PublicKey,
	*btcec.PublicKey, error) {

	producer := shachain.NewRevocationProducer(root)

	secret0, err := producer.AtIndex(0)
	if err != nil {
		return nil, nil, err
	}
	secret1, err := producer.AtIndex(1)
	if err != nil {
		return nil, nil, err
	}

	return input.ComputeCommitmentPoint(secret0[:]),
		input.ComputeCommitmentPoint(secret1[:]), nil
}

// ForceStateTransition drives one complete commitment round between both
// ends of a channel, covering every staged update on either side. It
// returns the breach remedy records each party obtained for the
// counterparty's freshly revoked commitment.
func ForceStateTransition(a, b *Channel) (*BreachRemedyRecord,
	*BreachRemedyRecord, error) {

	aSig, err := a.SignNextCommitment()
	if err != nil {
		return nil, nil, err
	}
	if err := b.ReceiveNewCommitment(aSig); err != nil {
		return nil, nil, err
	}
	bRev, err := b.RevokeCurrentCommitment()
	if err != nil {
		return nil, nil, err
	}
	aRecord, err := a.ReceiveRevocation(bRev)
	if err != nil {
		return nil, nil, err
	}

	bSig, err := b.SignNextCommitment()
	if err != nil {
		return nil, nil, err
	}
	if err := a.ReceiveNewCommitment(bSig); err != nil {
		return nil, nil, err
	}
	aRev, err := a.RevokeCurrentCommitment()
	if err != nil {
		return nil, nil, err
	}
	bRecord, err := b.ReceiveRevocation(aRev)
	if err != nil {
		return nil, nil, err
	}

	return aRecord, bRecord, nil
}
