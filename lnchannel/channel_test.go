package lnchannel

import (
	"bytes"
	"crypto/sha256"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/stretchr/testify/require"

	"github.com/CryptoCrowdOnline/electrum-chi/chainwatch"
)

const testStartHeight = 100

func testChannelPair(t *testing.T, chain *chainwatch.MemChain, aliceBalance,
	bobBalance btcutil.Amount, aliceFaults,
	bobFaults FaultFlags) (*Channel, *Channel) {

	t.Helper()

	alice, bob, err := CreateTestChannelPair(
		chain, aliceBalance, bobBalance, aliceFaults, bobFaults,
	)
	require.NoError(t, err)

	return alice, bob
}

// assertBalanceInvariant checks that the settled balances plus the amounts
// locked in committed HTLCs always reconstruct the full capacity.
func assertBalanceInvariant(t *testing.T, c *Channel) {
	t.Helper()

	total := c.LocalBalance() + c.RemoteBalance()
	for _, htlc := range c.ActiveHtlcs() {
		total += htlc.Amount
	}
	require.Equal(t, c.Capacity(), total)

	// The commitment transaction itself accounts for the fee: outputs
	// plus fee must equal capacity.
	commit := c.LocalCommitment()
	var outSum btcutil.Amount
	for _, txOut := range commit.Tx.TxOut {
		outSum += btcutil.Amount(txOut.Value)
	}
	require.Equal(t, c.Capacity(), outSum+commit.Fee)
}

func TestChannelOpenNegotiationErrors(t *testing.T) {
	t.Parallel()

	chain := chainwatch.NewMemChain(testStartHeight)

	cfg := &ChannelConfig{
		DustLimit:   DefaultDustLimit,
		CsvDelay:    DefaultCsvDelay,
		ChanReserve: 1000,
	}

	tests := []struct {
		name   string
		params *OpenChannelParams
	}{
		{
			name: "push exceeds capacity",
			params: &OpenChannelParams{
				Capacity:      100_000,
				LocalBalance:  -20_000,
				RemoteBalance: 120_000,
				LocalCfg:      cfg,
				RemoteCfg:     cfg,
			},
		},
		{
			name: "capacity below dust",
			params: &OpenChannelParams{
				Capacity:      500,
				LocalBalance:  500,
				RemoteBalance: 0,
				LocalCfg:      cfg,
				RemoteCfg:     cfg,
			},
		},
		{
			name: "balances exceed capacity",
			params: &OpenChannelParams{
				Capacity:      100_000,
				LocalBalance:  100_000,
				RemoteBalance: 100_000,
				LocalCfg:      cfg,
				RemoteCfg:     cfg,
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := NewChannel(chain, test.params)
			require.Error(t, err)

			var negErr *NegotiationError
			require.ErrorAs(t, err, &negErr)
		})
	}
}

func TestSingleHopPayment(t *testing.T) {
	t.Parallel()

	chain := chainwatch.NewMemChain(testStartHeight)
	alice, bob := testChannelPair(
		t, chain, 8_000_000, 2_000_000, FaultFlags{}, FaultFlags{},
	)

	preimage := [32]byte{0x42}
	paymentHash := PaymentHash(sha256.Sum256(preimage[:]))

	const amount = btcutil.Amount(1_000_000)

	height, err := chain.CurrentHeight()
	require.NoError(t, err)

	htlc, err := alice.AddHTLC(amount, paymentHash, height+40)
	require.NoError(t, err)
	require.NoError(t, bob.ReceiveHTLC(htlc))

	_, _, err = ForceStateTransition(alice, bob)
	require.NoError(t, err)

	assertBalanceInvariant(t, alice)
	assertBalanceInvariant(t, bob)
	require.Len(t, bob.ActiveHtlcs(), 1)

	// Bob reveals the preimage and both sides advance once more.
	require.NoError(t, bob.SettleHTLC(htlc.ID, preimage))
	require.NoError(t, alice.ReceiveHTLCSettle(htlc.ID, preimage))

	_, _, err = ForceStateTransition(bob, alice)
	require.NoError(t, err)

	require.Equal(t, btcutil.Amount(7_000_000), alice.LocalBalance())
	require.Equal(t, btcutil.Amount(3_000_000), bob.LocalBalance())
	require.Empty(t, alice.ActiveHtlcs())
	require.Equal(t, uint64(2), alice.Ctn())
	require.Equal(t, uint64(2), bob.Ctn())

	assertBalanceInvariant(t, alice)
	assertBalanceInvariant(t, bob)
}

// TestFundingReorg demotes an open channel when a reorg pulls the funding
// transaction back below the required depth, and reopens it once the depth
// is restored. A deeper reorg that drops the funding transaction entirely
// must demote as well rather than error out.
func TestFundingReorg(t *testing.T) {
	t.Parallel()

	chain := chainwatch.NewMemChain(testStartHeight)
	alice, bob := testChannelPair(
		t, chain, 8_000_000, 2_000_000, FaultFlags{}, FaultFlags{},
	)
	require.Equal(t, StateOpen, alice.State())

	fundingTx, err := chain.GetTx(alice.FundingOutpoint().Hash)
	require.NoError(t, err)

	// A shallow reorg leaves the funding transaction confirmed but below
	// the required depth. The channel falls back to FUNDED and refuses
	// updates.
	chain.Rewind(1)
	open, err := alice.FundingConfirmed()
	require.NoError(t, err)
	require.False(t, open)
	require.Equal(t, StateFunded, alice.State())

	height, err := chain.CurrentHeight()
	require.NoError(t, err)
	_, err = alice.AddHTLC(1_000_000, PaymentHash{0x01}, height+40)
	require.ErrorIs(t, err, ErrChanNotOpen)

	// The depth recovers and the channel reopens.
	chain.MineBlocks(1)
	open, err = alice.FundingConfirmed()
	require.NoError(t, err)
	require.True(t, open)
	require.Equal(t, StateOpen, alice.State())

	// A deep reorg erases the funding transaction from chain and mempool
	// alike.
	chain.Rewind(DefaultFundingConfs)
	chain.EvictTx(fundingTx.TxHash())
	open, err = alice.FundingConfirmed()
	require.NoError(t, err)
	require.False(t, open)
	require.Equal(t, StateFunded, alice.State())

	// Once the funding transaction reappears at depth, updates resume on
	// both ends.
	_, err = chain.Broadcast(fundingTx)
	require.NoError(t, err)
	chain.MineBlocks(DefaultFundingConfs)

	open, err = alice.FundingConfirmed()
	require.NoError(t, err)
	require.True(t, open)
	open, err = bob.FundingConfirmed()
	require.NoError(t, err)
	require.True(t, open)

	height, err = chain.CurrentHeight()
	require.NoError(t, err)
	htlc, err := alice.AddHTLC(1_000_000, PaymentHash{0x02}, height+40)
	require.NoError(t, err)
	require.NoError(t, bob.ReceiveHTLC(htlc))
	_, _, err = ForceStateTransition(alice, bob)
	require.NoError(t, err)
}

func TestCommitmentDeterminism(t *testing.T) {
	t.Parallel()

	chain := chainwatch.NewMemChain(testStartHeight)
	alice, bob := testChannelPair(
		t, chain, 5_000_000, 5_000_000, FaultFlags{}, FaultFlags{},
	)

	height, err := chain.CurrentHeight()
	require.NoError(t, err)

	for i := byte(0); i < 3; i++ {
		preimage := [32]byte{0x10 + i}
		hash := PaymentHash(sha256.Sum256(preimage[:]))

		htlc, err := alice.AddHTLC(50_000, hash, height+40+uint32(i))
		require.NoError(t, err)
		require.NoError(t, bob.ReceiveHTLC(htlc))
	}

	_, _, err = ForceStateTransition(alice, bob)
	require.NoError(t, err)

	// Both parties must derive byte-identical transactions for the same
	// state: alice's view of bob's commitment against bob's own.
	var aliceView, bobView bytes.Buffer
	require.NoError(t, alice.RemoteCommitment().Tx.Serialize(&aliceView))
	require.NoError(t, bob.LocalCommitment().Tx.Serialize(&bobView))
	require.Equal(t, bobView.Bytes(), aliceView.Bytes())

	var bobRemote, aliceLocal bytes.Buffer
	require.NoError(t, bob.RemoteCommitment().Tx.Serialize(&bobRemote))
	require.NoError(t, alice.LocalCommitment().Tx.Serialize(&aliceLocal))
	require.Equal(t, aliceLocal.Bytes(), bobRemote.Bytes())
}

func TestRevocationOrdering(t *testing.T) {
	t.Parallel()

	chain := chainwatch.NewMemChain(testStartHeight)
	alice, bob := testChannelPair(
		t, chain, 5_000_000, 5_000_000, FaultFlags{}, FaultFlags{},
	)

	// Without a validated counterparty signature for the next state,
	// revealing a revocation secret must be refused.
	_, err := bob.RevokeCurrentCommitment()
	require.ErrorIs(t, err, ErrNoPendingCommitment)

	height, err := chain.CurrentHeight()
	require.NoError(t, err)

	preimage := [32]byte{0x07}
	htlc, err := alice.AddHTLC(
		100_000, PaymentHash(sha256.Sum256(preimage[:])), height+40,
	)
	require.NoError(t, err)
	require.NoError(t, bob.ReceiveHTLC(htlc))

	aliceSig, err := alice.SignNextCommitment()
	require.NoError(t, err)

	// Still nothing received on bob's side that would justify revoking.
	_, err = bob.RevokeCurrentCommitment()
	require.ErrorIs(t, err, ErrNoPendingCommitment)

	require.NoError(t, bob.ReceiveNewCommitment(aliceSig))

	_, err = bob.RevokeCurrentCommitment()
	require.NoError(t, err)
}

func TestStaleStateRejected(t *testing.T) {
	t.Parallel()

	chain := chainwatch.NewMemChain(testStartHeight)
	alice, bob := testChannelPair(
		t, chain, 5_000_000, 5_000_000, FaultFlags{}, FaultFlags{},
	)

	err := alice.ReceiveNewCommitment(&CommitSig{Ctn: 5})
	require.ErrorIs(t, err, ErrStaleState)

	err = bob.ReceiveNewCommitment(&CommitSig{Ctn: 0})
	require.ErrorIs(t, err, ErrStaleState)

	_, err = alice.ReceiveRevocation(&RevocationMessage{Ctn: 0})
	require.ErrorIs(t, err, ErrStaleState)
}

func TestAddHTLCErrors(t *testing.T) {
	t.Parallel()

	chain := chainwatch.NewMemChain(testStartHeight)
	alice, bob := testChannelPair(
		t, chain, 1_000_000, 1_000_000, FaultFlags{}, FaultFlags{},
	)

	height, err := chain.CurrentHeight()
	require.NoError(t, err)

	hash := PaymentHash(sha256.Sum256([]byte{0x01}))

	_, err = alice.AddHTLC(100_000, hash, height+1)
	require.ErrorIs(t, err, ErrExpiryTooSoon)

	_, err = alice.AddHTLC(5_000_000, hash, height+40)
	require.ErrorIs(t, err, ErrInsufficientBalance)

	// The offering side's balance bounds the HTLCs it can receive, too.
	err = bob.ReceiveHTLC(&HTLC{
		ID:          0,
		Amount:      5_000_000,
		PaymentHash: hash,
		CltvExpiry:  height + 40,
	})
	require.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestPreimageMismatch(t *testing.T) {
	t.Parallel()

	chain := chainwatch.NewMemChain(testStartHeight)
	alice, bob := testChannelPair(
		t, chain, 5_000_000, 5_000_000, FaultFlags{}, FaultFlags{},
	)

	height, err := chain.CurrentHeight()
	require.NoError(t, err)

	preimage := [32]byte{0x33}
	htlc, err := alice.AddHTLC(
		200_000, PaymentHash(sha256.Sum256(preimage[:])), height+40,
	)
	require.NoError(t, err)
	require.NoError(t, bob.ReceiveHTLC(htlc))

	_, _, err = ForceStateTransition(alice, bob)
	require.NoError(t, err)

	wrong := [32]byte{0x34}
	err = bob.SettleHTLC(htlc.ID, wrong)
	require.ErrorIs(t, err, ErrPreimageMismatch)

	// The HTLC stays open after the failed settlement attempt.
	require.Len(t, bob.ActiveHtlcs(), 1)

	require.NoError(t, bob.SettleHTLC(htlc.ID, preimage))
}

func TestCommitmentRaceTieBreak(t *testing.T) {
	t.Parallel()

	chain := chainwatch.NewMemChain(testStartHeight)
	alice, bob := testChannelPair(
		t, chain, 5_000_000, 5_000_000, FaultFlags{}, FaultFlags{},
	)

	height, err := chain.CurrentHeight()
	require.NoError(t, err)

	alicePre := [32]byte{0x51}
	aliceHtlc, err := alice.AddHTLC(
		100_000, PaymentHash(sha256.Sum256(alicePre[:])), height+40,
	)
	require.NoError(t, err)
	require.NoError(t, bob.ReceiveHTLC(aliceHtlc))

	bobPre := [32]byte{0x52}
	bobHtlc, err := bob.AddHTLC(
		200_000, PaymentHash(sha256.Sum256(bobPre[:])), height+40,
	)
	require.NoError(t, err)
	require.NoError(t, alice.ReceiveHTLC(bobHtlc))

	// Both parties propose simultaneously.
	aliceSig, err := alice.SignNextCommitment()
	require.NoError(t, err)
	bobSig, err := bob.SignNextCommitment()
	require.NoError(t, err)

	aliceErr := alice.ReceiveNewCommitment(bobSig)
	bobErr := bob.ReceiveNewCommitment(aliceSig)

	// The deterministic tie-break lets exactly one proposal through; the
	// other party sees the race and drops its own.
	var winner, loser *Channel
	if aliceErr == nil {
		require.ErrorIs(t, bobErr, ErrCommitmentRace)
		winner, loser = bob, alice
	} else {
		require.ErrorIs(t, aliceErr, ErrCommitmentRace)
		require.NoError(t, bobErr)
		winner, loser = alice, bob
	}

	// The loser accepted the winner's commitment; finish the round.
	loserRev, err := loser.RevokeCurrentCommitment()
	require.NoError(t, err)
	_, err = winner.ReceiveRevocation(loserRev)
	require.NoError(t, err)

	loserSig, err := loser.SignNextCommitment()
	require.NoError(t, err)
	require.NoError(t, winner.ReceiveNewCommitment(loserSig))
	winnerRev, err := winner.RevokeCurrentCommitment()
	require.NoError(t, err)
	_, err = loser.ReceiveRevocation(winnerRev)
	require.NoError(t, err)

	// Both staged HTLCs made it into the new state despite the race.
	require.Len(t, alice.ActiveHtlcs(), 2)
	require.Len(t, bob.ActiveHtlcs(), 2)
	require.Equal(t, uint64(1), alice.Ctn())
	require.Equal(t, uint64(1), bob.Ctn())

	assertBalanceInvariant(t, alice)
	assertBalanceInvariant(t, bob)
}

// TestForceCloseWithUnsettledHtlc exercises the uncooperative counterparty
// scenario: the payer of an in-flight HTLC force closes when the receiver
// refuses to settle, and must recover its full balance plus the timed out
// HTLC value once both contestation windows elapse.
func TestForceCloseWithUnsettledHtlc(t *testing.T) {
	t.Parallel()

	chain := chainwatch.NewMemChain(testStartHeight)
	alice, bob := testChannelPair(
		t, chain, 10_000_000, 5_000_000,
		FaultFlags{}, FaultFlags{DisableHtlcSettle: true},
	)

	height, err := chain.CurrentHeight()
	require.NoError(t, err)

	preimage := [32]byte{0x61}
	const amount = btcutil.Amount(4_000_000)
	expiry := height + 40

	htlc, err := alice.AddHTLC(
		amount, PaymentHash(sha256.Sum256(preimage[:])), expiry,
	)
	require.NoError(t, err)
	require.NoError(t, bob.ReceiveHTLC(htlc))

	_, _, err = ForceStateTransition(alice, bob)
	require.NoError(t, err)

	// Bob refuses settlement.
	err = bob.SettleHTLC(htlc.ID, preimage)
	require.ErrorIs(t, err, ErrHtlcSettleDisabled)

	// Past the expiry alice learns the HTLC is dead and force closes.
	chain.MineBlocks(41)
	expired, err := alice.ExpiredHtlcs()
	require.NoError(t, err)
	require.Len(t, expired, 1)

	closeTx, err := alice.ForceClose()
	require.NoError(t, err)
	require.Equal(t, StateForceClosing, alice.State())
	chain.MineBlocks(1)

	spent, err := chain.IsOutputSpent(alice.FundingOutpoint())
	require.NoError(t, err)
	require.True(t, spent)

	// Wait out to_self_delay and the HTLC expiry: everything on alice's
	// side of the commitment is now recoverable by her alone.
	chain.MineBlocks(DefaultCsvDelay)

	commit := alice.LocalCommitment()
	recoverable := btcutil.Amount(
		closeTx.TxOut[commit.ToLocalIndex].Value,
	)
	recoverable += btcutil.Amount(
		closeTx.TxOut[commit.HtlcIndexes[htlc.ID]].Value,
	)

	// The payer ends with at least its pre-close balance minus fees and
	// reserve headroom.
	require.GreaterOrEqual(t, recoverable, btcutil.Amount(8_000_000))
}

func TestCooperativeClose(t *testing.T) {
	t.Parallel()

	chain := chainwatch.NewMemChain(testStartHeight)
	alice, bob := testChannelPair(
		t, chain, 6_000_000, 4_000_000, FaultFlags{}, FaultFlags{},
	)

	localScript := []byte{0x00, 0x14, 0x01}
	remoteScript := []byte{0x00, 0x14, 0x02}

	aliceClose, aliceSig, err := alice.InitCooperativeClose(
		localScript, remoteScript,
	)
	require.NoError(t, err)
	bobClose, bobSig, err := bob.InitCooperativeClose(
		remoteScript, localScript,
	)
	require.NoError(t, err)

	// Both parties derive the identical close transaction.
	require.Equal(t, aliceClose.TxHash(), bobClose.TxHash())

	closeTxid, err := alice.CompleteCooperativeClose(bobSig)
	require.NoError(t, err)
	_, err = bob.CompleteCooperativeClose(aliceSig)
	require.NoError(t, err)

	chain.MineBlocks(1)
	confs, err := chain.TxConfirmations(closeTxid)
	require.NoError(t, err)
	require.Equal(t, uint32(1), confs)

	alice.MarkCoopCloseConfirmed()
	require.Equal(t, StateClosed, alice.State())

	// No updates are possible on a closing channel.
	_, err = alice.AddHTLC(
		1000, PaymentHash(sha256.Sum256([]byte{0x01})), 1000,
	)
	require.ErrorIs(t, err, ErrChanClosing)
}

func TestMalformedHtlcFault(t *testing.T) {
	t.Parallel()

	chain := chainwatch.NewMemChain(testStartHeight)
	alice, bob := testChannelPair(
		t, chain, 5_000_000, 5_000_000,
		FaultFlags{ForceMalformedHtlc: true}, FaultFlags{},
	)

	height, err := chain.CurrentHeight()
	require.NoError(t, err)

	preimage := [32]byte{0x71}
	htlc, err := alice.AddHTLC(
		100_000, PaymentHash(sha256.Sum256(preimage[:])), height+40,
	)
	require.NoError(t, err)
	require.NoError(t, bob.ReceiveHTLC(htlc))

	_, _, err = ForceStateTransition(alice, bob)
	require.NoError(t, err)

	// The corrupted payment hash can never be satisfied.
	err = bob.SettleHTLC(htlc.ID, preimage)
	require.ErrorIs(t, err, ErrPreimageMismatch)
}

func TestBreachRemedyRecordFromRevocation(t *testing.T) {
	t.Parallel()

	chain := chainwatch.NewMemChain(testStartHeight)
	alice, bob := testChannelPair(
		t, chain, 5_000_000, 5_000_000, FaultFlags{}, FaultFlags{},
	)

	height, err := chain.CurrentHeight()
	require.NoError(t, err)

	preimage := [32]byte{0x81}
	htlc, err := alice.AddHTLC(
		300_000, PaymentHash(sha256.Sum256(preimage[:])), height+40,
	)
	require.NoError(t, err)
	require.NoError(t, bob.ReceiveHTLC(htlc))

	aliceRecord, _, err := ForceStateTransition(alice, bob)
	require.NoError(t, err)

	// The HTLC entered at CTN 1, so the record for the revoked CTN 0
	// state carries no HTLC outputs yet.
	require.Equal(t, uint64(0), aliceRecord.Ctn)
	require.Equal(t, alice.ChanID(), aliceRecord.ChanID)
	require.Empty(t, aliceRecord.Htlcs)

	// A second round supersedes CTN 1, whose record must now cover the
	// still-open HTLC output. The first record returned below is bob's,
	// covering alice's freshly revoked commitment.
	revokedTxid := bob.RemoteCommitment().Tx.TxHash()

	preimage2 := [32]byte{0x82}
	htlc2, err := bob.AddHTLC(
		50_000, PaymentHash(sha256.Sum256(preimage2[:])), height+50,
	)
	require.NoError(t, err)
	require.NoError(t, alice.ReceiveHTLC(htlc2))

	aliceRecord2, _, err := ForceStateTransition(bob, alice)
	require.NoError(t, err)

	require.Equal(t, uint64(1), aliceRecord2.Ctn)
	require.Equal(t, revokedTxid, aliceRecord2.CommitTxid)
	require.Len(t, aliceRecord2.Htlcs, 1)
	require.Equal(t, htlc.PaymentHash, aliceRecord2.Htlcs[0].PaymentHash)

	// Round trip through the persistence encoding.
	var buf bytes.Buffer
	require.NoError(t, aliceRecord2.Encode(&buf))
	decoded, err := DecodeBreachRemedyRecord(&buf)
	require.NoError(t, err)

	require.Equal(t, aliceRecord2.Ctn, decoded.Ctn)
	require.Equal(t, aliceRecord2.ChanID, decoded.ChanID)
	require.Equal(t, aliceRecord2.CommitTxid, decoded.CommitTxid)
	require.Equal(t, aliceRecord2.RevocationSecret, decoded.RevocationSecret)
	require.Equal(
		t, aliceRecord2.CommitPoint.SerializeCompressed(),
		decoded.CommitPoint.SerializeCompressed(),
	)
	require.Equal(t, aliceRecord2.ToLocalIndex, decoded.ToLocalIndex)
	require.Equal(t, aliceRecord2.ToLocalScript, decoded.ToLocalScript)
	require.Equal(t, aliceRecord2.Htlcs, decoded.Htlcs)
}
