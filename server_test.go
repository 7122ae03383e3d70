package electrumchi

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"

	"github.com/CryptoCrowdOnline/electrum-chi/chainwatch"
	"github.com/CryptoCrowdOnline/electrum-chi/channeldb"
	"github.com/CryptoCrowdOnline/electrum-chi/input"
	"github.com/CryptoCrowdOnline/electrum-chi/lnchannel"
	"github.com/CryptoCrowdOnline/electrum-chi/shachain"
	"github.com/CryptoCrowdOnline/electrum-chi/watchtower/wtdb"
	"github.com/CryptoCrowdOnline/electrum-chi/watchtower/wtserver"
)

const testStartHeight = 100

var testSweepScript = []byte{
	0x00, 0x14, 0xaa, 0xbb, 0xcc, 0xdd, 0xaa, 0xbb, 0xcc, 0xdd,
	0xaa, 0xbb, 0xcc, 0xdd, 0xaa, 0xbb, 0xcc, 0xdd, 0xaa, 0xbb,
	0xcc, 0xdd,
}

type serverHarness struct {
	t     *testing.T
	chain *chainwatch.MemChain

	server   *Server
	chanID   lnchannel.ChannelID
	peer     *LocalPeer
	invoices *InvoiceRegistry
}

func harnessKey(tag byte) *btcec.PrivateKey {
	var raw [32]byte
	raw[0] = tag
	raw[31] = tag ^ 0xc3

	priv, _ := btcec.PrivKeyFromBytes(raw[:])
	return priv
}

func commitPoints(root chainhash.Hash) (*btcec.PublicKey, *btcec.PublicKey,
	error) {

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

// newServerHarness stands up a server whose single channel is peered with
// an in-process counterparty holding the invoice registry.
func newServerHarness(t *testing.T) *serverHarness {
	t.Helper()

	chain := chainwatch.NewMemChain(testStartHeight)

	aliceKeys := &lnchannel.LocalKeys{
		MultiSigPriv:       harnessKey(0x31),
		CommitPriv:         harnessKey(0x32),
		RevocationBasePriv: harnessKey(0x33),
	}
	bobKeys := &lnchannel.LocalKeys{
		MultiSigPriv:       harnessKey(0x41),
		CommitPriv:         harnessKey(0x42),
		RevocationBasePriv: harnessKey(0x43),
	}

	capacity := btcutil.Amount(15_000_000)
	aliceBalance := btcutil.Amount(10_000_000)
	bobBalance := capacity - aliceBalance

	aliceCfg := &lnchannel.ChannelConfig{
		MultiSigKey:         aliceKeys.MultiSigPriv.PubKey(),
		CommitKey:           aliceKeys.CommitPriv.PubKey(),
		RevocationBasepoint: aliceKeys.RevocationBasePriv.PubKey(),
		DustLimit:           lnchannel.DefaultDustLimit,
		CsvDelay:            lnchannel.DefaultCsvDelay,
		ChanReserve:         capacity / 100,
	}
	bobCfg := &lnchannel.ChannelConfig{
		MultiSigKey:         bobKeys.MultiSigPriv.PubKey(),
		CommitKey:           bobKeys.CommitPriv.PubKey(),
		RevocationBasepoint: bobKeys.RevocationBasePriv.PubKey(),
		DustLimit:           lnchannel.DefaultDustLimit,
		CsvDelay:            lnchannel.DefaultCsvDelay,
		ChanReserve:         capacity / 100,
	}

	aliceRoot := chainhash.Hash{0xc1}
	bobRoot := chainhash.Hash{0xc2}
	alicePoint0, alicePoint1, err := commitPoints(aliceRoot)
	require.NoError(t, err)
	bobPoint0, bobPoint1, err := commitPoints(bobRoot)
	require.NoError(t, err)

	_, fundingPkScript, err := input.GenFundingPkScript(
		aliceCfg.MultiSigKey.SerializeCompressed(),
		bobCfg.MultiSigKey.SerializeCompressed(),
	)
	require.NoError(t, err)

	fundingTx := wire.NewMsgTx(2)
	fundingTx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: chainhash.Hash{0x09}},
	})
	fundingTx.AddTxOut(wire.NewTxOut(int64(capacity), fundingPkScript))
	_, err = chain.Broadcast(fundingTx)
	require.NoError(t, err)
	chain.MineBlocks(lnchannel.DefaultFundingConfs)

	fundingOutpoint := wire.OutPoint{Hash: fundingTx.TxHash(), Index: 0}

	bobChannel, err := lnchannel.NewChannel(
		chain, &lnchannel.OpenChannelParams{
			FundingOutpoint:   fundingOutpoint,
			Capacity:          capacity,
			LocalBalance:      bobBalance,
			RemoteBalance:     aliceBalance,
			LocalInitiator:    false,
			FeePerKw:          lnchannel.TestFeePerKw,
			LocalCfg:          bobCfg,
			RemoteCfg:         aliceCfg,
			Keys:              bobKeys,
			RevocationRoot:    &bobRoot,
			RemoteFirstPoint:  alicePoint0,
			RemoteSecondPoint: alicePoint1,
		},
	)
	require.NoError(t, err)

	invoices := NewInvoiceRegistry()
	peer := NewLocalPeer(bobChannel, invoices)

	db, err := channeldb.Open(filepath.Join(t.TempDir(), "channel.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	cfg := DefaultConfig()
	cfg.FeePerKw = int64(lnchannel.TestFeePerKw)

	server := NewServer(ServerConfig{
		Cfg:                cfg,
		Chain:              chain,
		DB:                 db,
		RevocationBasePriv: aliceKeys.RevocationBasePriv,
		SweepPkScript:      testSweepScript,
		NewTicker: func() ticker.Ticker {
			return ticker.New(10 * time.Millisecond)
		},
	})
	server.Start()
	t.Cleanup(server.Stop)

	chanID, err := server.OpenChannel(&lnchannel.OpenChannelParams{
		FundingOutpoint:   fundingOutpoint,
		Capacity:          capacity,
		LocalBalance:      aliceBalance,
		RemoteBalance:     bobBalance,
		LocalInitiator:    true,
		FeePerKw:          lnchannel.TestFeePerKw,
		LocalCfg:          aliceCfg,
		RemoteCfg:         bobCfg,
		Keys:              aliceKeys,
		RevocationRoot:    &aliceRoot,
		RemoteFirstPoint:  bobPoint0,
		RemoteSecondPoint: bobPoint1,
	}, peer)
	require.NoError(t, err)

	open, err := server.PollFunding(chanID)
	require.NoError(t, err)
	require.True(t, open)

	bobOpen, err := bobChannel.FundingConfirmed()
	require.NoError(t, err)
	require.True(t, bobOpen)

	return &serverHarness{
		t:        t,
		chain:    chain,
		server:   server,
		chanID:   chanID,
		peer:     peer,
		invoices: invoices,
	}
}

func TestServerOpenAndList(t *testing.T) {
	t.Parallel()

	h := newServerHarness(t)

	infos := h.server.ListChannels()
	require.Len(t, infos, 1)
	require.Equal(t, h.chanID, infos[0].ChanID)
	require.Equal(t, lnchannel.StateOpen, infos[0].State)
	require.Equal(t, btcutil.Amount(15_000_000), infos[0].Capacity)
	require.Equal(t, btcutil.Amount(10_000_000), infos[0].LocalBalance)
	require.Zero(t, infos[0].ActiveHtlcs)

	_, err := h.server.Pay(lnchannel.ChannelID{0xff}, &Invoice{})
	require.ErrorIs(t, err, ErrChannelNotFound)
}

func TestServerPayInvoice(t *testing.T) {
	t.Parallel()

	h := newServerHarness(t)

	preimage := [32]byte{0xd1}
	invoice := h.invoices.AddInvoice(preimage, 2_000_000)

	got, err := h.server.Pay(h.chanID, invoice)
	require.NoError(t, err)
	require.Equal(t, preimage, got)

	infos := h.server.ListChannels()
	require.Equal(t, btcutil.Amount(8_000_000), infos[0].LocalBalance)
	require.Equal(t, btcutil.Amount(7_000_000), infos[0].RemoteBalance)
	require.Zero(t, infos[0].ActiveHtlcs)

	// The peer observed the same balances from its side.
	require.Equal(t, btcutil.Amount(7_000_000), h.peer.LocalBalance())

	// Paying an invoice nobody issued fails at settlement.
	bogus := &Invoice{
		PaymentHash: lnchannel.PaymentHash{0x99},
		Amount:      100_000,
	}
	_, err = h.server.Pay(h.chanID, bogus)
	require.ErrorIs(t, err, ErrPaymentTimeout)
}

func TestServerCooperativeClose(t *testing.T) {
	t.Parallel()

	h := newServerHarness(t)

	preimage := [32]byte{0xd2}
	_, err := h.server.Pay(
		h.chanID, h.invoices.AddInvoice(preimage, 1_000_000),
	)
	require.NoError(t, err)

	localScript := []byte{0x00, 0x14, 0x0a}
	remoteScript := []byte{0x00, 0x14, 0x0b}
	txid, err := h.server.CloseChannel(
		h.chanID, false, localScript, remoteScript,
	)
	require.NoError(t, err)

	// The close transaction sits in the mempool: the channel stays
	// CLOSING until a confirmation is observed.
	closed, err := h.server.PollClose(h.chanID)
	require.NoError(t, err)
	require.False(t, closed)

	infos := h.server.ListChannels()
	require.Equal(t, lnchannel.StateClosing, infos[0].State)

	h.chain.MineBlocks(1)
	confs, err := h.chain.TxConfirmations(txid)
	require.NoError(t, err)
	require.Equal(t, uint32(1), confs)

	closed, err = h.server.PollClose(h.chanID)
	require.NoError(t, err)
	require.True(t, closed)

	infos = h.server.ListChannels()
	require.Equal(t, lnchannel.StateClosed, infos[0].State)
}

func TestServerPollCloseWithoutPendingClose(t *testing.T) {
	t.Parallel()

	h := newServerHarness(t)

	_, err := h.server.PollClose(h.chanID)
	require.Error(t, err)
}

func TestServerForceCloseAndRawCommitment(t *testing.T) {
	t.Parallel()

	h := newServerHarness(t)

	raw, err := h.server.GetRawCommitment(h.chanID)
	require.NoError(t, err)

	var commitTx wire.MsgTx
	require.NoError(t, commitTx.Deserialize(bytes.NewReader(raw)))

	txid, err := h.server.CloseChannel(h.chanID, true, nil, nil)
	require.NoError(t, err)
	require.Equal(t, commitTx.TxHash(), txid)

	h.chain.MineBlocks(1)
	confs, err := h.chain.TxConfirmations(txid)
	require.NoError(t, err)
	require.Equal(t, uint32(1), confs)
}

func TestServerWatchtowerOperations(t *testing.T) {
	t.Parallel()

	h := newServerHarness(t)

	// Before configuration, tower queries fail.
	_, err := h.server.WatchtowerCtn(h.chanID)
	require.ErrorIs(t, err, ErrNoWatchtower)

	towerDB, err := wtdb.Open(filepath.Join(t.TempDir(), "tower.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, towerDB.Close())
	})
	h.server.ConfigureWatchtower(wtserver.New(towerDB))

	require.Error(t, h.server.SetWatchtowerURL("://not a url"))
	require.Error(t, h.server.SetWatchtowerURL("no-host-here"))
	require.NoError(t, h.server.SetWatchtowerURL(
		"https://tower.example.org:9911",
	))
	require.Equal(t, "https://tower.example.org:9911",
		h.server.WatchtowerURL())

	// Each payment round lands two revocations with the tower.
	_, err = h.server.Pay(
		h.chanID, h.invoices.AddInvoice([32]byte{0xd3}, 500_000),
	)
	require.NoError(t, err)

	ctn, err := h.server.WatchtowerCtn(h.chanID)
	require.NoError(t, err)
	require.Equal(t, uint64(1), ctn)
}
