package channeldb

import (
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/CryptoCrowdOnline/electrum-chi/lnchannel"
)

func testPubKey(t *testing.T) *btcec.PublicKey {
	t.Helper()

	var raw [32]byte
	raw[0] = 0x2d

	priv, _ := btcec.PrivKeyFromBytes(raw[:])
	return priv.PubKey()
}

func openTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open(filepath.Join(t.TempDir(), "channel.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	return db
}

func testSummary(tag byte) *ChannelSummary {
	outpoint := wire.OutPoint{Hash: chainhash.Hash{tag}, Index: 1}

	return &ChannelSummary{
		ChanID:          lnchannel.NewChannelID(outpoint),
		FundingOutpoint: outpoint,
		Peer:            "peer-042",
		State:           lnchannel.StateOpen,
		Capacity:        1_000_000,
		LocalBalance:    600_000,
		RemoteBalance:   350_000,
		Ctn:             7,
		ToSelfDelay:     144,
		DustLimit:       546,
		Htlcs: []lnchannel.HTLC{
			{
				ID:          3,
				Incoming:    true,
				Amount:      50_000,
				PaymentHash: lnchannel.PaymentHash{0x09},
				CltvExpiry:  900,
				State:       lnchannel.HtlcCommitted,
			},
		},
	}
}

func TestChannelSummaryPersistence(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)

	summary := testSummary(0x01)
	require.NoError(t, db.PutChannel(summary))

	loaded, err := db.FetchChannel(summary.ChanID)
	require.NoError(t, err)
	require.Equal(t, summary, loaded)

	// Updating the same channel replaces the stored summary.
	summary.Ctn = 8
	summary.LocalBalance = 550_000
	require.NoError(t, db.PutChannel(summary))

	loaded, err = db.FetchChannel(summary.ChanID)
	require.NoError(t, err)
	require.Equal(t, uint64(8), loaded.Ctn)

	require.NoError(t, db.PutChannel(testSummary(0x02)))
	all, err := db.ListChannels()
	require.NoError(t, err)
	require.Len(t, all, 2)

	_, err = db.FetchChannel(lnchannel.ChannelID{0xff})
	require.ErrorIs(t, err, ErrChannelNotFound)
}

func TestBreachRecordArenaAppendOnly(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)

	outpoint := wire.OutPoint{Hash: chainhash.Hash{0x0a}, Index: 0}
	chanID := lnchannel.NewChannelID(outpoint)

	record := func(ctn uint64) *lnchannel.BreachRemedyRecord {
		return &lnchannel.BreachRemedyRecord{
			ChanID:          chanID,
			Ctn:             ctn,
			FundingOutpoint: outpoint,
			CommitTxid:      chainhash.Hash{byte(ctn)},
			CommitPoint:     testPubKey(t),
			ToSelfDelay:     144,
			ToLocalIndex:    0,
			ToLocalAmount:   400_000,
			ToLocalScript:   []byte{0x51},
		}
	}

	require.NoError(t, db.PutBreachRecord(record(0)))
	require.NoError(t, db.PutBreachRecord(record(1)))
	require.NoError(t, db.PutBreachRecord(record(2)))

	// A record for an already covered commitment number is refused.
	err := db.PutBreachRecord(record(1))
	require.ErrorIs(t, err, ErrRecordExists)

	records, err := db.FetchBreachRecords(chanID)
	require.NoError(t, err)
	require.Len(t, records, 3)

	// Bucket iteration is key ordered, so records come back by
	// commitment number.
	for i, r := range records {
		require.Equal(t, uint64(i), r.Ctn)
	}

	// An unknown channel simply has no records.
	records, err = db.FetchBreachRecords(lnchannel.ChannelID{0xff})
	require.NoError(t, err)
	require.Empty(t, records)
}
