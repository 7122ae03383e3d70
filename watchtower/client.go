// Package watchtower ties the channel engine to an external tower. The
// client half pre-signs a justice transaction for every revoked commitment,
// seals it under a key only the confirmed breach can reveal, and hands the
// sealed blob to the tower's server half.
package watchtower

import (
	"crypto/sha256"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/CryptoCrowdOnline/electrum-chi/lnchannel"
	"github.com/CryptoCrowdOnline/electrum-chi/watchtower/blob"
	"github.com/CryptoCrowdOnline/electrum-chi/watchtower/wtdb"
	"github.com/CryptoCrowdOnline/electrum-chi/watchtower/wtserver"
)

// tagSalt separates channel tags from other sha256 uses of the channel id.
var tagSalt = []byte("electrum-chi-tower-tag")

// NewChannelTag derives the opaque identifier a client registers a channel
// under. The tower cannot invert it to the funding outpoint or channel id.
func NewChannelTag(chanID lnchannel.ChannelID) wtdb.ChannelTag {
	h := sha256.New()
	h.Write(tagSalt)
	h.Write(chanID[:])

	var tag wtdb.ChannelTag
	copy(tag[:], h.Sum(nil))
	return tag
}

// ClientConfig bundles the signing material a client uses to pre-build
// justice transactions for the tower.
type ClientConfig struct {
	// Tower is the server the client deposits blobs with.
	Tower *wtserver.Server

	// RevocationBasePriv signs justice inputs once combined with the
	// revealed per-commitment secret.
	RevocationBasePriv *btcec.PrivateKey

	// SweepPkScript receives all punished funds.
	SweepPkScript []byte

	FeePerKw lnchannel.SatPerKWeight
}

// Client backs up revoked states to a watchtower as revocations arrive.
type Client struct {
	cfg ClientConfig
}

// NewClient creates a tower client from its config.
func NewClient(cfg ClientConfig) *Client {
	return &Client{cfg: cfg}
}

// BackupState uploads the remedy for one freshly revoked commitment. The
// justice transaction is signed here, while the client still holds its
// keys, so the tower can act with no cooperation from the client later.
func (c *Client) BackupState(record *lnchannel.BreachRemedyRecord) error {
	justiceTx, err := record.BuildJusticeTx(
		c.cfg.RevocationBasePriv, c.cfg.SweepPkScript, c.cfg.FeePerKw,
		nil,
	)
	if err != nil {
		return err
	}

	kit, err := blob.NewJusticeKitFromTx(record.Ctn, justiceTx)
	if err != nil {
		return err
	}

	key := blob.NewBreachKeyFromHash(&record.CommitTxid)
	encBlob, err := kit.Encrypt(key)
	if err != nil {
		return err
	}

	tag := NewChannelTag(record.ChanID)
	hint := blob.NewBreachHintFromHash(&record.CommitTxid)

	err = c.cfg.Tower.Submit(tag, record.Ctn, hint, encBlob)
	if err != nil {
		return err
	}

	log.Infof("Backed up revoked commitment %d of channel %v under hint "+
		"%x", record.Ctn, record.ChanID, hint)

	return nil
}

// TowerCtn asks the tower how far the backups for a channel reach.
func (c *Client) TowerCtn(chanID lnchannel.ChannelID) (uint64, error) {
	return c.cfg.Tower.CurrentCTN(NewChannelTag(chanID))
}
