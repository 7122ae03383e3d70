// Package channeldb persists the channel state the engine cannot afford to
// lose: per-channel summaries, the current HTLC set, and the append-only
// arena of breach remedy records. Losing a breach record before the
// matching stale commitment is punished is a security-relevant data loss,
// so records are write-once and never compacted.
package channeldb

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/lightningnetwork/lnd/kvdb"

	"github.com/CryptoCrowdOnline/electrum-chi/lnchannel"
)

var (
	// channelBucket holds one entry per channel, keyed by channel id.
	channelBucket = []byte("channels")

	// breachBucket nests one sub-bucket per channel id, each keyed by
	// commitment number.
	breachBucket = []byte("breach-records")

	// ErrChannelNotFound is returned when looking up an unknown channel.
	ErrChannelNotFound = errors.New("channel not found")

	// ErrRecordExists guards the append-only property of the breach
	// record arena.
	ErrRecordExists = errors.New("breach record already present")

	byteOrder = binary.BigEndian
)

// DB is the channel database handle.
type DB struct {
	backend kvdb.Backend
}

// Open creates or opens the channel database at the given path.
func Open(dbPath string) (*DB, error) {
	backend, err := kvdb.Create(
		kvdb.BoltBackendName, dbPath, true, kvdb.DefaultDBTimeout,
	)
	if err != nil {
		return nil, err
	}

	db := &DB{backend: backend}

	err = kvdb.Update(backend, func(tx kvdb.RwTx) error {
		if _, err := tx.CreateTopLevelBucket(channelBucket); err != nil {
			return err
		}
		_, err := tx.CreateTopLevelBucket(breachBucket)
		return err
	}, func() {})
	if err != nil {
		backend.Close()
		return nil, err
	}

	return db, nil
}

// Close releases the underlying backend.
func (d *DB) Close() error {
	return d.backend.Close()
}

// PutChannel stores or replaces the summary of a channel.
func (d *DB) PutChannel(summary *ChannelSummary) error {
	var buf bytes.Buffer
	if err := summary.Encode(&buf); err != nil {
		return err
	}

	return kvdb.Update(d.backend, func(tx kvdb.RwTx) error {
		bucket := tx.ReadWriteBucket(channelBucket)
		return bucket.Put(summary.ChanID[:], buf.Bytes())
	}, func() {})
}

// FetchChannel loads the summary of a single channel.
func (d *DB) FetchChannel(chanID lnchannel.ChannelID) (*ChannelSummary,
	error) {

	var summary *ChannelSummary
	err := kvdb.View(d.backend, func(tx kvdb.RTx) error {
		bucket := tx.ReadBucket(channelBucket)
		raw := bucket.Get(chanID[:])
		if raw == nil {
			return ErrChannelNotFound
		}

		var err error
		summary, err = DecodeChannelSummary(bytes.NewReader(raw))
		return err
	}, func() {
		summary = nil
	})
	if err != nil {
		return nil, err
	}

	return summary, nil
}

// ListChannels returns the summaries of every known channel.
func (d *DB) ListChannels() ([]*ChannelSummary, error) {
	var summaries []*ChannelSummary
	err := kvdb.View(d.backend, func(tx kvdb.RTx) error {
		bucket := tx.ReadBucket(channelBucket)
		return bucket.ForEach(func(_, raw []byte) error {
			summary, err := DecodeChannelSummary(
				bytes.NewReader(raw),
			)
			if err != nil {
				return err
			}

			summaries = append(summaries, summary)
			return nil
		})
	}, func() {
		summaries = nil
	})
	if err != nil {
		return nil, err
	}

	return summaries, nil
}

// PutBreachRecord appends a breach remedy record for one revoked commitment
// number. A record already stored for that number is never overwritten.
func (d *DB) PutBreachRecord(record *lnchannel.BreachRemedyRecord) error {
	var buf bytes.Buffer
	if err := record.Encode(&buf); err != nil {
		return err
	}

	var ctnKey [8]byte
	byteOrder.PutUint64(ctnKey[:], record.Ctn)

	return kvdb.Update(d.backend, func(tx kvdb.RwTx) error {
		chans := tx.ReadWriteBucket(breachBucket)
		bucket, err := chans.CreateBucketIfNotExists(record.ChanID[:])
		if err != nil {
			return err
		}

		if bucket.Get(ctnKey[:]) != nil {
			return ErrRecordExists
		}

		return bucket.Put(ctnKey[:], buf.Bytes())
	}, func() {})
}

// FetchBreachRecords loads every retained breach remedy record of a
// channel, ordered by commitment number.
func (d *DB) FetchBreachRecords(
	chanID lnchannel.ChannelID) ([]*lnchannel.BreachRemedyRecord, error) {

	var records []*lnchannel.BreachRemedyRecord
	err := kvdb.View(d.backend, func(tx kvdb.RTx) error {
		chans := tx.ReadBucket(breachBucket)
		bucket := chans.NestedReadBucket(chanID[:])
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(_, raw []byte) error {
			record, err := lnchannel.DecodeBreachRemedyRecord(
				bytes.NewReader(raw),
			)
			if err != nil {
				return err
			}

			records = append(records, record)
			return nil
		})
	}, func() {
		records = nil
	})
	if err != nil {
		return nil, err
	}

	return records, nil
}
