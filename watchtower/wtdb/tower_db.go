// Package wtdb implements the persistent state of a watchtower. The tower
// stores, per channel tag, the highest state number it has been asked to
// defend, and an index from breach hints to the encrypted justice blobs
// submitted by clients.
package wtdb

import (
	"encoding/binary"
	"errors"

	"github.com/CryptoCrowdOnline/electrum-chi/watchtower/blob"
	"github.com/lightningnetwork/lnd/kvdb"
)

var (
	// sessionBucket maps a channel tag to the highest committed state
	// number seen for that tag.
	sessionBucket = []byte("tower-sessions")

	// blobBucket maps a breach hint to the encrypted justice blob that
	// should be decrypted and broadcast if the hint is ever matched
	// on-chain.
	blobBucket = []byte("tower-blobs")

	// ErrUnknownChannelTag is returned when querying the state number of
	// a tag the tower has never accepted an update for.
	ErrUnknownChannelTag = errors.New("unknown channel tag")

	// ErrStateRegression is returned when a client submits an update
	// whose state number is not greater than the last accepted one.
	ErrStateRegression = errors.New("state number regression")

	// ErrBlobNotFound is returned when no blob is stored under the
	// queried breach hint.
	ErrBlobNotFound = errors.New("no blob for breach hint")
)

// ChannelTag identifies a channel to the tower without revealing which
// channel it is. Clients derive it from data the tower cannot link to an
// on-chain funding output.
type ChannelTag [32]byte

// TowerDB is the bolt-backed store used by the watchtower lookout and
// server.
type TowerDB struct {
	backend kvdb.Backend
}

// Open creates or opens the tower database at the given path.
func Open(dbPath string) (*TowerDB, error) {
	backend, err := kvdb.Create(
		kvdb.BoltBackendName, dbPath, true, kvdb.DefaultDBTimeout,
	)
	if err != nil {
		return nil, err
	}

	db := &TowerDB{backend: backend}

	err = kvdb.Update(backend, func(tx kvdb.RwTx) error {
		if _, err := tx.CreateTopLevelBucket(sessionBucket); err != nil {
			return err
		}
		_, err := tx.CreateTopLevelBucket(blobBucket)
		return err
	}, func() {})
	if err != nil {
		return nil, err
	}

	return db, nil
}

// Close shuts down the underlying database.
func (d *TowerDB) Close() error {
	return d.backend.Close()
}

// InsertStateUpdate records an encrypted blob for the given tag and state
// number. The state number must be strictly greater than any previously
// accepted update for the tag, otherwise ErrStateRegression is returned
// and the store is left unchanged.
func (d *TowerDB) InsertStateUpdate(tag ChannelTag, ctn uint64,
	hint blob.BreachHint, encBlob []byte) error {

	return kvdb.Update(d.backend, func(tx kvdb.RwTx) error {
		sessions := tx.ReadWriteBucket(sessionBucket)
		if sessions == nil {
			return ErrUnknownChannelTag
		}

		if lastBytes := sessions.Get(tag[:]); lastBytes != nil {
			last := binary.BigEndian.Uint64(lastBytes)
			if ctn <= last {
				return ErrStateRegression
			}
		}

		var ctnBytes [8]byte
		binary.BigEndian.PutUint64(ctnBytes[:], ctn)
		if err := sessions.Put(tag[:], ctnBytes[:]); err != nil {
			return err
		}

		blobs := tx.ReadWriteBucket(blobBucket)
		return blobs.Put(hint[:], encBlob)
	}, func() {})
}

// GetCurrentCtn returns the highest state number accepted for the tag.
func (d *TowerDB) GetCurrentCtn(tag ChannelTag) (uint64, error) {
	var ctn uint64
	err := kvdb.View(d.backend, func(tx kvdb.RTx) error {
		sessions := tx.ReadBucket(sessionBucket)
		if sessions == nil {
			return ErrUnknownChannelTag
		}

		ctnBytes := sessions.Get(tag[:])
		if ctnBytes == nil {
			return ErrUnknownChannelTag
		}

		ctn = binary.BigEndian.Uint64(ctnBytes)
		return nil
	}, func() {
		ctn = 0
	})
	if err != nil {
		return 0, err
	}

	return ctn, nil
}

// FindBlob looks up the encrypted blob stored under the given breach hint.
func (d *TowerDB) FindBlob(hint blob.BreachHint) ([]byte, error) {
	var encBlob []byte
	err := kvdb.View(d.backend, func(tx kvdb.RTx) error {
		blobs := tx.ReadBucket(blobBucket)
		if blobs == nil {
			return ErrBlobNotFound
		}

		stored := blobs.Get(hint[:])
		if stored == nil {
			return ErrBlobNotFound
		}

		encBlob = make([]byte, len(stored))
		copy(encBlob, stored)
		return nil
	}, func() {
		encBlob = nil
	})
	if err != nil {
		return nil, err
	}

	return encBlob, nil
}
