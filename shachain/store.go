package shachain

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

var (
	// ErrUnknownSecret is returned by LookUp when the requested secret
	// cannot be derived from the elements currently held by the store.
	ErrUnknownSecret = errors.New("no stored element derives the " +
		"requested secret")

	// ErrInvalidEntry is returned when a secret handed to AddNextEntry
	// is not consistent with the previously received secrets, indicating
	// the counterparty is not following the chain.
	ErrInvalidEntry = errors.New("secret is not derivable from " +
		"previously received secrets")
)

// Store is an interface which serves as an abstraction over the data
// structure responsible for efficiently storing and restoring previously
// revealed per-commitment secrets by commitment number.
type Store interface {
	// LookUp restores the secret for the given commitment number. Only
	// secrets at or before the most recently added commitment number can
	// be restored.
	LookUp(ctn uint64) (*chainhash.Hash, error)

	// AddNextEntry stores the next revealed secret. Secrets MUST be added
	// in the order they are produced, and each is verified to be
	// consistent with those received before it.
	AddNextEntry(hash *chainhash.Hash) error

	// Encode writes a binary serialization of the store to w.
	Encode(w io.Writer) error
}

// RevocationStore holds the per-commitment secrets revealed by the remote
// party. The secrets arrive in decreasing index order, which lets the store
// retain only O(log n) elements while remaining able to re-derive every
// previously revealed secret. Retention is permanent: nothing is ever
// evicted, because any revealed secret may be needed to punish a breach for
// the lifetime of the channel.
type RevocationStore struct {
	// numBuckets is the number of currently occupied buckets.
	numBuckets uint8

	// buckets holds one element per trailing-zero count. Every earlier
	// element is derivable from one of these.
	buckets [maxHeight]element

	// nextIndex is the derivation index expected for the next entry.
	nextIndex index
}

// A compile time check to ensure RevocationStore implements the Store
// interface.
var _ Store = (*RevocationStore)(nil)

// NewRevocationStore creates a new empty revocation store.
func NewRevocationStore() *RevocationStore {
	return &RevocationStore{
		nextIndex: startIndex,
	}
}

// NewRevocationStoreFromBytes recreates a store from its serialization.
func NewRevocationStoreFromBytes(r io.Reader) (*RevocationStore, error) {
	store := &RevocationStore{}

	err := binary.Read(r, binary.BigEndian, &store.numBuckets)
	if err != nil {
		return nil, err
	}

	for i := uint8(0); i < store.numBuckets; i++ {
		var elemIndex index
		err := binary.Read(r, binary.BigEndian, &elemIndex)
		if err != nil {
			return nil, err
		}

		var hash chainhash.Hash
		if _, err := io.ReadFull(r, hash[:]); err != nil {
			return nil, err
		}

		store.buckets[i] = element{
			index: elemIndex,
			hash:  hash,
		}
	}

	err = binary.Read(r, binary.BigEndian, &store.nextIndex)
	if err != nil {
		return nil, err
	}

	return store, nil
}

// NumReceived returns how many secrets have been added to the store.
func (s *RevocationStore) NumReceived() uint64 {
	return uint64(startIndex - s.nextIndex)
}

// LookUp restores the secret for the given commitment number.
//
// NOTE: This function is part of the Store interface.
func (s *RevocationStore) LookUp(ctn uint64) (*chainhash.Hash, error) {
	target := newIndex(ctn)

	for i := uint8(0); i < s.numBuckets; i++ {
		derived, err := s.buckets[i].derive(target)
		if err != nil {
			continue
		}

		return &derived.hash, nil
	}

	return nil, ErrUnknownSecret
}

// AddNextEntry stores the next revealed secret, after verifying every
// element the new secret should compress remains derivable from it.
//
// NOTE: This function is part of the Store interface.
func (s *RevocationStore) AddNextEntry(hash *chainhash.Hash) error {
	entry := element{
		index: s.nextIndex,
		hash:  *hash,
	}

	bucket := entry.index.trailingZeros()
	for i := uint8(0); i < bucket; i++ {
		derived, err := entry.derive(s.buckets[i].index)
		if err != nil {
			return err
		}

		if !derived.isEqual(&s.buckets[i]) {
			return ErrInvalidEntry
		}
	}

	s.buckets[bucket] = entry
	if bucket+1 > s.numBuckets {
		s.numBuckets = bucket + 1
	}

	s.nextIndex--

	return nil
}

// Encode writes a binary serialization of the store to w.
//
// NOTE: This function is part of the Store interface.
func (s *RevocationStore) Encode(w io.Writer) error {
	err := binary.Write(w, binary.BigEndian, s.numBuckets)
	if err != nil {
		return err
	}

	for i := uint8(0); i < s.numBuckets; i++ {
		elem := s.buckets[i]

		err := binary.Write(w, binary.BigEndian, elem.index)
		if err != nil {
			return err
		}

		if _, err := w.Write(elem.hash[:]); err != nil {
			return err
		}
	}

	return binary.Write(w, binary.BigEndian, s.nextIndex)
}
