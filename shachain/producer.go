package shachain

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Producer is an interface which serves as an abstraction over the data
// structure responsible for efficiently generating the secrets for a
// particular index based on one initial seed.
type Producer interface {
	// AtIndex produces the secret for the given commitment number.
	AtIndex(ctn uint64) (*chainhash.Hash, error)
}

// RevocationProducer is a concrete implementation of the Producer interface:
// a full 2^48-entry chain of per-commitment secrets generated from a single
// 32-byte seed. The party owning the seed can cheaply produce the secret for
// any commitment number, while a counterparty holding only revealed secrets
// can never derive an unrevealed one.
type RevocationProducer struct {
	root element
}

// A compile time check to ensure RevocationProducer implements the Producer
// interface.
var _ Producer = (*RevocationProducer)(nil)

// NewRevocationProducer creates a new revocation producer from a seed.
func NewRevocationProducer(seed chainhash.Hash) *RevocationProducer {
	return &RevocationProducer{
		root: element{
			index: 0,
			hash:  seed,
		},
	}
}

// AtIndex produces the per-commitment secret for the given commitment
// number.
//
// NOTE: This function is part of the Producer interface.
func (p *RevocationProducer) AtIndex(ctn uint64) (*chainhash.Hash, error) {
	derived, err := p.root.derive(newIndex(ctn))
	if err != nil {
		return nil, err
	}

	return &derived.hash, nil
}
