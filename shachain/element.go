package shachain

import (
	"crypto/sha256"
	"errors"
	"math/bits"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

const (
	// maxHeight bounds the derivation tree. With 48 levels the chain
	// supports 2^48 per-commitment secrets, which also bounds the number
	// of state updates a channel can perform.
	maxHeight uint8 = 48
)

// startIndex is the derivation index handed out for commitment number zero.
// Successive commitment numbers count the index down towards zero.
const startIndex index = (1 << maxHeight) - 1

// ErrNotDerivable is returned when one element cannot be derived from
// another because their indexes do not share the required prefix.
var ErrNotDerivable = errors.New("indexes are not derivable")

// index identifies a single secret within the chain. An index b is derivable
// from index a iff a's bits form a prefix of b's above a's trailing zeros.
type index uint64

// newIndex maps a commitment number onto its derivation index. The chain
// hands out secrets in decreasing index order so that later secrets compress
// the storage of earlier ones.
func newIndex(ctn uint64) index {
	return startIndex - index(ctn)
}

// trailingZeros returns the number of trailing zero bits of the index,
// capped at the tree height. This is also the bucket an element belongs to.
func (i index) trailingZeros() uint8 {
	zeros := uint8(bits.TrailingZeros64(uint64(i)))
	if zeros > maxHeight {
		zeros = maxHeight
	}
	return zeros
}

// prefix masks off the lowest n bits of the index.
func (i index) prefix(n uint8) uint64 {
	return uint64(i) &^ ((1 << n) - 1)
}

// bit returns the bit of the index at the given position.
func (i index) bit(position uint8) uint8 {
	return uint8((uint64(i) >> position) & 1)
}

// element is a single output of the shachain PRF: a hash together with the
// index it sits at. Deriving one element from another flips the bits that
// differ below the source's trailing zeros, hashing after each flip.
type element struct {
	index index
	hash  chainhash.Hash
}

// derive computes the element at toIndex from e. It fails with
// ErrNotDerivable when toIndex does not extend e's index prefix.
func (e *element) derive(toIndex index) (*element, error) {
	from := e.index

	if from != toIndex && from.prefix(from.trailingZeros()) !=
		toIndex.prefix(from.trailingZeros()) {

		return nil, ErrNotDerivable
	}

	buf := e.hash.CloneBytes()
	if from != toIndex {
		zeros := from.trailingZeros()
		for position := int(zeros) - 1; position >= 0; position-- {
			if toIndex.bit(uint8(position)) == 0 {
				continue
			}

			// Flip the bit at the position, then hash the
			// intermediate state.
			buf[position/8] ^= 1 << (uint8(position) % 8)

			h := sha256.Sum256(buf)
			buf = h[:]
		}
	}

	hash, err := chainhash.NewHash(buf)
	if err != nil {
		return nil, err
	}

	return &element{
		index: toIndex,
		hash:  *hash,
	}, nil
}

// isEqual returns true if both elements carry the same index and hash.
func (e *element) isEqual(other *element) bool {
	return e.index == other.index && e.hash.IsEqual(&other.hash)
}
