// Package blob defines the encrypted payload a channel party deposits with
// a watchtower. The tower stores the payload against a breach hint derived
// from the revoked commitment's txid; only once that commitment appears
// on-chain does the tower learn the full txid, and with it the key that
// decrypts the payload.
package blob

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/tlv"
	"golang.org/x/crypto/chacha20poly1305"
)

// BreachHintSize is the truncation of a commitment txid the tower indexes
// blobs by. The truncated prefix identifies a breach without revealing
// enough to derive the decryption key.
const BreachHintSize = 16

var (
	// ErrCiphertextTooSmall signals a payload shorter than a nonce and
	// authentication tag.
	ErrCiphertextTooSmall = errors.New("ciphertext too small")
)

// BreachHint is the lookup key a tower scans block txids against.
type BreachHint [BreachHintSize]byte

// BreachKey decrypts the blob deposited under the matching hint.
type BreachKey [sha256.Size]byte

// NewBreachHintFromHash truncates a commitment txid to its hint.
func NewBreachHintFromHash(hash *chainhash.Hash) BreachHint {
	var hint BreachHint
	copy(hint[:], hash[:BreachHintSize])
	return hint
}

// NewBreachKeyFromHash derives the blob encryption key from the full
// commitment txid.
func NewBreachKeyFromHash(hash *chainhash.Hash) BreachKey {
	return BreachKey(sha256.Sum256(hash[:]))
}

// JusticeKit is the plaintext content of a tower blob: a justice
// transaction pre-signed by the depositing party, ready for broadcast the
// moment the matching breach confirms.
type JusticeKit struct {
	// Ctn is the revoked commitment number the kit punishes.
	Ctn uint64

	// JusticeTx is the serialized, fully signed justice transaction.
	JusticeTx []byte
}

const (
	typeCtn       tlv.Type = 1
	typeJusticeTx tlv.Type = 3
)

// Encode writes the kit as a tlv stream.
func (k *JusticeKit) Encode(w io.Writer) error {
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeCtn, &k.Ctn),
		tlv.MakePrimitiveRecord(typeJusticeTx, &k.JusticeTx),
	)
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

// Decode reads a kit from a tlv stream.
func (k *JusticeKit) Decode(r io.Reader) error {
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeCtn, &k.Ctn),
		tlv.MakePrimitiveRecord(typeJusticeTx, &k.JusticeTx),
	)
	if err != nil {
		return err
	}

	return stream.Decode(r)
}

// JusticeTxn deserializes the embedded justice transaction.
func (k *JusticeKit) JusticeTxn() (*wire.MsgTx, error) {
	tx := wire.NewMsgTx(2)
	if err := tx.Deserialize(bytes.NewReader(k.JusticeTx)); err != nil {
		return nil, err
	}

	return tx, nil
}

// NewJusticeKitFromTx packages a signed justice transaction.
func NewJusticeKitFromTx(ctn uint64, justiceTx *wire.MsgTx) (*JusticeKit,
	error) {

	var buf bytes.Buffer
	if err := justiceTx.Serialize(&buf); err != nil {
		return nil, err
	}

	return &JusticeKit{Ctn: ctn, JusticeTx: buf.Bytes()}, nil
}

// Encrypt seals the kit under the breach key. The random nonce is prepended
// to the returned ciphertext.
func (k *JusticeKit) Encrypt(key BreachKey) ([]byte, error) {
	var plaintext bytes.Buffer
	if err := k.Encode(&plaintext); err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return aead.Seal(nonce, nonce, plaintext.Bytes(), nil), nil
}

// Decrypt opens a sealed kit with the breach key recovered from the
// on-chain commitment txid.
func Decrypt(ciphertext []byte, key BreachKey) (*JusticeKit, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrCiphertextTooSmall
	}

	nonce := ciphertext[:aead.NonceSize()]
	plaintext, err := aead.Open(
		nil, nonce, ciphertext[aead.NonceSize():], nil,
	)
	if err != nil {
		return nil, err
	}

	kit := &JusticeKit{}
	if err := kit.Decode(bytes.NewReader(plaintext)); err != nil {
		return nil, err
	}

	return kit, nil
}
