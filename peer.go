package electrumchi

import (
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/CryptoCrowdOnline/electrum-chi/lnchannel"
)

// InvoiceRegistry holds the preimages of invoices a party issued, keyed by
// payment hash.
type InvoiceRegistry struct {
	mtx       sync.Mutex
	preimages map[lnchannel.PaymentHash][32]byte
}

// NewInvoiceRegistry creates an empty registry.
func NewInvoiceRegistry() *InvoiceRegistry {
	return &InvoiceRegistry{
		preimages: make(map[lnchannel.PaymentHash][32]byte),
	}
}

// AddInvoice registers a preimage and returns the invoice demanding it.
func (r *InvoiceRegistry) AddInvoice(preimage [32]byte,
	amount btcutil.Amount) *Invoice {

	hash := lnchannel.PaymentHash(sha256.Sum256(preimage[:]))

	r.mtx.Lock()
	r.preimages[hash] = preimage
	r.mtx.Unlock()

	return &Invoice{PaymentHash: hash, Amount: amount}
}

// Lookup returns the preimage for a payment hash, if known.
func (r *InvoiceRegistry) Lookup(
	hash lnchannel.PaymentHash) ([32]byte, bool) {

	r.mtx.Lock()
	defer r.mtx.Unlock()

	preimage, ok := r.preimages[hash]
	return preimage, ok
}

// LocalPeer backs the Peer interface directly with the counterparty's
// channel state machine, for setups where both ends live in one process.
// The embedded channel provides the protocol messages; the registry
// answers invoice settlement.
type LocalPeer struct {
	*lnchannel.Channel

	invoices *InvoiceRegistry
}

// NewLocalPeer wraps a channel and its invoice registry as a Peer.
func NewLocalPeer(channel *lnchannel.Channel,
	invoices *InvoiceRegistry) *LocalPeer {

	return &LocalPeer{Channel: channel, invoices: invoices}
}

// SettleInvoice settles a committed incoming HTLC whose payment hash
// matches a registered invoice, returning the preimage.
func (p *LocalPeer) SettleInvoice(id uint64) ([32]byte, error) {
	var hash lnchannel.PaymentHash
	found := false
	for _, htlc := range p.ActiveHtlcs() {
		if htlc.ID == id && htlc.Incoming {
			hash = htlc.PaymentHash
			found = true
			break
		}
	}
	if !found {
		return [32]byte{}, lnchannel.ErrUnknownHtlc
	}

	preimage, ok := p.invoices.Lookup(hash)
	if !ok {
		return [32]byte{}, fmt.Errorf("no invoice for hash %x", hash)
	}

	if err := p.SettleHTLC(id, preimage); err != nil {
		return [32]byte{}, err
	}

	return preimage, nil
}

// AcceptCooperativeClose co-signs a mutual close from this peer's side.
func (p *LocalPeer) AcceptCooperativeClose(localScript,
	remoteScript []byte) ([]byte, error) {

	_, sig, err := p.InitCooperativeClose(localScript, remoteScript)
	return sig, err
}
