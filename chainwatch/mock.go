package chainwatch

import (
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// txEntry couples a confirmed transaction with the height it confirmed at.
type txEntry struct {
	tx     *wire.MsgTx
	height uint32
}

// MemChain is an in-memory implementation of the Watcher interface. It models
// a chain as a sequence of blocks with a simple mempool, tracks spent
// outpoints, and rejects double spends at broadcast time. It is used by the
// test harnesses and the regtest driver; it performs no script validation.
type MemChain struct {
	mtx sync.Mutex

	height uint32
	blocks map[uint32][]*wire.MsgTx

	// txIndex maps confirmed txids to their entry.
	txIndex map[chainhash.Hash]txEntry

	// spendIndex maps each spent outpoint to the spend that consumed it.
	spendIndex map[wire.OutPoint]*SpendDetail

	mempool       map[chainhash.Hash]*wire.MsgTx
	mempoolSpends map[wire.OutPoint]chainhash.Hash
}

// A compile time check to ensure MemChain implements the Watcher interface.
var _ Watcher = (*MemChain)(nil)

// NewMemChain creates a new in-memory chain whose tip is at the given height.
func NewMemChain(startHeight uint32) *MemChain {
	return &MemChain{
		height:        startHeight,
		blocks:        make(map[uint32][]*wire.MsgTx),
		txIndex:       make(map[chainhash.Hash]txEntry),
		spendIndex:    make(map[wire.OutPoint]*SpendDetail),
		mempool:       make(map[chainhash.Hash]*wire.MsgTx),
		mempoolSpends: make(map[wire.OutPoint]chainhash.Hash),
	}
}

// CurrentHeight returns the height of the best chain tip.
func (m *MemChain) CurrentHeight() (uint32, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	return m.height, nil
}

// GetTx fetches a transaction by txid from the chain or mempool.
func (m *MemChain) GetTx(txid chainhash.Hash) (*wire.MsgTx, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if entry, ok := m.txIndex[txid]; ok {
		return entry.tx, nil
	}
	if tx, ok := m.mempool[txid]; ok {
		return tx, nil
	}

	return nil, ErrTxNotFound
}

// TxConfirmations returns the number of confirmations of txid.
func (m *MemChain) TxConfirmations(txid chainhash.Hash) (uint32, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if entry, ok := m.txIndex[txid]; ok {
		return m.height - entry.height + 1, nil
	}
	if _, ok := m.mempool[txid]; ok {
		return 0, nil
	}

	return 0, ErrTxNotFound
}

// IsOutputSpent reports whether the given outpoint has been consumed by a
// confirmed transaction.
func (m *MemChain) IsOutputSpent(op wire.OutPoint) (bool, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	_, ok := m.spendIndex[op]
	return ok, nil
}

// SpendingTx returns the confirmed spend of the given outpoint, if any.
func (m *MemChain) SpendingTx(op wire.OutPoint) (*SpendDetail, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	detail, ok := m.spendIndex[op]
	if !ok {
		return nil, nil
	}

	return detail, nil
}

// BlockTxns returns all transactions confirmed at the given height.
func (m *MemChain) BlockTxns(height uint32) ([]*wire.MsgTx, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if height > m.height {
		return nil, ErrBlockNotFound
	}

	return m.blocks[height], nil
}

// Broadcast submits a transaction to the mempool. Transactions spending an
// outpoint already consumed on chain or in the mempool are rejected with
// RejectDoubleSpend.
func (m *MemChain) Broadcast(tx *wire.MsgTx) (chainhash.Hash, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	txid := tx.TxHash()
	if _, ok := m.txIndex[txid]; ok {
		return txid, nil
	}
	if _, ok := m.mempool[txid]; ok {
		return txid, nil
	}

	for _, txIn := range tx.TxIn {
		op := txIn.PreviousOutPoint
		if spend, ok := m.spendIndex[op]; ok {
			return chainhash.Hash{}, &BroadcastError{
				Reason: RejectDoubleSpend,
				Detail: fmt.Sprintf("%v already spent by %v",
					op, spend.SpenderTxHash),
			}
		}
		if spender, ok := m.mempoolSpends[op]; ok {
			return chainhash.Hash{}, &BroadcastError{
				Reason: RejectDoubleSpend,
				Detail: fmt.Sprintf("%v double spent in "+
					"mempool by %v", op, spender),
			}
		}
	}

	m.mempool[txid] = tx
	for _, txIn := range tx.TxIn {
		m.mempoolSpends[txIn.PreviousOutPoint] = txid
	}

	log.Debugf("MemChain accepted tx %v into mempool", txid)

	return txid, nil
}

// MineBlocks extends the chain by n blocks. The first mined block confirms
// the current mempool contents; the remainder are empty.
func (m *MemChain) MineBlocks(n uint32) uint32 {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	for i := uint32(0); i < n; i++ {
		m.height++

		var txns []*wire.MsgTx
		for txid, tx := range m.mempool {
			txns = append(txns, tx)
			m.txIndex[txid] = txEntry{tx: tx, height: m.height}

			for idx, txIn := range tx.TxIn {
				op := txIn.PreviousOutPoint
				m.spendIndex[op] = &SpendDetail{
					SpendingTx:        tx,
					SpenderTxHash:     txid,
					SpenderInputIndex: uint32(idx),
					SpendingHeight:    m.height,
				}
				delete(m.mempoolSpends, op)
			}
		}

		m.blocks[m.height] = txns
		m.mempool = make(map[chainhash.Hash]*wire.MsgTx)
	}

	return m.height
}

// Rewind removes the top depth blocks from the chain, returning their
// transactions to the mempool. It is used to simulate reorgs: the withdrawn
// transactions are once again unconfirmed and may be re-mined or evicted.
func (m *MemChain) Rewind(depth uint32) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	for i := uint32(0); i < depth && m.height > 0; i++ {
		txns := m.blocks[m.height]
		delete(m.blocks, m.height)

		for _, tx := range txns {
			txid := tx.TxHash()
			delete(m.txIndex, txid)

			for _, txIn := range tx.TxIn {
				op := txIn.PreviousOutPoint
				delete(m.spendIndex, op)
				m.mempoolSpends[op] = txid
			}

			m.mempool[txid] = tx
		}

		m.height--
	}
}

// EvictTx removes a transaction from the mempool without confirming it,
// releasing the outpoints it was spending. Used to model a broadcast that
// vanished after a reorg.
func (m *MemChain) EvictTx(txid chainhash.Hash) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	tx, ok := m.mempool[txid]
	if !ok {
		return
	}

	delete(m.mempool, txid)
	for _, txIn := range tx.TxIn {
		delete(m.mempoolSpends, txIn.PreviousOutPoint)
	}
}
