package chainwatch

import (
	"errors"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrTxNotFound is returned by GetTx when the requested transaction is
	// unknown to the backend, either because it was never broadcast or
	// because a reorg removed it from the best chain.
	ErrTxNotFound = errors.New("transaction not found")

	// ErrBlockNotFound is returned when a block at the requested height
	// does not exist on the current best chain.
	ErrBlockNotFound = errors.New("block not found")
)

// RejectReason describes why the backend refused to accept a transaction for
// broadcast.
type RejectReason uint8

const (
	// RejectUnknown is used when no more precise reason is available.
	RejectUnknown RejectReason = iota

	// RejectDoubleSpend indicates the transaction spends an output that
	// has already been spent on the best chain or by a transaction in the
	// mempool.
	RejectDoubleSpend

	// RejectInvalid indicates the transaction failed script or sanity
	// validation.
	RejectInvalid
)

// String returns a human readable reject reason.
func (r RejectReason) String() string {
	switch r {
	case RejectDoubleSpend:
		return "double spend"
	case RejectInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// BroadcastError is returned by Broadcast when the backend rejects a
// transaction. It carries the reject reason so callers can distinguish a
// fatal rejection from one worth retrying.
type BroadcastError struct {
	Reason RejectReason
	Detail string
}

// Error implements the error interface.
func (e *BroadcastError) Error() string {
	return "broadcast rejected (" + e.Reason.String() + "): " + e.Detail
}

// SpendDetail describes how a watched outpoint was spent: the transaction
// that consumed it, the index of the consuming input, and the height at
// which the spend confirmed.
type SpendDetail struct {
	SpendingTx        *wire.MsgTx
	SpenderTxHash     chainhash.Hash
	SpenderInputIndex uint32
	SpendingHeight    uint32
}

// Watcher is the view of the chain consumed by the channel engine, the breach
// monitor and the watchtower lookout. Implementations are expected to present
// eventual, causally ordered visibility of confirmed transactions; no caller
// may assume exclusive access.
type Watcher interface {
	// CurrentHeight returns the height of the best chain tip.
	CurrentHeight() (uint32, error)

	// GetTx fetches a transaction by txid from the best chain or the
	// mempool. ErrTxNotFound is returned if it is known to neither.
	GetTx(txid chainhash.Hash) (*wire.MsgTx, error)

	// TxConfirmations returns the number of confirmations of txid. A
	// transaction in the mempool has zero confirmations. ErrTxNotFound is
	// returned for unknown transactions, including ones dropped by a
	// reorg.
	TxConfirmations(txid chainhash.Hash) (uint32, error)

	// IsOutputSpent reports whether the given outpoint has been consumed
	// by a confirmed transaction.
	IsOutputSpent(op wire.OutPoint) (bool, error)

	// SpendingTx returns the details of the confirmed transaction
	// spending the given outpoint, or nil if it is unspent.
	SpendingTx(op wire.OutPoint) (*SpendDetail, error)

	// BlockTxns returns all transactions confirmed at the given height.
	BlockTxns(height uint32) ([]*wire.MsgTx, error)

	// Broadcast submits a raw transaction to the network, returning its
	// txid. Rejections are reported as *BroadcastError.
	Broadcast(tx *wire.MsgTx) (chainhash.Hash, error)
}
