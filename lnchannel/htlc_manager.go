package lnchannel

import (
	"crypto/sha256"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
)

// PaymentHash is the sha256 commitment to an HTLC preimage.
type PaymentHash [32]byte

// HtlcState describes where in its lifecycle an HTLC currently is.
type HtlcState uint8

const (
	// HtlcAdded is the state of an HTLC that has been proposed but is not
	// yet locked into both parties' commitments.
	HtlcAdded HtlcState = iota

	// HtlcCommitted is the state of an HTLC present in both parties'
	// current commitment transactions.
	HtlcCommitted

	// HtlcSettled is a terminal state: the preimage was revealed and the
	// amount credited to the receiving party at the next commitment.
	HtlcSettled

	// HtlcFailed is a terminal state: the HTLC was cancelled with a
	// reason code and the amount refunded to the sender at the next
	// commitment.
	HtlcFailed
)

// String returns a human readable htlc state.
func (s HtlcState) String() string {
	switch s {
	case HtlcAdded:
		return "Added"
	case HtlcCommitted:
		return "Committed"
	case HtlcSettled:
		return "Settled"
	case HtlcFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// FailCode enumerates the reasons an HTLC can be failed back.
type FailCode uint16

const (
	// FailNone is the zero value, present on non-failed HTLCs.
	FailNone FailCode = 0

	// FailUnknownPaymentHash indicates the receiver has no invoice
	// matching the payment hash.
	FailUnknownPaymentHash FailCode = 1

	// FailTimeout indicates the HTLC was cancelled because its expiry
	// deadline approached without settlement.
	FailTimeout FailCode = 2

	// FailTemporary indicates a transient failure; the payment may be
	// retried.
	FailTemporary FailCode = 3
)

// HTLC is a single conditional payment riding on a channel.
type HTLC struct {
	// ID is the index of the HTLC within the channel. IDs increase
	// monotonically and are never reused.
	ID uint64

	// Incoming is true if the remote party offered this HTLC to us,
	// meaning we are the party able to claim it by preimage.
	Incoming bool

	// Amount is the value locked in the HTLC.
	Amount btcutil.Amount

	// PaymentHash commits to the preimage that settles the HTLC.
	PaymentHash PaymentHash

	// CltvExpiry is the absolute block height after which the sender may
	// reclaim the amount if the HTLC remains unsettled.
	CltvExpiry uint32

	// State is the HTLC's position in its lifecycle.
	State HtlcState

	// FailReason carries the reason code once State is HtlcFailed.
	FailReason FailCode
}

// settledHtlc pairs a resolved HTLC with the preimage that settled it.
type settledHtlc struct {
	htlc     HTLC
	preimage [32]byte
}

// HtlcManager tracks the HTLCs of a single channel across its two
// commitment views: the committed view locked into both parties' current
// commitments, and the proposed view that additionally reflects staged adds,
// settles and fails pending the next mutual commitment.
type HtlcManager struct {
	// committed holds the HTLCs present in the current commitments.
	committed map[uint64]*HTLC

	// pendingAdds are proposed HTLCs awaiting the next commitment.
	pendingAdds map[uint64]*HTLC

	// pendingSettles maps committed HTLC ids to the revealed preimage.
	pendingSettles map[uint64][32]byte

	// pendingFails maps committed HTLC ids to a failure reason.
	pendingFails map[uint64]FailCode

	// faults carries the fault-injection toggles for this channel.
	faults FaultFlags
}

// NewHtlcManager creates an empty HTLC manager with the passed fault
// injection configuration.
func NewHtlcManager(faults FaultFlags) *HtlcManager {
	return &HtlcManager{
		committed:      make(map[uint64]*HTLC),
		pendingAdds:    make(map[uint64]*HTLC),
		pendingSettles: make(map[uint64][32]byte),
		pendingFails:   make(map[uint64]FailCode),
		faults:         faults,
	}
}

// AddProposed stages a new HTLC for inclusion in the next commitment.
func (m *HtlcManager) AddProposed(htlc *HTLC) error {
	if _, ok := m.committed[htlc.ID]; ok {
		return ErrUnknownHtlc
	}
	if _, ok := m.pendingAdds[htlc.ID]; ok {
		return ErrUnknownHtlc
	}

	htlc.State = HtlcAdded
	m.pendingAdds[htlc.ID] = htlc

	return nil
}

// Settle stages the settlement of a committed HTLC. It fails with
// ErrPreimageMismatch if sha256(preimage) differs from the stored payment
// hash, leaving the HTLC open. Only a mutual commitment removes the HTLC; a
// staged settlement can be superseded by nothing.
func (m *HtlcManager) Settle(id uint64, preimage [32]byte) error {
	if m.faults.DisableHtlcSettle {
		return ErrHtlcSettleDisabled
	}

	return m.stageSettle(id, preimage)
}

// stageSettle records a settlement without consulting the fault toggles. A
// settlement received from the counterparty must be honored even when this
// party refuses to issue its own.
func (m *HtlcManager) stageSettle(id uint64, preimage [32]byte) error {
	htlc, ok := m.committed[id]
	if !ok {
		return ErrUnknownHtlc
	}
	if _, ok := m.pendingSettles[id]; ok {
		return ErrUnknownHtlc
	}
	if _, ok := m.pendingFails[id]; ok {
		return ErrUnknownHtlc
	}

	if sha256.Sum256(preimage[:]) != [32]byte(htlc.PaymentHash) {
		return ErrPreimageMismatch
	}

	m.pendingSettles[id] = preimage

	return nil
}

// Fail stages the failure of a committed HTLC with a reason code. Symmetric
// to Settle, without a preimage.
func (m *HtlcManager) Fail(id uint64, reason FailCode) error {
	if _, ok := m.committed[id]; !ok {
		return ErrUnknownHtlc
	}
	if _, ok := m.pendingSettles[id]; ok {
		return ErrUnknownHtlc
	}
	if _, ok := m.pendingFails[id]; ok {
		return ErrUnknownHtlc
	}

	m.pendingFails[id] = reason

	return nil
}

// ExpireCheck returns the committed HTLCs whose cltv expiry has passed at
// the given height without a staged settlement. The channel owner must
// force close to avoid losing these outputs.
func (m *HtlcManager) ExpireCheck(height uint32) []HTLC {
	var expired []HTLC
	for id, htlc := range m.committed {
		if htlc.CltvExpiry > height {
			continue
		}
		if _, ok := m.pendingSettles[id]; ok {
			continue
		}

		expired = append(expired, *htlc)
	}

	sort.Slice(expired, func(i, j int) bool {
		return expired[i].ID < expired[j].ID
	})

	return expired
}

// CommittedView returns the HTLCs locked into the current commitments,
// ordered by id.
func (m *HtlcManager) CommittedView() []HTLC {
	view := make([]HTLC, 0, len(m.committed))
	for _, htlc := range m.committed {
		view = append(view, *htlc)
	}

	sort.Slice(view, func(i, j int) bool {
		return view[i].ID < view[j].ID
	})

	return view
}

// ProposedView returns the HTLC set as it will appear in the next
// commitment: the committed view minus staged settles/fails, plus staged
// adds, ordered by id.
func (m *HtlcManager) ProposedView() []HTLC {
	view := make([]HTLC, 0, len(m.committed)+len(m.pendingAdds))
	for id, htlc := range m.committed {
		if _, ok := m.pendingSettles[id]; ok {
			continue
		}
		if _, ok := m.pendingFails[id]; ok {
			continue
		}

		view = append(view, *htlc)
	}
	for _, htlc := range m.pendingAdds {
		view = append(view, *htlc)
	}

	sort.Slice(view, func(i, j int) bool {
		return view[i].ID < view[j].ID
	})

	return view
}

// Lookup returns the HTLC with the given id from the committed set, falling
// back to staged adds.
func (m *HtlcManager) Lookup(id uint64) (*HTLC, bool) {
	if htlc, ok := m.committed[id]; ok {
		return htlc, true
	}
	if htlc, ok := m.pendingAdds[id]; ok {
		return htlc, true
	}

	return nil, false
}

// stagedBalanceDeltas returns the balance movements, relative to the local
// party, that folding the staged updates into the next commitment will
// cause. Adding an HTLC debits the sender, settling credits the receiver,
// failing refunds the sender.
func (m *HtlcManager) stagedBalanceDeltas() (localDelta,
	remoteDelta btcutil.Amount) {

	for _, htlc := range m.pendingAdds {
		if htlc.Incoming {
			remoteDelta -= htlc.Amount
		} else {
			localDelta -= htlc.Amount
		}
	}
	for id := range m.pendingSettles {
		htlc := m.committed[id]
		if htlc.Incoming {
			localDelta += htlc.Amount
		} else {
			remoteDelta += htlc.Amount
		}
	}
	for id := range m.pendingFails {
		htlc := m.committed[id]
		if htlc.Incoming {
			remoteDelta += htlc.Amount
		} else {
			localDelta += htlc.Amount
		}
	}

	return localDelta, remoteDelta
}

// HasPendingUpdates returns true when any staged change would alter the next
// commitment.
func (m *HtlcManager) HasPendingUpdates() bool {
	return len(m.pendingAdds) > 0 || len(m.pendingSettles) > 0 ||
		len(m.pendingFails) > 0
}

// advance folds all staged updates into the committed view, returning the
// resolved HTLCs so the channel can apply the matching balance movements.
// Called once a commitment round fully completes.
func (m *HtlcManager) advance() (adds []HTLC, settles []settledHtlc,
	fails []HTLC) {

	for id, htlc := range m.pendingAdds {
		htlc.State = HtlcCommitted
		m.committed[id] = htlc
		adds = append(adds, *htlc)
	}
	m.pendingAdds = make(map[uint64]*HTLC)

	for id, preimage := range m.pendingSettles {
		htlc := m.committed[id]
		htlc.State = HtlcSettled
		settles = append(settles, settledHtlc{
			htlc:     *htlc,
			preimage: preimage,
		})
		delete(m.committed, id)
	}
	m.pendingSettles = make(map[uint64][32]byte)

	for id, reason := range m.pendingFails {
		htlc := m.committed[id]
		htlc.State = HtlcFailed
		htlc.FailReason = reason
		fails = append(fails, *htlc)
		delete(m.committed, id)
	}
	m.pendingFails = make(map[uint64]FailCode)

	return adds, settles, fails
}
