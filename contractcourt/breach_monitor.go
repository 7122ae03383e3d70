// Package contractcourt watches the chain on behalf of open channels and
// punishes broadcasts of revoked commitment transactions. It holds the full
// history of breach remedy records per channel and turns a detected breach
// into a signed justice transaction.
package contractcourt

import (
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/queue"
	"github.com/lightningnetwork/lnd/ticker"

	"github.com/CryptoCrowdOnline/electrum-chi/chainwatch"
	"github.com/CryptoCrowdOnline/electrum-chi/channeldb"
	"github.com/CryptoCrowdOnline/electrum-chi/lnchannel"
)

// BreachEvent reports the outcome of a detected breach to the operator.
type BreachEvent struct {
	ChanID lnchannel.ChannelID

	// Ctn is the revoked commitment number the cheater broadcast.
	Ctn uint64

	// BreachTxid is the confirmed stale commitment.
	BreachTxid chainhash.Hash

	// DetectedAt is the wall clock time the breach was first observed.
	DetectedAt time.Time

	// JusticeTxid is set once the punishment transaction was accepted
	// for broadcast.
	JusticeTxid *chainhash.Hash

	// RecoveredPreimages holds preimages extracted from HTLC outputs the
	// counterparty redeemed before the justice transaction could reach
	// them.
	RecoveredPreimages [][32]byte

	// Loss is non-zero when the punishment window closed without the
	// justice transaction confirming.
	Loss btcutil.Amount
}

// BreachConfig bundles the collaborators of a BreachMonitor.
type BreachConfig struct {
	// Chain supplies height, spend and broadcast access.
	Chain chainwatch.Watcher

	// DB persists the breach remedy record arena. Records are replayed
	// from it when the monitor restarts.
	DB *channeldb.DB

	// RevocationBasePriv derives punishment keys from revealed
	// commitment secrets.
	RevocationBasePriv *btcec.PrivateKey

	// SweepPkScript receives all punished funds.
	SweepPkScript []byte

	FeePerKw lnchannel.SatPerKWeight

	// NewTicker creates the per-channel scan ticker.
	NewTicker func() ticker.Ticker

	// Clock timestamps breach events. Left nil, the wall clock is used.
	Clock clock.Clock
}

// watchedChannel is the monitor's read-only projection of one channel.
type watchedChannel struct {
	chanID          lnchannel.ChannelID
	fundingOutpoint wire.OutPoint

	// records maps revoked commitment txids to their remedy material.
	records map[chainhash.Hash]*lnchannel.BreachRemedyRecord

	// breach and breachHeight are set once a revoked commitment
	// confirmed; justiceTxid once the punishment was broadcast.
	breach       *lnchannel.BreachRemedyRecord
	breachHeight uint32
	breachTime   time.Time
	justiceTxid  *chainhash.Hash

	quit chan struct{}
}

// BreachMonitor scans the chain for revoked commitments of every watched
// channel. Each channel gets its own background scan loop, decoupled from
// the channel's live protocol session, so detection keeps working while the
// owner is otherwise offline.
type BreachMonitor struct {
	started sync.Once
	stopped sync.Once

	cfg BreachConfig

	mtx      sync.Mutex
	channels map[lnchannel.ChannelID]*watchedChannel

	events *queue.ConcurrentQueue

	wg   sync.WaitGroup
	quit chan struct{}
}

// NewBreachMonitor creates a monitor from its config.
func NewBreachMonitor(cfg BreachConfig) *BreachMonitor {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	return &BreachMonitor{
		cfg:      cfg,
		channels: make(map[lnchannel.ChannelID]*watchedChannel),
		events:   queue.NewConcurrentQueue(10),
		quit:     make(chan struct{}),
	}
}

// Start launches the event queue. Channel scan loops start as channels are
// registered.
func (m *BreachMonitor) Start() {
	m.started.Do(func() {
		m.events.Start()
		log.Info("Breach monitor started")
	})
}

// Stop halts every scan loop. Stopping never discards retained remedy
// records; they stay in the database for the next start.
func (m *BreachMonitor) Stop() {
	m.stopped.Do(func() {
		close(m.quit)
		m.wg.Wait()
		m.events.Stop()
		log.Info("Breach monitor stopped")
	})
}

// Events delivers BreachEvent values as breaches are detected and resolved.
func (m *BreachMonitor) Events() <-chan interface{} {
	return m.events.ChanOut()
}

// WatchChannel registers a channel and spawns its scan loop. Remedy records
// already persisted for the channel are replayed from the database, so a
// restarted monitor resumes exactly where it left off.
func (m *BreachMonitor) WatchChannel(chanID lnchannel.ChannelID,
	fundingOutpoint wire.OutPoint) error {

	m.mtx.Lock()
	defer m.mtx.Unlock()

	if _, ok := m.channels[chanID]; ok {
		return fmt.Errorf("channel %v already watched", chanID)
	}

	wc := &watchedChannel{
		chanID:          chanID,
		fundingOutpoint: fundingOutpoint,
		records: make(
			map[chainhash.Hash]*lnchannel.BreachRemedyRecord,
		),
		quit: make(chan struct{}),
	}

	stored, err := m.cfg.DB.FetchBreachRecords(chanID)
	if err != nil {
		return err
	}
	for _, record := range stored {
		wc.records[record.CommitTxid] = record
	}

	m.channels[chanID] = wc

	m.wg.Add(1)
	go m.scanLoop(wc)

	log.Infof("Watching channel %v with %d retained remedy records",
		chanID, len(stored))

	return nil
}

// AddRecord persists and installs the remedy record for a freshly revoked
// commitment number.
func (m *BreachMonitor) AddRecord(
	record *lnchannel.BreachRemedyRecord) error {

	if err := m.cfg.DB.PutBreachRecord(record); err != nil {
		return err
	}

	m.mtx.Lock()
	defer m.mtx.Unlock()

	wc, ok := m.channels[record.ChanID]
	if !ok {
		return fmt.Errorf("channel %v not watched", record.ChanID)
	}
	wc.records[record.CommitTxid] = record

	return nil
}

// RetireChannel stops scanning a channel whose cooperative close confirmed.
// The records stay persisted.
func (m *BreachMonitor) RetireChannel(chanID lnchannel.ChannelID) {
	m.mtx.Lock()
	wc, ok := m.channels[chanID]
	if ok {
		delete(m.channels, chanID)
	}
	m.mtx.Unlock()

	if ok {
		close(wc.quit)
		log.Infof("Retired scanning for channel %v", chanID)
	}
}

// scanLoop drives one channel's chain scanning until the channel resolves
// or the monitor stops.
func (m *BreachMonitor) scanLoop(wc *watchedChannel) {
	defer m.wg.Done()

	scanTicker := m.cfg.NewTicker()
	scanTicker.Resume()
	defer scanTicker.Stop()

	for {
		select {
		case <-scanTicker.Ticks():
			done, err := m.scanChannel(wc)
			if err != nil {
				log.Errorf("Scan of channel %v failed: %v",
					wc.chanID, err)
				continue
			}
			if done {
				m.RetireChannel(wc.chanID)
				return
			}

		case <-wc.quit:
			return

		case <-m.quit:
			return
		}
	}
}

// scanChannel performs one scan step for a channel. It returns true once
// the channel needs no further watching.
func (m *BreachMonitor) scanChannel(wc *watchedChannel) (bool, error) {
	// With a justice transaction in flight, track it to a confirmation.
	// A reorg can evict it, in which case the breach handling below
	// rebuilds and rebroadcasts it.
	if wc.justiceTxid != nil {
		confs, err := m.cfg.Chain.TxConfirmations(*wc.justiceTxid)
		switch {
		case err == nil && confs > 0:
			log.Infof("Justice transaction %v for channel %v "+
				"confirmed", wc.justiceTxid, wc.chanID)
			return true, nil

		case err == nil:
			// Still unconfirmed, keep waiting. Rebuilding here
			// would flood the chain and the event queue with
			// duplicate punishment attempts.
			return false, nil

		case err == chainwatch.ErrTxNotFound:
			log.Warnf("Justice transaction %v for channel %v "+
				"vanished, rebroadcasting", wc.justiceTxid,
				wc.chanID)
			wc.justiceTxid = nil

		default:
			return false, err
		}
	}

	if wc.breach == nil {
		detail, err := m.cfg.Chain.SpendingTx(wc.fundingOutpoint)
		if err != nil {
			return false, err
		}
		if detail == nil {
			return false, nil
		}

		record, ok := wc.records[detail.SpenderTxHash]
		if !ok {
			// The funding output was spent by something other
			// than a revoked commitment: the latest commitment or
			// a mutual close. Nothing to punish.
			log.Infof("Channel %v closed by %v, not a revoked "+
				"state", wc.chanID, detail.SpenderTxHash)
			return true, nil
		}

		log.Criticalf("BREACH detected on channel %v: revoked "+
			"commitment %d confirmed as %v", wc.chanID, record.Ctn,
			record.CommitTxid)

		wc.breach = record
		wc.breachHeight = detail.SpendingHeight
		wc.breachTime = m.cfg.Clock.Now()
	}

	return m.punish(wc)
}

// punish builds and broadcasts the justice transaction for a detected
// breach, recovering preimages from any HTLC output the cheater managed to
// redeem first. It keeps retrying across reorgs until the to_self_delay
// window closes, at which point the remaining loss is reported.
func (m *BreachMonitor) punish(wc *watchedChannel) (bool, error) {
	record := wc.breach

	height, err := m.cfg.Chain.CurrentHeight()
	if err != nil {
		return false, err
	}

	// Outputs the counterparty already swept cannot be punished any
	// more, but a preimage spend still surrenders the payment secret.
	skip := make(map[uint32]struct{})
	var preimages [][32]byte
	for _, htlc := range record.Htlcs {
		if htlc.Index < 0 {
			continue
		}

		op := wire.OutPoint{
			Hash:  record.CommitTxid,
			Index: uint32(htlc.Index),
		}
		detail, err := m.cfg.Chain.SpendingTx(op)
		if err != nil {
			return false, err
		}
		if detail == nil {
			continue
		}

		skip[uint32(htlc.Index)] = struct{}{}

		preimageOpt := lnchannel.ExtractHtlcPreimage(
			detail.SpendingTx, htlc.PaymentHash,
		)
		preimageOpt.WhenSome(func(preimage [32]byte) {
			log.Infof("Recovered preimage for hash %x from "+
				"racing spend %v", htlc.PaymentHash,
				detail.SpenderTxHash)
			preimages = append(preimages, preimage)
		})
	}

	justiceTx, err := record.BuildJusticeTx(
		m.cfg.RevocationBasePriv, m.cfg.SweepPkScript, m.cfg.FeePerKw,
		skip,
	)
	if err != nil {
		return m.maybeReportLoss(wc, height, preimages, err)
	}

	log.Tracef("Assembled justice transaction for channel %v: %v",
		wc.chanID, spew.Sdump(justiceTx))

	justiceTxid, err := m.cfg.Chain.Broadcast(justiceTx)
	if err != nil {
		log.Warnf("Justice broadcast for channel %v rejected: %v",
			wc.chanID, err)
		return m.maybeReportLoss(wc, height, preimages, err)
	}

	wc.justiceTxid = &justiceTxid

	m.deliver(&BreachEvent{
		ChanID:             wc.chanID,
		Ctn:                record.Ctn,
		BreachTxid:         record.CommitTxid,
		DetectedAt:         wc.breachTime,
		JusticeTxid:        &justiceTxid,
		RecoveredPreimages: preimages,
	})

	log.Infof("Broadcast justice transaction %v punishing commitment "+
		"%d of channel %v", justiceTxid, record.Ctn, wc.chanID)

	return false, nil
}

// maybeReportLoss keeps the punishment attempt alive while the timelock
// window is open. Once the cheater's to_self_delay has fully elapsed
// without a confirmed justice transaction, the unrecovered value is
// reported as lost rather than silently absorbed.
func (m *BreachMonitor) maybeReportLoss(wc *watchedChannel, height uint32,
	preimages [][32]byte, cause error) (bool, error) {

	record := wc.breach
	if height < wc.breachHeight+record.ToSelfDelay {
		return false, nil
	}

	var loss btcutil.Amount
	if record.ToLocalIndex >= 0 {
		spent, err := m.cfg.Chain.IsOutputSpent(wire.OutPoint{
			Hash:  record.CommitTxid,
			Index: uint32(record.ToLocalIndex),
		})
		if err != nil {
			return false, err
		}
		if spent {
			loss += record.ToLocalAmount
		}
	}

	log.Errorf("Punishment window for channel %v closed without a "+
		"confirmed justice transaction (last error: %v), lost %v",
		wc.chanID, cause, loss)

	m.deliver(&BreachEvent{
		ChanID:             wc.chanID,
		Ctn:                record.Ctn,
		BreachTxid:         record.CommitTxid,
		DetectedAt:         wc.breachTime,
		RecoveredPreimages: preimages,
		Loss:               loss,
	})

	return true, nil
}

func (m *BreachMonitor) deliver(event *BreachEvent) {
	select {
	case m.events.ChanIn() <- event:
	case <-m.quit:
	}
}
