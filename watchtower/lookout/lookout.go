// Package lookout scans new blocks on behalf of a watchtower, matching
// confirmed transactions against the breach hints clients have registered.
// On a match it decrypts the corresponding justice blob with a key derived
// from the full breach txid and broadcasts the pre-signed punishment.
package lookout

import (
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/ticker"

	"github.com/CryptoCrowdOnline/electrum-chi/chainwatch"
	"github.com/CryptoCrowdOnline/electrum-chi/watchtower/blob"
	"github.com/CryptoCrowdOnline/electrum-chi/watchtower/wtdb"
)

// Config bundles the collaborators of a Lookout.
type Config struct {
	// Chain supplies block and broadcast access.
	Chain chainwatch.Watcher

	// DB holds the hint-to-blob index populated by the tower server.
	DB *wtdb.TowerDB

	// NewTicker creates the block polling ticker.
	NewTicker func() ticker.Ticker

	// StartHeight is the first height to scan. Blocks below it are
	// assumed to predate every registered hint.
	StartHeight uint32
}

// Lookout is the tower's chain-facing half. It runs a single scan loop over
// new blocks and acts on any transaction whose txid prefix matches a stored
// breach hint.
type Lookout struct {
	started sync.Once
	stopped sync.Once

	cfg Config

	wg   sync.WaitGroup
	quit chan struct{}
}

// New creates a Lookout from its config.
func New(cfg Config) *Lookout {
	return &Lookout{
		cfg:  cfg,
		quit: make(chan struct{}),
	}
}

// Start launches the block scan loop.
func (l *Lookout) Start() {
	l.started.Do(func() {
		l.wg.Add(1)
		go l.scanLoop()
		log.Info("Lookout started")
	})
}

// Stop halts the scan loop.
func (l *Lookout) Stop() {
	l.stopped.Do(func() {
		close(l.quit)
		l.wg.Wait()
		log.Info("Lookout stopped")
	})
}

// scanLoop walks the chain block by block, never skipping a height, so a
// hint registered before its breach confirms is always matched.
func (l *Lookout) scanLoop() {
	defer l.wg.Done()

	scanTicker := l.cfg.NewTicker()
	scanTicker.Resume()
	defer scanTicker.Stop()

	nextHeight := l.cfg.StartHeight

	for {
		select {
		case <-scanTicker.Ticks():
			tip, err := l.cfg.Chain.CurrentHeight()
			if err != nil {
				log.Errorf("Unable to query chain tip: %v", err)
				continue
			}

			for nextHeight <= tip {
				if err := l.scanBlock(nextHeight); err != nil {
					log.Errorf("Scan of block %d failed: "+
						"%v", nextHeight, err)
					break
				}
				nextHeight++
			}

		case <-l.quit:
			return
		}
	}
}

// scanBlock inspects every transaction confirmed at the given height.
func (l *Lookout) scanBlock(height uint32) error {
	txns, err := l.cfg.Chain.BlockTxns(height)
	if err != nil {
		return err
	}

	for _, tx := range txns {
		txid := tx.TxHash()
		hint := blob.NewBreachHintFromHash(&txid)

		encBlob, err := l.cfg.DB.FindBlob(hint)
		switch {
		case err == wtdb.ErrBlobNotFound:
			continue
		case err != nil:
			return err
		}

		l.processBreach(&txid, encBlob)
	}

	return nil
}

// processBreach decrypts and broadcasts the justice blob matched by a
// confirmed breach transaction. The decryption key is the hash of the full
// breach txid, so the blob can only be opened once the breach itself is
// public.
func (l *Lookout) processBreach(breachTxid *chainhash.Hash, encBlob []byte) {
	log.Criticalf("Breach hint matched by confirmed transaction %v",
		breachTxid)

	key := blob.NewBreachKeyFromHash(breachTxid)
	kit, err := blob.Decrypt(encBlob, key)
	if err != nil {
		log.Errorf("Unable to decrypt justice blob for breach %v: %v",
			breachTxid, err)
		return
	}

	justiceTx, err := kit.JusticeTxn()
	if err != nil {
		log.Errorf("Justice blob for breach %v holds an invalid "+
			"transaction: %v", breachTxid, err)
		return
	}

	justiceTxid, err := l.cfg.Chain.Broadcast(justiceTx)
	if err != nil {
		// A rejection here usually means the cheater already swept an
		// input or the client itself broadcast first. Either way the
		// pre-signed remedy cannot be amended by the tower.
		log.Warnf("Justice broadcast for breach %v rejected: %v",
			breachTxid, err)
		return
	}

	log.Infof("Broadcast justice transaction %v punishing revoked "+
		"commitment %d (breach %v)", justiceTxid, kit.Ctn, breachTxid)
}
