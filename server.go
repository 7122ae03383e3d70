// Package electrumchi exposes the operator surface of the channel engine:
// opening and closing channels, paying invoices over them, and delegating
// breach protection to a watchtower. Transport and wallet key management
// live outside this module; peers are reached through the Peer interface
// and all methods are plain function calls.
package electrumchi

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btclog/v2"
	"github.com/lightningnetwork/lnd/ticker"

	"github.com/CryptoCrowdOnline/electrum-chi/build"
	"github.com/CryptoCrowdOnline/electrum-chi/chainwatch"
	"github.com/CryptoCrowdOnline/electrum-chi/channeldb"
	"github.com/CryptoCrowdOnline/electrum-chi/contractcourt"
	"github.com/CryptoCrowdOnline/electrum-chi/lnchannel"
	"github.com/CryptoCrowdOnline/electrum-chi/watchtower"
	"github.com/CryptoCrowdOnline/electrum-chi/watchtower/wtserver"
)

const (
	// defaultScanInterval is the breach monitor polling interval used
	// when the config supplies no ticker.
	defaultScanInterval = 30 * time.Second

	// defaultExpiryDelta is the HTLC timeout applied to invoices that do
	// not name one.
	defaultExpiryDelta = 144
)

var (
	// ErrChannelNotFound is returned when an operation references an
	// unknown channel id.
	ErrChannelNotFound = errors.New("channel not found")

	// ErrNoWatchtower is returned by tower operations before a tower was
	// configured.
	ErrNoWatchtower = errors.New("no watchtower configured")

	// ErrPaymentTimeout is returned when the payee does not settle an
	// offered HTLC.
	ErrPaymentTimeout = errors.New("payment not settled by peer")
)

// Peer delivers channel protocol messages to the remote party. Each method
// corresponds to one message of the update protocol; a transport
// implementation forwards them over the wire, while in-process setups can
// back the interface directly with the counterparty's channel state
// machine.
type Peer interface {
	SignInitialCommitment() (*lnchannel.CommitSig, error)
	ReceiveInitialCommitmentSig(*lnchannel.CommitSig) error

	ReceiveHTLC(*lnchannel.HTLC) error

	SignNextCommitment() (*lnchannel.CommitSig, error)
	ReceiveNewCommitment(*lnchannel.CommitSig) error
	RevokeCurrentCommitment() (*lnchannel.RevocationMessage, error)
	ReceiveRevocation(*lnchannel.RevocationMessage) (
		*lnchannel.BreachRemedyRecord, error)

	// SettleInvoice asks the payee to settle a committed HTLC it holds
	// the invoice preimage for, returning that preimage.
	SettleInvoice(id uint64) ([32]byte, error)

	// AcceptCooperativeClose asks the remote party to co-sign a mutual
	// close paying out to the given scripts, from the remote party's
	// perspective. It returns the remote signature.
	AcceptCooperativeClose(localScript, remoteScript []byte) ([]byte,
		error)
}

// Invoice is the payment request handed to Pay: a single-hop demand for
// Amount locked to PaymentHash.
type Invoice struct {
	PaymentHash lnchannel.PaymentHash
	Amount      btcutil.Amount

	// ExpiryDelta is the HTLC timeout in blocks past the current height.
	ExpiryDelta uint32
}

// ChannelInfo is the list_channels view of one channel.
type ChannelInfo struct {
	ChanID          lnchannel.ChannelID
	FundingOutpoint wire.OutPoint
	State           lnchannel.ChannelState
	Capacity        btcutil.Amount
	LocalBalance    btcutil.Amount
	RemoteBalance   btcutil.Amount
	Ctn             uint64
	ActiveHtlcs     int
}

// channelSession couples a channel state machine with the peer delivering
// its messages.
type channelSession struct {
	channel *lnchannel.Channel
	peer    Peer

	// closeTxid is the broadcast cooperative close transaction, tracked
	// to a confirmation by PollClose. Guarded by the server mutex.
	closeTxid *chainhash.Hash
}

// ServerConfig bundles the collaborators of a Server.
type ServerConfig struct {
	Cfg   *Config
	Chain chainwatch.Watcher
	DB    *channeldb.DB

	// RevocationBasePriv and SweepPkScript parameterize the justice
	// pipeline shared by the breach monitor and the tower client.
	RevocationBasePriv *btcec.PrivateKey
	SweepPkScript      []byte

	// NewTicker creates scan tickers for the breach monitor. Left nil, a
	// default interval ticker is used.
	NewTicker func() ticker.Ticker
}

// Server is the operator surface over a set of channels, their breach
// monitor and the optional watchtower client.
type Server struct {
	started sync.Once
	stopped sync.Once

	cfg ServerConfig

	monitor *contractcourt.BreachMonitor

	mtx      sync.Mutex
	channels map[lnchannel.ChannelID]*channelSession

	towerClient *watchtower.Client
	towerURL    string
}

// NewServer wires a server from its config.
func NewServer(cfg ServerConfig) *Server {
	newTicker := cfg.NewTicker
	if newTicker == nil {
		newTicker = func() ticker.Ticker {
			return ticker.New(defaultScanInterval)
		}
	}

	monitor := contractcourt.NewBreachMonitor(contractcourt.BreachConfig{
		Chain:              cfg.Chain,
		DB:                 cfg.DB,
		RevocationBasePriv: cfg.RevocationBasePriv,
		SweepPkScript:      cfg.SweepPkScript,
		FeePerKw:           lnchannel.SatPerKWeight(cfg.Cfg.FeePerKw),
		NewTicker:          newTicker,
	})

	return &Server{
		cfg:      cfg,
		monitor:  monitor,
		channels: make(map[lnchannel.ChannelID]*channelSession),
	}
}

// Start applies the configured log level and launches the breach monitor.
func (s *Server) Start() {
	s.started.Do(func() {
		if level, ok := btclog.LevelFromString(
			s.cfg.Cfg.DebugLevel,
		); ok {
			build.SetLogLevels(level)
		}

		s.monitor.Start()
		log.Info("Server started")
	})
}

// Stop halts the breach monitor. Channel and tower state stays persisted.
func (s *Server) Stop() {
	s.stopped.Do(func() {
		s.monitor.Stop()
		log.Info("Server stopped")
	})
}

// BreachEvents exposes the monitor's event stream.
func (s *Server) BreachEvents() <-chan interface{} {
	return s.monitor.Events()
}

// OpenChannel creates the local half of a channel from negotiated
// parameters, exchanges the initial commitment signatures with the peer,
// and registers the channel for breach monitoring. The channel moves past
// FUNDED once the funding transaction reaches its confirmation depth; call
// PollFunding to observe that.
func (s *Server) OpenChannel(params *lnchannel.OpenChannelParams,
	peer Peer) (lnchannel.ChannelID, error) {

	channel, err := lnchannel.NewChannel(s.cfg.Chain, params)
	if err != nil {
		return lnchannel.ChannelID{}, err
	}
	chanID := channel.ChanID()

	localSig, err := channel.SignInitialCommitment()
	if err != nil {
		return lnchannel.ChannelID{}, err
	}
	peerSig, err := peer.SignInitialCommitment()
	if err != nil {
		return lnchannel.ChannelID{}, err
	}
	if err := channel.ReceiveInitialCommitmentSig(peerSig); err != nil {
		return lnchannel.ChannelID{}, err
	}
	if err := peer.ReceiveInitialCommitmentSig(localSig); err != nil {
		return lnchannel.ChannelID{}, err
	}

	s.mtx.Lock()
	s.channels[chanID] = &channelSession{channel: channel, peer: peer}
	s.mtx.Unlock()

	if err := s.monitor.WatchChannel(
		chanID, channel.FundingOutpoint(),
	); err != nil {
		return lnchannel.ChannelID{}, err
	}

	if err := s.persistChannel(channel); err != nil {
		return lnchannel.ChannelID{}, err
	}

	log.Infof("Opened channel %v, capacity %v", chanID,
		channel.Capacity())

	return chanID, nil
}

// PollFunding re-checks the funding confirmation depth of an opening
// channel, reporting whether it is open.
func (s *Server) PollFunding(chanID lnchannel.ChannelID) (bool, error) {
	session, err := s.session(chanID)
	if err != nil {
		return false, err
	}

	open, err := session.channel.FundingConfirmed()
	if err != nil {
		return false, err
	}
	if open {
		if err := s.persistChannel(session.channel); err != nil {
			return false, err
		}
	}

	return open, nil
}

// ListChannels returns the live channels in no particular order.
func (s *Server) ListChannels() []ChannelInfo {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	infos := make([]ChannelInfo, 0, len(s.channels))
	for _, session := range s.channels {
		channel := session.channel
		infos = append(infos, ChannelInfo{
			ChanID:          channel.ChanID(),
			FundingOutpoint: channel.FundingOutpoint(),
			State:           channel.State(),
			Capacity:        channel.Capacity(),
			LocalBalance:    channel.LocalBalance(),
			RemoteBalance:   channel.RemoteBalance(),
			Ctn:             channel.Ctn(),
			ActiveHtlcs:     len(channel.ActiveHtlcs()),
		})
	}

	return infos
}

// Pay offers an HTLC for the invoice over the given channel, commits it,
// collects the payee's settlement and commits that too. The returned
// preimage is the receipt.
func (s *Server) Pay(chanID lnchannel.ChannelID,
	invoice *Invoice) ([32]byte, error) {

	session, err := s.session(chanID)
	if err != nil {
		return [32]byte{}, err
	}
	channel, peer := session.channel, session.peer

	height, err := s.cfg.Chain.CurrentHeight()
	if err != nil {
		return [32]byte{}, err
	}

	expiryDelta := invoice.ExpiryDelta
	if expiryDelta == 0 {
		expiryDelta = defaultExpiryDelta
	}

	htlc, err := channel.AddHTLC(
		invoice.Amount, invoice.PaymentHash, height+expiryDelta,
	)
	if err != nil {
		return [32]byte{}, err
	}
	if err := peer.ReceiveHTLC(htlc); err != nil {
		return [32]byte{}, err
	}

	if err := s.completeRound(session); err != nil {
		return [32]byte{}, err
	}

	preimage, err := peer.SettleInvoice(htlc.ID)
	if err != nil {
		return [32]byte{}, fmt.Errorf("%w: %v", ErrPaymentTimeout, err)
	}
	if err := channel.ReceiveHTLCSettle(htlc.ID, preimage); err != nil {
		return [32]byte{}, err
	}

	if err := s.completeRound(session); err != nil {
		return [32]byte{}, err
	}

	log.Infof("Paid %v over channel %v, hash %x", invoice.Amount, chanID,
		invoice.PaymentHash)

	return preimage, s.persistChannel(channel)
}

// CloseChannel closes a channel. Cooperatively when force is false, by
// broadcasting the local commitment otherwise. It returns the close
// transaction's txid.
func (s *Server) CloseChannel(chanID lnchannel.ChannelID, force bool,
	localScript, remoteScript []byte) (chainhash.Hash, error) {

	session, err := s.session(chanID)
	if err != nil {
		return chainhash.Hash{}, err
	}
	channel := session.channel

	if force {
		tx, err := channel.ForceClose()
		if err != nil {
			return chainhash.Hash{}, err
		}

		log.Warnf("Force closed channel %v with %v", chanID,
			tx.TxHash())
		return tx.TxHash(), s.persistChannel(channel)
	}

	_, _, err = channel.InitCooperativeClose(
		localScript, remoteScript,
	)
	if err != nil {
		return chainhash.Hash{}, err
	}

	// The peer sees the scripts from its own side.
	peerSig, err := session.peer.AcceptCooperativeClose(
		remoteScript, localScript,
	)
	if err != nil {
		return chainhash.Hash{}, err
	}

	txid, err := channel.CompleteCooperativeClose(peerSig)
	if err != nil {
		return chainhash.Hash{}, err
	}

	// The channel stays CLOSING and monitored until the close transaction
	// confirms; a reorg could still replace it with a revoked commitment.
	// PollClose observes the confirmation, and the breach monitor retires
	// the channel on its own once it sees the funding spend.
	s.mtx.Lock()
	session.closeTxid = &txid
	s.mtx.Unlock()

	log.Infof("Broadcast cooperative close %v for channel %v", txid,
		chanID)

	return txid, s.persistChannel(channel)
}

// PollClose re-checks the confirmation of a broadcast cooperative close
// transaction, reporting whether the channel is closed. On confirmation the
// channel is marked CLOSED and its summary persisted.
func (s *Server) PollClose(chanID lnchannel.ChannelID) (bool, error) {
	session, err := s.session(chanID)
	if err != nil {
		return false, err
	}
	if session.channel.State() == lnchannel.StateClosed {
		return true, nil
	}

	s.mtx.Lock()
	closeTxid := session.closeTxid
	s.mtx.Unlock()

	if closeTxid == nil {
		return false, fmt.Errorf("channel %v has no pending "+
			"cooperative close", chanID)
	}

	confs, err := s.cfg.Chain.TxConfirmations(*closeTxid)
	switch {
	case err == chainwatch.ErrTxNotFound:
		return false, nil
	case err != nil:
		return false, err
	case confs == 0:
		return false, nil
	}

	session.channel.MarkCoopCloseConfirmed()

	log.Infof("Cooperative close %v of channel %v confirmed", closeTxid,
		chanID)

	return true, s.persistChannel(session.channel)
}

// GetRawCommitment returns the serialized, fully signed local commitment
// transaction. Broadcasting it is a unilateral close.
func (s *Server) GetRawCommitment(
	chanID lnchannel.ChannelID) ([]byte, error) {

	session, err := s.session(chanID)
	if err != nil {
		return nil, err
	}

	tx, err := session.channel.SignedCommitment()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// ConfigureWatchtower attaches a tower client so every future revocation is
// backed up. Passing a nil tower detaches the client.
func (s *Server) ConfigureWatchtower(tower *wtserver.Server) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if tower == nil {
		s.towerClient = nil
		log.Info("Watchtower client detached")
		return
	}

	s.towerClient = watchtower.NewClient(watchtower.ClientConfig{
		Tower:              tower,
		RevocationBasePriv: s.cfg.RevocationBasePriv,
		SweepPkScript:      s.cfg.SweepPkScript,
		FeePerKw:           lnchannel.SatPerKWeight(s.cfg.Cfg.FeePerKw),
	})

	log.Info("Watchtower client attached")
}

// SetWatchtowerURL records the tower endpoint for the transport layer to
// dial. An empty url clears it.
func (s *Server) SetWatchtowerURL(url string) error {
	if url != "" {
		if err := validateTowerURL(url); err != nil {
			return err
		}
	}

	s.mtx.Lock()
	s.towerURL = url
	s.mtx.Unlock()

	return nil
}

// WatchtowerURL returns the configured tower endpoint.
func (s *Server) WatchtowerURL() string {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.towerURL
}

// WatchtowerCtn asks the configured tower how far the backups of a channel
// reach.
func (s *Server) WatchtowerCtn(
	chanID lnchannel.ChannelID) (uint64, error) {

	s.mtx.Lock()
	client := s.towerClient
	s.mtx.Unlock()

	if client == nil {
		return 0, ErrNoWatchtower
	}

	return client.TowerCtn(chanID)
}

// completeRound drives one full commitment round with the peer, locking in
// every staged update on both sides. The remedy record obtained for the
// peer's revoked state goes to the breach monitor and, when configured, the
// watchtower.
func (s *Server) completeRound(session *channelSession) error {
	channel, peer := session.channel, session.peer

	localSig, err := channel.SignNextCommitment()
	if err != nil {
		return err
	}
	if err := peer.ReceiveNewCommitment(localSig); err != nil {
		return err
	}
	peerRev, err := peer.RevokeCurrentCommitment()
	if err != nil {
		return err
	}
	record, err := channel.ReceiveRevocation(peerRev)
	if err != nil {
		return err
	}
	if err := s.handleRecord(record); err != nil {
		return err
	}

	peerSig, err := peer.SignNextCommitment()
	if err != nil {
		return err
	}
	if err := channel.ReceiveNewCommitment(peerSig); err != nil {
		return err
	}
	localRev, err := channel.RevokeCurrentCommitment()
	if err != nil {
		return err
	}
	if _, err := peer.ReceiveRevocation(localRev); err != nil {
		return err
	}

	return nil
}

// handleRecord forwards a fresh breach remedy record to the monitor and the
// tower client.
func (s *Server) handleRecord(record *lnchannel.BreachRemedyRecord) error {
	if err := s.monitor.AddRecord(record); err != nil {
		return err
	}

	s.mtx.Lock()
	client := s.towerClient
	s.mtx.Unlock()

	if client != nil {
		if err := client.BackupState(record); err != nil {
			log.Errorf("Tower backup of commitment %d on channel "+
				"%v failed: %v", record.Ctn, record.ChanID,
				err)
		}
	}

	return nil
}

// persistChannel snapshots a channel's summary to the database.
func (s *Server) persistChannel(channel *lnchannel.Channel) error {
	return s.cfg.DB.PutChannel(&channeldb.ChannelSummary{
		ChanID:          channel.ChanID(),
		FundingOutpoint: channel.FundingOutpoint(),
		State:           channel.State(),
		Capacity:        channel.Capacity(),
		LocalBalance:    channel.LocalBalance(),
		RemoteBalance:   channel.RemoteBalance(),
		Ctn:             channel.Ctn(),
		ToSelfDelay:     s.cfg.Cfg.CsvDelay,
		DustLimit:       btcutil.Amount(s.cfg.Cfg.DustLimit),
		Htlcs:           channel.ActiveHtlcs(),
	})
}

func (s *Server) session(
	chanID lnchannel.ChannelID) (*channelSession, error) {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	session, ok := s.channels[chanID]
	if !ok {
		return nil, ErrChannelNotFound
	}

	return session, nil
}
