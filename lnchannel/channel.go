package lnchannel

import (
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/CryptoCrowdOnline/electrum-chi/chainwatch"
	"github.com/CryptoCrowdOnline/electrum-chi/input"
	"github.com/CryptoCrowdOnline/electrum-chi/shachain"
)

const (
	// DefaultCsvDelay is the default to_self_delay imposed on commitment
	// outputs, giving the counterparty this many blocks to punish a
	// revoked broadcast.
	DefaultCsvDelay uint32 = 144

	// DefaultFundingConfs is the confirmation depth the funding
	// transaction must reach before the channel opens.
	DefaultFundingConfs uint32 = 3

	// MinExpiryDelta is the minimum number of blocks an HTLC's absolute
	// expiry must sit above the current height at add time.
	MinExpiryDelta uint32 = 6
)

// FaultFlags enumerates the fault injection toggles recognized by the
// channel machinery. All default to off.
type FaultFlags struct {
	// DisableHtlcSettle makes this party refuse to issue HTLC
	// settlements, leaving received HTLCs to time out.
	DisableHtlcSettle bool

	// ForceMalformedHtlc corrupts the payment hash of every offered
	// HTLC, so no settlement attempt can ever match it.
	ForceMalformedHtlc bool
}

// ChannelState is the lifecycle tag of a channel.
type ChannelState uint8

const (
	// StateOpening indicates funding negotiation is under way.
	StateOpening ChannelState = iota

	// StateFunded indicates the funding transaction and initial
	// commitments are fully signed, awaiting confirmation depth.
	StateFunded

	// StateOpen indicates the channel is live and can carry updates.
	StateOpen

	// StateClosing indicates a cooperative close is negotiated or
	// awaiting confirmation.
	StateClosing

	// StateForceClosing indicates this party broadcast its commitment
	// unilaterally and is waiting out the contestation timelocks.
	StateForceClosing

	// StateBreached indicates a revoked commitment of the counterparty
	// was seen on-chain.
	StateBreached

	// StateClosed is terminal.
	StateClosed
)

// String returns a human readable channel state.
func (s ChannelState) String() string {
	switch s {
	case StateOpening:
		return "OPENING"
	case StateFunded:
		return "FUNDED"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateForceClosing:
		return "FORCE_CLOSING"
	case StateBreached:
		return "BREACHED"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("STATE<%d>", s)
	}
}

// ChannelID uniquely identifies a channel. It is the funding txid with the
// funding output index folded into the trailing two bytes.
type ChannelID [32]byte

// NewChannelID derives the channel id of the given funding outpoint.
func NewChannelID(op wire.OutPoint) ChannelID {
	var cid ChannelID
	copy(cid[:], op.Hash[:])
	cid[30] ^= byte(op.Index >> 8)
	cid[31] ^= byte(op.Index)

	return cid
}

// String returns the hex encoded channel id.
func (c ChannelID) String() string {
	return hex.EncodeToString(c[:])
}

// LocalKeys bundles the private keys one party contributes to a channel.
type LocalKeys struct {
	// MultiSigPriv signs the 2-of-2 funding output.
	MultiSigPriv *btcec.PrivateKey

	// CommitPriv matches the CommitKey of this party's ChannelConfig.
	CommitPriv *btcec.PrivateKey

	// RevocationBasePriv is the basepoint secret from which, combined
	// with a revealed per-commitment secret, the punishment key of a
	// revoked counterparty commitment is derived.
	RevocationBasePriv *btcec.PrivateKey
}

// CommitSig carries one party's funding signature over the counterparty's
// next commitment transaction.
type CommitSig struct {
	Ctn uint64
	Sig []byte
}

// RevocationMessage reveals the secret for a superseded commitment number
// and announces the per-commitment point two states ahead, which the
// counterparty needs the next time it signs.
type RevocationMessage struct {
	Ctn       uint64
	Secret    [32]byte
	NextPoint *btcec.PublicKey
}

// OpenChannelParams carries the negotiated parameters a channel is created
// from.
type OpenChannelParams struct {
	FundingOutpoint wire.OutPoint
	Capacity        btcutil.Amount

	// LocalBalance and RemoteBalance split the capacity at CTN 0. Any
	// push amount is already reflected here.
	LocalBalance, RemoteBalance btcutil.Amount

	// LocalInitiator marks whether the local party funded the channel
	// and therefore pays commitment and close fees.
	LocalInitiator bool

	FeePerKw     SatPerKWeight
	FundingConfs uint32

	LocalCfg, RemoteCfg *ChannelConfig

	Keys *LocalKeys

	// RevocationRoot seeds the local shachain producer.
	RevocationRoot *chainhash.Hash

	// RemoteFirstPoint and RemoteSecondPoint are the counterparty's
	// per-commitment points for CTN 0 and CTN 1, exchanged during
	// funding. Later points arrive inside revocation messages.
	RemoteFirstPoint, RemoteSecondPoint *btcec.PublicKey

	Faults FaultFlags
}

// validate enforces the opening handshake's parameter constraints.
func (p *OpenChannelParams) validate() error {
	if p.Capacity <= 0 {
		return &NegotiationError{
			Param:  "capacity",
			Reason: "capacity must be positive",
		}
	}
	if p.LocalBalance+p.RemoteBalance != p.Capacity {
		return &NegotiationError{
			Param:  "push_amount",
			Reason: "initial balances do not sum to capacity",
		}
	}
	if p.LocalBalance < 0 || p.RemoteBalance < 0 {
		return &NegotiationError{
			Param:  "push_amount",
			Reason: "push amount exceeds capacity",
		}
	}
	dust := p.LocalCfg.DustLimit
	if p.RemoteCfg.DustLimit > dust {
		dust = p.RemoteCfg.DustLimit
	}
	if p.Capacity < 2*dust {
		return &NegotiationError{
			Param:  "capacity",
			Reason: "capacity below dust limits",
		}
	}
	if p.LocalCfg.ChanReserve >= p.Capacity ||
		p.RemoteCfg.ChanReserve >= p.Capacity {

		return &NegotiationError{
			Param:  "chan_reserve",
			Reason: "reserve consumes the whole capacity",
		}
	}
	if p.LocalCfg.CsvDelay == 0 || p.RemoteCfg.CsvDelay == 0 {
		return &NegotiationError{
			Param:  "to_self_delay",
			Reason: "to_self_delay must be non-zero",
		}
	}

	return nil
}

// Channel is the state machine owning one payment channel. All mutations
// run under its lock; the exported protocol methods correspond one to one
// with the messages exchanged between the two parties.
type Channel struct {
	mtx sync.RWMutex

	chain chainwatch.Watcher

	state  ChannelState
	chanID ChannelID

	fundingOutpoint wire.OutPoint
	fundingScript   []byte
	fundingConfs    uint32

	capacity       btcutil.Amount
	feePerKw       SatPerKWeight
	localInitiator bool

	localCfg, remoteCfg *ChannelConfig
	keys                *LocalKeys

	producer      shachain.Producer
	remoteSecrets *shachain.RevocationStore

	builder *CommitmentBuilder
	htlcs   *HtlcManager
	faults  FaultFlags

	// localBalance and remoteBalance are the settled balances of the
	// last fully committed state, excluding amounts locked in HTLCs.
	localBalance, remoteBalance btcutil.Amount

	// localCommit and remoteCommit are the current valid commitments of
	// each party. The pending fields hold the next state mid-round:
	// pendingLocalCommit once the counterparty's signature arrived,
	// pendingRemoteCommit once we signed, each cleared by the matching
	// revocation.
	localCommit, remoteCommit               *Commitment
	pendingLocalCommit, pendingRemoteCommit *Commitment

	// remoteNextPoint is the counterparty's per-commitment point for the
	// state one past remoteCommit.
	remoteNextPoint *btcec.PublicKey

	// htlcCounter assigns proposer-chosen HTLC ids. The receiving side
	// adopts the proposer's id, so the counter only has to stay ahead of
	// every id seen so far.
	htlcCounter uint64

	// initialSigReceived is set once the counterparty's signature over
	// our CTN 0 commitment arrived.
	initialSigReceived bool

	// closeTx and localCloseSig hold the cooperative close negotiation
	// in flight.
	closeTx       *wire.MsgTx
	localCloseSig []byte
}

// NewChannel creates a channel in the OPENING state from fully negotiated
// parameters. It fails with a NegotiationError when the parameters are
// inconsistent.
func NewChannel(chain chainwatch.Watcher,
	p *OpenChannelParams) (*Channel, error) {

	if err := p.validate(); err != nil {
		return nil, err
	}

	localMultiSig := p.Keys.MultiSigPriv.PubKey().SerializeCompressed()
	remoteMultiSig := p.RemoteCfg.MultiSigKey.SerializeCompressed()
	fundingScript, err := input.GenMultiSigScript(
		localMultiSig, remoteMultiSig,
	)
	if err != nil {
		return nil, err
	}

	fundingConfs := p.FundingConfs
	if fundingConfs == 0 {
		fundingConfs = DefaultFundingConfs
	}

	c := &Channel{
		chain:           chain,
		state:           StateOpening,
		chanID:          NewChannelID(p.FundingOutpoint),
		fundingOutpoint: p.FundingOutpoint,
		fundingScript:   fundingScript,
		fundingConfs:    fundingConfs,
		capacity:        p.Capacity,
		feePerKw:        p.FeePerKw,
		localInitiator:  p.LocalInitiator,
		localCfg:        p.LocalCfg,
		remoteCfg:       p.RemoteCfg,
		keys:            p.Keys,
		producer:        shachain.NewRevocationProducer(*p.RevocationRoot),
		remoteSecrets:   shachain.NewRevocationStore(),
		htlcs:           NewHtlcManager(p.Faults),
		faults:          p.Faults,
		localBalance:    p.LocalBalance,
		remoteBalance:   p.RemoteBalance,
		remoteNextPoint: p.RemoteSecondPoint,
	}
	c.builder = NewCommitmentBuilder(
		p.FundingOutpoint, p.Capacity, p.LocalInitiator,
		p.LocalCfg, p.RemoteCfg,
	)

	localFirstPoint, err := c.localPointAt(0)
	if err != nil {
		return nil, err
	}
	c.localCommit, err = c.builder.Build(
		true, 0, c.localBalance, c.remoteBalance, nil,
		localFirstPoint, c.feePerKw,
	)
	if err != nil {
		return nil, err
	}
	c.remoteCommit, err = c.builder.Build(
		false, 0, c.remoteBalance, c.localBalance, nil,
		p.RemoteFirstPoint, c.feePerKw,
	)
	if err != nil {
		return nil, err
	}

	return c, nil
}

// localPointAt derives the local per-commitment point for the given
// commitment number.
func (c *Channel) localPointAt(ctn uint64) (*btcec.PublicKey, error) {
	secret, err := c.producer.AtIndex(ctn)
	if err != nil {
		return nil, err
	}

	return input.ComputeCommitmentPoint(secret[:]), nil
}

// LocalCommitPoint exposes the local per-commitment point for a given
// commitment number, needed by the counterparty during funding.
func (c *Channel) LocalCommitPoint(ctn uint64) (*btcec.PublicKey, error) {
	return c.localPointAt(ctn)
}

// proposedBalances returns the settled balances the next commitment will
// carry once the staged updates bind.
func (c *Channel) proposedBalances() (btcutil.Amount, btcutil.Amount) {
	localDelta, remoteDelta := c.htlcs.stagedBalanceDeltas()
	return c.localBalance + localDelta, c.remoteBalance + remoteDelta
}

// SignInitialCommitment signs the counterparty's CTN 0 commitment during
// funding.
func (c *Channel) SignInitialCommitment() (*CommitSig, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.state != StateOpening {
		return nil, ErrChanNotOpen
	}

	sig, err := c.signCommitment(c.remoteCommit.Tx)
	if err != nil {
		return nil, err
	}

	return &CommitSig{Ctn: 0, Sig: sig}, nil
}

// ReceiveInitialCommitmentSig validates and stores the counterparty's
// signature over our CTN 0 commitment, completing the funding handshake and
// moving the channel to FUNDED.
func (c *Channel) ReceiveInitialCommitmentSig(sig *CommitSig) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.state != StateOpening {
		return ErrChanNotOpen
	}
	if sig.Ctn != 0 {
		return ErrStaleState
	}

	err := c.verifyCommitSig(c.localCommit.Tx, sig.Sig)
	if err != nil {
		return err
	}

	c.localCommit.theirSig = sig.Sig
	c.initialSigReceived = true
	c.state = StateFunded

	log.Infof("ChannelPoint(%v): funding signed, channel %v FUNDED",
		c.fundingOutpoint, c.chanID)

	return nil
}

// FundingConfirmed polls the chain for the funding transaction's depth and
// opens the channel once the configured number of confirmations is reached.
// It returns true when the channel is OPEN. An already open channel is
// re-checked: a reorg that buries the funding transaction below the
// required depth, or drops it from the chain entirely, demotes the channel
// back to FUNDED until the depth is restored.
func (c *Channel) FundingConfirmed() (bool, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	switch c.state {
	case StateOpen, StateFunded:
	default:
		return false, ErrChanNotOpen
	}

	confs, err := c.chain.TxConfirmations(c.fundingOutpoint.Hash)
	if err != nil && err != chainwatch.ErrTxNotFound {
		return false, err
	}
	if err == chainwatch.ErrTxNotFound || confs < c.fundingConfs {
		if c.state == StateOpen {
			c.state = StateFunded
			log.Warnf("ChannelPoint(%v): funding transaction "+
				"reorged below %d confs, channel back to FUNDED",
				c.fundingOutpoint, c.fundingConfs)
		}
		return false, nil
	}

	if c.state != StateOpen {
		c.state = StateOpen
		log.Infof("ChannelPoint(%v): funding reached %d confs, "+
			"channel OPEN", c.fundingOutpoint, confs)
	}

	return true, nil
}

// AddHTLC stages a new offered HTLC for the next commitment and returns the
// record to forward to the counterparty. It fails with
// ErrInsufficientBalance when the local balance net of reserve and fee
// cannot cover the amount, and with ErrExpiryTooSoon when the expiry sits
// too close to the current height.
func (c *Channel) AddHTLC(amount btcutil.Amount, paymentHash PaymentHash,
	cltvExpiry uint32) (*HTLC, error) {

	c.mtx.Lock()
	defer c.mtx.Unlock()

	if err := c.ensureOpen(); err != nil {
		return nil, err
	}

	height, err := c.chain.CurrentHeight()
	if err != nil {
		return nil, err
	}
	if cltvExpiry < height+MinExpiryDelta {
		return nil, ErrExpiryTooSoon
	}

	local, _ := c.proposedBalances()
	available := local - c.localCfg.ChanReserve
	if c.localInitiator {
		// The initiator keeps paying the commitment fee, so the new
		// HTLC must leave room for the grown commitment.
		available -= c.feePerKw.FeeForWeight(
			CommitWeight +
				int64(len(c.htlcs.ProposedView())+1)*HtlcWeight,
		)
	}
	if amount > available {
		return nil, ErrInsufficientBalance
	}

	htlc := &HTLC{
		ID:          c.htlcCounter,
		Incoming:    false,
		Amount:      amount,
		PaymentHash: paymentHash,
		CltvExpiry:  cltvExpiry,
	}
	if c.faults.ForceMalformedHtlc {
		htlc.PaymentHash[0] ^= 0xff
	}

	if err := c.htlcs.AddProposed(htlc); err != nil {
		return nil, err
	}
	c.htlcCounter++

	out := *htlc

	return &out, nil
}

// ReceiveHTLC stages an HTLC offered by the counterparty. The same balance
// and expiry constraints are enforced against the offering side.
func (c *Channel) ReceiveHTLC(htlc *HTLC) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if err := c.ensureOpen(); err != nil {
		return err
	}

	height, err := c.chain.CurrentHeight()
	if err != nil {
		return err
	}
	if htlc.CltvExpiry < height+MinExpiryDelta {
		return ErrExpiryTooSoon
	}

	_, remote := c.proposedBalances()
	available := remote - c.remoteCfg.ChanReserve
	if !c.localInitiator {
		available -= c.feePerKw.FeeForWeight(
			CommitWeight +
				int64(len(c.htlcs.ProposedView())+1)*HtlcWeight,
		)
	}
	if htlc.Amount > available {
		return ErrInsufficientBalance
	}

	in := *htlc
	in.Incoming = true
	if err := c.htlcs.AddProposed(&in); err != nil {
		return err
	}
	if in.ID >= c.htlcCounter {
		c.htlcCounter = in.ID + 1
	}

	return nil
}

// SettleHTLC stages the settlement of an incoming committed HTLC using the
// revealed preimage.
func (c *Channel) SettleHTLC(id uint64, preimage [32]byte) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if err := c.ensureOpen(); err != nil {
		return err
	}

	htlc, ok := c.htlcs.Lookup(id)
	if !ok || !htlc.Incoming {
		return ErrUnknownHtlc
	}

	return c.htlcs.Settle(id, preimage)
}

// ReceiveHTLCSettle stages the counterparty's settlement of an HTLC we
// offered. The preimage is validated against the payment hash before the
// settlement binds.
func (c *Channel) ReceiveHTLCSettle(id uint64, preimage [32]byte) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if err := c.ensureOpen(); err != nil {
		return err
	}

	htlc, ok := c.htlcs.Lookup(id)
	if !ok || htlc.Incoming {
		return ErrUnknownHtlc
	}

	return c.htlcs.stageSettle(id, preimage)
}

// FailHTLC stages the failure of an incoming committed HTLC.
func (c *Channel) FailHTLC(id uint64, reason FailCode) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if err := c.ensureOpen(); err != nil {
		return err
	}

	htlc, ok := c.htlcs.Lookup(id)
	if !ok || !htlc.Incoming {
		return ErrUnknownHtlc
	}

	return c.htlcs.Fail(id, reason)
}

// ReceiveHTLCFail stages the counterparty's failure of an HTLC we offered.
func (c *Channel) ReceiveHTLCFail(id uint64, reason FailCode) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if err := c.ensureOpen(); err != nil {
		return err
	}

	htlc, ok := c.htlcs.Lookup(id)
	if !ok || htlc.Incoming {
		return ErrUnknownHtlc
	}

	return c.htlcs.Fail(id, reason)
}

// ExpiredHtlcs returns the committed HTLCs whose expiry has lapsed without
// settlement at the current chain height. A non-empty result obliges this
// party to force close before the outputs become unrecoverable.
func (c *Channel) ExpiredHtlcs() ([]HTLC, error) {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	height, err := c.chain.CurrentHeight()
	if err != nil {
		return nil, err
	}

	return c.htlcs.ExpireCheck(height), nil
}

// SignNextCommitment builds and signs the counterparty's next commitment,
// covering every staged update. The returned signature starts a commitment
// round that completes with the revocation exchange.
func (c *Channel) SignNextCommitment() (*CommitSig, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if err := c.ensureOpen(); err != nil {
		return nil, err
	}
	if c.pendingRemoteCommit != nil {
		return nil, fmt.Errorf("commitment %d still awaiting "+
			"revocation", c.pendingRemoteCommit.Ctn)
	}
	if !c.htlcs.HasPendingUpdates() {
		return nil, fmt.Errorf("no staged updates to commit")
	}
	if c.remoteNextPoint == nil {
		return nil, fmt.Errorf("counterparty commit point for next " +
			"state unknown")
	}

	ctn := c.remoteCommit.Ctn + 1
	local, remote := c.proposedBalances()

	commit, err := c.builder.Build(
		false, ctn, remote, local, c.htlcs.ProposedView(),
		c.remoteNextPoint, c.feePerKw,
	)
	if err != nil {
		return nil, err
	}

	sig, err := c.signCommitment(commit.Tx)
	if err != nil {
		return nil, err
	}

	c.pendingRemoteCommit = commit

	log.Debugf("ChannelPoint(%v): signed remote commitment %d",
		c.fundingOutpoint, ctn)

	return &CommitSig{Ctn: ctn, Sig: sig}, nil
}

// ReceiveNewCommitment validates the counterparty's signature over our next
// commitment. A signature for anything but the immediately next commitment
// number is rejected with ErrStaleState. When both parties signed
// concurrently, the channel-id-derived tie-break decides whose round
// proceeds; the loser's proposal is discarded and surfaces as
// ErrCommitmentRace on the winning side.
func (c *Channel) ReceiveNewCommitment(sig *CommitSig) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if err := c.ensureOpen(); err != nil {
		return err
	}
	if sig.Ctn != c.localCommit.Ctn+1 {
		return ErrStaleState
	}
	if c.pendingLocalCommit != nil {
		return ErrStaleState
	}

	if c.pendingRemoteCommit != nil {
		if c.localWinsRace() {
			return ErrCommitmentRace
		}

		// Our own proposal lost the tie-break. Drop it; the staged
		// updates stay and travel with the next round we start.
		c.pendingRemoteCommit = nil
	}

	ctn := sig.Ctn
	localPoint, err := c.localPointAt(ctn)
	if err != nil {
		return err
	}

	local, remote := c.proposedBalances()
	commit, err := c.builder.Build(
		true, ctn, local, remote, c.htlcs.ProposedView(),
		localPoint, c.feePerKw,
	)
	if err != nil {
		return err
	}

	if err := c.verifyCommitSig(commit.Tx, sig.Sig); err != nil {
		return err
	}

	commit.theirSig = sig.Sig
	c.pendingLocalCommit = commit

	log.Debugf("ChannelPoint(%v): received valid commitment %d",
		c.fundingOutpoint, ctn)

	return nil
}

// localWinsRace applies the deterministic tie-break for simultaneous
// commitment proposals: the parity of the channel id's first byte selects
// whether the initiator's or the responder's proposal survives.
func (c *Channel) localWinsRace() bool {
	initiatorWins := c.chanID[0]&1 == 0
	return c.localInitiator == initiatorWins
}

// RevokeCurrentCommitment reveals the revocation secret of the superseded
// local commitment and advances to the one received in this round. Calling
// it before the counterparty's signature for the next state arrived fails
// with ErrNoPendingCommitment: revealing the secret first would leave this
// party with no valid commitment covering the staged updates.
func (c *Channel) RevokeCurrentCommitment() (*RevocationMessage, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.pendingLocalCommit == nil {
		return nil, ErrNoPendingCommitment
	}

	revokedCtn := c.localCommit.Ctn
	secret, err := c.producer.AtIndex(revokedCtn)
	if err != nil {
		return nil, err
	}

	c.localCommit = c.pendingLocalCommit
	c.pendingLocalCommit = nil

	nextPoint, err := c.localPointAt(c.localCommit.Ctn + 1)
	if err != nil {
		return nil, err
	}

	c.maybeFinalizeRound()

	log.Debugf("ChannelPoint(%v): revoked commitment %d, now at %d",
		c.fundingOutpoint, revokedCtn, c.localCommit.Ctn)

	return &RevocationMessage{
		Ctn:       revokedCtn,
		Secret:    [32]byte(*secret),
		NextPoint: nextPoint,
	}, nil
}

// ReceiveRevocation validates the counterparty's revocation of its
// superseded commitment, retains the secret forever, and returns the
// BreachRemedyRecord enabling punishment should that commitment ever
// appear on-chain.
func (c *Channel) ReceiveRevocation(
	rev *RevocationMessage) (*BreachRemedyRecord, error) {

	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.pendingRemoteCommit == nil {
		return nil, ErrStaleState
	}
	if rev.Ctn != c.remoteCommit.Ctn {
		return nil, ErrStaleState
	}

	// The revealed secret must reproduce the per-commitment point the
	// revoked commitment was built from.
	point := input.ComputeCommitmentPoint(rev.Secret[:])
	if !point.IsEqual(c.remoteCommit.CommitPoint) {
		return nil, fmt.Errorf("revocation secret for commitment %d "+
			"does not match its commit point", rev.Ctn)
	}

	secretHash := chainhash.Hash(rev.Secret)
	err := c.remoteSecrets.AddNextEntry(&secretHash)
	if err != nil {
		return nil, err
	}

	record := newBreachRemedyRecord(c.chanID, c.fundingOutpoint,
		c.remoteCfg.CsvDelay, c.remoteCommit, rev.Secret)

	c.remoteCommit = c.pendingRemoteCommit
	c.pendingRemoteCommit = nil
	c.remoteNextPoint = rev.NextPoint

	c.maybeFinalizeRound()

	log.Debugf("ChannelPoint(%v): counterparty revoked commitment %d",
		c.fundingOutpoint, rev.Ctn)

	return record, nil
}

// maybeFinalizeRound folds the staged updates into the committed state once
// both parties' commitments sit at the same number again.
func (c *Channel) maybeFinalizeRound() {
	if c.localCommit.Ctn != c.remoteCommit.Ctn {
		return
	}
	if c.pendingLocalCommit != nil || c.pendingRemoteCommit != nil {
		return
	}

	c.localBalance, c.remoteBalance = c.proposedBalances()
	c.htlcs.advance()
}

// signCommitment produces the local funding signature over a commitment
// transaction.
func (c *Channel) signCommitment(tx *wire.MsgTx) ([]byte, error) {
	fundingPkScript, err := input.WitnessScriptHash(c.fundingScript)
	if err != nil {
		return nil, err
	}
	fetcher := txscript.NewCannedPrevOutputFetcher(
		fundingPkScript, int64(c.capacity),
	)

	return input.RawWitnessSig(
		tx, 0, int64(c.capacity), c.fundingScript,
		txscript.SigHashAll, c.keys.MultiSigPriv, fetcher,
	)
}

// verifyCommitSig checks the counterparty's funding signature over a
// commitment transaction.
func (c *Channel) verifyCommitSig(tx *wire.MsgTx, sig []byte) error {
	fundingPkScript, err := input.WitnessScriptHash(c.fundingScript)
	if err != nil {
		return err
	}
	fetcher := txscript.NewCannedPrevOutputFetcher(
		fundingPkScript, int64(c.capacity),
	)

	return input.VerifyWitnessSig(
		tx, 0, int64(c.capacity), c.fundingScript,
		txscript.SigHashAll, sig, c.remoteCfg.MultiSigKey, fetcher,
	)
}

// SignedCommitment assembles the fully signed current local commitment,
// ready for broadcast.
func (c *Channel) SignedCommitment() (*wire.MsgTx, error) {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	return c.signedCommitment()
}

func (c *Channel) signedCommitment() (*wire.MsgTx, error) {
	if len(c.localCommit.theirSig) == 0 {
		return nil, fmt.Errorf("commitment %d not signed by "+
			"counterparty", c.localCommit.Ctn)
	}

	tx := c.localCommit.Tx.Copy()
	ourSig, err := c.signCommitment(tx)
	if err != nil {
		return nil, err
	}

	tx.TxIn[0].Witness = input.SpendMultiSig(
		c.fundingScript,
		c.keys.MultiSigPriv.PubKey().SerializeCompressed(), ourSig,
		c.remoteCfg.MultiSigKey.SerializeCompressed(),
		c.localCommit.theirSig,
	)

	return tx, nil
}

// ForceClose broadcasts the current local commitment unilaterally. The
// to_local output stays locked for to_self_delay blocks; each HTLC resolves
// individually by preimage or timeout.
func (c *Channel) ForceClose() (*wire.MsgTx, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	switch c.state {
	case StateOpen, StateFunded, StateClosing:
	default:
		return nil, ErrChanNotOpen
	}

	tx, err := c.signedCommitment()
	if err != nil {
		return nil, err
	}

	if _, err := c.chain.Broadcast(tx); err != nil {
		return nil, err
	}

	c.state = StateForceClosing

	log.Warnf("ChannelPoint(%v): force closing at commitment %d",
		c.fundingOutpoint, c.localCommit.Ctn)

	return tx, nil
}

// InitCooperativeClose builds and signs the mutual close transaction
// splitting the settled balances to the given delivery scripts. It refuses
// to start while HTLCs are outstanding. Both parties derive the identical
// transaction, so each side's call yields the signature the other needs.
func (c *Channel) InitCooperativeClose(localScript,
	remoteScript []byte) (*wire.MsgTx, []byte, error) {

	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.state != StateOpen && c.state != StateClosing {
		return nil, nil, ErrChanNotOpen
	}
	if len(c.htlcs.CommittedView()) > 0 || c.htlcs.HasPendingUpdates() {
		return nil, nil, fmt.Errorf("cooperative close with active "+
			"htlcs on channel %v", c.chanID)
	}

	closeFee := c.feePerKw.FeeForWeight(CommitWeight)
	closeTx := CreateCooperativeCloseTx(
		c.fundingOutpoint, c.localBalance, c.remoteBalance,
		c.localInitiator, closeFee, localScript, remoteScript,
		c.localCfg.DustLimit,
	)

	sig, err := c.signCommitment(closeTx)
	if err != nil {
		return nil, nil, err
	}

	c.closeTx = closeTx
	c.localCloseSig = sig
	c.state = StateClosing

	return closeTx.Copy(), sig, nil
}

// CompleteCooperativeClose validates the counterparty's close signature,
// assembles the final transaction and broadcasts it.
func (c *Channel) CompleteCooperativeClose(
	remoteSig []byte) (chainhash.Hash, error) {

	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.state != StateClosing || c.closeTx == nil {
		return chainhash.Hash{}, ErrChanClosing
	}

	err := c.verifyCommitSig(c.closeTx, remoteSig)
	if err != nil {
		return chainhash.Hash{}, err
	}

	c.closeTx.TxIn[0].Witness = input.SpendMultiSig(
		c.fundingScript,
		c.keys.MultiSigPriv.PubKey().SerializeCompressed(),
		c.localCloseSig,
		c.remoteCfg.MultiSigKey.SerializeCompressed(), remoteSig,
	)

	return c.chain.Broadcast(c.closeTx)
}

// MarkCoopCloseConfirmed moves a cooperatively closing channel to CLOSED
// once the close transaction reached sufficient depth.
func (c *Channel) MarkCoopCloseConfirmed() {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.state == StateClosing {
		c.state = StateClosed
	}
}

// MarkBreached flags the channel after a revoked counterparty commitment
// was detected on-chain.
func (c *Channel) MarkBreached() {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	c.state = StateBreached
}

// MarkClosed is the terminal transition, entered once all contestation
// windows resolved.
func (c *Channel) MarkClosed() {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	c.state = StateClosed
}

func (c *Channel) ensureOpen() error {
	switch c.state {
	case StateOpen:
		return nil
	case StateClosing, StateForceClosing, StateBreached, StateClosed:
		return ErrChanClosing
	default:
		return ErrChanNotOpen
	}
}

// State returns the channel's lifecycle state.
func (c *Channel) State() ChannelState {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	return c.state
}

// ChanID returns the channel identifier.
func (c *Channel) ChanID() ChannelID {
	return c.chanID
}

// FundingOutpoint returns the outpoint the channel is anchored to.
func (c *Channel) FundingOutpoint() wire.OutPoint {
	return c.fundingOutpoint
}

// Capacity returns the total channel capacity.
func (c *Channel) Capacity() btcutil.Amount {
	return c.capacity
}

// LocalBalance returns the local settled balance of the last fully
// committed state.
func (c *Channel) LocalBalance() btcutil.Amount {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	return c.localBalance
}

// RemoteBalance returns the counterparty's settled balance.
func (c *Channel) RemoteBalance() btcutil.Amount {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	return c.remoteBalance
}

// Ctn returns the local commitment number.
func (c *Channel) Ctn() uint64 {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	return c.localCommit.Ctn
}

// ActiveHtlcs returns the HTLCs locked into the current commitments.
func (c *Channel) ActiveHtlcs() []HTLC {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	return c.htlcs.CommittedView()
}

// LocalCommitment returns the current local commitment.
func (c *Channel) LocalCommitment() *Commitment {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	return c.localCommit
}

// RemoteCommitment returns the counterparty's current commitment.
func (c *Channel) RemoteCommitment() *Commitment {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	return c.remoteCommit
}

// RevocationBasePriv exposes the local revocation basepoint secret, needed
// to derive punishment keys from a counterparty's revealed commitment
// secrets.
func (c *Channel) RevocationBasePriv() *btcec.PrivateKey {
	return c.keys.RevocationBasePriv
}
