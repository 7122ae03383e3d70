package channeldb

import (
	"encoding/binary"
	"io"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"

	"github.com/CryptoCrowdOnline/electrum-chi/lnchannel"
)

func writeField(w io.Writer, v interface{}) error {
	return binary.Write(w, byteOrder, v)
}

func readField(r io.Reader, v interface{}) error {
	return binary.Read(r, byteOrder, v)
}

// ChannelSummary is the persisted projection of a channel: identity, peer,
// negotiated parameters, balances and the HTLC set of the last fully
// committed state.
type ChannelSummary struct {
	ChanID          lnchannel.ChannelID
	FundingOutpoint wire.OutPoint

	// Peer identifies the counterparty, serialized public key or
	// address.
	Peer string

	State lnchannel.ChannelState

	Capacity      btcutil.Amount
	LocalBalance  btcutil.Amount
	RemoteBalance btcutil.Amount

	Ctn uint64

	// ToSelfDelay and DustLimit are the negotiated channel parameters
	// a restarted monitor needs.
	ToSelfDelay uint32
	DustLimit   btcutil.Amount

	// Htlcs is the committed HTLC set at Ctn.
	Htlcs []lnchannel.HTLC
}

// Encode serializes the summary.
func (s *ChannelSummary) Encode(w io.Writer) error {
	if _, err := w.Write(s.ChanID[:]); err != nil {
		return err
	}
	if _, err := w.Write(s.FundingOutpoint.Hash[:]); err != nil {
		return err
	}
	fields := []interface{}{
		s.FundingOutpoint.Index,
		uint8(s.State),
		int64(s.Capacity),
		int64(s.LocalBalance),
		int64(s.RemoteBalance),
		s.Ctn,
		s.ToSelfDelay,
		int64(s.DustLimit),
	}
	for _, field := range fields {
		if err := writeField(w, field); err != nil {
			return err
		}
	}

	if err := writeField(w, uint16(len(s.Peer))); err != nil {
		return err
	}
	if _, err := io.WriteString(w, s.Peer); err != nil {
		return err
	}

	if err := writeField(w, uint16(len(s.Htlcs))); err != nil {
		return err
	}
	for _, htlc := range s.Htlcs {
		if err := encodeHtlc(w, &htlc); err != nil {
			return err
		}
	}

	return nil
}

// DecodeChannelSummary deserializes a summary written by Encode.
func DecodeChannelSummary(r io.Reader) (*ChannelSummary, error) {
	s := &ChannelSummary{}

	if _, err := io.ReadFull(r, s.ChanID[:]); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, s.FundingOutpoint.Hash[:]); err != nil {
		return nil, err
	}

	var (
		state                         uint8
		capacity, local, remote, dust int64
	)
	fields := []interface{}{
		&s.FundingOutpoint.Index,
		&state,
		&capacity,
		&local,
		&remote,
		&s.Ctn,
		&s.ToSelfDelay,
		&dust,
	}
	for _, field := range fields {
		if err := readField(r, field); err != nil {
			return nil, err
		}
	}
	s.State = lnchannel.ChannelState(state)
	s.Capacity = btcutil.Amount(capacity)
	s.LocalBalance = btcutil.Amount(local)
	s.RemoteBalance = btcutil.Amount(remote)
	s.DustLimit = btcutil.Amount(dust)

	var peerLen uint16
	if err := readField(r, &peerLen); err != nil {
		return nil, err
	}
	peer := make([]byte, peerLen)
	if _, err := io.ReadFull(r, peer); err != nil {
		return nil, err
	}
	s.Peer = string(peer)

	var numHtlcs uint16
	if err := readField(r, &numHtlcs); err != nil {
		return nil, err
	}
	for i := uint16(0); i < numHtlcs; i++ {
		htlc, err := decodeHtlc(r)
		if err != nil {
			return nil, err
		}
		s.Htlcs = append(s.Htlcs, *htlc)
	}

	return s, nil
}

func encodeHtlc(w io.Writer, htlc *lnchannel.HTLC) error {
	fields := []interface{}{
		htlc.ID,
		htlc.Incoming,
		int64(htlc.Amount),
		htlc.CltvExpiry,
		uint8(htlc.State),
		uint16(htlc.FailReason),
	}
	for _, field := range fields {
		if err := writeField(w, field); err != nil {
			return err
		}
	}
	_, err := w.Write(htlc.PaymentHash[:])
	return err
}

func decodeHtlc(r io.Reader) (*lnchannel.HTLC, error) {
	htlc := &lnchannel.HTLC{}

	var (
		amount     int64
		state      uint8
		failReason uint16
	)
	fields := []interface{}{
		&htlc.ID,
		&htlc.Incoming,
		&amount,
		&htlc.CltvExpiry,
		&state,
		&failReason,
	}
	for _, field := range fields {
		if err := readField(r, field); err != nil {
			return nil, err
		}
	}
	htlc.Amount = btcutil.Amount(amount)
	htlc.State = lnchannel.HtlcState(state)
	htlc.FailReason = lnchannel.FailCode(failReason)

	if _, err := io.ReadFull(r, htlc.PaymentHash[:]); err != nil {
		return nil, err
	}

	return htlc, nil
}
