package lnchannel

import (
	"errors"
	"fmt"
)

var (
	// ErrChanClosing is returned when an operation is attempted on a
	// channel that has begun the closing process.
	ErrChanClosing = errors.New("channel is being closed, operation " +
		"disallowed")

	// ErrChanNotOpen is returned when an update is attempted on a channel
	// that hasn't completed the funding flow, or has already left the
	// open state.
	ErrChanNotOpen = errors.New("channel is not open")

	// ErrStaleState is returned when a protocol message references an
	// unknown or already superseded commitment number. The offending
	// update is aborted; channel state is untouched.
	ErrStaleState = errors.New("commitment number is stale or unknown")

	// ErrInsufficientBalance is returned when the local balance cannot
	// cover a proposed HTLC amount on top of the channel reserve.
	ErrInsufficientBalance = errors.New("insufficient local balance")

	// ErrExpiryTooSoon is returned when a proposed HTLC's cltv expiry is
	// below the minimum safety margin from the current chain height.
	ErrExpiryTooSoon = errors.New("htlc expiry is below the safety margin")

	// ErrFeeExceedsBalance is returned by the commitment builder when the
	// fee-paying side cannot cover the commitment fee.
	ErrFeeExceedsBalance = errors.New("commitment fee exceeds the " +
		"initiator's balance")

	// ErrPreimageMismatch is returned when settling an HTLC with a
	// preimage whose hash does not match the stored payment hash. The
	// HTLC remains open.
	ErrPreimageMismatch = errors.New("preimage does not match payment " +
		"hash")

	// ErrUnknownHtlc is returned when referencing an HTLC id not present
	// in the channel.
	ErrUnknownHtlc = errors.New("unknown htlc id")

	// ErrNoPendingCommitment is returned when attempting to revoke a
	// commitment before the counterparty's signature for the next state
	// has been received and validated. Revealing the secret early would
	// expose the in-flight HTLC outputs.
	ErrNoPendingCommitment = errors.New("no new commitment signature " +
		"received, refusing to revoke")

	// ErrCommitmentRace is returned when both parties signed for the same
	// next commitment number and the local party wins the deterministic
	// tie-break. The remote proposal must be re-submitted against the new
	// commitment number.
	ErrCommitmentRace = errors.New("concurrent commitment proposal lost " +
		"tie-break, re-submit against new state")

	// ErrHtlcSettleDisabled is returned when settlement has been switched
	// off by the fault-injection configuration.
	ErrHtlcSettleDisabled = errors.New("htlc settlement disabled by " +
		"configuration")
)

// NegotiationError is returned when channel open parameters are rejected.
// Channels failing negotiation never open.
type NegotiationError struct {
	// Param names the offending parameter.
	Param string

	// Reason holds a human readable rejection reason.
	Reason string
}

// Error implements the error interface.
func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation failed on %s: %s", e.Param, e.Reason)
}
