// Package driver defines the contract every channel implementation
// (local, journal, tcp, ...) satisfies, plus the pending-ack
// bookkeeping and dead-letter fallback shared by all of them.
package driver

import (
	"sync"

	"github.com/jbiscella/reacted/internal/future"
	"github.com/jbiscella/reacted/internal/logx"
	"github.com/jbiscella/reacted/internal/reactor"
)

// Driver owns one channel: it knows how to hand a message to the
// destination (for local channels, directly; for remote ones, by
// encoding it onto the wire) and, where the channel itself doesn't
// confirm delivery, how to track an ack until the inbound loop
// observes confirmation.
type Driver interface {
	ChannelID() reactor.ChannelID
	// RequiresDeliveryAck reports whether the channel inherently
	// provides a durable delivery acknowledgement. When false, the
	// driver confirms a CHANNEL_REQUIRED send itself: the journal and
	// tcp drivers track it via the pending-ack table, the local driver
	// resolves it directly from its synchronous OfferMessage.
	RequiresDeliveryAck() bool
	// SendMessage delivers msg synchronously and reports the outcome.
	SendMessage(dest reactor.Reference, msg reactor.Message) reactor.DeliveryStatus
	// SendAsync delivers msg without blocking the caller; it also
	// satisfies the structural "sender" capability reactor.Reference.Driver
	// needs for Context.Tell to use this driver.
	SendAsync(dest reactor.Reference, msg reactor.Message) *future.Future[reactor.DeliveryStatus]
	// InitDriverLoop starts the ingress side, if this channel has one.
	// Drivers with no inbound loop (e.g. local) return nil immediately.
	InitDriverLoop() error
	// CleanDriverLoop releases channel resources. Idempotent.
	CleanDriverLoop() error
}

// Base is embedded by concrete drivers. It supplies the channel
// identity, the dead-letter-aware delivery helper (OfferMessage) and
// the pending-ack table described in the ack-tracking contract: when a
// sender requests an ack the channel can't natively provide, Base
// records a completion handle keyed by sequence number that the
// driver's own ingress loop (or, for local delivery, OfferMessage
// itself) resolves once it observes the matching confirmation.
type Base struct {
	System *reactor.System
	Log    *logx.Logger

	channel reactor.ChannelID

	pendingMu sync.Mutex
	pending   map[uint64]func(reactor.DeliveryStatus)
}

func NewBase(sys *reactor.System, channel reactor.ChannelID, log *logx.Logger) Base {
	return Base{
		System:  sys,
		Log:     log,
		channel: channel,
		pending: make(map[uint64]func(reactor.DeliveryStatus)),
	}
}

func (b *Base) ChannelID() reactor.ChannelID { return b.channel }

// TrackPendingAck registers a completion handle for seq and returns
// the Future a sender should wait on. CompletePendingAck resolves it;
// calling it for an untracked sequence is a no-op, so drivers that
// didn't record an ack (NONE/SENDER_REQUIRED sends) can call it
// unconditionally without checking first.
func (b *Base) TrackPendingAck(seq uint64) *future.Future[reactor.DeliveryStatus] {
	fut, complete := future.NewPending[reactor.DeliveryStatus]()
	b.pendingMu.Lock()
	b.pending[seq] = func(s reactor.DeliveryStatus) { complete(s, nil) }
	b.pendingMu.Unlock()
	return fut
}

func (b *Base) CompletePendingAck(seq uint64, status reactor.DeliveryStatus) {
	b.pendingMu.Lock()
	complete, ok := b.pending[seq]
	if ok {
		delete(b.pending, seq)
	}
	b.pendingMu.Unlock()
	if ok {
		complete(status)
	}
}

// OfferMessage is the shared ingress-side primitive every driver's
// loop (or, for local delivery, its SendMessage) calls once it has an
// inbound envelope: look the destination up by reactor id, forward it
// into the mailbox if present — System.Deliver already falls back to
// wrapping the payload as a DeadMessage for the system's dead-letter
// reactor when it isn't — and resolve any pending ack with the
// resulting status.
func (b *Base) OfferMessage(msg reactor.Message) reactor.DeliveryStatus {
	status := b.System.Deliver(msg.Destination, msg)
	b.CompletePendingAck(msg.Sequence, status)
	return status
}
