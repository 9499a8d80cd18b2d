// Package local implements the direct in-process driver: the one
// every reactor gets by default, handed to reactor.System via
// SetLocalDriver. Delivery is a plain mailbox deposit, so there is no
// ingress loop to speak of.
package local

import (
	"github.com/jbiscella/reacted/internal/driver"
	"github.com/jbiscella/reacted/internal/future"
	"github.com/jbiscella/reacted/internal/logx"
	"github.com/jbiscella/reacted/internal/reactor"
)

// Driver delivers messages straight into the destination's mailbox
// within the same process. It requires no wire encoding and has no
// native ack, but since delivery is synchronous and observable at the
// call site, CHANNEL_REQUIRED sends resolve as soon as OfferMessage
// returns rather than waiting on a separate confirmation frame.
type Driver struct {
	driver.Base
}

// New wires a local driver for channel name into sys, registering it
// as the system's default so freshly spawned reactors get References
// that can Tell through it immediately.
func New(sys *reactor.System, name string, log *logx.Logger) *Driver {
	d := &Driver{Base: driver.NewBase(sys, reactor.ChannelID{Type: "local", Name: name}, log)}
	sys.SetLocalDriver(d, d.ChannelID())
	return d
}

func (d *Driver) RequiresDeliveryAck() bool { return false }

func (d *Driver) SendMessage(dest reactor.Reference, msg reactor.Message) reactor.DeliveryStatus {
	return d.OfferMessage(msg)
}

func (d *Driver) SendAsync(dest reactor.Reference, msg reactor.Message) *future.Future[reactor.DeliveryStatus] {
	return future.New(func() (reactor.DeliveryStatus, error) {
		return d.SendMessage(dest, msg), nil
	})
}

func (d *Driver) InitDriverLoop() error  { return nil }
func (d *Driver) CleanDriverLoop() error { return nil }
