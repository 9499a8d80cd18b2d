package registry

import (
	"fmt"

	"github.com/jbiscella/reacted/internal/future"
	"github.com/jbiscella/reacted/internal/logx"
	"github.com/jbiscella/reacted/internal/reactor"
)

// PublishedChannel is one of this process's own channels, offered up
// for publication whenever a registry driver asks us to (re)sync.
type PublishedChannel struct {
	Channel    reactor.ChannelID
	Properties map[string]string
}

// Root is the remoting control-plane reactor: its children are
// registry-driver reactors (gossip, directory, ...) and it keeps the
// RoutingTable in sync with what they report. It never talks to a
// registry backend directly — that's the driver children's job.
type Root struct {
	system        *reactor.System
	localSystemID reactor.SystemID
	routes        *RoutingTable
	log           *logx.Logger
	published     []PublishedChannel
}

func NewRoot(sys *reactor.System, published []PublishedChannel, log *logx.Logger) *Root {
	return &Root{
		system:        sys,
		localSystemID: sys.ID(),
		routes:        NewRoutingTable(),
		log:           log,
		published:     published,
	}
}

func (r *Root) RoutingTable() *RoutingTable { return r.routes }

// Reactions builds the reaction table described by the control-plane
// table: every registry event the Root understands, plus a wildcard
// that logs anything else as a spurious, non-fatal message.
func (r *Root) Reactions() reactor.ReactionTable {
	t := reactor.NewReactionTable()
	t = t.Add(reactor.ReActorInit{}, r.onInit)
	t = t.Add(RegistryDriverInitComplete{}, r.onDriverInitComplete)
	t = t.Add(RegistrySubscriptionComplete{}, r.onSubscriptionComplete)
	t = t.Add(RegistryGateUpserted{}, r.onGateUpserted)
	t = t.Add(RegistryGateRemoved{}, r.onGateRemoved)
	t = t.Add(ServiceServicePublicationRequest{}, r.onServicePublication)
	t = t.Add(ServiceCancellationRequest{}, r.onServiceCancellation)
	t = t.Add(RegistryServicePublicationFailed{}, r.onPublicationFailed)
	t = t.Add(reactor.ReActorStop{}, r.onStop)
	t.Wildcard = r.onSpurious
	return t
}

func (r *Root) onInit(ctx *reactor.Context, msg reactor.Message) error { return nil }

func (r *Root) onStop(ctx *reactor.Context, msg reactor.Message) error { return nil }

// onDriverInitComplete bootstraps a freshly initialized registry
// driver by asking it to synchronize with the backing service registry.
func (r *Root) onDriverInitComplete(ctx *reactor.Context, msg reactor.Message) error {
	fut, err := ctx.Tell(msg.Source, SynchronizationWithServiceRegistryRequest{}, reactor.NONE)
	r.logOnFailure(fut, "SynchronizationWithServiceRegistryRequest", msg.Source.String())
	return err
}

// onSubscriptionComplete publishes every locally known channel to the
// driver that sent it: one that just finished subscribing, or, re-sent
// by onGateRemoved, the driver that reported our own gate removed.
func (r *Root) onSubscriptionComplete(ctx *reactor.Context, msg reactor.Message) error {
	for _, pc := range r.published {
		fut, err := ctx.Tell(msg.Source, ReActorSystemChannelIdPublicationRequest{
			LocalSystem: r.localSystemID,
			Channel:     pc.Channel,
			Properties:  pc.Properties,
		}, reactor.NONE)
		if err != nil {
			r.errorf("channel id publication send failed", "channel", pc.Channel.String(), "err", err)
			continue
		}
		r.logOnFailure(fut, "ReActorSystemChannelIdPublicationRequest", pc.Channel.String())
	}
	return nil
}

func (r *Root) onGateUpserted(ctx *reactor.Context, msg reactor.Message) error {
	ev := msg.Payload.(RegistryGateUpserted)
	if ev.System.UUID == r.localSystemID.UUID {
		return nil
	}
	r.routes.Remove(ev.System, ev.Channel)
	r.routes.Upsert(ev.System, ev.Channel, ev.Data)
	r.debugf("route upserted", "system", ev.System.String(), "channel", ev.Channel.String())
	return nil
}

func (r *Root) onGateRemoved(ctx *reactor.Context, msg reactor.Message) error {
	ev := msg.Payload.(RegistryGateRemoved)
	if ev.System.UUID == r.localSystemID.UUID {
		// Re-enqueued with the reporting driver as its source, so
		// onSubscriptionComplete re-publishes to that driver.
		status := ctx.Deliver(reactor.Message{
			Source:      msg.Source,
			Destination: ctx.Self(),
			Payload:     RegistrySubscriptionComplete{},
		})
		if status != reactor.Delivered {
			r.errorf("failed to self-trigger re-publication", "status", status.String())
		}
		return nil
	}
	r.routes.Remove(ev.System, ev.Channel)
	return nil
}

func (r *Root) onServicePublication(ctx *reactor.Context, msg reactor.Message) error {
	for _, child := range ctx.Children() {
		fut, err := ctx.Tell(child, msg.Payload, reactor.NONE)
		if err != nil {
			r.errorf("service publication fan-out failed", "child", child.String(), "err", err)
			continue
		}
		r.logOnFailure(fut, "ServiceServicePublicationRequest", child.String())
	}
	return nil
}

func (r *Root) onServiceCancellation(ctx *reactor.Context, msg reactor.Message) error {
	for _, child := range ctx.Children() {
		if _, err := ctx.Tell(child, msg.Payload, reactor.NONE); err != nil {
			r.errorf("service cancellation fan-out failed", "child", child.String(), "err", err)
		}
	}
	return nil
}

func (r *Root) onPublicationFailed(ctx *reactor.Context, msg reactor.Message) error {
	ev := msg.Payload.(RegistryServicePublicationFailed)
	r.errorf("service publication failed", "service", ev.Service, "cause", ev.Cause)
	return nil
}

// onSpurious logs an unrecognized payload. It's an invariant violation
// — the control-plane table names everything a driver should ever
// send — but not a fatal one.
func (r *Root) onSpurious(ctx *reactor.Context, msg reactor.Message) error {
	r.errorf("spurious message", "type", fmt.Sprintf("%T", msg.Payload))
	return nil
}

func (r *Root) logOnFailure(fut *future.Future[reactor.DeliveryStatus], msgType, target string) {
	if fut == nil {
		return
	}
	go func() {
		status, err := fut.Await()
		if err != nil || status != reactor.Delivered {
			r.errorf("delivery failed", "type", msgType, "target", target, "status", status.String(), "err", err)
		}
	}()
}

func (r *Root) debugf(msg string, args ...any) {
	if r.log != nil {
		r.log.Debug(msg, args...)
	}
}

func (r *Root) errorf(msg string, args ...any) {
	if r.log != nil {
		r.log.Error(msg, args...)
	}
}
