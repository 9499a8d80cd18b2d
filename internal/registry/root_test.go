package registry

import (
	"testing"
	"time"

	"github.com/jbiscella/reacted/internal/dispatch"
	"github.com/jbiscella/reacted/internal/driver/local"
	"github.com/jbiscella/reacted/internal/reactor"
)

func newTestRootSystem(t *testing.T) (*reactor.System, *Root, *reactor.Context) {
	t.Helper()
	disp := dispatch.New(2, 8, nil)
	t.Cleanup(disp.Stop)
	sys := reactor.NewSystem("registry-test", disp, nil)
	local.New(sys, "default", nil)

	root := NewRoot(sys, []PublishedChannel{
		{Channel: reactor.ChannelID{Type: "local", Name: "default"}, Properties: map[string]string{"zone": "test"}},
	}, nil)
	rootCtx, err := sys.Spawn("remoting-root", root.Reactions(), nil)
	if err != nil {
		t.Fatalf("spawn root: %v", err)
	}
	return sys, root, rootCtx
}

func TestRootPublishesChannelsOnSubscriptionComplete(t *testing.T) {
	sys, _, rootCtx := newTestRootSystem(t)

	published := make(chan ReActorSystemChannelIdPublicationRequest, 4)
	driverReactions := reactor.NewReactionTable().
		Add(reactor.ReActorInit{}, func(ctx *reactor.Context, msg reactor.Message) error {
			_, err := ctx.Tell(rootCtx.Self(), RegistrySubscriptionComplete{}, reactor.NONE)
			return err
		}).
		Add(ReActorSystemChannelIdPublicationRequest{}, func(ctx *reactor.Context, msg reactor.Message) error {
			published <- msg.Payload.(ReActorSystemChannelIdPublicationRequest)
			return nil
		})
	if _, err := sys.Spawn("driver-one", driverReactions, nil); err != nil {
		t.Fatalf("spawn driver: %v", err)
	}

	select {
	case req := <-published:
		if req.Channel.Name != "default" || req.Properties["zone"] != "test" {
			t.Fatalf("unexpected publication request: %+v", req)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel id publication request")
	}
}

func TestRootUpsertsAndRemovesRoute(t *testing.T) {
	sys, root, rootCtx := newTestRootSystem(t)

	peer := reactor.NewSystemID("peer")
	channel := reactor.ChannelID{Type: "tcp", Name: "peer:9000"}

	done := make(chan struct{})
	driverReactions := reactor.NewReactionTable().Add(reactor.ReActorInit{}, func(ctx *reactor.Context, msg reactor.Message) error {
		if _, err := ctx.Tell(rootCtx.Self(), RegistryGateUpserted{System: peer, Channel: channel, Data: map[string]string{"addr": "peer:9000"}}, reactor.NONE); err != nil {
			return err
		}
		close(done)
		return nil
	})
	if _, err := sys.Spawn("driver-two", driverReactions, nil); err != nil {
		t.Fatalf("spawn driver: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out sending gate upsert")
	}

	deadline := time.Now().Add(2 * time.Second)
	for !root.RoutingTable().Has(peer) {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for route to appear")
		}
		time.Sleep(time.Millisecond)
	}
	data, ok := root.RoutingTable().Lookup(peer, channel)
	if !ok || data["addr"] != "peer:9000" {
		t.Fatalf("lookup = %+v, %v", data, ok)
	}

	removeDone := make(chan struct{})
	remover := reactor.NewReactionTable().Add(reactor.ReActorInit{}, func(ctx *reactor.Context, msg reactor.Message) error {
		if _, err := ctx.Tell(rootCtx.Self(), RegistryGateRemoved{System: peer, Channel: channel}, reactor.NONE); err != nil {
			return err
		}
		close(removeDone)
		return nil
	})
	if _, err := sys.Spawn("driver-remover", remover, nil); err != nil {
		t.Fatalf("spawn remover: %v", err)
	}

	select {
	case <-removeDone:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out sending gate removed")
	}

	deadline = time.Now().Add(2 * time.Second)
	for root.RoutingTable().Has(peer) {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for route to be removed")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRootResubscribesOnOwnGateRemoved(t *testing.T) {
	sys, root, rootCtx := newTestRootSystem(t)

	published := make(chan ReActorSystemChannelIdPublicationRequest, 4)
	driverReactions := reactor.NewReactionTable().
		Add(ReActorSystemChannelIdPublicationRequest{}, func(ctx *reactor.Context, msg reactor.Message) error {
			published <- msg.Payload.(ReActorSystemChannelIdPublicationRequest)
			return nil
		}).
		Add(reactor.ReActorInit{}, func(ctx *reactor.Context, msg reactor.Message) error {
			_, err := ctx.Tell(rootCtx.Self(), RegistryGateRemoved{System: root.localSystemID, Channel: reactor.ChannelID{Type: "local", Name: "default"}}, reactor.NONE)
			return err
		})
	if _, err := sys.Spawn("driver-three", driverReactions, nil); err != nil {
		t.Fatalf("spawn driver: %v", err)
	}

	select {
	case req := <-published:
		if req.Channel.Name != "default" {
			t.Fatalf("unexpected republication: %+v", req)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for self-triggered republication")
	}
}

func TestRootFansOutServicePublicationToChildren(t *testing.T) {
	_, _, rootCtx := newTestRootSystem(t)

	got := make(chan ServiceServicePublicationRequest, 1)
	childReactions := reactor.NewReactionTable().Add(ServiceServicePublicationRequest{}, func(ctx *reactor.Context, msg reactor.Message) error {
		got <- msg.Payload.(ServiceServicePublicationRequest)
		return nil
	})
	if _, err := rootCtx.SpawnChild("registry-driver", childReactions, nil); err != nil {
		t.Fatalf("spawn child: %v", err)
	}

	req := ServiceServicePublicationRequest{Service: "orders", Ref: reactor.Reference{}}
	rootCtx.Deliver(reactor.Message{Destination: rootCtx.Self(), Payload: req})

	select {
	case fanned := <-got:
		if fanned.Service != "orders" {
			t.Fatalf("got service %q, want orders", fanned.Service)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fan-out to registry-driver child")
	}
}

func TestRootLogsSpuriousPayloadWithoutFailing(t *testing.T) {
	_, _, rootCtx := newTestRootSystem(t)

	type unexpected struct{ X int }
	rootCtx.Deliver(reactor.Message{Destination: rootCtx.Self(), Payload: unexpected{X: 1}})

	deadline := time.Now().Add(time.Second)
	// ReActorInit accounts for the first execution; the spurious
	// message is the second.
	for rootCtx.ExecutionCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("root never processed the spurious message")
		}
		time.Sleep(time.Millisecond)
	}
}
