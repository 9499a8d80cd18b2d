package tcp

import (
	"testing"
	"time"

	"github.com/jbiscella/reacted/internal/dispatch"
	"github.com/jbiscella/reacted/internal/reactor"
)

type Ping struct{ N int }

func init() {
	RegisterPayload(Ping{})
}

func TestTCPDriverDeliversAcrossConnections(t *testing.T) {
	serverDisp := dispatch.New(2, 8, nil)
	t.Cleanup(serverDisp.Stop)
	serverSys := reactor.NewSystem("server", serverDisp, nil)
	serverDriver := New(serverSys, "default", nil)
	addr, err := serverDriver.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { serverDriver.CleanDriverLoop() })
	serverSys.SetLocalDriver(serverDriver, serverDriver.ChannelID())

	got := make(chan int, 1)
	target, err := serverSys.Spawn("target", reactor.NewReactionTable().Add(Ping{}, func(ctx *reactor.Context, msg reactor.Message) error {
		got <- msg.Payload.(Ping).N
		return nil
	}), nil)
	if err != nil {
		t.Fatalf("spawn target: %v", err)
	}

	clientDisp := dispatch.New(2, 8, nil)
	t.Cleanup(clientDisp.Stop)
	clientSys := reactor.NewSystem("client", clientDisp, nil)
	clientDriver := New(clientSys, "default", nil)
	t.Cleanup(func() { clientDriver.CleanDriverLoop() })
	clientSys.SetLocalDriver(clientDriver, clientDriver.ChannelID())

	remoteTarget := reactor.Reference{
		ReactorID: target.ID(),
		SystemID:  serverSys.ID(),
		ChannelID: reactor.ChannelID{Type: "tcp", Name: addr},
		Driver:    clientDriver,
	}

	_, err = clientSys.Spawn("source", reactor.NewReactionTable().Add(reactor.ReActorInit{}, func(ctx *reactor.Context, msg reactor.Message) error {
		_, err := ctx.Tell(remoteTarget, Ping{N: 7}, reactor.NONE)
		return err
	}), nil)
	if err != nil {
		t.Fatalf("spawn source: %v", err)
	}

	select {
	case n := <-got:
		if n != 7 {
			t.Fatalf("got %d, want 7", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cross-connection delivery")
	}
}

func TestTCPDriverChannelRequiredConfirms(t *testing.T) {
	serverDisp := dispatch.New(2, 8, nil)
	t.Cleanup(serverDisp.Stop)
	serverSys := reactor.NewSystem("server2", serverDisp, nil)
	serverDriver := New(serverSys, "default", nil)
	addr, err := serverDriver.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { serverDriver.CleanDriverLoop() })
	serverSys.SetLocalDriver(serverDriver, serverDriver.ChannelID())

	target, err := serverSys.Spawn("target", reactor.NewReactionTable().Add(Ping{}, func(ctx *reactor.Context, msg reactor.Message) error {
		return nil
	}), nil)
	if err != nil {
		t.Fatalf("spawn target: %v", err)
	}

	clientDisp := dispatch.New(2, 8, nil)
	t.Cleanup(clientDisp.Stop)
	clientSys := reactor.NewSystem("client2", clientDisp, nil)
	clientDriver := New(clientSys, "default", nil)
	t.Cleanup(func() { clientDriver.CleanDriverLoop() })
	clientSys.SetLocalDriver(clientDriver, clientDriver.ChannelID())

	remoteTarget := reactor.Reference{
		ReactorID: target.ID(),
		SystemID:  serverSys.ID(),
		ChannelID: reactor.ChannelID{Type: "tcp", Name: addr},
		Driver:    clientDriver,
	}

	done := make(chan reactor.DeliveryStatus, 1)
	_, err = clientSys.Spawn("source2", reactor.NewReactionTable().Add(reactor.ReActorInit{}, func(ctx *reactor.Context, msg reactor.Message) error {
		f, err := ctx.Tell(remoteTarget, Ping{N: 2}, reactor.CHANNEL_REQUIRED)
		if err != nil {
			return err
		}
		status, _ := f.Await()
		done <- status
		return nil
	}), nil)
	if err != nil {
		t.Fatalf("spawn source2: %v", err)
	}

	select {
	case status := <-done:
		if status != reactor.Delivered {
			t.Fatalf("status = %v, want Delivered", status)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for the confirmation frame")
	}
}

// TestTCPDriverChannelRequiredReflectsRemoteFailure guards against the ack
// frame lying about delivery: a CHANNEL_REQUIRED send to a reactor id the
// server no longer has registered must resolve NotDelivered on the sender,
// not a blind Delivered just because some confirmation frame came back.
func TestTCPDriverChannelRequiredReflectsRemoteFailure(t *testing.T) {
	serverDisp := dispatch.New(2, 8, nil)
	t.Cleanup(serverDisp.Stop)
	serverSys := reactor.NewSystem("server3", serverDisp, nil)
	serverDriver := New(serverSys, "default", nil)
	addr, err := serverDriver.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { serverDriver.CleanDriverLoop() })
	serverSys.SetLocalDriver(serverDriver, serverDriver.ChannelID())

	clientDisp := dispatch.New(2, 8, nil)
	t.Cleanup(clientDisp.Stop)
	clientSys := reactor.NewSystem("client3", clientDisp, nil)
	clientDriver := New(clientSys, "default", nil)
	t.Cleanup(func() { clientDriver.CleanDriverLoop() })
	clientSys.SetLocalDriver(clientDriver, clientDriver.ChannelID())

	// A reactor id the server system has never spawned, so OfferMessage on
	// the server side has nothing to route to and reports NotDelivered.
	unknownTarget := reactor.Reference{
		ReactorID: reactor.NewID("ghost"),
		SystemID:  serverSys.ID(),
		ChannelID: reactor.ChannelID{Type: "tcp", Name: addr},
		Driver:    clientDriver,
	}

	done := make(chan reactor.DeliveryStatus, 1)
	_, err = clientSys.Spawn("source3", reactor.NewReactionTable().Add(reactor.ReActorInit{}, func(ctx *reactor.Context, msg reactor.Message) error {
		f, err := ctx.Tell(unknownTarget, Ping{N: 9}, reactor.CHANNEL_REQUIRED)
		if err != nil {
			return err
		}
		status, _ := f.Await()
		done <- status
		return nil
	}), nil)
	if err != nil {
		t.Fatalf("spawn source3: %v", err)
	}

	select {
	case status := <-done:
		if status != reactor.NotDelivered {
			t.Fatalf("status = %v, want NotDelivered", status)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for the confirmation frame")
	}
}
