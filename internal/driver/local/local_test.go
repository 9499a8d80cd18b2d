package local

import (
	"testing"
	"time"

	"github.com/jbiscella/reacted/internal/dispatch"
	"github.com/jbiscella/reacted/internal/reactor"
)

func TestLocalDriverDeliversIntoMailbox(t *testing.T) {
	d := dispatch.New(2, 8, nil)
	t.Cleanup(d.Stop)

	sys := reactor.NewSystem("local-test", d, nil)
	New(sys, "default", nil)

	type Hi struct{ Text string }
	got := make(chan string, 1)

	target, err := sys.Spawn("target", reactor.NewReactionTable().Add(Hi{}, func(ctx *reactor.Context, msg reactor.Message) error {
		got <- msg.Payload.(Hi).Text
		return nil
	}), nil)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	_, err = sys.Spawn("source", reactor.NewReactionTable().Add(reactor.ReActorInit{}, func(ctx *reactor.Context, msg reactor.Message) error {
		_, err := ctx.Tell(target.Self(), Hi{Text: "hello"}, reactor.NONE)
		return err
	}), nil)
	if err != nil {
		t.Fatalf("spawn source: %v", err)
	}

	select {
	case text := <-got:
		if text != "hello" {
			t.Fatalf("got %q, want %q", text, "hello")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for local delivery")
	}
}
