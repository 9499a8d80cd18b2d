package journal

import (
	"testing"
	"time"

	"github.com/jbiscella/reacted/internal/dispatch"
	"github.com/jbiscella/reacted/internal/reactor"
)

type Greeting struct{ Text string }

func init() {
	RegisterPayload(Greeting{})
}

func newJournaledSystem(t *testing.T, dbPath string) (*reactor.System, *Driver) {
	t.Helper()
	d := dispatch.New(2, 8, nil)
	t.Cleanup(d.Stop)

	sys := reactor.NewSystem("journal-test", d, nil)
	jd, err := Open(sys, dbPath, "main", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { jd.CleanDriverLoop() })
	sys.SetLocalDriver(jd, jd.ChannelID())

	if err := jd.InitDriverLoop(); err != nil {
		t.Fatalf("InitDriverLoop: %v", err)
	}
	return sys, jd
}

func TestJournalRoundTripsThroughTailer(t *testing.T) {
	sys, _ := newJournaledSystem(t, ":memory:")

	got := make(chan string, 1)
	target, err := sys.Spawn("target", reactor.NewReactionTable().Add(Greeting{}, func(ctx *reactor.Context, msg reactor.Message) error {
		got <- msg.Payload.(Greeting).Text
		return nil
	}), nil)
	if err != nil {
		t.Fatalf("spawn target: %v", err)
	}

	_, err = sys.Spawn("source", reactor.NewReactionTable().Add(reactor.ReActorInit{}, func(ctx *reactor.Context, msg reactor.Message) error {
		_, err := ctx.Tell(target.Self(), Greeting{Text: "hi via journal"}, reactor.NONE)
		return err
	}), nil)
	if err != nil {
		t.Fatalf("spawn source: %v", err)
	}

	select {
	case text := <-got:
		if text != "hi via journal" {
			t.Fatalf("got %q, want %q", text, "hi via journal")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the tailer to deliver the message")
	}
}

func TestJournalChannelRequiredWaitsForTailVisibility(t *testing.T) {
	sys, _ := newJournaledSystem(t, ":memory:")

	target, err := sys.Spawn("target", reactor.NewReactionTable().Add(Greeting{}, func(ctx *reactor.Context, msg reactor.Message) error {
		return nil
	}), nil)
	if err != nil {
		t.Fatalf("spawn target: %v", err)
	}

	_, err = sys.Spawn("source", reactor.NewReactionTable().Add(reactor.ReActorInit{}, func(ctx *reactor.Context, msg reactor.Message) error {
		fut, err := ctx.Tell(target.Self(), Greeting{Text: "durable"}, reactor.CHANNEL_REQUIRED)
		if err != nil {
			return err
		}
		status, _, ok := fut.AwaitTimeout(2 * time.Second)
		if !ok {
			t.Error("CHANNEL_REQUIRED ack never resolved")
		} else if status != reactor.Delivered {
			t.Errorf("ack status = %v, want Delivered", status)
		}
		return nil
	}), nil)
	if err != nil {
		t.Fatalf("spawn source: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
}
