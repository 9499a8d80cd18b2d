package reactor

import (
	"sync"
	"testing"
	"time"

	"github.com/jbiscella/reacted/internal/future"
)

// inlineScheduler runs a context's batch synchronously on whatever
// goroutine calls Schedule, standing in for a real worker pool in
// tests that only care about reactor semantics, not dispatch
// mechanics.
type inlineScheduler struct {
	batch int
}

func (s *inlineScheduler) Schedule(c *Context) {
	if !c.AcquireScheduling() {
		return
	}
	max := s.batch
	if max == 0 {
		max = 16
	}
	for c.HasWork() || c.stopRequested() {
		if !c.RunBatch(max) {
			// Termination was handed off to its own goroutine, which
			// now owns the scheduling flag and releases it itself —
			// this call must not release it too, and must not touch c
			// again.
			return
		}
		if !c.HasWork() && !c.stopRequested() {
			break
		}
		if State(c.state.Load()) == Terminated {
			break
		}
	}
	c.ReleaseScheduling()
}

// loopbackDriver delivers straight back into the same System, standing
// in for driver.local without creating an import from reactor to
// driver.
type loopbackDriver struct {
	sys *System
}

func (d *loopbackDriver) SendAsync(dest Reference, msg Message) *future.Future[DeliveryStatus] {
	return future.New(func() (DeliveryStatus, error) {
		return d.sys.Deliver(dest, msg), nil
	})
}

func newTestSystem(t *testing.T) (*System, *inlineScheduler) {
	t.Helper()
	sched := &inlineScheduler{}
	sys := NewSystem("test", sched, nil)
	sys.SetLocalDriver(&loopbackDriver{sys: sys}, ChannelID{Type: "local", Name: "default"})
	return sys, sched
}

func TestSpawnAndReActorInit(t *testing.T) {
	sys, _ := newTestSystem(t)

	var gotInit bool
	var mu sync.Mutex
	reactions := NewReactionTable().Add(ReActorInit{}, func(ctx *Context, msg Message) error {
		mu.Lock()
		gotInit = true
		mu.Unlock()
		return nil
	})

	if _, err := sys.Spawn("root", reactions, nil); err != nil {
		t.Fatalf("Spawn() error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if !gotInit {
		t.Fatal("expected ReActorInit to have been delivered and handled")
	}
}

func TestTellDeliversAndEchoes(t *testing.T) {
	sys, _ := newTestSystem(t)

	type Hello struct{ Text string }
	type Echo struct{ Text string }

	replies := make(chan string, 1)

	echoer, err := sys.Spawn("echoer", NewReactionTable().Add(Hello{}, func(ctx *Context, msg Message) error {
		h := msg.Payload.(Hello)
		_, err := ctx.Reply(Echo{Text: h.Text})
		return err
	}), nil)
	if err != nil {
		t.Fatalf("spawn echoer: %v", err)
	}

	_, err = sys.Spawn("caller", NewReactionTable().
		Add(ReActorInit{}, func(ctx *Context, msg Message) error {
			_, err := ctx.Tell(echoer.Self(), Hello{Text: "hi"}, NONE)
			return err
		}).
		Add(Echo{}, func(ctx *Context, msg Message) error {
			replies <- msg.Payload.(Echo).Text
			return nil
		}), nil)
	if err != nil {
		t.Fatalf("spawn caller: %v", err)
	}

	select {
	case text := <-replies:
		if text != "hi" {
			t.Fatalf("echoed text = %q, want %q", text, "hi")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for echo reply")
	}
}

func TestUnknownPayloadGoesToDeadLetter(t *testing.T) {
	sys, _ := newTestSystem(t)

	dead := make(chan DeadMessage, 1)
	dl, err := sys.Spawn("dead-letter", NewReactionTable().Add(DeadMessage{}, func(ctx *Context, msg Message) error {
		dead <- msg.Payload.(DeadMessage)
		return nil
	}), nil)
	if err != nil {
		t.Fatalf("spawn dead letter: %v", err)
	}
	sys.SetDeadLetter(dl.Self())

	type Unregistered struct{}
	target, err := sys.Spawn("quiet", NewReactionTable().Add(ReActorInit{}, func(ctx *Context, msg Message) error {
		return nil
	}), nil)
	if err != nil {
		t.Fatalf("spawn quiet reactor: %v", err)
	}

	seq := sys.nextSequence(dl.ID(), target.ID(), target.Self().ChannelID)
	status := sys.Deliver(target.Self(), Message{Sequence: seq, Destination: target.Self(), Payload: Unregistered{}})
	if status != Delivered {
		t.Fatalf("status = %v, want Delivered (rejection happens inside ReAct, not at mailbox enqueue)", status)
	}

	select {
	case msg := <-dead:
		if _, ok := msg.Original.(Unregistered); !ok {
			t.Fatalf("dead letter payload = %#v, want Unregistered", msg.Original)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dead letter")
	}
}

func TestStopTerminatesParentAfterChildren(t *testing.T) {
	sys, _ := newTestSystem(t)

	var childStopped, parentStopped atomicBool

	root, err := sys.Spawn("parent", NewReactionTable().Add(ReActorStop{}, func(ctx *Context, msg Message) error {
		parentStopped.set(true)
		return nil
	}), nil)
	if err != nil {
		t.Fatalf("spawn parent: %v", err)
	}

	_, err = root.SpawnChild("child", NewReactionTable().Add(ReActorStop{}, func(ctx *Context, msg Message) error {
		childStopped.set(true)
		return nil
	}), nil)
	if err != nil {
		t.Fatalf("spawn child: %v", err)
	}

	select {
	case <-root.Stop().Done():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for termination")
	}

	if !childStopped.get() {
		t.Fatal("child never received ReActorStop")
	}
	if !parentStopped.get() {
		t.Fatal("parent never received ReActorStop")
	}
	if root.State() != Terminated {
		t.Fatalf("parent state = %v, want Terminated", root.State())
	}
	if _, ok := sys.ByID(root.ID()); ok {
		t.Fatal("parent should be unregistered from the system after termination")
	}
}

type atomicBool struct {
	mu sync.Mutex
	v  bool
}

func (a *atomicBool) set(v bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.v = v
}

func (a *atomicBool) get() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.v
}
